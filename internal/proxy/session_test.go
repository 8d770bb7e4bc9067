package proxy

import "testing"

func TestExtractSession(t *testing.T) {
	tests := []struct {
		path        string
		wantID      string
		wantForward string
	}{
		{"/_session/agent-a/v1/messages", "agent-a", "/v1/messages"},
		{"/_session/a.b_c-d/api/generate", "a.b_c-d", "/api/generate"},
		{"/_session/solo", "solo", "/"},
		{"/v1/messages", "", "/v1/messages"},
		{"/_session//v1/messages", "", "/_session//v1/messages"},
		{"/_sessionx/a/v1", "", "/_sessionx/a/v1"},
	}

	for _, tt := range tests {
		id, forward := extractSession(tt.path)
		if id != tt.wantID || forward != tt.wantForward {
			t.Errorf("extractSession(%q) = (%q, %q), want (%q, %q)",
				tt.path, id, forward, tt.wantID, tt.wantForward)
		}
	}
}

func TestExtractSessionLengthLimit(t *testing.T) {
	long := "/_session/"
	for i := 0; i < 129; i++ {
		long += "x"
	}
	long += "/v1/messages"

	if id, _ := extractSession(long); id != "" {
		t.Errorf("session ids over 128 chars must not match, got %q", id)
	}
}
