package redact

import (
	"net/http"
	"reflect"
	"testing"
)

func TestHeadersSensitiveNames(t *testing.T) {
	h := http.Header{
		"Authorization": []string{"Bearer sk-abc123"},
		"X-Api-Key":     []string{"sk-ant-secret"},
		"Cookie":        []string{"session=abc"},
		"Content-Type":  []string{"application/json"},
	}

	out := Headers(h)

	if out["Authorization"] != "<redacted:16>" {
		t.Errorf("expected Authorization redacted with byte length, got %q", out["Authorization"])
	}
	if out["X-Api-Key"] != "<redacted:13>" {
		t.Errorf("expected X-Api-Key redacted, got %q", out["X-Api-Key"])
	}
	if out["Cookie"] != "<redacted:11>" {
		t.Errorf("expected Cookie redacted, got %q", out["Cookie"])
	}
	if out["Content-Type"] != "application/json" {
		t.Errorf("Content-Type must pass through, got %q", out["Content-Type"])
	}
}

func TestHeadersBearerShape(t *testing.T) {
	// A bearer-shaped value in a non-sensitive header is still redacted
	out := Value("X-Custom-Auth", "Bearer tok_123.abc-def")
	if out != "<redacted:22>" {
		t.Errorf("expected bearer value redacted, got %q", out)
	}
}

func TestHeadersIdempotent(t *testing.T) {
	h := http.Header{
		"Authorization": []string{"Bearer sk-abc123"},
		"X-Api-Key":     []string{"sk-ant-secret"},
		"User-Agent":    []string{"agent/1.0"},
	}

	once := Headers(h)

	again := http.Header{}
	for k, v := range once {
		again.Set(k, v)
	}
	twice := Headers(again)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("redaction not idempotent: %v != %v", once, twice)
	}
}

func TestBodyRedaction(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","api_key":"sk-secret123"}`)

	out := Body(body)
	if string(out) != `{"model":"gpt-4o","api_key":"<redacted:12>"}` {
		t.Errorf("unexpected body redaction: %s", out)
	}

	// Idempotent
	if string(Body(out)) != string(out) {
		t.Error("body redaction not idempotent")
	}
}

func TestBodyNonJSONUntouched(t *testing.T) {
	body := []byte("plain text api_key=sk-123")
	if string(Body(body)) != string(body) {
		t.Error("non-JSON body must pass through unchanged")
	}
}
