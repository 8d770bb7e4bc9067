package providers

import (
	"net/http"
	"testing"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		path   string
		header http.Header
		want   domain.Provider
	}{
		{"/v1/messages", nil, domain.ProviderAnthropic},
		{"/v1/messages/count_tokens", nil, domain.ProviderAnthropic},
		{"/v1/chat/completions", nil, domain.ProviderOpenAI},
		{"/v1/completions", nil, domain.ProviderOpenAI},
		{"/v1/models", http.Header{"Anthropic-Version": []string{"2023-06-01"}}, domain.ProviderAnthropic},
		{"/api/generate", nil, domain.ProviderOllama},
		{"/api/chat", nil, domain.ProviderOllama},
		{"/api/tags", nil, domain.ProviderOllama},
		{"/foo", nil, domain.ProviderPassthrough},
		{"/", nil, domain.ProviderPassthrough},
		{"/v2/other", nil, domain.ProviderPassthrough},
	}

	for _, tt := range tests {
		header := tt.header
		if header == nil {
			header = http.Header{}
		}
		if got := Classify(tt.path, header); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestForProvider(t *testing.T) {
	if p := ForProvider(domain.ProviderOpenAI); p == nil || p.Provider() != domain.ProviderOpenAI {
		t.Error("expected OpenAI parser")
	}
	if p := ForProvider(domain.ProviderAnthropic); p == nil || p.Provider() != domain.ProviderAnthropic {
		t.Error("expected Anthropic parser")
	}
	if p := ForProvider(domain.ProviderOllama); p == nil || p.Provider() != domain.ProviderOllama {
		t.Error("expected Ollama parser")
	}
	if p := ForProvider(domain.ProviderPassthrough); p != nil {
		t.Error("expected nil parser for passthrough")
	}
}
