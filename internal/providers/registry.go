package providers

import (
	"net/http"
	"strings"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
)

// Classify maps a request path and headers to a provider identity.
// Classification is path-first: the anthropic-version header confirms but
// never overrides the /v1/messages rule, and escalates other /v1/ paths
// that Anthropic SDKs hit (token counting, models).
func Classify(path string, header http.Header) domain.Provider {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return domain.ProviderAnthropic
	case strings.HasPrefix(path, "/v1/"):
		if header.Get("anthropic-version") != "" {
			return domain.ProviderAnthropic
		}
		return domain.ProviderOpenAI
	case strings.HasPrefix(path, "/api/"):
		return domain.ProviderOllama
	}
	return domain.ProviderPassthrough
}
