// Package providers classifies requests to upstream LLM providers and
// decodes their three wire formats (OpenAI chat completions SSE, Anthropic
// messages SSE, Ollama NDJSON) into one uniform interaction model.
package providers

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
)

// RequestInfo is the normalized view of a provider request body.
type RequestInfo struct {
	Model           string
	SystemPrompt    string
	Messages        []domain.Message
	Tools           []json.RawMessage
	ImageMetadata   []domain.ImageMeta
	StreamRequested bool
}

// Assembled is the normalized view of a complete response, whether decoded
// from a single body or reconstructed from a stream.
type Assembled struct {
	Model        string
	Text         string
	ToolCalls    []domain.ToolCall
	Usage        domain.Usage
	FinishReason string

	// ErrorMessage is set when the provider signalled an error mid-stream.
	ErrorMessage string
}

// StreamEvent is one decoded frame from a streaming response. Raw includes
// the frame's transport framing (SSE terminator, NDJSON newline) so that
// concatenating Raw across events reproduces the wire bytes consumed.
type StreamEvent struct {
	// EventType is the provider-specific tag, or "malformed" when the
	// frame's payload could not be decoded.
	EventType string

	Raw     []byte
	Decoded json.RawMessage

	// Delta is the content text this frame contributed, empty when the
	// frame carried none. The tee uses the first non-empty delta to stamp
	// time-to-first-token.
	Delta string
}

// StreamState is a per-interaction accumulator. States are owned by a single
// handler goroutine and never shared.
type StreamState interface {
	// buffered returns the undecoded tail retained between feeds.
	buffered() []byte
}

// Parser decodes one provider's wire format. Implementations are stateless;
// all accumulation lives in the StreamState they construct.
type Parser interface {
	Provider() domain.Provider

	// ParseRequest extracts normalized fields from a request body. A body
	// that is not valid JSON yields a zero RequestInfo, never an error:
	// the proxy forwards regardless.
	ParseRequest(body []byte, header http.Header) *RequestInfo

	// BeginStream constructs an empty accumulator.
	BeginStream() StreamState

	// FeedChunk appends raw bytes to the accumulator and decodes any newly
	// complete frames. A byte suffix that does not yet form a complete
	// frame is retained and prepended to the next call.
	FeedChunk(st StreamState, raw []byte) []StreamEvent

	// FinalizeStream flushes any retained partial frame and returns the
	// assembled response. The trailing events, if any, are returned so the
	// caller can record them as chunks.
	FinalizeStream(st StreamState) (*Assembled, []StreamEvent)

	// ParseResponse decodes a complete non-streaming response body.
	ParseResponse(status int, header http.Header, body []byte) *Assembled
}

// ForProvider returns the parser for a classified provider, or nil for
// passthrough traffic.
func ForProvider(p domain.Provider) Parser {
	switch p {
	case domain.ProviderOpenAI:
		return &OpenAIParser{}
	case domain.ProviderAnthropic:
		return &AnthropicParser{}
	case domain.ProviderOllama:
		return &OllamaParser{}
	}
	return nil
}
