package domain

import (
	"encoding/json"
	"time"
)

// Provider identifies which upstream API family handled a request.
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderAnthropic   Provider = "anthropic"
	ProviderOllama      Provider = "ollama"
	ProviderPassthrough Provider = "passthrough"
)

// Interaction represents a single client-observed request/response cycle
// through the proxy. It is created when request headers are parsed, mutated
// only by the handler goroutine that owns it, finalized once at response end,
// and immutable thereafter.
type Interaction struct {
	// ID uniquely identifies this interaction
	ID string `json:"id"`

	// SessionID is the session tag extracted from a /_session/{id} path
	// prefix, empty when the client used no prefix
	SessionID string `json:"session_id,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Provider is the classified upstream for this request
	Provider Provider `json:"provider"`

	Method     string `json:"method"`
	Path       string `json:"path"`
	ClientAddr string `json:"client_addr,omitempty"`

	// Request contains the captured request details
	Request *InteractionRequest `json:"request"`

	// Response contains the captured response details
	Response *InteractionResponse `json:"response,omitempty"`

	// Metrics contains latency and token accounting
	Metrics InteractionMetrics `json:"metrics"`

	// ChunkCount is the number of stream chunks received. Zero for
	// non-streaming responses.
	ChunkCount int `json:"chunk_count"`

	// Error describes how the exchange failed, empty on success. Partially
	// captured interactions are still stored with this populated.
	Error string `json:"error,omitempty"`
}

// InteractionRequest contains details about the incoming request.
type InteractionRequest struct {
	// Headers are the client request headers after redaction
	Headers map[string]string `json:"headers"`

	// BodyRaw is the original raw request body
	BodyRaw []byte `json:"body_raw,omitempty"`

	// Model is the model name extracted from the request body
	Model string `json:"model,omitempty"`

	// SystemPrompt is the flattened system prompt, empty when absent
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages is the ordered conversation extracted from the body
	Messages []Message `json:"messages,omitempty"`

	// Tools is the list of tool schemas offered to the model
	Tools []json.RawMessage `json:"tools,omitempty"`

	// ImageMetadata describes inline images without retaining their bytes
	ImageMetadata []ImageMeta `json:"image_metadata,omitempty"`

	// StreamRequested reports whether the client asked for a streamed response
	StreamRequested bool `json:"stream_requested"`
}

// InteractionResponse contains details about the upstream response.
type InteractionResponse struct {
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`

	// BodyRaw is the response body as delivered to the client. For streaming
	// responses this is the concatenation of the wire bytes.
	BodyRaw []byte `json:"body_raw,omitempty"`

	// ReconstructedText is the assembled assistant message
	ReconstructedText string `json:"reconstructed_text,omitempty"`

	// ToolCalls are the assembled tool invocations
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// FinishReason is the provider-reported stop reason
	FinishReason string `json:"finish_reason,omitempty"`
}

// InteractionMetrics holds latency and token accounting for one interaction.
type InteractionMetrics struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`

	// TokensEstimated is true when any token count came from the heuristic
	// estimator rather than the provider
	TokensEstimated bool `json:"tokens_estimated,omitempty"`

	// CostEstimate is in USD, nil when no pricing entry matched the model
	CostEstimate *float64 `json:"cost_estimate,omitempty"`

	// TTFBMs is time to the first upstream byte
	TTFBMs *float64 `json:"ttfb_ms,omitempty"`

	// TTFTMs is time to the first content token, nil unless streaming
	TTFTMs *float64 `json:"ttft_ms,omitempty"`

	TotalLatencyMs float64 `json:"total_latency_ms"`
}

// Message is one role-tagged entry of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCall is one assembled tool invocation from a response.
type ToolCall struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`

	// Arguments is the accumulated argument payload. It is valid JSON when
	// the provider finished the call cleanly; otherwise the raw partial text.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ImageMeta describes one inline image in a request without its payload.
// Raw base64 data is never stored.
type ImageMeta struct {
	Index     int    `json:"index"`
	MIME      string `json:"mime"`
	SizeBytes int    `json:"size_bytes"`
}

// StreamChunk is one framed unit received during a streaming response.
// Chunks are created strictly in receive order by the tee and never mutated.
type StreamChunk struct {
	ID            string    `json:"id"`
	InteractionID string    `json:"interaction_id"`

	// Seq is a dense 0-based sequence reflecting receive order
	Seq int `json:"seq"`

	ReceivedAt time.Time `json:"received_at"`

	// EventType is the provider-specific tag, e.g. message_start,
	// content_block_delta, done, or "malformed" for undecodable frames
	EventType string `json:"event_type,omitempty"`

	// Raw is the chunk bytes as transported
	Raw []byte `json:"raw"`

	// Decoded is the parsed JSON payload, nil for malformed frames
	Decoded json.RawMessage `json:"decoded,omitempty"`
}

// Usage holds provider-reported token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// HasCounts reports whether the provider supplied any token counts.
func (u Usage) HasCounts() bool {
	return u.InputTokens > 0 || u.OutputTokens > 0 || u.TotalTokens > 0
}

// SessionSummary is the derived aggregate for one session identity. Sessions
// are materialized by grouping interactions on session_id; they are never
// stored as rows.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Interactions int       `json:"interaction_count"`
	Providers    []string  `json:"providers"`
	Models       []string  `json:"models"`
	FirstSeen    time.Time `json:"first_interaction"`
	LastSeen     time.Time `json:"last_interaction"`
}

// Stats is the aggregate view served by the admin stats endpoint.
type Stats struct {
	TotalInteractions int            `json:"total_interactions"`
	ByProvider        map[string]int `json:"by_provider"`
	ByModel           map[string]int `json:"by_model"`
	TotalTokens       int64          `json:"total_tokens"`
	ErrorRate         float64        `json:"error_rate"`
	AvgLatencyMs      float64        `json:"avg_latency_ms"`
}
