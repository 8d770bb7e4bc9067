package providers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
)

// AnthropicParser decodes the Anthropic Messages API format, including its
// named-event SSE streaming protocol.
type AnthropicParser struct{}

func (p *AnthropicParser) Provider() domain.Provider { return domain.ProviderAnthropic }

func (p *AnthropicParser) ParseRequest(body []byte, _ http.Header) *RequestInfo {
	info := &RequestInfo{}
	if !gjson.ValidBytes(body) {
		return info
	}

	info.Model = gjson.GetBytes(body, "model").String()
	info.StreamRequested = gjson.GetBytes(body, "stream").Bool()
	info.Tools = rawTools(body)

	// System prompt can be a string or a list of content blocks
	system := gjson.GetBytes(body, "system")
	switch {
	case system.Type == gjson.String:
		info.SystemPrompt = system.String()
	case system.IsArray():
		var parts []string
		system.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
			return true
		})
		info.SystemPrompt = strings.Join(parts, "\n")
	}

	messages := gjson.GetBytes(body, "messages")
	messages.ForEach(func(_, msg gjson.Result) bool {
		info.Messages = append(info.Messages, domain.Message{
			Role:    msg.Get("role").String(),
			Content: flattenContent(msg.Get("content")),
		})
		return true
	})

	info.ImageMetadata = extractImageMetadata(messages)
	return info
}

// contentBlock tracks one in-flight content block during stream assembly.
type contentBlock struct {
	kind string // text, tool_use, thinking

	toolID   string
	toolName string
	toolJSON strings.Builder
}

type anthropicStream struct {
	sse sseBuffer

	model        string
	text         strings.Builder
	blocks       map[int]*contentBlock
	toolCalls    []domain.ToolCall
	inputTokens  int
	outputTokens int
	stopReason   string
	errMessage   string
}

func (s *anthropicStream) buffered() []byte { return s.sse.buffered() }

func (p *AnthropicParser) BeginStream() StreamState {
	return &anthropicStream{blocks: make(map[int]*contentBlock)}
}

func (p *AnthropicParser) FeedChunk(st StreamState, raw []byte) []StreamEvent {
	s := st.(*anthropicStream)
	return p.consume(s, s.sse.feed(raw))
}

func (p *AnthropicParser) FinalizeStream(st StreamState) (*Assembled, []StreamEvent) {
	s := st.(*anthropicStream)
	trailing := p.consume(s, s.sse.flush())

	out := &Assembled{
		Model:        s.model,
		Text:         s.text.String(),
		ToolCalls:    s.toolCalls,
		FinishReason: s.stopReason,
		ErrorMessage: s.errMessage,
		Usage: domain.Usage{
			InputTokens:  s.inputTokens,
			OutputTokens: s.outputTokens,
			TotalTokens:  s.inputTokens + s.outputTokens,
		},
	}
	return out, trailing
}

func (p *AnthropicParser) consume(s *anthropicStream, frames []sseFrame) []StreamEvent {
	var events []StreamEvent
	for _, frame := range frames {
		events = append(events, p.consumeFrame(s, frame))
	}
	return events
}

func (p *AnthropicParser) consumeFrame(s *anthropicStream, frame sseFrame) StreamEvent {
	ev := StreamEvent{Raw: frame.raw}

	data := strings.TrimSpace(string(frame.data))
	if data == "" || !gjson.Valid(data) {
		ev.EventType = "malformed"
		return ev
	}

	parsed := gjson.Parse(data)
	eventType := parsed.Get("type").String()
	if eventType == "" {
		eventType = frame.name
	}
	ev.EventType = eventType
	ev.Decoded = json.RawMessage(data)

	// An error event terminates assembly; later frames are still recorded
	// as chunks but no longer mutate state.
	if s.errMessage != "" {
		return ev
	}

	switch eventType {
	case "message_start":
		message := parsed.Get("message")
		s.model = message.Get("model").String()
		s.inputTokens = int(message.Get("usage.input_tokens").Int())
		if out := message.Get("usage.output_tokens"); out.Exists() {
			s.outputTokens = int(out.Int())
		}

	case "content_block_start":
		idx := int(parsed.Get("index").Int())
		block := parsed.Get("content_block")
		cb := &contentBlock{kind: block.Get("type").String()}
		if cb.kind == "tool_use" {
			cb.toolID = block.Get("id").String()
			cb.toolName = block.Get("name").String()
		}
		s.blocks[idx] = cb

	case "content_block_delta":
		idx := int(parsed.Get("index").Int())
		delta := parsed.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			s.text.WriteString(delta.Get("text").String())
			ev.Delta = delta.Get("text").String()
		case "thinking_delta":
			s.text.WriteString(delta.Get("thinking").String())
			ev.Delta = delta.Get("thinking").String()
		case "input_json_delta":
			if cb, ok := s.blocks[idx]; ok {
				cb.toolJSON.WriteString(delta.Get("partial_json").String())
			}
		}

	case "content_block_stop":
		idx := int(parsed.Get("index").Int())
		if cb, ok := s.blocks[idx]; ok && cb.kind == "tool_use" {
			s.toolCalls = append(s.toolCalls, domain.ToolCall{
				ID:        cb.toolID,
				Name:      cb.toolName,
				Arguments: toolArguments(cb.toolJSON.String()),
			})
		}
		delete(s.blocks, idx)

	case "message_delta":
		if stop := parsed.Get("delta.stop_reason"); stop.Exists() && stop.Type == gjson.String {
			s.stopReason = stop.String()
		}
		if out := parsed.Get("usage.output_tokens"); out.Exists() {
			s.outputTokens = int(out.Int())
		}

	case "message_stop", "ping":
		// message_stop carries no payload we need; ping is keepalive

	case "error":
		s.errMessage = parsed.Get("error.message").String()
		if s.errMessage == "" {
			s.errMessage = "provider error"
		}
	}

	return ev
}

func (p *AnthropicParser) ParseResponse(_ int, _ http.Header, body []byte) *Assembled {
	out := &Assembled{}
	if !gjson.ValidBytes(body) {
		return out
	}

	parsed := gjson.ParseBytes(body)
	out.Model = parsed.Get("model").String()
	out.FinishReason = parsed.Get("stop_reason").String()

	var parts []string
	parsed.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, block.Get("text").String())
		case "thinking":
			parts = append(parts, "[thinking]"+block.Get("thinking").String()+"[/thinking]")
		case "tool_use":
			input := block.Get("input")
			var args json.RawMessage
			if input.Exists() {
				args = json.RawMessage(input.Raw)
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: args,
			})
		}
		return true
	})
	out.Text = strings.Join(parts, "\n")

	if usage := parsed.Get("usage"); usage.IsObject() {
		in := int(usage.Get("input_tokens").Int())
		outTok := int(usage.Get("output_tokens").Int())
		out.Usage = domain.Usage{
			InputTokens:  in,
			OutputTokens: outTok,
			TotalTokens:  in + outTok,
		}
	}

	return out
}
