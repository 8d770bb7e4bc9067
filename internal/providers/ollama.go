package providers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
)

// OllamaParser decodes the Ollama API format. Ollama streams NDJSON: one
// JSON object per line, with done=true on the last.
type OllamaParser struct{}

func (p *OllamaParser) Provider() domain.Provider { return domain.ProviderOllama }

func (p *OllamaParser) ParseRequest(body []byte, _ http.Header) *RequestInfo {
	info := &RequestInfo{}
	if !gjson.ValidBytes(body) {
		return info
	}

	info.Model = gjson.GetBytes(body, "model").String()
	info.SystemPrompt = gjson.GetBytes(body, "system").String()
	info.Tools = rawTools(body)

	// Ollama defaults stream to true when the field is absent
	if stream := gjson.GetBytes(body, "stream"); stream.Exists() {
		info.StreamRequested = stream.Bool()
	} else {
		info.StreamRequested = true
	}

	messages := gjson.GetBytes(body, "messages")
	if messages.IsArray() {
		// /api/chat format
		messages.ForEach(func(_, msg gjson.Result) bool {
			role := msg.Get("role").String()
			content := flattenContent(msg.Get("content"))
			if info.SystemPrompt == "" && role == "system" {
				info.SystemPrompt = content
			}
			info.Messages = append(info.Messages, domain.Message{Role: role, Content: content})
			return true
		})
		info.ImageMetadata = extractImageMetadata(messages)
	} else if prompt := gjson.GetBytes(body, "prompt"); prompt.Exists() {
		// /api/generate format uses a bare prompt
		info.Messages = []domain.Message{{Role: "user", Content: prompt.String()}}
	}

	return info
}

type ollamaStream struct {
	lines lineBuffer

	model        string
	text         strings.Builder
	usage        domain.Usage
	done         bool
	finishReason string
}

func (s *ollamaStream) buffered() []byte { return s.lines.buffered() }

func (p *OllamaParser) BeginStream() StreamState {
	return &ollamaStream{}
}

func (p *OllamaParser) FeedChunk(st StreamState, raw []byte) []StreamEvent {
	s := st.(*ollamaStream)
	return p.consume(s, s.lines.feed(raw))
}

func (p *OllamaParser) FinalizeStream(st StreamState) (*Assembled, []StreamEvent) {
	s := st.(*ollamaStream)
	trailing := p.consume(s, s.lines.flush())

	return &Assembled{
		Model:        s.model,
		Text:         s.text.String(),
		Usage:        s.usage,
		FinishReason: s.finishReason,
	}, trailing
}

func (p *OllamaParser) consume(s *ollamaStream, lines [][]byte) []StreamEvent {
	var events []StreamEvent
	for _, line := range lines {
		events = append(events, p.consumeLine(s, line))
	}
	return events
}

func (p *OllamaParser) consumeLine(s *ollamaStream, line []byte) StreamEvent {
	ev := StreamEvent{Raw: line}

	data := strings.TrimSpace(string(line))
	if data == "" || !gjson.Valid(data) {
		ev.EventType = "malformed"
		return ev
	}

	ev.Decoded = json.RawMessage(data)
	parsed := gjson.Parse(data)

	if s.model == "" {
		s.model = parsed.Get("model").String()
	}

	// /api/generate streams .response, /api/chat streams .message.content
	if resp := parsed.Get("response"); resp.Exists() {
		s.text.WriteString(resp.String())
		ev.Delta = resp.String()
	} else if content := parsed.Get("message.content"); content.Exists() {
		s.text.WriteString(content.String())
		ev.Delta = content.String()
	}

	if parsed.Get("done").Bool() {
		ev.EventType = "done"
		s.done = true
		s.finishReason = "done"
		if reason := parsed.Get("done_reason").String(); reason != "" {
			s.finishReason = reason
		}
		in := int(parsed.Get("prompt_eval_count").Int())
		out := int(parsed.Get("eval_count").Int())
		if in > 0 || out > 0 {
			s.usage = domain.Usage{
				InputTokens:  in,
				OutputTokens: out,
				TotalTokens:  in + out,
			}
		}
	} else {
		ev.EventType = "message"
	}

	return ev
}

func (p *OllamaParser) ParseResponse(_ int, _ http.Header, body []byte) *Assembled {
	out := &Assembled{}
	if !gjson.ValidBytes(body) {
		return out
	}

	parsed := gjson.ParseBytes(body)
	out.Model = parsed.Get("model").String()

	// /api/chat format
	if message := parsed.Get("message"); message.Exists() {
		out.Text = message.Get("content").String()
		message.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			fn := tc.Get("function")
			var args json.RawMessage
			if a := fn.Get("arguments"); a.Exists() {
				args = json.RawMessage(a.Raw)
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				Name:      fn.Get("name").String(),
				Arguments: args,
			})
			return true
		})
	}

	// /api/generate format
	if resp := parsed.Get("response"); resp.Exists() {
		out.Text = resp.String()
	}

	if reason := parsed.Get("done_reason").String(); reason != "" {
		out.FinishReason = reason
	}

	in := int(parsed.Get("prompt_eval_count").Int())
	outTok := int(parsed.Get("eval_count").Int())
	if in > 0 || outTok > 0 {
		out.Usage = domain.Usage{
			InputTokens:  in,
			OutputTokens: outTok,
			TotalTokens:  in + outTok,
		}
	}

	return out
}
