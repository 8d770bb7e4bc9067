package providers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
)

// OpenAIParser decodes the OpenAI chat completions format, which is also
// spoken by most compatible providers.
type OpenAIParser struct{}

func (p *OpenAIParser) Provider() domain.Provider { return domain.ProviderOpenAI }

func (p *OpenAIParser) ParseRequest(body []byte, _ http.Header) *RequestInfo {
	info := &RequestInfo{}
	if !gjson.ValidBytes(body) {
		return info
	}

	info.Model = gjson.GetBytes(body, "model").String()
	info.StreamRequested = gjson.GetBytes(body, "stream").Bool()
	info.Tools = rawTools(body)

	messages := gjson.GetBytes(body, "messages")
	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		content := flattenContent(msg.Get("content"))
		// The first system (or developer) message doubles as the system prompt
		if info.SystemPrompt == "" && (role == "system" || role == "developer") {
			info.SystemPrompt = content
		}
		info.Messages = append(info.Messages, domain.Message{Role: role, Content: content})
		return true
	})

	info.ImageMetadata = extractImageMetadata(messages)
	return info
}

type openAIStream struct {
	sse sseBuffer

	model        string
	text         strings.Builder
	tools        map[int]*toolAccumulator
	usage        domain.Usage
	finishReason string
}

type toolAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func (s *openAIStream) buffered() []byte { return s.sse.buffered() }

func (p *OpenAIParser) BeginStream() StreamState {
	return &openAIStream{tools: make(map[int]*toolAccumulator)}
}

func (p *OpenAIParser) FeedChunk(st StreamState, raw []byte) []StreamEvent {
	s := st.(*openAIStream)
	return p.consume(s, s.sse.feed(raw))
}

func (p *OpenAIParser) FinalizeStream(st StreamState) (*Assembled, []StreamEvent) {
	s := st.(*openAIStream)
	trailing := p.consume(s, s.sse.flush())
	return p.assemble(s), trailing
}

func (p *OpenAIParser) consume(s *openAIStream, frames []sseFrame) []StreamEvent {
	var events []StreamEvent
	for _, frame := range frames {
		events = append(events, p.consumeFrame(s, frame))
	}
	return events
}

func (p *OpenAIParser) consumeFrame(s *openAIStream, frame sseFrame) StreamEvent {
	ev := StreamEvent{Raw: frame.raw}

	data := strings.TrimSpace(string(frame.data))
	if data == "[DONE]" {
		ev.EventType = "done"
		return ev
	}
	if !gjson.Valid(data) {
		ev.EventType = "malformed"
		return ev
	}

	ev.EventType = "chunk"
	ev.Decoded = json.RawMessage(data)
	parsed := gjson.Parse(data)

	if s.model == "" {
		s.model = parsed.Get("model").String()
	}

	choice := parsed.Get("choices.0")
	if choice.Exists() {
		delta := choice.Get("delta")
		if content := delta.Get("content"); content.Exists() {
			s.text.WriteString(content.String())
			ev.Delta = content.String()
		}
		delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			idx := int(tc.Get("index").Int())
			acc, ok := s.tools[idx]
			if !ok {
				acc = &toolAccumulator{}
				s.tools[idx] = acc
			}
			if id := tc.Get("id").String(); id != "" {
				acc.id = id
			}
			if name := tc.Get("function.name").String(); name != "" {
				acc.name = name
			}
			// Arguments arrive as string fragments, accumulated by concat
			if args := tc.Get("function.arguments"); args.Exists() {
				acc.args.WriteString(args.String())
			}
			return true
		})
		if finish := choice.Get("finish_reason"); finish.Exists() && finish.Type == gjson.String {
			s.finishReason = finish.String()
		}
	}

	// Trailing usage chunk, present when stream_options.include_usage is set
	if usage := parsed.Get("usage"); usage.IsObject() {
		s.usage = domain.Usage{
			InputTokens:  int(usage.Get("prompt_tokens").Int()),
			OutputTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:  int(usage.Get("total_tokens").Int()),
		}
	}

	return ev
}

func (p *OpenAIParser) assemble(s *openAIStream) *Assembled {
	out := &Assembled{
		Model:        s.model,
		Text:         s.text.String(),
		Usage:        s.usage,
		FinishReason: s.finishReason,
	}

	indexes := make([]int, 0, len(s.tools))
	for idx := range s.tools {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		acc := s.tools[idx]
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: toolArguments(acc.args.String()),
		})
	}

	return out
}

func (p *OpenAIParser) ParseResponse(_ int, _ http.Header, body []byte) *Assembled {
	out := &Assembled{}
	if !gjson.ValidBytes(body) {
		return out
	}

	parsed := gjson.ParseBytes(body)
	out.Model = parsed.Get("model").String()

	message := parsed.Get("choices.0.message")
	out.Text = message.Get("content").String()
	out.FinishReason = parsed.Get("choices.0.finish_reason").String()

	message.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: toolArguments(tc.Get("function.arguments").String()),
		})
		return true
	})

	if usage := parsed.Get("usage"); usage.IsObject() {
		out.Usage = domain.Usage{
			InputTokens:  int(usage.Get("prompt_tokens").Int()),
			OutputTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:  int(usage.Get("total_tokens").Int()),
		}
	}

	return out
}

// toolArguments normalizes an accumulated argument string: valid JSON is
// kept as-is, anything else is stored as a JSON string so the record stays
// serializable.
func toolArguments(args string) json.RawMessage {
	if args == "" {
		return nil
	}
	if gjson.Valid(args) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

// rawTools captures the tool schema list without interpreting it.
func rawTools(body []byte) []json.RawMessage {
	var tools []json.RawMessage
	gjson.GetBytes(body, "tools").ForEach(func(_, tool gjson.Result) bool {
		tools = append(tools, json.RawMessage(tool.Raw))
		return true
	})
	return tools
}

// flattenContent collapses a string-or-block-list content field into text.
func flattenContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text", "":
			if text := block.Get("text").String(); text != "" {
				parts = append(parts, text)
			}
		}
		return true
	})
	return strings.Join(parts, " ")
}
