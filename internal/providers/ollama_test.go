package providers

import (
	"net/http"
	"strings"
	"testing"
)

func TestOllamaStreamGenerate(t *testing.T) {
	p := &OllamaParser{}
	st := p.BeginStream()

	wire := `{"model":"llama3.2","response":"A","done":false}` + "\n" +
		`{"model":"llama3.2","response":"B","done":true,"done_reason":"stop","prompt_eval_count":5,"eval_count":2}` + "\n"

	var events []StreamEvent
	for i := 0; i < len(wire); i += 11 {
		end := min(i+11, len(wire))
		events = append(events, p.FeedChunk(st, []byte(wire[i:end]))...)
	}

	asm, trailing := p.FinalizeStream(st)
	events = append(events, trailing...)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != "message" || events[1].EventType != "done" {
		t.Errorf("unexpected event types %s, %s", events[0].EventType, events[1].EventType)
	}
	if asm.Text != "AB" {
		t.Errorf("expected reconstructed text AB, got %q", asm.Text)
	}
	if asm.Model != "llama3.2" {
		t.Errorf("expected model llama3.2, got %q", asm.Model)
	}
	if asm.Usage.InputTokens != 5 || asm.Usage.OutputTokens != 2 {
		t.Errorf("unexpected usage %+v", asm.Usage)
	}
	if asm.FinishReason != "stop" {
		t.Errorf("expected done_reason stop, got %q", asm.FinishReason)
	}

	var rebuilt strings.Builder
	for _, ev := range events {
		rebuilt.Write(ev.Raw)
	}
	if rebuilt.String() != wire {
		t.Error("concatenated event raws do not reproduce the wire bytes")
	}
}

func TestOllamaStreamChat(t *testing.T) {
	p := &OllamaParser{}
	st := p.BeginStream()

	wire := `{"model":"llama3.2","message":{"role":"assistant","content":"Hi"},"done":false}` + "\n" +
		`{"model":"llama3.2","message":{"role":"assistant","content":"!"},"done":true}` + "\n"

	p.FeedChunk(st, []byte(wire))
	asm, _ := p.FinalizeStream(st)

	if asm.Text != "Hi!" {
		t.Errorf("expected text Hi!, got %q", asm.Text)
	}
	if asm.FinishReason != "done" {
		t.Errorf("expected finish_reason done, got %q", asm.FinishReason)
	}
}

func TestOllamaStreamMalformedLine(t *testing.T) {
	p := &OllamaParser{}
	st := p.BeginStream()

	wire := `{"response":"A","done":false}` + "\n" +
		`{{{garbage` + "\n" +
		`{"response":"B","done":true}` + "\n"

	events := p.FeedChunk(st, []byte(wire))
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].EventType != "malformed" {
		t.Errorf("expected malformed, got %q", events[1].EventType)
	}

	asm, _ := p.FinalizeStream(st)
	if asm.Text != "AB" {
		t.Errorf("expected text AB, got %q", asm.Text)
	}
}

func TestOllamaParseRequestGenerate(t *testing.T) {
	body := []byte(`{"model": "llama3.2", "prompt": "why is the sky blue?", "system": "be brief"}`)

	p := &OllamaParser{}
	info := p.ParseRequest(body, http.Header{})

	if info.Model != "llama3.2" {
		t.Errorf("expected model llama3.2, got %q", info.Model)
	}
	// Ollama defaults stream to true
	if !info.StreamRequested {
		t.Error("expected stream_requested to default true")
	}
	if info.SystemPrompt != "be brief" {
		t.Errorf("unexpected system prompt %q", info.SystemPrompt)
	}
	if len(info.Messages) != 1 || info.Messages[0].Role != "user" {
		t.Fatalf("expected prompt lifted into a user message, got %+v", info.Messages)
	}
}

func TestOllamaParseRequestChat(t *testing.T) {
	body := []byte(`{
		"model": "llama3.2",
		"stream": false,
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi"}
		]
	}`)

	p := &OllamaParser{}
	info := p.ParseRequest(body, http.Header{})

	if info.StreamRequested {
		t.Error("explicit stream:false must win over the default")
	}
	if info.SystemPrompt != "be brief" {
		t.Errorf("unexpected system prompt %q", info.SystemPrompt)
	}
	if len(info.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(info.Messages))
	}
}

func TestOllamaParseResponse(t *testing.T) {
	body := []byte(`{"model":"llama3.2","response":"hello","done":true,"done_reason":"stop","prompt_eval_count":4,"eval_count":1}`)

	p := &OllamaParser{}
	asm := p.ParseResponse(200, http.Header{}, body)

	if asm.Text != "hello" {
		t.Errorf("expected text hello, got %q", asm.Text)
	}
	if asm.Usage.TotalTokens != 5 {
		t.Errorf("expected 5 total tokens, got %d", asm.Usage.TotalTokens)
	}
}
