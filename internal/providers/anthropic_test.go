package providers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vargoshq/vargos/internal/sessions"
	"github.com/vargoshq/vargos/internal/tools"
)

var fastRetry = RetryConfig{MaxRetries: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}

func userMsg(text string) sessions.Message {
	return sessions.Message{Role: sessions.RoleUser, Content: []sessions.ContentBlock{sessions.TextBlock(text)}}
}

func TestAnthropicChat(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("anthropic-version header missing")
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"content": [
				{"type": "text", "text": "let me check"},
				{"type": "tool_use", "id": "tu_1", "name": "read_file", "input": {"path": "notes.md"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 120, "output_tokens": 34}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropic("sk-test", WithBaseURL(srv.URL), WithRetry(fastRetry))

	history := []sessions.Message{
		userMsg("what is in notes.md?"),
		{
			Role: sessions.RoleAssistant,
			Content: []sessions.ContentBlock{
				sessions.TextBlock("checking"),
				sessions.ToolUseBlock("tu_0", "list_dir", json.RawMessage(`{"path":"."}`)),
			},
		},
		{
			Role: sessions.RoleToolResult,
			Content: []sessions.ContentBlock{
				sessions.ToolResultBlock("tu_0", `{"entries":[]}`, false),
			},
		},
	}

	res, err := p.Chat(t.Context(), ChatRequest{
		Model:    "claude-sonnet-4-5",
		System:   []string{"You are a helpful agent."},
		Messages: history,
		Tools: []tools.Definition{
			{Name: "read_file", Description: "Read a file", InputSchema: map[string]any{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if res.Content != "let me check" {
		t.Errorf("content = %q", res.Content)
	}
	if res.StopReason != StopToolCalls {
		t.Errorf("stop reason = %q", res.StopReason)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "read_file" {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}
	if got := res.ToolCalls[0].Arguments["path"]; got != "notes.md" {
		t.Errorf("tool args = %v", res.ToolCalls[0].Arguments)
	}
	if res.Usage.TotalTokens() != 154 {
		t.Errorf("total tokens = %d", res.Usage.TotalTokens())
	}

	// Request translation checks.
	if gotBody["model"] != "claude-sonnet-4-5" {
		t.Errorf("model = %v", gotBody["model"])
	}
	system, _ := gotBody["system"].([]any)
	if len(system) != 1 {
		t.Fatalf("system blocks = %v", gotBody["system"])
	}
	messages, _ := gotBody["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(messages))
	}
	first := messages[0].(map[string]any)
	if first["role"] != "user" || first["content"] != "what is in notes.md?" {
		t.Errorf("first message = %v", first)
	}
	second := messages[1].(map[string]any)
	blocks := second["content"].([]any)
	if len(blocks) != 2 {
		t.Fatalf("assistant blocks = %v", blocks)
	}
	toolUse := blocks[1].(map[string]any)
	if toolUse["type"] != "tool_use" || toolUse["id"] != "tu_0" {
		t.Errorf("tool_use block = %v", toolUse)
	}
	third := messages[2].(map[string]any)
	if third["role"] != "user" {
		t.Errorf("tool result role = %v", third["role"])
	}
	resultBlock := third["content"].([]any)[0].(map[string]any)
	if resultBlock["type"] != "tool_result" || resultBlock["tool_use_id"] != "tu_0" {
		t.Errorf("tool_result block = %v", resultBlock)
	}
	toolDefs, _ := gotBody["tools"].([]any)
	if len(toolDefs) != 1 {
		t.Fatalf("tools = %v", gotBody["tools"])
	}
	if toolDefs[0].(map[string]any)["input_schema"] == nil {
		t.Error("input_schema missing")
	}
}

func TestAnthropicChatImageAndSystemHistory(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		io.WriteString(w, `{"content":[{"type":"text","text":"a cat"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()

	p := NewAnthropic("sk-test", WithBaseURL(srv.URL), WithRetry(fastRetry))

	history := []sessions.Message{
		{Role: sessions.RoleSystem, Content: []sessions.ContentBlock{sessions.TextBlock("Summary of earlier talk.")}},
		{
			Role: sessions.RoleUser,
			Content: []sessions.ContentBlock{
				sessions.ImageBlock("image/jpeg", "aGVsbG8="),
				sessions.TextBlock("what is this?"),
			},
		},
	}
	res, err := p.Chat(t.Context(), ChatRequest{Model: "claude-sonnet-4-5", System: []string{"base prompt"}, Messages: history})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.StopReason != StopEndTurn {
		t.Errorf("stop reason = %q", res.StopReason)
	}

	// History system entries join the system blocks, not the message list.
	system := gotBody["system"].([]any)
	if len(system) != 2 {
		t.Fatalf("system blocks = %v", system)
	}
	messages := gotBody["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}
	blocks := messages[0].(map[string]any)["content"].([]any)
	img := blocks[0].(map[string]any)
	if img["type"] != "image" {
		t.Fatalf("first block = %v", img)
	}
	source := img["source"].(map[string]any)
	if source["media_type"] != "image/jpeg" || source["data"] != "aGVsbG8=" {
		t.Errorf("image source = %v", source)
	}
}

func TestAnthropicChatStream(t *testing.T) {
	sse := "" +
		"event: message_start\n" +
		`data: {"message":{"usage":{"input_tokens":50}}}` + "\n\n" +
		"event: content_block_start\n" +
		`data: {"index":0,"content_block":{"type":"text"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"delta":{"type":"text_delta","text":"Hello "}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"delta":{"type":"text_delta","text":"world"}}` + "\n\n" +
		"event: content_block_start\n" +
		`data: {"index":1,"content_block":{"type":"tool_use","id":"tu_9","name":"write_file"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"delta":{"type":"input_json_delta","partial_json":"\"a.txt\"}"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {}` + "\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		if body["stream"] != true {
			t.Error("stream flag not set")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sse)
	}))
	defer srv.Close()

	p := NewAnthropic("sk-test", WithBaseURL(srv.URL), WithRetry(fastRetry))

	var deltas []string
	res, err := p.ChatStream(t.Context(), ChatRequest{Model: "m", Messages: []sessions.Message{userMsg("hi")}}, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if res.Content != "Hello world" {
		t.Errorf("content = %q", res.Content)
	}
	if len(deltas) != 2 || deltas[0] != "Hello " {
		t.Errorf("deltas = %v", deltas)
	}
	if res.StopReason != StopToolCalls {
		t.Errorf("stop reason = %q", res.StopReason)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}
	if res.ToolCalls[0].ID != "tu_9" || res.ToolCalls[0].Arguments["path"] != "a.txt" {
		t.Errorf("tool call = %+v", res.ToolCalls[0])
	}
	if res.Usage.InputTokens != 50 || res.Usage.OutputTokens != 12 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestAnthropicRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"type":"rate_limit_error"}}`)
			return
		}
		io.WriteString(w, `{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()

	p := NewAnthropic("sk-test", WithBaseURL(srv.URL), WithRetry(fastRetry))
	res, err := p.Chat(t.Context(), ChatRequest{Model: "m", Messages: []sessions.Message{userMsg("hi")}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Content != "ok" {
		t.Errorf("content = %q", res.Content)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestAnthropicAuthFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"type":"authentication_error"}}`)
	}))
	defer srv.Close()

	p := NewAnthropic("bad-key", WithBaseURL(srv.URL), WithRetry(fastRetry))
	_, err := p.Chat(t.Context(), ChatRequest{Model: "m", Messages: []sessions.Message{userMsg("hi")}})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := ParseRetryAfter("7"); got != 7*time.Second {
		t.Errorf("seconds = %v", got)
	}
	if got := ParseRetryAfter("garbage"); got != 0 {
		t.Errorf("garbage = %v", got)
	}
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(future); got <= 0 || got > 31*time.Second {
		t.Errorf("http date = %v", got)
	}
}
