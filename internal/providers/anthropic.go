package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vargoshq/vargos/internal/sessions"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"

	defaultMaxTokens = 4096
)

// Anthropic implements Provider against the Anthropic Messages API over
// plain net/http.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
	retry   RetryConfig
}

// NewAnthropic creates a provider for the given API key.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *Anthropic {
	p := &Anthropic{
		apiKey:  apiKey,
		baseURL: anthropicAPIBase,
		client:  &http.Client{Timeout: 120 * time.Second},
		retry:   DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type AnthropicOption func(*Anthropic)

// WithBaseURL points the provider at a different endpoint, used by proxies
// and tests.
func WithBaseURL(baseURL string) AnthropicOption {
	return func(p *Anthropic) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithRetry overrides the retry policy.
func WithRetry(cfg RetryConfig) AnthropicOption {
	return func(p *Anthropic) { p.retry = cfg }
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildBody(req, false)

	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return parseResponse(&resp), nil
	})
}

// buildBody translates the request into the Messages API shape. System
// sections become system blocks; history system entries (compaction
// summaries) are appended to them.
func (p *Anthropic) buildBody(req ChatRequest, stream bool) map[string]any {
	var systemBlocks []map[string]any
	for _, s := range req.System {
		if s == "" {
			continue
		}
		systemBlocks = append(systemBlocks, map[string]any{"type": "text", "text": s})
	}

	var messages []map[string]any
	for _, msg := range req.Messages {
		switch msg.Role {
		case sessions.RoleSystem:
			systemBlocks = append(systemBlocks, map[string]any{"type": "text", "text": msg.Text()})

		case sessions.RoleUser:
			messages = append(messages, map[string]any{
				"role":    "user",
				"content": userContent(msg),
			})

		case sessions.RoleAssistant:
			var blocks []map[string]any
			for _, b := range msg.Content {
				switch b.Type {
				case sessions.BlockText:
					if b.Text != "" {
						blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
					}
				case sessions.BlockToolUse:
					input := json.RawMessage(b.Input)
					if len(input) == 0 {
						input = json.RawMessage("{}")
					}
					blocks = append(blocks, map[string]any{
						"type":  "tool_use",
						"id":    b.ID,
						"name":  b.Name,
						"input": input,
					})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})

		case sessions.RoleToolResult:
			var blocks []map[string]any
			for _, b := range msg.Content {
				if b.Type != sessions.BlockToolResult {
					continue
				}
				block := map[string]any{
					"type":        "tool_result",
					"tool_use_id": b.ToolCallID,
					"content":     b.Text,
				}
				if b.IsError {
					block["is_error"] = true
				}
				blocks = append(blocks, block)
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, map[string]any{"role": "user", "content": blocks})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if len(systemBlocks) > 0 {
		body["system"] = systemBlocks
	}
	if len(req.Tools) > 0 {
		apiTools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			apiTools = append(apiTools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.InputSchema,
			})
		}
		body["tools"] = apiTools
	}
	return body
}

// userContent keeps text-only user turns as a plain string and expands to
// block form when images are attached.
func userContent(msg sessions.Message) any {
	hasImage := false
	for _, b := range msg.Content {
		if b.Type == sessions.BlockImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return msg.Text()
	}

	var blocks []map[string]any
	for _, b := range msg.Content {
		switch b.Type {
		case sessions.BlockImage:
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": b.MediaType,
					"data":       b.Data,
				},
			})
		case sessions.BlockText:
			if b.Text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
			}
		}
	}
	return blocks
}

func (p *Anthropic) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", strings.TrimSpace(string(respBody))),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func parseResponse(resp *anthropicResponse) *ChatResponse {
	result := &ChatResponse{}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			args := make(map[string]any)
			_ = json.Unmarshal(block.Input, &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	result.StopReason = mapStopReason(resp.StopReason)
	result.Usage = Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	return result
}

func mapStopReason(apiReason string) string {
	switch apiReason {
	case "tool_use":
		return StopToolCalls
	case "max_tokens":
		return StopLength
	default:
		return StopEndTurn
	}
}

// --- Messages API types ---

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
