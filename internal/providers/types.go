// Package providers holds the LLM boundary: a small Chat interface, a
// registry keyed by provider name, and the Anthropic implementation.
package providers

import (
	"context"

	"github.com/vargoshq/vargos/internal/sessions"
	"github.com/vargoshq/vargos/internal/tools"
)

// Stop reasons reported by ChatResponse.StopReason.
const (
	StopEndTurn   = "stop"
	StopToolCalls = "tool_calls"
	StopLength    = "length"
)

// Provider is one LLM backend.
type Provider interface {
	// Name returns the provider identifier, e.g. "anthropic".
	Name() string

	// Chat sends the conversation and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream streams text deltas through onDelta and returns the final
	// assembled response. onDelta may be nil.
	ChatStream(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error)
}

// ChatRequest is the input for one model call. Messages carry the session
// history verbatim; system prompt sections travel separately so providers
// can place them where their API wants them.
type ChatRequest struct {
	Model     string
	System    []string
	Messages  []sessions.Message
	Tools     []tools.Definition
	MaxTokens int
}

// ChatResponse is the assembled result of one model call.
type ChatResponse struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	StopReason string     `json:"stopReason"`
	Usage      Usage      `json:"usage"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// TotalTokens is the combined prompt and completion count.
func (u Usage) TotalTokens() int { return u.InputTokens + u.OutputTokens }
