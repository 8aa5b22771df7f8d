package tools

import (
	"context"
	"fmt"

	"github.com/vargoshq/vargos/internal/client"
)

// ToolContext is the per-call environment a tool executes in.
type ToolContext struct {
	// SessionKey names the conversation the call belongs to.
	SessionKey string
	// WorkingDir roots relative paths for filesystem tools.
	WorkingDir string
	// AgentID identifies the agent configuration driving the run.
	AgentID string
	// Caller is the tools service's own gateway client; tools that need
	// other services (sessions, agent) call through it.
	Caller *client.Client
}

// Tool is one registered capability. Implementations must be safe for
// concurrent Execute calls: the runtime serializes per session, not
// globally.
type Tool interface {
	Name() string
	Description() string
	Schema() *Schema
	// Execute runs the tool. A non-nil error reports a tool-level failure
	// and reaches the model as an isError result, not an RPC error.
	Execute(ctx context.Context, args map[string]any, tc ToolContext) (*Result, error)
}

// Result is what a tool hands back to the conversation.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

// TextResult wraps plain output.
func TextResult(content string) *Result {
	return &Result{Content: content}
}

// Errorf builds an isError result the model can react to.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}
