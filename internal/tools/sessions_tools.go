package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vargoshq/vargos/internal/sessions"
	"github.com/vargoshq/vargos/pkg/wire"
)

// The sessions_* toolset gives the agent visibility into other
// conversations and the ability to fan work out to sub-agents. All four go
// through the gateway like any other service caller; the tools service
// holds no session state of its own.

const (
	historyMaxCharsPerMessage = 4000
	historyMaxTotalBytes      = 80 * 1024

	// spawnRunTimeout bounds a sub-agent run fired in the background.
	spawnRunTimeout = 10 * time.Minute
)

// SubagentDenied lists the tools a sub-agent session may not call. The
// runtime intercepts these and answers with SubagentDeniedMessage instead
// of failing the run.
var SubagentDenied = map[string]bool{
	"sessions_spawn":   true,
	"sessions_list":    true,
	"sessions_history": true,
	"sessions_send":    true,
}

// SubagentDeniedMessage is the fixed isError body a denied call returns.
const SubagentDeniedMessage = "session tools are not available in sub-agent sessions"

// ============================================================
// sessions_list
// ============================================================

type SessionsListTool struct{}

func (SessionsListTool) Name() string { return "sessions_list" }
func (SessionsListTool) Description() string {
	return "List active sessions with their keys, labels, and last activity."
}

func (SessionsListTool) Schema() *Schema {
	return Object(map[string]*Schema{
		"limit": Number("Max sessions to return (default 20)"),
		"kind":  StringEnum("Only sessions of this kind", "channel", "cli", "cron", "subagent"),
	})
}

func (SessionsListTool) Execute(ctx context.Context, args map[string]any, tc ToolContext) (*Result, error) {
	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	kind, _ := args["kind"].(string)

	var list sessions.ListResult
	err := tc.Caller.Call(ctx, wire.MethodSessionList, sessions.ListParams{
		Kind:  sessions.Kind(kind),
		Limit: limit,
	}, &list)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	type entry struct {
		Key     string `json:"key"`
		Kind    string `json:"kind"`
		Label   string `json:"label,omitempty"`
		Updated string `json:"updated"`
	}
	entries := make([]entry, 0, len(list.Sessions))
	for _, h := range list.Sessions {
		entries = append(entries, entry{
			Key:     h.SessionKey,
			Kind:    string(h.Kind),
			Label:   h.Label,
			Updated: h.UpdatedAt.Format(time.RFC3339),
		})
	}
	out, _ := json.Marshal(map[string]any{"count": len(entries), "sessions": entries})
	return TextResult(string(out)), nil
}

// ============================================================
// sessions_history
// ============================================================

type SessionsHistoryTool struct{}

func (SessionsHistoryTool) Name() string { return "sessions_history" }
func (SessionsHistoryTool) Description() string {
	return "Fetch recent message history from a session."
}

func (SessionsHistoryTool) Schema() *Schema {
	return Object(map[string]*Schema{
		"session_key":   String("Session key to fetch history from"),
		"limit":         Number("Max messages to return (default 20)"),
		"include_tools": Boolean("Include tool call/result messages (default false)"),
	}, "session_key")
}

func (SessionsHistoryTool) Execute(ctx context.Context, args map[string]any, tc ToolContext) (*Result, error) {
	sessionKey, _ := args["session_key"].(string)
	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	includeTools, _ := args["include_tools"].(bool)

	var msgs sessions.MessagesResult
	err := tc.Caller.Call(ctx, wire.MethodSessionGetMessages, sessions.GetMessagesParams{
		SessionKey: sessionKey,
		Limit:      limit,
	}, &msgs)
	if err != nil {
		if wire.IsCode(err, wire.CodeNotFound) {
			return Errorf("session not found: %s", sessionKey), nil
		}
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	type entry struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	var entries []entry
	for _, m := range msgs.Messages {
		if !includeTools {
			if m.Role == sessions.RoleToolResult {
				continue
			}
			if m.Role == sessions.RoleAssistant && len(m.ToolUses()) > 0 && strings.TrimSpace(m.Text()) == "" {
				continue
			}
		}
		content := m.Text()
		if utf8.RuneCountInString(content) > historyMaxCharsPerMessage {
			runes := []rune(content)
			content = string(runes[:historyMaxCharsPerMessage]) + "... [truncated]"
		}
		entries = append(entries, entry{Role: string(m.Role), Content: content})
	}

	out, _ := json.Marshal(map[string]any{
		"session_key": sessionKey,
		"messages":    entries,
		"count":       len(entries),
	})
	if len(out) > historyMaxTotalBytes {
		return Errorf("history too large (%d bytes), use a smaller limit", len(out)), nil
	}
	return TextResult(string(out)), nil
}

// ============================================================
// sessions_send
// ============================================================

type SessionsSendTool struct{}

func (SessionsSendTool) Name() string { return "sessions_send" }
func (SessionsSendTool) Description() string {
	return "Send a message into another session; its agent processes it asynchronously."
}

func (SessionsSendTool) Schema() *Schema {
	return Object(map[string]*Schema{
		"session_key": String("Target session key"),
		"message":     String("Message to send"),
	}, "session_key", "message")
}

func (SessionsSendTool) Execute(ctx context.Context, args map[string]any, tc ToolContext) (*Result, error) {
	sessionKey, _ := args["session_key"].(string)
	message, _ := args["message"].(string)
	if message == "" {
		return Errorf("message is required"), nil
	}
	if _, err := sessions.Parse(sessionKey); err != nil {
		return Errorf("%v", err), nil
	}
	if sessionKey == tc.SessionKey {
		return Errorf("refusing to send a message to the current session"), nil
	}

	// The target must exist; sends do not create sessions.
	if err := tc.Caller.Call(ctx, wire.MethodSessionGet, sessions.GetParams{SessionKey: sessionKey}, nil); err != nil {
		if wire.IsCode(err, wire.CodeNotFound) {
			return Errorf("session not found: %s", sessionKey), nil
		}
		return nil, fmt.Errorf("check target session: %w", err)
	}

	// Same ingress path as a channel message: the agent service picks the
	// event up and enqueues a run on the target session.
	tc.Caller.Emit(wire.EventMessageReceived, wire.MessageReceived{
		SessionKey: sessionKey,
		Channel:    "system",
		SenderID:   tc.SessionKey,
		Content:    message,
	})
	return TextResult(fmt.Sprintf(`{"status":"accepted","session_key":"%s"}`, sessionKey)), nil
}

// ============================================================
// sessions_spawn
// ============================================================

type SessionsSpawnTool struct{}

func (SessionsSpawnTool) Name() string { return "sessions_spawn" }
func (SessionsSpawnTool) Description() string {
	return "Spawn a sub-agent session to work on a task in the background. The result is announced back to this conversation when it finishes."
}

func (SessionsSpawnTool) Schema() *Schema {
	return Object(map[string]*Schema{
		"task":  String("What the sub-agent should do, self-contained"),
		"label": String("Short label for the sub-agent session"),
		"model": String("Model override for the sub-agent"),
	}, "task")
}

func (SessionsSpawnTool) Execute(ctx context.Context, args map[string]any, tc ToolContext) (*Result, error) {
	task, _ := args["task"].(string)
	label, _ := args["label"].(string)
	model, _ := args["model"].(string)
	if strings.TrimSpace(task) == "" {
		return Errorf("task is required"), nil
	}

	parent, err := sessions.Parse(tc.SessionKey)
	if err != nil {
		return Errorf("current session key is invalid: %v", err), nil
	}

	childID := uuid.New().String()[:8]
	childKey := sessions.SubagentKey(parent.Root, childID)

	err = tc.Caller.Call(ctx, wire.MethodSessionCreate, sessions.CreateParams{
		SessionKey: childKey,
		Label:      label,
		AgentID:    tc.AgentID,
		Metadata:   map[string]string{"spawnedBy": tc.SessionKey},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create sub-agent session: %w", err)
	}

	// The run itself happens in the background; completion comes back to
	// the parent through the runtime's announce path.
	caller := tc.Caller
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), spawnRunTimeout)
		defer cancel()
		var res wire.AgentRunResult
		err := caller.Call(runCtx, wire.MethodAgentRun, wire.AgentRunParams{
			SessionKey: childKey,
			Task:       task,
			Model:      model,
		}, &res)
		if err != nil {
			slog.Warn("sub-agent run failed", "child", childKey, "error", err)
		}
	}()

	return TextResult(fmt.Sprintf(
		`{"status":"spawned","session_key":"%s","note":"result will be announced when the sub-agent finishes"}`,
		childKey)), nil
}
