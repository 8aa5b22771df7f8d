// Package agent runs the tool-calling loop: per-session serialized runs,
// history sanitization, prompt assembly, compaction, and the agent.*
// service surface.
package agent

import (
	"log/slog"

	"github.com/vargoshq/vargos/internal/sessions"
)

const missingToolResultText = "tool did not complete"

// SanitizeHistory turns raw session messages into a sequence the provider's
// tool-calling API accepts: most recent turns only, every tool_use answered,
// consecutive same-role turns merged.
func SanitizeHistory(msgs []sessions.Message, userTurnLimit int) []sessions.Message {
	msgs = limitTurns(msgs, userTurnLimit)
	msgs = repairToolPairs(msgs)
	return mergeTurns(msgs)
}

// limitTurns keeps the last limit user turns and everything between them.
// A turn starts at a user message and runs until the next one.
func limitTurns(msgs []sessions.Message, limit int) []sessions.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == sessions.RoleUser {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}
	return msgs
}

// repairToolPairs enforces tool_use/toolResult pairing. Assistant tool calls
// with no following result get a synthetic error result; results answering
// nothing are dropped.
func repairToolPairs(msgs []sessions.Message) []sessions.Message {
	var result []sessions.Message

	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == sessions.RoleToolResult {
			// Reached only when no preceding assistant claimed it.
			slog.Warn("dropping orphaned tool result", "session", msg.SessionKey, "id", msg.ID)
			continue
		}

		uses := msg.ToolUses()
		if msg.Role != sessions.RoleAssistant || len(uses) == 0 {
			result = append(result, msg)
			continue
		}

		answered := make(map[string]bool, len(uses))
		result = append(result, msg)

		// Consume the tool-result group that follows, in any order.
		for i+1 < len(msgs) && msgs[i+1].Role == sessions.RoleToolResult {
			i++
			tr := msgs[i]
			matched := false
			for _, u := range uses {
				if !answered[u.ID] && tr.ToolResultFor(u.ID) {
					answered[u.ID] = true
					matched = true
					break
				}
			}
			if matched {
				result = append(result, tr)
			} else {
				slog.Warn("dropping mismatched tool result", "session", tr.SessionKey, "id", tr.ID)
			}
		}

		for _, u := range uses {
			if answered[u.ID] {
				continue
			}
			slog.Warn("synthesizing missing tool result", "session", msg.SessionKey, "toolCallId", u.ID)
			result = append(result, sessions.Message{
				SessionKey: msg.SessionKey,
				Role:       sessions.RoleToolResult,
				Content: []sessions.ContentBlock{
					sessions.ToolResultBlock(u.ID, missingToolResultText, true),
				},
				Timestamp: msg.Timestamp,
			})
		}
	}
	return result
}

// mergeTurns folds consecutive user messages into one and likewise for
// assistants. Tool results stay separate, each keyed to its call.
func mergeTurns(msgs []sessions.Message) []sessions.Message {
	var result []sessions.Message
	for _, msg := range msgs {
		if len(result) > 0 {
			last := &result[len(result)-1]
			mergeable := msg.Role == last.Role &&
				(msg.Role == sessions.RoleUser || msg.Role == sessions.RoleAssistant)
			// An assistant that called tools closes its turn.
			if mergeable && msg.Role == sessions.RoleAssistant && len(last.ToolUses()) > 0 {
				mergeable = false
			}
			if mergeable {
				last.Content = append(last.Content, msg.Content...)
				continue
			}
		}
		result = append(result, msg)
	}
	return result
}
