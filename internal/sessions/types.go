package sessions

import (
	"encoding/json"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolResult Role = "toolResult"
)

// Content block discriminators.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Header is line 1 of a session log: everything about a session except its
// messages. CreatedAt and SessionKey are immutable after create.
type Header struct {
	SessionKey string            `json:"sessionKey"`
	Kind       Kind              `json:"kind"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Label      string            `json:"label,omitempty"`
	AgentID    string            `json:"agentId,omitempty"`
}

// Clone deep-copies the header so callers can mutate without racing the
// store cache.
func (h *Header) Clone() *Header {
	out := *h
	if h.Metadata != nil {
		out.Metadata = make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Message is one conversation entry. Content is a list of typed blocks so
// a single assistant turn can carry text plus tool calls, and a toolResult
// turn can carry the result body for one call id.
type Message struct {
	ID         string            `json:"id"`
	SessionKey string            `json:"sessionKey"`
	Role       Role              `json:"role"`
	Content    []ContentBlock    `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ContentBlock is the sum of the four block shapes, discriminated by Type.
// Only the fields for the active type are set.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"` // base64
	Path      string `json:"path,omitempty"` // data-dir relative source

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolCallID string `json:"toolCallId,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds an inline image block from base64 data.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, MediaType: mediaType, Data: data}
}

// ToolUseBlock builds an assistant tool-call block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds the result block answering one tool call.
func ToolResultBlock(toolCallID, text string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolCallID: toolCallID, Text: text, IsError: isError}
}

// Text flattens the message's text blocks into one string. Tool blocks are
// skipped; toolResult bodies are included since their payload is text.
func (m *Message) Text() string {
	var sb []byte
	for _, b := range m.Content {
		switch b.Type {
		case BlockText, BlockToolResult:
			if b.Text == "" {
				continue
			}
			if len(sb) > 0 {
				sb = append(sb, '\n')
			}
			sb = append(sb, b.Text...)
		}
	}
	return string(sb)
}

// ToolUses returns the tool_use blocks of an assistant message.
func (m *Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// ToolResultFor reports whether the message answers the given call id.
func (m *Message) ToolResultFor(callID string) bool {
	if m.Role != RoleToolResult {
		return false
	}
	for _, b := range m.Content {
		if b.Type == BlockToolResult && b.ToolCallID == callID {
			return true
		}
	}
	return false
}
