// Package channels owns everything between a chat provider and the gateway:
// the adapter contract, the shared ingress pipeline (dedup, debounce, media
// normalization), and the channel service that delivers replies and drives
// typing indicators.
package channels

import (
	"context"
	"strings"
)

// Adapter is one chat provider connection. Implementations keep SDK
// specifics behind this surface; filtering, batching, and routing live in
// the shared pipeline.
type Adapter interface {
	Name() string

	// Initialize validates config and builds the provider client.
	Initialize(ctx context.Context) error

	// Start opens the provider connection and begins feeding the inbound
	// callback. It must not block for the adapter's lifetime.
	Start(ctx context.Context) error

	// Stop closes the provider connection and cancels pending work.
	Stop(ctx context.Context) error

	// Send delivers one already-chunked reply to a peer.
	Send(ctx context.Context, userID, text string) error

	// StartTyping asserts the provider typing indicator once. Providers let
	// the indicator decay, so callers re-assert on an interval. StopTyping
	// clears it where the provider supports that and is a no-op elsewhere.
	StartTyping(userID string)
	StopTyping(userID string)

	// SetInboundFunc installs the callback invoked for every raw message
	// that passed the adapter's own filters. Must be called before Start.
	SetInboundFunc(fn InboundFunc)
}

// InboundFunc accepts raw provider messages into the ingress pipeline.
type InboundFunc func(in Inbound)

// Inbound is one raw provider message. Adapters drop their own and group
// traffic before building one; everything downstream is shared.
type Inbound struct {
	// MessageID is the provider message id, used for deduplication. Empty
	// skips the dedup check.
	MessageID string

	// SenderID is the canonical peer id: it keys the session and is the
	// delivery target for replies. Restricted to [A-Za-z0-9-].
	SenderID string

	// SenderHandle is an optional provider alias (username) consulted by
	// allowlist matching alongside SenderID.
	SenderHandle string

	Text     string
	Media    []*Media
	Metadata map[string]string
}

// Media is one raw attachment: a binary buffer plus what the provider knows
// about it. The pipeline saves it and normalizes it into a wire.Attachment.
type Media struct {
	Type      string // image | voice | file | video
	Data      []byte
	MimeType  string
	Caption   string
	DurationS int
}

// Allowed reports whether the sender passes the allowlist. An empty list
// allows everyone. Entries match the sender id or the handle, with any
// leading "@" ignored and handles compared case-insensitively.
func Allowed(allowlist []string, senderID, senderHandle string) bool {
	if len(allowlist) == 0 {
		return true
	}
	handle := strings.TrimPrefix(senderHandle, "@")
	for _, entry := range allowlist {
		entry = strings.TrimSpace(strings.TrimPrefix(entry, "@"))
		if entry == "" {
			continue
		}
		if entry == senderID || strings.EqualFold(entry, handle) {
			return true
		}
	}
	return false
}

// Truncate shortens s to at most maxLen runes for log previews.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
