// Package whatsapp adapts a WhatsApp bridge to the channel pipeline. The
// bridge process speaks the actual WhatsApp protocol; this adapter exchanges
// JSON envelopes with it over a WebSocket and reconnects with backoff.
package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vargoshq/vargos/internal/channels"
	"github.com/vargoshq/vargos/internal/config"
	"github.com/vargoshq/vargos/internal/reconnect"
)

const (
	jidSuffix   = "@s.whatsapp.net"
	groupSuffix = "@g.us"

	dialTimeout = 10 * time.Second
	stopTimeout = 5 * time.Second
)

// envelope is the JSON frame exchanged with the bridge.
type envelope struct {
	Type    string          `json:"type"` // message | typing | disconnected
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	FromMe  bool            `json:"fromMe,omitempty"`
	Name    string          `json:"name,omitempty"`
	Chat    string          `json:"chat,omitempty"`
	To      string          `json:"to,omitempty"`
	Content string          `json:"content,omitempty"`
	State   string          `json:"state,omitempty"`  // composing | paused
	Reason  string          `json:"reason,omitempty"` // disconnect cause
	Media   []envelopeMedia `json:"media,omitempty"`
}

// envelopeMedia carries one attachment as base64.
type envelopeMedia struct {
	Type      string `json:"type"`
	MimeType  string `json:"mimeType"`
	Data      string `json:"data"`
	Caption   string `json:"caption,omitempty"`
	DurationS int    `json:"durationS,omitempty"`
}

// Adapter connects to the WhatsApp bridge WebSocket.
type Adapter struct {
	cfg     config.WhatsAppConfig
	inbound channels.InboundFunc

	mu   sync.Mutex // guards conn, and serializes writes
	conn *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the adapter around a bridge URL.
func New(cfg config.WhatsAppConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Name() string { return "whatsapp" }

// SetInboundFunc installs the pipeline callback. Must precede Start.
func (a *Adapter) SetInboundFunc(fn channels.InboundFunc) { a.inbound = fn }

// Initialize checks the bridge URL is configured.
func (a *Adapter) Initialize(_ context.Context) error {
	if a.cfg.BridgeURL == "" {
		return fmt.Errorf("whatsapp bridge_url is required")
	}
	return nil
}

// Start launches the connect loop. An unreachable bridge is not a start
// failure; the loop keeps retrying with backoff until Stop.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	rec := reconnect.New(reconnect.DefaultPolicy())
	go func() {
		defer close(a.done)
		if err := rec.Run(runCtx, "whatsapp-bridge", a.connect); err != nil && runCtx.Err() == nil {
			slog.Error("whatsapp bridge connection ended", "error", err)
		}
	}()
	return nil
}

// Stop cancels the connect loop and closes the socket.
func (a *Adapter) Stop(_ context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.mu.Unlock()
	if a.done != nil {
		select {
		case <-a.done:
		case <-time.After(stopTimeout):
			slog.Warn("whatsapp bridge loop did not exit within timeout")
		}
	}
	return nil
}

// Send delivers one reply chunk through the bridge.
func (a *Adapter) Send(_ context.Context, userID, text string) error {
	return a.write(envelope{Type: "message", To: jid(userID), Content: text})
}

// StartTyping asserts the composing state; WhatsApp decays it, the caller
// re-asserts.
func (a *Adapter) StartTyping(userID string) {
	_ = a.write(envelope{Type: "typing", To: jid(userID), State: "composing"})
}

// StopTyping clears the composing state.
func (a *Adapter) StopTyping(userID string) {
	_ = a.write(envelope{Type: "typing", To: jid(userID), State: "paused"})
}

// connect runs one bridge connection to exhaustion and reports the
// disconnect cause. logged_out and forbidden are terminal.
func (a *Adapter) connect(ctx context.Context, up func()) (string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, a.cfg.BridgeURL, nil)
	if err != nil {
		return "", fmt.Errorf("dial whatsapp bridge %s: %w", a.cfg.BridgeURL, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	up()
	slog.Info("whatsapp bridge connected", "url", a.cfg.BridgeURL)

	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close()
	}()

	// Unblock ReadMessage when the context ends.
	watch := make(chan struct{})
	defer close(watch)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watch:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("bridge read: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("invalid bridge frame", "error", err)
			continue
		}
		switch env.Type {
		case "message":
			a.handleMessage(env)
		case "disconnected":
			if reconnect.Terminal(env.Reason) {
				return env.Reason, nil
			}
			return "", fmt.Errorf("bridge disconnected: %s", env.Reason)
		}
	}
}

// handleMessage applies the adapter-local filters and hands the rest to the
// shared pipeline.
func (a *Adapter) handleMessage(env envelope) {
	if env.FromMe || env.From == "" {
		return
	}
	chat := env.Chat
	if chat == "" {
		chat = env.From
	}
	if strings.HasSuffix(chat, groupSuffix) {
		return
	}
	if a.inbound == nil {
		return
	}

	meta := map[string]string{"jid": env.From}
	if env.ID != "" {
		meta["messageId"] = env.ID
	}
	if env.Name != "" {
		meta["senderName"] = env.Name
	}

	a.inbound(channels.Inbound{
		MessageID:    env.ID,
		SenderID:     bareID(env.From),
		SenderHandle: env.Name,
		Text:         env.Content,
		Media:        decodeMedia(env.Media),
		Metadata:     meta,
	})
}

// decodeMedia converts bridge attachments to raw buffers. A payload that is
// not base64 drops that attachment, not the message.
func decodeMedia(items []envelopeMedia) []*channels.Media {
	var media []*channels.Media
	for _, it := range items {
		data, err := base64.StdEncoding.DecodeString(it.Data)
		if err != nil {
			slog.Warn("bridge media payload not base64", "type", it.Type, "error", err)
			continue
		}
		media = append(media, &channels.Media{
			Type:      it.Type,
			Data:      data,
			MimeType:  it.MimeType,
			Caption:   it.Caption,
			DurationS: it.DurationS,
		})
	}
	return media
}

// write marshals one envelope onto the bridge socket. Gorilla connections
// allow a single writer, so the lock covers the whole send.
func (a *Adapter) write(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal bridge frame: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send bridge frame: %w", err)
	}
	return nil
}

// bareID strips the JID server and any device suffix:
// "386246614:12@s.whatsapp.net" → "386246614".
func bareID(from string) string {
	if i := strings.Index(from, "@"); i >= 0 {
		from = from[:i]
	}
	if i := strings.Index(from, ":"); i >= 0 {
		from = from[:i]
	}
	return from
}

// jid restores the server part for delivery targets given as bare ids.
func jid(userID string) string {
	if strings.Contains(userID, "@") {
		return userID
	}
	return userID + jidSuffix
}
