package channels

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vargoshq/vargos/pkg/wire"
)

// IngressConfig wires one adapter into the shared acceptance pipeline.
type IngressConfig struct {
	Channel   string
	Allowlist []string
	MediaDir  string
	DedupTTL  time.Duration
	Debounce  time.Duration

	// Publish emits the accepted turn; the service points it at the bus.
	Publish func(wire.MessageReceived)
}

// Ingress is the shared pipeline between one adapter and the bus: allowlist,
// empty drop, dedup, then media normalization or per-sender debounce.
type Ingress struct {
	channel   string
	allowlist []string
	mediaDir  string
	dedup     *Dedup
	debounce  *Debouncer
	publish   func(wire.MessageReceived)

	mu   sync.Mutex
	meta map[string]map[string]string // senderID → metadata merged across a batch
}

// NewIngress builds the pipeline for one adapter.
func NewIngress(cfg IngressConfig) *Ingress {
	g := &Ingress{
		channel:   cfg.Channel,
		allowlist: cfg.Allowlist,
		mediaDir:  cfg.MediaDir,
		dedup:     NewDedup(cfg.DedupTTL),
		publish:   cfg.Publish,
		meta:      make(map[string]map[string]string),
	}
	g.debounce = NewDebouncer(cfg.Debounce, g.flushText)
	return g
}

// Accept runs one raw message through the pipeline. Adapters call it from
// their receive loops; only the media path does I/O.
func (g *Ingress) Accept(in Inbound) {
	if !Allowed(g.allowlist, in.SenderID, in.SenderHandle) {
		slog.Debug("message rejected by allowlist",
			"channel", g.channel, "sender", in.SenderID)
		return
	}
	if in.Text == "" && len(in.Media) == 0 {
		return
	}
	if in.MessageID != "" && !g.dedup.Insert(in.MessageID) {
		slog.Debug("duplicate message dropped",
			"channel", g.channel, "messageId", in.MessageID)
		return
	}

	// Media skips the debouncer: batching rapid text turns does not apply
	// to a photo or a voice note.
	if len(in.Media) > 0 {
		g.acceptMedia(in)
		return
	}

	g.rememberMeta(in.SenderID, in.Metadata)
	g.debounce.Push(in.SenderID, in.Text)
}

// Close drops pending debounce timers without flushing.
func (g *Ingress) Close() {
	g.debounce.Close()
}

func (g *Ingress) acceptMedia(in Inbound) {
	key := g.sessionKey(in.SenderID)
	atts := make([]wire.Attachment, 0, len(in.Media))
	for _, m := range in.Media {
		att, err := SaveMedia(g.mediaDir, key, m)
		if err != nil {
			slog.Warn("media save failed",
				"channel", g.channel, "sender", in.SenderID, "type", m.Type, "error", err)
			continue
		}
		atts = append(atts, att)
	}
	if in.Text == "" && len(atts) == 0 {
		return
	}
	g.publish(wire.MessageReceived{
		SessionKey: key,
		Channel:    g.channel,
		SenderID:   in.SenderID,
		Content:    in.Text,
		Media:      atts,
		Metadata:   in.Metadata,
	})
}

// flushText publishes one debounced batch as a single turn.
func (g *Ingress) flushText(senderID, text string) {
	g.publish(wire.MessageReceived{
		SessionKey: g.sessionKey(senderID),
		Channel:    g.channel,
		SenderID:   senderID,
		Content:    text,
		Metadata:   g.takeMeta(senderID),
	})
}

func (g *Ingress) sessionKey(senderID string) string {
	return g.channel + ":" + senderID
}

func (g *Ingress) rememberMeta(senderID string, meta map[string]string) {
	if len(meta) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	merged := g.meta[senderID]
	if merged == nil {
		merged = make(map[string]string, len(meta))
		g.meta[senderID] = merged
	}
	for k, v := range meta {
		merged[k] = v
	}
}

func (g *Ingress) takeMeta(senderID string) map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	meta := g.meta[senderID]
	delete(g.meta, senderID)
	return meta
}
