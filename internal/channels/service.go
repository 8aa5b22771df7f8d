package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vargoshq/vargos/internal/client"
	"github.com/vargoshq/vargos/internal/config"
	"github.com/vargoshq/vargos/internal/sessions"
	"github.com/vargoshq/vargos/pkg/wire"
)

const (
	// chunkPacing spaces consecutive reply chunks so providers do not
	// throttle the bot.
	chunkPacing = time.Second

	// typingMaxDuration is the stuck-indicator safety stop for runs whose
	// run.completed never arrives.
	typingMaxDuration = 10 * time.Minute

	// discordChunkLimit is Discord's hard message ceiling.
	discordChunkLimit = 2000
)

// SendResult is the result of channel.send.
type SendResult struct {
	Chunks     int  `json:"chunks"`
	Suppressed bool `json:"suppressed,omitempty"`
}

// ChannelInfo is one entry of channel.list.
type ChannelInfo struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// ListResult is the result of channel.list.
type ListResult struct {
	Channels []ChannelInfo `json:"channels"`
}

// Service is the gateway face of the adapters: outbound delivery with
// heartbeat stripping, chunking and pacing, the typing loop driven by run
// events, and adapter lifecycle.
type Service struct {
	c        *client.Client
	cfg      config.ChannelsConfig
	mediaDir string

	mu       sync.Mutex
	adapters map[string]Adapter
	order    []string
	running  map[string]bool
	ingress  map[string]*Ingress
	limiters map[string]*rate.Limiter
	typing   map[string]*TypingController // runID → controller
}

// NewService wires the channel methods and run subscriptions onto a client.
func NewService(c *client.Client, cfg config.ChannelsConfig, mediaDir string) *Service {
	s := &Service{
		c:        c,
		cfg:      cfg,
		mediaDir: mediaDir,
		adapters: make(map[string]Adapter),
		running:  make(map[string]bool),
		ingress:  make(map[string]*Ingress),
		limiters: make(map[string]*rate.Limiter),
		typing:   make(map[string]*TypingController),
	}
	c.Handle(wire.MethodChannelSend, s.handleSend)
	c.Handle(wire.MethodChannelList, s.handleList)
	c.Subscribe(wire.EventRunStarted, s.onRunStarted)
	c.Subscribe(wire.EventRunCompleted, s.onRunCompleted)
	return s
}

// Register adds an adapter and hooks it into the shared ingress pipeline.
// Must precede StartAll.
func (s *Service) Register(a Adapter, allowlist []string) {
	name := a.Name()
	ing := NewIngress(IngressConfig{
		Channel:   name,
		Allowlist: allowlist,
		MediaDir:  s.mediaDir,
		DedupTTL:  s.cfg.DedupTTL(),
		Debounce:  s.cfg.Debounce(),
		Publish:   s.publish,
	})
	a.SetInboundFunc(ing.Accept)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[name] = a
	s.order = append(s.order, name)
	s.ingress[name] = ing
	s.limiters[name] = rate.NewLimiter(rate.Every(chunkPacing), 1)
}

// StartAll initializes and starts every adapter in parallel and waits for
// all of them. One adapter failing must not take the rest down, so failures
// are logged and skipped.
func (s *Service) StartAll(ctx context.Context) {
	var g errgroup.Group
	for _, name := range s.names() {
		name := name
		a, _ := s.adapterNamed(name)
		g.Go(func() error {
			slog.Info("starting channel", "channel", name)
			if err := a.Initialize(ctx); err != nil {
				slog.Error("channel init failed", "channel", name, "error", err)
				return nil
			}
			if err := a.Start(ctx); err != nil {
				slog.Error("channel start failed", "channel", name, "error", err)
				return nil
			}
			s.setRunning(name, true)
			return nil
		})
	}
	g.Wait()
}

// StopAll stops typing loops, drops pending debounce timers without
// flushing, and shuts every running adapter down in parallel. Adapters can
// block a while on stop (poll drains, socket close waits), so they go down
// together, not in sequence.
func (s *Service) StopAll(ctx context.Context) {
	s.stopAllTyping()
	var g errgroup.Group
	for _, name := range s.names() {
		name := name
		s.mu.Lock()
		ing := s.ingress[name]
		wasRunning := s.running[name]
		s.mu.Unlock()

		g.Go(func() error {
			ing.Close()
			if !wasRunning {
				return nil
			}
			slog.Info("stopping channel", "channel", name)
			a, _ := s.adapterNamed(name)
			if err := a.Stop(ctx); err != nil {
				slog.Warn("channel stop failed", "channel", name, "error", err)
			}
			s.setRunning(name, false)
			return nil
		})
	}
	g.Wait()
}

// publish emits one accepted inbound turn.
func (s *Service) publish(ev wire.MessageReceived) {
	slog.Debug("message accepted",
		"channel", ev.Channel, "session", ev.SessionKey,
		"media", len(ev.Media), "preview", Truncate(ev.Content, 50))
	s.c.Emit(wire.EventMessageReceived, ev)
}

func (s *Service) handleSend(ctx context.Context, params json.RawMessage) (any, error) {
	var p wire.ChannelSendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad send params: %v", err)
	}
	if p.Channel == "" || p.UserID == "" {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "channel and userId are required")
	}
	a, ok := s.adapterNamed(p.Channel)
	if !ok {
		return nil, wire.Errorf(wire.CodeNotFound, "channel %q is not registered", p.Channel)
	}

	text := StripHeartbeat(p.Text)
	if text == "" {
		return SendResult{Suppressed: p.Text != ""}, nil
	}

	limiter := s.limiterFor(p.Channel)
	chunks := SplitMessage(text, chunkLimit(p.Channel))
	for i, chunk := range chunks {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if err := a.Send(ctx, p.UserID, chunk); err != nil {
			return nil, fmt.Errorf("send chunk %d/%d via %s: %w", i+1, len(chunks), p.Channel, err)
		}
	}
	return SendResult{Chunks: len(chunks)}, nil
}

func (s *Service) handleList(_ context.Context, _ json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ListResult{Channels: make([]ChannelInfo, 0, len(s.order))}
	for _, name := range s.order {
		out.Channels = append(out.Channels, ChannelInfo{Name: name, Running: s.running[name]})
	}
	return out, nil
}

// onRunStarted begins a typing loop when the run's session decodes to a
// channel peer. Sub-agent runs stay silent, their parent owns the chat.
func (s *Service) onRunStarted(_ context.Context, payload json.RawMessage) {
	var ev wire.RunStarted
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	key, err := sessions.Parse(ev.SessionKey)
	if err != nil || key.IsSubagent() {
		return
	}
	channel, userID, ok := key.ChannelUser()
	if !ok {
		return
	}

	s.mu.Lock()
	a, exists := s.adapters[channel]
	if !exists || !s.running[channel] {
		s.mu.Unlock()
		return
	}
	if prev, dup := s.typing[ev.RunID]; dup {
		prev.Stop()
	}
	ctrl := NewTyping(TypingOptions{
		Interval:    s.cfg.TypingInterval(channel),
		MaxDuration: typingMaxDuration,
		Start:       func() { a.StartTyping(userID) },
		Stop:        func() { a.StopTyping(userID) },
	})
	s.typing[ev.RunID] = ctrl
	s.mu.Unlock()

	ctrl.Start()
}

func (s *Service) onRunCompleted(_ context.Context, payload json.RawMessage) {
	var ev wire.RunCompleted
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	s.mu.Lock()
	ctrl, ok := s.typing[ev.RunID]
	delete(s.typing, ev.RunID)
	s.mu.Unlock()
	if ok {
		ctrl.Stop()
	}
}

func (s *Service) stopAllTyping() {
	s.mu.Lock()
	ctrls := make([]*TypingController, 0, len(s.typing))
	for id, c := range s.typing {
		ctrls = append(ctrls, c)
		delete(s.typing, id)
	}
	s.mu.Unlock()
	for _, c := range ctrls {
		c.Stop()
	}
}

func (s *Service) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Service) adapterNamed(name string) (Adapter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adapters[name]
	return a, ok
}

func (s *Service) limiterFor(name string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiters[name]
}

func (s *Service) setRunning(name string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = v
}

// chunkLimit returns the per-provider reply ceiling.
func chunkLimit(channel string) int {
	if channel == "discord" {
		return discordChunkLimit
	}
	return DefaultChunkLimit
}
