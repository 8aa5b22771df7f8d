// Package discord adapts the Discord gateway to the channel pipeline.
// Guild traffic never reaches the pipeline; only DMs do.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/vargoshq/vargos/internal/channels"
	"github.com/vargoshq/vargos/internal/config"
)

const (
	mediaMaxBytes   int64 = 20 * 1024 * 1024
	downloadTimeout       = 30 * time.Second
)

// Adapter connects to Discord over its gateway websocket.
type Adapter struct {
	cfg     config.DiscordConfig
	session *discordgo.Session
	inbound channels.InboundFunc
	botID   string
	running atomic.Bool
	dmChans sync.Map // userID → DM channel ID
}

// New builds the adapter; the session is created in Initialize.
func New(cfg config.DiscordConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Name() string { return "discord" }

// SetInboundFunc installs the pipeline callback. Must precede Start.
func (a *Adapter) SetInboundFunc(fn channels.InboundFunc) { a.inbound = fn }

// Initialize validates the token and builds the session with DM intents.
func (a *Adapter) Initialize(_ context.Context) error {
	if a.cfg.Token == "" {
		return fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	a.session = session
	return nil
}

// Start opens the gateway connection and fetches the bot identity for
// self-message filtering.
func (a *Adapter) Start(_ context.Context) error {
	if a.session == nil {
		return fmt.Errorf("discord adapter not initialized")
	}
	a.session.AddHandler(a.handleMessage)
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botID = user.ID
	a.running.Store(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(_ context.Context) error {
	a.running.Store(false)
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}

// Send delivers one reply chunk to the user's DM channel.
func (a *Adapter) Send(_ context.Context, userID, text string) error {
	if !a.running.Load() {
		return fmt.Errorf("discord bot not running")
	}
	chID, err := a.dmChannel(userID)
	if err != nil {
		return err
	}
	if _, err := a.session.ChannelMessageSend(chID, text); err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	return nil
}

// StartTyping asserts the indicator once; Discord decays it after ~10 s.
func (a *Adapter) StartTyping(userID string) {
	if !a.running.Load() {
		return
	}
	if chID, err := a.dmChannel(userID); err == nil {
		_ = a.session.ChannelTyping(chID)
	}
}

// StopTyping is a no-op: Discord clears the indicator when a message lands
// or the decay hits.
func (a *Adapter) StopTyping(string) {}

// dmChannel resolves the DM channel for a user, caching the mapping. The
// cache is seeded by inbound traffic so sends rarely hit the API.
func (a *Adapter) dmChannel(userID string) (string, error) {
	if v, ok := a.dmChans.Load(userID); ok {
		return v.(string), nil
	}
	ch, err := a.session.UserChannelCreate(userID)
	if err != nil {
		return "", fmt.Errorf("open discord DM with %s: %w", userID, err)
	}
	a.dmChans.Store(userID, ch.ID)
	return ch.ID, nil
}

// handleMessage applies the adapter-local filters and hands the rest to the
// shared pipeline.
func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botID || m.Author.Bot {
		return
	}
	if m.GuildID != "" {
		return
	}
	if a.inbound == nil {
		return
	}
	a.dmChans.Store(m.Author.ID, m.ChannelID)

	a.inbound(channels.Inbound{
		MessageID:    m.ID,
		SenderID:     m.Author.ID,
		SenderHandle: m.Author.Username,
		Text:         m.Content,
		Media:        resolveAttachments(m),
		Metadata: map[string]string{
			"messageId":   m.ID,
			"channelId":   m.ChannelID,
			"username":    m.Author.Username,
			"displayName": displayName(m),
		},
	})
}

// resolveAttachments downloads the message's attachments from the CDN.
func resolveAttachments(m *discordgo.MessageCreate) []*channels.Media {
	var media []*channels.Media
	for _, att := range m.Attachments {
		data, err := download(att.URL)
		if err != nil {
			slog.Warn("discord attachment download failed", "url", att.URL, "error", err)
			continue
		}
		media = append(media, &channels.Media{
			Type:     mediaType(att.ContentType),
			Data:     data,
			MimeType: att.ContentType,
			Caption:  att.Filename,
		})
	}
	return media
}

func mediaType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "audio/"):
		return "voice"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return "file"
	}
}

func download(url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > mediaMaxBytes {
		return nil, fmt.Errorf("attachment exceeds max size: %d bytes", len(data))
	}
	return data, nil
}

// displayName returns the best name for a DM author: global display name,
// then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
