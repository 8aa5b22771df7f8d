// Package telegram adapts the Telegram Bot API to the channel pipeline
// using long polling.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/vargoshq/vargos/internal/channels"
	"github.com/vargoshq/vargos/internal/config"
)

const (
	// mediaMaxBytes caps downloads at the Bot API file limit.
	mediaMaxBytes int64 = 20 * 1024 * 1024

	downloadMaxRetries = 3

	pollStopTimeout = 10 * time.Second
)

// Adapter connects to Telegram via long polling. Group chats are dropped at
// the source: sessions are strictly DM-scoped.
type Adapter struct {
	cfg     config.TelegramConfig
	bot     *telego.Bot
	inbound channels.InboundFunc
	running atomic.Bool

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds the adapter; the bot client is created in Initialize.
func New(cfg config.TelegramConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Name() string { return "telegram" }

// SetInboundFunc installs the pipeline callback. Must precede Start.
func (a *Adapter) SetInboundFunc(fn channels.InboundFunc) { a.inbound = fn }

// Initialize validates the token and builds the bot client.
func (a *Adapter) Initialize(_ context.Context) error {
	if a.cfg.Token == "" {
		return fmt.Errorf("telegram token is required")
	}
	bot, err := telego.NewBot(a.cfg.Token)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	a.bot = bot
	return nil
}

// Start begins long polling for updates.
func (a *Adapter) Start(ctx context.Context) error {
	if a.bot == nil {
		return fmt.Errorf("telegram adapter not initialized")
	}

	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	a.running.Store(true)
	slog.Info("telegram bot connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					a.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll goroutine so Telegram
// releases the getUpdates lock before a new instance starts.
func (a *Adapter) Stop(_ context.Context) error {
	a.running.Store(false)
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(pollStopTimeout):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers one reply chunk. For DMs the chat id equals the user id.
func (a *Adapter) Send(ctx context.Context, userID, text string) error {
	if !a.running.Load() {
		return fmt.Errorf("telegram bot not running")
	}
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", userID, err)
	}
	if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// StartTyping asserts the chat action once; Telegram decays it after a few
// seconds, the caller re-asserts.
func (a *Adapter) StartTyping(userID string) {
	if !a.running.Load() {
		return
	}
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

// StopTyping is a no-op: the Bot API has no explicit clear.
func (a *Adapter) StopTyping(string) {}

// handleMessage applies the adapter-local filters and hands the rest to the
// shared pipeline.
func (a *Adapter) handleMessage(ctx context.Context, msg *telego.Message) {
	user := msg.From
	if user == nil || user.IsBot {
		return
	}
	if msg.Chat.Type != "private" {
		slog.Debug("telegram group message dropped",
			"chat_id", msg.Chat.ID, "chat_type", msg.Chat.Type)
		return
	}
	if a.inbound == nil {
		return
	}

	text := msg.Text
	if msg.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += msg.Caption
	}

	a.inbound(channels.Inbound{
		MessageID:    strconv.Itoa(msg.MessageID),
		SenderID:     strconv.FormatInt(user.ID, 10),
		SenderHandle: user.Username,
		Text:         text,
		Media:        a.resolveMedia(ctx, msg),
		Metadata: map[string]string{
			"messageId": strconv.Itoa(msg.MessageID),
			"chatId":    strconv.FormatInt(msg.Chat.ID, 10),
			"username":  user.Username,
		},
	})
}

// resolveMedia downloads the message's attachments. A failed download drops
// that attachment, not the message.
func (a *Adapter) resolveMedia(ctx context.Context, msg *telego.Message) []*channels.Media {
	var media []*channels.Media

	// Photo sizes are ordered ascending; the last is the original.
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		if data, err := a.download(ctx, photo.FileID); err != nil {
			slog.Warn("photo download failed", "file_id", photo.FileID, "error", err)
		} else {
			media = append(media, &channels.Media{
				Type:     "image",
				Data:     data,
				MimeType: "image/jpeg",
				Caption:  msg.Caption,
			})
		}
	}

	if v := msg.Voice; v != nil {
		if data, err := a.download(ctx, v.FileID); err != nil {
			slog.Warn("voice download failed", "file_id", v.FileID, "error", err)
		} else {
			mime := v.MimeType
			if mime == "" {
				mime = "audio/ogg"
			}
			media = append(media, &channels.Media{
				Type:      "voice",
				Data:      data,
				MimeType:  mime,
				DurationS: v.Duration,
			})
		}
	}

	if au := msg.Audio; au != nil {
		if data, err := a.download(ctx, au.FileID); err != nil {
			slog.Warn("audio download failed", "file_id", au.FileID, "error", err)
		} else {
			media = append(media, &channels.Media{
				Type:      "voice",
				Data:      data,
				MimeType:  au.MimeType,
				Caption:   au.FileName,
				DurationS: au.Duration,
			})
		}
	}

	if v := msg.Video; v != nil {
		if data, err := a.download(ctx, v.FileID); err != nil {
			slog.Warn("video download failed", "file_id", v.FileID, "error", err)
		} else {
			media = append(media, &channels.Media{
				Type:      "video",
				Data:      data,
				MimeType:  v.MimeType,
				Caption:   v.FileName,
				DurationS: v.Duration,
			})
		}
	}

	if d := msg.Document; d != nil {
		if data, err := a.download(ctx, d.FileID); err != nil {
			slog.Warn("document download failed", "file_id", d.FileID, "error", err)
		} else {
			media = append(media, &channels.Media{
				Type:     "file",
				Data:     data,
				MimeType: d.MimeType,
				Caption:  d.FileName,
			})
		}
	}

	return media
}

// download fetches a file by id with retries, enforcing the size cap both
// before and during the transfer.
func (a *Adapter) download(ctx context.Context, fileID string) ([]byte, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying file info fetch", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("empty file path for file id %s", fileID)
	}
	if int64(file.FileSize) > mediaMaxBytes {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, mediaMaxBytes)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > mediaMaxBytes {
		return nil, fmt.Errorf("file exceeds max size during download: %d bytes", len(data))
	}
	return data, nil
}
