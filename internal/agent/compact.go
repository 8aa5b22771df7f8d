package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vargoshq/vargos/internal/config"
	"github.com/vargoshq/vargos/internal/providers"
	"github.com/vargoshq/vargos/internal/sessions"
)

// Compaction keeps the assembled prompt inside the model's context window.
// Two thresholds: past the soft one, oversized tool results are trimmed in
// the prompt copy only; past the hard one, everything but the last few
// messages is replaced by a persisted summary.
const (
	defaultSoftRatio     = 0.5
	defaultHardRatio     = 0.75
	defaultSoftTrimChars = 4000
	defaultKeepLast      = 10
	defaultContextWindow = 200000

	summarizeTimeout   = 2 * time.Minute
	summaryMaxTokens   = 1024
	imageTokenEstimate = 1500

	trimmedMarker = "\n... [trimmed]"

	compactionMetaType = "compaction"
)

// EstimateTokens approximates provider accounting at one token per three
// runes of text. Tool inputs count their JSON; images count a flat cost.
func EstimateTokens(system string, msgs []sessions.Message) int {
	total := utf8.RuneCountInString(system) / 3
	for i := range msgs {
		for _, b := range msgs[i].Content {
			switch b.Type {
			case sessions.BlockText, sessions.BlockToolResult:
				total += utf8.RuneCountInString(b.Text) / 3
			case sessions.BlockToolUse:
				total += (len(b.Name) + len(b.Input)) / 3
			case sessions.BlockImage:
				total += imageTokenEstimate
			}
		}
	}
	return total
}

// CollapseCompaction applies the most recent persisted compaction marker:
// the summary message stands in for everything before its first kept entry.
// Logs are append-only, so the summary sits after the messages it replaces
// and must be lifted to the front.
func CollapseCompaction(msgs []sessions.Message) []sessions.Message {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == sessions.RoleSystem && msgs[i].Metadata["type"] == compactionMetaType {
			last = i
			break
		}
	}
	if last < 0 {
		return msgs
	}
	summary := msgs[last]

	from := -1
	if id := summary.Metadata["firstKeptEntryId"]; id != "" {
		for i := range msgs {
			if msgs[i].ID == id {
				from = i
				break
			}
		}
	}
	if from < 0 {
		// Marker points at nothing we still have; keep what follows it.
		from = last + 1
	}

	out := make([]sessions.Message, 0, len(msgs)-from+1)
	out = append(out, summary)
	for _, m := range msgs[from:] {
		if m.Role == sessions.RoleSystem && m.Metadata["type"] == compactionMetaType {
			continue
		}
		out = append(out, m)
	}
	return out
}

type compactionPolicy struct {
	soft      int // tokens
	hard      int // tokens
	trimChars int
	keepLast  int
}

func resolvePolicy(cfg config.CompactionConfig, window int) compactionPolicy {
	if window <= 0 {
		window = defaultContextWindow
	}
	soft := cfg.SoftRatio
	if soft <= 0 {
		soft = defaultSoftRatio
	}
	hard := cfg.HardRatio
	if hard <= 0 {
		hard = defaultHardRatio
	}
	p := compactionPolicy{
		soft:      int(float64(window) * soft),
		hard:      int(float64(window) * hard),
		trimChars: cfg.SoftTrimMaxChars,
		keepLast:  cfg.KeepLastMessages,
	}
	if p.trimChars <= 0 {
		p.trimChars = defaultSoftTrimChars
	}
	if p.keepLast <= 0 {
		p.keepLast = defaultKeepLast
	}
	return p
}

// compact enforces the context budget before a provider call. Summarization
// failures degrade to running with the oversized prompt; the provider's own
// limit is the backstop.
func (r *Runtime) compact(ctx context.Context, rn *run, prov providers.Provider, model, system string, msgs []sessions.Message) []sessions.Message {
	pol := resolvePolicy(r.cfg.Compaction, r.cfg.ContextWindow)

	total := EstimateTokens(system, msgs)
	if total <= pol.soft {
		return msgs
	}

	msgs = trimToolResults(msgs, pol.trimChars)
	total = EstimateTokens(system, msgs)
	if total <= pol.hard {
		slog.Debug("soft compaction", "session", rn.key.Raw, "tokens", total)
		return msgs
	}

	return r.summarizeHistory(ctx, rn, prov, model, msgs, total, pol)
}

// trimToolResults shortens oversized tool result bodies in the prompt copy.
// Persisted messages keep their full text.
func trimToolResults(msgs []sessions.Message, maxChars int) []sessions.Message {
	for i := range msgs {
		if msgs[i].Role != sessions.RoleToolResult {
			continue
		}
		for j := range msgs[i].Content {
			b := &msgs[i].Content[j]
			if b.Type != sessions.BlockToolResult {
				continue
			}
			if utf8.RuneCountInString(b.Text) <= maxChars {
				continue
			}
			runes := []rune(b.Text)
			b.Text = string(runes[:maxChars]) + trimmedMarker
		}
	}
	return msgs
}

// summarizeHistory replaces everything but the kept tail with a model
// written summary, persisted as a system message so later runs start from
// the compacted view.
func (r *Runtime) summarizeHistory(ctx context.Context, rn *run, prov providers.Provider, model string, msgs []sessions.Message, tokensBefore int, pol compactionPolicy) []sessions.Message {
	if len(msgs) <= pol.keepLast+1 {
		return msgs
	}
	keepFrom := len(msgs) - pol.keepLast
	// Never cut between a tool call and its results.
	for keepFrom < len(msgs) && msgs[keepFrom].Role == sessions.RoleToolResult {
		keepFrom++
	}
	if keepFrom <= 0 || keepFrom >= len(msgs) {
		return msgs
	}

	summaryText, err := summarize(ctx, prov, model, msgs[:keepFrom])
	if err != nil {
		slog.Warn("compaction summarize failed", "session", rn.key.Raw, "error", err)
		return msgs
	}

	meta := map[string]string{
		"type":             compactionMetaType,
		"tokensBefore":     strconv.Itoa(tokensBefore),
		"firstKeptEntryId": msgs[keepFrom].ID,
	}
	blocks := []sessions.ContentBlock{
		sessions.TextBlock("Summary of the earlier conversation:\n" + summaryText),
	}
	persisted, err := r.addMessage(ctx, rn.key.Raw, sessions.RoleSystem, blocks, meta)
	if err != nil {
		slog.Warn("compaction persist failed", "session", rn.key.Raw, "error", err)
		// Use the summary for this run anyway.
		persisted = &sessions.Message{
			SessionKey: rn.key.Raw,
			Role:       sessions.RoleSystem,
			Content:    blocks,
			Metadata:   meta,
		}
	}
	slog.Info("history compacted", "session", rn.key.Raw,
		"tokensBefore", tokensBefore, "dropped", keepFrom, "kept", len(msgs)-keepFrom)

	out := make([]sessions.Message, 0, len(msgs)-keepFrom+1)
	out = append(out, *persisted)
	out = append(out, msgs[keepFrom:]...)
	return out
}

func summarize(ctx context.Context, prov providers.Provider, model string, msgs []sessions.Message) (string, error) {
	var sb strings.Builder
	for i := range msgs {
		m := &msgs[i]
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, text)
	}

	prompt := "Provide a concise summary of this conversation. Preserve key context, " +
		"decisions, open tasks, and anything the assistant promised to do:\n\n" + sb.String()

	sctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()
	resp, err := prov.Chat(sctx, providers.ChatRequest{
		Model: model,
		Messages: []sessions.Message{{
			Role:    sessions.RoleUser,
			Content: []sessions.ContentBlock{sessions.TextBlock(prompt)},
		}},
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("empty summary")
	}
	return resp.Content, nil
}
