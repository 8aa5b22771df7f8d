package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vargoshq/vargos/internal/bootstrap"
	"github.com/vargoshq/vargos/internal/client"
	"github.com/vargoshq/vargos/internal/config"
	"github.com/vargoshq/vargos/internal/providers"
	"github.com/vargoshq/vargos/internal/sessions"
	"github.com/vargoshq/vargos/internal/tools"
	"github.com/vargoshq/vargos/internal/tracing"
	"github.com/vargoshq/vargos/pkg/wire"
)

const (
	defaultMaxIterations = 10

	runTimeout         = 15 * time.Minute
	toolCallTimeout    = 5 * time.Minute
	sessionCallTimeout = 30 * time.Second

	announceSnippetRunes = 500

	// announceTask re-prompts a parent session after a sub-agent
	// announcement landed in its history.
	announceTask = "a sub-agent completed; summarize and continue"
)

// Runtime executes agent runs. One Runtime serves every session; the queue
// serializes runs within a session while distinct sessions run in parallel.
//
// The tools registry is read directly for schema advertising; execution
// still goes through tool.execute so the tools service stays the single
// enforcement point for validation and panic containment.
type Runtime struct {
	c      *client.Client
	prov   *providers.Registry
	reg    *tools.Registry
	loader *bootstrap.Loader
	cfg    config.AgentConfig
	queue  *Queue
	tracer trace.Tracer

	mu   sync.Mutex
	runs map[string]*run
}

// NewRuntime builds a runtime around a registered gateway client.
func NewRuntime(c *client.Client, prov *providers.Registry, reg *tools.Registry, loader *bootstrap.Loader, cfg config.AgentConfig) *Runtime {
	return &Runtime{
		c:      c,
		prov:   prov,
		reg:    reg,
		loader: loader,
		cfg:    cfg,
		queue:  NewQueue(),
		tracer: tracing.Tracer("vargos/agent"),
		runs:   make(map[string]*run),
	}
}

// Close stops accepting runs and waits for queued ones to finish.
func (r *Runtime) Close() { r.queue.Close() }

// run is one loop execution popped from a session queue.
type run struct {
	id      string
	params  wire.AgentRunParams
	key     sessions.Key
	started time.Time
	cancel  context.CancelFunc

	mu          sync.Mutex
	aborted     bool
	abortReason string
}

func (rn *run) abort(reason string) {
	rn.mu.Lock()
	rn.aborted = true
	rn.abortReason = reason
	rn.mu.Unlock()
	rn.cancel()
}

// checkpoint reports whether the run must stop before doing more work.
// Abort wins over the run deadline so the result says aborted, not timeout.
func (rn *run) checkpoint(ctx context.Context) (wire.AgentRunResult, bool) {
	rn.mu.Lock()
	aborted, reason := rn.aborted, rn.abortReason
	rn.mu.Unlock()
	if aborted {
		if reason == "" {
			reason = "aborted"
		}
		return wire.AgentRunResult{Aborted: true, Error: reason}, true
	}
	if err := ctx.Err(); err != nil {
		return wire.AgentRunResult{Error: fmt.Sprintf("run stopped: %v", err)}, true
	}
	return wire.AgentRunResult{}, false
}

// Submit enqueues a run on its session and waits for the result. The run is
// owned by the session dispatcher; a caller that stops waiting does not
// cancel it.
func (r *Runtime) Submit(ctx context.Context, p wire.AgentRunParams) (wire.AgentRunResult, error) {
	key, err := sessions.Parse(p.SessionKey)
	if err != nil {
		return wire.AgentRunResult{}, wire.Errorf(wire.CodeInvalidArgument, "%v", err)
	}
	ch := make(chan wire.AgentRunResult, 1)
	if !r.queue.Enqueue(key.Raw, func() { ch <- r.execute(p, key) }) {
		return wire.AgentRunResult{}, wire.Errorf(wire.CodeDisconnected, "agent runtime is shutting down")
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return wire.AgentRunResult{}, wire.Errorf(wire.CodeTimeout, "agent.run wait: %v", ctx.Err())
	}
}

// Abort flags a run; its loop stops at the next checkpoint.
func (r *Runtime) Abort(runID, reason string) bool {
	r.mu.Lock()
	rn := r.runs[runID]
	r.mu.Unlock()
	if rn == nil {
		return false
	}
	rn.abort(reason)
	slog.Info("run abort requested", "runId", runID, "reason", reason)
	return true
}

// RunStatus describes one active run in agent.status output.
type RunStatus struct {
	RunID      string    `json:"runId"`
	SessionKey string    `json:"sessionKey"`
	StartedAt  time.Time `json:"startedAt"`
	Queued     int       `json:"queued"`
}

// Status lists active runs, oldest first.
func (r *Runtime) Status() []RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunStatus, 0, len(r.runs))
	for _, rn := range r.runs {
		out = append(out, RunStatus{
			RunID:      rn.id,
			SessionKey: rn.key.Raw,
			StartedAt:  rn.started,
			Queued:     r.queue.Pending(rn.key.Raw),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// execute brackets one run with run.started/run.completed and hands a
// finished sub-agent to the announce path.
func (r *Runtime) execute(p wire.AgentRunParams, key sessions.Key) wire.AgentRunResult {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	rn := &run{
		id:      uuid.New().String(),
		params:  p,
		key:     key,
		started: time.Now(),
		cancel:  cancel,
	}
	r.mu.Lock()
	r.runs[rn.id] = rn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.runs, rn.id)
		r.mu.Unlock()
	}()

	ctx, span := r.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("session.key", key.Raw),
		attribute.String("run.id", rn.id),
	))
	defer span.End()

	r.c.Emit(wire.EventRunStarted, wire.RunStarted{SessionKey: key.Raw, RunID: rn.id})
	slog.Info("run started", "session", key.Raw, "runId", rn.id, "retrigger", p.Retrigger)

	res := r.loop(ctx, rn)
	res.RunID = rn.id
	duration := time.Since(rn.started)

	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	}
	r.c.Emit(wire.EventRunCompleted, wire.RunCompleted{
		SessionKey: key.Raw,
		RunID:      rn.id,
		Success:    res.Success,
		Aborted:    res.Aborted,
		Response:   res.Response,
		Error:      res.Error,
		DurationMs: duration.Milliseconds(),
	})
	slog.Info("run completed", "session", key.Raw, "runId", rn.id,
		"success", res.Success, "aborted", res.Aborted, "duration", duration)

	if key.IsSubagent() && res.Success && !p.Retrigger {
		r.announce(rn, res, duration)
	}
	return res
}

func (r *Runtime) loop(ctx context.Context, rn *run) wire.AgentRunResult {
	key := rn.key
	p := rn.params

	prov, err := r.prov.Get(firstNonEmpty(p.Provider, r.cfg.Provider))
	if err != nil {
		return failure(err)
	}
	model := firstNonEmpty(p.Model, r.cfg.Model)

	if err := r.ensureSession(ctx, key); err != nil {
		return failure(err)
	}
	if err := r.appendUserTurn(ctx, rn); err != nil {
		return failure(err)
	}

	msgs, err := r.loadHistory(ctx, key.Raw)
	if err != nil {
		return failure(err)
	}
	msgs = CollapseCompaction(msgs)
	msgs = SanitizeHistory(msgs, key.HistoryLimit())
	if !hasConversationTurn(msgs) {
		return failure(fmt.Errorf("session %s has no conversation turns to run on", key.Raw))
	}

	defs := r.definitions(key)
	system := r.systemPrompt(rn, defs, model)

	maxIter := r.cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	var lastText string
	for iter := 0; iter < maxIter; iter++ {
		if res, stop := rn.checkpoint(ctx); stop {
			return res
		}
		msgs = r.compact(ctx, rn, prov, model, system, msgs)

		resp, err := r.chat(ctx, rn, prov, model, system, msgs, defs)
		if err != nil {
			// Abort and deadline cancel the stream from under the
			// provider; report those as what they are.
			if res, stop := rn.checkpoint(ctx); stop {
				return res
			}
			slog.Error("provider call failed", "session", key.Raw, "runId", rn.id, "error", err)
			return wire.AgentRunResult{Error: fmt.Sprintf("provider: %v", err)}
		}
		lastText = resp.Content

		if blocks := assistantBlocks(resp); len(blocks) > 0 {
			persisted, err := r.addMessage(ctx, key.Raw, sessions.RoleAssistant, blocks, nil)
			if err != nil {
				return failure(err)
			}
			msgs = append(msgs, *persisted)
		}

		if len(resp.ToolCalls) == 0 {
			return wire.AgentRunResult{Success: true, Response: resp.Content}
		}

		for _, call := range resp.ToolCalls {
			if res, stop := rn.checkpoint(ctx); stop {
				return res
			}
			result := r.invokeTool(ctx, rn, call)
			persisted, err := r.addMessage(ctx, key.Raw, sessions.RoleToolResult,
				[]sessions.ContentBlock{sessions.ToolResultBlock(call.ID, result.Content, result.IsError)}, nil)
			if err != nil {
				return failure(err)
			}
			msgs = append(msgs, *persisted)
		}
	}

	slog.Warn("run hit iteration cap", "session", key.Raw, "runId", rn.id, "iterations", maxIter)
	if strings.TrimSpace(lastText) == "" {
		lastText = "Stopped after reaching the tool-call limit for one run."
	}
	return wire.AgentRunResult{Success: true, Response: lastText}
}

// chat makes one provider call, streaming deltas out as run.delta events.
func (r *Runtime) chat(ctx context.Context, rn *run, prov providers.Provider, model, system string, msgs []sessions.Message, defs []tools.Definition) (*providers.ChatResponse, error) {
	ctx, span := r.tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.messages", len(msgs)),
	))
	defer span.End()

	resp, err := prov.ChatStream(ctx, providers.ChatRequest{
		Model:     model,
		System:    []string{system},
		Messages:  msgs,
		Tools:     defs,
		MaxTokens: r.cfg.MaxTokens,
	}, func(delta string) {
		r.c.Emit(wire.EventRunDelta, wire.RunDelta{RunID: rn.id, Delta: delta})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}

// invokeTool runs one tool call through the tools service. RPC failures
// come back as isError results so the model sees them and the run goes on.
func (r *Runtime) invokeTool(ctx context.Context, rn *run, call providers.ToolCall) *tools.Result {
	ctx, span := r.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
	))
	defer span.End()

	r.c.Emit(wire.EventRunTool, wire.RunTool{RunID: rn.id, Tool: call.Name, Phase: "start"})
	start := time.Now()

	var out *tools.Result
	if rn.key.IsSubagent() && tools.SubagentDenied[call.Name] {
		out = tools.Errorf("%s", tools.SubagentDeniedMessage)
	} else {
		cctx, cancel := context.WithTimeout(ctx, toolCallTimeout)
		defer cancel()
		var res tools.Result
		err := r.c.Call(cctx, wire.MethodToolExecute, tools.ExecuteParams{
			Name: call.Name,
			Args: call.Arguments,
			Context: tools.CallContext{
				SessionKey: rn.key.Raw,
				WorkingDir: r.cfg.Workspace,
			},
		}, &res)
		if err != nil {
			out = tools.Errorf("tool %s failed: %v", call.Name, err)
		} else {
			out = &res
		}
	}

	r.c.Emit(wire.EventRunTool, wire.RunTool{RunID: rn.id, Tool: call.Name, Phase: "end", IsError: out.IsError})
	slog.Debug("tool finished", "tool", call.Name, "session", rn.key.Raw,
		"isError", out.IsError, "duration", time.Since(start))
	if out.IsError {
		span.SetStatus(codes.Error, "tool error")
	}
	return out
}

// ensureSession creates the session if this is its first run.
func (r *Runtime) ensureSession(ctx context.Context, key sessions.Key) error {
	cctx, cancel := context.WithTimeout(ctx, sessionCallTimeout)
	defer cancel()
	err := r.c.Call(cctx, wire.MethodSessionCreate, sessions.CreateParams{SessionKey: key.Raw}, nil)
	if err != nil && !wire.IsCode(err, wire.CodeAlreadyExists) {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// appendUserTurn persists the triggering task plus image attachments as one
// user message. Task-less runs re-prompt on existing history and skip it.
func (r *Runtime) appendUserTurn(ctx context.Context, rn *run) error {
	var blocks []sessions.ContentBlock
	if task := strings.TrimSpace(rn.params.Task); task != "" {
		blocks = append(blocks, sessions.TextBlock(task))
	}
	blocks = append(blocks, LoadImageBlocks(rn.params.Images)...)
	if len(blocks) == 0 {
		return nil
	}
	_, err := r.addMessage(ctx, rn.key.Raw, sessions.RoleUser, blocks, nil)
	return err
}

func (r *Runtime) loadHistory(ctx context.Context, key string) ([]sessions.Message, error) {
	cctx, cancel := context.WithTimeout(ctx, sessionCallTimeout)
	defer cancel()
	var res sessions.MessagesResult
	if err := r.c.Call(cctx, wire.MethodSessionGetMessages, sessions.GetMessagesParams{SessionKey: key}, &res); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	msgs := make([]sessions.Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		msgs = append(msgs, *m)
	}
	return msgs, nil
}

func (r *Runtime) addMessage(ctx context.Context, key string, role sessions.Role, blocks []sessions.ContentBlock, meta map[string]string) (*sessions.Message, error) {
	cctx, cancel := context.WithTimeout(ctx, sessionCallTimeout)
	defer cancel()
	var msg sessions.Message
	err := r.c.Call(cctx, wire.MethodSessionAddMessage, sessions.AddMessageParams{
		SessionKey: key,
		Role:       role,
		Content:    blocks,
		Metadata:   meta,
	}, &msg)
	if err != nil {
		return nil, fmt.Errorf("append %s message: %w", role, err)
	}
	return &msg, nil
}

// definitions returns the tool schemas advertised for this session. Denied
// tools are kept out of a sub-agent's sight, not just refused at call time.
func (r *Runtime) definitions(key sessions.Key) []tools.Definition {
	if key.IsSubagent() {
		return r.reg.Definitions(tools.SubagentDenied)
	}
	return r.reg.Definitions(nil)
}

func (r *Runtime) systemPrompt(rn *run, defs []tools.Definition, model string) string {
	mode := ModeForKey(rn.key)

	var secs []bootstrap.Section
	if r.loader != nil {
		if names := rn.params.BootstrapOverrides; len(names) > 0 {
			for _, name := range names {
				if content, ok := r.loader.Load(name); ok && content != "" {
					secs = append(secs, bootstrap.Section{Name: name, Content: content})
				}
			}
		} else {
			secs = r.loader.Sections(mode == PromptMinimal)
		}
	}

	channel := rn.params.Channel
	if channel == "" {
		if ch, _, ok := rn.key.ChannelUser(); ok {
			channel = ch
		}
	}

	descs := make([]tools.Descriptor, 0, len(defs))
	for _, d := range defs {
		descs = append(descs, tools.Descriptor{Name: d.Name, Description: d.Description})
	}

	return BuildSystemPrompt(PromptConfig{
		Mode:        mode,
		Workspace:   r.cfg.Workspace,
		Model:       model,
		Channel:     channel,
		SessionKey:  rn.key.Raw,
		ProjectName: DetectProject(r.cfg.Workspace),
		Tools:       descs,
		Sections:    secs,
		Now:         time.Now(),
	})
}

// announce reports a finished sub-agent into its parent session and, for
// channel-rooted parents, re-prompts the parent so the user hears about it
// without asking. The re-prompt goes back through agent.run and is marked
// retrigger so it cannot announce recursively.
func (r *Runtime) announce(rn *run, res wire.AgentRunResult, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionCallTimeout)
	defer cancel()

	parentKey := rn.key.Root
	var got sessions.GetResult
	if err := r.c.Call(ctx, wire.MethodSessionGet, sessions.GetParams{SessionKey: rn.key.Raw}, &got); err == nil {
		if got.Header != nil && got.Header.Metadata["spawnedBy"] != "" {
			parentKey = got.Header.Metadata["spawnedBy"]
		}
	}

	snippet := truncateRunes(strings.TrimSpace(res.Response), announceSnippetRunes)
	text := fmt.Sprintf("Sub-agent %s finished in %s.\nResult: %s",
		rn.key.Raw, duration.Round(time.Second), snippet)
	if snippet == "" {
		text = fmt.Sprintf("Sub-agent %s finished in %s with no text output.",
			rn.key.Raw, duration.Round(time.Second))
	}
	meta := map[string]string{
		"type":        "subagent",
		"subagentKey": rn.key.Raw,
		"status":      "ok",
		"durationMs":  strconv.FormatInt(duration.Milliseconds(), 10),
	}
	if _, err := r.addMessage(ctx, parentKey, sessions.RoleSystem,
		[]sessions.ContentBlock{sessions.TextBlock(text)}, meta); err != nil {
		slog.Warn("announce failed", "child", rn.key.Raw, "parent", parentKey, "error", err)
		return
	}
	slog.Info("sub-agent announced", "child", rn.key.Raw, "parent", parentKey)

	parent, err := sessions.Parse(parentKey)
	if err != nil || parent.Kind() != sessions.KindChannel {
		return
	}
	go r.reprompt(parent)
}

// reprompt runs the parent once more over the announcement and delivers the
// reply to the parent's channel.
func (r *Runtime) reprompt(parent sessions.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var res wire.AgentRunResult
	err := r.c.Call(ctx, wire.MethodAgentRun, wire.AgentRunParams{
		SessionKey: parent.Raw,
		Task:       announceTask,
		Retrigger:  true,
	}, &res)
	if err != nil {
		slog.Warn("re-prompt failed", "parent", parent.Raw, "error", err)
		return
	}
	if !res.Success || strings.TrimSpace(res.Response) == "" {
		return
	}
	channel, userID, ok := parent.ChannelUser()
	if !ok {
		return
	}
	sctx, scancel := context.WithTimeout(context.Background(), sessionCallTimeout)
	defer scancel()
	if err := r.c.Call(sctx, wire.MethodChannelSend, wire.ChannelSendParams{
		Channel: channel,
		UserID:  userID,
		Text:    res.Response,
	}, nil); err != nil {
		slog.Warn("re-prompt delivery failed", "parent", parent.Raw, "error", err)
	}
}

// assistantBlocks converts a provider response into persistable blocks.
func assistantBlocks(resp *providers.ChatResponse) []sessions.ContentBlock {
	var blocks []sessions.ContentBlock
	if strings.TrimSpace(resp.Content) != "" {
		blocks = append(blocks, sessions.TextBlock(resp.Content))
	}
	for _, call := range resp.ToolCalls {
		input := json.RawMessage("{}")
		if call.Arguments != nil {
			if raw, err := json.Marshal(call.Arguments); err == nil {
				input = raw
			}
		}
		blocks = append(blocks, sessions.ToolUseBlock(call.ID, call.Name, input))
	}
	return blocks
}

func failure(err error) wire.AgentRunResult {
	return wire.AgentRunResult{Error: err.Error()}
}

// hasConversationTurn reports whether any message survives into the
// provider's messages array. System entries do not: they travel as system
// blocks, and a prompt without turns is rejected upstream.
func hasConversationTurn(msgs []sessions.Message) bool {
	for i := range msgs {
		if msgs[i].Role != sessions.RoleSystem {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
