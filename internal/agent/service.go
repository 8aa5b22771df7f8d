package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/vargoshq/vargos/internal/client"
	"github.com/vargoshq/vargos/pkg/wire"
)

const (
	// runWaitTimeout bounds an inbound turn end to end: queue wait, the run
	// itself, and reply delivery.
	runWaitTimeout = 20 * time.Minute

	errorReplyRunes = 200
)

// StatusResult is the result of agent.status.
type StatusResult struct {
	Active []RunStatus `json:"active"`
}

// Service is the gateway face of the runtime: the agent.* methods plus the
// subscriptions that turn channel messages and cron triggers into runs.
type Service struct {
	c  *client.Client
	rt *Runtime
}

// NewService wires the agent methods and subscriptions onto a client.
func NewService(c *client.Client, rt *Runtime) *Service {
	s := &Service{c: c, rt: rt}
	c.Handle(wire.MethodAgentRun, s.handleRun)
	c.Handle(wire.MethodAgentAbort, s.handleAbort)
	c.Handle(wire.MethodAgentStatus, s.handleStatus)
	c.Subscribe(wire.EventMessageReceived, s.onMessageReceived)
	c.Subscribe(wire.EventCronTrigger, s.onCronTrigger)
	return s
}

func (s *Service) handleRun(ctx context.Context, params json.RawMessage) (any, error) {
	var p wire.AgentRunParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad run params: %v", err)
	}
	return s.rt.Submit(ctx, p)
}

func (s *Service) handleAbort(_ context.Context, params json.RawMessage) (any, error) {
	var p wire.AgentAbortParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad abort params: %v", err)
	}
	if p.RunID == "" {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "runId is required")
	}
	if !s.rt.Abort(p.RunID, p.Reason) {
		return nil, wire.Errorf(wire.CodeNotFound, "run %s is not active", p.RunID)
	}
	return map[string]bool{"aborted": true}, nil
}

func (s *Service) handleStatus(_ context.Context, _ json.RawMessage) (any, error) {
	return StatusResult{Active: s.rt.Status()}, nil
}

// onMessageReceived turns one accepted inbound turn into a run. The event
// loop must not block for the length of a run, so the work moves to a
// goroutine and sessions stay parallel.
func (s *Service) onMessageReceived(_ context.Context, payload json.RawMessage) {
	var ev wire.MessageReceived
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Warn("bad message.received payload", "error", err)
		return
	}
	if ev.SessionKey == "" {
		slog.Warn("message.received without session key", "channel", ev.Channel)
		return
	}
	go s.dispatchInbound(ev)
}

func (s *Service) dispatchInbound(ev wire.MessageReceived) {
	ctx, cancel := context.WithTimeout(context.Background(), runWaitTimeout)
	defer cancel()

	images, descriptors := SplitAttachments(ev.Media)
	task := ev.Content
	for _, d := range descriptors {
		if task == "" {
			task = d
		} else {
			task += "\n" + d
		}
	}

	var res wire.AgentRunResult
	err := s.c.Call(ctx, wire.MethodAgentRun, wire.AgentRunParams{
		SessionKey: ev.SessionKey,
		Task:       task,
		Channel:    ev.Channel,
		Images:     images,
	}, &res)

	// sessions_send injects turns under the "system" pseudo-channel; those
	// replies stay in the session, nothing to deliver.
	if ev.Channel == "" || ev.Channel == "system" {
		if err != nil {
			slog.Warn("inbound run failed", "session", ev.SessionKey, "error", err)
		}
		return
	}

	reply := ""
	switch {
	case err != nil:
		slog.Warn("inbound run failed", "session", ev.SessionKey, "error", err)
		reply = "Something went wrong: " + truncateRunes(err.Error(), errorReplyRunes)
	case res.Aborted:
		// The user asked for the stop; stay quiet.
	case !res.Success:
		reply = "Something went wrong: " + truncateRunes(res.Error, errorReplyRunes)
	default:
		reply = res.Response
	}
	if strings.TrimSpace(reply) == "" {
		return
	}

	sctx, scancel := context.WithTimeout(context.Background(), sessionCallTimeout)
	defer scancel()
	if err := s.c.Call(sctx, wire.MethodChannelSend, wire.ChannelSendParams{
		Channel: ev.Channel,
		UserID:  ev.SenderID,
		Text:    reply,
	}, nil); err != nil {
		slog.Warn("reply delivery failed", "session", ev.SessionKey, "channel", ev.Channel, "error", err)
	}
}

// onCronTrigger runs a scheduled task and fans the reply out to its notify
// targets. Delivery-side heartbeat stripping keeps empty polls silent.
func (s *Service) onCronTrigger(_ context.Context, payload json.RawMessage) {
	var ev wire.CronTrigger
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Warn("bad cron.trigger payload", "error", err)
		return
	}
	if ev.SessionKey == "" || ev.Task == "" {
		slog.Warn("cron.trigger missing session key or task", "taskId", ev.TaskID)
		return
	}
	go s.dispatchCron(ev)
}

func (s *Service) dispatchCron(ev wire.CronTrigger) {
	ctx, cancel := context.WithTimeout(context.Background(), runWaitTimeout)
	defer cancel()

	var res wire.AgentRunResult
	err := s.c.Call(ctx, wire.MethodAgentRun, wire.AgentRunParams{
		SessionKey: ev.SessionKey,
		Task:       ev.Task,
	}, &res)
	if err != nil {
		slog.Warn("cron run failed", "taskId", ev.TaskID, "session", ev.SessionKey, "error", err)
		return
	}
	if !res.Success || strings.TrimSpace(res.Response) == "" {
		return
	}

	for _, target := range ev.Notify {
		sctx, scancel := context.WithTimeout(context.Background(), sessionCallTimeout)
		err := s.c.Call(sctx, wire.MethodChannelSend, wire.ChannelSendParams{
			Channel: target.Channel,
			UserID:  target.UserID,
			Text:    res.Response,
		}, nil)
		scancel()
		if err != nil {
			slog.Warn("cron notify failed", "taskId", ev.TaskID,
				"channel", target.Channel, "error", err)
		}
	}
}
