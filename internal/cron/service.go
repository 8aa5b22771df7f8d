package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vargoshq/vargos/internal/bootstrap"
	"github.com/vargoshq/vargos/internal/client"
	"github.com/vargoshq/vargos/internal/config"
	"github.com/vargoshq/vargos/internal/sessions"
	"github.com/vargoshq/vargos/pkg/wire"
)

// tickInterval is how often the scheduler checks for due tasks. Cron
// expressions resolve to the minute, so two ticks per minute keeps firing
// latency under 30s without re-evaluating constantly.
const tickInterval = 30 * time.Second

// heartbeatTaskID is the reserved id of the config-managed heartbeat task.
const heartbeatTaskID = "heartbeat"

type AddParams struct {
	Name       string              `json:"name"`
	Schedule   string              `json:"schedule"`
	Task       string              `json:"task"`
	SessionKey string              `json:"sessionKey,omitempty"`
	Notify     []wire.NotifyTarget `json:"notify,omitempty"`
	Enabled    *bool               `json:"enabled,omitempty"` // default true
}

type UpdateParams struct {
	TaskID     string               `json:"taskId"`
	Name       *string              `json:"name,omitempty"`
	Schedule   *string              `json:"schedule,omitempty"`
	Task       *string              `json:"task,omitempty"`
	SessionKey *string              `json:"sessionKey,omitempty"`
	Notify     *[]wire.NotifyTarget `json:"notify,omitempty"`
	Enabled    *bool                `json:"enabled,omitempty"`
}

type RemoveParams struct {
	TaskID string `json:"taskId"`
}

type RemoveResult struct {
	Removed string `json:"removed"`
}

type RunParams struct {
	TaskID string `json:"taskId"`
}

type RunResult struct {
	Triggered string `json:"triggered"`
}

type ListResult struct {
	Tasks []*Task `json:"tasks"`
}

// Service exposes the task store over the gateway as the "cron" service and
// runs the scheduler loop that emits cron.trigger.
type Service struct {
	c     *client.Client
	store *Store

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService wires the cron methods onto a gateway client.
func NewService(c *client.Client, store *Store) *Service {
	s := &Service{c: c, store: store}
	c.Handle(wire.MethodCronList, s.handleList)
	c.Handle(wire.MethodCronAdd, s.handleAdd)
	c.Handle(wire.MethodCronRemove, s.handleRemove)
	c.Handle(wire.MethodCronUpdate, s.handleUpdate)
	c.Handle(wire.MethodCronRun, s.handleRun)
	return s
}

// Start launches the scheduler loop. Stop (or ctx cancellation) ends it.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		slog.Info("cron scheduler started", "tick", tickInterval)
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				s.tick(runCtx, now)
			}
		}
	}()
}

// Stop ends the scheduler loop and waits for the current tick to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// tick fires every due task once.
func (s *Service) tick(ctx context.Context, now time.Time) {
	tasks, err := s.store.List(ctx)
	if err != nil {
		slog.Error("cron list failed", "error", err)
		return
	}
	for _, t := range tasks {
		if !due(t, now) {
			continue
		}
		s.fire(ctx, t, now)
	}
}

// fire marks the run before emitting so a crash in between drops the
// trigger rather than doubling it.
func (s *Service) fire(ctx context.Context, t *Task, now time.Time) {
	if err := s.store.MarkRun(ctx, t.ID, now); err != nil {
		slog.Error("cron mark run failed", "task", t.ID, "error", err)
		return
	}
	slog.Info("cron trigger", "task", t.ID, "name", t.Name, "schedule", t.Schedule)
	s.c.Emit(wire.EventCronTrigger, wire.CronTrigger{
		TaskID:     t.ID,
		Task:       t.Task,
		SessionKey: t.SessionKey,
		Notify:     t.Notify,
	})
}

// EnsureHeartbeat reconciles the built-in heartbeat task with config. An
// empty or "0" interval removes the task; otherwise it is created or
// updated in place, keeping the previous last-run time so restarts do not
// reset the interval.
func (s *Service) EnsureHeartbeat(ctx context.Context, cfg config.HeartbeatConfig) error {
	every := strings.TrimSpace(cfg.Every)
	if every == "" || every == "0" {
		if err := s.store.Delete(ctx, heartbeatTaskID); err != nil && !wire.IsCode(err, wire.CodeNotFound) {
			return err
		}
		return nil
	}
	schedule := everyPrefix + every
	if err := ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = fmt.Sprintf(
			"Read %s in the workspace if it exists and follow it. If nothing needs attention, reply with exactly %s.",
			bootstrap.HeartbeatFile, bootstrap.HeartbeatToken)
	}
	var notify []wire.NotifyTarget
	if cfg.Channel != "" && cfg.UserID != "" {
		notify = []wire.NotifyTarget{{Channel: cfg.Channel, UserID: cfg.UserID}}
	}

	task := &Task{
		ID:         heartbeatTaskID,
		Name:       "heartbeat",
		Schedule:   schedule,
		Task:       prompt,
		SessionKey: "cron:" + heartbeatTaskID,
		Notify:     notify,
		Enabled:    true,
		CreatedAt:  time.Now(),
	}
	prev, err := s.store.Get(ctx, heartbeatTaskID)
	if err == nil {
		task.CreatedAt = prev.CreatedAt
		task.LastRunAt = prev.LastRunAt
		return s.store.Update(ctx, task)
	}
	if !wire.IsCode(err, wire.CodeNotFound) {
		return err
	}
	return s.store.Put(ctx, task)
}

func (s *Service) handleList(ctx context.Context, _ json.RawMessage) (any, error) {
	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return ListResult{Tasks: tasks}, nil
}

func (s *Service) handleAdd(ctx context.Context, params json.RawMessage) (any, error) {
	var p AddParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad add params: %v", err)
	}
	if p.Name == "" || p.Task == "" {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "name and task are required")
	}
	if err := ValidateSchedule(p.Schedule); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "%v", err)
	}

	id := uuid.NewString()
	key := p.SessionKey
	if key == "" {
		key = "cron:" + id
	}
	if _, err := sessions.Parse(key); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "%v", err)
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}

	t := &Task{
		ID:         id,
		Name:       p.Name,
		Schedule:   p.Schedule,
		Task:       p.Task,
		SessionKey: key,
		Notify:     p.Notify,
		Enabled:    enabled,
		CreatedAt:  time.Now(),
	}
	if err := s.store.Put(ctx, t); err != nil {
		return nil, err
	}
	slog.Info("cron task added", "task", id, "name", p.Name, "schedule", p.Schedule)
	return t, nil
}

func (s *Service) handleUpdate(ctx context.Context, params json.RawMessage) (any, error) {
	var p UpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad update params: %v", err)
	}
	t, err := s.store.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Schedule != nil {
		if err := ValidateSchedule(*p.Schedule); err != nil {
			return nil, wire.Errorf(wire.CodeInvalidArgument, "%v", err)
		}
		t.Schedule = *p.Schedule
	}
	if p.Task != nil {
		t.Task = *p.Task
	}
	if p.SessionKey != nil {
		if _, err := sessions.Parse(*p.SessionKey); err != nil {
			return nil, wire.Errorf(wire.CodeInvalidArgument, "%v", err)
		}
		t.SessionKey = *p.SessionKey
	}
	if p.Notify != nil {
		t.Notify = *p.Notify
	}
	if p.Enabled != nil {
		t.Enabled = *p.Enabled
	}
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) handleRemove(ctx context.Context, params json.RawMessage) (any, error) {
	var p RemoveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad remove params: %v", err)
	}
	if err := s.store.Delete(ctx, p.TaskID); err != nil {
		return nil, err
	}
	slog.Info("cron task removed", "task", p.TaskID)
	return RemoveResult{Removed: p.TaskID}, nil
}

// handleRun fires the task immediately, schedule and enabled flag
// notwithstanding. The firing still counts as the last run.
func (s *Service) handleRun(ctx context.Context, params json.RawMessage) (any, error) {
	var p RunParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad run params: %v", err)
	}
	t, err := s.store.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	s.fire(ctx, t, time.Now())
	return RunResult{Triggered: t.ID}, nil
}
