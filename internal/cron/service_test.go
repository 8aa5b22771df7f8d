package cron

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vargoshq/vargos/internal/client"
	"github.com/vargoshq/vargos/internal/config"
	"github.com/vargoshq/vargos/internal/hub"
	"github.com/vargoshq/vargos/internal/reconnect"
	"github.com/vargoshq/vargos/pkg/wire"
)

var testPolicy = reconnect.Policy{Base: 50 * time.Millisecond, Max: 200 * time.Millisecond}

func startCron(t *testing.T) (*Service, *client.Client, chan wire.CronTrigger) {
	t.Helper()
	url := hub.StartTestHub(t, nil)

	store, err := OpenStore(filepath.Join(t.TempDir(), "cron.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svcClient := client.New(client.Options{
		URL: url, Service: "cron", Version: "test",
		Emits:     []string{wire.EventCronTrigger},
		Reconnect: testPolicy,
	})
	svc := NewService(svcClient, store)

	triggers := make(chan wire.CronTrigger, 16)
	probe := client.New(client.Options{URL: url, Service: "probe", Version: "test", Reconnect: testPolicy})
	probe.Subscribe(wire.EventCronTrigger, func(_ context.Context, payload json.RawMessage) {
		var ev wire.CronTrigger
		if json.Unmarshal(payload, &ev) == nil {
			triggers <- ev
		}
	})

	for _, c := range []*client.Client{svcClient, probe} {
		c := c
		go c.Run(t.Context())
		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()
		if err := c.WaitReady(ctx); err != nil {
			t.Fatalf("client not ready: %v", err)
		}
	}
	return svc, probe, triggers
}

func call(t *testing.T, probe *client.Client, method string, params, result any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return probe.Call(ctx, method, params, result)
}

func waitTrigger(t *testing.T, ch chan wire.CronTrigger) wire.CronTrigger {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cron.trigger")
		return wire.CronTrigger{}
	}
}

func TestTaskLifecycle(t *testing.T) {
	_, probe, _ := startCron(t)

	var task Task
	err := call(t, probe, wire.MethodCronAdd, AddParams{
		Name:     "morning brief",
		Schedule: "0 8 * * *",
		Task:     "Summarize the inbox.",
		Notify:   []wire.NotifyTarget{{Channel: "telegram", UserID: "42"}},
	}, &task)
	if err != nil {
		t.Fatalf("cron.add: %v", err)
	}
	if task.ID == "" || !task.Enabled {
		t.Fatalf("task = %+v", task)
	}
	if task.SessionKey != "cron:"+task.ID {
		t.Fatalf("sessionKey = %q, want derived from the task id", task.SessionKey)
	}

	var list ListResult
	if err := call(t, probe, wire.MethodCronList, nil, &list); err != nil {
		t.Fatalf("cron.list: %v", err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].ID != task.ID {
		t.Fatalf("list = %+v", list.Tasks)
	}

	newSchedule := "@every 2h"
	disabled := false
	var updated Task
	err = call(t, probe, wire.MethodCronUpdate, UpdateParams{
		TaskID:   task.ID,
		Schedule: &newSchedule,
		Enabled:  &disabled,
	}, &updated)
	if err != nil {
		t.Fatalf("cron.update: %v", err)
	}
	if updated.Schedule != "@every 2h" || updated.Enabled {
		t.Fatalf("updated = %+v", updated)
	}

	var removed RemoveResult
	if err := call(t, probe, wire.MethodCronRemove, RemoveParams{TaskID: task.ID}, &removed); err != nil {
		t.Fatalf("cron.remove: %v", err)
	}
	if removed.Removed != task.ID {
		t.Fatalf("removed = %+v", removed)
	}
	err = call(t, probe, wire.MethodCronRemove, RemoveParams{TaskID: task.ID}, nil)
	if !wire.IsCode(err, wire.CodeNotFound) {
		t.Fatalf("second remove err = %v, want not_found", err)
	}
}

func TestAddRejectsBadSchedule(t *testing.T) {
	_, probe, _ := startCron(t)

	err := call(t, probe, wire.MethodCronAdd, AddParams{
		Name: "broken", Schedule: "whenever", Task: "x",
	}, nil)
	if !wire.IsCode(err, wire.CodeInvalidArgument) {
		t.Fatalf("err = %v, want invalid_argument", err)
	}
}

func TestRunFiresImmediately(t *testing.T) {
	_, probe, triggers := startCron(t)

	disabled := false
	var task Task
	err := call(t, probe, wire.MethodCronAdd, AddParams{
		Name:     "oneshot",
		Schedule: "0 0 1 1 *",
		Task:     "Check the backups.",
		Notify:   []wire.NotifyTarget{{Channel: "discord", UserID: "7"}},
		Enabled:  &disabled,
	}, &task)
	if err != nil {
		t.Fatalf("cron.add: %v", err)
	}

	var run RunResult
	if err := call(t, probe, wire.MethodCronRun, RunParams{TaskID: task.ID}, &run); err != nil {
		t.Fatalf("cron.run: %v", err)
	}
	if run.Triggered != task.ID {
		t.Fatalf("run = %+v", run)
	}

	ev := waitTrigger(t, triggers)
	if ev.TaskID != task.ID || ev.Task != "Check the backups." || ev.SessionKey != task.SessionKey {
		t.Fatalf("trigger = %+v", ev)
	}
	if len(ev.Notify) != 1 || ev.Notify[0].Channel != "discord" {
		t.Fatalf("notify = %+v", ev.Notify)
	}

	// The manual firing counts as the last run.
	var list ListResult
	if err := call(t, probe, wire.MethodCronList, nil, &list); err != nil {
		t.Fatalf("cron.list: %v", err)
	}
	if list.Tasks[0].LastRunAt == nil {
		t.Fatal("lastRunAt not recorded")
	}
}

func TestTickFiresDueTasks(t *testing.T) {
	svc, probe, triggers := startCron(t)

	var task Task
	err := call(t, probe, wire.MethodCronAdd, AddParams{
		Name: "interval", Schedule: "@every 1s", Task: "Ping.",
	}, &task)
	if err != nil {
		t.Fatalf("cron.add: %v", err)
	}

	now := time.Now().Add(2 * time.Second)
	svc.tick(context.Background(), now)

	ev := waitTrigger(t, triggers)
	if ev.TaskID != task.ID {
		t.Fatalf("trigger = %+v", ev)
	}

	// A second tick at the same instant finds nothing due.
	svc.tick(context.Background(), now)
	select {
	case ev := <-triggers:
		t.Fatalf("unexpected second trigger: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEnsureHeartbeat(t *testing.T) {
	svc, _, _ := startCron(t)
	ctx := context.Background()

	if err := svc.EnsureHeartbeat(ctx, config.HeartbeatConfig{Every: "30m"}); err != nil {
		t.Fatalf("EnsureHeartbeat: %v", err)
	}
	task, err := svc.store.Get(ctx, heartbeatTaskID)
	if err != nil {
		t.Fatalf("heartbeat task missing: %v", err)
	}
	if task.Schedule != "@every 30m" || task.SessionKey != "cron:heartbeat" {
		t.Fatalf("task = %+v", task)
	}
	if !strings.Contains(task.Task, "HEARTBEAT_OK") {
		t.Fatalf("prompt = %q, want the ok token mentioned", task.Task)
	}

	// Reconfiguring keeps the run history and changes the interval.
	at := time.Now()
	if err := svc.store.MarkRun(ctx, heartbeatTaskID, at); err != nil {
		t.Fatalf("MarkRun: %v", err)
	}
	if err := svc.EnsureHeartbeat(ctx, config.HeartbeatConfig{Every: "1h"}); err != nil {
		t.Fatalf("EnsureHeartbeat update: %v", err)
	}
	task, err = svc.store.Get(ctx, heartbeatTaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Schedule != "@every 1h" || task.LastRunAt == nil {
		t.Fatalf("task = %+v", task)
	}

	// An empty interval removes the task.
	if err := svc.EnsureHeartbeat(ctx, config.HeartbeatConfig{}); err != nil {
		t.Fatalf("EnsureHeartbeat disable: %v", err)
	}
	if _, err := svc.store.Get(ctx, heartbeatTaskID); !wire.IsCode(err, wire.CodeNotFound) {
		t.Fatalf("err = %v, want not_found after disable", err)
	}
	if err := svc.EnsureHeartbeat(ctx, config.HeartbeatConfig{}); err != nil {
		t.Fatalf("EnsureHeartbeat disable again: %v", err)
	}
}
