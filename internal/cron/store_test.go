package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vargoshq/vargos/pkg/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "cron.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := &Task{
		ID:         "t1",
		Name:       "morning brief",
		Schedule:   "0 8 * * *",
		Task:       "Summarize the inbox.",
		SessionKey: "cron:t1",
		Notify:     []wire.NotifyTarget{{Channel: "telegram", UserID: "42"}},
		Enabled:    true,
		CreatedAt:  time.Now(),
	}
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.Name != in.Name || out.Schedule != in.Schedule || out.Task != in.Task ||
		out.SessionKey != in.SessionKey || !out.Enabled {
		t.Fatalf("task = %+v", out)
	}
	if len(out.Notify) != 1 || out.Notify[0].Channel != "telegram" || out.Notify[0].UserID != "42" {
		t.Fatalf("notify = %+v", out.Notify)
	}
	if out.CreatedAt.UnixMilli() != in.CreatedAt.UnixMilli() {
		t.Fatalf("createdAt = %v, want %v", out.CreatedAt, in.CreatedAt)
	}
	if out.LastRunAt != nil {
		t.Fatalf("lastRunAt = %v, want unset", out.LastRunAt)
	}
}

func TestStoreNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "ghost"); !wire.IsCode(err, wire.CodeNotFound) {
		t.Fatalf("Get err = %v, want not_found", err)
	}
	if err := s.Delete(ctx, "ghost"); !wire.IsCode(err, wire.CodeNotFound) {
		t.Fatalf("Delete err = %v, want not_found", err)
	}
	if err := s.MarkRun(ctx, "ghost", time.Now()); !wire.IsCode(err, wire.CodeNotFound) {
		t.Fatalf("MarkRun err = %v, want not_found", err)
	}
	if err := s.Update(ctx, &Task{ID: "ghost"}); !wire.IsCode(err, wire.CodeNotFound) {
		t.Fatalf("Update err = %v, want not_found", err)
	}
}

func TestStoreUpdateAndMarkRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &Task{ID: "t1", Name: "n", Schedule: "* * * * *", Task: "x", SessionKey: "cron:t1", Enabled: true, CreatedAt: time.Now()}
	if err := s.Put(ctx, task); err != nil {
		t.Fatalf("Put: %v", err)
	}

	task.Schedule = "@every 1h"
	task.Enabled = false
	if err := s.Update(ctx, task); err != nil {
		t.Fatalf("Update: %v", err)
	}

	at := time.Now().Add(time.Minute)
	if err := s.MarkRun(ctx, "t1", at); err != nil {
		t.Fatalf("MarkRun: %v", err)
	}

	out, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.Schedule != "@every 1h" || out.Enabled {
		t.Fatalf("task = %+v", out)
	}
	if out.LastRunAt == nil || out.LastRunAt.UnixMilli() != at.UnixMilli() {
		t.Fatalf("lastRunAt = %v, want %v", out.LastRunAt, at)
	}
}

func TestStoreListOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		task := &Task{ID: id, Name: id, Schedule: "* * * * *", Task: "x", SessionKey: "cron:" + id, Enabled: true, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.Put(ctx, task); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	tasks, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var order []string
	for _, task := range tasks {
		order = append(order, task.ID)
	}
	if len(order) != 3 || order[0] != "c" || order[1] != "a" || order[2] != "b" {
		t.Fatalf("order = %v, want creation order", order)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cron.db")
	ctx := context.Background()

	s1, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	task := &Task{ID: "t1", Name: "n", Schedule: "* * * * *", Task: "x", SessionKey: "cron:t1", Enabled: true, CreatedAt: time.Now()}
	if err := s1.Put(ctx, task); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.Get(ctx, "t1"); err != nil {
		t.Fatalf("task lost across reopen: %v", err)
	}
}
