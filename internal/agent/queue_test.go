package agent

import (
	"sync"
	"testing"
	"time"
)

func TestQueueSerializesPerKey(t *testing.T) {
	q := NewQueue()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		if !q.Enqueue("cli:serial", func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	wg.Wait()
	q.Close()

	for i, v := range order {
		if v != i {
			t.Fatalf("execution order = %v, want FIFO", order)
		}
	}
}

func TestQueueParallelAcrossKeys(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	gate := make(chan struct{})
	aStarted := make(chan struct{})
	bDone := make(chan struct{})

	q.Enqueue("cli:a", func() {
		close(aStarted)
		<-gate
	})
	<-aStarted
	q.Enqueue("cli:b", func() { close(bDone) })

	select {
	case <-bDone:
	case <-time.After(2 * time.Second):
		t.Fatal("run on cli:b blocked behind cli:a")
	}
	close(gate)
}

func TestQueuePending(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	q.Enqueue("cli:p", func() {
		close(started)
		<-gate
	})
	<-started

	q.Enqueue("cli:p", func() {})
	q.Enqueue("cli:p", func() {})
	if n := q.Pending("cli:p"); n != 2 {
		t.Errorf("Pending = %d, want 2", n)
	}
	if n := q.Pending("cli:other"); n != 0 {
		t.Errorf("Pending for unknown key = %d, want 0", n)
	}
	close(gate)
}

func TestQueueCloseRejects(t *testing.T) {
	q := NewQueue()
	q.Close()
	if q.Enqueue("cli:x", func() {}) {
		t.Error("Enqueue accepted work after Close")
	}
}
