package agent

import (
	"sync"
)

// queueDepth bounds how many runs can wait per session before Enqueue
// blocks the caller.
const queueDepth = 64

// Queue serializes work per session key. Each key gets one dispatcher
// goroutine popping tasks in FIFO order; distinct keys run in parallel
// without limit.
type Queue struct {
	mu       sync.RWMutex
	sessions map[string]chan func()
	wg       sync.WaitGroup
	closed   bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{sessions: make(map[string]chan func())}
}

// Enqueue hands fn to the session's dispatcher, starting it on first use.
// Returns false after Close.
func (q *Queue) Enqueue(sessionKey string, fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	ch, ok := q.sessions[sessionKey]
	if !ok {
		ch = make(chan func(), queueDepth)
		q.sessions[sessionKey] = ch
		q.wg.Add(1)
		go q.dispatch(ch)
	}
	q.mu.Unlock()

	// The read lock held across the send keeps Close from closing the
	// channel mid-send. Dispatchers drain without the lock, so a full
	// queue still moves.
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	ch <- fn
	return true
}

func (q *Queue) dispatch(ch chan func()) {
	defer q.wg.Done()
	for fn := range ch {
		fn()
	}
}

// Pending reports how many tasks are waiting (not running) for a session.
func (q *Queue) Pending(sessionKey string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if ch, ok := q.sessions[sessionKey]; ok {
		return len(ch)
	}
	return 0
}

// Close stops accepting work and waits for in-flight tasks to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.sessions {
		close(ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
