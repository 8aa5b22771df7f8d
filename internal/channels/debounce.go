package channels

import (
	"strings"
	"sync"
	"time"
)

// Debouncer coalesces rapid-fire texts from one sender into a single turn.
// Each Push (re)arms that sender's timer; when it fires, the buffered texts
// are joined with newlines and handed to onBatch. Texts arriving while a
// batch is being handled open a fresh buffer for the next flush.
type Debouncer struct {
	window  time.Duration
	onBatch func(senderID, text string)

	mu      sync.Mutex
	pending map[string]*senderBuffer
	closed  bool
}

type senderBuffer struct {
	texts []string
	timer *time.Timer
}

// NewDebouncer builds a debouncer with the given coalescing window.
func NewDebouncer(window time.Duration, onBatch func(senderID, text string)) *Debouncer {
	if window <= 0 {
		window = 1500 * time.Millisecond
	}
	return &Debouncer{
		window:  window,
		onBatch: onBatch,
		pending: make(map[string]*senderBuffer),
	}
}

// Push appends text to the sender's buffer and re-arms its timer.
func (d *Debouncer) Push(senderID, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	buf, ok := d.pending[senderID]
	if !ok {
		buf = &senderBuffer{}
		buf.timer = time.AfterFunc(d.window, func() { d.flush(senderID) })
		d.pending[senderID] = buf
	} else {
		buf.timer.Reset(d.window)
	}
	buf.texts = append(buf.texts, text)
}

// Pending reports whether the sender has an unflushed buffer.
func (d *Debouncer) Pending(senderID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[senderID]
	return ok
}

// flush hands the sender's batch to onBatch. It runs on the timer goroutine,
// so a slow handler only delays that sender's next batch.
func (d *Debouncer) flush(senderID string) {
	d.mu.Lock()
	buf, ok := d.pending[senderID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, senderID)
	texts := buf.texts
	d.mu.Unlock()

	d.onBatch(senderID, strings.Join(texts, "\n"))
}

// CancelAll drops every pending buffer without flushing.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

// Close cancels pending work and rejects further pushes.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cancelLocked()
}

func (d *Debouncer) cancelLocked() {
	for id, buf := range d.pending {
		buf.timer.Stop()
		delete(d.pending, id)
	}
}
