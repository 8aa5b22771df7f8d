package channels

import (
	"sync"
	"time"
)

// dedupMaxKeys bounds the cache so a provider replaying ids cannot grow it
// without limit.
const dedupMaxKeys = 4096

// Dedup is a bounded TTL set over provider message ids. Providers redeliver
// on reconnect and long-poll races; the first insert of an id wins and
// repeats inside the TTL are dropped.
type Dedup struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // id → insertion time
}

// NewDedup builds a cache with the given suppression window.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return &Dedup{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// Insert records id and reports whether it was newly added. false means the
// id was already seen inside the TTL.
func (d *Dedup) Insert(id string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return false
	}

	if len(d.seen) >= dedupMaxKeys {
		d.prune(now)
	}
	if len(d.seen) >= dedupMaxKeys {
		d.evictOldest()
	}

	d.seen[id] = now
	return true
}

// Len returns the number of tracked ids, expired entries included until the
// next prune.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// prune drops entries older than the TTL. Caller holds d.mu.
func (d *Dedup) prune(now time.Time) {
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

// evictOldest removes the single oldest entry. Caller holds d.mu.
func (d *Dedup) evictOldest() {
	var oldestID string
	var oldestAt time.Time
	for id, at := range d.seen {
		if oldestID == "" || at.Before(oldestAt) {
			oldestID, oldestAt = id, at
		}
	}
	if oldestID != "" {
		delete(d.seen, oldestID)
	}
}
