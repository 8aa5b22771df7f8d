// Package reconnect implements the exponential backoff policy shared by the
// service-client transport and the channel adapters.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Disconnect causes that must never trigger a reconnect attempt.
const (
	CauseLoggedOut = "logged_out"
	CauseForbidden = "forbidden"
)

// ErrGiveUp is returned by Run when the attempt budget is exhausted.
var ErrGiveUp = errors.New("reconnect: attempt budget exhausted")

// Policy computes backoff delays: min(Base * 2^attempt, Max).
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // 0 means unlimited
}

// DefaultPolicy matches the adapter defaults: 2s base, 60s ceiling.
func DefaultPolicy() Policy {
	return Policy{Base: 2 * time.Second, Max: 60 * time.Second}
}

// Delay returns the wait before attempt n (0-based: attempt 0 waits Base).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Terminal reports whether a disconnect cause ends reconnection for good.
func Terminal(cause string) bool {
	return cause == CauseLoggedOut || cause == CauseForbidden
}

// Reconnector tracks consecutive failed attempts for one connection.
type Reconnector struct {
	policy Policy

	mu       sync.Mutex
	attempts int
}

func New(policy Policy) *Reconnector {
	if policy.Base <= 0 {
		policy.Base = DefaultPolicy().Base
	}
	if policy.Max <= 0 {
		policy.Max = DefaultPolicy().Max
	}
	return &Reconnector{policy: policy}
}

// Next returns the delay to sleep before the next attempt and advances the
// counter. ok is false once MaxAttempts is exhausted.
func (r *Reconnector) Next() (delay time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy.MaxAttempts > 0 && r.attempts >= r.policy.MaxAttempts {
		return 0, false
	}
	delay = r.policy.Delay(r.attempts)
	r.attempts++
	return delay, true
}

// Reset zeroes the attempt counter. Called after a successful connect.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// Attempts returns the current consecutive-failure count.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Run drives connect until the context ends, a terminal cause is reported,
// or the attempt budget runs out. connect blocks for the lifetime of one
// connection and returns the disconnect cause; it must call up() once the
// link is established so the attempt counter resets.
func (r *Reconnector) Run(ctx context.Context, name string, connect func(ctx context.Context, up func()) (cause string, err error)) error {
	for {
		cause, err := connect(ctx, r.Reset)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if Terminal(cause) {
			slog.Warn("connection closed permanently", "name", name, "cause", cause)
			return fmt.Errorf("reconnect: terminal cause %q", cause)
		}
		delay, ok := r.Next()
		if !ok {
			slog.Error("reconnect budget exhausted", "name", name, "attempts", r.policy.MaxAttempts)
			return ErrGiveUp
		}
		if err != nil {
			slog.Warn("connection lost, retrying", "name", name, "delay", delay, "error", err)
		} else {
			slog.Info("connection closed, retrying", "name", name, "delay", delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
