package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vargoshq/vargos/pkg/wire"
)

const (
	// HeartbeatInterval is how often the holder refreshes gateway.lock.
	HeartbeatInterval = 10 * time.Second
	// StaleAfter is the heartbeat age past which a foreign-host lock is
	// considered abandoned.
	StaleAfter = 30 * time.Second
)

// LockInfo is the JSON body of gateway.lock.
type LockInfo struct {
	Host      string    `json:"host"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Heartbeat time.Time `json:"heartbeat"`
}

// Lock guards a data directory against concurrent gateways. The holder
// heartbeats the file; acquisition decides staleness by pid probe on the
// same host and by heartbeat age across hosts.
type Lock struct {
	path string
	info LockInfo

	// overridable for tests
	heartbeatEvery time.Duration
	staleAfter     time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewLock prepares a lock at path without touching the filesystem.
func NewLock(path string) *Lock {
	host, _ := os.Hostname()
	return &Lock{
		path: path,
		info: LockInfo{
			Host:      host,
			PID:       os.Getpid(),
			StartedAt: time.Now().UTC(),
		},
		heartbeatEvery: HeartbeatInterval,
		staleAfter:     StaleAfter,
	}
}

// Acquire takes the lock or fails with a fatal error naming the current
// holder. A stale lock (dead pid on this host, or an old heartbeat from
// another host) is replaced.
func (l *Lock) Acquire() error {
	if existing, err := readLockInfo(l.path); err == nil && existing != nil {
		if l.holderAlive(existing) {
			return wire.Errorf(wire.CodeFatal,
				"gateway already running on %s (pid %d, started %s); stop it or remove %s",
				existing.Host, existing.PID, existing.StartedAt.Format(time.RFC3339), l.path)
		}
		slog.Warn("replacing stale gateway.lock", "host", existing.Host, "pid", existing.PID,
			"heartbeatAge", time.Since(existing.Heartbeat).Round(time.Second))
	}

	l.info.Heartbeat = time.Now().UTC()
	if err := l.write(); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}

	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.heartbeatLoop()
	return nil
}

// Release stops the heartbeat and removes the lock file.
func (l *Lock) Release() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	<-l.done
	l.stop = nil
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("remove gateway.lock", "error", err)
	}
}

// holderAlive reports whether the holder described by info still owns the
// lock. On the holder's own host a pid probe decides; from another host
// only the heartbeat age can.
func (l *Lock) holderAlive(info *LockInfo) bool {
	if info.Host == l.info.Host {
		if info.PID == l.info.PID {
			return false // our own leftover from a previous run of this pid
		}
		return pidAlive(info.PID)
	}
	return time.Since(info.Heartbeat) < l.staleAfter
}

func (l *Lock) heartbeatLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.info.Heartbeat = time.Now().UTC()
			if err := l.write(); err != nil {
				slog.Warn("refresh gateway.lock", "error", err)
			}
		}
	}
}

// write replaces the lock file atomically so readers never observe a
// partial JSON body.
func (l *Lock) write() error {
	data, err := json.MarshalIndent(l.info, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func readLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// A torn or hand-edited file cannot name a live holder.
		slog.Warn("unreadable gateway.lock, treating as stale", "path", path, "error", err)
		return nil, nil
	}
	return &info, nil
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
