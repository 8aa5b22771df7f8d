package hub

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vargoshq/vargos/pkg/wire"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "gateway.lock")
}

func writeLockFile(t *testing.T, path string, info LockInfo) {
	t.Helper()
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLockAcquireRelease(t *testing.T) {
	path := lockPath(t)
	l := NewLock(path)
	if err := l.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	info, err := readLockInfo(path)
	if err != nil || info == nil {
		t.Fatalf("read lock: info=%v err=%v", info, err)
	}
	if info.PID != os.Getpid() {
		t.Fatalf("lock pid = %d, want %d", info.PID, os.Getpid())
	}
	if info.Heartbeat.IsZero() || info.StartedAt.IsZero() {
		t.Fatalf("timestamps missing: %+v", info)
	}

	l.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lock file should be removed, stat err = %v", err)
	}
}

func TestLockContentionWithLiveHolder(t *testing.T) {
	path := lockPath(t)
	host, _ := os.Hostname()
	// The test runner's parent is a live process that is not us.
	writeLockFile(t, path, LockInfo{
		Host:      host,
		PID:       os.Getppid(),
		StartedAt: time.Now().Add(-time.Hour),
		Heartbeat: time.Now(),
	})

	err := NewLock(path).Acquire()
	if err == nil {
		t.Fatal("expected contention error")
	}
	if !wire.IsCode(err, wire.CodeFatal) {
		t.Fatalf("expected Fatal, got %v", err)
	}
	if !strings.Contains(err.Error(), host) {
		t.Fatalf("error should name the holder host: %v", err)
	}
}

func TestLockStaleSameHostDeadPid(t *testing.T) {
	path := lockPath(t)
	host, _ := os.Hostname()
	writeLockFile(t, path, LockInfo{
		Host:      host,
		PID:       1 << 27, // beyond pid_max on linux
		StartedAt: time.Now().Add(-time.Hour),
		Heartbeat: time.Now(), // fresh heartbeat must not save a dead pid
	})

	l := NewLock(path)
	if err := l.Acquire(); err != nil {
		t.Fatalf("expected takeover of dead holder, got %v", err)
	}
	defer l.Release()

	info, _ := readLockInfo(path)
	if info.PID != os.Getpid() {
		t.Fatalf("lock not rewritten: %+v", info)
	}
}

func TestLockForeignHostByHeartbeat(t *testing.T) {
	t.Run("fresh heartbeat blocks", func(t *testing.T) {
		path := lockPath(t)
		writeLockFile(t, path, LockInfo{
			Host:      "some-other-box",
			PID:       4242,
			StartedAt: time.Now().Add(-time.Hour),
			Heartbeat: time.Now().Add(-2 * time.Second),
		})
		if err := NewLock(path).Acquire(); err == nil {
			t.Fatal("expected contention with fresh foreign heartbeat")
		}
	})

	t.Run("stale heartbeat allows takeover", func(t *testing.T) {
		path := lockPath(t)
		writeLockFile(t, path, LockInfo{
			Host:      "some-other-box",
			PID:       4242,
			StartedAt: time.Now().Add(-time.Hour),
			Heartbeat: time.Now().Add(-time.Minute),
		})
		l := NewLock(path)
		if err := l.Acquire(); err != nil {
			t.Fatalf("expected takeover, got %v", err)
		}
		l.Release()
	})
}

func TestLockHeartbeatRefreshes(t *testing.T) {
	path := lockPath(t)
	l := NewLock(path)
	l.heartbeatEvery = 20 * time.Millisecond
	if err := l.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()

	first, _ := readLockInfo(path)
	time.Sleep(120 * time.Millisecond)
	second, _ := readLockInfo(path)
	if !second.Heartbeat.After(first.Heartbeat) {
		t.Fatalf("heartbeat did not advance: %v -> %v", first.Heartbeat, second.Heartbeat)
	}
}

func TestLockCorruptFileTreatedAsStale(t *testing.T) {
	path := lockPath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	l := NewLock(path)
	if err := l.Acquire(); err != nil {
		t.Fatalf("corrupt lock should be replaced, got %v", err)
	}
	l.Release()
}
