package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// maxLineBytes bounds one JSONL line; tool results carrying file dumps can
// get large.
const maxLineBytes = 8 << 20

// FileStore keeps one append-only JSONL log per session:
//
//	<root>/<safeKey>/<safeKey>.jsonl            main sessions
//	<root>/<safeRoot>/subagent-<id>.jsonl       sub-agents, beside the parent
//
// Line 1 is the header; every later line is a message. Appends never touch
// the header; header updates rewrite the whole file through a temp+rename.
type FileStore struct {
	root string

	mu    sync.RWMutex
	index map[string]*fileSession
}

type fileSession struct {
	header   *Header
	msgCount int
	path     string
}

// NewFileStore opens (and scans) the session root directory.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	s := &FileStore{root: root, index: make(map[string]*fileSession)}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Create(_ context.Context, h *Header) (*Header, error) {
	key, err := Parse(h.SessionKey)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[h.SessionKey]; ok {
		return nil, errAlreadyExists(h.SessionKey)
	}

	stored := h.Clone()
	stored.Kind = key.Kind()
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt

	path := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := writeLogFile(path, stored, nil); err != nil {
		return nil, err
	}
	s.index[h.SessionKey] = &fileSession{header: stored, path: path}
	return stored.Clone(), nil
}

func (s *FileStore) Get(_ context.Context, key string) (*Header, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.index[key]
	if !ok {
		return nil, 0, errNotFound(key)
	}
	return rec.header.Clone(), rec.msgCount, nil
}

func (s *FileStore) Update(_ context.Context, key string, upd UpdateFields) (*Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[key]
	if !ok {
		return nil, errNotFound(key)
	}

	h := rec.header.Clone()
	if upd.Label != nil {
		h.Label = *upd.Label
	}
	if upd.AgentID != nil {
		h.AgentID = *upd.AgentID
	}
	if upd.Metadata != nil {
		h.Metadata = upd.Metadata
	}
	h.UpdatedAt = time.Now().UTC()

	msgs, err := readMessages(rec.path)
	if err != nil {
		return nil, err
	}
	if err := writeLogFile(rec.path, h, msgs); err != nil {
		return nil, err
	}
	rec.header = h
	return h.Clone(), nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	k, err := Parse(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[key]
	if !ok {
		return errNotFound(key)
	}

	if k.IsSubagent() {
		if err := os.Remove(rec.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		delete(s.index, key)
		return nil
	}

	// Root delete cascades: the directory holds the sub-agent logs too.
	if err := os.RemoveAll(filepath.Dir(rec.path)); err != nil {
		return err
	}
	delete(s.index, key)
	prefix := key + ":subagent:"
	for other := range s.index {
		if strings.HasPrefix(other, prefix) {
			delete(s.index, other)
		}
	}
	return nil
}

func (s *FileStore) List(_ context.Context, f ListFilter) ([]*Header, error) {
	s.mu.RLock()
	out := make([]*Header, 0, len(s.index))
	for _, rec := range s.index {
		if f.Kind != "" && rec.header.Kind != f.Kind {
			continue
		}
		out = append(out, rec.header.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *FileStore) AddMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[msg.SessionKey]
	if !ok {
		return errNotFound(msg.SessionKey)
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	f, err := os.OpenFile(rec.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append message: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	rec.msgCount++
	// Header on disk keeps its last written UpdatedAt; the in-memory copy
	// tracks message time so listings sort correctly without a rewrite.
	rec.header.UpdatedAt = msg.Timestamp
	return nil
}

func (s *FileStore) Messages(_ context.Context, key string, limit int, before time.Time) ([]*Message, error) {
	s.mu.RLock()
	rec, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errNotFound(key)
	}

	msgs, err := readMessages(rec.path)
	if err != nil {
		return nil, err
	}
	return filterMessages(msgs, limit, before), nil
}

func (s *FileStore) Close() error { return nil }

// filterMessages applies the before cutoff, then keeps the most recent
// limit entries, preserving oldest-first order.
func filterMessages(msgs []*Message, limit int, before time.Time) []*Message {
	if !before.IsZero() {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Timestamp.Before(before) {
				kept = append(kept, m)
			}
		}
		msgs = kept
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

func (s *FileStore) pathFor(k Key) string {
	dir := filepath.Join(s.root, SafeKey(k.Root))
	if k.IsSubagent() {
		return filepath.Join(dir, "subagent-"+k.SubagentID+".jsonl")
	}
	return filepath.Join(dir, SafeKey(k.Root)+".jsonl")
}

// loadAll indexes every session log under root. Unreadable files are
// skipped with a warning; a corrupt log should not block boot.
func (s *FileStore) loadAll() error {
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("scan sessions dir: %w", err)
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, d.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".jsonl" {
				continue
			}
			path := filepath.Join(s.root, d.Name(), f.Name())
			header, count, lastTS, err := scanLogFile(path)
			if err != nil {
				slog.Warn("skipping unreadable session log", "path", path, "error", err)
				continue
			}
			if lastTS.After(header.UpdatedAt) {
				header.UpdatedAt = lastTS
			}
			s.index[header.SessionKey] = &fileSession{header: header, msgCount: count, path: path}
		}
	}
	return nil
}

// scanLogFile reads a log's header and counts messages without keeping
// them in memory.
func scanLogFile(path string) (*Header, int, time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	if !sc.Scan() {
		return nil, 0, time.Time{}, fmt.Errorf("empty session log")
	}
	var header Header
	if err := json.Unmarshal(sc.Bytes(), &header); err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("parse header: %w", err)
	}

	count := 0
	var lastTS time.Time
	for sc.Scan() {
		var msg Message
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			// A torn trailing line from a crashed append is tolerated.
			slog.Warn("skipping corrupt session log line", "path", path, "line", count+2)
			continue
		}
		count++
		lastTS = msg.Timestamp
	}
	if err := sc.Err(); err != nil {
		return nil, 0, time.Time{}, err
	}
	return &header, count, lastTS, nil
}

func readMessages(path string) ([]*Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	if !sc.Scan() {
		return nil, fmt.Errorf("empty session log %s", path)
	}

	var msgs []*Message
	for sc.Scan() {
		var msg Message
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			slog.Warn("skipping corrupt session log line", "path", path)
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, sc.Err()
}

// writeLogFile replaces a session log atomically: header line, then one
// line per message.
func writeLogFile(path string, h *Header, msgs []*Message) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	if err := enc.Encode(h); err != nil {
		tmp.Close()
		return err
	}
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
