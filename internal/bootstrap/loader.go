package bootstrap

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultBudget is the per-file character ceiling applied on load.
const DefaultBudget = 20000

const truncationMarker = "\n\n[...truncated...]\n\n"

// Section is one loaded workspace file ready for prompt assembly.
type Section struct {
	Name    string
	Content string
}

// Loader reads workspace files with caching. A filesystem watcher drops
// cache entries when the underlying file changes, so edits show up on the
// next agent run without a restart.
type Loader struct {
	dir    string
	budget int

	mu    sync.RWMutex
	cache map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader builds a loader over the workspace directory.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:    dir,
		budget: DefaultBudget,
		cache:  make(map[string]string),
	}
}

// SetBudget overrides the per-file character budget. Zero or negative
// restores the default.
func (l *Loader) SetBudget(budget int) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	l.mu.Lock()
	l.budget = budget
	l.cache = make(map[string]string)
	l.mu.Unlock()
}

// Watch starts invalidating the cache on workspace file changes. Callers
// that skip Watch still get correct content, only staler.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return err
	}
	l.watcher = w
	l.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				name := filepath.Base(ev.Name)
				l.mu.Lock()
				if _, cached := l.cache[name]; cached {
					delete(l.cache, name)
					slog.Debug("workspace file changed", "file", name, "op", ev.Op.String())
				}
				l.mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("workspace watcher error", "error", err)
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	return l.watcher.Close()
}

// Load returns the truncated content of one workspace file. The second
// return is false when the file does not exist or is empty.
func (l *Loader) Load(name string) (string, bool) {
	l.mu.RLock()
	cached, ok := l.cache[name]
	budget := l.budget
	l.mu.RUnlock()
	if ok {
		return cached, cached != ""
	}

	raw, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("workspace file unreadable", "file", name, "error", err)
		}
		l.store(name, "")
		return "", false
	}

	content := Truncate(strings.TrimSpace(string(raw)), budget)
	l.store(name, content)
	return content, content != ""
}

func (l *Loader) store(name, content string) {
	l.mu.Lock()
	l.cache[name] = content
	l.mu.Unlock()
}

// Sections loads the ordered file set, skipping missing and empty files.
// Sub-agent sessions get the reduced allowlist.
func (l *Loader) Sections(subagent bool) []Section {
	names := Files()
	if subagent {
		names = SubagentFiles()
	}
	out := make([]Section, 0, len(names))
	for _, name := range names {
		if content, ok := l.Load(name); ok {
			out = append(out, Section{Name: name, Content: content})
		}
	}
	return out
}

// Truncate enforces a character budget keeping 70% from the head and 20%
// from the tail with a marker between. Content within budget is returned
// unchanged.
func Truncate(s string, budget int) string {
	if budget <= 0 {
		budget = DefaultBudget
	}
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	head := budget * 70 / 100
	tail := budget * 20 / 100
	return string(runes[:head]) + truncationMarker + string(runes[len(runes)-tail:])
}
