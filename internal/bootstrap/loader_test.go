package bootstrap

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestTruncate(t *testing.T) {
	t.Run("within budget unchanged", func(t *testing.T) {
		s := strings.Repeat("a", 100)
		if got := Truncate(s, 100); got != s {
			t.Errorf("content changed: %d chars", len(got))
		}
	})

	t.Run("over budget keeps head and tail", func(t *testing.T) {
		s := strings.Repeat("h", 500) + strings.Repeat("t", 500)
		got := Truncate(s, 100)

		if !strings.Contains(got, "[...truncated...]") {
			t.Fatal("marker missing")
		}
		parts := strings.Split(got, truncationMarker)
		if len(parts) != 2 {
			t.Fatalf("parts = %d", len(parts))
		}
		if len(parts[0]) != 70 || parts[0] != strings.Repeat("h", 70) {
			t.Errorf("head = %d chars", len(parts[0]))
		}
		if len(parts[1]) != 20 || parts[1] != strings.Repeat("t", 20) {
			t.Errorf("tail = %d chars", len(parts[1]))
		}
	})

	t.Run("multibyte safe", func(t *testing.T) {
		s := strings.Repeat("ä", 300)
		got := Truncate(s, 100)
		for _, r := range got {
			if r != 'ä' && !strings.ContainsRune(truncationMarker, r) {
				t.Fatalf("corrupt rune %q", r)
			}
		}
	})
}

func TestLoaderSections(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write(IdentityFile, "I am the agent.")
	write(ToolsFile, "Prefer the notes directory.")
	write(MemoryFile, "")
	write(UserFile, "   \n  ")

	l := NewLoader(dir)

	full := l.Sections(false)
	names := make([]string, 0, len(full))
	for _, s := range full {
		names = append(names, s.Name)
	}
	// Missing and blank files are skipped; order follows the fixed set.
	want := []string{IdentityFile, ToolsFile}
	if !slices.Equal(names, want) {
		t.Errorf("full sections = %v, want %v", names, want)
	}

	sub := l.Sections(true)
	if len(sub) != 2 || sub[0].Name != IdentityFile || sub[1].Name != ToolsFile {
		t.Errorf("subagent sections = %+v", sub)
	}

	if _, ok := l.Load(HeartbeatFile); ok {
		t.Error("missing file reported present")
	}
}

func TestLoaderBudget(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("x", 500)
	if err := os.WriteFile(filepath.Join(dir, SkillsFile), []byte(big), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(dir)
	l.SetBudget(100)

	content, ok := l.Load(SkillsFile)
	if !ok {
		t.Fatal("file not loaded")
	}
	if !strings.Contains(content, "[...truncated...]") {
		t.Error("budget not applied")
	}
	if len([]rune(content)) > 100+len([]rune(truncationMarker)) {
		t.Errorf("content too long: %d runes", len([]rune(content)))
	}
}

func TestLoaderWatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, UserFile)
	if err := os.WriteFile(path, []byte("first"), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(dir)
	if err := l.Watch(); err != nil {
		t.Skipf("watcher unavailable: %v", err)
	}
	defer l.Close()

	if got, _ := l.Load(UserFile); got != "first" {
		t.Fatalf("initial load = %q", got)
	}

	if err := os.WriteFile(path, []byte("second"), 0644); err != nil {
		t.Fatal(err)
	}

	// The watcher delivers asynchronously; poll until the cache drops.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := l.Load(UserFile); got == "second" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("cache never invalidated after write")
}

func TestEnsureWorkspaceFiles(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("EnsureWorkspaceFiles: %v", err)
	}
	// Brand-new workspace gets the full set plus BOOTSTRAP.md.
	if len(created) != len(seedFiles)+1 {
		t.Errorf("created = %v", created)
	}
	if !slices.Contains(created, BootstrapFile) {
		t.Error("BOOTSTRAP.md not seeded for new workspace")
	}

	// Existing files are never overwritten.
	identity := filepath.Join(dir, IdentityFile)
	if err := os.WriteFile(identity, []byte("custom"), 0644); err != nil {
		t.Fatal(err)
	}
	os.Remove(filepath.Join(dir, BootstrapFile))

	created, err = EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("second run created %v", created)
	}
	raw, _ := os.ReadFile(identity)
	if string(raw) != "custom" {
		t.Error("existing file overwritten")
	}
}
