package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxReadBytes bounds read_file output so one giant file cannot blow the
// provider context.
const maxReadBytes = 256 * 1024

// ReadFileTool reads a file under the working directory.
type ReadFileTool struct{}

func (ReadFileTool) Name() string        { return "read_file" }
func (ReadFileTool) Description() string { return "Read the contents of a file" }
func (ReadFileTool) Schema() *Schema {
	return Object(map[string]*Schema{
		"path": String("Path to the file, relative to the working directory"),
	}, "path")
}

func (ReadFileTool) Execute(_ context.Context, args map[string]any, tc ToolContext) (*Result, error) {
	path, _ := args["path"].(string)
	resolved, err := resolvePath(path, tc.WorkingDir)
	if err != nil {
		return Errorf("%v", err), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return Errorf("read %s: %v", path, err), nil
	}
	if len(data) > maxReadBytes {
		head := data[:maxReadBytes]
		return TextResult(fmt.Sprintf("%s\n[...file truncated at %d bytes...]", head, maxReadBytes)), nil
	}
	return TextResult(string(data)), nil
}

// WriteFileTool writes a file under the working directory, creating parent
// directories as needed.
type WriteFileTool struct{}

func (WriteFileTool) Name() string        { return "write_file" }
func (WriteFileTool) Description() string { return "Write content to a file, replacing what was there" }
func (WriteFileTool) Schema() *Schema {
	return Object(map[string]*Schema{
		"path":    String("Path to the file, relative to the working directory"),
		"content": String("Full content to write"),
	}, "path", "content")
}

func (WriteFileTool) Execute(_ context.Context, args map[string]any, tc ToolContext) (*Result, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	resolved, err := resolvePath(path, tc.WorkingDir)
	if err != nil {
		return Errorf("%v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Errorf("write %s: %v", path, err), nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return Errorf("write %s: %v", path, err), nil
	}
	return TextResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

// ListDirTool lists a directory under the working directory.
type ListDirTool struct{}

func (ListDirTool) Name() string        { return "list_dir" }
func (ListDirTool) Description() string { return "List the entries of a directory" }
func (ListDirTool) Schema() *Schema {
	return Object(map[string]*Schema{
		"path": String("Directory path, relative to the working directory (default: the working directory)"),
	})
}

func (ListDirTool) Execute(_ context.Context, args map[string]any, tc ToolContext) (*Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(path, tc.WorkingDir)
	if err != nil {
		return Errorf("%v", err), nil
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return Errorf("list %s: %v", path, err), nil
	}

	type entry struct {
		Name  string `json:"name"`
		Dir   bool   `json:"dir,omitempty"`
		Bytes int64  `json:"bytes,omitempty"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		item := entry{Name: e.Name(), Dir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			item.Bytes = info.Size()
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	body, _ := json.Marshal(map[string]any{"path": path, "entries": out, "count": len(out)})
	return TextResult(string(body)), nil
}

// resolvePath joins path with the working directory and rejects anything
// that lands outside it after symlink resolution.
func resolvePath(path, workdir string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if workdir == "" {
		return "", fmt.Errorf("no working directory configured")
	}

	resolved := filepath.Clean(path)
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Clean(filepath.Join(workdir, path))
	}

	absWork, err := filepath.Abs(workdir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	workReal, err := filepath.EvalSymlinks(absWork)
	if err != nil {
		workReal = absWork
	}

	// Canonicalize the target. Paths that do not exist yet resolve through
	// their deepest existing ancestor so a symlinked parent cannot escape.
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("access denied: cannot resolve %s", path)
		}
		ancestor := filepath.Dir(resolved)
		var missing []string
		missing = append(missing, filepath.Base(resolved))
		for {
			parentReal, perr := filepath.EvalSymlinks(ancestor)
			if perr == nil {
				real = filepath.Join(append([]string{parentReal}, reverse(missing)...)...)
				break
			}
			if !os.IsNotExist(perr) {
				return "", fmt.Errorf("access denied: cannot resolve %s", path)
			}
			next := filepath.Dir(ancestor)
			if next == ancestor {
				real = resolved
				break
			}
			missing = append(missing, filepath.Base(ancestor))
			ancestor = next
		}
	}

	if !isPathInside(real, workReal) {
		return "", fmt.Errorf("access denied: %s is outside the working directory", path)
	}
	return real, nil
}

// isPathInside checks whether child is inside or equal to parent.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

func reverse(s []string) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}
