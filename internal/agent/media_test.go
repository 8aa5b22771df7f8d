package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vargoshq/vargos/pkg/wire"
)

func TestDescribeAttachment(t *testing.T) {
	tests := []struct {
		name string
		att  wire.Attachment
		want string
	}{
		{"voice with duration", wire.Attachment{Type: "voice", DurationS: 42}, "[Voice message, 42s]"},
		{"voice without duration", wire.Attachment{Type: "voice"}, "[Voice message]"},
		{"video", wire.Attachment{Type: "video"}, "[Video message]"},
		{"file with path", wire.Attachment{Type: "file", Path: "/data/media/report.pdf"}, "[File: report.pdf]"},
		{"file without path", wire.Attachment{Type: "file"}, "[File]"},
		{"unknown type", wire.Attachment{Type: "sticker"}, "[sticker attachment]"},
		{"caption rides along", wire.Attachment{Type: "video", Caption: "the demo"}, "[Video message] the demo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DescribeAttachment(tt.att); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitAttachments(t *testing.T) {
	images, descriptors := SplitAttachments([]wire.Attachment{
		{Type: "image", Path: "a.png", Caption: "whiteboard"},
		{Type: "voice", DurationS: 3},
		{Type: "image", Path: "b.jpg"},
	})
	if len(images) != 2 || images[0].Path != "a.png" || images[1].Path != "b.jpg" {
		t.Errorf("images = %+v", images)
	}
	want := []string{"whiteboard", "[Voice message, 3s]"}
	if len(descriptors) != len(want) {
		t.Fatalf("descriptors = %v", descriptors)
	}
	for i := range want {
		if descriptors[i] != want[i] {
			t.Errorf("descriptor[%d] = %q, want %q", i, descriptors[i], want[i])
		}
	}
}

func TestLoadImageBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shot.png")
	if err := os.WriteFile(path, []byte("not-really-a-png"), 0o644); err != nil {
		t.Fatal(err)
	}

	blocks := LoadImageBlocks([]wire.Attachment{
		{Type: "image", Path: path},
		{Type: "voice", Path: path},
		{Type: "image", Path: filepath.Join(dir, "missing.png")},
		{Type: "image", Path: filepath.Join(dir, "noext")},
	})
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1 (non-images and unreadable files skipped)", len(blocks))
	}
	b := blocks[0]
	if b.MediaType != "image/png" || b.Path != path || b.Data == "" {
		t.Errorf("block = %+v", b)
	}
	if strings.Contains(b.Data, "not-really") {
		t.Error("data must be base64, not raw bytes")
	}
}

func TestInferImageMime(t *testing.T) {
	cases := map[string]string{
		"photo.JPG":  "image/jpeg",
		"photo.jpeg": "image/jpeg",
		"chart.png":  "image/png",
		"anim.gif":   "image/gif",
		"frame.webp": "image/webp",
		"notes.txt":  "",
		"noext":      "",
	}
	for path, want := range cases {
		if got := inferImageMime(path); got != want {
			t.Errorf("inferImageMime(%q) = %q, want %q", path, got, want)
		}
	}
}
