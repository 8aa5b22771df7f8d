package channels

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "image/jpeg"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 10 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestNormalizeImageDownscales(t *testing.T) {
	data, mimeType := NormalizeImage(pngBytes(t, 2000, 500), "image/png")
	if mimeType != "image/jpeg" {
		t.Fatalf("mime = %q, want image/jpeg", mimeType)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode normalized image: %v", err)
	}
	if format != "jpeg" {
		t.Fatalf("format = %q, want jpeg", format)
	}
	if cfg.Width != maxImageEdge {
		t.Errorf("width = %d, want %d", cfg.Width, maxImageEdge)
	}
	if want := 500 * maxImageEdge / 2000; cfg.Height != want {
		t.Errorf("height = %d, want %d", cfg.Height, want)
	}
}

func TestNormalizeImageSmallPassthrough(t *testing.T) {
	orig := pngBytes(t, 300, 200)
	data, mimeType := NormalizeImage(orig, "image/png")
	if mimeType != "image/png" || !bytes.Equal(data, orig) {
		t.Fatal("small image should pass through untouched")
	}
}

func TestNormalizeImageBadPayloadPassthrough(t *testing.T) {
	orig := []byte("not an image")
	data, mimeType := NormalizeImage(orig, "image/png")
	if mimeType != "image/png" || !bytes.Equal(data, orig) {
		t.Fatal("undecodable payload should pass through untouched")
	}
}

func TestSaveMedia(t *testing.T) {
	root := t.TempDir()
	att, err := SaveMedia(root, "test:u1", &Media{
		Type:      "voice",
		Data:      []byte("opus"),
		MimeType:  "audio/ogg",
		DurationS: 7,
	})
	if err != nil {
		t.Fatalf("SaveMedia: %v", err)
	}
	if att.Type != "voice" || att.MimeType != "audio/ogg" || att.DurationS != 7 {
		t.Fatalf("attachment fields wrong: %+v", att)
	}
	if got := filepath.Dir(att.Path); got != filepath.Join(root, "test_u1") {
		t.Errorf("path dir = %q, want session-scoped subdir", got)
	}
	if !strings.HasSuffix(att.Path, ".ogg") {
		t.Errorf("path = %q, want .ogg extension", att.Path)
	}
	data, err := os.ReadFile(att.Path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "opus" {
		t.Fatalf("payload = %q, want original bytes", data)
	}
}

func TestSaveMediaUniqueNames(t *testing.T) {
	root := t.TempDir()
	m := &Media{Type: "file", Data: []byte("x"), MimeType: "application/pdf"}
	a1, err := SaveMedia(root, "test:u1", m)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	a2, err := SaveMedia(root, "test:u1", m)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if a1.Path == a2.Path {
		t.Fatalf("both saves landed on %q", a1.Path)
	}
}

func TestExtForMime(t *testing.T) {
	tests := []struct{ mime, want string }{
		{"image/png", ".png"},
		{"image/jpeg", ".jpg"},
		{"IMAGE/JPEG", ".jpg"},
		{"audio/ogg; codecs=opus", ".ogg"},
		{"application/pdf", ".pdf"},
		{"application/x-unknown", ".bin"},
		{"", ".bin"},
	}
	for _, tt := range tests {
		if got := ExtForMime(tt.mime); got != tt.want {
			t.Errorf("ExtForMime(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}
