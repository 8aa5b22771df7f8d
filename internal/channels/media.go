package channels

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/vargoshq/vargos/internal/sessions"
	"github.com/vargoshq/vargos/pkg/wire"
)

const (
	// maxImageEdge is the largest width or height forwarded to vision
	// models; bigger images are downscaled before saving.
	maxImageEdge = 1568

	jpegQuality = 85
)

// extByMime maps the mime types adapters produce to file extensions.
var extByMime = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"audio/wav":       ".wav",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// ExtForMime returns the extension for a mime type, ".bin" when unknown.
// Parameters after ";" are ignored.
func ExtForMime(mimeType string) string {
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	mimeType = strings.TrimSpace(strings.ToLower(mimeType))
	if ext, ok := extByMime[mimeType]; ok {
		return ext
	}
	return ".bin"
}

// SaveMedia normalizes one raw attachment and writes it under the session's
// media directory as <unix ms>.<ext>. Images over maxImageEdge on a side
// are downscaled and re-encoded first.
func SaveMedia(root, sessionKey string, m *Media) (wire.Attachment, error) {
	data, mimeType := m.Data, m.MimeType
	if m.Type == "image" {
		data, mimeType = NormalizeImage(data, mimeType)
	}

	dir := filepath.Join(root, sessions.SafeKey(sessionKey))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return wire.Attachment{}, fmt.Errorf("create media dir: %w", err)
	}
	path, err := writeUnique(dir, ExtForMime(mimeType), data)
	if err != nil {
		return wire.Attachment{}, err
	}

	return wire.Attachment{
		Type:      m.Type,
		Path:      path,
		MimeType:  mimeType,
		Caption:   m.Caption,
		DurationS: m.DurationS,
	}, nil
}

// writeUnique writes data to <dir>/<unix ms>.<ext>, bumping a suffix when
// two attachments land in the same millisecond.
func writeUnique(dir, ext string, data []byte) (string, error) {
	base := time.Now().UnixMilli()
	for i := 0; ; i++ {
		name := fmt.Sprintf("%d%s", base, ext)
		if i > 0 {
			name = fmt.Sprintf("%d-%d%s", base, i, ext)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create media file: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write media file: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close media file: %w", err)
		}
		return path, nil
	}
}

// NormalizeImage downscales images whose longest edge exceeds maxImageEdge
// and re-encodes them as JPEG. Payloads that do not decode, or that already
// fit, pass through untouched.
func NormalizeImage(data []byte, mimeType string) ([]byte, string) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return data, mimeType
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxImageEdge && bounds.Dy() <= maxImageEdge {
		return data, mimeType
	}

	resized := imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		slog.Warn("image re-encode failed, keeping original", "error", err)
		return data, mimeType
	}
	return buf.Bytes(), "image/jpeg"
}
