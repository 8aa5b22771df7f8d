package agent

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/vargoshq/vargos/internal/sessions"
	"github.com/vargoshq/vargos/pkg/wire"
)

// maxImageBytes is the safety limit for reading image attachments (10MB).
const maxImageBytes = 10 * 1024 * 1024

// LoadImageBlocks reads image attachments from disk into inline base64
// content blocks. Non-images and unreadable files are skipped with a warning.
func LoadImageBlocks(atts []wire.Attachment) []sessions.ContentBlock {
	if len(atts) == 0 {
		return nil
	}

	var blocks []sessions.ContentBlock
	for _, a := range atts {
		if a.Type != "image" {
			continue
		}
		mime := a.MimeType
		if mime == "" {
			mime = inferImageMime(a.Path)
		}
		if mime == "" {
			continue
		}

		data, err := os.ReadFile(a.Path)
		if err != nil {
			slog.Warn("vision: failed to read image attachment", "path", a.Path, "error", err)
			continue
		}
		if len(data) > maxImageBytes {
			slog.Warn("vision: image attachment too large, skipping", "path", a.Path, "size", len(data))
			continue
		}

		block := sessions.ImageBlock(mime, base64.StdEncoding.EncodeToString(data))
		block.Path = a.Path
		blocks = append(blocks, block)
	}
	return blocks
}

// SplitAttachments divides media into image attachments the model can see
// and placeholder text for everything else. Captions ride along either way.
func SplitAttachments(atts []wire.Attachment) (images []wire.Attachment, descriptors []string) {
	for _, a := range atts {
		if a.Type == "image" {
			images = append(images, a)
			if a.Caption != "" {
				descriptors = append(descriptors, a.Caption)
			}
			continue
		}
		descriptors = append(descriptors, DescribeAttachment(a))
	}
	return images, descriptors
}

// DescribeAttachment renders a non-image attachment as the text stand-in
// the model receives when no richer transform applies.
func DescribeAttachment(a wire.Attachment) string {
	var desc string
	switch a.Type {
	case "voice":
		if a.DurationS > 0 {
			desc = fmt.Sprintf("[Voice message, %ds]", a.DurationS)
		} else {
			desc = "[Voice message]"
		}
	case "video":
		desc = "[Video message]"
	case "file":
		if name := filepath.Base(a.Path); name != "" && name != "." {
			desc = fmt.Sprintf("[File: %s]", name)
		} else {
			desc = "[File]"
		}
	default:
		desc = fmt.Sprintf("[%s attachment]", a.Type)
	}
	if a.Caption != "" {
		desc += " " + a.Caption
	}
	return desc
}

// inferImageMime maps supported image extensions to MIME types, "" otherwise.
func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
