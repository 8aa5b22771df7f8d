package channels

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkLimit is the reply ceiling used when the provider has no
// tighter one.
const DefaultChunkLimit = 4000

// SplitMessage splits text into chunks of at most limit runes. Cuts prefer
// paragraph boundaries, then line boundaries, and stay out of fenced code
// blocks unless a fence alone exceeds the limit. Concatenating the chunks
// reproduces text exactly.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	if text == "" {
		return nil
	}
	var chunks []string
	rest := text
	for {
		head, tail := splitOnce(rest, limit)
		chunks = append(chunks, head)
		if tail == "" {
			return chunks
		}
		rest = tail
	}
}

// splitOnce cuts one chunk of at most limit runes off the front of s.
func splitOnce(s string, limit int) (head, tail string) {
	if utf8.RuneCountInString(s) <= limit {
		return s, ""
	}

	// Byte length of the first limit runes.
	window := len(s)
	n := 0
	for i := range s {
		if n == limit {
			window = i
			break
		}
		n++
	}

	// Walk the window's lines tracking fence state and remember the last
	// cut candidates sitting outside a fence. A cut lands just past the
	// newline so no character is lost.
	inFence := false
	fenceStart := -1
	lastPara := -1
	lastLine := -1
	lineStart := 0
	for i := 0; i < window; i++ {
		if s[i] != '\n' {
			continue
		}
		line := s[lineStart:i]
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inFence {
				inFence, fenceStart = false, -1
			} else {
				inFence, fenceStart = true, lineStart
			}
		}
		if !inFence {
			lastLine = i + 1
			if strings.TrimSpace(line) == "" {
				lastPara = i + 1
			}
		}
		lineStart = i + 1
	}

	// Boundary cuts only count past the window midpoint so chunks never
	// degenerate into slivers.
	switch {
	case lastPara > window/2:
		return s[:lastPara], s[lastPara:]
	case lastLine > window/2:
		return s[:lastLine], s[lastLine:]
	case inFence && fenceStart > 0:
		// Hand the whole fence to the next chunk.
		return s[:fenceStart], s[fenceStart:]
	default:
		return s[:window], s[window:]
	}
}
