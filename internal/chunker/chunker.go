// Package chunker splits document text into overlapping fixed-size windows,
// the unit of retrieval for the context store.
package chunker

import "strings"

const (
	// DefaultSize is the window length in characters.
	DefaultSize = 1200
	// DefaultOverlap is how many characters consecutive windows share.
	DefaultOverlap = 150
)

// Chunk splits text into windows of at most size characters, each starting
// size-overlap characters after the previous one. Characters are runes, so
// multi-byte text is never split inside a code point.
//
// The text is trimmed first; blank text yields nil. When overlap is negative
// or not smaller than size the stride falls back to size, so the cursor
// always moves forward. A non-positive size returns the whole trimmed text
// as one window.
func Chunk(text string, size, overlap int) []string {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return nil
	}

	runes := []rune(cleaned)
	if size <= 0 || len(runes) <= size {
		return []string{cleaned}
	}

	stride := size - overlap
	if overlap < 0 || stride <= 0 {
		stride = size
	}

	chunks := make([]string, 0, len(runes)/stride+1)
	for cursor := 0; cursor < len(runes); cursor += stride {
		end := cursor + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[cursor:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// Cap trims text and truncates it to at most limit characters.
// A non-positive limit disables truncation.
func Cap(text string, limit int) string {
	cleaned := strings.TrimSpace(text)
	if limit <= 0 {
		return cleaned
	}
	runes := []rune(cleaned)
	if len(runes) <= limit {
		return cleaned
	}
	return string(runes[:limit])
}
