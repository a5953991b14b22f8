package chunker

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_Windows(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []string
	}{
		{"blank", "   \n\t", 4, 1, nil},
		{"shorter than size", "  abc ", 4, 1, []string{"abc"}},
		{"stride size minus overlap", "abcdefghij", 4, 1, []string{"abcd", "defg", "ghij"}},
		{"short last window", "abcdefghijk", 4, 1, []string{"abcd", "defg", "ghij", "jk"}},
		{"no overlap", "abcdefgh", 3, 0, []string{"abc", "def", "gh"}},
		{"overlap equal to size", "abcdefgh", 3, 3, []string{"abc", "def", "gh"}},
		{"overlap larger than size", "abcdefgh", 3, 9, []string{"abc", "def", "gh"}},
		{"negative overlap", "abcdefgh", 3, -2, []string{"abc", "def", "gh"}},
		{"non-positive size", "abcdefgh", 0, 0, []string{"abcdefgh"}},
		{"runes not bytes", "héllo wörld", 5, 0, []string{"héllo", " wörl", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunk(tt.text, tt.size, tt.overlap)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Chunk() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestChunk_Deterministic(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 200)
	first := Chunk(text, DefaultSize, DefaultOverlap)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Chunk(text, DefaultSize, DefaultOverlap))
	}
}

func TestChunk_AdvancesAndCoversText(t *testing.T) {
	text := strings.Repeat("0123456789", 97)
	for _, p := range []struct{ size, overlap int }{{50, 10}, {50, 49}, {50, 50}, {50, 500}, {7, 0}} {
		chunks := Chunk(text, p.size, p.overlap)
		require.NotEmpty(t, chunks)

		stride := p.size - p.overlap
		if stride <= 0 {
			stride = p.size
		}
		// Every window starts where the stride says and stays within size.
		for i, c := range chunks {
			start := i * stride
			assert.LessOrEqual(t, len(c), p.size)
			assert.Equal(t, text[start:start+len(c)], c)
		}
		last := chunks[len(chunks)-1]
		assert.True(t, strings.HasSuffix(text, last), "last window must reach the end")
		assert.LessOrEqual(t, len(chunks), len(text)/stride+1)
	}
}

func TestChunk_RechunkingIsStable(t *testing.T) {
	text := strings.Repeat("lorem ipsum ", 300)
	once := Chunk(strings.Join(Chunk(text, 100, 0), ""), 100, 0)
	assert.Equal(t, Chunk(text, 100, 0), once)
}

func TestCap(t *testing.T) {
	assert.Equal(t, "abc", Cap("  abcdef  ", 3))
	assert.Equal(t, "abcdef", Cap("abcdef", 0))
	assert.Equal(t, "äö", Cap("äöü", 2))
}
