package contextstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "data", "context_store.json"))
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	s := newStore(t)
	assert.False(t, s.Exists())
	assert.Empty(t, s.Load())
}

func TestLoad_MalformedFileIsEmpty(t *testing.T) {
	for name, content := range map[string]string{
		"garbage":    "not json at all",
		"object":     `{"source":"a.md"}`,
		"truncated":  `[{"source":"a.md","text":"x","embedding":[1,`,
		"wrong type": `[{"source":"a.md","text":"x","embedding":"abc"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0755))
			require.NoError(t, os.WriteFile(s.Path(), []byte(content), 0644))
			assert.Empty(t, s.Load())
		})
	}
}

func TestLoad_DropsInvalidRecords(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0755))
	data := `[
		{"source":"a.md","text":"one","embedding":[1,0]},
		{"source":"a.md","text":"no vector"},
		{"source":"b.md","text":"three dims","embedding":[1,0,0]},
		{"source":"b.md","text":"two","embedding":[0,1]}
	]`
	require.NoError(t, os.WriteFile(s.Path(), []byte(data), 0644))

	chunks := s.Load()
	require.Len(t, chunks, 2)
	assert.Equal(t, "one", chunks[0].Text)
	assert.Equal(t, "two", chunks[1].Text)
}

func TestReplaceThenLoad_PreservesOrder(t *testing.T) {
	s := newStore(t)
	in := []Chunk{
		{Source: "a.md", Text: "alpha", Embedding: []float32{1, 0}},
		{Source: "b.md", Text: "beta", Embedding: []float32{0, 1}},
		{Source: "a.md", Text: "gamma", Embedding: []float32{0.5, 0.5}},
	}
	require.NoError(t, s.Replace(in))
	assert.True(t, s.Exists())
	assert.Equal(t, in, s.Load())

	// On-disk format is a plain JSON array of {source, text, embedding}.
	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 3)
	assert.Contains(t, decoded[0], "source")
	assert.Contains(t, decoded[0], "text")
	assert.Contains(t, decoded[0], "embedding")
}

func TestReplace_RejectsMixedDimensions(t *testing.T) {
	s := newStore(t)
	err := s.Replace([]Chunk{
		{Source: "a", Text: "x", Embedding: []float32{1, 0}},
		{Source: "b", Text: "y", Embedding: []float32{1, 0, 0}},
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.False(t, s.Exists())
}

func TestReplace_EmptyWritesEmptyArray(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Replace(nil))
	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

func TestAppend(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Replace([]Chunk{{Source: "a", Text: "x", Embedding: []float32{1, 0}}}))

	total, err := s.Append([]Chunk{{Source: "b", Text: "y", Embedding: []float32{0, 1}}})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	chunks := s.Load()
	require.Len(t, chunks, 2)
	assert.Equal(t, "x", chunks[0].Text)
	assert.Equal(t, "y", chunks[1].Text)

	_, err = s.Append([]Chunk{{Source: "c", Text: "z", Embedding: []float32{1, 2, 3}}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Len(t, s.Load(), 2, "a rejected append leaves the store untouched")
}

func TestAppend_ToMissingStore(t *testing.T) {
	s := newStore(t)
	total, err := s.Append([]Chunk{{Source: "a", Text: "x", Embedding: []float32{1}}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Replace([]Chunk{{Source: "seed", Text: "seed", Embedding: []float32{1, 1}}}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				chunks := make([]Chunk, 5)
				for j := range chunks {
					chunks[j] = Chunk{Source: fmt.Sprintf("w%d", w), Text: fmt.Sprintf("%d-%d", i, j), Embedding: []float32{float32(w), 1}}
				}
				assert.NoError(t, s.Replace(chunks))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				chunks := s.Load()
				// Every observed store is one complete write.
				if len(chunks) != 1 {
					assert.Len(t, chunks, 5)
					for _, c := range chunks {
						assert.Equal(t, chunks[0].Source, c.Source)
					}
				}
			}
		}()
	}
	wg.Wait()

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(s.Path()), ".context_store-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDimension(t *testing.T) {
	dim, err := Dimension(nil)
	require.NoError(t, err)
	assert.Zero(t, dim)

	dim, err = Dimension([]Chunk{{Embedding: []float32{1, 2, 3}}})
	require.NoError(t, err)
	assert.Equal(t, 3, dim)

	_, err = Dimension([]Chunk{{Source: "x"}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
