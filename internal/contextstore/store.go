// Package contextstore persists the retrieval corpus: an ordered sequence of
// (source, text, embedding) records written and read as one JSON document.
package contextstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codecoach/internal/logging"
)

// Chunk is one retrievable fragment of a source document.
// Chunks are immutable once stored.
type Chunk struct {
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
}

// ErrDimensionMismatch is returned when a write would mix embedding
// dimensionalities within one store.
var ErrDimensionMismatch = errors.New("embedding dimensionality mismatch")

// Store is a file-backed context store.
//
// Writes are serialized by a mutex and land through a temporary file that
// is renamed over the target, so a concurrent reader sees either the old or
// the new store, never a partial one. Reads are cached by file identity.
type Store struct {
	path string

	writeMu sync.Mutex

	cacheMu   sync.RWMutex
	cached    []Chunk
	cachedMod time.Time
	cachedLen int64
}

// New returns a store persisted at path. The file need not exist.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the backing file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load returns the stored chunks in insertion order.
//
// A missing, unreadable or malformed file yields an empty store, never an
// error: the caller treats that as "rebuild needed". Individual records
// without an embedding, or whose dimensionality differs from the first
// valid record, are dropped. The returned slice is shared; callers must
// not modify it.
func (s *Store) Load() []Chunk {
	info, err := os.Stat(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.StoreWarn("context store stat failed: %v", err)
		}
		return nil
	}

	s.cacheMu.RLock()
	if s.cached != nil && info.ModTime().Equal(s.cachedMod) && info.Size() == s.cachedLen {
		chunks := s.cached
		s.cacheMu.RUnlock()
		return chunks
	}
	s.cacheMu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		logging.StoreWarn("context store read failed, treating as empty: %v", err)
		return nil
	}

	var raw []Chunk
	if err := json.Unmarshal(data, &raw); err != nil {
		logging.StoreWarn("context store %s is malformed, treating as empty: %v", s.path, err)
		return nil
	}

	chunks := sanitize(raw)

	s.cacheMu.Lock()
	s.cached = chunks
	s.cachedMod = info.ModTime()
	s.cachedLen = info.Size()
	s.cacheMu.Unlock()

	logging.StoreDebug("loaded %d chunks from %s", len(chunks), s.path)
	return chunks
}

func sanitize(raw []Chunk) []Chunk {
	chunks := make([]Chunk, 0, len(raw))
	dim := 0
	dropped := 0
	for _, c := range raw {
		if len(c.Embedding) == 0 {
			dropped++
			continue
		}
		if dim == 0 {
			dim = len(c.Embedding)
		}
		if len(c.Embedding) != dim {
			dropped++
			continue
		}
		chunks = append(chunks, c)
	}
	if dropped > 0 {
		logging.StoreWarn("dropped %d invalid context chunks", dropped)
	}
	return chunks
}

// Dimension returns the common embedding length of chunks, or 0 if empty.
// It returns ErrDimensionMismatch if chunks disagree.
func Dimension(chunks []Chunk) (int, error) {
	dim := 0
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			return 0, fmt.Errorf("chunk %d from %q: %w: empty embedding", i, c.Source, ErrDimensionMismatch)
		}
		if dim == 0 {
			dim = len(c.Embedding)
			continue
		}
		if len(c.Embedding) != dim {
			return 0, fmt.Errorf("chunk %d from %q has %d dimensions, store has %d: %w",
				i, c.Source, len(c.Embedding), dim, ErrDimensionMismatch)
		}
	}
	return dim, nil
}

// Replace atomically swaps the whole store for chunks.
func (s *Store) Replace(chunks []Chunk) error {
	if _, err := Dimension(chunks); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.write(chunks); err != nil {
		return err
	}
	logging.Store("context store replaced: %d chunks", len(chunks))
	return nil
}

// Append adds chunks after the existing ones and returns the new total.
// The appended chunks must match the store's dimensionality.
func (s *Store) Append(chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return len(s.Load()), nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing := s.Load()
	merged := make([]Chunk, 0, len(existing)+len(chunks))
	merged = append(merged, existing...)
	merged = append(merged, chunks...)
	if _, err := Dimension(merged); err != nil {
		return len(existing), err
	}

	if err := s.write(merged); err != nil {
		return len(existing), err
	}
	logging.Store("context store appended %d chunks (total %d)", len(chunks), len(merged))
	return len(merged), nil
}

// write must be called with writeMu held.
func (s *Store) write(chunks []Chunk) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	if chunks == nil {
		chunks = []Chunk{}
	}
	data, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("failed to encode context store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".context_store-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace context store: %w", err)
	}

	s.cacheMu.Lock()
	s.cached = nil
	s.cacheMu.Unlock()
	return nil
}
