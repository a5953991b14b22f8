// Package embeddingtest provides a deterministic in-memory embedding engine
// for tests of packages that consume embedding.Engine.
package embeddingtest

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"codecoach/internal/embedding"
)

// Call records one Embed invocation.
type Call struct {
	Text string
	Mode embedding.Mode
}

// Fake returns fixed vectors for known texts and a hash-derived vector for
// everything else. Set Err to make every call fail.
type Fake struct {
	Vectors map[string][]float32
	Dim     int
	Err     error

	mu    sync.Mutex
	calls []Call
}

// New creates a Fake producing dim-length vectors.
func New(dim int) *Fake {
	return &Fake{Vectors: make(map[string][]float32), Dim: dim}
}

// Embed implements embedding.Engine.
func (f *Fake) Embed(ctx context.Context, text string, mode embedding.Mode) ([]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Text: text, Mode: mode})
	err := f.Err
	vec, ok := f.Vectors[text]
	f.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("fake: %w: %w", embedding.ErrUnavailable, err)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("fake: %w: %w", embedding.ErrUnavailable, ctx.Err())
	}
	if ok {
		return append([]float32(nil), vec...), nil
	}
	return hashVector(text, f.Dim), nil
}

// Name implements embedding.Engine.
func (f *Fake) Name() string { return "fake" }

// Calls returns a copy of the recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func hashVector(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 8
	}
	vec := make([]float32, dim)
	for i := range vec {
		h := fnv.New32a()
		fmt.Fprintf(h, "%d:%s", i, text)
		vec[i] = float32(h.Sum32()%1000)/1000 + 0.001
	}
	return vec
}
