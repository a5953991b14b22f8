// Package retrieval ranks context store chunks against a query by cosine
// similarity of their embeddings.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"codecoach/internal/contextstore"
	"codecoach/internal/corpus"
	"codecoach/internal/embedding"
	"codecoach/internal/logging"
)

// ErrUnavailable means retrieval could not run at all, as opposed to
// finding nothing relevant.
var ErrUnavailable = errors.New("retrieval unavailable")

// AdHocSource labels chunks cut from reference text supplied with a query.
const AdHocSource = "ad-hoc"

// DefaultTopK is the number of chunks a query returns.
const DefaultTopK = 4

// Query is the input of a retrieval.
type Query struct {
	Text string
	// ReferenceText, when non-blank, replaces the persistent store with a
	// transient corpus cut from this text.
	ReferenceText string
}

// Scored is one ranked chunk.
type Scored struct {
	Rank   int     `json:"rank"`
	Score  float64 `json:"score"`
	Text   string  `json:"text"`
	Source string  `json:"source"`
}

// Result is a ranked selection of chunks, best first.
type Result struct {
	Chunks []Scored `json:"chunks"`
}

// Joined renders the chunks for prompt injection.
func (r *Result) Joined() string {
	if r == nil {
		return ""
	}
	parts := make([]string, len(r.Chunks))
	for i, c := range r.Chunks {
		parts[i] = fmt.Sprintf("[Chunk %d | %s] %s", c.Rank, c.Source, c.Text)
	}
	return strings.Join(parts, "\n\n")
}

// Display returns the chunks with scores rounded to three decimals.
func (r *Result) Display() []Scored {
	if r == nil {
		return nil
	}
	out := make([]Scored, len(r.Chunks))
	for i, c := range r.Chunks {
		c.Score = math.Round(c.Score*1000) / 1000
		out[i] = c
	}
	return out
}

// Rank scores every chunk against query and returns the best k, score
// descending. Equal scores keep store order. A non-positive k means
// DefaultTopK.
func Rank(query []float32, chunks []contextstore.Chunk, k int) []Scored {
	if k <= 0 {
		k = DefaultTopK
	}

	scored := make([]Scored, len(chunks))
	for i, c := range chunks {
		scored[i] = Scored{
			Score:  embedding.CosineSimilarity(query, c.Embedding),
			Text:   c.Text,
			Source: c.Source,
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	for i := range scored {
		scored[i].Rank = i + 1
	}
	return scored
}

// Options configure a Ranker.
type Options struct {
	TopK      int
	SourceDir string
}

// Ranker answers queries against the context store, rebuilding it from
// SourceDir when it is empty.
type Ranker struct {
	builder *corpus.Builder
	engine  embedding.Engine
	opts    Options
}

// NewRanker creates a Ranker. The builder supplies the store, the chunking
// parameters and the rebuild path; engine embeds queries.
func NewRanker(builder *corpus.Builder, engine embedding.Engine, opts Options) *Ranker {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	return &Ranker{builder: builder, engine: engine, opts: opts}
}

// Retrieve returns the chunks most similar to q.Text.
//
// The result is nil with a nil error when there is no corpus to search even
// after a rebuild. Blank query text, an embedding failure or a failed
// rebuild return an error wrapping ErrUnavailable.
func (r *Ranker) Retrieve(ctx context.Context, q Query) (*Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrUnavailable)
	}

	timer := logging.StartTimer(logging.CategoryRetrieval, "Retrieve")
	defer timer.Stop()

	chunks, err := r.corpus(ctx, q.ReferenceText)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		logging.RetrievalWarn("no context available for query")
		return nil, nil
	}

	vec, err := r.engine.Embed(ctx, q.Text, embedding.ModeQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %w", ErrUnavailable, err)
	}

	ranked := Rank(vec, chunks, r.opts.TopK)
	logging.Retrieval("ranked %d of %d chunks", len(ranked), len(chunks))
	for _, c := range ranked {
		logging.RetrievalDebug("rank %d score %.4f source %s", c.Rank, c.Score, c.Source)
	}
	return &Result{Chunks: ranked}, nil
}

// corpus returns the chunks a query is ranked against.
func (r *Ranker) corpus(ctx context.Context, reference string) ([]contextstore.Chunk, error) {
	if strings.TrimSpace(reference) != "" {
		pieces := r.builder.Split(AdHocSource, reference)
		chunks, err := r.builder.Embed(ctx, pieces, 1)
		if err != nil {
			return nil, fmt.Errorf("%w: embedding reference text: %w", ErrUnavailable, err)
		}
		logging.RetrievalDebug("using %d ad-hoc chunks", len(chunks))
		return chunks, nil
	}

	store := r.builder.Store()
	chunks := store.Load()
	if len(chunks) > 0 {
		return chunks, nil
	}

	if r.opts.SourceDir == "" {
		return nil, nil
	}
	logging.Retrieval("context store empty, rebuilding from %s", r.opts.SourceDir)
	if _, err := r.builder.Rebuild(ctx, r.opts.SourceDir); err != nil {
		return nil, fmt.Errorf("%w: rebuilding store: %w", ErrUnavailable, err)
	}
	return store.Load(), nil
}
