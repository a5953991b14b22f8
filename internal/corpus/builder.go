// Package corpus turns documents into context store chunks: it extracts
// text per file type, chunks it, embeds every chunk in document mode and
// writes the result through contextstore.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"codecoach/internal/chunker"
	"codecoach/internal/contextstore"
	"codecoach/internal/embedding"
	"codecoach/internal/logging"
)

// ErrEmptyText is returned by Ingest when there is nothing to chunk.
var ErrEmptyText = errors.New("no reference text provided for ingestion")

// RebuildStats summarizes a directory rebuild.
type RebuildStats struct {
	ChunksAdded      int `json:"chunks_added"`
	TotalChunks      int `json:"total_chunks"`
	SourcesProcessed int `json:"sources_processed"`
}

// IngestStats summarizes an incremental append.
type IngestStats struct {
	ChunksAdded int `json:"chunks_added"`
	TotalChunks int `json:"total_chunks"`
}

// Progress is reported while a rebuild embeds chunks.
type Progress struct {
	Source      string
	ChunksDone  int
	ChunksTotal int
	Sources     int
}

// Options tune chunking and embedding fan-out.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	MaxChars     int
	Workers      int

	// OnProgress, if set, is called after each embedded chunk. It may be
	// called from several goroutines.
	OnProgress func(Progress)
}

// DefaultOptions mirrors the default retrieval configuration.
func DefaultOptions() Options {
	return Options{
		ChunkSize:    chunker.DefaultSize,
		ChunkOverlap: chunker.DefaultOverlap,
		MaxChars:     20000,
		Workers:      4,
	}
}

// Builder rebuilds and extends a context store.
type Builder struct {
	store  *contextstore.Store
	engine embedding.Engine
	opts   Options
	group  singleflight.Group
}

// NewBuilder creates a Builder writing to store and embedding with engine.
func NewBuilder(store *contextstore.Store, engine embedding.Engine, opts Options) *Builder {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Builder{store: store, engine: engine, opts: opts}
}

// Store returns the store the builder writes to.
func (b *Builder) Store() *contextstore.Store {
	return b.store
}

// Piece is a chunk of text awaiting its embedding.
type Piece struct {
	Source string
	Text   string
}

// Split caps text, chunks it and labels every chunk with source.
func (b *Builder) Split(source, text string) []Piece {
	capped := chunker.Cap(text, b.opts.MaxChars)
	texts := chunker.Chunk(capped, b.opts.ChunkSize, b.opts.ChunkOverlap)
	pieces := make([]Piece, len(texts))
	for i, t := range texts {
		pieces[i] = Piece{Source: source, Text: t}
	}
	return pieces
}

// Embed embeds pieces in document mode with bounded concurrency and returns
// chunks in the order of pieces. The first failure cancels the rest.
func (b *Builder) Embed(ctx context.Context, pieces []Piece, sources int) ([]contextstore.Chunk, error) {
	return EmbedAll(ctx, b.engine, pieces, b.opts.Workers, func(done int, p Piece) {
		if b.opts.OnProgress != nil {
			b.opts.OnProgress(Progress{Source: p.Source, ChunksDone: done, ChunksTotal: len(pieces), Sources: sources})
		}
	})
}

// EmbedAll embeds pieces in document mode using up to workers concurrent
// calls. Results keep the order of pieces. onDone, if non-nil, receives the
// running count of finished pieces.
func EmbedAll(ctx context.Context, engine embedding.Engine, pieces []Piece, workers int, onDone func(int, Piece)) ([]contextstore.Chunk, error) {
	if workers <= 0 {
		workers = 1
	}
	chunks := make([]contextstore.Chunk, len(pieces))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range pieces {
		g.Go(func() error {
			vec, err := engine.Embed(gctx, p.Text, embedding.ModeDocument)
			if err != nil {
				return fmt.Errorf("embedding chunk %d of %s: %w", i, p.Source, err)
			}
			chunks[i] = contextstore.Chunk{Source: p.Source, Text: p.Text, Embedding: vec}
			if onDone != nil {
				onDone(int(done.Add(1)), p)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// Rebuild replaces the store with the chunks of every allowed file in dir.
//
// Files are read in name order; subdirectories are not descended. A
// missing directory yields zero stats and leaves the store as it is. If any
// embedding fails the store is not touched. Concurrent calls for the same
// directory share one run. The shared run is not canceled with any one
// caller's ctx; each caller stops waiting when its own ctx is done.
func (b *Builder) Rebuild(ctx context.Context, dir string) (RebuildStats, error) {
	shared := context.WithoutCancel(ctx)
	ch := b.group.DoChan(filepath.Clean(dir), func() (interface{}, error) {
		return b.rebuild(shared, dir)
	})
	select {
	case <-ctx.Done():
		return RebuildStats{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			logging.CorpusDebug("rebuild of %s shared with a concurrent caller", dir)
		}
		if res.Err != nil {
			return RebuildStats{}, res.Err
		}
		return res.Val.(RebuildStats), nil
	}
}

func (b *Builder) rebuild(ctx context.Context, dir string) (stats RebuildStats, err error) {
	timer := logging.StartTimer(logging.CategoryCorpus, "Rebuild")
	defer func() {
		logging.Audit().Rebuild(dir, stats.TotalChunks, stats.SourcesProcessed, timer.Stop(), err)
	}()

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		logging.CorpusWarn("context source dir %s not found, nothing to rebuild", dir)
		return RebuildStats{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return RebuildStats{}, fmt.Errorf("failed to read source dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var pieces []Piece
	sources := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !Allowed(entry.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logging.CorpusWarn("skipping unreadable source %s: %v", entry.Name(), err)
			continue
		}
		filePieces := b.Split(entry.Name(), ExtractText(entry.Name(), raw))
		if len(filePieces) == 0 {
			continue
		}
		sources++
		pieces = append(pieces, filePieces...)
		logging.CorpusDebug("source %s: %d chunks", entry.Name(), len(filePieces))
	}

	chunks, err := b.Embed(ctx, pieces, sources)
	if err != nil {
		logging.CorpusError("rebuild aborted: %v", err)
		return RebuildStats{}, err
	}
	if err := b.store.Replace(chunks); err != nil {
		return RebuildStats{}, err
	}

	stats = RebuildStats{ChunksAdded: len(chunks), TotalChunks: len(chunks), SourcesProcessed: sources}
	logging.Corpus("rebuild of %s complete: %d chunks from %d sources", dir, stats.TotalChunks, stats.SourcesProcessed)
	return stats, nil
}

// Ingest appends the chunks of one reference text to the store.
func (b *Builder) Ingest(ctx context.Context, source, text string) (stats IngestStats, err error) {
	defer func() { logging.Audit().Ingest(source, stats.ChunksAdded, err) }()

	pieces := b.Split(source, text)
	if len(pieces) == 0 {
		return IngestStats{}, ErrEmptyText
	}

	chunks, err := b.Embed(ctx, pieces, 1)
	if err != nil {
		return IngestStats{}, err
	}
	total, err := b.store.Append(chunks)
	if err != nil {
		return IngestStats{}, err
	}

	logging.Corpus("ingested %d chunks from %s (total %d)", len(chunks), source, total)
	return IngestStats{ChunksAdded: len(chunks), TotalChunks: total}, nil
}

// IngestFile extracts a document by its extension and ingests it under its
// base name.
func (b *Builder) IngestFile(ctx context.Context, path string) (IngestStats, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return IngestStats{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	name := filepath.Base(path)
	return b.Ingest(ctx, name, ExtractText(name, raw))
}
