package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"codecoach/cmd/coach/ui"
	"codecoach/internal/corpus"
	"codecoach/internal/retrieval"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	rebuildWatch bool
	rebuildTUI   bool

	ingestSource string

	retrieveReference string
	jsonOutput        bool
)

// rebuildCmd re-indexes the source directory
var rebuildCmd = &cobra.Command{
	Use:   "rebuild [dir]",
	Short: "Rebuild the context store from a directory of documents",
	Long: `Extracts text from every .txt, .md, .html, .ipynb, .json and .pdf file
in the source directory, splits it into overlapping chunks, embeds them
and replaces the context store.

With --watch the store is rebuilt again whenever a source file changes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRebuild,
}

// ingestCmd appends one document
var ingestCmd = &cobra.Command{
	Use:   "ingest <file|->",
	Short: "Append a document to the context store",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

// retrieveCmd queries the context store
var retrieveCmd = &cobra.Command{
	Use:   "retrieve <query>",
	Short: "Show the reference chunks most relevant to a query",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetrieve,
}

func init() {
	rebuildCmd.Flags().BoolVar(&rebuildWatch, "watch", false, "Keep rebuilding when source files change")
	rebuildCmd.Flags().BoolVar(&rebuildTUI, "tui", false, "Show a progress bar")

	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "Source label (default: file name)")

	retrieveCmd.Flags().StringVar(&retrieveReference, "reference", "", "Search this file instead of the context store")
	retrieveCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func sourceDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.Retrieval.SourceDir
}

func printStats(stats corpus.RebuildStats) {
	fmt.Printf("Indexed %d chunks from %d sources\n", stats.TotalChunks, stats.SourcesProcessed)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	dir := sourceDir(args)

	var (
		stack *contextStack
		stats corpus.RebuildStats
		err   error
	)
	if rebuildTUI {
		stats, err = ui.RunRebuild(ctx, func(ctx context.Context, onProgress func(corpus.Progress)) (corpus.RebuildStats, error) {
			s, err := newContextStack(ctx, cfg, onProgress)
			if err != nil {
				return corpus.RebuildStats{}, err
			}
			stack = s
			return s.builder.Rebuild(ctx, dir)
		})
	} else {
		if stack, err = newContextStack(ctx, cfg, nil); err != nil {
			return err
		}
		stats, err = stack.builder.Rebuild(ctx, dir)
	}
	if err != nil {
		return fmt.Errorf("rebuild failed: %w", err)
	}
	printStats(stats)

	if !rebuildWatch {
		return nil
	}
	fmt.Printf("Watching %s (Ctrl+C to stop)\n", dir)
	return stack.builder.Watch(ctx, dir, cfg.GetWatchDebounce(), func(stats corpus.RebuildStats, err error) {
		if err != nil {
			logger.Warn("rebuild after change failed", zap.Error(err))
			return
		}
		printStats(stats)
	})
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	stack, err := newContextStack(ctx, cfg, nil)
	if err != nil {
		return err
	}

	var stats corpus.IngestStats
	if args[0] == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		source := ingestSource
		if source == "" {
			source = "stdin"
		}
		stats, err = stack.builder.Ingest(ctx, source, string(raw))
		if err != nil {
			return err
		}
	} else if ingestSource != "" {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		stats, err = stack.builder.Ingest(ctx, ingestSource, corpus.ExtractText(filepath.Base(args[0]), raw))
		if err != nil {
			return err
		}
	} else {
		if stats, err = stack.builder.IngestFile(ctx, args[0]); err != nil {
			return err
		}
	}
	fmt.Printf("Added %d chunks (%d total)\n", stats.ChunksAdded, stats.TotalChunks)
	return nil
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	stack, err := newContextStack(ctx, cfg, nil)
	if err != nil {
		return err
	}

	q := retrieval.Query{Text: args[0]}
	if retrieveReference != "" {
		raw, err := os.ReadFile(retrieveReference)
		if err != nil {
			return err
		}
		q.ReferenceText = corpus.ExtractText(filepath.Base(retrieveReference), raw)
	}

	res, err := stack.ranker.Retrieve(ctx, q)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"joined": res.Joined(), "chunks": res.Display()})
	}
	fmt.Print(ui.NewRenderer(!isTerminal(), 100).Markdown(ui.RetrievalMarkdown(res)))
	return nil
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
