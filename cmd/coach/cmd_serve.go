package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"codecoach/internal/corpus"
	"codecoach/internal/generator"
	"codecoach/internal/mcpserver"
	"codecoach/internal/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const expiryInterval = 10 * time.Minute

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON HTTP API",
	Long: `Serves checkpoint generation, submission validation, retrieval and
context maintenance over HTTP.

Generation needs GEMINI_API_KEY; retrieval needs the key of the configured
embedding provider. Without them the affected endpoints answer 503.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// mcpCmd runs the MCP server on stdio
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server for editor agents",
	Long: `Runs codecoach as a Model Context Protocol server over stdio with the
retrieve_context, validate_submission and inspect_code tools.`,
	Example: `  # claude_desktop_config.json:
  # {
  #   "mcpServers": {
  #     "codecoach": {"command": "coach", "args": ["mcp"]}
  #   }
  # }`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openSessions(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	v, err := newValidator(cfg)
	if err != nil {
		return err
	}
	deps := server.Deps{
		Validator:      v,
		Sessions:       store,
		SourceDir:      cfg.Retrieval.SourceDir,
		Logger:         logger,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}

	stack, err := newContextStack(ctx, cfg, nil)
	if err != nil {
		logger.Warn("retrieval disabled", zap.Error(err))
	} else {
		deps.Retriever = stack.ranker
		deps.Corpus = stack.builder
	}

	var retriever generator.Retriever
	if stack != nil {
		retriever = stack.ranker
	}
	if gen, err := newGenerator(ctx, cfg, retriever); err != nil {
		logger.Warn("checkpoint generation disabled", zap.Error(err))
	} else {
		deps.Generator = gen
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.RunExpiry(ctx, expiryInterval)
		return nil
	})
	if stack != nil {
		startContextMaintenance(ctx, g, stack)
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	g.Go(func() error {
		defer cancel()
		return server.New(deps).ListenAndServe(ctx, addr)
	})
	return g.Wait()
}

// startContextMaintenance refreshes the store on start and watches the
// source directory when configured.
func startContextMaintenance(ctx context.Context, g *errgroup.Group, stack *contextStack) {
	dir := cfg.Retrieval.SourceDir
	if cfg.Retrieval.RefreshOnStart {
		g.Go(func() error {
			stats, err := stack.builder.Rebuild(ctx, dir)
			if err != nil {
				logger.Warn("startup rebuild failed", zap.Error(err))
				return nil
			}
			logger.Info("context store refreshed",
				zap.Int("chunks", stats.TotalChunks),
				zap.Int("sources", stats.SourcesProcessed))
			return nil
		})
	}
	if cfg.Retrieval.Watch {
		g.Go(func() error {
			err := stack.builder.Watch(ctx, dir, cfg.GetWatchDebounce(), func(stats corpus.RebuildStats, err error) {
				if err != nil {
					logger.Warn("rebuild after change failed", zap.Error(err))
					return
				}
				logger.Info("context store rebuilt", zap.Int("chunks", stats.TotalChunks))
			})
			if err != nil {
				logger.Warn("source watch stopped", zap.Error(err))
			}
			return nil
		})
	}
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	v, err := newValidator(cfg)
	if err != nil {
		return err
	}
	h := &mcpserver.Handlers{Validator: v}
	if stack, err := newContextStack(ctx, cfg, nil); err != nil {
		logger.Warn("retrieval disabled", zap.Error(err))
	} else {
		h.Retriever = stack.ranker
	}

	if err := mcpserver.Serve(ctx, mcpserver.New(h), os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
