package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"codecoach/cmd/coach/ui"
	"codecoach/internal/checkpoint"
	"codecoach/internal/corpus"
	"codecoach/internal/generator"
	"codecoach/internal/inspect"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	language      string
	checkpointArg string
	generateRef   string
	generateSave  bool
	noContext     bool
)

// inspectCmd describes a snippet without running it
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show the first function of a file and its quality issues",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

// validateCmd checks a submission against one checkpoint
var validateCmd = &cobra.Command{
	Use:   "validate <file> --checkpoint <json|file>",
	Short: "Validate code against a checkpoint in the sandbox",
	Long: `Runs the full validation pipeline: quality checks, structural
inspection, sandboxed execution of every test case and comparison with the
expected outputs.

The checkpoint is a JSON object (or a file containing one) with
function_signature, test_inputs and expected_outputs.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

// generateCmd produces checkpoints for a problem
var generateCmd = &cobra.Command{
	Use:   "generate <problem>",
	Short: "Generate checkpoints for a problem statement",
	Args:  cobra.ExactArgs(1),
	RunE:  runGenerate,
}

func init() {
	for _, c := range []*cobra.Command{inspectCmd, validateCmd} {
		c.Flags().StringVarP(&language, "language", "l", "", "python or go (default: from the file extension)")
		c.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	}
	validateCmd.Flags().StringVar(&checkpointArg, "checkpoint", "", "Checkpoint JSON or a file containing it")
	_ = validateCmd.MarkFlagRequired("checkpoint")

	generateCmd.Flags().StringVar(&generateRef, "reference", "", "Ground the checkpoints on this file instead of the context store")
	generateCmd.Flags().BoolVar(&generateSave, "save", false, "Store the lesson as a session")
	generateCmd.Flags().BoolVar(&noContext, "no-context", false, "Skip retrieval")
	generateCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
}

// languageFor resolves the --language flag, falling back to the extension.
func languageFor(path string) (inspect.Language, error) {
	if language != "" {
		return inspect.ParseLanguage(language)
	}
	if strings.EqualFold(filepath.Ext(path), ".go") {
		return inspect.Go, nil
	}
	return inspect.Python, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	lang, err := languageFor(args[0])
	if err != nil {
		return err
	}

	quality := inspect.Quality(ctx, lang, string(code))
	sig, err := inspect.Inspect(ctx, lang, string(code))
	if err != nil && !errors.Is(err, inspect.ErrNoCallable) {
		var serr *inspect.SyntaxError
		if !errors.As(err, &serr) {
			return err
		}
	}
	if jsonOutput {
		out := map[string]any{"signature": sig, "quality": quality}
		if err != nil {
			out["error"] = err.Error()
		}
		return printJSON(out)
	}
	if err != nil {
		fmt.Println(err)
	}
	fmt.Print(ui.NewRenderer(!isTerminal(), 100).Markdown(ui.SignatureMarkdown(sig, quality)))
	return nil
}

// loadCheckpoint reads the --checkpoint value as a file when one exists,
// otherwise as inline JSON.
func loadCheckpoint(arg string) (checkpoint.Checkpoint, error) {
	text := arg
	if raw, err := os.ReadFile(arg); err == nil {
		text = string(raw)
	}
	cps, err := checkpoint.Parse(text)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return cps[0], nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	cp, err := loadCheckpoint(checkpointArg)
	if err != nil {
		return err
	}
	// The file wins over the checkpoint's default language.
	if language != "" || strings.EqualFold(filepath.Ext(args[0]), ".go") {
		if cp.Language, err = languageFor(args[0]); err != nil {
			return err
		}
	}

	v, err := newValidator(cfg)
	if err != nil {
		return err
	}
	outcome := v.Validate(ctx, string(code), cp)
	logger.Debug("validated submission", zap.Bool("passed", outcome.Passed), zap.String("stage", string(outcome.Stage)))

	if jsonOutput {
		return printJSON(outcome)
	}
	fmt.Println(ui.NewRenderer(!isTerminal(), 100).Outcome(outcome))
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	req := generator.Request{Problem: args[0]}
	if generateRef != "" {
		raw, err := os.ReadFile(generateRef)
		if err != nil {
			return err
		}
		req.ReferenceText = corpus.ExtractText(filepath.Base(generateRef), raw)
	}

	var retriever generator.Retriever
	if !noContext {
		stack, err := newContextStack(ctx, cfg, nil)
		if err != nil {
			logger.Warn("retrieval disabled", zap.Error(err))
		} else {
			retriever = stack.ranker
		}
	}
	gen, err := newGenerator(ctx, cfg, retriever)
	if err != nil {
		return err
	}

	res, err := gen.Generate(ctx, req)
	if err != nil {
		return err
	}

	var sessionID string
	if generateSave {
		store, err := openSessions(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		sess, err := store.Create(ctx, req.Problem, res.Checkpoints, res.Retrieval)
		if err != nil {
			return err
		}
		sessionID = sess.ID
	}

	if jsonOutput {
		return printJSON(map[string]any{"session_id": sessionID, "checkpoints": res.Checkpoints})
	}
	fmt.Print(ui.NewRenderer(!isTerminal(), 100).Markdown(ui.CheckpointsMarkdown(res.Checkpoints)))
	if sessionID != "" {
		fmt.Printf("\nSaved as session %s\n", sessionID)
	}
	return nil
}
