// Package generator asks a language model for a lesson's checkpoints,
// grounded on context retrieved for the problem statement.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"codecoach/internal/checkpoint"
	"codecoach/internal/logging"
	"codecoach/internal/retrieval"
)

// ErrEmptyProblem is returned for a blank problem statement.
var ErrEmptyProblem = errors.New("problem statement is empty")

// Completer turns a prompt into model text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Retriever finds reference context. *retrieval.Ranker implements it.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
}

// Request is one generation.
type Request struct {
	Problem string
	// ReferenceText is optional material uploaded with the request. It
	// replaces the shared corpus for this request only.
	ReferenceText string
}

// Result holds the checkpoints and the context they were grounded on. A
// nil Retrieval means none was used.
type Result struct {
	Checkpoints []checkpoint.Checkpoint
	Retrieval   *retrieval.Result
}

// Generator produces checkpoints. The retriever may be nil.
type Generator struct {
	llm       Completer
	retriever Retriever
}

// New returns a Generator.
func New(llm Completer, retriever Retriever) *Generator {
	return &Generator{llm: llm, retriever: retriever}
}

// Generate retrieves context, prompts the model and parses its answer. A
// retrieval failure is logged and generation continues without context.
func (g *Generator) Generate(ctx context.Context, req Request) (res *Result, err error) {
	problem := strings.TrimSpace(req.Problem)
	if problem == "" {
		return nil, ErrEmptyProblem
	}

	timer := logging.StartTimer(logging.CategoryGenerator, "Generate checkpoints")
	defer func() {
		var cps, chunks int
		if res != nil {
			cps, chunks = len(res.Checkpoints), chunkCount(res.Retrieval)
		}
		logging.Audit().Generation(cps, chunks, timer.Stop(), err)
	}()

	var found *retrieval.Result
	if g.retriever != nil {
		got, rerr := g.retriever.Retrieve(ctx, retrieval.Query{Text: problem, ReferenceText: req.ReferenceText})
		switch {
		case rerr != nil:
			logging.GeneratorWarn("Retrieval failed, generating without context: %v", rerr)
		case got != nil && len(got.Chunks) > 0:
			found = got
		}
	}

	text, err := g.llm.Complete(ctx, BuildPrompt(problem, found))
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}
	cps, err := checkpoint.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("unusable model response: %w", err)
	}

	logging.Generator("Generated %d checkpoints (context chunks: %d)", len(cps), chunkCount(found))
	return &Result{Checkpoints: cps, Retrieval: found}, nil
}

func chunkCount(r *retrieval.Result) int {
	if r == nil {
		return 0
	}
	return len(r.Chunks)
}

// checkpointSchema describes each field to the model, in prompt order.
var checkpointSchema = []struct{ key, desc string }{
	{"title", "Short name of the checkpoint (<= 8 words)."},
	{"objective", "Student-facing goal for this step."},
	{"concept", "Key concept(s) applied here."},
	{"function_signature", "Python function signature to implement."},
	{"rules", "List of hard constraints."},
	{"expected_output", "Describe the expected behavior/output."},
	{"hints", "List of helpful hints (<= 3)."},
	{"test_inputs", "Example inputs to try."},
	{"expected_outputs", "Outputs aligned to test_inputs."},
	{"validation_type", "One of: structure, correctness, integration, custom."},
}

func schemaJSON() string {
	var b strings.Builder
	b.WriteString("{\n")
	for i, f := range checkpointSchema {
		key, _ := json.Marshal(f.key)
		desc, _ := json.Marshal(f.desc)
		fmt.Fprintf(&b, "  %s: %s", key, desc)
		if i < len(checkpointSchema)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}")
	return b.String()
}

// BuildPrompt renders the generation prompt. Context is optional.
func BuildPrompt(problem string, found *retrieval.Result) string {
	var b strings.Builder
	b.WriteString("You are an instructional designer generating programming checkpoints.\n")
	b.WriteString("Return ONLY valid JSON (no prose) representing a list of checkpoint objects.\n")
	b.WriteString("Each checkpoint must follow this JSON schema: ")
	b.WriteString(schemaJSON())
	b.WriteString("\n")
	if joined := found.Joined(); joined != "" {
		b.WriteString("Reference context (ground checkpoints on this material first):\n")
		b.WriteString(joined)
		b.WriteString("\nUse only details present in the reference context; do not invent topics.\n")
	}
	b.WriteString("Rules:\n")
	b.WriteString("- 3 to 6 checkpoints total.\n")
	b.WriteString("- Keep titles concise.\n")
	b.WriteString("- Provide actionable rules and hints.\n")
	b.WriteString("- Prefer Pythonic, beginner-friendly guidance.\n")
	b.WriteString("- If reference context exists, align objectives, concepts, and tests to it.\n")
	b.WriteString("Problem statement:\n")
	b.WriteString(strings.TrimSpace(problem))
	b.WriteString("\nRespond with JSON array only.\n")
	return b.String()
}
