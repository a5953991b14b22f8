// Package mcpserver exposes retrieval, validation and inspection as Model
// Context Protocol tools so editor agents can coach a learner.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"codecoach/internal/checkpoint"
	"codecoach/internal/feedback"
	"codecoach/internal/inspect"
	"codecoach/internal/logging"
	"codecoach/internal/retrieval"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	Name    = "codecoach"
	Version = "0.1.0"
)

// Retriever ranks reference chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
}

// Validator scores a submission against a checkpoint.
type Validator interface {
	Validate(ctx context.Context, code string, cp checkpoint.Checkpoint) feedback.Outcome
}

// Handlers serve the tool calls. A nil Retriever disables retrieve_context
// results, which then report the retrieval as unavailable.
type Handlers struct {
	Retriever Retriever
	Validator Validator
}

// New builds an MCP server with every tool registered.
func New(h *Handlers) *server.MCPServer {
	s := server.NewMCPServer(Name, Version, server.WithToolCapabilities(false))
	Register(s, h)
	return s
}

// Register adds the coaching tools to s.
func Register(s *server.MCPServer, h *Handlers) {
	s.AddTool(mcp.NewTool("retrieve_context",
		mcp.WithDescription("Find the reference material most relevant to a question or problem statement."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Question or problem statement")),
		mcp.WithString("reference_text", mcp.Description("Optional material to search instead of the shared corpus")),
	), h.RetrieveContext)

	s.AddTool(mcp.NewTool("validate_submission",
		mcp.WithDescription("Check learner code against a checkpoint and return coaching feedback."),
		mcp.WithString("code", mcp.Required(), mcp.Description("The learner's source code")),
		mcp.WithObject("checkpoint", mcp.Required(), mcp.Description("Checkpoint object with function_signature, test_inputs and expected_outputs")),
	), h.ValidateSubmission)

	s.AddTool(mcp.NewTool("inspect_code",
		mcp.WithDescription("Describe the first function in a snippet and list quality issues."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code to inspect")),
		mcp.WithString("language", mcp.Description("python or go (default python)")),
	), h.InspectCode)
}

// Serve runs s over the given streams until ctx is done or input closes.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	logging.Boot("MCP server listening on stdio")
	return server.NewStdioServer(s).Listen(ctx, in, out)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// RetrieveContext handles retrieve_context.
func (h *Handlers) RetrieveContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query argument is required and must be a string"), nil
	}
	if h.Retriever == nil {
		return mcp.NewToolResultError(retrieval.ErrUnavailable.Error()), nil
	}

	res, err := h.Retriever.Retrieve(ctx, retrieval.Query{Text: query, ReferenceText: req.GetString("reference_text", "")})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retrieval failed: %v", err)), nil
	}
	if res == nil {
		res = &retrieval.Result{}
	}
	return jsonResult(map[string]any{
		"joined": res.Joined(),
		"chunks": nonNil(res.Display()),
	})
}

func nonNil(s []retrieval.Scored) []retrieval.Scored {
	if s == nil {
		return []retrieval.Scored{}
	}
	return s
}

// ValidateSubmission handles validate_submission.
func (h *Handlers) ValidateSubmission(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError("code argument is required and must be a string"), nil
	}
	cp, err := checkpointArg(req.GetArguments()["checkpoint"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(h.Validator.Validate(ctx, code, cp))
}

// checkpointArg accepts a checkpoint object or its JSON text.
func checkpointArg(v any) (checkpoint.Checkpoint, error) {
	var cps []checkpoint.Checkpoint
	switch raw := v.(type) {
	case nil:
		return checkpoint.Checkpoint{}, errors.New("checkpoint argument is required")
	case string:
		parsed, err := checkpoint.Parse(raw)
		if err != nil {
			return checkpoint.Checkpoint{}, fmt.Errorf("invalid checkpoint: %w", err)
		}
		cps = parsed
	default:
		cps = checkpoint.Normalize(raw)
	}
	if len(cps) == 0 {
		return checkpoint.Checkpoint{}, errors.New("checkpoint argument must be an object")
	}
	return cps[0], nil
}

type inspection struct {
	Signature *inspect.Signature `json:"signature,omitempty"`
	Error     string             `json:"error,omitempty"`
	Quality   []string           `json:"quality"`
}

// InspectCode handles inspect_code.
func (h *Handlers) InspectCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError("code argument is required and must be a string"), nil
	}
	lang, err := inspect.ParseLanguage(req.GetString("language", string(inspect.Python)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out := inspection{Quality: inspect.Quality(ctx, lang, code)}
	if out.Quality == nil {
		out.Quality = []string{}
	}
	sig, err := inspect.Inspect(ctx, lang, code)
	if err != nil {
		out.Error = err.Error()
	}
	out.Signature = sig
	return jsonResult(out)
}
