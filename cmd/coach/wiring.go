package main

import (
	"context"
	"fmt"

	"codecoach/internal/config"
	"codecoach/internal/contextstore"
	"codecoach/internal/corpus"
	"codecoach/internal/embedding"
	"codecoach/internal/generator"
	"codecoach/internal/retrieval"
	"codecoach/internal/sandbox"
	"codecoach/internal/session"
	"codecoach/internal/tactile"
	"codecoach/internal/validator"
)

func embeddingConfig(c *config.Config) embedding.Config {
	return embedding.Config{
		Provider:       c.Embedding.Provider,
		GenAIAPIKey:    c.Embedding.GenAIAPIKey,
		GenAIModel:     c.Embedding.GenAIModel,
		OllamaEndpoint: c.Embedding.OllamaEndpoint,
		OllamaModel:    c.Embedding.OllamaModel,
		OpenAIAPIKey:   c.Embedding.OpenAIAPIKey,
		OpenAIModel:    c.Embedding.OpenAIModel,
		Timeout:        c.GetEmbeddingTimeout(),
		MaxRetries:     c.Embedding.MaxRetries,
	}
}

func corpusOptions(c *config.Config) corpus.Options {
	opts := corpus.DefaultOptions()
	opts.ChunkSize = c.Retrieval.ChunkSize
	opts.ChunkOverlap = c.Retrieval.ChunkOverlap
	opts.MaxChars = c.Retrieval.MaxContextChars
	if c.Retrieval.RebuildWorkers > 0 {
		opts.Workers = c.Retrieval.RebuildWorkers
	}
	return opts
}

func sandboxConfig(c *config.Config) sandbox.Config {
	sc := sandbox.DefaultConfig()
	switch c.Sandbox.Backend {
	case "docker":
		sc.Backend = tactile.SandboxDocker
	case "direct":
		sc.Backend = tactile.SandboxNone
	}
	sc.AllowHostExecution = c.Sandbox.AllowHostExecution
	sc.WorkerPath = c.Sandbox.WorkerBinary
	if c.Sandbox.PythonBinary != "" {
		sc.PythonBinary = c.Sandbox.PythonBinary
	}
	sc.Timeout = c.GetSandboxTimeout()
	if c.Sandbox.MaxMemoryMB > 0 {
		sc.MaxMemoryBytes = int64(c.Sandbox.MaxMemoryMB) << 20
	}
	if c.Sandbox.MaxCPUSeconds > 0 {
		sc.MaxCPUSeconds = c.Sandbox.MaxCPUSeconds
	}
	if c.Sandbox.MaxFileSizeKB > 0 {
		sc.MaxFileSizeBytes = int64(c.Sandbox.MaxFileSizeKB) << 10
	}
	if c.Sandbox.MaxProcesses > 0 {
		sc.MaxProcesses = c.Sandbox.MaxProcesses
	}
	if c.Sandbox.MaxOutputKB > 0 {
		sc.MaxOutputBytes = int64(c.Sandbox.MaxOutputKB) << 10
	}
	if c.Sandbox.DockerImage != "" {
		sc.DockerImage = c.Sandbox.DockerImage
	}
	if len(c.Sandbox.AllowedEnvVars) > 0 {
		sc.AllowedEnv = c.Sandbox.AllowedEnvVars
	}
	if c.Sandbox.MaxConcurrent > 0 {
		sc.MaxConcurrent = c.Sandbox.MaxConcurrent
	}
	return sc
}

func validatorOptions(c *config.Config) validator.Options {
	return validator.Options{
		StrictSignature: c.Validation.StrictSignature,
		MaxDisclosed:    c.Validation.MaxDisclosedFailures,
		MinCodeLength:   c.Validation.MinCodeLength,
	}
}

// contextStack is the retrieval side of the application.
type contextStack struct {
	builder *corpus.Builder
	ranker  *retrieval.Ranker
}

func newContextStack(ctx context.Context, c *config.Config, progress func(corpus.Progress)) (*contextStack, error) {
	if err := c.RequireEmbeddingKey(); err != nil {
		return nil, err
	}
	engine, err := embedding.NewEngine(ctx, embeddingConfig(c))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding engine: %w", err)
	}
	opts := corpusOptions(c)
	opts.OnProgress = progress
	builder := corpus.NewBuilder(contextstore.New(c.Retrieval.StorePath), engine, opts)
	ranker := retrieval.NewRanker(builder, engine, retrieval.Options{
		TopK:      c.Retrieval.TopK,
		SourceDir: c.Retrieval.SourceDir,
	})
	return &contextStack{builder: builder, ranker: ranker}, nil
}

func newValidator(c *config.Config) (*validator.Validator, error) {
	runner, err := sandbox.NewRunner(sandboxConfig(c))
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	return validator.New(runner, validatorOptions(c)), nil
}

// newGenerator builds checkpoint generation. retriever may be nil.
func newGenerator(ctx context.Context, c *config.Config, retriever generator.Retriever) (*generator.Generator, error) {
	llm, err := generator.NewGemini(ctx, c.Generator.APIKey, c.Generator.Model, c.Generator.Temperature, c.GetGeneratorTimeout())
	if err != nil {
		return nil, err
	}
	return generator.New(llm, retriever), nil
}

func openSessions(c *config.Config) (*session.Store, error) {
	return session.Open(c.Session.DatabasePath, c.GetSessionTTL())
}
