package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// =============================================================================
// OPENAI EMBEDDING ENGINE
// =============================================================================

// OpenAIEngine generates embeddings using the OpenAI embeddings API.
// OpenAI models embed documents and queries into one space, so mode is
// ignored.
type OpenAIEngine struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEngine creates a new OpenAI embedding engine.
func NewOpenAIEngine(apiKey, model string) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEngine{
		client: openai.NewClient(apiKey),
		model:  openai.EmbeddingModel(model),
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEngine) Embed(ctx context.Context, text string, _ Mode) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, unavailable(e.Name(), err)
	}
	if len(resp.Data) == 0 {
		return nil, unavailable(e.Name(), fmt.Errorf("no embeddings returned"))
	}
	return checkVector(e.Name(), resp.Data[0].Embedding)
}

// Name returns the engine name.
func (e *OpenAIEngine) Name() string {
	return fmt.Sprintf("openai:%s", e.model)
}
