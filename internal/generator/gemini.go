package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	DefaultModel       = "gemini-2.5-flash"
	DefaultTemperature = 0.2
)

// ErrEmptyCompletion means the model answered with no text.
var ErrEmptyCompletion = errors.New("empty response from model")

// Gemini completes prompts with the Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
	timeout     time.Duration
}

// NewGemini creates a Gemini completer. A zero timeout means none.
func NewGemini(ctx context.Context, apiKey, model string, temperature float32, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{client: client, model: model, temperature: temperature, timeout: timeout}, nil
}

// Complete sends prompt as a single user turn.
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", g.model, err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// Name identifies the model in logs.
func (g *Gemini) Name() string {
	return "genai:" + g.model
}
