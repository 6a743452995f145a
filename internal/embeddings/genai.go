package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/nugget/parley/internal/httpkit"
)

// GenAI generates embeddings with the Gemini embedding models.
type GenAI struct {
	client   *genai.Client
	model    string
	taskType string
}

// NewGenAI creates a Gemini embedding generator. baseURL overrides the
// API endpoint when non-empty.
func NewGenAI(ctx context.Context, apiKey, baseURL, model string) (*GenAI, error) {
	if apiKey == "" {
		return nil, errors.New("genai embeddings: api key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
		),
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("genai embeddings: create client: %w", err)
	}
	return &GenAI{
		client: client,
		model:  model,
		// Queries and stored documents share one space in this index.
		taskType: "SEMANTIC_SIMILARITY",
	}, nil
}

// Generate creates an embedding for the given text.
func (g *GenAI) Generate(ctx context.Context, text string) ([]float32, error) {
	result, err := g.client.Models.EmbedContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{TaskType: g.taskType},
	)
	if err != nil {
		return nil, fmt.Errorf("genai embeddings: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return result.Embeddings[0].Values, nil
}
