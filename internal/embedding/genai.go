package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIEncoder calls the Gemini embeddings API.
type GenAIEncoder struct {
	client *genai.Client
	model  string
	dims   int
}

func NewGenAIEncoder(ctx context.Context, cfg Config) (*GenAIEncoder, error) {
	if cfg.GeminiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini embedding provider")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-embedding-001"
	}
	return &GenAIEncoder{client: client, model: model, dims: cfg.Dimensions}, nil
}

func (e *GenAIEncoder) Dimensions() int { return e.dims }
func (e *GenAIEncoder) Name() string    { return "genai:" + e.model }

func (e *GenAIEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	dims := int32(e.dims)
	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{
			TaskType:             "SEMANTIC_SIMILARITY",
			OutputDimensionality: &dims,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return result.Embeddings[0].Values, nil
}
