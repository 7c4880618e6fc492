package embedding

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIEncoder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEncoder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
}

func NewOpenAIEncoder(cfg Config) (*OpenAIEncoder, error) {
	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai embedding provider")
	}
	oc := openai.DefaultConfig(cfg.OpenAIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEncoder{
		client: openai.NewClientWithConfig(oc),
		model:  openai.EmbeddingModel(model),
		dims:   cfg.Dimensions,
	}, nil
}

func (e *OpenAIEncoder) Dimensions() int { return e.dims }
func (e *OpenAIEncoder) Name() string    { return "openai:" + string(e.model) }

func (e *OpenAIEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      e.model,
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed failed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return resp.Data[0].Embedding, nil
}
