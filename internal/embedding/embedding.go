// Package embedding turns text into vectors for the knowledge backend.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPoolClosed      = errors.New("embedding: pool closed")
	ErrEmptyEmbedding  = errors.New("embedding: provider returned no vector")
	ErrUnknownProvider = errors.New("embedding: unknown provider")
)

// Encoder computes the embedding of one text.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Name() string
}

type Config struct {
	Provider   string `env:"EMBEDDING_PROVIDER" envDefault:"hash"`
	Model      string `env:"EMBEDDING_MODEL"`
	BaseURL    string `env:"EMBEDDING_BASE_URL"`
	OpenAIKey  string `env:"OPENAI_API_KEY"`
	GeminiKey  string `env:"GEMINI_API_KEY"`
	Dimensions int    `env:"EMBEDDING_DIMENSIONS" envDefault:"256"`
	Workers    int    `env:"EMBEDDING_WORKERS" envDefault:"4"`
}

// New builds the encoder selected by cfg.Provider.
func New(ctx context.Context, cfg Config) (Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "hash":
		return NewHashEncoder(cfg.Dimensions), nil
	case "openai":
		return NewOpenAIEncoder(cfg)
	case "gemini", "genai":
		return NewGenAIEncoder(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
