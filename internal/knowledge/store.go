// Package knowledge is the clinic's scenario knowledge base: a Weaviate class
// of vectorized scenarios searched by nearest vector.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.uber.org/zap"
)

var (
	ErrNotInitialized = errors.New("knowledge: backend not initialized")
	ErrDimension      = errors.New("knowledge: vector dimension mismatch")
)

type Config struct {
	URL        string `env:"WEAVIATE_URL"`
	APIKey     string `env:"WEAVIATE_API_KEY"`
	Collection string `env:"RAG_COLLECTION_NAME" envDefault:"ClinicScenario"`
	TopK       int    `env:"RAG_TOP_K" envDefault:"5"`
}

// Enabled reports whether a backend URL is configured.
func (c Config) Enabled() bool { return strings.TrimSpace(c.URL) != "" }

// Hit is one search result.
type Hit struct {
	Score         float32
	ContextText   string
	GuidelineText string
}

// Scenario is one knowledge entry.
type Scenario struct {
	Context            string `json:"context" yaml:"context"`
	ResponseGuidelines string `json:"responseGuidelines" yaml:"responseGuidelines"`
	Category           string `json:"category,omitempty" yaml:"category,omitempty"`
}

// Store wraps the Weaviate client. It is created once per process and shared
// by every call.
type Store struct {
	client *weaviate.Client
	class  string
	dims   int
	log    *zap.Logger
}

// Open connects to Weaviate and creates the class when it is missing.
func Open(ctx context.Context, cfg Config, dims int, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: WEAVIATE_URL is not set", ErrNotInitialized)
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing WEAVIATE_URL: %w", err)
	}
	wc := weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme}
	if parsed.Host == "" {
		wc = weaviate.Config{Host: cfg.URL, Scheme: "http"}
	}
	if cfg.APIKey != "" {
		wc.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wc)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	s := &Store{client: client, class: cfg.Collection, dims: dims, log: log}
	if err := s.ensureClass(ctx); err != nil {
		return nil, err
	}
	log.Info("knowledge backend ready", zap.String("class", s.class), zap.Int("dimensions", dims))
	return s, nil
}

func (s *Store) ensureClass(ctx context.Context) error {
	exists, err := s.client.Schema().ClassExistenceChecker().WithClassName(s.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("checking class %s: %w", s.class, err)
	}
	if exists {
		return nil
	}
	s.log.Info("creating knowledge class", zap.String("class", s.class))
	if err := s.client.Schema().ClassCreator().WithClass(scenarioClass(s.class)).Do(ctx); err != nil {
		return fmt.Errorf("creating class %s: %w", s.class, err)
	}
	return nil
}

func scenarioClass(name string) *models.Class {
	return &models.Class{
		Class:             name,
		Description:       "Clinic call scenarios with guidance on how to respond.",
		Vectorizer:        "none",
		VectorIndexConfig: map[string]any{"distance": "cosine"},
		Properties: []*models.Property{
			{Name: "context", DataType: []string{"text"}, Description: "Situation the caller is in."},
			{Name: "responseGuidelines", DataType: []string{"text"}, Description: "How the receptionist should respond."},
			{Name: "category", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "document", DataType: []string{"text"}, Description: "Canonical JSON the vector was computed from."},
		},
	}
}

// ObjectID maps a scenario index to a stable object id.
func ObjectID(index int) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("scenario:%d", index))).String())
}

// Record is one object to upsert.
type Record struct {
	ID       strfmt.UUID
	Vector   []float32
	Scenario Scenario
	Document string
}

// Upsert writes records in one batch. Existing ids are replaced.
func (s *Store) Upsert(ctx context.Context, records ...Record) error {
	if s == nil || s.client == nil {
		return ErrNotInitialized
	}
	if len(records) == 0 {
		return nil
	}

	objects := make([]*models.Object, len(records))
	for i, r := range records {
		if len(r.Vector) != s.dims {
			return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(r.Vector), s.dims)
		}
		objects[i] = &models.Object{
			Class:  s.class,
			ID:     r.ID,
			Vector: models.C11yVector(r.Vector),
			Properties: map[string]any{
				"context":            r.Scenario.Context,
				"responseGuidelines": r.Scenario.ResponseGuidelines,
				"category":           r.Scenario.Category,
				"document":           r.Document,
			},
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch upsert: %w", err)
	}
	var failed int
	for _, item := range resp {
		if item.Result == nil || item.Result.Errors == nil {
			continue
		}
		for _, e := range item.Result.Errors.Error {
			failed++
			s.log.Warn("knowledge object rejected", zap.String("id", string(item.ID)), zap.String("error", e.Message))
		}
	}
	if failed > 0 {
		return fmt.Errorf("batch upsert: %d of %d objects rejected", failed, len(records))
	}
	return nil
}

type queryResponse map[string]map[string][]struct {
	Context            string `json:"context"`
	ResponseGuidelines string `json:"responseGuidelines"`
	Additional         struct {
		Certainty float32 `json:"certainty"`
	} `json:"_additional"`
}

// Query returns the k nearest scenarios to vector, best first.
func (s *Store) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotInitialized
	}
	if len(vector) != s.dims {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vector), s.dims)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	result, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(
			graphql.Field{Name: "context"},
			graphql.Field{Name: "responseGuidelines"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
		).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search failed: %s", result.Errors[0].Message)
	}

	return parseHits(result.Data, s.class)
}

func parseHits(data any, class string) ([]Hit, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var parsed queryResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}

	rows := parsed["Get"][class]
	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, Hit{
			Score:         r.Additional.Certainty,
			ContextText:   r.Context,
			GuidelineText: r.ResponseGuidelines,
		})
	}
	return hits, nil
}

// Dimensions is the vector size the store was opened with.
func (s *Store) Dimensions() int { return s.dims }

// Close releases the store. The Weaviate client holds no long-lived
// connections, so there is nothing to tear down and in-flight queries are
// left to finish.
func (s *Store) Close() error {
	return nil
}
