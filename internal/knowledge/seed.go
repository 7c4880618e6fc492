package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Vectorizer is the part of the embedding pool the knowledge base needs.
type Vectorizer interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Upserter stores vectorized scenarios.
type Upserter interface {
	Upsert(ctx context.Context, records ...Record) error
}

type scenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadScenarios reads a YAML file with a top-level scenarios list.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenarios: %w", err)
	}
	var f scenarioFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing scenarios %s: %w", path, err)
	}
	return f.Scenarios, nil
}

// Document is the text a scenario is embedded from: its JSON encoding with
// sorted keys.
func Document(s Scenario) (string, error) {
	// Round-trip through a map so keys come out sorted.
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	sorted, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(sorted), nil
}

// Seed embeds every scenario and upserts it with id = ObjectID(index).
// At most parallel encodes run at once.
func Seed(ctx context.Context, vec Vectorizer, dst Upserter, scenarios []Scenario, parallel int, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	if parallel <= 0 {
		parallel = 4
	}

	records := make([]Record, len(scenarios))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, sc := range scenarios {
		g.Go(func() error {
			doc, err := Document(sc)
			if err != nil {
				return fmt.Errorf("scenario %d: %w", i, err)
			}
			v, err := vec.Encode(gctx, doc)
			if err != nil {
				return fmt.Errorf("scenario %d: %w", i, err)
			}
			records[i] = Record{ID: ObjectID(i), Vector: v, Scenario: sc, Document: doc}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := dst.Upsert(ctx, records...); err != nil {
		return err
	}
	log.Info("seeded knowledge base", zap.Int("scenarios", len(records)))
	return nil
}
