package knowledge

import (
	"context"
	"fmt"
)

// Index is the vector search side of the store.
type Index interface {
	Query(ctx context.Context, vector []float32, k int) ([]Hit, error)
}

// Searcher answers text queries by embedding them and searching the index.
type Searcher struct {
	vec Vectorizer
	idx Index
}

func NewSearcher(vec Vectorizer, idx Index) *Searcher {
	return &Searcher{vec: vec, idx: idx}
}

// Search returns up to k hits for query.
func (s *Searcher) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	v, err := s.vec.Encode(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.idx.Query(ctx, v, k)
}
