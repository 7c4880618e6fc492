package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEncoder is a local feature-hashing encoder. It needs no network and is
// deterministic, which makes it the default for development and tests.
type HashEncoder struct {
	dims int
}

func NewHashEncoder(dims int) *HashEncoder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEncoder{dims: dims}
}

func (e *HashEncoder) Dimensions() int { return e.dims }
func (e *HashEncoder) Name() string    { return "hash" }

// Encode hashes each lowercase token into a signed bucket and L2-normalizes
// the result. Text without tokens encodes to the zero vector.
func (e *HashEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, e.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		if sum>>63 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}
