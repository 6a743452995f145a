package embeddings

import (
	"context"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached memoises a Generator in a fixed-size LRU keyed by exact text.
// Turns often embed the same query for several collections, and learners
// repeat phrases.
type Cached struct {
	next  Generator
	cache *lru.Cache[string, []float32]
}

// NewCached wraps next with an LRU of the given size.
func NewCached(next Generator, size int) (*Cached, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: cache}, nil
}

// Generate returns the cached vector for text or computes and stores it.
// Callers get their own copy.
func (c *Cached) Generate(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return slices.Clone(v), nil
	}
	v, err := c.next.Generate(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, slices.Clone(v))
	return v, nil
}

// Len reports how many vectors are cached.
func (c *Cached) Len() int { return c.cache.Len() }
