package embedding

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache is a request-scoped memoizing wrapper around a Client. The same text is
// embedded at most once per Cache, even when callers race on it.
// It must not outlive the request that created it.
type Cache struct {
	base  Client
	group singleflight.Group

	mu    sync.RWMutex
	items map[string][]float32
}

// NewCache wraps base with a fresh, empty cache.
func NewCache(base Client) *Cache {
	return &Cache{base: base, items: make(map[string][]float32)}
}

func (c *Cache) get(text string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[text]
	return v, ok
}

func (c *Cache) put(text string, v []float32) {
	c.mu.Lock()
	c.items[text] = v
	c.mu.Unlock()
}

// CreateEmbedding returns the cached vector or embeds text once.
func (c *Cache) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.get(text); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(text, func() (interface{}, error) {
		if v, ok := c.get(text); ok {
			return v, nil
		}
		vec, err := c.base.CreateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		c.put(text, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// CreateEmbeddings embeds only the texts not seen before, in one batch.
func (c *Cache) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	pending := make(map[string][]int)
	for i, t := range texts {
		if v, ok := c.get(t); ok {
			out[i] = v
			continue
		}
		if _, seen := pending[t]; !seen {
			missing = append(missing, t)
		}
		pending[t] = append(pending[t], i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.base.CreateEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}
	if err := checkVectors(vectors, len(missing)); err != nil {
		return nil, err
	}
	for i, t := range missing {
		c.put(t, vectors[i])
		for _, idx := range pending[t] {
			out[idx] = vectors[i]
		}
	}
	return out, nil
}

// Len reports how many distinct texts are cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
