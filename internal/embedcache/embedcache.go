// Package embedcache memoizes embedding vectors by content hash so
// re-embedding unchanged text never costs a provider round trip.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/quillgraph/quillgraph-backend/internal/observability"
)

type Cache struct {
	c *ristretto.Cache[string, []float32]
}

// New builds a cache bounded to roughly maxBytes of vector data.
func New(maxBytes int64) (*Cache, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		// ~10x the expected entry count at 1.5KB per small-model vector.
		NumCounters: maxBytes / 1536 * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

func key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) Get(text string) ([]float32, bool) {
	if c == nil || c.c == nil {
		return nil, false
	}
	return c.c.Get(key(text))
}

func (c *Cache) Set(text string, vec []float32) {
	if c == nil || c.c == nil || len(vec) == 0 {
		return
	}
	c.c.Set(key(text), vec, int64(len(vec)*4))
}

// Wait flushes pending writes. Tests and batch loops call it before
// reading back what they just stored.
func (c *Cache) Wait() {
	if c != nil && c.c != nil {
		c.c.Wait()
	}
}

func (c *Cache) Close() {
	if c != nil && c.c != nil {
		c.c.Close()
	}
}

// EmbedFunc is the provider call shape (openai.Client.Embed).
type EmbedFunc func(ctx context.Context, inputs []string) ([][]float32, error)

// EmbedCached returns a vector per input, embedding only cache misses.
// Order is preserved. A nil Cache degrades to a direct provider call.
func (c *Cache) EmbedCached(ctx context.Context, embed EmbedFunc, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(inputs))
	var missIdx []int
	var missText []string
	for i, s := range inputs {
		if vec, ok := c.Get(s); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missText = append(missText, s)
	}
	if m := observability.Current(); m != nil {
		m.AddEmbedCache("hit", len(inputs)-len(missText))
		m.AddEmbedCache("miss", len(missText))
	}

	if len(missText) > 0 {
		vecs, err := embed(ctx, missText)
		if err != nil {
			return nil, err
		}
		for j, i := range missIdx {
			out[i] = vecs[j]
			c.Set(inputs[i], vecs[j])
		}
	}
	return out, nil
}
