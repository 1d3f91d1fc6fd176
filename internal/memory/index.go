// Package memory stores embedded text snippets and turns similarity matches
// into generation context.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ashureev/devteam/internal/domain"
	"github.com/ashureev/devteam/internal/store"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Match is one search result.
type Match struct {
	Key   string  `json:"key"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Index is a cosine-similarity index over a MemoryStore.
type Index struct {
	store    store.MemoryStore
	embedder Embedder
}

// NewIndex creates an Index.
func NewIndex(s store.MemoryStore, embedder Embedder) *Index {
	return &Index{store: s, embedder: embedder}
}

// Remember embeds text and stores it under collection/key, replacing any previous snippet.
func (i *Index) Remember(ctx context.Context, collection, key, text string) error {
	if collection == "" || key == "" {
		return errors.New("collection and key are required")
	}
	vec, err := i.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed snippet %s/%s: %w", collection, key, err)
	}
	return i.store.UpsertMemory(ctx, &domain.MemoryRecord{
		Collection: collection,
		Key:        key,
		Text:       text,
		Embedding:  vec,
		UpdatedAt:  time.Now().UTC(),
	})
}

// Search returns up to k snippets of collection ranked by similarity to query.
// An empty or unknown collection yields no matches.
func (i *Index) Search(ctx context.Context, collection, query string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	records, err := i.store.ListMemories(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	q, err := i.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches := make([]Match, 0, len(records))
	for _, rec := range records {
		score, ok := cosine(q, rec.Embedding)
		if !ok {
			continue
		}
		matches = append(matches, Match{Key: rec.Key, Text: rec.Text, Score: score})
	}
	sort.SliceStable(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// cosine is false for vectors of different length or zero magnitude.
func cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
