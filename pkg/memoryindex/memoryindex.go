// Package memoryindex is the vector-search collaborator holding a user's
// long-term memories. The orchestrator treats it as best-effort: lookups
// that fail or time out degrade to an empty result, never to a request
// failure.
package memoryindex

import (
	"context"
	"time"
)

// Record is one ranked memory.
type Record struct {
	ID        string
	Text      string
	Category  string
	Timestamp time.Time
	Score     float32
}

// Index is the memory store contract.
type Index interface {
	Search(ctx context.Context, userID, query string, limit int) ([]Record, error)
	Save(ctx context.Context, userID, text, category string) (string, error)
}

// Embedder turns text into the vector space the index searches in.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Noop is the disabled index: empty searches, discarded saves. Used when no
// vector backend is configured.
type Noop struct{}

func (Noop) Search(context.Context, string, string, int) ([]Record, error) {
	return nil, nil
}

func (Noop) Save(context.Context, string, string, string) (string, error) {
	return "", nil
}
