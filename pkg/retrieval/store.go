// Package retrieval augments model requests with passages from a vector
// store. Store failures degrade gracefully by default; the required flag
// turns them into turn failures.
package retrieval

import "context"

// Passage is one retrieved piece of context, ordered by relevance.
type Passage struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Store is a queryable passage index.
type Store interface {
	Search(ctx context.Context, query string, topK int) ([]Passage, error)
	Close() error
}
