// Package search indexes analyzed sessions for retrieval. Only masked text
// ever reaches the index.
package search

import (
	"context"

	"sales-insight-service/internal/models"
)

// Indexer writes an analyzed session into the search backend.
type Indexer interface {
	Index(ctx context.Context, sess models.Session) error
}

// NoopIndexer is the demo-mode stand-in; indexing succeeds without a backend.
type NoopIndexer struct{}

func (NoopIndexer) Index(context.Context, models.Session) error {
	return nil
}
