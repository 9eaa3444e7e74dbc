// Package blob stores audio recordings and exported documents, backed by S3
// in production or a local directory for development.
package blob

import (
	"context"
)

// Store is the object storage surface the pipeline and exporter use.
type Store interface {
	// Upload writes data under key and returns the object's location.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Download reads the object back.
	Download(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}
