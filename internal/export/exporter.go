package export

import (
	"context"
	"fmt"
	"path"

	"sales-insight-service/internal/blob"
	"sales-insight-service/internal/models"
)

// Exporter publishes session reports to the document library.
type Exporter interface {
	// Export renders and uploads the report, returning its location.
	Export(ctx context.Context, sess models.Session) (string, error)
}

// BlobExporter writes markdown reports into a blob store under a fixed
// prefix.
type BlobExporter struct {
	store  blob.Store
	prefix string
}

func NewBlobExporter(store blob.Store, prefix string) *BlobExporter {
	return &BlobExporter{store: store, prefix: prefix}
}

func (e *BlobExporter) Export(ctx context.Context, sess models.Session) (string, error) {
	doc := RenderMarkdown(sess)
	key := path.Join(e.prefix, sess.ID+".md")
	location, err := e.store.Upload(ctx, key, []byte(doc), "text/markdown")
	if err != nil {
		return "", fmt.Errorf("upload report for %s: %w", sess.ID, err)
	}
	return location, nil
}
