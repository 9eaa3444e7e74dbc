package search

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	wvmodels "github.com/weaviate/weaviate/entities/models"

	"sales-insight-service/internal/apperr"
	"sales-insight-service/internal/models"
)

// SessionClass is the Weaviate class analyzed sessions are written to.
const SessionClass = "SalesSession"

// WeaviateIndexer stores sessions in Weaviate for semantic retrieval.
type WeaviateIndexer struct {
	client *weaviate.Client
}

func NewWeaviate(host, scheme string) (*WeaviateIndexer, error) {
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateIndexer{client: client}, nil
}

// EnsureSchema creates the session class if it does not exist yet.
func (w *WeaviateIndexer) EnsureSchema(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().
		WithClassName(SessionClass).Do(ctx)
	if err != nil {
		return fmt.Errorf("check weaviate schema: %w", err)
	}
	if exists {
		return nil
	}
	class := &wvmodels.Class{
		Class:      SessionClass,
		Vectorizer: "none",
		Properties: []*wvmodels.Property{
			{Name: "sessionId", DataType: []string{"text"}},
			{Name: "userId", DataType: []string{"text"}},
			{Name: "storeId", DataType: []string{"text"}},
			{Name: "createdAt", DataType: []string{"date"}},
			{Name: "transcript", DataType: []string{"text"}},
			{Name: "overallSentiment", DataType: []string{"text"}},
			{Name: "keyPoints", DataType: []string{"text[]"}},
			{Name: "nextActions", DataType: []string{"text[]"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create weaviate class: %w", err)
	}
	return nil
}

// Index writes the masked transcript and summary fields under the session id.
func (w *WeaviateIndexer) Index(ctx context.Context, sess models.Session) error {
	if sess.PiiMasked == nil {
		return fmt.Errorf("session %s has no masked transcript to index", sess.ID)
	}
	props := map[string]any{
		"sessionId":  sess.ID,
		"userId":     sess.UserID,
		"storeId":    sess.StoreID,
		"createdAt":  sess.CreatedAt,
		"transcript": sess.PiiMasked.FullText,
	}
	if sess.Sentiment != nil {
		props["overallSentiment"] = sess.Sentiment.Overall
	}
	if sess.Summary != nil {
		props["keyPoints"] = sess.Summary.KeyPoints
		props["nextActions"] = sess.Summary.NextActions
	}

	_, err := w.client.Data().Creator().
		WithClassName(SessionClass).
		WithID(sess.ID).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		return apperr.Dependency("search indexing", err)
	}
	return nil
}
