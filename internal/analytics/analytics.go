// Package analytics records per-product impression counters.
//
// Impressions are bucketed by UTC hour and written through the document
// store with increment patches, so concurrent requests never lose
// counts. Recording is best-effort: failures are logged and never
// surface to the request that triggered them.
package analytics

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/goghmarket/goghd/internal/docstore"
)

var productIDPattern = regexp.MustCompile(`^[0-9]+$`)

// ValidProductID reports whether id looks like a product identifier.
func ValidProductID(id string) bool {
	return productIDPattern.MatchString(id)
}

// Impression is one recorded view of a product page.
type Impression struct {
	ProductID string
	Platform  string
	Browser   string
	Referer   string
}

// Recorder writes impression counters.
type Recorder struct {
	store  docstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(store docstore.Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record increments the hour bucket for the impression's product.
func (r *Recorder) Record(ctx context.Context, imp Impression) {
	if !ValidProductID(imp.ProductID) {
		return
	}

	bucket := r.now().UTC().Truncate(time.Hour)
	filter := docstore.Filter{
		"productId": imp.ProductID,
		"timestamp": bucket.UnixMilli(),
	}
	patch := docstore.Patch{
		Set: docstore.Document{
			"hour":  int64(bucket.Hour()),
			"day":   int64(bucket.Day()),
			"month": int64(bucket.Month()),
			"year":  int64(bucket.Year()),
		},
		Inc: map[string]int64{"impressions": 1},
	}
	if imp.Platform != "" {
		patch.Inc["platform_"+imp.Platform] = 1
	}
	if imp.Browser != "" {
		patch.Inc["browser_"+imp.Browser] = 1
	}
	if imp.Referer != "" {
		patch.Inc["referer_"+imp.Referer] = 1
	}

	out := r.store.UpdateOne(ctx, docstore.Analytics, filter, patch, true)
	if !out.Succeeded() {
		r.logger.Warn("failed to store analytics data",
			"product_id", imp.ProductID,
			"error", out.Err,
		)
	}
}

// Get returns the newest impression bucket for a product, or
// docstore.ErrNotFound.
func (r *Recorder) Get(ctx context.Context, productID string) (docstore.Document, error) {
	docs, err := r.store.FindAll(ctx, docstore.Analytics, docstore.Filter{"productId": productID})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, docstore.ErrNotFound
	}
	newest := docs[0]
	for _, doc := range docs[1:] {
		if bucketMillis(doc) > bucketMillis(newest) {
			newest = doc
		}
	}
	return newest, nil
}

func bucketMillis(doc docstore.Document) int64 {
	switch n := doc["timestamp"].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
