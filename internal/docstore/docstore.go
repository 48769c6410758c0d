// Package docstore provides a narrow document-store abstraction used to
// mirror on-chain escrow state.
//
// Documents live in named collections ("escrows", "logs", "analytics")
// and are addressed by equality filters. Multi-collection updates are
// applied independently per collection, never transactionally across
// collections; callers rely on idempotent upserts to converge after a
// partial failure.
package docstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("docstore: document not found")
	ErrNoMatch           = errors.New("docstore: filter matched no documents")
	ErrUnknownCollection = errors.New("docstore: unknown collection")
)

// Collection names used by the mirror.
const (
	Escrows   = "escrows"
	Logs      = "logs"
	Analytics = "analytics"
)

// Document is a schemaless record.
type Document map[string]any

// Filter selects documents by field equality. The special key "$or"
// holds a []Filter of which at least one must match.
type Filter map[string]any

// Patch describes a partial update. Set overwrites fields; Inc adds to
// numeric fields, treating absent fields as zero.
type Patch struct {
	Set Document
	Inc map[string]int64
}

// Status classifies the result of an update without making callers
// reverse-engineer intent from raw counters.
type Status string

const (
	StatusApplied        Status = "applied"
	StatusAlreadyApplied Status = "already_applied"
	StatusFailed         Status = "failed"
)

// Outcome reports a single-collection update result.
type Outcome struct {
	Status        Status
	Acknowledged  bool
	MatchedCount  int64
	ModifiedCount int64
	UpsertedID    string
	Err           error
}

// Succeeded reports whether the update took effect or was a no-op
// against a document already in the desired state. Reprocessing the
// same chain event matches an unchanged document and still succeeds.
func (o Outcome) Succeeded() bool {
	return o.Acknowledged && (o.MatchedCount > 0 || o.ModifiedCount > 0 || o.UpsertedID != "")
}

// finalize derives Status from the counters.
func (o Outcome) finalize() Outcome {
	switch {
	case !o.Succeeded():
		o.Status = StatusFailed
		if o.Err == nil {
			o.Err = ErrNoMatch
		}
	case o.ModifiedCount > 0 || o.UpsertedID != "":
		o.Status = StatusApplied
	default:
		o.Status = StatusAlreadyApplied
	}
	return o
}

// failedOutcome wraps a backend error as an unacknowledged outcome.
func failedOutcome(err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err}
}

// UpdateSpec is one collection's share of an UpdateMany call.
type UpdateSpec struct {
	Collection string
	Filter     Filter
	Patch      Patch
	Upsert     bool
}

// Store is the operation set the mirror consumes.
type Store interface {
	FindOne(ctx context.Context, collection string, filter Filter) (Document, error)
	FindAll(ctx context.Context, collection string, filter Filter) ([]Document, error)
	UpdateOne(ctx context.Context, collection string, filter Filter, patch Patch, upsert bool) Outcome
	// UpdateMany applies each spec independently; one outcome per spec,
	// in order. A failure in one collection does not roll back another.
	UpdateMany(ctx context.Context, specs []UpdateSpec) []Outcome
	InsertMany(ctx context.Context, collection string, docs []Document) error
	DeleteOne(ctx context.Context, collection string, filter Filter) error
	DeleteMany(ctx context.Context, collection string, filter Filter) error
}

// matches reports whether doc satisfies filter.
func matches(doc Document, filter Filter) bool {
	for k, want := range filter {
		if k == "$or" {
			alts, ok := want.([]Filter)
			if !ok {
				return false
			}
			any := false
			for _, alt := range alts {
				if matches(doc, alt) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
			continue
		}
		if !equalValue(doc[k], want) {
			return false
		}
	}
	return true
}

// equalValue compares field values, normalizing numeric types so that a
// JSON round trip (which yields float64) still compares equal.
func equalValue(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
