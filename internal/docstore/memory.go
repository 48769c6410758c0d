package docstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Memory is an in-memory store for development mode and tests.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]Document
	nextID      atomic.Int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string][]Document),
	}
}

func (m *Memory) FindOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			return copyDocument(doc), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindAll(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Document
	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			out = append(out, copyDocument(doc))
		}
	}
	return out, nil
}

func (m *Memory) UpdateOne(ctx context.Context, collection string, filter Filter, patch Patch, upsert bool) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updateLocked(collection, filter, patch, upsert)
}

func (m *Memory) updateLocked(collection string, filter Filter, patch Patch, upsert bool) Outcome {
	docs := m.collections[collection]
	for _, doc := range docs {
		if !matches(doc, filter) {
			continue
		}
		out := Outcome{Acknowledged: true, MatchedCount: 1}
		if applyPatch(doc, patch) {
			out.ModifiedCount = 1
		}
		return out.finalize()
	}

	if !upsert {
		return Outcome{Acknowledged: true}.finalize()
	}

	// Seed the new document from the filter's equality fields, as an
	// upsert does, then apply the patch.
	doc := Document{}
	for k, v := range filter {
		if k == "$or" {
			continue
		}
		doc[k] = v
	}
	applyPatch(doc, patch)
	m.collections[collection] = append(docs, doc)

	id := fmt.Sprintf("mem-%d", m.nextID.Add(1))
	return Outcome{Acknowledged: true, UpsertedID: id}.finalize()
}

func (m *Memory) UpdateMany(ctx context.Context, specs []UpdateSpec) []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcomes := make([]Outcome, 0, len(specs))
	for _, spec := range specs {
		outcomes = append(outcomes, m.updateLocked(spec.Collection, spec.Filter, spec.Patch, spec.Upsert))
	}
	return outcomes
}

func (m *Memory) InsertMany(ctx context.Context, collection string, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, doc := range docs {
		m.collections[collection] = append(m.collections[collection], copyDocument(doc))
	}
	return nil
}

func (m *Memory) DeleteOne(ctx context.Context, collection string, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.collections[collection]
	for i, doc := range docs {
		if matches(doc, filter) {
			m.collections[collection] = append(docs[:i], docs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) DeleteMany(ctx context.Context, collection string, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []Document
	for _, doc := range m.collections[collection] {
		if !matches(doc, filter) {
			kept = append(kept, doc)
		}
	}
	m.collections[collection] = kept
	return nil
}

// applyPatch mutates doc in place and reports whether anything changed.
func applyPatch(doc Document, patch Patch) bool {
	changed := false
	for k, v := range patch.Set {
		if !equalValue(doc[k], v) {
			doc[k] = v
			changed = true
		}
	}
	for k, n := range patch.Inc {
		cur, _ := asFloat(doc[k])
		doc[k] = int64(cur) + n
		changed = true
	}
	return changed
}

// copyDocument returns a shallow field copy so callers cannot mutate
// stored documents through the returned map.
func copyDocument(doc Document) Document {
	cp := make(Document, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	return cp
}

// Compile-time assertion that Memory implements Store.
var _ Store = (*Memory)(nil)
