package documents

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory implementation of Repo.
type MemoryRepo struct {
	mu   sync.RWMutex
	data map[string]Document // id -> document
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		data: make(map[string]Document),
	}
}

// Create stores a new document.
func (r *MemoryRepo) Create(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[doc.ID]; exists {
		return ErrInvalidInput
	}
	r.data[doc.ID] = clone(doc)
	return nil
}

// GetByID returns a document by ID for its owner.
func (r *MemoryRepo) GetByID(ctx context.Context, ownerID, id string) (Document, error) {
	doc, err := r.Get(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if doc.OwnerID != ownerID {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

// Get returns a document by ID.
func (r *MemoryRepo) Get(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.data[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return clone(doc), nil
}

// ListByOwner returns documents for an owner, newest first, honoring limit/offset.
func (r *MemoryRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}

	r.mu.RLock()
	docs := make([]Document, 0)
	for _, doc := range r.data {
		if doc.OwnerID == ownerID {
			docs = append(docs, clone(doc))
		}
	}
	r.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].ID > docs[j].ID
		}
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})

	if offset >= len(docs) {
		return []Document{}, nil
	}
	end := len(docs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return docs[offset:end], nil
}

// Delete removes the document if it belongs to ownerID.
func (r *MemoryRepo) Delete(ctx context.Context, ownerID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.data[id]
	if !ok || doc.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(r.data, id)
	return nil
}

// UpdateState applies change under the write lock when state and version still match.
func (r *MemoryRepo) UpdateState(ctx context.Context, id string, change StateChange) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.data[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	if doc.ExtractionState != change.From || doc.Version != change.FromVersion {
		return Document{}, ErrStateConflict
	}
	updated := Apply(doc, change)
	r.data[id] = clone(updated)
	return clone(updated), nil
}

// ListStaleProcessing returns processing documents started before olderThan, oldest first.
func (r *MemoryRepo) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var out []Document
	for _, doc := range r.data {
		if doc.ExtractionState != StateProcessing || doc.ProcessingStartedAt == nil {
			continue
		}
		if doc.ProcessingStartedAt.Before(olderThan) {
			out = append(out, clone(doc))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ProcessingStartedAt.Before(*out[j].ProcessingStartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(doc Document) Document {
	if doc.ExtractedData != nil {
		doc.ExtractedData = append(json.RawMessage(nil), doc.ExtractedData...)
	}
	if doc.ProcessingStartedAt != nil {
		at := *doc.ProcessingStartedAt
		doc.ProcessingStartedAt = &at
	}
	return doc
}

var _ Repo = (*MemoryRepo)(nil)
