package documents

import (
	"context"
	"time"
)

// Repo defines persistence operations for documents.
type Repo interface {
	Create(ctx context.Context, doc Document) error
	// GetByID returns the document only when it belongs to ownerID.
	GetByID(ctx context.Context, ownerID, id string) (Document, error)
	// Get returns the document regardless of owner. Used by extraction workers.
	Get(ctx context.Context, id string) (Document, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Document, error)
	Delete(ctx context.Context, ownerID, id string) error
	// UpdateState writes change if the record is still at change.From and
	// change.FromVersion, returning ErrStateConflict otherwise.
	UpdateState(ctx context.Context, id string, change StateChange) (Document, error)
	// ListStaleProcessing returns processing records that started before olderThan.
	ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]Document, error)
}
