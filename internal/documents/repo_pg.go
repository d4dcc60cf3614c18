package documents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const documentColumns = `id, owner_id, display_name, original_filename, file_type, mime_type, size_bytes,
storage_provider, storage_key, extraction_state, extracted_data, last_error, version, attempts,
processing_started_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var fileType, state string
	var data []byte
	var lastError sql.NullString
	var startedAt sql.NullTime
	if err := row.Scan(
		&doc.ID,
		&doc.OwnerID,
		&doc.DisplayName,
		&doc.OriginalFilename,
		&fileType,
		&doc.MimeType,
		&doc.SizeBytes,
		&doc.StorageProvider,
		&doc.StorageKey,
		&state,
		&data,
		&lastError,
		&doc.Version,
		&doc.Attempts,
		&startedAt,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	); err != nil {
		return Document{}, err
	}
	doc.FileType = FileType(fileType)
	doc.ExtractionState = State(state)
	if len(data) > 0 {
		doc.ExtractedData = json.RawMessage(data)
	}
	if lastError.Valid {
		doc.LastError = lastError.String
	}
	if startedAt.Valid {
		at := startedAt.Time
		doc.ProcessingStartedAt = &at
	}
	return doc, nil
}

// Create inserts a new document.
func (r *PGRepo) Create(ctx context.Context, doc Document) error {
	const query = `
INSERT INTO documents (
    id,
    owner_id,
    display_name,
    original_filename,
    file_type,
    mime_type,
    size_bytes,
    storage_provider,
    storage_key,
    extraction_state,
    version,
    created_at,
    updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	storageProvider := doc.StorageProvider
	if storageProvider == "" {
		storageProvider = "local"
	}
	state := doc.ExtractionState
	if state == "" {
		state = StatePending
	}

	_, err := r.DB.ExecContext(
		ctx,
		query,
		doc.ID,
		doc.OwnerID,
		doc.DisplayName,
		doc.OriginalFilename,
		string(doc.FileType),
		doc.MimeType,
		doc.SizeBytes,
		storageProvider,
		doc.StorageKey,
		string(state),
		doc.Version,
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	return err
}

// GetByID fetches a document by ID for its owner.
func (r *PGRepo) GetByID(ctx context.Context, ownerID, id string) (Document, error) {
	query := `SELECT ` + documentColumns + `
FROM documents
WHERE owner_id = $1 AND id = $2`
	doc, err := scanDocument(r.DB.QueryRowContext(ctx, query, ownerID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return doc, nil
}

// Get fetches a document by ID.
func (r *PGRepo) Get(ctx context.Context, id string) (Document, error) {
	query := `SELECT ` + documentColumns + `
FROM documents
WHERE id = $1`
	doc, err := scanDocument(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return doc, nil
}

// ListByOwner lists documents ordered newest-first.
func (r *PGRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + documentColumns + `
FROM documents
WHERE owner_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`

	rows, err := r.DB.QueryContext(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Delete removes a document owned by ownerID.
func (r *PGRepo) Delete(ctx context.Context, ownerID, id string) error {
	const query = `DELETE FROM documents WHERE owner_id = $1 AND id = $2`
	res, err := r.DB.ExecContext(ctx, query, ownerID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateState performs a compare-and-set on (extraction_state, version).
func (r *PGRepo) UpdateState(ctx context.Context, id string, change StateChange) (Document, error) {
	query := `
UPDATE documents
SET extraction_state = $1,
    extracted_data = $2,
    last_error = $3,
    version = version + 1,
    attempts = attempts + $4,
    processing_started_at = $5,
    updated_at = $6
WHERE id = $7 AND extraction_state = $8 AND version = $9
RETURNING ` + documentColumns

	var data any
	if len(change.ExtractedData) > 0 {
		data = string(change.ExtractedData)
	}
	var lastError sql.NullString
	if change.LastError != "" {
		lastError = sql.NullString{String: change.LastError, Valid: true}
	}
	attemptsDelta := 0
	var startedAt sql.NullTime
	if change.To == StateProcessing {
		attemptsDelta = 1
		startedAt = sql.NullTime{Time: change.At, Valid: true}
	}

	doc, err := scanDocument(r.DB.QueryRowContext(
		ctx,
		query,
		string(change.To),
		data,
		lastError,
		attemptsDelta,
		startedAt,
		change.At,
		id,
		string(change.From),
		change.FromVersion,
	))
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Document{}, err
	}

	var exists bool
	if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Document{}, err
	}
	if !exists {
		return Document{}, ErrNotFound
	}
	return Document{}, ErrStateConflict
}

// ListStaleProcessing returns processing documents that started before olderThan.
func (r *PGRepo) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + documentColumns + `
FROM documents
WHERE extraction_state = 'processing' AND processing_started_at < $1
ORDER BY processing_started_at
LIMIT $2`

	rows, err := r.DB.QueryContext(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

var _ Repo = (*PGRepo)(nil)
