package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"docextract-backend/internal/shared/storage/object"
	"docextract-backend/internal/shared/telemetry"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxDisplayName   = 255
	cleanupTimeout   = 10 * time.Second
)

// Extractions admits documents into asynchronous extraction.
type Extractions interface {
	Submit(ctx context.Context, ownerID, documentID string) (Document, error)
}

// Service contains business logic for documents. Every operation is scoped to
// the calling owner; records of other owners look like ErrNotFound.
type Service struct {
	Store       object.ObjectStore
	Repo        Repo
	Extractions Extractions
	Now         func() time.Time

	submits sync.WaitGroup
}

// NewService constructs a Service.
func NewService(store object.ObjectStore, repo Repo, extractions Extractions) *Service {
	return &Service{
		Store:       store,
		Repo:        repo,
		Extractions: extractions,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Upload stores the file, records it as pending and, for PDFs, requests
// extraction in the background. The pending record is returned; admission
// problems are logged, not returned.
func (s *Service) Upload(ctx context.Context, ownerID, originalFilename, displayName string, r io.Reader) (Document, error) {
	if strings.TrimSpace(ownerID) == "" || r == nil {
		return Document{}, ErrInvalidInput
	}
	originalFilename = strings.TrimSpace(originalFilename)
	if originalFilename == "" {
		return Document{}, ErrMissingFile
	}
	fileType, ok := FileTypeFromName(originalFilename)
	if !ok {
		return Document{}, ErrInvalidFileType
	}
	displayName = normalizeDisplayName(displayName, originalFilename)

	storageKey, size, mimeType, err := s.Store.Save(ctx, ownerID, originalFilename, r)
	if err != nil {
		if errors.Is(err, object.ErrInvalidFileName) {
			return Document{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return Document{}, fmt.Errorf("store upload: %w", err)
	}

	now := s.now()
	doc := Document{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		DisplayName:      displayName,
		OriginalFilename: originalFilename,
		FileType:         fileType,
		MimeType:         mimeType,
		SizeBytes:        size,
		StorageProvider:  s.Store.Provider(),
		StorageKey:       storageKey,
		ExtractionState:  StatePending,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.Repo.Create(ctx, doc); err != nil {
		s.deleteBlob(ctx, doc, "document.upload_cleanup_failed")
		return Document{}, fmt.Errorf("create document: %w", err)
	}

	telemetry.Info("document.uploaded", map[string]any{
		"request_id":  RequestIDFromContext(ctx),
		"user_id":     ownerID,
		"document_id": doc.ID,
		"file_type":   string(fileType),
		"size_bytes":  size,
	})

	if fileType.Extractable() && s.Extractions != nil {
		s.submits.Add(1)
		go func() {
			defer s.submits.Done()
			s.autoSubmit(context.WithoutCancel(ctx), ownerID, doc.ID)
		}()
	}
	return doc, nil
}

func (s *Service) autoSubmit(ctx context.Context, ownerID, id string) {
	if _, err := s.Extractions.Submit(ctx, ownerID, id); err != nil {
		telemetry.Warn("document.auto_extraction_not_started", map[string]any{
			"request_id":  RequestIDFromContext(ctx),
			"user_id":     ownerID,
			"document_id": id,
			"error":       err,
		})
	}
}

// Drain waits for extraction requests started by Upload to be handed off.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.submits.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestExtraction asks the scheduler to (re)extract a document.
func (s *Service) RequestExtraction(ctx context.Context, ownerID, id string) (Document, error) {
	if err := validateRef(ownerID, id); err != nil {
		return Document{}, err
	}
	if s.Extractions == nil {
		return Document{}, errors.New("extraction scheduler not configured")
	}
	return s.Extractions.Submit(ctx, ownerID, id)
}

// GetRecord returns document metadata without the extracted payload.
func (s *Service) GetRecord(ctx context.Context, ownerID, id string) (Document, error) {
	if err := validateRef(ownerID, id); err != nil {
		return Document{}, err
	}
	doc, err := s.Repo.GetByID(ctx, ownerID, id)
	if err != nil {
		return Document{}, err
	}
	doc.ExtractedData = nil
	return doc, nil
}

// Result returns the current extraction status with data or error. It never
// waits for an in-flight extraction.
func (s *Service) Result(ctx context.Context, ownerID, id string) (ResultView, error) {
	if err := validateRef(ownerID, id); err != nil {
		return ResultView{}, err
	}
	doc, err := s.Repo.GetByID(ctx, ownerID, id)
	if err != nil {
		return ResultView{}, err
	}
	return resultView(doc), nil
}

// Delete removes the stored file and the record. A failing blob delete is
// logged and does not keep the record alive.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := validateRef(ownerID, id); err != nil {
		return err
	}
	doc, err := s.Repo.GetByID(ctx, ownerID, id)
	if err != nil {
		return err
	}
	s.deleteBlob(ctx, doc, "document.blob_delete_failed")
	if err := s.Repo.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	telemetry.Info("document.deleted", map[string]any{
		"request_id":  RequestIDFromContext(ctx),
		"user_id":     ownerID,
		"document_id": id,
		"state":       string(doc.ExtractionState),
	})
	return nil
}

// List returns the owner's documents newest first.
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]Document, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	docs, err := s.Repo.ListByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].ExtractedData = nil
	}
	return docs, nil
}

func (s *Service) deleteBlob(ctx context.Context, doc Document, event string) {
	if doc.StorageKey == "" {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.Store.Delete(cleanupCtx, doc.StorageKey); err != nil {
		telemetry.Warn(event, map[string]any{
			"request_id":  RequestIDFromContext(ctx),
			"user_id":     doc.OwnerID,
			"document_id": doc.ID,
			"storage_key": doc.StorageKey,
			"error":       err,
		})
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func validateRef(ownerID, id string) error {
	if strings.TrimSpace(ownerID) == "" {
		return ErrInvalidInput
	}
	// Malformed ids cannot exist; answer like any other unknown id.
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	return nil
}

func normalizeDisplayName(displayName, originalFilename string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = originalFilename
	}
	if r := []rune(name); len(r) > maxDisplayName {
		name = string(r[:maxDisplayName])
	}
	return strings.ToValidUTF8(name, "")
}
