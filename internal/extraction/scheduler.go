package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"docextract-backend/internal/documents"
	"docextract-backend/internal/shared/metrics"
	"docextract-backend/internal/shared/storage/object"
	"docextract-backend/internal/shared/telemetry"
)

const (
	stateWriteTimeout = 10 * time.Second
	maxErrorLength    = 500
)

// Extractor turns stored file bytes into a JSON object.
type Extractor interface {
	Extract(ctx context.Context, data []byte, fileType string) (map[string]any, error)
}

// Job identifies one admitted extraction attempt. Version is the record version
// written when the document entered processing; results for any other version
// are stale.
type Job struct {
	DocumentID string
	OwnerID    string
	Version    int64
	RequestID  string
}

// Dispatcher hands admitted jobs to whatever runs them. It must not wait for
// the extraction itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Scheduler admits documents into extraction and records the outcome of each
// attempt. All state writes go through Repo.UpdateState so that concurrent
// submits, workers and the sweep can never both win.
type Scheduler struct {
	repo      documents.Repo
	store     object.ObjectStore
	extractor Extractor
	opts      Options
	now       func() time.Time

	mu         sync.RWMutex
	dispatcher Dispatcher
}

// NewScheduler constructs a Scheduler. A dispatcher must be set before Submit
// can admit anything.
func NewScheduler(repo documents.Repo, store object.ObjectStore, extractor Extractor, opts Options) (*Scheduler, error) {
	if repo == nil || store == nil || extractor == nil {
		return nil, errors.New("extraction scheduler: repo, store and extractor are required")
	}
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	return &Scheduler{
		repo:      repo,
		store:     store,
		extractor: extractor,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetDispatcher installs the dispatcher used for admitted jobs.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

// Options returns the effective options after defaults.
func (s *Scheduler) Options() Options {
	return s.opts
}

func (s *Scheduler) getDispatcher() Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatcher
}

// Submit moves the owner's document to processing and dispatches a job for it.
// A refused request returns the unchanged document with ErrNotExtractable or
// ErrAlreadyProcessing. If the job cannot be dispatched the document is marked
// failed and ErrDispatchFailed is returned.
func (s *Scheduler) Submit(ctx context.Context, ownerID, documentID string) (documents.Document, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxSubmitRetries; attempt++ {
		doc, err := s.repo.GetByID(ctx, ownerID, documentID)
		if err != nil {
			return documents.Document{}, err
		}

		change, err := documents.Change(doc, documents.EventRequested, nil, "", s.now())
		if err != nil {
			metrics.IncExtractionRejected()
			telemetry.Info("extraction.rejected", map[string]any{
				"request_id":  documents.RequestIDFromContext(ctx),
				"user_id":     ownerID,
				"document_id": documentID,
				"state":       string(doc.ExtractionState),
				"reason":      err.Error(),
			})
			return doc, err
		}

		updated, err := s.repo.UpdateState(ctx, doc.ID, change)
		if errors.Is(err, documents.ErrStateConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return doc, fmt.Errorf("admit extraction: %w", err)
		}

		metrics.IncExtractionSubmitted()
		telemetry.Info("extraction.status", map[string]any{
			"request_id":        documents.RequestIDFromContext(ctx),
			"user_id":           ownerID,
			"document_id":       documentID,
			"status_transition": change.Transition(),
			"version":           updated.Version,
			"attempts":          updated.Attempts,
		})
		return s.dispatch(ctx, updated)
	}
	return documents.Document{}, fmt.Errorf("submit %s: %w", documentID, lastErr)
}

func (s *Scheduler) dispatch(ctx context.Context, doc documents.Document) (documents.Document, error) {
	job := Job{
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		Version:    doc.Version,
		RequestID:  documents.RequestIDFromContext(ctx),
	}

	var err error
	if d := s.getDispatcher(); d != nil {
		err = d.Dispatch(ctx, job)
	} else {
		err = errors.New("no dispatcher configured")
	}
	if err == nil {
		return doc, nil
	}

	telemetry.Error("extraction.dispatch_failed", map[string]any{
		"request_id":  job.RequestID,
		"user_id":     job.OwnerID,
		"document_id": job.DocumentID,
		"error":       err,
	})
	failed, ferr := s.resolve(ctx, doc, documents.EventFailed, nil, "dispatch failed: "+sanitizeError(err))
	if ferr != nil {
		telemetry.Error("extraction.resolve_failed", map[string]any{
			"request_id":  job.RequestID,
			"document_id": job.DocumentID,
			"error":       ferr,
		})
	} else {
		metrics.IncExtractionFailed()
		doc = failed
	}
	return doc, fmt.Errorf("%w: %v", documents.ErrDispatchFailed, err)
}

// Run executes one job: it reads the stored file, runs the extractor and
// records completed or failed. A job whose version no longer matches the record
// is dropped. The returned error is non-nil only when the outcome could not be
// recorded at all.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	started := s.now()
	ctx = documents.WithRequestID(ctx, job.RequestID)

	doc, err := s.repo.Get(ctx, job.DocumentID)
	if errors.Is(err, documents.ErrNotFound) {
		s.dropStale(job, "document deleted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load document %s: %w", job.DocumentID, err)
	}
	if doc.ExtractionState != documents.StateProcessing || doc.Version != job.Version {
		s.dropStale(job, "document moved on")
		return nil
	}

	data, err := s.readBlob(ctx, doc)
	if err != nil {
		return s.finish(ctx, doc, job, nil, fmt.Errorf("read document: %w", err), started)
	}

	out, err := s.extract(ctx, data, doc.FileType)
	if err != nil {
		return s.finish(ctx, doc, job, nil, err, started)
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return s.finish(ctx, doc, job, nil, fmt.Errorf("encode extracted data: %w", err), started)
	}
	return s.finish(ctx, doc, job, payload, nil, started)
}

func (s *Scheduler) readBlob(ctx context.Context, doc documents.Document) ([]byte, error) {
	rc, err := s.store.Open(ctx, doc.StorageKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, s.opts.MaxBlobBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.opts.MaxBlobBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", s.opts.MaxBlobBytes)
	}
	return data, nil
}

type extractResult struct {
	out map[string]any
	err error
}

// extract runs the extractor under the per-job timeout. A panicking extractor
// is reported as an error. An extractor that ignores its context keeps its
// goroutine until it returns, but the job no longer waits for it.
func (s *Scheduler) extract(ctx context.Context, data []byte, fileType documents.FileType) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ExtractionTimeout)
	defer cancel()

	done := make(chan extractResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- extractResult{err: fmt.Errorf("extractor panic: %v", rec)}
			}
		}()
		out, err := s.extractor.Extract(ctx, data, string(fileType))
		done <- extractResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("extraction timed out after %s", s.opts.ExtractionTimeout)
		}
		return nil, ctx.Err()
	}
}

func (s *Scheduler) finish(ctx context.Context, doc documents.Document, job Job, payload json.RawMessage, runErr error, started time.Time) error {
	ev, msg := documents.EventSucceeded, ""
	if runErr != nil {
		ev, msg = documents.EventFailed, sanitizeError(runErr)
	}

	updated, err := s.resolve(ctx, doc, ev, payload, msg)
	if err != nil && ev == documents.EventSucceeded && !isStale(err) {
		msg = "could not store extraction result"
		if errors.Is(err, documents.ErrInvalidPayload) {
			msg = "extraction produced an invalid payload"
		}
		telemetry.Warn("extraction.complete_write_failed", map[string]any{
			"request_id":  job.RequestID,
			"document_id": job.DocumentID,
			"error":       err,
		})
		ev = documents.EventFailed
		updated, err = s.resolve(ctx, doc, ev, nil, msg)
	}
	if err != nil {
		if isStale(err) {
			s.dropStale(job, "result superseded")
			return nil
		}
		telemetry.Error("extraction.resolve_failed", map[string]any{
			"request_id":  job.RequestID,
			"document_id": job.DocumentID,
			"error":       err,
		})
		return fmt.Errorf("record extraction outcome: %w", err)
	}

	elapsed := s.now().Sub(started)
	metrics.ObserveExtractionDurationMs(float64(elapsed.Milliseconds()))
	fields := map[string]any{
		"request_id":        job.RequestID,
		"user_id":           job.OwnerID,
		"document_id":       job.DocumentID,
		"status_transition": string(documents.StateProcessing) + "->" + string(updated.ExtractionState),
		"version":           updated.Version,
		"duration_ms":       elapsed.Milliseconds(),
	}
	if ev == documents.EventFailed {
		metrics.IncExtractionFailed()
		fields["error"] = msg
		telemetry.Warn("extraction.status", fields)
		return nil
	}
	metrics.IncExtractionCompleted()
	telemetry.Info("extraction.status", fields)
	return nil
}

// resolve writes a terminal state for doc. The write outlives the caller's
// context so a finished extraction is not lost to a cancelled request.
func (s *Scheduler) resolve(ctx context.Context, doc documents.Document, ev documents.Event, data json.RawMessage, lastError string) (documents.Document, error) {
	change, err := documents.Change(doc, ev, data, lastError, s.now())
	if err != nil {
		return documents.Document{}, err
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateWriteTimeout)
	defer cancel()
	return s.repo.UpdateState(writeCtx, doc.ID, change)
}

func (s *Scheduler) dropStale(job Job, reason string) {
	metrics.IncExtractionStale()
	telemetry.Info("extraction.stale_dropped", map[string]any{
		"request_id":  job.RequestID,
		"document_id": job.DocumentID,
		"version":     job.Version,
		"reason":      reason,
	})
}

func isStale(err error) bool {
	return errors.Is(err, documents.ErrStateConflict) || errors.Is(err, documents.ErrNotFound)
}

// sanitizeError flattens err into a single line of valid UTF-8 without NUL
// bytes, short enough to store as the document's last error.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToValidUTF8(strings.ReplaceAll(err.Error(), "\x00", ""), "")
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		return "extraction failed"
	}
	if r := []rune(msg); len(r) > maxErrorLength {
		msg = string(r[:maxErrorLength])
	}
	return msg
}
