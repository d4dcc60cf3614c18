package extraction

import (
	"context"
	"errors"
	"time"

	"docextract-backend/internal/documents"
	"docextract-backend/internal/shared/metrics"
	"docextract-backend/internal/shared/telemetry"
)

const timedOutMessage = "extraction timed out"

// Sweeper fails records that have been processing longer than the processing
// timeout, e.g. because the worker holding them died.
type Sweeper struct {
	sched *Scheduler
}

func NewSweeper(sched *Scheduler) *Sweeper {
	return &Sweeper{sched: sched}
}

// SweepOnce fails one batch of stale processing records and returns how many
// it resolved.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	s := w.sched
	cutoff := s.now().Add(-s.opts.ProcessingTimeout)
	stale, err := s.repo.ListStaleProcessing(ctx, cutoff, s.opts.SweepBatch)
	if err != nil {
		return 0, err
	}

	swept := 0
	var errs []error
	for _, doc := range stale {
		if _, err := s.resolve(ctx, doc, documents.EventFailed, nil, timedOutMessage); err != nil {
			if isStale(err) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		swept++
		metrics.IncExtractionSwept()
		metrics.IncExtractionFailed()
		telemetry.Warn("extraction.status", map[string]any{
			"user_id":           doc.OwnerID,
			"document_id":       doc.ID,
			"status_transition": string(documents.StateProcessing) + "->" + string(documents.StateFailed),
			"error":             timedOutMessage,
		})
	}
	return swept, errors.Join(errs...)
}

// Run sweeps every SweepInterval until ctx ends.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.sched.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := w.SweepOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				telemetry.Error("extraction.sweep_failed", map[string]any{"swept": n, "error": err})
			}
		}
	}
}
