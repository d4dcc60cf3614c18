package extraction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docextract-backend/internal/documents"
)

func TestSweepOnceFailsOnlyStaleProcessing(t *testing.T) {
	f := newFixture(t, staticExtractor(map[string]any{"ok": true}), Options{ProcessingTimeout: 10 * time.Minute})
	ctx := context.Background()
	stuck := f.seed(t, "stuck.pdf")
	pending := f.seed(t, "pending.pdf")
	fresh := f.seed(t, "fresh.pdf")

	_, err := f.sched.Submit(ctx, owner, stuck.ID)
	require.NoError(t, err)

	base := time.Now().UTC()
	f.sched.now = func() time.Time { return base.Add(11 * time.Minute) }
	_, err = f.sched.Submit(ctx, owner, fresh.ID)
	require.NoError(t, err)

	n, err := NewSweeper(f.sched).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.get(t, stuck.ID)
	assert.Equal(t, documents.StateFailed, got.ExtractionState)
	assert.Equal(t, "extraction timed out", got.LastError)
	assert.Equal(t, documents.StatePending, f.get(t, pending.ID).ExtractionState)
	assert.Equal(t, documents.StateProcessing, f.get(t, fresh.ID).ExtractionState)

	// The worker that held the stuck record finishing late must not revive it.
	require.NoError(t, f.sched.Run(ctx, f.disp.taken()[0]))
	assert.Equal(t, documents.StateFailed, f.get(t, stuck.ID).ExtractionState)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	f := newFixture(t, staticExtractor(map[string]any{}), Options{SweepInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewSweeper(f.sched).Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
