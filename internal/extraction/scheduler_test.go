package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docextract-backend/internal/documents"
	"docextract-backend/internal/shared/storage/object/local"
)

const owner = "user-1"

type extractorFunc func(ctx context.Context, data []byte, fileType string) (map[string]any, error)

func (f extractorFunc) Extract(ctx context.Context, data []byte, fileType string) (map[string]any, error) {
	return f(ctx, data, fileType)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *recordingDispatcher) taken() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Job(nil), d.jobs...)
}

type fixture struct {
	repo  *documents.MemoryRepo
	store *local.Store
	sched *Scheduler
	disp  *recordingDispatcher
}

func newFixture(t *testing.T, ex Extractor, opts Options) *fixture {
	t.Helper()
	repo := documents.NewMemoryRepo()
	store := local.New(t.TempDir())
	sched, err := NewScheduler(repo, store, ex, opts)
	require.NoError(t, err)
	disp := &recordingDispatcher{}
	sched.SetDispatcher(disp)
	return &fixture{repo: repo, store: store, sched: sched, disp: disp}
}

func (f *fixture) seed(t *testing.T, name string) documents.Document {
	t.Helper()
	ctx := context.Background()
	fileType, ok := documents.FileTypeFromName(name)
	require.True(t, ok)
	key, size, mime, err := f.store.Save(ctx, owner, name, bytes.NewReader([]byte("%PDF-1.4 content of "+name)))
	require.NoError(t, err)
	now := time.Now().UTC()
	doc := documents.Document{
		ID:               uuid.NewString(),
		OwnerID:          owner,
		DisplayName:      name,
		OriginalFilename: name,
		FileType:         fileType,
		MimeType:         mime,
		SizeBytes:        size,
		StorageProvider:  f.store.Provider(),
		StorageKey:       key,
		ExtractionState:  documents.StatePending,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, f.repo.Create(ctx, doc))
	return doc
}

func (f *fixture) get(t *testing.T, id string) documents.Document {
	t.Helper()
	doc, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func staticExtractor(out map[string]any) Extractor {
	return extractorFunc(func(context.Context, []byte, string) (map[string]any, error) {
		return out, nil
	})
}

func TestSubmitThenRunCompletes(t *testing.T) {
	f := newFixture(t, staticExtractor(map[string]any{"pages": 1, "text": "hello"}), Options{})
	doc := f.seed(t, "report.pdf")
	ctx := documents.WithRequestID(context.Background(), "req-1")

	submitted, err := f.sched.Submit(ctx, owner, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, documents.StateProcessing, submitted.ExtractionState)
	assert.Equal(t, 1, submitted.Attempts)
	require.NotNil(t, submitted.ProcessingStartedAt)

	jobs := f.disp.taken()
	require.Len(t, jobs, 1)
	assert.Equal(t, Job{DocumentID: doc.ID, OwnerID: owner, Version: submitted.Version, RequestID: "req-1"}, jobs[0])

	require.NoError(t, f.sched.Run(context.Background(), jobs[0]))

	got := f.get(t, doc.ID)
	assert.Equal(t, documents.StateCompleted, got.ExtractionState)
	assert.JSONEq(t, `{"pages":1,"text":"hello"}`, string(got.ExtractedData))
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.ProcessingStartedAt)
}

func TestSubmitUnknownOrForeignDocumentIsNotFound(t *testing.T) {
	f := newFixture(t, staticExtractor(map[string]any{}), Options{})
	doc := f.seed(t, "report.pdf")

	_, err := f.sched.Submit(context.Background(), "someone-else", doc.ID)
	assert.ErrorIs(t, err, documents.ErrNotFound)

	_, err = f.sched.Submit(context.Background(), owner, uuid.NewString())
	assert.ErrorIs(t, err, documents.ErrNotFound)
}

func TestConcurrentSubmitAdmitsExactlyOne(t *testing.T) {
	f := newFixture(t, staticExtractor(map[string]any{"ok": true}), Options{})
	doc := f.seed(t, "report.pdf")

	const callers = 8
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.sched.Submit(context.Background(), owner, doc.ID)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, documents.ErrAlreadyProcessing):
				rejected.Add(1)
			default:
				t.Errorf("unexpected submit error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(callers-1), rejected.Load())

	jobs := f.disp.taken()
	require.Len(t, jobs, 1)
	require.NoError(t, f.sched.Run(context.Background(), jobs[0]))

	got := f.get(t, doc.ID)
	assert.Equal(t, documents.StateCompleted, got.ExtractionState)
	assert.Equal(t, 1, got.Attempts)
}

func TestSubmitDocxIsRejectedAndStaysPending(t *testing.T) {
	f := newFixture(t, staticExtractor(map[string]any{}), Options{})
	doc := f.seed(t, "notes.docx")

	got, err := f.sched.Submit(context.Background(), owner, doc.ID)
	assert.ErrorIs(t, err, documents.ErrNotExtractable)
	assert.Equal(t, documents.StatePending, got.ExtractionState)

	assert.Empty(t, f.disp.taken())
	assert.Equal(t, documents.StatePending, f.get(t, doc.ID).ExtractionState)
}

func TestResubmitAfterCompletionReplacesData(t *testing.T) {
	var calls atomic.Int32
	ex := extractorFunc(func(context.Context, []byte, string) (map[string]any, error) {
		return map[string]any{"run": calls.Add(1)}, nil
	})
	f := newFixture(t, ex, Options{})
	doc := f.seed(t, "report.pdf")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.sched.Submit(ctx, owner, doc.ID)
		require.NoError(t, err)
		jobs := f.disp.taken()
		require.NoError(t, f.sched.Run(ctx, jobs[len(jobs)-1]))
	}

	got := f.get(t, doc.ID)
	assert.Equal(t, documents.StateCompleted, got.ExtractionState)
	assert.JSONEq(t, `{"run":2}`, string(got.ExtractedData))
	assert.Equal(t, 2, got.Attempts)
}

func TestResubmitAfterFailureClearsError(t *testing.T) {
	fail := atomic.Bool{}
	fail.Store(true)
	ex := extractorFunc(func(context.Context, []byte, string) (map[string]any, error) {
		if fail.Load() {
			return nil, errors.New("bad xref table")
		}
		return map[string]any{"pages": 2}, nil
	})
	f := newFixture(t, ex, Options{})
	doc := f.seed(t, "bad.pdf")
	ctx := context.Background()

	_, err := f.sched.Submit(ctx, owner, doc.ID)
	require.NoError(t, err)
	require.NoError(t, f.sched.Run(ctx, f.disp.taken()[0]))
	failed := f.get(t, doc.ID)
	assert.Equal(t, documents.StateFailed, failed.ExtractionState)
	assert.Equal(t, "bad xref table", failed.LastError)
	assert.Nil(t, failed.ExtractedData)

	fail.Store(false)
	_, err = f.sched.Submit(ctx, owner, doc.ID)
	require.NoError(t, err)
	require.NoError(t, f.sched.Run(ctx, f.disp.taken()[1]))
	got := f.get(t, doc.ID)
	assert.Equal(t, documents.StateCompleted, got.ExtractionState)
	assert.Empty(t, got.LastError)
}

func TestRunRecordsFailures(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	cases := map[string]struct {
		ex      Extractor
		wantErr string
	}{
		"extractor error": {
			ex: extractorFunc(func(context.Context, []byte, string) (map[string]any, error) {
				return nil, errors.New("malformed pdf:\nunexpected EOF")
			}),
			wantErr: "malformed pdf: unexpected EOF",
		},
		"extractor error with control bytes": {
			ex: extractorFunc(func(context.Context, []byte, string) (map[string]any, error) {
				return nil, errors.New("malformed pdf: bad token \x00\xff")
			}),
			wantErr: "malformed pdf: bad token",
		},
		"extractor panic": {
			ex: extractorFunc(func(context.Context, []byte, string) (map[string]any, error) {
				panic("index out of range")
			}),
			wantErr: "extractor panic: index out of range",
		},
		"extractor ignores timeout": {
			ex: extractorFunc(func(context.Context, []byte, string) (map[string]any, error) {
				<-block
				return map[string]any{}, nil
			}),
			wantErr: "extraction timed out after 20ms",
		},
		"nil output": {
			ex:      staticExtractor(nil),
			wantErr: "extraction produced an invalid payload",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, tc.ex, Options{ExtractionTimeout: 20 * time.Millisecond})
			doc := f.seed(t, "bad.pdf")

			_, err := f.sched.Submit(context.Background(), owner, doc.ID)
			require.NoError(t, err)
			require.NoError(t, f.sched.Run(context.Background(), f.disp.taken()[0]))

			got := f.get(t, doc.ID)
			assert.Equal(t, documents.StateFailed, got.ExtractionState)
			assert.Equal(t, tc.wantErr, got.LastError)
			assert.Nil(t, got.ExtractedData)
		})
	}
}

func TestRunFailsWhenBlobIsMissingOrTooLarge(t *testing.T) {
	f := newFixture(t, staticExtractor(map[string]any{"ok": true}), Options{MaxBlobBytes: 4})
	big := f.seed(t, "big.pdf")
	gone := f.seed(t, "gone.pdf")
	require.NoError(t, f.store.Delete(context.Background(), gone.StorageKey))

	for _, doc := range []documents.Document{big, gone} {
		_, err := f.sched.Submit(context.Background(), owner, doc.ID)
		require.NoError(t, err)
	}
	for _, job := range f.disp.taken() {
		require.NoError(t, f.sched.Run(context.Background(), job))
	}

	assert.Equal(t, "read document: file exceeds 4 bytes", f.get(t, big.ID).LastError)
	gotGone := f.get(t, gone.ID)
	assert.Equal(t, documents.StateFailed, gotGone.ExtractionState)
	assert.Contains(t, gotGone.LastError, "read document")
}

func TestSubmitDispatchFailureMarksFailed(t *testing.T) {
	f := newFixture(t, staticExtractor(map[string]any{}), Options{})
	f.disp.err = ErrPoolFull
	doc := f.seed(t, "report.pdf")

	got, err := f.sched.Submit(context.Background(), owner, doc.ID)
	assert.ErrorIs(t, err, documents.ErrDispatchFailed)
	assert.Equal(t, documents.StateFailed, got.ExtractionState)
	assert.Equal(t, "dispatch failed: extraction pool is full", got.LastError)
	assert.Equal(t, documents.StateFailed, f.get(t, doc.ID).ExtractionState)
}

func TestSubmitWithoutDispatcherMarksFailed(t *testing.T) {
	f := newFixture(t, staticExtractor(map[string]any{}), Options{})
	f.sched.SetDispatcher(nil)
	doc := f.seed(t, "report.pdf")

	_, err := f.sched.Submit(context.Background(), owner, doc.ID)
	assert.ErrorIs(t, err, documents.ErrDispatchFailed)
	assert.Equal(t, documents.StateFailed, f.get(t, doc.ID).ExtractionState)
}

func TestRunDropsStaleJobs(t *testing.T) {
	f := newFixture(t, staticExtractor(map[string]any{"late": true}), Options{})
	doc := f.seed(t, "report.pdf")
	ctx := context.Background()

	_, err := f.sched.Submit(ctx, owner, doc.ID)
	require.NoError(t, err)
	job := f.disp.taken()[0]

	oldJob := job
	oldJob.Version--
	require.NoError(t, f.sched.Run(ctx, oldJob))
	assert.Equal(t, documents.StateProcessing, f.get(t, doc.ID).ExtractionState)

	require.NoError(t, f.repo.Delete(ctx, owner, doc.ID))
	require.NoError(t, f.sched.Run(ctx, job))
}

func TestRunLosesRaceToSweep(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	ex := extractorFunc(func(context.Context, []byte, string) (map[string]any, error) {
		close(entered)
		<-release
		return map[string]any{"late": true}, nil
	})
	f := newFixture(t, ex, Options{})
	var skew atomic.Int64
	f.sched.now = func() time.Time { return time.Now().UTC().Add(time.Duration(skew.Load())) }
	doc := f.seed(t, "report.pdf")
	ctx := context.Background()

	_, err := f.sched.Submit(ctx, owner, doc.ID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx, f.disp.taken()[0]) }()
	<-entered

	skew.Store(int64(time.Hour))
	n, err := NewSweeper(f.sched).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	close(release)
	require.NoError(t, <-done)

	got := f.get(t, doc.ID)
	assert.Equal(t, documents.StateFailed, got.ExtractionState)
	assert.Equal(t, "extraction timed out", got.LastError)
	assert.Nil(t, got.ExtractedData)
}

func TestSanitizeError(t *testing.T) {
	assert.Equal(t, "a b c", sanitizeError(errors.New(" a\n b\r\n\tc ")))
	assert.Len(t, []rune(sanitizeError(errors.New(string(bytes.Repeat([]byte("x"), 900))))), maxErrorLength)
	assert.Equal(t, "", sanitizeError(nil))
	assert.Equal(t, "bad token", sanitizeError(errors.New("bad\x00 token \xff")))
	assert.True(t, utf8.ValidString(sanitizeError(errors.New(strings.Repeat("é", 600)+"\xc3"))))
}

func TestNewSchedulerValidatesOptions(t *testing.T) {
	_, err := NewScheduler(documents.NewMemoryRepo(), local.New(t.TempDir()), staticExtractor(nil), Options{
		ExtractionTimeout: time.Hour,
		ProcessingTimeout: time.Minute,
	})
	assert.Error(t, err)

	sched, err := NewScheduler(documents.NewMemoryRepo(), local.New(t.TempDir()), staticExtractor(nil), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, sched.Options().MaxSubmitRetries)
	assert.Equal(t, 2*time.Minute, sched.Options().ExtractionTimeout)
	assert.Equal(t, 10*time.Minute, sched.Options().ProcessingTimeout)
}

func TestExtractedDataIsObject(t *testing.T) {
	f := newFixture(t, staticExtractor(map[string]any{"nested": map[string]any{"k": []any{1, 2}}}), Options{})
	doc := f.seed(t, "report.pdf")

	_, err := f.sched.Submit(context.Background(), owner, doc.ID)
	require.NoError(t, err)
	require.NoError(t, f.sched.Run(context.Background(), f.disp.taken()[0]))

	var out map[string]any
	require.NoError(t, json.Unmarshal(f.get(t, doc.ID).ExtractedData, &out))
	assert.Contains(t, out, "nested")
}
