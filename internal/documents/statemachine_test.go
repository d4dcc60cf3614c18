package documents

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext(t *testing.T) {
	tests := []struct {
		name     string
		current  State
		fileType FileType
		ev       Event
		want     State
		wantErr  error
	}{
		{"pending pdf requested", StatePending, FileTypePDF, EventRequested, StateProcessing, nil},
		{"completed pdf requested", StateCompleted, FileTypePDF, EventRequested, StateProcessing, nil},
		{"failed pdf requested", StateFailed, FileTypePDF, EventRequested, StateProcessing, nil},
		{"processing requested", StateProcessing, FileTypePDF, EventRequested, "", ErrAlreadyProcessing},
		{"docx requested", StatePending, FileTypeDOCX, EventRequested, "", ErrNotExtractable},
		{"processing succeeded", StateProcessing, FileTypePDF, EventSucceeded, StateCompleted, nil},
		{"processing failed", StateProcessing, FileTypePDF, EventFailed, StateFailed, nil},
		{"pending succeeded", StatePending, FileTypePDF, EventSucceeded, "", ErrInvalidTransition},
		{"completed failed", StateCompleted, FileTypePDF, EventFailed, "", ErrInvalidTransition},
		{"unknown event", StatePending, FileTypePDF, Event("deleted"), "", ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.current, tt.fileType, tt.ev)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChangeRequiresObjectPayload(t *testing.T) {
	doc := Document{ExtractionState: StateProcessing, FileType: FileTypePDF, Version: 2}

	for _, payload := range []string{"", "null", "[1,2]", `"text"`, "{broken"} {
		_, err := Change(doc, EventSucceeded, json.RawMessage(payload), "", time.Now())
		assert.ErrorIs(t, err, ErrInvalidPayload, payload)
	}

	change, err := Change(doc, EventSucceeded, json.RawMessage(` {"pages":1}`), "ignored", time.Now())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, change.To)
	assert.Empty(t, change.LastError)
	assert.Equal(t, int64(2), change.FromVersion)
}

func TestChangeDefaultsFailureMessage(t *testing.T) {
	doc := Document{ExtractionState: StateProcessing, FileType: FileTypePDF}

	change, err := Change(doc, EventFailed, json.RawMessage(`{"x":1}`), "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "extraction failed", change.LastError)
	assert.Nil(t, change.ExtractedData)
}

func TestApplyKeepsDataAndErrorExclusive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := Document{
		ExtractionState: StateCompleted,
		FileType:        FileTypePDF,
		ExtractedData:   json.RawMessage(`{"old":true}`),
		Version:         3,
		Attempts:        1,
	}

	change, err := Change(doc, EventRequested, nil, "", now)
	require.NoError(t, err)
	processing := Apply(doc, change)
	assert.Equal(t, StateProcessing, processing.ExtractionState)
	assert.Nil(t, processing.ExtractedData)
	assert.Empty(t, processing.LastError)
	assert.Equal(t, int64(4), processing.Version)
	assert.Equal(t, 2, processing.Attempts)
	require.NotNil(t, processing.ProcessingStartedAt)
	assert.Equal(t, now, *processing.ProcessingStartedAt)

	change, err = Change(processing, EventFailed, nil, "boom", now.Add(time.Second))
	require.NoError(t, err)
	failed := Apply(processing, change)
	assert.Equal(t, "boom", failed.LastError)
	assert.Nil(t, failed.ExtractedData)
	assert.Nil(t, failed.ProcessingStartedAt)
	assert.Equal(t, "processing->failed", change.Transition())
}
