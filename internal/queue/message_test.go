package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageUsesWireNames(t *testing.T) {
	got, err := DecodeMessage([]byte(`{"documentId":"doc-1","ownerId":"guest:g","documentVersion":3,"requestId":"req-1","enqueuedAt":"2026-01-30T22:00:00Z","version":1}`))
	require.NoError(t, err)

	assert.Equal(t, Message{
		DocumentID:      "doc-1",
		OwnerID:         "guest:g",
		DocumentVersion: 3,
		RequestID:       "req-1",
		EnqueuedAt:      "2026-01-30T22:00:00Z",
		Version:         MessageVersion,
	}, got)
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte("not json"))
	assert.Error(t, err)
}

func TestRedeliverCountsAttempts(t *testing.T) {
	body, attempts, err := Redeliver([]byte(`{"documentId":"doc-1","documentVersion":3,"version":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	body, attempts, err = Redeliver(body)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	msg, err := DecodeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", msg.DocumentID)
	assert.Equal(t, int64(3), msg.DocumentVersion)

	_, _, err = Redeliver([]byte("{"))
	assert.Error(t, err)
}
