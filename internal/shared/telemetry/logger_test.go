package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesFlatJSONLine(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })

	Error("extraction.failed", map[string]any{
		"document_id": "doc-1",
		"error":       errors.New("boom"),
	})

	var payload map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload))
	assert.Equal(t, "error", payload["level"])
	assert.Equal(t, "extraction.failed", payload["msg"])
	assert.Equal(t, "doc-1", payload["document_id"])
	assert.Equal(t, "boom", payload["error"])
	assert.NotEmpty(t, payload["ts"])
}
