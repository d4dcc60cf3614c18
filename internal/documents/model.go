package documents

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
)

// State is the extraction state of a document.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// FileType is the accepted upload format, derived from the file extension.
type FileType string

const (
	FileTypePDF  FileType = "pdf"
	FileTypeDOCX FileType = "docx"
)

// FileTypeFromName maps an uploaded file name to its FileType.
func FileTypeFromName(name string) (FileType, bool) {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(name))) {
	case ".pdf":
		return FileTypePDF, true
	case ".docx":
		return FileTypeDOCX, true
	default:
		return "", false
	}
}

// Extractable reports whether content extraction is supported for the type.
func (f FileType) Extractable() bool {
	return f == FileTypePDF
}

// Document is an uploaded file owned by a user together with its extraction state.
//
// ExtractedData is set only in StateCompleted and LastError only in StateFailed.
// Version increases on every state write and guards concurrent updates.
type Document struct {
	ID                  string
	OwnerID             string
	DisplayName         string
	OriginalFilename    string
	FileType            FileType
	MimeType            string
	SizeBytes           int64
	StorageProvider     string
	StorageKey          string
	ExtractionState     State
	ExtractedData       json.RawMessage
	LastError           string
	Version             int64
	Attempts            int
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ResultView is a point-in-time view of extraction output.
type ResultView struct {
	Status State
	Data   json.RawMessage
	Error  string
}

func resultView(doc Document) ResultView {
	switch doc.ExtractionState {
	case StateCompleted:
		return ResultView{Status: doc.ExtractionState, Data: doc.ExtractedData}
	case StateFailed:
		return ResultView{Status: doc.ExtractionState, Error: doc.LastError}
	default:
		return ResultView{Status: doc.ExtractionState}
	}
}
