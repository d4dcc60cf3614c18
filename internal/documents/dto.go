package documents

import (
	"encoding/json"
	"time"
)

// DocumentResponse is the outward-facing representation of a document. It never
// carries the storage key or the extracted payload.
type DocumentResponse struct {
	DocumentID          string     `json:"documentId"`
	Name                string     `json:"name"`
	OriginalFilename    string     `json:"originalFilename"`
	FileType            FileType   `json:"fileType"`
	MimeType            string     `json:"mimeType"`
	SizeBytes           int64      `json:"sizeBytes"`
	Status              State      `json:"status"`
	Error               string     `json:"error,omitempty"`
	Attempts            int        `json:"attempts"`
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// ListResponse wraps a page of documents.
type ListResponse struct {
	Count     int                `json:"count"`
	Documents []DocumentResponse `json:"documents"`
}

// DataResponse carries completed extraction output.
type DataResponse struct {
	DocumentID string          `json:"documentId"`
	Status     State           `json:"status"`
	Data       json.RawMessage `json:"data"`
}

// StatusResponse is returned while extraction is pending or running, and when
// extraction is (re)requested.
type StatusResponse struct {
	DocumentID string `json:"documentId"`
	Status     State  `json:"status"`
	Message    string `json:"message,omitempty"`
}

func toResponse(doc Document) DocumentResponse {
	return DocumentResponse{
		DocumentID:          doc.ID,
		Name:                doc.DisplayName,
		OriginalFilename:    doc.OriginalFilename,
		FileType:            doc.FileType,
		MimeType:            doc.MimeType,
		SizeBytes:           doc.SizeBytes,
		Status:              doc.ExtractionState,
		Error:               doc.LastError,
		Attempts:            doc.Attempts,
		ProcessingStartedAt: doc.ProcessingStartedAt,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
	}
}
