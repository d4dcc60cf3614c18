package documents

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidFileType = errors.New("only PDF and DOCX files are allowed")
	ErrMissingFile     = errors.New("file is required")

	ErrNotExtractable    = errors.New("extraction is only supported for PDF documents")
	ErrAlreadyProcessing = errors.New("document is already being processed")
	ErrInvalidTransition = errors.New("invalid extraction state transition")
	ErrInvalidPayload    = errors.New("extracted data must be a JSON object")
	ErrDispatchFailed    = errors.New("extraction job could not be dispatched")

	// ErrStateConflict is returned by Repo.UpdateState when the record no longer
	// matches the expected state and version.
	ErrStateConflict = errors.New("extraction state changed concurrently")
)
