package documents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event drives the extraction state machine.
type Event string

const (
	EventRequested Event = "requested"
	EventSucceeded Event = "succeeded"
	EventFailed    Event = "failed"
)

const defaultFailureMessage = "extraction failed"

// Next returns the state reached from current on ev, or why the event is refused.
//
//	pending|completed|failed --requested--> processing   (pdf only)
//	processing --succeeded--> completed
//	processing --failed--> failed
func Next(current State, fileType FileType, ev Event) (State, error) {
	switch ev {
	case EventRequested:
		switch current {
		case StateProcessing:
			return "", ErrAlreadyProcessing
		case StatePending, StateCompleted, StateFailed:
			if !fileType.Extractable() {
				return "", ErrNotExtractable
			}
			return StateProcessing, nil
		}
	case EventSucceeded:
		if current == StateProcessing {
			return StateCompleted, nil
		}
	case EventFailed:
		if current == StateProcessing {
			return StateFailed, nil
		}
	}
	return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, current)
}

// StateChange is one atomic state write: it applies only if the stored record is
// still in From at FromVersion, and writes To together with its data or error.
type StateChange struct {
	From          State
	FromVersion   int64
	To            State
	ExtractedData json.RawMessage
	LastError     string
	At            time.Time
}

// Change builds the StateChange for applying ev to doc. data is used only for
// EventSucceeded and must be a JSON object; lastError only for EventFailed.
func Change(doc Document, ev Event, data json.RawMessage, lastError string, at time.Time) (StateChange, error) {
	to, err := Next(doc.ExtractionState, doc.FileType, ev)
	if err != nil {
		return StateChange{}, err
	}

	change := StateChange{
		From:        doc.ExtractionState,
		FromVersion: doc.Version,
		To:          to,
		At:          at.UTC(),
	}
	switch to {
	case StateCompleted:
		if !isJSONObject(data) {
			return StateChange{}, ErrInvalidPayload
		}
		change.ExtractedData = append(json.RawMessage(nil), data...)
	case StateFailed:
		change.LastError = lastError
		if change.LastError == "" {
			change.LastError = defaultFailureMessage
		}
	}
	return change, nil
}

// Apply returns doc as it looks after change is written.
func Apply(doc Document, change StateChange) Document {
	doc.ExtractionState = change.To
	doc.ExtractedData = change.ExtractedData
	doc.LastError = change.LastError
	doc.Version++
	doc.UpdatedAt = change.At
	if change.To == StateProcessing {
		at := change.At
		doc.Attempts++
		doc.ProcessingStartedAt = &at
	} else {
		doc.ProcessingStartedAt = nil
	}
	return doc
}

// Transition renders a "from->to" label for logs.
func (c StateChange) Transition() string {
	return string(c.From) + "->" + string(c.To)
}

func isJSONObject(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
