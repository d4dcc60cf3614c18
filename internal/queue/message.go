package queue

import "encoding/json"

// MessageVersion is the current payload format.
const MessageVersion = 1

// Message asks a worker to run extraction for one admitted document version.
type Message struct {
	DocumentID      string `json:"documentId"`
	OwnerID         string `json:"ownerId"`
	DocumentVersion int64  `json:"documentVersion"`
	RequestID       string `json:"requestId"`
	EnqueuedAt      string `json:"enqueuedAt"`
	Version         int    `json:"version"`
	// Attempts counts redeliveries on backends without a native receive count.
	Attempts int `json:"attempts,omitempty"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Redeliver bumps the attempt counter of an encoded message and returns the
// new body with the updated count.
func Redeliver(payload []byte) ([]byte, int, error) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		return nil, 0, err
	}
	msg.Attempts++
	body, err := EncodeMessage(msg)
	if err != nil {
		return nil, 0, err
	}
	return body, msg.Attempts, nil
}
