package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"docextract-backend/internal/extraction"
	"docextract-backend/internal/queue"
)

// Runner executes one extraction job. *extraction.Scheduler satisfies it.
type Runner interface {
	Run(ctx context.Context, job extraction.Job) error
}

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

// ErrInvalidJob indicates a decoded message that does not describe a job.
type ErrInvalidJob struct {
	Meta      MessageMeta
	RequestID string
	Err       error
}

func (e ErrInvalidJob) Error() string {
	if e.Err == nil {
		return "invalid job"
	}
	return "invalid job: " + e.Err.Error()
}

// ErrProcess indicates the job could not be recorded after successful parsing.
// Such messages should be retried.
type ErrProcess struct {
	DocumentID string
	RequestID  string
	Err        error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process document"
	}
	return "process document: " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

// Unrecoverable reports whether err means the message can never succeed and
// should be removed from the queue.
func Unrecoverable(err error) bool {
	var (
		empty   ErrEmptyBody
		decode  ErrDecode
		invalid ErrInvalidJob
	)
	return errors.As(err, &empty) || errors.As(err, &decode) || errors.As(err, &invalid)
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (extraction.Job, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return extraction.Job{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return extraction.Job{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	job, err := extraction.JobFromMessage(msg)
	if err != nil {
		return extraction.Job{}, meta, ErrInvalidJob{Meta: meta, RequestID: msg.RequestID, Err: err}
	}
	return job, meta, nil
}

// HandleMessage parses a payload and runs the job it describes.
func HandleMessage(ctx context.Context, runner Runner, body string) error {
	if runner == nil {
		return errors.New("extraction runner not configured")
	}
	job, _, err := ParseMessage(body)
	if err != nil {
		return err
	}
	if err := runner.Run(ctx, job); err != nil {
		return ErrProcess{DocumentID: job.DocumentID, RequestID: job.RequestID, Err: err}
	}
	return nil
}
