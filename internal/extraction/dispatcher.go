package extraction

import (
	"context"
	"errors"
	"strings"
	"time"

	"docextract-backend/internal/queue"
)

// QueueDispatcher publishes jobs to an external queue for cmd/worker or
// cmd/lambda-worker to run.
type QueueDispatcher struct {
	client queue.Client
	now    func() time.Time
}

func NewQueueDispatcher(client queue.Client) *QueueDispatcher {
	return &QueueDispatcher{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, job Job) error {
	return d.client.Send(ctx, MessageFromJob(job, d.now()))
}

// MessageFromJob builds the queue payload for job.
func MessageFromJob(job Job, at time.Time) queue.Message {
	return queue.Message{
		DocumentID:      job.DocumentID,
		OwnerID:         job.OwnerID,
		DocumentVersion: job.Version,
		RequestID:       job.RequestID,
		EnqueuedAt:      at.UTC().Format(time.RFC3339),
		Version:         queue.MessageVersion,
	}
}

// JobFromMessage validates a queue payload and turns it back into a Job.
func JobFromMessage(msg queue.Message) (Job, error) {
	if strings.TrimSpace(msg.DocumentID) == "" {
		return Job{}, errors.New("missing document id")
	}
	if msg.DocumentVersion <= 0 {
		return Job{}, errors.New("missing document version")
	}
	return Job{
		DocumentID: msg.DocumentID,
		OwnerID:    msg.OwnerID,
		Version:    msg.DocumentVersion,
		RequestID:  msg.RequestID,
	}, nil
}

var _ Dispatcher = (*QueueDispatcher)(nil)
