package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docextract-backend/internal/extraction"
	"docextract-backend/internal/queue"
)

type fakeSQS struct {
	deleted []string
}

func (f *fakeSQS) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type fakeRunner struct {
	err  error
	jobs []extraction.Job
}

func (f *fakeRunner) Run(_ context.Context, job extraction.Job) error {
	f.jobs = append(f.jobs, job)
	return f.err
}

func jobBody(t *testing.T, id string) string {
	t.Helper()
	b, err := queue.EncodeMessage(queue.Message{DocumentID: id, DocumentVersion: 2, RequestID: "req-1", Version: queue.MessageVersion})
	require.NoError(t, err)
	return string(b)
}

func sqsMessage(id, body string) sqstypes.Message {
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("r-" + id),
		Body:          aws.String(body),
		Attributes:    map[string]string{"ApproximateReceiveCount": "1"},
	}
}

func TestWorkerDeletesMessageOnSuccess(t *testing.T) {
	client := &fakeSQS{}
	runner := &fakeRunner{}

	handleMessage(context.Background(), client, "queue", runner, sqsMessage("m1", jobBody(t, "doc-1")))

	assert.Equal(t, []string{"r-m1"}, client.deleted)
	require.Len(t, runner.jobs, 1)
	assert.Equal(t, int64(2), runner.jobs[0].Version)
}

func TestWorkerDoesNotDeleteOnFailure(t *testing.T) {
	client := &fakeSQS{}
	runner := &fakeRunner{err: errors.New("boom")}

	handleMessage(context.Background(), client, "queue", runner, sqsMessage("m2", jobBody(t, "doc-2")))

	assert.Empty(t, client.deleted)
}

func TestWorkerDeletesOnInvalidJSON(t *testing.T) {
	client := &fakeSQS{}

	handleMessage(context.Background(), client, "queue", &fakeRunner{}, sqsMessage("m3", "{bad-json"))

	assert.Equal(t, []string{"r-m3"}, client.deleted)
}

func TestReceiveCount(t *testing.T) {
	assert.Equal(t, 3, receiveCount(sqstypes.Message{Attributes: map[string]string{"ApproximateReceiveCount": "3"}}))
	assert.Equal(t, 0, receiveCount(sqstypes.Message{}))
}

type fakeRedisQueue struct {
	requeued []string
}

func (f *fakeRedisQueue) Receive(context.Context, time.Duration) (string, bool, error) {
	return "", false, nil
}

func (f *fakeRedisQueue) Requeue(_ context.Context, body string) error {
	f.requeued = append(f.requeued, body)
	return nil
}

func TestRedisMessageRequeuedOnlyWhenRetryable(t *testing.T) {
	rq := &fakeRedisQueue{}
	retry := redisRetry{MaxReceives: 5}

	handleRedisMessage(context.Background(), rq, &fakeRunner{}, retry, jobBody(t, "ok"))
	handleRedisMessage(context.Background(), rq, &fakeRunner{}, retry, "not json")
	assert.Empty(t, rq.requeued)

	handleRedisMessage(context.Background(), rq, &fakeRunner{err: errors.New("db down")}, retry, jobBody(t, "retry"))
	require.Len(t, rq.requeued, 1)
	msg, err := queue.DecodeMessage([]byte(rq.requeued[0]))
	require.NoError(t, err)
	assert.Equal(t, "retry", msg.DocumentID)
	assert.Equal(t, 1, msg.Attempts)
}

func TestRedisMessageDroppedAfterMaxReceives(t *testing.T) {
	rq := &fakeRedisQueue{}
	retry := redisRetry{MaxReceives: 3}
	runner := &fakeRunner{err: errors.New("db down")}

	body := jobBody(t, "flaky")
	for i := 0; i < 5; i++ {
		before := len(rq.requeued)
		handleRedisMessage(context.Background(), rq, runner, retry, body)
		if len(rq.requeued) == before {
			break
		}
		body = rq.requeued[len(rq.requeued)-1]
	}

	assert.Len(t, rq.requeued, 2, "third receive hits the cap and is dropped")
}

func TestRedisRetryDelayGrowsWithAttempts(t *testing.T) {
	rq := &fakeRedisQueue{}
	retry := redisRetry{MaxReceives: 5, Delay: 30 * time.Millisecond}
	runner := &fakeRunner{err: errors.New("db down")}

	start := time.Now()
	handleRedisMessage(context.Background(), rq, runner, retry, jobBody(t, "slow"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	start = time.Now()
	handleRedisMessage(context.Background(), rq, runner, retry, rq.requeued[0])
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Len(t, rq.requeued, 2)
}

func TestRedisRetryDelayEndsOnShutdown(t *testing.T) {
	rq := &fakeRedisQueue{}
	retry := redisRetry{MaxReceives: 5, Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handleRedisMessage(ctx, rq, &fakeRunner{err: errors.New("db down")}, retry, jobBody(t, "late"))
	assert.Len(t, rq.requeued, 1, "the job goes back to the queue for another worker")
}
