package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"docextract-backend/internal/bootstrap"
	"docextract-backend/internal/queue"
	"docextract-backend/internal/shared/config"
	"docextract-backend/internal/shared/metrics"
	"docextract-backend/internal/shared/telemetry"
	"docextract-backend/internal/workerproc"
)

const redisWait = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.QueueBackend != "sqs" && cfg.QueueBackend != "redis" {
		log.Fatalf("worker requires QUEUE_BACKEND=sqs or redis, got %q", cfg.QueueBackend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}
	concurrency := app.Scheduler.Options().Workers

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Sweeper.Run(gctx) })
	g.Go(func() error {
		var wg sync.WaitGroup
		switch cfg.QueueBackend {
		case "sqs":
			client, err := queue.LoadSQS(gctx, cfg.AWSRegion)
			if err != nil {
				return err
			}
			telemetry.Info("worker.started", map[string]any{"backend": "sqs", "queue": cfg.SQSQueueURL, "concurrency": concurrency})
			pollSQS(gctx, &wg, client, cfg.SQSQueueURL, int32(cfg.SQSVisibilityTimeout/time.Second), concurrency, app.Scheduler)
		case "redis":
			telemetry.Info("worker.started", map[string]any{"backend": "redis", "key": cfg.RedisQueueKey, "concurrency": concurrency})
			retry := redisRetry{MaxReceives: cfg.RedisMaxReceives, Delay: cfg.RedisRetryDelay}
			pollRedis(gctx, &wg, app.Redis, concurrency, app.Scheduler, retry)
		}
		waitInFlight(&wg, cfg.ShutdownTimeout)
		return nil
	})

	err = g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if cerr := app.Close(closeCtx); cerr != nil {
		telemetry.Warn("worker.close_failed", map[string]any{"error": cerr})
	}
	if err != nil {
		telemetry.Error("worker.exit", map[string]any{"error": err})
		os.Exit(1)
	}
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func pollSQS(ctx context.Context, wg *sync.WaitGroup, client sqsAPI, queueURL string, visibility int32, concurrency int, runner workerproc.Runner) {
	sem := make(chan struct{}, max(1, concurrency))
	for {
		if ctx.Err() != nil {
			return
		}
		resp, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   visibility,
			AttributeNames:      []sqstypes.QueueAttributeName{sqstypes.QueueAttributeName("ApproximateReceiveCount")},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return
			}
			telemetry.Error("worker.receive_failed", map[string]any{"error": err})
			continue
		}

		for _, msg := range resp.Messages {
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			metrics.IncQueueJobsReceived()
			wg.Add(1)
			go func(m sqstypes.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				// Jobs outlive the poll loop so shutdown can drain them.
				handleMessage(context.WithoutCancel(ctx), client, queueURL, runner, m)
			}(msg)
		}
	}
}

func handleMessage(ctx context.Context, client sqsAPI, queueURL string, runner workerproc.Runner, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)
	err := workerproc.HandleMessage(ctx, runner, body)
	if err == nil {
		deleteMessage(ctx, client, queueURL, msg)
		return
	}

	fields := baseFields(msg)
	fields["error"] = err.Error()
	if workerproc.Unrecoverable(err) {
		meta := workerproc.ComputeMeta(body)
		fields["body_len"] = meta.BodyLen
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		telemetry.Error("worker.message_dropped", fields)
		if deleteMessage(ctx, client, queueURL, msg) {
			metrics.IncQueueJobsDropped()
		}
		return
	}

	var procErr workerproc.ErrProcess
	if errors.As(err, &procErr) {
		fields["document_id"] = procErr.DocumentID
		fields["request_id"] = procErr.RequestID
	}
	telemetry.Error("worker.message_failed", fields)
}

func deleteMessage(ctx context.Context, client sqsAPI, queueURL string, msg sqstypes.Message) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields := baseFields(msg)
		fields["error"] = "missing receipt handle"
		telemetry.Error("worker.delete_failed", fields)
		return false
	}
	if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields := baseFields(msg)
		fields["error"] = err.Error()
		telemetry.Error("worker.delete_failed", fields)
		return false
	}
	return true
}

func baseFields(msg sqstypes.Message) map[string]any {
	return map[string]any{
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}
}

func receiveCount(msg sqstypes.Message) int {
	if msg.Attributes == nil {
		return 0
	}
	raw := strings.TrimSpace(msg.Attributes["ApproximateReceiveCount"])
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

type redisQueue interface {
	Receive(ctx context.Context, wait time.Duration) (string, bool, error)
	Requeue(ctx context.Context, body string) error
}

func pollRedis(ctx context.Context, wg *sync.WaitGroup, rq redisQueue, concurrency int, runner workerproc.Runner, retry redisRetry) {
	sem := make(chan struct{}, max(1, concurrency))
	for {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}

		body, ok, err := rq.Receive(ctx, redisWait)
		if err != nil || !ok {
			<-sem
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				telemetry.Error("worker.receive_failed", map[string]any{"error": err})
				time.Sleep(time.Second)
			}
			continue
		}

		metrics.IncQueueJobsReceived()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			handleRedisMessage(ctx, rq, runner, retry, body)
		}()
	}
}

// redisRetry bounds how often a retryable Redis job is pushed back and how
// long the worker waits before each push.
type redisRetry struct {
	MaxReceives int
	Delay       time.Duration
}

// handleRedisMessage runs one job. Shutdown (ctx done) cuts the retry delay
// short but never cancels the job itself.
func handleRedisMessage(ctx context.Context, rq redisQueue, runner workerproc.Runner, retry redisRetry, body string) {
	err := workerproc.HandleMessage(context.WithoutCancel(ctx), runner, body)
	if err == nil {
		return
	}
	fields := map[string]any{"error": err.Error()}
	if workerproc.Unrecoverable(err) {
		metrics.IncQueueJobsDropped()
		telemetry.Error("worker.message_dropped", fields)
		return
	}

	next, attempts, derr := queue.Redeliver([]byte(body))
	if derr != nil {
		metrics.IncQueueJobsDropped()
		fields["decode_error"] = derr.Error()
		telemetry.Error("worker.message_dropped", fields)
		return
	}
	fields["attempts"] = attempts
	if attempts >= retry.MaxReceives {
		metrics.IncQueueJobsDropped()
		telemetry.Error("worker.retries_exhausted", fields)
		return
	}
	telemetry.Error("worker.message_failed", fields)

	if delay := retry.Delay * time.Duration(attempts); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	if rerr := rq.Requeue(context.WithoutCancel(ctx), string(next)); rerr != nil {
		fields["requeue_error"] = rerr.Error()
		telemetry.Error("worker.requeue_failed", fields)
	}
}

func waitInFlight(wg *sync.WaitGroup, timeout time.Duration) {
	telemetry.Info("worker.draining", map[string]any{"timeout": timeout.String()})
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		telemetry.Warn("worker.drain_timeout", map[string]any{"timeout": timeout.String()})
	}
}
