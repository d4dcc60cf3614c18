package main

// Build the Lambda handler binary and trigger it from an EventBridge schedule:
//   GOOS=linux GOARCH=arm64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-sweep

import (
	"context"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"docextract-backend/internal/bootstrap"
	"docextract-backend/internal/shared/config"
	"docextract-backend/internal/shared/telemetry"
)

// maxBatches caps one invocation so a large backlog spreads over several runs.
const maxBatches = 20

type sweeper interface {
	SweepOnce(ctx context.Context) (int, error)
}

var (
	initOnce sync.Once
	initErr  error
	sw       sweeper
	batch    int
)

func initApp() {
	cfg, err := config.Load()
	if err != nil {
		initErr = err
		return
	}
	app, err := bootstrap.Build(context.Background(), cfg)
	if err != nil {
		initErr = err
		return
	}
	sw = app.Sweeper
	batch = app.Scheduler.Options().SweepBatch
}

func handler(ctx context.Context, event events.CloudWatchEvent) error {
	initOnce.Do(initApp)
	if initErr != nil {
		telemetry.Error("lambda_sweep.bootstrap_failed", map[string]any{"error": initErr})
		return initErr
	}
	swept, err := sweepAll(ctx, sw, batch)
	fields := map[string]any{"event_id": event.ID, "swept": swept}
	if err != nil {
		fields["error"] = err
		telemetry.Error("lambda_sweep.failed", fields)
		return err
	}
	telemetry.Info("lambda_sweep.done", fields)
	return nil
}

// sweepAll repeats full batches until one comes back short.
func sweepAll(ctx context.Context, s sweeper, batch int) (int, error) {
	total := 0
	for i := 0; i < maxBatches; i++ {
		n, err := s.SweepOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < batch || ctx.Err() != nil {
			break
		}
	}
	return total, nil
}

func main() {
	lambda.Start(handler)
}
