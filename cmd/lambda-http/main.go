package main

// Build the Lambda handler binary:
//   GOOS=linux GOARCH=arm64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"

	"docextract-backend/internal/bootstrap"
	"docextract-backend/internal/shared/config"
	"docextract-backend/internal/shared/telemetry"
)

// drainTimeout bounds how long an invocation waits for upload submits to reach SQS.
const drainTimeout = 5 * time.Second

type proxyFunc func(context.Context, events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error)

type drainer interface {
	Drain(ctx context.Context) error
}

var (
	initOnce sync.Once
	initErr  error
	proxy    proxyFunc
	uploads  drainer
)

// checkBackend rejects in-process extraction: the runtime freezes between
// invocations, so jobs must go to SQS for cmd/lambda-worker.
func checkBackend(cfg config.Config) error {
	if cfg.QueueBackend != "sqs" {
		return fmt.Errorf("lambda-http requires QUEUE_BACKEND=sqs, got %q", cfg.QueueBackend)
	}
	return nil
}

func initApp() {
	cfg, err := config.Load()
	if err != nil {
		initErr = err
		return
	}
	if err := checkBackend(cfg); err != nil {
		initErr = err
		return
	}
	app, err := bootstrap.Build(context.Background(), cfg)
	if err != nil {
		initErr = err
		return
	}
	proxy = ginadapter.NewV2(app.Router).ProxyWithContext
	uploads = app.DocumentsService
}

func handler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	initOnce.Do(initApp)
	if initErr != nil {
		telemetry.Error("lambda_http.bootstrap_failed", map[string]any{"error": initErr})
		return errorResponse(http.StatusInternalServerError, "bootstrap_failed", "service unavailable"), initErr
	}
	return serve(ctx, proxy, uploads, req)
}

// serve proxies one request and holds the invocation open until background
// extraction submits started by it have been handed to the queue.
func serve(ctx context.Context, p proxyFunc, d drainer, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if p == nil {
		return errorResponse(http.StatusInternalServerError, "internal", "router not initialized"), nil
	}
	resp, err := p(ctx, req)
	if d != nil {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		if derr := d.Drain(drainCtx); derr != nil {
			telemetry.Warn("lambda_http.drain_timeout", map[string]any{"error": derr})
		}
	}
	return resp, err
}

func errorResponse(status int, code, message string) events.APIGatewayV2HTTPResponse {
	body, _ := json.Marshal(map[string]any{"error": map[string]string{"code": code, "message": message}})
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

func main() {
	lambda.Start(handler)
}
