package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	googleauth "docextract-backend/internal/auth"
	"docextract-backend/internal/documents"
	"docextract-backend/internal/extract"
	"docextract-backend/internal/extraction"
	"docextract-backend/internal/queue"
	"docextract-backend/internal/services/health"
	"docextract-backend/internal/shared/auth"
	"docextract-backend/internal/shared/config"
	"docextract-backend/internal/shared/server"
	"docextract-backend/internal/shared/storage/db"
	"docextract-backend/internal/shared/storage/object"
	localstore "docextract-backend/internal/shared/storage/object/local"
	miniostore "docextract-backend/internal/shared/storage/object/minio"
	s3store "docextract-backend/internal/shared/storage/object/s3"
	"docextract-backend/internal/shared/telemetry"
)

// App holds the wired dependencies of one process.
type App struct {
	Config           config.Config
	Router           *gin.Engine
	DB               *sql.DB
	Store            object.ObjectStore
	Repo             documents.Repo
	Signer           *auth.Signer
	Scheduler        *extraction.Scheduler
	Sweeper          *extraction.Sweeper
	Pool             *extraction.Pool
	Queue            queue.Client
	Redis            *queue.RedisClient
	DocumentsService *documents.Service
	DocumentsHandler *documents.Handler
	GoogleAuth       *googleauth.GoogleService
	Health           *health.Service
}

// Option overrides a dependency Build would otherwise construct.
type Option func(*buildOptions)

type buildOptions struct {
	extractor extraction.Extractor
	store     object.ObjectStore
}

// WithExtractor replaces the PDF extractor.
func WithExtractor(ex extraction.Extractor) Option {
	return func(o *buildOptions) { o.extractor = ex }
}

// WithStore replaces the configured object store.
func WithStore(store object.ObjectStore) Option {
	return func(o *buildOptions) { o.store = store }
}

// Build wires every dependency and the HTTP router.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, o := range opts {
		o(&bo)
	}
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}

	app := &App{Config: cfg, Health: health.NewService()}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.Background())
		}
	}()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.DB = sqlDB
	if sqlDB != nil {
		app.Repo = &documents.PGRepo{DB: sqlDB}
		app.Health.Add("database", sqlDB.PingContext)
	} else {
		app.Repo = documents.NewMemoryRepo()
	}

	app.Store = bo.store
	if app.Store == nil {
		if app.Store, err = buildStore(ctx, cfg); err != nil {
			return nil, err
		}
	}

	extractor := bo.extractor
	if extractor == nil {
		extractor = extract.PDFExtractor{MaxPages: cfg.ExtractMaxPages}
	}
	app.Scheduler, err = extraction.NewScheduler(app.Repo, app.Store, extractor, extraction.Options{
		ExtractionTimeout: cfg.ExtractionTimeout,
		MaxBlobBytes:      cfg.MaxBlobBytes,
		ProcessingTimeout: cfg.ProcessingTimeout,
		SweepInterval:     cfg.SweepInterval,
		Workers:           cfg.ExtractionWorkers,
	})
	if err != nil {
		return nil, err
	}
	app.Sweeper = extraction.NewSweeper(app.Scheduler)

	if err := buildDispatcher(ctx, app); err != nil {
		return nil, err
	}

	app.Signer, err = auth.NewSigner(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	app.GoogleAuth = googleauth.NewGoogleService(
		cfg.GoogleClientID,
		cfg.GoogleClientSecret,
		cfg.GoogleRedirectURL,
		cfg.UIRedirectURL,
		app.Signer,
	)

	app.DocumentsService = documents.NewService(app.Store, app.Repo, app.Scheduler)
	app.DocumentsHandler = documents.NewHandler(app.DocumentsService, cfg.MaxUploadBytes)
	app.Router = server.NewRouter(cfg, server.Deps{
		Documents: app.DocumentsHandler,
		Verifier:  app.Signer,
		Google:    app.GoogleAuth,
		Health:    app.Health,
	})

	ok = true
	return app, nil
}

// Close drains the in-process pool and releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.DocumentsService != nil {
		if err := a.DocumentsService.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain upload submits: %w", err))
		}
	}
	if a.Pool != nil {
		if err := a.Pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain extraction pool: %w", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.DB != nil && !db.IsLambdaRuntime() {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if cfg.IsDev() {
			telemetry.Info("bootstrap.memory_repo", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	if db.IsLambdaRuntime() {
		sqlDB, err = db.GetSingleton(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultLambdaOptions()))
	} else {
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultServerOptions()))
	}
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			if !db.IsLambdaRuntime() {
				_ = sqlDB.Close()
			}
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	case "minio":
		store, err := miniostore.New(miniostore.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.AWSRegion,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

// buildDispatcher runs jobs in-process unless a queue backend is configured,
// in which case they are published for cmd/worker or cmd/lambda-worker.
func buildDispatcher(ctx context.Context, app *App) error {
	cfg := app.Config
	switch cfg.QueueBackend {
	case "sqs":
		client, err := queue.NewSQSClient(ctx, cfg.SQSQueueURL, cfg.AWSRegion)
		if err != nil {
			return err
		}
		app.Queue = client
	case "redis":
		client, err := queue.NewRedisClient(ctx, queue.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisQueueKey,
		})
		if err != nil {
			return err
		}
		app.Queue = client
		app.Redis = client
		app.Health.Add("redis", client.Ping)
	default:
		opts := app.Scheduler.Options()
		app.Pool = extraction.NewPool(app.Scheduler.Run,
			extraction.WithWorkers(opts.Workers),
			extraction.WithQueueSize(opts.QueueSize),
		)
		app.Scheduler.SetDispatcher(app.Pool)
		return nil
	}
	app.Scheduler.SetDispatcher(extraction.NewQueueDispatcher(app.Queue))
	return nil
}
