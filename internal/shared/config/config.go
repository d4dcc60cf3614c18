package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port            string   `env:"PORT" envDefault:"8080"`
	Env             string   `env:"ENV" envDefault:"dev" validate:"oneof=dev local staging production"`
	CORSAllowOrigin []string `env:"CORS_ALLOW_ORIGINS" envDefault:"http://localhost:5173" envSeparator:","`
	DatabaseURL     string   `env:"DATABASE_URL"`
	AutoMigrate     bool     `env:"AUTO_MIGRATE" envDefault:"true"`

	ObjectStoreType string `env:"OBJECT_STORE" envDefault:"local" validate:"oneof=local s3 minio"`
	LocalStoreDir   string `env:"LOCAL_STORE_DIR" envDefault:"./data"`
	AWSRegion       string `env:"AWS_REGION"`
	S3Bucket        string `env:"S3_BUCKET" validate:"required_if=ObjectStoreType s3"`
	S3Prefix        string `env:"S3_PREFIX"`
	SSEKMSKeyID     string `env:"SSE_KMS_KEY_ID"`
	MinioEndpoint   string `env:"MINIO_ENDPOINT" validate:"required_if=ObjectStoreType minio"`
	MinioAccessKey  string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey  string `env:"MINIO_SECRET_KEY"`
	MinioBucket     string `env:"MINIO_BUCKET" envDefault:"documents"`
	MinioUseSSL     bool   `env:"MINIO_USE_SSL"`

	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES" envDefault:"10485760" validate:"gt=0"`

	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"inprocess" validate:"oneof=inprocess sqs redis"`
	SQSQueueURL  string `env:"SQS_QUEUE_URL" validate:"required_if=QueueBackend sqs"`

	// SQSVisibilityTimeout should exceed PROCESSING_TIMEOUT so a message is not
	// redelivered while its job can still finish.
	SQSVisibilityTimeout time.Duration `env:"SQS_VISIBILITY_TIMEOUT" envDefault:"20m"`

	RedisAddr     string `env:"REDIS_ADDR" validate:"required_if=QueueBackend redis"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`
	RedisQueueKey string `env:"REDIS_QUEUE_KEY" envDefault:"extraction:jobs"`

	// RedisMaxReceives caps how often a retryable job is requeued before it is dropped.
	RedisMaxReceives int           `env:"REDIS_MAX_RECEIVES" envDefault:"5" validate:"gte=1"`
	RedisRetryDelay  time.Duration `env:"REDIS_RETRY_DELAY" envDefault:"2s"`

	ExtractionWorkers int           `env:"EXTRACTION_WORKERS" validate:"gte=0"`
	ExtractionTimeout time.Duration `env:"EXTRACTION_TIMEOUT"`
	ProcessingTimeout time.Duration `env:"PROCESSING_TIMEOUT"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL"`
	MaxBlobBytes      int64         `env:"MAX_BLOB_BYTES" validate:"gte=0"`
	ExtractMaxPages   int           `env:"EXTRACT_MAX_PAGES" validate:"gte=0"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	RateLimitRPS       float64 `env:"RATE_LIMIT_RPS" envDefault:"10" validate:"gte=0"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST" envDefault:"30" validate:"gte=0"`
	PollRateLimitRPS   float64 `env:"POLL_RATE_LIMIT_RPS" envDefault:"5" validate:"gte=0"`
	PollRateLimitBurst int     `env:"POLL_RATE_LIMIT_BURST" envDefault:"20" validate:"gte=0"`

	JWTSecret  string        `env:"JWT_SECRET"`
	JWTIssuer  string        `env:"JWT_ISSUER" envDefault:"docextract"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	AllowGuest bool          `env:"ALLOW_GUEST"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`
	UIRedirectURL      string `env:"UI_REDIRECT_URL"`
}

// IsDev reports whether the process runs in a developer environment.
func (c Config) IsDev() bool {
	return c.Env == "dev" || c.Env == "local"
}

// Load reads configuration from the environment. Values from .env files and the
// optional CONFIG_FILE YAML only fill variables that are not already set.
func Load() (Config, error) {
	// Best-effort load of local env files for dev convenience.
	for _, path := range []string{".env", "cmd/.env"} {
		_ = godotenv.Load(path)
	}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAMLFile(path); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Env = normalizeEnv(cfg.Env)
	cfg.ObjectStoreType = normalizeChoice(cfg.ObjectStoreType)
	cfg.QueueBackend = normalizeChoice(cfg.QueueBackend)
	// A variable that is set but empty skips envDefault.
	if cfg.ObjectStoreType == "" {
		cfg.ObjectStoreType = "local"
	}
	if cfg.QueueBackend == "" {
		cfg.QueueBackend = "inprocess"
	}
	if _, set := os.LookupEnv("ALLOW_GUEST"); !set {
		cfg.AllowGuest = cfg.IsDev()
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("invalid config: DATABASE_URL is required in production")
		}
		if cfg.JWTSecret == "" {
			return Config{}, fmt.Errorf("invalid config: JWT_SECRET is required in production")
		}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	return cfg, nil
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeChoice(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
