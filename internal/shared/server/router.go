package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	googleauth "docextract-backend/internal/auth"
	"docextract-backend/internal/documents"
	"docextract-backend/internal/services/health"
	"docextract-backend/internal/shared/config"
	"docextract-backend/internal/shared/metrics"
	"docextract-backend/internal/shared/server/middleware"
	"docextract-backend/internal/shared/server/respond"
)

const pollingRoute = "/api/v1/documents/:id/data"

// Deps are the handlers and collaborators the router mounts.
type Deps struct {
	Documents *documents.Handler
	Verifier  middleware.TokenVerifier
	Google    *googleauth.GoogleService
	Health    *health.Service
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(cfg config.Config, deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(cfg.CORSAllowOrigin),
	)

	healthSvc := deps.Health
	if healthSvc == nil {
		healthSvc = health.NewService()
	}
	r.GET("/health", func(c *gin.Context) {
		payload, ok := healthSvc.Status(c.Request.Context())
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, payload)
	})
	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.Use(
		middleware.Auth(deps.Verifier, cfg.AllowGuest),
		middleware.RateLimit(rateLimitConfig(cfg)),
	)
	if deps.Google != nil {
		deps.Google.RegisterRoutes(api)
	}
	registerMeRoutes(api)
	if deps.Documents != nil {
		deps.Documents.RegisterRoutes(api)
	}

	return r
}

func rateLimitConfig(cfg config.Config) middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		Rules: map[string]middleware.RateLimitRule{
			middleware.DefaultRateLimitGroup: {Rate: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
			middleware.PollingRateLimitGroup: {
				Rate:  cfg.PollRateLimitRPS,
				Burst: cfg.PollRateLimitBurst,
			},
		},
		GroupFor: func(c *gin.Context) string {
			if c.Request.Method == http.MethodGet && c.FullPath() == pollingRoute {
				return middleware.PollingRateLimitGroup
			}
			return ""
		},
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
