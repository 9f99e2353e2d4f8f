// Package api assembles the HTTP surface of printfleet.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/api/handlers"
	"github.com/orrn/printfleet/internal/api/middleware"
)

type Options struct {
	Fleet handlers.Fleet
	// Jobs backs /api/stats/jobs; optional.
	Jobs handlers.JobCounter
	// Webhook backs /api/webhook/test; optional.
	Webhook handlers.WebhookTester

	Metrics     http.Handler
	MetricsPath string

	ThumbnailsDir string
	Logger        *slog.Logger
}

func NewRouter(opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logger(logger), middleware.Recovery(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(opts.Metrics))
	}

	if opts.ThumbnailsDir != "" {
		r.Static(handlers.ThumbnailsPath, opts.ThumbnailsDir)
	}

	api := r.Group("/api")
	handlers.NewDeviceHandler(opts.Fleet).RegisterRoutes(api)
	handlers.NewProjectHandler(opts.Fleet).RegisterRoutes(api)
	handlers.NewJobHandler(opts.Fleet, opts.Jobs).RegisterRoutes(api)
	handlers.NewStatsHandler(opts.Fleet).RegisterRoutes(api)
	if opts.Webhook != nil {
		handlers.NewWebhookHandler(opts.Webhook).RegisterRoutes(api)
	}

	return r
}
