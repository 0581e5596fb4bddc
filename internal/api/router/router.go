package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/meeting-transcriber/internal/api/handler"
	"github.com/cuongbtq/meeting-transcriber/shared/metrics"
	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 3 * time.Second

// Options controls the optional routes
type Options struct {
	// MetricsPath mounts the Prometheus handler on the API server when non-empty
	MetricsPath string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps))

	if opts.MetricsPath != "" {
		r.GET(opts.MetricsPath, gin.WrapH(metrics.Handler()))
	}

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/transcriptions", OwnerMiddleware())
		{
			// POST /api/v1/transcriptions - Upload audio and start a transcription
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/transcriptions - List the caller's jobs
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/transcriptions/:job_id - Poll a job
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/transcriptions/:job_id/cancel - Cancel at the next segment boundary
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// PUT /api/v1/transcriptions/:job_id/transcript - Replace the transcript text
			jobs.PUT("/:job_id/transcript", jobHandler.ReplaceTranscript)

			// DELETE /api/v1/transcriptions/:job_id - Delete a finished job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)

			// POST /api/v1/transcriptions/:job_id/minutes - Generate meeting minutes
			jobs.POST("/:job_id/minutes", jobHandler.GenerateMinutes)

			// POST /api/v1/transcriptions/:job_id/ingest - Push an artifact to the document index
			jobs.POST("/:job_id/ingest", jobHandler.IngestArtifact)

			// GET /api/v1/transcriptions/:job_id/ingestion - Ingestion status per artifact
			jobs.GET("/:job_id/ingestion", jobHandler.GetIngestionStatus)
		}
	}

	return r
}

func healthHandler(deps *handler.Dependencies) gin.HandlerFunc {
	service := deps.ServiceName
	if service == "" {
		service = "api-service"
	}

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		status := http.StatusOK
		components := make(gin.H, len(deps.HealthChecks))
		for name, check := range deps.HealthChecks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				components[name] = err.Error()
				continue
			}
			components[name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}

		c.JSON(status, gin.H{
			"status":     state,
			"service":    service,
			"components": components,
		})
	}
}
