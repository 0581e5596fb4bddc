package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/meeting-transcriber/internal/api/dto"
	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/cuongbtq/meeting-transcriber/internal/minutes"
	"github.com/gin-gonic/gin"
)

// GenerateMinutes handles POST /api/v1/transcriptions/:job_id/minutes
// Moves the job into the minutes phase and queues generation
func (h *JobHandler) GenerateMinutes(c *gin.Context) {
	var req dto.MinutesRequest
	// the body is optional
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	minutesReq := &domain.MinutesRequest{
		MeetingName: req.MeetingName,
		Date:        req.Date,
		TimeRange:   req.TimeRange,
		Tone:        req.Tone,
	}
	meta, err := minutes.MetadataFrom(minutesReq, job)
	if err != nil {
		h.respondError(c, "read minutes request", err)
		return
	}
	minutesReq.MeetingName = meta.MeetingName
	minutesReq.Tone = string(meta.Tone)

	job, err = h.generator.Begin(ctx, job.ID)
	if err != nil {
		h.respondError(c, "start minutes generation", err)
		return
	}

	msg := domain.TaskMessage{Type: domain.TaskMinutes, JobID: job.ID, Minutes: minutesReq}
	if err := h.publisher.PublishJSON(ctx, domain.TaskMinutes, msg); err != nil {
		h.logger.Error("Failed to queue minutes task",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		queueErr := fmt.Errorf("failed to queue minutes generation: %w", err)
		if _, ferr := h.store.FinishMinutes(context.WithoutCancel(ctx), job.ID, "", queueErr); ferr != nil {
			h.logger.Error("Failed to restore job after queue failure", slog.String("job_id", job.ID), slog.String("error", ferr.Error()))
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to queue minutes generation"})
		return
	}

	c.JSON(http.StatusAccepted, dto.NewJobDTO(job))
}

// IngestArtifact handles POST /api/v1/transcriptions/:job_id/ingest
// Reserves the artifact's ingestion slot and queues the push
func (h *JobHandler) IngestArtifact(c *gin.Context) {
	var req dto.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "artifact is required"})
		return
	}
	kind, valid := domain.ParseArtifactKind(req.Artifact)
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("artifact must be %q or %q", domain.ArtifactTranscript, domain.ArtifactMinutes),
		})
		return
	}

	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	record, err := h.bridge.Request(ctx, job.ID, kind)
	if err != nil {
		h.respondError(c, "request ingestion", err)
		return
	}

	msg := domain.TaskMessage{Type: domain.TaskIngest, JobID: job.ID, Artifact: kind}
	if err := h.publisher.PublishJSON(ctx, domain.TaskIngest, msg); err != nil {
		h.logger.Error("Failed to queue ingestion task",
			slog.String("job_id", job.ID),
			slog.String("artifact", string(kind)),
			slog.String("error", err.Error()),
		)
		queueErr := fmt.Errorf("failed to queue ingestion: %w", err)
		if _, ferr := h.store.FinishIngestion(context.WithoutCancel(ctx), job.ID, kind, "", queueErr); ferr != nil {
			h.logger.Error("Failed to record queue failure", slog.String("job_id", job.ID), slog.String("error", ferr.Error()))
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to queue ingestion"})
		return
	}

	h.logger.Info("Ingestion requested",
		slog.String("job_id", job.ID),
		slog.String("artifact", string(kind)),
	)

	c.JSON(http.StatusAccepted, dto.NewIngestionStatusResponse([]*domain.IngestionRecord{record}))
}

// GetIngestionStatus handles GET /api/v1/transcriptions/:job_id/ingestion
func (h *JobHandler) GetIngestionStatus(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	records, err := h.store.ListIngestion(c.Request.Context(), job.ID)
	if err != nil {
		h.respondError(c, "get ingestion status", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewIngestionStatusResponse(records))
}
