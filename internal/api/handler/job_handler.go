package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/meeting-transcriber/internal/api/dto"
	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/cuongbtq/meeting-transcriber/internal/engine"
	"github.com/cuongbtq/meeting-transcriber/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/transcriptions
// Stores the uploaded audio, creates the job and queues it for a worker
func (h *JobHandler) CreateJob(c *gin.Context) {
	owner := c.GetString(OwnerKey)
	ctx := c.Request.Context()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("file exceeds the %d byte upload limit", h.maxUploadBytes),
			})
			return
		}
		h.logger.Error("Invalid upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "multipart field 'file' is required",
		})
		return
	}
	if fileHeader.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uploaded file is empty"})
		return
	}

	// Fail fast before paying for the upload; Create re-checks atomically
	active, err := h.store.HasActiveJob(ctx, owner)
	if err != nil {
		h.respondError(c, "check active jobs", err)
		return
	}
	if active {
		h.respondError(c, "create job", domain.ErrJobConflict)
		return
	}

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	sourceKey := fmt.Sprintf("uploads/%s/%s%s", owner, uuid.New().String(), ext)

	file, err := fileHeader.Open()
	if err != nil {
		h.respondError(c, "read upload", err)
		return
	}
	defer file.Close()

	if err := h.objects.Put(ctx, sourceKey, file, fileHeader.Size, engine.MimeTypeFor(fileHeader.Filename)); err != nil {
		h.respondError(c, "store upload", err)
		return
	}

	job, err := h.store.Create(ctx, domain.NewJob{
		Owner:            owner,
		OriginalFilename: filepath.Base(fileHeader.Filename),
		MeetingName:      strings.TrimSpace(c.PostForm("meeting_name")),
		SourceKey:        sourceKey,
	})
	if err != nil {
		h.removeObject(ctx, sourceKey)
		h.respondError(c, "create job", err)
		return
	}

	msg := domain.TaskMessage{Type: domain.TaskTranscribe, JobID: job.ID}
	if err := h.publisher.PublishJSON(ctx, domain.TaskTranscribe, msg); err != nil {
		h.logger.Error("Failed to queue job, discarding it",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		cleanupCtx := context.WithoutCancel(ctx)
		if derr := h.store.DiscardPending(cleanupCtx, job.ID); derr != nil {
			h.logger.Error("Failed to discard unqueued job", slog.String("job_id", job.ID), slog.String("error", derr.Error()))
		}
		h.removeObject(cleanupCtx, sourceKey)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to queue job"})
		return
	}

	h.logger.Info("Transcription job created",
		slog.String("job_id", job.ID),
		slog.String("owner", owner),
		slog.String("filename", job.OriginalFilename),
		slog.Int64("size", fileHeader.Size),
	)

	c.JSON(http.StatusAccepted, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/transcriptions/:job_id
// Returns the live snapshot, including the partial transcript while processing
func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/transcriptions
// Lists the caller's jobs newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	status := domain.JobStatus(strings.ToUpper(req.Status))
	switch status {
	case "", domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusCompleted,
		domain.JobStatusFailed, domain.JobStatusCancelled:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status filter"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListByOwner(c.Request.Context(), c.GetString(OwnerKey), store.ListFilter{
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, "list jobs", err)
		return
	}

	// The store returns one row past the page when more exist
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobSummaryDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.NewJobSummaryDTO(job)
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&store.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/transcriptions/:job_id/cancel
// Latches the cancel flag; the runner stops at the next segment boundary
func (h *JobHandler) CancelJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	job, err := h.store.RequestCancel(c.Request.Context(), job.ID)
	if err != nil {
		h.respondError(c, "cancel job", err)
		return
	}

	h.logger.Info("Cancellation requested",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)

	c.JSON(http.StatusAccepted, dto.NewJobDTO(job))
}

// ReplaceTranscript handles PUT /api/v1/transcriptions/:job_id/transcript
func (h *JobHandler) ReplaceTranscript(c *gin.Context) {
	var req dto.ReplaceTranscriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "full_transcript is required"})
		return
	}

	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	job, err := h.store.ReplaceTranscript(c.Request.Context(), job.ID, *req.FullTranscript)
	if err != nil {
		h.respondError(c, "replace transcript", err)
		return
	}

	h.logger.Info("Transcript replaced",
		slog.String("job_id", job.ID),
		slog.Int("length", len(job.FullTranscript)),
	)

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// DeleteJob handles DELETE /api/v1/transcriptions/:job_id
// Removes the job, its ingestion records, the source audio and any indexed copies
func (h *JobHandler) DeleteJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	records, err := h.store.ListIngestion(ctx, job.ID)
	if err != nil {
		h.respondError(c, "delete job", err)
		return
	}

	if err := h.store.Delete(ctx, job.ID); err != nil {
		h.respondError(c, "delete job", err)
		return
	}

	var documentIDs []string
	for _, r := range records {
		if r.DocumentID != "" {
			documentIDs = append(documentIDs, r.DocumentID)
		}
	}

	// The record is gone; leftovers are only logged
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.Go(func() error {
		return h.objects.Remove(gctx, job.SourceKey)
	})
	if len(documentIDs) > 0 {
		g.Go(func() error {
			return h.bridge.Remove(gctx, documentIDs...)
		})
	}
	if err := g.Wait(); err != nil {
		h.logger.Warn("Job deleted with leftover artifacts",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("Transcription job deleted", slog.String("job_id", job.ID))

	c.Status(http.StatusNoContent)
}

// ownedJob loads the :job_id job for the caller. Jobs of other owners are reported as not found.
func (h *JobHandler) ownedJob(c *gin.Context) (*domain.Job, bool) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return nil, false
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err == nil && job.Owner != c.GetString(OwnerKey) {
		err = domain.ErrJobNotFound
	}
	if err != nil {
		h.respondError(c, "get job", err)
		return nil, false
	}
	return job, true
}

func (h *JobHandler) removeObject(ctx context.Context, key string) {
	if err := h.objects.Remove(ctx, key); err != nil {
		h.logger.Warn("Failed to remove uploaded audio",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
