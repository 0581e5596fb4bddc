package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/cuongbtq/meeting-transcriber/internal/minutes"
	"github.com/cuongbtq/meeting-transcriber/shared/metrics"
	"github.com/lthibault/jitterbug/v2"
)

// processTask runs one task message under the job timeout
func (w *Worker) processTask(ctx context.Context, msg *domain.TaskMessage) error {
	defer metrics.TrackInFlight()()

	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if w.jobTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var err error
	switch msg.Type {
	case domain.TaskTranscribe:
		err = w.processTranscription(taskCtx, msg)
	case domain.TaskMinutes:
		err = w.processMinutes(taskCtx, msg)
	case domain.TaskIngest:
		err = w.processIngestion(taskCtx, msg)
	default:
		err = fmt.Errorf("%w: unknown task type %q", domain.ErrInvalidPayload, msg.Type)
	}

	metrics.IncreaseTasksProcessed(msg.Type, err)
	return err
}

func (w *Worker) processTranscription(ctx context.Context, msg *domain.TaskMessage) error {
	logger := w.logger.With(slog.String("job_id", msg.JobID))

	stop := w.startHeartbeat(ctx, msg.JobID)
	job, err := w.runner.Run(ctx, msg.JobID, w.workerID, w.fetchSource)
	stop()

	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			logger.Warn("Job deleted before it was picked up")
			return nil
		case errors.Is(err, domain.ErrAlreadyClaimed):
			logger.Warn("Job already claimed, skipping")
			return fmt.Errorf("job already claimed: %w", err)
		}

		// A job that is still PENDING was never claimed and can be retried
		current, getErr := w.store.Get(context.WithoutCancel(ctx), msg.JobID)
		if getErr == nil && current.Status == domain.JobStatusPending {
			return domain.NewRetryableError(fmt.Errorf("failed to start transcription: %w", err))
		}
		return fmt.Errorf("transcription did not finish cleanly: %w", err)
	}

	w.removeSource(ctx, job)

	logger.Info("Transcription task done",
		slog.String("status", string(job.Status)),
		slog.Int("segments", job.ChunksTotal),
		slog.Int("failed_segments", job.ChunksFailed),
	)
	return nil
}

func (w *Worker) processMinutes(ctx context.Context, msg *domain.TaskMessage) error {
	logger := w.logger.With(slog.String("job_id", msg.JobID))

	job, err := w.store.Get(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	meta, err := minutes.MetadataFrom(msg.Minutes, job)
	if err != nil {
		// leave the minutes phase so the job does not wait for recovery
		if _, finishErr := w.store.FinishMinutes(context.WithoutCancel(ctx), msg.JobID, "", err); finishErr != nil {
			logger.Error("Failed to close minutes phase", slog.String("error", finishErr.Error()))
		}
		return err
	}

	stop := w.startHeartbeat(ctx, msg.JobID)
	job, err = w.minutes.Generate(ctx, msg.JobID, w.workerID, meta)
	stop()
	if err != nil {
		return fmt.Errorf("minutes task failed: %w", err)
	}

	logger.Info("Minutes task done",
		slog.String("status", string(job.Status)),
		slog.Bool("has_minutes", job.MeetingMinutes != nil),
	)
	return nil
}

func (w *Worker) processIngestion(ctx context.Context, msg *domain.TaskMessage) error {
	record, err := w.ingestion.Process(ctx, msg.JobID, msg.Artifact)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Warn("Job deleted before ingestion", slog.String("job_id", msg.JobID))
			return nil
		}
		return fmt.Errorf("ingestion task failed: %w", err)
	}

	w.logger.Info("Ingestion task done",
		slog.String("job_id", msg.JobID),
		slog.String("artifact", string(msg.Artifact)),
		slog.String("status", string(record.Status)),
	)
	return nil
}

// fetchSource downloads the uploaded audio into the run's scratch directory
func (w *Worker) fetchSource(ctx context.Context, job *domain.Job, dir string) (string, error) {
	if job.SourceKey == "" {
		return "", errors.New("job has no source audio")
	}

	path := filepath.Join(dir, "source"+filepath.Ext(job.SourceKey))
	if err := w.sources.Download(ctx, job.SourceKey, path); err != nil {
		return "", err
	}
	return path, nil
}

// removeSource deletes the uploaded audio once the run has reached a terminal state
func (w *Worker) removeSource(ctx context.Context, job *domain.Job) {
	if job.SourceKey == "" {
		return
	}
	if err := w.sources.Remove(context.WithoutCancel(ctx), job.SourceKey); err != nil {
		w.logger.Warn("Failed to remove source audio",
			slog.String("job_id", job.ID),
			slog.String("key", job.SourceKey),
			slog.String("error", err.Error()),
		)
	}
}

// startHeartbeat keeps the job's liveness timestamp fresh until stop is called
func (w *Worker) startHeartbeat(ctx context.Context, jobID string) (stop func()) {
	if w.heartbeatInterval <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.sendJobHeartbeat(hbCtx, jobID)
	}()

	return func() {
		cancel()
		<-done
	}
}

// sendJobHeartbeat spreads heartbeats of concurrent jobs with a little jitter
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string) {
	ticker := jitterbug.New(w.heartbeatInterval, &jitterbug.Norm{Stdev: w.heartbeatInterval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, jobID); err != nil {
				// before the claim and after the finish the job is not PROCESSING
				w.logger.Debug("Job heartbeat skipped",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
