package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/cuongbtq/meeting-transcriber/internal/engine"
	"github.com/cuongbtq/meeting-transcriber/internal/store"
	"github.com/cuongbtq/meeting-transcriber/shared/metrics"
)

// DefaultLanguages is the language pair spoken in the recordings
const DefaultLanguages = "Burmese/English"

// Instructions asks for a clean verbatim, speaker-labelled transcript of a
// meeting held in the given languages
func Instructions(languages string) string {
	if languages == "" {
		languages = DefaultLanguages
	}
	return fmt.Sprintf(`Professional secretary. Transcribe this %s meeting recording clean verbatim.
Start every turn with the speaker label, e.g. "Speaker 1:", "Speaker 2:".
Keep every utterance in the language it was spoken. Do not summarize or translate.`, languages)
}

// Pacing defaults. A zero ChunkDelay disables the pause between segments.
const (
	DefaultPollInterval    = 3 * time.Second
	DefaultMaxPollAttempts = 100
	DefaultChunkDelay      = 10 * time.Second
)

const remoteCleanupTimeout = 30 * time.Second

// Segmenter splits a source file into ordered chunk files
type Segmenter interface {
	Split(ctx context.Context, sourcePath, scratchDir string) ([]string, error)
}

// SourceFunc materializes the job's source audio inside dir and returns its path
type SourceFunc func(ctx context.Context, job *domain.Job, dir string) (string, error)

// Config controls pacing of the chunk loop
type Config struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	// ChunkDelay is waited between consecutive chunks to respect engine rate limits
	ChunkDelay time.Duration
	// Instructions replaces the generated prompt entirely; Languages only fills it in
	Instructions string
	Languages    string
	ScratchDir   string
}

// ChunkError is a recoverable failure of one segment
type ChunkError struct {
	Index int
	Total int
	Stage string
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("segment %d/%d %s failed: %v", e.Index, e.Total, e.Stage, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// storeError marks a job store failure that must abort the run
type storeError struct {
	err error
}

func (e *storeError) Error() string { return "job store: " + e.err.Error() }

func (e *storeError) Unwrap() error { return e.err }

// Runner drives one job's chunk loop to a terminal outcome
type Runner struct {
	store     store.Store
	engine    engine.Client
	segmenter Segmenter
	cfg       Config
	logger    *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	remove func(path string) error
}

// NewRunner creates a new Runner
func NewRunner(st store.Store, eng engine.Client, seg Segmenter, cfg Config, logger *slog.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if cfg.ChunkDelay < 0 {
		cfg.ChunkDelay = 0
	}
	if cfg.Instructions == "" {
		cfg.Instructions = Instructions(cfg.Languages)
	}

	return &Runner{
		store:     st,
		engine:    eng,
		segmenter: seg,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepContext,
		remove:    os.Remove,
	}
}

// Run claims the job and processes it end to end. A run that ends in a
// terminal state returns the final job and a nil error even when that state
// is FAILED; errors are returned only when the job could not be claimed or
// its outcome could not be recorded.
func (r *Runner) Run(ctx context.Context, jobID, workerID string, source SourceFunc) (*domain.Job, error) {
	job, err := r.store.Claim(ctx, jobID, workerID)
	if err != nil {
		return nil, err
	}

	logger := r.logger.With(slog.String("job_id", jobID), slog.String("worker_id", workerID))
	logger.Info("Transcription started",
		slog.String("filename", job.OriginalFilename),
	)

	if job.CancellationRequested {
		return r.finish(ctx, logger, jobID, domain.Cancelled())
	}

	scratch, err := os.MkdirTemp(r.cfg.ScratchDir, "job-"+jobID+"-")
	if err != nil {
		return r.fail(ctx, logger, jobID, fmt.Errorf("failed to create scratch dir: %w", err))
	}
	defer os.RemoveAll(scratch)

	sourcePath, err := source(ctx, job, scratch)
	if err != nil {
		return r.fail(ctx, logger, jobID, fmt.Errorf("failed to fetch source audio: %w", err))
	}

	chunkDir := filepath.Join(scratch, "chunks")
	if err := os.MkdirAll(chunkDir, 0o700); err != nil {
		return r.fail(ctx, logger, jobID, fmt.Errorf("failed to create chunk dir: %w", err))
	}

	chunks, err := r.segmenter.Split(ctx, sourcePath, chunkDir)
	if err != nil {
		return r.fail(ctx, logger, jobID, err)
	}
	// the chunks cover the whole source from here on
	_ = r.remove(sourcePath)

	logger.Info("Audio segmented", slog.Int("segments", len(chunks)))

	return r.transcribeChunks(ctx, logger, jobID, chunks)
}

func (r *Runner) transcribeChunks(ctx context.Context, logger *slog.Logger, jobID string, chunks []string) (*domain.Job, error) {
	total := len(chunks)
	failed := 0

	if err := r.store.SetChunkCounts(ctx, jobID, total, 0); err != nil {
		return r.fail(ctx, logger, jobID, &storeError{err})
	}

	for i, chunk := range chunks {
		n := i + 1

		if i > 0 && r.cfg.ChunkDelay > 0 {
			if err := r.sleep(ctx, r.cfg.ChunkDelay); err != nil {
				r.removeChunks(chunks[i:])
				return r.fail(ctx, logger, jobID, fmt.Errorf("run interrupted before segment %d/%d: %w", n, total, err))
			}
		}

		current, err := r.store.Get(ctx, jobID)
		if err != nil {
			r.removeChunks(chunks[i:])
			return r.fail(ctx, logger, jobID, &storeError{err})
		}
		if current.CancellationRequested {
			logger.Info("Cancellation observed", slog.Int("segment", n), slog.Int("segments", total))
			r.removeChunks(chunks[i:])
			return r.finish(ctx, logger, jobID, domain.Cancelled())
		}

		if err := r.store.SetProgress(ctx, jobID, i*100/total, fmt.Sprintf("segment %d/%d", n, total)); err != nil {
			r.removeChunks(chunks[i:])
			return r.fail(ctx, logger, jobID, &storeError{err})
		}

		chunkErr := r.transcribeChunk(ctx, jobID, chunk, n, total)
		r.removeChunks(chunks[i : i+1])

		if ctxErr := ctx.Err(); ctxErr != nil {
			r.removeChunks(chunks[i+1:])
			return r.fail(ctx, logger, jobID, fmt.Errorf("run interrupted during segment %d/%d: %w", n, total, ctxErr))
		}

		var se *storeError
		if errors.As(chunkErr, &se) {
			r.removeChunks(chunks[i+1:])
			return r.fail(ctx, logger, jobID, chunkErr)
		}

		separator := "\n"
		if chunkErr != nil {
			failed++
			metrics.IncreaseChunksProcessed(metrics.OutcomeError)
			logger.Warn("Segment failed, continuing",
				slog.Int("segment", n),
				slog.Int("segments", total),
				slog.String("error", chunkErr.Error()),
			)
			separator = fmt.Sprintf("\n[ERROR]: %s\n", chunkErr.Error())
		} else {
			metrics.IncreaseChunksProcessed(metrics.OutcomeSuccess)
			logger.Info("Segment transcribed", slog.Int("segment", n), slog.Int("segments", total))
		}

		if err := r.store.AppendTranscript(ctx, jobID, separator); err != nil {
			r.removeChunks(chunks[i+1:])
			return r.fail(ctx, logger, jobID, &storeError{err})
		}
		if err := r.store.SetChunkCounts(ctx, jobID, total, failed); err != nil {
			logger.Warn("Failed to update segment counts", slog.String("error", err.Error()))
		}
	}

	if failed == total {
		return r.fail(ctx, logger, jobID, fmt.Errorf("all %d segments failed to transcribe", total))
	}

	return r.finish(ctx, logger, jobID, domain.Completed())
}

// transcribeChunk uploads one chunk, waits for the engine and streams the
// transcript into the job. The remote copy is removed before returning.
func (r *Runner) transcribeChunk(ctx context.Context, jobID, path string, n, total int) error {
	chunkErr := func(stage string, err error) error {
		return &ChunkError{Index: n, Total: total, Stage: stage, Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return chunkErr("open", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return chunkErr("open", err)
	}

	displayName := fmt.Sprintf("%s-segment-%03d%s", jobID, n, filepath.Ext(path))
	h, err := r.engine.Upload(ctx, f, info.Size(), engine.MimeTypeFor(path), displayName)
	if err != nil {
		return chunkErr("upload", err)
	}
	defer r.deleteRemote(ctx, h)

	if err := r.awaitReady(ctx, h); err != nil {
		return chunkErr("readiness", err)
	}

	err = r.engine.StreamTranscribe(ctx, h, r.cfg.Instructions, func(text string) error {
		if err := r.store.AppendTranscript(ctx, jobID, text); err != nil {
			return &storeError{err}
		}
		return nil
	})
	if err != nil {
		var se *storeError
		if errors.As(err, &se) {
			return se
		}
		return chunkErr("transcription", err)
	}

	return nil
}

// awaitReady polls the engine until the upload is usable or the attempt budget runs out
func (r *Runner) awaitReady(ctx context.Context, h engine.Handle) error {
	for attempt := 1; ; attempt++ {
		state, err := r.engine.Status(ctx, h)
		if err != nil {
			return err
		}

		switch state {
		case engine.StateReady:
			return nil
		case engine.StateError:
			return errors.New("engine could not process the segment")
		}

		if attempt >= r.cfg.MaxPollAttempts {
			return fmt.Errorf("segment not ready after %d checks", attempt)
		}
		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (r *Runner) deleteRemote(ctx context.Context, h engine.Handle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteCleanupTimeout)
	defer cancel()

	if err := r.engine.Delete(ctx, h); err != nil {
		r.logger.Debug("Failed to delete remote segment",
			slog.String("file", h.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) removeChunks(paths []string) {
	for _, p := range paths {
		if err := r.remove(p); err != nil && !os.IsNotExist(err) {
			r.logger.Debug("Failed to remove chunk", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, jobID string, cause error) (*domain.Job, error) {
	logger.Error("Transcription failed", slog.String("error", cause.Error()))
	return r.finish(ctx, logger, jobID, domain.Failed(cause.Error()))
}

// finish records the outcome even when ctx is already done
func (r *Runner) finish(ctx context.Context, logger *slog.Logger, jobID string, outcome domain.Outcome) (*domain.Job, error) {
	job, err := r.store.Finish(context.WithoutCancel(ctx), jobID, outcome)
	if err != nil {
		logger.Error("Failed to record job outcome",
			slog.String("status", string(outcome.Status())),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to finish job: %w", err)
	}

	metrics.IncreaseJobsFinished(string(job.Status))
	logger.Info("Transcription finished",
		slog.String("status", string(job.Status)),
		slog.Int("segments", job.ChunksTotal),
		slog.Int("failed_segments", job.ChunksFailed),
	)

	return job, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
