package minutes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/cuongbtq/meeting-transcriber/internal/store"
	"github.com/cuongbtq/meeting-transcriber/shared/metrics"
)

// TextGenerator is the single-shot generation capability of the engine
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Generator derives meeting minutes from a finished transcript
type Generator struct {
	store  store.Store
	engine TextGenerator
	logger *slog.Logger
}

// NewGenerator creates a new Generator
func NewGenerator(st store.Store, eng TextGenerator, logger *slog.Logger) *Generator {
	return &Generator{
		store:  st,
		engine: eng,
		logger: logger,
	}
}

// Begin moves a COMPLETED or FAILED job into the minutes phase.
// Existing minutes are overwritten by the following Generate call.
func (g *Generator) Begin(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := g.store.BeginMinutes(ctx, jobID)
	if err != nil {
		return nil, err
	}

	g.logger.Info("Minutes generation started",
		slog.String("job_id", jobID),
		slog.String("resume_status", string(job.ResumeStatus)),
		slog.Bool("overwrite", job.MeetingMinutes != nil),
	)
	return job, nil
}

// Generate claims a queued minutes phase for workerID, produces the minutes
// and restores the job's previous status. A generation failure is recorded on
// the job and is not returned as an error.
func (g *Generator) Generate(ctx context.Context, jobID, workerID string, meta Metadata) (*domain.Job, error) {
	job, err := g.store.ClaimMinutes(ctx, jobID, workerID)
	if err != nil {
		return nil, err
	}

	text, genErr := g.engine.GenerateText(ctx, BuildPrompt(job.FullTranscript, meta))
	if genErr == nil && strings.TrimSpace(text) == "" {
		genErr = errors.New("engine returned no text")
	}
	metrics.IncreaseMinutesGenerated(genErr)

	if genErr != nil {
		genErr = fmt.Errorf("minutes generation failed: %w", genErr)
		g.logger.Error("Minutes generation failed",
			slog.String("job_id", jobID),
			slog.String("error", genErr.Error()),
		)
	}

	finished, err := g.store.FinishMinutes(context.WithoutCancel(ctx), jobID, text, genErr)
	if err != nil {
		return nil, fmt.Errorf("failed to record minutes: %w", err)
	}

	if genErr == nil {
		g.logger.Info("Minutes generated",
			slog.String("job_id", jobID),
			slog.Int("length", len(text)),
		)
	}
	return finished, nil
}

// Run begins and completes minutes generation in one call
func (g *Generator) Run(ctx context.Context, jobID, workerID string, meta Metadata) (*domain.Job, error) {
	if _, err := g.Begin(ctx, jobID); err != nil {
		return nil, err
	}
	return g.Generate(ctx, jobID, workerID, meta)
}
