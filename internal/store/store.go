package store

import (
	"context"
	"time"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
)

// Store persists transcription jobs and their ingestion records.
//
// Every mutation is atomic per job. Status-changing calls enforce the job
// lifecycle and return domain.ErrInvalidTransition for illegal edges.
type Store interface {
	Create(ctx context.Context, job domain.NewJob) (*domain.Job, error)
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	ListByOwner(ctx context.Context, owner string, filter ListFilter) ([]*domain.Job, error)
	HasActiveJob(ctx context.Context, owner string) (bool, error)

	Claim(ctx context.Context, jobID, workerID string) (*domain.Job, error)
	AppendTranscript(ctx context.Context, jobID, text string) error
	SetProgress(ctx context.Context, jobID string, percent int, text string) error
	SetChunkCounts(ctx context.Context, jobID string, total, failed int) error
	RequestCancel(ctx context.Context, jobID string) (*domain.Job, error)
	Finish(ctx context.Context, jobID string, outcome domain.Outcome) (*domain.Job, error)

	BeginMinutes(ctx context.Context, jobID string) (*domain.Job, error)
	ClaimMinutes(ctx context.Context, jobID, workerID string) (*domain.Job, error)
	FinishMinutes(ctx context.Context, jobID, minutes string, genErr error) (*domain.Job, error)

	ReplaceTranscript(ctx context.Context, jobID, text string) (*domain.Job, error)
	Heartbeat(ctx context.Context, jobID string) error
	RecoverStale(ctx context.Context, staleBefore time.Time, reason string) (int, error)

	Delete(ctx context.Context, jobID string) error
	DiscardPending(ctx context.Context, jobID string) error

	RequestIngestion(ctx context.Context, jobID string, kind domain.ArtifactKind) (*domain.IngestionRecord, error)
	StartIngestion(ctx context.Context, jobID string, kind domain.ArtifactKind) (*domain.IngestionRecord, error)
	FinishIngestion(ctx context.Context, jobID string, kind domain.ArtifactKind, documentID string, ingestErr error) (*domain.IngestionRecord, error)
	ListIngestion(ctx context.Context, jobID string) ([]*domain.IngestionRecord, error)
}

// ListFilter selects a page of an owner's jobs, newest first
type ListFilter struct {
	Status   domain.JobStatus
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last job of the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ClampPercent bounds a progress value to 0..100
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
