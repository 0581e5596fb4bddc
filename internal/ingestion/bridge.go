package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/cuongbtq/meeting-transcriber/internal/store"
	"github.com/cuongbtq/meeting-transcriber/shared/metrics"
)

// Bridge pushes job artifacts into the document index and tracks each push
// on its own record, independent of the job status.
type Bridge struct {
	store      store.Store
	index      Index
	collection string
	logger     *slog.Logger
}

// NewBridge creates a new Bridge
func NewBridge(st store.Store, index Index, collection string, logger *slog.Logger) *Bridge {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Bridge{
		store:      st,
		index:      index,
		collection: collection,
		logger:     logger,
	}
}

// Request validates the artifact and reserves the (job, artifact) slot.
// A second request while one is pending or running fails with ErrAlreadyInProgress.
func (b *Bridge) Request(ctx context.Context, jobID string, kind domain.ArtifactKind) (*domain.IngestionRecord, error) {
	job, err := b.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if _, err := artifactText(job, kind); err != nil {
		return nil, err
	}

	return b.store.RequestIngestion(ctx, jobID, kind)
}

// Process performs a reserved ingestion and records its outcome. Failures
// of the index are recorded on the ingestion record and are not returned.
func (b *Bridge) Process(ctx context.Context, jobID string, kind domain.ArtifactKind) (*domain.IngestionRecord, error) {
	record, err := b.store.StartIngestion(ctx, jobID, kind)
	if err != nil {
		return nil, err
	}
	previousDoc := record.DocumentID

	logger := b.logger.With(slog.String("job_id", jobID), slog.String("artifact", string(kind)))

	documentID, ingestErr := b.push(ctx, jobID, kind)
	if ingestErr != nil {
		logger.Error("Ingestion failed", slog.String("error", ingestErr.Error()))
	}

	finished, err := b.store.FinishIngestion(context.WithoutCancel(ctx), jobID, kind, documentID, ingestErr)
	if err != nil {
		// nothing references the new document once the record is gone
		if ingestErr == nil {
			_ = b.Remove(context.WithoutCancel(ctx), documentID)
		}
		return nil, fmt.Errorf("failed to record ingestion outcome: %w", err)
	}
	metrics.IncreaseIngestions(string(kind), string(finished.Status))

	if ingestErr == nil {
		logger.Info("Artifact ingested", slog.String("document_id", documentID))
		// a re-ingestion replaces the earlier copy
		if previousDoc != "" && previousDoc != documentID {
			_ = b.Remove(ctx, previousDoc)
		}
	}
	return finished, nil
}

// Ingest runs Request and Process in one call
func (b *Bridge) Ingest(ctx context.Context, jobID string, kind domain.ArtifactKind) (*domain.IngestionRecord, error) {
	if _, err := b.Request(ctx, jobID, kind); err != nil {
		return nil, err
	}
	return b.Process(ctx, jobID, kind)
}

// Remove deletes indexed documents, logging failures
func (b *Bridge) Remove(ctx context.Context, documentIDs ...string) error {
	var firstErr error
	for _, id := range documentIDs {
		if id == "" {
			continue
		}
		if err := b.index.Delete(ctx, id); err != nil {
			b.logger.Warn("Failed to remove indexed document",
				slog.String("document_id", id),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Bridge) push(ctx context.Context, jobID string, kind domain.ArtifactKind) (string, error) {
	// the artifact is read again here since it may have changed since Request
	job, err := b.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	text, err := artifactText(job, kind)
	if err != nil {
		return "", err
	}

	return b.index.Ingest(ctx, b.document(job, kind, text))
}

func (b *Bridge) document(job *domain.Job, kind domain.ArtifactKind, text string) Document {
	title := job.MeetingName
	if title == "" {
		title = job.OriginalFilename
	}

	label := "Transcript"
	if kind == domain.ArtifactMinutes {
		label = "Minutes"
	}

	return Document{
		Collection: b.collection,
		Title:      fmt.Sprintf("%s: %s", label, title),
		Content:    text,
		Metadata: map[string]string{
			"job_id":            job.ID,
			"owner":             job.Owner,
			"artifact":          string(kind),
			"original_filename": job.OriginalFilename,
			"meeting_name":      job.MeetingName,
			"created_at":        job.CreatedAt.UTC().Format(time.RFC3339),
		},
	}
}

func artifactText(job *domain.Job, kind domain.ArtifactKind) (string, error) {
	var text string
	switch kind {
	case domain.ArtifactTranscript:
		text = job.FullTranscript
	case domain.ArtifactMinutes:
		if job.MeetingMinutes != nil {
			text = *job.MeetingMinutes
		}
	default:
		return "", fmt.Errorf("%w: unknown artifact %q", domain.ErrInvalidPayload, kind)
	}

	if strings.TrimSpace(text) == "" {
		return "", domain.ErrArtifactMissing
	}
	return text, nil
}
