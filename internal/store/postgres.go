package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `
	id, owner, status, phase, resume_status, original_filename, meeting_name,
	source_key, progress_percent, progress_text, full_transcript, meeting_minutes,
	error_message, cancellation_requested, chunks_total, chunks_failed, worker_id,
	last_heartbeat_at, created_at, updated_at`

const ingestionColumns = `job_id, artifact_kind, status, document_id, error_message, created_at, updated_at`

// pq error codes
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// PostgresStore is the durable Store backed by PostgreSQL.
// Every state change is a single conditional UPDATE so concurrent workers
// and API replicas never see a half-applied transition.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Create(ctx context.Context, nj domain.NewJob) (*domain.Job, error) {
	query := `
		INSERT INTO transcription_jobs (
			id, owner, status, phase, original_filename, meeting_name,
			source_key, progress_text, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, NOW(), NOW()
		)
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		uuid.New().String(),
		nj.Owner,
		domain.JobStatusPending,
		domain.PhaseTranscription,
		nj.OriginalFilename,
		nj.MeetingName,
		nj.SourceKey,
		domain.ProgressQueued,
	)
	if err != nil {
		if isPQCode(err, uniqueViolation) {
			return nil, domain.ErrJobConflict
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return &job, nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrJobNotFound
	}

	var job domain.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM transcription_jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner string, filter ListFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM transcription_jobs WHERE owner = $1`
	args := []interface{}{owner}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	// Fetch one extra to determine if there are more results
	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	var jobs []*domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

func (s *PostgresStore) HasActiveJob(ctx context.Context, owner string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM transcription_jobs WHERE owner = $1 AND status IN ($2, $3))`
	if err := s.db.GetContext(ctx, &exists, query, owner, domain.JobStatusPending, domain.JobStatusProcessing); err != nil {
		return false, fmt.Errorf("failed to check active job: %w", err)
	}
	return exists, nil
}

// Claim attempts to claim a job using optimistic locking
func (s *PostgresStore) Claim(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := `
		UPDATE transcription_jobs
		SET status = $1,
		    phase = $2,
		    worker_id = $3,
		    error_message = '',
		    progress_percent = 0,
		    progress_text = $4,
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $5
		  AND status = $6
		RETURNING ` + jobColumns

	job, err := s.updateJob(ctx, jobID, domain.ErrAlreadyClaimed, query,
		domain.JobStatusProcessing, domain.PhaseTranscription, workerID,
		domain.ProgressStarting, jobID, domain.JobStatusPending,
	)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			s.logger.Warn("Failed to claim job - already claimed or not pending",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
		}
		return nil, err
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)

	return job, nil
}

func (s *PostgresStore) AppendTranscript(ctx context.Context, jobID, text string) error {
	query := `
		UPDATE transcription_jobs
		SET full_transcript = full_transcript || $1,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3 AND phase = $4`

	return s.execJob(ctx, jobID, query, text, jobID, domain.JobStatusProcessing, domain.PhaseTranscription)
}

func (s *PostgresStore) SetProgress(ctx context.Context, jobID string, percent int, text string) error {
	query := `
		UPDATE transcription_jobs
		SET progress_percent = GREATEST(progress_percent, $1),
		    progress_text = $2,
		    updated_at = NOW()
		WHERE id = $3 AND status = $4`

	return s.execJob(ctx, jobID, query, ClampPercent(percent), text, jobID, domain.JobStatusProcessing)
}

func (s *PostgresStore) SetChunkCounts(ctx context.Context, jobID string, total, failed int) error {
	query := `
		UPDATE transcription_jobs
		SET chunks_total = $1,
		    chunks_failed = $2,
		    updated_at = NOW()
		WHERE id = $3 AND status = $4 AND phase = $5`

	return s.execJob(ctx, jobID, query, total, failed, jobID, domain.JobStatusProcessing, domain.PhaseTranscription)
}

func (s *PostgresStore) RequestCancel(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE transcription_jobs
		SET cancellation_requested = TRUE,
		    updated_at = NOW()
		WHERE id = $1
		  AND (status = $2 OR (status = $3 AND phase = $4))
		RETURNING ` + jobColumns

	return s.updateJob(ctx, jobID, domain.ErrInvalidTransition, query,
		jobID, domain.JobStatusPending, domain.JobStatusProcessing, domain.PhaseTranscription,
	)
}

func (s *PostgresStore) Finish(ctx context.Context, jobID string, outcome domain.Outcome) (*domain.Job, error) {
	progressText := domain.ProgressCompleted
	errorMessage := ""
	switch outcome.Kind {
	case domain.OutcomeFailed:
		progressText = domain.ProgressFailed
		errorMessage = outcome.Reason
	case domain.OutcomeCancelled:
		progressText = domain.ProgressCancelled
	}

	query := `
		UPDATE transcription_jobs
		SET status = $1::text,
		    progress_percent = CASE WHEN $1::text = $2::text THEN 100 ELSE progress_percent END,
		    progress_text = $3,
		    error_message = $4,
		    cancellation_requested = FALSE,
		    updated_at = NOW()
		WHERE id = $5 AND status = $6 AND phase = $7
		RETURNING ` + jobColumns

	job, err := s.updateJob(ctx, jobID, domain.ErrInvalidTransition, query,
		outcome.Status(), domain.JobStatusCompleted, progressText, errorMessage,
		jobID, domain.JobStatusProcessing, domain.PhaseTranscription,
	)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job finished",
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)),
	)

	return job, nil
}

func (s *PostgresStore) BeginMinutes(ctx context.Context, jobID string) (*domain.Job, error) {
	// resume_status = status reads the pre-update value
	query := `
		UPDATE transcription_jobs
		SET resume_status = status,
		    status = $1,
		    phase = $2,
		    error_message = '',
		    progress_percent = 0,
		    progress_text = $3,
		    worker_id = '',
		    last_heartbeat_at = NULL,
		    updated_at = NOW()
		WHERE id = $4
		  AND status IN ($5, $6)
		  AND full_transcript <> ''
		RETURNING ` + jobColumns

	job, err := s.updateJob(ctx, jobID, domain.ErrInvalidTransition, query,
		domain.JobStatusProcessing, domain.PhaseMinutes, domain.ProgressMinutes,
		jobID, domain.JobStatusCompleted, domain.JobStatusFailed,
	)
	if err == nil {
		return job, nil
	}
	if isPQCode(err, uniqueViolation) {
		return nil, domain.ErrJobConflict
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		current, getErr := s.Get(ctx, jobID)
		if getErr == nil && !current.IsActive() && current.FullTranscript == "" {
			return nil, domain.ErrTranscriptEmpty
		}
	}
	return nil, err
}

// ClaimMinutes assigns a queued minutes phase to the worker that will run it
func (s *PostgresStore) ClaimMinutes(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := `
		UPDATE transcription_jobs
		SET worker_id = $1,
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $2 AND status = $3 AND phase = $4 AND worker_id = ''
		RETURNING ` + jobColumns

	job, err := s.updateJob(ctx, jobID, domain.ErrInvalidTransition, query,
		workerID, jobID, domain.JobStatusProcessing, domain.PhaseMinutes,
	)
	if err == nil {
		return job, nil
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		current, getErr := s.Get(ctx, jobID)
		if getErr == nil && current.Status == domain.JobStatusProcessing && current.Phase == domain.PhaseMinutes {
			return nil, domain.ErrAlreadyClaimed
		}
	}
	return nil, err
}

func (s *PostgresStore) FinishMinutes(ctx context.Context, jobID, minutes string, genErr error) (*domain.Job, error) {
	var (
		minutesArg   sql.NullString
		progressText = domain.ProgressMinutesEnd
	)
	if genErr == nil {
		minutesArg = sql.NullString{String: minutes, Valid: true}
	} else {
		progressText = domain.ProgressFailed
	}

	query := `
		UPDATE transcription_jobs
		SET status = resume_status,
		    resume_status = '',
		    phase = $7,
		    meeting_minutes = COALESCE($1, meeting_minutes),
		    error_message = $2,
		    progress_percent = 0,
		    progress_text = $3,
		    updated_at = NOW()
		WHERE id = $4 AND status = $5 AND phase = $6
		RETURNING ` + jobColumns

	return s.updateJob(ctx, jobID, domain.ErrInvalidTransition, query,
		minutesArg, errMessage(genErr), progressText,
		jobID, domain.JobStatusProcessing, domain.PhaseMinutes, domain.PhaseTranscription,
	)
}

func (s *PostgresStore) ReplaceTranscript(ctx context.Context, jobID, text string) (*domain.Job, error) {
	query := `
		UPDATE transcription_jobs
		SET full_transcript = $1,
		    updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($3, $4)
		RETURNING ` + jobColumns

	return s.updateJob(ctx, jobID, domain.ErrInvalidTransition, query,
		text, jobID, domain.JobStatusPending, domain.JobStatusProcessing,
	)
}

// Heartbeat updates the last_heartbeat_at timestamp for a processing job
func (s *PostgresStore) Heartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE transcription_jobs
		SET last_heartbeat_at = NOW()
		WHERE id = $1 AND status = $2`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return domain.ErrInvalidTransition
	}

	return nil
}

// RecoverStale fails transcription runs and ingestions and reverts claimed minutes phases whose worker stopped heartbeating
func (s *PostgresStore) RecoverStale(ctx context.Context, staleBefore time.Time, reason string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	transcription, err := tx.ExecContext(ctx, `
		UPDATE transcription_jobs
		SET status = $1,
		    error_message = $2,
		    progress_text = $3,
		    cancellation_requested = FALSE,
		    updated_at = NOW()
		WHERE status = $4 AND phase = $5
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $6)`,
		domain.JobStatusFailed, reason, domain.ProgressFailed,
		domain.JobStatusProcessing, domain.PhaseTranscription, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale transcriptions: %w", err)
	}

	minutes, err := tx.ExecContext(ctx, `
		UPDATE transcription_jobs
		SET status = resume_status,
		    resume_status = '',
		    phase = $6,
		    error_message = $1,
		    progress_text = $2,
		    updated_at = NOW()
		WHERE status = $3 AND phase = $4 AND worker_id <> ''
		  AND last_heartbeat_at < $5`,
		reason, domain.ProgressFailed,
		domain.JobStatusProcessing, domain.PhaseMinutes, staleBefore,
		domain.PhaseTranscription,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale minutes: %w", err)
	}

	ingestions, err := tx.ExecContext(ctx, `
		UPDATE ingestion_records
		SET status = $1,
		    error_message = $2,
		    updated_at = NOW()
		WHERE status = $3 AND updated_at < $4`,
		domain.IngestionFailed, reason, domain.IngestionProcessing, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale ingestions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit recovery: %w", err)
	}

	a, _ := transcription.RowsAffected()
	b, _ := minutes.RowsAffected()
	c, _ := ingestions.RowsAffected()
	return int(a + b + c), nil
}

func (s *PostgresStore) Delete(ctx context.Context, jobID string) error {
	// a queued or running push would leave an unreferenced document in the index
	query := `
		DELETE FROM transcription_jobs j
		WHERE j.id = $1
		  AND j.status NOT IN ($2, $3)
		  AND NOT EXISTS (
		      SELECT 1 FROM ingestion_records r
		      WHERE r.job_id = j.id AND r.status IN ($4, $5)
		  )`
	return s.execJob(ctx, jobID, query, jobID,
		domain.JobStatusPending, domain.JobStatusProcessing,
		domain.IngestionPending, domain.IngestionProcessing,
	)
}

func (s *PostgresStore) DiscardPending(ctx context.Context, jobID string) error {
	query := `DELETE FROM transcription_jobs WHERE id = $1 AND status = $2`
	return s.execJob(ctx, jobID, query, jobID, domain.JobStatusPending)
}

func (s *PostgresStore) RequestIngestion(ctx context.Context, jobID string, kind domain.ArtifactKind) (*domain.IngestionRecord, error) {
	query := `
		INSERT INTO ingestion_records (job_id, artifact_kind, status, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (job_id, artifact_kind) DO UPDATE
		SET status = EXCLUDED.status,
		    error_message = '',
		    updated_at = NOW()
		WHERE ingestion_records.status NOT IN ($3, $4)
		RETURNING ` + ingestionColumns

	var record domain.IngestionRecord
	err := s.db.GetContext(ctx, &record, query, jobID, kind, domain.IngestionPending, domain.IngestionProcessing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAlreadyInProgress
		}
		if isPQCode(err, foreignKeyViolation) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to request ingestion: %w", err)
	}

	return &record, nil
}

func (s *PostgresStore) StartIngestion(ctx context.Context, jobID string, kind domain.ArtifactKind) (*domain.IngestionRecord, error) {
	query := `
		UPDATE ingestion_records
		SET status = $1,
		    updated_at = NOW()
		WHERE job_id = $2 AND artifact_kind = $3 AND status = $4
		RETURNING ` + ingestionColumns

	var record domain.IngestionRecord
	err := s.db.GetContext(ctx, &record, query, domain.IngestionProcessing, jobID, kind, domain.IngestionPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAlreadyInProgress
		}
		return nil, fmt.Errorf("failed to start ingestion: %w", err)
	}

	return &record, nil
}

func (s *PostgresStore) FinishIngestion(ctx context.Context, jobID string, kind domain.ArtifactKind, documentID string, ingestErr error) (*domain.IngestionRecord, error) {
	status := domain.IngestionCompleted
	if ingestErr != nil {
		status = domain.IngestionFailed
		documentID = ""
	}

	query := `
		UPDATE ingestion_records
		SET status = $1,
		    document_id = CASE WHEN $2::text = '' THEN document_id ELSE $2::text END,
		    error_message = $3,
		    updated_at = NOW()
		WHERE job_id = $4 AND artifact_kind = $5 AND status IN ($6, $7)
		RETURNING ` + ingestionColumns

	var record domain.IngestionRecord
	err := s.db.GetContext(ctx, &record, query,
		status, documentID, errMessage(ingestErr),
		jobID, kind, domain.IngestionPending, domain.IngestionProcessing,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrInvalidTransition
		}
		return nil, fmt.Errorf("failed to finish ingestion: %w", err)
	}

	return &record, nil
}

func (s *PostgresStore) ListIngestion(ctx context.Context, jobID string) ([]*domain.IngestionRecord, error) {
	var records []*domain.IngestionRecord
	query := `SELECT ` + ingestionColumns + ` FROM ingestion_records WHERE job_id = $1 ORDER BY artifact_kind`
	if err := s.db.SelectContext(ctx, &records, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list ingestion records: %w", err)
	}
	return records, nil
}

// updateJob runs a conditional UPDATE ... RETURNING. When no row matches it
// tells a missing job apart from a job in the wrong state.
func (s *PostgresStore) updateJob(ctx context.Context, jobID string, stateErr error, query string, args ...interface{}) (*domain.Job, error) {
	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, args...)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isPQCode(err, uniqueViolation) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if _, getErr := s.Get(ctx, jobID); getErr != nil {
		return nil, getErr
	}
	return nil, stateErr
}

func (s *PostgresStore) execJob(ctx context.Context, jobID, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, getErr := s.Get(ctx, jobID); getErr != nil {
			return getErr
		}
		return domain.ErrInvalidTransition
	}

	return nil
}

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}
