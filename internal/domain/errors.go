package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobConflict is returned when the owner already has a PENDING or PROCESSING job
	ErrJobConflict = errors.New("owner already has an active job")

	// ErrAlreadyClaimed is returned when a job is no longer PENDING or its minutes phase already has a worker
	ErrAlreadyClaimed = errors.New("job already claimed or not in PENDING status")

	// ErrInvalidTransition is returned when an operation is not legal in the job's current state
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrTranscriptEmpty is returned when minutes are requested for a job without transcript text
	ErrTranscriptEmpty = errors.New("job has no transcript")

	// ErrArtifactMissing is returned when the artifact to ingest is empty
	ErrArtifactMissing = errors.New("artifact is empty")

	// ErrAlreadyInProgress is returned when an ingestion for the same artifact is still pending or running
	ErrAlreadyInProgress = errors.New("ingestion already in progress")

	// ErrEngineUnavailable is returned when the transcription engine cannot be reached
	ErrEngineUnavailable = errors.New("transcription engine unavailable")

	// ErrInvalidPayload is returned when a queue message is malformed
	ErrInvalidPayload = errors.New("invalid task payload")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
