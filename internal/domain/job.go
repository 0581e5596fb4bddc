package domain

import "time"

// Job is a transcription job record
type Job struct {
	ID                    string     `db:"id" json:"id"`
	Owner                 string     `db:"owner" json:"owner"`
	Status                JobStatus  `db:"status" json:"status"`
	Phase                 Phase      `db:"phase" json:"phase"`
	ResumeStatus          JobStatus  `db:"resume_status" json:"-"`
	OriginalFilename      string     `db:"original_filename" json:"original_filename"`
	MeetingName           string     `db:"meeting_name" json:"meeting_name"`
	SourceKey             string     `db:"source_key" json:"-"`
	ProgressPercent       int        `db:"progress_percent" json:"progress_percent"`
	ProgressText          string     `db:"progress_text" json:"progress_text"`
	FullTranscript        string     `db:"full_transcript" json:"full_transcript"`
	MeetingMinutes        *string    `db:"meeting_minutes" json:"meeting_minutes"`
	ErrorMessage          string     `db:"error_message" json:"error_message,omitempty"`
	CancellationRequested bool       `db:"cancellation_requested" json:"cancellation_requested"`
	ChunksTotal           int        `db:"chunks_total" json:"chunks_total"`
	ChunksFailed          int        `db:"chunks_failed" json:"chunks_failed"`
	WorkerID              string     `db:"worker_id" json:"-"`
	LastHeartbeatAt       *time.Time `db:"last_heartbeat_at" json:"-"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the job counts against the owner's single active slot
func (j *Job) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusProcessing
}

// Degraded reports a completed run in which some segments failed
func (j *Job) Degraded() bool {
	return j.Status == JobStatusCompleted && j.ChunksFailed > 0
}

// Clone returns a deep copy safe to hand to readers
func (j *Job) Clone() *Job {
	c := *j
	if j.MeetingMinutes != nil {
		m := *j.MeetingMinutes
		c.MeetingMinutes = &m
	}
	if j.LastHeartbeatAt != nil {
		t := *j.LastHeartbeatAt
		c.LastHeartbeatAt = &t
	}
	return &c
}

// NewJob holds the fields supplied at submission
type NewJob struct {
	Owner            string
	OriginalFilename string
	MeetingName      string
	SourceKey        string
}

// IngestionRecord tracks one artifact's push into the document index
type IngestionRecord struct {
	JobID        string          `db:"job_id" json:"job_id"`
	ArtifactKind ArtifactKind    `db:"artifact_kind" json:"artifact_kind"`
	Status       IngestionStatus `db:"status" json:"status"`
	DocumentID   string          `db:"document_id" json:"document_id,omitempty"`
	ErrorMessage string          `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// OutcomeKind is the terminal result of a transcription run
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeCancelled
)

// Outcome is passed to Finish to end a transcription run
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func Completed() Outcome { return Outcome{Kind: OutcomeCompleted} }

func Failed(reason string) Outcome { return Outcome{Kind: OutcomeFailed, Reason: reason} }

func Cancelled() Outcome { return Outcome{Kind: OutcomeCancelled} }

// Status maps the outcome onto the terminal job status
func (o Outcome) Status() JobStatus {
	switch o.Kind {
	case OutcomeFailed:
		return JobStatusFailed
	case OutcomeCancelled:
		return JobStatusCancelled
	default:
		return JobStatusCompleted
	}
}

// ValidTransition reports whether the status edge from -> to is part of the job lifecycle.
// PROCESSING -> COMPLETED/FAILED covers both the end of a transcription run and the
// return from a minutes phase.
func ValidTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusCancelled
	case JobStatusCompleted, JobStatusFailed:
		return to == JobStatusProcessing
	}
	return false
}
