package domain

// JobStatus is the lifecycle state of a transcription job
type JobStatus string

// Job status constants
const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// Phase tells which stage owns a PROCESSING job
type Phase string

const (
	PhaseTranscription Phase = "TRANSCRIPTION"
	PhaseMinutes       Phase = "MINUTES"
)

// ArtifactKind names a job artifact that can be pushed to the document index
type ArtifactKind string

const (
	ArtifactTranscript ArtifactKind = "full_transcript"
	ArtifactMinutes    ArtifactKind = "meeting_minutes"
)

// IngestionStatus is the state of one artifact's push into the document index
type IngestionStatus string

const (
	IngestionPending    IngestionStatus = "PENDING"
	IngestionProcessing IngestionStatus = "PROCESSING"
	IngestionCompleted  IngestionStatus = "COMPLETED"
	IngestionFailed     IngestionStatus = "FAILED"
)

// Task types carried on the queue
const (
	TaskTranscribe = "transcribe"
	TaskMinutes    = "minutes"
	TaskIngest     = "ingest"
)

// Progress texts shown to pollers
const (
	ProgressQueued     = "queued"
	ProgressStarting   = "preparing audio"
	ProgressMinutes    = "minutes generation"
	ProgressCompleted  = "completed"
	ProgressFailed     = "failed"
	ProgressCancelled  = "cancelled"
	ProgressMinutesEnd = "minutes ready"
)

// ParseArtifactKind validates a user supplied artifact name
func ParseArtifactKind(s string) (ArtifactKind, bool) {
	switch ArtifactKind(s) {
	case ArtifactTranscript, ArtifactMinutes:
		return ArtifactKind(s), true
	}
	return "", false
}
