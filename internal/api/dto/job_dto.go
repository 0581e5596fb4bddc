package dto

import (
	"time"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
)

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobSummaryDTO `json:"jobs"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// JobSummaryDTO is a list entry; transcript and minutes are fetched per job
type JobSummaryDTO struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	Phase            string `json:"phase"`
	OriginalFilename string `json:"original_filename"`
	MeetingName      string `json:"meeting_name"`
	ProgressPercent  int    `json:"progress_percent"`
	ProgressText     string `json:"progress_text"`
	HasMinutes       bool   `json:"has_minutes"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type JobDTO struct {
	JobID                 string  `json:"job_id"`
	Status                string  `json:"status"`
	Phase                 string  `json:"phase"`
	OriginalFilename      string  `json:"original_filename"`
	MeetingName           string  `json:"meeting_name"`
	ProgressPercent       int     `json:"progress_percent"`
	ProgressText          string  `json:"progress_text"`
	FullTranscript        string  `json:"full_transcript"`
	MeetingMinutes        *string `json:"meeting_minutes"`
	ErrorMessage          string  `json:"error_message,omitempty"`
	CancellationRequested bool    `json:"cancellation_requested"`
	ChunksTotal           int     `json:"chunks_total"`
	ChunksFailed          int     `json:"chunks_failed"`
	Degraded              bool    `json:"degraded"`
	CreatedAt             string  `json:"created_at"`
	UpdatedAt             string  `json:"updated_at"`
}

type ReplaceTranscriptRequest struct {
	FullTranscript *string `json:"full_transcript" binding:"required"`
}

type MinutesRequest struct {
	MeetingName string `json:"meeting_name"`
	Date        string `json:"date"`
	TimeRange   string `json:"time_range"`
	Tone        string `json:"tone"`
}

type IngestRequest struct {
	Artifact string `json:"artifact" binding:"required"`
}

type IngestionRecordDTO struct {
	Status       string `json:"status"`
	DocumentID   string `json:"document_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

// IngestionStatusResponse has a nil entry for an artifact never ingested
type IngestionStatusResponse struct {
	FullTranscript *IngestionRecordDTO `json:"full_transcript"`
	MeetingMinutes *IngestionRecordDTO `json:"meeting_minutes"`
}

func NewJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:                 job.ID,
		Status:                string(job.Status),
		Phase:                 string(job.Phase),
		OriginalFilename:      job.OriginalFilename,
		MeetingName:           job.MeetingName,
		ProgressPercent:       job.ProgressPercent,
		ProgressText:          job.ProgressText,
		FullTranscript:        job.FullTranscript,
		MeetingMinutes:        job.MeetingMinutes,
		ErrorMessage:          job.ErrorMessage,
		CancellationRequested: job.CancellationRequested,
		ChunksTotal:           job.ChunksTotal,
		ChunksFailed:          job.ChunksFailed,
		Degraded:              job.Degraded(),
		CreatedAt:             job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:             job.UpdatedAt.Format(time.RFC3339),
	}
}

func NewJobSummaryDTO(job *domain.Job) JobSummaryDTO {
	return JobSummaryDTO{
		JobID:            job.ID,
		Status:           string(job.Status),
		Phase:            string(job.Phase),
		OriginalFilename: job.OriginalFilename,
		MeetingName:      job.MeetingName,
		ProgressPercent:  job.ProgressPercent,
		ProgressText:     job.ProgressText,
		HasMinutes:       job.MeetingMinutes != nil,
		CreatedAt:        job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        job.UpdatedAt.Format(time.RFC3339),
	}
}

func NewIngestionStatusResponse(records []*domain.IngestionRecord) IngestionStatusResponse {
	var resp IngestionStatusResponse
	for _, r := range records {
		entry := &IngestionRecordDTO{
			Status:       string(r.Status),
			DocumentID:   r.DocumentID,
			ErrorMessage: r.ErrorMessage,
			UpdatedAt:    r.UpdatedAt.Format(time.RFC3339),
		}
		switch r.ArtifactKind {
		case domain.ArtifactTranscript:
			resp.FullTranscript = entry
		case domain.ArtifactMinutes:
			resp.MeetingMinutes = entry
		}
	}
	return resp
}
