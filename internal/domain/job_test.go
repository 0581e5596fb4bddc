package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	all := []JobStatus{
		JobStatusPending,
		JobStatusProcessing,
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusCancelled,
	}

	allowed := map[JobStatus][]JobStatus{
		JobStatusPending:    {JobStatusProcessing},
		JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
		JobStatusCompleted:  {JobStatusProcessing},
		JobStatusFailed:     {JobStatusProcessing},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, ValidTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestOutcome_Status(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    JobStatus
	}{
		{name: "completed", outcome: Completed(), want: JobStatusCompleted},
		{name: "failed", outcome: Failed("boom"), want: JobStatusFailed},
		{name: "cancelled", outcome: Cancelled(), want: JobStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.outcome.Status())
		})
	}
}

func TestJob_Clone(t *testing.T) {
	minutes := "original"
	job := &Job{ID: "a", MeetingMinutes: &minutes}

	c := job.Clone()
	*c.MeetingMinutes = "changed"

	assert.Equal(t, "original", *job.MeetingMinutes)
}

func TestParseArtifactKind(t *testing.T) {
	kind, ok := ParseArtifactKind("meeting_minutes")
	assert.True(t, ok)
	assert.Equal(t, ArtifactMinutes, kind)

	_, ok = ParseArtifactKind("audio")
	assert.False(t, ok)
}
