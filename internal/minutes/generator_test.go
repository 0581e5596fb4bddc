package minutes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/cuongbtq/meeting-transcriber/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	responses []string
	err       error
	prompts   []string
}

func (f *fakeGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	text := f.responses[0]
	f.responses = f.responses[1:]
	return text, nil
}

func finishedJob(t *testing.T, st *store.MemoryStore, transcript string, outcome domain.Outcome) *domain.Job {
	t.Helper()
	ctx := context.Background()

	job, err := st.Create(ctx, domain.NewJob{Owner: "alice", OriginalFilename: "weekly.mp3", MeetingName: "Weekly sync"})
	require.NoError(t, err)
	_, err = st.Claim(ctx, job.ID, "w")
	require.NoError(t, err)
	if transcript != "" {
		require.NoError(t, st.AppendTranscript(ctx, job.ID, transcript))
	}
	job, err = st.Finish(ctx, job.ID, outcome)
	require.NoError(t, err)
	return job
}

func newGenerator(eng TextGenerator) (*Generator, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return NewGenerator(st, eng, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

func TestGenerator_Run(t *testing.T) {
	eng := &fakeGenerator{responses: []string{"1. Objective\nPlan the release"}}
	g, st := newGenerator(eng)
	job := finishedJob(t, st, "Speaker 1: ship it friday", domain.Completed())

	got, err := g.Run(context.Background(), job.ID, "worker-1", Metadata{MeetingName: "Release", Date: "2026-10-01", Tone: ToneConcise})
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	require.NotNil(t, got.MeetingMinutes)
	assert.Equal(t, "1. Objective\nPlan the release", *got.MeetingMinutes)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, domain.ProgressMinutesEnd, got.ProgressText)

	require.Len(t, eng.prompts, 1)
	assert.Contains(t, eng.prompts[0], "Speaker 1: ship it friday")
	assert.Contains(t, eng.prompts[0], "- Name: Release")
	assert.Contains(t, eng.prompts[0], toneGuidance[ToneConcise])
}

func TestGenerator_RunTwiceOverwrites(t *testing.T) {
	eng := &fakeGenerator{responses: []string{"first minutes", "second minutes"}}
	g, st := newGenerator(eng)
	job := finishedJob(t, st, "text", domain.Completed())

	_, err := g.Run(context.Background(), job.ID, "worker-1", Metadata{})
	require.NoError(t, err)
	got, err := g.Run(context.Background(), job.ID, "worker-1", Metadata{})
	require.NoError(t, err)

	require.NotNil(t, got.MeetingMinutes)
	assert.Equal(t, "second minutes", *got.MeetingMinutes)
}

func TestGenerator_FromFailedJobKeepsFailedStatus(t *testing.T) {
	eng := &fakeGenerator{responses: []string{"partial minutes"}}
	g, st := newGenerator(eng)
	job := finishedJob(t, st, "partial text", domain.Failed("all 3 segments failed to transcribe"))

	got, err := g.Run(context.Background(), job.ID, "worker-1", Metadata{})
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, got.Status)
	require.NotNil(t, got.MeetingMinutes)
	assert.Equal(t, "partial minutes", *got.MeetingMinutes)
}

func TestGenerator_EngineFailure(t *testing.T) {
	tests := []struct {
		name      string
		eng       *fakeGenerator
		errString string
	}{
		{
			name:      "engine error",
			eng:       &fakeGenerator{err: errors.New("quota exhausted")},
			errString: "minutes generation failed: quota exhausted",
		},
		{
			name:      "blank response",
			eng:       &fakeGenerator{responses: []string{"  \n"}},
			errString: "minutes generation failed: engine returned no text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, st := newGenerator(tt.eng)
			job := finishedJob(t, st, "text", domain.Completed())

			got, err := g.Run(context.Background(), job.ID, "worker-1", Metadata{})
			require.NoError(t, err)

			assert.Equal(t, domain.JobStatusCompleted, got.Status)
			assert.Equal(t, tt.errString, got.ErrorMessage)
			assert.Nil(t, got.MeetingMinutes)

			active, err := st.HasActiveJob(context.Background(), "alice")
			require.NoError(t, err)
			assert.False(t, active)
		})
	}
}

func TestGenerator_FailureKeepsPreviousMinutes(t *testing.T) {
	eng := &fakeGenerator{responses: []string{"good minutes"}}
	g, st := newGenerator(eng)
	job := finishedJob(t, st, "text", domain.Completed())

	_, err := g.Run(context.Background(), job.ID, "worker-1", Metadata{})
	require.NoError(t, err)

	eng.err = errors.New("timeout")
	got, err := g.Run(context.Background(), job.ID, "worker-1", Metadata{})
	require.NoError(t, err)

	require.NotNil(t, got.MeetingMinutes)
	assert.Equal(t, "good minutes", *got.MeetingMinutes)
	assert.Contains(t, got.ErrorMessage, "timeout")
}

func TestGenerator_QueuedPhaseSurvivesRecovery(t *testing.T) {
	ctx := context.Background()
	eng := &fakeGenerator{responses: []string{"minutes after a long queue"}}
	g, st := newGenerator(eng)
	job := finishedJob(t, st, "Speaker 1: agenda", domain.Completed())

	_, err := g.Begin(ctx, job.ID)
	require.NoError(t, err)

	// the task is still queued, so nothing is owned by a stopped worker
	recovered, err := st.RecoverStale(ctx, time.Now().Add(time.Hour), "interrupted")
	require.NoError(t, err)
	assert.Zero(t, recovered)

	got, err := g.Generate(ctx, job.ID, "worker-1", Metadata{})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, domain.PhaseTranscription, got.Phase)
	assert.Empty(t, got.ErrorMessage)
	require.NotNil(t, got.MeetingMinutes)
	assert.Equal(t, "minutes after a long queue", *got.MeetingMinutes)
}

func TestGenerator_ClaimedPhaseIsRecovered(t *testing.T) {
	ctx := context.Background()
	g, st := newGenerator(&fakeGenerator{})
	job := finishedJob(t, st, "text", domain.Completed())

	_, err := g.Begin(ctx, job.ID)
	require.NoError(t, err)
	_, err = st.ClaimMinutes(ctx, job.ID, "worker-1")
	require.NoError(t, err)

	_, err = st.ClaimMinutes(ctx, job.ID, "worker-2")
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	recovered, err := st.RecoverStale(ctx, time.Now().Add(time.Hour), "interrupted")
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := st.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, domain.PhaseTranscription, got.Phase)
	assert.Equal(t, "interrupted", got.ErrorMessage)
}

func TestGenerator_Preconditions(t *testing.T) {
	t.Run("empty transcript", func(t *testing.T) {
		eng := &fakeGenerator{}
		g, st := newGenerator(eng)
		job := finishedJob(t, st, "", domain.Completed())

		_, err := g.Run(context.Background(), job.ID, "worker-1", Metadata{})
		assert.ErrorIs(t, err, domain.ErrTranscriptEmpty)
		assert.Empty(t, eng.prompts)
	})

	t.Run("job still transcribing", func(t *testing.T) {
		eng := &fakeGenerator{}
		g, st := newGenerator(eng)
		job, err := st.Create(context.Background(), domain.NewJob{Owner: "bob"})
		require.NoError(t, err)

		_, err = g.Run(context.Background(), job.ID, "worker-1", Metadata{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		_, err = g.Generate(context.Background(), job.ID, "worker-1", Metadata{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("unknown job", func(t *testing.T) {
		g, _ := newGenerator(&fakeGenerator{})
		_, err := g.Run(context.Background(), "missing", "worker-1", Metadata{})
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestParseTone(t *testing.T) {
	tests := []struct {
		in      string
		want    Tone
		wantErr bool
	}{
		{in: "", want: ToneFormal},
		{in: "formal", want: ToneFormal},
		{in: " Concise ", want: ToneConcise},
		{in: "casual", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTone(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMetadataFrom(t *testing.T) {
	job := &domain.Job{MeetingName: "Weekly sync", OriginalFilename: "weekly.mp3"}

	meta, err := MetadataFrom(nil, job)
	require.NoError(t, err)
	assert.Equal(t, Metadata{MeetingName: "Weekly sync", Tone: ToneFormal}, meta)

	meta, err = MetadataFrom(&domain.MinutesRequest{Date: "2026-10-01", Tone: "concise"}, &domain.Job{OriginalFilename: "call.m4a"})
	require.NoError(t, err)
	assert.Equal(t, Metadata{MeetingName: "call.m4a", Date: "2026-10-01", Tone: ToneConcise}, meta)

	_, err = MetadataFrom(&domain.MinutesRequest{Tone: "loud"}, job)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestBuildPrompt_Sections(t *testing.T) {
	p := BuildPrompt("Speaker 1: hello", Metadata{Tone: "unknown"})

	last := -1
	for _, s := range Sections {
		i := strings.Index(p, s)
		require.Greater(t, i, last, s)
		last = i
	}
	assert.Contains(t, p, "| Decision | Owner | Deadline |")
	assert.Contains(t, p, "- Date: not provided")
	assert.Contains(t, p, toneGuidance[ToneFormal])
	assert.True(t, strings.HasSuffix(p, "Speaker 1: hello"))
}
