package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/cuongbtq/meeting-transcriber/internal/engine"
	"github.com/cuongbtq/meeting-transcriber/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// segmentScript drives the fake engine for one segment
type segmentScript struct {
	uploadErr error
	states    []engine.FileState
	fragments []string
	streamErr error
	// onStream runs after the fragments were delivered
	onStream func()
}

type fakeEngine struct {
	mu       sync.Mutex
	scripts  map[int]segmentScript
	uploads  int
	polls    map[string]int
	deleted  []string
	uploaded []string
	prompts  []string
}

func newFakeEngine(scripts map[int]segmentScript) *fakeEngine {
	return &fakeEngine{scripts: scripts, polls: make(map[string]int)}
}

func (f *fakeEngine) script(name string) segmentScript {
	var n int
	fmt.Sscanf(strings.TrimPrefix(name, "files/"), "%d", &n)
	return f.scripts[n]
}

func (f *fakeEngine) Upload(ctx context.Context, r io.Reader, size int64, mimeType, displayName string) (engine.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	f.uploaded = append(f.uploaded, displayName)
	if err := f.scripts[f.uploads].uploadErr; err != nil {
		return engine.Handle{}, err
	}
	name := fmt.Sprintf("files/%d", f.uploads)
	return engine.Handle{Name: name, URI: "https://engine/" + name, MimeType: mimeType}, nil
}

func (f *fakeEngine) Status(ctx context.Context, h engine.Handle) (engine.FileState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	states := f.script(h.Name).states
	i := f.polls[h.Name]
	f.polls[h.Name]++
	if i < len(states) {
		return states[i], nil
	}
	if len(states) > 0 {
		return states[len(states)-1], nil
	}
	return engine.StateReady, nil
}

func (f *fakeEngine) StreamTranscribe(ctx context.Context, h engine.Handle, instructions string, onFragment func(string) error) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, instructions)
	f.mu.Unlock()

	s := f.script(h.Name)
	for _, frag := range s.fragments {
		if err := onFragment(frag); err != nil {
			return err
		}
	}
	if s.onStream != nil {
		s.onStream()
	}
	return s.streamErr
}

func (f *fakeEngine) GenerateText(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeEngine) Delete(ctx context.Context, h engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, h.Name)
	return nil
}

// fakeSegmenter writes n chunk files into the scratch dir
type fakeSegmenter struct {
	n      int
	err    error
	chunks []string
}

func (f *fakeSegmenter) Split(ctx context.Context, sourcePath, scratchDir string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	for i := 0; i < f.n; i++ {
		p := filepath.Join(scratchDir, fmt.Sprintf("chunk_%03d.mp3", i))
		if err := os.WriteFile(p, []byte("segment"), 0o600); err != nil {
			return nil, err
		}
		f.chunks = append(f.chunks, p)
	}
	return f.chunks, nil
}

func writeSource(ctx context.Context, job *domain.Job, dir string) (string, error) {
	p := filepath.Join(dir, "source.mp3")
	return p, os.WriteFile(p, []byte("meeting"), 0o600)
}

type harness struct {
	store  *store.MemoryStore
	engine *fakeEngine
	seg    *fakeSegmenter
	runner *Runner
	job    *domain.Job
	sleeps []time.Duration
}

func newHarness(t *testing.T, segments int, scripts map[int]segmentScript, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemoryStore(),
		engine: newFakeEngine(scripts),
		seg:    &fakeSegmenter{n: segments},
	}

	cfg.ScratchDir = t.TempDir()
	h.runner = NewRunner(h.store, h.engine, h.seg, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.runner.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}

	job, err := h.store.Create(context.Background(), domain.NewJob{Owner: "alice", OriginalFilename: "standup.mp3"})
	require.NoError(t, err)
	h.job = job
	return h
}

func (h *harness) run(t *testing.T) *domain.Job {
	t.Helper()
	job, err := h.runner.Run(context.Background(), h.job.ID, "worker-1", writeSource)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestRunner_AllSegmentsSucceed(t *testing.T) {
	h := newHarness(t, 3, map[int]segmentScript{
		1: {fragments: []string{"Speaker 1: good ", "morning"}},
		2: {states: []engine.FileState{engine.StateProcessing, engine.StateProcessing, engine.StateReady}, fragments: []string{"Speaker 2: hi"}},
		3: {fragments: []string{"Speaker 1: bye"}},
	}, Config{ChunkDelay: 10 * time.Second, PollInterval: time.Second})

	job := h.run(t)

	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, "Speaker 1: good morning\nSpeaker 2: hi\nSpeaker 1: bye\n", job.FullTranscript)
	assert.Equal(t, 100, job.ProgressPercent)
	assert.Equal(t, 3, job.ChunksTotal)
	assert.Equal(t, 0, job.ChunksFailed)
	assert.Empty(t, job.ErrorMessage)

	// two polls while processing, two pauses between segments
	assert.Equal(t, []time.Duration{10 * time.Second, time.Second, time.Second, 10 * time.Second}, h.sleeps)
	assert.ElementsMatch(t, []string{"files/1", "files/2", "files/3"}, h.engine.deleted)
	assert.Equal(t, h.job.ID+"-segment-001.mp3", h.engine.uploaded[0])

	for _, c := range h.seg.chunks {
		assert.NoFileExists(t, c)
	}
}

func TestRunner_SegmentFailureIsRecordedInline(t *testing.T) {
	h := newHarness(t, 3, map[int]segmentScript{
		1: {fragments: []string{"one"}},
		2: {fragments: []string{"two-partial"}, streamErr: errors.New("stream broke")},
		3: {fragments: []string{"three"}},
	}, Config{})

	job := h.run(t)

	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.ChunksFailed)
	assert.True(t, job.Degraded())

	transcript := job.FullTranscript
	assert.True(t, strings.HasPrefix(transcript, "one\ntwo-partial\n[ERROR]: "))
	assert.Contains(t, transcript, "segment 2/3 transcription failed: stream broke")
	assert.True(t, strings.HasSuffix(transcript, "three\n"))
	// text from segment 2 stays ahead of segment 3
	assert.Less(t, strings.Index(transcript, "two-partial"), strings.Index(transcript, "three"))
}

func TestRunner_AllSegmentsFail(t *testing.T) {
	boom := errors.New("upload rejected")
	h := newHarness(t, 2, map[int]segmentScript{
		1: {uploadErr: boom},
		2: {uploadErr: boom},
	}, Config{})

	job := h.run(t)

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "all 2 segments failed to transcribe", job.ErrorMessage)
	assert.Equal(t, 2, job.ChunksFailed)
	assert.Equal(t, 2, strings.Count(job.FullTranscript, "[ERROR]: "))
	assert.Empty(t, h.engine.deleted)

	active, err := h.store.HasActiveJob(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRunner_ReadinessPollingIsBounded(t *testing.T) {
	h := newHarness(t, 2, map[int]segmentScript{
		1: {states: []engine.FileState{engine.StateProcessing}},
		2: {fragments: []string{"ok"}},
	}, Config{MaxPollAttempts: 4, PollInterval: 2 * time.Second, ChunkDelay: -1})

	job := h.run(t)

	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Contains(t, job.FullTranscript, "segment not ready after 4 checks")
	assert.Equal(t, 4, h.engine.polls["files/1"])
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, h.sleeps)
	// the remote copy is removed even when it never became ready
	assert.Contains(t, h.engine.deleted, "files/1")
}

func TestRunner_EngineErrorState(t *testing.T) {
	h := newHarness(t, 2, map[int]segmentScript{
		1: {states: []engine.FileState{engine.StateError}},
		2: {fragments: []string{"fine"}},
	}, Config{})

	job := h.run(t)

	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Contains(t, job.FullTranscript, "segment 1/2 readiness failed")
	assert.True(t, strings.HasSuffix(job.FullTranscript, "fine\n"))
}

func TestRunner_CancelDuringSegment(t *testing.T) {
	var h *harness
	h = newHarness(t, 4, map[int]segmentScript{
		1: {fragments: []string{"first"}},
		2: {
			fragments: []string{"second"},
			onStream: func() {
				_, err := h.store.RequestCancel(context.Background(), h.job.ID)
				require.NoError(t, err)
			},
		},
		3: {fragments: []string{"third"}},
		4: {fragments: []string{"fourth"}},
	}, Config{})

	job := h.run(t)

	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.False(t, job.CancellationRequested)
	assert.Equal(t, "first\nsecond\n", job.FullTranscript)
	assert.NotContains(t, job.FullTranscript, "third")
	assert.Equal(t, 2, h.engine.uploads)

	for _, c := range h.seg.chunks {
		assert.NoFileExists(t, c)
	}
}

func TestRunner_CancelBeforeClaim(t *testing.T) {
	h := newHarness(t, 2, nil, Config{})

	_, err := h.store.RequestCancel(context.Background(), h.job.ID)
	require.NoError(t, err)

	job := h.run(t)

	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Empty(t, job.FullTranscript)
	assert.Zero(t, h.engine.uploads)
}

func TestRunner_SegmentationFailure(t *testing.T) {
	h := newHarness(t, 0, nil, Config{})
	h.seg.err = errors.New("segmentation of source.mp3 failed: Invalid data found")

	job := h.run(t)

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "Invalid data found")
	assert.Zero(t, h.engine.uploads)
}

func TestRunner_SourceFetchFailure(t *testing.T) {
	h := newHarness(t, 2, nil, Config{})

	job, err := h.runner.Run(context.Background(), h.job.ID, "worker-1", func(ctx context.Context, job *domain.Job, dir string) (string, error) {
		return "", errors.New("object not found")
	})
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "failed to fetch source audio: object not found")
}

func TestRunner_ContextCanceledKeepsPartialTranscript(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, 3, map[int]segmentScript{
		1: {fragments: []string{"kept"}},
		2: {fragments: []string{"half"}, onStream: cancel, streamErr: context.Canceled},
	}, Config{})

	job, err := h.runner.Run(ctx, h.job.ID, "worker-1", writeSource)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "run interrupted during segment 2/3")
	assert.Equal(t, "kept\nhalf", job.FullTranscript)
	assert.Equal(t, 2, h.engine.uploads)
}

func TestRunner_ClaimRejected(t *testing.T) {
	h := newHarness(t, 1, nil, Config{})

	_, err := h.store.Claim(context.Background(), h.job.ID, "other-worker")
	require.NoError(t, err)

	_, err = h.runner.Run(context.Background(), h.job.ID, "worker-1", writeSource)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	assert.Zero(t, h.engine.uploads)
}

func TestRunner_ProgressIsReportedPerSegment(t *testing.T) {
	var seen []string
	var h *harness
	observe := func() {
		j, err := h.store.Get(context.Background(), h.job.ID)
		require.NoError(t, err)
		seen = append(seen, fmt.Sprintf("%d %s", j.ProgressPercent, j.ProgressText))
	}
	h = newHarness(t, 4, map[int]segmentScript{
		1: {onStream: observe},
		2: {onStream: observe},
		3: {onStream: observe},
		4: {onStream: observe},
	}, Config{})

	job := h.run(t)

	assert.Equal(t, []string{"0 segment 1/4", "25 segment 2/4", "50 segment 3/4", "75 segment 4/4"}, seen)
	assert.Equal(t, 100, job.ProgressPercent)
}

func TestRunner_Instructions(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		contains string
		excludes string
	}{
		{name: "default language pair", cfg: Config{}, contains: "Burmese/English meeting", excludes: "Vietnamese"},
		{name: "configured languages", cfg: Config{Languages: "Thai/English"}, contains: "Thai/English meeting", excludes: "Burmese"},
		{name: "explicit instructions", cfg: Config{Instructions: "Transcribe.", Languages: "Thai/English"}, contains: "Transcribe.", excludes: "Thai"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1, map[int]segmentScript{1: {fragments: []string{"hi"}}}, tt.cfg)
			h.run(t)

			require.Len(t, h.engine.prompts, 1)
			assert.Contains(t, h.engine.prompts[0], tt.contains)
			assert.NotContains(t, h.engine.prompts[0], tt.excludes)
		})
	}
}
