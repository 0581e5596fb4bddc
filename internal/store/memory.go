package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/google/uuid"
)

// jobEntry holds one job. Writers serialize on mu and publish a fresh
// snapshot; readers load the snapshot without locking.
type jobEntry struct {
	mu        sync.Mutex
	snapshot  atomic.Pointer[domain.Job]
	ingestion map[domain.ArtifactKind]*domain.IngestionRecord
	// removed is set under mu when the job is deleted, for callers that looked it up earlier
	removed bool
}

// MemoryStore is an in-process Store with per-job locking.
//
// The store-wide lock only guards the job index and the owner -> active job
// map. Calls that can change whether a job is active take it for writing
// before the job lock; plain progress updates never touch it.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*jobEntry
	active map[string]string

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*jobEntry),
		active: make(map[string]string),
		now:    time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, nj domain.NewJob) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[nj.Owner]; ok {
		return nil, domain.ErrJobConflict
	}

	now := s.now()
	job := &domain.Job{
		ID:               uuid.New().String(),
		Owner:            nj.Owner,
		Status:           domain.JobStatusPending,
		Phase:            domain.PhaseTranscription,
		OriginalFilename: nj.OriginalFilename,
		MeetingName:      nj.MeetingName,
		SourceKey:        nj.SourceKey,
		ProgressText:     domain.ProgressQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	e := &jobEntry{ingestion: make(map[domain.ArtifactKind]*domain.IngestionRecord)}
	e.snapshot.Store(job)
	s.jobs[job.ID] = e
	s.active[job.Owner] = job.ID

	return job.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return e.snapshot.Load().Clone(), nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner string, filter ListFilter) ([]*domain.Job, error) {
	s.mu.RLock()
	jobs := make([]*domain.Job, 0)
	for _, e := range s.jobs {
		j := e.snapshot.Load()
		if j.Owner != owner {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if j.CreatedAt.After(c.CreatedAt) || (j.CreatedAt.Equal(c.CreatedAt) && j.ID >= c.JobID) {
				continue
			}
		}
		jobs = append(jobs, j.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].ID > jobs[b].ID
	})

	// One extra row tells the caller there is another page
	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (s *MemoryStore) HasActiveJob(ctx context.Context, owner string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[owner]
	return ok, nil
}

func (s *MemoryStore) Claim(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return s.mutate(e, func(j *domain.Job) error {
		if j.Status != domain.JobStatusPending {
			return domain.ErrAlreadyClaimed
		}
		now := s.now()
		j.Status = domain.JobStatusProcessing
		j.Phase = domain.PhaseTranscription
		j.WorkerID = workerID
		j.LastHeartbeatAt = &now
		j.ErrorMessage = ""
		j.ProgressPercent = 0
		j.ProgressText = domain.ProgressStarting
		return nil
	})
}

func (s *MemoryStore) AppendTranscript(ctx context.Context, jobID, text string) error {
	e, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	_, err = s.mutate(e, func(j *domain.Job) error {
		if !transcribing(j) {
			return domain.ErrInvalidTransition
		}
		j.FullTranscript += text
		return nil
	})
	return err
}

func (s *MemoryStore) SetProgress(ctx context.Context, jobID string, percent int, text string) error {
	e, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	_, err = s.mutate(e, func(j *domain.Job) error {
		if j.Status != domain.JobStatusProcessing {
			return domain.ErrInvalidTransition
		}
		if p := ClampPercent(percent); p > j.ProgressPercent {
			j.ProgressPercent = p
		}
		j.ProgressText = text
		return nil
	})
	return err
}

func (s *MemoryStore) SetChunkCounts(ctx context.Context, jobID string, total, failed int) error {
	e, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	_, err = s.mutate(e, func(j *domain.Job) error {
		if !transcribing(j) {
			return domain.ErrInvalidTransition
		}
		j.ChunksTotal = total
		j.ChunksFailed = failed
		return nil
	})
	return err
}

func (s *MemoryStore) RequestCancel(ctx context.Context, jobID string) (*domain.Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return s.mutate(e, func(j *domain.Job) error {
		if j.Status != domain.JobStatusPending && !transcribing(j) {
			return domain.ErrInvalidTransition
		}
		j.CancellationRequested = true
		return nil
	})
}

func (s *MemoryStore) Finish(ctx context.Context, jobID string, outcome domain.Outcome) (*domain.Job, error) {
	return s.mutateActive(jobID, func(j *domain.Job) error {
		if !transcribing(j) {
			return domain.ErrInvalidTransition
		}
		j.Status = outcome.Status()
		j.CancellationRequested = false
		switch outcome.Kind {
		case domain.OutcomeCompleted:
			j.ProgressPercent = 100
			j.ProgressText = domain.ProgressCompleted
			j.ErrorMessage = ""
		case domain.OutcomeFailed:
			j.ProgressText = domain.ProgressFailed
			j.ErrorMessage = outcome.Reason
		case domain.OutcomeCancelled:
			j.ProgressText = domain.ProgressCancelled
			j.ErrorMessage = ""
		}
		return nil
	})
}

func (s *MemoryStore) BeginMinutes(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.mutateActive(jobID, func(j *domain.Job) error {
		if j.Status != domain.JobStatusCompleted && j.Status != domain.JobStatusFailed {
			return domain.ErrInvalidTransition
		}
		if j.FullTranscript == "" {
			return domain.ErrTranscriptEmpty
		}
		if other, ok := s.active[j.Owner]; ok && other != j.ID {
			return domain.ErrJobConflict
		}
		j.ResumeStatus = j.Status
		j.Status = domain.JobStatusProcessing
		j.Phase = domain.PhaseMinutes
		j.ErrorMessage = ""
		j.ProgressPercent = 0
		j.ProgressText = domain.ProgressMinutes
		// queued until a worker claims it; recovery skips unclaimed phases
		j.WorkerID = ""
		j.LastHeartbeatAt = nil
		return nil
	})
}

func (s *MemoryStore) ClaimMinutes(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return s.mutate(e, func(j *domain.Job) error {
		if j.Status != domain.JobStatusProcessing || j.Phase != domain.PhaseMinutes {
			return domain.ErrInvalidTransition
		}
		if j.WorkerID != "" {
			return domain.ErrAlreadyClaimed
		}
		now := s.now()
		j.WorkerID = workerID
		j.LastHeartbeatAt = &now
		return nil
	})
}

func (s *MemoryStore) FinishMinutes(ctx context.Context, jobID, minutes string, genErr error) (*domain.Job, error) {
	return s.mutateActive(jobID, func(j *domain.Job) error {
		if j.Status != domain.JobStatusProcessing || j.Phase != domain.PhaseMinutes {
			return domain.ErrInvalidTransition
		}
		j.Status = j.ResumeStatus
		j.ResumeStatus = ""
		j.Phase = domain.PhaseTranscription
		j.ProgressPercent = 0
		if genErr != nil {
			j.ErrorMessage = genErr.Error()
			j.ProgressText = domain.ProgressFailed
			return nil
		}
		m := minutes
		j.MeetingMinutes = &m
		j.ProgressText = domain.ProgressMinutesEnd
		return nil
	})
}

func (s *MemoryStore) ReplaceTranscript(ctx context.Context, jobID, text string) (*domain.Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return s.mutate(e, func(j *domain.Job) error {
		if j.IsActive() {
			return domain.ErrInvalidTransition
		}
		j.FullTranscript = text
		return nil
	})
}

func (s *MemoryStore) Heartbeat(ctx context.Context, jobID string) error {
	e, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	_, err = s.mutate(e, func(j *domain.Job) error {
		if j.Status != domain.JobStatusProcessing {
			return domain.ErrInvalidTransition
		}
		now := s.now()
		j.LastHeartbeatAt = &now
		return nil
	})
	return err
}

func (s *MemoryStore) RecoverStale(ctx context.Context, staleBefore time.Time, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	for id, e := range s.jobs {
		recovered += s.recoverIngestion(e, staleBefore, reason)

		j, err := s.mutate(e, func(j *domain.Job) error {
			if j.Status != domain.JobStatusProcessing {
				return domain.ErrInvalidTransition
			}
			if j.LastHeartbeatAt != nil && !j.LastHeartbeatAt.Before(staleBefore) {
				return domain.ErrInvalidTransition
			}
			if j.Phase == domain.PhaseMinutes {
				if j.WorkerID == "" {
					return domain.ErrInvalidTransition
				}
				j.Status = j.ResumeStatus
				j.ResumeStatus = ""
				j.Phase = domain.PhaseTranscription
			} else {
				j.Status = domain.JobStatusFailed
				j.CancellationRequested = false
			}
			j.ProgressText = domain.ProgressFailed
			j.ErrorMessage = reason
			return nil
		})
		if err != nil {
			continue
		}
		if s.active[j.Owner] == id {
			delete(s.active, j.Owner)
		}
		recovered++
	}
	return recovered, nil
}

// recoverIngestion fails pushes left PROCESSING by a stopped worker so they can be re-requested
func (s *MemoryStore) recoverIngestion(e *jobEntry, staleBefore time.Time, reason string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for kind, r := range e.ingestion {
		if r.Status != domain.IngestionProcessing || !r.UpdatedAt.Before(staleBefore) {
			continue
		}
		c := *r
		c.Status = domain.IngestionFailed
		c.ErrorMessage = reason
		c.UpdatedAt = s.now()
		e.ingestion[kind] = &c
		n++
	}
	return n
}

func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	return s.remove(jobID, func(e *jobEntry) bool {
		return !e.snapshot.Load().IsActive() && !ingestionInFlight(e)
	})
}

func (s *MemoryStore) DiscardPending(ctx context.Context, jobID string) error {
	return s.remove(jobID, func(e *jobEntry) bool { return e.snapshot.Load().Status == domain.JobStatusPending })
}

func (s *MemoryStore) RequestIngestion(ctx context.Context, jobID string, kind domain.ArtifactKind) (*domain.IngestionRecord, error) {
	return s.mutateIngestion(jobID, kind, func(r *domain.IngestionRecord, exists bool) error {
		if exists && (r.Status == domain.IngestionPending || r.Status == domain.IngestionProcessing) {
			return domain.ErrAlreadyInProgress
		}
		r.Status = domain.IngestionPending
		r.ErrorMessage = ""
		return nil
	})
}

func (s *MemoryStore) StartIngestion(ctx context.Context, jobID string, kind domain.ArtifactKind) (*domain.IngestionRecord, error) {
	return s.mutateIngestion(jobID, kind, func(r *domain.IngestionRecord, exists bool) error {
		if !exists || r.Status != domain.IngestionPending {
			return domain.ErrAlreadyInProgress
		}
		r.Status = domain.IngestionProcessing
		return nil
	})
}

func (s *MemoryStore) FinishIngestion(ctx context.Context, jobID string, kind domain.ArtifactKind, documentID string, ingestErr error) (*domain.IngestionRecord, error) {
	return s.mutateIngestion(jobID, kind, func(r *domain.IngestionRecord, exists bool) error {
		if !exists || (r.Status != domain.IngestionPending && r.Status != domain.IngestionProcessing) {
			return domain.ErrInvalidTransition
		}
		if ingestErr != nil {
			r.Status = domain.IngestionFailed
			r.ErrorMessage = errMessage(ingestErr)
			return nil
		}
		r.Status = domain.IngestionCompleted
		r.DocumentID = documentID
		r.ErrorMessage = ""
		return nil
	})
}

func (s *MemoryStore) ListIngestion(ctx context.Context, jobID string) ([]*domain.IngestionRecord, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	records := make([]*domain.IngestionRecord, 0, len(e.ingestion))
	for _, r := range e.ingestion {
		c := *r
		records = append(records, &c)
	}
	sort.Slice(records, func(a, b int) bool { return records[a].ArtifactKind < records[b].ArtifactKind })
	return records, nil
}

func (s *MemoryStore) lookup(jobID string) (*jobEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return e, nil
}

// mutate applies fn to a copy of the job under the job lock and publishes the copy
func (s *MemoryStore) mutate(e *jobEntry, fn func(j *domain.Job) error) (*domain.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, domain.ErrJobNotFound
	}

	next := e.snapshot.Load().Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	e.snapshot.Store(next)
	return next.Clone(), nil
}

// mutateActive is mutate for calls that may move the job in or out of the owner's active slot
func (s *MemoryStore) mutateActive(jobID string, fn func(j *domain.Job) error) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	j, err := s.mutate(e, fn)
	if err != nil {
		return nil, err
	}
	if j.IsActive() {
		s.active[j.Owner] = j.ID
	} else if s.active[j.Owner] == j.ID {
		delete(s.active, j.Owner)
	}
	return j, nil
}

func (s *MemoryStore) mutateIngestion(jobID string, kind domain.ArtifactKind, fn func(r *domain.IngestionRecord, exists bool) error) (*domain.IngestionRecord, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, domain.ErrJobNotFound
	}

	now := s.now()
	cur, exists := e.ingestion[kind]
	next := &domain.IngestionRecord{JobID: jobID, ArtifactKind: kind, CreatedAt: now}
	if exists {
		c := *cur
		next = &c
	}
	if err := fn(next, exists); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	e.ingestion[kind] = next

	out := *next
	return &out, nil
}

func (s *MemoryStore) remove(jobID string, allowed func(e *jobEntry) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !allowed(e) {
		return domain.ErrInvalidTransition
	}
	j := e.snapshot.Load()
	e.removed = true
	delete(s.jobs, jobID)
	if s.active[j.Owner] == jobID {
		delete(s.active, j.Owner)
	}
	return nil
}

// ingestionInFlight reports a push that is queued or running; callers hold e.mu
func ingestionInFlight(e *jobEntry) bool {
	for _, r := range e.ingestion {
		if r.Status == domain.IngestionPending || r.Status == domain.IngestionProcessing {
			return true
		}
	}
	return false
}

func transcribing(j *domain.Job) bool {
	return j.Status == domain.JobStatusProcessing && j.Phase == domain.PhaseTranscription
}
