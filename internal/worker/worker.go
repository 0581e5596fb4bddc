package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/cuongbtq/meeting-transcriber/internal/ingestion"
	"github.com/cuongbtq/meeting-transcriber/internal/minutes"
	"github.com/cuongbtq/meeting-transcriber/internal/pipeline"
	"github.com/cuongbtq/meeting-transcriber/internal/store"
	amqp "github.com/rabbitmq/amqp091-go"
)

// StaleReason is recorded on jobs abandoned by a stopped worker
const StaleReason = "interrupted: worker stopped while processing"

// ErrDeliveriesClosed is returned by Start when the broker closes the consumer
var ErrDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// Queue is the consuming side of the task queue
type Queue interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

// SourceStore holds the uploaded audio
type SourceStore interface {
	Download(ctx context.Context, key, path string) error
	Remove(ctx context.Context, key string) error
}

// TranscriptionRunner runs the chunk loop for one job
type TranscriptionRunner interface {
	Run(ctx context.Context, jobID, workerID string, source pipeline.SourceFunc) (*domain.Job, error)
}

// MinutesGenerator completes a minutes phase started by the API
type MinutesGenerator interface {
	Generate(ctx context.Context, jobID, workerID string, meta minutes.Metadata) (*domain.Job, error)
}

// IngestionProcessor performs a reserved ingestion
type IngestionProcessor interface {
	Process(ctx context.Context, jobID string, kind domain.ArtifactKind) (*domain.IngestionRecord, error)
}

var (
	_ TranscriptionRunner = (*pipeline.Runner)(nil)
	_ MinutesGenerator    = (*minutes.Generator)(nil)
	_ IngestionProcessor  = (*ingestion.Bridge)(nil)
)

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Store     store.Store
	Queue     Queue
	Sources   SourceStore
	Runner    TranscriptionRunner
	Minutes   MinutesGenerator
	Ingestion IngestionProcessor

	WorkerID          string
	ConsumerTag       string
	PrefetchCount     int
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	RecoveryInterval  time.Duration
}

// Worker consumes task messages and runs them on a bounded goroutine pool
type Worker struct {
	logger    *slog.Logger
	store     store.Store
	queue     Queue
	sources   SourceStore
	runner    TranscriptionRunner
	minutes   MinutesGenerator
	ingestion IngestionProcessor

	workerID          string
	consumerTag       string
	prefetchCount     int
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	staleAfter        time.Duration
	recoveryInterval  time.Duration

	jobsChan chan *domain.TaskMessage
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}
	consumerTag := cfg.ConsumerTag
	if consumerTag == "" {
		consumerTag = cfg.WorkerID
	} else {
		consumerTag = fmt.Sprintf("%s-%s", consumerTag, cfg.WorkerID)
	}

	return &Worker{
		logger:            cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
		store:             cfg.Store,
		queue:             cfg.Queue,
		sources:           cfg.Sources,
		runner:            cfg.Runner,
		minutes:           cfg.Minutes,
		ingestion:         cfg.Ingestion,
		workerID:          cfg.WorkerID,
		consumerTag:       consumerTag,
		prefetchCount:     prefetch,
		concurrency:       concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleAfter:        cfg.StaleAfter,
		recoveryInterval:  cfg.RecoveryInterval,
		jobsChan:          make(chan *domain.TaskMessage),
		stopChan:          make(chan struct{}),
		now:               time.Now,
	}
}

// Start recovers abandoned jobs, then consumes tasks until ctx is done.
// It returns ErrDeliveriesClosed if the broker ends the consumer first.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	w.recoverStale(ctx)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	if w.recoveryInterval > 0 && w.staleAfter > 0 {
		w.wg.Add(1)
		go w.recoveryLoop(ctx)
	}

	if closed := w.startMessageDispatcher(ctx, deliveries); closed && ctx.Err() == nil {
		return ErrDeliveriesClosed
	}

	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop waits for in-flight tasks. Cancel the Start context first to interrupt them.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// recoverStale fails jobs whose worker stopped sending heartbeats
func (w *Worker) recoverStale(ctx context.Context) {
	if w.staleAfter <= 0 {
		return
	}

	n, err := w.store.RecoverStale(ctx, w.now().Add(-w.staleAfter), StaleReason)
	if err != nil {
		w.logger.Error("Failed to recover stale jobs", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		w.logger.Warn("Recovered stale jobs", slog.Int("count", n))
	}
}

func (w *Worker) recoveryLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.recoverStale(ctx)
		}
	}
}
