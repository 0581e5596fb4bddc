package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned", slog.Int("worker_count", w.concurrency))
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))

	for {
		select {
		case <-w.stopChan:
			logger.Debug("Worker goroutine stopping - stopChan closed")
			return

		case <-ctx.Done():
			logger.Debug("Worker goroutine stopping - context canceled")
			return

		case msg := <-w.jobsChan:
			logger.Info("Worker received task",
				slog.String("type", msg.Type),
				slog.String("job_id", msg.JobID),
				slog.Uint64("delivery_tag", msg.DeliveryTag),
			)

			err := w.processTask(ctx, msg)
			if err == nil {
				if ackErr := w.queue.Ack(msg.DeliveryTag); ackErr != nil {
					logger.Error("Failed to ACK message",
						slog.String("job_id", msg.JobID),
						slog.String("error", ackErr.Error()),
					)
				}
				continue
			}

			requeue := shouldRequeue(err)
			logger.Error("Task processing failed",
				slog.String("type", msg.Type),
				slog.String("job_id", msg.JobID),
				slog.Bool("requeue", requeue),
				slog.String("error", err.Error()),
			)
			w.nack(msg.DeliveryTag, requeue)
		}
	}
}

// shouldRequeue determines if a task should go back on the queue based on the error type
func shouldRequeue(err error) bool {
	if errors.Is(err, domain.ErrAlreadyClaimed) ||
		errors.Is(err, domain.ErrInvalidPayload) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrAlreadyInProgress) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
