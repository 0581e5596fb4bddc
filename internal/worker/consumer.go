package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer starts a manual-ack consumer with the configured prefetch window
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.queue.Consume(w.consumerTag, w.prefetchCount)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.consumerTag),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	return deliveries, nil
}

// startMessageDispatcher hands valid task messages to the pool.
// It reports whether it stopped because the delivery channel closed.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	w.logger.Info("Message dispatcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return false

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return true
			}

			msg, err := parseTask(delivery)
			if err != nil {
				w.logger.Error("Rejecting malformed task message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// malformed messages go to the dead letter queue, if any
				w.nack(delivery.DeliveryTag, false)
				continue
			}

			select {
			case w.jobsChan <- msg:
				w.logger.Debug("Task dispatched to worker pool",
					slog.String("type", msg.Type),
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", msg.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching task")
				w.nack(delivery.DeliveryTag, true)
				return false
			}
		}
	}
}

// parseTask decodes and validates a delivery body
func parseTask(delivery amqp.Delivery) (*domain.TaskMessage, error) {
	var msg domain.TaskMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	// older publishers only set the AMQP type property
	if msg.Type == "" {
		msg.Type = delivery.Type
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("%w: job_id %q is not a UUID", domain.ErrInvalidPayload, msg.JobID)
	}

	switch msg.Type {
	case domain.TaskTranscribe, domain.TaskMinutes:
	case domain.TaskIngest:
		if _, ok := domain.ParseArtifactKind(string(msg.Artifact)); !ok {
			return nil, fmt.Errorf("%w: unknown artifact %q", domain.ErrInvalidPayload, msg.Artifact)
		}
	default:
		return nil, fmt.Errorf("%w: unknown task type %q", domain.ErrInvalidPayload, msg.Type)
	}

	msg.DeliveryTag = delivery.DeliveryTag
	return &msg, nil
}

func (w *Worker) nack(tag uint64, requeue bool) {
	if err := w.queue.Nack(tag, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", tag),
			slog.String("error", err.Error()),
		)
	}
}
