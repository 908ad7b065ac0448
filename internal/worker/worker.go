package worker

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/datahub/postoffice/internal/contracts"
	"github.com/datahub/postoffice/internal/domain"
	"github.com/datahub/postoffice/internal/messaging"
)

// Ingester stores validated notifications.
type Ingester interface {
	AddNotifications(ctx context.Context, notifications []*domain.Notification) error
}

// Worker is a single goroutine that continuously pulls data-available
// messages from the inbound queue, stores them, and acknowledges each
// delivery according to the outcome.
type Worker struct {
	id         int
	deliveries <-chan amqp.Delivery
	ingester   Ingester
	logger     *zap.Logger
}

func NewWorker(id int, deliveries <-chan amqp.Delivery, ingester Ingester, logger *zap.Logger) *Worker {
	return &Worker{id: id, deliveries: deliveries, ingester: ingester, logger: logger}
}

// Run blocks until ctx is cancelled or the delivery channel closes,
// processing one delivery per iteration.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", zap.Int("id", w.id))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping", zap.Int("id", w.id))
			return
		case d, ok := <-w.deliveries:
			if !ok {
				w.logger.Warn("delivery channel closed", zap.Int("id", w.id))
				return
			}
			w.process(ctx, d)
		}
	}
}

// process acks stored messages, requeues recoverable failures and rejects
// the rest to the dead-letter exchange.
func (w *Worker) process(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	log := w.logger.With(zap.String("message_id", d.MessageId), zap.Uint64("delivery_tag", d.DeliveryTag))

	err := w.handle(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("failed to ack delivery", zap.Error(ackErr))
			return
		}
		log.Debug("notification ingested", zap.Duration("latency", time.Since(start)))
	case messaging.IsRecoverable(err):
		log.Warn("ingest failed, requeueing", zap.Error(err), zap.Bool("redelivered", d.Redelivered))
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error("failed to nack delivery", zap.Error(nackErr))
		}
	default:
		log.Error("rejecting message to dead-letter queue", zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Error("failed to nack delivery", zap.Error(nackErr))
		}
	}
}

func (w *Worker) handle(ctx context.Context, body []byte) error {
	msg, err := contracts.UnmarshalDataAvailableNotification(body)
	if err != nil {
		return messaging.NewUnrecoverableError("decode data-available message: %w", err)
	}

	n, err := msg.ToDomain()
	if err != nil {
		return messaging.NewUnrecoverableError("convert data-available message: %w", err)
	}

	err = w.ingester.AddNotifications(ctx, []*domain.Notification{n})
	if errors.Is(err, domain.ErrValidation) {
		return messaging.NewUnrecoverableError("invalid notification %s: %w", msg.UUID, err)
	}
	if err != nil {
		return messaging.NewRecoverableError("store notification %s: %w", msg.UUID, err)
	}
	return nil
}
