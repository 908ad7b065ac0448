package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/datahub/postoffice/internal/domain"
	"github.com/datahub/postoffice/internal/lock"
	"github.com/datahub/postoffice/internal/repository"
)

// DequeueCoordinator acknowledges a peeked bundle.
type DequeueCoordinator struct {
	notifications repository.NotificationRepository
	bundles       repository.BundleRepository
	resolver      Resolver
	locker        lock.Locker
	logger        *zap.Logger
	tracer        trace.Tracer
	onDequeue     func(result string)
}

func NewDequeueCoordinator(
	notifications repository.NotificationRepository,
	bundles repository.BundleRepository,
	resolver Resolver,
	locker lock.Locker,
	logger *zap.Logger,
	onDequeue func(result string),
) *DequeueCoordinator {
	if onDequeue == nil {
		onDequeue = func(string) {}
	}
	return &DequeueCoordinator{
		notifications: notifications,
		bundles:       bundles,
		resolver:      resolver,
		locker:        locker,
		logger:        logger,
		tracer:        otel.Tracer(tracerName),
		onDequeue:     onDequeue,
	}
}

// Dequeue consumes the bundle's notifications. Dequeuing a bundle twice is a
// no-op. notificationIDs may be empty; when given they must match the bundle.
func (c *DequeueCoordinator) Dequeue(ctx context.Context, bundleID uuid.UUID, notificationIDs []uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "postoffice.dequeue", trace.WithAttributes(attribute.String("bundle_id", bundleID.String())))
	defer span.End()

	err := c.dequeue(ctx, bundleID, notificationIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, domain.ErrUnknownBundle):
			c.onDequeue("unknown_bundle")
		case errors.Is(err, domain.ErrValidation):
			c.onDequeue("invalid")
		default:
			c.onDequeue("error")
		}
	}
	return err
}

func (c *DequeueCoordinator) dequeue(ctx context.Context, bundleID uuid.UUID, notificationIDs []uuid.UUID) error {
	if bundleID == uuid.Nil {
		return fmt.Errorf("%w: bundle id must be set", domain.ErrValidation)
	}

	b, err := c.bundles.GetByID(ctx, bundleID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrUnknownBundle, bundleID)
	}
	if err != nil {
		return fmt.Errorf("get bundle: %w", err)
	}
	if len(notificationIDs) > 0 && !b.Contains(notificationIDs) {
		return fmt.Errorf("%w: notification ids do not match bundle %s", domain.ErrValidation, bundleID)
	}
	if b.Dequeued {
		c.onDequeue("already_dequeued")
		return nil
	}

	log := c.logger.With(zap.String("recipient", b.Recipient), zap.String("bundle_id", b.ID.String()))

	return c.locker.WithLock(ctx, lock.RecipientKey(b.Recipient), func(ctx context.Context) error {
		// A concurrent dequeue of the same bundle may have won the lock first.
		current, err := c.bundles.GetByID(ctx, bundleID)
		if err != nil {
			return fmt.Errorf("get bundle: %w", err)
		}
		if current.Dequeued {
			c.onDequeue("already_dequeued")
			return nil
		}

		if err := c.notifications.MarkConsumed(ctx, current.NotificationIDs); err != nil {
			return fmt.Errorf("mark consumed: %w", err)
		}
		if err := c.bundles.MarkDequeued(ctx, current.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("mark dequeued: %w", err)
		}
		if err := c.resolver.Discard(ctx, current.Selection()); err != nil {
			// The location expires on its own; dequeue already succeeded.
			log.Warn("failed to discard content location", zap.Error(err))
		}

		c.onDequeue("dequeued")
		log.Info("bundle dequeued", zap.Int("notifications", len(current.NotificationIDs)))
		return nil
	})
}
