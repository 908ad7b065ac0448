package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/datahub/postoffice/internal/bundling"
	"github.com/datahub/postoffice/internal/content"
	"github.com/datahub/postoffice/internal/domain"
	"github.com/datahub/postoffice/internal/lock"
	"github.com/datahub/postoffice/internal/repository"
)

const tracerName = "github.com/datahub/postoffice/internal/service"

// Peek states, logged as the coordinator moves through a peek.
const (
	stateIdle      = "idle"
	stateSelecting = "selecting"
	stateResolving = "resolving"
	stateReady     = "ready"
)

// Resolver finds the content location of a selection.
type Resolver interface {
	Resolve(ctx context.Context, sel *domain.Selection) (*content.Resolution, error)
	Discard(ctx context.Context, sel *domain.Selection) error
}

// PeekResult is the bundle handed to the recipient and its content.
type PeekResult struct {
	Bundle   *domain.Bundle
	Content  *content.BundleContent
	Strategy content.Strategy
}

// PeekHooks carries the metric callbacks injected by main.
type PeekHooks struct {
	OnPeek     func(result string)
	OnConflict func()
}

// PeekCoordinator decides which notifications a recipient receives next.
type PeekCoordinator struct {
	notifications repository.NotificationRepository
	bundles       repository.BundleRepository
	policy        *bundling.Policy
	resolver      Resolver
	blobs         content.BlobStore
	locker        lock.Locker
	retries       int
	retryWait     time.Duration
	logger        *zap.Logger
	tracer        trace.Tracer
	onPeek        func(string)
	onConflict    func()
}

// PeekConfig holds the conflict retry settings.
type PeekConfig struct {
	ConflictRetries   int
	ConflictRetryWait time.Duration
}

func NewPeekCoordinator(
	notifications repository.NotificationRepository,
	bundles repository.BundleRepository,
	policy *bundling.Policy,
	resolver Resolver,
	blobs content.BlobStore,
	locker lock.Locker,
	cfg PeekConfig,
	logger *zap.Logger,
	hooks PeekHooks,
) *PeekCoordinator {
	c := &PeekCoordinator{
		notifications: notifications,
		bundles:       bundles,
		policy:        policy,
		resolver:      resolver,
		blobs:         blobs,
		locker:        locker,
		retries:       cfg.ConflictRetries,
		retryWait:     cfg.ConflictRetryWait,
		logger:        logger,
		tracer:        otel.Tracer(tracerName),
		onPeek:        hooks.OnPeek,
		onConflict:    hooks.OnConflict,
	}
	if c.onPeek == nil {
		c.onPeek = func(string) {}
	}
	if c.onConflict == nil {
		c.onConflict = func() {}
	}
	return c
}

// Peek returns the recipient's next bundle, or nil when nothing is pending.
// Repeated peeks before a dequeue return the same bundle and content.
func (c *PeekCoordinator) Peek(ctx context.Context, recipient string) (*PeekResult, error) {
	if recipient == "" {
		return nil, fmt.Errorf("%w: recipient must not be empty", domain.ErrValidation)
	}

	ctx, span := c.tracer.Start(ctx, "postoffice.peek", trace.WithAttributes(attribute.String("recipient", recipient)))
	defer span.End()

	var result *PeekResult
	var err error
	for attempt := 0; ; attempt++ {
		err = c.locker.WithLock(ctx, lock.RecipientKey(recipient), func(ctx context.Context) error {
			var peekErr error
			result, peekErr = c.peekOnce(ctx, recipient)
			return peekErr
		})
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			break
		}
		c.onConflict()
		if attempt >= c.retries {
			break
		}
		c.logger.Debug("pending set changed during peek, retrying",
			zap.String("recipient", recipient), zap.Int("attempt", attempt+1))

		select {
		case <-time.After(c.retryWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.onPeek(peekErrorLabel(err))
		return nil, err
	case result == nil:
		c.onPeek("empty")
		return nil, nil
	}

	span.SetAttributes(
		attribute.String("bundle_id", result.Bundle.ID.String()),
		attribute.Int("notifications", len(result.Bundle.NotificationIDs)),
		attribute.String("strategy", result.Strategy.String()),
	)
	c.onPeek("bundle")
	return result, nil
}

func (c *PeekCoordinator) peekOnce(ctx context.Context, recipient string) (*PeekResult, error) {
	log := c.logger.With(zap.String("recipient", recipient))
	log.Debug("peek", zap.String("state", stateIdle))

	// An undequeued bundle is handed out again until it is dequeued.
	active, err := c.bundles.GetActive(ctx, recipient)
	if err == nil {
		log.Debug("peek", zap.String("state", stateResolving), zap.String("bundle_id", active.ID.String()), zap.Bool("reused", true))
		res, err := c.resolver.Resolve(ctx, active.Selection())
		if err != nil {
			return nil, err
		}
		return c.ready(log, active, res), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("get active bundle: %w", err)
	}

	log.Debug("peek", zap.String("state", stateSelecting))
	pending, err := c.notifications.GetPending(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("get pending: %w", err)
	}

	sel := c.policy.SelectBundle(pending.Notifications)
	if sel == nil {
		log.Debug("nothing pending")
		return nil, nil
	}

	log.Debug("peek", zap.String("state", stateResolving), zap.Int("selected", len(sel.NotificationIDs)))
	res, err := c.resolver.Resolve(ctx, sel)
	if err != nil {
		return nil, err
	}

	bundle := domain.NewBundle(sel)
	if err := c.bundles.Create(ctx, bundle, pending.Version); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("create bundle: %w", err)
	}
	return c.ready(log, bundle, res), nil
}

func (c *PeekCoordinator) ready(log *zap.Logger, b *domain.Bundle, res *content.Resolution) *PeekResult {
	log.Debug("peek",
		zap.String("state", stateReady),
		zap.String("bundle_id", b.ID.String()),
		zap.String("strategy", res.Strategy.String()),
	)
	return &PeekResult{
		Bundle:   b,
		Content:  content.NewBundleContent(c.blobs, res.Location),
		Strategy: res.Strategy,
	}
}

func peekErrorLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, domain.ErrContentResolutionTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrContentRequestFailed):
		return "content_failed"
	case errors.Is(err, domain.ErrSubDomainUnavailable):
		return "unavailable"
	}
	return "error"
}
