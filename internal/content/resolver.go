// Package content resolves where the content of a bundle lives and opens it.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/datahub/postoffice/internal/domain"
	"github.com/datahub/postoffice/internal/provider"
)

// Strategy says how a Resolution was obtained.
type Strategy int

const (
	// StrategyFreshRequest asked the sub-domain for new content.
	StrategyFreshRequest Strategy = iota
	// StrategySavedResponse replayed a location stored by an earlier peek.
	StrategySavedResponse
)

func (s Strategy) String() string {
	switch s {
	case StrategyFreshRequest:
		return "fresh_request"
	case StrategySavedResponse:
		return "saved_response"
	}
	return "unknown"
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Location domain.ContentLocation
	Strategy Strategy
}

// Limiter throttles content requests per origin.
type Limiter interface {
	Wait(ctx context.Context, o domain.Origin) error
}

// ResolverHooks carries the metric callbacks injected by main.
type ResolverHooks struct {
	// OnRequest is called once per content request sent to a sub-domain.
	OnRequest func(origin domain.Origin, result string, latency time.Duration)
}

// Resolver finds or requests the content for a selection.
type Resolver struct {
	locations LocationStore
	provider  provider.ContentProvider
	limiter   Limiter
	timeout   time.Duration
	logger    *zap.Logger
	tracer    trace.Tracer
	onRequest func(domain.Origin, string, time.Duration)

	// Concurrent resolves of the same request key share one content request.
	group singleflight.Group
}

func NewResolver(
	locations LocationStore,
	prov provider.ContentProvider,
	limiter Limiter,
	timeout time.Duration,
	logger *zap.Logger,
	hooks ResolverHooks,
) *Resolver {
	onRequest := hooks.OnRequest
	if onRequest == nil {
		onRequest = func(domain.Origin, string, time.Duration) {}
	}
	return &Resolver{
		locations: locations,
		provider:  prov,
		limiter:   limiter,
		timeout:   timeout,
		logger:    logger,
		tracer:    otel.Tracer("github.com/datahub/postoffice/internal/content"),
		onRequest: onRequest,
	}
}

// Resolve returns the content location for sel. A location saved by an
// earlier resolve of the same request key is replayed; otherwise the owning
// sub-domain is asked and the answer is saved. Nothing is saved on failure.
func (r *Resolver) Resolve(ctx context.Context, sel *domain.Selection) (*Resolution, error) {
	key := sel.RequestKey()
	ctx, span := r.tracer.Start(ctx, "content.resolve", trace.WithAttributes(
		attribute.String("origin", string(sel.Origin)),
		attribute.String("request_key", key),
		attribute.Int("notifications", len(sel.NotificationIDs)),
	))
	defer span.End()

	path, found, err := r.locations.Get(ctx, key)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if found {
		span.SetAttributes(attribute.String("strategy", StrategySavedResponse.String()))
		return &Resolution{
			Location: domain.ContentLocation{RequestKey: key, Path: path},
			Strategy: StrategySavedResponse,
		}, nil
	}

	// The flight outlives any single caller: joined callers must not fail
	// because the one that started it went away.
	flightCtx := context.WithoutCancel(ctx)
	flight := r.group.DoChan(key, func() (any, error) {
		// A flight that finished just before this one started saved the location.
		if path, found, err := r.locations.Get(flightCtx, key); err == nil && found {
			return flightResult{path: path, saved: true}, nil
		}
		path, err := r.requestContent(flightCtx, sel, key)
		return flightResult{path: path}, err
	})

	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, ctx.Err()
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		return nil, res.Err
	}

	fr := res.Val.(flightResult)
	strategy := StrategyFreshRequest
	if fr.saved {
		strategy = StrategySavedResponse
	}
	span.SetAttributes(
		attribute.String("strategy", strategy.String()),
		attribute.Bool("shared", res.Shared),
	)
	return &Resolution{
		Location: domain.ContentLocation{RequestKey: key, Path: fr.path},
		Strategy: strategy,
	}, nil
}

type flightResult struct {
	path  string
	saved bool
}

func (r *Resolver) requestContent(ctx context.Context, sel *domain.Selection, key string) (string, error) {
	log := r.logger.With(zap.String("origin", string(sel.Origin)), zap.String("request_key", key))

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	if err := r.limiter.Wait(reqCtx, sel.Origin); err != nil {
		// The limiter refuses waits that would outlast the deadline.
		r.onRequest(sel.Origin, "timeout", time.Since(start))
		return "", fmt.Errorf("%w: rate limited: %v", domain.ErrContentResolutionTimeout, err)
	}

	resp, err := r.provider.RequestContent(reqCtx, sel)
	latency := time.Since(start)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		r.onRequest(sel.Origin, "timeout", latency)
		log.Warn("content request timed out", zap.Duration("timeout", r.timeout))
		return "", fmt.Errorf("%w: %s after %s", domain.ErrContentResolutionTimeout, sel.Origin, r.timeout)
	case errors.Is(err, domain.ErrSubDomainUnavailable):
		r.onRequest(sel.Origin, "unavailable", latency)
		return "", err
	case err != nil:
		r.onRequest(sel.Origin, "error", latency)
		return "", fmt.Errorf("%w: %v", domain.ErrSubDomainUnavailable, err)
	case resp.Failed():
		r.onRequest(sel.Origin, "failed", latency)
		log.Warn("sub-domain could not supply content",
			zap.String("reason", resp.ErrorReason.String()),
			zap.String("description", resp.FailureDescription),
		)
		return "", fmt.Errorf("%w: %s: %s", domain.ErrContentRequestFailed, resp.ErrorReason, resp.FailureDescription)
	}

	r.onRequest(sel.Origin, "ok", latency)
	if err := r.locations.Put(ctx, key, resp.ContentURI); err != nil {
		return "", err
	}
	log.Debug("content resolved", zap.String("path", resp.ContentURI), zap.Duration("latency", latency))
	return resp.ContentURI, nil
}

// Discard forgets the saved location for sel after its bundle is dequeued.
func (r *Resolver) Discard(ctx context.Context, sel *domain.Selection) error {
	return r.locations.Delete(ctx, sel.RequestKey())
}

// BundleContent is the readable content of one bundle.
type BundleContent struct {
	Location domain.ContentLocation
	blobs    BlobStore
}

func NewBundleContent(blobs BlobStore, location domain.ContentLocation) *BundleContent {
	return &BundleContent{Location: location, blobs: blobs}
}

// Open streams the content. It returns domain.ErrContentUnavailable when the
// sub-domain reported a location that holds nothing.
func (c *BundleContent) Open(ctx context.Context) (io.ReadCloser, error) {
	return c.blobs.Open(ctx, c.Location.Path)
}
