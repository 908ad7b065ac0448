package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/datahub/postoffice/internal/domain"
)

// OriginLimiters holds one token bucket limiter per origin so a slow or
// heavily requested sub-domain cannot be flooded with content requests.
// Burst is set equal to the rate so no extra burst capacity is allowed
// beyond the configured per-second maximum.
type OriginLimiters struct {
	limiters map[domain.Origin]*rate.Limiter
}

// New creates OriginLimiters with ratePerSec tokens per second per origin.
// A non-positive rate disables limiting.
func New(ratePerSec int) *OriginLimiters {
	r := rate.Limit(ratePerSec)
	burst := ratePerSec
	if ratePerSec <= 0 {
		r, burst = rate.Inf, 1
	}

	limiters := make(map[domain.Origin]*rate.Limiter, len(domain.Origins))
	for _, o := range domain.Origins {
		limiters[o] = rate.NewLimiter(r, burst)
	}
	return &OriginLimiters{limiters: limiters}
}

// Wait blocks until the origin's limiter grants a token.
// Returns a non-nil error only if ctx is cancelled while waiting,
// or if the wait would outlast the ctx deadline.
func (ol *OriginLimiters) Wait(ctx context.Context, o domain.Origin) error {
	l, ok := ol.limiters[o]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}
