package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/datahub/postoffice/internal/repository"
)

// RetentionWorker periodically deletes consumed notifications and dequeued
// bundles older than the retention period. Pending data is never touched.
type RetentionWorker struct {
	notifications repository.NotificationRepository
	bundles       repository.BundleRepository
	period        time.Duration
	interval      time.Duration
	logger        *zap.Logger
	onPurged      func(kind string, n int64)
}

func NewRetentionWorker(
	notifications repository.NotificationRepository,
	bundles repository.BundleRepository,
	period, interval time.Duration,
	logger *zap.Logger,
	onPurged func(kind string, n int64),
) *RetentionWorker {
	if onPurged == nil {
		onPurged = func(string, int64) {}
	}
	return &RetentionWorker{
		notifications: notifications,
		bundles:       bundles,
		period:        period,
		interval:      interval,
		logger:        logger,
		onPurged:      onPurged,
	}
}

// Run ticks every interval and purges expired rows.
// Stops cleanly when ctx is cancelled.
func (rw *RetentionWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.logger.Info("retention worker started",
		zap.Duration("interval", rw.interval),
		zap.Duration("period", rw.period),
	)

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("retention worker stopping")
			return
		case <-ticker.C:
			rw.Purge(ctx)
		}
	}
}

// Purge runs one retention pass.
func (rw *RetentionWorker) Purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-rw.period)

	bundles, err := rw.bundles.PurgeDequeued(ctx, cutoff)
	if err != nil {
		rw.logger.Error("purge dequeued bundles", zap.Error(err))
	} else {
		rw.onPurged("bundles", bundles)
	}

	notifications, err := rw.notifications.PurgeConsumed(ctx, cutoff)
	if err != nil {
		rw.logger.Error("purge consumed notifications", zap.Error(err))
	} else {
		rw.onPurged("notifications", notifications)
	}

	if bundles > 0 || notifications > 0 {
		rw.logger.Info("retention pass complete",
			zap.Int64("bundles", bundles),
			zap.Int64("notifications", notifications),
		)
	}
}
