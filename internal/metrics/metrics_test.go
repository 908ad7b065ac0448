package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/datahub/postoffice/internal/domain"
	"github.com/datahub/postoffice/internal/metrics"
)

func TestHooksRecordObservations(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	peek := m.PeekHooks()
	peek.OnPeek("bundle")
	peek.OnPeek("bundle")
	peek.OnConflict()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Peeks.WithLabelValues("bundle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConcurrencyConflicts))

	ingest := m.IngestionHooks()
	ingest.OnIngested(domain.OriginCharges, 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.NotificationsIngested.WithLabelValues("Charges")))

	m.ResolverHooks().OnRequest(domain.OriginTimeSeries, "ok", 20*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContentRequests.WithLabelValues("TimeSeries", "ok")))

	breaker := m.BreakerStateHook()
	breaker(domain.OriginCharges, "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("Charges")))
	breaker(domain.OriginCharges, "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("Charges")))

	m.RetentionHook()("notifications", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.RetentionPurged.WithLabelValues("notifications")))
}
