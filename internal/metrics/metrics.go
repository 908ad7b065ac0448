package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/datahub/postoffice/internal/content"
	"github.com/datahub/postoffice/internal/domain"
	"github.com/datahub/postoffice/internal/service"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	Peeks                 *prometheus.CounterVec
	Dequeues              *prometheus.CounterVec
	ConcurrencyConflicts  prometheus.Counter
	NotificationsIngested *prometheus.CounterVec
	NotificationsRejected *prometheus.CounterVec
	ContentRequests       *prometheus.CounterVec
	ContentRequestLatency *prometheus.HistogramVec
	BreakerState          *prometheus.GaugeVec
	RetentionPurged       *prometheus.CounterVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Peeks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_peeks_total",
			Help: "Peek calls by result (bundle, empty, conflict, timeout, unavailable, content_failed, error).",
		}, []string{"result"}),

		Dequeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_dequeues_total",
			Help: "Dequeue calls by result.",
		}, []string{"result"}),

		ConcurrencyConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_concurrency_conflicts_total",
			Help: "Bundle inserts rejected because the pending set changed.",
		}),

		NotificationsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_notifications_ingested_total",
			Help: "Data-available notifications accepted, by origin.",
		}, []string{"origin"}),

		NotificationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_notifications_rejected_total",
			Help: "Data-available notifications rejected, by reason.",
		}, []string{"reason"}),

		ContentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_content_requests_total",
			Help: "Content requests sent to sub-domains, by origin and result.",
		}, []string{"origin", "result"}),

		ContentRequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postoffice_content_request_seconds",
			Help:    "Time from sending a content request to its reply.",
			Buckets: prometheus.DefBuckets,
		}, []string{"origin"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postoffice_content_breaker_state",
			Help: "Circuit breaker state per origin: 0 closed, 1 half-open, 2 open.",
		}, []string{"origin"}),

		RetentionPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_retention_purged_total",
			Help: "Rows removed by the retention worker, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.Peeks,
		m.Dequeues,
		m.ConcurrencyConflicts,
		m.NotificationsIngested,
		m.NotificationsRejected,
		m.ContentRequests,
		m.ContentRequestLatency,
		m.BreakerState,
		m.RetentionPurged,
	)

	return m
}

// PeekHooks returns the callbacks expected by service.NewPeekCoordinator.
func (m *Metrics) PeekHooks() service.PeekHooks {
	return service.PeekHooks{
		OnPeek:     func(result string) { m.Peeks.WithLabelValues(result).Inc() },
		OnConflict: m.ConcurrencyConflicts.Inc,
	}
}

func (m *Metrics) DequeueHook() func(result string) {
	return func(result string) { m.Dequeues.WithLabelValues(result).Inc() }
}

func (m *Metrics) IngestionHooks() service.IngestionHooks {
	return service.IngestionHooks{
		OnIngested: func(o domain.Origin, count int) {
			m.NotificationsIngested.WithLabelValues(string(o)).Add(float64(count))
		},
		OnRejected: func(reason string) { m.NotificationsRejected.WithLabelValues(reason).Inc() },
	}
}

func (m *Metrics) ResolverHooks() content.ResolverHooks {
	return content.ResolverHooks{
		OnRequest: func(o domain.Origin, result string, latency time.Duration) {
			m.ContentRequests.WithLabelValues(string(o), result).Inc()
			m.ContentRequestLatency.WithLabelValues(string(o)).Observe(latency.Seconds())
		},
	}
}

// BreakerStateHook maps gobreaker state names onto the gauge.
func (m *Metrics) BreakerStateHook() func(domain.Origin, string) {
	return func(o domain.Origin, state string) {
		var v float64
		switch state {
		case "half-open":
			v = 1
		case "open":
			v = 2
		}
		m.BreakerState.WithLabelValues(string(o)).Set(v)
	}
}

func (m *Metrics) RetentionHook() func(kind string, n int64) {
	return func(kind string, n int64) { m.RetentionPurged.WithLabelValues(kind).Add(float64(n)) }
}
