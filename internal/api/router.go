package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/datahub/postoffice/internal/api/handler"
	apimw "github.com/datahub/postoffice/internal/api/middleware"
)

// Services bundles the application services the HTTP surface delegates to.
type Services struct {
	Peek    handler.Peeker
	Dequeue handler.Dequeuer
	Ingest  handler.RequestIngester
	Checks  map[string]handler.Check
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(svc Services, reg prometheus.Gatherer, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(4<<20)) // 4 MB max request body
	r.Use(apimw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	mh := handler.NewMailboxHandler(svc.Peek, svc.Dequeue, logger)
	dh := handler.NewDataAvailableHandler(svc.Ingest, logger)
	hh := handler.NewHealthHandler(svc.Checks)

	// --- routes ---
	r.Get("/health", hh.Health)
	r.Get("/ready", hh.Ready)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Recipient mailbox
	r.Get("/peek", mh.Peek)
	r.Delete("/dequeue", mh.Dequeue)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/dataavailable", dh.Create)
	})

	return r
}
