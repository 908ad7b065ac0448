package worker

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Pool manages the lifecycle of all ingest workers.
// All workers share the same delivery channel; the broker's prefetch
// limit bounds how many messages are in flight at once.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates size identical workers reading from deliveries.
func NewPool(size int, deliveries <-chan amqp.Delivery, ingester Ingester, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	workers := make([]*Worker, size)
	for i := range workers {
		workers[i] = NewWorker(i, deliveries, ingester, logger.With(zap.Int("worker_id", i)))
	}
	return &Pool{workers: workers}
}

// Start launches all workers as goroutines.
// The provided ctx is forwarded to every worker; cancelling it
// triggers a graceful shutdown of the entire pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has returned after ctx is cancelled.
// Call this after cancelling the context to ensure in-flight messages finish.
func (p *Pool) Wait() {
	p.wg.Wait()
}
