package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/datahub/postoffice/internal/contracts"
	"github.com/datahub/postoffice/internal/domain"
)

const protobufContentType = "application/x-protobuf"

// Channel is the subset of *amqp.Channel used for request/reply.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// BreakerConfig tunes the circuit breaker kept for each origin.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

type reply struct {
	resp *contracts.DataBundleResponse
	err  error
}

// AMQPProvider publishes DataBundleRequests to the origin's request queue and
// waits for the reply on an exclusive queue, matched by correlation id.
type AMQPProvider struct {
	ch         Channel
	routes     map[domain.Origin]string
	replyQueue string
	deliveries <-chan amqp.Delivery
	breakers   map[domain.Origin]*gobreaker.CircuitBreaker
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]chan reply
}

// NewAMQPProvider declares the reply queue and starts consuming from it.
// Run must be called to dispatch replies.
func NewAMQPProvider(ch Channel, routes map[domain.Origin]string, breaker BreakerConfig, logger *zap.Logger, onStateChange func(origin domain.Origin, state string)) (*AMQPProvider, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	p := &AMQPProvider{
		ch:         ch,
		routes:     routes,
		replyQueue: q.Name,
		deliveries: deliveries,
		breakers:   make(map[domain.Origin]*gobreaker.CircuitBreaker, len(routes)),
		logger:     logger,
		pending:    make(map[string]chan reply),
	}
	for origin := range routes {
		p.breakers[origin] = newBreaker(origin, breaker, logger, onStateChange)
	}
	return p, nil
}

func newBreaker(origin domain.Origin, cfg BreakerConfig, logger *zap.Logger, onStateChange func(domain.Origin, string)) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "origin-" + string(origin),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// A caller that went away says nothing about the sub-domain's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("content breaker state changed",
				zap.String("origin", string(origin)),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if onStateChange != nil {
				onStateChange(origin, to.String())
			}
		},
	})
}

// Run dispatches replies to waiting requests until ctx is cancelled or the
// delivery channel closes.
func (p *AMQPProvider) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-p.deliveries:
			if !ok {
				p.logger.Warn("reply queue closed")
				return
			}
			p.dispatch(d)
		}
	}
}

func (p *AMQPProvider) dispatch(d amqp.Delivery) {
	p.mu.Lock()
	waiter, ok := p.pending[d.CorrelationId]
	p.mu.Unlock()
	if !ok {
		// The request already timed out; its result is discarded.
		p.logger.Debug("dropping late reply", zap.String("correlation_id", d.CorrelationId))
		return
	}

	resp, err := contracts.UnmarshalDataBundleResponse(d.Body)
	// waiter is buffered and receives exactly one reply.
	select {
	case waiter <- reply{resp: resp, err: err}:
	default:
	}
}

func (p *AMQPProvider) RequestContent(ctx context.Context, sel *domain.Selection) (*contracts.DataBundleResponse, error) {
	queue, ok := p.routes[sel.Origin]
	if !ok {
		return nil, fmt.Errorf("%w: no route for origin %s", domain.ErrSubDomainUnavailable, sel.Origin)
	}

	out, err := p.breakers[sel.Origin].Execute(func() (any, error) {
		return p.call(ctx, queue, sel)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrSubDomainUnavailable, sel.Origin, err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*contracts.DataBundleResponse), nil
}

func (p *AMQPProvider) call(ctx context.Context, queue string, sel *domain.Selection) (*contracts.DataBundleResponse, error) {
	correlationID := uuid.NewString()
	waiter := make(chan reply, 1)

	p.mu.Lock()
	p.pending[correlationID] = waiter
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, correlationID)
		p.mu.Unlock()
	}()

	req := contracts.NewDataBundleRequest(correlationID, sel)
	err := p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   protobufContentType,
		Type:          "DataBundleRequest",
		CorrelationId: correlationID,
		ReplyTo:       p.replyQueue,
		MessageId:     correlationID,
		Timestamp:     time.Now().UTC(),
		Body:          req.Marshal(),
	})
	if err != nil {
		return nil, fmt.Errorf("publish content request to %s: %w", queue, err)
	}

	select {
	case r := <-waiter:
		if r.err != nil {
			return nil, fmt.Errorf("decode content reply: %w", r.err)
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("await content reply from %s: %w", queue, ctx.Err())
	}
}

// Pending returns the number of requests waiting for a reply.
func (p *AMQPProvider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
