package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/datahub/postoffice/internal/bundling"
	"github.com/datahub/postoffice/internal/content"
	"github.com/datahub/postoffice/internal/contracts"
	"github.com/datahub/postoffice/internal/domain"
	"github.com/datahub/postoffice/internal/lock"
	"github.com/datahub/postoffice/internal/provider"
	"github.com/datahub/postoffice/internal/ratelimiter"
	"github.com/datahub/postoffice/internal/repository"
	"github.com/datahub/postoffice/internal/service"
)

const recipient = "5790000000001"

type fixture struct {
	store    *repository.MockStore
	prov     *provider.MockProvider
	ingest   *service.IngestionService
	peek     *service.PeekCoordinator
	dequeue  *service.DequeueCoordinator
	resolver *content.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		store: repository.NewMockStore(),
		prov:  &provider.MockProvider{},
	}
	logger := zap.NewNop()
	locker := lock.NewLocalLocker()
	f.resolver = content.NewResolver(
		content.NewRedisLocationStore(client, time.Hour),
		f.prov, ratelimiter.New(0), 50*time.Millisecond, logger, content.ResolverHooks{},
	)
	f.ingest = service.NewIngestionService(f.store, logger, service.IngestionHooks{})
	f.peek = service.NewPeekCoordinator(
		f.store, f.store, bundling.NewPolicy(10), f.resolver, content.NewMemoryBlobStore(), locker,
		service.PeekConfig{ConflictRetries: 2, ConflictRetryWait: time.Millisecond},
		logger, service.PeekHooks{},
	)
	f.dequeue = service.NewDequeueCoordinator(f.store, f.store, f.resolver, locker, logger, nil)
	return f
}

func newNotification(contentType string, bundles bool, weight int) *domain.Notification {
	return &domain.Notification{
		ID:               uuid.New(),
		Recipient:        recipient,
		Origin:           domain.OriginTimeSeries,
		ContentType:      contentType,
		SupportsBundling: bundles,
		Weight:           weight,
	}
}

func (f *fixture) add(t *testing.T, ns ...*domain.Notification) {
	t.Helper()
	if err := f.ingest.AddNotifications(context.Background(), ns); err != nil {
		t.Fatalf("add notifications: %v", err)
	}
}

func ids(ns ...*domain.Notification) []uuid.UUID {
	out := make([]uuid.UUID, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func assertIDs(t *testing.T, got []uuid.UUID, want ...*domain.Notification) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d notifications, got %d", len(want), len(got))
	}
	for i, n := range want {
		if got[i] != n.ID {
			t.Fatalf("position %d: expected %s, got %s", i, n.ID, got[i])
		}
	}
}

func TestPeek_NothingPending(t *testing.T) {
	f := newFixture(t)

	res, err := f.peek.Peek(context.Background(), recipient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no content, got bundle %s", res.Bundle.ID)
	}
}

func TestPeek_EmptyRecipient(t *testing.T) {
	f := newFixture(t)
	if _, err := f.peek.Peek(context.Background(), ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestPeekDequeueCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := newNotification("TimeSeries", true, 1)
	b := newNotification("TimeSeries", true, 1)
	c := newNotification("Aggregations", true, 1)
	f.add(t, a, b, c)

	first, err := f.peek.Peek(ctx, recipient)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	assertIDs(t, first.Bundle.NotificationIDs, a, b)
	if first.Strategy != content.StrategyFreshRequest {
		t.Fatalf("expected fresh request, got %s", first.Strategy)
	}

	// Idempotent peek: same bundle, same content, no new content request.
	again, err := f.peek.Peek(ctx, recipient)
	if err != nil {
		t.Fatalf("second peek: %v", err)
	}
	if again.Bundle.ID != first.Bundle.ID {
		t.Fatalf("expected same bundle, got %s and %s", first.Bundle.ID, again.Bundle.ID)
	}
	if again.Content.Location != first.Content.Location {
		t.Fatalf("expected same content location")
	}
	if again.Strategy != content.StrategySavedResponse {
		t.Fatalf("expected saved response, got %s", again.Strategy)
	}
	if f.prov.Calls() != 1 {
		t.Fatalf("expected 1 content request, got %d", f.prov.Calls())
	}

	if err := f.dequeue.Dequeue(ctx, first.Bundle.ID, ids(b, a)); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	for _, n := range []*domain.Notification{a, b} {
		stored, _ := f.store.Notification(n.ID)
		if stored.ConsumedAt == nil {
			t.Fatalf("notification %s not consumed", n.ID)
		}
	}

	// Second dequeue is a no-op.
	if err := f.dequeue.Dequeue(ctx, first.Bundle.ID, nil); err != nil {
		t.Fatalf("repeated dequeue: %v", err)
	}

	next, err := f.peek.Peek(ctx, recipient)
	if err != nil {
		t.Fatalf("peek after dequeue: %v", err)
	}
	assertIDs(t, next.Bundle.NotificationIDs, c)
	if next.Bundle.ID == first.Bundle.ID {
		t.Fatal("expected a new bundle after dequeue")
	}
}

func TestPeek_NonBundlingDeliveredAlone(t *testing.T) {
	f := newFixture(t)
	solo := newNotification("TimeSeries", false, 1)
	f.add(t, solo, newNotification("TimeSeries", true, 1))

	res, err := f.peek.Peek(context.Background(), recipient)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	assertIDs(t, res.Bundle.NotificationIDs, solo)
}

func TestPeek_TimeoutCreatesNoBundle(t *testing.T) {
	f := newFixture(t)
	f.prov.Respond = func(ctx context.Context, _ *domain.Selection) (*contracts.DataBundleResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.add(t, newNotification("TimeSeries", true, 1))

	_, err := f.peek.Peek(context.Background(), recipient)
	if !errors.Is(err, domain.ErrContentResolutionTimeout) {
		t.Fatalf("expected ErrContentResolutionTimeout, got %v", err)
	}
	if _, err := f.store.GetActive(context.Background(), recipient); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected no bundle after timeout, got %v", err)
	}
}

func TestPeek_ConflictIsRetried(t *testing.T) {
	f := newFixture(t)
	f.add(t, newNotification("TimeSeries", true, 1))

	changed := false
	f.store.AfterGetPending = func() {
		if !changed {
			changed = true
			_ = f.store.AddNotifications(context.Background(), []*domain.Notification{newNotification("TimeSeries", true, 1)})
		}
	}

	res, err := f.peek.Peek(context.Background(), recipient)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(res.Bundle.NotificationIDs) != 2 {
		t.Fatalf("expected retry to pick up the new notification, got %d", len(res.Bundle.NotificationIDs))
	}
	if f.store.CreateCalls != 2 {
		t.Fatalf("expected 2 create attempts, got %d", f.store.CreateCalls)
	}
}

func TestPeek_ConflictRetriesAreBounded(t *testing.T) {
	f := newFixture(t)
	f.add(t, newNotification("TimeSeries", true, 1))
	f.store.AfterGetPending = func() {
		_ = f.store.AddNotifications(context.Background(), []*domain.Notification{newNotification("Aggregations", true, 1)})
	}

	_, err := f.peek.Peek(context.Background(), recipient)
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if f.store.CreateCalls != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", f.store.CreateCalls)
	}
}

func TestDequeue_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := newNotification("TimeSeries", true, 1)
	f.add(t, a)
	res, err := f.peek.Peek(ctx, recipient)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}

	if err := f.dequeue.Dequeue(ctx, uuid.New(), nil); !errors.Is(err, domain.ErrUnknownBundle) {
		t.Fatalf("expected ErrUnknownBundle, got %v", err)
	}
	if err := f.dequeue.Dequeue(ctx, uuid.Nil, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for nil id, got %v", err)
	}
	if err := f.dequeue.Dequeue(ctx, res.Bundle.ID, []uuid.UUID{uuid.New()}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for mismatched ids, got %v", err)
	}

	stored, _ := f.store.Notification(a.ID)
	if stored.ConsumedAt != nil {
		t.Fatal("rejected dequeue must not consume notifications")
	}
}

func TestIngestion_RejectsMixedRecipients(t *testing.T) {
	f := newFixture(t)
	other := newNotification("TimeSeries", true, 1)
	other.Recipient = "5790000000002"

	err := f.ingest.AddNotifications(context.Background(), []*domain.Notification{newNotification("TimeSeries", true, 1), other})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestIngestion_AddRequestsGroupsByRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := func(r string) domain.DataAvailableRequest {
		return domain.DataAvailableRequest{
			ID: uuid.New(), Recipient: r, MessageType: "ChargeLinks",
			Origin: "Charges", SupportsBundling: true, RelativeWeight: 1,
		}
	}
	reqs := []domain.DataAvailableRequest{req("r1"), req("r2"), req("r1")}

	n, err := f.ingest.AddRequests(ctx, reqs)
	if err != nil {
		t.Fatalf("add requests: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 accepted, got %d", n)
	}

	set, _ := f.store.GetPending(ctx, "r1")
	if len(set.Notifications) != 2 || set.Notifications[0].ID != reqs[0].ID || set.Notifications[1].ID != reqs[2].ID {
		t.Fatalf("r1 pending set not in request order")
	}
}

func TestIngestion_AddRequestsIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := domain.DataAvailableRequest{ID: uuid.New(), Recipient: "r1", MessageType: "x", Origin: "Charges", RelativeWeight: 1}
	bad := domain.DataAvailableRequest{ID: uuid.New(), Recipient: "r2", MessageType: "x", Origin: "Unknown", RelativeWeight: 1}

	if _, err := f.ingest.AddRequests(ctx, []domain.DataAvailableRequest{good, bad}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	set, _ := f.store.GetPending(ctx, "r1")
	if len(set.Notifications) != 0 {
		t.Fatal("valid items must not be stored when the batch is rejected")
	}
}
