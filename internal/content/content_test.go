package content_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datahub/postoffice/internal/content"
	"github.com/datahub/postoffice/internal/contracts"
	"github.com/datahub/postoffice/internal/domain"
	"github.com/datahub/postoffice/internal/provider"
	"github.com/datahub/postoffice/internal/ratelimiter"
)

func newLocationStore(t *testing.T, ttl time.Duration) (*content.RedisLocationStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return content.NewRedisLocationStore(client, ttl), mr
}

func selection() *domain.Selection {
	return &domain.Selection{
		Recipient:       "5790000000001",
		Origin:          domain.OriginAggregations,
		ContentType:     "Aggregations",
		NotificationIDs: []uuid.UUID{uuid.New(), uuid.New()},
	}
}

func newResolver(t *testing.T, prov provider.ContentProvider, timeout time.Duration) (*content.Resolver, *content.RedisLocationStore) {
	t.Helper()
	store, _ := newLocationStore(t, time.Hour)
	return content.NewResolver(store, prov, ratelimiter.New(0), timeout, zap.NewNop(), content.ResolverHooks{}), store
}

func TestRedisLocationStore_TTLAndDelete(t *testing.T) {
	ctx := context.Background()
	store, mr := newLocationStore(t, time.Minute)

	_, found, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Put(ctx, "k1", "bundles/k1"))
	path, found, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "bundles/k1", path)

	mr.FastForward(2 * time.Minute)
	_, found, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found, "location must expire after its TTL")

	require.NoError(t, store.Put(ctx, "k2", "bundles/k2"))
	require.NoError(t, store.Delete(ctx, "k2"))
	_, found, _ = store.Get(ctx, "k2")
	assert.False(t, found)
}

func TestResolver_FreshThenSaved(t *testing.T) {
	prov := &provider.MockProvider{}
	r, _ := newResolver(t, prov, time.Second)
	sel := selection()

	first, err := r.Resolve(context.Background(), sel)
	require.NoError(t, err)
	assert.Equal(t, content.StrategyFreshRequest, first.Strategy)
	assert.Equal(t, sel.RequestKey(), first.Location.RequestKey)

	second, err := r.Resolve(context.Background(), sel)
	require.NoError(t, err)
	assert.Equal(t, content.StrategySavedResponse, second.Strategy)
	assert.Equal(t, first.Location, second.Location)
	assert.Equal(t, 1, prov.Calls())
}

func TestResolver_TimeoutSavesNothing(t *testing.T) {
	prov := &provider.MockProvider{
		Respond: func(ctx context.Context, _ *domain.Selection) (*contracts.DataBundleResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r, store := newResolver(t, prov, 20*time.Millisecond)
	sel := selection()

	_, err := r.Resolve(context.Background(), sel)
	assert.ErrorIs(t, err, domain.ErrContentResolutionTimeout)

	_, found, err := store.Get(context.Background(), sel.RequestKey())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResolver_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		respond func(context.Context, *domain.Selection) (*contracts.DataBundleResponse, error)
		want    error
	}{
		{
			name: "error reason",
			respond: func(context.Context, *domain.Selection) (*contracts.DataBundleResponse, error) {
				return &contracts.DataBundleResponse{ErrorReason: contracts.ErrorReasonDatasetNotFound}, nil
			},
			want: domain.ErrContentRequestFailed,
		},
		{
			name: "breaker open",
			respond: func(context.Context, *domain.Selection) (*contracts.DataBundleResponse, error) {
				return nil, domain.ErrSubDomainUnavailable
			},
			want: domain.ErrSubDomainUnavailable,
		},
		{
			name: "transport error",
			respond: func(context.Context, *domain.Selection) (*contracts.DataBundleResponse, error) {
				return nil, errors.New("channel closed")
			},
			want: domain.ErrSubDomainUnavailable,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, store := newResolver(t, &provider.MockProvider{Respond: tc.respond}, time.Second)
			sel := selection()

			_, err := r.Resolve(context.Background(), sel)
			assert.ErrorIs(t, err, tc.want)

			_, found, _ := store.Get(context.Background(), sel.RequestKey())
			assert.False(t, found)
		})
	}
}

func TestResolver_ConcurrentResolvesShareOneRequest(t *testing.T) {
	release := make(chan struct{})
	prov := &provider.MockProvider{
		Respond: func(_ context.Context, sel *domain.Selection) (*contracts.DataBundleResponse, error) {
			<-release
			return &contracts.DataBundleResponse{ContentURI: "bundles/" + sel.RequestKey()}, nil
		},
	}
	r, _ := newResolver(t, prov, time.Second)
	sel := selection()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), sel)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, prov.Calls())
}

func TestResolver_CancelledCallerDoesNotFailJoinedCallers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	prov := &provider.MockProvider{
		Respond: func(ctx context.Context, sel *domain.Selection) (*contracts.DataBundleResponse, error) {
			close(started)
			select {
			case <-release:
				return &contracts.DataBundleResponse{ContentURI: "bundles/" + sel.RequestKey()}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	r, store := newResolver(t, prov, time.Second)
	sel := selection()

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(leaderCtx, sel)
		leaderErr <- err
	}()
	<-started

	joined := make(chan *content.Resolution, 1)
	joinedErr := make(chan error, 1)
	go func() {
		res, err := r.Resolve(context.Background(), sel)
		joined <- res
		joinedErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	require.NoError(t, <-joinedErr)
	res := <-joined
	assert.Equal(t, "bundles/"+sel.RequestKey(), res.Location.Path)
	assert.Equal(t, 1, prov.Calls())

	path, found, err := store.Get(context.Background(), sel.RequestKey())
	require.NoError(t, err)
	assert.True(t, found, "the flight saves the location even though its starter went away")
	assert.Equal(t, res.Location.Path, path)
}

func TestResolver_Discard(t *testing.T) {
	r, store := newResolver(t, &provider.MockProvider{}, time.Second)
	sel := selection()

	_, err := r.Resolve(context.Background(), sel)
	require.NoError(t, err)
	require.NoError(t, r.Discard(context.Background(), sel))

	_, found, _ := store.Get(context.Background(), sel.RequestKey())
	assert.False(t, found)
}

func TestBundleContent_Open(t *testing.T) {
	blobs := content.NewMemoryBlobStore()
	blobs.Put("bundles/a", []byte("<xml/>"))

	rc, err := content.NewBundleContent(blobs, domain.ContentLocation{Path: "bundles/a"}).Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "<xml/>", string(data))

	_, err = content.NewBundleContent(blobs, domain.ContentLocation{Path: "bundles/missing"}).Open(context.Background())
	assert.ErrorIs(t, err, domain.ErrContentUnavailable)
}
