package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

type fakeLister struct {
	plans []models.SubscriptionPlan
	err   error
	calls atomic.Int32
}

func (f *fakeLister) ListPlans(context.Context) ([]models.SubscriptionPlan, error) {
	f.calls.Add(1)
	return f.plans, f.err
}

func samplePlans() []models.SubscriptionPlan {
	return []models.SubscriptionPlan{
		{ID: "free", Name: "free", DisplayName: "Free", ServiceLimit: 2, IsActive: true, Badges: models.Badges{}},
		{ID: "pro", Name: "pro", DisplayName: "Pro", MonthlyPrice: decimal.RequireFromString("29.00"), YearlyPrice: decimal.RequireFromString("290.00"), ServiceLimit: 8, IsActive: true, Badges: models.Badges{"pro": true}},
		{ID: "agency", Name: "agency", DisplayName: "Agency", MonthlyPrice: decimal.RequireFromString("99.00"), ServiceLimit: 20, IsActive: true, Badges: models.Badges{"blueTick": true}},
	}
}

func newMiniRedisClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})

	return mr, client
}

func TestCatalogCachesInProcess(t *testing.T) {
	lister := &fakeLister{plans: samplePlans()}
	l := NewLoader(lister, nil, time.Minute, nil)

	c1, err := l.Catalog(context.Background())
	require.NoError(t, err)
	c2, err := l.Catalog(context.Background())
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, int32(1), lister.calls.Load())
	assert.Equal(t, "free", c1.FreeID())
}

func TestCatalogReloadsAfterTTL(t *testing.T) {
	lister := &fakeLister{plans: samplePlans()}
	l := NewLoader(lister, nil, time.Minute, nil)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, err := l.Catalog(context.Background())
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = l.Catalog(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), lister.calls.Load())
}

func TestCatalogConcurrentMissesShareOneLoad(t *testing.T) {
	lister := &fakeLister{plans: samplePlans()}
	l := NewLoader(lister, nil, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Catalog(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, lister.calls.Load(), int32(16))
	assert.GreaterOrEqual(t, lister.calls.Load(), int32(1))
}

func TestCatalogSharedThroughRedis(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	first := NewLoader(&fakeLister{plans: samplePlans()}, client, time.Minute, nil)
	_, err := first.Catalog(context.Background())
	require.NoError(t, err)
	assert.True(t, mr.Exists(RedisKey))
	assert.Equal(t, time.Minute, mr.TTL(RedisKey))

	broken := &fakeLister{err: errors.New("db down")}
	second := NewLoader(broken, client, time.Minute, nil)
	c, err := second.Catalog(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(0), broken.calls.Load())
	p, ok := c.Find("agency")
	require.True(t, ok)
	assert.True(t, p.HasBadge(entitlement.BadgeBlueTick))
	assert.True(t, p.MonthlyPrice.Equal(decimal.NewFromInt(99)))
}

func TestInvalidateDropsBothCaches(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	lister := &fakeLister{plans: samplePlans()}
	l := NewLoader(lister, client, time.Minute, nil)

	_, err := l.Catalog(context.Background())
	require.NoError(t, err)

	require.NoError(t, l.Invalidate(context.Background()))
	assert.False(t, mr.Exists(RedisKey))

	_, err = l.Catalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), lister.calls.Load())
}

func TestCatalogSurvivesRedisOutage(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer func() { _ = client.Close() }()
	mr.Close()

	lister := &fakeLister{plans: samplePlans()}
	l := NewLoader(lister, client, time.Minute, nil)

	c, err := l.Catalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	assert.Error(t, l.Invalidate(context.Background()))
	_, err = l.Catalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), lister.calls.Load())
}

func TestCatalogWithoutFreePlan(t *testing.T) {
	lister := &fakeLister{plans: samplePlans()[1:]}
	l := NewLoader(lister, nil, time.Minute, nil)

	_, err := l.Catalog(context.Background())
	assert.ErrorIs(t, err, entitlement.ErrMissingFreePlan)
}

func TestCatalogLoadIgnoresCallerCancellation(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	l := NewLoader(&fakeLister{plans: samplePlans()}, client, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, err := l.Catalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, "free", c.FreeID())
	assert.True(t, mr.Exists(RedisKey))
}

type blockingLister struct {
	plans   []models.SubscriptionPlan
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingLister) ListPlans(context.Context) ([]models.SubscriptionPlan, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
		<-b.release
	}
	return b.plans, nil
}

func TestInvalidateDuringLoadDiscardsResult(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	lister := &blockingLister{plans: samplePlans(), started: make(chan struct{}), release: make(chan struct{})}
	l := NewLoader(lister, client, time.Minute, nil)

	done := make(chan error, 1)
	go func() {
		_, err := l.Catalog(context.Background())
		done <- err
	}()

	<-lister.started
	require.NoError(t, l.Invalidate(context.Background()))
	close(lister.release)
	require.NoError(t, <-done)

	assert.False(t, mr.Exists(RedisKey))
	assert.Nil(t, l.fresh())

	_, err := l.Catalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), lister.calls.Load())
	assert.True(t, mr.Exists(RedisKey))
}
