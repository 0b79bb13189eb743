// Package catalog loads the plan catalog and keeps it cached, in process and
// optionally in Redis so every replica sees admin edits at the same time.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

// RedisKey holds the shared, JSON encoded plan list.
const RedisKey = "entitlements:catalog:v1"

const defaultTTL = 5 * time.Minute

// PlanLister is the subset of the plan store the loader needs.
type PlanLister interface {
	ListPlans(ctx context.Context) ([]models.SubscriptionPlan, error)
}

// Loader builds entitlement catalogs from the plan store.
type Loader struct {
	plans PlanLister
	redis *goredis.Client
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	cached   *entitlement.Catalog
	loadedAt time.Time
	// gen is bumped by Invalidate. A load started under an older gen is
	// returned to its callers but never cached.
	gen uint64
}

// NewLoader returns a Loader. rdb may be nil, in which case only the
// in-process cache is used.
func NewLoader(plans PlanLister, rdb *goredis.Client, ttl time.Duration, log *zap.Logger) *Loader {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		plans: plans,
		redis: rdb,
		ttl:   ttl,
		log:   log.Named("catalog"),
		now:   time.Now,
	}
}

// Catalog returns a catalog no older than the loader TTL. Concurrent callers
// that miss the cache share one load, which is detached from the first
// caller's cancellation.
func (l *Loader) Catalog(ctx context.Context) (*entitlement.Catalog, error) {
	if c := l.fresh(); c != nil {
		return c, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := l.group.Do("catalog", func() (interface{}, error) {
		if c := l.fresh(); c != nil {
			return c, nil
		}
		gen := l.generation()
		c, plans, fromDB, err := l.load(loadCtx)
		if err != nil {
			return nil, err
		}
		l.store(loadCtx, gen, c, plans, fromDB)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entitlement.Catalog), nil
}

// Invalidate drops the cached catalog here and in Redis. The local copy is
// always dropped, even when Redis fails. Loads already in flight are not
// cached.
func (l *Loader) Invalidate(ctx context.Context) error {
	l.mu.Lock()
	l.cached = nil
	l.loadedAt = time.Time{}
	l.gen++
	l.mu.Unlock()
	l.group.Forget("catalog")

	if l.redis == nil {
		return nil
	}
	if err := l.redis.Del(ctx, RedisKey).Err(); err != nil {
		return fmt.Errorf("catalog: invalidate shared cache: %w", err)
	}
	return nil
}

func (l *Loader) fresh() *entitlement.Catalog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.cached == nil || l.now().Sub(l.loadedAt) >= l.ttl {
		return nil
	}
	return l.cached
}

func (l *Loader) generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gen
}

// store caches c unless Invalidate ran since gen was read. The shared copy is
// written under the same lock so an Invalidate cannot be overtaken by it.
func (l *Loader) store(ctx context.Context, gen uint64, c *entitlement.Catalog, plans []models.SubscriptionPlan, fromDB bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen {
		l.log.Debug("discarding catalog loaded before invalidation")
		return
	}
	l.cached = c
	l.loadedAt = l.now()
	if fromDB {
		l.writeShared(ctx, plans)
	}
	l.log.Debug("catalog loaded", zap.Int("plans", c.Len()), zap.Bool("from_database", fromDB))
}

// load reads the shared copy first and falls back to the plan store. fromDB
// reports whether plans came from the store and should be shared.
func (l *Loader) load(ctx context.Context) (c *entitlement.Catalog, plans []models.SubscriptionPlan, fromDB bool, err error) {
	if shared, ok := l.readShared(ctx); ok {
		c, err := build(shared)
		if err == nil {
			return c, shared, false, nil
		}
		l.log.Warn("shared catalog is invalid, reloading from database", zap.Error(err))
	}

	plans, err = l.plans.ListPlans(ctx)
	if err != nil {
		return nil, nil, false, fmt.Errorf("catalog: list plans: %w", err)
	}
	c, err = build(plans)
	if err != nil {
		return nil, nil, false, err
	}
	return c, plans, true, nil
}

func (l *Loader) readShared(ctx context.Context) ([]models.SubscriptionPlan, bool) {
	if l.redis == nil {
		return nil, false
	}
	raw, err := l.redis.Get(ctx, RedisKey).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			l.log.Warn("shared catalog read failed", zap.Error(err))
		}
		return nil, false
	}
	var plans []models.SubscriptionPlan
	if err := json.Unmarshal(raw, &plans); err != nil {
		l.log.Warn("shared catalog decode failed", zap.Error(err))
		return nil, false
	}
	return plans, true
}

func (l *Loader) writeShared(ctx context.Context, plans []models.SubscriptionPlan) {
	if l.redis == nil {
		return
	}
	raw, err := json.Marshal(plans)
	if err != nil {
		l.log.Warn("shared catalog encode failed", zap.Error(err))
		return
	}
	if err := l.redis.Set(ctx, RedisKey, raw, l.ttl).Err(); err != nil {
		l.log.Warn("shared catalog write failed", zap.Error(err))
	}
}

func build(plans []models.SubscriptionPlan) (*entitlement.Catalog, error) {
	out := make([]entitlement.Plan, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.ToEntitlement())
	}
	c, err := entitlement.NewCatalog(out)
	if err != nil {
		return nil, fmt.Errorf("catalog: build: %w", err)
	}
	return c, nil
}
