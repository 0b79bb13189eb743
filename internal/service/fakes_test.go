package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
	"github.com/PortNumber53/detective-directory/backend/internal/models"
	"github.com/PortNumber53/detective-directory/backend/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptrTime(t time.Time) *time.Time { return &t }

func ptrString(s string) *string { return &s }

type staticCatalog struct {
	c   *entitlement.Catalog
	err error
}

func (s staticCatalog) Catalog(context.Context) (*entitlement.Catalog, error) {
	return s.c, s.err
}

func newTestCatalog(t *testing.T) *entitlement.Catalog {
	t.Helper()
	c, err := entitlement.NewCatalog([]entitlement.Plan{
		{ID: "free", Name: "free", DisplayName: "Free", ServiceLimit: 2, IsActive: true},
		{ID: "pro", Name: "pro", DisplayName: "Pro", MonthlyPrice: decimal.RequireFromString("29.00"), YearlyPrice: decimal.RequireFromString("290.00"), ServiceLimit: 8, IsActive: true, Badges: map[string]bool{"pro": true}},
		{ID: "agency", Name: "agency", DisplayName: "Agency", MonthlyPrice: decimal.RequireFromString("99.00"), YearlyPrice: decimal.RequireFromString("990.00"), ServiceLimit: 20, IsActive: true, Badges: map[string]bool{"blueTick": true, "pro": true}},
		{ID: "legacy", Name: "legacy", DisplayName: "Legacy", MonthlyPrice: decimal.RequireFromString("9.00"), ServiceLimit: 4, IsActive: false},
	})
	require.NoError(t, err)
	return c
}

// memStore is an in-memory DetectiveStore and PaymentStore.
type memStore struct {
	mu         sync.Mutex
	detectives map[string]models.Detective
	services   map[string]int
	orders     map[string]*models.PaymentOrder
	updates    int
	failWrites error
}

func newMemStore(ds ...models.Detective) *memStore {
	m := &memStore{
		detectives: map[string]models.Detective{},
		services:   map[string]int{},
		orders:     map[string]*models.PaymentOrder{},
	}
	for _, d := range ds {
		m.detectives[d.ID] = d
	}
	return m
}

func (m *memStore) get(id string) models.Detective {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detectives[id]
}

func (m *memStore) GetDetective(_ context.Context, id string) (*models.Detective, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.detectives[id]
	if !ok {
		return nil, store.ErrDetectiveNotFound
	}
	return &d, nil
}

func (m *memStore) GetDetectives(_ context.Context, ids []string) ([]models.Detective, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Detective
	for _, id := range ids {
		if d, ok := m.detectives[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) ListDetectives(_ context.Context, afterID string, limit int) ([]models.Detective, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.detectives))
	for id := range m.detectives {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]models.Detective, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.detectives[id])
	}
	return out, nil
}

func (m *memStore) ListExpiredDetectives(_ context.Context, freePlanID string, now time.Time, after *models.ExpiryKey, limit int) ([]models.ExpiryKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []models.ExpiryKey
	for id, d := range m.detectives {
		if d.SubscriptionExpiresAt == nil || !d.SubscriptionExpiresAt.Before(now) || d.SubscriptionPackageID == freePlanID {
			continue
		}
		k := models.ExpiryKey{DetectiveID: id, ExpiresAt: *d.SubscriptionExpiresAt}
		if after != nil && !keyAfter(k, *after) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keyAfter(keys[j], keys[i]) })
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func keyAfter(k, ref models.ExpiryKey) bool {
	if !k.ExpiresAt.Equal(ref.ExpiresAt) {
		return k.ExpiresAt.After(ref.ExpiresAt)
	}
	return k.DetectiveID > ref.DetectiveID
}

func (m *memStore) ApplySubscriptionUpdate(_ context.Context, u models.SubscriptionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return false, m.failWrites
	}
	d, ok := m.detectives[u.DetectiveID]
	if !ok || d.SubscriptionPackageID != u.ExpectedPackageID || !sameTime(d.SubscriptionExpiresAt, u.ExpectedExpiresAt) {
		return false, nil
	}
	d.SubscriptionPackageID = u.SubscriptionPackageID
	d.BillingCycle = u.BillingCycle
	d.SubscriptionActivatedAt = u.SubscriptionActivatedAt
	d.SubscriptionExpiresAt = u.SubscriptionExpiresAt
	d.PendingPackageID = u.PendingPackageID
	d.PendingBillingCycle = u.PendingBillingCycle
	d.HasBlueTick = u.HasBlueTick
	m.detectives[d.ID] = d
	m.updates++
	return true, nil
}

func (m *memStore) SetHasBlueTick(_ context.Context, id string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return m.failWrites
	}
	d := m.detectives[id]
	d.HasBlueTick = value
	m.detectives[id] = d
	m.updates++
	return nil
}

func (m *memStore) SetPendingChange(_ context.Context, id, packageID string, cycle entitlement.BillingCycle, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.detectives[id]
	if !ok {
		return store.ErrDetectiveNotFound
	}
	d.PendingPackageID = &packageID
	if cycle != entitlement.CycleNone {
		c := string(cycle)
		d.PendingBillingCycle = &c
	} else {
		d.PendingBillingCycle = nil
	}
	if d.SubscriptionExpiresAt == nil {
		d.SubscriptionExpiresAt = expiresAt
	}
	m.detectives[id] = d
	return nil
}

func (m *memStore) GrantAddon(_ context.Context, id, badge string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.detectives[id]
	if !ok {
		return store.ErrDetectiveNotFound
	}
	if badge == entitlement.BadgeBlueTick {
		d.BlueTickAddon = true
		d.HasBlueTick = true
		if d.BlueTickActivatedAt == nil {
			d.BlueTickActivatedAt = &at
		}
	} else {
		if d.AddonBadges == nil {
			d.AddonBadges = models.Badges{}
		}
		d.AddonBadges[badge] = true
	}
	m.detectives[id] = d
	return nil
}

func (m *memStore) CountActiveServices(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.services[id], nil
}

func (m *memStore) CreatePaymentOrder(_ context.Context, o *models.PaymentOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = "ord-" + o.DetectiveID
	o.ProviderOrderID = "prov-" + o.DetectiveID
	o.Status = models.PaymentStatusCreated
	cp := *o
	m.orders[o.ProviderOrderID] = &cp
	return nil
}

func (m *memStore) GetPaymentOrderByProviderOrderID(_ context.Context, id string) (*models.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, store.ErrPaymentOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) MarkPaymentOrderPaid(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == id && o.Status == models.PaymentStatusCreated {
			o.Status = models.PaymentStatusPaid
			o.PaidAt = &at
			return true, nil
		}
	}
	return false, nil
}

func newTestEntitlements(t *testing.T, m *memStore) *Entitlements {
	t.Helper()
	e := NewEntitlements(m, staticCatalog{c: newTestCatalog(t)}, nil)
	e.now = func() time.Time { return testNow }
	return e
}
