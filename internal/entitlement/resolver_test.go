package entitlement

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	freeID       = "plan-free"
	proID        = "plan-pro"
	enterpriseID = "plan-enterprise"
	legacyID     = "plan-legacy"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog([]Plan{
		{ID: freeID, Name: "free", DisplayName: "Free", ServiceLimit: 2, IsActive: true, Badges: map[string]bool{}},
		{ID: proID, Name: "pro", DisplayName: "Pro", MonthlyPrice: decimal.RequireFromString("29.00"), YearlyPrice: decimal.RequireFromString("290.00"), ServiceLimit: 8, IsActive: true, Badges: map[string]bool{BadgePro: true}},
		{ID: enterpriseID, Name: "enterprise", DisplayName: "Enterprise", MonthlyPrice: decimal.RequireFromString("99.00"), YearlyPrice: decimal.RequireFromString("990.00"), ServiceLimit: 20, IsActive: true, Badges: map[string]bool{BadgeBlueTick: true, BadgePro: true, BadgeRecommended: true}},
		{ID: legacyID, Name: "agency-2023", DisplayName: "Agency (legacy)", MonthlyPrice: decimal.RequireFromString("49.00"), ServiceLimit: 12, IsActive: false, Badges: map[string]bool{BadgeBlueTick: true}},
	})
	require.NoError(t, err)
	return c
}

func at(d time.Duration) *time.Time {
	ts := now.Add(d)
	return &ts
}

func TestResolveScenarios(t *testing.T) {
	c := testCatalog(t)

	tests := []struct {
		name           string
		snap           Snapshot
		wantPlan       string
		wantLimit      int
		wantBlueTick   bool
		wantTransition *Transition
		wantWarnings   []Warning
	}{
		{
			name:         "active enterprise",
			snap:         Snapshot{SubscriptionPackageID: enterpriseID, BillingCycle: CycleMonthly, SubscriptionExpiresAt: at(24 * time.Hour)},
			wantPlan:     enterpriseID,
			wantLimit:    20,
			wantBlueTick: true,
		},
		{
			name:           "expired enterprise falls back to free",
			snap:           Snapshot{SubscriptionPackageID: enterpriseID, BillingCycle: CycleMonthly, SubscriptionExpiresAt: at(-time.Hour)},
			wantPlan:       freeID,
			wantLimit:      2,
			wantTransition: &Transition{NewPlanID: freeID, Reason: ReasonExpired},
		},
		{
			name:           "expired enterprise with pending pro",
			snap:           Snapshot{SubscriptionPackageID: enterpriseID, BillingCycle: CycleYearly, SubscriptionExpiresAt: at(-time.Hour), PendingPackageID: proID, PendingBillingCycle: CycleMonthly},
			wantPlan:       proID,
			wantLimit:      8,
			wantTransition: &Transition{NewPlanID: proID, NewBillingCycle: CycleMonthly, Reason: ReasonPendingDowngradeApplied},
		},
		{
			name:         "free with blue tick addon",
			snap:         Snapshot{SubscriptionPackageID: freeID, BlueTickAddon: true},
			wantPlan:     freeID,
			wantLimit:    2,
			wantBlueTick: true,
		},
		{
			name:         "deleted plan resolves as free",
			snap:         Snapshot{SubscriptionPackageID: "deleted-id"},
			wantPlan:     freeID,
			wantLimit:    2,
			wantWarnings: []Warning{{Kind: WarnDanglingPlanReference, PlanID: "deleted-id"}},
		},
		{
			name:         "expiry equal to now is still active",
			snap:         Snapshot{SubscriptionPackageID: enterpriseID, SubscriptionExpiresAt: at(0)},
			wantPlan:     enterpriseID,
			wantLimit:    20,
			wantBlueTick: true,
		},
		{
			name:         "paid plan without expiry never expires",
			snap:         Snapshot{SubscriptionPackageID: proID},
			wantPlan:     proID,
			wantLimit:    8,
			wantBlueTick: false,
		},
		{
			name:         "free plan with a past expiry does not transition",
			snap:         Snapshot{SubscriptionPackageID: freeID, SubscriptionExpiresAt: at(-48 * time.Hour)},
			wantPlan:     freeID,
			wantLimit:    2,
			wantBlueTick: false,
		},
		{
			name:         "inactive plan still describes its current holders",
			snap:         Snapshot{SubscriptionPackageID: legacyID, SubscriptionExpiresAt: at(time.Hour)},
			wantPlan:     legacyID,
			wantLimit:    12,
			wantBlueTick: true,
		},
		{
			name:           "dangling pending plan falls back to free",
			snap:           Snapshot{SubscriptionPackageID: proID, SubscriptionExpiresAt: at(-time.Minute), PendingPackageID: "gone", PendingBillingCycle: CycleMonthly},
			wantPlan:       freeID,
			wantLimit:      2,
			wantTransition: &Transition{NewPlanID: freeID, Reason: ReasonExpired},
			wantWarnings:   []Warning{{Kind: WarnDanglingPendingReference, PlanID: "gone"}},
		},
		{
			name:           "pending downgrade to free clears the cycle",
			snap:           Snapshot{SubscriptionPackageID: proID, SubscriptionExpiresAt: at(-time.Minute), PendingPackageID: freeID, PendingBillingCycle: CycleMonthly},
			wantPlan:       freeID,
			wantLimit:      2,
			wantTransition: &Transition{NewPlanID: freeID, Reason: ReasonPendingDowngradeApplied},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.snap, c, now)
			assert.Equal(t, tt.wantPlan, got.EffectivePlanID)
			assert.Equal(t, tt.wantLimit, got.ServiceLimit)
			assert.Equal(t, tt.wantBlueTick, got.HasBlueTick())
			assert.Equal(t, tt.wantTransition, got.Transition)
			assert.Equal(t, tt.wantWarnings, got.Warnings)
		})
	}
}

func TestResolveAddonSurvivesEveryPlanState(t *testing.T) {
	c := testCatalog(t)
	snaps := []Snapshot{
		{SubscriptionPackageID: freeID},
		{SubscriptionPackageID: proID, SubscriptionExpiresAt: at(-time.Hour)},
		{SubscriptionPackageID: enterpriseID, SubscriptionExpiresAt: at(-time.Hour), PendingPackageID: proID},
		{SubscriptionPackageID: "missing"},
		{SubscriptionPackageID: legacyID, SubscriptionExpiresAt: at(time.Hour)},
	}
	for _, s := range snaps {
		s.BlueTickAddon = true
		got := Resolve(s, c, now)
		assert.True(t, got.HasBlueTick(), "package %s", s.SubscriptionPackageID)
	}
}

func TestResolveIgnoresStaleStoredBlueTick(t *testing.T) {
	c := testCatalog(t)

	s := Snapshot{
		SubscriptionPackageID: enterpriseID,
		SubscriptionExpiresAt: at(-time.Hour),
		HasBlueTick:           true,
	}
	got := Resolve(s, c, now)
	assert.False(t, got.HasBlueTick())

	s = Snapshot{SubscriptionPackageID: proID, HasBlueTick: true}
	got = Resolve(s, c, now)
	assert.False(t, got.HasBlueTick())
}

func TestResolveGeneralisesBadges(t *testing.T) {
	c, err := NewCatalog([]Plan{
		{ID: freeID, Name: "free", IsActive: true},
		{ID: "plan-gold", Name: "gold", MonthlyPrice: decimal.NewFromInt(10), IsActive: true, Badges: map[string]bool{"featured": true}},
	})
	require.NoError(t, err)

	got := Resolve(Snapshot{SubscriptionPackageID: "plan-gold", Addons: map[string]bool{BadgeVerified: true, "spotlight": true}}, c, now)

	assert.True(t, got.EffectiveBadges["featured"])
	assert.True(t, got.EffectiveBadges[BadgeVerified])
	assert.True(t, got.EffectiveBadges["spotlight"])
	assert.False(t, got.EffectiveBadges[BadgeBlueTick])
	assert.Equal(t, []string{BadgeBlueTick, "featured", BadgePro, BadgeRecommended, "spotlight", BadgeVerified}, got.BadgeNames())
}

func TestResolveIsDeterministic(t *testing.T) {
	c := testCatalog(t)
	s := Snapshot{SubscriptionPackageID: enterpriseID, SubscriptionExpiresAt: at(-time.Hour), PendingPackageID: proID, PendingBillingCycle: CycleYearly}

	assert.Equal(t, Resolve(s, c, now), Resolve(s, c, now))
}

func TestApplyTransitionSettles(t *testing.T) {
	c := testCatalog(t)
	snaps := []Snapshot{
		{SubscriptionPackageID: enterpriseID, BillingCycle: CycleMonthly, SubscriptionExpiresAt: at(-time.Hour), HasBlueTick: true},
		{SubscriptionPackageID: enterpriseID, BillingCycle: CycleMonthly, SubscriptionExpiresAt: at(-time.Hour), PendingPackageID: proID, PendingBillingCycle: CycleYearly},
		{SubscriptionPackageID: proID, SubscriptionExpiresAt: at(-time.Hour), PendingPackageID: legacyID},
		{SubscriptionPackageID: enterpriseID, SubscriptionExpiresAt: at(time.Hour)},
	}

	for _, s := range snaps {
		first := Resolve(s, c, now)
		next := ApplyTransition(s, c, first, now)
		second := Resolve(next, c, now)

		assert.Nil(t, second.Transition, "package %s", s.SubscriptionPackageID)
		assert.Equal(t, first.EffectivePlanID, second.EffectivePlanID)
		assert.Equal(t, first.EffectiveBadges, second.EffectiveBadges)
		assert.Equal(t, second.HasBlueTick(), next.HasBlueTick)
	}
}

func TestApplyTransitionFields(t *testing.T) {
	c := testCatalog(t)

	t.Run("expired", func(t *testing.T) {
		s := Snapshot{SubscriptionPackageID: enterpriseID, BillingCycle: CycleYearly, SubscriptionExpiresAt: at(-time.Hour), BlueTickAddon: true}
		next := ApplyTransition(s, c, Resolve(s, c, now), now)

		assert.Equal(t, freeID, next.SubscriptionPackageID)
		assert.Equal(t, CycleNone, next.BillingCycle)
		assert.Nil(t, next.SubscriptionExpiresAt)
		require.NotNil(t, next.SubscriptionActivatedAt)
		assert.Equal(t, now, *next.SubscriptionActivatedAt)
		assert.True(t, next.BlueTickAddon)
		assert.True(t, next.HasBlueTick)
	})

	t.Run("pending yearly", func(t *testing.T) {
		s := Snapshot{SubscriptionPackageID: enterpriseID, SubscriptionExpiresAt: at(-time.Hour), PendingPackageID: proID, PendingBillingCycle: CycleYearly}
		next := ApplyTransition(s, c, Resolve(s, c, now), now)

		assert.Equal(t, proID, next.SubscriptionPackageID)
		assert.Equal(t, CycleYearly, next.BillingCycle)
		require.NotNil(t, next.SubscriptionExpiresAt)
		assert.Equal(t, now.AddDate(1, 0, 0), *next.SubscriptionExpiresAt)
		assert.Empty(t, next.PendingPackageID)
		assert.Equal(t, CycleNone, next.PendingBillingCycle)
	})
}

func TestExpiryFor(t *testing.T) {
	assert.Nil(t, ExpiryFor(now, CycleNone))
	assert.Equal(t, now.Add(30*24*time.Hour), *ExpiryFor(now, CycleMonthly))
	assert.Equal(t, now.AddDate(1, 0, 0), *ExpiryFor(now, CycleYearly))
}

func TestRepointToFree(t *testing.T) {
	c := testCatalog(t)

	s := Snapshot{SubscriptionPackageID: "gone", BillingCycle: CycleMonthly, SubscriptionExpiresAt: at(time.Hour), PendingPackageID: "also-gone"}
	next := RepointToFree(s, c, now)
	assert.Equal(t, freeID, next.SubscriptionPackageID)
	assert.Nil(t, next.SubscriptionExpiresAt)
	assert.Empty(t, next.PendingPackageID)
	assert.Empty(t, Resolve(next, c, now).Warnings)

	withPending := Snapshot{SubscriptionPackageID: "gone", PendingPackageID: proID, PendingBillingCycle: CycleYearly}
	next = RepointToFree(withPending, c, now)
	assert.Equal(t, freeID, next.SubscriptionPackageID)
	assert.Empty(t, next.PendingPackageID)
	assert.Equal(t, CycleNone, next.PendingBillingCycle)

	ok := Snapshot{SubscriptionPackageID: proID}
	assert.Equal(t, ok, RepointToFree(ok, c, now))
}
