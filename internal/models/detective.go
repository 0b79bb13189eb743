package models

import (
	"time"

	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
)

// Detective holds the subscription columns of a detectives row. Profile
// fields live elsewhere and are not loaded by this service.
type Detective struct {
	ID                      string     `json:"id"`
	BusinessName            string     `json:"business_name"`
	SubscriptionPackageID   string     `json:"subscription_package_id"`
	BillingCycle            string     `json:"billing_cycle,omitempty"`
	SubscriptionActivatedAt *time.Time `json:"subscription_activated_at,omitempty"`
	SubscriptionExpiresAt   *time.Time `json:"subscription_expires_at,omitempty"`
	PendingPackageID        *string    `json:"pending_package_id,omitempty"`
	PendingBillingCycle     *string    `json:"pending_billing_cycle,omitempty"`
	HasBlueTick             bool       `json:"has_blue_tick"`
	BlueTickAddon           bool       `json:"blue_tick_addon"`
	BlueTickActivatedAt     *time.Time `json:"blue_tick_activated_at,omitempty"`
	AddonBadges             Badges     `json:"addon_badges"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Snapshot extracts the resolver input from the row.
func (d Detective) Snapshot() entitlement.Snapshot {
	s := entitlement.Snapshot{
		DetectiveID:             d.ID,
		SubscriptionPackageID:   d.SubscriptionPackageID,
		BillingCycle:            entitlement.BillingCycle(d.BillingCycle),
		SubscriptionActivatedAt: d.SubscriptionActivatedAt,
		SubscriptionExpiresAt:   d.SubscriptionExpiresAt,
		BlueTickAddon:           d.BlueTickAddon,
		HasBlueTick:             d.HasBlueTick,
	}
	if d.PendingPackageID != nil {
		s.PendingPackageID = *d.PendingPackageID
	}
	if d.PendingBillingCycle != nil {
		s.PendingBillingCycle = entitlement.BillingCycle(*d.PendingBillingCycle)
	}
	if len(d.AddonBadges) > 0 {
		s.Addons = make(map[string]bool, len(d.AddonBadges))
		for k, v := range d.AddonBadges {
			s.Addons[k] = v
		}
	}
	return s
}

// ExpiryKey is the keyset position of an expired detective, ordered by
// expiry then id.
type ExpiryKey struct {
	DetectiveID string
	ExpiresAt   time.Time
}

// SubscriptionUpdate is the write produced by applying a transition. It is
// persisted only while the row still references ExpectedPackageID and
// ExpectedExpiresAt, so a renewal of the same plan invalidates it.
type SubscriptionUpdate struct {
	DetectiveID             string
	ExpectedPackageID       string
	ExpectedExpiresAt       *time.Time
	SubscriptionPackageID   string
	BillingCycle            string
	SubscriptionActivatedAt *time.Time
	SubscriptionExpiresAt   *time.Time
	PendingPackageID        *string
	PendingBillingCycle     *string
	HasBlueTick             bool
}

// NewSubscriptionUpdate builds the conditional write that moves the stored
// row from prev to next.
func NewSubscriptionUpdate(prev, next entitlement.Snapshot) SubscriptionUpdate {
	u := SubscriptionUpdate{
		DetectiveID:             next.DetectiveID,
		ExpectedPackageID:       prev.SubscriptionPackageID,
		ExpectedExpiresAt:       prev.SubscriptionExpiresAt,
		SubscriptionPackageID:   next.SubscriptionPackageID,
		BillingCycle:            string(next.BillingCycle),
		SubscriptionActivatedAt: next.SubscriptionActivatedAt,
		SubscriptionExpiresAt:   next.SubscriptionExpiresAt,
		HasBlueTick:             next.HasBlueTick,
	}
	if next.PendingPackageID != "" {
		id := next.PendingPackageID
		u.PendingPackageID = &id
	}
	if next.PendingBillingCycle != entitlement.CycleNone {
		c := string(next.PendingBillingCycle)
		u.PendingBillingCycle = &c
	}
	return u
}

// EntitlementView is the public JSON shape of a resolved entitlement.
type EntitlementView struct {
	DetectiveID     string          `json:"detective_id"`
	EffectivePlanID string          `json:"effective_plan_id"`
	PlanName        string          `json:"plan_name"`
	ServiceLimit    int             `json:"service_limit"`
	Badges          map[string]bool `json:"badges"`
	HasBlueTick     bool            `json:"has_blue_tick"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	PendingPlanID   *string         `json:"pending_plan_id,omitempty"`
	Transitioned    bool            `json:"transitioned"`
	Degraded        bool            `json:"degraded"`
}

// QuotaView reports how many more services a detective may publish.
type QuotaView struct {
	DetectiveID string `json:"detective_id"`
	Limit       int    `json:"limit"`
	Used        int    `json:"used"`
	Remaining   int    `json:"remaining"`
	Allowed     bool   `json:"allowed"`
}
