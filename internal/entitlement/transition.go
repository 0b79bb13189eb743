package entitlement

import "time"

// MonthlyPeriod is the length of a monthly billing period.
const MonthlyPeriod = 30 * 24 * time.Hour

// ExpiryFor returns when a subscription started at start on cycle ends.
// Subscriptions without a cycle never expire.
func ExpiryFor(start time.Time, cycle BillingCycle) *time.Time {
	var end time.Time
	switch cycle {
	case CycleYearly:
		end = start.AddDate(1, 0, 0)
	case CycleMonthly:
		end = start.Add(MonthlyPeriod)
	default:
		return nil
	}
	return &end
}

// ApplyTransition returns the snapshot the caller should persist after
// resolving s into r at now. Without a transition only HasBlueTick changes.
// Add-on flags are never modified.
func ApplyTransition(s Snapshot, c *Catalog, r Result, now time.Time) Snapshot {
	next := s
	next.HasBlueTick = r.HasBlueTick()

	t := r.Transition
	if t == nil {
		return next
	}

	activated := now
	next.SubscriptionPackageID = t.NewPlanID
	next.SubscriptionActivatedAt = &activated
	next.PendingPackageID = ""
	next.PendingBillingCycle = CycleNone

	if c.IsFree(t.NewPlanID) {
		next.BillingCycle = CycleNone
		next.SubscriptionExpiresAt = nil
		return next
	}

	next.BillingCycle = t.NewBillingCycle
	next.SubscriptionExpiresAt = ExpiryFor(now, t.NewBillingCycle)
	return next
}

// RepointToFree moves a snapshot whose package no longer exists onto the
// Free plan and drops any pending change, since Free never expires to apply
// it. Snapshots with a valid package are returned unchanged.
func RepointToFree(s Snapshot, c *Catalog, now time.Time) Snapshot {
	if _, ok := c.Find(s.SubscriptionPackageID); ok {
		return s
	}
	activated := now
	next := s
	next.SubscriptionPackageID = c.FreeID()
	next.BillingCycle = CycleNone
	next.SubscriptionActivatedAt = &activated
	next.SubscriptionExpiresAt = nil
	next.PendingPackageID = ""
	next.PendingBillingCycle = CycleNone
	return next
}
