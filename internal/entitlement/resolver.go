package entitlement

import (
	"sort"
	"time"
)

// Snapshot is the subset of a detective record that entitlement depends on.
type Snapshot struct {
	DetectiveID             string
	SubscriptionPackageID   string
	BillingCycle            BillingCycle
	SubscriptionActivatedAt *time.Time
	SubscriptionExpiresAt   *time.Time
	PendingPackageID        string
	PendingBillingCycle     BillingCycle

	// BlueTickAddon is the separately purchased blue tick. Addons holds any
	// other purchased badges. Neither is touched by plan transitions.
	BlueTickAddon bool
	Addons        map[string]bool

	// HasBlueTick is the stored projection of the last resolution. Resolve
	// never reads it.
	HasBlueTick bool
}

// HasAddon reports whether the detective bought the named badge separately.
func (s Snapshot) HasAddon(badge string) bool {
	if badge == BadgeBlueTick && s.BlueTickAddon {
		return true
	}
	return s.Addons[badge]
}

// Reason explains why a transition was reported.
type Reason string

const (
	ReasonExpired                 Reason = "expired"
	ReasonPendingDowngradeApplied Reason = "pending_downgrade_applied"
)

// Transition is a plan change the caller should persist.
type Transition struct {
	NewPlanID       string
	NewBillingCycle BillingCycle
	Reason          Reason
}

// WarningKind classifies data-integrity problems found while resolving.
type WarningKind string

const (
	WarnDanglingPlanReference    WarningKind = "dangling_plan_reference"
	WarnDanglingPendingReference WarningKind = "dangling_pending_reference"
)

// Warning is a recoverable data-integrity problem. It never fails a
// resolution; repair tooling consumes it.
type Warning struct {
	Kind   WarningKind
	PlanID string
}

// Result is the effective entitlement of one detective at one instant.
type Result struct {
	EffectivePlanID string
	EffectiveBadges map[string]bool
	ServiceLimit    int
	Transition      *Transition
	Warnings        []Warning
}

// HasBlueTick is the value the has_blue_tick column should hold.
func (r Result) HasBlueTick() bool {
	return r.EffectiveBadges[BadgeBlueTick]
}

// Degraded reports whether the resolution had to work around bad data.
func (r Result) Degraded() bool {
	return len(r.Warnings) > 0
}

// BadgeNames returns the badge names in r, sorted.
func (r Result) BadgeNames() []string {
	names := make([]string, 0, len(r.EffectiveBadges))
	for k := range r.EffectiveBadges {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Resolve computes the effective plan, quota and badges of s at now.
//
// A paid subscription whose expiry is strictly before now resolves to the
// pending plan when one is queued and to the Free plan otherwise, and the
// change is reported as a Transition. Badges are always taken from the
// effective plan, never from the stored package, and a purchased add-on
// grants its badge regardless of plan state.
func Resolve(s Snapshot, c *Catalog, now time.Time) Result {
	var res Result

	current, ok := c.Find(s.SubscriptionPackageID)
	if !ok {
		res.Warnings = append(res.Warnings, Warning{Kind: WarnDanglingPlanReference, PlanID: s.SubscriptionPackageID})
		current = c.Free()
	}

	effective := current
	if expired(current, c, s.SubscriptionExpiresAt, now) {
		target := c.Free()
		t := &Transition{Reason: ReasonExpired}

		if s.PendingPackageID != "" {
			if pending, ok := c.Find(s.PendingPackageID); ok {
				target = pending
				t.Reason = ReasonPendingDowngradeApplied
				if !c.IsFree(pending.ID) {
					t.NewBillingCycle = s.PendingBillingCycle
				}
			} else {
				res.Warnings = append(res.Warnings, Warning{Kind: WarnDanglingPendingReference, PlanID: s.PendingPackageID})
			}
		}

		t.NewPlanID = target.ID
		res.Transition = t
		effective = target
	}

	res.EffectivePlanID = effective.ID
	res.ServiceLimit = effective.ServiceLimit
	res.EffectiveBadges = badgesFor(s, effective)
	return res
}

func expired(current Plan, c *Catalog, expiresAt *time.Time, now time.Time) bool {
	if c.IsFree(current.ID) || expiresAt == nil {
		return false
	}
	return expiresAt.Before(now)
}

func badgesFor(s Snapshot, p Plan) map[string]bool {
	out := make(map[string]bool, len(StandardBadges)+len(p.Badges)+len(s.Addons))
	for _, name := range StandardBadges {
		out[name] = false
	}
	for name := range p.Badges {
		out[name] = false
	}
	for name := range s.Addons {
		out[name] = false
	}
	for name := range out {
		out[name] = s.HasAddon(name) || p.HasBadge(name)
	}
	return out
}
