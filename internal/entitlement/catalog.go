// Package entitlement computes what a detective can currently do from the
// subscription columns of their record and the plan catalog. Everything in
// this package is pure: no I/O, no clock reads, no shared mutable state.
package entitlement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FreePlanName is the reserved name of the fallback plan.
const FreePlanName = "free"

// Badge names known to the platform. Plans may carry other names; the
// resolver handles every name the same way.
const (
	BadgeBlueTick    = "blueTick"
	BadgePro         = "pro"
	BadgeRecommended = "recommended"
	BadgeVerified    = "verified"
)

// StandardBadges are always present in a resolved badge set.
var StandardBadges = []string{BadgeBlueTick, BadgePro, BadgeRecommended, BadgeVerified}

// BillingCycle is the billing period of a subscription.
type BillingCycle string

const (
	CycleNone    BillingCycle = ""
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Valid reports whether c is a cycle a subscription can be bought on.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// ErrMissingFreePlan is returned when a catalog has no usable Free plan.
// The platform cannot serve requests without one.
var ErrMissingFreePlan = errors.New("entitlement: catalog has no free plan")

// ErrInvalidPlan is returned for plans that break catalog invariants.
var ErrInvalidPlan = errors.New("entitlement: invalid plan")

// Plan describes one subscription plan. Badges must be treated as read-only
// once the plan is part of a Catalog.
type Plan struct {
	ID           string
	Name         string
	DisplayName  string
	MonthlyPrice decimal.Decimal
	YearlyPrice  decimal.Decimal
	ServiceLimit int
	Badges       map[string]bool
	IsActive     bool
}

// HasBadge reports whether the plan grants the named badge.
func (p Plan) HasBadge(name string) bool {
	return p.Badges[name]
}

// Price returns the plan price for the given billing cycle.
func (p Plan) Price(cycle BillingCycle) decimal.Decimal {
	if cycle == CycleYearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

// Catalog is an immutable, validated set of plans with a designated Free plan.
type Catalog struct {
	plans  map[string]Plan
	order  []string
	freeID string
}

// NewCatalog validates plans and picks the Free plan. A plan named "free"
// wins; otherwise exactly one active plan must have a zero monthly price.
func NewCatalog(plans []Plan) (*Catalog, error) {
	c := &Catalog{
		plans: make(map[string]Plan, len(plans)),
		order: make([]string, 0, len(plans)),
	}

	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: plan %q has no id", ErrInvalidPlan, p.Name)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate plan id %s", ErrInvalidPlan, p.ID)
		}
		if p.ServiceLimit < 0 {
			return nil, fmt.Errorf("%w: plan %s has negative service limit", ErrInvalidPlan, p.ID)
		}
		if p.MonthlyPrice.IsNegative() || p.YearlyPrice.IsNegative() {
			return nil, fmt.Errorf("%w: plan %s has negative price", ErrInvalidPlan, p.ID)
		}

		badges := make(map[string]bool, len(p.Badges))
		for k, v := range p.Badges {
			badges[k] = v
		}
		p.Badges = badges

		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}

	freeID, err := pickFree(c)
	if err != nil {
		return nil, err
	}
	c.freeID = freeID
	return c, nil
}

func pickFree(c *Catalog) (string, error) {
	for _, id := range c.order {
		p := c.plans[id]
		if strings.EqualFold(p.Name, FreePlanName) {
			if !p.IsActive {
				return "", fmt.Errorf("%w: plan %q is inactive", ErrMissingFreePlan, p.Name)
			}
			return id, nil
		}
	}

	var candidates []string
	for _, id := range c.order {
		p := c.plans[id]
		if p.IsActive && p.MonthlyPrice.IsZero() {
			candidates = append(candidates, id)
		}
	}
	switch len(candidates) {
	case 0:
		return "", ErrMissingFreePlan
	case 1:
		return candidates[0], nil
	default:
		return "", fmt.Errorf("%w: %d zero-priced plans and none named %q", ErrMissingFreePlan, len(candidates), FreePlanName)
	}
}

// Find looks up a plan by id.
func (c *Catalog) Find(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// Free returns the designated Free plan.
func (c *Catalog) Free() Plan {
	return c.plans[c.freeID]
}

// FreeID returns the id of the designated Free plan.
func (c *Catalog) FreeID() string {
	return c.freeID
}

// IsFree reports whether id is the Free plan.
func (c *Catalog) IsFree(id string) bool {
	return id == c.freeID
}

// Len returns the number of plans.
func (c *Catalog) Len() int {
	return len(c.order)
}
