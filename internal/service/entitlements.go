// Package service holds the write paths around the entitlement resolver:
// persisting transitions, activating purchases and scheduling plan changes.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

var (
	// ErrPlanUnavailable is returned when a plan does not exist or cannot be
	// bought anymore.
	ErrPlanUnavailable = errors.New("plan is not available")
	// ErrInvalidCycle is returned for billing cycles other than monthly and yearly.
	ErrInvalidCycle = errors.New("invalid billing cycle")
	// ErrNotDowngrade is returned when a scheduled change would cost more than
	// the current plan. Upgrades go through a payment order.
	ErrNotDowngrade = errors.New("scheduled change must not cost more than the current plan")
	// ErrConcurrentUpdate is returned when another writer changed the
	// subscription between read and write.
	ErrConcurrentUpdate = errors.New("subscription changed concurrently")
	// ErrInvalidBadge is returned for empty add-on badge names.
	ErrInvalidBadge = errors.New("invalid add-on badge")
)

const batchSize = 200

// DetectiveStore is the detective persistence the service depends on.
type DetectiveStore interface {
	GetDetective(ctx context.Context, id string) (*models.Detective, error)
	GetDetectives(ctx context.Context, ids []string) ([]models.Detective, error)
	ListDetectives(ctx context.Context, afterID string, limit int) ([]models.Detective, error)
	ListExpiredDetectives(ctx context.Context, freePlanID string, now time.Time, after *models.ExpiryKey, limit int) ([]models.ExpiryKey, error)
	ApplySubscriptionUpdate(ctx context.Context, u models.SubscriptionUpdate) (bool, error)
	SetHasBlueTick(ctx context.Context, id string, value bool) error
	SetPendingChange(ctx context.Context, id, packageID string, cycle entitlement.BillingCycle, expiresAt *time.Time) error
	GrantAddon(ctx context.Context, id, badge string, at time.Time) error
	CountActiveServices(ctx context.Context, detectiveID string) (int, error)
}

// CatalogSource provides the current plan catalog.
type CatalogSource interface {
	Catalog(ctx context.Context) (*entitlement.Catalog, error)
}

// Entitlements resolves detectives and keeps their stored subscription state
// in line with the resolver.
type Entitlements struct {
	store   DetectiveStore
	catalog CatalogSource
	log     *zap.Logger
	now     func() time.Time
}

// NewEntitlements wires the service.
func NewEntitlements(store DetectiveStore, catalog CatalogSource, log *zap.Logger) *Entitlements {
	if log == nil {
		log = zap.NewNop()
	}
	return &Entitlements{
		store:   store,
		catalog: catalog,
		log:     log.Named("entitlement"),
		now:     time.Now,
	}
}

// Resolution is the outcome of resolving one detective.
type Resolution struct {
	Snapshot  entitlement.Snapshot
	Result    entitlement.Result
	Plan      entitlement.Plan
	Persisted bool
}

// View renders the public projection of r.
func (r Resolution) View() models.EntitlementView {
	v := models.EntitlementView{
		DetectiveID:     r.Snapshot.DetectiveID,
		EffectivePlanID: r.Result.EffectivePlanID,
		PlanName:        r.Plan.DisplayName,
		ServiceLimit:    r.Result.ServiceLimit,
		Badges:          r.Result.EffectiveBadges,
		HasBlueTick:     r.Result.HasBlueTick(),
		ExpiresAt:       r.Snapshot.SubscriptionExpiresAt,
		Transitioned:    r.Result.Transition != nil,
		Degraded:        r.Result.Degraded(),
	}
	if v.PlanName == "" {
		v.PlanName = r.Plan.Name
	}
	if r.Snapshot.PendingPackageID != "" {
		id := r.Snapshot.PendingPackageID
		v.PendingPlanID = &id
	}
	return v
}

// Resolve computes the detective's entitlement now and writes through any
// transition or blue tick drift. Write failures are logged and do not fail
// the read.
func (s *Entitlements) Resolve(ctx context.Context, detectiveID string) (*Resolution, error) {
	d, err := s.store.GetDetective(ctx, detectiveID)
	if err != nil {
		return nil, err
	}
	c, err := s.catalog.Catalog(ctx)
	if err != nil {
		return nil, err
	}

	res := s.settle(ctx, c, d.Snapshot(), s.now())
	return &res, nil
}

// settle resolves snap and persists what changed. The returned snapshot is
// the state as it should now be stored.
func (s *Entitlements) settle(ctx context.Context, c *entitlement.Catalog, snap entitlement.Snapshot, now time.Time) Resolution {
	r := entitlement.Resolve(snap, c, now)
	s.logWarnings(snap, r)

	plan, _ := c.Find(r.EffectivePlanID)
	out := Resolution{Snapshot: snap, Result: r, Plan: plan}

	switch {
	case r.Transition != nil:
		next := entitlement.ApplyTransition(snap, c, r, now)
		applied, err := s.store.ApplySubscriptionUpdate(ctx, models.NewSubscriptionUpdate(snap, next))
		if err != nil {
			s.log.Error("persist transition failed",
				zap.String("detective_id", snap.DetectiveID),
				zap.String("reason", string(r.Transition.Reason)),
				zap.Error(err))
			return out
		}
		if !applied {
			s.log.Info("transition already applied by another writer",
				zap.String("detective_id", snap.DetectiveID))
			return out
		}
		s.log.Info("subscription transitioned",
			zap.String("detective_id", snap.DetectiveID),
			zap.String("from", snap.SubscriptionPackageID),
			zap.String("to", r.Transition.NewPlanID),
			zap.String("reason", string(r.Transition.Reason)),
			zap.Strings("badges", r.BadgeNames()))
		out.Snapshot = next
		out.Persisted = true

	case snap.HasBlueTick != r.HasBlueTick():
		if err := s.store.SetHasBlueTick(ctx, snap.DetectiveID, r.HasBlueTick()); err != nil {
			s.log.Error("persist has_blue_tick failed", zap.String("detective_id", snap.DetectiveID), zap.Error(err))
			return out
		}
		out.Snapshot.HasBlueTick = r.HasBlueTick()
		out.Persisted = true
	}
	return out
}

func (s *Entitlements) logWarnings(snap entitlement.Snapshot, r entitlement.Result) {
	for _, w := range r.Warnings {
		s.log.Warn("entitlement resolved with dangling reference",
			zap.String("detective_id", snap.DetectiveID),
			zap.String("plan_id", w.PlanID),
			zap.String("warning", string(w.Kind)))
	}
}

// CheckServiceQuota reports whether the detective may publish another service.
func (s *Entitlements) CheckServiceQuota(ctx context.Context, detectiveID string) (models.QuotaView, error) {
	res, err := s.Resolve(ctx, detectiveID)
	if err != nil {
		return models.QuotaView{}, err
	}
	used, err := s.store.CountActiveServices(ctx, detectiveID)
	if err != nil {
		return models.QuotaView{}, err
	}

	limit := res.Result.ServiceLimit
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return models.QuotaView{
		DetectiveID: detectiveID,
		Limit:       limit,
		Used:        used,
		Remaining:   remaining,
		Allowed:     used < limit,
	}, nil
}

// ActivatePackage starts a paid (or free) subscription now, replacing the
// current one and clearing any pending change.
func (s *Entitlements) ActivatePackage(ctx context.Context, detectiveID, packageID string, cycle entitlement.BillingCycle) (*Resolution, error) {
	c, err := s.catalog.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	plan, ok := c.Find(packageID)
	if !ok || !plan.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrPlanUnavailable, packageID)
	}
	if c.IsFree(plan.ID) {
		cycle = entitlement.CycleNone
	} else if !cycle.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCycle, cycle)
	}

	d, err := s.store.GetDetective(ctx, detectiveID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	prev := d.Snapshot()
	next := prev
	activated := now
	next.SubscriptionPackageID = plan.ID
	next.BillingCycle = cycle
	next.SubscriptionActivatedAt = &activated
	next.SubscriptionExpiresAt = entitlement.ExpiryFor(now, cycle)
	next.PendingPackageID = ""
	next.PendingBillingCycle = entitlement.CycleNone

	r := entitlement.Resolve(next, c, now)
	next.HasBlueTick = r.HasBlueTick()

	applied, err := s.store.ApplySubscriptionUpdate(ctx, models.NewSubscriptionUpdate(prev, next))
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrConcurrentUpdate
	}

	s.log.Info("package activated",
		zap.String("detective_id", detectiveID),
		zap.String("package_id", plan.ID),
		zap.String("billing_cycle", string(cycle)))
	return &Resolution{Snapshot: next, Result: r, Plan: plan, Persisted: true}, nil
}

// ScheduleResult describes what ScheduleChange did.
type ScheduleResult struct {
	Scheduled    bool       `json:"scheduled"`
	Applied      bool       `json:"applied"`
	PackageID    string     `json:"package_id"`
	BillingCycle string     `json:"billing_cycle"`
	EffectiveAt  *time.Time `json:"effective_at,omitempty"`
}

// ScheduleChange queues a downgrade to take effect when the current
// subscription expires. A detective with no running subscription is moved
// immediately.
func (s *Entitlements) ScheduleChange(ctx context.Context, detectiveID, packageID string, cycle entitlement.BillingCycle) (*ScheduleResult, error) {
	if !cycle.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCycle, cycle)
	}

	c, err := s.catalog.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	target, ok := c.Find(packageID)
	if !ok || !target.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrPlanUnavailable, packageID)
	}

	d, err := s.store.GetDetective(ctx, detectiveID)
	if err != nil {
		return nil, err
	}
	snap := d.Snapshot()

	current, ok := c.Find(snap.SubscriptionPackageID)
	if !ok {
		current = c.Free()
	}
	if target.Price(cycle).GreaterThan(current.Price(cycle)) {
		return nil, ErrNotDowngrade
	}

	now := s.now()
	expiresAt := snap.SubscriptionExpiresAt
	if expiresAt == nil && snap.SubscriptionActivatedAt != nil && !c.IsFree(current.ID) {
		expiresAt = entitlement.ExpiryFor(*snap.SubscriptionActivatedAt, snap.BillingCycle)
	}

	if expiresAt == nil || c.IsFree(current.ID) {
		res, err := s.ActivatePackage(ctx, detectiveID, target.ID, cycle)
		if err != nil {
			return nil, err
		}
		return &ScheduleResult{
			Applied:      true,
			PackageID:    target.ID,
			BillingCycle: string(res.Snapshot.BillingCycle),
			EffectiveAt:  res.Snapshot.SubscriptionActivatedAt,
		}, nil
	}

	pendingCycle := cycle
	if c.IsFree(target.ID) {
		pendingCycle = entitlement.CycleNone
	}
	if err := s.store.SetPendingChange(ctx, detectiveID, target.ID, pendingCycle, expiresAt); err != nil {
		return nil, err
	}

	s.log.Info("plan change scheduled",
		zap.String("detective_id", detectiveID),
		zap.String("package_id", target.ID),
		zap.Time("effective_at", *expiresAt),
		zap.Bool("already_due", expiresAt.Before(now)))
	return &ScheduleResult{
		Scheduled:    true,
		PackageID:    target.ID,
		BillingCycle: string(pendingCycle),
		EffectiveAt:  expiresAt,
	}, nil
}

// GrantAddon records a purchased badge. Add-ons survive every plan change.
func (s *Entitlements) GrantAddon(ctx context.Context, detectiveID, badge string) error {
	if badge == "" {
		return ErrInvalidBadge
	}
	if err := s.store.GrantAddon(ctx, detectiveID, badge, s.now()); err != nil {
		return err
	}
	s.log.Info("add-on granted", zap.String("detective_id", detectiveID), zap.String("badge", badge))
	return nil
}

// SweepReport summarises one expiry sweep.
type SweepReport struct {
	Checked      int `json:"checked"`
	Transitioned int `json:"transitioned"`
	Skipped      int `json:"skipped"`
}

// SweepExpired applies the transition of every detective whose paid
// subscription has expired.
func (s *Entitlements) SweepExpired(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	c, err := s.catalog.Catalog(ctx)
	if err != nil {
		return report, err
	}
	now := s.now()

	// Rows that stay expired (dangling references, lost races) are passed by
	// the key instead of being listed again.
	var after *models.ExpiryKey
	for {
		keys, err := s.store.ListExpiredDetectives(ctx, c.FreeID(), now, after, batchSize)
		if err != nil {
			return report, err
		}
		if len(keys) == 0 {
			break
		}

		ids := make([]string, len(keys))
		for i, k := range keys {
			ids[i] = k.DetectiveID
		}
		detectives, err := s.store.GetDetectives(ctx, ids)
		if err != nil {
			return report, err
		}
		for _, d := range detectives {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Checked++
			res := s.settle(ctx, c, d.Snapshot(), now)
			if res.Result.Transition != nil && res.Persisted {
				report.Transitioned++
			} else {
				report.Skipped++
			}
		}

		last := keys[len(keys)-1]
		after = &last
		if len(keys) < batchSize {
			break
		}
	}

	s.log.Info("expiry sweep finished",
		zap.Int("checked", report.Checked),
		zap.Int("transitioned", report.Transitioned),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// AuditReport lists every detective whose stored state disagrees with the
// resolver.
type AuditReport struct {
	Checked int                 `json:"checked"`
	Drifts  []entitlement.Drift `json:"drifts"`
}

// Audit resolves every detective without writing anything.
func (s *Entitlements) Audit(ctx context.Context) (AuditReport, error) {
	report := AuditReport{Drifts: []entitlement.Drift{}}

	c, err := s.catalog.Catalog(ctx)
	if err != nil {
		return report, err
	}
	now := s.now()

	err = s.eachDetective(ctx, func(d models.Detective) error {
		report.Checked++
		snap := d.Snapshot()
		report.Drifts = append(report.Drifts, entitlement.Diff(snap, entitlement.Resolve(snap, c, now))...)
		return nil
	})
	return report, err
}

// RepairReport summarises a repair run.
type RepairReport struct {
	Checked  int `json:"checked"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// Repair writes the resolver's view back for every drifted detective:
// dangling plan references are repointed to Free, due transitions are
// applied and has_blue_tick is recomputed.
func (s *Entitlements) Repair(ctx context.Context) (RepairReport, error) {
	var report RepairReport

	c, err := s.catalog.Catalog(ctx)
	if err != nil {
		return report, err
	}
	now := s.now()

	err = s.eachDetective(ctx, func(d models.Detective) error {
		report.Checked++
		snap := d.Snapshot()
		if len(entitlement.Diff(snap, entitlement.Resolve(snap, c, now))) == 0 {
			return nil
		}

		next := entitlement.RepointToFree(snap, c, now)
		r := entitlement.Resolve(next, c, now)
		next = entitlement.ApplyTransition(next, c, r, now)

		if err := s.persistRepair(ctx, snap, next); err != nil {
			report.Failed++
			s.log.Error("repair failed", zap.String("detective_id", snap.DetectiveID), zap.Error(err))
			return nil
		}
		report.Repaired++
		return nil
	})

	s.log.Info("entitlement repair finished",
		zap.Int("checked", report.Checked),
		zap.Int("repaired", report.Repaired),
		zap.Int("failed", report.Failed))
	return report, err
}

func (s *Entitlements) persistRepair(ctx context.Context, prev, next entitlement.Snapshot) error {
	if prev.SubscriptionPackageID == next.SubscriptionPackageID &&
		prev.PendingPackageID == next.PendingPackageID &&
		sameTime(prev.SubscriptionExpiresAt, next.SubscriptionExpiresAt) {
		return s.store.SetHasBlueTick(ctx, next.DetectiveID, next.HasBlueTick)
	}

	applied, err := s.store.ApplySubscriptionUpdate(ctx, models.NewSubscriptionUpdate(prev, next))
	if err != nil {
		return err
	}
	if !applied {
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *Entitlements) eachDetective(ctx context.Context, fn func(models.Detective) error) error {
	after := ""
	for {
		page, err := s.store.ListDetectives(ctx, after, batchSize)
		if err != nil {
			return err
		}
		for _, d := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(d); err != nil {
				return err
			}
		}
		if len(page) < batchSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
