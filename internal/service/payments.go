package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

// EventPaymentCaptured is the only provider event that changes state.
const EventPaymentCaptured = "payment.captured"

var (
	// ErrUnknownAddon is returned for add-ons that cannot be bought.
	ErrUnknownAddon = errors.New("unknown add-on")
	// ErrFreePlanPurchase is returned when an order targets the Free plan.
	ErrFreePlanPurchase = errors.New("free plan cannot be purchased")
)

// PaymentStore persists payment orders.
type PaymentStore interface {
	CreatePaymentOrder(ctx context.Context, o *models.PaymentOrder) error
	GetPaymentOrderByProviderOrderID(ctx context.Context, providerOrderID string) (*models.PaymentOrder, error)
	MarkPaymentOrderPaid(ctx context.Context, id string, paidAt time.Time) (bool, error)
}

// AddonPrices prices purchasable add-ons per badge and cycle.
type AddonPrices map[string]map[entitlement.BillingCycle]decimal.Decimal

// Payments creates orders and applies captured payments.
type Payments struct {
	orders       PaymentStore
	detectives   DetectiveStore
	catalog      CatalogSource
	entitlements *Entitlements
	addons       AddonPrices
	currency     string
	log          *zap.Logger
	now          func() time.Time
}

// NewPayments wires the payment service.
func NewPayments(orders PaymentStore, detectives DetectiveStore, catalog CatalogSource, ent *Entitlements, addons AddonPrices, currency string, log *zap.Logger) *Payments {
	if log == nil {
		log = zap.NewNop()
	}
	return &Payments{
		orders:       orders,
		detectives:   detectives,
		catalog:      catalog,
		entitlements: ent,
		addons:       addons,
		currency:     currency,
		log:          log.Named("payments"),
		now:          time.Now,
	}
}

// CreateOrder prices a package or add-on purchase and records the order.
func (p *Payments) CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.PaymentOrder, error) {
	cycle := entitlement.BillingCycle(req.BillingCycle)
	if !cycle.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCycle, req.BillingCycle)
	}
	if _, err := p.detectives.GetDetective(ctx, req.DetectiveID); err != nil {
		return nil, err
	}

	order := &models.PaymentOrder{
		DetectiveID:  req.DetectiveID,
		Kind:         req.Kind,
		BillingCycle: string(cycle),
		Currency:     p.currency,
	}

	switch req.Kind {
	case models.PaymentKindPackage:
		c, err := p.catalog.Catalog(ctx)
		if err != nil {
			return nil, err
		}
		plan, ok := c.Find(req.PackageID)
		if !ok || !plan.IsActive {
			return nil, fmt.Errorf("%w: %s", ErrPlanUnavailable, req.PackageID)
		}
		if c.IsFree(plan.ID) {
			return nil, ErrFreePlanPurchase
		}
		pkg := plan.ID
		order.PackageID = &pkg
		order.Amount = plan.Price(cycle)

	case models.PaymentKindAddon:
		prices, ok := p.addons[req.Badge]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAddon, req.Badge)
		}
		badge := req.Badge
		order.Badge = &badge
		order.Amount = prices[cycle]

	default:
		return nil, fmt.Errorf("unknown order kind %q", req.Kind)
	}

	if !order.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: order amount must be positive", ErrPlanUnavailable)
	}
	order.Amount = order.Amount.Round(2)

	if err := p.orders.CreatePaymentOrder(ctx, order); err != nil {
		return nil, err
	}
	p.log.Info("payment order created",
		zap.String("order_id", order.ID),
		zap.String("detective_id", order.DetectiveID),
		zap.String("kind", string(order.Kind)),
		zap.String("amount", order.Amount.StringFixed(2)))
	return order, nil
}

// HandleEvent applies a verified provider event. It reports whether the
// event changed anything; redelivered and unrelated events return false.
func (p *Payments) HandleEvent(ctx context.Context, ev models.PaymentEvent) (bool, error) {
	if ev.Type != EventPaymentCaptured {
		p.log.Debug("ignoring payment event", zap.String("event_id", ev.ID), zap.String("type", ev.Type))
		return false, nil
	}

	order, err := p.orders.GetPaymentOrderByProviderOrderID(ctx, ev.ProviderOrderID)
	if err != nil {
		return false, err
	}
	if order.Status == models.PaymentStatusPaid {
		p.log.Info("payment already applied", zap.String("order_id", order.ID), zap.String("event_id", ev.ID))
		return false, nil
	}

	switch order.Kind {
	case models.PaymentKindPackage:
		if order.PackageID == nil {
			return false, fmt.Errorf("order %s has no package", order.ID)
		}
		if _, err := p.entitlements.ActivatePackage(ctx, order.DetectiveID, *order.PackageID, entitlement.BillingCycle(order.BillingCycle)); err != nil {
			return false, fmt.Errorf("activate package for order %s: %w", order.ID, err)
		}
	case models.PaymentKindAddon:
		if order.Badge == nil {
			return false, fmt.Errorf("order %s has no badge", order.ID)
		}
		if err := p.entitlements.GrantAddon(ctx, order.DetectiveID, *order.Badge); err != nil {
			return false, fmt.Errorf("grant add-on for order %s: %w", order.ID, err)
		}
	default:
		return false, fmt.Errorf("order %s has unknown kind %q", order.ID, order.Kind)
	}

	marked, err := p.orders.MarkPaymentOrderPaid(ctx, order.ID, p.now())
	if err != nil {
		return false, err
	}
	p.log.Info("payment captured",
		zap.String("order_id", order.ID),
		zap.String("event_id", ev.ID),
		zap.String("payment_id", ev.PaymentID),
		zap.Bool("first_delivery", marked))
	return marked, nil
}
