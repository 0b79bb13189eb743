package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

// ErrPaymentOrderNotFound is returned when no order matches.
var ErrPaymentOrderNotFound = errors.New("payment order not found")

const paymentOrderColumns = `id, detective_id, kind, package_id, badge, billing_cycle, amount,
       currency, provider_order_id, status, paid_at, created_at, updated_at`

func scanPaymentOrder(row rowScanner) (*models.PaymentOrder, error) {
	var o models.PaymentOrder
	if err := row.Scan(
		&o.ID,
		&o.DetectiveID,
		&o.Kind,
		&o.PackageID,
		&o.Badge,
		&o.BillingCycle,
		&o.Amount,
		&o.Currency,
		&o.ProviderOrderID,
		&o.Status,
		&o.PaidAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &o, nil
}

// CreatePaymentOrder inserts a new order in the created state. ID and
// ProviderOrderID are generated when empty.
func (s *Store) CreatePaymentOrder(ctx context.Context, o *models.PaymentOrder) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.ProviderOrderID == "" {
		o.ProviderOrderID = "order_" + uuid.NewString()
	}
	o.Status = models.PaymentStatusCreated

	query := `
		INSERT INTO payment_orders (id, detective_id, kind, package_id, badge, billing_cycle,
			amount, currency, provider_order_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		o.ID,
		o.DetectiveID,
		o.Kind,
		o.PackageID,
		o.Badge,
		o.BillingCycle,
		o.Amount,
		o.Currency,
		o.ProviderOrderID,
		o.Status,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create payment order: %w", err)
	}
	return nil
}

// GetPaymentOrderByProviderOrderID looks an order up by the id the payment
// provider knows it by.
func (s *Store) GetPaymentOrderByProviderOrderID(ctx context.Context, providerOrderID string) (*models.PaymentOrder, error) {
	query := `SELECT ` + paymentOrderColumns + ` FROM payment_orders WHERE provider_order_id = $1`

	o, err := scanPaymentOrder(s.db.QueryRowContext(ctx, query, providerOrderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentOrderNotFound
		}
		return nil, fmt.Errorf("get payment order: %w", err)
	}
	return o, nil
}

// MarkPaymentOrderPaid moves an order from created to paid. It reports false
// when the order was already paid, which makes webhook redelivery harmless.
func (s *Store) MarkPaymentOrderPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	query := `
		UPDATE payment_orders
		SET status = 'paid', paid_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'created'
	`
	res, err := s.db.ExecContext(ctx, query, id, paidAt)
	if err != nil {
		return false, fmt.Errorf("mark payment order paid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark payment order paid: rows affected: %w", err)
	}
	return affected > 0, nil
}
