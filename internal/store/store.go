package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

const defaultPageSize = 200

// ErrDetectiveNotFound is returned when no detective has the requested id.
var ErrDetectiveNotFound = errors.New("detective not found")

// Store provides database-backed accessors for detective subscription state
// and payment orders.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

const detectiveColumns = `id, business_name, subscription_package_id, billing_cycle,
       subscription_activated_at, subscription_expires_at,
       pending_package_id, pending_billing_cycle,
       has_blue_tick, blue_tick_addon, blue_tick_activated_at, addon_badges, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetective(row rowScanner) (*models.Detective, error) {
	var (
		d     models.Detective
		cycle sql.NullString
	)
	if err := row.Scan(
		&d.ID,
		&d.BusinessName,
		&d.SubscriptionPackageID,
		&cycle,
		&d.SubscriptionActivatedAt,
		&d.SubscriptionExpiresAt,
		&d.PendingPackageID,
		&d.PendingBillingCycle,
		&d.HasBlueTick,
		&d.BlueTickAddon,
		&d.BlueTickActivatedAt,
		&d.AddonBadges,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.BillingCycle = cycle.String
	return &d, nil
}

// GetDetective loads the subscription columns of one detective.
func (s *Store) GetDetective(ctx context.Context, id string) (*models.Detective, error) {
	query := `SELECT ` + detectiveColumns + ` FROM detectives WHERE id = $1`

	d, err := scanDetective(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDetectiveNotFound
		}
		return nil, fmt.Errorf("get detective: %w", err)
	}
	return d, nil
}

// GetDetectives loads several detectives in one round trip. Missing ids are
// skipped.
func (s *Store) GetDetectives(ctx context.Context, ids []string) ([]models.Detective, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + detectiveColumns + ` FROM detectives WHERE id = ANY($1) ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get detectives: %w", err)
	}
	defer rows.Close()

	return collectDetectives(rows)
}

// ListDetectives returns up to limit detectives with id greater than afterID,
// ordered by id, for keyset pagination.
func (s *Store) ListDetectives(ctx context.Context, afterID string, limit int) ([]models.Detective, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	query := `SELECT ` + detectiveColumns + ` FROM detectives WHERE id > $1 ORDER BY id LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list detectives: %w", err)
	}
	defer rows.Close()

	return collectDetectives(rows)
}

func collectDetectives(rows *sql.Rows) ([]models.Detective, error) {
	var out []models.Detective
	for rows.Next() {
		d, err := scanDetective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan detective: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detectives: %w", err)
	}
	return out, nil
}

// ListExpiredDetectives returns detectives whose subscription expiry is
// strictly before now, excluding the Free plan, in (expiry, id) order after
// the given key. A nil key starts from the beginning.
func (s *Store) ListExpiredDetectives(ctx context.Context, freePlanID string, now time.Time, after *models.ExpiryKey, limit int) ([]models.ExpiryKey, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	var afterAt *time.Time
	afterID := ""
	if after != nil {
		at := after.ExpiresAt
		afterAt = &at
		afterID = after.DetectiveID
	}

	query := `
		SELECT id, subscription_expires_at FROM detectives
		WHERE subscription_expires_at IS NOT NULL
		  AND subscription_expires_at < $1
		  AND subscription_package_id <> $2
		  AND ($3::timestamptz IS NULL OR (subscription_expires_at, id) > ($3::timestamptz, $4))
		ORDER BY subscription_expires_at ASC, id ASC
		LIMIT $5
	`
	rows, err := s.db.QueryContext(ctx, query, now, freePlanID, afterAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired detectives: %w", err)
	}
	defer rows.Close()

	var keys []models.ExpiryKey
	for rows.Next() {
		var k models.ExpiryKey
		if err := rows.Scan(&k.DetectiveID, &k.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan expired detective: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ApplySubscriptionUpdate writes u only while the row still holds
// u.ExpectedPackageID and u.ExpectedExpiresAt. It reports whether the row was updated; false means
// another writer got there first.
func (s *Store) ApplySubscriptionUpdate(ctx context.Context, u models.SubscriptionUpdate) (bool, error) {
	query := `
		UPDATE detectives
		SET subscription_package_id = $2,
		    billing_cycle = NULLIF($3, ''),
		    subscription_activated_at = $4,
		    subscription_expires_at = $5,
		    pending_package_id = $6,
		    pending_billing_cycle = $7,
		    has_blue_tick = $8,
		    updated_at = NOW()
		WHERE id = $1
		  AND subscription_package_id = $9
		  AND subscription_expires_at IS NOT DISTINCT FROM $10
	`

	res, err := s.db.ExecContext(ctx, query,
		u.DetectiveID,
		u.SubscriptionPackageID,
		u.BillingCycle,
		u.SubscriptionActivatedAt,
		u.SubscriptionExpiresAt,
		u.PendingPackageID,
		u.PendingBillingCycle,
		u.HasBlueTick,
		u.ExpectedPackageID,
		u.ExpectedExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("apply subscription update: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply subscription update: rows affected: %w", err)
	}
	return affected > 0, nil
}

// SetHasBlueTick stores the blue tick projection. It is a no-op when the
// column already holds the value.
func (s *Store) SetHasBlueTick(ctx context.Context, id string, value bool) error {
	query := `
		UPDATE detectives
		SET has_blue_tick = $2, updated_at = NOW()
		WHERE id = $1 AND has_blue_tick IS DISTINCT FROM $2
	`
	if _, err := s.db.ExecContext(ctx, query, id, value); err != nil {
		return fmt.Errorf("set has_blue_tick: %w", err)
	}
	return nil
}

// SetPendingChange queues a plan change to take effect at expiry. expiresAt
// fills subscription_expires_at only when the row has none.
func (s *Store) SetPendingChange(ctx context.Context, id, packageID string, cycle entitlement.BillingCycle, expiresAt *time.Time) error {
	query := `
		UPDATE detectives
		SET pending_package_id = $2,
		    pending_billing_cycle = NULLIF($3, ''),
		    subscription_expires_at = COALESCE(subscription_expires_at, $4),
		    updated_at = NOW()
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, id, packageID, string(cycle), expiresAt)
	if err != nil {
		return fmt.Errorf("set pending change: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrDetectiveNotFound
	}
	return nil
}

// GrantAddon records a separately purchased badge. Add-ons are never
// revoked by subscription changes, so there is no matching revoke.
func (s *Store) GrantAddon(ctx context.Context, id, badge string, at time.Time) error {
	var (
		query string
		args  []any
	)
	if badge == entitlement.BadgeBlueTick {
		query = `
			UPDATE detectives
			SET blue_tick_addon = TRUE,
			    blue_tick_activated_at = COALESCE(blue_tick_activated_at, $2),
			    has_blue_tick = TRUE,
			    updated_at = NOW()
			WHERE id = $1
		`
		args = []any{id, at}
	} else {
		query = `
			UPDATE detectives
			SET addon_badges = addon_badges || jsonb_build_object($2::text, TRUE),
			    updated_at = NOW()
			WHERE id = $1
		`
		args = []any{id, badge}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("grant addon %s: %w", badge, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrDetectiveNotFound
	}
	return nil
}

// CountActiveServices returns how many published services a detective has.
func (s *Store) CountActiveServices(ctx context.Context, detectiveID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM services WHERE detective_id = $1 AND is_active`,
		detectiveID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active services: %w", err)
	}
	return n, nil
}
