package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

// ErrPlanNotFound is returned when a plan is not found
var ErrPlanNotFound = errors.New("plan not found")

// PlanStore provides database operations for subscription plans
type PlanStore struct {
	db *sql.DB
}

// NewPlanStore creates a new PlanStore instance
func NewPlanStore(db *sql.DB) (*PlanStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &PlanStore{db: db}, nil
}

const planColumns = `id, name, display_name, description, monthly_price, yearly_price,
       service_limit, badges, is_active, created_at, updated_at`

func scanPlan(row rowScanner) (*models.SubscriptionPlan, error) {
	var p models.SubscriptionPlan
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.DisplayName,
		&p.Description,
		&p.MonthlyPrice,
		&p.YearlyPrice,
		&p.ServiceLimit,
		&p.Badges,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlans returns every plan, inactive ones included. The resolver needs
// inactive plans to describe detectives still subscribed to them.
func (s *PlanStore) ListPlans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	return s.listPlans(ctx, `SELECT `+planColumns+` FROM subscription_plans ORDER BY monthly_price ASC, name ASC`)
}

// ListActivePlans returns plans that can currently be purchased.
func (s *PlanStore) ListActivePlans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	return s.listPlans(ctx, `SELECT `+planColumns+` FROM subscription_plans WHERE is_active = TRUE ORDER BY monthly_price ASC, name ASC`)
}

func (s *PlanStore) listPlans(ctx context.Context, query string) ([]models.SubscriptionPlan, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.SubscriptionPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// GetPlanByID returns a plan by its ID
func (s *PlanStore) GetPlanByID(ctx context.Context, id string) (*models.SubscriptionPlan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM subscription_plans WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan by id: %w", err)
	}
	return p, nil
}

// UpsertPlan inserts p or replaces the plan with the same id. A new id is
// generated when p.ID is empty.
func (s *PlanStore) UpsertPlan(ctx context.Context, p *models.SubscriptionPlan) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Badges == nil {
		p.Badges = models.Badges{}
	}

	query := `
		INSERT INTO subscription_plans (id, name, display_name, description, monthly_price,
			yearly_price, service_limit, badges, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    display_name = EXCLUDED.display_name,
		    description = EXCLUDED.description,
		    monthly_price = EXCLUDED.monthly_price,
		    yearly_price = EXCLUDED.yearly_price,
		    service_limit = EXCLUDED.service_limit,
		    badges = EXCLUDED.badges,
		    is_active = EXCLUDED.is_active,
		    updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		p.ID,
		p.Name,
		p.DisplayName,
		p.Description,
		p.MonthlyPrice,
		p.YearlyPrice,
		p.ServiceLimit,
		p.Badges,
		p.IsActive,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert plan %s: %w", p.Name, err)
	}
	return nil
}
