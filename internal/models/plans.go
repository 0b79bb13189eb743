package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
)

// Badges is the JSONB badge set of a plan. Stored rows use either an object
// ({"blueTick": true}) or an array of names (["blueTick"]); both scan into
// the same map.
type Badges map[string]bool

// Value implements the driver.Valuer interface for Badges
func (b Badges) Value() (driver.Value, error) {
	if b == nil {
		return json.Marshal(map[string]bool{})
	}
	return json.Marshal(map[string]bool(b))
}

// Scan implements the sql.Scanner interface for Badges
func (b *Badges) Scan(value interface{}) error {
	if value == nil {
		*b = Badges{}
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into Badges", value)
	}
	return b.UnmarshalJSON(raw)
}

// UnmarshalJSON accepts both the object and the array form.
func (b *Badges) UnmarshalJSON(data []byte) error {
	out := Badges{}

	var obj map[string]bool
	if err := json.Unmarshal(data, &obj); err == nil {
		for k, v := range obj {
			out[k] = v
		}
		*b = out
		return nil
	}

	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("badges: expected object or array of names: %w", err)
	}
	for _, n := range names {
		out[n] = true
	}
	*b = out
	return nil
}

// UnmarshalYAML accepts the same two forms as UnmarshalJSON in seed files.
func (b *Badges) UnmarshalYAML(node *yaml.Node) error {
	out := Badges{}
	switch node.Kind {
	case yaml.MappingNode:
		var obj map[string]bool
		if err := node.Decode(&obj); err != nil {
			return err
		}
		for k, v := range obj {
			out[k] = v
		}
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		for _, n := range names {
			out[n] = true
		}
	default:
		return fmt.Errorf("badges: expected mapping or sequence, line %d", node.Line)
	}
	*b = out
	return nil
}

// SubscriptionPlan is a row of the subscription_plans table.
type SubscriptionPlan struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name" validate:"required,max=64"`
	DisplayName  string          `json:"display_name" yaml:"display_name" validate:"required,max=128"`
	Description  *string         `json:"description,omitempty" yaml:"description,omitempty"`
	MonthlyPrice decimal.Decimal `json:"monthly_price" yaml:"monthly_price"`
	YearlyPrice  decimal.Decimal `json:"yearly_price" yaml:"yearly_price"`
	ServiceLimit int             `json:"service_limit" yaml:"service_limit" validate:"gte=0"`
	Badges       Badges          `json:"badges" yaml:"badges"`
	IsActive     bool            `json:"is_active" yaml:"is_active"`
	CreatedAt    time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time       `json:"updated_at" yaml:"-"`
}

// ToEntitlement converts the row into the resolver's plan type.
func (p SubscriptionPlan) ToEntitlement() entitlement.Plan {
	return entitlement.Plan{
		ID:           p.ID,
		Name:         p.Name,
		DisplayName:  p.DisplayName,
		MonthlyPrice: p.MonthlyPrice,
		YearlyPrice:  p.YearlyPrice,
		ServiceLimit: p.ServiceLimit,
		Badges:       map[string]bool(p.Badges),
		IsActive:     p.IsActive,
	}
}

// PlanFromEntitlement is the inverse of ToEntitlement, used when serving a
// cached catalog.
func PlanFromEntitlement(p entitlement.Plan) SubscriptionPlan {
	return SubscriptionPlan{
		ID:           p.ID,
		Name:         p.Name,
		DisplayName:  p.DisplayName,
		MonthlyPrice: p.MonthlyPrice,
		YearlyPrice:  p.YearlyPrice,
		ServiceLimit: p.ServiceLimit,
		Badges:       Badges(p.Badges),
		IsActive:     p.IsActive,
	}
}
