package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentKind is what a payment order buys.
type PaymentKind string

const (
	PaymentKindPackage PaymentKind = "package"
	PaymentKindAddon   PaymentKind = "addon"
)

// PaymentStatus is the lifecycle state of a payment order.
type PaymentStatus string

const (
	PaymentStatusCreated PaymentStatus = "created"
	PaymentStatusPaid    PaymentStatus = "paid"
)

// PaymentOrder is a row of the payment_orders table.
type PaymentOrder struct {
	ID              string          `json:"id"`
	DetectiveID     string          `json:"detective_id"`
	Kind            PaymentKind     `json:"kind"`
	PackageID       *string         `json:"package_id,omitempty"`
	Badge           *string         `json:"badge,omitempty"`
	BillingCycle    string          `json:"billing_cycle"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	ProviderOrderID string          `json:"provider_order_id"`
	Status          PaymentStatus   `json:"status"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CreateOrderRequest is the body of POST /api/payments/orders.
type CreateOrderRequest struct {
	DetectiveID  string      `json:"detective_id" validate:"required"`
	Kind         PaymentKind `json:"kind" validate:"required,oneof=package addon"`
	PackageID    string      `json:"package_id" validate:"required_if=Kind package"`
	Badge        string      `json:"badge" validate:"required_if=Kind addon"`
	BillingCycle string      `json:"billing_cycle" validate:"required,oneof=monthly yearly"`
}

// PaymentEvent is the body of a payment provider webhook.
type PaymentEvent struct {
	ID              string `json:"id" validate:"required"`
	Type            string `json:"type" validate:"required"`
	ProviderOrderID string `json:"provider_order_id" validate:"required"`
	PaymentID       string `json:"payment_id"`
}

// ScheduleChangeRequest is the body of POST /api/detectives/{id}/schedule-change.
type ScheduleChangeRequest struct {
	PackageID    string `json:"package_id" validate:"required"`
	BillingCycle string `json:"billing_cycle" validate:"required,oneof=monthly yearly"`
}
