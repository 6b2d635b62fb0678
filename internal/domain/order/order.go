// Package order holds the canonical Order aggregate and the transition rules
// for its two independent state axes: payment and fulfillment.
package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the payment axis of an order.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// FulfillmentStatus is the fulfillment axis of an order.
type FulfillmentStatus string

const (
	FulfillmentPending   FulfillmentStatus = "pending"
	FulfillmentSent      FulfillmentStatus = "sent"
	FulfillmentPreparing FulfillmentStatus = "preparing"
	FulfillmentReady     FulfillmentStatus = "ready"
	FulfillmentServed    FulfillmentStatus = "served"
	FulfillmentCompleted FulfillmentStatus = "completed"
	FulfillmentCancelled FulfillmentStatus = "cancelled"
)

// Type distinguishes how an order is handed to the customer.
type Type string

const (
	TypeDineIn   Type = "dine_in"
	TypePickup   Type = "pickup"
	TypeDelivery Type = "delivery"
)

// Sentinel errors for repository operations.
var (
	ErrNotFound       = errors.New("order not found")
	ErrDeliveryRefSet = errors.New("delivery ref already set")
)

// Order is the canonical aggregate. It is created by the ordering flow and
// mutated only through the reconciliation path or a synchronous capture.
type Order struct {
	ID                string
	LocationID        string
	Type              Type
	FulfillmentStatus FulfillmentStatus
	PaymentStatus     PaymentStatus

	// PaymentIntentRef and DeliveryRef are set once and never overwritten.
	PaymentIntentRef string
	DeliveryRef      string

	Subtotal    decimal.Decimal
	Tax         decimal.Decimal
	Tip         decimal.Decimal
	DeliveryFee decimal.Decimal
	Total       decimal.Decimal

	PaidAt      *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Repository defines persistence operations for orders. Status mutations are
// deliberately absent: they go through the reconciliation store so that the
// directionality check and the write are a single conditional update.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByDeliveryRef(ctx context.Context, ref string) (*Order, error)

	// SetPaymentIntentRef records the processor reference for the first
	// capture attempt. Once set the column is immutable; setting it again is
	// a no-op so later attempts never overwrite the original reference.
	SetPaymentIntentRef(ctx context.Context, id, ref string) error

	// SetDeliveryRef assigns the courier reference. Returns ErrDeliveryRefSet
	// when the order already has one.
	SetDeliveryRef(ctx context.Context, id, ref string) error

	// ListDeliveryRefs returns every assigned courier reference, used to warm
	// the delivery-ref prefilter at startup.
	ListDeliveryRefs(ctx context.Context) ([]string, error)
}
