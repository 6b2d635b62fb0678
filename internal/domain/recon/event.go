// Package recon applies external facts about an order, such as payment
// processor webhooks, courier webhooks and synchronous captures, to the
// canonical Order
// exactly once and only in the allowed direction.
package recon

import (
	"context"

	"github.com/platewise/pos/internal/domain/order"
)

// Source identifies the external system an event originated from.
type Source string

const (
	SourcePayment Source = "payment_processor"
	SourceCourier Source = "courier"
)

// Kind classifies a normalized event.
type Kind string

const (
	KindPaymentSucceeded      Kind = "payment_succeeded"
	KindPaymentFailed         Kind = "payment_failed"
	KindAccountUpdated        Kind = "account_updated"
	KindDeliveryStatusChanged Kind = "delivery_status_changed"
)

// DeliveryStatus is the internal courier vocabulary. Provider status strings
// are mapped onto it totally: unknown values land in DeliveryInProgress, an
// intermediate non-terminal bucket, rather than being dropped.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryInProgress DeliveryStatus = "in_progress"
	DeliveryCompleted  DeliveryStatus = "completed"
	DeliveryCancelled  DeliveryStatus = "cancelled"
)

// FulfillmentTarget maps the internal courier vocabulary onto the order's
// fulfillment axis.
func (s DeliveryStatus) FulfillmentTarget() order.FulfillmentStatus {
	switch s {
	case DeliveryCompleted:
		return order.FulfillmentCompleted
	case DeliveryCancelled:
		return order.FulfillmentCancelled
	case DeliveryInProgress:
		return order.FulfillmentPreparing
	default:
		return order.FulfillmentPending
	}
}

// Event is the normalized form of a provider webhook payload. Only the
// fields relevant to the event's Kind are populated.
type Event struct {
	Source          Source
	ExternalEventID string
	Kind            Kind

	// OrderRef is the order id carried in payment intent metadata. Empty
	// means the event does not belong to this system.
	OrderRef string

	// DeliveryRef is the courier's delivery identifier for delivery events.
	DeliveryRef    string
	DeliveryStatus DeliveryStatus

	// AccountRef and ChargesEnabled describe connected-account updates.
	AccountRef     string
	ChargesEnabled bool
}

// Result describes the outcome of applying an event. None of these are
// errors: webhook senders are acknowledged in every case.
type Result string

const (
	// Applied means the event produced exactly one state mutation.
	Applied Result = "applied"
	// AlreadyApplied means the idempotency ledger already held the event.
	AlreadyApplied Result = "already_applied"
	// Ignored means the proposed transition was stale or out of order.
	Ignored Result = "ignored"
	// NoMatch means no order (or account) corresponds to the event.
	NoMatch Result = "no_match"
)

// OrderTx exposes the conditional mutations available inside a reconciliation
// transaction. Each Set operation is a single compare-and-swap style update:
// it succeeds only when the current status is one of the allowed sources for
// the target, so a forbidden transition is a safe no-op rather than an error.
type OrderTx interface {
	OrderByID(ctx context.Context, id string) (*order.Order, error)
	OrderByDeliveryRef(ctx context.Context, ref string) (*order.Order, error)

	// SetPaymentStatus moves the payment axis to the target status. Paid
	// stamps paid_at when unset. Returns false when the current status is not
	// an allowed source.
	SetPaymentStatus(ctx context.Context, id string, to order.PaymentStatus) (bool, error)

	// SetFulfillmentStatus moves the fulfillment axis to the target status,
	// stamping completed_at when stampCompleted is set.
	SetFulfillmentStatus(ctx context.Context, id string, to order.FulfillmentStatus, stampCompleted bool) (bool, error)

	// SetChargesEnabled flips the payout flag on the location owning the
	// given connected account. Returns false when no location matches.
	SetChargesEnabled(ctx context.Context, accountRef string, enabled bool) (bool, error)
}

// Store binds the idempotency ledger and the order mutation into one atomic
// unit. ApplyOnce inserts (source, externalEventID) into the ledger and runs
// apply in the same transaction; when the ledger already holds the event the
// apply function is never invoked and AlreadyApplied is returned. A failure
// rolls back both the ledger row and the mutation, so a retried delivery is
// reprocessed from scratch rather than lost.
type Store interface {
	ApplyOnce(ctx context.Context, source Source, externalEventID, orderRef string,
		apply func(ctx context.Context, tx OrderTx) (Result, error)) (Result, error)

	// Run executes apply transactionally without a ledger entry. Synchronous
	// captures use it: they have no external event id but are subject to the
	// same directionality rules.
	Run(ctx context.Context, apply func(ctx context.Context, tx OrderTx) (Result, error)) (Result, error)
}
