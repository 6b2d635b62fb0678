// Package payment orchestrates synchronous card captures against the
// upstream processor. Both entry points write through the same order state
// machine as the webhook path, so a later webhook for the same intent is a
// harmless repeat.
package payment

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// IntentStatus is the processor-side status of a payment intent.
type IntentStatus string

const (
	IntentSucceeded      IntentStatus = "succeeded"
	IntentProcessing     IntentStatus = "processing"
	IntentRequiresAction IntentStatus = "requires_action"
	IntentFailed         IntentStatus = "failed"
)

// Intent is the processor-side object representing one capture attempt.
type Intent struct {
	ID           string
	Status       IntentStatus
	ClientSecret string
}

// CreateIntentParams carries everything the processor needs for one intent.
type CreateIntentParams struct {
	// Amount is the full charge in major currency units.
	Amount   decimal.Decimal
	Currency string

	// OrderID is attached as intent metadata; the webhook path uses it to
	// resolve the order.
	OrderID string

	// CardPresent selects a terminal (card-present) intent with automatic
	// capture. Confirm requests immediate synchronous confirmation against
	// PaymentMethodRef.
	CardPresent      bool
	Confirm          bool
	PaymentMethodRef string

	// PlatformFee and DestinationAccount route funds to a connected payout
	// account. Both are zero-valued when the location has none.
	PlatformFee        decimal.Decimal
	DestinationAccount string
}

// Provider creates payment intents with the upstream processor.
type Provider interface {
	CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error)
}

// ProviderError is a processor-side rejection, surfaced synchronously to the
// caller with the processor's reason. It never mutates order state.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("processor rejected: %s (%s)", e.Message, e.Code)
}

// Sentinel errors for capture validation.
var (
	ErrAlreadyPaid    = errors.New("order is already paid")
	ErrAmountMismatch = errors.New("amount does not match stored order total")
)

// LocationDirectory resolves a location's connected payout account.
type LocationDirectory interface {
	// PayoutAccount returns the connected account reference and whether
	// charges are enabled on it. An empty ref means no connected account.
	PayoutAccount(ctx context.Context, locationID string) (ref string, enabled bool, err error)
}
