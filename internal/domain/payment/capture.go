package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/platewise/pos/internal/domain/order"
	"github.com/platewise/pos/internal/domain/recon"
)

// CaptureService owns the synchronous capture entry points. Processor errors
// surface to the caller and never touch order state; only an explicit
// synchronous success (manual charge) or a later webhook advances the
// payment status.
type CaptureService struct {
	orders    order.Repository
	provider  Provider
	locations LocationDirectory
	recon     *recon.Reconciler

	currency string
	feeRate  decimal.Decimal
}

// NewCaptureService creates a CaptureService charging in the given currency
// with the given platform fee rate.
func NewCaptureService(
	orders order.Repository,
	provider Provider,
	locations LocationDirectory,
	rec *recon.Reconciler,
	currency string,
	feeRate decimal.Decimal,
) *CaptureService {
	return &CaptureService{
		orders:    orders,
		provider:  provider,
		locations: locations,
		recon:     rec,
		currency:  currency,
		feeRate:   feeRate,
	}
}

// TerminalCapture creates a card-present intent for the order's stored total
// (which already includes any tip). It does not flip the payment status: a
// card-present capture can still fail after the client secret is returned,
// so convergence is left to the webhook.
func (s *CaptureService) TerminalCapture(ctx context.Context, orderID string) (*Intent, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus == order.PaymentPaid {
		return nil, ErrAlreadyPaid
	}

	params := CreateIntentParams{
		Amount:      o.Total,
		Currency:    s.currency,
		OrderID:     o.ID,
		CardPresent: true,
	}
	if err := s.attachDestination(ctx, o, &params); err != nil {
		return nil, err
	}

	intent, err := s.provider.CreateIntent(ctx, params)
	if err != nil {
		return nil, err
	}

	s.recordIntentRef(ctx, o.ID, intent.ID)
	return intent, nil
}

// ManualCharge creates and immediately confirms an intent against a stored
// payment method. The amount must match the stored order total; the tip is
// added on top. Confirmation is synchronous, so a succeeded intent
// optimistically marks the order paid through the same state machine the
// webhook path uses.
func (s *CaptureService) ManualCharge(ctx context.Context, orderID string, amount, tip decimal.Decimal, paymentMethodRef string) (*Intent, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus == order.PaymentPaid {
		return nil, ErrAlreadyPaid
	}
	// The client never dictates the final amount: it must match what the
	// order says, with only the tip entered on top.
	if !amount.Equal(o.Total) {
		return nil, ErrAmountMismatch
	}
	if tip.IsNegative() {
		return nil, ErrAmountMismatch
	}

	params := CreateIntentParams{
		Amount:           amount.Add(tip),
		Currency:         s.currency,
		OrderID:          o.ID,
		Confirm:          true,
		PaymentMethodRef: paymentMethodRef,
	}
	if err := s.attachDestination(ctx, o, &params); err != nil {
		return nil, err
	}

	intent, err := s.provider.CreateIntent(ctx, params)
	if err != nil {
		return nil, err
	}

	s.recordIntentRef(ctx, o.ID, intent.ID)

	if intent.Status == IntentSucceeded {
		if _, err := s.recon.MarkPaid(ctx, o); err != nil {
			// The charge went through; the webhook will converge the status.
			zctx.From(ctx).Warn("Optimistic paid update failed, awaiting webhook",
				zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return intent, nil
}

func (s *CaptureService) attachDestination(ctx context.Context, o *order.Order, params *CreateIntentParams) error {
	ref, enabled, err := s.locations.PayoutAccount(ctx, o.LocationID)
	if err != nil {
		return errors.Wrap(err, "resolve payout account")
	}
	if ref != "" && enabled {
		params.DestinationAccount = ref
		params.PlatformFee = PlatformFee(params.Amount, s.feeRate)
	}
	return nil
}

// recordIntentRef stores the processor reference for the first attempt. The
// column is set-once; a later attempt keeps its new intent at the processor
// but never overwrites the stored reference.
func (s *CaptureService) recordIntentRef(ctx context.Context, orderID, intentID string) {
	if err := s.orders.SetPaymentIntentRef(ctx, orderID, intentID); err != nil {
		zctx.From(ctx).Warn("Recording payment intent ref failed",
			zap.String("order_id", orderID),
			zap.String("intent_id", intentID),
			zap.Error(err))
	}
}
