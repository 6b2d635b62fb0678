package recon

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/platewise/pos/internal/domain/order"
)

// PaidFunc is invoked after an order's payment status becomes paid. This is
// the single hook point for external collaborators (loyalty award, customer
// linkage); the reconciler itself computes nothing downstream.
type PaidFunc func(ctx context.Context, o *order.Order)

// Reconciler applies normalized events to order state through the
// idempotency ledger and the state machine's directionality rules.
type Reconciler struct {
	store  Store
	refs   *DeliveryRefIndex
	onPaid []PaidFunc
}

// New creates a Reconciler. refs may be nil to disable the delivery-ref
// prefilter.
func New(store Store, refs *DeliveryRefIndex) *Reconciler {
	return &Reconciler{store: store, refs: refs}
}

// OnPaid registers a hook fired once per order when it becomes paid. Must be
// called before the reconciler starts receiving events.
func (r *Reconciler) OnPaid(fn PaidFunc) {
	r.onPaid = append(r.onPaid, fn)
}

// Apply routes a normalized event to the matching transition. The returned
// Result is informational; every non-error outcome is acknowledged to the
// sender.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Result, error) {
	switch ev.Kind {
	case KindPaymentSucceeded:
		return r.applyPayment(ctx, ev, order.PaymentPaid)
	case KindPaymentFailed:
		return r.applyPayment(ctx, ev, order.PaymentFailed)
	case KindAccountUpdated:
		return r.applyAccount(ctx, ev)
	case KindDeliveryStatusChanged:
		return r.applyDelivery(ctx, ev)
	default:
		zctx.From(ctx).Info("Unrecognized event kind ignored",
			zap.String("source", string(ev.Source)),
			zap.String("event_id", ev.ExternalEventID),
		)
		return Ignored, nil
	}
}

func (r *Reconciler) applyPayment(ctx context.Context, ev Event, to order.PaymentStatus) (Result, error) {
	lg := zctx.From(ctx)

	if ev.OrderRef == "" {
		// The intent carries no order metadata: it belongs to another system
		// or the metadata was never set. Acknowledged, not an error.
		lg.Info("Payment event without order ref discarded",
			zap.String("event_id", ev.ExternalEventID))
		return NoMatch, nil
	}

	var paid *order.Order
	res, err := r.store.ApplyOnce(ctx, ev.Source, ev.ExternalEventID, ev.OrderRef,
		func(ctx context.Context, tx OrderTx) (Result, error) {
			o, err := tx.OrderByID(ctx, ev.OrderRef)
			if err != nil {
				if errors.Is(err, order.ErrNotFound) {
					return NoMatch, nil
				}
				return NoMatch, errors.Wrap(err, "load order")
			}

			if !order.CanTransitionPayment(o.PaymentStatus, to) {
				lg.Info("Stale payment transition ignored",
					zap.String("order_id", o.ID),
					zap.String("from", string(o.PaymentStatus)),
					zap.String("to", string(to)),
				)
				return Ignored, nil
			}

			ok, err := tx.SetPaymentStatus(ctx, o.ID, to)
			if err != nil {
				return Ignored, errors.Wrap(err, "set payment status")
			}
			if !ok {
				// A concurrent writer won the conditional update.
				return Ignored, nil
			}

			if to == order.PaymentPaid {
				// Reload so the hook snapshot carries the stamped paid_at.
				paid, err = tx.OrderByID(ctx, o.ID)
				if err != nil {
					return Applied, errors.Wrap(err, "reload paid order")
				}
			}
			return Applied, nil
		})
	if err != nil {
		return res, err
	}

	if res == Applied && paid != nil {
		r.firePaid(ctx, paid)
	}
	return res, nil
}

func (r *Reconciler) applyDelivery(ctx context.Context, ev Event) (Result, error) {
	lg := zctx.From(ctx)

	if ev.DeliveryRef == "" {
		return NoMatch, nil
	}

	// Courier retry storms for deliveries we never issued should not reach
	// the database: the prefilter has no false negatives, so a miss here is
	// definitive.
	if r.refs != nil && !r.refs.MayContain(ev.DeliveryRef) {
		lg.Info("Unknown delivery ref discarded by prefilter",
			zap.String("delivery_ref", ev.DeliveryRef))
		return NoMatch, nil
	}

	to := ev.DeliveryStatus.FulfillmentTarget()

	return r.store.ApplyOnce(ctx, ev.Source, ev.ExternalEventID, "",
		func(ctx context.Context, tx OrderTx) (Result, error) {
			o, err := tx.OrderByDeliveryRef(ctx, ev.DeliveryRef)
			if err != nil {
				if errors.Is(err, order.ErrNotFound) {
					lg.Info("Courier event for unmatched delivery discarded",
						zap.String("delivery_ref", ev.DeliveryRef))
					return NoMatch, nil
				}
				return NoMatch, errors.Wrap(err, "resolve delivery ref")
			}

			if !order.CanTransitionFulfillment(o.FulfillmentStatus, to) {
				lg.Info("Stale fulfillment transition ignored",
					zap.String("order_id", o.ID),
					zap.String("from", string(o.FulfillmentStatus)),
					zap.String("to", string(to)),
				)
				return Ignored, nil
			}

			stampCompleted := to == order.FulfillmentCompleted && o.Type == order.TypeDelivery
			ok, err := tx.SetFulfillmentStatus(ctx, o.ID, to, stampCompleted)
			if err != nil {
				return Ignored, errors.Wrap(err, "set fulfillment status")
			}
			if !ok {
				return Ignored, nil
			}
			return Applied, nil
		})
}

func (r *Reconciler) applyAccount(ctx context.Context, ev Event) (Result, error) {
	if ev.AccountRef == "" {
		return NoMatch, nil
	}

	return r.store.ApplyOnce(ctx, ev.Source, ev.ExternalEventID, "",
		func(ctx context.Context, tx OrderTx) (Result, error) {
			ok, err := tx.SetChargesEnabled(ctx, ev.AccountRef, ev.ChargesEnabled)
			if err != nil {
				return NoMatch, errors.Wrap(err, "set charges enabled")
			}
			if !ok {
				return NoMatch, nil
			}
			return Applied, nil
		})
}

// MarkPaid applies an optimistic Paid transition for a synchronous capture.
// No ledger entry is written (the capture has no external event id), but the
// write goes through the same conditional update as the webhook path, so the
// webhook that later confirms the same intent degrades to an ignored repeat.
func (r *Reconciler) MarkPaid(ctx context.Context, o *order.Order) (Result, error) {
	var paid *order.Order
	res, err := r.store.Run(ctx, func(ctx context.Context, tx OrderTx) (Result, error) {
		ok, err := tx.SetPaymentStatus(ctx, o.ID, order.PaymentPaid)
		if err != nil {
			return Ignored, errors.Wrap(err, "set payment status")
		}
		if !ok {
			return Ignored, nil
		}
		paid, err = tx.OrderByID(ctx, o.ID)
		if err != nil {
			return Applied, errors.Wrap(err, "reload paid order")
		}
		return Applied, nil
	})
	if err != nil {
		return res, err
	}

	if res == Applied {
		*o = *paid
		r.firePaid(ctx, o)
	}
	return res, nil
}

func (r *Reconciler) firePaid(ctx context.Context, o *order.Order) {
	for _, fn := range r.onPaid {
		fn(ctx, o)
	}
}
