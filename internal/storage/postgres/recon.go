package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platewise/pos/internal/domain/order"
	"github.com/platewise/pos/internal/domain/recon"
)

var _ recon.Store = (*ReconStore)(nil)

// ReconStore binds the idempotency ledger and the conditional order updates
// into single short transactions. The ledger insert and the mutation commit
// or roll back together, so a crash mid-apply leaves the event unrecorded
// and the provider's retry reprocesses it from scratch.
type ReconStore struct {
	pool *pgxpool.Pool
}

// NewReconStore returns a ReconStore that uses the given pool.
func NewReconStore(pool *pgxpool.Pool) *ReconStore {
	return &ReconStore{pool: pool}
}

// ApplyOnce inserts the event into the ledger and, when this delivery is the
// first, runs apply in the same transaction. A concurrent delivery of the
// same event blocks on the ledger insert until the first commits, then
// observes the conflict and returns AlreadyApplied without reapplying.
func (s *ReconStore) ApplyOnce(ctx context.Context, source recon.Source, eventID, orderRef string,
	apply func(ctx context.Context, tx recon.OrderTx) (recon.Result, error),
) (recon.Result, error) {
	var res recon.Result
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO applied_events (source, external_event_id, order_id)
			VALUES ($1, $2, NULLIF($3, ''))
			ON CONFLICT (source, external_event_id) DO NOTHING`,
			string(source), eventID, orderRef,
		)
		if err != nil {
			return errors.Wrap(err, "record applied event")
		}
		if tag.RowsAffected() == 0 {
			res = recon.AlreadyApplied
			return nil
		}

		res, err = apply(ctx, &orderTx{tx: tx})
		return err
	})
	if err != nil {
		return res, errors.Wrap(err, "apply once")
	}
	return res, nil
}

// Run executes apply transactionally without touching the ledger.
func (s *ReconStore) Run(ctx context.Context,
	apply func(ctx context.Context, tx recon.OrderTx) (recon.Result, error),
) (recon.Result, error) {
	var res recon.Result
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		res, err = apply(ctx, &orderTx{tx: tx})
		return err
	})
	if err != nil {
		return res, errors.Wrap(err, "run")
	}
	return res, nil
}

var _ recon.OrderTx = (*orderTx)(nil)

// orderTx exposes the conditional mutations inside one transaction. Every
// status write is a single UPDATE guarded by the allowed source statuses, so
// the directionality check and the write cannot race.
type orderTx struct {
	tx pgx.Tx
}

func (t *orderTx) OrderByID(ctx context.Context, id string) (*order.Order, error) {
	return getOrderByID(ctx, t.tx, id)
}

func (t *orderTx) OrderByDeliveryRef(ctx context.Context, ref string) (*order.Order, error) {
	return getOrderByDeliveryRef(ctx, t.tx, ref)
}

func (t *orderTx) SetPaymentStatus(ctx context.Context, id string, to order.PaymentStatus) (bool, error) {
	sources := statusStrings(order.PaymentSources(to))
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders
		SET payment_status = $2,
			paid_at = CASE WHEN $2 = 'paid' THEN COALESCE(paid_at, now()) ELSE paid_at END
		WHERE id = $1 AND payment_status = ANY($3)`,
		id, string(to), sources,
	)
	if err != nil {
		return false, errors.Wrapf(err, "set payment status for order %q", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *orderTx) SetFulfillmentStatus(ctx context.Context, id string, to order.FulfillmentStatus, stampCompleted bool) (bool, error) {
	sources := fulfillmentStrings(order.FulfillmentSources(to))
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders
		SET fulfillment_status = $2,
			completed_at = CASE WHEN $4 THEN COALESCE(completed_at, now()) ELSE completed_at END
		WHERE id = $1 AND fulfillment_status = ANY($3)`,
		id, string(to), sources, stampCompleted,
	)
	if err != nil {
		return false, errors.Wrapf(err, "set fulfillment status for order %q", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *orderTx) SetChargesEnabled(ctx context.Context, accountRef string, enabled bool) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE locations SET charges_enabled = $2 WHERE payout_account_ref = $1`,
		accountRef, enabled,
	)
	if err != nil {
		return false, errors.Wrapf(err, "set charges enabled for account %q", accountRef)
	}
	return tag.RowsAffected() > 0, nil
}

func statusStrings(in []order.PaymentStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func fulfillmentStrings(in []order.FulfillmentStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
