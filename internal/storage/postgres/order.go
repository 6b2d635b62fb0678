package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platewise/pos/internal/domain/order"
)

const orderColumns = `id, location_id, order_type, fulfillment_status, payment_status,
	payment_intent_ref, delivery_ref, subtotal, tax, tip, delivery_fee, total,
	paid_at, completed_at, created_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var (
	_ querier = (*pgxpool.Pool)(nil)
	_ querier = (pgx.Tx)(nil)
)

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o           order.Order
		intentRef   *string
		deliveryRef *string
	)
	err := row.Scan(
		&o.ID, &o.LocationID, &o.Type, &o.FulfillmentStatus, &o.PaymentStatus,
		&intentRef, &deliveryRef, &o.Subtotal, &o.Tax, &o.Tip, &o.DeliveryFee, &o.Total,
		&o.PaidAt, &o.CompletedAt, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrap(err, "scan order")
	}
	if intentRef != nil {
		o.PaymentIntentRef = *intentRef
	}
	if deliveryRef != nil {
		o.DeliveryRef = *deliveryRef
	}
	return &o, nil
}

func getOrderByID(ctx context.Context, q querier, id string) (*order.Order, error) {
	return scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func getOrderByDeliveryRef(ctx context.Context, q querier, ref string) (*order.Order, error) {
	return scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE delivery_ref = $1`, ref))
}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return getOrderByID(ctx, r.pool, id)
}

func (r *OrderRepository) GetByDeliveryRef(ctx context.Context, ref string) (*order.Order, error) {
	return getOrderByDeliveryRef(ctx, r.pool, ref)
}

// SetPaymentIntentRef records the processor reference for the first capture
// attempt. The column is set-once: when already populated the update is a
// no-op and the original reference survives.
func (r *OrderRepository) SetPaymentIntentRef(ctx context.Context, id, ref string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET payment_intent_ref = $2 WHERE id = $1 AND payment_intent_ref IS NULL`,
		id, ref,
	)
	if err != nil {
		return errors.Wrapf(err, "set payment intent ref for order %q", id)
	}
	if tag.RowsAffected() == 0 {
		return r.ensureExists(ctx, id)
	}
	return nil
}

// SetDeliveryRef assigns the courier reference once.
func (r *OrderRepository) SetDeliveryRef(ctx context.Context, id, ref string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET delivery_ref = $2 WHERE id = $1 AND delivery_ref IS NULL`,
		id, ref,
	)
	if err != nil {
		return errors.Wrapf(err, "set delivery ref for order %q", id)
	}
	if tag.RowsAffected() == 0 {
		if err := r.ensureExists(ctx, id); err != nil {
			return err
		}
		return order.ErrDeliveryRefSet
	}
	return nil
}

func (r *OrderRepository) ListDeliveryRefs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT delivery_ref FROM orders WHERE delivery_ref IS NOT NULL`)
	if err != nil {
		return nil, errors.Wrap(err, "list delivery refs")
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, errors.Wrap(err, "scan delivery ref")
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Create persists a new order. The ordering flow owns creation; this exists
// for that flow and for test seeding.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO orders (id, location_id, order_type, fulfillment_status, payment_status,
			subtotal, tax, tip, delivery_fee, total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.LocationID, o.Type, o.FulfillmentStatus, o.PaymentStatus,
		o.Subtotal, o.Tax, o.Tip, o.DeliveryFee, o.Total,
	)
	if err != nil {
		return errors.Wrapf(err, "create order %q", o.ID)
	}
	return nil
}

func (r *OrderRepository) ensureExists(ctx context.Context, id string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return errors.Wrapf(err, "check order %q", id)
	}
	if !exists {
		return order.ErrNotFound
	}
	return nil
}
