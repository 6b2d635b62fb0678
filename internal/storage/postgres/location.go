package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platewise/pos/internal/domain/payment"
)

var _ payment.LocationDirectory = (*LocationRepository)(nil)

// LocationRepository resolves restaurant locations and their connected
// payout accounts.
type LocationRepository struct {
	pool *pgxpool.Pool
}

// NewLocationRepository returns a LocationRepository that uses the given pool.
func NewLocationRepository(pool *pgxpool.Pool) *LocationRepository {
	return &LocationRepository{pool: pool}
}

// PayoutAccount returns the location's connected account reference and
// whether charges are enabled on it. A location without a connected account
// returns an empty reference.
func (r *LocationRepository) PayoutAccount(ctx context.Context, locationID string) (string, bool, error) {
	var (
		ref     *string
		enabled bool
	)
	err := r.pool.QueryRow(ctx,
		`SELECT payout_account_ref, charges_enabled FROM locations WHERE id = $1`,
		locationID,
	).Scan(&ref, &enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "load location %q", locationID)
	}
	if ref == nil {
		return "", false, nil
	}
	return *ref, enabled, nil
}
