package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gigescrow/db"
)

// ErrNotFound signals the seller has never published a listing.
var ErrNotFound = errors.New("listing: not found")

// Store persists listings keyed by seller identity.
type Store interface {
	// Get returns the listing for seller. Inside a unit of work the row stays
	// locked until the work commits.
	Get(ctx context.Context, seller string) (Listing, error)
	Put(ctx context.Context, l Listing) error
	List(ctx context.Context, filters ListFilters) ([]Listing, error)
}

// Repository implements Store on the listings table.
type Repository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *Repository {
	return &Repository{pool: pool}
}

const listingColumns = `seller, reputation, price, delivery_estimate_seconds, profile_metadata, open_slots, updated_at`

func (r *Repository) Get(ctx context.Context, seller string) (Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE seller = $1`
	if db.InTransaction(ctx) {
		query += ` FOR UPDATE`
	}

	l, err := scanListing(db.Conn(ctx, r.pool).QueryRow(ctx, query, seller))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: query by seller: %w", err)
	}
	return l, nil
}

func (r *Repository) Put(ctx context.Context, l Listing) error {
	if l.Seller == "" {
		return fmt.Errorf("listing: missing seller")
	}
	const upsertSQL = `
INSERT INTO listings (seller, reputation, price, delivery_estimate_seconds, profile_metadata, open_slots, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (seller) DO UPDATE
SET reputation = EXCLUDED.reputation,
    price = EXCLUDED.price,
    delivery_estimate_seconds = EXCLUDED.delivery_estimate_seconds,
    profile_metadata = EXCLUDED.profile_metadata,
    open_slots = EXCLUDED.open_slots,
    updated_at = EXCLUDED.updated_at
`
	_, err := db.Conn(ctx, r.pool).Exec(ctx, upsertSQL,
		l.Seller,
		l.Reputation,
		int64(l.Price),
		int64(l.DeliveryEstimate/time.Second),
		l.ProfileMetadata,
		int32(l.OpenSlots),
		l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("listing: upsert: %w", err)
	}
	return nil
}

// List returns up to filters.Limit listings ordered by reputation.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Listing, error) {
	limit := normalizeLimit(filters.Limit)

	query := `SELECT ` + listingColumns + ` FROM listings`
	if filters.OnlyOpen {
		query += ` WHERE open_slots > 0`
	}
	query += ` ORDER BY reputation DESC, seller ASC LIMIT $1`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing: list: %w", err)
	}
	defer rows.Close()

	out := make([]Listing, 0, limit)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate: %w", err)
	}
	return out, nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var (
		l         Listing
		price     int64
		estimate  int64
		openSlots int32
	)
	if err := row.Scan(&l.Seller, &l.Reputation, &price, &estimate, &l.ProfileMetadata, &openSlots, &l.UpdatedAt); err != nil {
		return Listing{}, err
	}
	l.Price = uint64(price)
	l.DeliveryEstimate = time.Duration(estimate) * time.Second
	l.OpenSlots = uint16(openSlots)
	return l, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}
