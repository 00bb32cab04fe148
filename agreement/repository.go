package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gigescrow/db"
)

var (
	// ErrNotFound is returned when no agreement exists for the identifier.
	ErrNotFound = errors.New("agreement: not found")
	// ErrDuplicateID signals an insert reused an allocated identifier.
	ErrDuplicateID = errors.New("agreement: duplicate id")
)

// Store persists agreements. It owns the id counter: ids start at 1, strictly
// increase and are never handed out twice, even when the caller rolls back.
type Store interface {
	NextID(ctx context.Context) (uint64, error)
	Insert(ctx context.Context, a Agreement) error
	// Get returns the agreement; inside a unit of work the row stays locked
	// until the work commits.
	Get(ctx context.Context, id uint64) (Agreement, error)
	Update(ctx context.Context, a Agreement) error
	List(ctx context.Context, filters ListFilters) ([]Agreement, int, error)
}

// Repository implements Store on the agreements table and agreement_ids sequence.
type Repository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *Repository {
	return &Repository{pool: pool}
}

const agreementColumns = `id, seller, buyer, price, paid, deadline, request_metadata, submission_metadata, withdrawn, refunded, reviewed, created_at`

func (r *Repository) NextID(ctx context.Context) (uint64, error) {
	var id int64
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT nextval('agreement_ids')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("agreement: next id: %w", err)
	}
	return uint64(id), nil
}

func (r *Repository) Insert(ctx context.Context, a Agreement) error {
	if a.ID == 0 {
		return fmt.Errorf("agreement: missing id")
	}
	const insertSQL = `
INSERT INTO agreements (id, seller, buyer, price, paid, deadline, request_metadata, submission_metadata, withdrawn, refunded, reviewed, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	_, err := db.Conn(ctx, r.pool).Exec(ctx, insertSQL,
		int64(a.ID),
		a.Seller,
		a.Buyer,
		int64(a.Price),
		int64(a.Paid),
		a.Deadline,
		a.RequestMetadata,
		a.SubmissionMetadata,
		a.Withdrawn,
		a.Refunded,
		a.Reviewed,
		a.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("agreement: insert: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uint64) (Agreement, error) {
	if id == 0 {
		return Agreement{}, ErrNotFound
	}
	query := `SELECT ` + agreementColumns + ` FROM agreements WHERE id = $1`
	if db.InTransaction(ctx) {
		query += ` FOR UPDATE`
	}

	a, err := scanAgreement(db.Conn(ctx, r.pool).QueryRow(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: query by id: %w", err)
	}
	return a, nil
}

// Update writes the mutable columns. Parties, price and deadline are fixed at creation.
func (r *Repository) Update(ctx context.Context, a Agreement) error {
	const updateSQL = `
UPDATE agreements
SET submission_metadata = $2,
    withdrawn = $3,
    refunded = $4,
    reviewed = $5
WHERE id = $1
`
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, updateSQL, int64(a.ID), a.SubmissionMetadata, a.Withdrawn, a.Refunded, a.Reviewed)
	if err != nil {
		return fmt.Errorf("agreement: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List pages through the agreements a party takes part in, newest first.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Agreement, int, error) {
	filters = filters.Normalize()

	where := `(buyer = $1 OR seller = $1)`
	switch filters.Role {
	case RoleBuyer:
		where = `buyer = $1`
	case RoleSeller:
		where = `seller = $1`
	}

	conn := db.Conn(ctx, r.pool)
	query := `SELECT ` + agreementColumns + ` FROM agreements WHERE ` + where + ` ORDER BY id DESC LIMIT $2 OFFSET $3`
	rows, err := conn.Query(ctx, query, filters.Party, filters.PageSize, (filters.Page-1)*filters.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("agreement: list: %w", err)
	}
	defer rows.Close()

	records := []Agreement{}
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("agreement: scan: %w", err)
		}
		records = append(records, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("agreement: iterate: %w", err)
	}

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM agreements WHERE `+where, filters.Party).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("agreement: count: %w", err)
	}
	return records, total, nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a     Agreement
		id    int64
		price int64
		paid  int64
	)
	if err := row.Scan(&id, &a.Seller, &a.Buyer, &price, &paid, &a.Deadline, &a.RequestMetadata, &a.SubmissionMetadata,
		&a.Withdrawn, &a.Refunded, &a.Reviewed, &a.CreatedAt); err != nil {
		return Agreement{}, err
	}
	a.ID = uint64(id)
	a.Price = uint64(price)
	a.Paid = uint64(paid)
	return a, nil
}
