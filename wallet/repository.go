package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"gigescrow/db"
)

// PGLedger implements the custody ledger on wallet_balances/wallet_entries.
// Movements join the transaction carried by ctx, so a payout rolls back with
// the agreement update that triggered it.
type PGLedger struct {
	pool   db.Querier
	runner db.TxRunner
}

func NewPGLedger(pool db.Querier, runner db.TxRunner) *PGLedger {
	return &PGLedger{pool: pool, runner: runner}
}

// Credit mints amount into owner's balance (top-up from outside the system).
func (l *PGLedger) Credit(ctx context.Context, owner string, amount uint64, reference string) error {
	if owner == "" {
		return ErrMissingOwner
	}
	if amount == 0 || amount > math.MaxInt64 {
		return ErrInvalidAmount
	}
	return l.runner.InTx(ctx, func(ctx context.Context) error {
		if err := l.add(ctx, owner, amount); err != nil {
			return err
		}
		return l.appendEntry(ctx, "", owner, amount, ReasonTopUp, reference)
	})
}

func (l *PGLedger) Deposit(ctx context.Context, from string, amount uint64, reference string) error {
	return l.move(ctx, from, CustodyAccount, amount, ReasonDeposit, reference)
}

func (l *PGLedger) Payout(ctx context.Context, to string, amount uint64, reference string) error {
	return l.move(ctx, CustodyAccount, to, amount, ReasonPayout, reference)
}

func (l *PGLedger) Balance(ctx context.Context, owner string) (uint64, error) {
	var balance int64
	err := db.Conn(ctx, l.pool).QueryRow(ctx, `SELECT balance FROM wallet_balances WHERE owner = $1`, owner).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("wallet: balance: %w", err)
	}
	return uint64(balance), nil
}

func (l *PGLedger) Entries(ctx context.Context, reference string) ([]Entry, error) {
	const q = `
SELECT id, COALESCE(from_owner, ''), to_owner, amount, reason, reference, created_at
FROM wallet_entries
WHERE reference = $1
ORDER BY id
`
	rows, err := db.Conn(ctx, l.pool).Query(ctx, q, reference)
	if err != nil {
		return nil, fmt.Errorf("wallet: list entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 2)
	for rows.Next() {
		var (
			e      Entry
			amount int64
		)
		if err := rows.Scan(&e.ID, &e.From, &e.To, &amount, &e.Reason, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("wallet: scan entry: %w", err)
		}
		e.Amount = uint64(amount)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wallet: iterate entries: %w", err)
	}
	return out, nil
}

func (l *PGLedger) move(ctx context.Context, from, to string, amount uint64, reason, reference string) error {
	if from == "" || to == "" {
		return ErrMissingOwner
	}
	if amount == 0 {
		return nil
	}
	if amount > math.MaxInt64 {
		return ErrInvalidAmount
	}
	return l.runner.InTx(ctx, func(ctx context.Context) error {
		// lock both rows in a stable order so opposite moves cannot deadlock
		const lockSQL = `SELECT owner FROM wallet_balances WHERE owner = ANY($1) ORDER BY owner FOR UPDATE`
		rows, err := db.Conn(ctx, l.pool).Query(ctx, lockSQL, []string{from, to})
		if err != nil {
			return fmt.Errorf("wallet: lock balances: %w", err)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("wallet: lock balances: %w", err)
		}

		const debitSQL = `
UPDATE wallet_balances
SET balance = balance - $2, updated_at = now()
WHERE owner = $1 AND balance >= $2
`
		tag, err := db.Conn(ctx, l.pool).Exec(ctx, debitSQL, from, int64(amount))
		if err != nil {
			return fmt.Errorf("wallet: debit %s: %w", from, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientBalance
		}
		if err := l.add(ctx, to, amount); err != nil {
			return err
		}
		return l.appendEntry(ctx, from, to, amount, reason, reference)
	})
}

func (l *PGLedger) add(ctx context.Context, owner string, amount uint64) error {
	const q = `
INSERT INTO wallet_balances (owner, balance) VALUES ($1, $2)
ON CONFLICT (owner) DO UPDATE SET balance = wallet_balances.balance + EXCLUDED.balance, updated_at = now()
`
	if _, err := db.Conn(ctx, l.pool).Exec(ctx, q, owner, int64(amount)); err != nil {
		return fmt.Errorf("wallet: credit %s: %w", owner, err)
	}
	return nil
}

func (l *PGLedger) appendEntry(ctx context.Context, from, to string, amount uint64, reason, reference string) error {
	var fromArg any
	if from != "" {
		fromArg = from
	}
	const q = `INSERT INTO wallet_entries (from_owner, to_owner, amount, reason, reference) VALUES ($1, $2, $3, $4, $5)`
	if _, err := db.Conn(ctx, l.pool).Exec(ctx, q, fromArg, to, int64(amount), reason, reference); err != nil {
		return fmt.Errorf("wallet: append entry: %w", err)
	}
	return nil
}
