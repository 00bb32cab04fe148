package notify

import (
	"context"
	"fmt"

	"gigescrow/db"
)

// Outbox is the Postgres-backed notification stream. Rows are written inside
// the caller's transaction and later shipped by a Relay.
type Outbox struct {
	pool db.Querier
}

func NewOutbox(pool db.Querier) *Outbox {
	return &Outbox{pool: pool}
}

func (o *Outbox) Emit(ctx context.Context, evt Event) error {
	msg, err := encode(evt)
	if err != nil {
		return err
	}

	const q = `INSERT INTO outbox (id, topic, key, payload, created_at) VALUES ($1, $2, $3, $4::jsonb, $5)`
	if _, err := db.Conn(ctx, o.pool).Exec(ctx, q, msg.ID, msg.Topic, msg.Key, msg.Payload, msg.CreatedAt); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}

// ClaimPending locks up to limit pending rows for the surrounding transaction.
func (o *Outbox) ClaimPending(ctx context.Context, limit int) ([]Message, error) {
	const q = `
SELECT id::text, topic, key, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY seq
FOR UPDATE SKIP LOCKED
LIMIT $1
`
	rows, err := db.Conn(ctx, o.pool).Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: claim pending: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Key, &msg.Payload, &msg.Attempts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan outbox: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate outbox: %w", err)
	}
	return out, nil
}

func (o *Outbox) MarkProcessed(ctx context.Context, id string) error {
	const q = `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`
	if _, err := db.Conn(ctx, o.pool).Exec(ctx, q, id); err != nil {
		return fmt.Errorf("notify: mark processed: %w", err)
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id string, maxAttempts int) error {
	const q = `
UPDATE outbox
SET attempts = attempts + 1,
    last_attempt = now(),
    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE status END
WHERE id = $1
`
	if _, err := db.Conn(ctx, o.pool).Exec(ctx, q, id, maxAttempts); err != nil {
		return fmt.Errorf("notify: mark failed: %w", err)
	}
	return nil
}
