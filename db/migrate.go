package db

import (
	"context"
	"fmt"
	"strings"

	"gigescrow/migrations"
)

// Migrate applies the embedded schema. Every statement is idempotent so it is
// safe to run on each start.
func Migrate(ctx context.Context, q Querier) error {
	sql, err := migrations.All()
	if err != nil {
		return err
	}
	if strings.TrimSpace(sql) == "" {
		return fmt.Errorf("db: no migrations to apply")
	}
	if _, err := q.Exec(ctx, sql); err != nil {
		return fmt.Errorf("db: apply migrations: %w", err)
	}
	return nil
}
