package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// stressImage is the Postgres the harness boots when no database is supplied.
const stressImage = "postgres:16-alpine"

// Harness owns the Postgres the stress run talks to: a caller supplied DSN,
// a throwaway container, or a recreated local database, in that order.
type Harness struct {
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
	Shared    bool
}

// NewHarness resolves a database and applies the embedded schema. A shared
// database (dsn flag or STRESS_TEST_PG_DSN) gets an isolated schema.
func NewHarness(ctx context.Context, dsn string, maxConns int32) (*Harness, error) {
	h := &Harness{}

	switch {
	case dsn != "":
		h.dsn, h.Shared = dsn, true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		h.dsn, h.Shared = os.Getenv("STRESS_TEST_PG_DSN"), true
	case dockerAvailable(ctx):
		if err := h.startContainer(ctx); err != nil {
			return nil, err
		}
	default:
		localDSN, err := InitLocalDatabase(ctx)
		if err != nil {
			return nil, err
		}
		h.dsn = localDSN
	}

	pool, teardown, err := ApplyMigrations(ctx, h.dsn, maxConns, h.Shared)
	if err != nil {
		_ = h.stopContainer(ctx)
		return nil, err
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close drops the isolated schema, closes the pool and stops the container.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if termErr := h.stopContainer(ctx); termErr != nil && err == nil {
		err = termErr
	}
	return err
}

// Reset truncates mutable tables and restarts the id sequence for a clean
// epoch. TRUNCATE does not fire the agreements delete guard.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"wallet_entries",
		"wallet_balances",
		"agreements",
		"listings",
		"accounts",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("infra: reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("infra: truncate %s: %w", tbl, err)
		}
	}
	if _, err := tx.Exec(ctx, "ALTER SEQUENCE agreement_ids RESTART WITH 1"); err != nil {
		return fmt.Errorf("infra: restart agreement ids: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("infra: reset commit: %w", err)
	}
	return nil
}

// startContainer boots a disposable Postgres with the stress role as owner, so
// the harness needs no local superuser.
func (h *Harness) startContainer(ctx context.Context) error {
	c, err := postgres.Run(ctx, stressImage,
		postgres.WithDatabase(stressDatabase),
		postgres.WithUsername(stressRole),
		postgres.WithPassword(stressPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return fmt.Errorf("infra: start %s: %w", stressImage, err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return fmt.Errorf("infra: container dsn: %w", err)
	}
	h.container, h.dsn = c, dsn
	return nil
}

func (h *Harness) stopContainer(ctx context.Context) error {
	if h.container == nil {
		return nil
	}
	c := h.container
	h.container = nil
	return c.Terminate(ctx)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
