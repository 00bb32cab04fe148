package agreement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gigescrow/db"
)

// TestRepository_Integration connects to a real PostgreSQL via DATABASE_URL and
// exercises the sequence, row locking and paging behavior of the repository.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// agreements cannot be deleted, so every run uses fresh identities
	suffix := time.Now().UnixNano()
	seller := fmt.Sprintf("seller-%d", suffix)
	buyer := fmt.Sprintf("buyer-%d", suffix)

	repo := NewRepository(pool)
	runner := db.NewPGRunner(pool)

	first, err := repo.NextID(ctx)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if first == 0 {
		t.Fatalf("expected non-zero id")
	}

	rec := Agreement{
		ID:              first,
		Seller:          seller,
		Buyer:           buyer,
		Price:           100,
		Paid:            120,
		Deadline:        time.Now().Add(48 * time.Hour).UTC().Truncate(time.Microsecond),
		RequestMetadata: "three logo drafts",
		CreatedAt:       time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := repo.Insert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.Insert(ctx, rec); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID on reinsert, got %v", err)
	}

	// Update inside a unit of work reads the row FOR UPDATE.
	err = runner.InTx(ctx, func(ctx context.Context) error {
		got, err := repo.Get(ctx, first)
		if err != nil {
			return err
		}
		got.Withdrawn = true
		got.SubmissionMetadata = "drafts.zip"
		return repo.Update(ctx, got)
	})
	if err != nil {
		t.Fatalf("withdraw update: %v", err)
	}

	got, err := repo.Get(ctx, first)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Withdrawn || got.SubmissionMetadata != "drafts.zip" || got.Paid != 120 || got.Price != 100 {
		t.Fatalf("unexpected agreement after update: %+v", got)
	}

	// A rolled back allocation burns its id.
	var burned uint64
	sentinel := errors.New("abort")
	err = runner.InTx(ctx, func(ctx context.Context) error {
		burned, err = repo.NextID(ctx)
		if err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	next, err := repo.NextID(ctx)
	if err != nil {
		t.Fatalf("next id after rollback: %v", err)
	}
	if next <= burned || burned <= first {
		t.Fatalf("expected strictly increasing ids, got first=%d burned=%d next=%d", first, burned, next)
	}

	records, total, err := repo.List(ctx, ListFilters{Party: buyer, Role: RoleBuyer})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(records) != 1 || records[0].ID != first {
		t.Fatalf("unexpected list result: total=%d records=%+v", total, records)
	}

	if _, err := repo.Get(ctx, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for id 0, got %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM agreements WHERE id = $1`, int64(first)); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
}
