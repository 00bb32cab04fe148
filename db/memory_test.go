package db

import (
	"context"
	"errors"
	"testing"
)

type counterStore struct {
	n int
}

func (c *counterStore) Snapshot() func() {
	saved := c.n
	return func() { c.n = saved }
}

func TestMemoryRunner_RestoresOnError(t *testing.T) {
	store := &counterStore{n: 1}
	runner := NewMemoryRunner(store)

	err := runner.InTx(context.Background(), func(ctx context.Context) error {
		store.n = 42
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if store.n != 1 {
		t.Fatalf("expected state restored to 1, got %d", store.n)
	}

	if err := runner.InTx(context.Background(), func(ctx context.Context) error {
		store.n = 7
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.n != 7 {
		t.Fatalf("expected committed value 7, got %d", store.n)
	}
}

func TestMemoryRunner_NestedDoesNotDeadlock(t *testing.T) {
	store := &counterStore{}
	runner := NewMemoryRunner(store)

	err := runner.InTx(context.Background(), func(ctx context.Context) error {
		return runner.InTx(ctx, func(ctx context.Context) error {
			store.n++
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.n != 1 {
		t.Fatalf("expected 1, got %d", store.n)
	}
}
