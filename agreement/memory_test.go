package agreement

import (
	"context"
	"errors"
	"testing"
	"time"

	"gigescrow/db"
)

func TestMemoryStore_IDsSurviveRollback(t *testing.T) {
	store := NewMemoryStore()
	runner := db.NewMemoryRunner(store)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := runner.InTx(ctx, func(ctx context.Context) error {
		id, err := store.NextID(ctx)
		if err != nil {
			return err
		}
		if err := store.Insert(ctx, Agreement{ID: id, Seller: "s", Buyer: "b"}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if _, err := store.Get(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rolled back agreement to vanish, got %v", err)
	}

	id, _ := store.NextID(ctx)
	if id != 2 {
		t.Fatalf("expected id 2 after burned id 1, got %d", id)
	}
}

func TestMemoryStore_UpdateKeepsTerms(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	deadline := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := store.Insert(ctx, Agreement{ID: 1, Seller: "s", Buyer: "b", Price: 10, Deadline: deadline}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Insert(ctx, Agreement{ID: 1}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	if err := store.Update(ctx, Agreement{ID: 1, Price: 999, Refunded: true, Reviewed: true}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := store.Get(ctx, 1)
	if got.Price != 10 || !got.Deadline.Equal(deadline) || got.Seller != "s" {
		t.Fatalf("expected terms to stay fixed, got %+v", got)
	}
	if !got.Refunded || !got.Reviewed || !got.Resolved() {
		t.Fatalf("expected flags to update, got %+v", got)
	}
	if err := store.Update(ctx, Agreement{ID: 7}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListPaging(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		buyer := "alice"
		if i%2 == 0 {
			buyer = "bob"
		}
		_ = store.Insert(ctx, Agreement{ID: i, Seller: "carol", Buyer: buyer})
	}

	records, total, err := store.List(ctx, ListFilters{Party: "alice", Role: RoleBuyer, PageSize: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(records) != 2 || records[0].ID != 5 || records[1].ID != 3 {
		t.Fatalf("unexpected first page: total=%d %+v", total, records)
	}

	records, _, _ = store.List(ctx, ListFilters{Party: "alice", Role: RoleBuyer, Page: 2, PageSize: 2})
	if len(records) != 1 || records[0].ID != 1 {
		t.Fatalf("unexpected second page: %+v", records)
	}

	_, total, _ = store.List(ctx, ListFilters{Party: "carol"})
	if total != 5 {
		t.Fatalf("expected seller to see all 5, got %d", total)
	}
	records, total, _ = store.List(ctx, ListFilters{Party: "carol", Role: RoleBuyer, Page: 3})
	if total != 0 || len(records) != 0 {
		t.Fatalf("expected empty result, got total=%d %+v", total, records)
	}
}
