package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gigescrow/db"
	"gigescrow/notify"
)

var (
	// ErrMissingCaller signals an operation without an authenticated identity.
	ErrMissingCaller = errors.New("listing: missing caller identity")
	// ErrNegativeEstimate signals a delivery estimate below zero.
	ErrNegativeEstimate = errors.New("listing: delivery estimate must not be negative")
)

// UpdateParams carries the seller-editable listing fields.
type UpdateParams struct {
	Price            uint64
	DeliveryEstimate time.Duration
	ProfileMetadata  string
}

// Registry owns caller-scoped listing mutations. Reputation and open slots
// survive listing edits.
type Registry struct {
	runner db.TxRunner
	store  Store
	events notify.Emitter
	cache  DirectoryCache
	now    func() time.Time
}

func NewRegistry(runner db.TxRunner, store Store, events notify.Emitter) *Registry {
	return &Registry{
		runner: runner,
		store:  store,
		events: events,
		now:    time.Now,
	}
}

func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// WithCache serves directory pages through cache. Escrow-driven slot and
// reputation changes do not invalidate it, so pages can lag by one TTL.
func (r *Registry) WithCache(cache DirectoryCache) *Registry {
	r.cache = cache
	return r
}

// SetListing upserts the caller's price, delivery estimate and profile.
func (r *Registry) SetListing(ctx context.Context, caller string, params UpdateParams) (Listing, error) {
	if caller == "" {
		return Listing{}, ErrMissingCaller
	}
	if params.DeliveryEstimate < 0 {
		return Listing{}, ErrNegativeEstimate
	}

	var out Listing
	err := r.runner.InTx(ctx, func(ctx context.Context) error {
		l, err := GetOrNew(ctx, r.store, caller)
		if err != nil {
			return err
		}
		now := r.now()
		l.Price = params.Price
		l.DeliveryEstimate = params.DeliveryEstimate
		l.ProfileMetadata = params.ProfileMetadata
		l.UpdatedAt = now.UTC()

		if err := r.store.Put(ctx, l); err != nil {
			return err
		}
		if err := r.events.Emit(ctx, notify.NewEvent(notify.TopicListingChanged, l.Seller, l.Payload(), now)); err != nil {
			return fmt.Errorf("listing: emit changed: %w", err)
		}
		out = l
		return nil
	})
	if err != nil {
		return Listing{}, err
	}
	r.invalidate(ctx)
	return out, nil
}

// SetOpenSlots replaces the caller's open slot count. No upper bound is
// enforced; the seller owns the risk of over-committing.
func (r *Registry) SetOpenSlots(ctx context.Context, caller string, count uint16) (Listing, error) {
	if caller == "" {
		return Listing{}, ErrMissingCaller
	}

	var out Listing
	err := r.runner.InTx(ctx, func(ctx context.Context) error {
		l, err := GetOrNew(ctx, r.store, caller)
		if err != nil {
			return err
		}
		now := r.now()
		l.OpenSlots = count
		l.UpdatedAt = now.UTC()

		if err := r.store.Put(ctx, l); err != nil {
			return err
		}
		if err := r.events.Emit(ctx, notify.NewEvent(notify.TopicCapacityChanged, l.Seller, l.Payload(), now)); err != nil {
			return fmt.Errorf("listing: emit capacity: %w", err)
		}
		out = l
		return nil
	})
	if err != nil {
		return Listing{}, err
	}
	r.invalidate(ctx)
	return out, nil
}

func (r *Registry) Get(ctx context.Context, seller string) (Listing, error) {
	return r.store.Get(ctx, seller)
}

func (r *Registry) List(ctx context.Context, filters ListFilters) ([]Listing, error) {
	if r.cache == nil {
		return r.store.List(ctx, filters)
	}
	page, gen, ok := r.cache.Get(ctx, filters)
	if ok {
		return page, nil
	}
	page, err := r.store.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	r.cache.Put(ctx, gen, filters, page)
	return page, nil
}

func (r *Registry) invalidate(ctx context.Context) {
	if r.cache != nil {
		r.cache.Invalidate(ctx)
	}
}

// GetOrNew loads seller's listing or returns the zero listing owned by seller.
func GetOrNew(ctx context.Context, store Store, seller string) (Listing, error) {
	l, err := store.Get(ctx, seller)
	switch {
	case err == nil:
		return l, nil
	case errors.Is(err, ErrNotFound):
		return Listing{Seller: seller}, nil
	default:
		return Listing{}, err
	}
}
