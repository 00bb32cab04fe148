package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gigescrow/agreement"
	"gigescrow/db"
	"gigescrow/listing"
	"gigescrow/notify"
)

// Custody moves funds between parties and the escrow custody account. Both
// calls join the unit of work carried by ctx.
type Custody interface {
	Deposit(ctx context.Context, from string, amount uint64, reference string) error
	Payout(ctx context.Context, to string, amount uint64, reference string) error
}

// BuyParams describes a buyer's request against a seller's listing. Payment is
// collected into custody in full; anything above the listing price stays there.
type BuyParams struct {
	Seller          string
	Deadline        time.Time
	RequestMetadata string
	Payment         uint64
}

// Deps wires the orchestrator to its stores.
type Deps struct {
	Runner     db.TxRunner
	Listings   listing.Store
	Agreements agreement.Store
	Custody    Custody
	Events     notify.Emitter
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Service runs buy, refund, withdraw and review. Every call is one unit of
// work; custody-moving calls additionally hold the reentrancy guard.
type Service struct {
	runner     db.TxRunner
	listings   listing.Store
	agreements agreement.Store
	custody    Custody
	events     notify.Emitter
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
	guard      guard
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runner:     deps.Runner,
		listings:   deps.Listings,
		agreements: deps.Agreements,
		custody:    deps.Custody,
		events:     deps.Events,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Buy locks payment in custody and records a new agreement against the
// seller's listing, consuming one open slot.
func (s *Service) Buy(ctx context.Context, caller string, params BuyParams) (id uint64, err error) {
	started := time.Now()
	defer func() { s.metrics.observe("buy", started, err) }()

	if caller == "" {
		return 0, ErrMissingCaller
	}
	ctx, release, err := s.guard.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		if caller == params.Seller {
			return ErrInvalidParty
		}
		seller, err := listing.GetOrNew(ctx, s.listings, params.Seller)
		if err != nil {
			return err
		}
		now := s.now()
		if !params.Deadline.After(now.Add(seller.DeliveryEstimate)) {
			return ErrDeadlineTooSoon
		}
		if params.Payment < seller.Price {
			return ErrInsufficientPayment
		}
		if seller.OpenSlots == 0 {
			return ErrNoCapacity
		}

		newID, err := s.agreements.NextID(ctx)
		if err != nil {
			return err
		}
		if err := s.custody.Deposit(ctx, caller, params.Payment, reference(newID)); err != nil {
			return fmt.Errorf("%w: deposit: %w", ErrTransferFailed, err)
		}

		rec := agreement.Agreement{
			ID:              newID,
			Seller:          seller.Seller,
			Buyer:           caller,
			Price:           seller.Price,
			Paid:            params.Payment,
			Deadline:        params.Deadline.UTC(),
			RequestMetadata: params.RequestMetadata,
			CreatedAt:       now.UTC(),
		}
		if err := s.agreements.Insert(ctx, rec); err != nil {
			return err
		}

		seller.OpenSlots--
		seller.UpdatedAt = now.UTC()
		if err := s.listings.Put(ctx, seller); err != nil {
			return err
		}

		if err := s.emit(ctx, notify.TopicAgreementCreated, reference(rec.ID), rec.Payload(), now); err != nil {
			return err
		}
		if err := s.emit(ctx, notify.TopicCapacityChanged, seller.Seller, seller.Payload(), now); err != nil {
			return err
		}
		id = rec.ID
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.metrics.custody("in", params.Payment)
	s.logger.InfoContext(ctx, "agreement created",
		slog.Uint64("agreement_id", id),
		slog.String("seller", params.Seller),
		slog.String("buyer", caller),
		slog.Uint64("paid", params.Payment),
	)
	return id, nil
}

// Refund returns the price to the buyer once the deadline has lapsed without
// delivery and counts against the seller's reputation.
func (s *Service) Refund(ctx context.Context, caller string, id uint64) (err error) {
	started := time.Now()
	defer func() { s.metrics.observe("refund", started, err) }()

	var rec agreement.Agreement
	err = s.resolve(ctx, caller, id, func(ctx context.Context, a *agreement.Agreement, now time.Time) error {
		if a.Buyer != caller {
			return ErrNotBuyer
		}
		if a.Resolved() {
			return ErrAlreadyResolved
		}
		if !now.After(a.Deadline) {
			return ErrDeadlineNotPassed
		}
		// unreachable while withdraw marks the agreement resolved
		if a.SubmissionMetadata != "" {
			return ErrAlreadyDelivered
		}

		a.Refunded = true
		a.Reviewed = true
		if err := s.adjustReputation(ctx, a.Seller, -1, now); err != nil {
			return err
		}
		if err := s.agreements.Update(ctx, *a); err != nil {
			return err
		}
		if err := s.emit(ctx, notify.TopicAgreementRefunded, reference(a.ID), a.Payload(), now); err != nil {
			return err
		}
		if err := s.custody.Payout(ctx, a.Buyer, a.Price, reference(a.ID)); err != nil {
			return fmt.Errorf("%w: refund: %w", ErrTransferFailed, err)
		}
		rec = *a
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.custody("out", rec.Price)
	s.logger.InfoContext(ctx, "agreement refunded",
		slog.Uint64("agreement_id", rec.ID),
		slog.String("buyer", rec.Buyer),
		slog.Uint64("amount", rec.Price),
	)
	return nil
}

// Withdraw releases the price to the seller on delivery. It is only open
// until the deadline.
func (s *Service) Withdraw(ctx context.Context, caller string, id uint64, submissionMetadata string) (err error) {
	started := time.Now()
	defer func() { s.metrics.observe("withdraw", started, err) }()

	var rec agreement.Agreement
	err = s.resolve(ctx, caller, id, func(ctx context.Context, a *agreement.Agreement, now time.Time) error {
		if a.Seller != caller {
			return ErrNotSeller
		}
		if a.Resolved() {
			return ErrAlreadyResolved
		}
		if now.After(a.Deadline) {
			return ErrDeadlinePassed
		}

		a.Withdrawn = true
		a.SubmissionMetadata = submissionMetadata
		if err := s.agreements.Update(ctx, *a); err != nil {
			return err
		}
		if err := s.emit(ctx, notify.TopicAgreementWithdrew, reference(a.ID), a.Payload(), now); err != nil {
			return err
		}
		if err := s.custody.Payout(ctx, a.Seller, a.Price, reference(a.ID)); err != nil {
			return fmt.Errorf("%w: withdraw: %w", ErrTransferFailed, err)
		}
		rec = *a
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.custody("out", rec.Price)
	s.logger.InfoContext(ctx, "agreement withdrawn",
		slog.Uint64("agreement_id", rec.ID),
		slog.String("seller", rec.Seller),
		slog.Uint64("amount", rec.Price),
	)
	return nil
}

// Review records the buyer's single verdict on the seller. It moves no funds
// and is allowed regardless of deadline or resolution.
func (s *Service) Review(ctx context.Context, caller string, id uint64, positive bool) (err error) {
	started := time.Now()
	defer func() { s.metrics.observe("review", started, err) }()

	if caller == "" {
		return ErrMissingCaller
	}
	return s.runner.InTx(ctx, func(ctx context.Context) error {
		a, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if a.Buyer != caller {
			return ErrNotBuyer
		}
		if a.Reviewed {
			return ErrAlreadyReviewed
		}

		now := s.now()
		delta := int64(-1)
		if positive {
			delta = 1
		}
		a.Reviewed = true
		if err := s.adjustReputation(ctx, a.Seller, delta, now); err != nil {
			return err
		}
		if err := s.agreements.Update(ctx, a); err != nil {
			return err
		}
		payload := a.Payload()
		payload["positive"] = positive
		return s.emit(ctx, notify.TopicAgreementReviewed, reference(a.ID), payload, now)
	})
}

// Agreement returns a stored agreement.
func (s *Service) Agreement(ctx context.Context, id uint64) (agreement.Agreement, error) {
	return s.load(ctx, id)
}

// List pages through the agreements a party takes part in.
func (s *Service) List(ctx context.Context, filters agreement.ListFilters) ([]agreement.Agreement, int, error) {
	if filters.Party == "" {
		return nil, 0, ErrMissingCaller
	}
	return s.agreements.List(ctx, filters)
}

type resolution func(ctx context.Context, a *agreement.Agreement, now time.Time) error

// resolve runs fn against a locked agreement under the guard and inside a
// single unit of work.
func (s *Service) resolve(ctx context.Context, caller string, id uint64, fn resolution) error {
	if caller == "" {
		return ErrMissingCaller
	}
	ctx, release, err := s.guard.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.runner.InTx(ctx, func(ctx context.Context) error {
		a, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, &a, s.now())
	})
}

func (s *Service) load(ctx context.Context, id uint64) (agreement.Agreement, error) {
	if id == 0 {
		return agreement.Agreement{}, ErrAgreementNotFound
	}
	a, err := s.agreements.Get(ctx, id)
	if err != nil {
		if errors.Is(err, agreement.ErrNotFound) {
			return agreement.Agreement{}, ErrAgreementNotFound
		}
		return agreement.Agreement{}, err
	}
	return a, nil
}

func (s *Service) adjustReputation(ctx context.Context, seller string, delta int64, now time.Time) error {
	l, err := listing.GetOrNew(ctx, s.listings, seller)
	if err != nil {
		return err
	}
	l.Reputation += delta
	l.UpdatedAt = now.UTC()
	return s.listings.Put(ctx, l)
}

func (s *Service) emit(ctx context.Context, topic, key string, payload map[string]any, now time.Time) error {
	if err := s.events.Emit(ctx, notify.NewEvent(topic, key, payload, now)); err != nil {
		return fmt.Errorf("escrow: emit %s: %w", topic, err)
	}
	return nil
}

func reference(id uint64) string {
	return strconv.FormatUint(id, 10)
}
