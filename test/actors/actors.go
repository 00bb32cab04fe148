package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"gigescrow/agreement"
	"gigescrow/escrow"
	"gigescrow/listing"
	"gigescrow/notify"
	"gigescrow/wallet"
)

// checkViolation is the SQLSTATE raised when a write breaks a CHECK constraint.
const checkViolation = "23514"

// Stats counts what the actors observed over a run.
type Stats struct {
	Bought      atomic.Int64
	Withdrawn   atomic.Int64
	Refunded    atomic.Int64
	Reviewed    atomic.Int64
	Rejected    atomic.Int64
	Underfunded atomic.Int64
	Noise       atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("bought=%d withdrawn=%d refunded=%d reviewed=%d rejected=%d underfunded=%d noise=%d",
		s.Bought.Load(), s.Withdrawn.Load(), s.Refunded.Load(), s.Reviewed.Load(),
		s.Rejected.Load(), s.Underfunded.Load(), s.Noise.Load())
}

// Market is what the actors drive. Replicas model several API processes over
// one database, each with its own in-process reentrancy guard, so row locks
// are the only thing keeping them apart.
type Market struct {
	Replicas []*escrow.Service
	Listings *listing.Registry
	Ledger   *wallet.PGLedger
	Relay    *notify.Relay
	Sellers  []string
	Buyers   []string
	Stats    *Stats

	resolved sync.Map
}

func (m *Market) replica(rng *rand.Rand) *escrow.Service {
	return m.Replicas[rng.Intn(len(m.Replicas))]
}

// settle records a successful resolution and fails if the agreement was
// already resolved by someone else.
func (m *Market) settle(id uint64, op string) error {
	if prev, loaded := m.resolved.LoadOrStore(id, op); loaded {
		return fmt.Errorf("agreement %d resolved twice: %s then %s", id, prev, op)
	}
	return nil
}

// check sorts an operation error into expected contention and real breaches.
// Connection failures from chaos are counted and tolerated.
func (m *Market) check(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == checkViolation {
		return fmt.Errorf("%s: constraint breached: %w", op, err)
	}
	switch {
	case escrow.IsRejection(err):
		m.Stats.Rejected.Add(1)
	case errors.Is(err, escrow.ErrTransferFailed):
		m.Stats.Underfunded.Add(1)
	default:
		m.Stats.Noise.Add(1)
	}
	return nil
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Buyer keeps buying from random sellers with short deadlines and the odd
// overpayment, racing every other buyer for the same slots.
func Buyer(ctx context.Context, m *Market, buyer string, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		seller := m.Sellers[rng.Intn(len(m.Sellers))]
		l, err := m.Listings.Get(ctx, seller)
		if err != nil {
			if err := m.check("buy", err); err != nil {
				return err
			}
			pause(rng, 20, 30)
			continue
		}

		params := escrow.BuyParams{
			Seller:          seller,
			Deadline:        time.Now().Add(200*time.Millisecond + time.Duration(rng.Intn(2000))*time.Millisecond),
			RequestMetadata: fmt.Sprintf("job-%d", rng.Int63()),
			Payment:         l.Price + uint64(rng.Intn(3)),
		}
		if rng.Intn(10) == 0 {
			params.Payment = l.Price / 2
		}
		_, err = m.replica(rng).Buy(ctx, buyer, params)
		if err == nil {
			m.Stats.Bought.Add(1)
		} else if err := m.check("buy", err); err != nil {
			return err
		}
		pause(rng, 10, 30)
	}
}

// Seller delivers on open agreements, reopens capacity and reprices now and
// then. Delivery races the buyer's refund once the deadline nears.
func Seller(ctx context.Context, m *Market, seller string, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}

		switch rng.Intn(10) {
		case 0:
			_, err := m.Listings.SetListing(ctx, seller, listing.UpdateParams{
				Price:           uint64(5 + rng.Intn(20)),
				ProfileMetadata: fmt.Sprintf("profile-%d", rng.Intn(100)),
			})
			if err := m.check("set_listing", err); err != nil {
				return err
			}
		case 1, 2:
			_, err := m.Listings.SetOpenSlots(ctx, seller, uint16(rng.Intn(6)))
			if err := m.check("set_open_slots", err); err != nil {
				return err
			}
		default:
			if err := deliver(ctx, m, seller, rng); err != nil {
				return err
			}
		}
		pause(rng, 20, 40)
	}
}

func deliver(ctx context.Context, m *Market, seller string, rng *rand.Rand) error {
	svc := m.replica(rng)
	open, _, err := svc.List(ctx, agreement.ListFilters{Party: seller, Role: agreement.RoleSeller, PageSize: 50})
	if err != nil {
		return m.check("list", err)
	}
	for _, a := range open {
		if a.Resolved() || rng.Intn(2) == 0 {
			continue
		}
		err := m.replica(rng).Withdraw(ctx, seller, a.ID, fmt.Sprintf("delivery-%d", a.ID))
		if err == nil {
			m.Stats.Withdrawn.Add(1)
			if err := m.settle(a.ID, "withdraw"); err != nil {
				return err
			}
			continue
		}
		if err := m.check("withdraw", err); err != nil {
			return err
		}
	}
	return nil
}

// Claimant is the buyer's follow-up: refund lapsed agreements and leave a
// verdict on anything not yet reviewed.
func Claimant(ctx context.Context, m *Market, buyer string, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		svc := m.replica(rng)
		mine, _, err := svc.List(ctx, agreement.ListFilters{Party: buyer, Role: agreement.RoleBuyer, PageSize: 50})
		if err != nil {
			if err := m.check("list", err); err != nil {
				return err
			}
			pause(rng, 50, 50)
			continue
		}

		now := time.Now()
		for _, a := range mine {
			switch {
			case !a.Resolved() && now.After(a.Deadline):
				err := m.replica(rng).Refund(ctx, buyer, a.ID)
				if err == nil {
					m.Stats.Refunded.Add(1)
					if err := m.settle(a.ID, "refund"); err != nil {
						return err
					}
					continue
				}
				if err := m.check("refund", err); err != nil {
					return err
				}
			case !a.Reviewed && rng.Intn(3) == 0:
				err := m.replica(rng).Review(ctx, buyer, a.ID, rng.Intn(2) == 0)
				if err == nil {
					m.Stats.Reviewed.Add(1)
					continue
				}
				if err := m.check("review", err); err != nil {
					return err
				}
			}
		}
		pause(rng, 50, 100)
	}
}

// Funder tops up buyers whose balance runs low so buying never stalls.
func Funder(ctx context.Context, m *Market, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		buyer := m.Buyers[rng.Intn(len(m.Buyers))]
		balance, err := m.Ledger.Balance(ctx, buyer)
		if err != nil {
			if err := m.check("balance", err); err != nil {
				return err
			}
		} else if balance < 100 {
			err := m.Ledger.Credit(ctx, buyer, uint64(200+rng.Intn(300)), fmt.Sprintf("topup-%d", rng.Int63()))
			if err := m.check("credit", err); err != nil {
				return err
			}
		}
		pause(rng, 30, 40)
	}
}

// RelayWorker drains the outbox through the relay while the other actors
// keep appending to it.
func RelayWorker(ctx context.Context, m *Market, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		n, err := m.Relay.RunOnce(ctx)
		if err := m.check("relay", err); err != nil {
			return err
		}
		if n == 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}
}
