package wallet

import (
	"context"
	"math"
	"sync"
	"time"

	"gigescrow/db"
)

// MemoryLedger keeps balances and entries in process memory.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]uint64
	entries  []Entry
	runner   db.TxRunner
	now      func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]uint64),
		now:      time.Now,
	}
}

// WithRunner makes top-ups join the runner's units of work, so a rollback of
// an unrelated unit cannot restore a snapshot taken before the top-up.
func (l *MemoryLedger) WithRunner(runner db.TxRunner) *MemoryLedger {
	l.runner = runner
	return l
}

func (l *MemoryLedger) Credit(ctx context.Context, owner string, amount uint64, reference string) error {
	if owner == "" {
		return ErrMissingOwner
	}
	if amount == 0 || amount > math.MaxInt64 {
		return ErrInvalidAmount
	}
	if l.runner == nil {
		return l.credit(owner, amount, reference)
	}
	return l.runner.InTx(ctx, func(context.Context) error {
		return l.credit(owner, amount, reference)
	})
}

func (l *MemoryLedger) credit(owner string, amount uint64, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[owner] > math.MaxInt64-amount {
		return ErrInvalidAmount
	}
	l.balances[owner] += amount
	l.appendEntry("", owner, amount, ReasonTopUp, reference)
	return nil
}

func (l *MemoryLedger) Deposit(ctx context.Context, from string, amount uint64, reference string) error {
	return l.move(from, CustodyAccount, amount, ReasonDeposit, reference)
}

func (l *MemoryLedger) Payout(ctx context.Context, to string, amount uint64, reference string) error {
	return l.move(CustodyAccount, to, amount, ReasonPayout, reference)
}

func (l *MemoryLedger) Balance(_ context.Context, owner string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[owner], nil
}

func (l *MemoryLedger) Entries(_ context.Context, reference string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, 2)
	for _, e := range l.entries {
		if e.Reference == reference {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *MemoryLedger) Snapshot() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	balances := make(map[string]uint64, len(l.balances))
	for k, v := range l.balances {
		balances[k] = v
	}
	n := len(l.entries)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.balances = balances
		l.entries = l.entries[:n]
	}
}

func (l *MemoryLedger) move(from, to string, amount uint64, reason, reference string) error {
	if from == "" || to == "" {
		return ErrMissingOwner
	}
	if amount == 0 {
		return nil
	}
	if amount > math.MaxInt64 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return ErrInsufficientBalance
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	l.appendEntry(from, to, amount, reason, reference)
	return nil
}

func (l *MemoryLedger) appendEntry(from, to string, amount uint64, reason, reference string) {
	l.entries = append(l.entries, Entry{
		ID:        int64(len(l.entries) + 1),
		From:      from,
		To:        to,
		Amount:    amount,
		Reason:    reason,
		Reference: reference,
		CreatedAt: l.now().UTC(),
	})
}
