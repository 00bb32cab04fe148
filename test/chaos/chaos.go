package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gigescrow/notify"
)

// ErrInjected is returned by FlakyPublisher when it drops a message.
var ErrInjected = errors.New("chaos: injected publish failure")

// TerminateRandomBackend periodically kills one backend tagged with appName,
// never the connection issuing the kill.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, rng *rand.Rand, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(5) != 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                                   WHERE datname = current_database()
                                     AND application_name = $1
                                     AND pid <> pg_backend_pid()
                                   ORDER BY random() LIMIT 1`, appName)
		}
	}
}

// FlakyPublisher fails roughly one publish in every FailEvery, pushing outbox
// rows through retries and into the dead state.
type FlakyPublisher struct {
	FailEvery int

	mu        sync.Mutex
	rng       *rand.Rand
	published int
	failed    int
}

func NewFlakyPublisher(failEvery int, seed int64) *FlakyPublisher {
	return &FlakyPublisher{FailEvery: failEvery, rng: rand.New(rand.NewSource(seed))}
}

func (p *FlakyPublisher) Publish(_ context.Context, _ notify.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailEvery > 0 && p.rng.Intn(p.FailEvery) == 0 {
		p.failed++
		return ErrInjected
	}
	p.published++
	return nil
}

// Counts returns how many messages were accepted and dropped.
func (p *FlakyPublisher) Counts() (published, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.failed
}
