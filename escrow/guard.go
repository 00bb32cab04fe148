package escrow

import (
	"context"
	"sync"
)

type guardKey struct{}

// guard serializes custody-moving operations. A call that already holds the
// guard (its ctx carries the token) is refused instead of blocking forever.
type guard struct {
	mu sync.Mutex
}

func (g *guard) acquire(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(guardKey{}) == g {
		return ctx, func() {}, ErrReentrantCall
	}
	g.mu.Lock()
	var once sync.Once
	release := func() { once.Do(g.mu.Unlock) }
	return context.WithValue(ctx, guardKey{}, g), release, nil
}
