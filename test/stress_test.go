package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"gigescrow/agreement"
	"gigescrow/db"
	"gigescrow/escrow"
	"gigescrow/listing"
	"gigescrow/notify"
	"gigescrow/test/actors"
	"gigescrow/test/chaos"
	"gigescrow/test/infra"
	"gigescrow/test/oracles"
	"gigescrow/wallet"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent buyers")
	flSellers     = flag.Int("sellers", 3, "number of competing sellers")
	flReplicas    = flag.Int("replicas", 2, "escrow service instances sharing the database")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed
	master := rand.New(rand.NewSource(seed))

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	h, err := infra.NewHarness(ctx, *flDSN, int32(*flConcurrency*4 + 16))
	if err != nil {
		t.Skipf("no postgres available: %v", err)
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	pool := h.Pool()
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	publisher := chaos.NewFlakyPublisher(10, master.Int63())
	market := newMarket(pool, publisher, *flReplicas, logger)
	mustSeed(t, ctx, market, master)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	rngFor := func() *rand.Rand { return rand.New(rand.NewSource(master.Int63())) }

	for _, buyer := range market.Buyers {
		buyRNG, claimRNG := rngFor(), rngFor()
		g.Go(func() error { return actors.Buyer(ctx2, market, buyer, buyRNG, stop) })
		g.Go(func() error { return actors.Claimant(ctx2, market, buyer, claimRNG, stop) })
	}
	for _, seller := range market.Sellers {
		rng := rngFor()
		g.Go(func() error { return actors.Seller(ctx2, market, seller, rng, stop) })
	}
	fundRNG := rngFor()
	g.Go(func() error { return actors.Funder(ctx2, market, fundRNG, stop) })
	g.Go(func() error { return actors.RelayWorker(ctx2, market, stop) })
	g.Go(func() error { return actors.RelayWorker(ctx2, market, stop) })

	if *flChaos {
		chaosRNG := rngFor()
		go chaos.TerminateRandomBackend(ctx2, pool, infra.ApplicationName, chaosRNG, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var (
		failed       bool
		oracleErrors int
	)
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// a chaos kill can land on the oracle's own connection
				oracleErrors++
				if oracleErrors > 3 {
					t.Fatalf("oracle error: %v (seed=%d)", err, seed)
				}
				t.Logf("oracle %s retry: %v", name, err)
				continue
			}
			oracleErrors = 0
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	// final pass once every actor has quiesced
	name, row, err := oracles.Run(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("Oracle %s failed after quiesce. First row: %s (seed=%d)", name, row, seed)
	}

	published, dropped := publisher.Counts()
	t.Logf("seed=%d %s published=%d dropped=%d", seed, market.Stats, published, dropped)
	if market.Stats.Bought.Load() == 0 {
		t.Fatalf("no agreement was ever created (seed=%d)", seed)
	}
}

func newMarket(pool *pgxpool.Pool, pub notify.Publisher, replicas int, logger *slog.Logger) *actors.Market {
	runner := db.NewPGRunner(pool)
	listings := listing.NewRepository(pool)
	agreements := agreement.NewRepository(pool)
	ledger := wallet.NewPGLedger(pool, runner)
	outbox := notify.NewOutbox(pool)
	metrics := escrow.NewMetrics(prometheus.NewRegistry())

	m := &actors.Market{
		Listings: listing.NewRegistry(runner, listings, outbox),
		Ledger:   ledger,
		Relay: notify.NewRelay(runner, outbox, pub, notify.RelayConfig{
			BatchSize:   20,
			Interval:    100 * time.Millisecond,
			MaxAttempts: 3,
		}, logger),
		Stats: &actors.Stats{},
	}
	for i := 0; i < max(replicas, 1); i++ {
		m.Replicas = append(m.Replicas, escrow.NewService(escrow.Deps{
			Runner:     runner,
			Listings:   listings,
			Agreements: agreements,
			Custody:    ledger,
			Events:     outbox,
			Metrics:    metrics,
			Logger:     logger.With(slog.Int("replica", i)),
		}))
	}
	return m
}

func mustSeed(t *testing.T, ctx context.Context, m *actors.Market, rng *rand.Rand) {
	t.Helper()
	for i := 0; i < max(*flSellers, 1); i++ {
		seller := fmt.Sprintf("seller-%d-%d", i, rng.Int63())
		if _, err := m.Listings.SetListing(ctx, seller, listing.UpdateParams{
			Price:           uint64(5 + rng.Intn(20)),
			ProfileMetadata: "stress seller",
		}); err != nil {
			t.Fatalf("seed listing: %v", err)
		}
		if _, err := m.Listings.SetOpenSlots(ctx, seller, 3); err != nil {
			t.Fatalf("seed slots: %v", err)
		}
		m.Sellers = append(m.Sellers, seller)
	}
	for i := 0; i < max(*flConcurrency, 1); i++ {
		buyer := fmt.Sprintf("buyer-%d-%d", i, rng.Int63())
		if err := m.Ledger.Credit(ctx, buyer, 500, "seed"); err != nil {
			t.Fatalf("seed wallet: %v", err)
		}
		m.Buyers = append(m.Buyers, buyer)
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"agreements", `SELECT id, seller, buyer, price, paid, deadline, withdrawn, refunded, reviewed FROM agreements ORDER BY id DESC LIMIT 50`},
		{"listings", `SELECT seller, reputation, price, open_slots, updated_at FROM listings ORDER BY seller`},
		{"wallet_entries", `SELECT id, from_owner, to_owner, amount, reason, reference FROM wallet_entries ORDER BY id DESC LIMIT 50`},
		{"wallet_balances", `SELECT owner, balance FROM wallet_balances ORDER BY owner`},
		{"outbox", `SELECT id, topic, key, status, attempts, created_at FROM outbox ORDER BY seq DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
