package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"gigescrow/agreement"
	"gigescrow/auth"
	"gigescrow/config"
	"gigescrow/db"
	"gigescrow/escrow"
	"gigescrow/listing"
	"gigescrow/logging"
	"gigescrow/notify"
	"gigescrow/wallet"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to $GIGESCROW_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, logCloser := logging.Setup("gigescrow", cfg.Env, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gigescrow stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// backend bundles the stores behind one storage mode.
type backend struct {
	runner     db.TxRunner
	listings   listing.Store
	agreements agreement.Store
	ledger     Ledger
	accounts   auth.Repository
	events     notify.Emitter
	pending    notify.PendingStore
	close      func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage; state is lost on restart")
		return newMemoryBackend(), nil
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("database schema up to date")
	}

	runner := db.NewPGRunner(pool)
	outbox := notify.NewOutbox(pool)
	return &backend{
		runner:     runner,
		listings:   listing.NewRepository(pool),
		agreements: agreement.NewRepository(pool),
		ledger:     wallet.NewPGLedger(pool, runner),
		accounts:   auth.NewRepository(pool),
		events:     outbox,
		pending:    outbox,
		close:      pool.Close,
	}, nil
}

func newMemoryBackend() *backend {
	listings := listing.NewMemoryStore()
	agreements := agreement.NewMemoryStore()
	ledger := wallet.NewMemoryLedger()
	stream := notify.NewMemoryStream()
	runner := db.NewMemoryRunner(listings, agreements, ledger, stream)
	ledger.WithRunner(runner)
	return &backend{
		runner:     runner,
		listings:   listings,
		agreements: agreements,
		ledger:     ledger,
		accounts:   auth.NewMemoryRepository(),
		events:     stream,
		pending:    stream,
		close:      func() {},
	}
}

// openDirectoryCache connects to Redis when configured. An unreachable Redis
// is logged and the directory is served straight from storage.
func openDirectoryCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (listing.DirectoryCache, func() error) {
	noop := func() error { return nil }
	if cfg.Redis.Addr == "" {
		return nil, noop
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, directory cache disabled",
			slog.String("addr", cfg.Redis.Addr),
			slog.String("error", err.Error()),
		)
		_ = client.Close()
		return nil, noop
	}
	logger.Info("directory cache enabled", slog.String("addr", cfg.Redis.Addr))
	return listing.NewRedisCache(client, cfg.Redis.DirectoryTTL, logger), client.Close
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (notify.Publisher, func() error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return notify.LogPublisher{Logger: logger}, func() error { return nil }
	}
	pub := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	return pub, pub.Close
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	authService := auth.NewService(be.accounts, cfg.Auth.JWTSecret).
		WithAdmins(cfg.Auth.AdminEmails...).
		WithTokenTTL(cfg.Auth.TokenTTL)
	listingRegistry := listing.NewRegistry(be.runner, be.listings, be.events)
	cache, closeCache := openDirectoryCache(ctx, cfg, logger)
	defer closeCache()
	if cache != nil {
		listingRegistry.WithCache(cache)
	}
	escrowService := escrow.NewService(escrow.Deps{
		Runner:     be.runner,
		Listings:   be.listings,
		Agreements: be.agreements,
		Custody:    be.ledger,
		Events:     be.events,
		Metrics:    escrow.NewMetrics(registry),
		Logger:     logger,
	})

	publisher, closePublisher := newPublisher(cfg, logger)
	defer closePublisher()
	relay := notify.NewRelay(be.runner, be.pending, publisher, notify.RelayConfig{
		BatchSize:   cfg.Relay.BatchSize,
		Interval:    cfg.Relay.Interval,
		MaxAttempts: cfg.Relay.MaxAttempts,
	}, logger)

	server := NewServer(authService, listingRegistry, escrowService, be.ledger, logger).
		WithAuthLimit(cfg.Limits.AuthPerMinute, cfg.Limits.AuthBurst)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      otelhttp.NewHandler(server.Routes(registry), "gigescrow"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.Server.Addr), slog.String("storage", cfg.Storage))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
