package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gigescrow/db"
)

// PendingStore is the outbox surface the relay drains.
type PendingStore interface {
	ClaimPending(ctx context.Context, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, maxAttempts int) error
}

// Publisher delivers one message to the downstream notification stream.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// RelayConfig tunes batch size, polling interval and the attempt budget before
// a message is parked as dead.
type RelayConfig struct {
	BatchSize   int
	Interval    time.Duration
	MaxAttempts int
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c
}

// Relay ships outbox rows to a Publisher at least once, in outbox order.
type Relay struct {
	runner db.TxRunner
	store  PendingStore
	pub    Publisher
	cfg    RelayConfig
	logger *slog.Logger
}

func NewRelay(runner db.TxRunner, store PendingStore, pub Publisher, cfg RelayConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		runner: runner,
		store:  store,
		pub:    pub,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "outbox-relay")),
	}
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		n, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Warn("relay batch failed", slog.String("error", err.Error()))
		}
		if n == r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and returns how many messages were handled.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	var handled int
	err := r.runner.InTx(ctx, func(ctx context.Context) error {
		msgs, err := r.store.ClaimPending(ctx, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			handled++
			if err := r.pub.Publish(ctx, msg); err != nil {
				r.logger.Warn("publish failed",
					slog.String("topic", msg.Topic),
					slog.String("event_id", msg.ID),
					slog.Int("attempts", msg.Attempts+1),
					slog.String("error", err.Error()),
				)
				if err := r.store.MarkFailed(ctx, msg.ID, r.cfg.MaxAttempts); err != nil {
					return err
				}
				continue
			}
			if err := r.store.MarkProcessed(ctx, msg.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return handled, fmt.Errorf("notify: relay batch: %w", err)
	}
	return handled, nil
}

// LogPublisher writes messages to the logger. Used when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, msg Message) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		slog.String("topic", msg.Topic),
		slog.String("key", msg.Key),
		slog.String("event_id", msg.ID),
		slog.String("payload", string(msg.Payload)),
	)
	return nil
}
