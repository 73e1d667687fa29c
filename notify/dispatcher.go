// Package notify delivers committed ledger events from the transactional
// outbox to read-only subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scopeledger/agreement"
)

// Source is an outbox the dispatcher can drain.
type Source interface {
	ProcessOutbox(ctx context.Context, limit, maxAttempts int, fn agreement.OutboxHandler) (int, error)
}

// Subscriber reacts to a committed event. Errors are retried by the
// dispatcher and never reach the ledger.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, e agreement.Event) error
}

// Config controls polling.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		Interval:    time.Second,
		BatchSize:   100,
		MaxAttempts: 5,
	}
}

// Dispatcher polls a Source and fans each message out to every subscriber.
type Dispatcher struct {
	source      Source
	subscribers []Subscriber
	cfg         Config
	logger      *slog.Logger
}

func NewDispatcher(source Source, cfg Config, logger *slog.Logger, subscribers ...Subscriber) *Dispatcher {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		source:      source,
		subscribers: subscribers,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run drains the outbox every Interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("outbox dispatcher started",
		slog.Duration("interval", d.cfg.Interval),
		slog.Int("subscribers", len(d.subscribers)),
	)
	for {
		if _, err := d.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox drain failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Drain processes batches until the outbox has nothing left to deliver.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := d.source.ProcessOutbox(ctx, d.cfg.BatchSize, d.cfg.MaxAttempts, d.deliver)
		total += n
		if err != nil {
			return total, err
		}
		if n < d.cfg.BatchSize {
			return total, nil
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg agreement.OutboxMessage) error {
	e, err := agreement.DecodeEvent(msg)
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range d.subscribers {
		if err := sub.Handle(ctx, e); err != nil {
			d.logger.Warn("subscriber failed",
				slog.String("subscriber", sub.Name()),
				slog.String("topic", msg.Topic),
				slog.String("message_id", msg.ID),
				slog.Int("attempt", msg.Attempts+1),
				slog.Any("err", err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", sub.Name(), err))
		}
	}
	return errors.Join(errs...)
}
