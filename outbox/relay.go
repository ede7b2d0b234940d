package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Relay moves pending messages from a Store to a Publisher.
type Relay struct {
	store       Store
	publisher   Publisher
	logger      *zap.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

// RelayConfig tunes polling.
type RelayConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// NewRelay builds a Relay. Zero config values fall back to defaults.
func NewRelay(store Store, publisher Publisher, logger *zap.Logger, cfg RelayConfig) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:       store,
		publisher:   publisher,
		logger:      logger.Named("outbox"),
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("relay pass failed", zap.Error(err))
			}
		}
	}
}

// Drain processes batches until a pass claims nothing or only failures
// remain, and returns the accumulated result.
func (r *Relay) Drain(ctx context.Context) (BatchResult, error) {
	var total BatchResult
	for {
		res, err := r.store.ProcessBatch(ctx, r.batchSize, r.maxAttempts, r.publish)
		total.Processed += res.Processed
		total.Failed += res.Failed
		total.Dead += res.Dead
		if err != nil {
			return total, err
		}
		if res.Total() < r.batchSize || res.Processed == 0 {
			return total, nil
		}
	}
}

func (r *Relay) publish(ctx context.Context, msg Message) error {
	if err := r.publisher.Publish(ctx, msg); err != nil {
		r.logger.Warn("publish failed",
			zap.String("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.Int("attempts", msg.Attempts+1),
			zap.Error(err),
		)
		return err
	}
	return nil
}
