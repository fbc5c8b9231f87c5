package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StreamWriter is the slice of the Redis client the relay needs.
type StreamWriter interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// OutboxRepo is the slice of OutboxRepository the relay needs.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

// RelayObserver is notified about every publish attempt.
type RelayObserver interface {
	ObserveRelay(eventType string, err error)
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// StreamMaxLen caps each stream approximately. Zero disables trimming.
	StreamMaxLen int64
}

// Relay moves outbox rows to Redis streams.
type Relay struct {
	streams  StreamWriter
	outbox   OutboxRepo
	observer RelayObserver
	logger   *slog.Logger
	cfg      RelayConfig
}

func NewRelay(outbox OutboxRepo, streams StreamWriter, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		streams: streams,
		outbox:  outbox,
		logger:  logger.With("component", "relay"),
		cfg:     cfg,
	}
}

func (r *Relay) SetObserver(o RelayObserver) {
	r.observer = o
}

// Start polls the outbox until ctx is cancelled. A full batch is followed
// by another read right away instead of waiting for the next tick.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
		"stream_max_len", r.cfg.StreamMaxLen)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r.drain(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.relayBatch(ctx)
		if err != nil {
			r.logger.Error("failed to relay batch", "error", err)
			return
		}
		if n < r.cfg.BatchSize {
			return
		}
	}
}

// relayBatch publishes one batch and returns how many rows it read.
// Individual publish failures are recorded on the row, not returned.
func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	batch, err := r.outbox.GetPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending events: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	failed := 0
	for _, event := range batch {
		if err := r.relay(ctx, event); err != nil {
			failed++
			r.logger.Warn("event not relayed",
				"event_id", event.ID,
				"aggregate_id", event.AggregateID,
				"retry_count", event.RetryCount,
				"error", err)
		}
	}

	r.logger.Debug("relayed batch", "count", len(batch), "failed", failed)
	return len(batch), nil
}

func (r *Relay) relay(ctx context.Context, event *OutboxEvent) error {
	err := r.publish(ctx, event)
	if r.observer != nil {
		r.observer.ObserveRelay(event.EventType, err)
	}

	if err != nil {
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			r.logger.Error("failed to record relay failure", "event_id", event.ID, "error", markErr)
		}
		return err
	}

	return r.outbox.MarkProcessed(ctx, event.ID)
}

func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	fields, err := event.Envelope().Fields()
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: event.TargetStream,
		Values: fields,
	}
	if r.cfg.StreamMaxLen > 0 {
		args.MaxLen = r.cfg.StreamMaxLen
		args.Approx = true
	}

	if err := r.streams.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}
