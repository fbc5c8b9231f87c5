package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/stories-scraper/internal/clock"
	"github.com/maltedev/stories-scraper/internal/events"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusProcessed = "processed"
	// OutboxStatusFailed rows are retried once next_retry_at passes.
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxRetryCount failures move an event to the dead letter state.
	MaxRetryCount = 5

	maxRetryBackoff = 5 * time.Minute
)

var (
	ErrInvalidEvent  = errors.New("invalid outbox event")
	ErrEventNotFound = errors.New("outbox event not found")
)

// OutboxEvent is one row of outbox_event. It is written in the same
// transaction as the product change it describes.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        string          `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

// NewOutboxEvent marshals payload into a pending event.
func NewOutboxEvent(aggregateType, aggregateID string, eventType events.EventType, payload any) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     string(eventType),
		Payload:       raw,
	}, nil
}

// Envelope converts the row into its stream form.
func (e *OutboxEvent) Envelope() events.Envelope {
	return events.Envelope{
		ID:            e.ID.String(),
		Type:          e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Stream:        e.TargetStream,
		Payload:       e.Payload,
		RetryCount:    e.RetryCount,
		CreatedAt:     e.CreatedAt,
	}
}

func (e *OutboxEvent) validate() error {
	switch {
	case e.AggregateType == "":
		return fmt.Errorf("%w: aggregate type is required", ErrInvalidEvent)
	case e.EventType == "":
		return fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: payload is required", ErrInvalidEvent)
	case !json.Valid(e.Payload):
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEvent)
	}
	return nil
}

type OutboxRepository struct {
	db     *DB
	clock  clock.Clock
	stream string
}

func NewOutboxRepository(db *DB, clk clock.Clock, stream string) *OutboxRepository {
	if clk == nil {
		clk = clock.Real{}
	}
	if stream == "" {
		stream = events.DefaultStream
	}
	return &OutboxRepository{db: db, clock: clk, stream: stream}
}

// prepare fills defaults and validates the event before it is written.
func (r *OutboxRepository) prepare(event *OutboxEvent) error {
	if err := event.validate(); err != nil {
		return err
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.TargetStream == "" {
		event.TargetStream = r.stream
	}

	now := r.clock.Now()
	event.CreatedAt = now
	if event.NextRetryAt == nil {
		event.NextRetryAt = &now
	}
	return nil
}

// InsertWithTx writes event inside the caller's transaction.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if err := r.prepare(event); err != nil {
		return err
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_event (id, aggregate_type, aggregate_id, event_type,
			payload, target_stream, status, retry_count, created_at, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType,
		event.Payload, event.TargetStream, event.Status, event.RetryCount,
		event.CreatedAt, event.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return nil
}

// GetPending returns events whose next attempt is due, oldest first.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type,
			payload, target_stream, status, retry_count,
			error_message, created_at, processed_at, next_retry_at
		FROM outbox_event
		WHERE status IN ($1, $2) AND next_retry_at <= $3
		ORDER BY created_at
		LIMIT $4`,
		OutboxStatusPending, OutboxStatusFailed, r.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending events: %w", err)
	}

	pending, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEvent])
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending events: %w", err)
	}
	return pending, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.pool.Exec(ctx,
		`UPDATE outbox_event SET status = $1, processed_at = $2, error_message = NULL WHERE id = $3`,
		OutboxStatusProcessed, r.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return nil
}

// MarkFailed records the error and schedules a retry, or dead-letters the
// event once MaxRetryCount is reached. The row is locked while the next
// attempt is computed.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, processErr error) error {
	return pgx.BeginFunc(ctx, r.db.pool, func(tx pgx.Tx) error {
		var retries int
		err := tx.QueryRow(ctx,
			`SELECT retry_count FROM outbox_event WHERE id = $1 FOR UPDATE`, id).Scan(&retries)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock outbox event: %w", err)
		}

		retries++
		status, next := nextAttempt(r.clock.Now(), retries)

		_, err = tx.Exec(ctx, `
			UPDATE outbox_event
			SET status = $1, retry_count = $2, error_message = $3, next_retry_at = $4
			WHERE id = $5`,
			status, retries, processErr.Error(), next, id)
		if err != nil {
			return fmt.Errorf("failed to mark event as failed: %w", err)
		}
		return nil
	})
}

// PendingCount returns the number of events still waiting to be relayed.
func (r *OutboxRepository) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM outbox_event WHERE status IN ($1, $2)`

	if err := r.db.pool.QueryRow(ctx, query, OutboxStatusPending, OutboxStatusFailed).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get pending count: %w", err)
	}
	return count, nil
}

// DeadLetterCount returns the number of events that gave up retrying.
func (r *OutboxRepository) DeadLetterCount(ctx context.Context) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM outbox_event WHERE status = $1`

	if err := r.db.pool.QueryRow(ctx, query, OutboxStatusDeadLetter).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get dead letter count: %w", err)
	}
	return count, nil
}

// nextAttempt returns the status and retry time after the given failure count.
func nextAttempt(now time.Time, retryCount int) (string, time.Time) {
	status := OutboxStatusFailed
	if retryCount >= MaxRetryCount {
		status = OutboxStatusDeadLetter
	}
	return status, now.Add(retryBackoff(retryCount))
}

// retryBackoff doubles per failure: 2s, 4s, 8s ... capped at five minutes.
func retryBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 16 {
		return maxRetryBackoff
	}
	backoff := time.Duration(1<<retryCount) * time.Second
	if backoff > maxRetryBackoff {
		return maxRetryBackoff
	}
	return backoff
}
