package database

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/stories-scraper/internal/events"
)

// fakeStreams records XADD calls and fails for the listed aggregate ids.
type fakeStreams struct {
	mu    sync.Mutex
	added []*redis.XAddArgs
	fail  map[string]bool
}

func (f *fakeStreams) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewStringCmd(ctx)
	fields, _ := args.Values.(map[string]any)
	if id, _ := fields["aggregate_id"].(string); f.fail[id] {
		cmd.SetErr(errors.New("READONLY replica"))
		return cmd
	}
	f.added = append(f.added, args)
	cmd.SetVal("1700000000000-0")
	return cmd
}

// fakeOutbox serves queued batches in order and records state changes.
type fakeOutbox struct {
	mu        sync.Mutex
	batches   [][]*OutboxEvent
	readErr   error
	reads     int
	processed []uuid.UUID
	failed    map[uuid.UUID]error
}

func (f *fakeOutbox) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func (f *fakeOutbox) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeOutbox) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = map[uuid.UUID]error{}
	}
	f.failed[id] = err
	return nil
}

type countingObserver struct {
	mu  sync.Mutex
	ok  int
	err int
}

func (o *countingObserver) ObserveRelay(eventType string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.err++
		return
	}
	o.ok++
}

func upserted(productID string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: events.AggregateProduct,
		AggregateID:   productID,
		EventType:     string(events.EventTypeProductUpserted),
		Payload:       json.RawMessage(`{"product_id":"` + productID + `"}`),
		TargetStream:  events.DefaultStream,
		CreatedAt:     time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestRelay_RelayBatch(t *testing.T) {
	tests := []struct {
		name          string
		batch         []*OutboxEvent
		failing       map[string]bool
		wantProcessed int
		wantFailed    int
	}{
		{
			name:          "all published",
			batch:         []*OutboxEvent{upserted("otherstories_1"), upserted("otherstories_2")},
			wantProcessed: 2,
		},
		{
			name:       "publish failure is recorded on the row",
			batch:      []*OutboxEvent{upserted("otherstories_1")},
			failing:    map[string]bool{"otherstories_1": true},
			wantFailed: 1,
		},
		{
			name:          "one failure does not stop the batch",
			batch:         []*OutboxEvent{upserted("otherstories_1"), upserted("otherstories_2"), upserted("otherstories_3")},
			failing:       map[string]bool{"otherstories_2": true},
			wantProcessed: 2,
			wantFailed:    1,
		},
		{
			name: "empty batch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outbox := &fakeOutbox{batches: [][]*OutboxEvent{tt.batch}}
			streams := &fakeStreams{fail: tt.failing}
			observer := &countingObserver{}

			relay := NewRelay(outbox, streams, slog.Default(), RelayConfig{BatchSize: 10})
			relay.SetObserver(observer)

			n, err := relay.relayBatch(context.Background())
			require.NoError(t, err)
			assert.Equal(t, len(tt.batch), n)

			assert.Len(t, outbox.processed, tt.wantProcessed)
			assert.Len(t, outbox.failed, tt.wantFailed)
			assert.Len(t, streams.added, tt.wantProcessed)
			assert.Equal(t, tt.wantProcessed, observer.ok)
			assert.Equal(t, tt.wantFailed, observer.err)

			for _, err := range outbox.failed {
				assert.ErrorContains(t, err, "failed to publish to redis")
			}
		})
	}
}

func TestRelay_RelayBatchReadError(t *testing.T) {
	outbox := &fakeOutbox{readErr: errors.New("connection reset by peer")}
	relay := NewRelay(outbox, &fakeStreams{}, slog.Default(), RelayConfig{})

	_, err := relay.relayBatch(context.Background())
	assert.ErrorContains(t, err, "connection reset by peer")
}

func TestRelay_DrainReadsUntilShortBatch(t *testing.T) {
	outbox := &fakeOutbox{batches: [][]*OutboxEvent{
		{upserted("otherstories_1"), upserted("otherstories_2")},
		{upserted("otherstories_3")},
		{upserted("otherstories_4")},
	}}
	streams := &fakeStreams{}
	relay := NewRelay(outbox, streams, slog.Default(), RelayConfig{BatchSize: 2})

	relay.drain(context.Background())

	assert.Equal(t, 2, outbox.reads)
	assert.Len(t, outbox.processed, 3)
	assert.Len(t, streams.added, 3)
	assert.Len(t, outbox.batches, 1, "the last batch waits for the next tick")
}

func TestRelay_Publish(t *testing.T) {
	t.Run("fields come from the envelope", func(t *testing.T) {
		streams := &fakeStreams{}
		relay := NewRelay(&fakeOutbox{}, streams, slog.Default(), RelayConfig{})

		event := upserted("otherstories_42")
		require.NoError(t, relay.publish(context.Background(), event))

		require.Len(t, streams.added, 1)
		args := streams.added[0]
		assert.Equal(t, events.DefaultStream, args.Stream)
		assert.Zero(t, args.MaxLen)

		env, err := events.Decode(args.Values.(map[string]any))
		require.NoError(t, err)
		assert.Equal(t, event.ID.String(), env.ID)
		assert.Equal(t, "otherstories_42", env.AggregateID)
	})

	t.Run("approximate trimming", func(t *testing.T) {
		streams := &fakeStreams{}
		relay := NewRelay(&fakeOutbox{}, streams, slog.Default(), RelayConfig{StreamMaxLen: 50000})

		require.NoError(t, relay.publish(context.Background(), upserted("otherstories_1")))
		require.Len(t, streams.added, 1)
		assert.Equal(t, int64(50000), streams.added[0].MaxLen)
		assert.True(t, streams.added[0].Approx)
	})

	t.Run("malformed payload never reaches redis", func(t *testing.T) {
		streams := &fakeStreams{}
		relay := NewRelay(&fakeOutbox{}, streams, slog.Default(), RelayConfig{})

		event := upserted("otherstories_1")
		event.Payload = json.RawMessage(`{"product_id":`)

		assert.Error(t, relay.publish(context.Background(), event))
		assert.Empty(t, streams.added)
	})
}

func TestRelay_StartReturnsOnCancel(t *testing.T) {
	outbox := &fakeOutbox{}
	relay := NewRelay(outbox, &fakeStreams{}, slog.Default(), RelayConfig{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Start(ctx) }()

	require.Eventually(t, func() bool {
		outbox.mu.Lock()
		defer outbox.mu.Unlock()
		return outbox.reads >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay kept running after cancel")
	}
}
