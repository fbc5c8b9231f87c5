package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/stories-scraper/internal/config"
	"github.com/maltedev/stories-scraper/internal/events"
	"github.com/maltedev/stories-scraper/pkg/logger"
)

// stream-tail follows the product stream through a consumer group and
// prints each relayed event as one JSON line.
func main() {
	var (
		group      = flag.String("group", "stream-tail", "Consumer group name")
		consumer   = flag.String("consumer", "tail-1", "Consumer name within the group")
		from       = flag.String("from", "$", "Start ID when the group is created ($ for new entries, 0 for all)")
		count      = flag.Int64("count", 10, "Entries per read")
		configFile = flag.String("config", "", "Site YAML file (default $SITE_CONFIG or config/stories.yaml)")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down...")
		cancel()
	}()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	t := &tail{
		rdb:      rdb,
		stream:   cfg.Redis.Stream,
		group:    *group,
		consumer: *consumer,
		count:    *count,
		out:      json.NewEncoder(os.Stdout),
		logger:   logger.With("component", "stream-tail", "stream", cfg.Redis.Stream),
	}

	if err := t.ensureGroup(ctx, *from); err != nil {
		log.Fatalf("Failed to create consumer group: %v", err)
	}

	if err := t.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("tail stopped", "error", err)
		os.Exit(1)
	}
}

type tail struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	count    int64
	out      *json.Encoder
	logger   *slog.Logger
}

type line struct {
	EntryID     string          `json:"entry_id"`
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	CreatedAt   time.Time       `json:"created_at"`
	RetryCount  int             `json:"retry_count,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func (t *tail) ensureGroup(ctx context.Context, from string) error {
	err := t.rdb.XGroupCreateMkStream(ctx, t.stream, t.group, from).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (t *tail) run(ctx context.Context) error {
	t.logger.Info("following stream", "group", t.group, "consumer", t.consumer)

	for {
		streams, err := t.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.group,
			Consumer: t.consumer,
			Streams:  []string{t.stream, ">"},
			Count:    t.count,
			Block:    5 * time.Second,
		}).Result()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			t.logger.Error("failed to read stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				t.handle(msg)
				if err := t.rdb.XAck(ctx, t.stream, t.group, msg.ID).Err(); err != nil {
					t.logger.Error("failed to acknowledge entry", "entry_id", msg.ID, "error", err)
				}
			}
		}
	}
}

// handle prints one entry. Entries that do not decode are logged and
// still acknowledged so they are not redelivered forever.
func (t *tail) handle(msg redis.XMessage) {
	env, err := events.Decode(msg.Values)
	if err != nil {
		t.logger.Warn("skipping undecodable entry", "entry_id", msg.ID, "error", err)
		return
	}

	if err := t.out.Encode(line{
		EntryID:     msg.ID,
		EventID:     env.ID,
		Type:        env.Type,
		AggregateID: env.AggregateID,
		CreatedAt:   env.CreatedAt,
		RetryCount:  env.RetryCount,
		Payload:     env.Payload,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
	}
}
