package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/stories-scraper/internal/clock"
	"github.com/maltedev/stories-scraper/internal/events"
	"github.com/maltedev/stories-scraper/internal/models"
)

const DefaultProductTable = "products"

// ProductRepository persists product records and writes a change event to
// the outbox in the same transaction as every mutation.
type ProductRepository struct {
	db     *DB
	outbox *OutboxRepository
	clock  clock.Clock
	table  string
	logger *slog.Logger
}

type ProductRepositoryOptions struct {
	Table  string
	Stream string
	Clock  clock.Clock
	Logger *slog.Logger
}

func NewProductRepository(db *DB, opts ProductRepositoryOptions) *ProductRepository {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &ProductRepository{
		db:     db,
		outbox: NewOutboxRepository(db, opts.Clock, opts.Stream),
		clock:  opts.Clock,
		table:  tableIdentifier(opts.Table),
		logger: opts.Logger.With("component", "product_repository"),
	}
}

// Outbox exposes the repository's outbox for the relay and health checks.
func (r *ProductRepository) Outbox() *OutboxRepository {
	return r.outbox
}

// tableIdentifier quotes a possibly schema-qualified table name.
func tableIdentifier(name string) string {
	if name == "" {
		name = DefaultProductTable
	}
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func upsertQuery(table string) string {
	return `
		INSERT INTO ` + table + ` (
			id, source, brand, gender, product_url, title,
			description, category, price, currency, image_url,
			size, metadata, embedding, second_hand
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13::jsonb, $14::vector, $15
		)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			brand = EXCLUDED.brand,
			gender = EXCLUDED.gender,
			product_url = EXCLUDED.product_url,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			image_url = EXCLUDED.image_url,
			size = EXCLUDED.size,
			metadata = EXCLUDED.metadata,
			embedding = COALESCE(EXCLUDED.embedding, ` + table + `.embedding),
			second_hand = EXCLUDED.second_hand,
			updated_at = NOW()
		RETURNING created_at`
}

// upsertArgs returns the positional arguments for upsertQuery.
func upsertArgs(p *models.ProductRecord) ([]any, error) {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var embedding *string
	if p.HasEmbedding() {
		literal := p.Embedding.Literal()
		embedding = &literal
	}

	return []any{
		p.ID, p.Source, p.Brand, p.Gender, p.ProductURL, p.Title,
		p.Description, p.Category, p.Price, p.Currency, p.ImageURL,
		p.Size, string(metadataJSON), embedding, p.SecondHand,
	}, nil
}

// Upsert writes a single record.
func (r *ProductRepository) Upsert(ctx context.Context, p *models.ProductRecord) error {
	return r.UpsertBatch(ctx, []*models.ProductRecord{p})
}

// UpsertBatch writes all records in one transaction. Any failure rolls back
// the whole batch.
func (r *ProductRepository) UpsertBatch(ctx context.Context, products []*models.ProductRecord) error {
	if len(products) == 0 {
		return nil
	}

	for _, p := range products {
		if problems := p.Validate(); len(problems) > 0 {
			return fmt.Errorf("invalid product %s: %s", p.ID, strings.Join(problems, "; "))
		}
	}

	query := upsertQuery(r.table)

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, p := range products {
			args, err := upsertArgs(p)
			if err != nil {
				return err
			}

			var createdAt time.Time
			if err := tx.QueryRow(ctx, query, args...).Scan(&createdAt); err != nil {
				return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
			}
			p.CreatedAt = &createdAt

			event, err := NewOutboxEvent(events.AggregateProduct, p.ID,
				events.EventTypeProductUpserted, events.NewProductUpserted(p, r.clock.Now()))
			if err != nil {
				return err
			}
			if err := r.outbox.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("upserted products", "count", len(products))
	return nil
}

// DeleteMissing removes every row of source whose id is not in keep and
// returns the number of deleted rows. An empty keep list is refused.
func (r *ProductRepository) DeleteMissing(ctx context.Context, source string, keep []string) (int64, error) {
	if len(keep) == 0 {
		return 0, fmt.Errorf("refusing to delete all products of source %q", source)
	}

	query := `DELETE FROM ` + r.table + ` WHERE source = $1 AND id <> ALL($2) RETURNING id`

	var removed []string
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, source, keep)
		if err != nil {
			return fmt.Errorf("failed to delete missing products: %w", err)
		}

		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("failed to collect deleted ids: %w", err)
		}
		removed = ids

		if len(removed) == 0 {
			return nil
		}

		event, err := NewOutboxEvent(events.AggregateSource, source,
			events.EventTypeProductsRemoved, events.NewProductsRemoved(source, removed, r.clock.Now()))
		if err != nil {
			return err
		}
		return r.outbox.InsertWithTx(ctx, tx, event)
	})
	if err != nil {
		return 0, err
	}

	r.logger.Info("deleted products missing from run",
		"source", source,
		"kept", len(keep),
		"deleted", len(removed))

	return int64(len(removed)), nil
}

// Get loads a single record by id. It returns nil, nil when absent.
func (r *ProductRepository) Get(ctx context.Context, id string) (*models.ProductRecord, error) {
	query := `
		SELECT
			id, source, brand, gender, product_url, title,
			description, category, price, currency, image_url,
			size, metadata, embedding::text, second_hand, created_at
		FROM ` + r.table + `
		WHERE id = $1`

	var (
		p         models.ProductRecord
		metadata  []byte
		embedding *string
	)

	err := r.db.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Source, &p.Brand, &p.Gender, &p.ProductURL, &p.Title,
		&p.Description, &p.Category, &p.Price, &p.Currency, &p.ImageURL,
		&p.Size, &metadata, &embedding, &p.SecondHand, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if embedding != nil {
		vec, err := models.ParseVector(*embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to decode embedding: %w", err)
		}
		p.Embedding = vec
	}

	return &p, nil
}

// SourceStats counts stored products of one source.
type SourceStats struct {
	Source       string `json:"source"`
	Total        int64  `json:"total"`
	WithEmbed    int64  `json:"with_embedding"`
	WithoutEmbed int64  `json:"without_embedding"`
}

// Stats returns per-source product counts ordered by source.
func (r *ProductRepository) Stats(ctx context.Context) ([]SourceStats, error) {
	query := `
		SELECT source, COUNT(*), COUNT(embedding)
		FROM ` + r.table + `
		GROUP BY source
		ORDER BY source`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var stats []SourceStats
	for rows.Next() {
		var s SourceStats
		if err := rows.Scan(&s.Source, &s.Total, &s.WithEmbed); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		s.WithoutEmbed = s.Total - s.WithEmbed
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return stats, nil
}
