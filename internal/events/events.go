package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/stories-scraper/internal/models"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeProductUpserted is written whenever a product row is inserted or overwritten
	EventTypeProductUpserted EventType = "product.upserted"
	// EventTypeProductsRemoved is written when a sync pass deletes products missing from a run
	EventTypeProductsRemoved EventType = "products.removed"
)

const (
	AggregateProduct = "product"
	AggregateSource  = "source"

	DefaultStream = "stream:products"
)

// Price represents product pricing information
type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

// ProductUpsertedPayload is the body of a product.upserted event.
type ProductUpsertedPayload struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	Timestamp    time.Time `json:"timestamp"`
	ProductID    string    `json:"product_id"`
	Source       string    `json:"source"`
	Brand        string    `json:"brand"`
	Title        string    `json:"title"`
	ProductURL   string    `json:"product_url"`
	ImageURL     string    `json:"image_url"`
	Category     string    `json:"category,omitempty"`
	Price        *Price    `json:"price,omitempty"`
	Sizes        string    `json:"sizes,omitempty"`
	HasEmbedding bool      `json:"has_embedding"`
}

// ProductsRemovedPayload is the body of a products.removed event.
type ProductsRemovedPayload struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	ProductIDs []string  `json:"product_ids"`
	Count      int       `json:"count"`
}

func NewProductUpserted(p *models.ProductRecord, now time.Time) *ProductUpsertedPayload {
	payload := &ProductUpsertedPayload{
		EventID:      uuid.New().String(),
		EventType:    string(EventTypeProductUpserted),
		Timestamp:    now.UTC(),
		ProductID:    p.ID,
		Source:       p.Source,
		Brand:        p.Brand,
		Title:        p.Title,
		ProductURL:   p.ProductURL,
		ImageURL:     p.ImageURL,
		Category:     models.Deref(p.Category),
		Sizes:        models.Deref(p.Size),
		HasEmbedding: p.HasEmbedding(),
	}

	if p.Price != nil {
		payload.Price = &Price{Amount: *p.Price, Currency: models.Deref(p.Currency)}
	}

	return payload
}

func NewProductsRemoved(source string, ids []string, now time.Time) *ProductsRemovedPayload {
	return &ProductsRemovedPayload{
		EventID:    uuid.New().String(),
		EventType:  string(EventTypeProductsRemoved),
		Timestamp:  now.UTC(),
		Source:     source,
		ProductIDs: ids,
		Count:      len(ids),
	}
}
