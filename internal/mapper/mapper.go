// Package mapper turns parser extractions into persistable product records.
package mapper

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/maltedev/stories-scraper/internal/clock"
	"github.com/maltedev/stories-scraper/internal/dedup"
	"github.com/maltedev/stories-scraper/internal/models"
	"github.com/maltedev/stories-scraper/internal/parser"
)

var ErrNoProductID = errors.New("no product id in url")

var productIDPattern = regexp.MustCompile(`/product/[^/]+-(\d+)/?$`)

type Config struct {
	Source          string
	Brand           string
	Gender          string
	IDPrefix        string
	DefaultCurrency string
	DefaultCategory string
}

func DefaultConfig() Config {
	return Config{
		Source:          "scraper",
		Brand:           "Other Stories",
		Gender:          "WOMAN",
		IDPrefix:        "otherstories",
		DefaultCurrency: "EUR",
		DefaultCategory: "Clothing",
	}
}

type Mapper struct {
	cfg   Config
	clock clock.Clock
}

func New(cfg Config, clk clock.Clock) *Mapper {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Mapper{cfg: cfg, clock: clk}
}

// ExternalID derives the stable product identifier from a product URL. The
// trailing digit group of "/product/<slug>-<digits>" is preferred, otherwise
// the last path segment is used. Query strings never affect the result.
func ExternalID(rawURL string) (string, error) {
	canonical, err := dedup.Canonicalize(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoProductID, err)
	}

	u, err := url.Parse(canonical)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoProductID, err)
	}

	if m := productIDPattern.FindStringSubmatch(u.Path); m != nil {
		return m[1], nil
	}

	last := path.Base(u.Path)
	if last == "/" || last == "." || last == "" {
		return "", ErrNoProductID
	}
	return last, nil
}

// ID returns the prefixed record id for a product URL.
func (m *Mapper) ID(rawURL string) (string, error) {
	ext, err := ExternalID(rawURL)
	if err != nil {
		return "", err
	}
	return m.cfg.IDPrefix + "_" + ext, nil
}

func (m *Mapper) Map(ext *parser.Extraction) (*models.ProductRecord, error) {
	if ext == nil {
		return nil, errors.New("extraction is nil")
	}

	canonical, err := dedup.Canonicalize(ext.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize product url: %w", err)
	}

	id, err := m.ID(canonical)
	if err != nil {
		return nil, err
	}

	record := &models.ProductRecord{
		ID:          id,
		Source:      m.cfg.Source,
		Brand:       m.cfg.Brand,
		Gender:      m.cfg.Gender,
		ProductURL:  canonical,
		Title:       strings.TrimSpace(ext.Title),
		Description: ext.Description,
		Category:    ext.Category,
		Price:       ext.Price,
		Currency:    ext.Currency,
		ImageURL:    ext.ImageURL,
		SecondHand:  false,
		Metadata:    m.metadata(ext),
	}

	if record.Category == nil {
		record.Category = models.StringPtr(m.cfg.DefaultCategory)
	}
	if record.Currency == nil {
		record.Currency = models.StringPtr(m.cfg.DefaultCurrency)
	}
	if len(ext.Sizes) > 0 {
		record.Size = models.StringPtr(strings.Join(ext.Sizes, ","))
	}

	if problems := record.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid record %s: %s", id, strings.Join(problems, "; "))
	}

	return record, nil
}

func (m *Mapper) metadata(ext *parser.Extraction) map[string]any {
	meta := map[string]any{
		"scraped_at": m.clock.Now().UTC().Format(time.RFC3339),
		"url":        ext.URL,
	}

	if len(ext.Sizes) > 0 {
		meta["sizes_available"] = append([]string(nil), ext.Sizes...)
	}
	if ext.SKU != nil {
		meta["sku"] = *ext.SKU
	}
	if ext.Color != nil {
		meta["color"] = *ext.Color
	}
	if ext.Rating != nil {
		meta["rating"] = *ext.Rating
	}
	if ext.ReviewCount != nil {
		meta["review_count"] = *ext.ReviewCount
	}
	if ext.Condition != nil {
		meta["condition"] = *ext.Condition
	}
	if ext.Brand != nil {
		meta["label"] = *ext.Brand
	}

	return meta
}
