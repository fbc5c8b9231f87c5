package mapper

import (
	"errors"
	"testing"
	"time"

	"github.com/maltedev/stories-scraper/internal/clock"
	"github.com/maltedev/stories-scraper/internal/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalID(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
		err      error
	}{
		{"slug with digits", "https://www.stories.com/en-eu/product/ribbed-knit-sweater-1234567/", "1234567", nil},
		{"tracking params ignored", "https://www.stories.com/en-eu/product/ribbed-knit-sweater-1234567/?utm_source=ig&color=2", "1234567", nil},
		{"fragment ignored", "https://www.stories.com/en-eu/product/ribbed-knit-sweater-1234567#reviews", "1234567", nil},
		{"no digit group", "https://www.stories.com/en-eu/product/gift-card", "gift-card", nil},
		{"root path", "https://www.stories.com/", "", ErrNoProductID},
		{"relative url", "/en-eu/product/x-1", "", ErrNoProductID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExternalID(tt.url)
			if tt.err != nil {
				assert.True(t, errors.Is(err, tt.err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestMapper_IDStableUnderQueryParams(t *testing.T) {
	m := New(DefaultConfig(), nil)

	a, err := m.ID("https://www.stories.com/en-eu/product/linen-shirt-7654321")
	require.NoError(t, err)
	b, err := m.ID("https://www.stories.com/en-eu/product/linen-shirt-7654321/?ref=category&page=3")
	require.NoError(t, err)

	assert.Equal(t, "otherstories_7654321", a)
	assert.Equal(t, a, b)
}

func TestMapper_Map(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(DefaultConfig(), clock.NewFake(now))

	price := 79.0
	currency := "SEK"
	sku := "1234567001"
	rating := 4.5
	reviews := 12

	ext := &parser.Extraction{
		URL:         "https://www.stories.com/en-eu/product/ribbed-knit-1234567/?utm=x",
		Title:       " Ribbed Knit ",
		ImageURL:    "https://media.stories.com/knit.jpg",
		Price:       &price,
		Currency:    &currency,
		SKU:         &sku,
		Rating:      &rating,
		ReviewCount: &reviews,
		Sizes:       []string{"XS", "S", "M"},
	}

	record, err := m.Map(ext)
	require.NoError(t, err)

	assert.Equal(t, "otherstories_1234567", record.ID)
	assert.Equal(t, "scraper", record.Source)
	assert.Equal(t, "Other Stories", record.Brand)
	assert.Equal(t, "WOMAN", record.Gender)
	assert.Equal(t, "https://www.stories.com/en-eu/product/ribbed-knit-1234567", record.ProductURL)
	assert.Equal(t, "Ribbed Knit", record.Title)
	assert.False(t, record.SecondHand)
	assert.Nil(t, record.Embedding)

	require.NotNil(t, record.Currency)
	assert.Equal(t, "SEK", *record.Currency)
	require.NotNil(t, record.Category)
	assert.Equal(t, "Clothing", *record.Category)
	require.NotNil(t, record.Size)
	assert.Equal(t, "XS,S,M", *record.Size)

	assert.Equal(t, "2026-03-01T12:00:00Z", record.Metadata["scraped_at"])
	assert.Equal(t, ext.URL, record.Metadata["url"])
	assert.Equal(t, []string{"XS", "S", "M"}, record.Metadata["sizes_available"])
	assert.Equal(t, "1234567001", record.Metadata["sku"])
	assert.Equal(t, 4.5, record.Metadata["rating"])
	assert.Equal(t, 12, record.Metadata["review_count"])
	assert.NotContains(t, record.Metadata, "color")
}

func TestMapper_MapDefaults(t *testing.T) {
	m := New(DefaultConfig(), clock.NewFake(time.Now()))

	record, err := m.Map(&parser.Extraction{
		URL:      "https://www.stories.com/en-eu/product/scarf-42",
		Title:    "Scarf",
		ImageURL: "https://media.stories.com/scarf.jpg",
	})
	require.NoError(t, err)

	require.NotNil(t, record.Currency)
	assert.Equal(t, "EUR", *record.Currency)
	assert.Nil(t, record.Price)
	assert.Nil(t, record.Size)
}

func TestMapper_MapRejectsInvalid(t *testing.T) {
	m := New(DefaultConfig(), nil)

	_, err := m.Map(&parser.Extraction{URL: "https://www.stories.com/en-eu/product/x-1", ImageURL: "https://a/b.jpg"})
	assert.Error(t, err)

	_, err = m.Map(&parser.Extraction{URL: "https://www.stories.com/", Title: "x", ImageURL: "https://a/b.jpg"})
	assert.True(t, errors.Is(err, ErrNoProductID))

	_, err = m.Map(nil)
	assert.Error(t, err)
}
