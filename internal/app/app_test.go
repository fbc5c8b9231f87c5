package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/stories-scraper/internal/browser"
	"github.com/maltedev/stories-scraper/internal/config"
	"github.com/maltedev/stories-scraper/internal/embedding"
	"github.com/maltedev/stories-scraper/internal/fetcher"
	"github.com/maltedev/stories-scraper/internal/pipeline"
	"github.com/maltedev/stories-scraper/internal/retry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	cfg.Database.Enabled = false
	cfg.Redis.Enabled = false
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewTransport(t *testing.T) {
	tests := []struct {
		transport string
		check     func(t *testing.T, tr fetcher.Transport)
	}{
		{"http", func(t *testing.T, tr fetcher.Transport) {
			assert.IsType(t, &fetcher.HTTPTransport{}, tr)
		}},
		{"playwright", func(t *testing.T, tr fetcher.Transport) {
			assert.IsType(t, &browser.PlaywrightTransport{}, tr)
		}},
		{"chromedp", func(t *testing.T, tr fetcher.Transport) {
			assert.IsType(t, &browser.ChromedpTransport{}, tr)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.transport, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Scraper.Transport = tt.transport

			tr, err := NewTransport(cfg, nil, discardLogger())
			require.NoError(t, err)
			tt.check(t, tr)
		})
	}

	cfg := testConfig(t)
	cfg.Scraper.Transport = "telnet"
	_, err := NewTransport(cfg, nil, discardLogger())
	assert.ErrorContains(t, err, "unknown transport")
}

func TestNewEmbedder(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Embedding.Provider = "none"

		e, err := NewEmbedder(cfg, nil, discardLogger())
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("grid", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Embedding.Provider = "grid"

		e, err := NewEmbedder(cfg, nil, discardLogger())
		require.NoError(t, err)
		assert.IsType(t, &embedding.GridEmbedder{}, e)
	})

	t.Run("http", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Embedding.Provider = "http"
		cfg.Embedding.Endpoint = "http://localhost:8000/embed"

		e, err := NewEmbedder(cfg, nil, discardLogger())
		require.NoError(t, err)
		assert.Equal(t, cfg.Embedding.Model, e.Model())
	})

	t.Run("http without endpoint", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Embedding.Provider = "http"
		cfg.Embedding.Endpoint = ""

		_, err := NewEmbedder(cfg, nil, discardLogger())
		assert.ErrorContains(t, err, "failed to create embedder")
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Embedding.Provider = "clip"

		_, err := NewEmbedder(cfg, nil, discardLogger())
		assert.Error(t, err)
	})
}

func TestFetchOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scraper.MaxRetries = 5
	cfg.Scraper.RetryDelay = 2 * time.Second
	cfg.Scraper.Backoff = "exponential"
	cfg.Scraper.MinContentLength = 500

	opts := FetchOptions(cfg)
	assert.Equal(t, 5, opts.MaxRetries)
	assert.Equal(t, 2*time.Second, opts.RetryDelay)
	assert.Equal(t, retry.BackoffExponential, opts.Backoff)
	assert.Equal(t, 500, opts.MinContentLength)
}

func TestMapperConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Site.DefaultCurrency = "SEK"

	mc := MapperConfig(cfg)
	assert.Equal(t, "SEK", mc.DefaultCurrency)
	assert.Equal(t, "otherstories", mc.IDPrefix)
	assert.Equal(t, "scraper", mc.Source)
}

func TestNew_WithoutDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scraper.ProductLimit = 10
	cfg.Scraper.SyncDelete = true

	a, err := New(context.Background(), cfg, discardLogger(), Options{NoDatabase: true})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Store())
	assert.Nil(t, a.Relay())
	assert.NotNil(t, a.Embedder)

	pc := a.PipelineConfig()
	assert.Equal(t, cfg.Site.CategoryURL, pc.CategoryURL)
	assert.Equal(t, 10, pc.ProductLimit)
	assert.True(t, pc.SyncDelete)
	assert.Equal(t, cfg.Database.BatchSize, pc.BatchSize)

	o, err := a.Orchestrator(nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateIdle, o.State())

	m := a.RunManager()
	_, active := m.Active()
	assert.False(t, active)
}

func TestNew_InvalidBaseURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Site.BaseURL = "not a url"

	_, err := New(context.Background(), cfg, discardLogger(), Options{NoDatabase: true})
	assert.ErrorContains(t, err, "failed to create parser")
}
