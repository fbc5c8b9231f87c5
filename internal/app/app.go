// Package app builds the scraper's components from configuration. Both
// binaries go through it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/stories-scraper/internal/browser"
	"github.com/maltedev/stories-scraper/internal/clock"
	"github.com/maltedev/stories-scraper/internal/config"
	"github.com/maltedev/stories-scraper/internal/database"
	"github.com/maltedev/stories-scraper/internal/embedding"
	"github.com/maltedev/stories-scraper/internal/fetcher"
	"github.com/maltedev/stories-scraper/internal/mapper"
	"github.com/maltedev/stories-scraper/internal/metrics"
	"github.com/maltedev/stories-scraper/internal/parser"
	"github.com/maltedev/stories-scraper/internal/pipeline"
	"github.com/maltedev/stories-scraper/internal/ratelimit"
	"github.com/maltedev/stories-scraper/internal/retry"
	"github.com/maltedev/stories-scraper/internal/runs"
)

type Options struct {
	// NoDatabase skips the Postgres connection; runs are not persisted.
	NoDatabase bool
	// NoEmbedder skips building an embedder.
	NoEmbedder bool
}

// App owns every long-lived component. Close releases them.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics

	Gate      *ratelimit.Gate
	Transport fetcher.Transport
	Parser    *parser.Parser
	Mapper    *mapper.Mapper
	Embedder  embedding.Embedder

	// DB, Products and Redis are nil when disabled.
	DB       *database.DB
	Products *database.ProductRepository
	Redis    *redis.Client

	closers []func()
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Clock:   clock.Real{},
		Metrics: metrics.New(),
	}

	var err error
	a.Parser, err = parser.New(parser.Options{
		BaseURL:        cfg.Site.BaseURL,
		ProductPattern: cfg.Site.ProductPattern,
		Selectors:      cfg.Selectors,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create parser: %w", err)
	}

	a.Mapper = mapper.New(MapperConfig(cfg), a.Clock)
	a.Gate = ratelimit.NewGate(a.Clock, cfg.Scraper.RequestDelay, cfg.Scraper.RequestDelay+cfg.Scraper.RequestJitter)

	a.Transport, err = NewTransport(cfg, a.Gate, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		if err := a.connectRedis(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.Database.Enabled && !opts.NoDatabase {
		if err := a.connectDatabase(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	if !opts.NoEmbedder {
		a.Embedder, err = NewEmbedder(cfg, a.Redis, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	logger.Info("application initialized", "config", cfg)
	return a, nil
}

func (a *App) connectRedis(ctx context.Context) error {
	redisOpts, err := redis.ParseURL(a.Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	a.Redis = client
	a.closers = append(a.closers, func() { client.Close() })
	return nil
}

func (a *App) connectDatabase(ctx context.Context) error {
	dbCfg := a.Config.Database
	db, err := database.New(ctx, database.Config{
		URL:      dbCfg.URL,
		Host:     dbCfg.Host,
		Port:     dbCfg.Port,
		User:     dbCfg.User,
		Password: dbCfg.Password,
		Database: dbCfg.Name,
		SSLMode:  dbCfg.SSLMode,
		MaxConns: dbCfg.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	a.DB = db
	a.Products = database.NewProductRepository(db, database.ProductRepositoryOptions{
		Table:  dbCfg.Table,
		Stream: a.Config.Redis.Stream,
		Clock:  a.Clock,
		Logger: a.Logger,
	})
	a.closers = append(a.closers, db.Close)
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Store returns the product repository, or nil without a database.
func (a *App) Store() pipeline.Store {
	if a.Products == nil {
		return nil
	}
	return a.Products
}

// PipelineConfig derives the run configuration from the loaded config.
func (a *App) PipelineConfig() pipeline.Config {
	cfg := a.Config
	return pipeline.Config{
		CategoryURL:  cfg.Site.CategoryURL,
		MaxPages:     cfg.Scraper.MaxPages,
		ProductLimit: cfg.Scraper.ProductLimit,
		BatchSize:    cfg.Database.BatchSize,
		Source:       cfg.Site.Source,
		SyncDelete:   cfg.Scraper.SyncDelete,
		DryRun:       cfg.Scraper.DryRun,
		ItemTimeout:  cfg.Scraper.ItemTimeout,
	}
}

// Orchestrator builds a fresh orchestrator sharing the app's gate and
// capabilities. pc overrides the derived run configuration when non-nil.
func (a *App) Orchestrator(pc *pipeline.Config) (*pipeline.Orchestrator, error) {
	runCfg := a.PipelineConfig()
	if pc != nil {
		runCfg = *pc
	}

	return pipeline.New(pipeline.Env{
		Config:  runCfg,
		Clock:   a.Clock,
		Logger:  a.Logger,
		Metrics: a.Metrics,
	}, pipeline.Deps{
		Transport:    a.Transport,
		Gate:         a.Gate,
		FetchOptions: FetchOptions(a.Config),
		Parser:       a.Parser,
		Mapper:       a.Mapper,
		Embedder:     a.Embedder,
		Store:        a.Store(),
	})
}

// RunManager serializes full runs for the API and the scheduler.
func (a *App) RunManager() *runs.Manager {
	return runs.NewManager(func() (runs.Runner, error) {
		return a.Orchestrator(nil)
	}, a.Clock, a.Logger)
}

// Relay publishes outbox events to Redis. It is nil unless both the
// database and Redis are configured.
func (a *App) Relay() *database.Relay {
	if a.Products == nil || a.Redis == nil {
		return nil
	}

	relay := database.NewRelay(a.Products.Outbox(), a.Redis, a.Logger, database.RelayConfig{
		PollInterval: a.Config.Redis.PollInterval,
		BatchSize:    a.Config.Redis.RelayBatchSize,
		StreamMaxLen: a.Config.Redis.StreamMaxLen,
	})
	relay.SetObserver(a.Metrics)
	return relay
}

func MapperConfig(cfg *config.Config) mapper.Config {
	return mapper.Config{
		Source:          cfg.Site.Source,
		Brand:           cfg.Site.Brand,
		Gender:          cfg.Site.Gender,
		IDPrefix:        cfg.Site.IDPrefix,
		DefaultCurrency: cfg.Site.DefaultCurrency,
		DefaultCategory: cfg.Site.DefaultCategory,
	}
}

func FetchOptions(cfg *config.Config) fetcher.Options {
	return fetcher.Options{
		MaxRetries:       cfg.Scraper.MaxRetries,
		RetryDelay:       cfg.Scraper.RetryDelay,
		MaxRetryDelay:    cfg.Scraper.MaxRetryDelay,
		Backoff:          retry.Backoff(cfg.Scraper.Backoff),
		Timeout:          cfg.Scraper.Timeout,
		MinContentLength: cfg.Scraper.MinContentLength,
	}
}

// NewTransport selects the page transport. Browser transports delegate
// image downloads to the HTTP transport. gate paces the extra requests the
// HTTP transport makes on its own.
func NewTransport(cfg *config.Config, gate ratelimit.RateLimiter, logger *slog.Logger) (fetcher.Transport, error) {
	httpOpts := fetcher.DefaultHTTPOptions(cfg.Site.BaseURL)
	if cfg.Scraper.UserAgent != "" {
		httpOpts.UserAgent = cfg.Scraper.UserAgent
	}
	httpOpts.AcceptLanguage = cfg.Scraper.AcceptLanguage
	httpOpts.Timeout = cfg.Scraper.Timeout
	httpOpts.WarmUp = cfg.Scraper.WarmUp
	httpOpts.Gate = gate
	httpOpts.Logger = logger
	httpTransport := fetcher.NewHTTPTransport(httpOpts)

	switch cfg.Scraper.Transport {
	case "", "http":
		return httpTransport, nil
	case "playwright":
		return browser.NewPlaywrightTransport(browserOptions(cfg, httpTransport), logger), nil
	case "chromedp":
		return browser.NewChromedpTransport(browserOptions(cfg, httpTransport), logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Scraper.Transport)
	}
}

func browserOptions(cfg *config.Config, images fetcher.Transport) *browser.Options {
	opts := browser.DefaultOptions()
	b := cfg.Browser

	opts.Headless = b.Headless
	opts.Timeout = b.Timeout
	opts.ViewportWidth = b.ViewportWidth
	opts.ViewportHeight = b.ViewportHeight
	opts.AcceptLanguage = b.AcceptLanguage
	opts.TimezoneID = b.TimezoneID
	opts.Locale = b.Locale
	opts.ChromePath = b.ChromePath
	opts.ProxyServer = b.ProxyServer
	opts.ScrollToBottom = b.ScrollToBottom
	if cfg.Scraper.UserAgent != "" {
		opts.UserAgent = cfg.Scraper.UserAgent
	}
	opts.ImageTransport = images
	return opts
}

// NewEmbedder selects the embedding provider. With a Redis client the
// provider is wrapped in a cache. The "none" provider returns nil.
func NewEmbedder(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (embedding.Embedder, error) {
	ec := cfg.Embedding

	var embedder embedding.Embedder
	switch ec.Provider {
	case "none":
		return nil, nil
	case "grid":
		embedder = embedding.NewGridEmbedder()
	case "http":
		httpEmbedder, err := embedding.NewHTTPEmbedder(embedding.HTTPOptions{
			Endpoint: ec.Endpoint,
			Model:    ec.Model,
			Device:   ec.Device,
			Timeout:  ec.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		embedder = httpEmbedder
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", ec.Provider)
	}

	if rdb != nil && ec.CacheTTL > 0 {
		embedder = embedding.NewCachedEmbedder(embedder, embedding.NewRedisCache(rdb), ec.CacheTTL, logger)
	}
	return embedder, nil
}
