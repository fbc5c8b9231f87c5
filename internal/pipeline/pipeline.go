// Package pipeline runs the discover, scrape, embed and persist stages
// against one transport session.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/stories-scraper/internal/clock"
	"github.com/maltedev/stories-scraper/internal/embedding"
	"github.com/maltedev/stories-scraper/internal/fetcher"
	"github.com/maltedev/stories-scraper/internal/mapper"
	"github.com/maltedev/stories-scraper/internal/metrics"
	"github.com/maltedev/stories-scraper/internal/models"
	"github.com/maltedev/stories-scraper/internal/parser"
	"github.com/maltedev/stories-scraper/internal/ratelimit"
)

const (
	DefaultMaxPages    = 20
	DefaultBatchSize   = 50
	DefaultItemTimeout = 3 * time.Minute
)

// Store persists records keyed by id.
type Store interface {
	Upsert(ctx context.Context, p *models.ProductRecord) error
}

// BatchStore writes several records atomically.
type BatchStore interface {
	Store
	UpsertBatch(ctx context.Context, products []*models.ProductRecord) error
}

// Syncer removes records of a source that a run did not see.
type Syncer interface {
	DeleteMissing(ctx context.Context, source string, keep []string) (int64, error)
}

type Config struct {
	CategoryURL  string
	MaxPages     int
	ProductLimit int
	BatchSize    int
	Source       string
	SyncDelete   bool
	DryRun       bool
	// SkipEmbedding leaves records without vectors.
	SkipEmbedding bool
	// ItemTimeout bounds the work on one page, product or image after the
	// run context has been detached.
	ItemTimeout time.Duration
}

// Env is the ambient context shared by every stage.
type Env struct {
	Config  Config
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Deps struct {
	Transport    fetcher.Transport
	Gate         ratelimit.RateLimiter
	FetchOptions fetcher.Options
	Parser       *parser.Parser
	Mapper       *mapper.Mapper
	// Embedder may be nil, which disables the embedding stage.
	Embedder embedding.Embedder
	// Store may be nil, which disables persistence.
	Store Store
}

// Result is what a run produced besides its summary.
type Result struct {
	URLs    []string
	Records []*models.ProductRecord
	Summary Summary
}

// Orchestrator executes one run at a time. State and Snapshot may be called
// concurrently with a run.
type Orchestrator struct {
	env    Env
	deps   Deps
	logger *slog.Logger

	mu      sync.RWMutex
	state   State
	summary Summary
}

func New(env Env, deps Deps) (*Orchestrator, error) {
	if deps.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if deps.Parser == nil {
		return nil, errors.New("parser is required")
	}
	if deps.Mapper == nil {
		return nil, errors.New("mapper is required")
	}

	if env.Clock == nil {
		env.Clock = clock.Real{}
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.Config.MaxPages < 1 {
		env.Config.MaxPages = DefaultMaxPages
	}
	if env.Config.BatchSize < 1 {
		env.Config.BatchSize = DefaultBatchSize
	}
	if env.Config.ItemTimeout <= 0 {
		env.Config.ItemTimeout = DefaultItemTimeout
	}
	if deps.Gate == nil {
		deps.Gate = ratelimit.NewGate(env.Clock, 0, 0)
	}

	return &Orchestrator{
		env:    env,
		deps:   deps,
		logger: env.Logger.With("component", "pipeline"),
		state:  StateIdle,
	}, nil
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Snapshot returns a copy of the current summary.
func (o *Orchestrator) Snapshot() Summary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.summary.clone()
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("state changed", "state", string(s))
}

func (o *Orchestrator) update(fn func(s *Summary)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.summary)
}

func (o *Orchestrator) begin() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateIdle
	o.summary = Summary{StartedAt: o.env.Clock.Now()}
}

// finish stamps the summary and returns ctx's error when the run was cancelled.
func (o *Orchestrator) finish(ctx context.Context, res *Result) error {
	now := o.env.Clock.Now()
	cancelled := ctx.Err() != nil

	o.mu.Lock()
	o.summary.FinishedAt = now
	o.summary.Duration = now.Sub(o.summary.StartedAt).String()
	o.summary.Cancelled = o.summary.Cancelled || cancelled
	if o.summary.Cancelled {
		o.state = StateCancelled
	} else {
		o.state = StateDone
	}
	res.Summary = o.summary.clone()
	state := o.state
	o.mu.Unlock()

	o.env.Metrics.RunFinished(string(state), now.Sub(res.Summary.StartedAt))
	o.logger.Info("run finished",
		"state", string(state),
		"pages_visited", res.Summary.PagesVisited,
		"urls_unique", res.Summary.URLsUnique,
		"scraped", res.Summary.ProductsScraped,
		"skipped", res.Summary.ProductsSkipped,
		"embedded", res.Summary.Embedded,
		"persisted", res.Summary.Persisted,
		"deleted", res.Summary.Deleted,
		"duration", res.Summary.Duration)

	if cancelled {
		return ctx.Err()
	}
	return nil
}

func (o *Orchestrator) fail(err error) error {
	o.setState(StateFailed)
	o.env.Metrics.RunFinished(string(StateFailed), o.env.Clock.Now().Sub(o.Snapshot().StartedAt))
	return err
}

func (o *Orchestrator) newFetcher(session fetcher.Session) *fetcher.Fetcher {
	f := fetcher.New(session, o.deps.Gate, o.env.Clock, o.deps.FetchOptions, o.env.Logger)
	if o.env.Metrics != nil {
		f.SetObserver(o.env.Metrics)
	}
	return f
}

// itemContext detaches ctx from the run's cancellation so an item that has
// started runs to completion, bounded by ItemTimeout.
func (o *Orchestrator) itemContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.env.Config.ItemTimeout)
}

// RunFull discovers the category, scrapes every unique product, embeds,
// persists and optionally deletes products that disappeared.
func (o *Orchestrator) RunFull(ctx context.Context) (*Result, error) {
	o.begin()
	res := &Result{}
	cfg := o.env.Config

	o.logger.Info("starting full run",
		"category_url", cfg.CategoryURL,
		"max_pages", cfg.MaxPages,
		"limit", cfg.ProductLimit,
		"dry_run", cfg.DryRun)

	err := o.withSession(ctx, func(session fetcher.Session) {
		f := o.newFetcher(session)

		discovered := o.discover(ctx, f, cfg.CategoryURL)
		res.URLs = o.deduplicate(discovered)
		res.Records = o.scrape(ctx, f, res.URLs)

		if o.embeddingEnabled() {
			o.embed(ctx, f, res.Records)
		}
	})
	if err != nil {
		return nil, o.fail(err)
	}

	persistedIDs := o.persist(ctx, res.Records)
	o.syncDeletes(ctx, persistedIDs)

	return res, o.finish(ctx, res)
}

// Discover walks the category listing and returns the unique product URLs.
func (o *Orchestrator) Discover(ctx context.Context, categoryURL string) (*Result, error) {
	o.begin()
	res := &Result{}
	if categoryURL == "" {
		categoryURL = o.env.Config.CategoryURL
	}

	err := o.withSession(ctx, func(session fetcher.Session) {
		discovered := o.discover(ctx, o.newFetcher(session), categoryURL)
		res.URLs = o.deduplicate(discovered)
	})
	if err != nil {
		return nil, o.fail(err)
	}

	return res, o.finish(ctx, res)
}

// ScrapeProducts scrapes the given product URLs, then embeds and persists
// the records unless disabled.
func (o *Orchestrator) ScrapeProducts(ctx context.Context, urls []string) (*Result, error) {
	o.begin()
	res := &Result{}

	err := o.withSession(ctx, func(session fetcher.Session) {
		f := o.newFetcher(session)

		o.update(func(s *Summary) { s.URLsDiscovered = len(urls) })
		res.URLs = o.deduplicate(urls)
		res.Records = o.scrape(ctx, f, res.URLs)

		if o.embeddingEnabled() {
			o.embed(ctx, f, res.Records)
		}
	})
	if err != nil {
		return nil, o.fail(err)
	}

	o.persist(ctx, res.Records)
	return res, o.finish(ctx, res)
}

// Embed attaches vectors to records that have none yet and persists them.
func (o *Orchestrator) Embed(ctx context.Context, records []*models.ProductRecord) (*Result, error) {
	o.begin()
	res := &Result{Records: records}

	if o.deps.Embedder == nil {
		return nil, o.fail(errors.New("no embedder configured"))
	}

	pending := make([]*models.ProductRecord, 0, len(records))
	for _, rec := range records {
		if !rec.HasEmbedding() {
			pending = append(pending, rec)
		}
	}
	o.logger.Info("embedding records", "total", len(records), "pending", len(pending))

	err := o.withSession(ctx, func(session fetcher.Session) {
		o.embed(ctx, o.newFetcher(session), pending)
	})
	if err != nil {
		return nil, o.fail(err)
	}

	o.persist(ctx, records)
	return res, o.finish(ctx, res)
}

func (o *Orchestrator) embeddingEnabled() bool {
	cfg := o.env.Config
	return o.deps.Embedder != nil && !cfg.DryRun && !cfg.SkipEmbedding
}

func (o *Orchestrator) recordFailure(url string, stage Stage, err error) {
	o.update(func(s *Summary) {
		s.Failures = append(s.Failures, ItemFailure{URL: url, Stage: stage, Reason: err.Error()})
	})
}

func (o *Orchestrator) markCancelled(stage Stage) {
	o.update(func(s *Summary) { s.Cancelled = true })
	o.logger.Warn("run cancelled", "stage", string(stage))
}
