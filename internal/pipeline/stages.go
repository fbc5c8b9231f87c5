package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maltedev/stories-scraper/internal/dedup"
	"github.com/maltedev/stories-scraper/internal/embedding"
	"github.com/maltedev/stories-scraper/internal/fetcher"
	"github.com/maltedev/stories-scraper/internal/models"
	"github.com/maltedev/stories-scraper/internal/parser"
	"github.com/maltedev/stories-scraper/internal/queue"
)

// Fetcher is the subset of *fetcher.Fetcher the stages need.
type Fetcher interface {
	Fetch(ctx context.Context, url string, kind fetcher.ContentKind) (*fetcher.Page, error)
}

// discover visits listing pages until one is empty, pagination ends, the
// product limit is reached or MaxPages pages were tried.
func (o *Orchestrator) discover(ctx context.Context, f Fetcher, categoryURL string) []string {
	o.setState(StateDiscoveringCategory)
	cfg := o.env.Config

	var discovered []string
	seen := dedup.NewSet()

	for page := 1; page <= cfg.MaxPages; page++ {
		if ctx.Err() != nil {
			o.markCancelled(StageDiscover)
			break
		}

		pageURL, err := PageURL(categoryURL, page)
		if err != nil {
			o.pageFailed(categoryURL, page, err)
			break
		}

		cat, err := o.discoverPage(ctx, f, pageURL)
		if err != nil {
			o.pageFailed(pageURL, page, err)
			continue
		}

		o.env.Metrics.PageVisited(nil)
		o.update(func(s *Summary) {
			s.PagesVisited++
			s.URLsDiscovered += len(cat.ProductURLs)
		})

		o.logger.Info("category page parsed",
			"page", page,
			"urls", len(cat.ProductURLs),
			"pagination", cat.Pagination.String())

		if len(cat.ProductURLs) == 0 {
			o.logger.Info("empty listing page, stopping discovery", "page", page)
			break
		}

		discovered = append(discovered, cat.ProductURLs...)
		for _, u := range cat.ProductURLs {
			seen.Add(u)
		}

		if cfg.ProductLimit > 0 && seen.Len() >= cfg.ProductLimit {
			o.logger.Info("product limit reached, stopping discovery", "limit", cfg.ProductLimit)
			break
		}
		if cat.Pagination == parser.PaginationEnd {
			o.logger.Info("last listing page reached", "page", page)
			break
		}
	}

	return discovered
}

func (o *Orchestrator) discoverPage(ctx context.Context, f Fetcher, pageURL string) (*parser.CategoryPage, error) {
	itemCtx, cancel := o.itemContext(ctx)
	defer cancel()

	page, err := f.Fetch(itemCtx, pageURL, fetcher.ContentHTML)
	if err != nil {
		return nil, err
	}
	return o.deps.Parser.ParseCategoryPage(page.HTML(), pageURL)
}

func (o *Orchestrator) pageFailed(pageURL string, page int, err error) {
	o.logger.Error("failed to process category page", "page", page, "url", pageURL, "error", err)
	o.env.Metrics.PageVisited(err)
	o.update(func(s *Summary) { s.PagesFailed++ })
	o.recordFailure(pageURL, StageDiscover, err)
}

// deduplicate returns canonical first-seen URLs, truncated to the product limit.
func (o *Orchestrator) deduplicate(urls []string) []string {
	o.setState(StateDeduplicating)

	unique := dedup.Unique(urls)
	if limit := o.env.Config.ProductLimit; limit > 0 && len(unique) > limit {
		unique = unique[:limit]
	}

	o.update(func(s *Summary) { s.URLsUnique = len(unique) })
	o.logger.Info("deduplicated product urls", "discovered", len(urls), "unique", len(unique))
	return unique
}

// scrape fetches, parses and maps every URL. Failures are skipped.
func (o *Orchestrator) scrape(ctx context.Context, f Fetcher, urls []string) []*models.ProductRecord {
	o.setState(StateScrapingProducts)

	records := make([]*models.ProductRecord, 0, len(urls))
	ids := make(map[string]struct{}, len(urls))

	for i, u := range urls {
		if ctx.Err() != nil {
			o.markCancelled(StageScrape)
			break
		}

		o.update(func(s *Summary) { s.ProductsAttempted++ })

		rec, reason, err := o.scrapeOne(ctx, f, u)
		if err == nil {
			if _, dup := ids[rec.ID]; dup {
				reason, err = ReasonDuplicateID, fmt.Errorf("product %s already scraped in this run", rec.ID)
			}
		}
		if err != nil {
			o.skip(u, reason, err)
			continue
		}

		ids[rec.ID] = struct{}{}
		records = append(records, rec)
		o.env.Metrics.ProductProcessed("scraped")
		o.update(func(s *Summary) { s.ProductsScraped++ })

		o.logger.Debug("product scraped",
			"product_id", rec.ID,
			"progress", fmt.Sprintf("%d/%d", i+1, len(urls)))
	}

	return records
}

func (o *Orchestrator) scrapeOne(ctx context.Context, f Fetcher, productURL string) (*models.ProductRecord, string, error) {
	itemCtx, cancel := o.itemContext(ctx)
	defer cancel()

	page, err := f.Fetch(itemCtx, productURL, fetcher.ContentHTML)
	if err != nil {
		return nil, ReasonFetchError, err
	}

	ext, err := o.deps.Parser.ParseProductPage(page.HTML(), productURL)
	if err != nil {
		return nil, ReasonExtractionError, err
	}

	rec, err := o.deps.Mapper.Map(ext)
	if err != nil {
		return nil, ReasonMappingError, err
	}
	return rec, "", nil
}

func (o *Orchestrator) skip(productURL, reason string, err error) {
	o.logger.Warn("skipping product", "url", productURL, "reason", reason, "error", err)
	o.env.Metrics.ProductProcessed(reason)
	o.update(func(s *Summary) {
		s.ProductsSkipped++
		if s.SkipReasons == nil {
			s.SkipReasons = make(map[string]int)
		}
		s.SkipReasons[reason]++
	})
	o.recordFailure(productURL, StageScrape, err)
}

// embed attaches a vector to every record with an image. A failure leaves
// the record without embedding.
func (o *Orchestrator) embed(ctx context.Context, f Fetcher, records []*models.ProductRecord) {
	o.setState(StateEmbedding)

	for _, rec := range records {
		if ctx.Err() != nil {
			o.markCancelled(StageEmbed)
			return
		}
		if rec.ImageURL == "" {
			continue
		}

		vec, err := o.embedOne(ctx, f, rec.ImageURL)
		o.env.Metrics.EmbeddingComputed(err)
		if err != nil {
			o.logger.Warn("embedding failed", "product_id", rec.ID, "image_url", rec.ImageURL, "error", err)
			o.update(func(s *Summary) { s.EmbeddingFailed++ })
			o.recordFailure(rec.ProductURL, StageEmbed, err)
			continue
		}

		rec.Embedding = vec
		o.update(func(s *Summary) { s.Embedded++ })
	}
}

func (o *Orchestrator) embedOne(ctx context.Context, f Fetcher, imageURL string) ([]float32, error) {
	itemCtx, cancel := o.itemContext(ctx)
	defer cancel()

	img, err := f.Fetch(itemCtx, imageURL, fetcher.ContentImage)
	if err != nil {
		return nil, &embedding.EmbeddingError{Model: o.deps.Embedder.Model(), Err: err}
	}
	return o.deps.Embedder.Embed(itemCtx, img.Body)
}

// persist writes records in batches and returns the ids that were stored.
func (o *Orchestrator) persist(ctx context.Context, records []*models.ProductRecord) []string {
	cfg := o.env.Config
	if o.deps.Store == nil || cfg.DryRun {
		o.logger.Info("persistence disabled, skipping", "records", len(records), "dry_run", cfg.DryRun)
		return nil
	}

	o.setState(StatePersisting)

	var persisted []string
	batches := queue.NewBatchQueue(cfg.BatchSize, func(ctx context.Context, batch []*models.ProductRecord) error {
		persisted = append(persisted, o.persistBatch(ctx, batch)...)
		return nil
	})

	// Records reaching this stage were already scraped, so a cancelled run
	// still stores them.
	flushCtx := context.WithoutCancel(ctx)
	for _, rec := range records {
		_ = batches.Push(flushCtx, rec)
	}
	_ = batches.Close(flushCtx)

	o.logger.Info("records persisted", "persisted", len(persisted), "batches", batches.Batches())
	return persisted
}

// persistBatch tries the whole batch atomically first, then falls back to
// one upsert per record so only the bad records fail.
func (o *Orchestrator) persistBatch(ctx context.Context, batch []*models.ProductRecord) []string {
	itemCtx, cancel := o.itemContext(ctx)
	defer cancel()

	if bs, ok := o.deps.Store.(BatchStore); ok && len(batch) > 1 {
		err := bs.UpsertBatch(itemCtx, batch)
		if err == nil {
			ids := make([]string, len(batch))
			for i, rec := range batch {
				ids[i] = rec.ID
			}
			o.env.Metrics.RecordsUpserted(len(batch), nil)
			o.update(func(s *Summary) { s.Persisted += len(batch) })
			return ids
		}
		o.logger.Warn("batch upsert failed, retrying records individually", "size", len(batch), "error", err)
	}

	var ids []string
	for _, rec := range batch {
		err := o.upsertOne(itemCtx, rec)
		o.env.Metrics.RecordsUpserted(1, err)
		if err != nil {
			o.logger.Error("failed to persist product", "product_id", rec.ID, "error", err)
			o.update(func(s *Summary) { s.PersistFailed++ })
			o.recordFailure(rec.ProductURL, StagePersist, err)
			continue
		}
		ids = append(ids, rec.ID)
		o.update(func(s *Summary) { s.Persisted++ })
	}
	return ids
}

func (o *Orchestrator) upsertOne(ctx context.Context, rec *models.ProductRecord) error {
	if problems := rec.Validate(); len(problems) > 0 {
		return &PersistenceError{ProductID: rec.ID, Err: errors.New(strings.Join(problems, "; "))}
	}
	if err := o.deps.Store.Upsert(ctx, rec); err != nil {
		return &PersistenceError{ProductID: rec.ID, Err: err}
	}
	return nil
}

// syncDeletes removes products of this source that the run did not persist.
// It only runs after a complete, unlimited, non-dry run.
func (o *Orchestrator) syncDeletes(ctx context.Context, persistedIDs []string) {
	cfg := o.env.Config
	if !cfg.SyncDelete {
		return
	}

	syncer, ok := o.deps.Store.(Syncer)
	snapshot := o.Snapshot()

	var reason string
	switch {
	case !ok:
		reason = "store does not support deletes"
	case cfg.DryRun:
		reason = "dry run"
	case cfg.ProductLimit > 0:
		reason = "product limit set"
	case len(persistedIDs) == 0:
		reason = "nothing persisted"
	case snapshot.Cancelled || ctx.Err() != nil:
		reason = "run cancelled"
	case snapshot.PagesFailed > 0:
		reason = "discovery incomplete"
	}
	if reason != "" {
		o.logger.Info("skipping sync delete", "reason", reason)
		return
	}

	o.setState(StateSyncing)

	itemCtx, cancel := o.itemContext(ctx)
	defer cancel()

	deleted, err := syncer.DeleteMissing(itemCtx, cfg.Source, persistedIDs)
	if err != nil {
		o.logger.Error("sync delete failed", "source", cfg.Source, "error", err)
		o.recordFailure(cfg.CategoryURL, StageSync, err)
		return
	}

	o.env.Metrics.RecordsDeleted(deleted)
	o.update(func(s *Summary) { s.Deleted = deleted })
	o.logger.Info("sync delete finished", "source", cfg.Source, "deleted", deleted)
}
