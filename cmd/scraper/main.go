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

	"github.com/maltedev/stories-scraper/internal/app"
	"github.com/maltedev/stories-scraper/internal/config"
	"github.com/maltedev/stories-scraper/internal/pipeline"
	"github.com/maltedev/stories-scraper/internal/storage"
	"github.com/maltedev/stories-scraper/pkg/logger"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so deferred cleanup runs before exit.
func run(args []string) int {
	flags := flag.NewFlagSet("scraper", flag.ContinueOnError)
	var (
		mode        = flags.String("mode", "full", "Run mode: full, category, products, embeddings")
		urls        = flags.String("urls", "", "Comma-separated list of product URLs to scrape")
		inputFile   = flags.String("input-file", "", "File with URLs (JSON array or one per line) or records")
		outputFile  = flags.String("output-file", "", "Write URLs or records as JSON to this file instead of stdout")
		categoryURL = flags.String("category-url", "", "Category listing URL (overrides config)")
		maxPages    = flags.Int("max-pages", 0, "Maximum listing pages to visit (overrides config)")
		limit       = flags.Int("limit", 0, "Maximum number of products to scrape")
		dryRun      = flags.Bool("dry-run", false, "Scrape without embedding or persisting")
		noEmbed     = flags.Bool("no-embed", false, "Skip the embedding stage")
		syncDelete  = flags.Bool("sync-delete", false, "Delete products of this source missing from the run")
		stats       = flags.Bool("stats", false, "Print configuration and database statistics, then exit")
		configFile  = flags.String("config", "", "Site YAML file (default $SITE_CONFIG or config/stories.yaml)")
	)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}
	applyFlags(cfg, *categoryURL, *maxPages, *limit, *dryRun, *syncDelete)

	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid configuration: %v", err)
		return 1
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("shutdown signal received, finishing current item")
			cancel()
		case <-ctx.Done():
		}
	}()

	if *stats {
		if err := printStats(ctx, cfg, logger); err != nil {
			logger.Error("failed to collect stats", "error", err)
			return 1
		}
		return 0
	}

	a, err := app.New(ctx, cfg, logger, app.Options{
		NoDatabase: cfg.Scraper.DryRun,
		NoEmbedder: *mode != "embeddings" && (cfg.Scraper.DryRun || *noEmbed),
	})
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer a.Close()

	pc := a.PipelineConfig()
	pc.SkipEmbedding = *noEmbed
	o, err := a.Orchestrator(&pc)
	if err != nil {
		logger.Error("failed to create pipeline", "error", err)
		return 1
	}

	var res *pipeline.Result
	var output any

	switch *mode {
	case "full":
		res, err = o.RunFull(ctx)
		if res != nil {
			output = res.Records
		}
	case "category":
		res, err = o.Discover(ctx, cfg.Site.CategoryURL)
		if res != nil {
			output = res.URLs
		}
	case "products":
		targets, lerr := loadURLs(*urls, *inputFile)
		if lerr != nil {
			logger.Error("failed to load urls", "error", lerr)
			return 1
		}
		if len(targets) == 0 {
			fmt.Println("No URLs to process. Use -urls or -input-file to specify products to scrape.")
			flags.Usage()
			return 1
		}
		res, err = o.ScrapeProducts(ctx, targets)
		if res != nil {
			output = res.Records
		}
	case "embeddings":
		if *inputFile == "" {
			fmt.Println("The embeddings mode needs -input-file with scraped records.")
			return 1
		}
		records, lerr := storage.ReadRecords(*inputFile)
		if lerr != nil {
			logger.Error("failed to read records", "error", lerr)
			return 1
		}
		res, err = o.Embed(ctx, records)
		if res != nil {
			output = res.Records
		}
	default:
		fmt.Printf("Unknown mode %q\n", *mode)
		flags.Usage()
		return 1
	}

	if res != nil {
		if werr := writeOutput(*outputFile, output); werr != nil {
			logger.Error("failed to write output", "error", werr)
			return 1
		}
		printSummary(res.Summary)
	}

	if errors.Is(err, context.Canceled) {
		logger.Warn("run cancelled")
		return 130
	}
	if err != nil {
		logger.Error("run failed", "mode", *mode, "error", err)
		return 1
	}
	return 0
}

func applyFlags(cfg *config.Config, categoryURL string, maxPages, limit int, dryRun, syncDelete bool) {
	if categoryURL != "" {
		cfg.Site.CategoryURL = categoryURL
	}
	if maxPages > 0 {
		cfg.Scraper.MaxPages = maxPages
	}
	if limit > 0 {
		cfg.Scraper.ProductLimit = limit
	}
	if dryRun {
		cfg.Scraper.DryRun = true
	}
	if syncDelete {
		cfg.Scraper.SyncDelete = true
	}
}

func loadURLs(urls, inputFile string) ([]string, error) {
	var out []string

	for _, u := range strings.Split(urls, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}

	if inputFile != "" {
		fromFile, err := storage.ReadURLs(inputFile)
		if err != nil {
			return nil, err
		}
		out = append(out, fromFile...)
	}

	return out, nil
}

func writeOutput(filename string, v any) error {
	if filename != "" {
		return storage.WriteJSON(filename, v)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(s pipeline.Summary) {
	fmt.Fprintln(os.Stderr, "---")
	fmt.Fprintf(os.Stderr, "Pages visited:   %d (failed %d)\n", s.PagesVisited, s.PagesFailed)
	fmt.Fprintf(os.Stderr, "URLs:            %d discovered, %d unique\n", s.URLsDiscovered, s.URLsUnique)
	fmt.Fprintf(os.Stderr, "Products:        %d attempted, %d scraped, %d skipped\n", s.ProductsAttempted, s.ProductsScraped, s.ProductsSkipped)
	for reason, n := range s.SkipReasons {
		fmt.Fprintf(os.Stderr, "  %-14s %d\n", reason+":", n)
	}
	fmt.Fprintf(os.Stderr, "Embeddings:      %d computed, %d failed\n", s.Embedded, s.EmbeddingFailed)
	fmt.Fprintf(os.Stderr, "Persisted:       %d (failed %d, deleted %d)\n", s.Persisted, s.PersistFailed, s.Deleted)
	fmt.Fprintf(os.Stderr, "Duration:        %s\n", s.Duration)
}

func printStats(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	fmt.Println("Configuration")
	fmt.Printf("  Site file:     %s\n", valueOr(cfg.SiteFile, "(built-in defaults)"))
	fmt.Printf("  Category URL:  %s\n", cfg.Site.CategoryURL)
	fmt.Printf("  Source:        %s\n", cfg.Site.Source)
	fmt.Printf("  Transport:     %s\n", cfg.Scraper.Transport)
	fmt.Printf("  Max pages:     %d\n", cfg.Scraper.MaxPages)
	fmt.Printf("  Retries:       %d (delay %s, %s)\n", cfg.Scraper.MaxRetries, cfg.Scraper.RetryDelay, cfg.Scraper.Backoff)
	fmt.Printf("  Request delay: %s + up to %s\n", cfg.Scraper.RequestDelay, cfg.Scraper.RequestJitter)
	fmt.Printf("  Embedding:     %s (%s, %d dims)\n", cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.Dimension)
	fmt.Printf("  Batch size:    %d\n", cfg.Database.BatchSize)

	if !cfg.Database.Enabled {
		fmt.Println("Database disabled")
		return nil
	}

	a, err := app.New(ctx, cfg, logger, app.Options{NoEmbedder: true})
	if err != nil {
		return err
	}
	defer a.Close()

	sources, err := a.Products.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Products")
	for _, s := range sources {
		fmt.Printf("  %-12s total %d, with embedding %d, without %d\n", s.Source, s.Total, s.WithEmbed, s.WithoutEmbed)
	}

	pending, err := a.Products.Outbox().PendingCount(ctx)
	if err != nil {
		return err
	}
	deadLetter, err := a.Products.Outbox().DeadLetterCount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Outbox\n  pending %d, dead letter %d\n", pending, deadLetter)
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
