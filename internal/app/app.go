package app

import (
	"context"
	"fmt"
	"log/slog"

	"arxivdigest/internal/config"
	"arxivdigest/internal/export"
	"arxivdigest/internal/filter"
	"arxivdigest/internal/highlight"
	"arxivdigest/internal/infrastructure/arxiv"
	"arxivdigest/internal/infrastructure/cache"
	"arxivdigest/internal/infrastructure/llm"
	"arxivdigest/internal/logging"
	"arxivdigest/internal/usecase"
)

// Application wires configuration into the per-run component graph. All
// state lives in this graph; there are no package-level singletons.
type Application struct {
	cfg    config.Config
	digest *usecase.Digest
	store  *cache.Store
}

// New builds a runnable application instance.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	fingerprint := cfg.Fingerprint()
	baseLogger.Info("configuration fingerprint", "fingerprint", fingerprint)

	store, err := cache.New(
		cfg.Cache.Dir,
		cfg.Cache.SizeLimit(),
		cfg.Cache.TTL(),
		baseLogger.With("component", "cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	oracle := llm.NewClient(cfg.LLM, baseLogger.With("component", "llm"))

	crawler := arxiv.NewCrawler(arxiv.CrawlerOptions{
		BaseURL:       cfg.Crawler.BaseURL,
		MaxConcurrent: cfg.Crawler.MaxConcurrent,
		Timeout:       cfg.Crawler.Timeout(),
		MaxRetries:    cfg.Crawler.MaxRetries,
		RetryDelay:    cfg.Crawler.RetryDelay(),
	}, nil, baseLogger.With("component", "crawler"))

	source := arxiv.NewListing(arxiv.ListingOptions{
		Field:      cfg.Arxiv.Field,
		Categories: cfg.Arxiv.Categories,
		MaxResults: cfg.Arxiv.MaxResults,
	}, nil, baseLogger.With("component", "listing"))

	stageDeps := filter.StageDeps{
		Cache:       store,
		Oracle:      oracle,
		Fetcher:     crawler,
		Fingerprint: fingerprint,
		Log:         baseLogger.With("component", "filter"),
	}
	pipeline := filter.NewPipeline(
		filter.NewStage1(cfg.Stage1, stageDeps),
		filter.NewStage2(cfg.Stage2, stageDeps),
		filter.NewStage3(cfg.Stage3, stageDeps),
		baseLogger.With("component", "pipeline"),
	)

	var highlighter *highlight.Highlighter
	if cfg.Highlight.Enabled {
		highlighter = highlight.New(cfg.Highlight, oracle, store, fingerprint,
			baseLogger.With("component", "highlighter"))
	}

	exporter := export.NewExporter(cfg.Output.Title, cfg.LLM.Model,
		baseLogger.With("component", "exporter"))

	digest := usecase.NewDigest(usecase.DigestDeps{
		Source:      source,
		Pipeline:    pipeline,
		Highlighter: highlighter,
		Exporter:    exporter,
		Criteria:    cfg.Criteria,
		OutputPath:  cfg.Output.Path,
		Logger:      baseLogger.With("component", "digest"),
	})

	return &Application{cfg: cfg, digest: digest, store: store}, nil
}

// Run performs a single digest cycle and releases the cache.
func (a *Application) Run(ctx context.Context) error {
	defer a.store.Close()
	return a.digest.Run(ctx)
}
