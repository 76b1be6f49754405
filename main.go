package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"manga_ranker/api"
	"manga_ranker/config"
	"manga_ranker/console"
	"manga_ranker/httputil"
	"manga_ranker/logging"
	"manga_ranker/models"
	"manga_ranker/scheduler"
	"manga_ranker/scraper"
	"manga_ranker/services"
	"manga_ranker/storage"
	"manga_ranker/workers"
)

var (
	scrapeNow   = flag.Bool("scrape", false, "Run one scrape batch and exit")
	storeID     = flag.Int64("store", 0, "Only scrape this store id (with -scrape)")
	testMode    = flag.Bool("test", false, fmt.Sprintf("Test mode: at most %d entries per category", scraper.TestModeItemLimit))
	itemLimit   = flag.Int("limit", 0, "Max entries per store (0 = configured default)")
	aggregate   = flag.Bool("aggregate", false, "Aggregate scores and exit")
	dateFlag    = flag.String("date", "", "Date to aggregate, YYYY-MM-DD (default today)")
	enrichOnce  = flag.Bool("enrich", false, "Run one enrichment batch and exit")
	consoleMode = flag.Bool("console", false, "Open the terminal dashboard against the configured database")
	logFilePath = flag.String("log", "daemon.log", "Log file path")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logging.Setup(*logFilePath, cfg.LogLevel)
	log := logging.For("main")
	if err != nil {
		log.Warn().Err(err).Msg("could not set up file logging")
	} else {
		defer logFile.Close()
	}

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().Int("stores", len(cfg.Stores)).Msg("starting manga_ranker")
	for _, id := range cfg.StoreIDs() {
		sc := cfg.Stores[id]
		log.Debug().Int64("store_id", id).Str("name", sc.Name).Str("handler", sc.Handler).Bool("disabled", sc.Disabled).Msg("store config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if *consoleMode {
		return console.Run(ctx, store)
	}

	if err := services.SyncStores(ctx, store, cfg.Stores); err != nil {
		return fmt.Errorf("sync stores: %w", err)
	}

	clients := httputil.NewClients()
	renderer := scraper.NewPlaywrightRenderer(cfg.Scraper.Headless)
	defer renderer.Close()

	registry, err := scraper.NewRegistry(cfg.Stores, clients, renderer)
	if err != nil {
		return fmt.Errorf("build extractors: %w", err)
	}
	coordinator := scraper.NewCoordinator(store, registry, scraper.WithStoreDelay(cfg.StoreDelay()))

	policy, err := services.NewScoringPolicy(cfg.Scraper.ScoringPolicy)
	if err != nil {
		return err
	}
	publisher, err := services.NewRedisPublisher(ctx, cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, ranking updates will not be published")
		publisher = nil
	}
	defer publisher.Close()
	aggregator := services.NewAggregatorService(store, policy, publisher)

	enrichment := newEnrichmentWorker(ctx, cfg, store, clients, log)

	switch {
	case *scrapeNow:
		return runScrape(ctx, coordinator, aggregator, cfg, log)
	case *aggregate:
		date, err := parseDate(*dateFlag)
		if err != nil {
			return err
		}
		n, err := aggregator.Aggregate(ctx, date)
		if err != nil {
			return fmt.Errorf("aggregate: %w", err)
		}
		log.Info().Int("updated", n).Str("date", date.Format(models.DateLayout)).Msg("aggregation complete")
		return nil
	case *enrichOnce:
		if enrichment == nil {
			return fmt.Errorf("enrichment requires GOOGLE_BOOKS_API_KEY")
		}
		stats, err := enrichment.RunBatch(ctx, cfg.GoogleBooks.BatchSize)
		if err != nil {
			return fmt.Errorf("enrich: %w", err)
		}
		log.Info().Int("updated", stats.Updated).Int("not_found", stats.NotFound).Int("covers", stats.Covers).Msg("enrichment complete")
		return nil
	}

	// daemon mode
	sched := scheduler.New(cfg, coordinator, aggregator, store)
	if enrichment != nil {
		sched.SetWorkers(enrichment)
		go enrichment.Run(ctx, cfg.GoogleBooks.BatchSize, cfg.GoogleBooks.Interval)
		log.Info().Dur("interval", cfg.GoogleBooks.Interval).Msg("enrichment worker started")
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := api.NewServer(cfg.HTTPAddr, api.NewRouter(services.NewCatalogService(store)))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Info().Msg("daemon running, press Ctrl+C to stop")
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("read api stopped")
		}
	}

	log.Info().Msg("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("api shutdown")
	}
	sched.Stop()
	log.Info().Msg("goodbye")
	return nil
}

// openStore uses Postgres when DATABASE_URL is set, SQLite otherwise
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.Store, error) {
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		log.Info().Str("db", maskConnectionString(cfg.DatabaseURL)).Msg("connected to postgres")
		return pg, nil
	}
	sq, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	log.Info().Str("path", cfg.DBPath).Msg("sqlite database")
	return sq, nil
}

func newEnrichmentWorker(ctx context.Context, cfg *config.Config, store storage.Store, clients *httputil.Clients,
	log zerolog.Logger) *workers.EnrichmentWorker {
	if cfg.GoogleBooks.APIKey == "" {
		log.Warn().Msg("GOOGLE_BOOKS_API_KEY not set, enrichment disabled")
		return nil
	}

	var opts []services.BooksOption
	if cfg.Memcache.Addr != "" {
		opts = append(opts, services.WithBooksCache(services.NewMemcacheCache(cfg.Memcache.Addr)))
	}
	books := services.NewBooksClient(clients.API, cfg.GoogleBooks.APIKey, opts...)

	var covers *workers.CoverWorker
	if cfg.S3.Enabled() {
		uploader, err := storage.NewS3Uploader(ctx, cfg.S3)
		if err != nil {
			log.Warn().Err(err).Msg("s3 unavailable, covers will not be mirrored")
		} else {
			covers = workers.NewCoverWorker(store, clients.API, uploader)
			covers.SetLogger(workers.StoreLogger(store, "covers"))
		}
	}

	w := workers.NewEnrichmentWorker(store, books, covers)
	w.SetLogger(workers.StoreLogger(store, "enrichment"))
	return w
}

func runScrape(ctx context.Context, coordinator *scraper.Coordinator, aggregator *services.AggregatorService,
	cfg *config.Config, log zerolog.Logger) error {
	opts := scraper.RunOptions{TestMode: *testMode, ItemLimit: *itemLimit}
	if opts.ItemLimit == 0 && !opts.TestMode {
		opts.ItemLimit = cfg.Scraper.ItemLimit
	}

	if *storeID != 0 {
		stats, err := coordinator.RunStore(ctx, *storeID, opts)
		if err != nil {
			return fmt.Errorf("scrape store %d: %w", *storeID, err)
		}
		if stats != nil {
			log.Info().Int64("store_id", stats.StoreID).Str("status", string(stats.Status)).
				Int("persisted", stats.Persisted).Int("rejected", stats.Rejected).Msg("store scrape complete")
		}
		return nil
	}

	batch, err := coordinator.RunAll(ctx, opts)
	if err != nil {
		return fmt.Errorf("scrape: %w", err)
	}
	for _, s := range batch.Stores {
		log.Info().Int64("store_id", s.StoreID).Str("store", s.StoreName).Str("status", string(s.Status)).
			Int("found", s.Found).Int("persisted", s.Persisted).Int("failed", s.Failed).Msg("store result")
	}

	n, err := aggregator.Aggregate(ctx, batch.Date)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	log.Info().Int("succeeded", batch.Succeeded()).Int("failed", batch.Failed()).Int("updated", n).Msg("scrape complete")
	return nil
}

func parseDate(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Now(), nil
	}
	d, err := time.ParseInLocation(models.DateLayout, raw, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -date %q: %w", raw, err)
	}
	return d, nil
}

// maskConnectionString hides the password in a connection URL for logging
func maskConnectionString(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.User == nil {
		return connStr
	}
	return u.Redacted()
}
