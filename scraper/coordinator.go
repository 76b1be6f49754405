package scraper

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"manga_ranker/httputil"
	"manga_ranker/identity"
	"manga_ranker/logging"
	"manga_ranker/models"
	apperrors "manga_ranker/pkg/errors"
	"manga_ranker/storage"
)

const DefaultStoreDelay = 5 * time.Second

// ErrBatchRunning is returned when a batch is requested while another is in progress
var ErrBatchRunning = errors.New("scrape batch already running")

type RunOptions struct {
	TestMode  bool
	ItemLimit int
	StoreIDs  []int64 // empty means every active store
}

func (o RunOptions) wants(storeID int64) bool {
	if len(o.StoreIDs) == 0 {
		return true
	}
	for _, id := range o.StoreIDs {
		if id == storeID {
			return true
		}
	}
	return false
}

// BatchStats summarizes one RunAll call
type BatchStats struct {
	BatchID    string              `json:"batch_id"`
	Date       time.Time           `json:"date"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Stores     []models.StoreStats `json:"stores"`
}

func (b *BatchStats) count(status models.RunStatus) int {
	n := 0
	for _, s := range b.Stores {
		if s.Status == status {
			n++
		}
	}
	return n
}

func (b *BatchStats) Succeeded() int { return b.count(models.RunStatusSucceeded) }
func (b *BatchStats) Failed() int    { return b.count(models.RunStatusFailed) }

// Coordinator drives the daily scrape: one run per active store, stores in
// id order, every raw entry persisted in its own transaction.
type Coordinator struct {
	store      storage.Store
	registry   Registry
	storeDelay time.Duration
	sleeper    httputil.Sleeper
	now        func() time.Time
	log        zerolog.Logger

	paused  atomic.Bool
	running sync.Mutex
}

type CoordinatorOption func(*Coordinator)

func WithStoreDelay(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.storeDelay = d }
}

func WithCoordinatorSleeper(s httputil.Sleeper) CoordinatorOption {
	return func(c *Coordinator) { c.sleeper = s }
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(store storage.Store, registry Registry, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:      store,
		registry:   registry,
		storeDelay: DefaultStoreDelay,
		sleeper:    httputil.RealSleeper,
		now:        time.Now,
		log:        logging.For("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Pause()         { c.paused.Store(true) }
func (c *Coordinator) Resume()        { c.paused.Store(false) }
func (c *Coordinator) IsPaused() bool { return c.paused.Load() }

// RunAll scrapes every selected active store for today. Store failures are
// recorded on their runs and never returned; only storage errors listing
// stores, overlapping batches and cancellation are.
func (c *Coordinator) RunAll(ctx context.Context, opts RunOptions) (*BatchStats, error) {
	if c.IsPaused() {
		c.log.Info().Msg("scraper is paused, skipping run")
		return &BatchStats{}, nil
	}
	if !c.running.TryLock() {
		return nil, ErrBatchRunning
	}
	defer c.running.Unlock()

	stores, err := c.store.ListActiveStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}

	start := c.now()
	batch := &BatchStats{
		BatchID:   uuid.NewString(),
		Date:      models.Day(start),
		StartedAt: start,
	}
	log := c.log.With().Str("batch_id", batch.BatchID).Logger()
	log.Info().Int("stores", len(stores)).Str("date", batch.Date.Format(models.DateLayout)).
		Bool("test_mode", opts.TestMode).Msg("starting scrape batch")

	ran := false
	for _, st := range stores {
		if !opts.wants(st.ID) {
			continue
		}
		if _, ok := c.registry.Get(st.ID); ok && ran {
			if err := c.sleeper.Sleep(ctx, c.storeDelay); err != nil {
				batch.FinishedAt = c.now()
				return batch, err
			}
		}

		stats := c.runStore(ctx, batch, st, opts)
		batch.Stores = append(batch.Stores, stats)
		if stats.Status != models.RunStatusSkipped {
			ran = true
		}
		if err := ctx.Err(); err != nil {
			batch.FinishedAt = c.now()
			return batch, err
		}
	}

	batch.FinishedAt = c.now()
	log.Info().Int("succeeded", batch.Succeeded()).Int("failed", batch.Failed()).
		Dur("took", batch.FinishedAt.Sub(batch.StartedAt)).Msg("scrape batch finished")
	return batch, nil
}

// RunStore scrapes one active store. A paused coordinator returns nil stats.
func (c *Coordinator) RunStore(ctx context.Context, storeID int64, opts RunOptions) (*models.StoreStats, error) {
	opts.StoreIDs = []int64{storeID}
	batch, err := c.RunAll(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(batch.Stores) == 0 {
		if c.IsPaused() {
			return nil, nil
		}
		return nil, fmt.Errorf("active store %d: %w", storeID, storage.ErrNotFound)
	}
	return &batch.Stores[0], nil
}

func (c *Coordinator) runStore(ctx context.Context, batch *BatchStats, st models.Store, opts RunOptions) models.StoreStats {
	stats := models.StoreStats{StoreID: st.ID, StoreName: st.Name, Status: models.RunStatusPending}
	log := logging.WithStore(c.log, st.ID, st.Name).With().Str("batch_id", batch.BatchID).Logger()

	extractor, ok := c.registry.Get(st.ID)
	if !ok {
		stats.Status = models.RunStatusSkipped
		stats.Error = "no extractor registered"
		c.record(ctx, log, batch.BatchID, nil, st.ID, models.LogLevelError, "no extractor registered for store, skipping")
		return stats
	}

	run, err := c.store.GetOrCreateRun(ctx, st.ID, batch.Date, c.now())
	if err != nil {
		stats.Status = models.RunStatusFailed
		stats.Error = err.Error()
		log.Error().Err(err).Msg("could not open scrape run")
		return stats
	}
	stats.RunID = run.ID
	stats.Status = models.RunStatusRunning
	c.record(ctx, log, batch.BatchID, &run.ID, st.ID, models.LogLevelInfo, "starting scrape for "+st.Name)

	err = c.safeScrape(ctx, log, run, st, extractor, opts, &stats)

	finished := c.now()
	run.FinishedAt = &finished
	run.IsSuccess = err == nil
	run.ErrorMessage = ""
	if err != nil {
		run.ErrorMessage = err.Error()
		stats.Error = err.Error()
	}
	if ferr := c.store.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
		log.Error().Err(ferr).Int64("run_id", run.ID).Msg("could not finish scrape run")
	}

	if err != nil {
		stats.Status = models.RunStatusFailed
		c.record(ctx, log, batch.BatchID, &run.ID, st.ID, models.LogLevelError, "scrape failed: "+firstLine(err.Error()))
	} else {
		stats.Status = models.RunStatusSucceeded
		c.record(ctx, log, batch.BatchID, &run.ID, st.ID, models.LogLevelInfo,
			fmt.Sprintf("completed: %d found, %d persisted, %d new, %d rejected, %d failed",
				stats.Found, stats.Persisted, stats.Created, stats.Rejected, stats.Failed))
	}
	return stats
}

// safeScrape turns an extractor panic into a run failure carrying the stack
func (c *Coordinator) safeScrape(ctx context.Context, log zerolog.Logger, run *models.ScrapeRun, st models.Store,
	ex Extractor, opts RunOptions, stats *models.StoreStats) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return c.scrapeStore(ctx, log, run, st, ex, opts, stats)
}

func (c *Coordinator) scrapeStore(ctx context.Context, log zerolog.Logger, run *models.ScrapeRun, st models.Store,
	ex Extractor, opts RunOptions, stats *models.StoreStats) error {
	urls, err := c.categoryURLs(ctx, st)
	if err != nil {
		return err
	}

	var lastUnavailable error
	unavailable := 0
	for _, cu := range urls {
		entries, err := ex.Extract(ctx, cu.URL, Options{
			TestMode:  opts.TestMode,
			ItemLimit: opts.ItemLimit,
			Category:  cu.Category,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, httputil.ErrPageUnavailable) {
				log.Warn().Err(err).Str("category", string(cu.Category)).Msg("category page unavailable, skipping")
				unavailable++
				lastUnavailable = err
				continue
			}
			return fmt.Errorf("extract %s: %w", cu.Category, err)
		}

		stats.Found += len(entries)
		for _, raw := range entries {
			if raw.Category == "" {
				raw.Category = cu.Category
			}
			c.persist(ctx, log, run, st, raw, stats)
		}
		log.Info().Str("category", string(cu.Category)).Int("entries", len(entries)).Msg("category done")
	}

	if unavailable > 0 && unavailable == len(urls) {
		return fmt.Errorf("all %d category pages unavailable: %w", unavailable, lastUnavailable)
	}
	return nil
}

// categoryURLs falls back to the store's legacy single URL as the "all" ranking
func (c *Coordinator) categoryURLs(ctx context.Context, st models.Store) ([]models.StoreCategoryURL, error) {
	urls, err := c.store.ListCategoryURLs(ctx, st.ID)
	if err != nil {
		return nil, fmt.Errorf("list category urls: %w", err)
	}
	if len(urls) == 0 && st.URL != "" {
		urls = []models.StoreCategoryURL{{StoreID: st.ID, Category: models.CategoryAll, URL: st.URL}}
	}
	if len(urls) == 0 {
		return nil, apperrors.NewConfiguration(fmt.Sprintf("store %d has no ranking urls", st.ID), nil)
	}
	return urls, nil
}

// persist resolves one raw entry and writes its rank record in a single transaction
func (c *Coordinator) persist(ctx context.Context, log zerolog.Logger, run *models.ScrapeRun, st models.Store,
	raw models.RawEntry, stats *models.StoreStats) {
	var created bool
	err := c.store.InTx(ctx, func(q storage.Queries) error {
		entry, isNew, err := identity.NewResolver(q).Resolve(ctx, identity.Input{
			Title:          raw.Title,
			Author:         raw.Author,
			Categories:     []models.Category{raw.Category},
			FirstBookTitle: raw.FirstBookTitle,
		})
		if err != nil {
			return err
		}
		created = isNew

		if err := q.UpsertRankRecord(ctx, &models.RankRecord{
			RunID:        run.ID,
			CatalogID:    entry.ID,
			Rank:         raw.Rank,
			FreeChapters: raw.FreeChapters,
			FreeBooks:    raw.FreeBooks,
		}); err != nil {
			return apperrors.NewPersistence(st.Name, "upsert rank record", err)
		}

		if raw.DetailURL != "" {
			if err := q.UpsertDetailLink(ctx, &models.StoreDetailLink{
				CatalogID:    entry.ID,
				StoreID:      st.ID,
				URL:          raw.DetailURL,
				FreeChapters: raw.FreeChapters,
				FreeBooks:    raw.FreeBooks,
			}); err != nil {
				return apperrors.NewPersistence(st.Name, "upsert detail link", err)
			}
		}
		return nil
	})

	switch {
	case err == nil:
		stats.Persisted++
		if created {
			stats.Created++
		}
	case apperrors.Is(err, apperrors.ErrorTypeValidation), errors.Is(err, storage.ErrInvalidRank):
		stats.Rejected++
		log.Debug().Err(err).Int("rank", raw.Rank).Str("title", raw.Title).Msg("entry rejected")
	default:
		stats.Failed++
		log.Warn().Err(err).Int("rank", raw.Rank).Str("title", raw.Title).Msg("could not persist entry")
	}
}

// record logs and mirrors a run-level message into scrape_logs
func (c *Coordinator) record(ctx context.Context, log zerolog.Logger, batchID string, runID *int64, storeID int64,
	level models.LogLevel, msg string) {
	switch level {
	case models.LogLevelError:
		log.Error().Msg(msg)
	case models.LogLevelWarn:
		log.Warn().Msg(msg)
	default:
		log.Info().Msg(msg)
	}

	if err := c.store.AppendLog(context.WithoutCancel(ctx), &models.ScrapeLog{
		RunID:     runID,
		BatchID:   batchID,
		Timestamp: c.now(),
		Level:     level,
		Message:   msg,
		StoreID:   storeID,
	}); err != nil {
		log.Debug().Err(err).Msg("could not mirror log")
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
