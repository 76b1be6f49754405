package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"manga_ranker/httputil"
	"manga_ranker/logging"
	"manga_ranker/models"
	"manga_ranker/services"
	"manga_ranker/storage"
)

const defaultStaleAfter = 30 * 24 * time.Hour

// BookLookup finds volume metadata for a catalog entry
type BookLookup interface {
	Lookup(ctx context.Context, firstBookTitle, title string) (*services.Volume, error)
	QuotaExceeded() bool
	ResetQuota()
}

// EnrichmentWorker fills in descriptions and cover images from Google Books
type EnrichmentWorker struct {
	store      storage.Queries
	books      BookLookup
	covers     *CoverWorker
	sleeper    httputil.Sleeper
	staleAfter time.Duration
	now        func() time.Time
	triggerCh  chan struct{}
	logFunc    LogFunc
	log        zerolog.Logger
}

// EnrichStats is the outcome of one enrichment batch
type EnrichStats struct {
	Processed    int
	Updated      int
	NotFound     int
	Failed       int
	SkippedQuota int
	Covers       int
}

// NewEnrichmentWorker creates a new enrichment worker. covers may be nil.
func NewEnrichmentWorker(store storage.Queries, books BookLookup, covers *CoverWorker) *EnrichmentWorker {
	return &EnrichmentWorker{
		store:      store,
		books:      books,
		covers:     covers,
		sleeper:    httputil.RealSleeper,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		triggerCh:  make(chan struct{}, 1),
		logFunc:    NoOpLogger,
		log:        logging.For("enrichment"),
	}
}

func (w *EnrichmentWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

func (w *EnrichmentWorker) SetSleeper(s httputil.Sleeper) {
	w.sleeper = s
}

// Trigger causes the worker to run immediately
func (w *EnrichmentWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run starts the enrichment worker loop
func (w *EnrichmentWorker) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("enrichment worker stopping")
			return
		case <-ticker.C:
		case <-w.triggerCh:
		}
		if _, err := w.RunBatch(ctx, batchSize); err != nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("enrichment batch failed")
		}
	}
}

// RunBatch enriches up to batchSize entries that were never enriched or are
// stale, then mirrors their covers. The quota flag is cleared at the start.
func (w *EnrichmentWorker) RunBatch(ctx context.Context, batchSize int) (EnrichStats, error) {
	var stats EnrichStats
	if w.books == nil {
		w.log.Error().Msg("google books client not configured, enrichment disabled")
		return stats, nil
	}
	w.books.ResetQuota()

	entries, err := w.store.ListCatalogForEnrichment(ctx, w.now().Add(-w.staleAfter), batchSize)
	if err != nil {
		return stats, fmt.Errorf("list entries: %w", err)
	}
	if len(entries) == 0 {
		return stats, nil
	}
	w.log.Info().Int("entries", len(entries)).Msg("processing enrichment batch")

	for i := range entries {
		e := &entries[i]
		if w.books.QuotaExceeded() {
			stats.SkippedQuota++
			continue
		}
		stats.Processed++

		v, err := w.books.Lookup(ctx, e.FirstBookTitle, e.Title)
		switch {
		case errors.Is(err, services.ErrQuotaExceeded):
			stats.Processed--
			stats.SkippedQuota++
			continue
		case err != nil:
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			w.log.Warn().Err(err).Int64("catalog_id", e.ID).Str("title", e.Title).Msg("lookup failed")
			stats.Failed++
		default:
			if err := w.apply(ctx, e, v); err != nil {
				w.log.Warn().Err(err).Int64("catalog_id", e.ID).Msg("could not save enrichment")
				stats.Failed++
			} else if v == nil {
				stats.NotFound++
			} else {
				stats.Updated++
			}
		}

		if i < len(entries)-1 {
			if err := w.sleeper.Sleep(ctx, lookupPause(e.ID)); err != nil {
				return stats, err
			}
		}
	}

	if stats.SkippedQuota > 0 {
		msg := fmt.Sprintf("google books quota exceeded, %d entries skipped", stats.SkippedQuota)
		w.log.Warn().Int("skipped", stats.SkippedQuota).Msg("google books quota exceeded")
		w.logFunc(models.LogLevelWarn, "enrichment", msg)
	}

	if w.covers != nil {
		mirrored, _, err := w.covers.MirrorBatch(ctx, batchSize)
		if err != nil {
			w.log.Warn().Err(err).Msg("cover mirror failed")
		}
		stats.Covers = mirrored
	}

	w.log.Info().Int("updated", stats.Updated).Int("not_found", stats.NotFound).Int("failed", stats.Failed).
		Int("skipped_quota", stats.SkippedQuota).Msg("enrichment batch done")
	w.logFunc(models.LogLevelInfo, "enrichment",
		fmt.Sprintf("updated %d, not found %d, failed %d", stats.Updated, stats.NotFound, stats.Failed))
	return stats, nil
}

// apply stores what was found. A miss still stamps enriched_at so the entry
// waits until it is stale before the next lookup.
func (w *EnrichmentWorker) apply(ctx context.Context, e *models.CatalogEntry, v *services.Volume) error {
	cover, desc := e.CoverImage, e.Description
	if v != nil {
		if d := strings.TrimSpace(v.Description); d != "" {
			desc = d
		}
		if t := strings.TrimSpace(v.Thumbnail); t != "" {
			cover = t
		}
	}
	return w.store.UpdateCatalogMetadata(ctx, e.ID, cover, desc)
}

// 3s or 8s alternating by id
func lookupPause(id int64) time.Duration {
	return 3*time.Second + 5*time.Second*time.Duration(id%2)
}
