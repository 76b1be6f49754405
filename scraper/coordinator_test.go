package scraper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manga_ranker/httputil"
	"manga_ranker/models"
	"manga_ranker/storage"
)

var testNow = time.Date(2026, 10, 14, 3, 0, 0, 0, time.Local)

func newCoordinatorStore(t *testing.T, storeIDs ...int64) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "coord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.EnsureCategories(ctx))
	for _, id := range storeIDs {
		require.NoError(t, s.UpsertStore(ctx, &models.Store{
			ID:   id,
			Name: fmt.Sprintf("store-%d", id),
			URL:  fmt.Sprintf("https://store%d.example/ranking", id),
		}))
	}
	return s
}

func rawEntries(prefix string, n int) []models.RawEntry {
	out := make([]models.RawEntry, n)
	for i := range out {
		out[i] = models.RawEntry{
			Title:        fmt.Sprintf("%s%d", prefix, i+1),
			Author:       "作者",
			Rank:         i + 1,
			FreeChapters: i,
		}
	}
	return out
}

func returning(entries []models.RawEntry) Extractor {
	return ExtractorFunc(func(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error) {
		return entries, nil
	})
}

func newTestCoordinator(store storage.Store, reg Registry, sleeper httputil.Sleeper) *Coordinator {
	return NewCoordinator(store, reg, WithCoordinatorSleeper(sleeper), WithClock(func() time.Time { return testNow }))
}

// failingStore fails the rank write for one rank inside the transaction
type failingStore struct {
	*storage.SQLiteStore
	failRank int
}

func (s *failingStore) InTx(ctx context.Context, fn func(storage.Queries) error) error {
	return s.SQLiteStore.InTx(ctx, func(q storage.Queries) error {
		return fn(failingQueries{Queries: q, failRank: s.failRank})
	})
}

type failingQueries struct {
	storage.Queries
	failRank int
}

func (q failingQueries) UpsertRankRecord(ctx context.Context, rec *models.RankRecord) error {
	if rec.Rank == q.failRank {
		return errors.New("disk I/O error")
	}
	return q.Queries.UpsertRankRecord(ctx, rec)
}

func TestRunAll_PersistsEveryEntry(t *testing.T) {
	s := newCoordinatorStore(t, 1)
	c := newTestCoordinator(s, Registry{1: returning(rawEntries("作品", 10))}, &recordingSleeper{})

	batch, err := c.RunAll(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Stores, 1)
	assert.NotEmpty(t, batch.BatchID)

	stats := batch.Stores[0]
	assert.Equal(t, models.RunStatusSucceeded, stats.Status)
	assert.Equal(t, 10, stats.Found)
	assert.Equal(t, 10, stats.Persisted)
	assert.Equal(t, 10, stats.Created)

	run, err := s.GetRun(context.Background(), stats.RunID)
	require.NoError(t, err)
	assert.True(t, run.IsSuccess)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, models.Day(testNow).Format(models.DateLayout), run.ScrapeDate.Format(models.DateLayout))

	records, err := s.ListRankRecords(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, records, 10)

	entry, err := s.FindCatalogEntryByTitle(context.Background(), "作品1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []models.Category{models.CategoryAll}, entry.Categories)
}

func TestRunAll_OneEntryFailsInIsolation(t *testing.T) {
	base := newCoordinatorStore(t, 1)
	s := &failingStore{SQLiteStore: base, failRank: 5}
	c := newTestCoordinator(s, Registry{1: returning(rawEntries("作品", 10))}, &recordingSleeper{})

	batch, err := c.RunAll(context.Background(), RunOptions{})
	require.NoError(t, err)

	stats := batch.Stores[0]
	assert.Equal(t, models.RunStatusSucceeded, stats.Status)
	assert.Equal(t, 9, stats.Persisted)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 9, stats.Created)

	records, err := base.ListRankRecords(context.Background(), stats.RunID)
	require.NoError(t, err)
	assert.Len(t, records, 9)

	// the catalog entry created in the failed transaction is rolled back
	missing, err := base.FindCatalogEntryByTitle(context.Background(), "作品5")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRunAll_StoreFailuresAreIsolated(t *testing.T) {
	s := newCoordinatorStore(t, 1, 2, 3)
	reg := Registry{
		1: ExtractorFunc(func(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error) {
			return nil, errors.New("selector broke")
		}),
		2: ExtractorFunc(func(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error) {
			panic("nil map")
		}),
		3: returning(rawEntries("作品", 3)),
	}
	sleeper := &recordingSleeper{}
	c := newTestCoordinator(s, reg, sleeper)

	batch, err := c.RunAll(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Stores, 3)

	assert.Equal(t, models.RunStatusFailed, batch.Stores[0].Status)
	assert.Contains(t, batch.Stores[0].Error, "selector broke")
	assert.Equal(t, models.RunStatusFailed, batch.Stores[1].Status)
	assert.Contains(t, batch.Stores[1].Error, "panic: nil map")
	assert.Equal(t, models.RunStatusSucceeded, batch.Stores[2].Status)
	assert.Equal(t, 1, batch.Succeeded())
	assert.Equal(t, 2, batch.Failed())

	failed, err := s.GetRun(context.Background(), batch.Stores[1].RunID)
	require.NoError(t, err)
	assert.False(t, failed.IsSuccess)
	assert.NotNil(t, failed.FinishedAt)
	assert.Contains(t, failed.ErrorMessage, "goroutine", "a panic keeps its stack")

	broken, err := s.GetRun(context.Background(), batch.Stores[0].RunID)
	require.NoError(t, err)
	assert.Contains(t, broken.ErrorMessage, "selector broke")
	assert.NotContains(t, broken.ErrorMessage, "goroutine", "returned errors keep only their wrapped chain")

	assert.Equal(t, 2, sleeper.count(DefaultStoreDelay))
}

func TestRunAll_RerunIsIdempotent(t *testing.T) {
	s := newCoordinatorStore(t, 1)
	c := newTestCoordinator(s, Registry{1: returning(rawEntries("作品", 5))}, &recordingSleeper{})
	ctx := context.Background()

	first, err := c.RunAll(ctx, RunOptions{})
	require.NoError(t, err)
	second, err := c.RunAll(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.Stores[0].RunID, second.Stores[0].RunID, "one run per store per day")
	assert.Equal(t, 0, second.Stores[0].Created)
	assert.Equal(t, 5, second.Stores[0].Persisted)

	records, err := s.ListRankRecords(ctx, second.Stores[0].RunID)
	require.NoError(t, err)
	assert.Len(t, records, 5)

	page, err := s.ListCatalog(ctx, models.CatalogQuery{Count: 100})
	require.NoError(t, err)
	assert.Len(t, page, 5)
}

func TestRunAll_UpsertsDetailLink(t *testing.T) {
	s := newCoordinatorStore(t, 1)
	entry := models.RawEntry{
		Title:        "作品",
		Author:       "作者",
		Rank:         1,
		FreeChapters: 3,
		DetailURL:    "https://store1.example/title/42",
	}
	c := newTestCoordinator(s, Registry{1: ExtractorFunc(func(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error) {
		return []models.RawEntry{entry}, nil
	})}, &recordingSleeper{})
	ctx := context.Background()

	_, err := c.RunAll(ctx, RunOptions{})
	require.NoError(t, err)

	catalog, err := s.FindCatalogEntryByTitle(ctx, "作品")
	require.NoError(t, err)
	require.NotNil(t, catalog)

	link, err := s.GetDetailLink(ctx, catalog.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "https://store1.example/title/42", link.URL)
	assert.Equal(t, 3, link.FreeChapters)

	entry.FreeChapters = 7
	entry.FreeBooks = 2
	_, err = c.RunAll(ctx, RunOptions{})
	require.NoError(t, err)

	link, err = s.GetDetailLink(ctx, catalog.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, 7, link.FreeChapters, "rerun updates the existing link")
	assert.Equal(t, 2, link.FreeBooks)

	other, err := s.GetDetailLink(ctx, catalog.ID, 99)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestRunAll_UnregisteredStoreSkipped(t *testing.T) {
	s := newCoordinatorStore(t, 1, 2)
	sleeper := &recordingSleeper{}
	c := newTestCoordinator(s, Registry{1: returning(rawEntries("作品", 2))}, sleeper)

	batch, err := c.RunAll(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Stores, 2)
	assert.Equal(t, models.RunStatusSkipped, batch.Stores[1].Status)
	assert.Zero(t, batch.Stores[1].RunID)
	assert.Equal(t, 0, sleeper.count(DefaultStoreDelay))

	runs, err := s.SuccessfulRunsOn(context.Background(), models.Day(testNow))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(1), runs[0].StoreID)
}

func TestRunAll_RejectsInvalidEntries(t *testing.T) {
	s := newCoordinatorStore(t, 1)
	entries := []models.RawEntry{
		{Title: "正常", Author: "作者", Rank: 1},
		{Title: "作者不明", Author: models.UnknownPlaceholder, Rank: 2},
		{Title: "順位なし", Author: "作者", Rank: 0},
	}
	c := newTestCoordinator(s, Registry{1: returning(entries)}, &recordingSleeper{})

	batch, err := c.RunAll(context.Background(), RunOptions{})
	require.NoError(t, err)

	stats := batch.Stores[0]
	assert.Equal(t, models.RunStatusSucceeded, stats.Status)
	assert.Equal(t, 1, stats.Persisted)
	assert.Equal(t, 2, stats.Rejected)
	assert.Equal(t, 0, stats.Failed)
}

func TestRunAll_UnavailableCategories(t *testing.T) {
	ctx := context.Background()
	s := newCoordinatorStore(t, 1, 2)
	for _, id := range []int64{1, 2} {
		require.NoError(t, s.ReplaceCategoryURLs(ctx, id, []models.StoreCategoryURL{
			{StoreID: id, Category: models.CategoryAll, URL: "https://x.example/all"},
			{StoreID: id, Category: models.CategoryShoujo, URL: "https://x.example/shoujo"},
		}))
	}

	unavailable := fmt.Errorf("fetch: %w", httputil.ErrPageUnavailable)
	var seen []models.Category
	reg := Registry{
		1: ExtractorFunc(func(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error) {
			seen = append(seen, opts.Category)
			if opts.Category == models.CategoryAll {
				return nil, unavailable
			}
			return rawEntries("少女", 2), nil
		}),
		2: ExtractorFunc(func(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error) {
			return nil, unavailable
		}),
	}
	c := newTestCoordinator(s, reg, &recordingSleeper{})

	batch, err := c.RunAll(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, []models.Category{models.CategoryAll, models.CategoryShoujo}, seen)
	assert.Equal(t, models.RunStatusSucceeded, batch.Stores[0].Status)
	assert.Equal(t, 2, batch.Stores[0].Persisted)
	assert.Equal(t, models.RunStatusFailed, batch.Stores[1].Status)

	entry, err := s.FindCatalogEntryByTitle(ctx, "少女1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []models.Category{models.CategoryShoujo}, entry.Categories)
}

func TestRunAll_PausedAndFiltered(t *testing.T) {
	s := newCoordinatorStore(t, 1, 2)
	reg := Registry{1: returning(rawEntries("作品", 1)), 2: returning(rawEntries("別作品", 1))}
	c := newTestCoordinator(s, reg, &recordingSleeper{})
	ctx := context.Background()

	c.Pause()
	batch, err := c.RunAll(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, batch.Stores)

	c.Resume()
	batch, err = c.RunAll(ctx, RunOptions{StoreIDs: []int64{2}})
	require.NoError(t, err)
	require.Len(t, batch.Stores, 1)
	assert.Equal(t, int64(2), batch.Stores[0].StoreID)
}

func TestRunStore(t *testing.T) {
	s := newCoordinatorStore(t, 1, 2)
	reg := Registry{1: returning(rawEntries("作品", 2)), 2: returning(rawEntries("別作品", 3))}
	c := newTestCoordinator(s, reg, &recordingSleeper{})

	stats, err := c.RunStore(context.Background(), 2, RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 3, stats.Persisted)

	_, err = c.RunStore(context.Background(), 42, RunOptions{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunAll_PassesRunOptionsToExtractor(t *testing.T) {
	s := newCoordinatorStore(t, 1)
	var got Options
	reg := Registry{1: ExtractorFunc(func(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error) {
		got = opts
		assert.Equal(t, "https://store1.example/ranking", categoryURL)
		return nil, nil
	})}
	c := newTestCoordinator(s, reg, &recordingSleeper{})

	_, err := c.RunAll(context.Background(), RunOptions{TestMode: true, ItemLimit: 7})
	require.NoError(t, err)
	assert.True(t, got.TestMode)
	assert.Equal(t, 7, got.ItemLimit)
	assert.Equal(t, TestModeItemLimit, Options{TestMode: true}.Limit())
	assert.Equal(t, models.CategoryAll, got.Category)
}
