package services

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manga_ranker/models"
	"manga_ranker/storage"
)

var aggDate = time.Date(2026, 10, 14, 0, 0, 0, 0, time.Local)

type fixture struct {
	t     *testing.T
	store *storage.SQLiteStore
	runs  map[int64]*models.ScrapeRun
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "agg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureCategories(context.Background()))
	return &fixture{t: t, store: s, runs: map[int64]*models.ScrapeRun{}}
}

// run returns the store's run for aggDate, creating the store on first use
func (f *fixture) run(storeID int64, success bool) *models.ScrapeRun {
	f.t.Helper()
	if r, ok := f.runs[storeID]; ok {
		return r
	}
	ctx := context.Background()
	require.NoError(f.t, f.store.UpsertStore(ctx, &models.Store{ID: storeID, Name: fmt.Sprintf("store-%d", storeID)}))
	r, err := f.store.GetOrCreateRun(ctx, storeID, aggDate, aggDate.Add(3*time.Hour))
	require.NoError(f.t, err)
	finished := aggDate.Add(4 * time.Hour)
	r.FinishedAt = &finished
	r.IsSuccess = success
	require.NoError(f.t, f.store.FinishRun(ctx, r))
	f.runs[storeID] = r
	return r
}

func (f *fixture) entry(title string) *models.CatalogEntry {
	f.t.Helper()
	e := &models.CatalogEntry{Title: title, Author: "作者", Categories: []models.Category{models.CategoryAll}}
	require.NoError(f.t, f.store.CreateCatalogEntry(context.Background(), e))
	return e
}

func (f *fixture) rank(storeID int64, e *models.CatalogEntry, rank, freeChapters, freeBooks int) {
	f.t.Helper()
	require.NoError(f.t, f.store.UpsertRankRecord(context.Background(), &models.RankRecord{
		RunID:        f.run(storeID, true).ID,
		CatalogID:    e.ID,
		Rank:         rank,
		FreeChapters: freeChapters,
		FreeBooks:    freeBooks,
	}))
}

func (f *fixture) reload(e *models.CatalogEntry) *models.CatalogEntry {
	f.t.Helper()
	got, err := f.store.GetCatalogEntry(context.Background(), e.ID)
	require.NoError(f.t, err)
	require.NotNil(f.t, got)
	return got
}

type recordingPublisher struct {
	updates []RankingUpdate
	err     error
}

func (p *recordingPublisher) PublishRankingUpdates(ctx context.Context, updates []RankingUpdate) error {
	p.updates = append(p.updates, updates...)
	return p.err
}

func TestAggregate_SumsAcrossStores(t *testing.T) {
	f := newFixture(t)
	e := f.entry("ワンピース")
	f.rank(1, e, 1, 0, 0)
	f.rank(2, e, 3, 0, 0)

	n, err := NewAggregatorService(f.store, TieredPolicy{}, nil).Aggregate(context.Background(), aggDate)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1500, f.reload(e).Rating)
}

func TestAggregate_SameTitleTwoStores(t *testing.T) {
	f := newFixture(t)
	e := f.entry("鋼の錬金術師")
	f.rank(1, e, 1, 10, 1)
	f.rank(2, e, 4, 3, 5)

	_, err := NewAggregatorService(f.store, nil, nil).Aggregate(context.Background(), aggDate)
	require.NoError(t, err)

	got := f.reload(e)
	assert.Equal(t, 1300, got.Rating)
	assert.Equal(t, 10, got.FreeChapters)
	assert.Equal(t, 5, got.FreeBooks)
}

func TestAggregate_CapsRating(t *testing.T) {
	f := newFixture(t)
	e := f.entry("大人気作")
	for id := int64(1); id <= 150; id++ {
		f.rank(id, e, 1, 0, 0)
	}

	_, err := NewAggregatorService(f.store, TieredPolicy{}, nil).Aggregate(context.Background(), aggDate)
	require.NoError(t, err)
	assert.Equal(t, MaxRating, f.reload(e).Rating)
}

func TestAggregate_SuppressesNoOpWrites(t *testing.T) {
	f := newFixture(t)
	a := f.entry("作品A")
	b := f.entry("作品B")
	f.rank(1, a, 2, 1, 0)
	f.rank(1, b, 12, 0, 0)

	pub := &recordingPublisher{}
	agg := NewAggregatorService(f.store, TieredPolicy{}, pub)
	ctx := context.Background()

	n, err := agg.Aggregate(ctx, aggDate)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	before := f.reload(a)
	assert.Equal(t, 750, before.Rating)
	assert.Equal(t, 88, f.reload(b).Rating)

	n, err = agg.Aggregate(ctx, aggDate)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "unchanged records write nothing")
	assert.Equal(t, before.UpdatedAt, f.reload(a).UpdatedAt)
	assert.Len(t, pub.updates, 2)

	// a changed count alone is enough to write
	f.rank(1, b, 12, 4, 0)
	n, err = agg.Aggregate(ctx, aggDate)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 4, f.reload(b).FreeChapters)
}

func TestAggregate_IgnoresFailedRunsAndAbsentEntries(t *testing.T) {
	f := newFixture(t)
	ranked := f.entry("ランク入り")
	absent := f.entry("圏外")
	ctx := context.Background()

	require.NoError(t, f.store.UpdateCatalogScore(ctx, absent.ID, 4242, 1, 1))

	f.run(2, false)
	require.NoError(t, f.store.UpsertRankRecord(ctx, &models.RankRecord{
		RunID: f.runs[2].ID, CatalogID: ranked.ID, Rank: 1,
	}))
	f.rank(1, ranked, 10, 0, 0)

	_, err := NewAggregatorService(f.store, TieredPolicy{}, nil).Aggregate(ctx, aggDate)
	require.NoError(t, err)
	assert.Equal(t, 100, f.reload(ranked).Rating, "failed run does not count")
	assert.Equal(t, 4242, f.reload(absent).Rating, "no decay on absence")
}

func TestAggregate_NoRunsIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.entry("何もなし")

	n, err := NewAggregatorService(f.store, TieredPolicy{}, nil).Aggregate(context.Background(), aggDate.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAggregate_PublisherFailureIsNotReturned(t *testing.T) {
	f := newFixture(t)
	e := f.entry("配信失敗")
	f.rank(1, e, 5, 0, 0)

	pub := &recordingPublisher{err: assert.AnError}
	n, err := NewAggregatorService(f.store, FlatPolicy{}, pub).Aggregate(context.Background(), aggDate)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.updates, 1)
	assert.Equal(t, 95, pub.updates[0].Rating)
	assert.Equal(t, "2026-10-14", pub.updates[0].Date)
}
