package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manga_ranker/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.EnsureCategories(ctx))
	require.NoError(t, s.UpsertStore(ctx, &models.Store{ID: 1, Name: "A"}))
	require.NoError(t, s.UpsertStore(ctx, &models.Store{ID: 2, Name: "B"}))
	return s
}

func createEntry(t *testing.T, s *SQLiteStore, title string, cats ...models.Category) *models.CatalogEntry {
	t.Helper()
	e := &models.CatalogEntry{Title: title, Author: "作者", Categories: cats}
	require.NoError(t, s.CreateCatalogEntry(context.Background(), e))
	require.NotZero(t, e.ID)
	return e
}

func TestCatalogEntryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := createEntry(t, s, "呪術廻戦", models.CategoryAll, models.CategoryShounen)

	got, err := s.FindCatalogEntryByTitle(ctx, "呪術廻戦")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, []models.Category{models.CategoryAll, models.CategoryShounen}, got.Categories)

	missing, err := s.FindCatalogEntryByTitle(ctx, "存在しない")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCatalogTitleUnique(t *testing.T) {
	s := newTestStore(t)
	createEntry(t, s, "ブルーロック")

	err := s.CreateCatalogEntry(context.Background(), &models.CatalogEntry{Title: "ブルーロック", Author: "x"})
	assert.Error(t, err)
}

func TestAddCategoriesIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := createEntry(t, s, "薬屋のひとりごと", models.CategoryAll)

	require.NoError(t, s.AddCatalogCategories(ctx, e.ID, []models.Category{models.CategoryAll, models.CategorySeinen}))
	got, err := s.GetCatalogEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.Category{models.CategoryAll, models.CategorySeinen}, got.Categories)
}

func TestSetFirstBookTitleOnlyWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := createEntry(t, s, "ダンダダン")

	require.NoError(t, s.SetFirstBookTitle(ctx, e.ID, "ダンダダン 1"))
	require.NoError(t, s.SetFirstBookTitle(ctx, e.ID, "other"))

	got, err := s.GetCatalogEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "ダンダダン 1", got.FirstBookTitle)
}

func TestGetOrCreateRunResetsOnRerun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.Local)

	run, err := s.GetOrCreateRun(ctx, 1, day, day.Add(3*time.Hour))
	require.NoError(t, err)

	finished := day.Add(4 * time.Hour)
	run.FinishedAt = &finished
	run.IsSuccess = false
	run.ErrorMessage = "boom"
	require.NoError(t, s.FinishRun(ctx, run))

	again, err := s.GetOrCreateRun(ctx, 1, day, day.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, run.ID, again.ID)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.FinishedAt)
	assert.False(t, stored.IsSuccess)
	assert.Empty(t, stored.ErrorMessage)
	assert.Equal(t, "2024-05-01", stored.ScrapeDate.Format(models.DateLayout))

	other, err := s.GetOrCreateRun(ctx, 2, day, day)
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, other.ID)
}

func TestSuccessfulRunsOn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.Local)
	now := day.Add(time.Hour)

	ok, err := s.GetOrCreateRun(ctx, 1, day, now)
	require.NoError(t, err)
	ok.FinishedAt, ok.IsSuccess = &now, true
	require.NoError(t, s.FinishRun(ctx, ok))

	failed, err := s.GetOrCreateRun(ctx, 2, day, now)
	require.NoError(t, err)
	failed.FinishedAt = &now
	require.NoError(t, s.FinishRun(ctx, failed))

	runs, err := s.SuccessfulRunsOn(ctx, day)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ok.ID, runs[0].ID)

	none, err := s.SuccessfulRunsOn(ctx, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpsertRankRecordReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := createEntry(t, s, "ONE PIECE")
	run, err := s.GetOrCreateRun(ctx, 1, time.Now(), time.Now())
	require.NoError(t, err)

	require.NoError(t, s.UpsertRankRecord(ctx, &models.RankRecord{RunID: run.ID, CatalogID: e.ID, Rank: 5, FreeChapters: 3}))
	require.NoError(t, s.UpsertRankRecord(ctx, &models.RankRecord{RunID: run.ID, CatalogID: e.ID, Rank: 2, FreeBooks: 1}))

	recs, err := s.ListRankRecords(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Rank)
	assert.Equal(t, 0, recs[0].FreeChapters)
	assert.Equal(t, 1, recs[0].FreeBooks)
}

func TestUpsertRankRecordRejectsInvalidRank(t *testing.T) {
	s := newTestStore(t)
	e := createEntry(t, s, "NARUTO")
	run, err := s.GetOrCreateRun(context.Background(), 1, time.Now(), time.Now())
	require.NoError(t, err)

	err = s.UpsertRankRecord(context.Background(), &models.RankRecord{RunID: run.ID, CatalogID: e.ID, Rank: 0})
	assert.ErrorIs(t, err, ErrInvalidRank)
}

func TestDeleteCatalogEntryProtected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ranked := createEntry(t, s, "キングダム")
	loose := createEntry(t, s, "スラムダンク")

	run, err := s.GetOrCreateRun(ctx, 1, time.Now(), time.Now())
	require.NoError(t, err)
	require.NoError(t, s.UpsertRankRecord(ctx, &models.RankRecord{RunID: run.ID, CatalogID: ranked.ID, Rank: 1}))

	assert.ErrorIs(t, s.DeleteCatalogEntry(ctx, ranked.ID), ErrEntryReferenced)
	require.NoError(t, s.DeleteCatalogEntry(ctx, loose.ID))
	assert.ErrorIs(t, s.DeleteCatalogEntry(ctx, loose.ID), ErrNotFound)

	got, err := s.GetCatalogEntry(ctx, ranked.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestInTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(q Queries) error {
		if err := q.CreateCatalogEntry(ctx, &models.CatalogEntry{Title: "幻", Author: "x"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	assert.EqualError(t, err, "abort")

	got, err := s.FindCatalogEntryByTitle(ctx, "幻")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.InTx(ctx, func(q Queries) error {
		return q.CreateCatalogEntry(ctx, &models.CatalogEntry{Title: "実", Author: "x"})
	}))
	got, err = s.FindCatalogEntryByTitle(ctx, "実")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestListCatalogOrderingAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createEntry(t, s, "A", models.CategoryAll, models.CategoryShounen)
	b := createEntry(t, s, "B", models.CategoryAll)
	c := createEntry(t, s, "C", models.CategoryAll, models.CategoryShounen)
	require.NoError(t, s.UpdateCatalogScore(ctx, a.ID, 500, 0, 0))
	require.NoError(t, s.UpdateCatalogScore(ctx, b.ID, 1000, 0, 0))
	require.NoError(t, s.UpdateCatalogScore(ctx, c.ID, 500, 0, 0))

	all, err := s.ListCatalog(ctx, models.CatalogQuery{Category: models.CategoryAll, Count: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{b.ID, a.ID, c.ID}, []int64{all[0].ID, all[1].ID, all[2].ID})

	shounen, err := s.ListCatalog(ctx, models.CatalogQuery{Category: models.CategoryShounen, Count: 10})
	require.NoError(t, err)
	require.Len(t, shounen, 2)
	assert.Equal(t, a.ID, shounen[0].ID)

	page, err := s.ListCatalog(ctx, models.CatalogQuery{Category: models.CategoryAll, Offset: 1, Count: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, a.ID, page[0].ID)
}

func TestUpsertStoreKeepsOriginalDeletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertStore(ctx, &models.Store{ID: 2, Name: "B", DeletedAt: &first}))
	later := first.AddDate(0, 1, 0)
	require.NoError(t, s.UpsertStore(ctx, &models.Store{ID: 2, Name: "B", DeletedAt: &later}))

	st, err := s.GetStore(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, st.DeletedAt)
	assert.True(t, st.DeletedAt.Equal(first))

	active, err := s.ListActiveStores(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].ID)

	require.NoError(t, s.UpsertStore(ctx, &models.Store{ID: 2, Name: "B"}))
	active, err = s.ListActiveStores(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestCategoryURLsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceCategoryURLs(ctx, 1, []models.StoreCategoryURL{
		{Category: models.CategoryJosei, URL: "https://example.com/josei"},
		{Category: models.CategoryAll, URL: "https://example.com/all"},
	}))
	urls, err := s.ListCategoryURLs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, urls, 2)
	assert.Equal(t, models.CategoryAll, urls[0].Category)
	assert.Equal(t, models.CategoryJosei, urls[1].Category)

	cats, err := s.ListCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Categories, cats)
}

func TestEnrichmentAndCoverQueues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := createEntry(t, s, "チェンソーマン")

	queue, err := s.ListCatalogForEnrichment(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	require.NoError(t, s.UpdateCatalogMetadata(ctx, e.ID, "https://books.example/cover.jpg", "説明"))
	queue, err = s.ListCatalogForEnrichment(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, queue)

	external, err := s.ListExternalCovers(ctx, "https://cdn.example/", 10)
	require.NoError(t, err)
	require.Len(t, external, 1)

	require.NoError(t, s.UpdateCoverImage(ctx, e.ID, "https://cdn.example/covers/1.jpg"))
	external, err = s.ListExternalCovers(ctx, "https://cdn.example/", 10)
	require.NoError(t, err)
	assert.Empty(t, external)
}

func TestCommandsQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cmd := &models.Command{Command: models.CmdScrapeStore, Params: []byte(`{"store_id":2}`)}
	require.NoError(t, s.CreateCommand(ctx, cmd))

	pending, err := s.PendingCommands(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	params, err := pending[0].ParseParams()
	require.NoError(t, err)
	assert.Equal(t, int64(2), params.StoreID)

	require.NoError(t, s.MarkCommandProcessed(ctx, cmd.ID))
	pending, err = s.PendingCommands(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecentRunsAndLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 10, 13, 0, 0, 0, 0, time.Local)

	older, err := s.GetOrCreateRun(ctx, 1, day, day.Add(time.Hour))
	require.NoError(t, err)
	newer, err := s.GetOrCreateRun(ctx, 2, day, day.Add(2*time.Hour))
	require.NoError(t, err)

	runs, err := s.ListRecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)
	assert.Equal(t, older.ID, runs[1].ID)

	runs, err = s.ListRecentRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	require.NoError(t, s.AppendLog(ctx, &models.ScrapeLog{BatchID: "b1", Level: models.LogLevelInfo, Message: "first", StoreID: 1}))
	require.NoError(t, s.AppendLog(ctx, &models.ScrapeLog{RunID: &older.ID, BatchID: "b1", Level: models.LogLevelError, Message: "second", StoreID: 1}))

	logs, err := s.ListRecentLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "second", logs[0].Message)
	assert.Equal(t, models.LogLevelError, logs[0].Level)
	require.NotNil(t, logs[0].RunID)
	assert.Equal(t, older.ID, *logs[0].RunID)
	assert.Nil(t, logs[1].RunID)
	assert.Equal(t, "b1", logs[1].BatchID)
}
