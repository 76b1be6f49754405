package console

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manga_ranker/models"
	"manga_ranker/storage"
)

var _ Source = (storage.Store)(nil)

type fakeSource struct {
	stores   []models.Store
	runs     []models.ScrapeRun
	logs     []models.ScrapeLog
	ranking  []models.CatalogEntry
	queries  []models.CatalogQuery
	commands []models.Command
	err      error
}

func (f *fakeSource) ListActiveStores(ctx context.Context) ([]models.Store, error) {
	return f.stores, f.err
}

func (f *fakeSource) ListRecentRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error) {
	return f.runs, nil
}

func (f *fakeSource) ListRecentLogs(ctx context.Context, limit int) ([]models.ScrapeLog, error) {
	return f.logs, nil
}

func (f *fakeSource) ListCatalog(ctx context.Context, q models.CatalogQuery) ([]models.CatalogEntry, error) {
	f.queries = append(f.queries, q)
	return f.ranking, nil
}

func (f *fakeSource) CreateCommand(ctx context.Context, cmd *models.Command) error {
	f.commands = append(f.commands, *cmd)
	return nil
}

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, m Model, s string) (Model, tea.Msg) {
	t.Helper()
	next, cmd := m.Update(key(s))
	var msg tea.Msg
	if cmd != nil {
		msg = cmd()
	}
	return next.(Model), msg
}

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.Local)

func newModel(src Source) Model {
	m := New(src)
	m.now = func() time.Time { return fixedNow }
	return m
}

func TestCommandKeys(t *testing.T) {
	src := &fakeSource{}
	m := newModel(src)

	for _, k := range []string{"s", "t", "a", "p", "u", "e"} {
		var msg tea.Msg
		m, msg = press(t, m, k)
		next, _ := m.Update(msg)
		m = next.(Model)
	}

	require.Len(t, src.commands, 6)
	types := make([]models.CommandType, len(src.commands))
	for i, c := range src.commands {
		types[i] = c.Command
	}
	assert.Equal(t, []models.CommandType{
		models.CmdScrapeNow, models.CmdScrapeNow, models.CmdAggregate,
		models.CmdPause, models.CmdResume, models.CmdRunEnrichment,
	}, types)

	params, err := src.commands[1].ParseParams()
	require.NoError(t, err)
	assert.True(t, params.TestMode)

	params, err = src.commands[2].ParseParams()
	require.NoError(t, err)
	assert.Equal(t, "2026-10-14", params.Date)

	assert.Equal(t, "run_enrichment queued", m.notification)
}

func TestSnapshotAndViews(t *testing.T) {
	finished := fixedNow.Add(-90 * time.Minute)
	src := &fakeSource{
		stores: []models.Store{{ID: 1, Name: "まんが王国"}, {ID: 2, Name: "コミックシーモア"}},
		runs: []models.ScrapeRun{
			{ID: 7, StoreID: 1, ScrapeDate: models.Day(fixedNow), StartedAt: fixedNow.Add(-2 * time.Hour), FinishedAt: &finished, IsSuccess: true},
		},
		logs:    []models.ScrapeLog{{ID: 1, Level: models.LogLevelWarn, Message: "page 2 unavailable", Timestamp: fixedNow}},
		ranking: []models.CatalogEntry{{ID: 3, Title: "ワンピース", Author: "尾田栄一郎", Rating: 1500}},
	}
	m := newModel(src)

	next, _ := m.Update(m.refresh()())
	m = next.(Model)
	require.NoError(t, m.loadErr)
	assert.Len(t, m.stores, 2)

	dash := m.View()
	assert.Contains(t, dash, "まんが王国")
	assert.Contains(t, dash, "succeeded")
	assert.Contains(t, dash, "never run")
	assert.Contains(t, dash, "2h ago")

	m, _ = press(t, m, "tab")
	assert.Equal(t, tabRanking, m.activeTab)
	assert.Contains(t, m.View(), "ワンピース")

	m, _ = press(t, m, "tab")
	assert.Contains(t, m.View(), "page 2 unavailable")
}

func TestRankingCategoryCycle(t *testing.T) {
	src := &fakeSource{}
	m := newModel(src)
	m.activeTab = tabRanking

	m, msg := press(t, m, "right")
	require.NotNil(t, msg)
	assert.Equal(t, models.CategoryShounen, m.selectedCategory())
	require.NotEmpty(t, src.queries)
	assert.Equal(t, models.CategoryShounen, src.queries[len(src.queries)-1].Category)
	assert.Equal(t, rankingRows, src.queries[len(src.queries)-1].Count)
}

func TestLoadError(t *testing.T) {
	src := &fakeSource{err: errors.New("database is locked")}
	m := newModel(src)
	next, _ := m.Update(m.refresh()())
	m = next.(Model)
	assert.Contains(t, m.View(), "database is locked")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "鋼の錬…", truncate("鋼の錬金術師", 4))
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "…", truncate("abc", 1))
	assert.Equal(t, "", truncate("abc", 0))
}
