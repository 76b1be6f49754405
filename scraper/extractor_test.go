package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manga_ranker/config"
	"manga_ranker/httputil"
	"manga_ranker/models"
)

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func (s *recordingSleeper) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.waits {
		if w == d {
			n++
		}
	}
	return n
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)
	return b
}

func rankingStore(handler string) *config.StoreConfig {
	return &config.StoreConfig{
		ID:      9,
		Name:    "テスト書店",
		Handler: handler,
		Selectors: config.Selectors{
			Item:         "li.item",
			Rank:         "span.rank",
			Title:        "h2.title",
			Author:       "span.author",
			FreeChapters: "span.free",
			FreeBooks:    "span.books",
			Link:         "a.link",
		},
		Detail: config.DetailSelectors{
			Author:         "p.detail-author",
			FreeBooks:      "span.free-vol",
			FirstBookTitle: "h1.first-volume",
		},
	}
}

func testPolicy(srv *httptest.Server, sleeper httputil.Sleeper) *httputil.Policy {
	return httputil.NewPolicy(srv.Client(), "test", httputil.DefaultPolicyConfig(), httputil.WithSleeper(sleeper))
}

func TestStaticExtractor_ParsesRanking(t *testing.T) {
	page := fixture(t, "ranking.html")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(page)
	}))
	defer srv.Close()

	e := NewStaticExtractor(rankingStore(HandlerStatic), testPolicy(srv, &recordingSleeper{}))
	entries, err := e.Extract(context.Background(), srv.URL+"/ranking", Options{Category: models.CategoryShounen})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	first := entries[0]
	assert.Equal(t, 1, first.Rank)
	assert.Equal(t, "呪術廻戦", first.Title)
	assert.Equal(t, "芥見下々", first.Author)
	assert.Equal(t, 3, first.FreeChapters)
	assert.Equal(t, srv.URL+"/title/1", first.DetailURL)
	assert.Equal(t, models.CategoryShounen, first.Category)

	second := entries[1]
	assert.Equal(t, 2, second.Rank)
	assert.Equal(t, "遠藤達哉", second.Author)
	assert.Equal(t, 12, second.FreeChapters)
	assert.Equal(t, 2, second.FreeBooks)

	// no author and no title are dropped; ranks come from the badges
	last := entries[2]
	assert.Equal(t, 5, last.Rank)
	assert.Equal(t, "金城宗幸・ノ村優介", last.Author)
	assert.Equal(t, 2, last.FreeBooks)
}

func TestStaticExtractor_ItemLimit(t *testing.T) {
	page := fixture(t, "ranking.html")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(page)
	}))
	defer srv.Close()

	e := NewStaticExtractor(rankingStore(HandlerStatic), testPolicy(srv, &recordingSleeper{}))
	entries, err := e.Extract(context.Background(), srv.URL, Options{ItemLimit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.CategoryAll, entries[0].Category)
}

func TestStaticExtractor_UnavailablePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewStaticExtractor(rankingStore(HandlerStatic), testPolicy(srv, &recordingSleeper{}))
	_, err := e.Extract(context.Background(), srv.URL, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, httputil.ErrPageUnavailable)
}

func TestDetailExtractor_FollowsLinks(t *testing.T) {
	page := fixture(t, "ranking.html")
	detail := fixture(t, "detail.html")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ranking":
			w.Write(page)
		case "/title/2":
			w.Write([]byte("<html><body></body></html>"))
		case "/title/3":
			w.Write(detail)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	e := NewDetailExtractor(rankingStore(HandlerDetail), testPolicy(srv, &recordingSleeper{}))
	entries, err := e.Extract(context.Background(), srv.URL+"/ranking", Options{})
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, "芥見下々", entries[0].Author, "failed detail keeps list values")
	assert.Equal(t, 2, entries[1].FreeBooks, "empty detail keeps list values")

	filled := entries[2]
	assert.Equal(t, 3, filled.Rank)
	assert.Equal(t, "山田太郎", filled.Author)
	assert.Equal(t, 5, filled.FreeBooks)
	assert.Equal(t, "作者なしの本 1巻", filled.FirstBookTitle)
}

func TestPagedExtractor_ContinuesRanksAcrossPages(t *testing.T) {
	tmpl := string(fixture(t, "page.html"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			w.Write([]byte(strings.NewReplacer("{{A}}", "作品1", "{{B}}", "作品2").Replace(tmpl)))
		case "2":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "3":
			w.Write([]byte(strings.NewReplacer("{{A}}", "作品3", "{{B}}", "作品4").Replace(tmpl)))
		default:
			w.Write([]byte("<html><body><div class=\"list\"></div></body></html>"))
		}
	}))
	defer srv.Close()

	cfg := &config.StoreConfig{
		ID:      10,
		Name:    "ページ書店",
		Handler: HandlerPaged,
		Pages:   5,
		Light:   true,
		Selectors: config.Selectors{
			Item:   "div.card",
			Title:  "p.name",
			Author: "p.by",
		},
	}
	sleeper := &recordingSleeper{}
	e := NewPagedExtractor(cfg, testPolicy(srv, sleeper))

	entries, err := e.Extract(context.Background(), srv.URL+"/list", Options{})
	require.NoError(t, err)
	require.Len(t, entries, 4)

	for i, entry := range entries {
		assert.Equal(t, i+1, entry.Rank)
	}
	assert.Equal(t, "作品3", entries[2].Title)
	assert.Equal(t, 3, sleeper.count(pagePause), "pause before pages 2, 3 and 4")
}

func TestPagedExtractor_StopsAtLimit(t *testing.T) {
	tmpl := string(fixture(t, "page.html"))
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(strings.NewReplacer("{{A}}", "作品"+r.URL.Query().Get("page")+"a", "{{B}}", "作品"+r.URL.Query().Get("page")+"b").Replace(tmpl)))
	}))
	defer srv.Close()

	cfg := &config.StoreConfig{
		ID: 10, Name: "ページ書店", Handler: HandlerPaged,
		Selectors: config.Selectors{Item: "div.card", Title: "p.name", Author: "p.by"},
	}
	e := NewPagedExtractor(cfg, testPolicy(srv, &recordingSleeper{}))

	entries, err := e.Extract(context.Background(), srv.URL, Options{ItemLimit: 3})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, 2, calls)
}

func TestRenderedExtractor_UsesRenderer(t *testing.T) {
	page := string(fixture(t, "ranking.html"))
	var gotOpts RenderOptions
	renderer := RendererFunc(func(ctx context.Context, pageURL string, opts RenderOptions) (string, error) {
		gotOpts = opts
		return page, nil
	})

	cfg := rankingStore(HandlerRendered)
	cfg.Render = config.RenderConfig{WaitSelector: "li.item", TimeoutMS: 1500}
	policy := httputil.NewPolicy(http.DefaultClient, "test", httputil.DefaultPolicyConfig(),
		httputil.WithSleeper(&recordingSleeper{}))

	e := NewRenderedExtractor(cfg, policy, renderer)
	entries, err := e.Extract(context.Background(), "https://example.invalid/ranking", Options{TestMode: true})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, "li.item", gotOpts.WaitSelector)
	assert.Equal(t, 1500*time.Millisecond, gotOpts.Timeout)
}

func TestRenderedExtractor_RenderFailureIsUnavailable(t *testing.T) {
	renderer := RendererFunc(func(ctx context.Context, pageURL string, opts RenderOptions) (string, error) {
		return "", assert.AnError
	})
	policy := httputil.NewPolicy(http.DefaultClient, "test", httputil.DefaultPolicyConfig(),
		httputil.WithSleeper(&recordingSleeper{}))

	e := NewRenderedExtractor(rankingStore(HandlerRendered), policy, renderer)
	_, err := e.Extract(context.Background(), "https://example.invalid/ranking", Options{})
	assert.ErrorIs(t, err, httputil.ErrPageUnavailable)
}

func TestNewRegistry(t *testing.T) {
	stores := map[int64]*config.StoreConfig{
		1: rankingStore(HandlerStatic),
		2: rankingStore(HandlerPaged),
		3: {ID: 3, Name: "off", Disabled: true},
	}
	reg, err := NewRegistry(stores, httputil.NewClients(), nil)
	require.NoError(t, err)

	_, ok := reg.Get(1)
	assert.True(t, ok)
	_, ok = reg.Get(3)
	assert.False(t, ok)

	_, err = NewRegistry(map[int64]*config.StoreConfig{4: {ID: 4, Handler: "bogus", Selectors: config.Selectors{Item: "li", Title: "h2"}}},
		httputil.NewClients(), nil)
	assert.Error(t, err)

	_, err = NewRegistry(map[int64]*config.StoreConfig{5: {ID: 5}}, httputil.NewClients(), nil)
	assert.Error(t, err, "missing selectors")
}
