package scraper

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"manga_ranker/config"
	"manga_ranker/httputil"
	"manga_ranker/models"
)

const (
	defaultPages     = 5
	defaultPageParam = "page"
	pagePause        = time.Second
)

// PagedExtractor walks a paginated ranking. Ranks continue across pages.
type PagedExtractor struct {
	*StaticExtractor
	pages     int
	pageParam string
}

func NewPagedExtractor(cfg *config.StoreConfig, fetch *httputil.Policy) *PagedExtractor {
	pages := cfg.Pages
	if pages <= 0 {
		pages = defaultPages
	}
	param := cfg.PageParam
	if param == "" {
		param = defaultPageParam
	}
	return &PagedExtractor{
		StaticExtractor: NewStaticExtractor(cfg, fetch),
		pages:           pages,
		pageParam:       param,
	}
}

func (e *PagedExtractor) Extract(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error) {
	limit := opts.Limit()
	var entries []models.RawEntry
	var lastErr error
	fetched := 0
	nextRank := 1

	for page := 1; page <= e.pages && len(entries) < limit; page++ {
		if page > 1 {
			if err := e.fetch.Pause(ctx, pagePause); err != nil {
				return nil, err
			}
		}

		pageURL, err := withPage(categoryURL, e.pageParam, page)
		if err != nil {
			return nil, err
		}
		doc, err := e.page(ctx, pageURL)
		if err != nil {
			if errors.Is(err, httputil.ErrPageUnavailable) {
				e.log.Warn().Err(err).Int("page", page).Msg("skipping page")
				lastErr = err
				continue
			}
			return nil, err
		}
		fetched++

		items := e.parser.parse(doc, pageURL, nextRank, limit-len(entries), opts.category())
		if len(items) == 0 {
			e.log.Info().Int("page", page).Msg("empty page, stopping")
			break
		}
		entries = append(entries, items...)
		nextRank = items[len(items)-1].Rank + 1
	}

	if fetched == 0 && lastErr != nil {
		return nil, lastErr
	}

	e.log.Info().Str("category", string(opts.category())).Int("pages", fetched).Int("items", len(entries)).
		Msg("parsed paged ranking")
	return accept(e.log, entries), nil
}

// withPage sets the page query parameter. Page 1 is the bare URL.
func withPage(raw, param string, page int) (string, error) {
	if page <= 1 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
