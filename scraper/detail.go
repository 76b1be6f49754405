package scraper

import (
	"context"

	"manga_ranker/config"
	"manga_ranker/httputil"
	"manga_ranker/identity"
	"manga_ranker/models"
)

// DetailExtractor reads the ranking page, then follows each item's detail
// link for author, free volumes and first-volume title.
type DetailExtractor struct {
	*StaticExtractor
}

func NewDetailExtractor(cfg *config.StoreConfig, fetch *httputil.Policy) *DetailExtractor {
	return &DetailExtractor{StaticExtractor: NewStaticExtractor(cfg, fetch)}
}

func (e *DetailExtractor) Extract(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error) {
	doc, err := e.page(ctx, categoryURL)
	if err != nil {
		return nil, err
	}

	entries := e.parser.parse(doc, categoryURL, 1, opts.Limit(), opts.category())
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entries[i].DetailURL == "" {
			continue
		}
		if err := e.enrich(ctx, &entries[i]); err != nil {
			e.log.Warn().Err(err).Int("rank", entries[i].Rank).Str("url", entries[i].DetailURL).
				Msg("detail page failed, keeping list values")
		}
	}

	e.log.Info().Str("category", string(opts.category())).Int("items", len(entries)).Msg("parsed ranking with details")
	return accept(e.log, entries), nil
}

func (e *DetailExtractor) enrich(ctx context.Context, entry *models.RawEntry) error {
	body, err := e.fetch.FetchDetail(ctx, entry.DetailURL)
	if err != nil {
		return err
	}
	doc, err := parseHTML(e.cfg.Name, body)
	if err != nil {
		return err
	}

	d := e.cfg.Detail
	if d.Author != "" {
		if author := NormalizeAuthor(authorText(doc.Find(d.Author))); !identity.IsUnknown(author) {
			entry.Author = author
		}
	}
	if d.FreeBooks != "" {
		if n := freeBooksFrom(doc.Find(d.FreeBooks)); n > 0 {
			entry.FreeBooks = n
		}
	}
	if d.FirstBookTitle != "" {
		if t := cleanText(doc.Find(d.FirstBookTitle).First().Text()); t != "" {
			entry.FirstBookTitle = t
		}
	}
	return nil
}
