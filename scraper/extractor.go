package scraper

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"manga_ranker/config"
	"manga_ranker/identity"
	"manga_ranker/models"
	apperrors "manga_ranker/pkg/errors"
)

const (
	DefaultItemLimit  = 100
	TestModeItemLimit = 5
)

// Options is passed to every Extract call
type Options struct {
	TestMode  bool
	ItemLimit int
	Category  models.Category
}

// Limit is the maximum number of entries to take from one category
func (o Options) Limit() int {
	switch {
	case o.ItemLimit > 0:
		return o.ItemLimit
	case o.TestMode:
		return TestModeItemLimit
	default:
		return DefaultItemLimit
	}
}

func (o Options) category() models.Category {
	if o.Category == "" {
		return models.CategoryAll
	}
	return o.Category
}

// Extractor reads one store's ranking page for one category
type Extractor interface {
	Extract(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error)
}

type ExtractorFunc func(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error)

func (f ExtractorFunc) Extract(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error) {
	return f(ctx, categoryURL, opts)
}

// listParser turns a ranking page into raw entries using a store's selectors
type listParser struct {
	store *config.StoreConfig
	log   zerolog.Logger
}

// parse reads up to limit items from doc. Ranks start at firstRank unless
// the store exposes its own rank badge.
func (p *listParser) parse(doc *goquery.Document, pageURL string, firstRank, limit int, cat models.Category) []models.RawEntry {
	sel := p.store.Selectors
	var entries []models.RawEntry

	doc.Find(sel.Item).EachWithBreak(func(i int, item *goquery.Selection) bool {
		if len(entries) >= limit {
			return false
		}
		rank := firstRank + i
		entry, err := p.parseItem(item, pageURL, rank)
		if err != nil {
			p.log.Warn().Err(err).Int("rank", rank).Msg("skipping item")
			return true
		}
		entry.Category = cat
		entries = append(entries, entry)
		return true
	})

	return entries
}

func (p *listParser) parseItem(item *goquery.Selection, pageURL string, rank int) (entry models.RawEntry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewParsing(p.store.Name, "item panicked", nil)
		}
	}()

	sel := p.store.Selectors
	entry.Rank = rank
	if sel.Rank != "" {
		if n, ok := parseRank(item.Find(sel.Rank).First().Text()); ok {
			entry.Rank = n
		}
	}

	if sel.FirstBookTitle != "" {
		entry.FirstBookTitle = cleanText(item.Find(sel.FirstBookTitle).First().Text())
	}
	if sel.Title != "" {
		entry.Title = cleanText(item.Find(sel.Title).First().Text())
	}
	if entry.Title == "" && entry.FirstBookTitle != "" {
		entry.Title = identity.TitleFromFirstBook(entry.FirstBookTitle)
	}
	if entry.Title == "" {
		return entry, apperrors.NewParsing(p.store.Name, "title element missing", nil)
	}

	entry.Author = models.UnknownPlaceholder
	if sel.Author != "" {
		entry.Author = NormalizeAuthor(authorText(item.Find(sel.Author)))
	}
	if sel.FreeChapters != "" {
		entry.FreeChapters = ParseFreeChapters(item.Find(sel.FreeChapters).Text())
	}
	if sel.FreeBooks != "" {
		entry.FreeBooks = freeBooksFrom(item.Find(sel.FreeBooks))
	}
	if sel.Link != "" {
		link := item.Find(sel.Link).First()
		if !link.Is("a") {
			if a := link.Find("a").First(); a.Length() > 0 {
				link = a
			}
		}
		entry.DetailURL = resolveURL(sel.BaseURL, pageURL, link.AttrOr("href", ""))
	}
	return entry, nil
}

// accept filters entries that must never reach identity resolution
func accept(log zerolog.Logger, entries []models.RawEntry) []models.RawEntry {
	out := entries[:0]
	for _, e := range entries {
		if identity.IsUnknown(e.Title) || identity.IsUnknown(e.Author) {
			log.Debug().Str("title", e.Title).Str("author", e.Author).Int("rank", e.Rank).
				Msg("discarding entry without title or author")
			continue
		}
		if e.Rank < 1 {
			e.Rank = 1
		}
		out = append(out, e)
	}
	return out
}

// authorText joins multiple author spans with a middle dot
func authorText(s *goquery.Selection) string {
	if s.Length() <= 1 {
		return s.Text()
	}
	var names []string
	s.Each(func(_ int, a *goquery.Selection) {
		if t := cleanText(a.Text()); t != "" {
			names = append(names, t)
		}
	})
	return strings.Join(names, "・")
}

// freeBooksFrom uses an explicit count in the badge text, otherwise the number of badges
func freeBooksFrom(s *goquery.Selection) int {
	best := 0
	s.Each(func(_ int, b *goquery.Selection) {
		if n := ParseFreeBooks(b.Text()); n > best {
			best = n
		}
	})
	if best > 0 {
		return best
	}
	return s.Length()
}

func cleanText(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func resolveURL(baseURL, pageURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	base := baseURL
	if base == "" {
		base = pageURL
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}
