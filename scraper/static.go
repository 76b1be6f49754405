package scraper

import (
	"bytes"
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"manga_ranker/config"
	"manga_ranker/httputil"
	"manga_ranker/logging"
	"manga_ranker/models"
	apperrors "manga_ranker/pkg/errors"
)

// StaticExtractor parses a server-rendered ranking page with one request
type StaticExtractor struct {
	cfg    *config.StoreConfig
	fetch  *httputil.Policy
	parser *listParser
	log    zerolog.Logger
}

func NewStaticExtractor(cfg *config.StoreConfig, fetch *httputil.Policy) *StaticExtractor {
	log := logging.WithStore(logging.For("extractor"), cfg.ID, cfg.Name)
	return &StaticExtractor{
		cfg:    cfg,
		fetch:  fetch,
		parser: &listParser{store: cfg, log: log},
		log:    log,
	}
}

func (e *StaticExtractor) Extract(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error) {
	doc, err := e.page(ctx, categoryURL)
	if err != nil {
		return nil, err
	}
	entries := e.parser.parse(doc, categoryURL, 1, opts.Limit(), opts.category())
	e.log.Info().Str("category", string(opts.category())).Int("items", len(entries)).Msg("parsed ranking page")
	return accept(e.log, entries), nil
}

func (e *StaticExtractor) page(ctx context.Context, pageURL string) (*goquery.Document, error) {
	body, err := e.fetch.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return parseHTML(e.cfg.Name, body)
}

func parseHTML(source string, body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewParsing(source, "parse html", err)
	}
	return doc, nil
}

func requireSelectors(cfg *config.StoreConfig) error {
	if cfg.Selectors.Item == "" {
		return apperrors.NewConfiguration(fmt.Sprintf("store %d: selectors.item is required", cfg.ID), nil)
	}
	if cfg.Selectors.Title == "" && cfg.Selectors.FirstBookTitle == "" {
		return apperrors.NewConfiguration(fmt.Sprintf("store %d: selectors.title or selectors.first_book_title is required", cfg.ID), nil)
	}
	return nil
}
