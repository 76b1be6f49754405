package scraper

import (
	"context"
	"fmt"
	"time"

	"manga_ranker/config"
	"manga_ranker/httputil"
	"manga_ranker/models"
)

// RenderedExtractor parses pages that only fill in their ranking client-side
type RenderedExtractor struct {
	*StaticExtractor
	renderer Renderer
	opts     RenderOptions
}

func NewRenderedExtractor(cfg *config.StoreConfig, fetch *httputil.Policy, renderer Renderer) *RenderedExtractor {
	return &RenderedExtractor{
		StaticExtractor: NewStaticExtractor(cfg, fetch),
		renderer:        renderer,
		opts: RenderOptions{
			WaitSelector: cfg.Render.WaitSelector,
			Timeout:      time.Duration(cfg.Render.TimeoutMS) * time.Millisecond,
		},
	}
}

func (e *RenderedExtractor) Extract(ctx context.Context, categoryURL string, opts Options) ([]models.RawEntry, error) {
	if e.renderer == nil {
		return nil, fmt.Errorf("store %d: no renderer configured", e.cfg.ID)
	}
	if err := e.fetch.Wait(ctx); err != nil {
		return nil, err
	}

	html, err := e.renderer.Render(ctx, categoryURL, e.opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", httputil.ErrPageUnavailable, err)
	}
	doc, err := parseHTML(e.cfg.Name, []byte(html))
	if err != nil {
		return nil, err
	}

	entries := e.parser.parse(doc, categoryURL, 1, opts.Limit(), opts.category())
	e.log.Info().Str("category", string(opts.category())).Int("items", len(entries)).Msg("parsed rendered ranking")
	return accept(e.log, entries), nil
}
