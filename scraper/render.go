package scraper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"manga_ranker/logging"
	apperrors "manga_ranker/pkg/errors"
)

const defaultRenderTimeout = 30 * time.Second

type RenderOptions struct {
	WaitSelector string
	Timeout      time.Duration
}

// Renderer returns the HTML of a page after its scripts have run
type Renderer interface {
	Render(ctx context.Context, pageURL string, opts RenderOptions) (string, error)
}

type RendererFunc func(ctx context.Context, pageURL string, opts RenderOptions) (string, error)

func (f RendererFunc) Render(ctx context.Context, pageURL string, opts RenderOptions) (string, error) {
	return f(ctx, pageURL, opts)
}

// PlaywrightRenderer drives headless Chromium. The driver process starts on
// first use; a browser is launched and closed around every Render call.
type PlaywrightRenderer struct {
	headless bool
	log      zerolog.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

func NewPlaywrightRenderer(headless bool) *PlaywrightRenderer {
	return &PlaywrightRenderer{headless: headless, log: logging.For("renderer")}
}

func (r *PlaywrightRenderer) ensureDriver() (*playwright.Playwright, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pw != nil {
		return r.pw, nil
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, apperrors.NewConfiguration("failed to start playwright", err)
	}
	r.pw = pw
	return pw, nil
}

func (r *PlaywrightRenderer) Render(ctx context.Context, pageURL string, opts RenderOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	pw, err := r.ensureDriver()
	if err != nil {
		return "", err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	ms := float64(timeout.Milliseconds())

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(r.headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		return "", fmt.Errorf("launch browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.NewPage(playwright.BrowserNewPageOptions{
		Locale: playwright.String("ja-JP"),
	})
	if err != nil {
		return "", fmt.Errorf("new page: %w", err)
	}
	defer page.Close()

	if _, err := page.Goto(pageURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(ms),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return "", apperrors.NewNetwork("renderer", "navigate "+pageURL, err)
	}

	if opts.WaitSelector != "" {
		if err := page.Locator(opts.WaitSelector).First().WaitFor(playwright.LocatorWaitForOptions{
			Timeout: playwright.Float(ms),
		}); err != nil {
			r.log.Warn().Err(err).Str("selector", opts.WaitSelector).Msg("wait selector not found, using current content")
		}
	}

	html, err := page.Content()
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return html, nil
}

// Close stops the driver process
func (r *PlaywrightRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pw == nil {
		return nil
	}
	err := r.pw.Stop()
	r.pw = nil
	return err
}
