package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"manga_ranker/logging"
	apperrors "manga_ranker/pkg/errors"
)

// ErrPageUnavailable is wrapped by every error returned once retries are exhausted
var ErrPageUnavailable = errors.New("page unavailable")

const maxBodySize = 10 << 20

const (
	defaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultAcceptLanguage = "ja-JP,ja;q=0.9,en-US;q=0.8,en;q=0.7"
)

// Range is a closed interval a random delay is drawn from
type Range struct {
	Min time.Duration
	Max time.Duration
}

type PolicyConfig struct {
	MaxRetries        int
	RequestDelay      Range
	DetailDelay       Range
	OtherRetryWait    Range
	ServerErrorStep   time.Duration
	DefaultRetryAfter time.Duration
	UserAgent         string
	AcceptLanguage    string
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MaxRetries:        3,
		RequestDelay:      Range{Min: 500 * time.Millisecond, Max: 5 * time.Second},
		DetailDelay:       Range{Min: 2 * time.Second, Max: 4 * time.Second},
		OtherRetryWait:    Range{Min: 3 * time.Second, Max: 10 * time.Second},
		ServerErrorStep:   5 * time.Second,
		DefaultRetryAfter: 60 * time.Second,
		UserAgent:         defaultUserAgent,
		AcceptLanguage:    defaultAcceptLanguage,
	}
}

// Sleeper blocks for d or until ctx is done
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

var RealSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
})

// Policy is the retry, backoff and politeness wrapper shared by every extractor
type Policy struct {
	client  *http.Client
	cfg     PolicyConfig
	source  string
	sleeper Sleeper
	log     zerolog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

type Option func(*Policy)

func WithSleeper(s Sleeper) Option {
	return func(p *Policy) { p.sleeper = s }
}

func WithRand(r *rand.Rand) Option {
	return func(p *Policy) { p.rnd = r }
}

func NewPolicy(client *http.Client, source string, cfg PolicyConfig, opts ...Option) *Policy {
	p := &Policy{
		client:  client,
		cfg:     cfg,
		source:  source,
		sleeper: RealSleeper,
		log:     logging.For("fetch").With().Str("source", source).Logger(),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch GETs a list page after the regular request delay
func (p *Policy) Fetch(ctx context.Context, url string) ([]byte, error) {
	return p.fetch(ctx, url, p.cfg.RequestDelay)
}

// FetchDetail GETs a detail page after the longer detail delay
func (p *Policy) FetchDetail(ctx context.Context, url string) ([]byte, error) {
	return p.fetch(ctx, url, p.cfg.DetailDelay)
}

// Wait applies the list-page delay without making a request
func (p *Policy) Wait(ctx context.Context) error {
	return p.sleep(ctx, p.jitter(p.cfg.RequestDelay))
}

// Pause sleeps for d through the policy's sleeper
func (p *Policy) Pause(ctx context.Context, d time.Duration) error {
	return p.sleep(ctx, d)
}

func (p *Policy) fetch(ctx context.Context, url string, delay Range) ([]byte, error) {
	retries := 0
	otherRetried := false

	for {
		if err := p.sleep(ctx, p.jitter(delay)); err != nil {
			return nil, err
		}

		body, status, header, err := p.do(ctx, url)
		if err == nil && status == http.StatusOK {
			return body, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		var attemptErr error
		var wait time.Duration
		other := false
		switch {
		case err != nil:
			attemptErr = apperrors.NewNetwork(p.source, "request "+url, err)
			other = true
		case status == http.StatusTooManyRequests:
			wait = p.retryAfter(header)
			attemptErr = apperrors.NewRateLimit(p.source, wait)
		case status >= 500:
			wait = time.Duration(retries+1) * p.cfg.ServerErrorStep
			attemptErr = apperrors.NewNetwork(p.source, fmt.Sprintf("status %d from %s", status, url), nil)
		default:
			attemptErr = apperrors.NewNetwork(p.source, fmt.Sprintf("status %d from %s", status, url), nil)
			other = true
		}

		if retries >= p.cfg.MaxRetries || (other && otherRetried) {
			p.log.Warn().Err(attemptErr).Str("url", url).Int("retries", retries).Msg("giving up on page")
			return nil, apperrors.NewUnavailable(p.source, url, fmt.Errorf("%w: %v", ErrPageUnavailable, attemptErr))
		}

		if other {
			otherRetried = true
			wait = p.jitter(p.cfg.OtherRetryWait)
		}
		retries++

		p.log.Warn().Err(attemptErr).Str("url", url).Int("attempt", retries).
			Dur("wait", wait).Msg("retrying request")

		if err := p.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (p *Policy) do(ctx context.Context, url string) ([]byte, int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", p.cfg.AcceptLanguage)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, resp.StatusCode, resp.Header, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, 0, nil, err
	}
	return body, resp.StatusCode, resp.Header, nil
}

func (p *Policy) retryAfter(header http.Header) time.Duration {
	val := header.Get("Retry-After")
	if val == "" {
		return p.cfg.DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(val); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(val); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return p.cfg.DefaultRetryAfter
}

func (p *Policy) jitter(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return r.Min + time.Duration(p.rnd.Int63n(int64(r.Max-r.Min)+1))
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return p.sleeper.Sleep(ctx, d)
}
