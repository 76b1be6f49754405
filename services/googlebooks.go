package services

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"manga_ranker/httputil"
	"manga_ranker/logging"
	apperrors "manga_ranker/pkg/errors"
)

const (
	DefaultBooksURL = "https://www.googleapis.com/books/v1/volumes"
	booksCacheTTL   = 24 * time.Hour
	maxBooksBody    = 2 << 20
)

// ErrQuotaExceeded is returned once the API has answered 429. Every later
// lookup fails fast until ResetQuota.
var ErrQuotaExceeded = errors.New("google books quota exceeded")

// Volume is the subset of a Google Books volume used for enrichment
type Volume struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Thumbnail   string `json:"thumbnail"`
}

type volumesResponse struct {
	TotalItems int `json:"totalItems"`
	Items      []struct {
		VolumeInfo struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			ImageLinks  struct {
				Thumbnail string `json:"thumbnail"`
			} `json:"imageLinks"`
		} `json:"volumeInfo"`
	} `json:"items"`
}

// BooksClient looks up manga volumes on Google Books
type BooksClient struct {
	client       *http.Client
	apiKey       string
	baseURL      string
	cache        Cache
	sleeper      httputil.Sleeper
	fallbackWait httputil.Range
	log          zerolog.Logger

	quota atomic.Bool
	mu    sync.Mutex
	rnd   *rand.Rand
}

type BooksOption func(*BooksClient)

func WithBooksURL(u string) BooksOption {
	return func(c *BooksClient) { c.baseURL = u }
}

func WithBooksCache(cache Cache) BooksOption {
	return func(c *BooksClient) { c.cache = cache }
}

func WithBooksSleeper(s httputil.Sleeper) BooksOption {
	return func(c *BooksClient) { c.sleeper = s }
}

func NewBooksClient(client *http.Client, apiKey string, opts ...BooksOption) *BooksClient {
	c := &BooksClient{
		client:       client,
		apiKey:       apiKey,
		baseURL:      DefaultBooksURL,
		sleeper:      httputil.RealSleeper,
		fallbackWait: httputil.Range{Min: 3 * time.Second, Max: 8 * time.Second},
		log:          logging.For("googlebooks"),
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *BooksClient) QuotaExceeded() bool { return c.quota.Load() }
func (c *BooksClient) ResetQuota()         { c.quota.Store(false) }

// Lookup searches by first-volume title, then by series title. It returns
// nil when neither query finds a volume.
func (c *BooksClient) Lookup(ctx context.Context, firstBookTitle, title string) (*Volume, error) {
	if c.apiKey == "" {
		return nil, apperrors.NewConfiguration("GOOGLE_BOOKS_API_KEY is not set", nil)
	}
	if c.QuotaExceeded() {
		return nil, ErrQuotaExceeded
	}

	firstBookTitle = strings.TrimSpace(firstBookTitle)
	if firstBookTitle != "" {
		v, err := c.search(ctx, "+intitle:"+firstBookTitle+"+intitle:１")
		if err != nil || v != nil {
			return v, err
		}
		if err := c.sleeper.Sleep(ctx, c.jitter()); err != nil {
			return nil, err
		}
	}

	title = strings.TrimSpace(title)
	if title == "" {
		return nil, nil
	}
	return c.search(ctx, "+intitle:"+title)
}

func (c *BooksClient) search(ctx context.Context, query string) (*Volume, error) {
	key := cacheKey(query)
	if body, ok := c.cached(key); ok {
		return decodeVolume(body)
	}

	params := url.Values{
		"q":            {query},
		"startIndex":   {"0"},
		"maxResults":   {"1"},
		"langRestrict": {"ja-JP"},
		"key":          {c.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.NewNetwork("googlebooks", "request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.quota.Store(true)
		c.log.Warn().Msg("quota exceeded, skipping further lookups")
		return nil, ErrQuotaExceeded
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewNetwork("googlebooks", fmt.Sprintf("status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBooksBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	v, err := decodeVolume(body)
	if err != nil {
		return nil, err
	}
	c.store(key, body)
	return v, nil
}

func decodeVolume(body []byte) (*Volume, error) {
	var r volumesResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, apperrors.NewParsing("googlebooks", "decode volumes", err)
	}
	if len(r.Items) == 0 {
		return nil, nil
	}
	info := r.Items[0].VolumeInfo
	return &Volume{
		Title:       info.Title,
		Description: info.Description,
		Thumbnail:   info.ImageLinks.Thumbnail,
	}, nil
}

func (c *BooksClient) cached(key string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	body, err := c.cache.Get(key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.log.Debug().Err(err).Msg("cache get failed")
		}
		return nil, false
	}
	return body, true
}

func (c *BooksClient) store(key string, body []byte) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(key, body, booksCacheTTL); err != nil {
		c.log.Debug().Err(err).Msg("cache set failed")
	}
}

// memcache keys are limited to 250 printable bytes
func cacheKey(query string) string {
	sum := sha1.Sum([]byte(query))
	return "gbooks:" + hex.EncodeToString(sum[:])
}

func (c *BooksClient) jitter() time.Duration {
	r := c.fallbackWait
	if r.Max <= r.Min {
		return r.Min
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.Min + time.Duration(c.rnd.Int63n(int64(r.Max-r.Min)+1))
}
