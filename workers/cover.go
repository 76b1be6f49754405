package workers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"manga_ranker/logging"
	"manga_ranker/models"
	"manga_ranker/storage"
)

const maxCoverSize = 10 << 20

// Uploader stores cover images in S3-compatible storage
type Uploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
	PublicURL(key string) string
	PublicPrefix() string
}

// CoverWorker copies external cover images into our bucket and points
// cover_image at the mirrored copy
type CoverWorker struct {
	store      storage.Queries
	httpClient *http.Client
	uploader   Uploader
	pause      time.Duration
	logFunc    LogFunc
	log        zerolog.Logger
}

// NewCoverWorker creates a new cover worker
func NewCoverWorker(store storage.Queries, client *http.Client, uploader Uploader) *CoverWorker {
	return &CoverWorker{
		store:      store,
		httpClient: client,
		uploader:   uploader,
		pause:      200 * time.Millisecond,
		logFunc:    NoOpLogger,
		log:        logging.For("covers"),
	}
}

func (w *CoverWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Process downloads one entry's cover and uploads it. It returns the public URL.
func (w *CoverWorker) Process(ctx context.Context, entry *models.CatalogEntry) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.CoverImage, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "image/*,*/*")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCoverSize))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty image")
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("not an image: %s", contentType)
	}

	key := storage.CoverKey(entry.ID, contentType)
	if err := w.uploader.Upload(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	publicURL := w.uploader.PublicURL(key)
	if err := w.store.UpdateCoverImage(ctx, entry.ID, publicURL); err != nil {
		return "", fmt.Errorf("update cover: %w", err)
	}
	return publicURL, nil
}

// MirrorBatch handles up to limit entries whose covers are still external
func (w *CoverWorker) MirrorBatch(ctx context.Context, limit int) (mirrored, failed int, err error) {
	entries, err := w.store.ListExternalCovers(ctx, w.uploader.PublicPrefix(), limit)
	if err != nil {
		return 0, 0, fmt.Errorf("list external covers: %w", err)
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	for i := range entries {
		e := &entries[i]
		url, err := w.Process(ctx, e)
		if err != nil {
			if ctx.Err() != nil {
				return mirrored, failed, ctx.Err()
			}
			w.log.Warn().Err(err).Int64("catalog_id", e.ID).Str("url", e.CoverImage).Msg("cover mirror failed")
			failed++
			continue
		}
		mirrored++
		w.log.Debug().Int64("catalog_id", e.ID).Str("cover", url).Msg("mirrored cover")

		select {
		case <-ctx.Done():
			return mirrored, failed, ctx.Err()
		case <-time.After(w.pause):
		}
	}

	w.log.Info().Int("mirrored", mirrored).Int("failed", failed).Msg("cover batch done")
	w.logFunc(models.LogLevelInfo, "covers", fmt.Sprintf("mirrored %d covers, %d failed", mirrored, failed))
	return mirrored, failed, nil
}
