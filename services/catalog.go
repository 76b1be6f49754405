package services

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"manga_ranker/models"
	"manga_ranker/storage"
)

const (
	DefaultPageCount = 100
	MaxPageCount     = 100
	invalidPageCount = 10
)

var ErrUnknownCategory = errors.New("unknown category")

// CatalogService serves the read side of the catalog
type CatalogService struct {
	store storage.Queries
}

// NewCatalogService creates a new CatalogService
func NewCatalogService(store storage.Queries) *CatalogService {
	return &CatalogService{store: store}
}

// ParsePage turns raw count/offset query values into a bounded page.
// A missing count is DefaultPageCount; a zero, negative or garbage count is 10.
func ParsePage(countRaw, offsetRaw string) (count, offset int) {
	count = DefaultPageCount
	if countRaw = strings.TrimSpace(countRaw); countRaw != "" {
		n, err := strconv.Atoi(countRaw)
		switch {
		case err != nil || n <= 0:
			count = invalidPageCount
		case n > MaxPageCount:
			count = MaxPageCount
		default:
			count = n
		}
	}

	if n, err := strconv.Atoi(strings.TrimSpace(offsetRaw)); err == nil && n > 0 {
		offset = n
	}
	return count, offset
}

// Popular lists entries by rating. CategoryAll means every entry.
func (s *CatalogService) Popular(ctx context.Context, category models.Category, count, offset int) ([]models.CatalogEntry, error) {
	if !category.Valid() {
		return nil, ErrUnknownCategory
	}
	entries, err := s.store.ListCatalog(ctx, models.CatalogQuery{Category: category, Count: count, Offset: offset})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.CatalogEntry{}
	}
	return entries, nil
}

// Get returns nil when the entry does not exist
func (s *CatalogService) Get(ctx context.Context, id int64) (*models.CatalogEntry, error) {
	return s.store.GetCatalogEntry(ctx, id)
}

func (s *CatalogService) Categories(ctx context.Context) ([]models.CategoryInfo, error) {
	return s.store.ListCategories(ctx)
}
