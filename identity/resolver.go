package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"manga_ranker/models"
	apperrors "manga_ranker/pkg/errors"
)

var (
	ErrInvalidTitle  = apperrors.NewValidation("identity", "title is empty or unknown")
	ErrInvalidAuthor = apperrors.NewValidation("identity", "author is empty or unknown")
)

// Repository is the catalog storage the resolver reads and writes
type Repository interface {
	FindCatalogEntryByTitle(ctx context.Context, title string) (*models.CatalogEntry, error)
	CreateCatalogEntry(ctx context.Context, e *models.CatalogEntry) error
	AddCatalogCategories(ctx context.Context, catalogID int64, categories []models.Category) error
	SetFirstBookTitle(ctx context.Context, catalogID int64, firstBookTitle string) error
}

type Input struct {
	Title          string
	Author         string
	Categories     []models.Category
	FirstBookTitle string
}

// Resolver maps scraped (title, author) pairs onto catalog entries.
// Matching uses the normalized title alone; author only gates creation.
type Resolver struct {
	repo Repository
	now  func() time.Time
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// Resolve returns the catalog entry for in, creating it if absent.
// created is true only when a new entry was inserted.
func (r *Resolver) Resolve(ctx context.Context, in Input) (entry *models.CatalogEntry, created bool, err error) {
	if IsUnknown(in.Title) {
		return nil, false, ErrInvalidTitle
	}
	title := NormalizeTitle(in.Title)
	if title == "" {
		return nil, false, ErrInvalidTitle
	}
	firstBook := strings.TrimSpace(in.FirstBookTitle)
	if IsUnknown(firstBook) {
		firstBook = ""
	}

	existing, err := r.repo.FindCatalogEntryByTitle(ctx, title)
	if err != nil {
		return nil, false, fmt.Errorf("find catalog entry: %w", err)
	}

	if existing != nil {
		if missing := missingCategories(existing, in.Categories); len(missing) > 0 {
			if err := r.repo.AddCatalogCategories(ctx, existing.ID, missing); err != nil {
				return nil, false, fmt.Errorf("add categories: %w", err)
			}
			existing.Categories = append(existing.Categories, missing...)
		}
		if existing.FirstBookTitle == "" && firstBook != "" {
			if err := r.repo.SetFirstBookTitle(ctx, existing.ID, firstBook); err != nil {
				return nil, false, fmt.Errorf("set first book title: %w", err)
			}
			existing.FirstBookTitle = firstBook
		}
		return existing, false, nil
	}

	if IsUnknown(in.Author) {
		return nil, false, ErrInvalidAuthor
	}

	now := r.now()
	entry = &models.CatalogEntry{
		Title:          title,
		Author:         strings.TrimSpace(in.Author),
		FirstBookTitle: firstBook,
		Categories:     uniqueCategories(in.Categories),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.repo.CreateCatalogEntry(ctx, entry); err != nil {
		return nil, false, fmt.Errorf("create catalog entry: %w", err)
	}
	return entry, true, nil
}

func missingCategories(e *models.CatalogEntry, cats []models.Category) []models.Category {
	var missing []models.Category
	for _, c := range uniqueCategories(cats) {
		if !e.HasCategory(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

func uniqueCategories(cats []models.Category) []models.Category {
	seen := make(map[models.Category]bool, len(cats))
	out := make([]models.Category, 0, len(cats))
	for _, c := range cats {
		if !c.Valid() || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
