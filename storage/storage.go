package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"manga_ranker/models"
)

var (
	// ErrEntryReferenced is returned when deleting a catalog entry that rank records still point at
	ErrEntryReferenced = errors.New("catalog entry is referenced by rank records")
	ErrNotFound        = errors.New("not found")
	ErrInvalidRank     = errors.New("rank must be >= 1")
)

// Queries is every read and write the pipeline performs. Both the store itself
// and the transaction handle passed to InTx implement it.
type Queries interface {
	// catalog
	FindCatalogEntryByTitle(ctx context.Context, title string) (*models.CatalogEntry, error)
	GetCatalogEntry(ctx context.Context, id int64) (*models.CatalogEntry, error)
	CreateCatalogEntry(ctx context.Context, e *models.CatalogEntry) error
	AddCatalogCategories(ctx context.Context, catalogID int64, categories []models.Category) error
	SetFirstBookTitle(ctx context.Context, catalogID int64, firstBookTitle string) error
	UpdateCatalogScore(ctx context.Context, catalogID int64, rating, freeChapters, freeBooks int) error
	UpdateCatalogMetadata(ctx context.Context, catalogID int64, coverImage, description string) error
	UpdateCoverImage(ctx context.Context, catalogID int64, coverImage string) error
	DeleteCatalogEntry(ctx context.Context, catalogID int64) error
	ListCatalog(ctx context.Context, q models.CatalogQuery) ([]models.CatalogEntry, error)
	ListCatalogForEnrichment(ctx context.Context, staleBefore time.Time, limit int) ([]models.CatalogEntry, error)
	ListExternalCovers(ctx context.Context, mirroredPrefix string, limit int) ([]models.CatalogEntry, error)

	// stores and categories
	EnsureCategories(ctx context.Context) error
	ListCategories(ctx context.Context) ([]models.CategoryInfo, error)
	UpsertStore(ctx context.Context, s *models.Store) error
	GetStore(ctx context.Context, id int64) (*models.Store, error)
	ListActiveStores(ctx context.Context) ([]models.Store, error)
	ReplaceCategoryURLs(ctx context.Context, storeID int64, urls []models.StoreCategoryURL) error
	ListCategoryURLs(ctx context.Context, storeID int64) ([]models.StoreCategoryURL, error)

	// runs
	GetOrCreateRun(ctx context.Context, storeID int64, date, startedAt time.Time) (*models.ScrapeRun, error)
	FinishRun(ctx context.Context, run *models.ScrapeRun) error
	GetRun(ctx context.Context, id int64) (*models.ScrapeRun, error)
	SuccessfulRunsOn(ctx context.Context, date time.Time) ([]models.ScrapeRun, error)
	ListRecentRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error)

	// rank records and detail links
	UpsertRankRecord(ctx context.Context, rec *models.RankRecord) error
	ListRankRecords(ctx context.Context, runID int64) ([]models.RankRecord, error)
	RankRecordsForRuns(ctx context.Context, runIDs []int64) ([]models.RankRecord, error)
	UpsertDetailLink(ctx context.Context, link *models.StoreDetailLink) error
	GetDetailLink(ctx context.Context, catalogID, storeID int64) (*models.StoreDetailLink, error)

	// operational
	AppendLog(ctx context.Context, l *models.ScrapeLog) error
	ListRecentLogs(ctx context.Context, limit int) ([]models.ScrapeLog, error)
	CreateCommand(ctx context.Context, cmd *models.Command) error
	PendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error
}

// Store is a relational backend with transactional scoping
type Store interface {
	Queries
	// InTx runs fn inside one transaction. The transaction commits if fn returns nil.
	InTx(ctx context.Context, fn func(q Queries) error) error
	Close() error
}

func validateRank(rec *models.RankRecord) error {
	if rec.Rank < 1 {
		return ErrInvalidRank
	}
	return nil
}

// orderCategories returns the stored categories in display order
func orderCategories(names map[models.Category]string) []models.CategoryInfo {
	out := make([]models.CategoryInfo, 0, len(names))
	for _, c := range models.Categories {
		if name, ok := names[c.ID]; ok {
			out = append(out, models.CategoryInfo{ID: c.ID, Name: name})
		}
	}
	return out
}

func categoryOrder(c models.Category) int {
	for i, info := range models.Categories {
		if info.ID == c {
			return i
		}
	}
	return len(models.Categories)
}

func sortCategoryURLs(urls []models.StoreCategoryURL) {
	sort.SliceStable(urls, func(i, j int) bool {
		return categoryOrder(urls[i].Category) < categoryOrder(urls[j].Category)
	})
}
