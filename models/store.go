package models

import "time"

// Store is a scrape target. Stores with DeletedAt set are inactive.
type Store struct {
	ID        int64      `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	URL       string     `json:"url" db:"url"` // legacy single ranking URL
	Handler   string     `json:"handler" db:"handler"`
	DeletedAt *time.Time `json:"deleted_at" db:"deleted_at"`
}

func (s *Store) Active() bool {
	return s.DeletedAt == nil
}

// StoreCategoryURL is a store's ranking page for one category
type StoreCategoryURL struct {
	StoreID  int64    `json:"store_id" db:"store_id"`
	Category Category `json:"category" db:"category"`
	URL      string   `json:"url" db:"url"`
}

// StoreDetailLink is the store-specific detail page for a catalog entry
type StoreDetailLink struct {
	CatalogID    int64     `json:"catalog_id" db:"catalog_id"`
	StoreID      int64     `json:"store_id" db:"store_id"`
	URL          string    `json:"url" db:"url"`
	FreeChapters int       `json:"free_chapters" db:"free_chapters"`
	FreeBooks    int       `json:"free_books" db:"free_books"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
