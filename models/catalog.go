package models

import "time"

// UnknownPlaceholder is the sentinel extractors emit when a field could not be read
const UnknownPlaceholder = "不明"

// CatalogEntry is the canonical, deduplicated record for one manga work
type CatalogEntry struct {
	ID             int64      `json:"id" db:"id"`
	Title          string     `json:"title" db:"title"`
	Author         string     `json:"author" db:"author"`
	FirstBookTitle string     `json:"first_book_title,omitempty" db:"first_book_title"`
	CoverImage     string     `json:"cover_image" db:"cover_image"`
	Description    string     `json:"description" db:"description"`
	Rating         int        `json:"rating" db:"rating"`
	FreeChapters   int        `json:"free_chapters" db:"free_chapters"`
	FreeBooks      int        `json:"free_books" db:"free_books"`
	Categories     []Category `json:"categories"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// HasCategory reports whether c is already in the entry's category set
func (e *CatalogEntry) HasCategory(c Category) bool {
	for _, existing := range e.Categories {
		if existing == c {
			return true
		}
	}
	return false
}

// CatalogQuery selects a page of the catalog ordered by rating
type CatalogQuery struct {
	Category Category
	Offset   int
	Count    int
}
