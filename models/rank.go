package models

import "time"

// RawEntry is one ranked item as read off a store page
type RawEntry struct {
	Title          string   `json:"title"`
	Author         string   `json:"author"`
	FreeChapters   int      `json:"free_chapters"`
	FreeBooks      int      `json:"free_books"`
	DetailURL      string   `json:"detail_url,omitempty"`
	FirstBookTitle string   `json:"first_book_title,omitempty"`
	Category       Category `json:"category"`
	Rank           int      `json:"rank"`
}

// RankRecord is one catalog entry's position within one run
type RankRecord struct {
	ID           int64     `json:"id" db:"id"`
	RunID        int64     `json:"run_id" db:"run_id"`
	CatalogID    int64     `json:"catalog_id" db:"catalog_id"`
	Rank         int       `json:"rank" db:"rank"`
	FreeChapters int       `json:"free_chapters" db:"free_chapters"`
	FreeBooks    int       `json:"free_books" db:"free_books"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
