package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"manga_ranker/models"
)

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteQueries struct {
	ex sqlExecutor
}

type SQLiteStore struct {
	*sqliteQueries
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// one writer; callers inside InTx must only use the Queries they are handed
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{sqliteQueries: &sqliteQueries{ex: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqliteQueries{ex: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS catalog_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL UNIQUE,
		author TEXT NOT NULL,
		first_book_title TEXT NOT NULL DEFAULT '',
		cover_image TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		rating INTEGER NOT NULL DEFAULT 0,
		free_chapters INTEGER NOT NULL DEFAULT 0,
		free_books INTEGER NOT NULL DEFAULT 0,
		enriched_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS catalog_categories (
		catalog_id INTEGER NOT NULL REFERENCES catalog_entries(id) ON DELETE CASCADE,
		category_id TEXT NOT NULL REFERENCES categories(id),
		PRIMARY KEY (catalog_id, category_id)
	);

	CREATE TABLE IF NOT EXISTS stores (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		handler TEXT NOT NULL DEFAULT '',
		deleted_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS store_category_urls (
		store_id INTEGER NOT NULL REFERENCES stores(id) ON DELETE CASCADE,
		category_id TEXT NOT NULL REFERENCES categories(id),
		url TEXT NOT NULL,
		UNIQUE(store_id, category_id)
	);

	CREATE TABLE IF NOT EXISTS scrape_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		store_id INTEGER NOT NULL REFERENCES stores(id),
		scrape_date TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		is_success BOOLEAN NOT NULL DEFAULT FALSE,
		error_message TEXT NOT NULL DEFAULT '',
		UNIQUE(store_id, scrape_date)
	);

	CREATE TABLE IF NOT EXISTS rank_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES scrape_runs(id) ON DELETE CASCADE,
		catalog_id INTEGER NOT NULL REFERENCES catalog_entries(id) ON DELETE RESTRICT,
		rank INTEGER NOT NULL CHECK (rank >= 1),
		free_chapters INTEGER NOT NULL DEFAULT 0,
		free_books INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(run_id, catalog_id)
	);

	CREATE TABLE IF NOT EXISTS store_detail_links (
		catalog_id INTEGER NOT NULL REFERENCES catalog_entries(id) ON DELETE CASCADE,
		store_id INTEGER NOT NULL REFERENCES stores(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		free_chapters INTEGER NOT NULL DEFAULT 0,
		free_books INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (catalog_id, store_id)
	);

	CREATE TABLE IF NOT EXISTS scrape_logs (
		id INTEGER PRIMARY KEY,
		run_id INTEGER,
		batch_id TEXT,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		store_id INTEGER
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_catalog_rating ON catalog_entries(rating DESC);
	CREATE INDEX IF NOT EXISTS idx_catalog_categories_category ON catalog_categories(category_id);
	CREATE INDEX IF NOT EXISTS idx_runs_date ON scrape_runs(scrape_date);
	CREATE INDEX IF NOT EXISTS idx_rank_records_catalog ON rank_records(catalog_id);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON scrape_logs(run_id);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Catalog
// =============================================================================

const catalogColumns = `id, title, author, first_book_title, cover_image, description,
	rating, free_chapters, free_books, created_at, updated_at`

func scanCatalogEntry(row interface{ Scan(...any) error }) (*models.CatalogEntry, error) {
	var e models.CatalogEntry
	err := row.Scan(&e.ID, &e.Title, &e.Author, &e.FirstBookTitle, &e.CoverImage, &e.Description,
		&e.Rating, &e.FreeChapters, &e.FreeBooks, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqliteQueries) queryCatalog(ctx context.Context, query string, args ...any) ([]models.CatalogEntry, error) {
	rows, err := s.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.CatalogEntry
	for rows.Next() {
		e, err := scanCatalogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := s.loadCategories(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *sqliteQueries) loadCategories(ctx context.Context, entries []models.CatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	index := make(map[int64]int, len(entries))
	args := make([]any, len(entries))
	for i := range entries {
		index[entries[i].ID] = i
		args[i] = entries[i].ID
		entries[i].Categories = []models.Category{}
	}

	rows, err := s.ex.QueryContext(ctx, `
		SELECT catalog_id, category_id FROM catalog_categories
		WHERE catalog_id IN (`+placeholders(len(args))+`)
		ORDER BY catalog_id, category_id`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var cat models.Category
		if err := rows.Scan(&id, &cat); err != nil {
			return err
		}
		i := index[id]
		entries[i].Categories = append(entries[i].Categories, cat)
	}
	return rows.Err()
}

func (s *sqliteQueries) getCatalog(ctx context.Context, where string, arg any) (*models.CatalogEntry, error) {
	e, err := scanCatalogEntry(s.ex.QueryRowContext(ctx,
		`SELECT `+catalogColumns+` FROM catalog_entries WHERE `+where, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	one := []models.CatalogEntry{*e}
	if err := s.loadCategories(ctx, one); err != nil {
		return nil, err
	}
	return &one[0], nil
}

func (s *sqliteQueries) FindCatalogEntryByTitle(ctx context.Context, title string) (*models.CatalogEntry, error) {
	return s.getCatalog(ctx, "title = ?", title)
}

func (s *sqliteQueries) GetCatalogEntry(ctx context.Context, id int64) (*models.CatalogEntry, error) {
	return s.getCatalog(ctx, "id = ?", id)
}

func (s *sqliteQueries) CreateCatalogEntry(ctx context.Context, e *models.CatalogEntry) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	result, err := s.ex.ExecContext(ctx, `
		INSERT INTO catalog_entries (title, author, first_book_title, cover_image, description,
			rating, free_chapters, free_books, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Title, e.Author, e.FirstBookTitle, e.CoverImage, e.Description,
		e.Rating, e.FreeChapters, e.FreeBooks, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return err
	}
	if e.ID, err = result.LastInsertId(); err != nil {
		return err
	}
	return s.AddCatalogCategories(ctx, e.ID, e.Categories)
}

func (s *sqliteQueries) AddCatalogCategories(ctx context.Context, catalogID int64, categories []models.Category) error {
	for _, c := range categories {
		if _, err := s.ex.ExecContext(ctx, `
			INSERT INTO catalog_categories (catalog_id, category_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, catalogID, c); err != nil {
			return fmt.Errorf("add category %s: %w", c, err)
		}
	}
	return nil
}

func (s *sqliteQueries) SetFirstBookTitle(ctx context.Context, catalogID int64, firstBookTitle string) error {
	_, err := s.ex.ExecContext(ctx, `
		UPDATE catalog_entries SET first_book_title = ?, updated_at = ?
		WHERE id = ? AND first_book_title = ''`, firstBookTitle, time.Now(), catalogID)
	return err
}

func (s *sqliteQueries) UpdateCatalogScore(ctx context.Context, catalogID int64, rating, freeChapters, freeBooks int) error {
	return s.execOne(ctx, `
		UPDATE catalog_entries SET rating = ?, free_chapters = ?, free_books = ?, updated_at = ?
		WHERE id = ?`, rating, freeChapters, freeBooks, time.Now(), catalogID)
}

func (s *sqliteQueries) UpdateCatalogMetadata(ctx context.Context, catalogID int64, coverImage, description string) error {
	now := time.Now()
	return s.execOne(ctx, `
		UPDATE catalog_entries SET cover_image = ?, description = ?, enriched_at = ?, updated_at = ?
		WHERE id = ?`, coverImage, description, now, now, catalogID)
}

func (s *sqliteQueries) UpdateCoverImage(ctx context.Context, catalogID int64, coverImage string) error {
	return s.execOne(ctx, `
		UPDATE catalog_entries SET cover_image = ?, updated_at = ? WHERE id = ?`,
		coverImage, time.Now(), catalogID)
}

func (s *sqliteQueries) DeleteCatalogEntry(ctx context.Context, catalogID int64) error {
	var refs int
	if err := s.ex.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rank_records WHERE catalog_id = ?`, catalogID).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return ErrEntryReferenced
	}
	err := s.execOne(ctx, `DELETE FROM catalog_entries WHERE id = ?`, catalogID)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return ErrEntryReferenced
	}
	return err
}

func (s *sqliteQueries) ListCatalog(ctx context.Context, q models.CatalogQuery) ([]models.CatalogEntry, error) {
	if q.Category == "" || q.Category == models.CategoryAll {
		return s.queryCatalog(ctx, `
			SELECT `+catalogColumns+` FROM catalog_entries
			ORDER BY rating DESC, id ASC LIMIT ? OFFSET ?`, q.Count, q.Offset)
	}
	return s.queryCatalog(ctx, `
		SELECT `+catalogColumns+` FROM catalog_entries
		WHERE id IN (SELECT catalog_id FROM catalog_categories WHERE category_id = ?)
		ORDER BY rating DESC, id ASC LIMIT ? OFFSET ?`, q.Category, q.Count, q.Offset)
}

func (s *sqliteQueries) ListCatalogForEnrichment(ctx context.Context, staleBefore time.Time, limit int) ([]models.CatalogEntry, error) {
	return s.queryCatalog(ctx, `
		SELECT `+catalogColumns+` FROM catalog_entries
		WHERE enriched_at IS NULL OR enriched_at < ?
		ORDER BY rating DESC, id ASC LIMIT ?`, staleBefore, limit)
}

func (s *sqliteQueries) ListExternalCovers(ctx context.Context, mirroredPrefix string, limit int) ([]models.CatalogEntry, error) {
	return s.queryCatalog(ctx, `
		SELECT `+catalogColumns+` FROM catalog_entries
		WHERE cover_image <> '' AND substr(cover_image, 1, ?) <> ?
		ORDER BY rating DESC, id ASC LIMIT ?`, len(mirroredPrefix), mirroredPrefix, limit)
}

// =============================================================================
// Stores and categories
// =============================================================================

func (s *sqliteQueries) EnsureCategories(ctx context.Context) error {
	for _, c := range models.Categories {
		if _, err := s.ex.ExecContext(ctx, `
			INSERT INTO categories (id, name) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name`, c.ID, c.Name); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteQueries) ListCategories(ctx context.Context) ([]models.CategoryInfo, error) {
	rows, err := s.ex.QueryContext(ctx, `SELECT id, name FROM categories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[models.Category]string)
	for rows.Next() {
		var c models.CategoryInfo
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		byID[c.ID] = c.Name
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderCategories(byID), nil
}

func (s *sqliteQueries) UpsertStore(ctx context.Context, st *models.Store) error {
	_, err := s.ex.ExecContext(ctx, `
		INSERT INTO stores (id, name, url, handler, deleted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			handler = excluded.handler,
			deleted_at = CASE
				WHEN excluded.deleted_at IS NULL THEN NULL
				ELSE COALESCE(stores.deleted_at, excluded.deleted_at)
			END`,
		st.ID, st.Name, st.URL, st.Handler, nullTime(st.DeletedAt))
	return err
}

func scanStore(row interface{ Scan(...any) error }) (*models.Store, error) {
	var st models.Store
	var deleted sql.NullTime
	if err := row.Scan(&st.ID, &st.Name, &st.URL, &st.Handler, &deleted); err != nil {
		return nil, err
	}
	if deleted.Valid {
		st.DeletedAt = &deleted.Time
	}
	return &st, nil
}

func (s *sqliteQueries) GetStore(ctx context.Context, id int64) (*models.Store, error) {
	st, err := scanStore(s.ex.QueryRowContext(ctx,
		`SELECT id, name, url, handler, deleted_at FROM stores WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

func (s *sqliteQueries) ListActiveStores(ctx context.Context) ([]models.Store, error) {
	rows, err := s.ex.QueryContext(ctx, `
		SELECT id, name, url, handler, deleted_at FROM stores
		WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stores []models.Store
	for rows.Next() {
		st, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		stores = append(stores, *st)
	}
	return stores, rows.Err()
}

func (s *sqliteQueries) ReplaceCategoryURLs(ctx context.Context, storeID int64, urls []models.StoreCategoryURL) error {
	if _, err := s.ex.ExecContext(ctx, `DELETE FROM store_category_urls WHERE store_id = ?`, storeID); err != nil {
		return err
	}
	for _, u := range urls {
		if _, err := s.ex.ExecContext(ctx, `
			INSERT INTO store_category_urls (store_id, category_id, url) VALUES (?, ?, ?)`,
			storeID, u.Category, u.URL); err != nil {
			return fmt.Errorf("insert %s url: %w", u.Category, err)
		}
	}
	return nil
}

func (s *sqliteQueries) ListCategoryURLs(ctx context.Context, storeID int64) ([]models.StoreCategoryURL, error) {
	rows, err := s.ex.QueryContext(ctx, `
		SELECT store_id, category_id, url FROM store_category_urls
		WHERE store_id = ?`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []models.StoreCategoryURL
	for rows.Next() {
		var u models.StoreCategoryURL
		if err := rows.Scan(&u.StoreID, &u.Category, &u.URL); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortCategoryURLs(urls)
	return urls, nil
}

// =============================================================================
// Runs
// =============================================================================

const runColumns = `id, store_id, scrape_date, started_at, finished_at, is_success, error_message`

func scanRun(row interface{ Scan(...any) error }) (*models.ScrapeRun, error) {
	var r models.ScrapeRun
	var date string
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.StoreID, &date, &r.StartedAt, &finished, &r.IsSuccess, &r.ErrorMessage); err != nil {
		return nil, err
	}
	d, err := time.ParseInLocation(models.DateLayout, date, time.Local)
	if err != nil {
		return nil, fmt.Errorf("parse scrape_date %q: %w", date, err)
	}
	r.ScrapeDate = d
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return &r, nil
}

func (s *sqliteQueries) GetOrCreateRun(ctx context.Context, storeID int64, date, startedAt time.Time) (*models.ScrapeRun, error) {
	var id int64
	err := s.ex.QueryRowContext(ctx, `
		INSERT INTO scrape_runs (store_id, scrape_date, started_at, finished_at, is_success, error_message)
		VALUES (?, ?, ?, NULL, FALSE, '')
		ON CONFLICT(store_id, scrape_date) DO UPDATE SET
			started_at = excluded.started_at,
			finished_at = NULL,
			is_success = FALSE,
			error_message = ''
		RETURNING id`, storeID, date.Format(models.DateLayout), startedAt).Scan(&id)
	if err != nil {
		return nil, err
	}
	return &models.ScrapeRun{
		ID:         id,
		StoreID:    storeID,
		ScrapeDate: models.Day(date),
		StartedAt:  startedAt,
	}, nil
}

func (s *sqliteQueries) FinishRun(ctx context.Context, run *models.ScrapeRun) error {
	return s.execOne(ctx, `
		UPDATE scrape_runs SET finished_at = ?, is_success = ?, error_message = ?
		WHERE id = ?`, nullTime(run.FinishedAt), run.IsSuccess, run.ErrorMessage, run.ID)
}

func (s *sqliteQueries) GetRun(ctx context.Context, id int64) (*models.ScrapeRun, error) {
	r, err := scanRun(s.ex.QueryRowContext(ctx, `SELECT `+runColumns+` FROM scrape_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *sqliteQueries) SuccessfulRunsOn(ctx context.Context, date time.Time) ([]models.ScrapeRun, error) {
	rows, err := s.ex.QueryContext(ctx, `
		SELECT `+runColumns+` FROM scrape_runs
		WHERE scrape_date = ? AND is_success = TRUE
		ORDER BY store_id`, date.Format(models.DateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.ScrapeRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ListRecentRuns returns the newest runs first
func (s *sqliteQueries) ListRecentRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error) {
	rows, err := s.ex.QueryContext(ctx, `
		SELECT `+runColumns+` FROM scrape_runs
		ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.ScrapeRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// =============================================================================
// Rank records and detail links
// =============================================================================

func (s *sqliteQueries) UpsertRankRecord(ctx context.Context, rec *models.RankRecord) error {
	if err := validateRank(rec); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return s.ex.QueryRowContext(ctx, `
		INSERT INTO rank_records (run_id, catalog_id, rank, free_chapters, free_books, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, catalog_id) DO UPDATE SET
			rank = excluded.rank,
			free_chapters = excluded.free_chapters,
			free_books = excluded.free_books
		RETURNING id`,
		rec.RunID, rec.CatalogID, rec.Rank, rec.FreeChapters, rec.FreeBooks, rec.CreatedAt).Scan(&rec.ID)
}

func (s *sqliteQueries) queryRankRecords(ctx context.Context, query string, args ...any) ([]models.RankRecord, error) {
	rows, err := s.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.RankRecord
	for rows.Next() {
		var r models.RankRecord
		if err := rows.Scan(&r.ID, &r.RunID, &r.CatalogID, &r.Rank, &r.FreeChapters, &r.FreeBooks, &r.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *sqliteQueries) ListRankRecords(ctx context.Context, runID int64) ([]models.RankRecord, error) {
	return s.queryRankRecords(ctx, `
		SELECT id, run_id, catalog_id, rank, free_chapters, free_books, created_at
		FROM rank_records WHERE run_id = ? ORDER BY rank, id`, runID)
}

func (s *sqliteQueries) RankRecordsForRuns(ctx context.Context, runIDs []int64) ([]models.RankRecord, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		args[i] = id
	}
	return s.queryRankRecords(ctx, `
		SELECT id, run_id, catalog_id, rank, free_chapters, free_books, created_at
		FROM rank_records WHERE run_id IN (`+placeholders(len(args))+`)
		ORDER BY catalog_id, run_id`, args...)
}

func (s *sqliteQueries) UpsertDetailLink(ctx context.Context, link *models.StoreDetailLink) error {
	if link.UpdatedAt.IsZero() {
		link.UpdatedAt = time.Now()
	}
	_, err := s.ex.ExecContext(ctx, `
		INSERT INTO store_detail_links (catalog_id, store_id, url, free_chapters, free_books, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(catalog_id, store_id) DO UPDATE SET
			url = excluded.url,
			free_chapters = excluded.free_chapters,
			free_books = excluded.free_books,
			updated_at = excluded.updated_at`,
		link.CatalogID, link.StoreID, link.URL, link.FreeChapters, link.FreeBooks, link.UpdatedAt)
	return err
}

func (s *sqliteQueries) GetDetailLink(ctx context.Context, catalogID, storeID int64) (*models.StoreDetailLink, error) {
	var l models.StoreDetailLink
	err := s.ex.QueryRowContext(ctx, `
		SELECT catalog_id, store_id, url, free_chapters, free_books, updated_at
		FROM store_detail_links WHERE catalog_id = ? AND store_id = ?`, catalogID, storeID).
		Scan(&l.CatalogID, &l.StoreID, &l.URL, &l.FreeChapters, &l.FreeBooks, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// =============================================================================
// Logs and commands
// =============================================================================

func (s *sqliteQueries) AppendLog(ctx context.Context, l *models.ScrapeLog) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	_, err := s.ex.ExecContext(ctx, `
		INSERT INTO scrape_logs (run_id, batch_id, timestamp, level, message, store_id)
		VALUES (?, ?, ?, ?, ?, ?)`, l.RunID, l.BatchID, l.Timestamp, l.Level, l.Message, l.StoreID)
	return err
}

func (s *sqliteQueries) ListRecentLogs(ctx context.Context, limit int) ([]models.ScrapeLog, error) {
	rows, err := s.ex.QueryContext(ctx, `
		SELECT id, run_id, batch_id, timestamp, level, message, store_id
		FROM scrape_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ScrapeLog
	for rows.Next() {
		var l models.ScrapeLog
		var runID, storeID sql.NullInt64
		var batchID, level, message sql.NullString
		var ts sql.NullTime
		if err := rows.Scan(&l.ID, &runID, &batchID, &ts, &level, &message, &storeID); err != nil {
			return nil, err
		}
		if runID.Valid {
			l.RunID = &runID.Int64
		}
		l.BatchID = batchID.String
		l.Timestamp = ts.Time
		l.Level = models.LogLevel(level.String)
		l.Message = message.String
		l.StoreID = storeID.Int64
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *sqliteQueries) CreateCommand(ctx context.Context, cmd *models.Command) error {
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	var params any
	if len(cmd.Params) > 0 {
		params = string(cmd.Params)
	}
	result, err := s.ex.ExecContext(ctx, `
		INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		cmd.Command, params, cmd.CreatedAt)
	if err != nil {
		return err
	}
	cmd.ID, err = result.LastInsertId()
	return err
}

func (s *sqliteQueries) PendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.ex.QueryContext(ctx, `
		SELECT id, command, params, created_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *sqliteQueries) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.ex.ExecContext(ctx, `UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

// =============================================================================
// Helpers
// =============================================================================

func (s *sqliteQueries) execOne(ctx context.Context, query string, args ...any) error {
	result, err := s.ex.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*SQLiteStore)(nil)
