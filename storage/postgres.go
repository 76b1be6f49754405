package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"manga_ranker/models"
)

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQueries struct {
	q pgxQuerier
}

type PostgresStore struct {
	*pgQueries
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pgQueries: &pgQueries{q: pool}, pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgQueries{q: tx})
	})
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS catalog_entries (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL UNIQUE,
		author TEXT NOT NULL,
		first_book_title TEXT NOT NULL DEFAULT '',
		cover_image TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		rating INTEGER NOT NULL DEFAULT 0,
		free_chapters INTEGER NOT NULL DEFAULT 0,
		free_books INTEGER NOT NULL DEFAULT 0,
		enriched_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS catalog_categories (
		catalog_id BIGINT NOT NULL REFERENCES catalog_entries(id) ON DELETE CASCADE,
		category_id TEXT NOT NULL REFERENCES categories(id),
		PRIMARY KEY (catalog_id, category_id)
	);

	CREATE TABLE IF NOT EXISTS stores (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		handler TEXT NOT NULL DEFAULT '',
		deleted_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS store_category_urls (
		store_id BIGINT NOT NULL REFERENCES stores(id) ON DELETE CASCADE,
		category_id TEXT NOT NULL REFERENCES categories(id),
		url TEXT NOT NULL,
		UNIQUE (store_id, category_id)
	);

	CREATE TABLE IF NOT EXISTS scrape_runs (
		id BIGSERIAL PRIMARY KEY,
		store_id BIGINT NOT NULL REFERENCES stores(id),
		scrape_date DATE NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		is_success BOOLEAN NOT NULL DEFAULT FALSE,
		error_message TEXT NOT NULL DEFAULT '',
		UNIQUE (store_id, scrape_date)
	);

	CREATE TABLE IF NOT EXISTS rank_records (
		id BIGSERIAL PRIMARY KEY,
		run_id BIGINT NOT NULL REFERENCES scrape_runs(id) ON DELETE CASCADE,
		catalog_id BIGINT NOT NULL REFERENCES catalog_entries(id) ON DELETE RESTRICT,
		rank INTEGER NOT NULL CHECK (rank >= 1),
		free_chapters INTEGER NOT NULL DEFAULT 0,
		free_books INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (run_id, catalog_id)
	);

	CREATE TABLE IF NOT EXISTS store_detail_links (
		catalog_id BIGINT NOT NULL REFERENCES catalog_entries(id) ON DELETE CASCADE,
		store_id BIGINT NOT NULL REFERENCES stores(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		free_chapters INTEGER NOT NULL DEFAULT 0,
		free_books INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (catalog_id, store_id)
	);

	CREATE TABLE IF NOT EXISTS scrape_logs (
		id BIGSERIAL PRIMARY KEY,
		run_id BIGINT,
		batch_id TEXT,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		level TEXT,
		message TEXT,
		store_id BIGINT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id BIGSERIAL PRIMARY KEY,
		command TEXT NOT NULL,
		params JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_catalog_rating ON catalog_entries(rating DESC);
	CREATE INDEX IF NOT EXISTS idx_catalog_categories_category ON catalog_categories(category_id);
	CREATE INDEX IF NOT EXISTS idx_runs_date ON scrape_runs(scrape_date);
	CREATE INDEX IF NOT EXISTS idx_rank_records_catalog ON rank_records(catalog_id);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON scrape_logs(run_id);
	`)
	return err
}

// =============================================================================
// Catalog
// =============================================================================

func (s *pgQueries) queryCatalog(ctx context.Context, query string, args ...any) ([]models.CatalogEntry, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CatalogEntry, error) {
		e, err := scanCatalogEntry(row)
		if err != nil {
			return models.CatalogEntry{}, err
		}
		return *e, nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.loadCategories(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *pgQueries) loadCategories(ctx context.Context, entries []models.CatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	index := make(map[int64]int, len(entries))
	ids := make([]int64, len(entries))
	for i := range entries {
		index[entries[i].ID] = i
		ids[i] = entries[i].ID
		entries[i].Categories = []models.Category{}
	}

	rows, err := s.q.Query(ctx, `
		SELECT catalog_id, category_id FROM catalog_categories
		WHERE catalog_id = ANY($1)
		ORDER BY catalog_id, category_id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var cat string
		if err := rows.Scan(&id, &cat); err != nil {
			return err
		}
		i := index[id]
		entries[i].Categories = append(entries[i].Categories, models.Category(cat))
	}
	return rows.Err()
}

func (s *pgQueries) getCatalog(ctx context.Context, where string, arg any) (*models.CatalogEntry, error) {
	e, err := scanCatalogEntry(s.q.QueryRow(ctx,
		`SELECT `+catalogColumns+` FROM catalog_entries WHERE `+where, arg))
	if err == pgx.ErrNoRows {
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

func (s *pgQueries) FindCatalogEntryByTitle(ctx context.Context, title string) (*models.CatalogEntry, error) {
	return s.getCatalog(ctx, "title = $1", title)
}

func (s *pgQueries) GetCatalogEntry(ctx context.Context, id int64) (*models.CatalogEntry, error) {
	return s.getCatalog(ctx, "id = $1", id)
}

func (s *pgQueries) CreateCatalogEntry(ctx context.Context, e *models.CatalogEntry) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO catalog_entries (title, author, first_book_title, cover_image, description,
			rating, free_chapters, free_books, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		e.Title, e.Author, e.FirstBookTitle, e.CoverImage, e.Description,
		e.Rating, e.FreeChapters, e.FreeBooks, e.CreatedAt, e.UpdatedAt).Scan(&e.ID)
	if err != nil {
		return err
	}
	return s.AddCatalogCategories(ctx, e.ID, e.Categories)
}

func (s *pgQueries) AddCatalogCategories(ctx context.Context, catalogID int64, categories []models.Category) error {
	for _, c := range categories {
		if _, err := s.q.Exec(ctx, `
			INSERT INTO catalog_categories (catalog_id, category_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, catalogID, string(c)); err != nil {
			return fmt.Errorf("add category %s: %w", c, err)
		}
	}
	return nil
}

func (s *pgQueries) SetFirstBookTitle(ctx context.Context, catalogID int64, firstBookTitle string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE catalog_entries SET first_book_title = $1, updated_at = NOW()
		WHERE id = $2 AND first_book_title = ''`, firstBookTitle, catalogID)
	return err
}

func (s *pgQueries) UpdateCatalogScore(ctx context.Context, catalogID int64, rating, freeChapters, freeBooks int) error {
	return s.execOne(ctx, `
		UPDATE catalog_entries SET rating = $1, free_chapters = $2, free_books = $3, updated_at = NOW()
		WHERE id = $4`, rating, freeChapters, freeBooks, catalogID)
}

func (s *pgQueries) UpdateCatalogMetadata(ctx context.Context, catalogID int64, coverImage, description string) error {
	return s.execOne(ctx, `
		UPDATE catalog_entries SET cover_image = $1, description = $2, enriched_at = NOW(), updated_at = NOW()
		WHERE id = $3`, coverImage, description, catalogID)
}

func (s *pgQueries) UpdateCoverImage(ctx context.Context, catalogID int64, coverImage string) error {
	return s.execOne(ctx, `
		UPDATE catalog_entries SET cover_image = $1, updated_at = NOW() WHERE id = $2`,
		coverImage, catalogID)
}

func (s *pgQueries) DeleteCatalogEntry(ctx context.Context, catalogID int64) error {
	var refs int
	if err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM rank_records WHERE catalog_id = $1`, catalogID).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return ErrEntryReferenced
	}
	err := s.execOne(ctx, `DELETE FROM catalog_entries WHERE id = $1`, catalogID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrEntryReferenced
	}
	return err
}

func (s *pgQueries) ListCatalog(ctx context.Context, q models.CatalogQuery) ([]models.CatalogEntry, error) {
	if q.Category == "" || q.Category == models.CategoryAll {
		return s.queryCatalog(ctx, `
			SELECT `+catalogColumns+` FROM catalog_entries
			ORDER BY rating DESC, id ASC LIMIT $1 OFFSET $2`, q.Count, q.Offset)
	}
	return s.queryCatalog(ctx, `
		SELECT `+catalogColumns+` FROM catalog_entries
		WHERE id IN (SELECT catalog_id FROM catalog_categories WHERE category_id = $1)
		ORDER BY rating DESC, id ASC LIMIT $2 OFFSET $3`, string(q.Category), q.Count, q.Offset)
}

func (s *pgQueries) ListCatalogForEnrichment(ctx context.Context, staleBefore time.Time, limit int) ([]models.CatalogEntry, error) {
	return s.queryCatalog(ctx, `
		SELECT `+catalogColumns+` FROM catalog_entries
		WHERE enriched_at IS NULL OR enriched_at < $1
		ORDER BY rating DESC, id ASC LIMIT $2`, staleBefore, limit)
}

func (s *pgQueries) ListExternalCovers(ctx context.Context, mirroredPrefix string, limit int) ([]models.CatalogEntry, error) {
	return s.queryCatalog(ctx, `
		SELECT `+catalogColumns+` FROM catalog_entries
		WHERE cover_image <> '' AND NOT starts_with(cover_image, $1)
		ORDER BY rating DESC, id ASC LIMIT $2`, mirroredPrefix, limit)
}

// =============================================================================
// Stores and categories
// =============================================================================

func (s *pgQueries) EnsureCategories(ctx context.Context) error {
	for _, c := range models.Categories {
		if _, err := s.q.Exec(ctx, `
			INSERT INTO categories (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, string(c.ID), c.Name); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgQueries) ListCategories(ctx context.Context) ([]models.CategoryInfo, error) {
	rows, err := s.q.Query(ctx, `SELECT id, name FROM categories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[models.Category]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		byID[models.Category(id)] = name
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderCategories(byID), nil
}

func (s *pgQueries) UpsertStore(ctx context.Context, st *models.Store) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO stores (id, name, url, handler, deleted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			url = EXCLUDED.url,
			handler = EXCLUDED.handler,
			deleted_at = CASE
				WHEN EXCLUDED.deleted_at IS NULL THEN NULL
				ELSE COALESCE(stores.deleted_at, EXCLUDED.deleted_at)
			END`,
		st.ID, st.Name, st.URL, st.Handler, st.DeletedAt)
	return err
}

func (s *pgQueries) GetStore(ctx context.Context, id int64) (*models.Store, error) {
	var st models.Store
	err := s.q.QueryRow(ctx,
		`SELECT id, name, url, handler, deleted_at FROM stores WHERE id = $1`, id).
		Scan(&st.ID, &st.Name, &st.URL, &st.Handler, &st.DeletedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *pgQueries) ListActiveStores(ctx context.Context) ([]models.Store, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, name, url, handler, deleted_at FROM stores
		WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Store, error) {
		var st models.Store
		err := row.Scan(&st.ID, &st.Name, &st.URL, &st.Handler, &st.DeletedAt)
		return st, err
	})
}

func (s *pgQueries) ReplaceCategoryURLs(ctx context.Context, storeID int64, urls []models.StoreCategoryURL) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM store_category_urls WHERE store_id = $1`, storeID); err != nil {
		return err
	}
	for _, u := range urls {
		if _, err := s.q.Exec(ctx, `
			INSERT INTO store_category_urls (store_id, category_id, url) VALUES ($1, $2, $3)`,
			storeID, string(u.Category), u.URL); err != nil {
			return fmt.Errorf("insert %s url: %w", u.Category, err)
		}
	}
	return nil
}

func (s *pgQueries) ListCategoryURLs(ctx context.Context, storeID int64) ([]models.StoreCategoryURL, error) {
	rows, err := s.q.Query(ctx, `
		SELECT store_id, category_id, url FROM store_category_urls
		WHERE store_id = $1`, storeID)
	if err != nil {
		return nil, err
	}
	urls, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.StoreCategoryURL, error) {
		var u models.StoreCategoryURL
		var cat string
		err := row.Scan(&u.StoreID, &cat, &u.URL)
		u.Category = models.Category(cat)
		return u, err
	})
	if err != nil {
		return nil, err
	}
	sortCategoryURLs(urls)
	return urls, nil
}

// =============================================================================
// Runs
// =============================================================================

func scanPgRun(row pgx.Row) (*models.ScrapeRun, error) {
	var r models.ScrapeRun
	var date time.Time
	if err := row.Scan(&r.ID, &r.StoreID, &date, &r.StartedAt, &r.FinishedAt, &r.IsSuccess, &r.ErrorMessage); err != nil {
		return nil, err
	}
	y, m, d := date.Date()
	r.ScrapeDate = time.Date(y, m, d, 0, 0, 0, 0, time.Local)
	return &r, nil
}

func (s *pgQueries) GetOrCreateRun(ctx context.Context, storeID int64, date, startedAt time.Time) (*models.ScrapeRun, error) {
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO scrape_runs (store_id, scrape_date, started_at, finished_at, is_success, error_message)
		VALUES ($1, $2::date, $3, NULL, FALSE, '')
		ON CONFLICT (store_id, scrape_date) DO UPDATE SET
			started_at = EXCLUDED.started_at,
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

func (s *pgQueries) FinishRun(ctx context.Context, run *models.ScrapeRun) error {
	return s.execOne(ctx, `
		UPDATE scrape_runs SET finished_at = $1, is_success = $2, error_message = $3
		WHERE id = $4`, run.FinishedAt, run.IsSuccess, run.ErrorMessage, run.ID)
}

func (s *pgQueries) GetRun(ctx context.Context, id int64) (*models.ScrapeRun, error) {
	r, err := scanPgRun(s.q.QueryRow(ctx, `SELECT `+runColumns+` FROM scrape_runs WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *pgQueries) SuccessfulRunsOn(ctx context.Context, date time.Time) ([]models.ScrapeRun, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+runColumns+` FROM scrape_runs
		WHERE scrape_date = $1::date AND is_success
		ORDER BY store_id`, date.Format(models.DateLayout))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ScrapeRun, error) {
		r, err := scanPgRun(row)
		if err != nil {
			return models.ScrapeRun{}, err
		}
		return *r, nil
	})
}

func (s *pgQueries) ListRecentRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+runColumns+` FROM scrape_runs
		ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ScrapeRun, error) {
		r, err := scanPgRun(row)
		if err != nil {
			return models.ScrapeRun{}, err
		}
		return *r, nil
	})
}

// =============================================================================
// Rank records and detail links
// =============================================================================

func (s *pgQueries) UpsertRankRecord(ctx context.Context, rec *models.RankRecord) error {
	if err := validateRank(rec); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return s.q.QueryRow(ctx, `
		INSERT INTO rank_records (run_id, catalog_id, rank, free_chapters, free_books, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, catalog_id) DO UPDATE SET
			rank = EXCLUDED.rank,
			free_chapters = EXCLUDED.free_chapters,
			free_books = EXCLUDED.free_books
		RETURNING id`,
		rec.RunID, rec.CatalogID, rec.Rank, rec.FreeChapters, rec.FreeBooks, rec.CreatedAt).Scan(&rec.ID)
}

func (s *pgQueries) queryRankRecords(ctx context.Context, query string, args ...any) ([]models.RankRecord, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RankRecord, error) {
		var r models.RankRecord
		err := row.Scan(&r.ID, &r.RunID, &r.CatalogID, &r.Rank, &r.FreeChapters, &r.FreeBooks, &r.CreatedAt)
		return r, err
	})
}

func (s *pgQueries) ListRankRecords(ctx context.Context, runID int64) ([]models.RankRecord, error) {
	return s.queryRankRecords(ctx, `
		SELECT id, run_id, catalog_id, rank, free_chapters, free_books, created_at
		FROM rank_records WHERE run_id = $1 ORDER BY rank, id`, runID)
}

func (s *pgQueries) RankRecordsForRuns(ctx context.Context, runIDs []int64) ([]models.RankRecord, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}
	return s.queryRankRecords(ctx, `
		SELECT id, run_id, catalog_id, rank, free_chapters, free_books, created_at
		FROM rank_records WHERE run_id = ANY($1)
		ORDER BY catalog_id, run_id`, runIDs)
}

func (s *pgQueries) UpsertDetailLink(ctx context.Context, link *models.StoreDetailLink) error {
	if link.UpdatedAt.IsZero() {
		link.UpdatedAt = time.Now()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO store_detail_links (catalog_id, store_id, url, free_chapters, free_books, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (catalog_id, store_id) DO UPDATE SET
			url = EXCLUDED.url,
			free_chapters = EXCLUDED.free_chapters,
			free_books = EXCLUDED.free_books,
			updated_at = EXCLUDED.updated_at`,
		link.CatalogID, link.StoreID, link.URL, link.FreeChapters, link.FreeBooks, link.UpdatedAt)
	return err
}

func (s *pgQueries) GetDetailLink(ctx context.Context, catalogID, storeID int64) (*models.StoreDetailLink, error) {
	var l models.StoreDetailLink
	err := s.q.QueryRow(ctx, `
		SELECT catalog_id, store_id, url, free_chapters, free_books, updated_at
		FROM store_detail_links WHERE catalog_id = $1 AND store_id = $2`, catalogID, storeID).
		Scan(&l.CatalogID, &l.StoreID, &l.URL, &l.FreeChapters, &l.FreeBooks, &l.UpdatedAt)
	if err == pgx.ErrNoRows {
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

func (s *pgQueries) AppendLog(ctx context.Context, l *models.ScrapeLog) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO scrape_logs (run_id, batch_id, timestamp, level, message, store_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.RunID, l.BatchID, l.Timestamp, string(l.Level), l.Message, l.StoreID)
	return err
}

func (s *pgQueries) ListRecentLogs(ctx context.Context, limit int) ([]models.ScrapeLog, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, run_id, COALESCE(batch_id, ''), timestamp, COALESCE(level, ''), COALESCE(message, ''), COALESCE(store_id, 0)
		FROM scrape_logs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ScrapeLog, error) {
		var l models.ScrapeLog
		var level string
		err := row.Scan(&l.ID, &l.RunID, &l.BatchID, &l.Timestamp, &level, &l.Message, &l.StoreID)
		l.Level = models.LogLevel(level)
		return l, err
	})
}

func (s *pgQueries) CreateCommand(ctx context.Context, cmd *models.Command) error {
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	var params []byte
	if len(cmd.Params) > 0 {
		params = cmd.Params
	}
	return s.q.QueryRow(ctx, `
		INSERT INTO commands (command, params, created_at) VALUES ($1, $2, $3)
		RETURNING id`, string(cmd.Command), params, cmd.CreatedAt).Scan(&cmd.ID)
}

func (s *pgQueries) PendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, command, params, created_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Command, error) {
		var cmd models.Command
		var name string
		var params []byte
		err := row.Scan(&cmd.ID, &name, &params, &cmd.CreatedAt)
		cmd.Command = models.CommandType(name)
		cmd.Params = params
		return cmd, err
	})
}

func (s *pgQueries) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.q.Exec(ctx, `UPDATE commands SET processed_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *pgQueries) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
