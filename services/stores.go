package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"manga_ranker/config"
	"manga_ranker/logging"
	"manga_ranker/models"
	"manga_ranker/storage"
)

// SyncStores makes the stores table mirror the YAML store configs. Disabled
// configs and active rows with no config are soft-deleted; the rest are
// reactivated with their category URLs replaced. It runs in one transaction.
func SyncStores(ctx context.Context, store storage.Store, cfgs map[int64]*config.StoreConfig) error {
	log := logging.For("stores")
	now := time.Now()

	ids := make([]int64, 0, len(cfgs))
	for id := range cfgs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return store.InTx(ctx, func(q storage.Queries) error {
		if err := q.EnsureCategories(ctx); err != nil {
			return fmt.Errorf("seed categories: %w", err)
		}

		active, err := q.ListActiveStores(ctx)
		if err != nil {
			return fmt.Errorf("list stores: %w", err)
		}
		for _, st := range active {
			if _, ok := cfgs[st.ID]; ok {
				continue
			}
			st.DeletedAt = &now
			if err := q.UpsertStore(ctx, &st); err != nil {
				return fmt.Errorf("deactivate store %d: %w", st.ID, err)
			}
			log.Info().Int64("store_id", st.ID).Str("store", st.Name).Msg("store has no config, deactivated")
		}

		for _, id := range ids {
			sc := cfgs[id]
			st := &models.Store{ID: sc.ID, Name: sc.Name, URL: sc.URL, Handler: sc.Handler}
			if sc.Disabled {
				st.DeletedAt = &now
			}
			if err := q.UpsertStore(ctx, st); err != nil {
				return fmt.Errorf("upsert store %d: %w", id, err)
			}
			if err := q.ReplaceCategoryURLs(ctx, id, categoryURLs(sc)); err != nil {
				return fmt.Errorf("category urls for store %d: %w", id, err)
			}
		}

		log.Info().Int("stores", len(ids)).Msg("synced store configs")
		return nil
	})
}

func categoryURLs(sc *config.StoreConfig) []models.StoreCategoryURL {
	log := logging.WithStore(logging.For("stores"), sc.ID, sc.Name)
	var urls []models.StoreCategoryURL
	for name, u := range sc.Categories {
		cat := models.Category(name)
		if !cat.Valid() {
			log.Warn().Str("category", name).Msg("unknown category in store config, ignoring")
			continue
		}
		if u == "" {
			continue
		}
		urls = append(urls, models.StoreCategoryURL{StoreID: sc.ID, Category: cat, URL: u})
	}
	return urls
}
