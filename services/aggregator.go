package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"manga_ranker/logging"
	"manga_ranker/models"
	"manga_ranker/storage"
)

// AggregatorService recomputes catalog ratings from one day's successful runs
type AggregatorService struct {
	store     storage.Store
	policy    ScoringPolicy
	publisher Publisher
	log       zerolog.Logger
}

// NewAggregatorService creates a new AggregatorService. publisher may be nil.
func NewAggregatorService(store storage.Store, policy ScoringPolicy, publisher Publisher) *AggregatorService {
	if policy == nil {
		policy = TieredPolicy{}
	}
	return &AggregatorService{
		store:     store,
		policy:    policy,
		publisher: publisher,
		log:       logging.For("aggregator"),
	}
}

type tally struct {
	ranks        []int
	freeChapters int
	freeBooks    int
}

// Aggregate scores every catalog entry ranked on targetDate and writes the
// entries whose rating or free counts changed. It returns the number written.
func (s *AggregatorService) Aggregate(ctx context.Context, targetDate time.Time) (int, error) {
	day := models.Day(targetDate)
	log := s.log.With().Str("date", day.Format(models.DateLayout)).Str("policy", s.policy.Name()).Logger()

	var updates []RankingUpdate
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		runs, err := q.SuccessfulRunsOn(ctx, day)
		if err != nil {
			return fmt.Errorf("successful runs: %w", err)
		}
		if len(runs) == 0 {
			return nil
		}

		runIDs := make([]int64, len(runs))
		for i, r := range runs {
			runIDs[i] = r.ID
		}
		records, err := q.RankRecordsForRuns(ctx, runIDs)
		if err != nil {
			return fmt.Errorf("rank records: %w", err)
		}

		tallies := make(map[int64]*tally)
		for _, rec := range records {
			t := tallies[rec.CatalogID]
			if t == nil {
				t = &tally{}
				tallies[rec.CatalogID] = t
			}
			t.ranks = append(t.ranks, rec.Rank)
			t.freeChapters = max(t.freeChapters, rec.FreeChapters)
			t.freeBooks = max(t.freeBooks, rec.FreeBooks)
		}

		ids := make([]int64, 0, len(tallies))
		for id := range tallies {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			t := tallies[id]
			entry, err := q.GetCatalogEntry(ctx, id)
			if err != nil {
				return fmt.Errorf("get catalog entry %d: %w", id, err)
			}
			if entry == nil {
				return fmt.Errorf("catalog entry %d: %w", id, storage.ErrNotFound)
			}

			rating := Score(s.policy, t.ranks)
			if entry.Rating == rating && entry.FreeChapters == t.freeChapters && entry.FreeBooks == t.freeBooks {
				continue
			}
			if err := q.UpdateCatalogScore(ctx, id, rating, t.freeChapters, t.freeBooks); err != nil {
				return fmt.Errorf("update catalog entry %d: %w", id, err)
			}
			updates = append(updates, RankingUpdate{
				CatalogID:      id,
				Title:          entry.Title,
				Date:           day.Format(models.DateLayout),
				Rating:         rating,
				PreviousRating: entry.Rating,
				FreeChapters:   t.freeChapters,
				FreeBooks:      t.freeBooks,
			})
		}

		log.Info().Int("runs", len(runs)).Int("records", len(records)).Int("entries", len(ids)).
			Int("changed", len(updates)).Msg("aggregated rankings")
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.publisher != nil && len(updates) > 0 {
		if perr := s.publisher.PublishRankingUpdates(ctx, updates); perr != nil {
			log.Warn().Err(perr).Int("updates", len(updates)).Msg("could not publish ranking updates")
		}
	}
	return len(updates), nil
}
