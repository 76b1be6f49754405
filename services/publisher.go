package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"manga_ranker/config"
	"manga_ranker/logging"
)

const publishTimeout = 5 * time.Second

// RankingUpdate is emitted for every catalog entry whose score changed
type RankingUpdate struct {
	EventID        uuid.UUID `json:"event_id"`
	CatalogID      int64     `json:"catalog_id"`
	Title          string    `json:"title"`
	Date           string    `json:"date"`
	Rating         int       `json:"rating"`
	PreviousRating int       `json:"previous_rating"`
	FreeChapters   int       `json:"free_chapters"`
	FreeBooks      int       `json:"free_books"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher announces ranking changes after aggregation commits
type Publisher interface {
	PublishRankingUpdates(ctx context.Context, updates []RankingUpdate) error
}

// RedisPublisher writes ranking updates to a redis stream
type RedisPublisher struct {
	client *redis.Client
	stream string
	log    zerolog.Logger
}

// NewRedisPublisher connects to redis. An empty address disables publishing.
func NewRedisPublisher(ctx context.Context, cfg config.RedisConfig) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})

	pingCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, cfg.Stream), nil
}

func NewRedisPublisherWithClient(client *redis.Client, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, log: logging.For("publisher")}
}

func (p *RedisPublisher) PublishRankingUpdates(ctx context.Context, updates []RankingUpdate) error {
	if p == nil || p.client == nil || len(updates) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, u := range updates {
		if u.EventID == uuid.Nil {
			u.EventID = uuid.New()
		}
		if u.Timestamp.IsZero() {
			u.Timestamp = time.Now().UTC()
		}
		payload, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal ranking update: %w", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			Values: map[string]any{
				"catalog_id": u.CatalogID,
				"event":      string(payload),
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to stream %s: %w", p.stream, err)
	}
	p.log.Info().Int("updates", len(updates)).Str("stream", p.stream).Msg("published ranking updates")
	return nil
}

func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
