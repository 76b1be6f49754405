package workers

import (
	"context"
	"time"

	"manga_ranker/models"
	"manga_ranker/storage"
)

// LogFunc is a function that logs to the scrape_logs table
type LogFunc func(level models.LogLevel, source, message string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(level models.LogLevel, source, message string) {}

// StoreLogger mirrors worker messages into scrape_logs under batchID
func StoreLogger(store storage.Queries, batchID string) LogFunc {
	return func(level models.LogLevel, source, message string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.AppendLog(ctx, &models.ScrapeLog{
			BatchID:   batchID,
			Timestamp: time.Now(),
			Level:     level,
			Message:   source + ": " + message,
		})
	}
}
