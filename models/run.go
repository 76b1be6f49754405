package models

import "time"

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// DateLayout is the calendar-date format used for scrape dates
const DateLayout = "2006-01-02"

// ScrapeRun is one store's scraping attempt for one calendar date
type ScrapeRun struct {
	ID           int64      `json:"id" db:"id"`
	StoreID      int64      `json:"store_id" db:"store_id"`
	ScrapeDate   time.Time  `json:"scrape_date" db:"scrape_date"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	IsSuccess    bool       `json:"is_success" db:"is_success"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
}

func (r *ScrapeRun) Status() RunStatus {
	switch {
	case r.FinishedAt == nil:
		return RunStatusRunning
	case r.IsSuccess:
		return RunStatusSucceeded
	default:
		return RunStatusFailed
	}
}

// Day truncates t to midnight in its own location
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// StoreStats summarizes one store's part of a coordinator batch
type StoreStats struct {
	StoreID   int64     `json:"store_id"`
	StoreName string    `json:"store_name"`
	RunID     int64     `json:"run_id,omitempty"`
	Status    RunStatus `json:"status"`
	Found     int       `json:"found"`
	Persisted int       `json:"persisted"`
	Rejected  int       `json:"rejected"`
	Failed    int       `json:"failed"`
	Created   int       `json:"created"`
	Error     string    `json:"error,omitempty"`
}
