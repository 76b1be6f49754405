package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdScrapeNow     CommandType = "scrape_now"
	CmdScrapeStore   CommandType = "scrape_store"
	CmdAggregate     CommandType = "aggregate"
	CmdPause         CommandType = "pause"
	CmdResume        CommandType = "resume"
	CmdRunEnrichment CommandType = "run_enrichment"
)

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	StoreID  int64  `json:"store_id,omitempty"`
	Date     string `json:"date,omitempty"`
	TestMode bool   `json:"test_mode,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ParseParams decodes the command's JSON params; empty params yield the zero value
func (c *Command) ParseParams() (CommandParams, error) {
	var params CommandParams
	if len(c.Params) == 0 {
		return params, nil
	}
	err := json.Unmarshal(c.Params, &params)
	return params, err
}
