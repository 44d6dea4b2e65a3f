// Package generator materializes runnable detector artifacts for jobs.
//
// An artifact is a self-contained directory with a single entry point
// (main.py) that accepts --start-date/--end-date plus optional report
// destination flags, exits 0 when clean, 1 when discrepancies were found and
// any other code on error. The engine only launches it; the artifact owns
// report upload and callbacks.
package generator

import (
	"context"
	"encoding/json"

	"geppetto/internal/model"
)

// Generator turns a job's rule set and data-source configuration into a
// runnable artifact in outDir. Implementations overwrite outDir on each call.
type Generator interface {
	Generate(ctx context.Context, job model.Job, rules []model.Rule, outDir string) error
}

// DataSource is the engine-visible part of a job's configuration blob.
// Everything else in the blob is passed through untouched.
type DataSource struct {
	Type             string `json:"type"`
	ConnectionString string `json:"connection_string,omitempty"`
	Query            string `json:"query,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	StartDateColumn  string `json:"start_date_column,omitempty"`
	EndDateColumn    string `json:"end_date_column,omitempty"`
	APIURL           string `json:"api_url,omitempty"`
	APIPageSize      int    `json:"api_page_size,omitempty"`
	AuthToken        string `json:"auth_token,omitempty"`

	// LookbackDays overrides the runner-wide default for this job.
	LookbackDays int `json:"lookback_days,omitempty"`
}

// ParseDataSource decodes a job config blob, applying the same defaults for
// missing fields regardless of source type. An empty blob means "manual".
func ParseDataSource(raw json.RawMessage) DataSource {
	ds := DataSource{}
	if len(raw) > 0 {
		// Unknown fields are the generator's business, not ours.
		_ = json.Unmarshal(raw, &ds)
	}
	if ds.Type == "" {
		ds.Type = "manual"
	}
	if ds.BatchSize <= 0 {
		ds.BatchSize = 1000
	}
	if ds.APIPageSize <= 0 {
		ds.APIPageSize = 100
	}
	if ds.StartDateColumn == "" {
		ds.StartDateColumn = "created_at"
	}
	if ds.EndDateColumn == "" {
		ds.EndDateColumn = "created_at"
	}
	return ds
}
