package pipeline

import (
	"time"

	"github.com/ghlake/ghlake/internal/bronze"
	"github.com/ghlake/ghlake/internal/retention"
	"github.com/ghlake/ghlake/internal/silver"
	"github.com/ghlake/ghlake/pkg/types"
)

// DayReport is the outcome of one RunDay call.
type DayReport struct {
	RunID string    `json:"run_id"`
	Day   types.Day `json:"day"`
	State State     `json:"state"`

	// PartiallyFailed marks a day that completed with missing hours.
	PartiallyFailed bool   `json:"partially_failed"`
	FailedStage     State  `json:"failed_stage,omitempty"`
	Error           string `json:"error,omitempty"`

	Fetch            *bronze.HourTally            `json:"fetch,omitempty"`
	SilverRows       int                          `json:"silver_rows"`
	Discarded        map[silver.DiscardReason]int `json:"discarded,omitempty"`
	HourSuccessRatio float64                      `json:"hour_success_ratio"`
	GoldRows         int                          `json:"gold_rows"`

	SilverFingerprint string `json:"silver_fingerprint,omitempty"`
	GoldFingerprint   string `json:"gold_fingerprint,omitempty"`

	Retention *retention.Report `json:"retention,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// DailyReport is the outcome of one RunDaily call.
type DailyReport struct {
	Today  types.Day         `json:"today"`
	Target types.Day         `json:"target"`
	Prune  *retention.Report `json:"prune,omitempty"`
	Run    *DayReport        `json:"run,omitempty"`
}

// RangeReport is the outcome of a backfill.
type RangeReport struct {
	From   types.Day         `json:"from"`
	To     types.Day         `json:"to"`
	Days   []*DayReport      `json:"days"`
	Errors map[string]string `json:"errors,omitempty"`
}

// Succeeded returns the number of days that reached Done.
func (r *RangeReport) Succeeded() int {
	n := 0
	for _, d := range r.Days {
		if d != nil && d.State == StateDone {
			n++
		}
	}
	return n
}
