package bronze

import (
	"sort"

	"github.com/ghlake/ghlake/pkg/types"
)

// HourTally records the outcome of every hour of a day fetch.
type HourTally struct {
	Succeeded []int          `json:"succeeded"`
	Failed    map[int]string `json:"failed,omitempty"`
}

// NewHourTally returns an empty tally.
func NewHourTally() *HourTally {
	return &HourTally{Failed: make(map[int]string)}
}

// Ratio is the fraction of the day's hours that were captured.
func (t *HourTally) Ratio() float64 {
	return float64(len(t.Succeeded)) / float64(types.HoursPerDay)
}

// Partial reports whether at least one hour failed.
func (t *HourTally) Partial() bool {
	return len(t.Failed) > 0
}

// FailedHours returns the failed hours in ascending order.
func (t *HourTally) FailedHours() []int {
	hours := make([]int, 0, len(t.Failed))
	for h := range t.Failed {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	return hours
}
