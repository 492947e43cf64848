package table

import (
	"strconv"
	"strings"

	"github.com/ghlake/ghlake/pkg/types"
)

// Coverage describes how many hours of a day made it into a table.
type Coverage struct {
	Day         types.Day
	HoursOK     int
	HoursTotal  int
	FailedHours []int
}

// Ratio is HoursOK / HoursTotal, or 0 for an empty coverage.
func (c Coverage) Ratio() float64 {
	if c.HoursTotal == 0 {
		return 0
	}
	return float64(c.HoursOK) / float64(c.HoursTotal)
}

// Complete reports whether every hour was captured.
func (c Coverage) Complete() bool {
	return c.HoursTotal > 0 && c.HoursOK == c.HoursTotal
}

// Metadata renders the coverage as footer metadata.
func (c Coverage) Metadata() Metadata {
	failed := make([]string, len(c.FailedHours))
	for i, h := range c.FailedHours {
		failed[i] = strconv.Itoa(h)
	}
	return Metadata{
		MetaDay:         c.Day.String(),
		MetaHoursOK:     strconv.Itoa(c.HoursOK),
		MetaHoursTotal:  strconv.Itoa(c.HoursTotal),
		MetaHourRatio:   strconv.FormatFloat(c.Ratio(), 'f', 4, 64),
		MetaFailedHours: strings.Join(failed, ","),
	}
}

// CoverageFrom parses coverage back out of footer metadata. ok is false when
// the table carries no coverage keys.
func CoverageFrom(meta Metadata) (c Coverage, ok bool) {
	total, err := strconv.Atoi(meta[MetaHoursTotal])
	if err != nil {
		return Coverage{}, false
	}
	hoursOK, err := strconv.Atoi(meta[MetaHoursOK])
	if err != nil {
		return Coverage{}, false
	}
	c.HoursTotal = total
	c.HoursOK = hoursOK
	if day, err := types.ParseDay(meta[MetaDay]); err == nil {
		c.Day = day
	}
	if s := meta[MetaFailedHours]; s != "" {
		for _, part := range strings.Split(s, ",") {
			if h, err := strconv.Atoi(part); err == nil {
				c.FailedHours = append(c.FailedHours, h)
			}
		}
	}
	return c, true
}
