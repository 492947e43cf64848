package features

import (
	"sort"

	"github.com/ghlake/ghlake/pkg/types"
)

type average struct {
	stars, forks, pushes float64
}

// Compute joins a target day's gold rows with trailing averages from history.
// Averages are per repository over the history days in which it appears; a
// repository with no history gets zero averages. Rows are sorted by
// repository ID.
func Compute(target []types.DailyMetrics, history [][]types.DailyMetrics) []types.FeatureRow {
	type sum struct {
		stars, forks, pushes int64
		days                 int
	}
	sums := make(map[int64]*sum)
	for _, day := range history {
		for _, m := range day {
			s, ok := sums[m.RepoID]
			if !ok {
				s = &sum{}
				sums[m.RepoID] = s
			}
			s.stars += m.Stars
			s.forks += m.Forks
			s.pushes += m.Pushes
			s.days++
		}
	}

	avgs := make(map[int64]average, len(sums))
	for id, s := range sums {
		n := float64(s.days)
		avgs[id] = average{
			stars:  float64(s.stars) / n,
			forks:  float64(s.forks) / n,
			pushes: float64(s.pushes) / n,
		}
	}

	rows := make([]types.FeatureRow, 0, len(target))
	for _, m := range target {
		avg := avgs[m.RepoID]
		rows = append(rows, types.FeatureRow{
			RepoID:        m.RepoID,
			RepoName:      m.RepoName,
			Stars:         m.Stars,
			Forks:         m.Forks,
			Pushes:        m.Pushes,
			PRs:           m.PRs,
			Issues:        m.Issues,
			Date:          m.Date,
			AvgStars7d:    avg.stars,
			AvgForks7d:    avg.forks,
			AvgPushes7d:   avg.pushes,
			StarVelocity:  float64(m.Stars) / (avg.stars + 1),
			ForkRatio:     float64(m.Forks) / (float64(m.Stars) + 1),
			ActivityScore: m.Pushes + m.PRs + m.Issues,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RepoID < rows[j].RepoID })
	return rows
}
