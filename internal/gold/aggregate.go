package gold

import (
	"sort"

	"github.com/ghlake/ghlake/pkg/types"
)

// BuildDailyMetrics groups a day's events by repository and counts each
// counted kind. A repository's name is the first one seen. The result holds
// exactly one row per repository, sorted by repository ID.
func BuildDailyMetrics(events []types.NormalizedEvent, day types.Day) []types.DailyMetrics {
	date := day.String()
	byRepo := make(map[int64]*types.DailyMetrics)

	for _, ev := range events {
		m, ok := byRepo[ev.RepoID]
		if !ok {
			m = &types.DailyMetrics{RepoID: ev.RepoID, RepoName: ev.RepoName, Date: date}
			byRepo[ev.RepoID] = m
		}
		m.Add(types.EventKind(ev.EventType))
	}

	rows := make([]types.DailyMetrics, 0, len(byRepo))
	for _, m := range byRepo {
		rows = append(rows, *m)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RepoID < rows[j].RepoID })
	return rows
}
