package types

// EventKind is one of the archive event types the pipeline keeps.
type EventKind string

const (
	KindWatch       EventKind = "WatchEvent"
	KindFork        EventKind = "ForkEvent"
	KindPush        EventKind = "PushEvent"
	KindPullRequest EventKind = "PullRequestEvent"
	KindIssues      EventKind = "IssuesEvent"
	KindCreate      EventKind = "CreateEvent"
)

// RecognizedKinds is the allow-list applied by the normalizer.
var RecognizedKinds = []EventKind{
	KindWatch, KindFork, KindPush, KindPullRequest, KindIssues, KindCreate,
}

// CountedKinds are the kinds with a count column in DailyMetrics.
// CreateEvent is kept in silver but not counted.
var CountedKinds = []EventKind{
	KindWatch, KindFork, KindPush, KindPullRequest, KindIssues,
}

// ParseEventKind maps an archive type name to a recognized kind.
func ParseEventKind(name string) (EventKind, bool) {
	switch k := EventKind(name); k {
	case KindWatch, KindFork, KindPush, KindPullRequest, KindIssues, KindCreate:
		return k, true
	default:
		return "", false
	}
}

// NormalizedEvent is one silver row.
type NormalizedEvent struct {
	EventType string `parquet:"event_type" json:"event_type"`
	RepoID    int64  `parquet:"repo_id" json:"repo_id"`
	RepoName  string `parquet:"repo_name" json:"repo_name"`
	ActorID   int64  `parquet:"actor_id" json:"actor_id"`
	CreatedAt string `parquet:"created_at" json:"created_at"`
}

// DailyMetrics is one gold row: per-repository event counts for one day.
type DailyMetrics struct {
	RepoID   int64  `parquet:"repo_id" json:"repo_id"`
	RepoName string `parquet:"repo_name" json:"repo_name"`
	Stars    int64  `parquet:"stars" json:"stars"`
	Forks    int64  `parquet:"forks" json:"forks"`
	Pushes   int64  `parquet:"pushes" json:"pushes"`
	PRs      int64  `parquet:"prs" json:"prs"`
	Issues   int64  `parquet:"issues" json:"issues"`
	Date     string `parquet:"date" json:"date"`
}

// Add increments the counter matching kind. Kinds without a column are ignored.
func (m *DailyMetrics) Add(kind EventKind) {
	switch kind {
	case KindWatch:
		m.Stars++
	case KindFork:
		m.Forks++
	case KindPush:
		m.Pushes++
	case KindPullRequest:
		m.PRs++
	case KindIssues:
		m.Issues++
	}
}

// Count returns the counter matching kind.
func (m DailyMetrics) Count(kind EventKind) int64 {
	switch kind {
	case KindWatch:
		return m.Stars
	case KindFork:
		return m.Forks
	case KindPush:
		return m.Pushes
	case KindPullRequest:
		return m.PRs
	case KindIssues:
		return m.Issues
	default:
		return 0
	}
}

// FeatureRow is one row of the downstream feature table: a gold row joined
// with trailing seven-day averages.
type FeatureRow struct {
	RepoID        int64   `parquet:"repo_id" json:"repo_id"`
	RepoName      string  `parquet:"repo_name" json:"repo_name"`
	Stars         int64   `parquet:"stars" json:"stars"`
	Forks         int64   `parquet:"forks" json:"forks"`
	Pushes        int64   `parquet:"pushes" json:"pushes"`
	PRs           int64   `parquet:"prs" json:"prs"`
	Issues        int64   `parquet:"issues" json:"issues"`
	Date          string  `parquet:"date" json:"date"`
	AvgStars7d    float64 `parquet:"avg_stars_7d" json:"avg_stars_7d"`
	AvgForks7d    float64 `parquet:"avg_forks_7d" json:"avg_forks_7d"`
	AvgPushes7d   float64 `parquet:"avg_pushes_7d" json:"avg_pushes_7d"`
	StarVelocity  float64 `parquet:"star_velocity" json:"star_velocity"`
	ForkRatio     float64 `parquet:"fork_ratio" json:"fork_ratio"`
	ActivityScore int64   `parquet:"activity_score" json:"activity_score"`
}
