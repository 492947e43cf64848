package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ghlake/ghlake/internal/bronze"
	"github.com/ghlake/ghlake/internal/bronze/bronzetest"
	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/gold"
	"github.com/ghlake/ghlake/internal/lease"
	"github.com/ghlake/ghlake/internal/ledger"
	"github.com/ghlake/ghlake/internal/retention"
	"github.com/ghlake/ghlake/internal/silver"
	"github.com/ghlake/ghlake/internal/storage"
	"github.com/ghlake/ghlake/internal/storage/storagetest"
	"github.com/ghlake/ghlake/internal/table"
	"github.com/ghlake/ghlake/pkg/types"
)

var testDay = types.MustParseDay("2024-01-15")

type harness struct {
	archive *bronzetest.Archive
	store   *storagetest.Faulty
	ledger  *ledger.SQLiteLedger
	orch    *Orchestrator
	leases  *lease.Manager
}

func newHarness(t *testing.T, withLedger bool) *harness {
	t.Helper()
	return newHarnessTTL(t, withLedger, time.Hour)
}

func newHarnessTTL(t *testing.T, withLedger bool, ttl time.Duration) *harness {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	store := storagetest.NewFaulty(local)
	arch := bronzetest.NewArchive()
	logger := zaptest.NewLogger(t)

	h := &harness{archive: arch, store: store}
	var l ledger.Ledger
	var orphans retention.OrphanStore
	if withLedger {
		h.ledger, err = ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { h.ledger.Close() })
		l = h.ledger
		orphans = h.ledger
	}

	h.leases = lease.NewManager(store, ttl, logger)
	stages := Stages{
		Fetcher:    bronze.NewFetcher(arch, store, 4, logger, nil),
		Normalizer: silver.NewNormalizer(store, 4, logger, nil),
		Aggregator: gold.NewAggregator(store, logger, nil),
		Retention:  retention.NewManager(store, orphans, logger, nil),
		Leases:     h.leases,
	}
	h.orch = NewOrchestrator(DefaultConfig(), stages, l, logger, nil)
	return h
}

func (h *harness) exists(t *testing.T, key types.PartitionKey) bool {
	t.Helper()
	ok, err := h.store.Exists(context.Background(), key.String())
	require.NoError(t, err)
	return ok
}

func (h *harness) deletedUnder(layer types.Layer) []string {
	var out []string
	for _, k := range h.store.Deleted() {
		if strings.HasPrefix(k, types.LayerPrefix(layer)) {
			out = append(out, k)
		}
	}
	return out
}

func ev(kind types.EventKind, repo int64, name string) bronzetest.Event {
	return bronzetest.Event{Kind: string(kind), RepoID: repo, RepoName: name, ActorID: 7, CreatedAt: "2024-01-15T05:00:00Z"}
}

// seedScenarioA gives repo 42 five watches (hour 0) and two forks (hour 1);
// every other hour carries one push for repo 7.
func seedScenarioA(a *bronzetest.Archive, day types.Day) {
	a.SetDay(day, ev(types.KindPush, 7, "other/repo"))
	var watches []bronzetest.Event
	for i := 0; i < 5; i++ {
		watches = append(watches, ev(types.KindWatch, 42, "org/x"))
	}
	a.Set(day, 0, bronzetest.Hour(watches...))
	a.Set(day, 1, bronzetest.Hour(ev(types.KindFork, 42, "org/x"), ev(types.KindFork, 42, "org/x")))
}

func readGold(t *testing.T, store storage.ObjectStorage, day types.Day) ([]types.DailyMetrics, table.Metadata) {
	t.Helper()
	rows, meta, err := gold.ReadDay(context.Background(), store, day)
	require.NoError(t, err)
	return rows, meta
}

func TestRunDay_ScenarioA(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	seedScenarioA(h.archive, testDay)

	report, err := h.orch.RunDay(ctx, testDay)
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.False(t, report.PartiallyFailed)
	assert.Equal(t, 1.0, report.HourSuccessRatio)

	rows, _ := readGold(t, h.store, testDay)
	require.Len(t, rows, 2)
	assert.Equal(t, types.DailyMetrics{RepoID: 7, RepoName: "other/repo", Pushes: 22, Date: "2024-01-15"}, rows[0])
	assert.Equal(t, types.DailyMetrics{RepoID: 42, RepoName: "org/x", Stars: 5, Forks: 2, Date: "2024-01-15"}, rows[1])

	for hour := 0; hour < types.HoursPerDay; hour++ {
		assert.False(t, h.exists(t, types.BronzeKey(testDay, hour)))
	}
	assert.False(t, h.exists(t, types.SilverKey(testDay)))
	assert.False(t, h.exists(t, types.LeaseKey(testDay)), "lease must be released")

	run, err := h.ledger.LatestRun(ctx, testDay)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, run.RunID)
	assert.Equal(t, "done", run.State)
	assert.Equal(t, report.GoldFingerprint, run.GoldFingerprint)

	var stored DayReport
	require.NoError(t, json.Unmarshal(run.Report, &stored))
	assert.Equal(t, 2, stored.GoldRows)

	transitions, err := h.ledger.Transitions(ctx, report.RunID)
	require.NoError(t, err)
	var states []string
	for _, tr := range transitions {
		states = append(states, tr.State)
	}
	assert.Equal(t, []string{"pending", "fetching", "normalizing", "aggregating", "retiring", "done"}, states)
}

func TestRunDay_ScenarioB(t *testing.T) {
	h := newHarness(t, true)
	seedScenarioA(h.archive, testDay)
	h.archive.Fail(testDay, 13)

	report, err := h.orch.RunDay(context.Background(), testDay)
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.True(t, report.PartiallyFailed)
	assert.Equal(t, []int{13}, report.Fetch.FailedHours())
	assert.Equal(t, 28, report.SilverRows, "5 watches, 2 forks and 21 pushes")

	rows, meta := readGold(t, h.store, testDay)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(21), rows[0].Pushes)
	assert.Equal(t, "13", meta[table.MetaFailedHours])

	assert.Len(t, h.deletedUnder(types.LayerBronze), 23)
	assert.Equal(t, 24, report.Retention.Count(retention.StatusDeleted), "23 bronze plus the silver table")
	assert.Equal(t, retention.StatusNotFound, report.Retention.Outcomes[13].Status)
	assert.Empty(t, report.Retention.Failed())
}

func TestRunDay_SilverWriteFailureKeepsBronze(t *testing.T) {
	h := newHarness(t, true)
	seedScenarioA(h.archive, testDay)
	h.store.Fail(storagetest.OpPut, types.LayerPrefix(types.LayerSilver))

	report, err := h.orch.RunDay(context.Background(), testDay)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipelineerrors.ErrWrite))
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, StateNormalizing, report.FailedStage)

	assert.Empty(t, h.deletedUnder(types.LayerBronze))
	for hour := 0; hour < types.HoursPerDay; hour++ {
		assert.True(t, h.exists(t, types.BronzeKey(testDay, hour)))
	}
	assert.False(t, h.exists(t, types.GoldKey(testDay)))
	assert.False(t, h.exists(t, types.LeaseKey(testDay)), "lease released on failure")

	run, err := h.ledger.LatestRun(context.Background(), testDay)
	require.NoError(t, err)
	assert.Equal(t, "failed", run.State)
	assert.NotEmpty(t, run.Error)
}

func TestRunDay_GoldWriteFailureDeletesNothing(t *testing.T) {
	h := newHarness(t, false)
	seedScenarioA(h.archive, testDay)
	h.store.Fail(storagetest.OpPut, types.LayerPrefix(types.LayerGold))

	report, err := h.orch.RunDay(context.Background(), testDay)
	require.Error(t, err)
	assert.Equal(t, StateAggregating, report.FailedStage)
	assert.Empty(t, h.deletedUnder(types.LayerBronze))
	assert.Empty(t, h.deletedUnder(types.LayerSilver))
	assert.True(t, h.exists(t, types.SilverKey(testDay)))
}

// The aggregator cannot read silver, so the day fails without deleting
// anything.
func TestRunDay_SilverUnreadable(t *testing.T) {
	h := newHarness(t, false)
	seedScenarioA(h.archive, testDay)
	h.store.Fail(storagetest.OpGet, types.SilverKey(testDay).String())

	report, err := h.orch.RunDay(context.Background(), testDay)
	require.Error(t, err)
	assert.Equal(t, StateAggregating, report.FailedStage)
	assert.Empty(t, h.deletedUnder(types.LayerBronze))
}

func TestRunDay_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	seedScenarioA(h.archive, testDay)

	first, err := h.orch.RunDay(ctx, testDay)
	require.NoError(t, err)
	goldBytes, err := h.store.Get(ctx, types.GoldKey(testDay).String())
	require.NoError(t, err)

	second, err := h.orch.RunDay(ctx, testDay)
	require.NoError(t, err)
	again, err := h.store.Get(ctx, types.GoldKey(testDay).String())
	require.NoError(t, err)

	assert.Equal(t, first.SilverFingerprint, second.SilverFingerprint)
	assert.Equal(t, first.GoldFingerprint, second.GoldFingerprint)
	assert.Equal(t, goldBytes, again)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRunDay_LeaseHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	seedScenarioA(h.archive, testDay)

	held, err := h.leases.Acquire(ctx, testDay)
	require.NoError(t, err)

	report, err := h.orch.RunDay(ctx, testDay)
	assert.Nil(t, report)
	assert.True(t, errors.Is(err, pipelineerrors.ErrLeaseHeld))
	assert.Equal(t, 0, h.archive.Calls())
	_, err = h.ledger.LatestRun(ctx, testDay)
	assert.True(t, errors.Is(err, ledger.ErrRunNotFound))

	require.NoError(t, held.Release(ctx))
	_, err = h.orch.RunDay(ctx, testDay)
	require.NoError(t, err)
}

func TestRunDay_DeletionFailureIsOrphaned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	seedScenarioA(h.archive, testDay)
	h.store.Fail(storagetest.OpDelete, types.BronzeKey(testDay, 2).String())

	report, err := h.orch.RunDay(ctx, testDay)
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	require.Len(t, report.Retention.Failed(), 1)

	orphans, err := h.ledger.ListOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, types.BronzeKey(testDay, 2).String(), orphans[0].Key)
}

func TestRunDay_AllHoursMissing(t *testing.T) {
	h := newHarness(t, false)

	report, err := h.orch.RunDay(context.Background(), testDay)
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.True(t, report.PartiallyFailed)
	assert.Equal(t, 0.0, report.HourSuccessRatio)

	rows, meta := readGold(t, h.store, testDay)
	assert.Empty(t, rows)
	assert.Equal(t, "0", meta[table.MetaHoursOK])
}

func TestRunDay_Cancelled(t *testing.T) {
	h := newHarness(t, false)
	seedScenarioA(h.archive, testDay)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.RunDay(ctx, testDay)
	require.Error(t, err)
	assert.Empty(t, h.deletedUnder(types.LayerBronze))
}

// Cancellation that lands once gold is written still retires the day.
func TestRunDay_CancelledAfterGoldWrite(t *testing.T) {
	h := newHarness(t, true)
	seedScenarioA(h.archive, testDay)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store.AfterPut(types.LayerPrefix(types.LayerGold), func(string) { cancel() })

	var report *DayReport
	var err error
	require.NotPanics(t, func() {
		report, err = h.orch.RunDay(ctx, testDay)
	})
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	require.NotNil(t, report.Retention)
	assert.Empty(t, report.Retention.Failed())
	assert.Len(t, h.deletedUnder(types.LayerBronze), types.HoursPerDay)
	assert.Len(t, h.deletedUnder(types.LayerSilver), 1)
	assert.True(t, h.exists(t, types.GoldKey(testDay)))
	assert.False(t, h.exists(t, types.LeaseKey(testDay)))

	run, err := h.ledger.LatestRun(context.Background(), testDay)
	require.NoError(t, err)
	assert.Equal(t, "done", run.State)
}

func TestRunDay_CancelledBeforeGoldWrite(t *testing.T) {
	h := newHarness(t, false)
	seedScenarioA(h.archive, testDay)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store.AfterPut(types.LayerPrefix(types.LayerSilver), func(string) { cancel() })

	report, err := h.orch.RunDay(ctx, testDay)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, StateAggregating, report.FailedStage)
	assert.Empty(t, h.deletedUnder(types.LayerBronze))
	assert.Empty(t, h.deletedUnder(types.LayerSilver))
	assert.False(t, h.exists(t, types.GoldKey(testDay)))
}

// A run slower than the lease TTL keeps renewing, so a second run on the
// same day is refused rather than taking over.
func TestRunDay_OutlivesLeaseTTL(t *testing.T) {
	ttl := 150 * time.Millisecond
	h := newHarnessTTL(t, false, ttl)
	seedScenarioA(h.archive, testDay)
	h.archive.SetDelay(50 * time.Millisecond)

	type result struct {
		report *DayReport
		err    error
	}
	first := make(chan result, 1)
	go func() {
		report, err := h.orch.RunDay(context.Background(), testDay)
		first <- result{report, err}
	}()

	time.Sleep(ttl + 50*time.Millisecond)
	_, err := h.orch.RunDay(context.Background(), testDay)
	assert.True(t, errors.Is(err, pipelineerrors.ErrLeaseHeld))

	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, StateDone, res.report.State)
	assert.Len(t, h.deletedUnder(types.LayerBronze), types.HoursPerDay)
}

// A run whose lease was taken over deletes nothing and leaves the new
// owner's marker in place.
func TestRunDay_LeaseLostDeletesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	seedScenarioA(h.archive, testDay)

	intruder, err := json.Marshal(lease.Record{
		Owner:      "intruder",
		Day:        testDay.String(),
		AcquiredAt: time.Now().UTC(),
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	h.store.AfterPut(types.LayerPrefix(types.LayerSilver), func(string) {
		require.NoError(t, h.store.Put(ctx, types.LeaseKey(testDay).String(), intruder))
	})

	report, err := h.orch.RunDay(ctx, testDay)
	require.Error(t, err)
	assert.Equal(t, pipelineerrors.CodeLeaseLost, pipelineerrors.GetCode(err))
	assert.Equal(t, StateFailed, report.State)
	assert.Empty(t, h.deletedUnder(types.LayerBronze))
	assert.Empty(t, h.deletedUnder(types.LayerSilver))

	rec, err := h.leases.Inspect(ctx, testDay)
	require.NoError(t, err)
	assert.Equal(t, "intruder", rec.Owner)
}

// Bronze left behind by an earlier run is not normalized when this run
// failed to fetch that hour.
func TestRunDay_IgnoresStaleBronze(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	seedScenarioA(h.archive, testDay)
	stale := bronzetest.Hour(ev(types.KindWatch, 99, "stale/repo"))
	require.NoError(t, h.store.Put(ctx, types.BronzeKey(testDay, 13).String(), stale))
	h.archive.Fail(testDay, 13)

	report, err := h.orch.RunDay(ctx, testDay)
	require.NoError(t, err)
	assert.True(t, report.PartiallyFailed)
	assert.Equal(t, 28, report.SilverRows)

	rows, meta := readGold(t, h.store, testDay)
	for _, row := range rows {
		assert.NotEqual(t, int64(99), row.RepoID)
	}
	assert.Equal(t, "13", meta[table.MetaFailedHours])
}

func TestRunDaily(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	now := time.Date(2024, 1, 16, 3, 0, 0, 0, time.UTC)
	today := types.DayOf(now)
	seedScenarioA(h.archive, today.AddDays(-1))

	for _, back := range []int{8, 9, 7} {
		require.NoError(t, h.store.Put(ctx, types.GoldKey(today.AddDays(-back)).String(), []byte("old")))
	}

	report, err := h.orch.RunDaily(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, testDay, report.Target)
	assert.Equal(t, StateDone, report.Run.State)
	assert.Equal(t, 2, report.Prune.Count(retention.StatusDeleted))

	assert.False(t, h.exists(t, types.GoldKey(today.AddDays(-8))))
	assert.False(t, h.exists(t, types.GoldKey(today.AddDays(-9))))
	assert.True(t, h.exists(t, types.GoldKey(today.AddDays(-7))))
	assert.True(t, h.exists(t, types.GoldKey(testDay)))
}

func TestRunRange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	from := types.MustParseDay("2024-01-10")
	to := types.MustParseDay("2024-01-13")
	for _, d := range types.DaysBetween(from, to) {
		seedScenarioA(h.archive, d)
	}
	bad := types.MustParseDay("2024-01-12")
	h.store.Fail(storagetest.OpPut, types.SilverKey(bad).String())

	report, err := h.orch.RunRange(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, report.Days, 4)
	assert.Equal(t, 3, report.Succeeded())
	assert.Contains(t, report.Errors, "2024-01-12")
	for i := 1; i < len(report.Days); i++ {
		assert.True(t, report.Days[i-1].Day.Before(report.Days[i].Day))
	}

	assert.True(t, h.exists(t, types.GoldKey(from)))
	assert.False(t, h.exists(t, types.GoldKey(bad)))
	assert.True(t, h.exists(t, types.BronzeKey(bad, 0)), "failed day keeps its bronze")

	_, err = h.orch.RunRange(ctx, to, from)
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateFetching))
	assert.True(t, CanTransition(StateRetiring, StateDone))
	assert.True(t, CanTransition(StateNormalizing, StateFailed))
	assert.False(t, CanTransition(StateFetching, StateAggregating))
	assert.False(t, CanTransition(StateDone, StateFailed))
	assert.False(t, CanTransition(StateFailed, StateFetching))
}

// TestProperty_OrderingSafety checks that, whatever stage write fails and
// whatever hours are missing, no bronze or silver object is deleted unless
// the day's gold table exists.
func TestProperty_OrderingSafety(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	layers := []types.Layer{"", types.LayerSilver, types.LayerGold}

	properties.Property("upstream deletions imply durable gold", prop.ForAll(
		func(faultIdx int, missing []int) bool {
			h := newHarness(t, false)
			seedScenarioA(h.archive, testDay)
			for _, hour := range missing {
				h.archive.Fail(testDay, hour)
			}
			if l := layers[faultIdx]; l != "" {
				h.store.Fail(storagetest.OpPut, types.LayerPrefix(l))
			}

			report, err := h.orch.RunDay(context.Background(), testDay)
			goldExists := h.exists(t, types.GoldKey(testDay))
			deletedUpstream := len(h.deletedUnder(types.LayerBronze)) + len(h.deletedUnder(types.LayerSilver))

			if deletedUpstream > 0 && !goldExists {
				return false
			}
			if err != nil {
				return report.State == StateFailed && deletedUpstream == 0
			}
			return report.State == StateDone && goldExists
		},
		gen.IntRange(0, len(layers)-1),
		gen.SliceOfN(4, gen.IntRange(0, 23)),
	))

	properties.TestingRun(t)
}
