package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/features"
	"github.com/ghlake/ghlake/internal/pipeline"
	"github.com/ghlake/ghlake/internal/retention"
	"github.com/ghlake/ghlake/pkg/types"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (f *fakeRunner) RunDaily(ctx context.Context, now time.Time) (*pipeline.DailyReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	today := types.DayOf(now)
	report := &pipeline.DailyReport{Today: today, Target: today.AddDays(-1)}
	if f.err != nil {
		return report, f.err
	}
	report.Run = &pipeline.DayReport{Day: report.Target, State: pipeline.StateDone}
	return report, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSweeper) Sweep(ctx context.Context) (*retention.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &retention.Report{}, nil
}

type fakeBuilder struct {
	mu   sync.Mutex
	days []types.Day
	err  error
}

func (f *fakeBuilder) BuildAndWrite(ctx context.Context, target types.Day) (*features.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, target)
	return &features.Result{Target: target}, f.err
}

func TestRunOnce_ProcessesLaggedDayOnce(t *testing.T) {
	runner := &fakeRunner{}
	sweeper := &fakeSweeper{}
	builder := &fakeBuilder{}
	d := NewDaemon(DefaultConfig(), runner, sweeper, builder, nil)
	now := time.Date(2024, 1, 16, 2, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	d.RunOnce(context.Background())
	d.RunOnce(context.Background())

	assert.Equal(t, 1, runner.count(), "a done day is not re-run")
	assert.Equal(t, 2, sweeper.calls)
	assert.Equal(t, []types.Day{types.MustParseDay("2024-01-15")}, builder.days)
	assert.Equal(t, types.MustParseDay("2024-01-15"), d.LastDone())

	now = now.Add(24 * time.Hour)
	d.RunOnce(context.Background())
	assert.Equal(t, 2, runner.count())
	assert.Equal(t, types.MustParseDay("2024-01-16"), d.LastDone())
}

func TestRunOnce_FailureRetriesNextTick(t *testing.T) {
	runner := &fakeRunner{err: pipelineerrors.NewLeaseHeldError(types.MustParseDay("2024-01-15"), "other")}
	builder := &fakeBuilder{}
	d := NewDaemon(DefaultConfig(), runner, nil, builder, nil)
	d.now = func() time.Time { return time.Date(2024, 1, 16, 2, 0, 0, 0, time.UTC) }

	d.RunOnce(context.Background())
	d.RunOnce(context.Background())
	assert.Equal(t, 2, runner.count())
	assert.Empty(t, builder.days)
	assert.True(t, d.LastDone().IsZero())
}

func TestRunOnce_NoHistoryIsNotFatal(t *testing.T) {
	runner := &fakeRunner{}
	builder := &fakeBuilder{err: pipelineerrors.ErrNoHistory}
	d := NewDaemon(DefaultConfig(), runner, nil, builder, nil)
	d.now = func() time.Time { return time.Date(2024, 1, 16, 2, 0, 0, 0, time.UTC) }

	d.RunOnce(context.Background())
	assert.Len(t, builder.days, 1)
	assert.False(t, d.LastDone().IsZero())
}

func TestStartStop(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	d := NewDaemon(cfg, runner, nil, nil, nil)

	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()), "second start must fail")

	require.Eventually(t, func() bool { return runner.count() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())

	n := runner.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, runner.count(), "no ticks after stop")
}
