// Package pipeline drives one calendar day through fetch, normalize,
// aggregate and retire, in that order and under a per-day lease.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ghlake/ghlake/internal/bronze"
	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/gold"
	"github.com/ghlake/ghlake/internal/lease"
	"github.com/ghlake/ghlake/internal/ledger"
	"github.com/ghlake/ghlake/internal/observability"
	"github.com/ghlake/ghlake/internal/retention"
	"github.com/ghlake/ghlake/internal/silver"
	"github.com/ghlake/ghlake/pkg/types"
)

// Config holds orchestrator settings.
type Config struct {
	// LagDays is how far behind "today" RunDaily processes (default: 1).
	LagDays int

	// GoldRetentionDays is the gold window kept by RunDaily (default: 8).
	GoldRetentionDays int

	// DayConcurrency bounds the days a backfill runs at once (default: 2).
	DayConcurrency int

	// StageTimeout caps each stage of a day run (default: 30m).
	StageTimeout time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		LagDays:           1,
		GoldRetentionDays: 8,
		DayConcurrency:    2,
		StageTimeout:      30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LagDays < 0 {
		c.LagDays = d.LagDays
	}
	if c.GoldRetentionDays <= 0 {
		c.GoldRetentionDays = d.GoldRetentionDays
	}
	if c.DayConcurrency <= 0 {
		c.DayConcurrency = d.DayConcurrency
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = d.StageTimeout
	}
	return c
}

// Stages bundles the components a day run needs.
type Stages struct {
	Fetcher    *bronze.Fetcher
	Normalizer *silver.Normalizer
	Aggregator *gold.Aggregator
	Retention  *retention.Manager
	Leases     *lease.Manager
}

// Orchestrator runs days through the pipeline.
type Orchestrator struct {
	config  Config
	stages  Stages
	ledger  ledger.Ledger
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewOrchestrator creates an orchestrator. ledger may be nil, in which case
// runs are not recorded.
func NewOrchestrator(config Config, stages Stages, l ledger.Ledger, logger *zap.Logger, metrics *observability.Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		config:  config.withDefaults(),
		stages:  stages,
		ledger:  l,
		logger:  logger.Named("pipeline"),
		metrics: observability.OrDiscard(metrics),
		now:     time.Now,
	}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

// RunDay processes one day. It returns a LEASE_HELD error without side
// effects when another run owns the day. The lease is renewed while the run
// is in flight; losing it cancels the run with LEASE_LOST. Stage failures
// leave the day in StateFailed with nothing deleted; the report is returned
// alongside the error.
func (o *Orchestrator) RunDay(ctx context.Context, day types.Day) (*DayReport, error) {
	return o.RunDayWithID(ctx, day, uuid.NewString())
}

// RunDayWithID is RunDay with a caller-chosen run ID.
func (o *Orchestrator) RunDayWithID(ctx context.Context, day types.Day, runID string) (*DayReport, error) {
	held, err := o.stages.Leases.Acquire(ctx, day)
	if err != nil {
		o.metrics.DayRuns.WithLabelValues("lease_held").Inc()
		o.logger.Info("day not started", zap.String("day", day.String()), zap.Error(err))
		return nil, err
	}
	defer o.release(held, day)

	runCtx, cancelRun := context.WithCancelCause(ctx)
	kept := make(chan struct{})
	go func() {
		defer close(kept)
		held.Keep(runCtx, cancelRun)
	}()
	defer func() {
		cancelRun(nil)
		<-kept
	}()

	report := &DayReport{
		RunID:     runID,
		Day:       day,
		State:     StatePending,
		StartedAt: o.now().UTC(),
	}
	log := o.logger.With(zap.String("day", day.String()), zap.String("run_id", runID))
	o.start(ctx, report, log)

	// Fetching never fails the day: hours are tallied.
	o.transition(ctx, report, StateFetching, "", log)
	err = o.stage(runCtx, StateFetching, func(stageCtx context.Context) error {
		report.Fetch = o.stages.Fetcher.FetchDay(stageCtx, day)
		return nil
	})
	if err == nil {
		err = o.checkLease(runCtx, held, log)
	}
	if err != nil {
		return o.fail(ctx, report, leaseCause(runCtx, err), log)
	}
	report.PartiallyFailed = report.Fetch.Partial()

	// Only hours captured by this run are normalized.
	o.transition(ctx, report, StateNormalizing,
		fmt.Sprintf("%d/%d hours fetched", len(report.Fetch.Succeeded), types.HoursPerDay), log)
	var silverRes *silver.Result
	err = o.stage(runCtx, StateNormalizing, func(stageCtx context.Context) error {
		var err error
		silverRes, err = o.stages.Normalizer.NormalizeHours(stageCtx, day, report.Fetch.Succeeded)
		return err
	})
	if err == nil {
		err = o.checkLease(runCtx, held, log)
	}
	if err != nil {
		return o.fail(ctx, report, leaseCause(runCtx, err), log)
	}
	report.SilverRows = silverRes.Rows
	report.Discarded = silverRes.Discarded
	report.SilverFingerprint = silverRes.Fingerprint
	report.HourSuccessRatio = silverRes.Hours.Ratio()
	if silverRes.Hours.Partial() {
		report.PartiallyFailed = true
	}

	o.transition(ctx, report, StateAggregating, fmt.Sprintf("%d silver rows", silverRes.Rows), log)
	var goldRes *gold.Result
	err = o.stage(runCtx, StateAggregating, func(stageCtx context.Context) error {
		var err error
		goldRes, err = o.stages.Aggregator.AggregateDay(stageCtx, day)
		return err
	})
	if err != nil {
		return o.fail(ctx, report, leaseCause(runCtx, err), log)
	}
	report.GoldRows = goldRes.Rows
	report.GoldFingerprint = goldRes.Fingerprint

	// Gold is durable, so retirement runs to completion even if the caller
	// cancels. It only starts once ownership of the day is confirmed; a run
	// that cannot confirm it deletes nothing.
	o.transition(ctx, report, StateRetiring, fmt.Sprintf("%d gold rows", goldRes.Rows), log)
	retireCtx := context.WithoutCancel(runCtx)
	if err := held.Renew(retireCtx); err != nil {
		return o.fail(ctx, report, leaseCause(runCtx, err), log)
	}
	report.Retention = &retention.Report{}
	_ = o.stage(retireCtx, StateRetiring, func(stageCtx context.Context) error {
		report.Retention.Merge(o.stages.Retention.RetireBronze(stageCtx, day))
		report.Retention.Merge(o.stages.Retention.RetireSilver(stageCtx, day))
		return nil
	})

	report.State = StateDone
	report.FinishedAt = o.now().UTC()
	o.transition(ctx, report, StateDone, "", log)
	o.finish(ctx, report, log)

	outcome := "done"
	if report.PartiallyFailed {
		outcome = "partial"
	}
	o.metrics.DayRuns.WithLabelValues(outcome).Inc()
	o.metrics.LastCompletedDay.Set(float64(day.Time().Unix()))
	log.Info("day complete",
		zap.Bool("partially_failed", report.PartiallyFailed),
		zap.Float64("hour_success_ratio", report.HourSuccessRatio),
		zap.Int("silver_rows", report.SilverRows),
		zap.Int("gold_rows", report.GoldRows),
		zap.Int("orphaned", len(report.Retention.Failed())),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// checkLease renews the lease between stages. Only a lost lease stops the
// run here; a renewal that fails for other reasons is logged and the
// background renewal keeps trying.
func (o *Orchestrator) checkLease(ctx context.Context, held *lease.Lease, log *zap.Logger) error {
	err := held.Renew(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	if pipelineerrors.GetCode(err) == pipelineerrors.CodeLeaseLost {
		return err
	}
	log.Warn("lease renewal failed", zap.Error(err))
	return nil
}

// leaseCause prefers the lease loss that cancelled runCtx over the stage
// error it provoked.
func leaseCause(runCtx context.Context, err error) error {
	if cause := context.Cause(runCtx); pipelineerrors.GetCode(cause) == pipelineerrors.CodeLeaseLost {
		return cause
	}
	return err
}

// stage runs fn under the stage timeout and records its duration.
func (o *Orchestrator) stage(ctx context.Context, state State, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stageCtx, cancel := context.WithTimeout(ctx, o.config.StageTimeout)
	defer cancel()

	start := time.Now()
	err := fn(stageCtx)
	o.metrics.StageDuration.WithLabelValues(string(state)).Observe(time.Since(start).Seconds())
	return err
}

func (o *Orchestrator) fail(ctx context.Context, report *DayReport, err error, log *zap.Logger) (*DayReport, error) {
	report.FailedStage = report.State
	report.State = StateFailed
	report.Error = err.Error()
	report.FinishedAt = o.now().UTC()
	o.transition(ctx, report, StateFailed, err.Error(), log)
	o.finish(ctx, report, log)

	o.metrics.DayRuns.WithLabelValues("failed").Inc()
	log.Error("day failed", zap.String("stage", string(report.FailedStage)), zap.Error(err))
	return report, fmt.Errorf("pipeline: %s %s: %w", report.FailedStage, report.Day, err)
}

// transition moves the report to state and records it. Ledger failures are
// logged; they never affect the data path.
func (o *Orchestrator) transition(ctx context.Context, report *DayReport, state State, detail string, log *zap.Logger) {
	if state != StateFailed && state != StateDone {
		report.State = state
	}
	log.Debug("state transition", zap.String("state", string(state)), zap.String("detail", detail))
	if o.ledger == nil {
		return
	}
	if err := o.ledger.Transition(ledgerCtx(ctx), report.RunID, string(state), detail); err != nil {
		log.Warn("failed to record transition", zap.String("state", string(state)), zap.Error(err))
	}
}

func (o *Orchestrator) start(ctx context.Context, report *DayReport, log *zap.Logger) {
	if o.ledger == nil {
		return
	}
	err := o.ledger.StartRun(ledgerCtx(ctx), &ledger.Run{
		RunID:     report.RunID,
		Day:       report.Day,
		State:     string(report.State),
		StartedAt: report.StartedAt,
	})
	if err != nil {
		log.Warn("failed to record run start", zap.Error(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, report *DayReport, log *zap.Logger) {
	if o.ledger == nil {
		return
	}
	body, err := json.Marshal(report)
	if err != nil {
		log.Warn("failed to encode run report", zap.Error(err))
	}
	err = o.ledger.FinishRun(ledgerCtx(ctx), &ledger.Run{
		RunID:             report.RunID,
		Day:               report.Day,
		State:             string(report.State),
		Partial:           report.PartiallyFailed,
		Error:             report.Error,
		SilverFingerprint: report.SilverFingerprint,
		GoldFingerprint:   report.GoldFingerprint,
		HourSuccessRatio:  report.HourSuccessRatio,
		Report:            body,
	})
	if err != nil {
		log.Warn("failed to record run finish", zap.Error(err))
	}
}

// ledgerCtx detaches ledger writes from caller cancellation so a cancelled
// run still records how it ended.
func ledgerCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (o *Orchestrator) release(held *lease.Lease, day types.Day) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := held.Release(ctx); err != nil {
		o.logger.Warn("failed to release lease", zap.String("day", day.String()), zap.Error(err))
	}
}

// RunDaily prunes gold tables outside the retention window and then runs
// the day LagDays before now.
func (o *Orchestrator) RunDaily(ctx context.Context, now time.Time) (*DailyReport, error) {
	today := types.DayOf(now)
	out := &DailyReport{Today: today, Target: today.AddDays(-o.config.LagDays)}

	prune, err := o.stages.Retention.PruneGold(ctx, today, o.config.GoldRetentionDays)
	if err != nil {
		o.logger.Warn("gold prune failed", zap.Error(err))
	}
	out.Prune = prune

	out.Run, err = o.RunDay(ctx, out.Target)
	return out, err
}

// RunRange backfills every day from..to inclusive. Days run concurrently up
// to DayConcurrency; a failed day is recorded and does not stop the others.
func (o *Orchestrator) RunRange(ctx context.Context, from, to types.Day) (*RangeReport, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("pipeline: range end %s is before start %s", to, from)
	}
	days := types.DaysBetween(from, to)
	out := &RangeReport{
		From:   from,
		To:     to,
		Days:   make([]*DayReport, len(days)),
		Errors: make(map[string]string),
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.config.DayConcurrency)
	for i, day := range days {
		i, day := i, day
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				out.Errors[day.String()] = ctx.Err().Error()
				mu.Unlock()
				return nil
			}
			report, err := o.RunDay(ctx, day)
			mu.Lock()
			defer mu.Unlock()
			out.Days[i] = report
			if err != nil {
				out.Errors[day.String()] = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	// Drop days that never produced a report (lease held, cancelled).
	kept := out.Days[:0]
	for _, d := range out.Days {
		if d != nil {
			kept = append(kept, d)
		}
	}
	out.Days = kept
	sort.Slice(out.Days, func(i, j int) bool { return out.Days[i].Day.Before(out.Days[j].Day) })

	o.logger.Info("backfill finished",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("days", len(days)),
		zap.Int("done", out.Succeeded()),
		zap.Int("errors", len(out.Errors)))
	return out, nil
}
