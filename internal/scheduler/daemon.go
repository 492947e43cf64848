// Package scheduler runs the daily job in the background: on every tick it
// processes the lagged day unless that day is already done, builds its
// features, and sweeps orphaned objects.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/features"
	"github.com/ghlake/ghlake/internal/pipeline"
	"github.com/ghlake/ghlake/internal/retention"
	"github.com/ghlake/ghlake/pkg/types"
)

// Config holds configuration for the scheduler daemon.
type Config struct {
	// Interval is how often the daemon checks for work (default: 1h).
	Interval time.Duration

	// LagDays must match the orchestrator's lag; it lets a tick skip a day
	// that is already done (default: 1).
	LagDays int

	// BuildFeatures enables the feature table build after each day.
	BuildFeatures bool

	// SweepOrphans enables the orphan sweep on every tick.
	SweepOrphans bool
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Hour,
		LagDays:       1,
		BuildFeatures: true,
		SweepOrphans:  true,
	}
}

// DailyRunner runs the daily job.
type DailyRunner interface {
	RunDaily(ctx context.Context, now time.Time) (*pipeline.DailyReport, error)
}

// Sweeper retries orphaned deletions.
type Sweeper interface {
	Sweep(ctx context.Context) (*retention.Report, error)
}

// FeatureBuilder builds and writes a day's feature table.
type FeatureBuilder interface {
	BuildAndWrite(ctx context.Context, target types.Day) (*features.Result, error)
}

// Daemon drives the daily job on a ticker.
type Daemon struct {
	config   Config
	runner   DailyRunner
	sweeper  Sweeper
	features FeatureBuilder
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastDone types.Day
}

// NewDaemon creates a scheduler daemon. sweeper and builder may be nil.
func NewDaemon(config Config, runner DailyRunner, sweeper Sweeper, builder FeatureBuilder, logger *zap.Logger) *Daemon {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		config:   config,
		runner:   runner,
		sweeper:  sweeper,
		features: builder,
		logger:   logger.Named("scheduler"),
		now:      time.Now,
	}
}

// Start begins the scheduling loop. It runs until the context is cancelled
// or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("scheduler: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the daemon, waiting for an in-flight tick.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

// LastDone returns the most recent day the daemon completed.
func (d *Daemon) LastDone() types.Day {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastDone
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	// Run immediately on start
	d.RunOnce(ctx)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single tick: daily job, features, sweep.
func (d *Daemon) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := d.now()

	if d.sweeper != nil && d.config.SweepOrphans {
		if _, err := d.sweeper.Sweep(ctx); err != nil {
			d.logger.Warn("orphan sweep failed", zap.Error(err))
		}
	}

	target := types.DayOf(now).AddDays(-d.config.LagDays)
	if d.LastDone() == target {
		d.logger.Debug("day already done", zap.String("day", target.String()))
		return
	}

	report, err := d.runner.RunDaily(ctx, now)
	if err != nil {
		if pipelineerrors.GetCode(err) == pipelineerrors.CodeLeaseHeld {
			d.logger.Info("day is being processed elsewhere", zap.Error(err))
		} else {
			d.logger.Error("daily run failed", zap.Error(err))
		}
		return
	}

	target = report.Target
	d.mu.Lock()
	d.lastDone = target
	d.mu.Unlock()

	if d.features == nil || !d.config.BuildFeatures {
		return
	}
	if _, err := d.features.BuildAndWrite(ctx, target); err != nil {
		if pipelineerrors.GetCode(err) == pipelineerrors.CodeNoHistory {
			d.logger.Info("features skipped: no history yet", zap.String("day", target.String()))
			return
		}
		d.logger.Error("feature build failed", zap.String("day", target.String()), zap.Error(err))
	}
}
