// Package retention deletes objects whose data has been made durable
// downstream. Every deletion yields an explicit outcome; failures are
// recorded as orphans and retried by Sweep.
package retention

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/ledger"
	"github.com/ghlake/ghlake/internal/observability"
	"github.com/ghlake/ghlake/internal/storage"
	"github.com/ghlake/ghlake/pkg/types"
)

// OrphanStore persists failed deletions. ledger.Ledger satisfies it.
type OrphanStore interface {
	RecordOrphan(ctx context.Context, o ledger.Orphan) error
	ListOrphans(ctx context.Context) ([]ledger.Orphan, error)
	ClearOrphan(ctx context.Context, key string) error
}

// Manager performs retention deletes. Callers retire a layer only after the
// layer built from it has been written successfully.
type Manager struct {
	storage storage.ObjectStorage
	orphans OrphanStore
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewManager creates a retention manager. orphans may be nil, in which case
// failures are only reported.
func NewManager(store storage.ObjectStorage, orphans OrphanStore, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		storage: store,
		orphans: orphans,
		logger:  logger.Named("retention"),
		metrics: observability.OrDiscard(metrics),
	}
}

// RetireBronze deletes the 24 hourly bronze objects of day. Hours that were
// never fetched come back as NotFound.
func (m *Manager) RetireBronze(ctx context.Context, day types.Day) *Report {
	report := &Report{}
	for hour := 0; hour < types.HoursPerDay; hour++ {
		report.add(m.remove(ctx, types.BronzeKey(day, hour)))
	}
	m.logReport("bronze retired", day, report)
	return report
}

// RetireSilver deletes the silver table of day.
func (m *Manager) RetireSilver(ctx context.Context, day types.Day) *Report {
	report := &Report{}
	report.add(m.remove(ctx, types.SilverKey(day)))
	m.logReport("silver retired", day, report)
	return report
}

// PruneGold deletes gold tables that have aged out of the window: every day
// on or before today minus keepDays. Only a listing failure is an error.
func (m *Manager) PruneGold(ctx context.Context, today types.Day, keepDays int) (*Report, error) {
	cutoff := today.AddDays(-keepDays)

	keys, err := m.storage.ListObjects(ctx, types.LayerPrefix(types.LayerGold))
	if err != nil {
		return nil, fmt.Errorf("retention: failed to list gold partitions: %w", err)
	}

	report := &Report{}
	for _, k := range keys {
		key, err := types.ParsePartitionKey(k)
		if err != nil || key.Layer != types.LayerGold {
			m.logger.Debug("ignoring foreign object under gold/", zap.String("key", k))
			continue
		}
		if key.Day.After(cutoff) {
			continue
		}
		report.add(m.remove(ctx, key))
	}
	m.logReport("gold pruned", cutoff, report)
	return report, nil
}

// Sweep retries every recorded orphan. Objects that are now gone, whether
// deleted here or by someone else, are cleared from the orphan store.
func (m *Manager) Sweep(ctx context.Context) (*Report, error) {
	if m.orphans == nil {
		return &Report{}, nil
	}
	orphans, err := m.orphans.ListOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("retention: failed to list orphans: %w", err)
	}

	report := &Report{}
	for _, o := range orphans {
		outcome := m.removeKey(ctx, o.Key, o.Layer, o.Day)
		report.add(outcome)
		if outcome.Status == StatusFailed {
			continue
		}
		if err := m.orphans.ClearOrphan(ctx, o.Key); err != nil {
			m.logger.Warn("failed to clear orphan", zap.String("key", o.Key), zap.Error(err))
		}
	}
	m.refreshOrphanGauge(ctx)
	m.logger.Info("orphan sweep finished",
		zap.Int("orphans", len(orphans)),
		zap.Int("deleted", report.Count(StatusDeleted)),
		zap.Int("not_found", report.Count(StatusNotFound)),
		zap.Int("failed", report.Count(StatusFailed)))
	return report, nil
}

func (m *Manager) remove(ctx context.Context, key types.PartitionKey) Outcome {
	return m.removeKey(ctx, key.String(), key.Layer, key.Day)
}

// removeKey deletes one object and records a failure as an orphan. It never
// returns an error: the outcome carries it.
func (m *Manager) removeKey(ctx context.Context, key string, layer types.Layer, day types.Day) Outcome {
	outcome := Outcome{Key: key, Layer: layer}

	exists, cause := m.storage.Exists(ctx, key)
	switch {
	case cause != nil:
		outcome.Status = StatusFailed
	case !exists:
		outcome.Status = StatusNotFound
	default:
		if cause = m.storage.Delete(ctx, key); cause != nil {
			outcome.Status = StatusFailed
		} else {
			outcome.Status = StatusDeleted
		}
	}

	m.metrics.RetentionOutcomes.WithLabelValues(string(layer), string(outcome.Status)).Inc()
	if outcome.Status == StatusFailed {
		outcome.Reason = cause.Error()
		m.orphan(ctx, outcome, day, cause)
	}
	return outcome
}

func (m *Manager) orphan(ctx context.Context, o Outcome, day types.Day, cause error) {
	rerr := pipelineerrors.NewRetentionError(o.Key, cause)
	m.logger.Warn("deletion failed, object orphaned", zap.String("key", o.Key), zap.Error(rerr))
	if m.orphans == nil {
		return
	}
	err := m.orphans.RecordOrphan(ctx, ledger.Orphan{
		Key:    o.Key,
		Layer:  o.Layer,
		Day:    day,
		Reason: o.Reason,
	})
	if err != nil {
		m.logger.Error("failed to record orphan", zap.String("key", o.Key), zap.Error(err))
		return
	}
	m.refreshOrphanGauge(ctx)
}

func (m *Manager) refreshOrphanGauge(ctx context.Context) {
	orphans, err := m.orphans.ListOrphans(ctx)
	if err == nil {
		m.metrics.OrphanedObjects.Set(float64(len(orphans)))
	}
}

func (m *Manager) logReport(msg string, day types.Day, r *Report) {
	m.logger.Info(msg,
		zap.String("day", day.String()),
		zap.Int("deleted", r.Count(StatusDeleted)),
		zap.Int("not_found", r.Count(StatusNotFound)),
		zap.Int("failed", r.Count(StatusFailed)))
}
