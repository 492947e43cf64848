// Package gold reduces a day's silver events into per-repository daily
// metrics.
package gold

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/observability"
	"github.com/ghlake/ghlake/internal/storage"
	"github.com/ghlake/ghlake/internal/table"
	"github.com/ghlake/ghlake/pkg/types"
)

// Result summarizes one aggregated day.
type Result struct {
	Key              types.PartitionKey
	Rows             int
	Fingerprint      string
	Size             int
	HourSuccessRatio float64
	Coverage         table.Coverage
}

// Aggregator reads silver tables and writes gold tables.
type Aggregator struct {
	storage storage.ObjectStorage
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewAggregator creates an aggregator.
func NewAggregator(store storage.ObjectStorage, logger *zap.Logger, metrics *observability.Metrics) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		storage: store,
		logger:  logger.Named("gold"),
		metrics: observability.OrDiscard(metrics),
	}
}

// AggregateDay builds the gold table for day from its silver table. It never
// falls back to bronze: an absent silver table is an UPSTREAM error and
// nothing is written.
func (a *Aggregator) AggregateDay(ctx context.Context, day types.Day) (*Result, error) {
	start := time.Now()
	silverKey := types.SilverKey(day)

	data, err := a.storage.Get(ctx, silverKey.String())
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, pipelineerrors.NewMissingUpstreamError(pipelineerrors.CodeMissingSilver, silverKey)
		}
		return nil, pipelineerrors.NewReadError(silverKey, err)
	}
	events, silverMeta, err := table.Decode[types.NormalizedEvent](data)
	if err != nil {
		return nil, pipelineerrors.NewReadError(silverKey, err)
	}

	rows := BuildDailyMetrics(events, day)

	coverage, ok := table.CoverageFrom(silverMeta)
	meta := table.Metadata{table.MetaDay: day.String()}
	if ok {
		meta = coverage.Metadata()
	}
	meta[table.MetaLayer] = string(types.LayerGold)

	key := types.GoldKey(day)
	out, err := table.Encode(rows, meta)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ErrCategoryStorage, pipelineerrors.CodeEncodeFailed,
			"encode "+key.String(), err)
	}
	if err := a.storage.Put(ctx, key.String(), out); err != nil {
		return nil, pipelineerrors.NewWriteError(key, err)
	}

	result := &Result{
		Key:              key,
		Rows:             len(rows),
		Fingerprint:      table.Fingerprint(out),
		Size:             len(out),
		HourSuccessRatio: coverage.Ratio(),
		Coverage:         coverage,
	}
	a.metrics.RowsWritten.WithLabelValues(string(types.LayerGold)).Add(float64(len(rows)))
	a.logger.Info("gold table written",
		zap.String("key", key.String()),
		zap.Int("events", len(events)),
		zap.Int("repos", len(rows)),
		zap.Float64("hour_success_ratio", result.HourSuccessRatio),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// ReadDay loads a gold table. An absent table is an UPSTREAM MISSING_GOLD
// error.
func ReadDay(ctx context.Context, store storage.ObjectStorage, day types.Day) ([]types.DailyMetrics, table.Metadata, error) {
	key := types.GoldKey(day)
	data, err := store.Get(ctx, key.String())
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, nil, pipelineerrors.NewMissingUpstreamError(pipelineerrors.CodeMissingGold, key)
		}
		return nil, nil, pipelineerrors.NewReadError(key, err)
	}
	rows, meta, err := table.Decode[types.DailyMetrics](data)
	if err != nil {
		return nil, nil, pipelineerrors.NewReadError(key, err)
	}
	return rows, meta, nil
}
