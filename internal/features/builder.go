// Package features derives the per-repository feature table that downstream
// models consume: each gold row joined with its trailing seven-day averages.
package features

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/gold"
	"github.com/ghlake/ghlake/internal/storage"
	"github.com/ghlake/ghlake/internal/table"
	"github.com/ghlake/ghlake/pkg/types"
)

// HistoryDays is the trailing window averaged per repository.
const HistoryDays = 7

// Result is a built feature table.
type Result struct {
	Target      types.Day
	Rows        []types.FeatureRow
	HistoryDays []types.Day
	Coverage    table.Coverage
}

// Builder reads gold tables and builds feature tables.
type Builder struct {
	storage storage.ObjectStorage
	reader  *storage.BatchReader
	logger  *zap.Logger
}

// NewBuilder creates a feature builder.
func NewBuilder(store storage.ObjectStorage, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		storage: store,
		reader:  storage.NewBatchReader(store, HistoryDays),
		logger:  logger.Named("features"),
	}
}

// Build computes features for target. The target gold table must exist, and
// at least one of the seven preceding days must have a readable gold table;
// otherwise Build fails with NO_HISTORY.
func (b *Builder) Build(ctx context.Context, target types.Day) (*Result, error) {
	today, meta, err := gold.ReadDay(ctx, b.storage, target)
	if err != nil {
		return nil, err
	}

	paths := make([]string, HistoryDays)
	days := make(map[string]types.Day, HistoryDays)
	for i := 1; i <= HistoryDays; i++ {
		day := target.AddDays(-i)
		paths[i-1] = types.GoldKey(day).String()
		days[paths[i-1]] = day
	}
	batch := b.reader.Read(ctx, paths)
	for path, err := range batch.Errors {
		b.logger.Warn("skipping unreadable history day", zap.String("key", path), zap.Error(err))
	}

	var history [][]types.DailyMetrics
	var used []types.Day
	for _, path := range paths {
		data, ok := batch.Data[path]
		if !ok {
			continue
		}
		rows, _, err := table.Decode[types.DailyMetrics](data)
		if err != nil {
			b.logger.Warn("skipping corrupt history day", zap.String("key", path), zap.Error(err))
			continue
		}
		history = append(history, rows)
		used = append(used, days[path])
	}
	if len(history) == 0 {
		return nil, pipelineerrors.New(pipelineerrors.ErrCategoryFeatures, pipelineerrors.CodeNoHistory,
			"no gold history before "+target.String())
	}

	coverage, _ := table.CoverageFrom(meta)
	return &Result{
		Target:      target,
		Rows:        Compute(today, history),
		HistoryDays: used,
		Coverage:    coverage,
	}, nil
}

// Write persists a built feature table to its features partition and
// returns the table's fingerprint.
func (b *Builder) Write(ctx context.Context, res *Result) (string, error) {
	start := time.Now()
	key := types.FeaturesKey(res.Target)

	meta := table.Metadata{table.MetaDay: res.Target.String()}
	if res.Coverage.HoursTotal > 0 {
		meta = res.Coverage.Metadata()
	}
	meta[table.MetaLayer] = string(types.LayerFeatures)
	meta[table.MetaFeatureBaseDays] = strconv.Itoa(len(res.HistoryDays))

	rows := res.Rows
	if rows == nil {
		rows = []types.FeatureRow{}
	}
	data, err := table.Encode(rows, meta)
	if err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.ErrCategoryStorage, pipelineerrors.CodeEncodeFailed,
			"encode "+key.String(), err)
	}
	if err := b.storage.Put(ctx, key.String(), data); err != nil {
		return "", pipelineerrors.NewWriteError(key, err)
	}

	b.logger.Info("feature table written",
		zap.String("key", key.String()),
		zap.Int("rows", len(rows)),
		zap.Int("history_days", len(res.HistoryDays)),
		zap.Duration("elapsed", time.Since(start)))
	return table.Fingerprint(data), nil
}

// BuildAndWrite builds and persists features for target.
func (b *Builder) BuildAndWrite(ctx context.Context, target types.Day) (*Result, error) {
	res, err := b.Build(ctx, target)
	if err != nil {
		return nil, err
	}
	if _, err := b.Write(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Read loads a written feature table.
func Read(ctx context.Context, store storage.ObjectStorage, day types.Day) ([]types.FeatureRow, table.Metadata, error) {
	key := types.FeaturesKey(day)
	data, err := store.Get(ctx, key.String())
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, nil, fmt.Errorf("features: no table for %s: %w", day, err)
		}
		return nil, nil, pipelineerrors.NewReadError(key, err)
	}
	rows, meta, err := table.Decode[types.FeatureRow](data)
	if err != nil {
		return nil, nil, pipelineerrors.NewReadError(key, err)
	}
	return rows, meta, nil
}
