// Package silver turns a day of raw bronze hours into one normalized event
// table. Unreadable hours and bad records are counted and skipped; only a
// failed table write fails the day.
package silver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ghlake/ghlake/internal/bronze"
	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/observability"
	"github.com/ghlake/ghlake/internal/storage"
	"github.com/ghlake/ghlake/internal/table"
	"github.com/ghlake/ghlake/pkg/types"
)

// DefaultReadConcurrency bounds the parallel bronze hour reads of one day.
const DefaultReadConcurrency = 4

// Result summarizes one normalized day.
type Result struct {
	Key         types.PartitionKey
	Rows        int
	Hours       *bronze.HourTally
	Discarded   map[DiscardReason]int
	Fingerprint string
	Size        int
}

// Coverage returns the hour coverage written into the table metadata.
func (r *Result) Coverage(day types.Day) table.Coverage {
	return table.Coverage{
		Day:         day,
		HoursOK:     len(r.Hours.Succeeded),
		HoursTotal:  types.HoursPerDay,
		FailedHours: r.Hours.FailedHours(),
	}
}

// Normalizer reads bronze hours and writes silver tables.
type Normalizer struct {
	storage     storage.ObjectStorage
	concurrency int
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewNormalizer creates a normalizer. A concurrency below 1 selects
// DefaultReadConcurrency.
func NewNormalizer(store storage.ObjectStorage, concurrency int, logger *zap.Logger, metrics *observability.Metrics) *Normalizer {
	if concurrency < 1 {
		concurrency = DefaultReadConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		storage:     store,
		concurrency: concurrency,
		logger:      logger.Named("silver"),
		metrics:     observability.OrDiscard(metrics),
	}
}

// hourBatch is the outcome of reading one bronze hour.
type hourBatch struct {
	events    []types.NormalizedEvent
	discarded map[DiscardReason]int
	err       error
}

// errNotFetched marks an hour excluded from normalization because this run
// did not capture it.
var errNotFetched = errors.New("hour not fetched in this run")

// NormalizeDay reads every bronze hour of day, keeps recognized well-formed
// records and overwrites the day's silver table. A day with no readable
// hours still produces an empty table.
func (n *Normalizer) NormalizeDay(ctx context.Context, day types.Day) (*Result, error) {
	all := make([]int, types.HoursPerDay)
	for hour := range all {
		all[hour] = hour
	}
	return n.NormalizeHours(ctx, day, all)
}

// NormalizeHours is NormalizeDay restricted to hours. Bronze objects of any
// other hour are left unread and the hour is tallied as failed, so leftovers
// from an earlier run never reach silver.
func (n *Normalizer) NormalizeHours(ctx context.Context, day types.Day, hours []int) (*Result, error) {
	start := time.Now()
	batches := make([]hourBatch, types.HoursPerDay)
	for hour := range batches {
		batches[hour].err = errNotFetched
	}

	var g errgroup.Group
	g.SetLimit(n.concurrency)
	for _, hour := range hours {
		if hour < 0 || hour >= types.HoursPerDay {
			continue
		}
		hour := hour
		g.Go(func() error {
			batches[hour] = n.readHour(ctx, types.BronzeKey(day, hour))
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, pipelineerrors.NewInternalError("normalize "+day.String()+" cancelled", err)
	}

	result := &Result{
		Key:       types.SilverKey(day),
		Hours:     bronze.NewHourTally(),
		Discarded: make(map[DiscardReason]int),
	}
	var events []types.NormalizedEvent
	for hour, b := range batches {
		if b.err != nil {
			result.Hours.Failed[hour] = b.err.Error()
			outcome := "unreadable"
			switch {
			case errors.Is(b.err, errNotFetched):
				outcome = "not_fetched"
			case errors.Is(b.err, storage.ErrObjectNotFound):
				outcome = "missing"
			}
			n.metrics.HoursRead.WithLabelValues(outcome).Inc()
			n.logger.Warn("skipping bronze hour",
				zap.String("day", day.String()),
				zap.Int("hour", hour),
				zap.String("outcome", outcome),
				zap.Error(b.err))
			continue
		}
		result.Hours.Succeeded = append(result.Hours.Succeeded, hour)
		n.metrics.HoursRead.WithLabelValues("read").Inc()
		events = append(events, b.events...)
		for reason, count := range b.discarded {
			result.Discarded[reason] += count
			n.metrics.RecordsDiscarded.WithLabelValues(string(reason)).Add(float64(count))
		}
	}
	if events == nil {
		events = []types.NormalizedEvent{}
	}

	coverage := result.Coverage(day)
	meta := coverage.Metadata()
	meta[table.MetaLayer] = string(types.LayerSilver)

	data, err := table.Encode(events, meta)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ErrCategoryStorage, pipelineerrors.CodeEncodeFailed,
			"encode "+result.Key.String(), err)
	}
	if err := n.storage.Put(ctx, result.Key.String(), data); err != nil {
		return nil, pipelineerrors.NewWriteError(result.Key, err)
	}

	result.Rows = len(events)
	result.Size = len(data)
	result.Fingerprint = table.Fingerprint(data)

	n.metrics.RecordsKept.Add(float64(len(events)))
	n.metrics.RowsWritten.WithLabelValues(string(types.LayerSilver)).Add(float64(len(events)))
	n.metrics.HourSuccessRatio.Set(coverage.Ratio())
	n.logger.Info("silver table written",
		zap.String("key", result.Key.String()),
		zap.Int("rows", result.Rows),
		zap.Int("hours_ok", coverage.HoursOK),
		zap.Float64("hour_success_ratio", coverage.Ratio()),
		zap.Any("discarded", result.Discarded),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// readHour decodes one bronze blob. Any stream error fails the whole hour so
// a truncated file contributes nothing rather than a prefix.
func (n *Normalizer) readHour(ctx context.Context, key types.PartitionKey) hourBatch {
	rc, err := n.storage.Open(ctx, key.String())
	if err != nil {
		return hourBatch{err: err}
	}
	defer rc.Close()

	zr, err := gzip.NewReader(rc)
	if err != nil {
		return hourBatch{err: fmt.Errorf("silver: %s is not gzip: %w", key, err)}
	}
	defer zr.Close()

	batch := hourBatch{discarded: make(map[DiscardReason]int)}
	r := bufio.NewReaderSize(zr, 1<<20)
	for {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return hourBatch{err: fmt.Errorf("silver: failed to decompress %s: %w", key, readErr)}
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			ev, err := ParseRecord(line)
			if err != nil {
				batch.discarded[reasonFor(err)]++
			} else {
				batch.events = append(batch.events, ev)
			}
		}
		if readErr == io.EOF {
			return batch
		}
	}
}
