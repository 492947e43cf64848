// Package bronze captures raw archive hours into the bronze layer. Bytes are
// stored verbatim; nothing here interprets the records.
package bronze

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ghlake/ghlake/internal/archive"
	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/observability"
	"github.com/ghlake/ghlake/internal/storage"
	"github.com/ghlake/ghlake/pkg/types"
)

// DefaultConcurrency bounds the parallel hour downloads of one day.
const DefaultConcurrency = 6

// Fetcher downloads archive hours and writes them to bronze partitions.
type Fetcher struct {
	archive     archive.Downloader
	storage     storage.ObjectStorage
	concurrency int
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewFetcher creates a fetcher. A concurrency below 1 selects
// DefaultConcurrency.
func NewFetcher(dl archive.Downloader, store storage.ObjectStorage, concurrency int, logger *zap.Logger, metrics *observability.Metrics) *Fetcher {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		archive:     dl,
		storage:     store,
		concurrency: concurrency,
		logger:      logger.Named("bronze"),
		metrics:     observability.OrDiscard(metrics),
	}
}

// FetchHour downloads one archive hour and overwrites its bronze partition.
// Any failure is returned as a FETCH error naming the hour.
func (f *Fetcher) FetchHour(ctx context.Context, day types.Day, hour int) (types.PartitionKey, error) {
	key := types.BronzeKey(day, hour)
	if err := key.Validate(); err != nil {
		return key, pipelineerrors.NewFetchError(day, hour, err)
	}

	data, err := f.archive.Download(ctx, day, hour)
	if err != nil {
		return key, pipelineerrors.NewFetchError(day, hour, err)
	}
	if err := f.storage.Put(ctx, key.String(), data); err != nil {
		return key, pipelineerrors.NewFetchError(day, hour, err)
	}
	return key, nil
}

// FetchDay fetches hours 0..23 with bounded concurrency. Hours are
// independent: a failed hour is recorded in the tally and never cancels
// the others.
func (f *Fetcher) FetchDay(ctx context.Context, day types.Day) *HourTally {
	start := time.Now()
	tally := NewHourTally()
	var mu sync.Mutex

	// The group context is not used: hour errors are tallied, not returned.
	var g errgroup.Group
	g.SetLimit(f.concurrency)

	for hour := 0; hour < types.HoursPerDay; hour++ {
		hour := hour
		g.Go(func() error {
			key, err := f.FetchHour(ctx, day, hour)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				tally.Failed[hour] = err.Error()
				f.metrics.HoursFetched.WithLabelValues("failure").Inc()
				f.logger.Warn("hour fetch failed",
					zap.String("day", day.String()),
					zap.Int("hour", hour),
					zap.Error(err))
				return nil
			}
			tally.Succeeded = append(tally.Succeeded, hour)
			f.metrics.HoursFetched.WithLabelValues("success").Inc()
			f.logger.Debug("hour fetched", zap.String("key", key.String()))
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(tally.Succeeded)
	f.logger.Info("day fetched",
		zap.String("day", day.String()),
		zap.Int("succeeded", len(tally.Succeeded)),
		zap.Ints("failed_hours", tally.FailedHours()),
		zap.Duration("elapsed", time.Since(start)))
	return tally
}
