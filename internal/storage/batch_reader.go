package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchReader reads many small objects in parallel. It is meant for
// day-level tables (gold, features), not for hourly bronze blobs, which are
// streamed one at a time.
type BatchReader struct {
	storage     ObjectStorage
	concurrency int
}

// BatchResult contains the outcome of a batch read.
// Every requested path lands in exactly one of the three collections.
type BatchResult struct {
	Data    map[string][]byte
	Missing []string
	Errors  map[string]error
}

// NewBatchReader creates a new batch reader.
// concurrency: maximum number of parallel reads (values < 1 mean 1)
func NewBatchReader(storage ObjectStorage, concurrency int) *BatchReader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchReader{
		storage:     storage,
		concurrency: concurrency,
	}
}

// Read fetches every object path. Absent objects are reported in Missing,
// other failures in Errors; neither aborts the batch.
func (b *BatchReader) Read(ctx context.Context, objectPaths []string) *BatchResult {
	result := &BatchResult{
		Data:   make(map[string][]byte, len(objectPaths)),
		Errors: make(map[string]error),
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range objectPaths {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path string) {
			defer sem.Release(1)
			defer wg.Done()

			data, err := b.storage.Get(ctx, path)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrObjectNotFound):
				result.Missing = append(result.Missing, path)
			case err != nil:
				result.Errors[path] = err
			default:
				result.Data[path] = data
			}
		}(p)
	}

	wg.Wait()
	return result
}
