// Package bronzetest builds archive fixtures: gzip'd line-delimited event
// files and an in-memory archive that serves them.
package bronzetest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ghlake/ghlake/internal/archive"
	"github.com/ghlake/ghlake/pkg/types"
)

// Event is a minimal archive record.
type Event struct {
	Kind      string
	RepoID    int64
	RepoName  string
	ActorID   int64
	CreatedAt string
}

// Line renders e the way the archive does, with an unused payload field.
func (e Event) Line() []byte {
	rec := map[string]any{
		"id":   fmt.Sprintf("%d%d", e.RepoID, e.ActorID),
		"type": e.Kind,
		"actor": map[string]any{
			"id":    e.ActorID,
			"login": fmt.Sprintf("user%d", e.ActorID),
		},
		"repo": map[string]any{
			"id":   e.RepoID,
			"name": e.RepoName,
			"url":  "https://api.github.com/repos/" + e.RepoName,
		},
		"payload":    map[string]any{},
		"public":     true,
		"created_at": e.CreatedAt,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	return b
}

// Gzip joins lines with newlines and compresses them.
func Gzip(lines ...[]byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for _, l := range lines {
		zw.Write(l)
		zw.Write([]byte{'\n'})
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Hour builds a gzip'd archive file from events.
func Hour(events ...Event) []byte {
	lines := make([][]byte, len(events))
	for i, e := range events {
		lines[i] = e.Line()
	}
	return Gzip(lines...)
}

// Archive is an in-memory archive.Downloader.
type Archive struct {
	mu    sync.Mutex
	files map[string][]byte
	fail  map[string]bool
	calls int
	delay time.Duration
}

var _ archive.Downloader = (*Archive)(nil)

// NewArchive returns an empty archive; every hour 404s until Set.
func NewArchive() *Archive {
	return &Archive{files: make(map[string][]byte), fail: make(map[string]bool)}
}

func hourID(day types.Day, hour int) string {
	return fmt.Sprintf("%s-%d", day, hour)
}

// Set serves data for one hour.
func (a *Archive) Set(day types.Day, hour int, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[hourID(day, hour)] = data
}

// SetDay serves the same events for every hour of day.
func (a *Archive) SetDay(day types.Day, events ...Event) {
	data := Hour(events...)
	for h := 0; h < types.HoursPerDay; h++ {
		a.Set(day, h, data)
	}
}

// Fail makes an hour return a server error.
func (a *Archive) Fail(day types.Day, hour int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail[hourID(day, hour)] = true
}

// SetDelay makes every Download wait d before answering.
func (a *Archive) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

// Calls returns the number of Download calls served.
func (a *Archive) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Download implements archive.Downloader.
func (a *Archive) Download(ctx context.Context, day types.Day, hour int) ([]byte, error) {
	a.mu.Lock()
	delay := a.delay
	a.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	id := hourID(day, hour)
	if a.fail[id] {
		return nil, &archive.HTTPError{StatusCode: 503, URL: id}
	}
	data, ok := a.files[id]
	if !ok {
		return nil, &archive.HTTPError{StatusCode: 404, URL: id}
	}
	return data, nil
}
