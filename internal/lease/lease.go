// Package lease provides per-day mutual exclusion through a marker object
// written with conditional puts. Only one live owner may process a day.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/storage"
	"github.com/ghlake/ghlake/pkg/types"
)

// DefaultTTL is how long an unreleased lease blocks other owners.
const DefaultTTL = 2 * time.Hour

// Record is the marker object body.
type Record struct {
	Owner      string    `json:"owner"`
	Day        string    `json:"day"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Manager acquires day leases.
type Manager struct {
	storage storage.ObjectStorage
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewManager creates a lease manager. A ttl of zero selects DefaultTTL.
func NewManager(store storage.ObjectStorage, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		storage: store,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.Named("lease"),
	}
}

// Lease is a held day lease.
type Lease struct {
	mgr *Manager
	day types.Day
	key types.PartitionKey

	mu     sync.Mutex
	record Record
}

// Owner returns the lease's owner ID.
func (l *Lease) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record.Owner
}

// Record returns the marker contents.
func (l *Lease) Record() Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record
}

// Acquire takes the lease for day. The marker is created only if absent; an
// expired marker is replaced only if it has not changed since it was read.
// A live marker held by someone else yields a LEASE_HELD error.
func (m *Manager) Acquire(ctx context.Context, day types.Day) (*Lease, error) {
	key := types.LeaseKey(day)
	now := m.now().UTC()
	rec := Record{
		Owner:      uuid.NewString(),
		Day:        day.String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, pipelineerrors.NewInternalError("encode lease", err)
	}

	err = m.put(ctx, key, body, "", rec)
	if err == nil {
		m.logger.Debug("lease acquired", zap.String("day", day.String()), zap.String("owner", rec.Owner))
		return &Lease{mgr: m, day: day, key: key, record: rec}, nil
	}
	if !errors.Is(err, storage.ErrPreconditionFailed) {
		return nil, fmt.Errorf("lease: failed to create %s: %w", key, err)
	}

	current, etag, err := m.read(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		// Released between our put and read; one more create attempt.
		if err := m.put(ctx, key, body, "", rec); err != nil {
			if errors.Is(err, storage.ErrPreconditionFailed) {
				return nil, pipelineerrors.NewLeaseHeldError(day, "unknown")
			}
			return nil, fmt.Errorf("lease: failed to create %s: %w", key, err)
		}
		return &Lease{mgr: m, day: day, key: key, record: rec}, nil
	}
	if err != nil {
		return nil, err
	}
	if !current.Expired(now) {
		return nil, pipelineerrors.NewLeaseHeldError(day, current.Owner)
	}

	if err := m.put(ctx, key, body, etag, rec); err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return nil, pipelineerrors.NewLeaseHeldError(day, "unknown")
		}
		return nil, fmt.Errorf("lease: failed to take over %s: %w", key, err)
	}
	m.logger.Warn("took over expired lease",
		zap.String("day", day.String()),
		zap.String("previous_owner", current.Owner),
		zap.Time("expired_at", current.ExpiresAt))
	return &Lease{mgr: m, day: day, key: key, record: rec}, nil
}

// put writes rec conditionally. When the write reports failure the marker is
// read back: a write that landed before its error surfaced (a retried
// conditional create, a lost response) leaves exactly rec behind, and that
// counts as success.
func (m *Manager) put(ctx context.Context, key types.PartitionKey, body []byte, etag string, rec Record) error {
	err := m.storage.ConditionalPut(ctx, key.String(), body, etag)
	if err == nil {
		return nil
	}
	current, _, readErr := m.read(ctx, key)
	if readErr == nil && current.Owner == rec.Owner && current.ExpiresAt.Equal(rec.ExpiresAt) {
		m.logger.Debug("conditional write landed despite error", zap.String("key", key.String()), zap.Error(err))
		return nil
	}
	return err
}

// Inspect returns the current marker for day, or storage.ErrObjectNotFound.
func (m *Manager) Inspect(ctx context.Context, day types.Day) (Record, error) {
	rec, _, err := m.read(ctx, types.LeaseKey(day))
	return rec, err
}

func (m *Manager) read(ctx context.Context, key types.PartitionKey) (Record, string, error) {
	info, err := m.storage.Stat(ctx, key.String())
	if err != nil {
		return Record{}, "", err
	}
	data, err := m.storage.Get(ctx, key.String())
	if err != nil {
		return Record{}, "", err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// An unreadable marker is treated as expired so it cannot wedge the day.
		m.logger.Warn("corrupt lease marker", zap.String("key", key.String()), zap.Error(err))
		return Record{}, info.ETag, nil
	}
	return rec, info.ETag, nil
}

// Renew confirms the lease is still owned and pushes its expiry a full TTL
// past now. The marker is rewritten only if it has not changed since it was
// read. A LEASE_LOST error means another owner holds the day or the marker
// is gone; any other error leaves ownership undetermined.
func (l *Lease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, etag, err := l.mgr.read(ctx, l.key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return pipelineerrors.NewLeaseLostError(l.day, l.record.Owner, "none")
	}
	if err != nil {
		return fmt.Errorf("lease: failed to read %s: %w", l.key, err)
	}
	if current.Owner != l.record.Owner {
		return pipelineerrors.NewLeaseLostError(l.day, l.record.Owner, current.Owner)
	}

	next := l.record
	next.ExpiresAt = l.mgr.now().UTC().Add(l.mgr.ttl)
	body, err := json.Marshal(next)
	if err != nil {
		return pipelineerrors.NewInternalError("encode lease", err)
	}
	if err := l.mgr.put(ctx, l.key, body, etag, next); err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return pipelineerrors.NewLeaseLostError(l.day, l.record.Owner, "unknown")
		}
		return fmt.Errorf("lease: failed to renew %s: %w", l.key, err)
	}
	l.record = next
	return nil
}

// Keep renews the lease every third of its TTL until ctx is done. When the
// lease is lost, onLost receives the LEASE_LOST error and Keep returns.
// Renewal failures that leave ownership undetermined are logged and retried
// on the next tick.
func (l *Lease) Keep(ctx context.Context, onLost func(error)) {
	interval := l.mgr.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := l.Renew(ctx)
		switch {
		case err == nil:
		case pipelineerrors.GetCode(err) == pipelineerrors.CodeLeaseLost:
			l.mgr.logger.Warn("lease lost", zap.String("key", l.key.String()), zap.Error(err))
			if onLost != nil {
				onLost(err)
			}
			return
		case ctx.Err() != nil:
			return
		default:
			l.mgr.logger.Warn("lease renewal failed", zap.String("key", l.key.String()), zap.Error(err))
		}
	}
}

// Release deletes the marker if this lease still owns it. Releasing a lease
// that was taken over is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, _, err := l.mgr.read(ctx, l.key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lease: failed to read %s: %w", l.key, err)
	}
	if current.Owner != l.record.Owner {
		l.mgr.logger.Warn("lease lost before release",
			zap.String("key", l.key.String()),
			zap.String("owner", l.record.Owner),
			zap.String("current_owner", current.Owner))
		return nil
	}
	if err := l.mgr.storage.Delete(ctx, l.key.String()); err != nil {
		return fmt.Errorf("lease: failed to release %s: %w", l.key, err)
	}
	return nil
}
