package pharmacist

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	cacheKeyPrefix = "vendor:snapshot:"
	loadTimeout    = 5 * time.Second
)

// Lookup serves snapshots from Redis, falling back to the Source. Concurrent
// misses for the same vendor share one load.
type Lookup struct {
	source Source
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewLookup builds a Lookup. A nil client disables caching.
func NewLookup(source Source, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Lookup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lookup{source: source, client: client, ttl: ttl, logger: logger}
}

// Snapshot returns the vendor profile for vendorID.
func (l *Lookup) Snapshot(ctx context.Context, vendorID uuid.UUID) (Snapshot, error) {
	if vendorID == uuid.Nil {
		return Snapshot{}, ErrNotFound
	}
	if snap, ok := l.cached(ctx, vendorID); ok {
		return snap, nil
	}
	// The shared load outlives any one caller; each caller still stops
	// waiting when its own context ends.
	ch := l.group.DoChan(vendorID.String(), func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		snap, err := l.source.LoadSnapshot(loadCtx, vendorID)
		if err != nil {
			return Snapshot{}, err
		}
		l.store(loadCtx, snap)
		return snap, nil
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}

// Invalidate drops the cached copy after a profile change.
func (l *Lookup) Invalidate(ctx context.Context, vendorID uuid.UUID) error {
	if l.client == nil {
		return nil
	}
	return l.client.Del(ctx, cacheKeyPrefix+vendorID.String()).Err()
}

func (l *Lookup) cached(ctx context.Context, vendorID uuid.UUID) (Snapshot, bool) {
	if l.client == nil {
		return Snapshot{}, false
	}
	raw, err := l.client.Get(ctx, cacheKeyPrefix+vendorID.String()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			l.logger.Warn("vendor cache read failed", slog.Any("error", err))
		}
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

func (l *Lookup) store(ctx context.Context, snap Snapshot) {
	if l.client == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := l.client.Set(ctx, cacheKeyPrefix+snap.ID.String(), raw, l.ttl).Err(); err != nil {
		l.logger.Warn("vendor cache write failed", slog.Any("error", err))
	}
}
