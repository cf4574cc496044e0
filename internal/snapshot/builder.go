package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/silt/internal/logstore"
	"github.com/roach88/silt/internal/metrics"
)

// Builder materializes snapshots from a log store. It caches the newest
// snapshot it has built; requests at or past the cached version fold only
// the delta entries. Builders are safe for concurrent use.
type Builder struct {
	log logstore.LogStore

	mu     sync.Mutex
	cached *Snapshot
}

// NewBuilder returns a Builder over the given log.
func NewBuilder(log logstore.LogStore) *Builder {
	return &Builder{log: log}
}

// Latest builds the snapshot at the current tip of the log.
func (b *Builder) Latest(ctx context.Context) (*Snapshot, error) {
	tip, err := b.log.LatestVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	if tip < 0 {
		return nil, fmt.Errorf("latest snapshot: empty log: %w", logstore.ErrVersionNotFound)
	}
	return b.At(ctx, tip)
}

// At builds the snapshot at the given version. It fails with
// logstore.ErrVersionNotFound when the version has not been committed or
// has been pruned without a covering checkpoint.
func (b *Builder) At(ctx context.Context, version int64) (*Snapshot, error) {
	if version < 0 {
		return nil, fmt.Errorf("snapshot at version %d: %w", version, logstore.ErrVersionNotFound)
	}

	cached := b.cachedSnapshot()

	var (
		st   *state
		from int64
	)
	switch {
	case cached != nil && cached.version == version:
		metrics.SnapshotCacheHits.Inc()
		return cached, nil
	case cached != nil && cached.version < version:
		metrics.SnapshotCacheHits.Inc()
		st = stateFrom(cached)
		from = cached.version + 1
	default:
		var err error
		st, from, err = b.seed(ctx, version)
		if err != nil {
			return nil, err
		}
	}

	for v := from; v <= version; v++ {
		actions, err := b.log.Read(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("snapshot at version %d: %w", version, err)
		}
		st.apply(v, actions)
		metrics.EntriesFolded.Inc()
	}

	snap := st.snapshot()
	b.updateCache(snap)
	return snap, nil
}

// seed picks the cheapest cold starting point: the newest checkpoint when it
// does not overshoot the requested version, otherwise version zero.
func (b *Builder) seed(ctx context.Context, version int64) (*state, int64, error) {
	cp, err := b.log.LatestCheckpoint(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot at version %d: %w", version, err)
	}
	if cp == nil || cp.Version > version {
		return newState(), 0, nil
	}
	st := newState()
	st.apply(cp.Version, cp.Actions)
	// Replay resumes at the checkpoint's own version: re-applying that
	// entry is idempotent and recovers the commit timestamp, which the
	// checkpoint does not carry.
	return st, cp.Version, nil
}

// WriteCheckpoint persists the snapshot as a checkpoint so later builds can
// seed from it instead of replaying the full log.
func (b *Builder) WriteCheckpoint(ctx context.Context, snap *Snapshot) error {
	cp := &logstore.Checkpoint{Version: snap.Version(), Actions: snap.CheckpointActions()}
	if err := b.log.WriteCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint version %d: %w", snap.Version(), err)
	}
	return nil
}

func (b *Builder) cachedSnapshot() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cached
}

// updateCache advances the cache monotonically; time-travel builds below the
// cached version never regress it.
func (b *Builder) updateCache(snap *Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cached == nil || snap.version > b.cached.version {
		b.cached = snap
	}
}
