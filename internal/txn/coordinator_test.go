package txn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/silt/internal/action"
	"github.com/roach88/silt/internal/logstore"
	"github.com/roach88/silt/internal/snapshot"
	"github.com/roach88/silt/internal/storage"
	"github.com/roach88/silt/internal/testutil"
)

var testEpoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
}

func newTestCoordinator(t *testing.T, log logstore.LogStore, cfg Config) *Coordinator {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Now == nil {
		cfg.Now = testutil.NewManualClock(testEpoch).Now
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 4 * time.Millisecond
	}
	return NewCoordinator(log, snapshot.NewBuilder(log), cfg)
}

func newTestLog(t *testing.T) logstore.LogStore {
	t.Helper()
	return logstore.NewFileStore(storage.NewMemory())
}

// createTable commits version 0 so transactions have a base to plan against.
func createTable(t *testing.T, log logstore.LogStore) {
	t.Helper()
	require.NoError(t, log.Append(context.Background(), 0, []action.Action{
		action.Metadata{ID: "11111111-2222-7333-8444-555555555555"},
		action.CommitInfo{Timestamp: 1, Operation: action.OpCreateTable, ReadVersion: -1},
	}))
}

func commitInfoOf(t *testing.T, actions []action.Action) action.CommitInfo {
	t.Helper()
	ci, ok := actions[len(actions)-1].(action.CommitInfo)
	require.True(t, ok, "entry must close with a commit record")
	return ci
}

// hookedLog overrides Append for fault injection, delegating everything
// else to the embedded store.
type hookedLog struct {
	logstore.LogStore
	onAppend func(ctx context.Context, version int64, actions []action.Action) error
}

func (h *hookedLog) Append(ctx context.Context, version int64, actions []action.Action) error {
	return h.onAppend(ctx, version, actions)
}

func TestCommitLandsAtNextVersion(t *testing.T) {
	log := newTestLog(t)
	createTable(t, log)
	clock := testutil.NewManualClock(testEpoch)
	c := newTestCoordinator(t, log, Config{Now: clock.Now})

	tx := New("txn-1", action.OpWrite, 0)
	require.NoError(t, tx.Stage(nil, []action.Add{{Path: "a.bin", Size: 9, DataChange: true}}))

	version, err := c.Commit(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	entry, err := log.Read(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entry, 2)
	ci := commitInfoOf(t, entry)
	assert.Equal(t, action.OpWrite, ci.Operation)
	assert.Equal(t, "txn-1", ci.TxnID)
	assert.Equal(t, int64(0), ci.ReadVersion)
	assert.Equal(t, testEpoch.UnixMilli(), ci.Timestamp)
}

func TestCommitRetargetsPastDisjointWriter(t *testing.T) {
	log := newTestLog(t)
	createTable(t, log)
	c := newTestCoordinator(t, log, Config{})
	ctx := context.Background()

	tx := New("txn-1", action.OpDelete, 0)
	require.NoError(t, tx.Stage(
		[]action.Remove{{Path: "mine.bin", DataChange: true}},
		[]action.Add{{Path: "mine-rewritten.bin", DataChange: true}},
	))

	// Another writer lands a disjoint entry before we commit.
	require.NoError(t, log.Append(ctx, 1, []action.Action{
		action.Add{Path: "theirs.bin", Size: 3, DataChange: true},
		action.CommitInfo{Timestamp: 2, Operation: action.OpWrite, ReadVersion: 0, TxnID: "txn-other"},
	}))

	version, err := c.Commit(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version, "retargets past the disjoint writer")

	ci := commitInfoOf(t, mustRead(t, log, 2))
	assert.Equal(t, int64(0), ci.ReadVersion, "plan version unchanged: no replan happened")
}

func mustRead(t *testing.T, log logstore.LogStore, version int64) []action.Action {
	t.Helper()
	actions, err := log.Read(context.Background(), version)
	require.NoError(t, err)
	return actions
}

func TestCommitConflictSurfacesWithoutHook(t *testing.T) {
	log := newTestLog(t)
	createTable(t, log)
	c := newTestCoordinator(t, log, Config{})
	ctx := context.Background()

	tx := New("txn-1", action.OpDelete, 0)
	require.NoError(t, tx.Stage([]action.Remove{{Path: "shared.bin", DataChange: true}}, nil))

	require.NoError(t, log.Append(ctx, 1, []action.Action{
		action.Remove{Path: "shared.bin", DeletionTimestamp: 2, DataChange: true},
		action.CommitInfo{Timestamp: 2, Operation: action.OpDelete, ReadVersion: 0, TxnID: "txn-other"},
	}))

	_, err := c.Commit(ctx, tx)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ReasonConcurrentDelete, conflict.Reason)
	assert.Equal(t, "shared.bin", conflict.Path)
	assert.Equal(t, int64(1), conflict.Version)

	latest, err := log.LatestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest, "conflicted transaction writes nothing")
}

func TestCommitReplansThroughHook(t *testing.T) {
	log := newTestLog(t)
	createTable(t, log)
	c := newTestCoordinator(t, log, Config{})
	ctx := context.Background()

	// Seed a live file, then remove it behind the transaction's back.
	require.NoError(t, log.Append(ctx, 1, []action.Action{
		action.Add{Path: "shared.bin", Size: 4, DataChange: true},
		action.CommitInfo{Timestamp: 2, Operation: action.OpWrite, ReadVersion: 0, TxnID: "txn-w"},
	}))

	tx := New("txn-1", action.OpDelete, 1)
	require.NoError(t, tx.Stage([]action.Remove{{Path: "shared.bin", DataChange: true}}, nil))

	var replans int
	tx.OnConflict(func(ctx context.Context, snap *snapshot.Snapshot) error {
		replans++
		// The file is gone in the fresh snapshot; commit an audit no-op.
		if _, live := snap.Live("shared.bin"); live {
			return tx.Stage([]action.Remove{{Path: "shared.bin", DataChange: true}}, nil)
		}
		return nil
	})

	require.NoError(t, log.Append(ctx, 2, []action.Action{
		action.Remove{Path: "shared.bin", DeletionTimestamp: 3, DataChange: true},
		action.CommitInfo{Timestamp: 3, Operation: action.OpDelete, ReadVersion: 1, TxnID: "txn-other"},
	}))

	version, err := c.Commit(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, 1, replans)

	entry := mustRead(t, log, 3)
	require.Len(t, entry, 1, "replanned transaction matched nothing: audit-only entry")
	ci := commitInfoOf(t, entry)
	assert.Equal(t, int64(2), ci.ReadVersion, "replan advanced the read version")
}

func TestConcurrentDisjointTransactionsBothCommit(t *testing.T) {
	log := newTestLog(t)
	createTable(t, log)
	c := newTestCoordinator(t, log, Config{})
	ctx := context.Background()

	paths := []string{"left.bin", "right.bin"}
	versions := make([]int64, len(paths))
	errs := make([]error, len(paths))

	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			tx := New(path, action.OpWrite, 0)
			if err := tx.Stage(nil, []action.Add{{Path: path, Size: 1, DataChange: true}}); err != nil {
				errs[i] = err
				return
			}
			versions[i], errs[i] = c.Commit(ctx, tx)
		}(i, path)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	got := map[int64]bool{versions[0]: true, versions[1]: true}
	assert.Equal(t, map[int64]bool{1: true, 2: true}, got, "consecutive versions, no conflict")
}

func TestConcurrentSameFileRemoval(t *testing.T) {
	log := newTestLog(t)
	createTable(t, log)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, 1, []action.Action{
		action.Add{Path: "shared.bin", Size: 4, DataChange: true},
		action.CommitInfo{Timestamp: 2, Operation: action.OpWrite, ReadVersion: 0, TxnID: "txn-w"},
	}))

	c := newTestCoordinator(t, log, Config{})

	commit := func(id string) (int64, error) {
		tx := New(id, action.OpDelete, 1)
		if err := tx.Stage([]action.Remove{{Path: "shared.bin", DataChange: true}}, nil); err != nil {
			return -1, err
		}
		tx.OnConflict(func(ctx context.Context, snap *snapshot.Snapshot) error {
			if _, live := snap.Live("shared.bin"); live {
				return tx.Stage([]action.Remove{{Path: "shared.bin", DataChange: true}}, nil)
			}
			return nil // already gone: empty delta
		})
		return c.Commit(ctx, tx)
	}

	var wg sync.WaitGroup
	versions := make([]int64, 2)
	errs := make([]error, 2)
	for i, id := range []string{"txn-a", "txn-b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			versions[i], errs[i] = commit(id)
		}(i, id)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Exactly one of the two committed entries removed the file; the loser
	// recomputed against the winner's snapshot and committed empty.
	removals := 0
	for _, v := range versions {
		for _, a := range mustRead(t, log, v) {
			if _, ok := a.(action.Remove); ok {
				removals++
			}
		}
	}
	assert.Equal(t, 1, removals, "the shared file is removed exactly once")
}

func TestCommitAbortsAfterBudget(t *testing.T) {
	log := newTestLog(t)
	createTable(t, log)

	// Every append loses the race; the budget must run out.
	stub := &hookedLog{LogStore: log, onAppend: func(context.Context, int64, []action.Action) error {
		return logstore.ErrVersionExists
	}}
	c := newTestCoordinator(t, stub, Config{MaxAttempts: 3})

	tx := New("txn-1", action.OpWrite, 0)
	require.NoError(t, tx.Stage(nil, []action.Add{{Path: "a.bin", DataChange: true}}))

	_, err := c.Commit(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, IsAborted(err))

	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, 3, abort.Attempts)
	assert.ErrorIs(t, abort.Cause, logstore.ErrVersionExists)
}

func TestCommitAmbiguousOutcomeOwnEntry(t *testing.T) {
	log := newTestLog(t)
	createTable(t, log)

	// The append lands but the response is lost.
	stub := &hookedLog{LogStore: log}
	stub.onAppend = func(ctx context.Context, version int64, actions []action.Action) error {
		if err := log.Append(ctx, version, actions); err != nil {
			return err
		}
		return errors.New("connection reset")
	}
	c := newTestCoordinator(t, stub, Config{})

	tx := New("txn-1", action.OpWrite, 0)
	require.NoError(t, tx.Stage(nil, []action.Add{{Path: "a.bin", DataChange: true}}))

	version, err := c.Commit(context.Background(), tx)
	require.NoError(t, err, "own commit record found on recheck")
	assert.Equal(t, int64(1), version)
}

func TestCommitAmbiguousOutcomeForeignEntry(t *testing.T) {
	log := newTestLog(t)
	createTable(t, log)

	// Our append fails opaquely while a competitor's entry occupies the
	// target version: the failure must surface, not masquerade as success.
	stub := &hookedLog{LogStore: log}
	stub.onAppend = func(ctx context.Context, version int64, actions []action.Action) error {
		foreign := []action.Action{
			action.Add{Path: "theirs.bin", DataChange: true},
			action.CommitInfo{Timestamp: 2, Operation: action.OpWrite, ReadVersion: 0, TxnID: "txn-other"},
		}
		if err := log.Append(ctx, version, foreign); err != nil {
			return err
		}
		return errors.New("connection reset")
	}
	c := newTestCoordinator(t, stub, Config{MaxAttempts: 1})

	tx := New("txn-1", action.OpWrite, 0)
	require.NoError(t, tx.Stage(nil, []action.Add{{Path: "mine.bin", DataChange: true}}))

	_, err := c.Commit(context.Background(), tx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.False(t, IsAborted(err))
}

func TestCommitSnapshotExpired(t *testing.T) {
	log := newTestLog(t)
	createTable(t, log)
	ctx := context.Background()

	for v := int64(1); v <= 4; v++ {
		require.NoError(t, log.Append(ctx, v, []action.Action{
			action.Add{Path: fmt.Sprintf("f%d.bin", v), DataChange: true},
			action.CommitInfo{Timestamp: v, Operation: action.OpWrite, ReadVersion: v - 1},
		}))
	}
	snap, err := snapshot.NewBuilder(log).At(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, snapshot.NewBuilder(log).WriteCheckpoint(ctx, snap))
	_, err = log.PruneBelow(ctx, 4)
	require.NoError(t, err)

	c := newTestCoordinator(t, log, Config{})
	tx := New("txn-1", action.OpDelete, 1) // planned before the prune
	require.NoError(t, tx.Stage([]action.Remove{{Path: "g.bin", DataChange: true}}, nil))

	_, err = c.Commit(ctx, tx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSnapshotExpired)
}

func TestCommitMetadataChangeConflicts(t *testing.T) {
	log := newTestLog(t)
	createTable(t, log)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, 1, []action.Action{
		action.Metadata{ID: "11111111-2222-7333-8444-555555555555", SchemaString: `{"v":2}`},
		action.CommitInfo{Timestamp: 2, Operation: action.OpCreateTable, ReadVersion: 0},
	}))

	c := newTestCoordinator(t, log, Config{})
	tx := New("txn-1", action.OpWrite, 0)
	require.NoError(t, tx.Stage(nil, []action.Add{{Path: "a.bin", DataChange: true}}))

	_, err := c.Commit(ctx, tx)
	require.Error(t, err)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ReasonMetadataChanged, conflict.Reason)
}

func TestCommitReadScopeConflicts(t *testing.T) {
	newTx := func(scope *ReadScope) *Transaction {
		tx := New("txn-1", action.OpDelete, 0)
		tx.SetReadScope(scope)
		return tx
	}

	t.Run("append inside scope conflicts", func(t *testing.T) {
		log := newTestLog(t)
		createTable(t, log)
		ctx := context.Background()
		require.NoError(t, log.Append(ctx, 1, []action.Action{
			action.Add{Path: "region=eu/x.bin", PartitionValues: map[string]string{"region": "eu"}, DataChange: true},
			action.CommitInfo{Timestamp: 2, Operation: action.OpWrite, ReadVersion: 0},
		}))

		tx := newTx(&ReadScope{Partitions: []map[string]string{{"region": "eu"}}})
		require.NoError(t, tx.Stage([]action.Remove{{Path: "region=eu/old.bin", DataChange: true}}, nil))

		_, err := newTestCoordinator(t, log, Config{}).Commit(ctx, tx)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, ReasonConcurrentAppend, conflict.Reason)
		assert.Equal(t, "region=eu/x.bin", conflict.Path)
	})

	t.Run("append outside scope commits", func(t *testing.T) {
		log := newTestLog(t)
		createTable(t, log)
		ctx := context.Background()
		require.NoError(t, log.Append(ctx, 1, []action.Action{
			action.Add{Path: "region=us/x.bin", PartitionValues: map[string]string{"region": "us"}, DataChange: true},
			action.CommitInfo{Timestamp: 2, Operation: action.OpWrite, ReadVersion: 0},
		}))

		tx := newTx(&ReadScope{Partitions: []map[string]string{{"region": "eu"}}})
		require.NoError(t, tx.Stage([]action.Remove{{Path: "region=eu/old.bin", DataChange: true}}, nil))

		version, err := newTestCoordinator(t, log, Config{}).Commit(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)
	})

	t.Run("remove inside scope conflicts", func(t *testing.T) {
		log := newTestLog(t)
		createTable(t, log)
		ctx := context.Background()
		require.NoError(t, log.Append(ctx, 1, []action.Action{
			action.Remove{Path: "region=eu/y.bin", PartitionValues: map[string]string{"region": "eu"}, DeletionTimestamp: 2, DataChange: true},
			action.CommitInfo{Timestamp: 2, Operation: action.OpDelete, ReadVersion: 0},
		}))

		tx := newTx(&ReadScope{Partitions: []map[string]string{{"region": "eu"}}})
		require.NoError(t, tx.Stage([]action.Remove{{Path: "region=eu/old.bin", DataChange: true}}, nil))

		_, err := newTestCoordinator(t, log, Config{}).Commit(ctx, tx)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, ReasonConcurrentDelete, conflict.Reason)
	})
}

func TestCommitCancelledContext(t *testing.T) {
	log := newTestLog(t)
	createTable(t, log)
	c := newTestCoordinator(t, log, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tx := New("txn-1", action.OpWrite, 0)
	require.NoError(t, tx.Stage(nil, []action.Add{{Path: "a.bin", DataChange: true}}))

	_, err := c.Commit(ctx, tx)
	require.ErrorIs(t, err, context.Canceled)

	latest, err := log.LatestVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest, "cancelled commit writes nothing")
}
