package silt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/silt/internal/action"
	"github.com/roach88/silt/internal/testutil"
)

var testEpoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	tbl   *Table
	mem   *MemoryStorage
	clock *testutil.ManualClock
}

// newTestTable creates a partitioned table on in-memory storage with a
// frozen clock.
func newTestTable(t *testing.T, meta Metadata, opts ...Option) *env {
	t.Helper()
	mem := NewMemoryStorage()
	clock := testutil.NewManualClock(testEpoch)
	opts = append([]Option{WithLogger(quietLogger()), WithClock(clock.Now)}, opts...)
	tbl, err := Create(context.Background(), mem, meta, opts...)
	require.NoError(t, err)
	return &env{tbl: tbl, mem: mem, clock: clock}
}

func eventsMeta() Metadata {
	return Metadata{
		Name:             "events",
		SchemaString:     `{"fields":[{"name":"id","type":"long"},{"name":"region","type":"string"}]}`,
		PartitionColumns: []string{"region"},
	}
}

func regionFile(path, region string) AddFile {
	return AddFile{
		Path:            path,
		PartitionValues: map[string]string{"region": region},
		Size:            int64(len(path)),
	}
}

// evalPaths returns an EvalFunc that removes the given paths when live and
// silently skips those that are not.
func evalPaths(paths ...string) EvalFunc {
	return func(ctx context.Context, snap *Snapshot, predicate string) ([]string, []AddFile, error) {
		var matched []string
		for _, p := range paths {
			if _, ok := snap.Live(p); ok {
				matched = append(matched, p)
			}
		}
		return matched, nil, nil
	}
}

// evalRegion matches every live file in one partition.
func evalRegion(region string) EvalFunc {
	return func(ctx context.Context, snap *Snapshot, predicate string) ([]string, []AddFile, error) {
		var matched []string
		for _, a := range snap.LiveFiles() {
			if a.PartitionValues["region"] == region {
				matched = append(matched, a.Path)
			}
		}
		return matched, nil, nil
	}
}

func TestCreateAndOpen(t *testing.T) {
	e := newTestTable(t, eventsMeta())
	ctx := context.Background()

	v, err := e.tbl.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	snap, err := e.tbl.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Metadata().ID, "creation assigns a table id")
	assert.Equal(t, "events", snap.Metadata().Name)
	assert.Equal(t, testEpoch.UnixMilli(), snap.Metadata().CreatedTime)
	assert.Zero(t, snap.LiveCount())

	reopened, err := Open(ctx, e.mem, WithLogger(quietLogger()))
	require.NoError(t, err)
	snap2, err := reopened.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Metadata().ID, snap2.Metadata().ID)
}

func TestCreateTwiceFails(t *testing.T) {
	e := newTestTable(t, eventsMeta())

	_, err := Create(context.Background(), e.mem, eventsMeta(), WithLogger(quietLogger()))
	require.ErrorIs(t, err, ErrTableExists)
}

func TestOpenMissingTable(t *testing.T) {
	_, err := Open(context.Background(), NewMemoryStorage(), WithLogger(quietLogger()))
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestAppendAndSnapshot(t *testing.T) {
	e := newTestTable(t, eventsMeta())
	ctx := context.Background()

	v, err := e.tbl.Append(ctx, []AddFile{
		regionFile("part-0000.parquet", "eu"),
		regionFile("part-0001.parquet", "us"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	snap, err := e.tbl.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.LiveCount())

	added, ok := snap.Live("part-0000.parquet")
	require.True(t, ok)
	assert.True(t, added.DataChange)
	assert.Equal(t, testEpoch.UnixMilli(), added.ModificationTime, "zero mod time is stamped at commit")
}

func TestAppendNothingFails(t *testing.T) {
	e := newTestTable(t, eventsMeta())

	_, err := e.tbl.Append(context.Background(), nil)
	require.Error(t, err)
}

// Snapshots at a version must depend only on entries up to that version,
// no matter when or through which handle they are built.
func TestSnapshotAtIsDeterministic(t *testing.T) {
	e := newTestTable(t, eventsMeta())
	ctx := context.Background()

	_, err := e.tbl.Append(ctx, []AddFile{regionFile("a.parquet", "eu")})
	require.NoError(t, err)
	_, err = e.tbl.Append(ctx, []AddFile{regionFile("b.parquet", "us")})
	require.NoError(t, err)
	_, err = e.tbl.Delete(ctx, "region = 'eu'", evalRegion("eu"))
	require.NoError(t, err)

	before, err := e.tbl.SnapshotAt(ctx, 2)
	require.NoError(t, err)

	// More commits after the fact.
	_, err = e.tbl.Append(ctx, []AddFile{regionFile("c.parquet", "eu")})
	require.NoError(t, err)

	again, err := e.tbl.SnapshotAt(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, before.LiveFiles(), again.LiveFiles())

	fresh, err := Open(ctx, e.mem, WithLogger(quietLogger()))
	require.NoError(t, err)
	cold, err := fresh.SnapshotAt(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, before.LiveFiles(), cold.LiveFiles())
	assert.Equal(t, before.Timestamp(), cold.Timestamp())
}

func TestDeleteRewritesFiles(t *testing.T) {
	e := newTestTable(t, eventsMeta())
	ctx := context.Background()

	_, err := e.tbl.Append(ctx, []AddFile{
		regionFile("eu-0.parquet", "eu"),
		regionFile("us-0.parquet", "us"),
	})
	require.NoError(t, err)

	// The engine rewrites the matched file into a survivor holding the
	// rows the predicate did not cover.
	rewrite := func(ctx context.Context, snap *Snapshot, predicate string) ([]string, []AddFile, error) {
		if _, ok := snap.Live("eu-0.parquet"); !ok {
			return nil, nil, nil
		}
		return []string{"eu-0.parquet"}, []AddFile{regionFile("eu-1.parquet", "eu")}, nil
	}
	v, err := e.tbl.Delete(ctx, "region = 'eu' AND id < 100", rewrite)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	snap, err := e.tbl.Snapshot(ctx)
	require.NoError(t, err)
	_, ok := snap.Live("eu-0.parquet")
	assert.False(t, ok, "matched file is tombstoned")
	_, ok = snap.Live("eu-1.parquet")
	assert.True(t, ok, "survivor file is live")
	_, ok = snap.Live("us-0.parquet")
	assert.True(t, ok, "unmatched partition untouched")

	hist, err := e.tbl.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, OpDelete, hist[0].Operation)
	assert.Equal(t, "region = 'eu' AND id < 100", hist[0].OperationParameters["predicate"])
}

func TestDeleteZeroMatchesCommitsAudit(t *testing.T) {
	e := newTestTable(t, eventsMeta())
	ctx := context.Background()

	_, err := e.tbl.Append(ctx, []AddFile{regionFile("a.parquet", "eu")})
	require.NoError(t, err)

	v, err := e.tbl.Delete(ctx, "region = 'mars'", evalRegion("mars"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// The committed entry is a bare audit record.
	actions, err := e.tbl.log.Read(ctx, v)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	ci, ok := actions[0].(action.CommitInfo)
	require.True(t, ok)
	assert.Equal(t, OpDelete, ci.Operation)
	assert.Equal(t, "region = 'mars'", ci.OperationParameters["predicate"])

	snap, err := e.tbl.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.LiveCount(), "no-op delete leaves the live set alone")

	hist, err := e.tbl.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 3, "the no-op version still shows in history")
}

func TestHistoryRoundTrip(t *testing.T) {
	e := newTestTable(t, eventsMeta())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		e.clock.Advance(time.Minute)
		_, err := e.tbl.Append(ctx, []AddFile{regionFile(fmt.Sprintf("f-%d.parquet", i), "eu")})
		require.NoError(t, err)
	}

	latest, err := e.tbl.Version(ctx)
	require.NoError(t, err)

	hist, err := e.tbl.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, int(latest)+1)
	for i, ci := range hist {
		assert.Equal(t, latest-int64(i), ci.Version, "history is ordered by strictly decreasing version")
	}
	assert.Equal(t, OpCreateTable, hist[len(hist)-1].Operation)
	assert.Equal(t, int64(-1), hist[len(hist)-1].ReadVersion)
}

// Two writers with disjoint footprints must both land, at consecutive
// versions, without either seeing a conflict.
func TestConcurrentDisjointAppends(t *testing.T) {
	e := newTestTable(t, eventsMeta())
	ctx := context.Background()

	second, err := Open(ctx, e.mem, WithLogger(quietLogger()), WithClock(e.clock.Now))
	require.NoError(t, err)

	var wg sync.WaitGroup
	versions := make([]int64, 2)
	errs := make([]error, 2)
	for i, tbl := range []*Table{e.tbl, second} {
		wg.Add(1)
		go func(i int, tbl *Table) {
			defer wg.Done()
			versions[i], errs[i] = tbl.Append(ctx, []AddFile{
				regionFile(fmt.Sprintf("writer-%d.parquet", i), "eu"),
			})
		}(i, tbl)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.ElementsMatch(t, []int64{1, 2}, versions)

	snap, err := e.tbl.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.LiveCount())
}

// Two writers deleting the same file: exactly one tombstone is committed.
// The loser detects the conflict, recomputes against the fresh snapshot,
// finds nothing left to match, and commits an empty audit version.
func TestConcurrentDeleteSameFile(t *testing.T) {
	e := newTestTable(t, eventsMeta())
	ctx := context.Background()

	_, err := e.tbl.Append(ctx, []AddFile{regionFile("contested.parquet", "eu")})
	require.NoError(t, err)

	second, err := Open(ctx, e.mem, WithLogger(quietLogger()), WithClock(e.clock.Now))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, tbl := range []*Table{e.tbl, second} {
		wg.Add(1)
		go func(i int, tbl *Table) {
			defer wg.Done()
			_, errs[i] = tbl.Delete(ctx, "path = 'contested.parquet'", evalPaths("contested.parquet"))
		}(i, tbl)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	latest, err := e.tbl.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	tombstones := 0
	for v := int64(2); v <= latest; v++ {
		actions, err := e.tbl.log.Read(ctx, v)
		require.NoError(t, err)
		for _, a := range actions {
			if _, ok := a.(action.Remove); ok {
				tombstones++
			}
		}
	}
	assert.Equal(t, 1, tombstones, "exactly one writer removes the file")

	snap, err := e.tbl.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.LiveCount())
}

func TestManualTransactionReadScope(t *testing.T) {
	e := newTestTable(t, eventsMeta())
	ctx := context.Background()

	_, err := e.tbl.Append(ctx, []AddFile{regionFile("eu-0.parquet", "eu")})
	require.NoError(t, err)

	// A transaction that read only the eu partition.
	tx, err := e.tbl.Begin(ctx, OpWrite)
	require.NoError(t, err)
	tx.SetReadScope(&ReadScope{Partitions: []map[string]string{{"region": "eu"}}})
	require.NoError(t, tx.Stage(nil, []AddFile{regionFile("eu-1.parquet", "eu")}))

	// A concurrent writer lands in the same partition first.
	_, err = e.tbl.Append(ctx, []AddFile{regionFile("eu-9.parquet", "eu")})
	require.NoError(t, err)

	_, err = e.tbl.Commit(ctx, tx)
	require.ErrorIs(t, err, ErrConflict)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ReasonConcurrentAppend, conflict.Reason)

	// The same staging against a disjoint partition commits clean.
	tx2, err := e.tbl.Begin(ctx, OpWrite)
	require.NoError(t, err)
	tx2.SetReadScope(&ReadScope{Partitions: []map[string]string{{"region": "us"}}})
	require.NoError(t, tx2.Stage(nil, []AddFile{regionFile("us-0.parquet", "us")}))

	_, err = e.tbl.Append(ctx, []AddFile{regionFile("eu-10.parquet", "eu")})
	require.NoError(t, err)

	v, err := e.tbl.Commit(ctx, tx2)
	require.NoError(t, err)
	latest, err := e.tbl.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, v)
}

func TestAutomaticCheckpointInterval(t *testing.T) {
	e := newTestTable(t, eventsMeta(), WithCheckpointInterval(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.tbl.Append(ctx, []AddFile{regionFile(fmt.Sprintf("f-%d.parquet", i), "eu")})
		require.NoError(t, err)
	}

	cp, err := e.tbl.log.LatestCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(4), cp.Version, "checkpoints land on the interval, newest wins")
}

func TestVacuumHonorsConfiguredRetention(t *testing.T) {
	meta := eventsMeta()
	meta.Configuration = map[string]string{"retention.duration": "48h"}
	e := newTestTable(t, meta)
	ctx := context.Background()

	_, err := e.tbl.Append(ctx, []AddFile{regionFile("old.parquet", "eu")})
	require.NoError(t, err)
	_, err = e.tbl.Delete(ctx, "region = 'eu'", evalRegion("eu"))
	require.NoError(t, err)
	require.NoError(t, e.mem.Put(ctx, "old.parquet", []byte("x")))
	e.mem.SetModTime("old.parquet", testEpoch)

	// Below the configured retention: rejected.
	_, err = e.tbl.Vacuum(ctx, 24*time.Hour, true)
	require.ErrorIs(t, err, ErrRetentionTooShort)

	// Five days out, the 48h table retention has passed but the default
	// week has not. The configured horizon governs.
	e.clock.Advance(5 * 24 * time.Hour)
	res, err := e.tbl.Vacuum(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"old.parquet"}, res.Deleted)

	_, err = e.mem.Read(ctx, "old.parquet")
	require.Error(t, err)
}

func TestVacuumDryRunMatchesWetRun(t *testing.T) {
	e := newTestTable(t, eventsMeta())
	ctx := context.Background()

	_, err := e.tbl.Append(ctx, []AddFile{regionFile("a.parquet", "eu")})
	require.NoError(t, err)
	_, err = e.tbl.Delete(ctx, "region = 'eu'", evalRegion("eu"))
	require.NoError(t, err)
	require.NoError(t, e.mem.Put(ctx, "a.parquet", []byte("x")))
	e.mem.SetModTime("a.parquet", testEpoch)

	e.clock.Advance(14 * 24 * time.Hour)

	dry, err := e.tbl.Vacuum(ctx, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.parquet"}, dry.Candidates)
	assert.Empty(t, dry.Deleted)
	_, err = e.mem.Read(ctx, "a.parquet")
	require.NoError(t, err, "dry run deletes nothing")

	wet, err := e.tbl.Vacuum(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, dry.Candidates, wet.Deleted)
}

func TestPruneLogExpiresOldSnapshots(t *testing.T) {
	e := newTestTable(t, eventsMeta())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.tbl.Append(ctx, []AddFile{regionFile(fmt.Sprintf("f-%d.parquet", i), "eu")})
		require.NoError(t, err)
	}

	// A transaction planned against version 2, left open across the prune.
	stale, err := e.tbl.Begin(ctx, OpWrite)
	require.NoError(t, err)

	for i := 2; i < 4; i++ {
		_, err := e.tbl.Append(ctx, []AddFile{regionFile(fmt.Sprintf("f-%d.parquet", i), "eu")})
		require.NoError(t, err)
	}

	cpVersion, err := e.tbl.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cpVersion)

	e.clock.Advance(30 * 24 * time.Hour)
	n, err := e.tbl.PruneLog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = e.tbl.SnapshotAt(ctx, 1)
	require.ErrorIs(t, err, ErrVersionNotFound)

	got, err := Open(ctx, e.mem, WithLogger(quietLogger()))
	require.NoError(t, err)
	snap, err := got.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.LiveCount(), "checkpoint reconstructs the tip")

	// staleness surfaces at commit time, not silently.
	require.NoError(t, stale.Stage(nil, []AddFile{regionFile("late.parquet", "eu")}))
	_, err = e.tbl.Commit(ctx, stale)
	require.ErrorIs(t, err, ErrSnapshotExpired)
}

func TestCommitAbortsAfterBudget(t *testing.T) {
	e := newTestTable(t, eventsMeta(), WithMaxCommitAttempts(2))
	ctx := context.Background()

	_, err := e.tbl.Append(ctx, []AddFile{regionFile("a.parquet", "eu")})
	require.NoError(t, err)

	second, err := Open(ctx, e.mem, WithLogger(quietLogger()), WithClock(e.clock.Now))
	require.NoError(t, err)

	// Every planning pass removes a live file, then lets a rival remove
	// and re-add it through a second handle, so the plan is always one
	// version behind by commit time.
	evalRemove := func(ctx context.Context, snap *Snapshot, predicate string) ([]string, []AddFile, error) {
		if _, ok := snap.Live("a.parquet"); !ok {
			return nil, nil, nil
		}
		if _, err := second.Delete(ctx, "rival", evalPaths("a.parquet")); err != nil {
			return nil, nil, err
		}
		if _, err := second.Append(ctx, []AddFile{regionFile("a.parquet", "eu")}); err != nil {
			return nil, nil, err
		}
		return []string{"a.parquet"}, nil, nil
	}

	_, err = e.tbl.Delete(ctx, "contended", evalRemove)
	require.ErrorIs(t, err, ErrAborted)
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, 2, abort.Attempts)
}
