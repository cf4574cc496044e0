// Package silt is a transactional core for tables stored as immutable data
// files plus an append-only action log.
//
// Every mutation is a log entry: remove actions, add actions, and a closing
// commit record, written with an atomic claim on the next version number.
// The claim is the only serialization point; there are no locks. Readers
// fold the log (seeded from a checkpoint when one exists) into an immutable
// Snapshot of the live file set at any committed version.
//
// Writers run optimistic concurrency control: plan against a snapshot,
// stage actions, and commit. If other writers landed first, the commit
// validates the gap for overlapping work and either retargets, replans
// through the transaction's conflict hook, or fails with a ConflictError.
//
// Removed files stay on storage as tombstones until Vacuum retires those
// no retained version can reach.
package silt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/silt/internal/action"
	"github.com/roach88/silt/internal/history"
	"github.com/roach88/silt/internal/logstore"
	"github.com/roach88/silt/internal/snapshot"
	"github.com/roach88/silt/internal/storage"
	"github.com/roach88/silt/internal/txn"
	"github.com/roach88/silt/internal/vacuum"
)

// Core vocabulary, shared with the log's wire format.
type (
	// AddFile records a data file joining the live set.
	AddFile = action.Add

	// RemoveFile is the tombstone superseding a previously added file.
	RemoveFile = action.Remove

	// Metadata is the table's identity, schema, and configuration.
	Metadata = action.Metadata

	// CommitInfo is the audit record closing every committed version.
	CommitInfo = action.CommitInfo

	// Snapshot is the immutable live-file view of the table at one version.
	Snapshot = snapshot.Snapshot

	// Transaction accumulates staged actions between Begin and Commit.
	Transaction = txn.Transaction

	// ReadScope narrows conflict detection to the partitions a
	// transaction actually read.
	ReadScope = txn.ReadScope

	// Storage is the file store a table lives on.
	Storage = storage.Storage

	// FileInfo describes one stored file.
	FileInfo = storage.FileInfo

	// LogStore is the versioned transaction log.
	LogStore = logstore.LogStore

	// VacuumResult reports one garbage collection pass.
	VacuumResult = vacuum.Result

	// VacuumFailure records one file a pass could not delete.
	VacuumFailure = vacuum.Failure
)

// MemoryStorage keeps files in process memory. Its fault injection and
// modtime helpers make it the storage of choice in tests.
type MemoryStorage = storage.Memory

// SQLiteLogStore keeps the transaction log in a SQLite database, for table
// roots on storage without an atomic create-if-absent primitive.
type SQLiteLogStore = logstore.SQLiteStore

// Operation tags recorded in CommitInfo.Operation.
const (
	OpCreateTable = action.OpCreateTable
	OpWrite       = action.OpWrite
	OpDelete      = action.OpDelete
)

// MinRetention is the default floor for vacuum horizons.
const MinRetention = vacuum.MinRetention

// retentionKey is the Metadata.Configuration entry holding the table's
// default vacuum horizon, as a Go duration string.
const retentionKey = "retention.duration"

// EvalFunc evaluates a delete predicate against a snapshot. It returns the
// live paths the predicate matched and any replacement files the engine
// rewrote survivors into. The coordinator re-invokes it after every conflict,
// so it must be safe to call multiple times.
type EvalFunc func(ctx context.Context, snap *Snapshot, predicate string) (removes []string, adds []AddFile, err error)

// IDGenerator mints transaction and table identifiers.
type IDGenerator interface {
	Generate() string
}

// NewLocalStorage returns a Storage rooted at dir, creating it if needed.
func NewLocalStorage(dir string) (Storage, error) {
	return storage.NewLocal(dir)
}

// NewMemoryStorage returns an empty in-memory Storage.
func NewMemoryStorage() *MemoryStorage {
	return storage.NewMemory()
}

// OpenSQLiteLog opens (or creates) a SQLite-backed transaction log at path.
// The caller owns the returned store's lifecycle and must Close it.
func OpenSQLiteLog(path string) (*SQLiteLogStore, error) {
	return logstore.OpenSQLite(path)
}

// DefaultCheckpointInterval is how many versions apart automatic
// checkpoints land.
const DefaultCheckpointInterval = 10

// Table is a handle on one table root. It is safe for concurrent use; all
// cross-process coordination happens through the log's conditional append.
type Table struct {
	store  Storage
	log    LogStore
	snaps  *snapshot.Builder
	coord  *txn.Coordinator
	reader *history.Reader
	gc     *vacuum.Collector

	ids                IDGenerator
	logger             *slog.Logger
	now                func() time.Time
	maxAttempts        int
	checkpointInterval int64
	retentionCheck     bool
}

func newTable(store Storage, opts []Option) *Table {
	t := &Table{
		store:              store,
		checkpointInterval: DefaultCheckpointInterval,
		retentionCheck:     true,
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.ids == nil {
		t.ids = txn.UUIDv7Generator{}
	}
	if t.log == nil {
		t.log = logstore.NewFileStore(store)
	}
	t.snaps = snapshot.NewBuilder(t.log)
	t.coord = txn.NewCoordinator(t.log, t.snaps, txn.Config{
		MaxAttempts: t.maxAttempts,
		Now:         t.now,
		Logger:      t.logger,
	})
	t.reader = history.NewReader(t.log)
	// The horizon floor is enforced here against the table's configured
	// retention, which the collector cannot see; its static check stays off.
	t.gc = vacuum.NewCollector(store, t.log, t.snaps, vacuum.Config{
		Now:                   t.now,
		Logger:                t.logger,
		DisableRetentionCheck: true,
	})
	return t
}

// Create initializes a new table on store by committing version 0: the
// table's Metadata and a CREATE TABLE commit record. A zero meta.ID gets a
// generated identifier, a zero meta.CreatedTime the current time. Creating
// over an existing table fails with ErrTableExists.
func Create(ctx context.Context, store Storage, meta Metadata, opts ...Option) (*Table, error) {
	t := newTable(store, opts)
	nowMillis := t.now().UnixMilli()
	if meta.ID == "" {
		meta.ID = t.ids.Generate()
	}
	if meta.CreatedTime == 0 {
		meta.CreatedTime = nowMillis
	}
	entry := []action.Action{
		meta,
		action.CommitInfo{
			Timestamp:   nowMillis,
			Operation:   action.OpCreateTable,
			ReadVersion: -1,
			TxnID:       t.ids.Generate(),
		},
	}
	if err := t.log.Append(ctx, 0, entry); err != nil {
		if errors.Is(err, logstore.ErrVersionExists) {
			return nil, fmt.Errorf("create table: %w", ErrTableExists)
		}
		return nil, fmt.Errorf("create table: %w", err)
	}
	t.logger.Info("table created", "id", meta.ID, "name", meta.Name)
	return t, nil
}

// Open returns a handle on an existing table. It fails with ErrTableNotFound
// when store carries no log.
func Open(ctx context.Context, store Storage, opts ...Option) (*Table, error) {
	t := newTable(store, opts)
	latest, err := t.log.LatestVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("open table: %w", err)
	}
	if latest < 0 {
		return nil, fmt.Errorf("open table: %w", ErrTableNotFound)
	}
	return t, nil
}

// Version returns the latest committed version.
func (t *Table) Version(ctx context.Context) (int64, error) {
	return t.log.LatestVersion(ctx)
}

// Snapshot returns the live table state at the latest version.
func (t *Table) Snapshot(ctx context.Context) (*Snapshot, error) {
	return t.snaps.Latest(ctx)
}

// SnapshotAt returns the live table state as of a past version. It fails
// with ErrVersionNotFound once the version has been pruned past.
func (t *Table) SnapshotAt(ctx context.Context, version int64) (*Snapshot, error) {
	return t.snaps.At(ctx, version)
}

// Begin opens a transaction planned against the current version. The
// returned Transaction is not goroutine-safe; stage into it from one
// goroutine and pass it to Commit.
func (t *Table) Begin(ctx context.Context, operation string) (*Transaction, error) {
	latest, err := t.log.LatestVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", operation, err)
	}
	if latest < 0 {
		return nil, fmt.Errorf("begin %s: %w", operation, ErrTableNotFound)
	}
	return txn.New(t.ids.Generate(), operation, latest), nil
}

// Commit drives tx through conflict detection and the atomic append,
// retrying past concurrent writers up to the attempt budget. It returns the
// committed version. See ConflictError and AbortError for the failure modes.
func (t *Table) Commit(ctx context.Context, tx *Transaction) (int64, error) {
	version, err := t.coord.Commit(ctx, tx)
	if err != nil {
		return version, err
	}
	t.maybeCheckpoint(ctx, version)
	return version, nil
}

// Append commits files to the table as a WRITE. Files with a zero
// ModificationTime are stamped with the current time; DataChange is always
// recorded as true, appends by definition change the visible rows.
func (t *Table) Append(ctx context.Context, files []AddFile) (int64, error) {
	if len(files) == 0 {
		return -1, fmt.Errorf("append: no files")
	}
	tx, err := t.Begin(ctx, OpWrite)
	if err != nil {
		return -1, err
	}
	tx.SetParam("mode", "Append")
	nowMillis := t.now().UnixMilli()
	staged := make([]AddFile, len(files))
	for i, f := range files {
		if f.ModificationTime == 0 {
			f.ModificationTime = nowMillis
		}
		f.DataChange = true
		staged[i] = f
	}
	if err := tx.Stage(nil, staged); err != nil {
		return -1, fmt.Errorf("append: %w", err)
	}
	return t.Commit(ctx, tx)
}

// Delete commits a conditional delete: eval decides, against a current
// snapshot, which live files the predicate removes and what survivors they
// are rewritten into. On every conflict with a concurrent writer the
// coordinator re-invokes eval against the fresh snapshot, so stale plans are
// recomputed rather than mis-applied. A predicate matching zero files still
// commits an audit-only version.
func (t *Table) Delete(ctx context.Context, predicate string, eval EvalFunc) (int64, error) {
	if eval == nil {
		return -1, fmt.Errorf("delete: nil eval func")
	}
	snap, err := t.snaps.Latest(ctx)
	if err != nil {
		return -1, fmt.Errorf("delete: %w", err)
	}
	tx := txn.New(t.ids.Generate(), OpDelete, snap.Version())
	tx.SetParam("predicate", predicate)

	plan := func(ctx context.Context, snap *Snapshot) error {
		paths, adds, err := eval(ctx, snap, predicate)
		if err != nil {
			return fmt.Errorf("evaluate predicate: %w", err)
		}
		removes := make([]RemoveFile, 0, len(paths))
		for _, path := range paths {
			add, ok := snap.Live(path)
			if !ok {
				return fmt.Errorf("delete: predicate selected %q, which is not live at version %d", path, snap.Version())
			}
			removes = append(removes, add.Tombstone(0))
		}
		return tx.Stage(removes, adds)
	}
	tx.OnConflict(plan)
	if err := plan(ctx, snap); err != nil {
		return -1, err
	}
	return t.Commit(ctx, tx)
}

// History returns commit records newest first, at most limit of them when
// limit is positive.
func (t *Table) History(ctx context.Context, limit int) ([]CommitInfo, error) {
	return t.reader.History(ctx, limit)
}

// Vacuum deletes data files no retained version can reach. A zero horizon
// uses the table's configured "retention.duration", defaulting to a week.
// Horizons below the configured retention would break readers of snapshots
// still inside it, so they are rejected with ErrRetentionTooShort unless the
// retention check is disabled. With dryRun the result lists candidates and
// nothing is deleted. Individual delete failures are collected in the
// result, not returned as an error.
func (t *Table) Vacuum(ctx context.Context, horizon time.Duration, dryRun bool) (*VacuumResult, error) {
	configured := t.retention(ctx)
	if horizon <= 0 {
		horizon = configured
	}
	if t.retentionCheck && horizon < configured {
		return nil, fmt.Errorf("vacuum: horizon %s below table retention %s: %w",
			horizon, configured, ErrRetentionTooShort)
	}
	return t.gc.Run(ctx, horizon, dryRun)
}

// Checkpoint materializes the latest snapshot into the log, bounding how
// much history later readers replay. It returns the checkpointed version.
func (t *Table) Checkpoint(ctx context.Context) (int64, error) {
	snap, err := t.snaps.Latest(ctx)
	if err != nil {
		return -1, fmt.Errorf("checkpoint: %w", err)
	}
	if err := t.snaps.WriteCheckpoint(ctx, snap); err != nil {
		return -1, fmt.Errorf("checkpoint: %w", err)
	}
	t.logger.Info("checkpoint written", "version", snap.Version())
	return snap.Version(), nil
}

// PruneLog deletes log entries already covered by a checkpoint and older
// than the table's retention, returning how many were removed. Snapshots at
// pruned versions are no longer readable, so this never runs implicitly.
func (t *Table) PruneLog(ctx context.Context) (int, error) {
	return t.gc.PruneLog(ctx, t.retention(ctx))
}

// retention resolves the table's vacuum horizon from its configuration.
func (t *Table) retention(ctx context.Context) time.Duration {
	snap, err := t.snaps.Latest(ctx)
	if err != nil {
		return MinRetention
	}
	raw, ok := snap.Metadata().Configuration[retentionKey]
	if !ok {
		return MinRetention
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		t.logger.Warn("ignoring invalid retention configuration", "value", raw)
		return MinRetention
	}
	return d
}

// maybeCheckpoint writes a checkpoint when version lands on the configured
// interval. Checkpoints are an optimization; failure is logged, never
// surfaced to the committer.
func (t *Table) maybeCheckpoint(ctx context.Context, version int64) {
	if t.checkpointInterval <= 0 || version <= 0 || version%t.checkpointInterval != 0 {
		return
	}
	snap, err := t.snaps.At(ctx, version)
	if err == nil {
		err = t.snaps.WriteCheckpoint(ctx, snap)
	}
	if err != nil {
		t.logger.Warn("checkpoint skipped", "version", version, "error", err)
		return
	}
	t.logger.Info("checkpoint written", "version", version)
}
