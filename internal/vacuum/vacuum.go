// Package vacuum retires data files that no retained table version can
// reach. Deleting a file is irreversible, so every rule here errs toward
// keeping: unknown timestamps retain, young files retain, and the retention
// horizon has a guarded floor.
package vacuum

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/silt/internal/action"
	"github.com/roach88/silt/internal/logstore"
	"github.com/roach88/silt/internal/metrics"
	"github.com/roach88/silt/internal/snapshot"
	"github.com/roach88/silt/internal/storage"
)

// MinRetention is the shortest horizon Run accepts unless the retention
// check is disabled. A week covers long-running readers that planned
// against an old snapshot and are still streaming its files.
const MinRetention = 7 * 24 * time.Hour

const defaultParallelism = 8

// ErrRetentionTooShort reports a horizon below the configured minimum.
var ErrRetentionTooShort = errors.New("retention horizon too short")

// Failure records one data file the collector could not delete.
type Failure struct {
	Path string
	Err  error
}

// Result reports one collection pass. Candidates is everything eligible for
// deletion; Deleted and Failures partition the candidates actually attempted
// (both empty on a dry run).
type Result struct {
	// CutoffVersion is the newest version whose commit time is older than
	// the horizon, -1 when every version is inside the horizon. Versions
	// above the cutoff stay fully reconstructible after the pass.
	CutoffVersion int64

	Candidates []string
	Deleted    []string
	Failures   []Failure
}

// Config carries collector tuning. The zero value selects defaults.
type Config struct {
	// Now supplies the reference time for the horizon. Defaults to time.Now.
	Now func() time.Time

	// Logger receives per-file and summary events. Defaults to slog.Default().
	Logger *slog.Logger

	// Parallelism bounds concurrent deletes. Defaults to 8.
	Parallelism int

	// MinRetention overrides the horizon floor. Defaults to MinRetention.
	MinRetention time.Duration

	// DisableRetentionCheck skips the horizon floor entirely. Meant for
	// tests and for operators who have verified no reader needs the window.
	DisableRetentionCheck bool
}

// Collector scans a table root for unreachable data files and deletes them.
// It is safe for concurrent use, though concurrent passes over the same
// table just race politely for the same deletes.
type Collector struct {
	store storage.Storage
	log   logstore.LogStore
	snaps *snapshot.Builder

	now          func() time.Time
	logger       *slog.Logger
	parallelism  int
	minRetention time.Duration
	checkFloor   bool
}

// NewCollector returns a Collector over the given table root and log.
func NewCollector(store storage.Storage, log logstore.LogStore, snaps *snapshot.Builder, cfg Config) *Collector {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.MinRetention <= 0 {
		cfg.MinRetention = MinRetention
	}
	return &Collector{
		store:        store,
		log:          log,
		snaps:        snaps,
		now:          cfg.Now,
		logger:       cfg.Logger.With("component", "vacuum"),
		parallelism:  cfg.Parallelism,
		minRetention: cfg.MinRetention,
		checkFloor:   !cfg.DisableRetentionCheck,
	}
}

// Run performs one collection pass. A file is a candidate when no snapshot
// at or above the cutoff version references it, no tombstone inside the
// horizon names it, and its modification time is older than the horizon
// (a file younger than that may belong to a commit still in flight).
//
// With dryRun set, Run reports candidates and deletes nothing. Otherwise
// deletes run concurrently and best-effort: failures are collected in the
// result, never returned as the call's error.
func (c *Collector) Run(ctx context.Context, horizon time.Duration, dryRun bool) (*Result, error) {
	if err := c.checkHorizon(horizon); err != nil {
		return nil, err
	}
	cutoffTime := c.now().Add(-horizon)

	res := &Result{
		CutoffVersion: -1,
		Candidates:    []string{},
		Deleted:       []string{},
		Failures:      []Failure{},
	}

	latest, err := c.log.LatestVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("vacuum: read log tip: %w", err)
	}
	if latest < 0 {
		// No log, no table. Any files present are not ours to judge.
		return res, nil
	}

	cutoff, earliest, err := c.cutoffVersion(ctx, latest, cutoffTime)
	if err != nil {
		return nil, err
	}
	res.CutoffVersion = cutoff

	referenced, err := c.referencedPaths(ctx, cutoff, earliest, latest, cutoffTime)
	if err != nil {
		return nil, err
	}

	files, err := c.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("vacuum: list table root: %w", err)
	}
	for _, fi := range files {
		if strings.HasPrefix(fi.Path, logstore.LogDir+"/") {
			continue
		}
		if _, ok := referenced[fi.Path]; ok {
			continue
		}
		if !fi.ModTime.Before(cutoffTime) {
			continue
		}
		res.Candidates = append(res.Candidates, fi.Path)
	}

	if !dryRun {
		c.deleteAll(ctx, res)
	}

	c.logger.Info("vacuum pass complete",
		"cutoffVersion", res.CutoffVersion,
		"candidates", len(res.Candidates),
		"deleted", len(res.Deleted),
		"failures", len(res.Failures),
		"dryRun", dryRun)
	return res, nil
}

// PruneLog drops log entries already covered by a checkpoint, once the
// retention cutoff has moved past it. Pruned versions remain reconstructible
// through the checkpoint; versions below it that were never checkpointed
// become unreadable, which is why pruning only ever runs on explicit call.
// It returns the number of entries removed.
func (c *Collector) PruneLog(ctx context.Context, horizon time.Duration) (int, error) {
	if err := c.checkHorizon(horizon); err != nil {
		return 0, err
	}
	cp, err := c.log.LatestCheckpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("vacuum: read checkpoint: %w", err)
	}
	if cp == nil {
		return 0, nil
	}
	latest, err := c.log.LatestVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("vacuum: read log tip: %w", err)
	}
	if latest < 0 {
		return 0, nil
	}
	cutoff, _, err := c.cutoffVersion(ctx, latest, c.now().Add(-horizon))
	if err != nil {
		return 0, err
	}
	if cutoff < cp.Version {
		return 0, nil
	}
	n, err := c.log.PruneBelow(ctx, cp.Version)
	if err != nil {
		return n, fmt.Errorf("vacuum: prune log below %d: %w", cp.Version, err)
	}
	if n > 0 {
		c.logger.Info("log pruned", "belowVersion", cp.Version, "entries", n)
	}
	return n, nil
}

func (c *Collector) checkHorizon(horizon time.Duration) error {
	if c.checkFloor && horizon < c.minRetention {
		return fmt.Errorf("%w: %s is below the %s minimum", ErrRetentionTooShort, horizon, c.minRetention)
	}
	return nil
}

// cutoffVersion scans commit timestamps for the newest version older than
// cutoffTime. Entries without a commit record have no known age and never
// advance the cutoff. It also returns the earliest readable version so
// callers scan the log only once for bounds.
func (c *Collector) cutoffVersion(ctx context.Context, latest int64, cutoffTime time.Time) (cutoff, earliest int64, err error) {
	earliest, err = c.log.EarliestVersion(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("vacuum: read log floor: %w", err)
	}
	cutoff = -1
	cutoffMillis := cutoffTime.UnixMilli()
	for v := earliest; v <= latest; v++ {
		actions, err := c.log.Read(ctx, v)
		if err != nil {
			return 0, 0, fmt.Errorf("vacuum: read version %d: %w", v, err)
		}
		for _, a := range actions {
			if ci, ok := a.(action.CommitInfo); ok && ci.Timestamp < cutoffMillis {
				cutoff = v
			}
		}
	}
	return cutoff, earliest, nil
}

// referencedPaths returns every data file path some retained version can
// reach: the live set at the cutoff boundary, every add after it, and every
// tombstone still inside the horizon.
func (c *Collector) referencedPaths(ctx context.Context, cutoff, earliest, latest int64, cutoffTime time.Time) (map[string]struct{}, error) {
	// The boundary snapshot is the cutoff, or the oldest still-readable
	// version when nothing has aged out of the horizon yet.
	start := cutoff
	if start < earliest {
		start = earliest
	}
	snap, err := c.snaps.At(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("vacuum: snapshot at %d: %w", start, err)
	}

	graceMillis := cutoffTime.UnixMilli()
	referenced := make(map[string]struct{}, snap.LiveCount())
	for _, a := range snap.LiveFiles() {
		referenced[a.Path] = struct{}{}
	}
	for _, r := range snap.Tombstones() {
		if r.DeletionTimestamp >= graceMillis {
			referenced[r.Path] = struct{}{}
		}
	}
	for v := start + 1; v <= latest; v++ {
		actions, err := c.log.Read(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("vacuum: read version %d: %w", v, err)
		}
		for _, a := range actions {
			switch act := a.(type) {
			case action.Add:
				referenced[act.Path] = struct{}{}
			case action.Remove:
				if act.DeletionTimestamp >= graceMillis {
					referenced[act.Path] = struct{}{}
				}
			}
		}
	}
	return referenced, nil
}

// deleteAll removes the result's candidates with bounded concurrency,
// recording each outcome. A file already gone counts as deleted.
func (c *Collector) deleteAll(ctx context.Context, res *Result) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, path := range res.Candidates {
		g.Go(func() error {
			err := c.store.Delete(gctx, path)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				metrics.VacuumFailures.Inc()
				c.logger.Warn("delete failed", "path", path, "error", err)
				mu.Lock()
				res.Failures = append(res.Failures, Failure{Path: path, Err: err})
				mu.Unlock()
				return nil
			}
			metrics.VacuumDeleted.Inc()
			mu.Lock()
			res.Deleted = append(res.Deleted, path)
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait just joins them.
	_ = g.Wait()

	sort.Strings(res.Deleted)
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Path < res.Failures[j].Path })
}
