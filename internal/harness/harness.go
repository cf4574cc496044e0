package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/silt"
	"github.com/roach88/silt/internal/testutil"
)

// scenarioEpoch anchors every scenario clock. Commit timestamps derive from
// it plus the flow's advance fields, never from the wall clock.
var scenarioEpoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// Harness executes one scenario against a live table handle.
type Harness struct {
	tbl    *silt.Table
	store  *silt.MemoryStorage
	clock  *testutil.ManualClock
	logger *slog.Logger
}

// Run executes a scenario and returns its result.
//
// Each scenario runs on a fresh in-memory store for isolation, with a
// deterministic clock and id generator. Expect and assertion failures land
// in the result; the error return covers only harness-level problems such
// as a setup step failing or storage misbehaving.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	store := silt.NewMemoryStorage()
	clock := testutil.NewManualClock(scenarioEpoch)
	ids := testutil.NewSequenceGenerator(scenario.Name)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts := []silt.Option{
		silt.WithLogger(logger),
		silt.WithClock(clock.Now),
		silt.WithIDGenerator(ids),
	}
	if scenario.Table.CheckpointInterval != 0 {
		opts = append(opts, silt.WithCheckpointInterval(scenario.Table.CheckpointInterval))
	}
	tbl, err := silt.Create(ctx, store, scenario.Table.metadata(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}

	h := &Harness{tbl: tbl, store: store, clock: clock, logger: logger}
	result := NewResult()

	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("flow: %w", err)
	}

	actx := &AssertionContext{Ctx: ctx, Table: tbl, Store: store}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (ts TableSpec) metadata() silt.Metadata {
	return silt.Metadata{
		ID:               ts.ID,
		Name:             ts.Name,
		SchemaString:     ts.Schema,
		PartitionColumns: ts.PartitionColumns,
		Configuration:    ts.Configuration,
	}
}

// add builds the commit action for this file. Sizes default to the path
// length so scenarios can omit them.
func (f FileSpec) add(now time.Time) silt.AddFile {
	size := f.Size
	if size == 0 {
		size = int64(len(f.Path))
	}
	return silt.AddFile{
		Path:             f.Path,
		PartitionValues:  f.Partition,
		Size:             size,
		ModificationTime: now.UnixMilli(),
		Stats:            f.Stats,
	}
}

// executeSetup runs the setup appends. Setup establishes the fixture, so
// any failure aborts the scenario rather than recording a result error.
func (h *Harness) executeSetup(ctx context.Context, setup []SetupStep, result *Result) error {
	for i, step := range setup {
		ev, err := h.appendStep(ctx, step.Append)
		if err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if ev.Error != "" {
			return fmt.Errorf("setup[%d]: append failed: %s", i, ev.Error)
		}
		result.AddStep(ev)
	}
	return nil
}

// executeFlow runs the main steps, tracing each and checking its expect
// clause. Domain errors (conflicts, retention rejections) are classified
// into the trace; only harness-level failures abort the run.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		if step.Advance != "" {
			d, err := time.ParseDuration(step.Advance)
			if err != nil {
				return fmt.Errorf("flow[%d]: bad advance: %w", i, err)
			}
			h.clock.Advance(d)
		}

		var ev TraceEvent
		var err error
		switch step.Step {
		case StepAppend:
			ev, err = h.appendStep(ctx, step.Files)
		case StepDelete:
			ev, err = h.deleteStep(ctx, step)
		case StepVacuum:
			ev, err = h.vacuumStep(ctx, step)
		case StepCheckpoint:
			ev, err = h.checkpointStep(ctx)
		case StepPruneLog:
			ev, err = h.pruneStep(ctx)
		default:
			err = fmt.Errorf("unknown step %q", step.Step)
		}
		if err != nil {
			return fmt.Errorf("flow[%d] %s: %w", i, step.Step, err)
		}

		result.AddStep(ev)
		checkExpect(i, step, ev, result)

		h.logger.Info("flow step complete",
			"index", i,
			"step", step.Step,
			"version", ev.Version,
			"error", ev.Error,
		)
	}
	return nil
}

func (h *Harness) appendStep(ctx context.Context, files []FileSpec) (TraceEvent, error) {
	ev := TraceEvent{Step: StepAppend}
	adds := make([]silt.AddFile, len(files))
	for i, f := range files {
		if err := h.putData(ctx, f.Path); err != nil {
			return ev, err
		}
		adds[i] = f.add(h.clock.Now())
		ev.Files = append(ev.Files, f.Path)
	}

	version, err := h.tbl.Append(ctx, adds)
	if err != nil {
		ev.Error = errorClass(err)
	} else {
		ev.Version = version
	}
	return h.stampLive(ctx, ev)
}

func (h *Harness) deleteStep(ctx context.Context, step FlowStep) (TraceEvent, error) {
	ev := TraceEvent{Step: StepDelete, Predicate: step.Predicate}
	for _, f := range step.Rewrite {
		if err := h.putData(ctx, f.Path); err != nil {
			return ev, err
		}
	}

	match := make(map[string]bool, len(step.Match))
	for _, p := range step.Match {
		match[p] = true
	}
	eval := func(ctx context.Context, snap *silt.Snapshot, predicate string) ([]string, []silt.AddFile, error) {
		var removes []string
		for _, a := range snap.LiveFiles() {
			if match[a.Path] {
				removes = append(removes, a.Path)
			}
		}
		var adds []silt.AddFile
		if len(removes) > 0 {
			adds = make([]silt.AddFile, len(step.Rewrite))
			for i, f := range step.Rewrite {
				adds[i] = f.add(h.clock.Now())
			}
		}
		return removes, adds, nil
	}

	version, err := h.tbl.Delete(ctx, step.Predicate, eval)
	if err != nil {
		ev.Error = errorClass(err)
	} else {
		ev.Version = version
	}
	return h.stampLive(ctx, ev)
}

func (h *Harness) vacuumStep(ctx context.Context, step FlowStep) (TraceEvent, error) {
	ev := TraceEvent{Step: StepVacuum}
	var horizon time.Duration
	if step.Horizon != "" {
		d, err := time.ParseDuration(step.Horizon)
		if err != nil {
			return ev, fmt.Errorf("bad horizon: %w", err)
		}
		horizon = d
	}

	res, err := h.tbl.Vacuum(ctx, horizon, step.DryRun)
	if err != nil {
		ev.Error = errorClass(err)
	} else {
		ev.Candidates = res.Candidates
		ev.Deleted = res.Deleted
	}
	return h.stampLive(ctx, ev)
}

func (h *Harness) checkpointStep(ctx context.Context) (TraceEvent, error) {
	ev := TraceEvent{Step: StepCheckpoint}
	version, err := h.tbl.Checkpoint(ctx)
	if err != nil {
		ev.Error = errorClass(err)
	} else {
		ev.Version = version
	}
	return h.stampLive(ctx, ev)
}

func (h *Harness) pruneStep(ctx context.Context) (TraceEvent, error) {
	ev := TraceEvent{Step: StepPruneLog}
	n, err := h.tbl.PruneLog(ctx)
	if err != nil {
		ev.Error = errorClass(err)
	} else {
		ev.Pruned = n
	}
	return h.stampLive(ctx, ev)
}

// putData writes the physical bytes a commit will reference. Files land on
// storage before the commit that references them, the protocol real writers
// follow, with their modtime pinned to the scenario clock so vacuum's
// in-flight guard sees scenario time.
func (h *Harness) putData(ctx context.Context, path string) error {
	if err := h.store.Put(ctx, path, []byte("data:"+path)); err != nil {
		return fmt.Errorf("write data file %q: %w", path, err)
	}
	h.store.SetModTime(path, h.clock.Now())
	return nil
}

// stampLive fills in the post-step live count, the one field every trace
// event carries.
func (h *Harness) stampLive(ctx context.Context, ev TraceEvent) (TraceEvent, error) {
	snap, err := h.tbl.Snapshot(ctx)
	if err != nil {
		return ev, fmt.Errorf("read snapshot: %w", err)
	}
	ev.LiveCount = snap.LiveCount()
	return ev, nil
}

// checkExpect validates a step's trace event against its expect clause.
func checkExpect(index int, step FlowStep, ev TraceEvent, result *Result) {
	exp := step.Expect
	if exp == nil {
		if ev.Error != "" {
			result.AddError(fmt.Sprintf("flow[%d] %s: unexpected error: %s", index, step.Step, ev.Error))
		}
		return
	}

	if ev.Error != exp.Error {
		want := exp.Error
		if want == "" {
			want = "no error"
		}
		got := ev.Error
		if got == "" {
			got = "no error"
		}
		result.AddError(fmt.Sprintf("flow[%d] %s: expected %s, got %s", index, step.Step, want, got))
	}
	if exp.Version != nil && ev.Version != *exp.Version {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected version %d, got %d", index, step.Step, *exp.Version, ev.Version))
	}
	if exp.LiveCount != nil && ev.LiveCount != *exp.LiveCount {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected %d live files, got %d", index, step.Step, *exp.LiveCount, ev.LiveCount))
	}
	if exp.Candidates != nil && !slices.Equal(ev.Candidates, exp.Candidates) {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected candidates %v, got %v", index, step.Step, exp.Candidates, ev.Candidates))
	}
	if exp.Deleted != nil && !slices.Equal(ev.Deleted, exp.Deleted) {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected deleted %v, got %v", index, step.Step, exp.Deleted, ev.Deleted))
	}
	if exp.Pruned != nil && ev.Pruned != *exp.Pruned {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected %d pruned entries, got %d", index, step.Step, *exp.Pruned, ev.Pruned))
	}
}

// errorClasses are the names expect clauses may match on.
var errorClasses = map[string]bool{
	"aborted":             true,
	"conflict":            true,
	"snapshot_expired":    true,
	"version_not_found":   true,
	"retention_too_short": true,
	"table_exists":        true,
	"table_not_found":     true,
}

// errorClass folds an operation error into a stable class name. An abort
// wraps its final conflict, so it is matched first. Unclassified errors
// surface verbatim to keep expect mismatches readable.
func errorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, silt.ErrAborted):
		return "aborted"
	case errors.Is(err, silt.ErrConflict):
		return "conflict"
	case errors.Is(err, silt.ErrSnapshotExpired):
		return "snapshot_expired"
	case errors.Is(err, silt.ErrVersionNotFound):
		return "version_not_found"
	case errors.Is(err, silt.ErrRetentionTooShort):
		return "retention_too_short"
	case errors.Is(err, silt.ErrTableExists):
		return "table_exists"
	case errors.Is(err, silt.ErrTableNotFound):
		return "table_not_found"
	default:
		return err.Error()
	}
}
