package harness

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"github.com/roach88/silt"
)

// AssertionError is returned when an assertion fails. Expected and Actual
// are human-readable so the failure reads directly from the test log.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  actual: %s", e.Actual)
	return buf.String()
}

// AssertionContext carries the handles assertions inspect after a run.
type AssertionContext struct {
	Ctx   context.Context
	Table *silt.Table
	Store silt.Storage
}

// EvaluateAssertions checks every assertion against the final table state,
// returning one message per failure.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertVersion:
			err = assertVersion(actx, assertion)
		case AssertLiveFiles:
			err = assertLiveFiles(actx, assertion)
		case AssertTombstones:
			err = assertTombstones(actx, assertion)
		case AssertHistoryCount:
			err = assertHistoryCount(actx, assertion)
		case AssertHistoryOperations:
			err = assertHistoryOperations(actx, assertion)
		case AssertStorageContains:
			err = assertStorage(actx, assertion, true)
		case AssertStorageMissing:
			err = assertStorage(actx, assertion, false)
		default:
			err = fmt.Errorf("assertions[%d]: unknown assertion type %q", i, assertion.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func assertVersion(actx *AssertionContext, a Assertion) error {
	v, err := actx.Table.Version(actx.Ctx)
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}
	if v != a.Version {
		return &AssertionError{
			Type:     AssertVersion,
			Expected: fmt.Sprintf("version %d", a.Version),
			Actual:   fmt.Sprintf("version %d", v),
		}
	}
	return nil
}

func assertLiveFiles(actx *AssertionContext, a Assertion) error {
	snap, err := actx.Table.Snapshot(actx.Ctx)
	if err != nil {
		return fmt.Errorf("live_files: %w", err)
	}
	actual := make([]string, 0, snap.LiveCount())
	for _, f := range snap.LiveFiles() {
		actual = append(actual, f.Path)
	}
	expected := append([]string(nil), a.Paths...)
	slices.Sort(expected)
	if !slices.Equal(actual, expected) {
		return &AssertionError{
			Type:     AssertLiveFiles,
			Expected: fmt.Sprintf("live set %v", expected),
			Actual:   fmt.Sprintf("live set %v", actual),
		}
	}
	return nil
}

func assertTombstones(actx *AssertionContext, a Assertion) error {
	snap, err := actx.Table.Snapshot(actx.Ctx)
	if err != nil {
		return fmt.Errorf("tombstones: %w", err)
	}
	tombs := snap.Tombstones()
	actual := make([]string, 0, len(tombs))
	for _, r := range tombs {
		actual = append(actual, r.Path)
	}
	expected := append([]string(nil), a.Paths...)
	slices.Sort(expected)
	if !slices.Equal(actual, expected) {
		return &AssertionError{
			Type:     AssertTombstones,
			Expected: fmt.Sprintf("tombstones %v", expected),
			Actual:   fmt.Sprintf("tombstones %v", actual),
		}
	}
	return nil
}

func assertHistoryCount(actx *AssertionContext, a Assertion) error {
	commits, err := actx.Table.History(actx.Ctx, 0)
	if err != nil {
		return fmt.Errorf("history_count: %w", err)
	}
	if len(commits) != a.Count {
		return &AssertionError{
			Type:     AssertHistoryCount,
			Expected: fmt.Sprintf("%d readable commits", a.Count),
			Actual:   fmt.Sprintf("%d readable commits", len(commits)),
		}
	}
	return nil
}

func assertHistoryOperations(actx *AssertionContext, a Assertion) error {
	commits, err := actx.Table.History(actx.Ctx, 0)
	if err != nil {
		return fmt.Errorf("history_operations: %w", err)
	}
	actual := make([]string, len(commits))
	for i, ci := range commits {
		actual[i] = ci.Operation
	}
	if !slices.Equal(actual, a.Operations) {
		return &AssertionError{
			Type:     AssertHistoryOperations,
			Expected: fmt.Sprintf("operations newest first %v", a.Operations),
			Actual:   fmt.Sprintf("operations newest first %v", actual),
		}
	}
	return nil
}

// assertStorage checks physical presence for every path: wantPresent true
// is storage_contains, false is storage_missing.
func assertStorage(actx *AssertionContext, a Assertion, wantPresent bool) error {
	typ := AssertStorageContains
	if !wantPresent {
		typ = AssertStorageMissing
	}
	for _, path := range a.Paths {
		_, err := actx.Store.Read(actx.Ctx, path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: read %q: %w", typ, path, err)
		}
		present := err == nil
		if present == wantPresent {
			continue
		}
		state := func(p bool) string {
			if p {
				return "present on storage"
			}
			return "missing from storage"
		}
		return &AssertionError{
			Type:     typ,
			Expected: fmt.Sprintf("%s %s", path, state(wantPresent)),
			Actual:   state(present),
		}
	}
	return nil
}
