package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines one table lifecycle test: the table to create, the steps
// to run against it, and the checks on the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file
	// and seeds the deterministic id generator.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Table is the metadata the scenario's table is created with.
	Table TableSpec `yaml:"table"`

	// Setup contains appends run before the main flow to establish
	// initial state. Setup steps must succeed.
	Setup []SetupStep `yaml:"setup,omitempty"`

	// Flow contains the main test flow, steps with expected outcomes.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final table state after the flow.
	Assertions []Assertion `yaml:"assertions"`
}

// TableSpec describes the table a scenario creates.
type TableSpec struct {
	// ID fixes the table identifier. Empty lets the scenario's id
	// generator assign one.
	ID string `yaml:"id,omitempty"`

	Name string `yaml:"name"`

	// Schema is the table's schema serialization, opaque to the core.
	Schema string `yaml:"schema,omitempty"`

	PartitionColumns []string `yaml:"partition_columns,omitempty"`

	// Configuration holds table settings such as "retention.duration".
	Configuration map[string]string `yaml:"configuration,omitempty"`

	// CheckpointInterval overrides the automatic checkpoint cadence.
	// Zero keeps the default; negative disables automatic checkpoints.
	CheckpointInterval int64 `yaml:"checkpoint_interval,omitempty"`
}

// FileSpec describes one data file a step commits. The harness writes the
// physical bytes before the commit that references them.
type FileSpec struct {
	Path string `yaml:"path"`

	// Size defaults to the path length when zero, so small scenarios can
	// omit it.
	Size int64 `yaml:"size,omitempty"`

	// Partition maps partition column to value.
	Partition map[string]string `yaml:"partition,omitempty"`

	Stats string `yaml:"stats,omitempty"`
}

// SetupStep seeds table state before the flow runs.
type SetupStep struct {
	// Append commits these files as one version.
	Append []FileSpec `yaml:"append"`
}

// FlowStep is one step of the main flow.
type FlowStep struct {
	// Step selects the operation: append, delete, vacuum, checkpoint,
	// or prune_log.
	Step string `yaml:"step"`

	// Advance moves the scenario clock forward before the step runs,
	// as a Go duration string.
	Advance string `yaml:"advance,omitempty"`

	// Files are the data files an append commits.
	Files []FileSpec `yaml:"files,omitempty"`

	// Predicate is the delete predicate, recorded in the commit's
	// operation parameters.
	Predicate string `yaml:"predicate,omitempty"`

	// Match lists the paths the predicate selects. The harness removes
	// their intersection with the live set on every planning pass. An
	// empty match is a legal zero-match delete.
	Match []string `yaml:"match,omitempty"`

	// Rewrite lists the replacement files a matching delete commits
	// alongside its tombstones.
	Rewrite []FileSpec `yaml:"rewrite,omitempty"`

	// Horizon overrides the vacuum or prune horizon, as a Go duration
	// string. Empty uses the table's configured retention.
	Horizon string `yaml:"horizon,omitempty"`

	// DryRun makes a vacuum report candidates without deleting.
	DryRun bool `yaml:"dry_run,omitempty"`

	// Expect validates the step outcome. Nil means the step must simply
	// not fail.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause pins the observable outcome of one step. Nil fields are not
// checked.
type ExpectClause struct {
	// Version is the version the step must commit.
	Version *int64 `yaml:"version,omitempty"`

	// Error is the error class the step must fail with. Empty means the
	// step must succeed.
	Error string `yaml:"error,omitempty"`

	// LiveCount is the size of the live set after the step.
	LiveCount *int `yaml:"live_count,omitempty"`

	// Candidates and Deleted pin a vacuum's reported file lists.
	Candidates []string `yaml:"candidates,omitempty"`
	Deleted    []string `yaml:"deleted,omitempty"`

	// Pruned is the number of log entries a prune_log must remove.
	Pruned *int `yaml:"pruned,omitempty"`
}

// Assertion validates final table state after the flow.
type Assertion struct {
	// Type selects the check: version, live_files, tombstones,
	// history_count, history_operations, storage_contains, or
	// storage_missing.
	Type string `yaml:"type"`

	// Paths is the expected path set (live_files, tombstones,
	// storage_contains, storage_missing).
	Paths []string `yaml:"paths,omitempty"`

	// Operations is the expected commit operation list, newest first
	// (history_operations).
	Operations []string `yaml:"operations,omitempty"`

	// Count is the expected number of readable commits (history_count).
	Count int `yaml:"count,omitempty"`

	// Version is the expected latest version (version).
	Version int64 `yaml:"version,omitempty"`
}

// Flow step names.
const (
	StepAppend     = "append"
	StepDelete     = "delete"
	StepVacuum     = "vacuum"
	StepCheckpoint = "checkpoint"
	StepPruneLog   = "prune_log"
)

// Assertion type names.
const (
	AssertVersion           = "version"
	AssertLiveFiles         = "live_files"
	AssertTombstones        = "tombstones"
	AssertHistoryCount      = "history_count"
	AssertHistoryOperations = "history_operations"
	AssertStorageContains   = "storage_contains"
	AssertStorageMissing    = "storage_missing"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected, so a typo fails the load instead of silently skipping a check.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Table.Name == "" {
		return fmt.Errorf("table.name is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if len(step.Append) == 0 {
			return fmt.Errorf("setup[%d]: append list must be non-empty", i)
		}
		if err := validateFiles(fmt.Sprintf("setup[%d].append", i), step.Append); err != nil {
			return err
		}
	}

	for i, step := range s.Flow {
		if err := validateFlowStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateFiles(where string, files []FileSpec) error {
	for i, f := range files {
		if f.Path == "" {
			return fmt.Errorf("%s[%d]: path is required", where, i)
		}
	}
	return nil
}

func validateFlowStep(index int, step *FlowStep) error {
	if step.Advance != "" {
		if _, err := time.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("flow[%d]: bad advance %q: %v", index, step.Advance, err)
		}
	}

	switch step.Step {
	case StepAppend:
		if len(step.Files) == 0 {
			return fmt.Errorf("flow[%d]: append requires files", index)
		}
		if err := validateFiles(fmt.Sprintf("flow[%d].files", index), step.Files); err != nil {
			return err
		}
	case StepDelete:
		if step.Predicate == "" {
			return fmt.Errorf("flow[%d]: delete requires a predicate", index)
		}
		if err := validateFiles(fmt.Sprintf("flow[%d].rewrite", index), step.Rewrite); err != nil {
			return err
		}
	case StepVacuum:
		if step.Horizon != "" {
			if _, err := time.ParseDuration(step.Horizon); err != nil {
				return fmt.Errorf("flow[%d]: bad horizon %q: %v", index, step.Horizon, err)
			}
		}
	case StepCheckpoint, StepPruneLog:
		// No step-specific fields.
	case "":
		return fmt.Errorf("flow[%d]: step is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown step %q", index, step.Step)
	}

	if step.Expect != nil && step.Expect.Error != "" && !errorClasses[step.Expect.Error] {
		return fmt.Errorf("flow[%d].expect: unknown error class %q", index, step.Expect.Error)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertVersion:
		// Version 0 is a legal expectation: a freshly created table.
	case AssertLiveFiles, AssertTombstones:
		if a.Paths == nil {
			return fmt.Errorf("assertions[%d]: paths is required for %s (use [] for none)", index, a.Type)
		}
	case AssertStorageContains, AssertStorageMissing:
		if len(a.Paths) == 0 {
			return fmt.Errorf("assertions[%d]: paths list is required for %s", index, a.Type)
		}
	case AssertHistoryCount:
		if a.Count <= 0 {
			return fmt.Errorf("assertions[%d]: count must be positive for history_count", index)
		}
	case AssertHistoryOperations:
		if len(a.Operations) == 0 {
			return fmt.Errorf("assertions[%d]: operations list is required for history_operations", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
