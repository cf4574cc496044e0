// Package harness runs table lifecycle scenarios described in YAML against
// the real public API and checks their traces and final state.
//
// A scenario creates a fresh table on in-memory storage, plays optional
// setup appends, then a flow of steps (append, delete, vacuum, checkpoint,
// prune_log), and ends with assertions over the final table. Each step
// records a TraceEvent; the trace is compared against golden files for
// regression coverage.
//
// # Determinism
//
// Scenarios run on a manual clock pinned to a fixed epoch and advanced only
// by explicit "advance" fields, and on a sequential id generator seeded from
// the scenario name. Two runs of the same scenario produce byte-identical
// traces, which is what golden comparison relies on. Trace events carry no
// wall-clock timestamps or generated ids for the same reason.
//
// # Scenario format
//
//	name: append_then_delete
//	description: A delete rewrites the matched file and spares the rest.
//	table:
//	  name: events
//	  partition_columns: [region]
//	setup:
//	  - append:
//	      - {path: eu-0.parquet, size: 100, partition: {region: eu}}
//	flow:
//	  - step: delete
//	    predicate: "region = 'eu'"
//	    match: [eu-0.parquet]
//	    rewrite:
//	      - {path: eu-1.parquet, size: 40, partition: {region: eu}}
//	    expect:
//	      version: 2
//	assertions:
//	  - type: live_files
//	    paths: [eu-1.parquet]
//
// Delete steps name their matched files explicitly: the harness stands in
// for a query engine, so "match" is the predicate evaluation. It is
// intersected with the live set on every planning pass, the same way a real
// engine re-evaluates after losing a conflict.
//
// # Assertions
//
//   - version: the latest committed version
//   - live_files: the exact live path set
//   - tombstones: the exact tombstone path set
//   - history_count: the number of readable commits
//   - history_operations: commit operation tags, newest first
//   - storage_contains / storage_missing: physical file presence
package harness
