package silt

import (
	"log/slog"
	"time"
)

// Option configures a Table handle at Create or Open.
type Option func(*Table)

// WithLogger sets the logger for the table and every component under it.
// If not set, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		t.logger = l
	}
}

// WithClock sets the wall clock used for commit timestamps and retention
// arithmetic. If not set, time.Now is used.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}

// WithLogStore overrides the transaction log backend. If not set, the log
// lives as files under the table root's _txn_log directory.
func WithLogStore(log LogStore) Option {
	return func(t *Table) {
		t.log = log
	}
}

// WithIDGenerator overrides the transaction id source. If not set, ids are
// time-sortable UUIDs.
func WithIDGenerator(gen IDGenerator) Option {
	return func(t *Table) {
		t.ids = gen
	}
}

// WithMaxCommitAttempts bounds the optimistic retry loop. If not set or
// <= 0, the coordinator default (10) is used.
func WithMaxCommitAttempts(n int) Option {
	return func(t *Table) {
		t.maxAttempts = n
	}
}

// WithCheckpointInterval sets how many versions apart automatic checkpoints
// are written. n <= 0 disables them; Checkpoint can still be called
// explicitly.
func WithCheckpointInterval(n int64) Option {
	return func(t *Table) {
		t.checkpointInterval = n
	}
}

// WithRetentionCheck enables or disables the vacuum horizon floor. It is
// enabled by default; disabling it lets Vacuum run with horizons short
// enough to break concurrent readers, so leave it on outside of tests.
func WithRetentionCheck(enabled bool) Option {
	return func(t *Table) {
		t.retentionCheck = enabled
	}
}
