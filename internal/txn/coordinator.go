package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/silt/internal/action"
	"github.com/roach88/silt/internal/backoff"
	"github.com/roach88/silt/internal/logstore"
	"github.com/roach88/silt/internal/metrics"
	"github.com/roach88/silt/internal/snapshot"
)

// DefaultMaxAttempts bounds the commit retry loop. Ten attempts with
// exponential backoff rides out realistic write contention without letting
// a hot table turn into a retry storm.
const DefaultMaxAttempts = 10

const (
	defaultBackoffBase = 20 * time.Millisecond
	defaultBackoffCap  = 2 * time.Second
)

// Config carries coordinator tuning. The zero value selects defaults.
type Config struct {
	// MaxAttempts bounds commit retries. Defaults to DefaultMaxAttempts.
	MaxAttempts int

	// Now supplies commit timestamps. Defaults to time.Now.
	Now func() time.Time

	// Logger receives commit lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger

	// BackoffBase and BackoffCap shape the jittered delay between attempts.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Coordinator drives transactions through conflict detection and the
// conditional append. It holds no per-transaction state and is safe for
// concurrent use.
type Coordinator struct {
	log   logstore.LogStore
	snaps *snapshot.Builder

	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewCoordinator returns a Coordinator over the given log. The snapshot
// builder is used to replan conflicted transactions against fresh state.
func NewCoordinator(log logstore.LogStore, snaps *snapshot.Builder, cfg Config) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	return &Coordinator{
		log:         log,
		snaps:       snaps,
		maxAttempts: cfg.MaxAttempts,
		now:         cfg.Now,
		logger:      cfg.Logger.With("component", "commit"),
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
	}
}

// Commit drives the transaction to a committed version or a terminal error.
//
// Each attempt re-reads the tip, validates the gap since the transaction's
// read version, and claims tip+1 with a conditional append. Losing the
// append race costs a jittered backoff and another attempt. A detected
// conflict replans through the transaction's OnConflict hook when one is
// registered, otherwise surfaces as a ConflictError. Exhausting the budget
// returns an AbortError.
//
// Nothing is written until the append succeeds, so cancelling ctx at any
// retry boundary abandons the transaction without side effects.
func (c *Coordinator) Commit(ctx context.Context, tx *Transaction) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.CommitDuration.Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.CommitRetries.Inc()
			if err := backoff.Sleep(ctx, attempt-1, c.backoffBase, c.backoffCap); err != nil {
				return -1, err
			}
		}
		if err := ctx.Err(); err != nil {
			return -1, err
		}

		tip, err := c.log.LatestVersion(ctx)
		if err != nil {
			return -1, fmt.Errorf("commit: %w", err)
		}

		if tip > tx.readVersion {
			if err := c.checkConflicts(ctx, tx, tip); err != nil {
				var conflict *ConflictError
				if !errors.As(err, &conflict) {
					return -1, err
				}
				metrics.ConflictsTotal.WithLabelValues(string(conflict.Reason)).Inc()
				if tx.recompute == nil {
					return -1, conflict
				}
				if err := c.replan(ctx, tx, tip, conflict); err != nil {
					return -1, err
				}
				lastErr = conflict
				continue
			}
		}

		target := tip + 1
		err = c.log.Append(ctx, target, tx.entry(c.now()))
		if err == nil {
			c.logger.Info("transaction committed",
				"txn", tx.id,
				"operation", tx.operation,
				"version", target,
				"read_version", tx.readVersion,
				"attempts", attempt+1)
			metrics.CommitsTotal.WithLabelValues(tx.operation).Inc()
			return target, nil
		}
		if errors.Is(err, logstore.ErrVersionExists) {
			c.logger.Debug("lost version race", "txn", tx.id, "version", target)
			lastErr = err
			continue
		}

		// The append outcome is unknown: the entry may have landed before
		// the failure. Re-read the target and look for our own commit
		// record before giving up.
		if committed, checkErr := c.ownCommit(ctx, target, tx.id); checkErr == nil && committed {
			c.logger.Warn("append reported failure but committed",
				"txn", tx.id, "version", target, "error", err)
			metrics.CommitsTotal.WithLabelValues(tx.operation).Inc()
			return target, nil
		}
		return -1, fmt.Errorf("commit version %d: %w", target, err)
	}

	metrics.AbortsTotal.Inc()
	c.logger.Warn("transaction aborted",
		"txn", tx.id, "operation", tx.operation, "attempts", c.maxAttempts)
	return -1, &AbortError{Attempts: c.maxAttempts, Cause: lastErr}
}

// replan rebuilds the transaction's footprint against the snapshot at tip.
func (c *Coordinator) replan(ctx context.Context, tx *Transaction, tip int64, conflict *ConflictError) error {
	snap, err := c.snaps.At(ctx, tip)
	if err != nil {
		if errors.Is(err, logstore.ErrVersionNotFound) {
			return fmt.Errorf("replan transaction %s: %w", tx.id, ErrSnapshotExpired)
		}
		return fmt.Errorf("replan transaction %s: %w", tx.id, err)
	}
	tx.Reset()
	if err := tx.recompute(ctx, snap); err != nil {
		return fmt.Errorf("recompute after %s: %w", conflict.Reason, err)
	}
	tx.readVersion = snap.Version()
	c.logger.Debug("replanned after conflict",
		"txn", tx.id, "reason", string(conflict.Reason), "read_version", tx.readVersion)
	return nil
}

// ownCommit reports whether the entry at version carries the transaction's
// id, meaning an append whose response was lost actually landed.
func (c *Coordinator) ownCommit(ctx context.Context, version int64, txnID string) (bool, error) {
	actions, err := c.log.Read(ctx, version)
	if err != nil {
		return false, err
	}
	for _, a := range actions {
		if ci, ok := a.(action.CommitInfo); ok && ci.TxnID == txnID {
			return true, nil
		}
	}
	return false, nil
}
