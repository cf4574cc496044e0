package logstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/silt/internal/action"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema (log_entries + checkpoints)
const currentSchemaVersion = 1

// SQLiteStore keeps the transaction log in a single SQLite database.
// It exists for table roots whose storage offers no atomic create-if-absent
// primitive; the version PRIMARY KEY provides the conditional append.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the log database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1) // Single writer to avoid SQLITE_BUSY errors
	db.SetMaxIdleConns(1) // Keep one connection ready

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, version int64, actions []action.Action) error {
	data, err := action.EncodeEntry(actions)
	if err != nil {
		return fmt.Errorf("append version %d: %w", version, err)
	}

	// ON CONFLICT DO NOTHING makes the insert a conditional append: when the
	// version row already exists, RowsAffected reports zero and nothing is
	// written.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO log_entries (version, actions, committed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(version) DO NOTHING
	`, version, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append version %d: %w", version, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append version %d: rows affected: %w", version, err)
	}
	if affected == 0 {
		return fmt.Errorf("append version %d: %w", version, ErrVersionExists)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, version int64) ([]action.Action, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT actions FROM log_entries WHERE version = ?
	`, version).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read version %d: %w", version, ErrVersionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read version %d: %w", version, err)
	}

	actions, err := action.DecodeEntry([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("read version %d: %w", version, err)
	}
	return actions, nil
}

func (s *SQLiteStore) LatestVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), -1) FROM log_entries
	`).Scan(&v)
	if err != nil {
		return -1, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) EarliestVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(version), -1) FROM log_entries
	`).Scan(&v)
	if err != nil {
		return -1, fmt.Errorf("earliest version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var (
		version int64
		raw     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, actions FROM checkpoints
		ORDER BY version DESC LIMIT 1
	`).Scan(&version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}

	actions, err := action.DecodeEntry([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", version, err)
	}
	return &Checkpoint{Version: version, Actions: actions}, nil
}

func (s *SQLiteStore) WriteCheckpoint(ctx context.Context, cp *Checkpoint) error {
	data, err := action.EncodeEntry(cp.Actions)
	if err != nil {
		return fmt.Errorf("write checkpoint %d: %w", cp.Version, err)
	}

	// Checkpoints are deterministic folds, so rewriting an existing version
	// can only produce identical content; DO NOTHING keeps it idempotent.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (version, actions, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(version) DO NOTHING
	`, cp.Version, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write checkpoint %d: %w", cp.Version, err)
	}
	return nil
}

func (s *SQLiteStore) PruneBelow(ctx context.Context, version int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM log_entries WHERE version < ?
	`, version)
	if err != nil {
		return 0, fmt.Errorf("prune below %d: %w", version, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune below %d: rows affected: %w", version, err)
	}
	return int(affected), nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and stamps user_version.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	return nil
}
