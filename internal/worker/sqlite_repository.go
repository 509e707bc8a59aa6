package worker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// v0.1 schema ledger: gates startup safety the same way the store it was
// grounded on does, one constant pair per migration.
const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "fleetcore-v1-session-workers"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// SQLiteRepository is a Repository backed by a local sqlite3 database,
// index-backed for the three sweeper queries per the persisted-state
// layout: (state, last_active_at), (state, stopped_at),
// (state, last_sync_status, last_sync_at).
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLiteRepository opens (creating if necessary) a sqlite3-backed
// repository at path, configures WAL + busy-timeout pragmas, and runs the
// schema migration ledger.
func OpenSQLiteRepository(path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// Session worker writes are infrequent and always serialized per
	// sessionId by the Manager above this layer; a single connection
	// avoids SQLITE_BUSY churn under WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &SQLiteRepository{db: db}
	ctx := context.Background()
	if err := r.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := r.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }

func (r *SQLiteRepository) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) initSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_workers (
			session_id                TEXT PRIMARY KEY,
			container_id              TEXT NOT NULL DEFAULT '',
			state                     TEXT NOT NULL,
			last_active_at            DATETIME NOT NULL,
			stopped_at                DATETIME,
			last_sync_at              DATETIME,
			last_sync_status          TEXT NOT NULL DEFAULT 'never',
			restore_plan_fingerprint  BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_session_workers_idle
			ON session_workers (state, last_active_at);
		CREATE INDEX IF NOT EXISTS idx_session_workers_stopped
			ON session_workers (state, stopped_at);
		CREATE INDEX IF NOT EXISTS idx_session_workers_sync
			ON session_workers (state, last_sync_status, last_sync_at);
	`); err != nil {
		return fmt.Errorf("create session_workers: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest,
	); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	return tx.Commit()
}

// Timestamps are stored UTC with millisecond precision per the persisted
// state layout.
func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (r *SQLiteRepository) FindBySessionID(ctx context.Context, sessionID string) (SessionWorker, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, container_id, state, last_active_at, stopped_at,
		       last_sync_at, last_sync_status, restore_plan_fingerprint
		FROM session_workers WHERE session_id = ?;
	`, sessionID)

	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return SessionWorker{}, false, nil
	}
	if err != nil {
		return SessionWorker{}, false, ErrStorageError(err)
	}
	return w, true, nil
}

func (r *SQLiteRepository) Save(ctx context.Context, w SessionWorker) error {
	var stoppedAt, lastSyncAt any
	if w.StoppedAt != nil {
		stoppedAt = toMillis(*w.StoppedAt)
	}
	if w.LastSyncAt != nil {
		lastSyncAt = toMillis(*w.LastSyncAt)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_workers
			(session_id, container_id, state, last_active_at, stopped_at,
			 last_sync_at, last_sync_status, restore_plan_fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			container_id = excluded.container_id,
			state = excluded.state,
			last_active_at = excluded.last_active_at,
			stopped_at = excluded.stopped_at,
			last_sync_at = excluded.last_sync_at,
			last_sync_status = excluded.last_sync_status,
			restore_plan_fingerprint = excluded.restore_plan_fingerprint;
	`, w.SessionID, w.ContainerID, string(w.State), toMillis(w.LastActiveAt), stoppedAt,
		lastSyncAt, string(w.LastSyncStatus), w.RestorePlanFingerprint)
	if err != nil {
		return ErrStorageError(err)
	}
	return nil
}

func (r *SQLiteRepository) ListIdleRunning(ctx context.Context, cutoff time.Time, limit int) ([]SessionWorker, error) {
	limit = clampLimit(limit)
	if limit == 0 {
		return []SessionWorker{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, container_id, state, last_active_at, stopped_at,
		       last_sync_at, last_sync_status, restore_plan_fingerprint
		FROM session_workers
		WHERE state = ? AND last_active_at < ?
		ORDER BY last_active_at ASC
		LIMIT ?;
	`, string(StateRunning), toMillis(cutoff), limit)
	if err != nil {
		return nil, ErrStorageError(err)
	}
	return scanWorkers(rows)
}

func (r *SQLiteRepository) ListLongStopped(ctx context.Context, cutoff time.Time, limit int) ([]SessionWorker, error) {
	limit = clampLimit(limit)
	if limit == 0 {
		return []SessionWorker{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, container_id, state, last_active_at, stopped_at,
		       last_sync_at, last_sync_status, restore_plan_fingerprint
		FROM session_workers
		WHERE state = ? AND stopped_at IS NOT NULL AND stopped_at < ?
		ORDER BY stopped_at ASC
		LIMIT ?;
	`, string(StateStopped), toMillis(cutoff), limit)
	if err != nil {
		return nil, ErrStorageError(err)
	}
	return scanWorkers(rows)
}

func (r *SQLiteRepository) ListStaleSyncCandidates(ctx context.Context, cutoff time.Time, limit int) ([]SessionWorker, error) {
	limit = clampLimit(limit)
	if limit == 0 {
		return []SessionWorker{}, nil
	}
	// NULL last_sync_at sorts first in SQLite's ASC ordering, matching the
	// "null treated as oldest" requirement without a CASE expression.
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, container_id, state, last_active_at, stopped_at,
		       last_sync_at, last_sync_status, restore_plan_fingerprint
		FROM session_workers
		WHERE state != ?
		  AND last_sync_status != ?
		  AND (last_sync_at IS NULL OR last_sync_at < ?)
		ORDER BY last_sync_at ASC
		LIMIT ?;
	`, string(StateDeleted), string(SyncRunning), toMillis(cutoff), limit)
	if err != nil {
		return nil, ErrStorageError(err)
	}
	return scanWorkers(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(row scanner) (SessionWorker, error) {
	var (
		w                      SessionWorker
		state, syncStatus      string
		lastActiveMs           int64
		stoppedMs, lastSyncMs  sql.NullInt64
	)
	if err := row.Scan(&w.SessionID, &w.ContainerID, &state, &lastActiveMs,
		&stoppedMs, &lastSyncMs, &syncStatus, &w.RestorePlanFingerprint); err != nil {
		return SessionWorker{}, err
	}
	w.State = State(state)
	w.LastSyncStatus = SyncStatus(syncStatus)
	w.LastActiveAt = fromMillis(lastActiveMs)
	if stoppedMs.Valid {
		t := fromMillis(stoppedMs.Int64)
		w.StoppedAt = &t
	}
	if lastSyncMs.Valid {
		t := fromMillis(lastSyncMs.Int64)
		w.LastSyncAt = &t
	}
	return w, nil
}

func scanWorkers(rows *sql.Rows) ([]SessionWorker, error) {
	defer rows.Close()
	out := []SessionWorker{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, ErrStorageError(err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrStorageError(err)
	}
	return out, nil
}
