package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRepository provides SQLite-backed session worker storage.
type SQLiteRepository struct {
	db *sqlx.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the session_workers table and the sweep indexes.
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_workers (
		session_id TEXT PRIMARY KEY,
		container_id TEXT DEFAULT '',
		state TEXT NOT NULL,
		last_active_at DATETIME NOT NULL,
		stopped_at DATETIME,
		last_sync_at DATETIME,
		last_sync_status TEXT NOT NULL DEFAULT 'never',
		restore_plan_fingerprint BLOB,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workers_state_last_active ON session_workers(state, last_active_at);
	CREATE INDEX IF NOT EXISTS idx_workers_state_stopped ON session_workers(state, stopped_at);
	CREATE INDEX IF NOT EXISTS idx_workers_state_sync ON session_workers(state, last_sync_status, last_sync_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// workerRow is the scan target for session_workers rows.
type workerRow struct {
	SessionID      string       `db:"session_id"`
	ContainerID    string       `db:"container_id"`
	State          string       `db:"state"`
	LastActiveAt   time.Time    `db:"last_active_at"`
	StoppedAt      sql.NullTime `db:"stopped_at"`
	LastSyncAt     sql.NullTime `db:"last_sync_at"`
	LastSyncStatus string       `db:"last_sync_status"`
	Fingerprint    []byte       `db:"restore_plan_fingerprint"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (row *workerRow) toWorker() *SessionWorker {
	w := &SessionWorker{
		SessionID:      row.SessionID,
		ContainerID:    row.ContainerID,
		State:          State(row.State),
		LastActiveAt:   row.LastActiveAt.UTC(),
		LastSyncStatus: SyncStatus(row.LastSyncStatus),
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
	if row.StoppedAt.Valid {
		t := row.StoppedAt.Time.UTC()
		w.StoppedAt = &t
	}
	if row.LastSyncAt.Valid {
		t := row.LastSyncAt.Time.UTC()
		w.LastSyncAt = &t
	}
	copy(w.RestorePlanFingerprint[:], row.Fingerprint)
	return w
}

const workerColumns = `session_id, container_id, state, last_active_at, stopped_at, last_sync_at, last_sync_status, restore_plan_fingerprint, created_at, updated_at`

// FindBySessionID retrieves a worker record by session id.
func (r *SQLiteRepository) FindBySessionID(ctx context.Context, sessionID string) (*SessionWorker, error) {
	var row workerRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+workerColumns+` FROM session_workers WHERE session_id = ?
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toWorker(), nil
}

// Save upserts a worker record, last writer wins.
func (r *SQLiteRepository) Save(ctx context.Context, w *SessionWorker) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			container_id = excluded.container_id,
			state = excluded.state,
			last_active_at = excluded.last_active_at,
			stopped_at = excluded.stopped_at,
			last_sync_at = excluded.last_sync_at,
			last_sync_status = excluded.last_sync_status,
			restore_plan_fingerprint = excluded.restore_plan_fingerprint,
			updated_at = excluded.updated_at
	`, w.SessionID, w.ContainerID, string(w.State), w.LastActiveAt.UTC(),
		nullTime(w.StoppedAt), nullTime(w.LastSyncAt), string(w.LastSyncStatus),
		w.RestorePlanFingerprint[:], createdAt, now)

	return err
}

// List returns all records ordered by session id.
func (r *SQLiteRepository) List(ctx context.Context) ([]*SessionWorker, error) {
	return r.list(ctx, `
		SELECT `+workerColumns+` FROM session_workers ORDER BY session_id ASC
	`)
}

// ListIdleRunning returns running workers idle since before cutoff.
func (r *SQLiteRepository) ListIdleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error) {
	return r.list(ctx, `
		SELECT `+workerColumns+` FROM session_workers
		WHERE state = ? AND last_active_at < ?
		ORDER BY last_active_at ASC LIMIT ?
	`, string(StateRunning), cutoff.UTC(), capLimit(limit))
}

// ListLongStopped returns stopped workers stopped before cutoff.
func (r *SQLiteRepository) ListLongStopped(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error) {
	return r.list(ctx, `
		SELECT `+workerColumns+` FROM session_workers
		WHERE state = ? AND stopped_at IS NOT NULL AND stopped_at < ?
		ORDER BY stopped_at ASC LIMIT ?
	`, string(StateStopped), cutoff.UTC(), capLimit(limit))
}

// ListStaleSyncCandidates returns non-deleted workers with a stale sync;
// never-synced workers sort oldest.
func (r *SQLiteRepository) ListStaleSyncCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error) {
	return r.list(ctx, `
		SELECT `+workerColumns+` FROM session_workers
		WHERE state != ? AND last_sync_status != ?
			AND (last_sync_at IS NULL OR last_sync_at < ?)
		ORDER BY COALESCE(last_sync_at, '0001-01-01') ASC LIMIT ?
	`, string(StateDeleted), string(SyncRunning), cutoff.UTC(), capLimit(limit))
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*SessionWorker, error) {
	var rows []workerRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	workers := make([]*SessionWorker, 0, len(rows))
	for i := range rows {
		workers = append(workers, rows[i].toWorker())
	}
	return workers, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func capLimit(limit int) int {
	if limit < 0 {
		return 0
	}
	return limit
}
