package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository provides Postgres-backed session worker storage.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// Ensure PostgresRepository implements Repository interface
var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository connects to Postgres and ensures the schema.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_workers (
		session_id TEXT PRIMARY KEY,
		container_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		last_active_at TIMESTAMPTZ NOT NULL,
		stopped_at TIMESTAMPTZ,
		last_sync_at TIMESTAMPTZ,
		last_sync_status TEXT NOT NULL DEFAULT 'never',
		restore_plan_fingerprint BYTEA,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workers_state_last_active ON session_workers(state, last_active_at);
	CREATE INDEX IF NOT EXISTS idx_workers_state_stopped ON session_workers(state, stopped_at);
	CREATE INDEX IF NOT EXISTS idx_workers_state_sync ON session_workers(state, last_sync_status, last_sync_at);
	`
	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// FindBySessionID retrieves a worker record by session id.
func (r *PostgresRepository) FindBySessionID(ctx context.Context, sessionID string) (*SessionWorker, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+workerColumns+` FROM session_workers WHERE session_id = $1
	`, sessionID)

	w, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Save upserts a worker record, last writer wins.
func (r *PostgresRepository) Save(ctx context.Context, w *SessionWorker) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_workers (`+workerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			container_id = EXCLUDED.container_id,
			state = EXCLUDED.state,
			last_active_at = EXCLUDED.last_active_at,
			stopped_at = EXCLUDED.stopped_at,
			last_sync_at = EXCLUDED.last_sync_at,
			last_sync_status = EXCLUDED.last_sync_status,
			restore_plan_fingerprint = EXCLUDED.restore_plan_fingerprint,
			updated_at = EXCLUDED.updated_at
	`, w.SessionID, w.ContainerID, string(w.State), w.LastActiveAt.UTC(),
		w.StoppedAt, w.LastSyncAt, string(w.LastSyncStatus),
		w.RestorePlanFingerprint[:], createdAt, now)

	return err
}

// List returns all records ordered by session id.
func (r *PostgresRepository) List(ctx context.Context) ([]*SessionWorker, error) {
	return r.query(ctx, `
		SELECT `+workerColumns+` FROM session_workers ORDER BY session_id ASC
	`)
}

// ListIdleRunning returns running workers idle since before cutoff.
func (r *PostgresRepository) ListIdleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error) {
	return r.query(ctx, `
		SELECT `+workerColumns+` FROM session_workers
		WHERE state = $1 AND last_active_at < $2
		ORDER BY last_active_at ASC LIMIT $3
	`, string(StateRunning), cutoff.UTC(), capLimit(limit))
}

// ListLongStopped returns stopped workers stopped before cutoff.
func (r *PostgresRepository) ListLongStopped(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error) {
	return r.query(ctx, `
		SELECT `+workerColumns+` FROM session_workers
		WHERE state = $1 AND stopped_at IS NOT NULL AND stopped_at < $2
		ORDER BY stopped_at ASC LIMIT $3
	`, string(StateStopped), cutoff.UTC(), capLimit(limit))
}

// ListStaleSyncCandidates returns non-deleted workers with a stale sync;
// never-synced workers sort oldest.
func (r *PostgresRepository) ListStaleSyncCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error) {
	return r.query(ctx, `
		SELECT `+workerColumns+` FROM session_workers
		WHERE state != $1 AND last_sync_status != $2
			AND (last_sync_at IS NULL OR last_sync_at < $3)
		ORDER BY last_sync_at ASC NULLS FIRST LIMIT $4
	`, string(StateDeleted), string(SyncRunning), cutoff.UTC(), capLimit(limit))
}

func (r *PostgresRepository) query(ctx context.Context, sql string, args ...any) ([]*SessionWorker, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*SessionWorker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func scanWorker(row pgx.Row) (*SessionWorker, error) {
	var (
		w           SessionWorker
		state       string
		syncStatus  string
		stoppedAt   *time.Time
		lastSyncAt  *time.Time
		fingerprint []byte
	)
	err := row.Scan(&w.SessionID, &w.ContainerID, &state, &w.LastActiveAt,
		&stoppedAt, &lastSyncAt, &syncStatus, &fingerprint,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}

	w.State = State(state)
	w.LastSyncStatus = SyncStatus(syncStatus)
	w.LastActiveAt = w.LastActiveAt.UTC()
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	if stoppedAt != nil {
		t := stoppedAt.UTC()
		w.StoppedAt = &t
	}
	if lastSyncAt != nil {
		t := lastSyncAt.UTC()
		w.LastSyncAt = &t
	}
	copy(w.RestorePlanFingerprint[:], fingerprint)
	return &w, nil
}
