package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"mlscache/models"
)

// SQLiteStore is the local cache backend and the operational store for
// run history, run logs and the manual command queue.
type SQLiteStore struct {
	db *sqlx.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS property_cache (
		listing_id TEXT PRIMARY KEY,
		listing_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS refresh_lease (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS refresh_runs (
		id TEXT PRIMARY KEY,
		trigger_type TEXT NOT NULL,
		state TEXT NOT NULL,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		fetched INTEGER NOT NULL DEFAULT 0,
		written INTEGER NOT NULL DEFAULT 0,
		steps JSON,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS refresh_logs (
		id INTEGER PRIMARY KEY,
		run_id TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_cache_active ON property_cache(is_active, updated_at);
	CREATE INDEX IF NOT EXISTS idx_cache_key ON property_cache(listing_key);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON refresh_runs(trigger_type, started_at);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON refresh_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Property cache
// =============================================================================

func (s *SQLiteStore) UpsertRows(ctx context.Context, rows []CacheRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO property_cache (listing_id, listing_key, status, payload, updated_at, is_active)
		VALUES (:listing_id, :listing_key, :status, :payload, :updated_at, :is_active)
		ON CONFLICT(listing_id) DO UPDATE SET
			listing_key = excluded.listing_key,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			is_active = excluded.is_active`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, sqliteRow(r)); err != nil {
			return fmt.Errorf("upsert %s: %w", r.ListingID, err)
		}
	}
	return tx.Commit()
}

// sqliteRow stores the payload as TEXT so the cache stays readable from
// the sqlite3 shell.
func sqliteRow(r CacheRow) map[string]any {
	return map[string]any{
		"listing_id":  r.ListingID,
		"listing_key": r.ListingKey,
		"status":      r.Status,
		"payload":     string(r.Payload),
		"updated_at":  r.UpdatedAt.UTC(),
		"is_active":   r.IsActive,
	}
}

func (s *SQLiteStore) DeactivateAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE property_cache SET is_active = FALSE WHERE is_active = TRUE`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM property_cache`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ActiveRows(ctx context.Context, since time.Time) ([]CacheRow, error) {
	var rows []CacheRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT listing_id, listing_key, status, payload, updated_at, is_active
		FROM property_cache
		WHERE is_active = TRUE AND updated_at >= ?
		ORDER BY updated_at DESC, listing_id`, since.UTC())
	return rows, err
}

func (s *SQLiteStore) ActiveRow(ctx context.Context, id string) (*CacheRow, error) {
	var r CacheRow
	err := s.db.GetContext(ctx, &r, `
		SELECT listing_id, listing_key, status, payload, updated_at, is_active
		FROM property_cache
		WHERE is_active = TRUE AND (listing_id = ? OR listing_key = ?)
		LIMIT 1`, id, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// Refresh lease
// =============================================================================

func (s *SQLiteStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_lease (name, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE refresh_lease.expires_at < ? OR refresh_lease.owner = excluded.owner`,
		name, owner, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_lease WHERE name = ? AND owner = ?`, name, owner)
	return err
}

// =============================================================================
// Run history
// =============================================================================

type runRow struct {
	models.RefreshRun
	StepData sql.NullString `db:"steps"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.RefreshRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_runs (id, trigger_type, state, success, started_at, fetched, written, steps, error_message)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, '')`,
		run.ID, run.Trigger, run.State, run.Success, run.StartedAt.UTC(), string(run.StepsJSON()))
	return err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *models.RefreshRun) error {
	var finished *time.Time
	if run.FinishedAt != nil {
		t := run.FinishedAt.UTC()
		finished = &t
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_runs SET state = ?, success = ?, finished_at = ?, fetched = ?,
			written = ?, steps = ?, error_message = ?
		WHERE id = ?`,
		run.State, run.Success, finished, run.Fetched, run.Written,
		string(run.StepsJSON()), run.Error, run.ID)
	return err
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]models.RefreshRun, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, trigger_type, state, success, started_at, finished_at, fetched, written, steps, error_message
		FROM refresh_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}

	runs := make([]models.RefreshRun, 0, len(rows))
	for _, r := range rows {
		run := r.RefreshRun
		if r.StepData.Valid && r.StepData.String != "" {
			if err := json.Unmarshal([]byte(r.StepData.String), &run.Steps); err != nil {
				return nil, fmt.Errorf("decode steps for %s: %w", run.ID, err)
			}
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// LastRunStart returns when the most recent run with the given trigger
// started, or the zero time when there is none.
func (s *SQLiteStore) LastRunStart(ctx context.Context, trigger models.Trigger) (time.Time, error) {
	var started time.Time
	err := s.db.GetContext(ctx, &started, `
		SELECT started_at FROM refresh_runs
		WHERE trigger_type = ? ORDER BY started_at DESC LIMIT 1`, trigger)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return started, err
}

// =============================================================================
// Run logs
// =============================================================================

func (s *SQLiteStore) Log(ctx context.Context, runID string, level models.LogLevel, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_logs (run_id, timestamp, level, message)
		VALUES (?, ?, ?, ?)`,
		runID, time.Now().UTC(), level, message)
	return err
}

func (s *SQLiteStore) RunLogs(ctx context.Context, runID string) ([]models.LogEntry, error) {
	var entries []models.LogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, run_id, timestamp, level, message
		FROM refresh_logs WHERE run_id = ? ORDER BY timestamp, id`, runID)
	return entries, err
}

// =============================================================================
// Commands
// =============================================================================

type commandRow struct {
	ID          int64          `db:"id"`
	Command     string         `db:"command"`
	Params      sql.NullString `db:"params"`
	CreatedAt   time.Time      `db:"created_at"`
	ProcessedAt *time.Time     `db:"processed_at"`
}

func (s *SQLiteStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params any) (int64, error) {
	var raw sql.NullString
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return 0, err
		}
		raw = sql.NullString{String: string(data), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		cmd, raw, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	var rows []commandRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}

	cmds := make([]models.Command, 0, len(rows))
	for _, r := range rows {
		cmd := models.Command{
			ID:          r.ID,
			Command:     models.CommandType(r.Command),
			CreatedAt:   r.CreatedAt,
			ProcessedAt: r.ProcessedAt,
		}
		if r.Params.Valid {
			cmd.Params = json.RawMessage(r.Params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func (s *SQLiteStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}
