// Package cache provides SQLite-based storage for access tokens, pass
// history and the last synced state of each list.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/JohanCodinha/icasync/migrations"
)

// DB represents a SQLite database connection.
type DB struct {
	path string
	conn *sql.DB
}

// Run is one recorded reconciliation pass.
type Run struct {
	ID            string
	Trigger       string
	Outcome       string
	StartedAt     time.Time
	FinishedAt    time.Time
	RemoteAdded   int
	RemoteRemoved int
	Purged        int
	TodoAdded     int
	TodoRemoved   int
	Failed        int
	Dropped       int
	Error         string
}

// ListState is the last synced view of a remote list.
type ListState struct {
	ListID    string
	Name      string
	ItemCount int
	Items     []string // Stored as JSON array in database
	UpdatedAt time.Time
}

// InitDB creates or opens a SQLite database at the given path and applies
// pending migrations.
func InitDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer, so we limit to one connection
	// to prevent "database is locked" errors between the scheduler and the
	// HTTP handlers.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := enablePragmas(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable pragmas: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{
		path: path,
		conn: conn,
	}, nil
}

func enablePragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// runMigrations applies the embedded goose migrations.
func runMigrations(conn *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if err := goose.Up(conn, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// LoadToken returns the cached access token for a session key. A missing
// token is not an error; it returns an empty token.
func (db *DB) LoadToken(ctx context.Context, key string) (string, time.Time, error) {
	var token, expires string
	err := db.conn.QueryRowContext(ctx,
		`SELECT access_token, expires_at FROM session_tokens WHERE session_key = ?`, key,
	).Scan(&token, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to load token: %w", err)
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, expires)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse token expiry: %w", err)
	}
	return token, expiresAt, nil
}

// SaveToken stores the access token for a session key.
func (db *DB) SaveToken(ctx context.Context, key, token string, expires time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO session_tokens (session_key, access_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			access_token = excluded.access_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, token, expires.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// RecordRun stores one pass in the history.
func (db *DB) RecordRun(ctx context.Context, run Run) error {
	var errText sql.NullString
	if run.Error != "" {
		errText = sql.NullString{String: run.Error, Valid: true}
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_runs (
			id, triggered_by, outcome, started_at, finished_at,
			remote_added, remote_removed, purged, todo_added, todo_removed,
			failed, dropped, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.Trigger, run.Outcome,
		run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano),
		run.RemoteAdded, run.RemoteRemoved, run.Purged, run.TodoAdded, run.TodoRemoved,
		run.Failed, run.Dropped, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// LatestRuns returns up to limit runs, newest first.
func (db *DB) LatestRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, triggered_by, outcome, started_at, finished_at,
		       remote_added, remote_removed, purged, todo_added, todo_removed,
		       failed, dropped, error
		FROM sync_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			run               Run
			started, finished string
			errText           sql.NullString
		)
		if err := rows.Scan(
			&run.ID, &run.Trigger, &run.Outcome, &started, &finished,
			&run.RemoteAdded, &run.RemoteRemoved, &run.Purged, &run.TodoAdded, &run.TodoRemoved,
			&run.Failed, &run.Dropped, &errText,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		run.Error = errText.String
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return runs, nil
}

// PruneRuns deletes all but the newest keep runs.
func (db *DB) PruneRuns(ctx context.Context, keep int) error {
	_, err := db.conn.ExecContext(ctx, `
		DELETE FROM sync_runs WHERE id NOT IN (
			SELECT id FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return fmt.Errorf("failed to prune runs: %w", err)
	}
	return nil
}

// UpsertListState stores the latest state of a list.
func (db *DB) UpsertListState(ctx context.Context, state ListState) error {
	if state.Items == nil {
		state.Items = []string{}
	}
	itemsJSON, err := json.Marshal(state.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO list_states (list_id, name, item_count, items, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(list_id) DO UPDATE SET
			name = excluded.name,
			item_count = excluded.item_count,
			items = excluded.items,
			updated_at = excluded.updated_at
	`, state.ListID, state.Name, state.ItemCount, string(itemsJSON), updated.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert list state: %w", err)
	}
	return nil
}

// GetListState returns the stored state of a list, or nil if none exists.
func (db *DB) GetListState(ctx context.Context, listID string) (*ListState, error) {
	var (
		state     ListState
		itemsJSON string
		updated   string
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT list_id, name, item_count, items, updated_at FROM list_states WHERE list_id = ?`, listID,
	).Scan(&state.ListID, &state.Name, &state.ItemCount, &itemsJSON, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get list state: %w", err)
	}

	if err := json.Unmarshal([]byte(itemsJSON), &state.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal items: %w", err)
	}
	state.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &state, nil
}
