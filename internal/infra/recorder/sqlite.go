// Package recorder keeps a history of account checks.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
)

// SQLiteRecorder persists check records to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the database and runs migrations.
func NewSQLiteRecorder(dbPath string, logger *zap.Logger) (*SQLiteRecorder, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; the mutex serializes inserts anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("sqlite recorder opened", zap.String("path", dbPath))
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checks (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			username    TEXT    NOT NULL,
			balance     TEXT,
			success     INTEGER NOT NULL,
			source      TEXT,
			detail      TEXT,
			error_kind  TEXT,
			duration_ms INTEGER,
			checked_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checks_user_ts ON checks(username, checked_at)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:30], err)
		}
	}
	return nil
}

// Record inserts one check.
func (r *SQLiteRecorder) Record(ctx context.Context, rec domain.CheckRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	checkedAt := rec.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}
	success := 0
	if rec.Success {
		success = 1
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO checks
		(username, balance, success, source, detail, error_kind, duration_ms, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Username, rec.Balance, success, rec.Source, rec.Detail, string(rec.ErrorKind),
		rec.Duration.Milliseconds(), checkedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert check: %w", err)
	}
	return nil
}

// Recent returns the newest records first. An empty username matches every account.
func (r *SQLiteRecorder) Recent(ctx context.Context, username string, limit int) ([]domain.CheckRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT username, balance, success, source, detail, error_kind, duration_ms, checked_at
		FROM checks`
	args := []any{}
	if username != "" {
		query += ` WHERE username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY checked_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checks: %w", err)
	}
	defer rows.Close()

	var out []domain.CheckRecord
	for rows.Next() {
		var (
			rec        domain.CheckRecord
			success    int
			kind       string
			durationMS int64
			checkedAt  int64
		)
		if err := rows.Scan(&rec.Username, &rec.Balance, &success, &rec.Source, &rec.Detail, &kind, &durationMS, &checkedAt); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		rec.Success = success == 1
		rec.ErrorKind = domain.ErrorKind(kind)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.CheckedAt = time.UnixMilli(checkedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

var _ port.Recorder = (*SQLiteRecorder)(nil)
