package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/cloudcoap/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS records (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Load returns all records of a namespace.
func (s *SQLiteStore) Load(ctx context.Context, namespace string) ([]Record, error) {
	query := `SELECT key, value, updated_at FROM records WHERE namespace = ? ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close record rows", "namespace", namespace, "error", closeErr)
		}
	}()

	var records []Record
	for rows.Next() {
		var rec Record
		var updatedAt int64
		if err := rows.Scan(&rec.Key, &rec.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Store creates or replaces a record.
func (s *SQLiteStore) Store(ctx context.Context, namespace, key, value string) error {
	query := `
	INSERT INTO records (namespace, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(namespace, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	return s.withRetry(ctx, "store record", func() error {
		_, err := s.db.ExecContext(ctx, query, namespace, key, value, time.Now().UnixMilli())
		return err
	})
}

// Remove deletes a single record.
func (s *SQLiteStore) Remove(ctx context.Context, namespace, key string) error {
	return s.withRetry(ctx, "remove record", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE namespace = ? AND key = ?`, namespace, key)
		return err
	})
}

// RemoveAll deletes every record of a namespace.
func (s *SQLiteStore) RemoveAll(ctx context.Context, namespace string) error {
	return s.withRetry(ctx, "remove records", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE namespace = ?`, namespace)
		if err != nil {
			return err
		}
		if rows, err := result.RowsAffected(); err == nil && rows > 0 {
			slog.Debug("Removed persisted records", "namespace", namespace, "count", rows)
		}
		return nil
	})
}

// GetSetting returns a setting and whether it exists.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)

	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("scan setting %s: %w", key, err)
	}
	return value, true, nil
}

// PutSetting creates or replaces a setting.
func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO settings (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	return s.withRetry(ctx, "put setting", func() error {
		_, err := s.db.ExecContext(ctx, query, key, value, time.Now().UnixMilli())
		return err
	})
}

// DeleteSetting removes a setting.
func (s *SQLiteStore) DeleteSetting(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete setting", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
		return err
	})
}

// withRetry runs a write with exponential backoff on SQLITE_BUSY errors.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		s.writeMu.Lock()
		err = fn()
		s.writeMu.Unlock()
		if err == nil {
			return nil
		}

		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
		slog.Debug("SQLite write failed with SQLITE_BUSY, retrying",
			"op", op,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
