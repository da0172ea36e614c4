// sqlite_state.go: SQLite-Backed State Store for Bastion
//
// Structured state keyed by (file_path, key) in a single owner-only
// SQLite database under the state root. The database path is validated
// against symlink swaps immediately before every open, the schema is
// versioned with atomic migrations, and all data reaches SQL through
// parameterized queries. SQLEscape remains the only sanctioned fallback
// for hand-built literals and is exercised by the maintenance path.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

// historyRetention bounds how long state_history rows are kept by
// Maintenance.
const historyRetention = 90 * 24 * time.Hour

// SQLiteStore is the SQLite-backed state store. Safe for concurrent use;
// cross-process coordination relies on SQLite's own locking plus the
// pre-open symlink re-check.
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	rootDir string
	audit   *AuditLogger

	setStmt *sql.Stmt
	getStmt *sql.Stmt
	delStmt *sql.Stmt

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore validates and opens (creating if necessary) the state
// database described by config. Idempotent on an already-initialized
// database. The database file is created with owner-only permissions.
func NewSQLiteStore(config *Config) (*SQLiteStore, error) {
	cfg := config.WithDefaults()
	if err := cfg.EnsureLayout(); err != nil {
		return nil, err
	}

	store := &SQLiteStore{
		dbPath:  cfg.DatabasePath(),
		rootDir: cfg.RootDir,
	}

	if err := store.validateDatabasePath(); err != nil {
		return nil, err
	}
	if err := store.createOwnerOnly(); err != nil {
		return nil, err
	}

	// Re-validate immediately before the open: a legitimate file may have
	// been swapped for a symlink between check and open.
	if err := store.validateDatabasePath(); err != nil {
		return nil, err
	}

	db, err := openStateDatabase(store.dbPath)
	if err != nil {
		return nil, err
	}
	store.db = db

	if err := store.ensureSchemaVersion(); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.prepareStatements(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// WithAudit attaches an audit logger for mutation and security events.
func (s *SQLiteStore) WithAudit(audit *AuditLogger) *SQLiteStore {
	s.audit = audit
	return s
}

// validateDatabasePath runs the fail-closed path checks. The symlink
// walk runs before the containment check so a symlinked database path is
// reported as an integrity violation, with a security event, rather than
// being canonicalized into a generic containment failure.
func (s *SQLiteStore) validateDatabasePath() error {
	if err := EnsureSymlinkSafe(s.dbPath, s.rootDir); err != nil {
		if GetErrorCode(err) == ErrCodeSymlinkDetected {
			s.audit.LogSecurityEvent("database_symlink_blocked", "State database path resolves through a symlink",
				map[string]interface{}{
					"safeguard": "symlink_validation",
					"path":      s.dbPath,
				})
		}
		return err
	}
	if err := EnsurePathInDirectory(s.dbPath, s.rootDir); err != nil {
		return err
	}
	info, err := os.Lstat(s.dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, ErrCodeIOError, "cannot inspect database path").
			WithContext("path", s.dbPath)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		s.audit.LogSecurityEvent("database_symlink_blocked", "State database path is a symlink",
			map[string]interface{}{
				"safeguard": "symlink_validation",
				"path":      s.dbPath,
			})
		return errors.New(ErrCodeSymlinkDetected, "state database path is a symlink").
			WithContext("path", s.dbPath)
	}
	return nil
}

// createOwnerOnly pre-creates the database file with mode 0600 so the
// driver never materializes it with wider permissions.
func (s *SQLiteStore) createOwnerOnly() error {
	file, err := os.OpenFile(s.dbPath, os.O_CREATE|os.O_RDWR, 0600) // #nosec G304 -- path validated against the orchestrator root
	if err != nil {
		return errors.Wrap(err, ErrCodeIOError, "cannot create state database").
			WithContext("path", s.dbPath)
	}
	if err := file.Close(); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "cannot close state database").
			WithContext("path", s.dbPath)
	}
	// An existing database keeps restrictive permissions too.
	if err := os.Chmod(s.dbPath, 0600); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "cannot restrict database permissions").
			WithContext("path", s.dbPath)
	}
	return nil
}

// openStateDatabase opens the database with pragmas tuned for a
// multi-process state store: WAL so readers and writers never block each
// other, a busy timeout aligned with the package lock timeout, NORMAL
// synchronous for bounded loss on crash.
func openStateDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_cache_size=1000", dbPath))
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeDatabaseError, "failed to open state database")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, ErrCodeDatabaseError, "failed to ping state database")
	}
	return db, nil
}

// ensureSchemaVersion checks the current schema version and performs
// migrations if needed. Migration is atomic and can be rerun safely.
func (s *SQLiteStore) ensureSchemaVersion() error {
	const currentSchemaVersion = 2

	createSchemaInfoSQL := `
	CREATE TABLE IF NOT EXISTS schema_info (
		version INTEGER PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := s.db.Exec(createSchemaInfoSQL); err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to create schema_info table")
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_info ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			version = 0
		} else {
			return errors.Wrap(err, ErrCodeDatabaseError, "failed to check schema version")
		}
	}

	if version < currentSchemaVersion {
		if err := s.migrateSchema(version, currentSchemaVersion); err != nil {
			return err
		}
		if _, err := s.db.Exec(`INSERT OR REPLACE INTO schema_info (version, updated_at) VALUES (?, CURRENT_TIMESTAMP)`, currentSchemaVersion); err != nil {
			return errors.Wrap(err, ErrCodeDatabaseError, "failed to update schema version")
		}
	}
	return nil
}

// migrateSchema applies incremental migrations inside one transaction.
func (s *SQLiteStore) migrateSchema(oldVersion, newVersion int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to begin migration transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for version := oldVersion; version < newVersion; version++ {
		switch version {
		case 0:
			err = s.migrateToV1(tx)
		case 1:
			err = s.migrateToV2(tx)
		default:
			err = errors.New(ErrCodeDatabaseError, "unknown schema migration path").
				WithContext("from_version", version)
		}
		if err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to commit migration transaction")
	}
	return nil
}

// migrateToV1 creates the live state table keyed by (file_path, key).
func (s *SQLiteStore) migrateToV1(tx *sql.Tx) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS state (
		file_path  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (file_path, key)
	);`
	if _, err := tx.Exec(createTableSQL); err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to create state table")
	}
	return nil
}

// migrateToV2 adds the state_history audit table and its lookup index.
func (s *SQLiteStore) migrateToV2(tx *sql.Tx) error {
	createHistorySQL := `
	CREATE TABLE IF NOT EXISTS state_history (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		file_path  TEXT NOT NULL,
		key        TEXT NOT NULL,
		action     TEXT NOT NULL CHECK (action IN ('set', 'delete')),
		value      TEXT,
		recorded_at TEXT NOT NULL
	);`
	if _, err := tx.Exec(createHistorySQL); err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to create state_history table")
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_state_history_path_key ON state_history (file_path, key)`); err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to create state_history index")
	}
	return nil
}

// prepareStatements prepares the hot-path statements once.
func (s *SQLiteStore) prepareStatements() error {
	var err error
	s.setStmt, err = s.db.Prepare(`INSERT INTO state (file_path, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (file_path, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to prepare set statement")
	}
	s.getStmt, err = s.db.Prepare(`SELECT value FROM state WHERE file_path = ? AND key = ?`)
	if err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to prepare get statement")
	}
	s.delStmt, err = s.db.Prepare(`DELETE FROM state WHERE file_path = ? AND key = ?`)
	if err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to prepare delete statement")
	}
	return nil
}

// Set creates or overwrites the value for (filePath, key) and records a
// history row, in one transaction.
func (s *SQLiteStore) Set(filePath, key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New(ErrCodeStoreClosed, "state store is closed")
	}
	if filePath == "" || key == "" {
		return errors.New(ErrCodeInvalidInput, "empty state file path or key")
	}

	now := timecache.CachedTime().Format(time.RFC3339Nano)
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to begin transaction")
	}
	if _, err := tx.Stmt(s.setStmt).Exec(filePath, key, value, now); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, ErrCodeDatabaseError, "state set failed")
	}
	if _, err := tx.Exec(`INSERT INTO state_history (file_path, key, action, value, recorded_at) VALUES (?, ?, 'set', ?, ?)`,
		filePath, key, value, now); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, ErrCodeDatabaseError, "state history insert failed")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to commit state set")
	}
	s.audit.LogMutation("sqlite_state_set", filePath, map[string]interface{}{"key": key})
	return nil
}

// Get returns the value for (filePath, key). A missing row yields a
// KeyNotFound-coded error.
func (s *SQLiteStore) Get(filePath, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", errors.New(ErrCodeStoreClosed, "state store is closed")
	}

	var value string
	err := s.getStmt.QueryRow(filePath, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", errors.New(ErrCodeKeyNotFound, "state key not found").
			WithContext("file_path", filePath).
			WithContext("key", key)
	}
	if err != nil {
		return "", errors.Wrap(err, ErrCodeDatabaseError, "state get failed")
	}
	return value, nil
}

// Delete removes the row for (filePath, key) and records a history row.
func (s *SQLiteStore) Delete(filePath, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New(ErrCodeStoreClosed, "state store is closed")
	}

	now := timecache.CachedTime().Format(time.RFC3339Nano)
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to begin transaction")
	}
	result, err := tx.Stmt(s.delStmt).Exec(filePath, key)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, ErrCodeDatabaseError, "state delete failed")
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		if _, err := tx.Exec(`INSERT INTO state_history (file_path, key, action, recorded_at) VALUES (?, ?, 'delete', ?)`,
			filePath, key, now); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, ErrCodeDatabaseError, "state history insert failed")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "failed to commit state delete")
	}
	if affected == 0 {
		return errors.New(ErrCodeKeyNotFound, "state key not found").
			WithContext("file_path", filePath).
			WithContext("key", key)
	}
	s.audit.LogMutation("sqlite_state_delete", filePath, map[string]interface{}{"key": key})
	return nil
}

// Keys returns the keys stored for filePath in key order.
func (s *SQLiteStore) Keys(filePath string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New(ErrCodeStoreClosed, "state store is closed")
	}

	rows, err := s.db.Query(`SELECT key FROM state WHERE file_path = ? ORDER BY key`, filePath)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeDatabaseError, "state keys query failed")
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, ErrCodeDatabaseError, "state keys scan failed")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, ErrCodeDatabaseError, "state keys iteration failed")
	}
	return keys, nil
}

// StateStoreStats summarizes database contents.
type StateStoreStats struct {
	Entries       int64  `json:"entries"`
	HistoryRows   int64  `json:"history_rows"`
	SchemaVersion int    `json:"schema_version"`
	DatabasePath  string `json:"database_path"`
}

// Stats returns row counts for the live and history tables.
func (s *SQLiteStore) Stats() (*StateStoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New(ErrCodeStoreClosed, "state store is closed")
	}

	stats := &StateStoreStats{DatabasePath: s.dbPath}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM state`).Scan(&stats.Entries); err != nil {
		return nil, errors.Wrap(err, ErrCodeDatabaseError, "state count failed")
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM state_history`).Scan(&stats.HistoryRows); err != nil {
		return nil, errors.Wrap(err, ErrCodeDatabaseError, "history count failed")
	}
	if err := s.db.QueryRow(`SELECT version FROM schema_info`).Scan(&stats.SchemaVersion); err != nil {
		return nil, errors.Wrap(err, ErrCodeDatabaseError, "schema version lookup failed")
	}
	return stats, nil
}

// Maintenance prunes history rows older than the retention window. The
// cutoff is interpolated as a hand-built literal and must pass through
// SQLEscape before it reaches the query.
func (s *SQLiteStore) Maintenance() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New(ErrCodeStoreClosed, "state store is closed")
	}

	cutoff := timecache.CachedTime().Add(-historyRetention).Format(time.RFC3339Nano)
	query := fmt.Sprintf("DELETE FROM state_history WHERE recorded_at < '%s'", SQLEscape(cutoff))
	if _, err := s.db.Exec(query); err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "history pruning failed")
	}
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return errors.Wrap(err, ErrCodeDatabaseError, "wal checkpoint failed")
	}
	return nil
}

// Close releases database resources. Safe to call twice.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.setStmt, s.getStmt, s.delStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return errors.Wrap(err, ErrCodeDatabaseError, "failed to close state database")
		}
	}
	return nil
}
