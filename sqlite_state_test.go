// sqlite_state_test.go: Testing Bastion SQLite-Backed State Store
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func newTestDatabase(t *testing.T) (*SQLiteStore, *Config) {
	t.Helper()
	config := &Config{
		RootDir: t.TempDir(),
		Audit:   AuditConfig{Enabled: false},
	}
	store, err := NewSQLiteStore(config)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, config
}

func TestNewSQLiteStore(t *testing.T) {
	t.Run("creates_database_under_state_dir", func(t *testing.T) {
		_, config := newTestDatabase(t)

		info, err := os.Stat(config.WithDefaults().DatabasePath())
		if err != nil {
			t.Fatalf("database file missing: %v", err)
		}
		if runtime.GOOS != "windows" && info.Mode().Perm() != 0600 {
			t.Errorf("database permissions = %o, want 0600", info.Mode().Perm())
		}
	})

	t.Run("reopen_is_idempotent", func(t *testing.T) {
		store, config := newTestDatabase(t)
		if err := store.Set("task.json", "status", "running"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		reopened, err := NewSQLiteStore(config)
		if err != nil {
			t.Fatalf("reopen failed: %v", err)
		}
		defer func() { _ = reopened.Close() }()

		value, err := reopened.Get("task.json", "status")
		if err != nil {
			t.Fatalf("Get after reopen failed: %v", err)
		}
		if value != "running" {
			t.Errorf("value after reopen = %q, want %q", value, "running")
		}
	})

	t.Run("rejects_symlinked_database_path", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("symlink semantics differ on windows")
		}
		config := &Config{RootDir: t.TempDir(), Audit: AuditConfig{Enabled: false}}
		effective := config.WithDefaults()
		if err := effective.EnsureLayout(); err != nil {
			t.Fatalf("EnsureLayout failed: %v", err)
		}

		victim := filepath.Join(t.TempDir(), "victim.db")
		if err := os.WriteFile(victim, []byte("untouchable"), 0600); err != nil {
			t.Fatalf("setup victim: %v", err)
		}
		if err := os.Symlink(victim, effective.DatabasePath()); err != nil {
			t.Fatalf("setup symlink: %v", err)
		}

		store, err := NewSQLiteStore(config)
		if err == nil {
			_ = store.Close()
			t.Fatal("expected symlinked database path to be rejected")
		}
		if GetErrorCode(err) != ErrCodeSymlinkDetected {
			t.Errorf("error code = %q, want %q", GetErrorCode(err), ErrCodeSymlinkDetected)
		}

		// The swap target must be left byte-identical.
		content, readErr := os.ReadFile(victim)
		if readErr != nil {
			t.Fatalf("reading victim: %v", readErr)
		}
		if string(content) != "untouchable" {
			t.Errorf("victim content = %q, want untouched", content)
		}
	})

	t.Run("symlinked_database_path_raises_security_event", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("symlink semantics differ on windows")
		}
		config := (&Config{RootDir: t.TempDir(), LockTimeout: 2 * time.Second}).WithDefaults()
		if err := config.EnsureLayout(); err != nil {
			t.Fatalf("EnsureLayout failed: %v", err)
		}
		victim := filepath.Join(t.TempDir(), "victim.db")
		if err := os.WriteFile(victim, []byte("untouchable"), 0600); err != nil {
			t.Fatalf("setup victim: %v", err)
		}
		if err := os.Symlink(victim, config.DatabasePath()); err != nil {
			t.Fatalf("setup symlink: %v", err)
		}

		ledger, err := NewLedger(config)
		if err != nil {
			t.Fatalf("NewLedger failed: %v", err)
		}
		audit, err := NewAuditLogger(AuditConfig{Enabled: true, BufferSize: 10, MinLevel: AuditInfo}, ledger)
		if err != nil {
			t.Fatalf("NewAuditLogger failed: %v", err)
		}
		defer func() { _ = audit.Close() }()

		store := &SQLiteStore{dbPath: config.DatabasePath(), rootDir: config.RootDir, audit: audit}
		if err := store.validateDatabasePath(); GetErrorCode(err) != ErrCodeSymlinkDetected {
			t.Fatalf("error code = %q, want %q", GetErrorCode(err), ErrCodeSymlinkDetected)
		}
		if err := audit.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		events, err := ledger.ReadByEvent("database_symlink_blocked")
		if err != nil {
			t.Fatalf("ReadByEvent failed: %v", err)
		}
		if len(events) == 0 {
			t.Error("symlinked database path produced no security event")
		}
	})
}

func TestSQLiteStoreOperations(t *testing.T) {
	t.Run("set_get_roundtrip", func(t *testing.T) {
		store, _ := newTestDatabase(t)

		if err := store.Set("task.json", "owner", "O'Reilly"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		value, err := store.Get("task.json", "owner")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if value != "O'Reilly" {
			t.Errorf("value = %q, want %q", value, "O'Reilly")
		}
	})

	t.Run("set_overwrites_existing_value", func(t *testing.T) {
		store, _ := newTestDatabase(t)

		if err := store.Set("task.json", "status", "running"); err != nil {
			t.Fatalf("first Set failed: %v", err)
		}
		if err := store.Set("task.json", "status", "done"); err != nil {
			t.Fatalf("second Set failed: %v", err)
		}
		value, err := store.Get("task.json", "status")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if value != "done" {
			t.Errorf("value = %q, want %q", value, "done")
		}
	})

	t.Run("values_are_scoped_per_file_path", func(t *testing.T) {
		store, _ := newTestDatabase(t)

		if err := store.Set("a.json", "key", "alpha"); err != nil {
			t.Fatalf("Set a.json failed: %v", err)
		}
		if err := store.Set("b.json", "key", "beta"); err != nil {
			t.Fatalf("Set b.json failed: %v", err)
		}

		value, err := store.Get("a.json", "key")
		if err != nil || value != "alpha" {
			t.Errorf("Get a.json = %q, %v, want alpha", value, err)
		}
		value, err = store.Get("b.json", "key")
		if err != nil || value != "beta" {
			t.Errorf("Get b.json = %q, %v, want beta", value, err)
		}
	})

	t.Run("get_missing_key_fails", func(t *testing.T) {
		store, _ := newTestDatabase(t)

		_, err := store.Get("task.json", "absent")
		if err == nil {
			t.Fatal("expected missing key to fail")
		}
		if GetErrorCode(err) != ErrCodeKeyNotFound {
			t.Errorf("error code = %q, want %q", GetErrorCode(err), ErrCodeKeyNotFound)
		}
	})

	t.Run("rejects_empty_path_or_key", func(t *testing.T) {
		store, _ := newTestDatabase(t)

		if err := store.Set("", "key", "v"); err == nil {
			t.Error("expected empty file path to be rejected")
		}
		if err := store.Set("task.json", "", "v"); err == nil {
			t.Error("expected empty key to be rejected")
		}
	})

	t.Run("delete_removes_key", func(t *testing.T) {
		store, _ := newTestDatabase(t)

		if err := store.Set("task.json", "status", "running"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := store.Delete("task.json", "status"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := store.Get("task.json", "status"); GetErrorCode(err) != ErrCodeKeyNotFound {
			t.Errorf("Get after delete = %v, want key-not-found", err)
		}
	})

	t.Run("delete_missing_key_fails", func(t *testing.T) {
		store, _ := newTestDatabase(t)

		err := store.Delete("task.json", "absent")
		if GetErrorCode(err) != ErrCodeKeyNotFound {
			t.Errorf("error code = %q, want %q", GetErrorCode(err), ErrCodeKeyNotFound)
		}
	})

	t.Run("keys_are_sorted", func(t *testing.T) {
		store, _ := newTestDatabase(t)

		for _, key := range []string{"zeta", "alpha", "mid"} {
			if err := store.Set("task.json", key, "v"); err != nil {
				t.Fatalf("Set %s failed: %v", key, err)
			}
		}
		keys, err := store.Keys("task.json")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		want := []string{"alpha", "mid", "zeta"}
		if len(keys) != len(want) {
			t.Fatalf("Keys = %v, want %v", keys, want)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("Keys[%d] = %q, want %q", i, keys[i], want[i])
			}
		}
	})
}

func TestSQLiteStoreStats(t *testing.T) {
	store, _ := newTestDatabase(t)

	if err := store.Set("task.json", "a", "1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set("task.json", "b", "2"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Delete("task.json", "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 1 {
		t.Errorf("Entries = %d, want 1", stats.Entries)
	}
	// Two sets and one delete each record a history row.
	if stats.HistoryRows != 3 {
		t.Errorf("HistoryRows = %d, want 3", stats.HistoryRows)
	}
	if stats.SchemaVersion != 2 {
		t.Errorf("SchemaVersion = %d, want 2", stats.SchemaVersion)
	}
	if stats.DatabasePath == "" {
		t.Error("DatabasePath is empty")
	}
}

func TestSQLiteStoreMaintenance(t *testing.T) {
	store, _ := newTestDatabase(t)

	if err := store.Set("task.json", "status", "running"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Maintenance(); err != nil {
		t.Fatalf("Maintenance failed: %v", err)
	}

	// Recent history rows survive the retention prune.
	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.HistoryRows != 1 {
		t.Errorf("HistoryRows = %d, want 1", stats.HistoryRows)
	}
}

func TestSQLiteStoreClose(t *testing.T) {
	t.Run("close_is_idempotent", func(t *testing.T) {
		store, _ := newTestDatabase(t)
		if err := store.Close(); err != nil {
			t.Fatalf("first Close failed: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("second Close failed: %v", err)
		}
	})

	t.Run("operations_after_close_fail", func(t *testing.T) {
		store, _ := newTestDatabase(t)
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		if err := store.Set("task.json", "k", "v"); GetErrorCode(err) != ErrCodeStoreClosed {
			t.Errorf("Set after close = %v, want store-closed", err)
		}
		if _, err := store.Get("task.json", "k"); GetErrorCode(err) != ErrCodeStoreClosed {
			t.Errorf("Get after close = %v, want store-closed", err)
		}
		if err := store.Delete("task.json", "k"); GetErrorCode(err) != ErrCodeStoreClosed {
			t.Errorf("Delete after close = %v, want store-closed", err)
		}
		if _, err := store.Keys("task.json"); GetErrorCode(err) != ErrCodeStoreClosed {
			t.Errorf("Keys after close = %v, want store-closed", err)
		}
		if _, err := store.Stats(); GetErrorCode(err) != ErrCodeStoreClosed {
			t.Errorf("Stats after close = %v, want store-closed", err)
		}
		if err := store.Maintenance(); GetErrorCode(err) != ErrCodeStoreClosed {
			t.Errorf("Maintenance after close = %v, want store-closed", err)
		}
	})
}
