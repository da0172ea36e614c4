// atomic_test.go: Testing Bastion Atomic File Mutations
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(&Config{RootDir: t.TempDir(), LockTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	return store
}

func TestAtomicWrite(t *testing.T) {
	store := newTestStore(t)

	t.Run("writes_and_creates", func(t *testing.T) {
		path := filepath.Join(store.Config().StateDir(), "task.json")
		if err := store.AtomicWrite(path, []byte(`{"phase":"plan"}`)); err != nil {
			t.Fatalf("AtomicWrite() failed: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil || string(data) != `{"phase":"plan"}` {
			t.Errorf("content = %q, err %v", data, err)
		}
	})

	t.Run("overwrites_completely", func(t *testing.T) {
		path := filepath.Join(store.Config().StateDir(), "overwrite.txt")
		if err := store.AtomicWrite(path, []byte("long original content")); err != nil {
			t.Fatalf("first write: %v", err)
		}
		if err := store.AtomicWrite(path, []byte("short")); err != nil {
			t.Fatalf("second write: %v", err)
		}
		data, _ := os.ReadFile(path)
		if string(data) != "short" {
			t.Errorf("content = %q, want %q", data, "short")
		}
	})

	t.Run("sets_owner_only_permissions", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("unix permissions")
		}
		path := filepath.Join(store.Config().StateDir(), "perm.txt")
		if err := store.AtomicWrite(path, []byte("x")); err != nil {
			t.Fatalf("AtomicWrite() failed: %v", err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("permissions = %o, want 0600", perm)
		}
	})

	t.Run("leaves_no_temp_files", func(t *testing.T) {
		dir := store.Config().TasksDir()
		path := filepath.Join(dir, "clean.txt")
		if err := store.AtomicWrite(path, []byte("x")); err != nil {
			t.Fatalf("AtomicWrite() failed: %v", err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("readdir: %v", err)
		}
		for _, entry := range entries {
			if entry.Name() != "clean.txt" && entry.Name() != "clean.txt.lock" {
				t.Errorf("unexpected leftover %q", entry.Name())
			}
		}
	})

	t.Run("rejects_path_outside_root", func(t *testing.T) {
		outside := filepath.Join(t.TempDir(), "escape.txt")
		if err := store.AtomicWrite(outside, []byte("x")); err == nil {
			t.Error("write outside root accepted")
		}
		if _, err := os.Stat(outside); !os.IsNotExist(err) {
			t.Error("escaped file exists")
		}
	})

	t.Run("rejects_lock_file_target", func(t *testing.T) {
		path := filepath.Join(store.Config().StateDir(), "sneaky.lock")
		if err := store.AtomicWrite(path, []byte("x")); err == nil {
			t.Error("writing a lock file accepted")
		}
	})
}

func TestAtomicWriteSymlinkTarget(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	store := newTestStore(t)
	outside := t.TempDir()

	ledger, err := NewLedger(store.Config())
	if err != nil {
		t.Fatalf("NewLedger() failed: %v", err)
	}
	audit, err := NewAuditLogger(AuditConfig{Enabled: true, BufferSize: 10, MinLevel: AuditInfo}, ledger)
	if err != nil {
		t.Fatalf("NewAuditLogger() failed: %v", err)
	}
	defer func() { _ = audit.Close() }()
	store.WithAudit(audit)

	victim := filepath.Join(outside, "passwd")
	if err := os.WriteFile(victim, []byte("root:x:0:0"), 0644); err != nil {
		t.Fatalf("write victim: %v", err)
	}

	link := filepath.Join(store.Config().StateDir(), "x")
	if err := os.Symlink(victim, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	err = store.AtomicWrite(link, []byte("pwned"))
	if err == nil {
		t.Fatal("write through escaping symlink accepted")
	}
	if GetErrorCode(err) != ErrCodeSymlinkDetected {
		t.Errorf("error code = %q, want %q", GetErrorCode(err), ErrCodeSymlinkDetected)
	}
	if !IsIntegrityError(err) {
		t.Errorf("expected an integrity error, got %v", err)
	}

	if err := audit.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	events, err := ledger.ReadByEvent("symlink_escape_blocked")
	if err != nil {
		t.Fatalf("ReadByEvent() failed: %v", err)
	}
	if len(events) == 0 {
		t.Error("escaping symlink target produced no security event")
	}

	// The victim must be untouched.
	data, rerr := os.ReadFile(victim)
	if rerr != nil || string(data) != "root:x:0:0" {
		t.Errorf("victim content = %q, err %v", data, rerr)
	}
}

func TestAtomicAppend(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.Config().LogsDir(), "events.log")

	if err := store.AtomicAppend(path, []byte("one\n")); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := store.AtomicAppend(path, []byte("two\n")); err != nil {
		t.Fatalf("second append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "one\ntwo\n" {
		t.Errorf("content = %q, err %v", data, err)
	}
}

func TestAtomicIncrement(t *testing.T) {
	store := newTestStore(t)

	t.Run("starts_from_zero", func(t *testing.T) {
		path := filepath.Join(store.Config().StateDir(), "counter")
		value, err := store.AtomicIncrement(path, 1)
		if err != nil {
			t.Fatalf("AtomicIncrement() failed: %v", err)
		}
		if value != 1 {
			t.Errorf("value = %d, want 1", value)
		}
	})

	t.Run("applies_delta", func(t *testing.T) {
		path := filepath.Join(store.Config().StateDir(), "delta")
		if _, err := store.AtomicIncrement(path, 5); err != nil {
			t.Fatalf("increment: %v", err)
		}
		value, err := store.AtomicIncrement(path, -2)
		if err != nil {
			t.Fatalf("decrement: %v", err)
		}
		if value != 3 {
			t.Errorf("value = %d, want 3", value)
		}
	})

	t.Run("rejects_non_numeric_file", func(t *testing.T) {
		path := filepath.Join(store.Config().StateDir(), "garbage")
		if err := store.AtomicWrite(path, []byte("not a number")); err != nil {
			t.Fatalf("setup write: %v", err)
		}
		if _, err := store.AtomicIncrement(path, 1); err == nil {
			t.Error("non-numeric counter accepted")
		}
	})

	t.Run("concurrent_increments_lose_nothing", func(t *testing.T) {
		path := filepath.Join(store.Config().StateDir(), "contended")
		const workers = 20

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.AtomicIncrement(path, 1); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent increment failed: %v", err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read counter: %v", err)
		}
		final, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			t.Fatalf("counter not numeric: %q", data)
		}
		if final != workers {
			t.Errorf("counter = %d, want %d", final, workers)
		}
	})
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.Config().StateDir(), "gone.txt")

	if err := store.AtomicWrite(path, []byte("x")); err != nil {
		t.Fatalf("setup write: %v", err)
	}
	if err := store.Delete(path); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still exists after delete")
	}

	// Deleting a missing file is not an error.
	if err := store.Delete(path); err != nil {
		t.Errorf("second delete failed: %v", err)
	}
}

func TestStateOperations(t *testing.T) {
	store := newTestStore(t)

	t.Run("set_get_roundtrip", func(t *testing.T) {
		if err := store.StateSet("task.json", "phase", "review"); err != nil {
			t.Fatalf("StateSet() failed: %v", err)
		}
		value, err := store.StateGet("task.json", "phase")
		if err != nil {
			t.Fatalf("StateGet() failed: %v", err)
		}
		if value != "review" {
			t.Errorf("value = %q, want %q", value, "review")
		}
	})

	t.Run("keys_are_independent", func(t *testing.T) {
		if err := store.StateSet("task.json", "owner", "agent-7"); err != nil {
			t.Fatalf("StateSet() failed: %v", err)
		}
		if err := store.StateSet("other.json", "owner", "agent-9"); err != nil {
			t.Fatalf("StateSet() failed: %v", err)
		}
		value, _ := store.StateGet("task.json", "owner")
		if value != "agent-7" {
			t.Errorf("cross-file contamination: %q", value)
		}
	})

	t.Run("missing_key_is_coded", func(t *testing.T) {
		_, err := store.StateGet("task.json", "absent")
		if err == nil {
			t.Fatal("missing key accepted")
		}
		if code := GetErrorCode(err); code != ErrCodeKeyNotFound {
			t.Errorf("error code = %s, want %s", code, ErrCodeKeyNotFound)
		}
	})

	t.Run("delete_removes_key", func(t *testing.T) {
		if err := store.StateSet("del.json", "a", "1"); err != nil {
			t.Fatalf("StateSet() failed: %v", err)
		}
		if err := store.StateDelete("del.json", "a"); err != nil {
			t.Fatalf("StateDelete() failed: %v", err)
		}
		if _, err := store.StateGet("del.json", "a"); err == nil {
			t.Error("deleted key still readable")
		}
	})

	t.Run("keys_sorted", func(t *testing.T) {
		for _, k := range []string{"zeta", "alpha", "mid"} {
			if err := store.StateSet("sorted.json", k, "v"); err != nil {
				t.Fatalf("StateSet() failed: %v", err)
			}
		}
		keys, err := store.StateKeys("sorted.json")
		if err != nil {
			t.Fatalf("StateKeys() failed: %v", err)
		}
		want := []string{"alpha", "mid", "zeta"}
		if len(keys) != len(want) {
			t.Fatalf("keys = %v", keys)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
			}
		}
	})

	t.Run("corrupt_state_file_is_integrity_error", func(t *testing.T) {
		path := filepath.Join(store.Config().StateDir(), "corrupt.json")
		if err := os.WriteFile(path, []byte("{broken"), 0600); err != nil {
			t.Fatalf("setup: %v", err)
		}
		_, err := store.StateGet("corrupt.json", "k")
		if err == nil {
			t.Fatal("corrupt state file accepted")
		}
		if !IsIntegrityError(err) {
			t.Errorf("expected integrity error, got %v", err)
		}
	})
}

func TestLockTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock semantics differ on windows")
	}
	root := t.TempDir()
	fast, err := NewStore(&Config{RootDir: root, LockTimeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	path := filepath.Join(fast.Config().StateDir(), "held.txt")

	// Hold the write lock for two seconds from a second handle.
	blocker, err := acquireLock(path+".lock", true, time.Second)
	if err != nil {
		t.Fatalf("blocker lock: %v", err)
	}
	release := time.AfterFunc(2*time.Second, blocker.Release)
	defer release.Stop()
	defer blocker.Release()

	start := time.Now()
	werr := fast.AtomicWrite(path, []byte("x"))
	elapsed := time.Since(start)

	if werr == nil {
		t.Fatal("write under a held lock succeeded before timeout")
	}
	if !IsLockTimeout(werr) {
		t.Errorf("expected lock timeout, got %v", werr)
	}
	// The writer must give up near its own one-second timeout, not wait
	// out the holder.
	if elapsed < 900*time.Millisecond || elapsed > 1700*time.Millisecond {
		t.Errorf("timed out after %v, want about 1s", elapsed)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("timed-out writer left the file behind")
	}
}
