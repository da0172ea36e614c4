// atomic.go: Atomic File Mutations for Bastion
//
// Every mutation follows validate-then-mutate: path and symlink checks run
// immediately before the write, the content lands in a sibling temp file,
// is fsynced, and replaces the destination with a rename. Append and
// increment additionally hold an exclusive lock for the read-modify-write.
// A crash or concurrent access never exposes a half-written file.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/go-errors"
)

// Store mutates files under the orchestrator root. All mutations are
// atomic and gated by path validation; shared state must only change
// through a Store (or the ledger/SQLite layers built on the same
// primitives).
type Store struct {
	config *Config
	audit  *AuditLogger
}

// NewStore creates a Store rooted at config.RootDir, creating the
// orchestrator directory layout if needed.
func NewStore(config *Config) (*Store, error) {
	cfg := config.WithDefaults()
	if err := cfg.EnsureLayout(); err != nil {
		return nil, err
	}
	return &Store{config: cfg}, nil
}

// WithAudit attaches an audit logger; symlink detections and mutations
// are recorded through it. Returns the store for chaining.
func (s *Store) WithAudit(audit *AuditLogger) *Store {
	s.audit = audit
	return s
}

// Config returns the store's effective configuration.
func (s *Store) Config() *Config { return s.config }

// AtomicWrite writes content to path atomically. The destination must
// validate inside the orchestrator root and must not be (or have become)
// a symlink; any validation failure aborts with no partial write.
func (s *Store) AtomicWrite(path string, content []byte) error {
	if err := s.validateTarget(path); err != nil {
		return err
	}

	lock, err := acquireLock(path+".lock", true, s.config.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := s.atomicWriteLocked(path, content); err != nil {
		return err
	}
	s.audit.LogMutation("atomic_write", path, map[string]interface{}{"bytes": len(content)})
	return nil
}

// AtomicAppend appends content to path under an exclusive lock. The file
// is created owner-only if missing.
func (s *Store) AtomicAppend(path string, content []byte) error {
	if err := s.validateTarget(path); err != nil {
		return err
	}

	lock, err := acquireLock(path+".lock", true, s.config.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	// Re-check under the lock: the destination may have been swapped for
	// a symlink between validation and open.
	if err := s.rejectSymlink(path); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 -- path validated against the orchestrator root
	if err != nil {
		return errors.Wrap(err, ErrCodeIOError, "cannot open file for append").
			WithContext("path", path)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(content); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "append failed").
			WithContext("path", path)
	}
	if err := file.Sync(); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "fsync failed").
			WithContext("path", path)
	}
	s.audit.LogMutation("atomic_append", path, map[string]interface{}{"bytes": len(content)})
	return nil
}

// AtomicIncrement adds delta to the numeric counter stored at path and
// returns the new value, holding an exclusive lock for the whole
// read-modify-write. A missing file counts from zero; a non-numeric file
// is a validation failure, never silently reset.
func (s *Store) AtomicIncrement(path string, delta int64) (int64, error) {
	if err := s.validateTarget(path); err != nil {
		return 0, err
	}

	lock, err := acquireLock(path+".lock", true, s.config.LockTimeout)
	if err != nil {
		return 0, err
	}
	defer lock.Release()

	if err := s.rejectSymlink(path); err != nil {
		return 0, err
	}

	var current int64
	data, err := os.ReadFile(path) // #nosec G304 -- path validated against the orchestrator root
	switch {
	case err == nil:
		trimmed := strings.TrimSpace(string(data))
		if trimmed != "" {
			current, err = strconv.ParseInt(trimmed, 10, 64)
			if err != nil {
				return 0, errors.Wrap(err, ErrCodeInvalidInput, "counter file is not numeric").
					WithContext("path", path)
			}
		}
	case os.IsNotExist(err):
		current = 0
	default:
		return 0, errors.Wrap(err, ErrCodeIOError, "cannot read counter file").
			WithContext("path", path)
	}

	next := current + delta
	if err := s.atomicWriteLocked(path, []byte(strconv.FormatInt(next, 10))); err != nil {
		return 0, err
	}
	s.audit.LogMutation("atomic_increment", path, map[string]interface{}{"value": next})
	return next, nil
}

// Delete removes path after re-validating it.
func (s *Store) Delete(path string) error {
	if err := s.validateTarget(path); err != nil {
		return err
	}

	lock, err := acquireLock(path+".lock", true, s.config.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, ErrCodeIOError, "delete failed").
			WithContext("path", path)
	}
	s.audit.LogMutation("delete", path, nil)
	return nil
}

// validateTarget runs the full fail-closed path check against the
// orchestrator root. Lock files are not valid mutation targets. The
// symlink walk runs before the containment check: containment
// canonicalizes a symlinked target away, so a swapped destination must
// surface as an integrity violation first, not as a containment failure.
func (s *Store) validateTarget(path string) error {
	if strings.HasSuffix(path, ".lock") {
		return errors.New(ErrCodeInvalidPath, "lock files are not mutable state")
	}
	if err := s.ensureSymlinkSafe(path); err != nil {
		return err
	}
	return EnsurePathInDirectory(path, s.config.RootDir)
}

func (s *Store) ensureSymlinkSafe(path string) error {
	err := EnsureSymlinkSafe(path, s.config.RootDir)
	if err != nil && GetErrorCode(err) == ErrCodeSymlinkDetected {
		s.audit.LogSecurityEvent("symlink_escape_blocked", "Symlink component escapes orchestrator root",
			map[string]interface{}{
				"safeguard": "symlink_validation",
				"path":      path,
			})
	}
	return err
}

// rejectSymlink refuses a destination that is itself a symlink. Runs
// under the mutation lock, immediately before the write.
func (s *Store) rejectSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, ErrCodeIOError, "cannot inspect destination").
			WithContext("path", path)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		s.audit.LogSecurityEvent("symlink_swap_blocked", "Destination was swapped for a symlink",
			map[string]interface{}{
				"safeguard": "symlink_validation",
				"path":      path,
			})
		return errors.New(ErrCodeSymlinkDetected, "destination is a symlink").
			WithContext("path", path)
	}
	return nil
}

// atomicWriteLocked performs the temp-fsync-rename dance. Caller holds
// the mutation lock and has validated the path.
func (s *Store) atomicWriteLocked(path string, content []byte) error {
	if err := s.rejectSymlink(path); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tempPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%d", base, time.Now().UnixNano()))

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600) // #nosec G304 -- sibling of a validated path
	if err != nil {
		return errors.Wrap(err, ErrCodeIOError, "cannot create temp file").
			WithContext("path", tempPath)
	}

	if _, err := file.Write(content); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		return errors.Wrap(err, ErrCodeIOError, "temp file write failed").
			WithContext("path", tempPath)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		return errors.Wrap(err, ErrCodeIOError, "temp file fsync failed").
			WithContext("path", tempPath)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tempPath)
		return errors.Wrap(err, ErrCodeIOError, "temp file close failed").
			WithContext("path", tempPath)
	}

	// Final symlink re-check right before the rename lands.
	if err := s.rejectSymlink(path); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return errors.Wrap(err, ErrCodeIOError, "atomic rename failed").
			WithContext("path", path)
	}
	return nil
}
