// ledger.go: Append-Only Event Ledger for Bastion
//
// JSONL event log serialized by advisory file locks: writers hold an
// exclusive lock with a bounded wait, readers hold a shared lock. Every
// byte-range between two newlines is a complete, parseable JSON object
// carrying at least {event, id, timestamp}. Rotation archives the active
// file under the same exclusive lock so readers never observe a
// half-rotated ledger.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// Reserved ledger entry fields. Payload keys never override them.
const (
	ledgerFieldEvent     = "event"
	ledgerFieldID        = "id"
	ledgerFieldTimestamp = "timestamp"
)

// maxLedgerLineSize bounds a single line during reads. Matches the write
// path, which rejects entries above the JSON size bound before locking.
const maxLedgerLineSize = 1 << 20

// IntegrityStatus is the verdict of a ledger integrity check.
type IntegrityStatus string

const (
	IntegrityPass IntegrityStatus = "PASS"
	IntegrityFail IntegrityStatus = "FAIL"
)

// IntegrityReport summarizes a full-ledger verification pass.
type IntegrityReport struct {
	Status       IntegrityStatus `json:"status"`
	TotalLines   int             `json:"total_lines"`
	InvalidLines []int           `json:"invalid_lines,omitempty"` // 1-based line numbers
}

// EntryFilter selects entries during reads. A nil filter matches all.
type EntryFilter func(entry map[string]interface{}) bool

// Ledger is the append-only event log. Safe for concurrent use across
// cooperating processes; every operation acquires its own bounded lock.
type Ledger struct {
	path      string
	lockPath  string
	rootDir   string
	maxSize   int64
	timeout   time.Duration
	sanitizer *Sanitizer
}

// NewLedger opens (creating if necessary) the ledger described by config.
func NewLedger(config *Config) (*Ledger, error) {
	cfg := config.WithDefaults()
	if err := cfg.EnsureLayout(); err != nil {
		return nil, err
	}

	path := cfg.LedgerPath()
	if err := EnsurePathInDirectory(path, cfg.RootDir); err != nil {
		return nil, err
	}

	sanitizer, err := NewSanitizer(cfg)
	if err != nil {
		return nil, err
	}

	return &Ledger{
		path:      path,
		lockPath:  path + ".lock",
		rootDir:   cfg.RootDir,
		maxSize:   cfg.LedgerMaxSize,
		timeout:   cfg.LockTimeout,
		sanitizer: sanitizer,
	}, nil
}

// Path returns the active ledger file path.
func (l *Ledger) Path() string { return l.path }

// Append records one event with a generated id and timestamp plus the
// given payload fields, as exactly one JSONL line, under an exclusive
// lock. On lock timeout the ledger is guaranteed unchanged and the caller
// must treat the failure as hard; appending unlocked is never an option.
func (l *Ledger) Append(event string, payload map[string]interface{}) error {
	if event == "" {
		return errors.New(ErrCodeInvalidInput, "empty ledger event name")
	}

	entry := make(map[string]interface{}, len(payload)+3)
	for k, v := range payload {
		if k == ledgerFieldEvent || k == ledgerFieldID || k == ledgerFieldTimestamp {
			continue
		}
		entry[k] = v
	}
	entry[ledgerFieldEvent] = event
	entry[ledgerFieldID] = uuid.NewString()
	entry[ledgerFieldTimestamp] = timecache.CachedTime().Format(time.RFC3339Nano)

	line, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, ErrCodeMalformedJSON, "cannot serialize ledger entry")
	}
	return l.appendLine(line)
}

// AppendEntry records a caller-built JSON object, filling in any missing
// id/timestamp fields. The entry is bounded and parsed before the lock is
// taken so hostile input never holds the ledger.
func (l *Ledger) AppendEntry(entryJSON []byte) error {
	parsed, err := l.sanitizer.SafeParseJSON(entryJSON)
	if err != nil {
		return err
	}
	entry, ok := parsed.(map[string]interface{})
	if !ok {
		return errors.New(ErrCodeInvalidInput, "ledger entry must be a JSON object")
	}
	if _, ok := entry[ledgerFieldEvent].(string); !ok {
		return errors.New(ErrCodeInvalidInput, "ledger entry missing event field")
	}
	if _, ok := entry[ledgerFieldID]; !ok {
		entry[ledgerFieldID] = uuid.NewString()
	}
	if _, ok := entry[ledgerFieldTimestamp]; !ok {
		entry[ledgerFieldTimestamp] = timecache.CachedTime().Format(time.RFC3339Nano)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, ErrCodeMalformedJSON, "cannot serialize ledger entry")
	}
	return l.appendLine(line)
}

// appendLine bounds, masks and writes one complete line under the
// exclusive lock, rotating first when the size threshold is exceeded.
func (l *Ledger) appendLine(line []byte) error {
	if err := l.sanitizer.ValidateJSONSize(line); err != nil {
		return err
	}
	if err := l.sanitizer.ValidateJSONDepth(line); err != nil {
		return err
	}
	masked := l.sanitizer.MaskSecrets(string(line))

	lock, err := acquireLock(l.lockPath, true, l.timeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := l.rotateLocked(); err != nil {
		return err
	}
	return l.writeLocked([]string{masked})
}

// writeLocked appends the given pre-masked lines. Caller holds the
// exclusive lock and has re-validated rotation.
func (l *Ledger) writeLocked(lines []string) error {
	// Validate immediately before the mutation, while the lock is held.
	if err := EnsureSymlinkSafe(l.path, l.rootDir); err != nil {
		return err
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 -- path validated against the orchestrator root
	if err != nil {
		return errors.Wrap(err, ErrCodeIOError, "cannot open ledger for append").
			WithContext("path", l.path)
	}
	defer func() { _ = file.Close() }()

	for _, line := range lines {
		if _, err := file.WriteString(line + "\n"); err != nil {
			return errors.Wrap(err, ErrCodeIOError, "ledger append failed").
				WithContext("path", l.path)
		}
	}
	if err := file.Sync(); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "ledger fsync failed").
			WithContext("path", l.path)
	}
	return nil
}

// ReadEntries streams all entries matching filter under a shared lock.
// Concurrent readers coexist; a pending writer and a held read lock block
// each other. A malformed line fails the read with an integrity error.
func (l *Ledger) ReadEntries(filter EntryFilter) ([]map[string]interface{}, error) {
	lock, err := acquireLock(l.lockPath, false, l.timeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	file, err := os.Open(l.path) // #nosec G304 -- path validated against the orchestrator root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, ErrCodeIOError, "cannot open ledger").
			WithContext("path", l.path)
	}
	defer func() { _ = file.Close() }()

	var entries []map[string]interface{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLedgerLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, errors.Wrap(err, ErrCodeLedgerCorrupt, "malformed ledger line").
				WithContext("line", lineNo)
		}
		if filter == nil || filter(entry) {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "ledger read failed")
	}
	return entries, nil
}

// ReadByEvent returns all entries whose event field equals event.
func (l *Ledger) ReadByEvent(event string) ([]map[string]interface{}, error) {
	return l.ReadEntries(func(entry map[string]interface{}) bool {
		name, _ := entry[ledgerFieldEvent].(string)
		return name == event
	})
}

// VerifyIntegrity parses every ledger line under a shared lock. The
// result is PASS iff all lines parse as JSON; a single malformed line
// fails the whole ledger.
func (l *Ledger) VerifyIntegrity() (*IntegrityReport, error) {
	lock, err := acquireLock(l.lockPath, false, l.timeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	report := &IntegrityReport{Status: IntegrityPass}

	file, err := os.Open(l.path) // #nosec G304 -- path validated against the orchestrator root
	if err != nil {
		if os.IsNotExist(err) {
			// An absent ledger has no corrupt lines.
			return report, nil
		}
		return nil, errors.Wrap(err, ErrCodeIOError, "cannot open ledger").
			WithContext("path", l.path)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLedgerLineSize)
	for scanner.Scan() {
		report.TotalLines++
		var entry map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			report.Status = IntegrityFail
			report.InvalidLines = append(report.InvalidLines, report.TotalLines)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "ledger read failed")
	}
	return report, nil
}

// RotateIfNeeded archives the active ledger to a timestamped sibling and
// starts a fresh one once the configured size threshold is exceeded.
func (l *Ledger) RotateIfNeeded() error {
	lock, err := acquireLock(l.lockPath, true, l.timeout)
	if err != nil {
		return err
	}
	defer lock.Release()
	return l.rotateLocked()
}

// rotateLocked performs the rotation check. Caller holds the exclusive
// lock.
func (l *Ledger) rotateLocked() error {
	info, err := os.Lstat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, ErrCodeIOError, "cannot stat ledger").
			WithContext("path", l.path)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return errors.New(ErrCodeSymlinkDetected, "ledger path is a symlink").
			WithContext("path", l.path)
	}
	if info.Size() < l.maxSize {
		return nil
	}

	stamp := timecache.CachedTime().UTC().Format("20060102T150405.000000000")
	base := filepath.Base(l.path)
	archive := filepath.Join(filepath.Dir(l.path), fmt.Sprintf("%s.%s", base, stamp))
	if err := EnsurePathInDirectory(archive, l.rootDir); err != nil {
		return err
	}
	if err := os.Rename(l.path, archive); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "ledger rotation failed").
			WithContext("path", l.path).
			WithContext("archive", archive)
	}
	return nil
}

// writeAuditBatch appends a batch of pre-serialized audit lines in one
// lock acquisition. Used by the audit logger's flush path.
func (l *Ledger) writeAuditBatch(lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	masked := make([]string, len(lines))
	for i, line := range lines {
		masked[i] = l.sanitizer.MaskSecrets(line)
	}

	lock, err := acquireLock(l.lockPath, true, l.timeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := l.rotateLocked(); err != nil {
		return err
	}
	return l.writeLocked(masked)
}
