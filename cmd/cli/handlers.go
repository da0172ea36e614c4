// Command handlers for the Bastion CLI
//
// This file contains all command handler implementations for the Orpheus-powered CLI.
// Every handler resolves its target through the trust-boundary validators before
// touching the filesystem; failures surface as coded errors and exit non-zero.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/agilira/bastion"
	cliutil "github.com/agilira/bastion/internal/cli"
	"github.com/agilira/go-errors"
	"github.com/agilira/orpheus/pkg/orpheus"
)

// Ledger Handlers

// handleLedgerAppend appends one event to the append-only ledger.
func (m *Manager) handleLedgerAppend(ctx *orpheus.Context) error {
	event := ctx.GetArg(0)
	if event == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "event name is required")
	}

	var payload map[string]interface{}
	if data := ctx.GetFlagString("data"); data != "" {
		parsed, err := bastion.SafeParseJSON([]byte(data))
		if err != nil {
			return errors.Wrap(err, bastion.ErrCodeMalformedJSON, "invalid --data payload")
		}
		obj, ok := parsed.(map[string]interface{})
		if !ok {
			return errors.New(bastion.ErrCodeMalformedJSON, "--data must be a JSON object")
		}
		payload = obj
	}

	ledger, err := m.openLedger()
	if err != nil {
		return err
	}
	if err := ledger.Append(event, payload); err != nil {
		return errors.Wrap(err, bastion.ErrCodeIOError, "failed to append ledger event")
	}

	fmt.Printf("Appended %q to %s\n", event, ledger.Path())
	return nil
}

// handleLedgerRead prints ledger entries, optionally filtered by event type.
func (m *Manager) handleLedgerRead(ctx *orpheus.Context) error {
	ledger, err := m.openLedger()
	if err != nil {
		return err
	}

	event := ctx.GetFlagString("event")
	limit := ctx.GetFlagInt("limit")

	var entries []map[string]interface{}
	if event != "" {
		entries, err = ledger.ReadByEvent(event)
	} else {
		entries, err = ledger.ReadEntries(nil)
	}
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeIOError, "failed to read ledger")
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for _, entry := range entries {
		if err := cliutil.PrintJSON(os.Stdout, entry); err != nil {
			return errors.Wrap(err, bastion.ErrCodeIOError, "failed to render entry")
		}
	}
	return nil
}

// handleLedgerVerify checks every ledger line and reports PASS or FAIL.
func (m *Manager) handleLedgerVerify(ctx *orpheus.Context) error {
	ledger, err := m.openLedger()
	if err != nil {
		return err
	}

	report, err := ledger.VerifyIntegrity()
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeIOError, "integrity verification failed")
	}

	fmt.Printf("Status: %s\n", report.Status)
	fmt.Printf("Total lines: %d\n", report.TotalLines)
	if len(report.InvalidLines) > 0 {
		fmt.Printf("Invalid lines: %v\n", report.InvalidLines)
	}
	if report.Status != bastion.IntegrityPass {
		return errors.New(bastion.ErrCodeLedgerCorrupt, "ledger integrity check failed")
	}
	return nil
}

// handleLedgerRotate rotates the ledger when it exceeds the size limit.
func (m *Manager) handleLedgerRotate(ctx *orpheus.Context) error {
	ledger, err := m.openLedger()
	if err != nil {
		return err
	}
	if err := ledger.RotateIfNeeded(); err != nil {
		return errors.Wrap(err, bastion.ErrCodeIOError, "ledger rotation failed")
	}
	fmt.Println("Rotation check complete")
	return nil
}

// File-backed State Handlers

func (m *Manager) handleStateSet(ctx *orpheus.Context) error {
	filePath := ctx.GetArg(0)
	key := ctx.GetArg(1)
	value := ctx.GetArg(2)
	if filePath == "" || key == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: state set <file> <key> <value>")
	}

	store, err := m.openStore()
	if err != nil {
		return err
	}
	if err := store.StateSet(filePath, key, value); err != nil {
		return errors.Wrap(err, bastion.ErrCodeIOError, "failed to set state value")
	}

	fmt.Printf("Set %s = %s in %s\n", key, value, filePath)
	return nil
}

func (m *Manager) handleStateGet(ctx *orpheus.Context) error {
	filePath := ctx.GetArg(0)
	key := ctx.GetArg(1)
	if filePath == "" || key == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: state get <file> <key>")
	}

	store, err := m.openStore()
	if err != nil {
		return err
	}
	value, err := store.StateGet(filePath, key)
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeKeyNotFound, fmt.Sprintf("key '%s' not found", key))
	}

	fmt.Println(value)
	return nil
}

func (m *Manager) handleStateDelete(ctx *orpheus.Context) error {
	filePath := ctx.GetArg(0)
	key := ctx.GetArg(1)
	if filePath == "" || key == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: state delete <file> <key>")
	}

	store, err := m.openStore()
	if err != nil {
		return err
	}
	if err := store.StateDelete(filePath, key); err != nil {
		return errors.Wrap(err, bastion.ErrCodeIOError, "failed to delete state key")
	}

	fmt.Printf("Deleted %s from %s\n", key, filePath)
	return nil
}

func (m *Manager) handleStateKeys(ctx *orpheus.Context) error {
	filePath := ctx.GetArg(0)
	if filePath == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: state keys <file>")
	}

	store, err := m.openStore()
	if err != nil {
		return err
	}
	keys, err := store.StateKeys(filePath)
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeIOError, "failed to list state keys")
	}

	for _, key := range keys {
		fmt.Println(key)
	}
	return nil
}

// SQLite State Handlers

// handleDatabaseInit creates the state database and applies migrations.
// Safe to run repeatedly; an existing schema is left untouched.
func (m *Manager) handleDatabaseInit(ctx *orpheus.Context) error {
	db, err := m.openDatabase()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	fmt.Printf("Database ready at %s\n", m.config.DatabasePath())
	return nil
}

func (m *Manager) handleDatabaseSet(ctx *orpheus.Context) error {
	filePath := ctx.GetArg(0)
	key := ctx.GetArg(1)
	value := ctx.GetArg(2)
	if filePath == "" || key == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: db set <file> <key> <value>")
	}

	db, err := m.openDatabase()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Set(filePath, key, value); err != nil {
		return errors.Wrap(err, bastion.ErrCodeDatabaseError, "failed to set database value")
	}
	fmt.Printf("Set %s = %s for %s\n", key, value, filePath)
	return nil
}

func (m *Manager) handleDatabaseGet(ctx *orpheus.Context) error {
	filePath := ctx.GetArg(0)
	key := ctx.GetArg(1)
	if filePath == "" || key == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: db get <file> <key>")
	}

	db, err := m.openDatabase()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	value, err := db.Get(filePath, key)
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeKeyNotFound, fmt.Sprintf("key '%s' not found", key))
	}
	fmt.Println(value)
	return nil
}

func (m *Manager) handleDatabaseDelete(ctx *orpheus.Context) error {
	filePath := ctx.GetArg(0)
	key := ctx.GetArg(1)
	if filePath == "" || key == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: db delete <file> <key>")
	}

	db, err := m.openDatabase()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Delete(filePath, key); err != nil {
		return errors.Wrap(err, bastion.ErrCodeDatabaseError, "failed to delete database key")
	}
	fmt.Printf("Deleted %s for %s\n", key, filePath)
	return nil
}

func (m *Manager) handleDatabaseKeys(ctx *orpheus.Context) error {
	filePath := ctx.GetArg(0)
	if filePath == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: db keys <file>")
	}

	db, err := m.openDatabase()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	keys, err := db.Keys(filePath)
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeDatabaseError, "failed to list database keys")
	}
	for _, key := range keys {
		fmt.Println(key)
	}
	return nil
}

func (m *Manager) handleDatabaseStats(ctx *orpheus.Context) error {
	db, err := m.openDatabase()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	stats, err := db.Stats()
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeDatabaseError, "failed to collect statistics")
	}

	fmt.Printf("Entries: %d\n", stats.Entries)
	fmt.Printf("History rows: %d\n", stats.HistoryRows)
	fmt.Printf("Schema version: %d\n", stats.SchemaVersion)
	return nil
}

func (m *Manager) handleDatabaseMaintain(ctx *orpheus.Context) error {
	db, err := m.openDatabase()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Maintenance(); err != nil {
		return errors.Wrap(err, bastion.ErrCodeDatabaseError, "maintenance failed")
	}
	fmt.Println("Maintenance complete")
	return nil
}

// Atomic File Handlers

// handleFileWrite atomically writes a file inside the sandbox root.
// Content is the second argument, or stdin when omitted.
func (m *Manager) handleFileWrite(ctx *orpheus.Context) error {
	path := ctx.GetArg(0)
	if path == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: file write <path> [content]")
	}
	content, err := argOrStdin(ctx, 1)
	if err != nil {
		return err
	}

	store, err := m.openStore()
	if err != nil {
		return err
	}
	if err := store.AtomicWrite(path, content); err != nil {
		return errors.Wrap(err, bastion.ErrCodeIOError, "atomic write failed")
	}

	fmt.Printf("Wrote %d bytes to %s\n", len(content), path)
	return nil
}

func (m *Manager) handleFileAppend(ctx *orpheus.Context) error {
	path := ctx.GetArg(0)
	if path == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: file append <path> [content]")
	}
	content, err := argOrStdin(ctx, 1)
	if err != nil {
		return err
	}

	store, err := m.openStore()
	if err != nil {
		return err
	}
	if err := store.AtomicAppend(path, content); err != nil {
		return errors.Wrap(err, bastion.ErrCodeIOError, "atomic append failed")
	}

	fmt.Printf("Appended %d bytes to %s\n", len(content), path)
	return nil
}

func (m *Manager) handleFileIncr(ctx *orpheus.Context) error {
	path := ctx.GetArg(0)
	if path == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: file incr <path> [--delta=1]")
	}

	store, err := m.openStore()
	if err != nil {
		return err
	}
	value, err := store.AtomicIncrement(path, int64(ctx.GetFlagInt("delta")))
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeIOError, "atomic increment failed")
	}

	fmt.Println(value)
	return nil
}

func (m *Manager) handleFileDelete(ctx *orpheus.Context) error {
	path := ctx.GetArg(0)
	if path == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: file delete <path>")
	}

	store, err := m.openStore()
	if err != nil {
		return err
	}
	if err := store.Delete(path); err != nil {
		return errors.Wrap(err, bastion.ErrCodeIOError, "delete failed")
	}

	fmt.Printf("Deleted %s\n", path)
	return nil
}

// Gate Handlers

// handleGateCheck evaluates the reported metrics against the effective
// thresholds. A failed gate exits non-zero with the reasons printed.
func (m *Manager) handleGateCheck(ctx *orpheus.Context) error {
	report := bastion.GateReport{
		Coverage:      ctx.GetFlagString("coverage"),
		SecurityScore: ctx.GetFlagString("security"),
		Confidence:    ctx.GetFlagString("confidence"),
		CriticalVulns: ctx.GetFlagString("vulns"),
	}

	validator, err := m.newGateValidator()
	if err != nil {
		return err
	}
	decision, err := validator.Evaluate(report)
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeInvalidScore, "gate evaluation rejected input")
	}

	if decision.Passed {
		fmt.Println("Gate: PASS")
		return nil
	}
	fmt.Println("Gate: FAIL")
	for _, reason := range decision.Reasons {
		fmt.Printf("  - %s\n", reason)
	}
	return errors.New(bastion.ErrCodeGateFailed, "quality gate failed")
}

func (m *Manager) handleGateThresholds(ctx *orpheus.Context) error {
	validator, err := m.newGateValidator()
	if err != nil {
		return err
	}

	fmt.Printf("Min coverage: %.1f\n", validator.MinCoverage())
	fmt.Printf("Min security score: %.1f\n", validator.MinSecurityScore())
	fmt.Printf("Max critical vulns: %d\n", validator.MaxCriticalVulns())
	fmt.Printf("Test runner: %s\n", valueOrNone(m.config.Gates.TestRunner))
	return nil
}

// Sanitizer Handlers

// handleMask masks secrets in the given text and prints the result.
// Text without secret material passes through byte for byte.
func (m *Manager) handleMask(ctx *orpheus.Context) error {
	text, err := argOrStdin(ctx, 0)
	if err != nil {
		return err
	}

	sanitizer, err := bastion.NewSanitizer(m.config)
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeInvalidConfig, "failed to build sanitizer")
	}
	fmt.Print(sanitizer.MaskSecrets(string(text)))
	return nil
}

// handleScan rejects text containing dangerous command patterns.
func (m *Manager) handleScan(ctx *orpheus.Context) error {
	text, err := argOrStdin(ctx, 0)
	if err != nil {
		return err
	}

	sanitizer, err := bastion.NewSanitizer(m.config)
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeInvalidConfig, "failed to build sanitizer")
	}

	input := string(text)
	if ctx.GetFlagBool("llm") {
		input = bastion.SanitizeLLMInput(input)
	}
	if err := sanitizer.CheckDangerousPatterns(input); err != nil {
		if m.auditLogger != nil {
			m.auditLogger.LogSecurityEvent("cli_dangerous_pattern", err.Error(), nil)
		}
		return errors.Wrap(err, bastion.ErrCodeDangerousPattern, "dangerous pattern detected")
	}

	fmt.Println("Clean")
	return nil
}

// Execution Handlers

func (m *Manager) handleWhich(ctx *orpheus.Context) error {
	name := ctx.GetArg(0)
	if name == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: which <name>")
	}

	resolver, err := m.newResolver()
	if err != nil {
		return err
	}
	path, err := resolver.SecureWhich(name)
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeUntrustedBinary, fmt.Sprintf("'%s' not found in trusted directories", name))
	}

	fmt.Println(path)
	return nil
}

// handleExec runs a trusted binary with loader and interpreter hijack
// variables stripped from the environment.
func (m *Manager) handleExec(ctx *orpheus.Context) error {
	name := ctx.GetArg(0)
	if name == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: exec <name> [args...]")
	}
	var args []string
	for i := 1; ; i++ {
		arg := ctx.GetArg(i)
		if arg == "" {
			break
		}
		args = append(args, arg)
	}

	timeout, err := time.ParseDuration(ctx.GetFlagString("timeout"))
	if err != nil || timeout <= 0 {
		timeout = 60 * time.Second
	}

	resolver, err := m.newResolver()
	if err != nil {
		return err
	}

	execCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if m.auditLogger != nil {
		m.auditLogger.LogSecurityEvent("cli_exec", name, map[string]interface{}{
			"args": strings.Join(args, " "),
		})
	}

	output, err := resolver.SafeEnvExec(execCtx, name, args...)
	os.Stdout.Write(output)
	if err != nil {
		return errors.Wrap(err, bastion.ErrCodeExecFailed, fmt.Sprintf("execution of '%s' failed", name))
	}
	return nil
}

// Utility Handlers

func (m *Manager) handlePathCheck(ctx *orpheus.Context) error {
	path := ctx.GetArg(0)
	if path == "" {
		return errors.New(bastion.ErrCodeInvalidInput, "usage: path check <path>")
	}

	root := m.config.RootDir
	if err := bastion.EnsurePathInDirectory(path, root); err != nil {
		return errors.Wrap(err, bastion.ErrCodeUnsafePath, fmt.Sprintf("path escapes %s", root))
	}
	if err := bastion.EnsureSymlinkSafe(path, root); err != nil {
		return errors.Wrap(err, bastion.ErrCodeSymlinkDetected, "symlink escapes the sandbox root")
	}

	fmt.Println("OK")
	return nil
}

// handleInfo prints the effective configuration and runtime details.
func (m *Manager) handleInfo(ctx *orpheus.Context) error {
	fmt.Println("Bastion - trust-boundary safeguards")
	fmt.Println()
	fmt.Printf("Root: %s\n", m.config.RootDir)
	fmt.Printf("Ledger: %s\n", m.config.LedgerPath())
	fmt.Printf("Database: %s\n", m.config.DatabasePath())
	fmt.Printf("Trusted bin dirs: %s\n", strings.Join(m.config.TrustedBinDirs, ":"))
	fmt.Printf("Lock timeout: %s\n", m.config.LockTimeout)

	if ctx.GetFlagBool("verbose") {
		fmt.Println()
		fmt.Printf("Max JSON size: %s\n", cliutil.FormatBytes(int64(m.config.MaxJSONSize)))
		fmt.Printf("Max JSON depth: %d\n", m.config.MaxJSONDepth)
		fmt.Printf("Ledger max size: %s\n", cliutil.FormatBytes(m.config.LedgerMaxSize))
		fmt.Printf("Audit enabled: %v\n", m.config.Audit.Enabled)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	}
	return nil
}
