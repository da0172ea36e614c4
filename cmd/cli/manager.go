// Package cli provides the command-line interface for Bastion trust-boundary management.
//
// This package implements the CLI using the Orpheus framework, exposing the
// Bastion safeguards as git-style subcommands:
//
// - ledger: append-only ledger operations (append, read, verify, rotate)
// - state: file-backed key/value state (set, get, delete, keys)
// - db: SQLite-backed durable state (init, set, get, delete, keys, stats, maintain)
// - file: atomic file mutations (write, append, incr, delete)
// - gate: quality gate evaluation against immutable floors
// - mask/scan: input sanitization and dangerous pattern detection
// - which/exec: trusted binary resolution and hardened execution
//
// Architecture:
// - Manager: CLI orchestration, command routing and component wiring
// - Handlers: individual command implementations
// - Utils: shared helpers for component construction and output
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"github.com/agilira/bastion"
	"github.com/agilira/orpheus/pkg/orpheus"
)

// Manager provides CLI operations for Bastion trust-boundary management.
// All commands operate inside the sandbox root carried by the configuration;
// paths outside it are rejected before any filesystem mutation happens.
type Manager struct {
	app         *orpheus.App
	config      *bastion.Config      // effective configuration, defaults applied
	auditLogger *bastion.AuditLogger // Optional audit integration
}

// NewManager creates a new CLI manager powered by Orpheus.
// The configuration is resolved from the environment (BASTION_* variables);
// use NewManagerWithConfig when the caller already holds a configuration.
func NewManager() *Manager {
	return NewManagerWithConfig(bastion.LoadConfigFromEnv())
}

// NewManagerWithConfig creates a CLI manager bound to an explicit configuration.
func NewManagerWithConfig(config *bastion.Config) *Manager {
	app := orpheus.New("bastion").
		SetDescription("Trust-boundary safeguards for autonomous task execution").
		SetVersion("1.0.0")

	manager := &Manager{
		app:    app,
		config: config.WithDefaults(),
	}

	// Setup command structure with fluent API
	manager.setupLedgerCommands()
	manager.setupStateCommands()
	manager.setupDatabaseCommands()
	manager.setupFileCommands()
	manager.setupGateCommands()
	manager.setupSanitizeCommands()
	manager.setupExecCommands()
	manager.setupUtilityCommands()

	return manager
}

// WithAudit enables audit logging for all CLI operations.
// Mutations and security decisions are recorded to the append-only ledger.
func (m *Manager) WithAudit(auditLogger *bastion.AuditLogger) *Manager {
	m.auditLogger = auditLogger
	return m
}

// Config returns the effective configuration the manager operates on.
func (m *Manager) Config() *bastion.Config {
	return m.config
}

// Run executes the CLI application with the provided arguments.
func (m *Manager) Run(args []string) error {
	return m.app.Run(args)
}

// Command Setup Methods

// setupLedgerCommands configures the 'ledger' command group.
func (m *Manager) setupLedgerCommands() {
	ledgerCmd := orpheus.NewCommand("ledger", "Append-only event ledger operations")

	// ledger append <event> [--data={}]
	appendCmd := ledgerCmd.Subcommand("append", "Append an event to the ledger", m.handleLedgerAppend)
	appendCmd.AddFlag("data", "d", "", "Event payload as a JSON object")

	// ledger read [--event=] [--limit=0]
	readCmd := ledgerCmd.Subcommand("read", "Read ledger entries", m.handleLedgerRead)
	readCmd.AddFlag("event", "e", "", "Event type filter")
	readCmd.AddIntFlag("limit", "l", 0, "Maximum entries to print (0 = all)")

	// ledger verify
	ledgerCmd.Subcommand("verify", "Verify ledger integrity", m.handleLedgerVerify)

	// ledger rotate
	ledgerCmd.Subcommand("rotate", "Rotate the ledger if it exceeds the size limit", m.handleLedgerRotate)

	m.app.AddCommand(ledgerCmd)
}

// setupStateCommands configures the 'state' command group for file-backed state.
func (m *Manager) setupStateCommands() {
	stateCmd := orpheus.NewCommand("state", "File-backed key/value state operations")

	// state set <file> <key> <value>
	stateCmd.Subcommand("set", "Set a state value", m.handleStateSet)

	// state get <file> <key>
	stateCmd.Subcommand("get", "Get a state value", m.handleStateGet)

	// state delete <file> <key>
	stateCmd.Subcommand("delete", "Delete a state key", m.handleStateDelete)

	// state keys <file>
	stateCmd.Subcommand("keys", "List keys in a state file", m.handleStateKeys)

	m.app.AddCommand(stateCmd)
}

// setupDatabaseCommands configures the 'db' command group for SQLite-backed state.
func (m *Manager) setupDatabaseCommands() {
	dbCmd := orpheus.NewCommand("db", "SQLite-backed durable state operations")

	// db init
	dbCmd.Subcommand("init", "Initialize the state database schema", m.handleDatabaseInit)

	// db set <file> <key> <value>
	dbCmd.Subcommand("set", "Set a database state value", m.handleDatabaseSet)

	// db get <file> <key>
	dbCmd.Subcommand("get", "Get a database state value", m.handleDatabaseGet)

	// db delete <file> <key>
	dbCmd.Subcommand("delete", "Delete a database state key", m.handleDatabaseDelete)

	// db keys <file>
	dbCmd.Subcommand("keys", "List database keys for a file path", m.handleDatabaseKeys)

	// db stats
	dbCmd.Subcommand("stats", "Show database statistics", m.handleDatabaseStats)

	// db maintain
	dbCmd.Subcommand("maintain", "Prune history and checkpoint the WAL", m.handleDatabaseMaintain)

	m.app.AddCommand(dbCmd)
}

// setupFileCommands configures the 'file' command group for atomic mutations.
func (m *Manager) setupFileCommands() {
	fileCmd := orpheus.NewCommand("file", "Atomic file operations inside the sandbox root")

	// file write <path> [content] (stdin when omitted)
	fileCmd.Subcommand("write", "Atomically write a file", m.handleFileWrite)

	// file append <path> [content]
	fileCmd.Subcommand("append", "Atomically append to a file", m.handleFileAppend)

	// file incr <path> [--delta=1]
	incrCmd := fileCmd.Subcommand("incr", "Atomically increment a numeric counter file", m.handleFileIncr)
	incrCmd.AddIntFlag("delta", "d", 1, "Increment delta (may be negative)")

	// file delete <path>
	fileCmd.Subcommand("delete", "Delete a file inside the sandbox root", m.handleFileDelete)

	m.app.AddCommand(fileCmd)
}

// setupGateCommands configures the 'gate' command group.
func (m *Manager) setupGateCommands() {
	gateCmd := orpheus.NewCommand("gate", "Quality gate evaluation")

	// gate check --coverage= --security= [--confidence=] [--vulns=]
	checkCmd := gateCmd.Subcommand("check", "Evaluate gate metrics against thresholds", m.handleGateCheck)
	checkCmd.AddFlag("coverage", "c", "", "Coverage percentage reported by the test run")
	checkCmd.AddFlag("security", "s", "", "Security score reported by the scanner")
	checkCmd.AddFlag("confidence", "", "", "Model confidence score (0-1 or 0-100)")
	checkCmd.AddFlag("vulns", "", "0", "Critical vulnerability count")

	// gate thresholds
	gateCmd.Subcommand("thresholds", "Show effective gate thresholds", m.handleGateThresholds)

	m.app.AddCommand(gateCmd)
}

// setupSanitizeCommands configures the sanitizer commands.
func (m *Manager) setupSanitizeCommands() {
	// mask [text] (stdin when omitted)
	maskCmd := orpheus.NewCommand("mask", "Mask secrets in text")
	maskCmd.SetHandler(m.handleMask)
	m.app.AddCommand(maskCmd)

	// scan [text] (stdin when omitted)
	scanCmd := orpheus.NewCommand("scan", "Scan text for dangerous command patterns")
	scanCmd.SetHandler(m.handleScan)
	scanCmd.AddBoolFlag("llm", "", false, "Also strip prompt injection directives")
	m.app.AddCommand(scanCmd)
}

// setupExecCommands configures trusted binary resolution and execution.
func (m *Manager) setupExecCommands() {
	// which <name>
	whichCmd := orpheus.NewCommand("which", "Resolve a binary from the trusted directories")
	whichCmd.SetHandler(m.handleWhich)
	m.app.AddCommand(whichCmd)

	// exec <name> [args...]
	execCmd := orpheus.NewCommand("exec", "Execute a trusted binary with a scrubbed environment")
	execCmd.SetHandler(m.handleExec)
	execCmd.AddFlag("timeout", "t", "60s", "Execution timeout")
	m.app.AddCommand(execCmd)
}

// setupUtilityCommands configures diagnostics commands.
func (m *Manager) setupUtilityCommands() {
	// path check <path>
	pathCmd := orpheus.NewCommand("path", "Path validation utilities")
	pathCmd.Subcommand("check", "Check that a path stays inside the sandbox root", m.handlePathCheck)
	m.app.AddCommand(pathCmd)

	// info
	infoCmd := orpheus.NewCommand("info", "Show effective configuration and layout")
	infoCmd.SetHandler(m.handleInfo)
	infoCmd.AddBoolFlag("verbose", "v", false, "Verbose diagnostics")
	m.app.AddCommand(infoCmd)
}
