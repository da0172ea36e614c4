// Package bastion provides the trust-boundary layer for autonomous agent
// orchestrators: path and symlink validation, atomic state mutation, a
// locked append-only event ledger, an injection-safe SQLite state store,
// input sanitization, secure binary resolution, and quality-gate threshold
// enforcement.
//
// # Philosophy: Fail Closed, Mutate Atomically
//
// Bastion assumes every input it receives is attacker-influenceable: task
// text, LLM output, build-tool reports, git metadata, even the process
// environment. Any ambiguity in validation results in rejection, never in a
// best-effort pass. Any mutation of shared state is either fully applied or
// not applied at all.
//
// # Architecture Overview
//
// Bastion consists of seven integrated subsystems:
//  1. **Path Validator**: canonicalization and symlink-escape checks against an orchestrator root
//  2. **Secure Binary Resolver**: trusted-directory binary resolution with environment scrubbing
//  3. **Input Sanitizer**: secret masking, dangerous-pattern detection, SQL escaping, JSON bounding
//  4. **Atomic File/State Store**: write-temp-fsync-rename mutations gated by path validation
//  5. **Append-Only Ledger**: flock-serialized JSONL event log with rotation and integrity checks
//  6. **SQLite State Store**: owner-only database with symlink-race re-checks and parameterized access
//  7. **Gate Validator**: immutable floor/ceiling enforcement on externally reported scores
//
// # Quick Start
//
// Validate and mutate state under an orchestrator root:
//
//	cfg := &bastion.Config{RootDir: "/var/lib/orchestrator"}
//	store, err := bastion.NewStore(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := store.AtomicWrite(filepath.Join(cfg.StateDir(), "task.json"), payload); err != nil {
//		// err carries a BASTION_* reason code identifying the safeguard that fired
//	}
//
// Append and verify the event ledger:
//
//	ledger, err := bastion.NewLedger(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := ledger.Append("task_completed", map[string]interface{}{"task": "T-1042"}); err != nil {
//		log.Fatal(err)
//	}
//	report, _ := ledger.VerifyIntegrity()
//	fmt.Println(report.Status) // "PASS"
//
// # Error Taxonomy
//
// Every rejected operation returns an error carrying a machine-checkable
// BASTION_* reason code. Codes group into four families: validation failures
// (bad path, malformed score, oversized JSON, dangerous pattern), lock
// timeouts, integrity violations (ledger corruption, detected symlink
// swaps), and configuration violations (thresholds clamped to their floor or
// ceiling). Use GetErrorCode, IsValidationError, IsLockTimeout and
// IsIntegrityError to branch on them without string matching.
//
// # Concurrency Model
//
// The concurrency unit is the OS process. Coordination uses POSIX advisory
// file locks: ledger writers take exclusive locks, readers take shared
// locks, both with a bounded wait. A caller that times out waiting for a
// lock is guaranteed to have made no change.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
package bastion
