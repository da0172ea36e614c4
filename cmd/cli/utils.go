// Utility functions for the Bastion CLI
//
// This file provides the component wiring shared by command handlers:
// stores, the ledger, the resolver and the gate validator are built on
// demand from the manager's effective configuration.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"io"
	"os"

	"github.com/agilira/bastion"
	"github.com/agilira/go-errors"
	"github.com/agilira/orpheus/pkg/orpheus"
)

// openLedger builds the append-only ledger for the configured root.
func (m *Manager) openLedger() (*bastion.Ledger, error) {
	ledger, err := bastion.NewLedger(m.config)
	if err != nil {
		return nil, errors.Wrap(err, bastion.ErrCodeInvalidConfig, "failed to open ledger")
	}
	return ledger, nil
}

// openStore builds the atomic file store, with audit when enabled.
func (m *Manager) openStore() (*bastion.Store, error) {
	store, err := bastion.NewStore(m.config)
	if err != nil {
		return nil, errors.Wrap(err, bastion.ErrCodeInvalidConfig, "failed to open store")
	}
	if m.auditLogger != nil {
		store = store.WithAudit(m.auditLogger)
	}
	return store, nil
}

// openDatabase opens the SQLite state store. Callers own the Close.
func (m *Manager) openDatabase() (*bastion.SQLiteStore, error) {
	db, err := bastion.NewSQLiteStore(m.config)
	if err != nil {
		return nil, errors.Wrap(err, bastion.ErrCodeDatabaseError, "failed to open state database")
	}
	if m.auditLogger != nil {
		db = db.WithAudit(m.auditLogger)
	}
	return db, nil
}

// newResolver builds the trusted binary resolver.
func (m *Manager) newResolver() (*bastion.Resolver, error) {
	resolver, err := bastion.NewResolver(m.config)
	if err != nil {
		return nil, errors.Wrap(err, bastion.ErrCodeInvalidConfig, "failed to build resolver")
	}
	return resolver, nil
}

// newGateValidator builds the gate validator. Requested thresholds
// survive WithDefaults, so the validator sees them and audits any clamp.
func (m *Manager) newGateValidator() (*bastion.GateValidator, error) {
	resolver, err := m.newResolver()
	if err != nil {
		return nil, err
	}
	return bastion.NewGateValidator(m.config, resolver, m.auditLogger), nil
}

// argOrStdin returns the positional argument at index, or the whole of
// stdin when the argument is absent. Commands taking free-form text use
// this so payloads with shell metacharacters can be piped instead of
// quoted.
func argOrStdin(ctx *orpheus.Context, index int) ([]byte, error) {
	if arg := ctx.GetArg(index); arg != "" {
		return []byte(arg), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, errors.Wrap(err, bastion.ErrCodeIOError, "failed to read stdin")
	}
	return data, nil
}

func valueOrNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
