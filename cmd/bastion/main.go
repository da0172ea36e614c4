// bastion: trust-boundary safeguards for autonomous task execution
//
// Entry point for the bastion binary. Global configuration flags come
// before the command and use the --flag=value form; everything after the
// first non-flag token is routed to the Orpheus command tree.
//
//	bastion --root-dir=/var/lib/orchestrator ledger verify
//	BASTION_ROOT_DIR=/var/lib/orchestrator bastion gate check --coverage=85.5 --security=90
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/agilira/bastion"
	"github.com/agilira/bastion/cmd/cli"
)

func main() {
	globals, rest := splitGlobalArgs(os.Args[1:])

	fs := bastion.NewFlagSet("bastion")
	if err := fs.Parse(globals); err != nil {
		fmt.Fprintf(os.Stderr, "bastion: %v\n", err)
		os.Exit(2)
	}

	config, err := bastion.ConfigFromFlags(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bastion: %v\n", err)
		os.Exit(2)
	}

	manager := cli.NewManagerWithConfig(config)

	// Audit is best effort at startup: a ledger that cannot be opened
	// must not block read-only commands, and every mutation path
	// revalidates on its own.
	effective := manager.Config()
	if effective.Audit.Enabled {
		if ledger, err := bastion.NewLedger(effective); err == nil {
			if audit, err := bastion.NewAuditLogger(effective.Audit, ledger); err == nil {
				defer func() { _ = audit.Close() }()
				manager.WithAudit(audit)
			}
		}
	}

	if err := manager.Run(rest); err != nil {
		fmt.Fprintf(os.Stderr, "bastion: %v\n", err)
		os.Exit(1)
	}
}

// splitGlobalArgs separates leading --flag=value globals from the command
// and its arguments. Only the key=value form is accepted for globals;
// this keeps boolean flags unambiguous without knowing the flag schema.
func splitGlobalArgs(args []string) (globals, rest []string) {
	for i, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			return args[:i], args[i:]
		}
	}
	return args, nil
}
