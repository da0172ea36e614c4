// errors.go: Reason Codes for Bastion Trust-Boundary Operations
//
// Every rejected operation surfaces a machine-checkable BASTION_* code so
// upstream orchestration can branch on which safeguard fired without
// string matching. Codes group into four families: validation, lock
// timeout, integrity, and configuration violation.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

// Error codes for Bastion operations
const (
	// Validation family: the input is rejected, the caller must not proceed.
	ErrCodeInvalidPath      = "BASTION_INVALID_PATH"
	ErrCodeUnsafePath       = "BASTION_UNSAFE_PATH"
	ErrCodeDangerousPattern = "BASTION_DANGEROUS_PATTERN"
	ErrCodeInvalidScore     = "BASTION_INVALID_SCORE"
	ErrCodeJSONTooLarge     = "BASTION_JSON_TOO_LARGE"
	ErrCodeJSONTooDeep      = "BASTION_JSON_TOO_DEEP"
	ErrCodeMalformedJSON    = "BASTION_MALFORMED_JSON"
	ErrCodeInvalidInput     = "BASTION_INVALID_INPUT"

	// Lock family: the operation made no change and may be retried upstream.
	ErrCodeLockTimeout = "BASTION_LOCK_TIMEOUT"

	// Integrity family: always surfaced as a security event.
	ErrCodeLedgerCorrupt   = "BASTION_LEDGER_CORRUPT"
	ErrCodeStateCorrupt    = "BASTION_STATE_CORRUPT"
	ErrCodeSymlinkDetected = "BASTION_SYMLINK_DETECTED"
	ErrCodeUntrustedBinary = "BASTION_UNTRUSTED_BINARY"
	ErrCodeGateFailed      = "BASTION_GATE_FAILED"

	// Configuration family: auto-corrected to the safe bound, always logged.
	ErrCodeConfigViolation = "BASTION_CONFIG_VIOLATION"
	ErrCodeInvalidConfig   = "BASTION_INVALID_CONFIG"

	// Plumbing.
	ErrCodeIOError       = "BASTION_IO_ERROR"
	ErrCodeStoreClosed   = "BASTION_STORE_CLOSED"
	ErrCodeKeyNotFound   = "BASTION_KEY_NOT_FOUND"
	ErrCodeExecFailed    = "BASTION_EXEC_FAILED"
	ErrCodeDatabaseError = "BASTION_DATABASE_ERROR"
)

// GetErrorCode extracts the BASTION_* reason code from an error.
// Returns the empty string for nil errors and the raw message when no
// code can be found.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// go-errors format: [CODE]: Message
	if len(errStr) > 3 && errStr[0] == '[' {
		for idx := 1; idx < len(errStr); idx++ {
			if errStr[idx] == ']' {
				return errStr[1:idx]
			}
		}
	}

	// Fallback for bare format: CODE: Message
	for idx := 0; idx < len(errStr); idx++ {
		if errStr[idx] == ':' {
			return errStr[:idx]
		}
	}

	return errStr
}

// IsValidationError reports whether err carries a validation-family code.
// Validation failures are recoverable locally; the caller must simply not
// proceed with the rejected input.
func IsValidationError(err error) bool {
	switch GetErrorCode(err) {
	case ErrCodeInvalidPath, ErrCodeUnsafePath, ErrCodeDangerousPattern,
		ErrCodeInvalidScore, ErrCodeJSONTooLarge, ErrCodeJSONTooDeep,
		ErrCodeMalformedJSON, ErrCodeInvalidInput:
		return true
	}
	return false
}

// IsLockTimeout reports whether err is a bounded-wait lock acquisition
// failure. The operation is guaranteed to have made no change.
func IsLockTimeout(err error) bool {
	return GetErrorCode(err) == ErrCodeLockTimeout
}

// IsIntegrityError reports whether err carries an integrity-family code
// (ledger corruption, symlink swap, untrusted binary). These are always
// logged as security events by the component that detects them.
func IsIntegrityError(err error) bool {
	switch GetErrorCode(err) {
	case ErrCodeLedgerCorrupt, ErrCodeStateCorrupt, ErrCodeSymlinkDetected, ErrCodeUntrustedBinary, ErrCodeGateFailed:
		return true
	}
	return false
}

// IsBastionError checks if an error originated from this package.
func IsBastionError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	if len(errStr) > 9 && errStr[0] == '[' && errStr[1:9] == "BASTION_" {
		return true
	}

	return len(errStr) > 8 && errStr[:8] == "BASTION_"
}
