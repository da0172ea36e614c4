// errors_test.go: Testing Bastion Reason Codes
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	stderrors "errors"
	"testing"

	"github.com/agilira/go-errors"
)

func TestGetErrorCode(t *testing.T) {
	t.Run("nil_error", func(t *testing.T) {
		if code := GetErrorCode(nil); code != "" {
			t.Errorf("GetErrorCode(nil) = %q, want empty", code)
		}
	})

	t.Run("bracketed_format", func(t *testing.T) {
		err := errors.New(ErrCodeInvalidPath, "path escapes the orchestrator root")
		if code := GetErrorCode(err); code != ErrCodeInvalidPath {
			t.Errorf("code = %q, want %q", code, ErrCodeInvalidPath)
		}
	})

	t.Run("wrapped_error_keeps_outer_code", func(t *testing.T) {
		inner := errors.New(ErrCodeIOError, "disk unhappy")
		outer := errors.Wrap(inner, ErrCodeLedgerCorrupt, "ledger verification failed")
		if code := GetErrorCode(outer); code != ErrCodeLedgerCorrupt {
			t.Errorf("code = %q, want %q", code, ErrCodeLedgerCorrupt)
		}
	})

	t.Run("bare_colon_format", func(t *testing.T) {
		err := stderrors.New("BASTION_LOCK_TIMEOUT: lock wait exceeded")
		if code := GetErrorCode(err); code != ErrCodeLockTimeout {
			t.Errorf("code = %q, want %q", code, ErrCodeLockTimeout)
		}
	})

	t.Run("plain_error_returns_message", func(t *testing.T) {
		err := stderrors.New("something else entirely")
		if code := GetErrorCode(err); code != "something else entirely" {
			t.Errorf("code = %q, want raw message", code)
		}
	})
}

func TestErrorClassifiers(t *testing.T) {
	t.Run("validation_family", func(t *testing.T) {
		for _, code := range []errors.ErrorCode{
			ErrCodeInvalidPath, ErrCodeUnsafePath, ErrCodeDangerousPattern,
			ErrCodeInvalidScore, ErrCodeJSONTooLarge, ErrCodeJSONTooDeep,
			ErrCodeMalformedJSON, ErrCodeInvalidInput,
		} {
			if !IsValidationError(errors.New(code, "rejected")) {
				t.Errorf("IsValidationError(%s) = false, want true", code)
			}
		}
		if IsValidationError(errors.New(ErrCodeLockTimeout, "timeout")) {
			t.Error("IsValidationError accepted a lock timeout")
		}
		if IsValidationError(nil) {
			t.Error("IsValidationError(nil) = true")
		}
	})

	t.Run("lock_timeout", func(t *testing.T) {
		if !IsLockTimeout(errors.New(ErrCodeLockTimeout, "lock wait exceeded")) {
			t.Error("IsLockTimeout = false, want true")
		}
		if IsLockTimeout(errors.New(ErrCodeIOError, "io")) {
			t.Error("IsLockTimeout accepted an io error")
		}
	})

	t.Run("integrity_family", func(t *testing.T) {
		for _, code := range []errors.ErrorCode{
			ErrCodeLedgerCorrupt, ErrCodeStateCorrupt, ErrCodeSymlinkDetected,
			ErrCodeUntrustedBinary, ErrCodeGateFailed,
		} {
			if !IsIntegrityError(errors.New(code, "integrity violation")) {
				t.Errorf("IsIntegrityError(%s) = false, want true", code)
			}
		}
		if IsIntegrityError(errors.New(ErrCodeInvalidPath, "bad path")) {
			t.Error("IsIntegrityError accepted a validation error")
		}
	})

	t.Run("package_origin", func(t *testing.T) {
		if !IsBastionError(errors.New(ErrCodeInvalidInput, "rejected")) {
			t.Error("IsBastionError = false for a package error")
		}
		if !IsBastionError(stderrors.New("BASTION_IO_ERROR: raw")) {
			t.Error("IsBastionError = false for a bare-coded error")
		}
		if IsBastionError(stderrors.New("plain failure")) {
			t.Error("IsBastionError = true for a foreign error")
		}
		if IsBastionError(nil) {
			t.Error("IsBastionError(nil) = true")
		}
	})
}
