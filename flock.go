// flock.go: Bounded Advisory File Locking for Bastion
//
// POSIX flock with an explicit deadline. Writers take exclusive locks,
// readers take shared locks; both poll with LOCK_NB so a held lock can
// never park a caller past its timeout. A timed-out caller is guaranteed
// to have made no change to the protected resource.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"os"
	"time"

	"github.com/agilira/go-errors"
	"golang.org/x/sys/unix"
)

// lockRetryInterval is the LOCK_NB polling period. Short enough that a
// one-second timeout observes its deadline within a few percent.
const lockRetryInterval = 10 * time.Millisecond

// fileLock is a held advisory lock on a lock file. Release must run on
// every exit path; callers pair acquireLock with defer lock.Release().
type fileLock struct {
	file      *os.File
	exclusive bool
}

// acquireLock takes a shared or exclusive flock on path, creating the
// lock file if needed, waiting at most timeout. On timeout it returns a
// LockTimeout-coded error and holds nothing.
func acquireLock(path string, exclusive bool, timeout time.Duration) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600) // #nosec G304 -- lock path derives from validated config
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "cannot open lock file").
			WithContext("path", path)
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(int(file.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return &fileLock{file: file, exclusive: exclusive}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			_ = file.Close()
			return nil, errors.Wrap(err, ErrCodeIOError, "flock failed").
				WithContext("path", path)
		}
		if time.Now().After(deadline) {
			_ = file.Close()
			return nil, errors.New(ErrCodeLockTimeout, "timed out waiting for file lock").
				WithContext("path", path).
				WithContext("timeout", timeout.String()).
				WithContext("exclusive", exclusive)
		}
		time.Sleep(lockRetryInterval)
	}
}

// Release drops the lock and closes the lock file. Unlock errors are
// swallowed; closing the descriptor releases the flock regardless.
func (l *fileLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}
