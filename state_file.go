// state_file.go: File-Backed Key-Value State for Bastion
//
// A thin key-value layer over the atomic store: each state file under the
// state root is one JSON object, one logical record per (file_path, key).
// Reads take a shared lock, mutations take the exclusive lock and rewrite
// the file atomically.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/agilira/go-errors"
)

// resolveStatePath anchors a relative state file name under the state
// directory. Absolute paths pass through and are still validated against
// the orchestrator root by the caller.
func (s *Store) resolveStatePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.config.StateDir(), path)
}

// StateSet creates or overwrites the value for key in the state file at
// filePath. The file is created owner-only on first use.
func (s *Store) StateSet(filePath, key, value string) error {
	if key == "" {
		return errors.New(ErrCodeInvalidInput, "empty state key")
	}
	filePath = s.resolveStatePath(filePath)
	if err := s.validateTarget(filePath); err != nil {
		return err
	}

	lock, err := acquireLock(filePath+".lock", true, s.config.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	records, err := s.readRecordsLocked(filePath)
	if err != nil {
		return err
	}
	records[key] = value

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, ErrCodeMalformedJSON, "cannot serialize state records")
	}
	if err := s.atomicWriteLocked(filePath, data); err != nil {
		return err
	}
	s.audit.LogMutation("state_set", filePath, map[string]interface{}{"key": key})
	return nil
}

// StateGet returns the value for key in the state file at filePath. A
// missing file or key yields a KeyNotFound-coded error.
func (s *Store) StateGet(filePath, key string) (string, error) {
	if key == "" {
		return "", errors.New(ErrCodeInvalidInput, "empty state key")
	}
	filePath = s.resolveStatePath(filePath)
	if err := s.validateTarget(filePath); err != nil {
		return "", err
	}

	lock, err := acquireLock(filePath+".lock", false, s.config.LockTimeout)
	if err != nil {
		return "", err
	}
	defer lock.Release()

	records, err := s.readRecordsLocked(filePath)
	if err != nil {
		return "", err
	}
	value, ok := records[key]
	if !ok {
		return "", errors.New(ErrCodeKeyNotFound, "state key not found").
			WithContext("file_path", filePath).
			WithContext("key", key)
	}
	return value, nil
}

// StateDelete removes the record for key, re-validating the path before
// removal. Deleting the last key removes the state file itself.
func (s *Store) StateDelete(filePath, key string) error {
	if key == "" {
		return errors.New(ErrCodeInvalidInput, "empty state key")
	}
	filePath = s.resolveStatePath(filePath)
	if err := s.validateTarget(filePath); err != nil {
		return err
	}

	lock, err := acquireLock(filePath+".lock", true, s.config.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	records, err := s.readRecordsLocked(filePath)
	if err != nil {
		return err
	}
	if _, ok := records[key]; !ok {
		return errors.New(ErrCodeKeyNotFound, "state key not found").
			WithContext("file_path", filePath).
			WithContext("key", key)
	}
	delete(records, key)

	if len(records) == 0 {
		if err := s.rejectSymlink(filePath); err != nil {
			return err
		}
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, ErrCodeIOError, "cannot remove empty state file").
				WithContext("path", filePath)
		}
	} else {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return errors.Wrap(err, ErrCodeMalformedJSON, "cannot serialize state records")
		}
		if err := s.atomicWriteLocked(filePath, data); err != nil {
			return err
		}
	}
	s.audit.LogMutation("state_delete", filePath, map[string]interface{}{"key": key})
	return nil
}

// StateKeys returns the sorted keys present in the state file at
// filePath. A missing file yields an empty slice.
func (s *Store) StateKeys(filePath string) ([]string, error) {
	filePath = s.resolveStatePath(filePath)
	if err := s.validateTarget(filePath); err != nil {
		return nil, err
	}

	lock, err := acquireLock(filePath+".lock", false, s.config.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	records, err := s.readRecordsLocked(filePath)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// readRecordsLocked loads the state file as a string map. Caller holds
// the lock. A missing file is an empty map; a corrupt file is an
// integrity failure, never silently reset.
func (s *Store) readRecordsLocked(filePath string) (map[string]string, error) {
	if err := s.rejectSymlink(filePath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath) // #nosec G304 -- path validated against the orchestrator root
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errors.Wrap(err, ErrCodeIOError, "cannot read state file").
			WithContext("path", filePath)
	}

	records := map[string]string{}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(err, ErrCodeStateCorrupt, "state file is not a valid JSON object").
			WithContext("path", filePath)
	}
	return records, nil
}
