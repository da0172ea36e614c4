// audit.go: Security-Event Audit Trail for Bastion
//
// Buffered audit logging for trust-boundary decisions: which safeguard
// fired, on what path, with what context. Events flush through the
// ledger's locked append path so audit lines obey the same
// corruption-free JSONL contract as every other ledger entry, and every
// line passes through secret masking before it reaches the sink.
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// AuditLevel represents the severity of audit events
type AuditLevel int

const (
	AuditInfo AuditLevel = iota
	AuditWarn
	AuditCritical
	AuditSecurity
)

func (al AuditLevel) String() string {
	switch al {
	case AuditInfo:
		return "INFO"
	case AuditWarn:
		return "WARN"
	case AuditCritical:
		return "CRITICAL"
	case AuditSecurity:
		return "SECURITY"
	default:
		return "UNKNOWN"
	}
}

// AuditEvent represents a single auditable trust-boundary decision.
type AuditEvent struct {
	Event       string                 `json:"event"`
	ID          string                 `json:"id"`
	Timestamp   string                 `json:"timestamp"`
	Level       string                 `json:"level"`
	Component   string                 `json:"component"`
	FilePath    string                 `json:"file_path,omitempty"`
	Safeguard   string                 `json:"safeguard,omitempty"`
	Details     string                 `json:"details,omitempty"`
	ProcessID   int                    `json:"process_id"`
	ProcessName string                 `json:"process_name"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Checksum    string                 `json:"checksum"` // For tamper detection
}

// AuditLogger provides buffered audit logging over the ledger.
//
// Events are buffered in memory and flushed by a background loop (or when
// the buffer fills), batching lock acquisitions on the ledger so
// high-frequency validation paths stay cheap. Close flushes everything.
type AuditLogger struct {
	config      AuditConfig
	ledger      *Ledger
	buffer      []AuditEvent
	bufferMu    sync.Mutex
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
	processID   int
	processName string
}

// NewAuditLogger creates an audit logger writing through ledger.
func NewAuditLogger(config AuditConfig, ledger *Ledger) (*AuditLogger, error) {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultAuditConfig().BufferSize
	}

	logger := &AuditLogger{
		config:      config,
		ledger:      ledger,
		buffer:      make([]AuditEvent, 0, config.BufferSize),
		stopCh:      make(chan struct{}),
		processID:   os.Getpid(),
		processName: processName(),
	}

	if config.FlushInterval > 0 {
		logger.flushTicker = time.NewTicker(config.FlushInterval)
		go logger.flushLoop()
	}

	return logger, nil
}

// Log records an audit event.
func (al *AuditLogger) Log(level AuditLevel, event, component, filePath string, context map[string]interface{}) {
	if al == nil || al.ledger == nil || !al.config.Enabled || level < al.config.MinLevel {
		return
	}

	auditEvent := AuditEvent{
		Event:       event,
		ID:          uuid.NewString(),
		Timestamp:   timecache.CachedTime().Format(time.RFC3339Nano),
		Level:       level.String(),
		Component:   component,
		FilePath:    filePath,
		ProcessID:   al.processID,
		ProcessName: al.processName,
		Context:     context,
	}
	auditEvent.Checksum = generateChecksum(auditEvent)

	al.bufferMu.Lock()
	al.buffer = append(al.buffer, auditEvent)
	if len(al.buffer) >= al.config.BufferSize {
		_ = al.flushBufferUnsafe() // keep the hot path non-blocking on flush errors
	}
	al.bufferMu.Unlock()
}

// LogSecurityEvent records a security event naming the safeguard that
// fired.
func (al *AuditLogger) LogSecurityEvent(event, details string, context map[string]interface{}) {
	if al == nil || al.ledger == nil || !al.config.Enabled {
		return
	}

	auditEvent := AuditEvent{
		Event:       event,
		ID:          uuid.NewString(),
		Timestamp:   timecache.CachedTime().Format(time.RFC3339Nano),
		Level:       AuditSecurity.String(),
		Component:   "bastion",
		Details:     details,
		ProcessID:   al.processID,
		ProcessName: al.processName,
		Context:     context,
	}
	if context != nil {
		if sg, ok := context["safeguard"].(string); ok {
			auditEvent.Safeguard = sg
		}
	}
	auditEvent.Checksum = generateChecksum(auditEvent)

	al.bufferMu.Lock()
	al.buffer = append(al.buffer, auditEvent)
	if len(al.buffer) >= al.config.BufferSize {
		_ = al.flushBufferUnsafe()
	}
	al.bufferMu.Unlock()
}

// LogMutation records a state mutation on filePath.
func (al *AuditLogger) LogMutation(event, filePath string, context map[string]interface{}) {
	al.Log(AuditInfo, event, "bastion", filePath, context)
}

// LogGateDecision records a quality-gate verdict.
func (al *AuditLogger) LogGateDecision(gate string, passed bool, context map[string]interface{}) {
	level := AuditCritical
	event := "gate_failed"
	if passed {
		level = AuditInfo
		event = "gate_passed"
	}
	if context == nil {
		context = map[string]interface{}{}
	}
	context["gate"] = gate
	al.Log(level, event, "bastion", "", context)
}

// Flush immediately writes all buffered events.
func (al *AuditLogger) Flush() error {
	al.bufferMu.Lock()
	defer al.bufferMu.Unlock()
	return al.flushBufferUnsafe()
}

// Close stops the background flusher and persists any buffered events.
func (al *AuditLogger) Close() error {
	var err error
	al.closeOnce.Do(func() {
		close(al.stopCh)
		if al.flushTicker != nil {
			al.flushTicker.Stop()
		}
		if ferr := al.Flush(); ferr != nil {
			err = fmt.Errorf("failed to flush audit logger during close: %w", ferr)
		}
	})
	return err
}

// flushLoop runs the background flush process.
func (al *AuditLogger) flushLoop() {
	for {
		select {
		case <-al.flushTicker.C:
			_ = al.Flush()
		case <-al.stopCh:
			return
		}
	}
}

// flushBufferUnsafe serializes and writes the buffer through the ledger
// in one lock acquisition. Caller must hold bufferMu.
func (al *AuditLogger) flushBufferUnsafe() error {
	if len(al.buffer) == 0 {
		return nil
	}

	lines := make([]string, 0, len(al.buffer))
	for _, event := range al.buffer {
		line, err := json.Marshal(event)
		if err != nil {
			// An unserializable event must not poison the batch.
			continue
		}
		lines = append(lines, string(line))
	}

	if err := al.ledger.writeAuditBatch(lines); err != nil {
		// The retained buffer stays bounded when the ledger keeps
		// failing: oldest events past BufferSize are dropped.
		if excess := len(al.buffer) - al.config.BufferSize; excess > 0 {
			al.buffer = append(al.buffer[:0], al.buffer[excess:]...)
		}
		return fmt.Errorf("failed to write audit events to ledger: %w", err)
	}
	al.buffer = al.buffer[:0]
	return nil
}

// generateChecksum creates a tamper-detection checksum using SHA-256.
func generateChecksum(event AuditEvent) string {
	data := fmt.Sprintf("%s:%s:%s:%s:%s",
		event.Timestamp, event.Event, event.Component, event.FilePath, event.Details)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

func processName() string {
	return "bastion" // Could read from /proc/self/comm
}
