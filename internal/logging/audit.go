// Audit logging for DomainOS side-effects. Audit events are append-only JSONL
// records covering everything that changes user-visible state: automation runs,
// mission gates and actions, KB writes, intake accepts, credential access.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Automation run lifecycle
	AuditRunStarted    AuditEventType = "run_started"
	AuditRunFinalized  AuditEventType = "run_finalized"
	AuditRunSkipped    AuditEventType = "run_skipped"
	AuditAutoDisabled  AuditEventType = "automation_disabled"
	AuditAutoCooldown  AuditEventType = "automation_cooldown"

	// Mission lifecycle
	AuditMissionStarted   AuditEventType = "mission_started"
	AuditMissionFinalized AuditEventType = "mission_finalized"
	AuditGateCreated      AuditEventType = "gate_created"
	AuditGateDecided      AuditEventType = "gate_decided"
	AuditActionExecuted   AuditEventType = "action_executed"
	AuditActionFailed     AuditEventType = "action_failed"

	// Knowledge base writes
	AuditKBApplied  AuditEventType = "kb_applied"
	AuditKBRejected AuditEventType = "kb_rejected"

	// Intake boundary
	AuditIntakeAccepted AuditEventType = "intake_accepted"
	AuditIntakeRejected AuditEventType = "intake_rejected"

	// Credential access
	AuditSecretWrite AuditEventType = "secret_write"
	AuditSecretClear AuditEventType = "secret_clear"
	AuditOAuthGrant  AuditEventType = "oauth_grant"

	// Tool side-effects
	AuditToolInvoked AuditEventType = "tool_invoked"
	AuditToolFailed  AuditEventType = "tool_failed"
)

// AuditEvent is one structured audit record.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	DomainID   string                 `json:"domain,omitempty"`
	EntityID   string                 `json:"entity,omitempty"` // automation/mission/file id
	RunID      string                 `json:"run,omitempty"`
	Target     string                 `json:"target,omitempty"` // target of the operation
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// InitializeAudit opens the audit log. Unlike category logs, audit records are
// written even when debug_mode is off; they are the durable side-effect trail.
func InitializeAudit(dir string) error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	path := filepath.Join(logDir, "audit.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	auditFile = f
	return nil
}

// CloseAudit closes the audit log (call at shutdown).
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit writes one audit event. Safe to call before InitializeAudit; events
// are dropped silently when no file is open.
func Audit(ev AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// AuditRun records an automation run transition.
func AuditRun(eventType AuditEventType, automationID, runID string, success bool, msg string) {
	Audit(AuditEvent{
		EventType: eventType,
		EntityID:  automationID,
		RunID:     runID,
		Success:   success,
		Message:   msg,
	})
}

// AuditGate records a mission gate creation or decision.
func AuditGate(eventType AuditEventType, missionRunID, gateID string, decision string) {
	Audit(AuditEvent{
		EventType: eventType,
		RunID:     missionRunID,
		EntityID:  gateID,
		Success:   true,
		Message:   decision,
	})
}

// AuditKBWrite records a KB proposal outcome.
func AuditKBWrite(domainID, relPath string, applied bool, reason string) {
	ev := AuditEvent{
		EventType: AuditKBApplied,
		DomainID:  domainID,
		Target:    relPath,
		Success:   applied,
		Message:   reason,
	}
	if !applied {
		ev.EventType = AuditKBRejected
	}
	Audit(ev)
}
