package types

import (
	"encoding/json"
	"time"
)

// =============================================================================
// MISSIONS
// =============================================================================

// Mission is a stored multi-step workflow definition. The Definition blob is
// opaque to the store; the runner hashes it canonically (deep-sorted keys)
// and persists that hash on every run for reproducibility.
type Mission struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Definition     json.RawMessage `json:"definition"`
	DefinitionHash string          `json:"definition_hash"`
	Enabled        bool            `json:"enabled"`
	DomainIDs      []string        `json:"domain_ids"` // domains this mission may run against
	ParamSchema    json.RawMessage `json:"param_schema,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AllowsDomain reports whether the mission is permitted for the given domain.
func (m *Mission) AllowsDomain(domainID string) bool {
	for _, id := range m.DomainIDs {
		if id == domainID {
			return true
		}
	}
	return false
}

// =============================================================================
// MISSION RUNS
// =============================================================================

// MissionRunStatus is the lifecycle state of a mission run.
// pending -> running -> {success, failed, cancelled, gated};
// gated -> running -> {success, failed, cancelled} after the gate decision.
type MissionRunStatus string

const (
	MissionPending   MissionRunStatus = "pending"
	MissionRunning   MissionRunStatus = "running"
	MissionGated     MissionRunStatus = "gated"
	MissionSuccess   MissionRunStatus = "success"
	MissionFailed    MissionRunStatus = "failed"
	MissionCancelled MissionRunStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s MissionRunStatus) Terminal() bool {
	switch s {
	case MissionSuccess, MissionFailed, MissionCancelled:
		return true
	}
	return false
}

// MissionRun is one execution of a mission against a domain. RequestID is
// the caller-supplied handle used for cancel-by-request; the newest run for
// a request id wins any cancel race.
type MissionRun struct {
	ID             string          `json:"id"`
	MissionID      string          `json:"mission_id"`
	DomainID       string          `json:"domain_id"`
	RequestID      string          `json:"request_id,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"` // inputs merged with schema defaults
	DefinitionHash string          `json:"definition_hash"`
	PromptHash     string          `json:"prompt_hash,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	Model          string          `json:"model,omitempty"`

	// ContextSnapshot records what the run saw: digests consumed, health
	// hash, char counts. Written at context assembly, updated at persist.
	ContextSnapshot json.RawMessage `json:"context_snapshot,omitempty"`

	Status       MissionRunStatus `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// MissionOutput is one append-only artifact row produced by a run. Kind is
// "raw" for the verbatim LLM response (always attached first) or a parsed
// type name. Ordinal preserves insertion order.
type MissionOutput struct {
	ID           string          `json:"id"`
	MissionRunID string          `json:"mission_run_id"`
	Ordinal      int             `json:"ordinal"`
	Kind         string          `json:"kind"`
	Content      json.RawMessage `json:"content"`
	CreatedAt    time.Time       `json:"created_at"`
}

// OutputKindRaw is the kind of the verbatim LLM response output.
const OutputKindRaw = "raw"

// =============================================================================
// GATES AND ACTIONS
// =============================================================================

// GateStatus is the state of a human approval gate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

// MissionGate asks the operator to approve queued side effects before they
// execute. A run has at most one pending gate at a time.
type MissionGate struct {
	ID           string     `json:"id"`
	MissionRunID string     `json:"mission_run_id"`
	Message      string     `json:"message"` // human-readable summary of the queued side effects
	Status       GateStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

// MissionActionKind is the type of side effect a gated action performs.
type MissionActionKind string

const (
	MissionActionCreateDeadline MissionActionKind = "create_deadline"
	MissionActionDraftEmail     MissionActionKind = "draft_email"
)

// ActionStatus is the state of one queued side effect.
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
	ActionSkipped ActionStatus = "skipped"
)

// MissionAction is one side effect queued at gate time. Actions execute in
// insertion order after approval; a rejected gate skips all of them.
// Individual failures are recorded, never fatal to the run.
type MissionAction struct {
	ID           string            `json:"id"`
	MissionRunID string            `json:"mission_run_id"`
	Ordinal      int               `json:"ordinal"` // maps create_deadline rows to parsed outputs
	Kind         MissionActionKind `json:"kind"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Status       ActionStatus      `json:"status"`
	Result       json.RawMessage   `json:"result,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExecutedAt   *time.Time        `json:"executed_at,omitempty"`
}
