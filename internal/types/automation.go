package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// AUTOMATION TRIGGERS AND ACTIONS
// =============================================================================

// TriggerKind says what causes an automation to fire.
type TriggerKind string

const (
	TriggerSchedule TriggerKind = "schedule" // cron expression, checked on the engine tick
	TriggerEvent    TriggerKind = "event"    // bus event of a fixed type
	TriggerManual   TriggerKind = "manual"   // fired explicitly by the user
)

// Valid reports whether k is a recognized trigger kind.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerSchedule, TriggerEvent, TriggerManual:
		return true
	}
	return false
}

// ActionKind says what an automation does with the LLM response.
type ActionKind string

const (
	ActionNotification ActionKind = "notification"
	ActionCreateGTask  ActionKind = "create_gtask"
	ActionDraftGmail   ActionKind = "draft_gmail"
)

// Valid reports whether k is a recognized action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionNotification, ActionCreateGTask, ActionDraftGmail:
		return true
	}
	return false
}

// =============================================================================
// AUTOMATION
// =============================================================================

// Automation is a stored rule: when the trigger fires, render the prompt
// template, call the LLM, and dispatch the action.
//
// Trigger fields are mutually exclusive per kind: schedule sets TriggerCron,
// event sets TriggerEvent, manual sets neither. CatchUpEnabled applies to
// schedule triggers only; DeadlineWindowDays to the deadline_approaching
// event only. Validate enforces all of this.
type Automation struct {
	ID             string          `json:"id"`
	DomainID       string          `json:"domain_id"`
	Name           string          `json:"name"`
	PromptTemplate string          `json:"prompt_template"`
	TriggerKind    TriggerKind     `json:"trigger_kind"`
	TriggerCron    string          `json:"trigger_cron,omitempty"`
	TriggerEvent   EventType       `json:"trigger_event,omitempty"`
	ActionKind     ActionKind      `json:"action_kind"`
	ActionConfig   json.RawMessage `json:"action_config,omitempty"` // opaque per-action settings
	Enabled        bool            `json:"enabled"`

	FailureStreak      int        `json:"failure_streak"`
	CooldownUntil      *time.Time `json:"cooldown_until,omitempty"`
	RunCount           int64      `json:"run_count"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty"`
	StorePayloads      bool       `json:"store_payloads"`
	CatchUpEnabled     bool       `json:"catch_up_enabled"`
	DeadlineWindowDays int        `json:"deadline_window_days,omitempty"`
	DuplicateSkipCount int64      `json:"duplicate_skip_count"`
	LastDuplicateAt    *time.Time `json:"last_duplicate_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the trigger/action invariants. It does not check that the
// cron expression parses; the engine owns cron syntax.
func (a *Automation) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("automation name is required")
	}
	if !a.TriggerKind.Valid() {
		return fmt.Errorf("unknown trigger kind %q", a.TriggerKind)
	}
	if !a.ActionKind.Valid() {
		return fmt.Errorf("unknown action kind %q", a.ActionKind)
	}

	switch a.TriggerKind {
	case TriggerSchedule:
		if a.TriggerCron == "" {
			return fmt.Errorf("schedule trigger requires trigger_cron")
		}
		if a.TriggerEvent != "" {
			return fmt.Errorf("schedule trigger must not set trigger_event")
		}
	case TriggerEvent:
		if a.TriggerEvent == "" {
			return fmt.Errorf("event trigger requires trigger_event")
		}
		if !a.TriggerEvent.Valid() {
			return fmt.Errorf("unknown trigger event %q", a.TriggerEvent)
		}
		if a.TriggerCron != "" {
			return fmt.Errorf("event trigger must not set trigger_cron")
		}
	case TriggerManual:
		if a.TriggerCron != "" || a.TriggerEvent != "" {
			return fmt.Errorf("manual trigger must not set trigger_cron or trigger_event")
		}
	}

	if a.CatchUpEnabled && a.TriggerKind != TriggerSchedule {
		return fmt.Errorf("catch_up_enabled is only valid for schedule triggers")
	}
	if a.DeadlineWindowDays != 0 && a.TriggerEvent != EventDeadlineApproaching {
		return fmt.Errorf("deadline_window_days is only valid for the deadline_approaching event")
	}
	return nil
}

// =============================================================================
// AUTOMATION RUNS
// =============================================================================

// RunStatus is the lifecycle state of an automation run.
// pending -> running -> {success, failed, skipped}; skipped may also be set
// directly from pending when a guard fires.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// ErrorCode is the machine-readable reason a run failed or was skipped.
type ErrorCode string

const (
	ErrCodeAutomationDisabled    ErrorCode = "automation_disabled"
	ErrCodeCooldownActive        ErrorCode = "cooldown_active"
	ErrCodeRateLimited           ErrorCode = "rate_limited"
	ErrCodeProviderNotConfigured ErrorCode = "provider_not_configured"
	ErrCodeLLMError              ErrorCode = "llm_error"
	ErrCodeTimeout               ErrorCode = "timeout"
	ErrCodeTemplateRenderError   ErrorCode = "template_render_error"
	ErrCodeActionExecutionError  ErrorCode = "action_execution_error"
	ErrCodeMissingOAuthScope     ErrorCode = "missing_oauth_scope"
	ErrCodeGTasksNotConnected    ErrorCode = "gtasks_not_connected"
	ErrCodeInvalidActionConfig   ErrorCode = "invalid_action_config"
	ErrCodeCrashRecovery         ErrorCode = "crash_recovery"
)

// AutomationRun is one recorded execution attempt. DedupeKey is globally
// unique; a second insert with the same key is the loser of a duplicate
// race and must not run.
type AutomationRun struct {
	ID           string          `json:"id"`
	AutomationID string          `json:"automation_id"`
	DomainID     string          `json:"domain_id"`
	TriggerKind  TriggerKind     `json:"trigger_kind"`
	TriggerData  json.RawMessage `json:"trigger_data,omitempty"` // event payload snapshot
	DedupeKey    string          `json:"dedupe_key"`
	Status       RunStatus       `json:"status"`
	ErrorCode    ErrorCode       `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	PromptHash       string `json:"prompt_hash,omitempty"`
	ResponseHash     string `json:"response_hash,omitempty"`
	ActionResult     string `json:"action_result,omitempty"`
	ActionExternalID string `json:"action_external_id,omitempty"` // e.g. draft id, task id

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"` // required once status is running
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}
