package types

import (
	"encoding/json"
)

// =============================================================================
// EVENT BUS TYPES
// =============================================================================

// EventType enumerates the domain events carried on the bus. Automations
// with an event trigger subscribe by exact type match.
type EventType string

const (
	// EventIntakeCreated fires when the ingestion server accepts an item.
	// DomainID is empty until the item is classified, which lets
	// pre-classification automations match as a wildcard.
	EventIntakeCreated EventType = "intake_created"

	// EventDeadlineApproaching fires when a tracked deadline enters an
	// automation's configured window.
	EventDeadlineApproaching EventType = "deadline_approaching"

	// EventKBUpdated fires after a KB proposal is applied to disk.
	EventKBUpdated EventType = "kb_updated"
)

// Valid reports whether t is a recognized event type.
func (t EventType) Valid() bool {
	switch t {
	case EventIntakeCreated, EventDeadlineApproaching, EventKBUpdated:
		return true
	}
	return false
}

// Event is one bus message. Data is an opaque payload; the bus caps the
// serialized event at 20KB by truncating Data's "metadata" field.
type Event struct {
	Type     EventType       `json:"type"`
	DomainID string          `json:"domain_id,omitempty"` // empty = not yet scoped to a domain
	Data     json.RawMessage `json:"data,omitempty"`
}

// =============================================================================
// UI SINKS
// =============================================================================

// NotifyLevel grades a user-facing notification.
type NotifyLevel string

const (
	NotifyInfo    NotifyLevel = "info"
	NotifyWarning NotifyLevel = "warning"
	NotifyError   NotifyLevel = "error"
)

// Notifier receives user-facing notifications from background components
// (automation results, self-disable notices, gate prompts). Implementations
// must not block; posting a notification never fails.
type Notifier interface {
	Notify(level NotifyLevel, title, body string)
}
