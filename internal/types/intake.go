package types

import (
	"encoding/json"
	"time"
)

// =============================================================================
// INTAKE
// =============================================================================

// IntakeSource identifies where an intake item came from.
type IntakeSource string

const (
	SourceWeb    IntakeSource = "web"
	SourceGmail  IntakeSource = "gmail"
	SourceGTasks IntakeSource = "gtasks"
	SourceManual IntakeSource = "manual"
)

// Valid reports whether s is a recognized source type.
func (s IntakeSource) Valid() bool {
	switch s {
	case SourceWeb, SourceGmail, SourceGTasks, SourceManual:
		return true
	}
	return false
}

// IntakeStatus is the classification state of an intake item.
type IntakeStatus string

const (
	IntakePending    IntakeStatus = "pending"    // captured, not yet routed to a domain
	IntakeClassified IntakeStatus = "classified" // assigned to a domain
	IntakeDismissed  IntakeStatus = "dismissed"
)

// IntakeItem is content captured from an external source, unique per
// (source_type, external_id) so repeated captures of the same artifact are
// rejected before insert.
type IntakeItem struct {
	ID             string          `json:"id"`
	SourceType     IntakeSource    `json:"source_type"`
	ExternalID     string          `json:"external_id"`
	SourceURL      string          `json:"source_url,omitempty"`
	Title          string          `json:"title,omitempty"`
	Content        string          `json:"content"` // size-capped at capture time
	ExtractionMode string          `json:"extraction_mode,omitempty"`
	Classification string          `json:"classification,omitempty"`
	DomainID       string          `json:"domain_id,omitempty"` // set once classified
	Status         IntakeStatus    `json:"status"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
