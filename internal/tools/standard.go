package tools

import (
	"fmt"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
)

// Binding carries the per-domain dependencies for the standard tool
// set. Gmail, GTasks and Recorder may be nil; the matching tools then
// return readable integration errors instead of being absent.
type Binding struct {
	DomainID string
	Store    *store.Store
	Context  ContextBuilder
	Gmail    GmailClient
	GTasks   GTasksClient
	Recorder AdvisoryRecorder
}

// NewStandardRegistry assembles the default tool set for one domain.
// External tools are always registered here; Definitions decides per
// call whether the model is offered them.
func NewStandardRegistry(b Binding) (*Registry, error) {
	r := NewRegistry()
	set := []*Tool{
		NewKBSearchTool(b.DomainID, b.Context),
		NewKBReadTool(b.DomainID, b.Store),
		NewGmailSearchTool(b.Gmail),
		NewGmailReadTool(b.Gmail),
		NewGmailDraftTool(b.Gmail),
		NewGTasksListTool(b.GTasks),
		NewGTasksCreateTool(b.GTasks),
		NewAdvisoryRecordTool(b.DomainID, b.Recorder),
		NewBrainstormCaptureTool(b.DomainID, b.Recorder),
	}
	for _, t := range set {
		if err := r.Register(t); err != nil {
			return nil, fmt.Errorf("standard tool %s: %w", t.Name, err)
		}
	}
	return r, nil
}
