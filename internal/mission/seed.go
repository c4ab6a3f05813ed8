package mission

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// Default missions ship disabled for every domain: AllowsDomain is
// strict, so each needs an explicit Grant before it can run.
var defaultMissions = []struct {
	name        string
	description string
	definition  json.RawMessage
	paramSchema json.RawMessage
}{
	{
		name:        "weekly-review",
		description: "Reviews the knowledge base for stale files, unresolved advisories, and open loops, proposing follow-up deadlines.",
		definition: json.RawMessage(`{
			"type": "review",
			"goal": "Review this domain's knowledge base for stale files, unresolved advisories, and decisions without follow-up. Identify the items most at risk of being forgotten.",
			"instructions": "Prioritize by consequence of inaction. Propose at most five deadlines, each with a realistic due date inside the horizon."
		}`),
		paramSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"horizon_days": {"type": "integer", "minimum": 1, "maximum": 90, "default": 14}
			},
			"additionalProperties": false
		}`),
	},
	{
		name:        "daily-digest",
		description: "Summarizes recent knowledge base activity and what needs attention today.",
		definition: json.RawMessage(`{
			"type": "digest",
			"goal": "Summarize what changed in this domain recently and what needs attention today.",
			"instructions": "Lead with anything time-sensitive. Keep it under 300 words."
		}`),
		paramSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"lookback_days": {"type": "integer", "minimum": 1, "maximum": 30, "default": 1}
			},
			"additionalProperties": false
		}`),
	},
	{
		name:        "followup-outreach",
		description: "Drafts a follow-up email from the domain's outreach notes. Set a recipient on the definition to queue real drafts.",
		definition: json.RawMessage(`{
			"type": "outreach",
			"goal": "Draft a follow-up message for the most overdue outreach thread in this domain's notes.",
			"instructions": "Reference the last concrete exchange. Keep the draft short and specific about the next step."
		}`),
		paramSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tone": {"type": "string", "enum": ["neutral", "warm", "direct"], "default": "neutral"}
			},
			"additionalProperties": false
		}`),
	},
}

// SeedDefaultMissions writes the built-in missions. Definitions, schemas
// and descriptions are product-owned and refresh on every startup; the
// user-owned fields (domain grants, enabled flag) carry over from the
// existing row. Called from the runtime init path.
func SeedDefaultMissions(st *store.Store) error {
	for _, d := range defaultMissions {
		hash, err := DefinitionHash(d.definition)
		if err != nil {
			return fmt.Errorf("default mission %q: %w", d.name, err)
		}

		m := &types.Mission{
			Name:           d.name,
			Description:    d.description,
			Definition:     d.definition,
			DefinitionHash: hash,
			ParamSchema:    d.paramSchema,
		}

		existing, err := st.GetMissionByName(d.name)
		switch {
		case err == nil:
			m.Enabled = existing.Enabled
			m.DomainIDs = existing.DomainIDs
		case errors.Is(err, store.ErrNotFound):
			m.Enabled = true
		default:
			return fmt.Errorf("look up mission %q: %w", d.name, err)
		}

		if err := st.UpsertMission(m); err != nil {
			return fmt.Errorf("seed mission %q: %w", d.name, err)
		}
	}
	logging.Mission("Seeded %d default missions", len(defaultMissions))
	return nil
}

// Grant permits a mission to run against a domain. Missions allow
// nothing by default.
func Grant(st *store.Store, missionIDOrName, domainID string) error {
	m, err := lookup(st, missionIDOrName)
	if err != nil {
		return err
	}
	if _, err := st.GetDomain(domainID); err != nil {
		return fmt.Errorf("domain %s: %w", domainID, err)
	}
	if m.AllowsDomain(domainID) {
		return nil
	}
	m.DomainIDs = append(m.DomainIDs, domainID)
	if err := st.UpsertMission(m); err != nil {
		return fmt.Errorf("grant %q to %s: %w", m.Name, domainID, err)
	}
	logging.Mission("Mission %q granted to domain %s", m.Name, domainID)
	return nil
}

// Revoke removes a mission's grant for a domain.
func Revoke(st *store.Store, missionIDOrName, domainID string) error {
	m, err := lookup(st, missionIDOrName)
	if err != nil {
		return err
	}
	kept := m.DomainIDs[:0]
	for _, id := range m.DomainIDs {
		if id != domainID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(m.DomainIDs) {
		return nil
	}
	m.DomainIDs = kept
	if err := st.UpsertMission(m); err != nil {
		return fmt.Errorf("revoke %q from %s: %w", m.Name, domainID, err)
	}
	logging.Mission("Mission %q revoked from domain %s", m.Name, domainID)
	return nil
}

func lookup(st *store.Store, idOrName string) (*types.Mission, error) {
	m, err := st.GetMission(idOrName)
	if errors.Is(err, store.ErrNotFound) {
		m, err = st.GetMissionByName(idOrName)
	}
	if err != nil {
		return nil, fmt.Errorf("mission %q: %w", idOrName, err)
	}
	return m, nil
}
