package kb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// Intelligence-tier record files. Records append chronologically; the
// chat layer replays the advisory tail from AdvisoriesPath while the
// advisory pin is armed.
const (
	AdvisoriesPath  = "intelligence/advisories.md"
	DecisionsPath   = "intelligence/decisions.md"
	GapsPath        = "intelligence/gaps.md"
	BrainstormsPath = "intelligence/brainstorms.md"
)

// Recorder persists typed records as dated appends to intelligence-tier
// KB files. It satisfies tools.AdvisoryRecorder; the same append path
// serves the decision and gap-flag blocks.
type Recorder struct {
	applier *Applier
	domains DomainLookup
}

// DomainLookup resolves a domain id to its row. Satisfied by the store.
type DomainLookup interface {
	GetDomain(id string) (*types.Domain, error)
}

// NewRecorder builds a recorder over the applier.
func NewRecorder(applier *Applier, domains DomainLookup) *Recorder {
	return &Recorder{applier: applier, domains: domains}
}

// RecordAdvisory appends one advisory record.
func (r *Recorder) RecordAdvisory(ctx context.Context, domainID, title, body, severity string) error {
	entry := recordEntry("ADVISORY", title, body, map[string]string{"severity": normalizeSeverity(severity)})
	return r.append(ctx, domainID, AdvisoriesPath, "Advisories", entry)
}

// RecordBrainstorm appends one brainstorm capture.
func (r *Recorder) RecordBrainstorm(ctx context.Context, domainID, topic, body string) error {
	entry := recordEntry("BRAINSTORM", topic, body, nil)
	return r.append(ctx, domainID, BrainstormsPath, "Brainstorms", entry)
}

// RecordDecision appends one decision record.
func (r *Recorder) RecordDecision(ctx context.Context, domainID string, d *Decision) error {
	meta := map[string]string{}
	if d.Reasoning != "" {
		meta["reasoning"] = d.Reasoning
	}
	entry := recordEntry("DECISION", d.Title, d.Decision, meta)
	return r.append(ctx, domainID, DecisionsPath, "Decisions", entry)
}

// RecordGapFlag appends one gap-flag record.
func (r *Recorder) RecordGapFlag(ctx context.Context, domainID string, g *GapFlag) error {
	entry := recordEntry("GAP", g.Topic, g.Detail, map[string]string{"severity": g.Severity})
	return r.append(ctx, domainID, GapsPath, "Open Gaps", entry)
}

// append routes one record through the applier so tier rules, path
// safety, re-indexing, and events all apply. The record file is created
// on first use.
func (r *Recorder) append(ctx context.Context, domainID, relPath, heading, entry string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	domain, err := r.domains.GetDomain(domainID)
	if err != nil {
		return fmt.Errorf("record target domain: %w", err)
	}

	u := &KBUpdate{
		FilePath: relPath,
		Action:   "update",
		Tier:     types.TierIntelligence,
		Mode:     types.WriteAppend,
		Basis:    "runtime record",
		Content:  entry,
	}
	out := r.applier.Apply(domain, u)
	if out.Err != nil {
		if errors.Is(out.Err, ErrFileMissing) {
			u.Action = "create"
			u.Mode = types.WriteFull
			u.Content = fmt.Sprintf("# %s\n\n%s", heading, entry)
			out = r.applier.Apply(domain, u)
		}
		if out.Err != nil {
			return out.Err
		}
	}
	return nil
}

// recordEntry renders one dated record block.
func recordEntry(kind, title, body string, meta map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## [%s] %s — %s\n", kind, time.Now().Format("2006-01-02"), strings.TrimSpace(title))
	for _, k := range []string{"severity", "reasoning"} {
		if v, ok := meta[k]; ok && v != "" {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	if body = strings.TrimSpace(body); body != "" {
		b.WriteString("\n" + body + "\n")
	}
	return b.String()
}
