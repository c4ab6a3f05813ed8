package mission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// Decide records the operator's verdict on a run's pending gate and
// resumes the run. Approval executes the queued actions in insertion
// order; rejection skips them all. The run finalizes success either
// way: individual action failures are recorded on their rows, never
// escalated.
func (r *Runner) Decide(ctx context.Context, runID string, approved bool) (*types.MissionRun, error) {
	run, err := r.st.GetMissionRun(runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	if run.Status != types.MissionGated {
		return nil, fmt.Errorf("run %s is %s, not gated", runID, run.Status)
	}
	gate, err := r.st.GetPendingGate(runID)
	if err != nil {
		return nil, fmt.Errorf("pending gate for run %s: %w", runID, err)
	}

	if err := r.st.DecideGate(gate.ID, approved); err != nil {
		return nil, fmt.Errorf("decide gate %s: %w", gate.ID, err)
	}
	// COALESCE on started_at keeps the original start timestamp.
	if err := r.st.MarkMissionRunRunning(runID); err != nil {
		return run, r.fail(run, fmt.Errorf("resume run: %w", err))
	}
	run.Status = types.MissionRunning

	actions, err := r.st.ListMissionActions(runID)
	if err != nil {
		return run, r.fail(run, fmt.Errorf("list actions: %w", err))
	}

	if approved {
		logging.Mission("Run %s approved, executing %d action(s)", runID, len(actions))
		if err := r.executeActions(ctx, run, actions); err != nil {
			return run, r.fail(run, err)
		}
	} else {
		logging.Mission("Run %s rejected, skipping %d action(s)", runID, len(actions))
		for _, a := range actions {
			if a.Status != types.ActionPending {
				continue
			}
			a.Status = types.ActionSkipped
			if err := r.st.UpdateMissionAction(a); err != nil {
				return run, r.fail(run, fmt.Errorf("skip action %s: %w", a.ID, err))
			}
		}
	}

	// Step 10: the run itself succeeded whatever the actions did.
	if err := r.st.SetMissionRunStatus(runID, types.MissionSuccess, ""); err != nil {
		return run, fmt.Errorf("finalize run %s: %w", runID, err)
	}
	run.Status = types.MissionSuccess
	r.emit(Progress{Kind: ProgressRunComplete, RunID: runID, MissionID: run.MissionID})
	return run, nil
}

// executeActions runs the pending side effects in insertion order.
// create_deadline rows map to the parsed action outputs by ordinal; the
// payload stored at gate time is the operator-facing record, the outputs
// stay authoritative.
func (r *Runner) executeActions(ctx context.Context, run *types.MissionRun, actions []*types.MissionAction) error {
	outputs, err := r.st.ListMissionOutputs(run.ID)
	if err != nil {
		return fmt.Errorf("list outputs: %w", err)
	}
	proposals := decodeActionOutputs(outputs)
	email := decodeEmailOutput(outputs)

	m, err := r.st.GetMission(run.MissionID)
	if err != nil {
		return fmt.Errorf("mission %s: %w", run.MissionID, err)
	}
	def, err := decodeDefinition(m.Definition)
	if err != nil {
		return fmt.Errorf("mission %q: %w", m.Name, err)
	}

	deadlineIdx := 0
	for _, a := range actions {
		if a.Status != types.ActionPending {
			continue
		}

		var result any
		var execErr error
		switch a.Kind {
		case types.MissionActionCreateDeadline:
			var p *ActionProposal
			if deadlineIdx < len(proposals) {
				p = proposals[deadlineIdx]
			}
			deadlineIdx++
			result, execErr = r.executeDeadline(ctx, p)
		case types.MissionActionDraftEmail:
			result, execErr = r.executeDraftEmail(ctx, m, def, email, outputs)
		default:
			execErr = fmt.Errorf("unknown action kind %q", a.Kind)
		}

		now := time.Now().UTC()
		a.ExecutedAt = &now
		if execErr != nil {
			a.Status = types.ActionFailed
			a.ErrorMessage = execErr.Error()
			logging.MissionWarn("Run %s action %s failed: %v", run.ID, a.Kind, execErr)
		} else {
			a.Status = types.ActionSuccess
			a.Result = rawContent(result)
		}
		if err := r.st.UpdateMissionAction(a); err != nil {
			return fmt.Errorf("record action %s: %w", a.ID, err)
		}
		r.emit(Progress{Kind: ProgressActionExecuted, RunID: run.ID, MissionID: run.MissionID,
			Detail: fmt.Sprintf("%s: %s", a.Kind, a.Status)})
	}
	return nil
}

// executeDeadline creates one external task from a parsed proposal.
func (r *Runner) executeDeadline(ctx context.Context, p *ActionProposal) (any, error) {
	if p == nil {
		return nil, fmt.Errorf("no matching action output")
	}
	if r.gtasks == nil {
		return nil, fmt.Errorf("Google Tasks is not connected")
	}

	var due time.Time
	if p.Due != "" {
		parsed, err := time.ParseInLocation("2006-01-02", p.Due, time.Local)
		if err != nil {
			return nil, fmt.Errorf("due date %q: %w", p.Due, err)
		}
		due = parsed
	}

	task, err := r.gtasks.Create(ctx, p.Title, p.Notes, due)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return map[string]string{"task_id": task.ID, "title": p.Title, "due": p.Due}, nil
}

// executeDraftEmail assembles the draft and files it in Gmail. The
// parsed email output wins; runs without one fall back to the summary.
func (r *Runner) executeDraftEmail(ctx context.Context, m *types.Mission, def *Definition, email *EmailProposal, outputs []*types.MissionOutput) (any, error) {
	if r.gmail == nil {
		return nil, fmt.Errorf("Gmail is not connected")
	}
	if def.DraftEmail == nil || def.DraftEmail.Recipient == "" {
		return nil, fmt.Errorf("mission has no draft recipient")
	}

	subject, body := composeEmail(m, def, email, outputs)
	if body == "" {
		return nil, fmt.Errorf("run produced no text to draft")
	}
	draftID, err := r.gmail.CreateDraft(ctx, def.DraftEmail.Recipient, subject, body)
	if err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	return map[string]string{"draft_id": draftID, "to": def.DraftEmail.Recipient, "subject": subject}, nil
}

// composeEmail picks subject and body for the draft, applying the
// mission's subject prefix.
func composeEmail(m *types.Mission, def *Definition, email *EmailProposal, outputs []*types.MissionOutput) (string, string) {
	prefix := ""
	if def.DraftEmail != nil {
		prefix = def.DraftEmail.SubjectPrefix
	}

	if email != nil {
		subject := email.Subject
		if prefix != "" && !hasPrefixFold(subject, prefix) {
			subject = prefix + " " + subject
		}
		return subject, email.Body
	}

	// No email output: fall back to the run's summary text.
	subject := m.Name + " " + time.Now().Format("2006-01-02")
	if prefix != "" {
		subject = prefix + " " + subject
	}
	return subject, summaryText(outputs)
}

// summaryText returns the first summary output's text, else the raw
// response.
func summaryText(outputs []*types.MissionOutput) string {
	var raw string
	for _, o := range outputs {
		var c SummaryContent
		switch o.Kind {
		case OutputKindSummary:
			if err := json.Unmarshal(o.Content, &c); err == nil && c.Text != "" {
				return c.Text
			}
		case types.OutputKindRaw:
			if err := json.Unmarshal(o.Content, &c); err == nil {
				raw = c.Text
			}
		}
	}
	return raw
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
