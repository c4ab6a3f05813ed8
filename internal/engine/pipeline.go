package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/provider"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/usage"
)

// backoffSchedule is the cooldown ladder for llm_error and timeout
// failures, indexed by the in-memory attempt count and clamped to the
// last entry.
var backoffSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// exemptCodes never advance the failure streak: they describe missing
// connections or throttling, not a broken automation.
var exemptCodes = map[types.ErrorCode]bool{
	types.ErrCodeMissingOAuthScope:   true,
	types.ErrCodeRateLimited:         true,
	types.ErrCodeGTasksNotConnected:  true,
	types.ErrCodeInvalidActionConfig: true,
	types.ErrCodeCrashRecovery:       true,
}

var placeholderPattern = regexp.MustCompile(`\{\{[a-z_]+\}\}`)

// ExecRequest describes one execution attempt of an automation.
type ExecRequest struct {
	TriggerKind types.TriggerKind
	Event       types.EventType
	EventData   json.RawMessage
	MinuteKey   string
	RequestID   string
}

// outcome is the terminal state an execution reaches.
type outcome struct {
	status       types.RunStatus
	code         types.ErrorCode
	message      string
	actionResult string
	externalID   string
}

func failure(code types.ErrorCode, message string) outcome {
	return outcome{status: types.RunFailed, code: code, message: message}
}

// ExecuteAutomation runs the full pipeline for one automation: guards,
// dedupe insert, prompt render, semaphore-gated LLM call, action
// dispatch, and finalize with streak and backoff bookkeeping.
//
// A nil run with a nil error means a duplicate dedupe key: another
// execution already owns this firing.
func (e *Engine) ExecuteAutomation(ctx context.Context, auto *types.Automation, req ExecRequest) (*types.AutomationRun, error) {
	now := time.Now()
	if req.MinuteKey == "" {
		req.MinuteKey = minuteKey(now)
	}
	key := generateDedupeKey(auto.ID, req)

	// 1. Guards, in order.
	if !auto.Enabled {
		return e.insertSkipped(auto, req, key, types.ErrCodeAutomationDisabled, "automation is disabled")
	}
	if auto.CooldownUntil != nil && auto.CooldownUntil.After(now) {
		return e.insertSkipped(auto, req, key, types.ErrCodeCooldownActive,
			fmt.Sprintf("cooling down until %s", auto.CooldownUntil.Format(time.RFC3339)))
	}
	if !e.limiter.Allow(auto.ID, auto.DomainID, now) {
		cooldown := now.Add(time.Duration(e.cfg.Engine.CooldownMinutes) * time.Minute)
		if err := e.st.UpdateFailureState(auto.ID, auto.FailureStreak, &cooldown); err != nil {
			logging.EngineWarn("Could not set rate-limit cooldown for %q: %v", auto.Name, err)
		}
		return e.insertSkipped(auto, req, key, types.ErrCodeRateLimited, "rate limit window exhausted")
	}

	// 2. Dedupe insert. Losing the unique race exits silently.
	run := &types.AutomationRun{
		AutomationID: auto.ID,
		DomainID:     auto.DomainID,
		TriggerKind:  req.TriggerKind,
		DedupeKey:    key,
		Status:       types.RunPending,
	}
	if auto.StorePayloads {
		run.TriggerData = req.EventData
	}
	if err := e.st.InsertRun(run); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			logging.EngineDebug("Duplicate firing of %q (key %.12s), skipping", auto.Name, key)
			if err := e.st.RecordDuplicateSkip(auto.ID, now); err != nil {
				logging.EngineWarn("Could not record duplicate skip for %q: %v", auto.Name, err)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("insert run: %w", err)
	}

	// 3. Prompt render.
	domain, err := e.st.GetDomain(auto.DomainID)
	if err != nil {
		return run, e.finalize(auto, run, failure(types.ErrCodeTemplateRenderError, fmt.Sprintf("domain lookup: %v", err)))
	}
	prompt, err := renderPrompt(auto.PromptTemplate, promptVars(domain, req, now))
	if err != nil {
		return run, e.finalize(auto, run, failure(types.ErrCodeTemplateRenderError, err.Error()))
	}
	run.PromptHash = sha256Hex(prompt)

	// 4. Concurrency gate, then mark running.
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return run, e.finalize(auto, run, failure(types.ErrCodeTimeout, "cancelled while waiting for an LLM permit"))
	}
	started := time.Now()
	run.StartedAt = &started
	if err := e.st.MarkRunRunning(run.ID, started); err != nil {
		logging.EngineWarn("Could not mark run %s running: %v", run.ID, err)
	}

	// 5. LLM call; the permit is released on every path out.
	text, llmOutcome := func() (string, *outcome) {
		defer e.sem.Release(1)
		timer := logging.StartTimer(logging.CategoryEngine, fmt.Sprintf("LLM call for %q", auto.Name))
		defer timer.StopWithThreshold(e.cfg.GetProviderTimeout() / 2)

		client, err := e.resolve(domain)
		if err != nil {
			o := failure(types.ErrCodeProviderNotConfigured, err.Error())
			return "", &o
		}
		completion, err := client.Complete(ctx, provider.Request{
			Messages: []types.ChatMessage{types.UserMessage(prompt)},
		})
		if err != nil {
			code := types.ErrCodeLLMError
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
				code = types.ErrCodeTimeout
			}
			o := failure(code, err.Error())
			return "", &o
		}
		e.usage.Record(usage.Sample{
			Provider: client.Name(),
			Model:    client.Model(),
			Surface:  usage.SurfaceAutomation,
			DomainID: auto.DomainID,
			Input:    completion.Usage.InputTokens,
			Output:   completion.Usage.OutputTokens,
		})
		return completion.Text, nil
	}()
	if llmOutcome != nil {
		return run, e.finalize(auto, run, *llmOutcome)
	}
	run.ResponseHash = sha256Hex(text)

	// 6. Action dispatch.
	return run, e.finalize(auto, run, e.runAction(ctx, auto, text))
}

// runAction turns the LLM response into the automation's side effect.
func (e *Engine) runAction(ctx context.Context, auto *types.Automation, text string) outcome {
	switch auto.ActionKind {
	case types.ActionNotification:
		if e.notifier != nil {
			e.notifier.Notify(types.NotifyInfo, auto.Name, text)
		}
		return outcome{status: types.RunSuccess, actionResult: "notification posted"}

	case types.ActionCreateGTask:
		if e.gtasks == nil {
			return failure(types.ErrCodeGTasksNotConnected, "Google Tasks is not connected")
		}
		title, notes := splitTitleBody(text)
		task, err := e.gtasks.Create(ctx, title, notes, time.Time{})
		if err != nil {
			return failure(types.ErrCodeActionExecutionError, fmt.Sprintf("create task: %v", err))
		}
		return outcome{status: types.RunSuccess, actionResult: "task created", externalID: task.ID}

	case types.ActionDraftGmail:
		if e.gmail == nil || e.scopes == nil || !e.scopes.HasScope(gmailComposeScope) {
			return failure(types.ErrCodeMissingOAuthScope, "gmail.compose scope not granted")
		}
		var cfg struct {
			To string `json:"to"`
		}
		if len(auto.ActionConfig) > 0 {
			if err := json.Unmarshal(auto.ActionConfig, &cfg); err != nil {
				return failure(types.ErrCodeInvalidActionConfig, fmt.Sprintf("action_config: %v", err))
			}
		}
		if cfg.To == "" {
			return failure(types.ErrCodeInvalidActionConfig, "draft_gmail requires action_config.to")
		}
		subject, body := splitTitleBody(text)
		if body == "" {
			body = subject
		}
		draftID, err := e.gmail.CreateDraft(ctx, cfg.To, subject, body)
		if err != nil {
			return failure(types.ErrCodeActionExecutionError, fmt.Sprintf("create draft: %v", err))
		}
		return outcome{status: types.RunSuccess, actionResult: "draft created", externalID: draftID}

	default:
		return failure(types.ErrCodeInvalidActionConfig, fmt.Sprintf("unknown action kind %q", auto.ActionKind))
	}
}

// finalize records the terminal run state and applies streak, backoff,
// and self-disable policy.
func (e *Engine) finalize(auto *types.Automation, run *types.AutomationRun, o outcome) error {
	completed := time.Now()
	run.CompletedAt = &completed
	if run.StartedAt != nil {
		run.DurationMs = completed.Sub(*run.StartedAt).Milliseconds()
	}
	run.Status = o.status
	run.ErrorCode = o.code
	run.ErrorMessage = o.message
	run.ActionResult = o.actionResult
	run.ActionExternalID = o.externalID

	if err := e.st.FinalizeRun(run); err != nil {
		return fmt.Errorf("finalize run %s: %w", run.ID, err)
	}
	if run.StartedAt != nil {
		if err := e.st.MarkAutomationRan(auto.ID, completed); err != nil {
			logging.EngineWarn("Could not record last run of %q: %v", auto.Name, err)
		}
	}

	switch run.Status {
	case types.RunSuccess:
		logging.Engine("Automation %q succeeded in %dms (%s)", auto.Name, run.DurationMs, run.ActionResult)
		if err := e.st.UpdateFailureState(auto.ID, 0, nil); err != nil {
			logging.EngineWarn("Could not reset failure streak for %q: %v", auto.Name, err)
		}
		e.mu.Lock()
		delete(e.backoff, auto.ID)
		e.mu.Unlock()
	case types.RunFailed:
		logging.EngineWarn("Automation %q failed: %s (%s)", auto.Name, run.ErrorCode, run.ErrorMessage)
		e.recordFailure(auto, run)
	}
	return nil
}

// recordFailure advances the streak for non-exempt codes, applies
// exponential backoff for llm_error/timeout, and disables the automation
// at the streak limit.
func (e *Engine) recordFailure(auto *types.Automation, run *types.AutomationRun) {
	exempt := exemptCodes[run.ErrorCode]
	streak := auto.FailureStreak
	if !exempt {
		streak++
	}

	var cooldown *time.Time
	if run.ErrorCode == types.ErrCodeLLMError || run.ErrorCode == types.ErrCodeTimeout {
		e.mu.Lock()
		attempt := e.backoff[auto.ID]
		e.backoff[auto.ID] = attempt + 1
		e.mu.Unlock()
		if attempt >= len(backoffSchedule) {
			attempt = len(backoffSchedule) - 1
		}
		t := time.Now().Add(backoffSchedule[attempt])
		cooldown = &t
		logging.Engine("Backing off %q for %s (attempt %d)", auto.Name, backoffSchedule[attempt], attempt+1)
	}

	if !exempt || cooldown != nil {
		if err := e.st.UpdateFailureState(auto.ID, streak, cooldown); err != nil {
			logging.EngineWarn("Could not update failure state for %q: %v", auto.Name, err)
		}
	}

	if !exempt && streak >= e.cfg.Engine.FailureStreakLimit {
		if err := e.st.SetAutomationEnabled(auto.ID, false); err != nil {
			logging.EngineWarn("Could not disable %q: %v", auto.Name, err)
		}
		logging.EngineWarn("Automation %q disabled due to %d consecutive failures", auto.Name, streak)
		if e.notifier != nil {
			e.notifier.Notify(types.NotifyWarning, "Automation disabled",
				fmt.Sprintf("%q was disabled due to %d consecutive failures. Last error: %s", auto.Name, streak, run.ErrorMessage))
		}
	}
}

// insertSkipped records a guard rejection as a terminal skipped run.
func (e *Engine) insertSkipped(auto *types.Automation, req ExecRequest, key string, code types.ErrorCode, msg string) (*types.AutomationRun, error) {
	now := time.Now()
	run := &types.AutomationRun{
		AutomationID: auto.ID,
		DomainID:     auto.DomainID,
		TriggerKind:  req.TriggerKind,
		DedupeKey:    key,
		Status:       types.RunSkipped,
		ErrorCode:    code,
		ErrorMessage: msg,
		CompletedAt:  &now,
	}
	if auto.StorePayloads {
		run.TriggerData = req.EventData
	}
	if err := e.st.InsertRun(run); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			if err := e.st.RecordDuplicateSkip(auto.ID, now); err != nil {
				logging.EngineWarn("Could not record duplicate skip for %q: %v", auto.Name, err)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("insert skipped run: %w", err)
	}
	logging.EngineDebug("Automation %q skipped: %s", auto.Name, code)
	return run, nil
}

// generateDedupeKey derives the globally unique firing key. Components
// vary by trigger: schedules key on the minute, events add the event
// type and a digest of its payload, manual runs add the request id.
func generateDedupeKey(automationID string, req ExecRequest) string {
	parts := []string{automationID, string(req.TriggerKind), req.MinuteKey}
	if req.Event != "" {
		parts = append(parts, string(req.Event))
	}
	if len(req.EventData) > 0 {
		parts = append(parts, sha256Hex(string(req.EventData)))
	}
	if req.RequestID != "" {
		parts = append(parts, req.RequestID)
	}
	return sha256Hex(strings.Join(parts, "|"))
}

func promptVars(domain *types.Domain, req ExecRequest, now time.Time) map[string]string {
	data := "{}"
	if len(req.EventData) > 0 {
		data = string(req.EventData)
	}
	return map[string]string{
		"domain_name":  domain.Name,
		"event_type":   string(req.Event),
		"event_data":   data,
		"current_date": now.Format("2006-01-02"),
	}
}

// renderPrompt substitutes the known placeholders. Unknown placeholders
// fail before substitution so payload text can never trip the check.
func renderPrompt(tpl string, vars map[string]string) (string, error) {
	for _, m := range placeholderPattern.FindAllString(tpl, -1) {
		name := strings.Trim(m, "{}")
		if _, ok := vars[name]; !ok {
			return "", fmt.Errorf("unknown template placeholder %s", m)
		}
	}
	out := tpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out, nil
}

// splitTitleBody splits an LLM response into a first-line title and the
// remaining body.
func splitTitleBody(text string) (string, string) {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+1:])
	}
	return text, ""
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
