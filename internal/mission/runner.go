package mission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/provider"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/retrieval"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/tools"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// digestTokenBudget bounds the KB context packed into a mission prompt.
const digestTokenBudget = 2000

// ClientResolver resolves the provider client serving a domain.
type ClientResolver func(d *types.Domain) (provider.Client, error)

// ProgressKind labels one runner progress event.
type ProgressKind string

const (
	ProgressRunStarted     ProgressKind = "run_started"
	ProgressLLMChunk       ProgressKind = "llm_chunk"
	ProgressOutputsParsed  ProgressKind = "outputs_parsed"
	ProgressGateCreated    ProgressKind = "gate_created"
	ProgressActionExecuted ProgressKind = "action_executed"
	ProgressRunComplete    ProgressKind = "run_complete"
	ProgressRunFailed      ProgressKind = "run_failed"
	ProgressRunCancelled   ProgressKind = "run_cancelled"
)

// Progress is one runner lifecycle event. Detail carries the chunk text
// for llm_chunk events and a short human line otherwise.
type Progress struct {
	Kind      ProgressKind
	RunID     string
	MissionID string
	Detail    string
}

// Deps carries the runner's collaborators. Gmail and GTasks may be nil;
// the corresponding gated actions then fail with a connection error.
// Progress may be nil; events are then dropped.
type Deps struct {
	Store    *store.Store
	Config   *config.Config
	Resolve  ClientResolver
	Builder  *retrieval.Builder
	Gmail    tools.GmailClient
	GTasks   tools.GTasksClient
	Parsers  *ParserRegistry
	Progress chan<- Progress
}

// Runner executes missions. One instance per process; runs share the
// store but each owns its context, so concurrent runs are safe.
type Runner struct {
	st       *store.Store
	cfg      *config.Config
	resolve  ClientResolver
	builder  *retrieval.Builder
	gmail    tools.GmailClient
	gtasks   tools.GTasksClient
	parsers  *ParserRegistry
	progress chan<- Progress

	mu      sync.Mutex
	cancels map[string]*cancelEntry // request id -> newest run's cancel
}

// cancelEntry pairs a run's cancel func with a generation counter so a
// finished run only removes its own entry.
type cancelEntry struct {
	gen    int
	cancel context.CancelFunc
}

// NewRunner builds a runner from its collaborators.
func NewRunner(deps Deps) *Runner {
	parsers := deps.Parsers
	if parsers == nil {
		parsers = NewParserRegistry()
	}
	return &Runner{
		st:       deps.Store,
		cfg:      deps.Config,
		resolve:  deps.Resolve,
		builder:  deps.Builder,
		gmail:    deps.Gmail,
		gtasks:   deps.GTasks,
		parsers:  parsers,
		progress: deps.Progress,
	}
}

// RunRequest names the mission, the target domain, and the caller's
// inputs. RequestID is optional; when set it becomes the cancel handle
// and a new run under the same id cancels the previous one.
type RunRequest struct {
	MissionID string
	DomainID  string
	RequestID string
	Params    map[string]any
}

// Run executes one mission to a terminal or gated state. Validation
// failures before the run row exists return a plain error; anything
// after is recorded on the run. A gated run returns with status "gated"
// and nil error; Decide picks it up from there.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*types.MissionRun, error) {
	// Step 1: the mission must exist, be enabled, and accept the params.
	m, err := lookup(r.st, req.MissionID)
	if err != nil {
		return nil, err
	}
	if !m.Enabled {
		return nil, fmt.Errorf("mission %q is disabled", m.Name)
	}
	def, err := decodeDefinition(m.Definition)
	if err != nil {
		return nil, fmt.Errorf("mission %q: %w", m.Name, err)
	}
	params := mergeParams(m.ParamSchema, req.Params)
	if err := validateParams(m.ParamSchema, params); err != nil {
		return nil, fmt.Errorf("mission %q params: %w", m.Name, err)
	}

	// Step 2: the mission must be granted to the target domain.
	if !m.AllowsDomain(req.DomainID) {
		return nil, fmt.Errorf("mission %q is not enabled for domain %s", m.Name, req.DomainID)
	}
	domain, err := r.st.GetDomain(req.DomainID)
	if err != nil {
		return nil, fmt.Errorf("domain %s: %w", req.DomainID, err)
	}

	defHash, err := DefinitionHash(m.Definition)
	if err != nil {
		return nil, fmt.Errorf("mission %q: %w", m.Name, err)
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("mission params do not marshal: %w", err)
	}

	run := &types.MissionRun{
		MissionID:      m.ID,
		DomainID:       domain.ID,
		RequestID:      req.RequestID,
		Params:         paramsJSON,
		DefinitionHash: defHash,
		Status:         types.MissionPending,
	}
	if err := r.st.CreateMissionRun(run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.GetMissionTimeout())
	defer cancel()
	if req.RequestID != "" {
		gen := r.registerCancel(req.RequestID, cancel)
		defer r.unregisterCancel(req.RequestID, gen)
	}

	logging.Mission("Run %s: mission %q on domain %q", run.ID, m.Name, domain.Name)
	r.emit(Progress{Kind: ProgressRunStarted, RunID: run.ID, MissionID: m.ID, Detail: m.Name})

	if err := r.st.MarkMissionRunRunning(run.ID); err != nil {
		return run, r.fail(run, fmt.Errorf("mark running: %w", err))
	}
	run.Status = types.MissionRunning

	// Step 3: context assembly.
	if err := ctx.Err(); err != nil {
		return run, r.cancelled(run, err)
	}
	asm, err := r.assembleContext(ctx, domain, def)
	if err != nil {
		if ctxDone(ctx, err) {
			return run, r.cancelled(run, err)
		}
		return run, r.fail(run, fmt.Errorf("assemble context: %w", err))
	}

	// Step 4: prompt and hashes.
	client, err := r.resolve(domain)
	if err != nil {
		return run, r.fail(run, fmt.Errorf("resolve provider: %w", err))
	}
	prompt := buildPrompt(def, asm, params)
	promptHash := TextHash(prompt)
	snapshot := asm.snapshot(prompt)
	if err := r.st.UpdateMissionRunContext(run.ID, promptHash, client.Name(), client.Model(), snapshot); err != nil {
		return run, r.fail(run, fmt.Errorf("record context: %w", err))
	}
	run.PromptHash = promptHash
	run.Provider = client.Name()
	run.Model = client.Model()

	// Step 5: stream the LLM.
	raw, err := r.streamLLM(ctx, client, def, prompt, run)
	if err != nil {
		if ctxDone(ctx, err) {
			return run, r.cancelled(run, err)
		}
		return run, r.fail(run, fmt.Errorf("llm: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return run, r.cancelled(run, err)
	}

	// Step 6: parse. The raw response is persisted before any parser
	// runs so a parse failure never loses the model's work.
	if _, err := r.st.AppendMissionOutput(run.ID, types.OutputKindRaw, rawContent(SummaryContent{Text: raw})); err != nil {
		return run, r.fail(run, fmt.Errorf("persist raw output: %w", err))
	}
	outputs, err := r.parseOutputs(raw, def)
	if err != nil {
		return run, r.fail(run, fmt.Errorf("parse outputs: %w", err))
	}

	// Step 7: persist parsed outputs and refresh the snapshot with what
	// the model produced.
	for _, o := range outputs {
		if _, err := r.st.AppendMissionOutput(run.ID, o.Kind, o.Content); err != nil {
			return run, r.fail(run, fmt.Errorf("persist %s output: %w", o.Kind, err))
		}
	}
	snapshot = asm.snapshotWithResponse(prompt, raw, len(outputs))
	if err := r.st.UpdateMissionRunContext(run.ID, promptHash, client.Name(), client.Model(), snapshot); err != nil {
		return run, r.fail(run, fmt.Errorf("record context: %w", err))
	}
	r.emit(Progress{Kind: ProgressOutputsParsed, RunID: run.ID, MissionID: m.ID,
		Detail: fmt.Sprintf("%d outputs", len(outputs))})

	// Step 8: gate evaluation.
	proposals := outputProposals(outputs)
	gated, err := r.evaluateGate(run, def, proposals)
	if err != nil {
		return run, r.fail(run, fmt.Errorf("gate: %w", err))
	}
	if gated {
		run.Status = types.MissionGated
		return run, nil
	}

	// Steps 9 and 10: no side effects queued, so finalize directly.
	if err := r.st.SetMissionRunStatus(run.ID, types.MissionSuccess, ""); err != nil {
		return run, fmt.Errorf("finalize run %s: %w", run.ID, err)
	}
	run.Status = types.MissionSuccess
	logging.Mission("Run %s complete (%d outputs, no gate)", run.ID, len(outputs))
	r.emit(Progress{Kind: ProgressRunComplete, RunID: run.ID, MissionID: m.ID})
	return run, nil
}

// CancelByRequest aborts the newest run started under the given request
// id. The in-flight context is cancelled and the stored run, if not
// already terminal, is marked cancelled.
func (r *Runner) CancelByRequest(requestID string) {
	r.mu.Lock()
	entry := r.cancels[requestID]
	delete(r.cancels, requestID)
	r.mu.Unlock()
	if entry != nil {
		entry.cancel()
	}

	run, err := r.st.LatestRunByRequest(requestID)
	if err != nil {
		return
	}
	if !run.Status.Terminal() {
		if err := r.st.SetMissionRunStatus(run.ID, types.MissionCancelled, "cancelled by request"); err != nil {
			logging.MissionWarn("Could not mark run %s cancelled: %v", run.ID, err)
			return
		}
		logging.Mission("Run %s cancelled by request %s", run.ID, requestID)
		r.emit(Progress{Kind: ProgressRunCancelled, RunID: run.ID, MissionID: run.MissionID})
	}
}

// registerCancel installs the run's cancel func under the request id.
// A previous run under the same id is cancelled: last writer wins.
func (r *Runner) registerCancel(requestID string, cancel context.CancelFunc) int {
	r.mu.Lock()
	if r.cancels == nil {
		r.cancels = make(map[string]*cancelEntry)
	}
	prev := r.cancels[requestID]
	gen := 1
	if prev != nil {
		gen = prev.gen + 1
	}
	r.cancels[requestID] = &cancelEntry{gen: gen, cancel: cancel}
	r.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	return gen
}

// unregisterCancel removes the entry if it still belongs to this run; a
// newer run under the same request id keeps its own.
func (r *Runner) unregisterCancel(requestID string, gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.cancels[requestID]; e != nil && e.gen == gen {
		delete(r.cancels, requestID)
	}
}

// fail records a terminal failure on the run.
func (r *Runner) fail(run *types.MissionRun, err error) error {
	logging.MissionWarn("Run %s failed: %v", run.ID, err)
	if serr := r.st.SetMissionRunStatus(run.ID, types.MissionFailed, err.Error()); serr != nil {
		logging.MissionError("Could not record failure of run %s: %v", run.ID, serr)
	}
	run.Status = types.MissionFailed
	run.ErrorMessage = err.Error()
	r.emit(Progress{Kind: ProgressRunFailed, RunID: run.ID, MissionID: run.MissionID, Detail: err.Error()})
	return err
}

// cancelled records cooperative cancellation. Outputs persisted before
// the checkpoint are retained.
func (r *Runner) cancelled(run *types.MissionRun, cause error) error {
	logging.Mission("Run %s cancelled: %v", run.ID, cause)
	if serr := r.st.SetMissionRunStatus(run.ID, types.MissionCancelled, ""); serr != nil {
		logging.MissionError("Could not record cancellation of run %s: %v", run.ID, serr)
	}
	run.Status = types.MissionCancelled
	r.emit(Progress{Kind: ProgressRunCancelled, RunID: run.ID, MissionID: run.MissionID})
	return cause
}

// ctxDone reports whether err is the context's own termination.
func ctxDone(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// emit sends a progress event without blocking. A slow or absent
// listener never stalls the run.
func (r *Runner) emit(evt Progress) {
	if r.progress == nil {
		return
	}
	select {
	case r.progress <- evt:
	default:
	}
}

// streamLLM consumes the provider stream, forwarding chunks as progress
// events. Cancellation stops consumption between chunks.
func (r *Runner) streamLLM(ctx context.Context, client provider.Client, def *Definition, prompt string, run *types.MissionRun) (string, error) {
	textCh, errCh := client.Stream(ctx, provider.Request{
		System:   missionSystemPrompt(def),
		Messages: []types.ChatMessage{types.UserMessage(prompt)},
	})

	var sb strings.Builder
	for chunk := range textCh {
		sb.WriteString(chunk)
		r.emit(Progress{Kind: ProgressLLMChunk, RunID: run.ID, MissionID: run.MissionID, Detail: chunk})
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	if err := <-errCh; err != nil {
		return "", err
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("empty response from %s", client.Name())
	}
	return text, nil
}

// parseOutputs dispatches to the type's parser. Types without a parser
// keep the whole response as a single summary.
func (r *Runner) parseOutputs(raw string, def *Definition) ([]Output, error) {
	if p := r.parsers.Get(def.Type); p != nil {
		return p(raw, def)
	}
	logging.MissionWarn("No parser for mission type %q, keeping summary only", def.Type)
	content, err := json.Marshal(SummaryContent{Text: raw})
	if err != nil {
		return nil, err
	}
	return []Output{{Kind: OutputKindSummary, Content: content}}, nil
}

// proposals groups the parsed side-effect candidates of a run.
type proposals struct {
	actions []*ActionProposal
	email   *EmailProposal
}

func outputProposals(outputs []Output) proposals {
	var p proposals
	for _, o := range outputs {
		switch o.Kind {
		case OutputKindAction:
			var a ActionProposal
			if err := json.Unmarshal(o.Content, &a); err == nil {
				p.actions = append(p.actions, &a)
			}
		case OutputKindEmail:
			if p.email == nil {
				var e EmailProposal
				if err := json.Unmarshal(o.Content, &e); err == nil {
					p.email = &e
				}
			}
		}
	}
	return p
}

// evaluateGate queues side effects behind a pending gate when the run
// proposed any. Returns true when the run is now gated.
func (r *Runner) evaluateGate(run *types.MissionRun, def *Definition, p proposals) (bool, error) {
	deadlines := len(p.actions) > 0 && r.cfg.Mission.CreateDeadlines
	wantsEmail := def.DraftEmail != nil && def.DraftEmail.Recipient != ""
	if !deadlines && !wantsEmail {
		return false, nil
	}

	var actions []*types.MissionAction
	if deadlines {
		for _, a := range p.actions {
			actions = append(actions, &types.MissionAction{
				MissionRunID: run.ID,
				Kind:         types.MissionActionCreateDeadline,
				Payload:      rawContent(a),
				Status:       types.ActionPending,
			})
		}
	}
	if wantsEmail {
		actions = append(actions, &types.MissionAction{
			MissionRunID: run.ID,
			Kind:         types.MissionActionDraftEmail,
			Payload:      rawContent(def.DraftEmail),
			Status:       types.ActionPending,
		})
	}

	if err := r.st.CreateMissionActions(actions); err != nil {
		return false, fmt.Errorf("queue actions: %w", err)
	}
	msg := gateMessage(def, p, deadlines)
	gate := &types.MissionGate{MissionRunID: run.ID, Message: msg, Status: types.GatePending}
	if err := r.st.CreateGate(gate); err != nil {
		return false, fmt.Errorf("create gate: %w", err)
	}
	if err := r.st.SetMissionRunStatus(run.ID, types.MissionGated, ""); err != nil {
		return false, fmt.Errorf("mark gated: %w", err)
	}

	logging.Mission("Run %s gated: %s", run.ID, msg)
	r.emit(Progress{Kind: ProgressGateCreated, RunID: run.ID, MissionID: run.MissionID, Detail: msg})
	return true, nil
}

// gateMessage summarizes the queued side effects for the operator.
func gateMessage(def *Definition, p proposals, deadlines bool) string {
	var parts []string
	if deadlines {
		titles := make([]string, 0, len(p.actions))
		for _, a := range p.actions {
			titles = append(titles, a.Title)
		}
		parts = append(parts, fmt.Sprintf("create %d deadline(s): %s", len(titles), strings.Join(titles, "; ")))
	}
	if def.DraftEmail != nil && def.DraftEmail.Recipient != "" {
		parts = append(parts, fmt.Sprintf("draft an email to %s", def.DraftEmail.Recipient))
	}
	return "This run wants to " + strings.Join(parts, " and ")
}

// validateParams checks the merged params against the mission's schema.
// Missions without a schema accept anything.
func validateParams(schema json.RawMessage, params map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return fmt.Errorf("param schema does not decode: %w", err)
	}

	const url = "mission://params.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, normalizeJSON(doc)); err != nil {
		return fmt.Errorf("param schema: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("param schema: %w", err)
	}
	norm, _ := normalizeJSON(params).(map[string]any)
	return compiled.Validate(norm)
}

// normalizeJSON rewrites Go-typed values into the plain JSON shapes the
// schema validator expects: numbers become float64 recursively.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	default:
		return v
	}
}

// =============================================================================
// CONTEXT ASSEMBLY
// =============================================================================

// assembly is everything Step 3 gathered for the prompt, plus the
// bookkeeping that goes into the context snapshot.
type assembly struct {
	digestText string
	digests    []snapshotDigest
	strategy   retrieval.Strategy

	healthText string
	healthHash string

	pendingIntake      int
	overdueTasks       int
	enabledAutomations int

	date string
}

type snapshotDigest struct {
	File  string `json:"file"`
	Chars int    `json:"chars"`
	Hash  string `json:"hash"`
}

// assembleContext loads the domain digests, portfolio health, and the
// external counts a mission prompt leans on.
func (r *Runner) assembleContext(ctx context.Context, domain *types.Domain, def *Definition) (*assembly, error) {
	asm := &assembly{date: time.Now().Format("Monday, January 2, 2006")}

	kb, err := r.builder.BuildContext(ctx, domain.ID, def.Goal, digestTokenBudget)
	if err != nil {
		return nil, fmt.Errorf("kb context: %w", err)
	}
	asm.digestText = kb.Text
	asm.strategy = kb.Strategy
	for _, s := range kb.Sections {
		var chars int
		for _, sn := range s.Snippets {
			chars += len(sn.Content)
		}
		asm.digests = append(asm.digests, snapshotDigest{
			File:  s.FilePath,
			Chars: chars,
			Hash:  TextHash(s.FilePath + s.Staleness),
		})
	}

	asm.healthText, asm.enabledAutomations, err = r.portfolioHealth(domain.ID)
	if err != nil {
		return nil, fmt.Errorf("portfolio health: %w", err)
	}
	asm.healthHash = TextHash(asm.healthText)

	pending, err := r.st.ListIntakeItems(types.IntakePending, 0)
	if err != nil {
		return nil, fmt.Errorf("pending intake: %w", err)
	}
	asm.pendingIntake = len(pending)

	if r.gtasks != nil {
		items, err := r.gtasks.List(ctx, false)
		if err != nil {
			// An offline task backend degrades the count, not the run.
			logging.MissionWarn("Could not list external tasks: %v", err)
		} else {
			now := time.Now()
			for _, t := range items {
				if !t.Done && !t.Due.IsZero() && t.Due.Before(now) {
					asm.overdueTasks++
				}
			}
		}
	}
	return asm, nil
}

// portfolioHealth summarizes the domain's automations: enabled count,
// failure streaks, cooldowns.
func (r *Runner) portfolioHealth(domainID string) (string, int, error) {
	autos, err := r.st.ListAutomations(domainID)
	if err != nil {
		return "", 0, err
	}
	var sb strings.Builder
	enabled := 0
	for _, a := range autos {
		if !a.Enabled {
			continue
		}
		enabled++
		fmt.Fprintf(&sb, "- %s: %d runs", a.Name, a.RunCount)
		if a.FailureStreak > 0 {
			fmt.Fprintf(&sb, ", %d consecutive failures", a.FailureStreak)
		}
		if a.CooldownUntil != nil && a.CooldownUntil.After(time.Now()) {
			fmt.Fprintf(&sb, ", cooling down until %s", a.CooldownUntil.Format(time.RFC3339))
		}
		sb.WriteString("\n")
	}
	if enabled == 0 {
		return "No enabled automations.", 0, nil
	}
	return strings.TrimRight(sb.String(), "\n"), enabled, nil
}

// snapshot serializes what the run saw at prompt time.
func (a *assembly) snapshot(prompt string) json.RawMessage {
	return rawContent(map[string]any{
		"assembled_at": time.Now().UTC().Format(time.RFC3339),
		"strategy":     string(a.strategy),
		"digests":      a.digests,
		"health_hash":  a.healthHash,
		"prompt_chars": len(prompt),
		"counts": map[string]int{
			"pending_intake":      a.pendingIntake,
			"overdue_tasks":       a.overdueTasks,
			"enabled_automations": a.enabledAutomations,
		},
	})
}

// snapshotWithResponse extends the snapshot after Step 7 with what the
// model produced.
func (a *assembly) snapshotWithResponse(prompt, response string, outputs int) json.RawMessage {
	return rawContent(map[string]any{
		"assembled_at": time.Now().UTC().Format(time.RFC3339),
		"strategy":     string(a.strategy),
		"digests":      a.digests,
		"health_hash":  a.healthHash,
		"prompt_chars": len(prompt),
		"counts": map[string]int{
			"pending_intake":      a.pendingIntake,
			"overdue_tasks":       a.overdueTasks,
			"enabled_automations": a.enabledAutomations,
		},
		"response": map[string]any{
			"chars":   len(response),
			"hash":    TextHash(response),
			"outputs": outputs,
		},
	})
}

// buildPrompt composes the mission prompt from the assembled context.
func buildPrompt(def *Definition, asm *assembly, params map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Today is %s.\n\n", asm.date)
	fmt.Fprintf(&sb, "## Goal\n%s\n\n", def.Goal)
	if def.Instructions != "" {
		fmt.Fprintf(&sb, "## Instructions\n%s\n\n", def.Instructions)
	}
	if len(params) > 0 {
		sb.WriteString("## Parameters\n")
		for _, k := range sortedKeys(params) {
			fmt.Fprintf(&sb, "- %s: %v\n", k, params[k])
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "## Portfolio health\n%s\n\n", asm.healthText)
	fmt.Fprintf(&sb, "## Counts\n- pending intake items: %d\n- overdue external tasks: %d\n\n",
		asm.pendingIntake, asm.overdueTasks)
	if asm.digestText != "" {
		fmt.Fprintf(&sb, "## Knowledge base\n%s\n", asm.digestText)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// missionSystemPrompt frames the output grammar the parser expects.
func missionSystemPrompt(def *Definition) string {
	base := "You are executing a scheduled mission over a personal knowledge base. " +
		"Be concrete and concise. Ground every claim in the provided context."
	switch def.Type {
	case TypeReview:
		return base + "\n\nPropose follow-up deadlines as fenced blocks:\n" +
			"```action\ntitle: <short imperative>\ndue: YYYY-MM-DD\nnotes: <one line>\n```\n" +
			"Use one block per deadline. Everything outside the blocks is your review summary."
	case TypeOutreach:
		return base + "\n\nDraft the outgoing email as one fenced block:\n" +
			"```email\nsubject: <subject line>\n---\n<body>\n```\n" +
			"You may also propose deadlines with ```action blocks. " +
			"Everything outside the blocks is your working summary."
	default:
		return base + "\n\nRespond in plain markdown. Do not use fenced action or email blocks."
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
