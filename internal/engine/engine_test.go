package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/bus"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/provider"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/tools"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go.opencensus.io (via genai's auth deps) starts this worker in init();
		// it is process-lifetime and cannot be stopped by tested code.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// fakeClient satisfies provider.Client; the engine only uses Complete.
type fakeClient struct {
	mu           sync.Mutex
	completeFunc func(ctx context.Context, req provider.Request) (*types.Completion, error)
	calls        int
	prompts      []string
}

func (f *fakeClient) Name() string    { return "fake" }
func (f *fakeClient) Model() string   { return "fake-model" }
func (f *fakeClient) BaseURL() string { return "" }

func (f *fakeClient) Complete(ctx context.Context, req provider.Request) (*types.Completion, error) {
	f.mu.Lock()
	f.calls++
	if len(req.Messages) > 0 {
		f.prompts = append(f.prompts, req.Messages[0].Content)
	}
	fn := f.completeFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &types.Completion{Text: "ok"}, nil
}

func (f *fakeClient) CompleteWithTools(ctx context.Context, req provider.Request) (*types.Completion, error) {
	return f.Complete(ctx, req)
}

func (f *fakeClient) Stream(ctx context.Context, req provider.Request) (<-chan string, <-chan error) {
	text := make(chan string)
	errs := make(chan error)
	close(text)
	close(errs)
	return text, errs
}

func (f *fakeClient) SynthesizeAssistantRaw(text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{"text": text})
	return raw
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type notification struct {
	level types.NotifyLevel
	title string
	body  string
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (f *fakeNotifier) Notify(level types.NotifyLevel, title, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, notification{level, title, body})
}

func (f *fakeNotifier) all() []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification(nil), f.notes...)
}

type fakeGmail struct {
	mu      sync.Mutex
	drafts  []string
	lastTo  string
	lastSub string
	lastBod string
	err     error
}

func (f *fakeGmail) Search(ctx context.Context, query string, maxResults int) ([]tools.GmailMessage, error) {
	return nil, nil
}

func (f *fakeGmail) Read(ctx context.Context, messageID string) (*tools.GmailMessage, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGmail) CreateDraft(ctx context.Context, to, subject, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	id := fmt.Sprintf("draft-%d", len(f.drafts)+1)
	f.drafts = append(f.drafts, id)
	f.lastTo, f.lastSub, f.lastBod = to, subject, body
	return id, nil
}

type fakeGTasks struct {
	mu        sync.Mutex
	lastTitle string
	lastNotes string
	err       error
}

func (f *fakeGTasks) List(ctx context.Context, includeCompleted bool) ([]tools.GTask, error) {
	return nil, nil
}

func (f *fakeGTasks) Create(ctx context.Context, title, notes string, due time.Time) (*tools.GTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.lastTitle, f.lastNotes = title, notes
	return &tools.GTask{ID: "task-1", Title: title, Notes: notes}, nil
}

type fakeScopes struct{ granted bool }

func (f *fakeScopes) HasScope(scope string) bool { return f.granted }

// testEngine bundles an engine with the collaborators tests inspect.
type testEngine struct {
	*Engine
	st       *store.Store
	cfg      *config.Config
	client   *fakeClient
	notifier *fakeNotifier
	gmail    *fakeGmail
	gtasks   *fakeGTasks
	scopes   *fakeScopes
}

// newTestEngine builds a stopped engine over a fresh store. Rate limits
// start wide open; tests that exercise throttling narrow them.
func newTestEngine(t *testing.T, mutate func(cfg *config.Config)) *testEngine {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "test-key"
	cfg.Engine.PerAutomationPerMin = 100
	cfg.Engine.PerDomainPerHour = 1000
	cfg.Engine.GlobalPerHour = 1000
	if mutate != nil {
		mutate(cfg)
	}

	te := &testEngine{
		st:       st,
		cfg:      cfg,
		client:   &fakeClient{},
		notifier: &fakeNotifier{},
		gmail:    &fakeGmail{},
		gtasks:   &fakeGTasks{},
		scopes:   &fakeScopes{granted: true},
	}
	te.Engine = New(Deps{
		Store:    st,
		Config:   cfg,
		Bus:      bus.New(),
		Resolve:  func(*types.Domain) (provider.Client, error) { return te.client, nil },
		Notifier: te.notifier,
		Gmail:    te.gmail,
		GTasks:   te.gtasks,
		Scopes:   te.scopes,
	})
	t.Cleanup(te.Stop)
	return te
}

// waitForSettledRuns polls until the automation has want terminal runs.
// Dispatched executions run on engine goroutines; tests wait for them to
// settle before stopping the engine.
func waitForSettledRuns(t *testing.T, te *testEngine, autoID string, want int) []*types.AutomationRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		runs, err := te.st.ListRuns(autoID, 10)
		if err != nil {
			t.Fatal(err)
		}
		settled := len(runs) == want
		for _, r := range runs {
			if r.Status == types.RunPending || r.Status == types.RunRunning {
				settled = false
			}
		}
		if settled {
			return runs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d settled runs, have %d", want, len(runs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (te *testEngine) domain(t *testing.T, name string) *types.Domain {
	t.Helper()
	d := &types.Domain{Name: name, KBPath: "/tmp/kb/" + name}
	if err := te.st.CreateDomain(d); err != nil {
		t.Fatalf("CreateDomain failed: %v", err)
	}
	return d
}

func (te *testEngine) automation(t *testing.T, a *types.Automation) *types.Automation {
	t.Helper()
	if a.Name == "" {
		a.Name = "test automation"
	}
	if a.PromptTemplate == "" {
		a.PromptTemplate = "Summarize today for {{domain_name}}."
	}
	if a.ActionKind == "" {
		a.ActionKind = types.ActionNotification
	}
	a.Enabled = true
	if err := te.st.CreateAutomation(a); err != nil {
		t.Fatalf("CreateAutomation failed: %v", err)
	}
	return a
}

func (te *testEngine) reload(t *testing.T, id string) *types.Automation {
	t.Helper()
	a, err := te.st.GetAutomation(id)
	if err != nil {
		t.Fatalf("GetAutomation failed: %v", err)
	}
	return a
}

func TestManualRunSuccess(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:       d.ID,
		TriggerKind:    types.TriggerManual,
		PromptTemplate: "Brief {{domain_name}} on {{current_date}}.",
	})
	te.client.completeFunc = func(context.Context, provider.Request) (*types.Completion, error) {
		return &types.Completion{Text: "Daily brief\nAll quiet."}, nil
	}

	run, err := te.RunManual(context.Background(), auto.ID, "req-1")
	if err != nil {
		t.Fatalf("RunManual failed: %v", err)
	}
	if run.Status != types.RunSuccess {
		t.Fatalf("status = %s, want success (%s %s)", run.Status, run.ErrorCode, run.ErrorMessage)
	}
	if run.ActionResult != "notification posted" {
		t.Errorf("action result = %q", run.ActionResult)
	}
	if run.PromptHash == "" || run.ResponseHash == "" {
		t.Error("prompt/response hashes should be recorded")
	}
	if run.DurationMs < 0 {
		t.Errorf("duration = %d", run.DurationMs)
	}

	notes := te.notifier.all()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].level != types.NotifyInfo || notes[0].title != auto.Name {
		t.Errorf("notification = %+v", notes[0])
	}
	if notes[0].body != "Daily brief\nAll quiet." {
		t.Errorf("notification body = %q", notes[0].body)
	}

	// Rendered prompt carried the substituted variables.
	prompt := te.client.prompts[0]
	if !strings.Contains(prompt, "research") || strings.Contains(prompt, "{{") {
		t.Errorf("rendered prompt = %q", prompt)
	}

	got := te.reload(t, auto.ID)
	if got.RunCount != 1 || got.FailureStreak != 0 || got.LastRunAt == nil {
		t.Errorf("bookkeeping: count=%d streak=%d lastRun=%v", got.RunCount, got.FailureStreak, got.LastRunAt)
	}
}

func TestBurstDedupesToOneExecution(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:    d.ID,
		TriggerKind: types.TriggerSchedule,
		TriggerCron: "0 8 * * *",
	})

	req := ExecRequest{TriggerKind: types.TriggerSchedule, MinuteKey: "2026-08-25T08:00"}

	const workers = 5
	var wg sync.WaitGroup
	results := make([]*types.AutomationRun, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = te.ExecuteAutomation(context.Background(), auto, req)
		}(i)
	}
	wg.Wait()

	executed, skipped := 0, 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d error: %v", i, errs[i])
		}
		if results[i] != nil {
			executed++
		} else {
			skipped++
		}
	}
	if executed != 1 || skipped != workers-1 {
		t.Fatalf("executed=%d skipped=%d, want 1 and %d", executed, skipped, workers-1)
	}
	if got := te.client.callCount(); got != 1 {
		t.Errorf("LLM calls = %d, want 1", got)
	}

	runs, err := te.st.ListRuns(auto.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("run rows = %d, want 1", len(runs))
	}
	if runs[0].Status != types.RunSuccess {
		t.Errorf("run status = %s", runs[0].Status)
	}

	got := te.reload(t, auto.ID)
	if got.DuplicateSkipCount != int64(workers-1) {
		t.Errorf("duplicate_skip_count = %d, want %d", got.DuplicateSkipCount, workers-1)
	}
	if got.LastDuplicateAt == nil {
		t.Error("last_duplicate_at should be set")
	}
}

func TestRateLimitSkipsAndCoolsDown(t *testing.T) {
	te := newTestEngine(t, func(cfg *config.Config) {
		cfg.Engine.PerAutomationPerMin = 1
	})
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:    d.ID,
		TriggerKind: types.TriggerSchedule,
		TriggerCron: "* * * * *",
	})

	first, err := te.ExecuteAutomation(context.Background(), auto, ExecRequest{
		TriggerKind: types.TriggerSchedule, MinuteKey: "2026-08-25T08:00",
	})
	if err != nil || first.Status != types.RunSuccess {
		t.Fatalf("first run: %v %+v", err, first)
	}

	before := time.Now()
	second, err := te.ExecuteAutomation(context.Background(), auto, ExecRequest{
		TriggerKind: types.TriggerSchedule, MinuteKey: "2026-08-25T08:01",
	})
	if err != nil {
		t.Fatalf("second run errored: %v", err)
	}
	if second.Status != types.RunSkipped || second.ErrorCode != types.ErrCodeRateLimited {
		t.Fatalf("second run = %s/%s, want skipped/rate_limited", second.Status, second.ErrorCode)
	}

	got := te.reload(t, auto.ID)
	if got.CooldownUntil == nil {
		t.Fatal("rate limit should set a cooldown")
	}
	wantMin := before.Add(time.Duration(te.cfg.Engine.CooldownMinutes)*time.Minute - 30*time.Second)
	wantMax := before.Add(time.Duration(te.cfg.Engine.CooldownMinutes)*time.Minute + 30*time.Second)
	if got.CooldownUntil.Before(wantMin) || got.CooldownUntil.After(wantMax) {
		t.Errorf("cooldown = %v, want ~%d minutes out", got.CooldownUntil, te.cfg.Engine.CooldownMinutes)
	}

	// The cooldown guard runs before the limiter on the next attempt.
	third, err := te.ExecuteAutomation(context.Background(), got, ExecRequest{
		TriggerKind: types.TriggerSchedule, MinuteKey: "2026-08-25T08:02",
	})
	if err != nil {
		t.Fatalf("third run errored: %v", err)
	}
	if third.Status != types.RunSkipped || third.ErrorCode != types.ErrCodeCooldownActive {
		t.Errorf("third run = %s/%s, want skipped/cooldown_active", third.Status, third.ErrorCode)
	}

	if got := te.client.callCount(); got != 1 {
		t.Errorf("LLM calls = %d, want 1", got)
	}
}

func TestFailureStreakDisablesAutomation(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:    d.ID,
		TriggerKind: types.TriggerSchedule,
		TriggerCron: "* * * * *",
	})
	te.client.completeFunc = func(context.Context, provider.Request) (*types.Completion, error) {
		return nil, errors.New("model unavailable")
	}

	limit := te.cfg.Engine.FailureStreakLimit
	for i := 0; i < limit; i++ {
		current := te.reload(t, auto.ID)
		// llm_error backoff sets a cooldown after every failure; clear it
		// so the next attempt reaches the provider again.
		if err := te.st.UpdateFailureState(auto.ID, current.FailureStreak, nil); err != nil {
			t.Fatal(err)
		}
		current = te.reload(t, auto.ID)

		run, err := te.ExecuteAutomation(context.Background(), current, ExecRequest{
			TriggerKind: types.TriggerSchedule,
			MinuteKey:   fmt.Sprintf("2026-08-25T08:%02d", i),
		})
		if err != nil {
			t.Fatalf("attempt %d errored: %v", i, err)
		}
		if run.Status != types.RunFailed || run.ErrorCode != types.ErrCodeLLMError {
			t.Fatalf("attempt %d = %s/%s, want failed/llm_error", i, run.Status, run.ErrorCode)
		}

		after := te.reload(t, auto.ID)
		if after.FailureStreak != i+1 {
			t.Fatalf("streak after attempt %d = %d, want %d", i, after.FailureStreak, i+1)
		}
		if after.CooldownUntil == nil {
			t.Fatalf("attempt %d should set a backoff cooldown", i)
		}
	}

	got := te.reload(t, auto.ID)
	if got.Enabled {
		t.Error("automation should be disabled at the streak limit")
	}

	var disable *notification
	notes := te.notifier.all()
	for i := range notes {
		if notes[i].title == "Automation disabled" {
			disable = &notes[i]
			break
		}
	}
	if disable == nil {
		t.Fatal("no disable notification")
	}
	if disable.level != types.NotifyWarning {
		t.Errorf("disable level = %s", disable.level)
	}
	if !strings.Contains(disable.body, fmt.Sprintf("disabled due to %d consecutive failures", limit)) {
		t.Errorf("disable body = %q", disable.body)
	}
	if !strings.Contains(disable.body, "model unavailable") {
		t.Errorf("disable body should carry the last error, got %q", disable.body)
	}
}

func TestBackoffLadder(t *testing.T) {
	te := newTestEngine(t, func(cfg *config.Config) {
		cfg.Engine.FailureStreakLimit = 100 // keep it enabled through the ladder
	})
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:    d.ID,
		TriggerKind: types.TriggerSchedule,
		TriggerCron: "* * * * *",
	})
	te.client.completeFunc = func(context.Context, provider.Request) (*types.Completion, error) {
		return nil, errors.New("overloaded")
	}

	want := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, time.Hour}
	for i, step := range want {
		current := te.reload(t, auto.ID)
		if err := te.st.UpdateFailureState(auto.ID, current.FailureStreak, nil); err != nil {
			t.Fatal(err)
		}
		current = te.reload(t, auto.ID)

		before := time.Now()
		if _, err := te.ExecuteAutomation(context.Background(), current, ExecRequest{
			TriggerKind: types.TriggerSchedule,
			MinuteKey:   fmt.Sprintf("2026-08-25T09:%02d", i),
		}); err != nil {
			t.Fatal(err)
		}

		after := te.reload(t, auto.ID)
		if after.CooldownUntil == nil {
			t.Fatalf("attempt %d: no cooldown", i)
		}
		gotStep := after.CooldownUntil.Sub(before)
		if gotStep < step-30*time.Second || gotStep > step+30*time.Second {
			t.Errorf("attempt %d cooldown = %v, want ~%v", i, gotStep, step)
		}
	}
}

func TestExemptCodesDoNotAdvanceStreak(t *testing.T) {
	te := newTestEngine(t, nil)
	te.Engine.gtasks = nil
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:    d.ID,
		TriggerKind: types.TriggerManual,
		ActionKind:  types.ActionCreateGTask,
	})

	run, err := te.RunManual(context.Background(), auto.ID, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunFailed || run.ErrorCode != types.ErrCodeGTasksNotConnected {
		t.Fatalf("run = %s/%s, want failed/gtasks_not_connected", run.Status, run.ErrorCode)
	}

	got := te.reload(t, auto.ID)
	if got.FailureStreak != 0 {
		t.Errorf("streak = %d, exempt codes must not advance it", got.FailureStreak)
	}
	if !got.Enabled {
		t.Error("automation should stay enabled")
	}
}

func TestDraftGmailAction(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:     d.ID,
		TriggerKind:  types.TriggerManual,
		ActionKind:   types.ActionDraftGmail,
		ActionConfig: json.RawMessage(`{"to":"ada@example.com"}`),
	})
	te.client.completeFunc = func(context.Context, provider.Request) (*types.Completion, error) {
		return &types.Completion{Text: "Weekly summary\nEverything shipped."}, nil
	}

	// Without the compose scope the action fails exempt.
	te.scopes.granted = false
	run, err := te.RunManual(context.Background(), auto.ID, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunFailed || run.ErrorCode != types.ErrCodeMissingOAuthScope {
		t.Fatalf("run = %s/%s, want failed/missing_oauth_scope", run.Status, run.ErrorCode)
	}
	if te.reload(t, auto.ID).FailureStreak != 0 {
		t.Error("missing scope must not advance the streak")
	}

	te.scopes.granted = true
	run, err = te.RunManual(context.Background(), auto.ID, "req-2")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunSuccess || run.ActionExternalID != "draft-1" {
		t.Fatalf("run = %s external=%q", run.Status, run.ActionExternalID)
	}
	if te.gmail.lastTo != "ada@example.com" || te.gmail.lastSub != "Weekly summary" || te.gmail.lastBod != "Everything shipped." {
		t.Errorf("draft = to %q subject %q body %q", te.gmail.lastTo, te.gmail.lastSub, te.gmail.lastBod)
	}
}

func TestDraftGmailRequiresRecipient(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:    d.ID,
		TriggerKind: types.TriggerManual,
		ActionKind:  types.ActionDraftGmail,
	})

	run, err := te.RunManual(context.Background(), auto.ID, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunFailed || run.ErrorCode != types.ErrCodeInvalidActionConfig {
		t.Fatalf("run = %s/%s, want failed/invalid_action_config", run.Status, run.ErrorCode)
	}
}

func TestCreateGTaskAction(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:    d.ID,
		TriggerKind: types.TriggerManual,
		ActionKind:  types.ActionCreateGTask,
	})
	te.client.completeFunc = func(context.Context, provider.Request) (*types.Completion, error) {
		return &types.Completion{Text: "File the quarterly report"}, nil
	}

	run, err := te.RunManual(context.Background(), auto.ID, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunSuccess || run.ActionExternalID != "task-1" {
		t.Fatalf("run = %s external=%q (%s)", run.Status, run.ActionExternalID, run.ErrorMessage)
	}
	if te.gtasks.lastTitle != "File the quarterly report" || te.gtasks.lastNotes != "" {
		t.Errorf("task = title %q notes %q", te.gtasks.lastTitle, te.gtasks.lastNotes)
	}
}

func TestDisabledAutomationSkips(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:    d.ID,
		TriggerKind: types.TriggerSchedule,
		TriggerCron: "* * * * *",
	})
	if err := te.st.SetAutomationEnabled(auto.ID, false); err != nil {
		t.Fatal(err)
	}
	auto = te.reload(t, auto.ID)

	run, err := te.ExecuteAutomation(context.Background(), auto, ExecRequest{
		TriggerKind: types.TriggerSchedule, MinuteKey: "2026-08-25T08:00",
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunSkipped || run.ErrorCode != types.ErrCodeAutomationDisabled {
		t.Errorf("run = %s/%s, want skipped/automation_disabled", run.Status, run.ErrorCode)
	}
	if te.client.callCount() != 0 {
		t.Error("disabled automation must not reach the provider")
	}
}

func TestTemplateRenderFailureCountsAgainstStreak(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:       d.ID,
		TriggerKind:    types.TriggerManual,
		PromptTemplate: "Use {{unknown_var}} here.",
	})

	run, err := te.RunManual(context.Background(), auto.ID, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunFailed || run.ErrorCode != types.ErrCodeTemplateRenderError {
		t.Fatalf("run = %s/%s, want failed/template_render_error", run.Status, run.ErrorCode)
	}
	if te.reload(t, auto.ID).FailureStreak != 1 {
		t.Error("render failures are not exempt")
	}
}

func TestTickFiresOncePerMinute(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:    d.ID,
		TriggerKind: types.TriggerSchedule,
		TriggerCron: "* * * * *",
	})

	if err := te.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The same minute is guarded no matter how often the tick lands in it.
	now := time.Date(2026, 8, 25, 8, 0, 30, 0, time.UTC)
	te.tick(now)
	te.tick(now)
	te.tick(now.Add(20 * time.Second))
	// The next minute fires again.
	te.tick(now.Add(time.Minute))
	te.Stop()

	runs, err := te.st.ListRuns(auto.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
}

func TestTickSkipsNonMatchingCron(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:    d.ID,
		TriggerKind: types.TriggerSchedule,
		TriggerCron: "30 14 * * *",
	})

	if err := te.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	te.tick(time.Date(2026, 8, 25, 14, 29, 0, 0, time.UTC))
	te.tick(time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC))
	te.tick(time.Date(2026, 8, 25, 14, 31, 0, 0, time.UTC))
	te.Stop()

	runs, err := te.st.ListRuns(auto.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want exactly the 14:30 firing", len(runs))
	}
}

func TestHandleEventScopesByDomain(t *testing.T) {
	te := newTestEngine(t, nil)
	d1 := te.domain(t, "research")
	d2 := te.domain(t, "clients")
	a1 := te.automation(t, &types.Automation{
		DomainID:     d1.ID,
		Name:         "triage-research",
		TriggerKind:  types.TriggerEvent,
		TriggerEvent: types.EventIntakeCreated,
	})
	a2 := te.automation(t, &types.Automation{
		DomainID:     d2.ID,
		Name:         "triage-clients",
		TriggerKind:  types.TriggerEvent,
		TriggerEvent: types.EventIntakeCreated,
	})

	if err := te.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Scoped to d1: only a1 fires.
	te.HandleEvent(types.Event{
		Type:     types.EventIntakeCreated,
		DomainID: d1.ID,
		Data:     json.RawMessage(`{"item":"1"}`),
	})
	// Wildcard (no domain): both fire.
	te.HandleEvent(types.Event{
		Type: types.EventIntakeCreated,
		Data: json.RawMessage(`{"item":"2"}`),
	})
	te.Stop()

	runs1, _ := te.st.ListRuns(a1.ID, 10)
	runs2, _ := te.st.ListRuns(a2.ID, 10)
	if len(runs1) != 2 {
		t.Errorf("a1 runs = %d, want 2", len(runs1))
	}
	if len(runs2) != 1 {
		t.Errorf("a2 runs = %d, want 1", len(runs2))
	}
}

func TestEventPayloadStoredOnlyWhenOptedIn(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	plain := te.automation(t, &types.Automation{
		DomainID:     d.ID,
		Name:         "plain",
		TriggerKind:  types.TriggerEvent,
		TriggerEvent: types.EventIntakeCreated,
	})
	keeper := te.automation(t, &types.Automation{
		DomainID:      d.ID,
		Name:          "keeper",
		TriggerKind:   types.TriggerEvent,
		TriggerEvent:  types.EventIntakeCreated,
		StorePayloads: true,
	})

	if err := te.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	te.HandleEvent(types.Event{
		Type:     types.EventIntakeCreated,
		DomainID: d.ID,
		Data:     json.RawMessage(`{"secret":"s3"}`),
	})
	te.Stop()

	plainRuns, _ := te.st.ListRuns(plain.ID, 1)
	keeperRuns, _ := te.st.ListRuns(keeper.ID, 1)
	if len(plainRuns) != 1 || len(keeperRuns) != 1 {
		t.Fatalf("runs = %d/%d, want 1 each", len(plainRuns), len(keeperRuns))
	}
	if len(plainRuns[0].TriggerData) != 0 {
		t.Errorf("payload stored without opt-in: %s", plainRuns[0].TriggerData)
	}
	if !strings.Contains(string(keeperRuns[0].TriggerData), "s3") {
		t.Errorf("opted-in payload missing: %s", keeperRuns[0].TriggerData)
	}
}

func TestCatchUpFiresMissedScheduleOnce(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:       d.ID,
		TriggerKind:    types.TriggerSchedule,
		TriggerCron:    "0 8 * * *",
		CatchUpEnabled: true,
	})
	// Last ran two days ago; at least one 08:00 activation was missed.
	if err := te.st.MarkAutomationRan(auto.ID, time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	if err := te.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	runs := waitForSettledRuns(t, te, auto.ID, 1)
	te.Stop()

	if runs[0].Status != types.RunSuccess {
		t.Errorf("catch-up run = %s (%s)", runs[0].Status, runs[0].ErrorMessage)
	}

	// A restart sees the fresh last_run_at and must not fire again.
	if err := te.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	te.Stop()

	runs, _ = te.st.ListRuns(auto.ID, 10)
	if len(runs) != 1 {
		t.Errorf("runs after restart = %d, want still 1", len(runs))
	}
}

func TestCatchUpSkipsActivationThatAlreadyHasARun(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:       d.ID,
		TriggerKind:    types.TriggerSchedule,
		TriggerCron:    "0 8 * * *",
		CatchUpEnabled: true,
	})
	if err := te.st.MarkAutomationRan(auto.ID, time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	// A failed run already holds the missed activation's key. Failures
	// never advance last_run_at, so only the key proves it fired.
	window := time.Duration(te.cfg.Engine.CatchUpWindowDays) * 24 * time.Hour
	last, ok := lastCronMatch(auto.TriggerCron, time.Now(), window)
	if !ok {
		t.Fatal("no cron activation inside the catch-up window")
	}
	req := ExecRequest{TriggerKind: types.TriggerSchedule, MinuteKey: minuteKey(last)}
	if err := te.st.InsertRun(&types.AutomationRun{
		AutomationID: auto.ID,
		DomainID:     d.ID,
		TriggerKind:  types.TriggerSchedule,
		DedupeKey:    generateDedupeKey(auto.ID, req),
		Status:       types.RunFailed,
	}); err != nil {
		t.Fatal(err)
	}

	if err := te.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	te.Stop()

	runs, _ := te.st.ListRuns(auto.ID, 10)
	if len(runs) != 1 {
		t.Errorf("runs = %d, want just the pre-existing one", len(runs))
	}
	got, err := te.st.GetAutomation(auto.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DuplicateSkipCount != 0 {
		t.Errorf("duplicate skips = %d, catch-up must not recount a finished activation", got.DuplicateSkipCount)
	}
}

func TestCatchUpIgnoresOptedOutAutomations(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:    d.ID,
		TriggerKind: types.TriggerSchedule,
		TriggerCron: "0 8 * * *",
	})
	if err := te.st.MarkAutomationRan(auto.ID, time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	if err := te.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	te.Stop()

	runs, _ := te.st.ListRuns(auto.ID, 10)
	if len(runs) != 0 {
		t.Errorf("runs = %d, catch-up must respect the opt-in flag", len(runs))
	}
}

func TestStartRunsCrashRecovery(t *testing.T) {
	te := newTestEngine(t, nil)
	d := te.domain(t, "research")
	auto := te.automation(t, &types.Automation{
		DomainID:    d.ID,
		TriggerKind: types.TriggerManual,
	})

	now := time.Now().UTC()
	stalePending := &types.AutomationRun{
		AutomationID: auto.ID, DomainID: d.ID, TriggerKind: types.TriggerManual,
		DedupeKey: "stale-pending", Status: types.RunPending,
		CreatedAt: now.Add(-15 * time.Minute),
	}
	staleStarted := now.Add(-25 * time.Minute)
	staleRunning := &types.AutomationRun{
		AutomationID: auto.ID, DomainID: d.ID, TriggerKind: types.TriggerManual,
		DedupeKey: "stale-running", Status: types.RunRunning,
		CreatedAt: staleStarted, StartedAt: &staleStarted,
	}
	freshStarted := now.Add(-5 * time.Minute)
	freshRunning := &types.AutomationRun{
		AutomationID: auto.ID, DomainID: d.ID, TriggerKind: types.TriggerManual,
		DedupeKey: "fresh-running", Status: types.RunRunning,
		CreatedAt: freshStarted, StartedAt: &freshStarted,
	}
	for _, r := range []*types.AutomationRun{stalePending, staleRunning, freshRunning} {
		if err := te.st.InsertRun(r); err != nil {
			t.Fatal(err)
		}
	}

	if err := te.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	te.Stop()

	for _, tc := range []struct {
		id   string
		want types.RunStatus
		code types.ErrorCode
	}{
		{stalePending.ID, types.RunFailed, types.ErrCodeCrashRecovery},
		{staleRunning.ID, types.RunFailed, types.ErrCodeCrashRecovery},
		{freshRunning.ID, types.RunRunning, ""},
	} {
		got, err := te.st.GetRun(tc.id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != tc.want || got.ErrorCode != tc.code {
			t.Errorf("run %s = %s/%s, want %s/%s", tc.id, got.Status, got.ErrorCode, tc.want, tc.code)
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	te := newTestEngine(t, nil)

	if err := te.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := te.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	te.Stop()
	te.Stop()
}

func TestGenerateDedupeKey(t *testing.T) {
	base := ExecRequest{TriggerKind: types.TriggerSchedule, MinuteKey: "2026-08-25T08:00"}

	if generateDedupeKey("a1", base) != generateDedupeKey("a1", base) {
		t.Error("same inputs must produce the same key")
	}
	if len(generateDedupeKey("a1", base)) != 64 {
		t.Error("key should be a sha256 hex digest")
	}

	variants := []ExecRequest{
		{TriggerKind: types.TriggerSchedule, MinuteKey: "2026-08-25T08:01"},
		{TriggerKind: types.TriggerEvent, MinuteKey: "2026-08-25T08:00", Event: types.EventKBUpdated},
		{TriggerKind: types.TriggerEvent, MinuteKey: "2026-08-25T08:00", Event: types.EventKBUpdated, EventData: json.RawMessage(`{"f":"a.md"}`)},
		{TriggerKind: types.TriggerManual, MinuteKey: "2026-08-25T08:00", RequestID: "r1"},
	}
	seen := map[string]bool{generateDedupeKey("a1", base): true}
	for i, v := range variants {
		k := generateDedupeKey("a1", v)
		if seen[k] {
			t.Errorf("variant %d collided", i)
		}
		seen[k] = true
	}
	if seen[generateDedupeKey("a2", base)] {
		t.Error("different automations must not collide")
	}
}

func TestRenderPrompt(t *testing.T) {
	d := &types.Domain{Name: "research"}
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	req := ExecRequest{
		TriggerKind: types.TriggerEvent,
		Event:       types.EventIntakeCreated,
		EventData:   json.RawMessage(`{"note":"keep {{this}} literal"}`),
	}
	out, err := renderPrompt(
		"Domain {{domain_name}} got {{event_type}} on {{current_date}}: {{event_data}}",
		promptVars(d, req, now),
	)
	if err != nil {
		t.Fatalf("renderPrompt failed: %v", err)
	}
	for _, want := range []string{"research", "intake_created", "2026-08-25", `keep {{this}} literal`} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered prompt missing %q: %s", want, out)
		}
	}

	if _, err := renderPrompt("{{not_a_var}}", promptVars(d, req, now)); err == nil {
		t.Error("unknown placeholder should fail")
	}
}

func TestSplitTitleBody(t *testing.T) {
	tests := []struct {
		in    string
		title string
		body  string
	}{
		{"single line", "single line", ""},
		{"Title\nBody text", "Title", "Body text"},
		{"  Title  \n  Body\nmore  ", "Title", "Body\nmore"},
		{"\n\nleading blank", "leading blank", ""},
		{"Title\n\nbody after blank", "Title", "body after blank"},
	}
	for _, tc := range tests {
		title, body := splitTitleBody(tc.in)
		if title != tc.title || body != tc.body {
			t.Errorf("splitTitleBody(%q) = %q/%q, want %q/%q", tc.in, title, body, tc.title, tc.body)
		}
	}
}
