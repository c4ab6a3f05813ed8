// Package engine runs automations: a one-minute cron tick, event-bus
// dispatch, and the guarded execution pipeline with dedupe, rate limits,
// failure streaks, and backoff.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/bus"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/provider"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/tools"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/usage"
)

const (
	// Startup crash-recovery horizons.
	stalePendingAge = 10 * time.Minute
	staleRunningAge = 20 * time.Minute

	retentionInterval = 24 * time.Hour

	// gmailComposeScope must be granted before draft_gmail actions run.
	gmailComposeScope = "https://www.googleapis.com/auth/gmail.compose"
)

// ClientResolver resolves the provider client serving a domain.
type ClientResolver func(d *types.Domain) (provider.Client, error)

// ScopeChecker reports which Google OAuth scopes the stored credential
// grants.
type ScopeChecker interface {
	HasScope(scope string) bool
}

// Deps carries the engine's collaborators. Gmail, GTasks, Scopes and
// Notifier may be nil; the corresponding actions then fail with their
// connection error codes (notifications drop silently).
type Deps struct {
	Store    *store.Store
	Config   *config.Config
	Bus      *bus.Bus
	Resolve  ClientResolver
	Notifier types.Notifier
	Gmail    tools.GmailClient
	GTasks   tools.GTasksClient
	Scopes   ScopeChecker
	Usage    *usage.Tracker
}

// Engine owns automation execution. One instance per process; Start is
// idempotent while running and Stop drains in-flight work.
type Engine struct {
	st       *store.Store
	cfg      *config.Config
	bus      *bus.Bus
	resolve  ClientResolver
	notifier types.Notifier
	gmail    tools.GmailClient
	gtasks   tools.GTasksClient
	scopes   ScopeChecker
	usage    *usage.Tracker

	sem     *semaphore.Weighted
	limiter *limiter

	mu            sync.Mutex
	running       bool
	subscribed    bool
	lastMinuteKey map[string]string // automation id -> last fired minute
	backoff       map[string]int    // automation id -> llm_error/timeout attempt count

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New builds a stopped engine.
func New(deps Deps) *Engine {
	permits := int64(deps.Config.Engine.MaxConcurrentLLM)
	if permits < 1 {
		permits = 1
	}
	return &Engine{
		st:            deps.Store,
		cfg:           deps.Config,
		bus:           deps.Bus,
		resolve:       deps.Resolve,
		notifier:      deps.Notifier,
		gmail:         deps.Gmail,
		gtasks:        deps.GTasks,
		scopes:        deps.Scopes,
		usage:         deps.Usage,
		sem:           semaphore.NewWeighted(permits),
		limiter:       newLimiter(deps.Config.Engine),
		lastMinuteKey: make(map[string]string),
		backoff:       make(map[string]int),
	}
}

// Start runs the startup jobs (crash recovery, retention, catch-up),
// subscribes to the event bus, and launches the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	e.limiter.Reset()
	e.lastMinuteKey = make(map[string]string)
	e.backoff = make(map[string]int)
	if !e.subscribed && e.bus != nil {
		for _, t := range []types.EventType{types.EventIntakeCreated, types.EventDeadlineApproaching, types.EventKBUpdated} {
			e.bus.Subscribe(t, e.HandleEvent)
		}
		e.subscribed = true
	}
	e.mu.Unlock()

	now := time.Now()
	e.runCrashRecovery(now)
	e.runRetention(now)
	e.runCatchUp(now)

	go e.loop()
	logging.Engine("Automation engine started (tick=%s, permits=%d)", e.cfg.GetEngineTick(), e.cfg.Engine.MaxConcurrentLLM)
	return nil
}

// Stop halts the loops, waits for in-flight executions, and clears the
// in-memory rate and guard state.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	close(e.stopCh)
	done := e.done
	e.mu.Unlock()

	<-done
	e.wg.Wait()

	e.mu.Lock()
	e.limiter.Reset()
	e.lastMinuteKey = make(map[string]string)
	e.backoff = make(map[string]int)
	e.mu.Unlock()
	logging.Engine("Automation engine stopped")
}

func (e *Engine) loop() {
	defer close(e.done)
	tick := time.NewTicker(e.cfg.GetEngineTick())
	defer tick.Stop()
	retention := time.NewTicker(retentionInterval)
	defer retention.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-tick.C:
			// Recheck the wall clock on wake: after sleep/suspend the
			// delivered tick time can lag the real minute.
			e.tick(time.Now())
		case <-retention.C:
			e.runRetention(time.Now())
		}
	}
}

// tick checks every enabled schedule automation against the current
// minute and dispatches the ones whose cron matches.
func (e *Engine) tick(now time.Time) {
	autos, err := e.st.ListEnabledSchedules()
	if err != nil {
		logging.EngineWarn("Tick could not list schedules: %v", err)
		return
	}

	key := minuteKey(now)
	for _, auto := range autos {
		e.mu.Lock()
		fired := e.lastMinuteKey[auto.ID] == key
		e.mu.Unlock()
		if fired {
			continue
		}
		if !matchesCron(auto.TriggerCron, now) {
			continue
		}
		e.mu.Lock()
		e.lastMinuteKey[auto.ID] = key
		e.mu.Unlock()

		logging.EngineDebug("Cron match for %q at %s", auto.Name, key)
		e.dispatch(auto, ExecRequest{
			TriggerKind: types.TriggerSchedule,
			MinuteKey:   key,
		})
	}
}

// HandleEvent dispatches event-triggered automations for one bus event.
// An event without a domain id is a wildcard and matches automations in
// every domain (pre-classification intake).
func (e *Engine) HandleEvent(evt types.Event) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return
	}

	autos, err := e.st.ListEnabledByEvent(evt.Type)
	if err != nil {
		logging.EngineWarn("Event %s could not list automations: %v", evt.Type, err)
		return
	}
	for _, auto := range autos {
		if evt.DomainID != "" && evt.DomainID != auto.DomainID {
			continue
		}
		e.dispatch(auto, ExecRequest{
			TriggerKind: types.TriggerEvent,
			Event:       evt.Type,
			EventData:   evt.Data,
			MinuteKey:   minuteKey(time.Now()),
		})
	}
}

// RunManual fires one automation on demand (CLI, mission follow-ups).
func (e *Engine) RunManual(ctx context.Context, automationID, requestID string) (*types.AutomationRun, error) {
	auto, err := e.st.GetAutomation(automationID)
	if err != nil {
		return nil, fmt.Errorf("manual run: %w", err)
	}
	return e.ExecuteAutomation(ctx, auto, ExecRequest{
		TriggerKind: types.TriggerManual,
		MinuteKey:   minuteKey(time.Now()),
		RequestID:   requestID,
	})
}

// dispatch hands one execution to a worker goroutine; bus handlers and
// the tick loop never execute on their own stack.
func (e *Engine) dispatch(auto *types.Automation, req ExecRequest) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.ExecuteAutomation(e.ctx, auto, req); err != nil {
			logging.EngineWarn("Automation %q failed: %v", auto.Name, err)
		}
	}()
}

// runCrashRecovery fails runs orphaned by an unclean shutdown.
func (e *Engine) runCrashRecovery(now time.Time) {
	n, err := e.st.RecoverStaleRuns(now.Add(-stalePendingAge), now.Add(-staleRunningAge))
	if err != nil {
		logging.EngineWarn("Crash recovery failed: %v", err)
		return
	}
	if n > 0 {
		logging.Engine("Crash recovery failed %d orphaned runs", n)
	}
}

// runRetention prunes runs that are both past the age cutoff and beyond
// the newest kept rows of their automation.
func (e *Engine) runRetention(now time.Time) {
	cutoff := now.Add(-time.Duration(e.cfg.Engine.RetentionDays) * 24 * time.Hour)
	if _, err := e.st.PruneRuns(cutoff, e.cfg.Engine.RetentionMaxRuns); err != nil {
		logging.EngineWarn("Retention failed: %v", err)
	}
}

// runCatchUp fires schedule automations that missed an activation while
// the process was down. The dedupe key is derived from the missed minute,
// so repeating startup never double-fires.
func (e *Engine) runCatchUp(now time.Time) {
	autos, err := e.st.ListEnabledSchedules()
	if err != nil {
		logging.EngineWarn("Catch-up could not list schedules: %v", err)
		return
	}

	window := time.Duration(e.cfg.Engine.CatchUpWindowDays) * 24 * time.Hour
	for _, auto := range autos {
		if !auto.CatchUpEnabled {
			continue
		}
		last, ok := lastCronMatch(auto.TriggerCron, now, window)
		if !ok {
			continue
		}
		if auto.LastRunAt != nil && !auto.LastRunAt.Before(last) {
			continue
		}
		req := ExecRequest{
			TriggerKind: types.TriggerSchedule,
			MinuteKey:   minuteKey(last),
		}
		// Skipped and failed runs never advance last_run_at but still hold
		// the firing key; redispatching would only count false duplicates.
		if _, err := e.st.GetRunByDedupeKey(generateDedupeKey(auto.ID, req)); err == nil {
			continue
		}
		logging.Engine("Catch-up firing %q for missed activation at %s", auto.Name, req.MinuteKey)
		e.dispatch(auto, req)
	}
}
