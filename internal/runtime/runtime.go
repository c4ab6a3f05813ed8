// Package runtime assembles the DomainOS components into one handle.
// Every piece of shared mutable state (capability cache, pin counters,
// engine rate maps) lives on a component owned by the Runtime, never in
// package globals; construction wires, Init seeds, Start runs.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/bus"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/chat"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/embedding"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/engine"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/indexer"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/intake"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/kb"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/mission"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/oauth"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/provider"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/retrieval"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/secrets"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/tools"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/usage"
)

// defaultGoogleScopes are requested when connecting a Google account:
// search/read mail, compose drafts, and manage tasks.
var defaultGoogleScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.compose",
	"https://www.googleapis.com/auth/tasks",
}

// Options carries host-supplied collaborators the runtime cannot build
// itself. All fields are optional.
type Options struct {
	// Notifier receives user-facing notifications (automation disables,
	// automation action results). Nil drops them.
	Notifier types.Notifier
	// Gmail and GTasks are the Google API clients used by tools and
	// engine actions. Nil leaves those tools returning connection errors.
	Gmail  tools.GmailClient
	GTasks tools.GTasksClient
	// MissionProgress receives mission runner lifecycle events.
	MissionProgress chan<- mission.Progress
	// GoogleOAuth overrides the Google OAuth client settings. Identity,
	// endpoints and scopes default when empty.
	GoogleOAuth oauth.Config
}

// Runtime owns the long-lived components. Build with New, seed with
// Init, run with Start, halt with Stop. One instance per process.
type Runtime struct {
	cfg     *config.Config
	st      *store.Store
	bus     *bus.Bus
	secrets *secrets.Store
	google  *oauth.Manager
	ledger  *usage.Tracker

	embedder embedding.Client
	indexer  *indexer.Manager
	watcher  *indexer.Watcher
	cache    *retrieval.Cache
	builder  *retrieval.Builder

	caps     *chat.CapabilityCache
	pins     *chat.Pins
	recorder *kb.Recorder
	blocks   *kb.Pipeline
	parsers  *mission.ParserRegistry

	chat     *chat.Manager
	engine   *engine.Engine
	missions *mission.Runner
	intake   *intake.Server

	mu          sync.Mutex
	initialized bool
	started     bool
	closed      bool
}

// New builds a stopped, unseeded runtime: opens the store, constructs
// every component, and wires them together. Nothing runs yet.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("runtime requires a config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dataDir := cfg.ResolveDataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := logging.Initialize(dataDir); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	if err := logging.InitializeAudit(dataDir); err != nil {
		logging.BootWarn("Audit log unavailable: %v", err)
	}
	logging.Boot("DomainOS %s starting (data dir %s)", cfg.Version, dataDir)

	st, err := store.New(cfg.ResolveDatabasePath(), int(cfg.GetBusyTimeout().Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	b := bus.New()
	ledger := usage.New(dataDir)

	secretsDir := filepath.Join(dataDir, "secrets")
	var cipher secrets.Cipher
	if lc, cerr := secrets.NewLocalCipher(secretsDir); cerr != nil {
		logging.SecretsWarn("Secret store cipher unavailable: %v", cerr)
	} else {
		cipher = lc
	}
	sec := secrets.NewStore(secretsDir, cipher)

	gcfg := opts.GoogleOAuth
	if gcfg.Identity == "" {
		gcfg.Identity = "google"
	}
	if gcfg.Endpoints == (oauth.Endpoints{}) {
		gcfg.Endpoints = oauth.GoogleEndpoints()
	}
	if len(gcfg.Scopes) == 0 {
		gcfg.Scopes = defaultGoogleScopes
	}
	google := oauth.NewManager(gcfg, sec)

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build embedding client: %w", err)
	}

	idx := indexer.NewManager(st, embedder, cfg.Embedding)
	cache := retrieval.NewCache()
	idx.SetCache(cache)

	watcher, err := indexer.NewWatcher(idx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build KB watcher: %w", err)
	}

	builder := retrieval.NewBuilder(st, embedder, cache, retrieval.Options{})

	caps := chat.NewCapabilityCache()
	pins := chat.NewPins()

	applier := kb.NewApplier(st, b, idx)
	recorder := kb.NewRecorder(applier, st)
	blocks := kb.NewPipeline(applier, recorder, pins)

	resolve := func(d *types.Domain) (provider.Client, error) {
		return provider.ForDomain(cfg, d)
	}

	eng := engine.New(engine.Deps{
		Store:    st,
		Config:   cfg,
		Bus:      b,
		Resolve:  resolve,
		Notifier: opts.Notifier,
		Gmail:    opts.Gmail,
		GTasks:   opts.GTasks,
		Scopes:   google,
		Usage:    ledger,
	})

	chatMgr := chat.NewManager(chat.ManagerDeps{
		Store:    st,
		Resolve:  resolve,
		Builder:  builder,
		Caps:     caps,
		Pins:     pins,
		Config:   cfg.Chat,
		Gmail:    opts.Gmail,
		GTasks:   opts.GTasks,
		Recorder: recorder,
		Blocks:   blocks,
		Usage:    ledger,
	})

	parsers := mission.NewParserRegistry()
	runner := mission.NewRunner(mission.Deps{
		Store:    st,
		Config:   cfg,
		Resolve:  resolve,
		Builder:  builder,
		Gmail:    opts.Gmail,
		GTasks:   opts.GTasks,
		Parsers:  parsers,
		Progress: opts.MissionProgress,
	})

	intakeSrv, err := intake.New(st, b, cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build intake server: %w", err)
	}

	return &Runtime{
		cfg:      cfg,
		st:       st,
		bus:      b,
		secrets:  sec,
		google:   google,
		ledger:   ledger,
		embedder: embedder,
		indexer:  idx,
		watcher:  watcher,
		cache:    cache,
		builder:  builder,
		caps:     caps,
		pins:     pins,
		recorder: recorder,
		blocks:   blocks,
		parsers:  parsers,
		chat:     chatMgr,
		engine:   eng,
		missions: runner,
		intake:   intakeSrv,
	}, nil
}

// Init seeds the store in a fixed order: mission output parsers, default
// protocols, default missions. Idempotent; must run before Start.
func (r *Runtime) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}

	if err := mission.RegisterDefaultParsers(r.parsers); err != nil {
		return fmt.Errorf("runtime init: %w", err)
	}
	if err := kb.SeedDefaultProtocols(r.st); err != nil {
		return fmt.Errorf("runtime init: %w", err)
	}
	if err := mission.SeedDefaultMissions(r.st); err != nil {
		return fmt.Errorf("runtime init: %w", err)
	}

	r.initialized = true
	logging.Boot("Runtime initialized: parsers registered, protocols and missions seeded")
	return nil
}

// Start launches the background components: automation engine, intake
// server, KB watcher, and a catch-up indexing pass per domain. Requires
// Init.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return errors.New("runtime not initialized; call Init first")
	}
	if r.closed {
		r.mu.Unlock()
		return errors.New("runtime already stopped")
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	if err := r.engine.Start(ctx); err != nil {
		return fmt.Errorf("runtime start: %w", err)
	}
	r.intake.Start(ctx)

	domains, err := r.st.ListDomains()
	if err != nil {
		logging.BootWarn("Could not list domains for KB watch: %v", err)
	} else {
		for _, d := range domains {
			if err := r.WatchDomain(d); err != nil {
				logging.IndexerWarn("Could not watch KB for domain %s: %v", d.ID, err)
			}
		}
	}
	r.watcher.Start()

	logging.Boot("Runtime started (%d domains)", len(domains))
	return nil
}

// Stop halts background components in reverse order and closes the
// store. Safe to call more than once, and releases resources even when
// Start never ran.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	r.started = false
	r.mu.Unlock()

	var firstErr error
	if started {
		if err := r.intake.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		r.engine.Stop()
	}
	r.watcher.Stop()
	r.indexer.CancelAll()

	if err := r.st.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	logging.Boot("Runtime stopped")
	logging.CloseAudit()
	return firstErr
}

// WatchDomain kicks an indexing pass for a domain and registers its KB
// root with the live watcher. Start runs it for every existing domain;
// it also covers domains created while the runtime is running. The
// indexing pass happens even when the watch registration fails, so a
// catch-up never depends on fsnotify health.
func (r *Runtime) WatchDomain(d *types.Domain) error {
	if d.KBPath == "" {
		return nil
	}
	r.indexer.IndexDomain(d.ID, d.KBPath, nil)
	return r.watcher.AddDomain(d.ID, d.KBPath)
}

// Accessors. Components are wired at construction; these exist for the
// CLI and tests, not for rewiring.

func (r *Runtime) Config() *config.Config      { return r.cfg }
func (r *Runtime) Store() *store.Store         { return r.st }
func (r *Runtime) Bus() *bus.Bus               { return r.bus }
func (r *Runtime) Secrets() *secrets.Store     { return r.secrets }
func (r *Runtime) Google() *oauth.Manager      { return r.google }
func (r *Runtime) Indexer() *indexer.Manager   { return r.indexer }
func (r *Runtime) Builder() *retrieval.Builder { return r.builder }
func (r *Runtime) Chat() *chat.Manager         { return r.chat }
func (r *Runtime) Engine() *engine.Engine      { return r.engine }
func (r *Runtime) Missions() *mission.Runner   { return r.missions }
func (r *Runtime) Intake() *intake.Server      { return r.intake }
func (r *Runtime) Blocks() *kb.Pipeline        { return r.blocks }
func (r *Runtime) Usage() *usage.Tracker       { return r.ledger }
