package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/indexer"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/runtime"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

var (
	// Global flags
	verbose bool
	dataDir string
	apiKey  string
	timeout time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "domainos",
	Short: "DomainOS - local knowledge automation runtime",
	Long: `DomainOS keeps per-domain knowledge bases on disk, indexes them for
vector retrieval, and runs LLM-backed automations, chat, and missions
against them. Everything lives under the data directory (default
~/.domainos): the SQLite store, config.yaml, logs, and secrets.

Run without arguments to start the interactive chat REPL.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip logger init for the REPL; it owns the terminal.
		if cmd.Name() == "chat" || (cmd.Use == "domainos" && cmd.CalledAs() == "domainos") {
			return nil
		}

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
}

// serveCmd runs the long-lived background process
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the automation engine, KB watcher, and intake server",
	Long: `Starts the full runtime and blocks until interrupted: the automation
engine ticks schedules and handles events, the KB watcher re-indexes
edited files, and the intake server accepts items on the loopback
interface (when enabled in config).`,
	RunE: runServe,
}

// statusCmd prints store counts and connection state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show data store counts and integration status",
	RunE:  runStatus,
}

// intakeTokenCmd prints the bearer token for the intake API
var intakeTokenCmd = &cobra.Command{
	Use:   "intake-token",
	Short: "Print the bearer token clients need for the intake API",
	RunE:  runIntakeToken,
}

// indexCmd reindexes one domain's knowledge base
var indexCmd = &cobra.Command{
	Use:   "index [domain]",
	Short: "Reindex a domain's knowledge base",
	Long: `Walks the domain's KB directory, syncs files and chunks into the
store, and embeds changed chunks. Progress is printed as files and
chunks complete.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: ~/.domainos)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Provider API key (or set ANTHROPIC_API_KEY / OPENAI_API_KEY / GEMINI_API_KEY)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	// Add commands to root
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(domainCmd)
	rootCmd.AddCommand(automationCmd)
	rootCmd.AddCommand(missionCmd)
	rootCmd.AddCommand(protocolCmd)
	rootCmd.AddCommand(intakeCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(intakeTokenCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(googleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads <data-dir>/config.yaml, falling back to defaults when
// the file does not exist. The --data-dir and --api-key flags win over
// both the file and the environment.
func loadConfig() (*config.Config, error) {
	dir := dataDir
	if dir == "" {
		dir = config.DefaultDataDir()
	}
	cfg, err := config.LoadFromDataDir(dir)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		cfg.Provider.APIKey = apiKey
	}
	return cfg, nil
}

// openRuntime builds and seeds a runtime. The caller must Stop it.
func openRuntime(opts runtime.Options) (*runtime.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rt, err := runtime.New(cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := rt.Init(); err != nil {
		rt.Stop(context.Background())
		return nil, err
	}
	return rt, nil
}

// resolveDomain accepts a domain id or name.
func resolveDomain(st *store.Store, idOrName string) (*types.Domain, error) {
	d, err := st.GetDomain(idOrName)
	if err == nil {
		return d, nil
	}
	return st.GetDomainByName(idOrName)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{Notifier: newConsoleNotifier()})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		rt.Stop(context.Background())
		return err
	}

	cfg := rt.Config()
	logger.Info("DomainOS serving",
		zap.String("data_dir", cfg.ResolveDataDir()),
		zap.Bool("intake_enabled", cfg.Intake.Enabled),
		zap.String("intake_addr", rt.Intake().Addr()))

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	signal.Stop(sigCh)
	logger.Info("Received shutdown signal")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return rt.Stop(stopCtx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	cfg := rt.Config()
	fmt.Printf("DomainOS %s\n", cfg.Version)
	fmt.Printf("Data dir:  %s\n", cfg.ResolveDataDir())
	fmt.Printf("Provider:  %s (%s)\n", cfg.Provider.Name, cfg.Provider.Model)
	fmt.Printf("Embedding: %s", cfg.Embedding.Provider)
	if cfg.Embedding.Provider != "none" && cfg.Embedding.Provider != "" {
		fmt.Printf(" (%s)", cfg.Embedding.Model)
	}
	fmt.Println()

	if rt.Google().Connected() {
		fmt.Println("Google:    connected")
	} else {
		fmt.Println("Google:    not connected")
	}
	if cfg.Intake.Enabled {
		fmt.Printf("Intake:    enabled on 127.0.0.1:%d\n", cfg.Intake.Port)
	} else {
		fmt.Println("Intake:    disabled")
	}

	stats, err := rt.Store().Stats()
	if err != nil {
		return err
	}
	tables := make([]string, 0, len(stats))
	for name := range stats {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	fmt.Printf("\nStore: %s (schema v%d)\n", rt.Store().Path(), rt.Store().SchemaVersion())
	for _, name := range tables {
		fmt.Printf("  %-18s %d\n", name, stats[name])
	}

	totals := rt.Usage().Totals()
	if totals.AllTime.Total > 0 {
		fmt.Println("\nTokens:")
		fmt.Printf("  %-18s %d in / %d out\n", "all time", totals.AllTime.Input, totals.AllTime.Output)
		providers := make([]string, 0, len(totals.ByProvider))
		for name := range totals.ByProvider {
			providers = append(providers, name)
		}
		sort.Strings(providers)
		for _, name := range providers {
			c := totals.ByProvider[name]
			fmt.Printf("  %-18s %d in / %d out\n", name, c.Input, c.Output)
		}
	}
	return nil
}

func runIntakeToken(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	fmt.Println(rt.Intake().Token())
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	d, err := resolveDomain(rt.Store(), args[0])
	if err != nil {
		return err
	}
	if d.KBPath == "" {
		return fmt.Errorf("domain %q has no KB path", d.Name)
	}

	rt.Indexer().SetProgress(func(p indexer.Progress) {
		if p.DomainID != d.ID {
			return
		}
		fmt.Printf("\r  files %d/%d  chunks %d/%d",
			p.ProcessedFiles, p.TotalFiles, p.EmbeddedChunks, p.TotalChunks)
	})

	fmt.Printf("Indexing %s (%s)\n", d.Name, d.KBPath)
	rt.Indexer().IndexDomain(d.ID, d.KBPath, nil)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	select {
	case <-rt.Indexer().Wait(d.ID):
	case <-ctx.Done():
		rt.Indexer().Cancel(d.ID)
		return fmt.Errorf("indexing timed out after %s", timeout)
	}
	fmt.Println("\ndone")
	return nil
}
