package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go.opencensus.io (via genai's auth deps) starts this worker in init();
		// it is process-lifetime and cannot be stopped by tested code.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// testConfig returns a config that passes validation and keeps everything
// local: embedding off, intake off, temp data dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Provider.APIKey = "test-key"
	cfg.Embedding.Provider = "none"
	cfg.Intake.Enabled = false
	return cfg
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(testConfig(t), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Stop(ctx)
	})
	return rt
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	// No API key for the active provider.
	if _, err := New(cfg, Options{}); err == nil {
		t.Fatal("expected error for config without API key")
	}

	if _, err := New(nil, Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestLifecycle(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	if err := rt.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	missions, err := rt.Store().ListMissions()
	if err != nil {
		t.Fatalf("ListMissions: %v", err)
	}
	if len(missions) == 0 {
		t.Error("expected default missions after Init")
	}
	protocols, err := rt.Store().ListProtocols("")
	if err != nil {
		t.Fatalf("ListProtocols: %v", err)
	}
	if len(protocols) == 0 {
		t.Error("expected default protocols after Init")
	}
	for _, p := range protocols {
		if !p.BuiltIn {
			t.Errorf("seeded protocol %q not marked built-in", p.Name)
		}
	}

	// A domain added while running gets picked up by the watcher and an
	// immediate indexing pass.
	kbDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(kbDir, "notes.md"), []byte("# Notes\n\nhello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := &types.Domain{Name: "research", KBPath: kbDir}
	if err := rt.Store().CreateDomain(d); err != nil {
		t.Fatalf("CreateDomain: %v", err)
	}
	if err := rt.WatchDomain(d); err != nil {
		t.Fatalf("WatchDomain: %v", err)
	}
	select {
	case <-rt.Indexer().Wait(d.ID):
	case <-time.After(5 * time.Second):
		t.Fatal("indexing pass did not finish")
	}
	files, err := rt.Store().ListKBFiles(d.ID)
	if err != nil {
		t.Fatalf("ListKBFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("indexed files = %d, want 1", len(files))
	}

	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestInitIdempotent(t *testing.T) {
	rt := newTestRuntime(t)

	if err := rt.Init(); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	first, err := rt.Store().ListMissions()
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Init(); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	second, err := rt.Store().ListMissions()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Errorf("mission count changed across Init calls: %d then %d", len(first), len(second))
	}
}

func TestStartRequiresInit(t *testing.T) {
	rt := newTestRuntime(t)

	err := rt.Start(context.Background())
	if err == nil {
		t.Fatal("expected error starting uninitialized runtime")
	}
	if !strings.Contains(err.Error(), "not initialized") {
		t.Errorf("error = %q, want mention of initialization", err)
	}
}

func TestStopIdempotentAndFinal(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	if err := rt.Init(); err != nil {
		t.Fatal(err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := rt.Start(ctx); err == nil {
		t.Fatal("expected error starting a stopped runtime")
	}
}

func TestStopWithoutStartReleasesResources(t *testing.T) {
	rt, err := New(testConfig(t), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Never started; Stop must still close the store and watcher.
	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAccessors(t *testing.T) {
	rt := newTestRuntime(t)

	if rt.Config() == nil {
		t.Error("Config is nil")
	}
	if rt.Store() == nil {
		t.Error("Store is nil")
	}
	if rt.Bus() == nil {
		t.Error("Bus is nil")
	}
	if rt.Secrets() == nil {
		t.Error("Secrets is nil")
	}
	if rt.Google() == nil {
		t.Error("Google is nil")
	}
	if rt.Indexer() == nil {
		t.Error("Indexer is nil")
	}
	if rt.Builder() == nil {
		t.Error("Builder is nil")
	}
	if rt.Chat() == nil {
		t.Error("Chat is nil")
	}
	if rt.Engine() == nil {
		t.Error("Engine is nil")
	}
	if rt.Missions() == nil {
		t.Error("Missions is nil")
	}
	if rt.Intake() == nil {
		t.Error("Intake is nil")
	}
	if rt.Blocks() == nil {
		t.Error("Blocks is nil")
	}
}
