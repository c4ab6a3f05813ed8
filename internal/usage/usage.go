// Package usage keeps the local token ledger. Every completion that
// reports token counts is folded into running sums by provider, model,
// surface, and domain, persisted as JSON under the data directory.
package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
)

// Surfaces that consume completions. Mission runs stream their output
// and the stream path carries no token counts, so they never appear.
const (
	SurfaceChat       = "chat"
	SurfaceAutomation = "automation"
)

// Counts is one accumulated token sum.
type Counts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

func (c *Counts) add(input, output int) {
	c.Input += int64(input)
	c.Output += int64(output)
	c.Total += int64(input) + int64(output)
}

// Totals is the full ledger state.
type Totals struct {
	AllTime    Counts            `json:"all_time"`
	ByProvider map[string]Counts `json:"by_provider"`
	ByModel    map[string]Counts `json:"by_model"`
	BySurface  map[string]Counts `json:"by_surface"`
	ByDomain   map[string]Counts `json:"by_domain"`
}

// Sample is one completion's worth of tokens.
type Sample struct {
	Provider string
	Model    string
	Surface  string
	DomainID string // empty when the call is not domain-scoped
	Input    int
	Output   int
}

type ledgerFile struct {
	Version int    `json:"version"`
	Totals  Totals `json:"totals"`
}

// Tracker owns the ledger file. All methods are safe on a nil receiver,
// so callers treat token accounting as best-effort.
type Tracker struct {
	mu     sync.Mutex
	path   string
	totals Totals
}

// New loads the ledger from dataDir, starting fresh when the file is
// missing or unreadable.
func New(dataDir string) *Tracker {
	t := &Tracker{
		path:   filepath.Join(dataDir, "usage.json"),
		totals: emptyTotals(),
	}
	t.load()
	return t
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.UsageWarn("Could not read usage ledger %s: %v", t.path, err)
		}
		return
	}
	var f ledgerFile
	if err := json.Unmarshal(data, &f); err != nil {
		logging.UsageWarn("Usage ledger %s is corrupt, starting fresh: %v", t.path, err)
		return
	}
	t.totals = f.Totals
	ensureMaps(&t.totals)
}

// Record folds one sample into the ledger and writes it through. Zero
// samples record nothing; providers that omit usage report zeros.
func (t *Tracker) Record(s Sample) {
	if t == nil || (s.Input == 0 && s.Output == 0) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totals.AllTime.add(s.Input, s.Output)
	addKeyed(t.totals.ByProvider, s.Provider, s.Input, s.Output)
	addKeyed(t.totals.ByModel, s.Model, s.Input, s.Output)
	addKeyed(t.totals.BySurface, s.Surface, s.Input, s.Output)
	addKeyed(t.totals.ByDomain, s.DomainID, s.Input, s.Output)

	if err := t.save(); err != nil {
		logging.UsageWarn("Could not persist usage ledger: %v", err)
		return
	}
	logging.UsageDebug("Recorded %d in / %d out tokens (%s/%s, surface=%s)",
		s.Input, s.Output, s.Provider, s.Model, s.Surface)
}

// Totals returns a copy of the ledger safe to read concurrently.
func (t *Tracker) Totals() Totals {
	if t == nil {
		return emptyTotals()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Totals{
		AllTime:    t.totals.AllTime,
		ByProvider: copyCounts(t.totals.ByProvider),
		ByModel:    copyCounts(t.totals.ByModel),
		BySurface:  copyCounts(t.totals.BySurface),
		ByDomain:   copyCounts(t.totals.ByDomain),
	}
	return out
}

func (t *Tracker) save() error {
	data, err := json.MarshalIndent(ledgerFile{Version: 1, Totals: t.totals}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.path, data, 0644)
}

func addKeyed(m map[string]Counts, key string, input, output int) {
	if key == "" {
		return
	}
	c := m[key]
	c.add(input, output)
	m[key] = c
}

func copyCounts(m map[string]Counts) map[string]Counts {
	out := make(map[string]Counts, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func emptyTotals() Totals {
	return Totals{
		ByProvider: make(map[string]Counts),
		ByModel:    make(map[string]Counts),
		BySurface:  make(map[string]Counts),
		ByDomain:   make(map[string]Counts),
	}
}

func ensureMaps(t *Totals) {
	if t.ByProvider == nil {
		t.ByProvider = make(map[string]Counts)
	}
	if t.ByModel == nil {
		t.ByModel = make(map[string]Counts)
	}
	if t.BySurface == nil {
		t.BySurface = make(map[string]Counts)
	}
	if t.ByDomain == nil {
		t.ByDomain = make(map[string]Counts)
	}
}
