package retrieval

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/embedding"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// fakeClient implements embedding.Client with a fixed query vector.
type fakeClient struct {
	queryVec []float32
}

func (f *fakeClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, len(f.queryVec))
	copy(vec, f.queryVec)
	return vec, nil
}

func (f *fakeClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = f.Embed(ctx, texts[i])
	}
	return out, nil
}

func (f *fakeClient) Dimensions() int     { return len(f.queryVec) }
func (f *fakeClient) Name() string        { return "fake-model" }
func (f *fakeClient) Fingerprint() string { return "fake|fake-model|local" }
func (f *fakeClient) MaxBatch() int       { return 16 }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func cand(file, headingPath string, ordinal int, vec []float32) Candidate {
	return Candidate{
		Chunk: &store.EmbeddedChunk{
			Chunk: types.KBChunk{
				HeadingPath: headingPath,
				Ordinal:     ordinal,
				Content:     "content under " + headingPath,
			},
			FilePath: file,
		},
		Vector: vec,
	}
}

// =============================================================================
// SCORING
// =============================================================================

func TestScoreCandidatesFloorAndBoost(t *testing.T) {
	query := []float32{1, 0}
	cands := []Candidate{
		cand("a.md", "Career", 0, []float32{0.9, 0.1}),
		cand("a.md", "Career > DEADLINE", 1, []float32{0.25, 0.9}),
		cand("a.md", "Hobbies", 2, []float32{0.25, 0.9}),
	}

	scored := scoreCandidates(query, cands, defaultMinScore)
	if len(scored) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(scored))
	}

	byPath := make(map[string]float64)
	for _, sc := range scored {
		byPath[sc.cand.Chunk.Chunk.HeadingPath] = sc.score
	}
	if _, ok := byPath["Hobbies"]; ok {
		t.Error("unboosted 0.25 candidate should fall under the 0.3 floor")
	}
	if got := byPath["Career > DEADLINE"]; got < 0.34 || got > 0.36 {
		t.Errorf("expected boosted score ~0.35, got %v", got)
	}
}

func TestHotHeadingsPattern(t *testing.T) {
	tests := []struct {
		heading string
		want    bool
	}{
		{"Career > DEADLINE", true},
		{"Next Action Items", true},
		{"status", true},
		{"Open Gap Analysis", true},
		{"OVERDUE", true},
		{"Deadlines", false}, // no word boundary inside DEADLINES
		{"Criticism", false},
		{"Background", false},
	}
	for _, tt := range tests {
		if got := hotHeadings.MatchString(tt.heading); got != tt.want {
			t.Errorf("hotHeadings(%q) = %v, want %v", tt.heading, got, tt.want)
		}
	}
}

// =============================================================================
// MMR SELECTION
// =============================================================================

func TestSelectMMRPenalizesSameFile(t *testing.T) {
	scored := []scoredCandidate{
		{cand: cand("a.md", "Plan", 0, nil), score: 0.90},
		{cand: cand("a.md", "Plan", 1, nil), score: 0.85},
		{cand: cand("b.md", "Other", 0, nil), score: 0.80},
	}

	selected := selectMMR(scored, 3)
	if len(selected) != 3 {
		t.Fatalf("expected 3 selections, got %d", len(selected))
	}

	// After picking a.md/Plan at 0.90, the second a.md/Plan chunk drops to
	// 0.55 and b.md wins the next slot.
	if selected[1].cand.Chunk.FilePath != "b.md" {
		t.Errorf("expected b.md second, got %s (%s)",
			selected[1].cand.Chunk.FilePath, selected[1].cand.Chunk.Chunk.HeadingPath)
	}
	if got := selected[2].score; got < 0.54 || got > 0.56 {
		t.Errorf("expected same-path penalty to land at ~0.55, got %v", got)
	}
}

func TestSelectMMRDifferentHeadingSmallerPenalty(t *testing.T) {
	scored := []scoredCandidate{
		{cand: cand("a.md", "Plan", 0, nil), score: 0.90},
		{cand: cand("a.md", "History", 1, nil), score: 0.85},
		{cand: cand("b.md", "Other", 0, nil), score: 0.80},
	}

	selected := selectMMR(scored, 3)
	// 0.85 - 0.10 = 0.75 still beats 0.80? No: 0.80 > 0.75, so b.md is
	// second and a.md/History third at 0.75.
	if selected[1].cand.Chunk.FilePath != "b.md" {
		t.Errorf("expected b.md second, got %s", selected[1].cand.Chunk.FilePath)
	}
	if got := selected[2].score; got < 0.74 || got > 0.76 {
		t.Errorf("expected same-file penalty to land at ~0.75, got %v", got)
	}
}

func TestSelectMMRHonorsTopK(t *testing.T) {
	var scored []scoredCandidate
	for i := 0; i < 5; i++ {
		scored = append(scored, scoredCandidate{
			cand:  cand("a.md", "H", i, nil),
			score: 0.9 - float64(i)*0.01,
		})
	}
	if got := len(selectMMR(scored, 2)); got != 2 {
		t.Errorf("expected topK=2 selections, got %d", got)
	}
}

// =============================================================================
// PACKING
// =============================================================================

func TestPackSectionsRespectsBudget(t *testing.T) {
	long := strings.Repeat("alpha ", 100) // ~600 chars -> ~150 tokens
	var selected []scoredCandidate
	for i := 0; i < 5; i++ {
		c := cand("a.md", "H", i, nil)
		c.Chunk.Chunk.Content = long
		selected = append(selected, scoredCandidate{cand: c, score: 0.9})
	}

	result := packSections(selected, 320)
	if result.TokenEstimate > 320 {
		t.Errorf("token estimate %d exceeds budget", result.TokenEstimate)
	}
	if got := countSnippets(result.Sections); got != 2 {
		t.Errorf("expected 2 snippets to fit, got %d", got)
	}
}

func TestPackSectionsGroupsByFileInDocumentOrder(t *testing.T) {
	selected := []scoredCandidate{
		{cand: cand("b.md", "Late", 3, nil), score: 0.9},
		{cand: cand("a.md", "Two", 2, nil), score: 0.8},
		{cand: cand("a.md", "One", 1, nil), score: 0.7},
	}

	result := packSections(selected, 10000)
	if len(result.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(result.Sections))
	}
	if result.Sections[0].FilePath != "b.md" {
		t.Errorf("expected first-selected file first, got %s", result.Sections[0].FilePath)
	}
	a := result.Sections[1]
	if len(a.Snippets) != 2 || a.Snippets[0].HeadingPath != "One" {
		t.Errorf("expected a.md snippets in document order, got %+v", a.Snippets)
	}
}

func TestStalenessLabels(t *testing.T) {
	now := time.Now()
	tests := []struct {
		age  time.Duration
		want string
	}{
		{time.Hour, "fresh"},
		{3 * 24 * time.Hour, "recent"},
		{30 * 24 * time.Hour, "aging"},
		{90 * 24 * time.Hour, "stale"},
	}
	for _, tt := range tests {
		if got := stalenessLabel(now.Add(-tt.age), now); got != tt.want {
			t.Errorf("stalenessLabel(age %v) = %q, want %q", tt.age, got, tt.want)
		}
	}
	if got := stalenessLabel(time.Time{}, now); got != "age unknown" {
		t.Errorf("zero time: expected age unknown, got %q", got)
	}
}

// =============================================================================
// CACHE
// =============================================================================

func TestCachePutGetInvalidate(t *testing.T) {
	c := NewCache()
	if _, ok := c.Get("dom", "model"); ok {
		t.Error("expected miss on empty cache")
	}

	c.Put("dom", "model", []Candidate{cand("a.md", "H", 0, []float32{1})})
	cands, ok := c.Get("dom", "model")
	if !ok || len(cands) != 1 {
		t.Fatalf("expected 1 cached candidate, got ok=%v len=%d", ok, len(cands))
	}

	c.Invalidate("dom", "model")
	if _, ok := c.Get("dom", "model"); ok {
		t.Error("expected miss after invalidation")
	}
	// Other keys are untouched.
	c.Put("dom", "other-model", nil)
	c.Invalidate("dom", "model")
	if _, ok := c.Get("dom", "other-model"); !ok {
		t.Error("invalidation removed an unrelated entry")
	}
}

// =============================================================================
// END TO END AGAINST THE STORE
// =============================================================================

func seedEmbeddedKB(t *testing.T, st *store.Store) (domainID string) {
	t.Helper()

	d := &types.Domain{Name: "career", KBPath: t.TempDir()}
	if err := st.CreateDomain(d); err != nil {
		t.Fatalf("failed to create domain: %v", err)
	}

	f := &types.KBFile{
		DomainID:     d.ID,
		RelativePath: "career.md",
		Tier:         types.TierGeneral,
		ContentHash:  "fh",
		LastSyncedAt: time.Now().UTC(),
	}
	if err := st.UpsertKBFile(f); err != nil {
		t.Fatalf("failed to upsert file: %v", err)
	}

	chunks := []*types.KBChunk{
		{ChunkKey: "career-0", Ordinal: 0, HeadingPath: "Career", Content: "Staff role search is active at Initech.", ContentHash: "h1"},
		{ChunkKey: "career-deadline-0", Ordinal: 1, HeadingPath: "Career > DEADLINE", Content: "Initech application closes Friday.", ContentHash: "h2"},
		{ChunkKey: "hobby-0", Ordinal: 2, HeadingPath: "Hobbies", Content: "Learning woodworking on weekends.", ContentHash: "h3"},
	}
	if _, err := st.SyncChunks(f.ID, chunks); err != nil {
		t.Fatalf("failed to sync chunks: %v", err)
	}

	stored, err := st.ListChunksByFile(f.ID)
	if err != nil {
		t.Fatalf("failed to list chunks: %v", err)
	}
	vecs := map[string][]float32{
		"career-0":          {0.9, 0.436},
		"career-deadline-0": {0.25, 0.968},
		"hobby-0":           {0.1, 0.995},
	}
	for _, c := range stored {
		if err := st.UpsertChunkEmbedding(&types.ChunkEmbedding{
			ChunkID:             c.ID,
			ModelName:           "fake-model",
			Dimensions:          2,
			Vector:              embedding.EncodeVector(vecs[c.ChunkKey]),
			ContentHash:         c.ContentHash,
			ProviderFingerprint: "fake|fake-model|local",
		}); err != nil {
			t.Fatalf("failed to store embedding: %v", err)
		}
	}
	return d.ID
}

func TestBuildContextVector(t *testing.T) {
	st := newTestStore(t)
	domainID := seedEmbeddedKB(t, st)

	cache := NewCache()
	b := NewBuilder(st, &fakeClient{queryVec: []float32{1, 0}}, cache, Options{})

	result, err := b.BuildContext(context.Background(), domainID, "what deadlines are coming up", 2000)
	if err != nil {
		t.Fatalf("BuildContext failed: %v", err)
	}

	if result.Strategy != StrategyVector {
		t.Errorf("expected vector strategy, got %s", result.Strategy)
	}
	if !strings.Contains(result.Text, "Initech application closes Friday.") {
		t.Error("boosted deadline chunk missing from context")
	}
	if !strings.Contains(result.Text, "Staff role search") {
		t.Error("high-similarity chunk missing from context")
	}
	if strings.Contains(result.Text, "woodworking") {
		t.Error("low-similarity chunk leaked into context")
	}
	if !strings.Contains(result.Text, "career.md [fresh]") {
		t.Errorf("expected staleness-labeled section header, got:\n%s", result.Text)
	}

	if _, ok := cache.Get(domainID, "fake-model"); !ok {
		t.Error("expected candidates to be cached after a build")
	}
	t.Logf("✓ vector context built:\n%s", result.Text)
}

func TestBuildContextFallsBackWithoutEmbeddings(t *testing.T) {
	st := newTestStore(t)

	d := &types.Domain{Name: "empty", KBPath: t.TempDir()}
	if err := st.CreateDomain(d); err != nil {
		t.Fatalf("failed to create domain: %v", err)
	}

	f := &types.KBFile{
		DomainID:     d.ID,
		RelativePath: "digest.md",
		Tier:         types.TierStatus,
		ContentHash:  "fh",
		LastSyncedAt: time.Now().UTC(),
	}
	if err := st.UpsertKBFile(f); err != nil {
		t.Fatalf("failed to upsert file: %v", err)
	}
	chunks := []*types.KBChunk{
		{ChunkKey: "s-0", Ordinal: 0, HeadingPath: "Status", Content: "Everything is on track.", ContentHash: "h1"},
	}
	if _, err := st.SyncChunks(f.ID, chunks); err != nil {
		t.Fatalf("failed to sync chunks: %v", err)
	}

	b := NewBuilder(st, &fakeClient{queryVec: []float32{1, 0}}, NewCache(), Options{})
	result, err := b.BuildContext(context.Background(), d.ID, "anything", 2000)
	if err != nil {
		t.Fatalf("BuildContext failed: %v", err)
	}
	if result.Strategy != StrategyDigestPlusStructural {
		t.Errorf("expected fallback strategy, got %s", result.Strategy)
	}
	if !strings.Contains(result.Text, "Everything is on track.") {
		t.Error("status content missing from fallback context")
	}
}

func TestBuildContextNoClientUsesFallback(t *testing.T) {
	st := newTestStore(t)
	domainID := seedEmbeddedKB(t, st)

	b := NewBuilder(st, nil, nil, Options{Fallback: StrategyFull})
	result, err := b.BuildContext(context.Background(), domainID, "anything", 2000)
	if err != nil {
		t.Fatalf("BuildContext failed: %v", err)
	}
	if result.Strategy != StrategyFull {
		t.Errorf("expected full fallback, got %s", result.Strategy)
	}
	if !strings.Contains(result.Text, "woodworking") {
		t.Error("full strategy should include every chunk")
	}
}

func TestTierIncluded(t *testing.T) {
	tests := []struct {
		strategy Strategy
		tier     types.KBTier
		want     bool
	}{
		{StrategyDigestOnly, types.TierStatus, true},
		{StrategyDigestOnly, types.TierStructural, false},
		{StrategyDigestOnly, types.TierGeneral, false},
		{StrategyDigestPlusStructural, types.TierStatus, true},
		{StrategyDigestPlusStructural, types.TierStructural, true},
		{StrategyDigestPlusStructural, types.TierIntelligence, false},
		{StrategyFull, types.TierGeneral, true},
	}
	for _, tt := range tests {
		if got := tierIncluded(tt.strategy, tt.tier); got != tt.want {
			t.Errorf("tierIncluded(%s, %s) = %v, want %v", tt.strategy, tt.tier, got, tt.want)
		}
	}
}
