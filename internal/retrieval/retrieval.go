// Package retrieval assembles KB context for prompts. The primary path
// scores stored chunk embeddings against the query and packs the winners
// under a token budget; when no embeddings exist the builder falls back to
// tier-based string strategies.
package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/embedding"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
)

// Scoring constants. Dot products of L2-normalized vectors land in [-1, 1];
// the boost nudges operationally hot sections above the floor.
const (
	headingBoost    = 0.1
	defaultMinScore = 0.3
	defaultTopK     = 12
	samePathPenalty = 0.30
	sameFilePenalty = 0.10
)

// hotHeadings marks sections whose headings signal actionable state.
var hotHeadings = regexp.MustCompile(`(?i)\b(STATUS|OPEN GAP|DEADLINE|PRIORITIES|NEXT ACTION|OVERDUE|CRITICAL)\b`)

// Strategy names the fallback used when vector retrieval is unavailable.
type Strategy string

const (
	StrategyVector               Strategy = "vector"
	StrategyDigestOnly           Strategy = "digest_only"
	StrategyDigestPlusStructural Strategy = "digest_plus_structural"
	StrategyFull                 Strategy = "full"
)

// Snippet is one chunk selected into the context.
type Snippet struct {
	HeadingPath string
	Content     string
	Score       float64
}

// Section groups selected snippets by source file.
type Section struct {
	FilePath  string
	Staleness string
	Snippets  []Snippet
}

// Result is a packed KB context.
type Result struct {
	Text          string
	Strategy      Strategy
	Sections      []Section
	TokenEstimate int
}

// Options tune the builder. Zero values take defaults.
type Options struct {
	TopK     int
	MinScore float64
	Fallback Strategy
}

// Builder builds KB context for one query at a time.
type Builder struct {
	store    *store.Store
	client   embedding.Client // nil means vector retrieval is unavailable
	cache    *Cache
	topK     int
	minScore float64
	fallback Strategy
}

// NewBuilder creates a context builder. client may be nil; every build then
// uses the fallback strategy.
func NewBuilder(st *store.Store, client embedding.Client, cache *Cache, opts Options) *Builder {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.MinScore == 0 {
		opts.MinScore = defaultMinScore
	}
	if opts.Fallback == "" {
		opts.Fallback = StrategyDigestPlusStructural
	}
	return &Builder{
		store:    st,
		client:   client,
		cache:    cache,
		topK:     opts.TopK,
		minScore: opts.MinScore,
		fallback: opts.Fallback,
	}
}

// WithFallback returns a copy of the builder whose string fallback uses
// the given strategy. The receiver is untouched.
func (b *Builder) WithFallback(s Strategy) *Builder {
	nb := *b
	nb.fallback = s
	return &nb
}

// BuildContext returns KB context for the query packed under tokenBudget.
// Vector retrieval requires an embedding client and at least one stored
// vector for the domain; otherwise the configured fallback strategy runs.
func (b *Builder) BuildContext(ctx context.Context, domainID, query string, tokenBudget int) (*Result, error) {
	if tokenBudget <= 0 {
		return &Result{Strategy: b.fallback}, nil
	}

	if b.client == nil {
		return b.buildFallback(domainID, tokenBudget)
	}

	cands, err := loadCandidates(b.store, b.cache, domainID, b.client.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to load retrieval candidates: %w", err)
	}
	if len(cands) == 0 {
		logging.RetrievalDebug("No embeddings for domain %s; using %s fallback", domainID, b.fallback)
		return b.buildFallback(domainID, tokenBudget)
	}

	queryVec, err := b.client.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	embedding.Normalize(queryVec)

	scored := scoreCandidates(queryVec, cands, b.minScore)
	selected := selectMMR(scored, b.topK)
	result := packSections(selected, tokenBudget)
	result.Strategy = StrategyVector

	logging.Retrieval("Built vector context for domain %s: %d/%d chunks, ~%d tokens",
		domainID, countSnippets(result.Sections), len(cands), result.TokenEstimate)
	return result, nil
}

// scoredCandidate carries the working score through MMR selection.
type scoredCandidate struct {
	cand  Candidate
	score float64
}

// scoreCandidates computes effective scores and drops everything under the
// floor. Stored vectors are L2-normalized at index time, so the dot product
// is the cosine similarity.
func scoreCandidates(queryVec []float32, cands []Candidate, minScore float64) []scoredCandidate {
	var scored []scoredCandidate
	for _, c := range cands {
		raw := embedding.Dot(queryVec, c.Vector)
		eff := raw
		if hotHeadings.MatchString(c.Chunk.Chunk.HeadingPath) {
			eff += headingBoost
		}
		if eff < minScore {
			continue
		}
		scored = append(scored, scoredCandidate{cand: c, score: eff})
	}
	return scored
}

// selectMMR greedily picks the best remaining candidate, then penalizes the
// rest of the picked chunk's file so one document cannot crowd out the
// context: same heading path loses 0.30, any other section of the file 0.10.
func selectMMR(scored []scoredCandidate, topK int) []scoredCandidate {
	remaining := make([]scoredCandidate, len(scored))
	copy(remaining, scored)

	var selected []scoredCandidate
	for len(selected) < topK && len(remaining) > 0 {
		best := 0
		for i := 1; i < len(remaining); i++ {
			if remaining[i].score > remaining[best].score {
				best = i
			}
		}
		pick := remaining[best]
		selected = append(selected, pick)
		remaining = append(remaining[:best], remaining[best+1:]...)

		for i := range remaining {
			if remaining[i].cand.Chunk.FilePath != pick.cand.Chunk.FilePath {
				continue
			}
			if remaining[i].cand.Chunk.Chunk.HeadingPath == pick.cand.Chunk.Chunk.HeadingPath {
				remaining[i].score -= samePathPenalty
			} else {
				remaining[i].score -= sameFilePenalty
			}
		}
	}
	return selected
}

// packSections groups the selected chunks by file and renders them until the
// token budget is spent. Section order follows first selection; snippets
// inside a section follow document order.
func packSections(selected []scoredCandidate, tokenBudget int) *Result {
	now := time.Now()
	result := &Result{}
	index := make(map[string]int) // file path -> position in result.Sections
	order := make(map[string][]scoredCandidate)

	used := 0
	for _, sc := range selected {
		cost := estimateTokens(sc.cand.Chunk.Chunk.Content) + estimateTokens(sc.cand.Chunk.Chunk.HeadingPath) + 8
		if used+cost > tokenBudget {
			break
		}
		used += cost

		path := sc.cand.Chunk.FilePath
		if _, ok := index[path]; !ok {
			index[path] = len(result.Sections)
			result.Sections = append(result.Sections, Section{
				FilePath:  path,
				Staleness: stalenessLabel(sc.cand.Chunk.FileSyncedAt, now),
			})
		}
		order[path] = append(order[path], sc)
	}

	for path, scs := range order {
		sort.Slice(scs, func(i, j int) bool {
			return scs[i].cand.Chunk.Chunk.Ordinal < scs[j].cand.Chunk.Chunk.Ordinal
		})
		sec := &result.Sections[index[path]]
		for _, sc := range scs {
			sec.Snippets = append(sec.Snippets, Snippet{
				HeadingPath: sc.cand.Chunk.Chunk.HeadingPath,
				Content:     sc.cand.Chunk.Chunk.Content,
				Score:       sc.score,
			})
		}
	}

	result.TokenEstimate = used
	result.Text = renderSections(result.Sections, StrategyVector)
	return result
}

// renderSections produces the prompt-ready context block.
func renderSections(sections []Section, strategy Strategy) string {
	if len(sections) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# KB CONTEXT (%s)\n", strategy)
	for _, sec := range sections {
		fmt.Fprintf(&b, "\n## %s [%s]\n", sec.FilePath, sec.Staleness)
		for _, sn := range sec.Snippets {
			if sn.HeadingPath != "" {
				fmt.Fprintf(&b, "\n### %s\n", sn.HeadingPath)
			} else {
				b.WriteString("\n")
			}
			b.WriteString(sn.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// stalenessLabel bands a file's last sync time so the model can weigh how
// current each source is.
func stalenessLabel(syncedAt, now time.Time) string {
	if syncedAt.IsZero() {
		return "age unknown"
	}
	age := now.Sub(syncedAt)
	switch {
	case age < 48*time.Hour:
		return "fresh"
	case age < 14*24*time.Hour:
		return "recent"
	case age < 60*24*time.Hour:
		return "aging"
	default:
		return "stale"
	}
}

func countSnippets(sections []Section) int {
	n := 0
	for _, sec := range sections {
		n += len(sec.Snippets)
	}
	return n
}

// estimateTokens uses the rough 4-chars-per-token heuristic shared with the
// indexer's chunk accounting.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
