package retrieval

import (
	"fmt"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// buildFallback assembles context without vectors. Files are chosen by tier:
// digest_only takes status-tier files, digest_plus_structural adds the
// structural tier, full takes everything. Chunks stream in document order
// until the budget is spent.
func (b *Builder) buildFallback(domainID string, tokenBudget int) (*Result, error) {
	files, err := b.store.ListKBFiles(domainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list KB files: %w", err)
	}

	var picked []*types.KBFile
	for _, f := range files {
		if tierIncluded(b.fallback, f.Tier) {
			picked = append(picked, f)
		}
	}

	now := time.Now()
	result := &Result{Strategy: b.fallback}
	used := 0

pack:
	for _, f := range picked {
		chunks, err := b.store.ListChunksByFile(f.ID)
		if err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("Skipping unreadable file %s: %v", f.RelativePath, err)
			continue
		}
		if len(chunks) == 0 {
			continue
		}

		sec := Section{
			FilePath:  f.RelativePath,
			Staleness: stalenessLabel(f.LastSyncedAt, now),
		}
		for _, c := range chunks {
			cost := estimateTokens(c.Content) + estimateTokens(c.HeadingPath) + 8
			if used+cost > tokenBudget {
				if len(sec.Snippets) > 0 {
					result.Sections = append(result.Sections, sec)
				}
				break pack
			}
			used += cost
			sec.Snippets = append(sec.Snippets, Snippet{
				HeadingPath: c.HeadingPath,
				Content:     c.Content,
			})
		}
		result.Sections = append(result.Sections, sec)
	}

	result.TokenEstimate = used
	result.Text = renderSections(result.Sections, b.fallback)
	logging.RetrievalDebug("Built %s fallback context for domain %s: %d files, ~%d tokens",
		b.fallback, domainID, len(result.Sections), used)
	return result, nil
}

// tierIncluded reports whether a file tier participates in the strategy.
func tierIncluded(s Strategy, tier types.KBTier) bool {
	switch s {
	case StrategyDigestOnly:
		return tier == types.TierStatus
	case StrategyDigestPlusStructural:
		return tier == types.TierStatus || tier == types.TierStructural
	default:
		return true
	}
}
