package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/retrieval"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
)

// searchTokenBudget caps how much KB text one kb_search call hands back
// to the model. Kept smaller than the system prompt budget so repeated
// searches stay cheap to carry across tool rounds.
const searchTokenBudget = 1600

// defaultSearchResults is the snippet cap when the model does not ask
// for a specific max_results.
const defaultSearchResults = 6

// ContextBuilder retrieves scored KB context for a query. Satisfied by
// *retrieval.Builder.
type ContextBuilder interface {
	BuildContext(ctx context.Context, domainID, query string, tokenBudget int) (*retrieval.Result, error)
}

// NewKBSearchTool searches the domain knowledge base and returns scored
// snippets with their file paths, so the model can follow up with
// kb_read on a specific file.
func NewKBSearchTool(domainID string, builder ContextBuilder) *Tool {
	return &Tool{
		Name:        "kb_search",
		Description: "Search the domain knowledge base. Returns the most relevant sections with file paths and scores. Use kb_read to see a whole file.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for, phrased as a question or topic.",
					"minLength":   1,
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of snippets to return. Defaults to 6.",
					"minimum":     1,
					"maximum":     20,
				},
			},
			"required":             []any{"query"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			maxResults := defaultSearchResults
			if v, ok := args["max_results"].(float64); ok {
				maxResults = int(v)
			}
			if builder == nil {
				return "No knowledge base is configured for this domain.", nil
			}
			res, err := builder.BuildContext(ctx, domainID, query, searchTokenBudget)
			if err != nil {
				return "", fmt.Errorf("kb search %q: %w", query, err)
			}
			return renderSearchResult(res, maxResults), nil
		},
	}
}

// searchHit is one snippet flattened out of the section tree for
// score-ordered rendering.
type searchHit struct {
	filePath  string
	staleness string
	snippet   retrieval.Snippet
}

func renderSearchResult(res *retrieval.Result, maxResults int) string {
	var hits []searchHit
	for _, sec := range res.Sections {
		for _, sn := range sec.Snippets {
			hits = append(hits, searchHit{filePath: sec.FilePath, staleness: sec.Staleness, snippet: sn})
		}
	}
	if len(hits) == 0 {
		return "No KB sections matched the query."
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].snippet.Score > hits[j].snippet.Score })
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d result(s), %s retrieval:\n", len(hits), res.Strategy)
	for i, h := range hits {
		heading := h.snippet.HeadingPath
		if heading == "" {
			heading = "(top of file)"
		}
		fmt.Fprintf(&b, "\n[%d] %s [%s] %s (score %.2f)\n%s\n",
			i+1, h.filePath, h.staleness, heading, h.snippet.Score, strings.TrimSpace(h.snippet.Content))
	}
	return b.String()
}

// NewKBReadTool returns the full synced content of one KB file. It reads
// from the chunk store, not the filesystem, so a hostile path argument
// can only miss, never traverse.
func NewKBReadTool(domainID string, st *store.Store) *Tool {
	return &Tool{
		Name:        "kb_read",
		Description: "Read one knowledge base file by its relative path (as shown by kb_search), e.g. \"status/digest.md\".",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Relative path of the KB file to read.",
					"minLength":   1,
				},
			},
			"required":             []any{"path"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			path = strings.TrimPrefix(strings.TrimSpace(path), "./")

			f, err := st.GetKBFileByPath(domainID, path)
			if errors.Is(err, store.ErrNotFound) {
				return kbMissMessage(domainID, st, path), nil
			}
			if err != nil {
				return "", fmt.Errorf("kb read %q: %w", path, err)
			}
			chunks, err := st.ListChunksByFile(f.ID)
			if err != nil {
				return "", fmt.Errorf("kb read %q: %w", path, err)
			}
			sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })

			var b strings.Builder
			fmt.Fprintf(&b, "%s (%s tier, synced %s)\n", f.RelativePath, f.Tier, f.LastSyncedAt.Format("2006-01-02"))
			lastHeading := ""
			for _, c := range chunks {
				if c.HeadingPath != lastHeading && c.HeadingPath != "" {
					fmt.Fprintf(&b, "\n## %s\n", c.HeadingPath)
				}
				lastHeading = c.HeadingPath
				b.WriteString("\n")
				b.WriteString(strings.TrimSpace(c.Content))
				b.WriteString("\n")
			}
			return b.String(), nil
		},
	}
}

// kbMissMessage tells the model what it could have asked for instead of
// leaving it to guess paths.
func kbMissMessage(domainID string, st *store.Store, path string) string {
	files, err := st.ListKBFiles(domainID)
	if err != nil || len(files) == 0 {
		return fmt.Sprintf("KB file not found: %s", path)
	}
	const maxListed = 20
	var paths []string
	for _, f := range files {
		paths = append(paths, f.RelativePath)
		if len(paths) == maxListed {
			break
		}
	}
	suffix := ""
	if len(files) > maxListed {
		suffix = fmt.Sprintf(" (and %d more)", len(files)-maxListed)
	}
	return fmt.Sprintf("KB file not found: %s\nAvailable files: %s%s", path, strings.Join(paths, ", "), suffix)
}
