package kb

import (
	"errors"
	"fmt"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// Default protocols installed on first run. Global scope (empty domain id),
// marked built-in so the CLI can tell them apart from user protocols.
var defaultProtocols = []types.Protocol{
	{
		Name:    "kb-hygiene",
		BuiltIn: true,
		Content: `When proposing knowledge base updates:
- Prefer updating an existing file over creating a near-duplicate.
- Keep structural files (folders.md, settings) patch-only and minimal.
- Cite the basis for every change: which message, intake item, or file prompted it.
- Never store secrets, tokens, or credentials in KB files.`,
	},
	{
		Name:    "advisory-followup",
		BuiltIn: true,
		Content: `When an advisory has been recorded for a domain, open the next
conversation in that domain by surfacing it briefly before answering.
Drop the advisory once it has been acknowledged or acted on.`,
	},
	{
		Name:    "decision-log",
		BuiltIn: true,
		Content: `Record decisions when the user commits to a course of action:
what was decided, the alternatives that were rejected, and why. One
decision per block. Do not log tentative musings as decisions.`,
	},
}

// SeedDefaultProtocols installs the built-in global protocols, skipping any
// that already exist so user edits survive restarts. Called from the runtime
// init path, never from package init.
func SeedDefaultProtocols(st *store.Store) error {
	for i := range defaultProtocols {
		p := defaultProtocols[i]
		_, err := st.GetProtocol("", p.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to check protocol %q: %w", p.Name, err)
		}
		if err := st.UpsertProtocol(&p); err != nil {
			return fmt.Errorf("failed to seed protocol %q: %w", p.Name, err)
		}
		logging.KB("Seeded default protocol %s", p.Name)
	}
	return nil
}
