package kb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/bus"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// Indexer is the slice of the indexing manager the applier needs: one
// re-index request per applied write.
type Indexer interface {
	IndexDomain(domainID, kbPath string, files []string)
}

// Applier validates KB update proposals and applies them to a domain's
// KB root. Bus and Index may be nil (tests, CLI one-shots); applied
// writes then skip the event and the re-index request.
type Applier struct {
	st    *store.Store
	bus   *bus.Bus
	index Indexer
}

// NewApplier builds a KB applier.
func NewApplier(st *store.Store, b *bus.Bus, index Indexer) *Applier {
	return &Applier{st: st, bus: b, index: index}
}

// Outcome reports what one proposal did.
type Outcome struct {
	FilePath string
	Action   string
	Applied  bool
	Err      error
}

// Apply validates and applies one KB update against the domain. The
// write lands on disk first; the store row follows via the re-index
// request so chunk and embedding bookkeeping stays in one code path.
func (a *Applier) Apply(domain *types.Domain, u *KBUpdate) Outcome {
	out := Outcome{FilePath: u.FilePath, Action: u.Action}

	target, err := ResolveSafePath(domain.KBPath, u.FilePath)
	if err != nil {
		out.Err = err
		return out
	}
	if strings.ContainsRune(u.Content, 0) {
		out.Err = fmt.Errorf("content: %w", ErrNullBytes)
		return out
	}

	rel := filepath.ToSlash(filepath.Clean(filepath.FromSlash(u.FilePath)))
	existing, err := a.st.GetKBFileByPath(domain.ID, rel)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		out.Err = fmt.Errorf("lookup %s: %w", rel, err)
		return out
	}

	switch u.Action {
	case "create":
		out.Err = a.applyCreate(domain, u, target, existing != nil)
	case "update":
		out.Err = a.applyUpdate(domain, u, target, existing)
	case "delete":
		out.Err = a.applyDelete(domain, u, target, rel, existing)
	default:
		out.Err = fmt.Errorf("unknown action %q", u.Action)
	}
	if out.Err != nil {
		logging.KBWarn("Rejected %s of %s in domain %s: %v", u.Action, rel, domain.Name, out.Err)
		return out
	}

	out.Applied = true
	logging.KB("Applied %s of %s in domain %s (tier=%s mode=%s)", u.Action, rel, domain.Name, u.Tier, u.Mode)

	if a.index != nil {
		files := []string{rel}
		if u.Action == "delete" {
			files = nil // full scan prunes the deleted file's rows
		}
		a.index.IndexDomain(domain.ID, domain.KBPath, files)
	}
	if a.bus != nil {
		data, _ := json.Marshal(map[string]string{"path": rel, "action": u.Action})
		a.bus.Emit(types.Event{Type: types.EventKBUpdated, DomainID: domain.ID, Data: data})
	}
	return out
}

// effectiveTier resolves which tier governs the write: the stored file's
// tier wins, then the proposal's, then a fresh default.
func effectiveTier(u *KBUpdate, existing *types.KBFile) types.KBTier {
	if existing != nil && existing.Tier.Valid() {
		return existing.Tier
	}
	if u.Tier.Valid() {
		return u.Tier
	}
	return types.TierGeneral
}

func (a *Applier) applyCreate(domain *types.Domain, u *KBUpdate, target string, tracked bool) error {
	if tracked {
		return fmt.Errorf("%w: %s", ErrFileExists, u.FilePath)
	}
	if _, err := os.Lstat(target); err == nil {
		return fmt.Errorf("%w on disk: %s", ErrFileExists, u.FilePath)
	}

	tier := effectiveTier(u, nil)
	if !u.Mode.AllowedForTier(tier) {
		return fmt.Errorf("%w: %s on %s tier", ErrTierViolation, u.Mode, tier)
	}
	if u.Mode == types.WritePatch {
		return fmt.Errorf("%w: patch cannot create a file", ErrTierViolation)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(target, []byte(u.Content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", u.FilePath, err)
	}
	return nil
}

func (a *Applier) applyUpdate(domain *types.Domain, u *KBUpdate, target string, existing *types.KBFile) error {
	current, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileMissing, u.FilePath)
		}
		return fmt.Errorf("read %s: %w", u.FilePath, err)
	}

	tier := effectiveTier(u, existing)
	if !u.Mode.AllowedForTier(tier) {
		return fmt.Errorf("%w: %s on %s tier", ErrTierViolation, u.Mode, tier)
	}

	var next string
	switch u.Mode {
	case types.WriteFull:
		next = u.Content
	case types.WriteAppend:
		next = string(current)
		if next != "" && !strings.HasSuffix(next, "\n") {
			next += "\n"
		}
		next += u.Content
	case types.WritePatch:
		next, err = applyPatch(string(current), u.Content)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown mode %q", u.Mode)
	}

	if err := os.WriteFile(target, []byte(next), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", u.FilePath, err)
	}
	return nil
}

func (a *Applier) applyDelete(domain *types.Domain, u *KBUpdate, target, rel string, existing *types.KBFile) error {
	want := "DELETE " + filepath.Base(rel)
	if u.Confirm != want {
		return fmt.Errorf("%w: expected %q", ErrConfirmMissing, want)
	}
	if existing == nil {
		if _, err := os.Lstat(target); err != nil {
			return fmt.Errorf("%w: %s", ErrFileMissing, u.FilePath)
		}
	}

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", u.FilePath, err)
	}
	if existing != nil {
		if err := a.st.DeleteKBFile(domain.ID, rel); err != nil {
			return fmt.Errorf("remove %s from index: %w", rel, err)
		}
	}
	return nil
}

// Patch section markers. Patch content is one or more sections of
//
//	<<<<<<< SEARCH
//	exact current text
//	=======
//	replacement text
//	>>>>>>> REPLACE
//
// Each search text must match the file exactly once.
const (
	patchSearchMark  = "<<<<<<< SEARCH"
	patchDivideMark  = "======="
	patchReplaceMark = ">>>>>>> REPLACE"
)

type patchSection struct {
	search  string
	replace string
}

// applyPatch applies every SEARCH/REPLACE section in order.
func applyPatch(current, patch string) (string, error) {
	sections, err := parsePatch(patch)
	if err != nil {
		return "", err
	}

	out := current
	for _, sec := range sections {
		n := strings.Count(out, sec.search)
		if n != 1 {
			return "", fmt.Errorf("%w: %d matches for %.60q", ErrPatchNoMatch, n, sec.search)
		}
		out = strings.Replace(out, sec.search, sec.replace, 1)
	}
	return out, nil
}

func parsePatch(patch string) ([]patchSection, error) {
	var sections []patchSection
	lines := strings.Split(patch, "\n")

	i := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == "" {
			i++
			continue
		}
		if strings.TrimRight(lines[i], "\r") != patchSearchMark {
			return nil, fmt.Errorf("%w: unexpected line %.60q", ErrPatchFormat, lines[i])
		}
		i++

		var search []string
		for i < len(lines) && strings.TrimRight(lines[i], "\r") != patchDivideMark {
			search = append(search, lines[i])
			i++
		}
		if i >= len(lines) {
			return nil, fmt.Errorf("%w: missing %s", ErrPatchFormat, patchDivideMark)
		}
		i++

		var replace []string
		for i < len(lines) && strings.TrimRight(lines[i], "\r") != patchReplaceMark {
			replace = append(replace, lines[i])
			i++
		}
		if i >= len(lines) {
			return nil, fmt.Errorf("%w: missing %s", ErrPatchFormat, patchReplaceMark)
		}
		i++

		if len(search) == 0 {
			return nil, fmt.Errorf("%w: empty search text", ErrPatchFormat)
		}
		sections = append(sections, patchSection{
			search:  strings.Join(search, "\n"),
			replace: strings.Join(replace, "\n"),
		})
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: no sections", ErrPatchFormat)
	}
	return sections, nil
}
