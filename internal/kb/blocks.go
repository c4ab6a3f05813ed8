// Package kb handles knowledge-base writes proposed by the LLM: fenced
// proposal blocks are parsed into typed variants, validated against tier
// and path-safety rules, and applied to the domain's KB root. Typed
// records (decisions, gap flags, advisories, brainstorms) append to
// intelligence-tier files; the KB itself is their repository.
package kb

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// BlockKind tags a parsed fenced block.
type BlockKind string

const (
	BlockKBUpdate     BlockKind = "kb-update"
	BlockDecision     BlockKind = "decision"
	BlockGapFlag      BlockKind = "gap-flag"
	BlockStop         BlockKind = "stop"
	BlockAdvisory     BlockKind = "advisory"
	BlockUnrecognized BlockKind = "unrecognized"
)

// KBUpdate proposes one file write. Content is everything after the `---`
// separator; header fields come from the lines before it.
type KBUpdate struct {
	FilePath  string // file: relative to the KB root
	Action    string // action: create | update | delete
	Tier      types.KBTier
	Mode      types.WriteMode
	Basis     string // basis: what evidence motivated the change
	Reasoning string
	Confirm   string // confirm: DELETE <filename>, required for deletes
	Content   string
}

// Decision records a choice the user (or the model on their behalf) made.
type Decision struct {
	Title     string
	Decision  string
	Reasoning string
}

// GapFlag marks missing or contradictory knowledge worth chasing.
type GapFlag struct {
	Topic    string
	Severity string // info | warning | critical
	Detail   string
}

// StopBlock asks the caller to halt further automated action.
type StopBlock struct {
	Reason string
}

// Advisory surfaces a risk or recommendation for the user's next visit.
type Advisory struct {
	Title    string
	Severity string // info | warning | critical
	Note     string
}

// ParsedBlock is one fenced block lifted from LLM output. Exactly one of
// the variant pointers is set, matching Kind; unrecognized tags keep the
// raw body so callers can forward what they do not understand.
type ParsedBlock struct {
	Kind     BlockKind
	KBUpdate *KBUpdate
	Decision *Decision
	GapFlag  *GapFlag
	Stop     *StopBlock
	Advisory *Advisory

	Tag string // the fence tag as written
	Raw string // body text, verbatim
}

// blockTags maps fence tags to kinds. Tags outside this map parse as
// unrecognized, never as errors.
var blockTags = map[string]BlockKind{
	"kb-update": BlockKBUpdate,
	"decision":  BlockDecision,
	"gap-flag":  BlockGapFlag,
	"stop":      BlockStop,
	"advisory":  BlockAdvisory,
}

// ParseBlocks scans text for triple-fenced blocks with a known tag and
// parses each into its typed variant. Malformed known-tag blocks are
// returned as errors alongside the blocks that did parse; plain code
// fences (``` with no tag, or tags like ```json) are ignored entirely.
func ParseBlocks(text string) ([]ParsedBlock, []error) {
	var blocks []ParsedBlock
	var errs []error

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var tag string
	var body []string
	inBlock := false

	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		if !inBlock {
			if rest, ok := strings.CutPrefix(trimmed, "```"); ok && rest != "" {
				candidate := strings.TrimSpace(rest)
				if _, known := blockTags[candidate]; known {
					tag = candidate
					body = body[:0]
					inBlock = true
				}
			}
			continue
		}

		if trimmed == "```" {
			raw := strings.Join(body, "\n")
			block, err := parseTagged(tag, raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s block: %w", tag, err))
			} else {
				blocks = append(blocks, block)
			}
			inBlock = false
			continue
		}
		body = append(body, line)
	}
	// An unterminated block is dropped: the model was cut off mid-answer
	// and the proposal cannot be trusted.

	return blocks, errs
}

// parseTagged dispatches on the fence tag.
func parseTagged(tag, raw string) (ParsedBlock, error) {
	block := ParsedBlock{Kind: blockTags[tag], Tag: tag, Raw: raw}
	switch block.Kind {
	case BlockKBUpdate:
		u, err := parseKBUpdate(raw)
		if err != nil {
			return block, err
		}
		block.KBUpdate = u
	case BlockDecision:
		fields := parseHeaderFields(raw)
		d := &Decision{
			Title:     fields["title"],
			Decision:  fields["decision"],
			Reasoning: fields["reasoning"],
		}
		if d.Title == "" && d.Decision == "" {
			return block, fmt.Errorf("requires a title or decision line")
		}
		block.Decision = d
	case BlockGapFlag:
		fields := parseHeaderFields(raw)
		g := &GapFlag{
			Topic:    fields["topic"],
			Severity: normalizeSeverity(fields["severity"]),
			Detail:   fields["detail"],
		}
		if g.Topic == "" {
			return block, fmt.Errorf("requires a topic line")
		}
		block.GapFlag = g
	case BlockStop:
		fields := parseHeaderFields(raw)
		reason := fields["reason"]
		if reason == "" {
			reason = strings.TrimSpace(raw)
		}
		block.Stop = &StopBlock{Reason: reason}
	case BlockAdvisory:
		fields := parseHeaderFields(raw)
		a := &Advisory{
			Title:    fields["title"],
			Severity: normalizeSeverity(fields["severity"]),
			Note:     fields["note"],
		}
		if a.Title == "" {
			return block, fmt.Errorf("requires a title line")
		}
		block.Advisory = a
	default:
		block.Kind = BlockUnrecognized
	}
	return block, nil
}

// parseKBUpdate splits the header from the content at the first `---`
// line and reads `key: value` header fields.
func parseKBUpdate(raw string) (*KBUpdate, error) {
	header, content, found := cutAtSeparator(raw)
	u := &KBUpdate{Content: content}

	fields := parseHeaderFields(header)
	u.FilePath = fields["file"]
	u.Action = strings.ToLower(fields["action"])
	u.Tier = types.KBTier(strings.ToLower(fields["tier"]))
	u.Mode = types.WriteMode(strings.ToLower(fields["mode"]))
	u.Basis = fields["basis"]
	u.Reasoning = fields["reasoning"]
	u.Confirm = fields["confirm"]

	if u.FilePath == "" {
		return nil, fmt.Errorf("missing file: header")
	}
	switch u.Action {
	case "create", "update":
		if !found {
			return nil, fmt.Errorf("missing --- separator before content")
		}
		if u.Mode == "" {
			return nil, fmt.Errorf("missing mode: header")
		}
		if !u.Mode.Valid() {
			return nil, fmt.Errorf("unknown mode %q", u.Mode)
		}
	case "delete":
		// Deletes carry no content; the separator is optional.
	case "":
		return nil, fmt.Errorf("missing action: header")
	default:
		return nil, fmt.Errorf("unknown action %q", u.Action)
	}
	if u.Tier != "" && !u.Tier.Valid() {
		return nil, fmt.Errorf("unknown tier %q", u.Tier)
	}
	return u, nil
}

// cutAtSeparator splits at the first line that is exactly `---`.
func cutAtSeparator(raw string) (header, content string, found bool) {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "---" {
			return strings.Join(lines[:i], "\n"), strings.Join(lines[i+1:], "\n"), true
		}
	}
	return raw, "", false
}

// parseHeaderFields reads `key: value` lines. Later duplicates win; keys
// are lowercased; unknown keys are kept so variants can pick what they
// need.
func parseHeaderFields(header string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(header, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" || strings.ContainsAny(key, " \t") {
			continue // prose line with a colon, not a header field
		}
		fields[key] = strings.TrimSpace(v)
	}
	return fields
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning":
		return "warning"
	case "critical":
		return "critical"
	default:
		return "info"
	}
}
