package mission

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// Definition is the decoded mission definition blob. Type selects the
// output parser and the prompt framing; the blob itself is hashed
// canonically so any change produces a new definition hash.
type Definition struct {
	Type         string     `json:"type"`
	Goal         string     `json:"goal"`
	Instructions string     `json:"instructions,omitempty"`
	DraftEmail   *DraftSpec `json:"draft_email,omitempty"`
}

// DraftSpec configures the optional draft-email side effect. A non-empty
// recipient queues a draft_email action behind the approval gate.
type DraftSpec struct {
	Recipient     string `json:"recipient"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}

// decodeDefinition parses the stored definition blob.
func decodeDefinition(raw json.RawMessage) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("definition does not decode: %w", err)
	}
	return &def, nil
}

// Output kinds beyond types.OutputKindRaw.
const (
	OutputKindSummary = "summary"
	OutputKindAction  = "action"
	OutputKindEmail   = "email"
)

// Output is one parsed artifact. Content is the JSON the parser built.
type Output struct {
	Kind    string
	Content json.RawMessage
}

// ActionProposal is the content of an action output: one deadline the
// mission wants created externally.
type ActionProposal struct {
	Title string `json:"title"`
	Due   string `json:"due,omitempty"` // YYYY-MM-DD
	Notes string `json:"notes,omitempty"`
}

// EmailProposal is the content of an email output.
type EmailProposal struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SummaryContent is the content of a summary output.
type SummaryContent struct {
	Text string `json:"text"`
}

// Parser turns the raw LLM response of one mission type into typed
// outputs. The raw response is persisted separately before any parser
// runs; parsers only add to it.
type Parser func(raw string, def *Definition) ([]Output, error)

// ParserRegistry maps mission types to their output parsers. Populated
// explicitly at runtime init, never from package init.
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewParserRegistry creates an empty registry.
func NewParserRegistry() *ParserRegistry {
	return &ParserRegistry{parsers: make(map[string]Parser)}
}

// Register adds a parser for one mission type.
func (r *ParserRegistry) Register(missionType string, p Parser) error {
	if missionType == "" || p == nil {
		return fmt.Errorf("parser registration requires a type and a func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.parsers[missionType]; exists {
		return fmt.Errorf("parser for type %q already registered", missionType)
	}
	r.parsers[missionType] = p
	return nil
}

// Get returns the parser for a mission type, or nil.
func (r *ParserRegistry) Get(missionType string) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.parsers[missionType]
}

// Built-in mission types.
const (
	TypeDigest   = "digest"
	TypeReview   = "review"
	TypeOutreach = "outreach"
)

// RegisterDefaultParsers installs the built-in parsers. Called once from
// the runtime init path.
func RegisterDefaultParsers(r *ParserRegistry) error {
	for t, p := range map[string]Parser{
		TypeDigest:   parseDigest,
		TypeReview:   parseReview,
		TypeOutreach: parseOutreach,
	} {
		if err := r.Register(t, p); err != nil {
			return err
		}
	}
	return nil
}

// parseDigest keeps the whole response as one summary. Digest missions
// never propose side effects; stray action blocks are dropped.
func parseDigest(raw string, _ *Definition) ([]Output, error) {
	text := strings.TrimSpace(stripFences(raw, "action", "email"))
	if text == "" {
		return nil, nil
	}
	content, err := json.Marshal(SummaryContent{Text: text})
	if err != nil {
		return nil, err
	}
	return []Output{{Kind: OutputKindSummary, Content: content}}, nil
}

// parseReview lifts fenced action blocks into action outputs and keeps
// the remaining prose as the summary.
func parseReview(raw string, _ *Definition) ([]Output, error) {
	blocks, rest := scanFenced(raw, "action")

	var outputs []Output
	for _, b := range blocks {
		proposal, err := parseActionBlock(b.body)
		if err != nil {
			return nil, fmt.Errorf("action block: %w", err)
		}
		content, err := json.Marshal(proposal)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, Output{Kind: OutputKindAction, Content: content})
	}

	if text := strings.TrimSpace(rest); text != "" {
		content, err := json.Marshal(SummaryContent{Text: text})
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, Output{Kind: OutputKindSummary, Content: content})
	}
	return outputs, nil
}

// parseOutreach handles email missions: one fenced email block becomes
// the email output; action blocks ride along like in reviews.
func parseOutreach(raw string, def *Definition) ([]Output, error) {
	emailBlocks, rest := scanFenced(raw, "email")
	outputs, err := parseReview(rest, def)
	if err != nil {
		return nil, err
	}

	if len(emailBlocks) > 0 {
		// The model occasionally retries the block; the last one is the
		// finished draft.
		prop, err := parseEmailBlock(emailBlocks[len(emailBlocks)-1].body)
		if err != nil {
			return nil, fmt.Errorf("email block: %w", err)
		}
		content, err := json.Marshal(prop)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, Output{Kind: OutputKindEmail, Content: content})
	}
	return outputs, nil
}

// parseActionBlock reads the key: value lines of one action block.
func parseActionBlock(body string) (*ActionProposal, error) {
	p := &ActionProposal{}
	for _, line := range strings.Split(body, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "title":
			p.Title = strings.TrimSpace(v)
		case "due":
			p.Due = strings.TrimSpace(v)
		case "notes":
			p.Notes = strings.TrimSpace(v)
		}
	}
	if p.Title == "" {
		return nil, fmt.Errorf("missing title line")
	}
	return p, nil
}

// parseEmailBlock reads `subject: ...` then a `---` separator, then the
// body text.
func parseEmailBlock(body string) (*EmailProposal, error) {
	p := &EmailProposal{}
	lines := strings.Split(body, "\n")
	bodyStart := len(lines)
	for i, line := range lines {
		if strings.TrimSpace(line) == "---" {
			bodyStart = i + 1
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			if strings.ToLower(strings.TrimSpace(k)) == "subject" {
				p.Subject = strings.TrimSpace(v)
			}
		}
	}
	p.Body = strings.TrimSpace(strings.Join(lines[bodyStart:], "\n"))
	if p.Subject == "" {
		return nil, fmt.Errorf("missing subject line")
	}
	if p.Body == "" {
		return nil, fmt.Errorf("missing body after ---")
	}
	return p, nil
}

type fencedBlock struct {
	tag  string
	body string
}

// scanFenced lifts triple-fenced blocks with the given tags out of text,
// returning the blocks in order and the text with them removed.
// Unterminated blocks are dropped together with their content.
func scanFenced(text string, tags ...string) ([]fencedBlock, string) {
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}

	var blocks []fencedBlock
	var rest []string
	var body []string
	var tag string
	inBlock := false

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		if !inBlock {
			if cand, ok := strings.CutPrefix(trimmed, "```"); ok && want[strings.TrimSpace(cand)] {
				tag = strings.TrimSpace(cand)
				body = body[:0]
				inBlock = true
				continue
			}
			rest = append(rest, line)
			continue
		}

		if trimmed == "```" {
			blocks = append(blocks, fencedBlock{tag: tag, body: strings.Join(body, "\n")})
			inBlock = false
			continue
		}
		body = append(body, line)
	}
	return blocks, strings.Join(rest, "\n")
}

// stripFences removes the given fenced blocks and returns the remainder.
func stripFences(text string, tags ...string) string {
	_, rest := scanFenced(text, tags...)
	return rest
}

// mergeParams overlays caller params onto the schema defaults and returns
// the merged map. Only top-level property defaults participate; nested
// defaults belong to the schema validator's domain, not ours.
func mergeParams(schema json.RawMessage, params map[string]any) map[string]any {
	merged := make(map[string]any, len(params))
	for k, v := range params {
		merged[k] = v
	}
	if len(schema) == 0 {
		return merged
	}

	var doc struct {
		Properties map[string]struct {
			Default any `json:"default"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return merged
	}
	for name, prop := range doc.Properties {
		if _, set := merged[name]; !set && prop.Default != nil {
			merged[name] = prop.Default
		}
	}
	return merged
}

// raw content helpers used when persisting outputs.

func rawContent(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// decodeActionOutputs pulls the ActionProposal rows out of a run's
// outputs in ordinal order.
func decodeActionOutputs(outputs []*types.MissionOutput) []*ActionProposal {
	var proposals []*ActionProposal
	for _, o := range outputs {
		if o.Kind != OutputKindAction {
			continue
		}
		var p ActionProposal
		if err := json.Unmarshal(o.Content, &p); err != nil {
			continue
		}
		proposals = append(proposals, &p)
	}
	return proposals
}

// decodeEmailOutput returns the run's email output, if any.
func decodeEmailOutput(outputs []*types.MissionOutput) *EmailProposal {
	for _, o := range outputs {
		if o.Kind != OutputKindEmail {
			continue
		}
		var p EmailProposal
		if err := json.Unmarshal(o.Content, &p); err != nil {
			continue
		}
		return &p
	}
	return nil
}
