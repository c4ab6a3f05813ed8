package kb

import (
	"context"
	"fmt"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// AdvisoryArmer arms the advisory pin for a domain after an advisory
// record lands. Satisfied by the chat pin table.
type AdvisoryArmer interface {
	ArmAdvisory(domainID string)
}

// Pipeline runs parsed blocks from LLM output through their handlers:
// KB updates through the applier, typed records through the recorder.
type Pipeline struct {
	applier  *Applier
	recorder *Recorder
	pins     AdvisoryArmer // may be nil
}

// NewPipeline builds the block pipeline.
func NewPipeline(applier *Applier, recorder *Recorder, pins AdvisoryArmer) *Pipeline {
	return &Pipeline{applier: applier, recorder: recorder, pins: pins}
}

// BlockResult reports what happened to one block.
type BlockResult struct {
	Kind    BlockKind
	Summary string
	Err     error
}

// Stopped reports whether any result is a stop block, with its reason.
func Stopped(results []BlockResult) (string, bool) {
	for _, r := range results {
		if r.Kind == BlockStop && r.Err == nil {
			return r.Summary, true
		}
	}
	return "", false
}

// ProcessText parses text and dispatches every recognized block. Parse
// errors and per-block failures land in the results; the text itself is
// never a failure.
func (p *Pipeline) ProcessText(ctx context.Context, domain *types.Domain, text string) []BlockResult {
	blocks, errs := ParseBlocks(text)
	results := make([]BlockResult, 0, len(blocks)+len(errs))
	for _, err := range errs {
		results = append(results, BlockResult{Kind: BlockUnrecognized, Err: err})
	}
	for i := range blocks {
		results = append(results, p.dispatch(ctx, domain, &blocks[i]))
	}
	return results
}

func (p *Pipeline) dispatch(ctx context.Context, domain *types.Domain, b *ParsedBlock) BlockResult {
	res := BlockResult{Kind: b.Kind}
	switch b.Kind {
	case BlockKBUpdate:
		out := p.applier.Apply(domain, b.KBUpdate)
		res.Summary = fmt.Sprintf("%s %s", out.Action, out.FilePath)
		res.Err = out.Err
	case BlockDecision:
		res.Summary = b.Decision.Title
		res.Err = p.recorder.RecordDecision(ctx, domain.ID, b.Decision)
	case BlockGapFlag:
		res.Summary = b.GapFlag.Topic
		res.Err = p.recorder.RecordGapFlag(ctx, domain.ID, b.GapFlag)
	case BlockAdvisory:
		res.Summary = b.Advisory.Title
		res.Err = p.recorder.RecordAdvisory(ctx, domain.ID, b.Advisory.Title, b.Advisory.Note, b.Advisory.Severity)
		if res.Err == nil && p.pins != nil {
			p.pins.ArmAdvisory(domain.ID)
		}
	case BlockStop:
		res.Summary = b.Stop.Reason
		logging.KB("Stop block in domain %s: %s", domain.Name, b.Stop.Reason)
	default:
		res.Summary = b.Tag
	}
	return res
}
