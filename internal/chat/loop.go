package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/provider"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/tools"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// skippedResult pairs tool calls beyond the per-round cap with a
// synthetic result so every call has a matching transcript entry.
const skippedResult = "[Skipped: per-round tool call limit reached]"

// System suffixes for the forced final completion.
const (
	maxRoundsSuffix    = "Tool loop reached max rounds. Respond with best available info using tool results already obtained."
	oversizeSuffix     = "The conversation transcript has reached its size limit. Answer now using the material already gathered; do not request more tool calls."
	continuationSuffix = "Your previous response was cut off by the output token limit. Provide the complete final answer now, as concisely as possible."
)

// StreamFunc receives user-visible output chunks as they become
// available. Tool rounds are non-streaming; the final text is replayed
// through this on paragraph boundaries.
type StreamFunc func(chunk string)

// ToolExecutor is the slice of the tool registry the loop depends on.
type ToolExecutor interface {
	Definitions(allowExternal bool) []types.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) (*tools.ToolResult, error)
}

// LoopRequest is one chat turn: the full prior transcript plus the
// latest user message, already appended.
type LoopRequest struct {
	System        string
	Messages      []types.ChatMessage
	AllowExternal bool
	MaxTokens     int
	Stream        StreamFunc
}

// TurnResult reports what a turn produced. Appended holds the messages
// created during the turn (assistant and tool entries, in order) for the
// caller to persist; ephemeral injections are never included. Usage sums
// the token counts of every completion in the turn (streamed plain-path
// completions report none). StopReason is filled in after the loop, when
// block processing finds the assistant raised a stop block.
type TurnResult struct {
	Text          string
	Cancelled     bool
	Rounds        int
	ToolsExecuted []string
	Appended      []types.ChatMessage
	Usage         types.Usage
	StopReason    string
}

// Loop drives one provider through tool rounds until it produces a
// final answer, enforcing the transcript, safety, and budget rules.
type Loop struct {
	client   provider.Client
	registry ToolExecutor
	caps     *CapabilityCache
	cfg      config.ChatConfig
}

// NewLoop builds a tool loop over one provider endpoint.
func NewLoop(client provider.Client, registry ToolExecutor, caps *CapabilityCache, cfg config.ChatConfig) *Loop {
	return &Loop{client: client, registry: registry, caps: caps, cfg: cfg}
}

// Run executes one chat turn.
//
// Round shape: non-streaming tool-use completion, append the assistant
// message, then either finish (pseudo-streaming the text) or execute the
// returned tool calls in provider order and go again. Four cancellation
// checkpoints per round; on cancel the last assistant text is returned
// with Cancelled set and no further output is emitted.
func (l *Loop) Run(ctx context.Context, req LoopRequest) (*TurnResult, error) {
	key := CapabilityKey(l.client.Name(), l.client.Model(), l.client.BaseURL())
	res := &TurnResult{}

	working := SynthesizeHistory(l.client, req.Messages)
	defs := l.registry.Definitions(req.AllowExternal)

	if len(defs) == 0 || l.caps.State(key) == CapabilityNotSupported {
		return l.runPlain(ctx, req, working, res)
	}

	if HasStaleToolClaims(working) {
		names := make([]string, len(defs))
		for i, d := range defs {
			names[i] = d.Name
		}
		working = InjectStaleClaimNote(working, StaleClaimNote(names))
		logging.ChatDebug("Stale tool-access claims detected, injected ephemeral correction")
	}

	// Message IDs surfaced by gmail_search this turn; gmail_read may
	// only touch these.
	allowedGmailIDs := make(map[string]bool)
	maxTokensStreak := 0

	for round := 1; round <= l.cfg.MaxToolRounds; round++ {
		res.Rounds = round

		// Checkpoint 1: top of round.
		if ctx.Err() != nil {
			return l.cancelled(working, res), nil
		}

		if err := ValidateTranscript(working); err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}

		completion, err := l.client.CompleteWithTools(ctx, provider.Request{
			System:    req.System,
			Messages:  working,
			Tools:     cloneDefinitions(defs),
			MaxTokens: req.MaxTokens,
		})
		if err != nil {
			if errors.Is(err, provider.ErrToolsNotSupported) {
				l.caps.MarkNotSupported(key)
				return l.runPlain(ctx, req, working, res)
			}
			return nil, fmt.Errorf("tool round %d: %w", round, err)
		}

		res.Usage.InputTokens += completion.Usage.InputTokens
		res.Usage.OutputTokens += completion.Usage.OutputTokens

		asst := types.AssistantMessage(completion.RawMessage, completion.Text)
		working = append(working, asst)
		res.Appended = append(res.Appended, asst)

		// Checkpoint 2: after the completion.
		if ctx.Err() != nil {
			return l.cancelled(working, res), nil
		}

		noCalls := len(completion.ToolCalls) == 0

		if completion.StopReason == types.StopMaxTokens {
			maxTokensStreak++
			if noCalls || maxTokensStreak >= 2 {
				return l.finishWith(ctx, req, working, res, continuationSuffix)
			}
			// Cut off mid-answer but tool calls were emitted: run them
			// and give the model another round.
		} else {
			maxTokensStreak = 0

			if completion.StopReason != types.StopToolUse || noCalls {
				if completion.StopReason == types.StopEndTurn && noCalls {
					l.caps.ObserveNoToolCalls(key)
				}
				res.Text = completion.Text
				pseudoStream(req.Stream, completion.Text)
				return res, nil
			}
		}

		for i, call := range completion.ToolCalls {
			if i >= l.cfg.MaxCallsPerRound {
				l.appendToolResult(&working, res, call, skippedResult)
				continue
			}

			// Checkpoint 3: before each tool.
			if ctx.Err() != nil {
				return l.cancelled(working, res), nil
			}

			content := l.executeCall(ctx, call, allowedGmailIDs, key, res)
			l.appendToolResult(&working, res, call, content)

			// Checkpoint 4: after each tool.
			if ctx.Err() != nil {
				return l.cancelled(working, res), nil
			}
		}

		if size := TranscriptBytes(working); size > l.cfg.MaxTranscriptBytes {
			logging.ChatWarn("Transcript at %d bytes exceeds budget %d, forcing final answer", size, l.cfg.MaxTranscriptBytes)
			return l.finishWith(ctx, req, working, res, oversizeSuffix)
		}
	}

	return l.finishWith(ctx, req, working, res, maxRoundsSuffix)
}

// executeCall runs one tool call and returns the sanitized, truncated
// result content. A result string always comes back, never an error.
func (l *Loop) executeCall(ctx context.Context, call types.ToolCall, allowedGmailIDs map[string]bool, key string, res *TurnResult) string {
	if call.Name == "gmail_read" {
		id, _ := call.Input["message_id"].(string)
		if !allowedGmailIDs[id] {
			logging.ChatWarn("Blocked gmail_read of message %q: not in this turn's search results", id)
			return tools.ErrorString(tools.PrefixGmail, tools.ReasonAccess, "Message ID not found in recent search results. Run gmail_search first.")
		}
	}

	var content string
	tr, err := l.registry.Execute(ctx, call.Name, call.Input)
	if err != nil {
		content = tools.ErrorString(tools.PrefixTool, tools.ReasonExecutor, err.Error())
	} else {
		content = tr.Result
		l.caps.MarkSupported(key)
		res.ToolsExecuted = append(res.ToolsExecuted, call.Name)

		if call.Name == "gmail_search" {
			for _, id := range tools.ExtractMessageIDs(content) {
				allowedGmailIDs[id] = true
			}
		}
	}

	return TruncateResult(SanitizeSecrets(content), l.cfg.MaxToolResultBytes)
}

func (l *Loop) appendToolResult(working *[]types.ChatMessage, res *TurnResult, call types.ToolCall, content string) {
	msg := types.ToolMessage(call.ID, call.Name, content)
	*working = append(*working, msg)
	res.Appended = append(res.Appended, msg)
}

// finishWith forces a final non-streaming completion over the flattened
// transcript with an instruction suffix appended to the system prompt.
func (l *Loop) finishWith(ctx context.Context, req LoopRequest, working []types.ChatMessage, res *TurnResult, suffix string) (*TurnResult, error) {
	if ctx.Err() != nil {
		return l.cancelled(working, res), nil
	}

	completion, err := l.client.Complete(ctx, provider.Request{
		System:    strings.TrimSpace(req.System + "\n\n" + suffix),
		Messages:  FlattenTranscript(working),
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("final completion: %w", err)
	}
	res.Usage.InputTokens += completion.Usage.InputTokens
	res.Usage.OutputTokens += completion.Usage.OutputTokens

	raw := completion.RawMessage
	if len(raw) == 0 {
		raw = l.client.SynthesizeAssistantRaw(completion.Text)
	}
	asst := types.AssistantMessage(raw, completion.Text)
	res.Appended = append(res.Appended, asst)
	res.Text = completion.Text
	pseudoStream(req.Stream, completion.Text)
	return res, nil
}

// runPlain is the no-tools path: stream the completion over the
// flattened transcript straight to the sink.
func (l *Loop) runPlain(ctx context.Context, req LoopRequest, working []types.ChatMessage, res *TurnResult) (*TurnResult, error) {
	if err := ValidateTranscript(working); err != nil {
		return nil, err
	}

	chunks, errs := l.client.Stream(ctx, provider.Request{
		System:    req.System,
		Messages:  FlattenTranscript(working),
		MaxTokens: req.MaxTokens,
	})

	var b strings.Builder
	for chunk := range chunks {
		b.WriteString(chunk)
		if req.Stream != nil {
			req.Stream(chunk)
		}
	}
	if err := <-errs; err != nil {
		if ctx.Err() != nil {
			res.Cancelled = true
			res.Text = b.String()
			return res, nil
		}
		return nil, fmt.Errorf("stream: %w", err)
	}

	res.Text = b.String()
	asst := types.AssistantMessage(l.client.SynthesizeAssistantRaw(res.Text), res.Text)
	res.Appended = append(res.Appended, asst)
	return res, nil
}

// cancelled finalizes a turn cut short: the last assistant text is
// returned, Cancelled is set, and nothing further reaches the sink.
func (l *Loop) cancelled(working []types.ChatMessage, res *TurnResult) *TurnResult {
	res.Cancelled = true
	for i := len(working) - 1; i >= 0; i-- {
		if working[i].Role == types.RoleAssistant {
			res.Text = working[i].Content
			break
		}
	}
	return res
}

// pseudoStream replays final text to the sink on paragraph boundaries,
// so tool-round answers surface the same way streamed ones do.
func pseudoStream(stream StreamFunc, text string) {
	if stream == nil || text == "" {
		return
	}
	for _, part := range strings.SplitAfter(text, "\n\n") {
		if part != "" {
			stream(part)
		}
	}
}

// cloneDefinitions deep-copies tool schemas; adapters may mutate what
// they receive.
func cloneDefinitions(defs []types.ToolDefinition) []types.ToolDefinition {
	out := make([]types.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = types.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.CloneSchema(),
		}
	}
	return out
}
