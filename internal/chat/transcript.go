package chat

import (
	"fmt"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/provider"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// ValidateTranscript checks the role contracts before every provider
// call: assistants must carry their raw provider message, tool results
// must be fully attributed. A violation fails the round fast with a
// position diagnostic instead of letting the provider reject opaquely.
func ValidateTranscript(messages []types.ChatMessage) error {
	for i, m := range messages {
		switch m.Role {
		case types.RoleUser:
			// no structural constraints
		case types.RoleAssistant:
			if len(m.RawMessage) == 0 {
				return fmt.Errorf("transcript[%d]: assistant message has no raw provider message", i)
			}
		case types.RoleTool:
			if m.ToolCallID == "" {
				return fmt.Errorf("transcript[%d]: tool message has no tool_call_id", i)
			}
			if m.ToolName == "" {
				return fmt.Errorf("transcript[%d]: tool message has no tool_name", i)
			}
		default:
			return fmt.Errorf("transcript[%d]: unknown role %q", i, m.Role)
		}
	}
	return nil
}

// FlattenTranscript converts a tool-bearing transcript into the plain
// user/assistant form for providers running without tools. The mapping
// is deterministic and never merges adjacent messages.
func FlattenTranscript(messages []types.ChatMessage) []types.ChatMessage {
	out := make([]types.ChatMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case types.RoleUser:
			out = append(out, types.UserMessage(m.Content))
		case types.RoleAssistant:
			out = append(out, types.ChatMessage{Role: types.RoleAssistant, Content: m.Content})
		case types.RoleTool:
			out = append(out, types.UserMessage(fmt.Sprintf("[Tool result (%s): %s]", m.ToolName, m.Content)))
		}
	}
	return out
}

// TranscriptBytes measures the cumulative transcript size the loop
// budgets against: visible content plus raw provider payloads.
func TranscriptBytes(messages []types.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) + len(m.RawMessage)
	}
	return total
}

// SynthesizeHistory backfills raw provider messages onto assistant turns
// that predate tool support, so the transcript validates and round-trips.
// Returns a copy; stored history is never mutated.
func SynthesizeHistory(client provider.Client, messages []types.ChatMessage) []types.ChatMessage {
	out := make([]types.ChatMessage, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Role == types.RoleAssistant && len(out[i].RawMessage) == 0 {
			out[i].RawMessage = client.SynthesizeAssistantRaw(out[i].Content)
		}
	}
	return out
}
