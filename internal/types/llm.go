package types

import (
	"encoding/json"
)

// =============================================================================
// LLM WIRE TYPES
// =============================================================================

// StopReason is the provider's normalized reason for ending a completion.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ToolDefinition describes a tool the LLM may invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"` // JSON Schema for the arguments
}

// CloneSchema returns a deep copy of the input schema. Adapters may mutate
// the schema they receive, so the loop always hands them a clone.
func (d ToolDefinition) CloneSchema() map[string]any {
	if d.InputSchema == nil {
		return nil
	}
	return cloneJSONMap(d.InputSchema)
}

func cloneJSONMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneJSONValue(v)
	}
	return out
}

func cloneJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneJSONMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneJSONValue(e)
		}
		return out
	default:
		// Scalars (string, float64, bool, nil) are immutable.
		return v
	}
}

// ToolCall is a tool invocation requested by the LLM.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Usage captures token counts reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is a provider response normalized across vendors.
//
// RawMessage is the provider's native assistant message, serialized exactly
// as received. The tool loop stores it on the transcript and hands it back
// on the next round so the provider can round-trip its own format; nothing
// outside the adapter may interpret it.
type Completion struct {
	Text       string          `json:"text"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	StopReason StopReason      `json:"stop_reason"`
	RawMessage json.RawMessage `json:"raw_message,omitempty"`
	Usage      Usage           `json:"usage"`
}
