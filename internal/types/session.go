package types

import (
	"encoding/json"
	"time"
)

// =============================================================================
// CHAT SESSIONS
// =============================================================================

// Session is an ordered chat conversation scoped to one domain.
type Session struct {
	ID        string    `json:"id"`
	DomainID  string    `json:"domain_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatRole identifies who produced a transcript message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleTool      ChatRole = "tool"
)

// ChatMessage is one transcript entry. The same shape serves both the
// persisted message log and the in-flight tool-loop transcript (ephemeral
// entries simply have no ID or SessionID).
//
// Exactly one role-specific contract applies:
//   - user: Content holds the user text.
//   - assistant: RawMessage holds the provider's source-of-truth message
//     object (opaque to the loop, round-tripped verbatim); Content holds the
//     derived display text.
//   - tool: ToolCallID, ToolName, and Content are all required.
type ChatMessage struct {
	ID         string          `json:"id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Role       ChatRole        `json:"role"`
	Content    string          `json:"content"`
	RawMessage json.RawMessage `json:"raw_message,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// UserMessage builds a transcript user entry.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// AssistantMessage builds a transcript assistant entry from the provider's
// raw message and its derived display text.
func AssistantMessage(raw json.RawMessage, derivedText string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, RawMessage: raw, Content: derivedText}
}

// ToolMessage builds a transcript tool-result entry.
func ToolMessage(callID, toolName, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, ToolCallID: callID, ToolName: toolName, Content: content}
}

// ConversationSummary is the heuristic rolling digest kept per session:
// at most 1600 chars across five labeled sections (PROFILE, DECISIONS,
// OPEN LOOPS, PREFERENCES, RECENT).
type ConversationSummary struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Content      string    `json:"content"`
	MessageCount int       `json:"message_count"` // messages covered by this digest
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SummaryMaxChars caps the rolling conversation digest.
const SummaryMaxChars = 1600
