// Package tools provides the tool registry and executors the chat loop and
// mission runner expose to the LLM.
//
// Every tool declares a JSON-Schema for its arguments; the schema is
// compiled at registration and arguments are validated before the executor
// runs. Executors return domain failures (a disconnected mailbox, a missing
// message) as prefixed result strings so the model can read them and react;
// only unexpected failures surface as Go errors.
package tools

import (
	"context"
	"fmt"
)

// ExecuteFunc runs a tool against validated arguments.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool defines one callable tool.
type Tool struct {
	// Name is the unique identifier the LLM calls the tool by.
	Name string

	// Description is surfaced to the LLM in the tool listing.
	Description string

	// InputSchema is the JSON-Schema for the arguments, in the shape the
	// providers receive it.
	InputSchema map[string]any

	// Execute runs the tool.
	Execute ExecuteFunc

	// RequiresExternal marks tools that touch external integrations;
	// they are withheld from domains that disallow them.
	RequiresExternal bool
}

// Validate checks the tool definition.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	if t.InputSchema == nil {
		return ErrToolSchemaNil
	}
	return nil
}

// ToolResult wraps one execution with metadata.
type ToolResult struct {
	ToolName   string
	Result     string
	Error      error
	DurationMs int64
}

// IsSuccess reports whether the tool executed without error.
func (r *ToolResult) IsSuccess() bool {
	return r.Error == nil
}

// =============================================================================
// PREFIXED TOOL ERRORS
// =============================================================================

// Error prefixes for tool-result strings the LLM reads.
const (
	PrefixGmail      = "GMAIL_ERROR"
	PrefixGTasks     = "GTASKS_ERROR"
	PrefixAdvisory   = "ADVISORY_ERROR"
	PrefixBrainstorm = "BRAINSTORM_ERROR"
	PrefixTool       = "TOOL_ERROR"
)

// Sub-reasons carried after the prefix.
const (
	ReasonValidation   = "validation"
	ReasonRateLimited  = "rate_limited"
	ReasonInsufficient = "insufficient_permissions"
	ReasonForbidden    = "forbidden"
	ReasonInvalidGrant = "invalid_grant"
	ReasonNotFound     = "not_found"
	ReasonAccess       = "access"
	ReasonExecutor     = "executor"
)

// ErrorString formats a prefixed tool-result error line.
func ErrorString(prefix, reason, message string) string {
	return fmt.Sprintf("%s: %s — %s", prefix, reason, message)
}

// IntegrationError is returned by gmail/gtasks clients when the failure has
// a stable sub-reason worth showing to the LLM.
type IntegrationError struct {
	Reason  string
	Message string
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}
