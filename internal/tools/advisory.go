package tools

import (
	"context"
	"fmt"
)

// AdvisoryRecorder persists typed intelligence records into the domain
// knowledge base. Satisfied by the kb repository.
type AdvisoryRecorder interface {
	RecordAdvisory(ctx context.Context, domainID, title, body, severity string) error
	RecordBrainstorm(ctx context.Context, domainID, topic, body string) error
}

// NewAdvisoryRecordTool captures an advisory the model wants the user
// to see on their next visit to this domain.
func NewAdvisoryRecordTool(domainID string, rec AdvisoryRecorder) *Tool {
	return &Tool{
		Name:        "advisory_record",
		Description: "Record an advisory for the user: a risk, deadline pressure, or recommendation worth surfacing later. Persists to the domain knowledge base.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "One-line summary of the advisory.",
					"minLength":   1,
				},
				"note": map[string]any{
					"type":        "string",
					"description": "The advisory body: what was noticed and what to do about it.",
					"minLength":   1,
				},
				"severity": map[string]any{
					"type":        "string",
					"description": "How urgent this is. Defaults to info.",
					"enum":        []any{"info", "warning", "critical"},
				},
			},
			"required":             []any{"title", "note"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			if rec == nil {
				return ErrorString(PrefixAdvisory, ReasonAccess, "advisory recording is not available in this session."), nil
			}
			title, _ := args["title"].(string)
			note, _ := args["note"].(string)
			severity, _ := args["severity"].(string)
			if severity == "" {
				severity = "info"
			}
			if err := rec.RecordAdvisory(ctx, domainID, title, note, severity); err != nil {
				return integrationResult(PrefixAdvisory, err)
			}
			return fmt.Sprintf("Advisory recorded (%s): %s", severity, title), nil
		},
	}
}

// NewBrainstormCaptureTool stashes raw ideas from a brainstorming
// exchange so they survive the conversation.
func NewBrainstormCaptureTool(domainID string, rec AdvisoryRecorder) *Tool {
	return &Tool{
		Name:        "brainstorm_capture",
		Description: "Capture brainstorm output (ideas, options, tradeoffs) into the domain knowledge base so it is retrievable later.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"topic": map[string]any{
					"type":        "string",
					"description": "What the brainstorm was about.",
					"minLength":   1,
				},
				"ideas": map[string]any{
					"type":        "string",
					"description": "The ideas to keep, one per line.",
					"minLength":   1,
				},
			},
			"required":             []any{"topic", "ideas"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			if rec == nil {
				return ErrorString(PrefixBrainstorm, ReasonAccess, "brainstorm capture is not available in this session."), nil
			}
			topic, _ := args["topic"].(string)
			ideas, _ := args["ideas"].(string)
			if err := rec.RecordBrainstorm(ctx, domainID, topic, ideas); err != nil {
				return integrationResult(PrefixBrainstorm, err)
			}
			return fmt.Sprintf("Brainstorm captured under %q.", topic), nil
		},
	}
}
