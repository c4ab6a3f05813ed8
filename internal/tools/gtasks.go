package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// GTask is one entry in the connected Google Tasks list.
type GTask struct {
	ID    string
	Title string
	Notes string
	Due   time.Time // zero when the task has no due date
	Done  bool
}

// GTasksClient is the task backend behind the gtasks_* tools. Same
// error contract as GmailClient: known failures as *IntegrationError.
type GTasksClient interface {
	List(ctx context.Context, includeCompleted bool) ([]GTask, error)
	Create(ctx context.Context, title, notes string, due time.Time) (*GTask, error)
}

const defaultTaskResults = 20

func gtasksDisconnected() (string, error) {
	return ErrorString(PrefixGTasks, ReasonAccess, "Google Tasks is not connected. Connect Google from settings to use task tools."), nil
}

// NewGTasksListTool lists the user's tasks, open ones first.
func NewGTasksListTool(client GTasksClient) *Tool {
	return &Tool{
		Name:             "gtasks_list",
		Description:      "List tasks from the connected Google Tasks account.",
		RequiresExternal: true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum tasks to return. Defaults to 20.",
					"minimum":     1,
					"maximum":     50,
				},
				"include_completed": map[string]any{
					"type":        "boolean",
					"description": "Also include completed tasks. Defaults to false.",
				},
			},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			if client == nil {
				return gtasksDisconnected()
			}
			maxResults := defaultTaskResults
			if v, ok := args["max_results"].(float64); ok {
				maxResults = int(v)
			}
			includeCompleted, _ := args["include_completed"].(bool)

			tasks, err := client.List(ctx, includeCompleted)
			if err != nil {
				return integrationResult(PrefixGTasks, err)
			}
			if len(tasks) == 0 {
				return "No tasks found.", nil
			}
			if len(tasks) > maxResults {
				tasks = tasks[:maxResults]
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%d task(s):\n", len(tasks))
			for _, t := range tasks {
				mark := " "
				if t.Done {
					mark = "x"
				}
				fmt.Fprintf(&b, "\n[%s] %s", mark, t.Title)
				if !t.Due.IsZero() {
					fmt.Fprintf(&b, " (due %s)", t.Due.Format("2006-01-02"))
				}
				fmt.Fprintf(&b, " [ID %s]\n", t.ID)
				if n := strings.TrimSpace(t.Notes); n != "" {
					fmt.Fprintf(&b, "    Notes: %s\n", n)
				}
			}
			return b.String(), nil
		},
	}
}

// NewGTasksCreateTool adds a task to the user's default list.
func NewGTasksCreateTool(client GTasksClient) *Tool {
	return &Tool{
		Name:             "gtasks_create",
		Description:      "Create a task in the connected Google Tasks account.",
		RequiresExternal: true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short task title.",
					"minLength":   1,
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "Optional longer notes.",
				},
				"due": map[string]any{
					"type":        "string",
					"description": "Optional due date as YYYY-MM-DD.",
				},
			},
			"required":             []any{"title"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			if client == nil {
				return gtasksDisconnected()
			}
			title, _ := args["title"].(string)
			notes, _ := args["notes"].(string)

			var due time.Time
			if raw, ok := args["due"].(string); ok && raw != "" {
				parsed, err := parseDueDate(raw)
				if err != nil {
					return ErrorString(PrefixGTasks, ReasonValidation,
						fmt.Sprintf("could not parse due date %q, expected YYYY-MM-DD", raw)), nil
				}
				due = parsed
			}

			task, err := client.Create(ctx, title, notes, due)
			if err != nil {
				return integrationResult(PrefixGTasks, err)
			}
			out := fmt.Sprintf("Task created: %q (ID %s", task.Title, task.ID)
			if !task.Due.IsZero() {
				out += fmt.Sprintf(", due %s", task.Due.Format("2006-01-02"))
			}
			return out + ").", nil
		},
	}
}

func parseDueDate(raw string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
