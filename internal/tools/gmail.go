package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// GmailMessage is the slice of a mail message the tools surface to the
// model. Body is only populated by Read.
type GmailMessage struct {
	ID      string
	From    string
	To      string
	Subject string
	Date    time.Time
	Snippet string
	Body    string
}

// GmailClient is the mail backend behind the gmail_* tools. Known
// integration failures (expired grant, missing scope, rate limits)
// should be returned as *IntegrationError so the model sees a readable
// GMAIL_ERROR string instead of a dead tool round.
type GmailClient interface {
	Search(ctx context.Context, query string, maxResults int) ([]GmailMessage, error)
	Read(ctx context.Context, messageID string) (*GmailMessage, error)
	CreateDraft(ctx context.Context, to, subject, body string) (string, error)
}

const defaultGmailResults = 10

// messageIDLine matches the ID lines gmail_search emits. The chat loop
// harvests these to decide which messages gmail_read may touch.
var messageIDLine = regexp.MustCompile(`(?m)^Message ID: (\S+)$`)

// ExtractMessageIDs pulls the message IDs out of a gmail_search result.
func ExtractMessageIDs(searchOutput string) []string {
	var ids []string
	for _, m := range messageIDLine.FindAllStringSubmatch(searchOutput, -1) {
		ids = append(ids, m[1])
	}
	return ids
}

// integrationResult renders a known integration failure as a prefixed
// result string the model can read and react to. Anything else passes
// through as a real error for the loop to wrap.
func integrationResult(prefix string, err error) (string, error) {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return ErrorString(prefix, ie.Reason, ie.Message), nil
	}
	return "", err
}

func gmailDisconnected() (string, error) {
	return ErrorString(PrefixGmail, ReasonAccess, "Gmail is not connected. Connect Google from settings to use mail tools."), nil
}

// NewGmailSearchTool lists matching messages. Every hit carries a
// stable "Message ID:" line so follow-up reads can be verified.
func NewGmailSearchTool(client GmailClient) *Tool {
	return &Tool{
		Name:             "gmail_search",
		Description:      "Search the connected Gmail account. Supports Gmail query syntax (from:, subject:, newer_than:). Returns message IDs for use with gmail_read.",
		RequiresExternal: true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Gmail search query, e.g. \"from:billing newer_than:7d\".",
					"minLength":   1,
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum messages to return. Defaults to 10.",
					"minimum":     1,
					"maximum":     25,
				},
			},
			"required":             []any{"query"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			if client == nil {
				return gmailDisconnected()
			}
			query, _ := args["query"].(string)
			maxResults := defaultGmailResults
			if v, ok := args["max_results"].(float64); ok {
				maxResults = int(v)
			}
			msgs, err := client.Search(ctx, query, maxResults)
			if err != nil {
				return integrationResult(PrefixGmail, err)
			}
			if len(msgs) == 0 {
				return fmt.Sprintf("No messages matched %q.", query), nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Found %d message(s) for %q:\n", len(msgs), query)
			for _, m := range msgs {
				fmt.Fprintf(&b, "\nMessage ID: %s\nFrom: %s\nSubject: %s\nDate: %s\n",
					m.ID, m.From, m.Subject, m.Date.Format("2006-01-02 15:04"))
				if s := strings.TrimSpace(m.Snippet); s != "" {
					fmt.Fprintf(&b, "Snippet: %s\n", s)
				}
			}
			return b.String(), nil
		},
	}
}

// NewGmailReadTool returns the full body of one message.
func NewGmailReadTool(client GmailClient) *Tool {
	return &Tool{
		Name:             "gmail_read",
		Description:      "Read the full body of one message found by gmail_search. Takes the exact Message ID from the search results.",
		RequiresExternal: true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message_id": map[string]any{
					"type":        "string",
					"description": "Message ID exactly as returned by gmail_search.",
					"minLength":   1,
				},
			},
			"required":             []any{"message_id"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			if client == nil {
				return gmailDisconnected()
			}
			id, _ := args["message_id"].(string)
			m, err := client.Read(ctx, id)
			if err != nil {
				return integrationResult(PrefixGmail, err)
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Message ID: %s\nFrom: %s\n", m.ID, m.From)
			if m.To != "" {
				fmt.Fprintf(&b, "To: %s\n", m.To)
			}
			fmt.Fprintf(&b, "Subject: %s\nDate: %s\n\n%s\n",
				m.Subject, m.Date.Format("2006-01-02 15:04"), strings.TrimSpace(m.Body))
			return b.String(), nil
		},
	}
}

// NewGmailDraftTool creates a draft in the connected account. Drafts
// are never sent from here; the user reviews them in their own client.
func NewGmailDraftTool(client GmailClient) *Tool {
	return &Tool{
		Name:             "gmail_draft",
		Description:      "Create a Gmail draft (never sends). The user reviews and sends it themselves.",
		RequiresExternal: true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "string",
					"description": "Recipient email address.",
					"minLength":   3,
				},
				"subject": map[string]any{
					"type":        "string",
					"description": "Draft subject line.",
					"minLength":   1,
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Plain text draft body.",
					"minLength":   1,
				},
			},
			"required":             []any{"to", "subject", "body"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			if client == nil {
				return gmailDisconnected()
			}
			to, _ := args["to"].(string)
			subject, _ := args["subject"].(string)
			body, _ := args["body"].(string)
			draftID, err := client.CreateDraft(ctx, to, subject, body)
			if err != nil {
				return integrationResult(PrefixGmail, err)
			}
			return fmt.Sprintf("Draft %s created for %s with subject %q. Nothing was sent.", draftID, to, subject), nil
		},
	}
}
