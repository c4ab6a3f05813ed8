package kb

import (
	"strings"
	"testing"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

func TestParseBlocksKBUpdate(t *testing.T) {
	text := "Here is what I propose:\n" +
		"```kb-update\n" +
		"file: notes/standup.md\n" +
		"action: create\n" +
		"tier: status\n" +
		"mode: full\n" +
		"basis: user message from today\n" +
		"reasoning: standup notes requested\n" +
		"---\n" +
		"# Standup\n" +
		"- shipped the importer\n" +
		"```\n" +
		"Let me know if that works.\n"

	blocks, errs := ParseBlocks(text)
	if len(errs) != 0 {
		t.Fatalf("Expected no errors, got %v", errs)
	}
	if len(blocks) != 1 {
		t.Fatalf("Expected 1 block, got %d", len(blocks))
	}

	u := blocks[0].KBUpdate
	if blocks[0].Kind != BlockKBUpdate || u == nil {
		t.Fatalf("Expected a kb-update block, got %+v", blocks[0])
	}
	if u.FilePath != "notes/standup.md" {
		t.Errorf("Expected file notes/standup.md, got %q", u.FilePath)
	}
	if u.Action != "create" || u.Tier != types.TierStatus || u.Mode != types.WriteFull {
		t.Errorf("Header fields wrong: %+v", u)
	}
	if u.Basis != "user message from today" {
		t.Errorf("Expected basis to survive, got %q", u.Basis)
	}
	if !strings.HasPrefix(u.Content, "# Standup") || !strings.Contains(u.Content, "importer") {
		t.Errorf("Content mangled: %q", u.Content)
	}
}

func TestParseBlocksDeleteNeedsNoSeparator(t *testing.T) {
	text := "```kb-update\n" +
		"file: old/scratch.md\n" +
		"action: delete\n" +
		"confirm: DELETE scratch.md\n" +
		"```\n"

	blocks, errs := ParseBlocks(text)
	if len(errs) != 0 || len(blocks) != 1 {
		t.Fatalf("Expected 1 block and no errors, got %d blocks, errs=%v", len(blocks), errs)
	}
	u := blocks[0].KBUpdate
	if u.Action != "delete" || u.Confirm != "DELETE scratch.md" {
		t.Errorf("Delete header wrong: %+v", u)
	}
}

func TestParseBlocksValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string // substring of the expected error
	}{
		{
			name: "missing file",
			body: "action: create\nmode: full\n---\nhi",
			want: "missing file",
		},
		{
			name: "missing action",
			body: "file: a.md\nmode: full\n---\nhi",
			want: "missing action",
		},
		{
			name: "unknown action",
			body: "file: a.md\naction: rename\n---\nhi",
			want: "unknown action",
		},
		{
			name: "create without separator",
			body: "file: a.md\naction: create\nmode: full\nno separator here",
			want: "missing --- separator",
		},
		{
			name: "missing mode",
			body: "file: a.md\naction: update\n---\nhi",
			want: "missing mode",
		},
		{
			name: "unknown mode",
			body: "file: a.md\naction: update\nmode: prepend\n---\nhi",
			want: "unknown mode",
		},
		{
			name: "unknown tier",
			body: "file: a.md\naction: update\ntier: secret\nmode: full\n---\nhi",
			want: "unknown tier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := "```kb-update\n" + tt.body + "\n```\n"
			blocks, errs := ParseBlocks(text)
			if len(blocks) != 0 {
				t.Fatalf("Expected no blocks, got %d", len(blocks))
			}
			if len(errs) != 1 {
				t.Fatalf("Expected 1 error, got %v", errs)
			}
			if !strings.Contains(errs[0].Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %q", tt.want, errs[0].Error())
			}
		})
	}
}

func TestParseBlocksTypedRecords(t *testing.T) {
	text := "```decision\n" +
		"title: Switch standups to async\n" +
		"decision: Post updates in the channel instead of meeting\n" +
		"reasoning: Two timezones now\n" +
		"```\n" +
		"```gap-flag\n" +
		"topic: Q3 budget numbers\n" +
		"severity: WARNING\n" +
		"detail: No source file mentions the final figure\n" +
		"```\n" +
		"```advisory\n" +
		"title: Renewal window opens Friday\n" +
		"severity: critical\n" +
		"note: The vendor quote expires after 14 days\n" +
		"```\n" +
		"```stop\n" +
		"reason: User asked to pause automated drafts\n" +
		"```\n"

	blocks, errs := ParseBlocks(text)
	if len(errs) != 0 {
		t.Fatalf("Expected no errors, got %v", errs)
	}
	if len(blocks) != 4 {
		t.Fatalf("Expected 4 blocks, got %d", len(blocks))
	}

	d := blocks[0].Decision
	if blocks[0].Kind != BlockDecision || d == nil || d.Title != "Switch standups to async" {
		t.Errorf("Decision wrong: %+v", blocks[0])
	}
	g := blocks[1].GapFlag
	if g == nil || g.Severity != "warning" {
		t.Errorf("Expected severity normalized to warning, got %+v", g)
	}
	a := blocks[2].Advisory
	if a == nil || a.Severity != "critical" || a.Note == "" {
		t.Errorf("Advisory wrong: %+v", a)
	}
	s := blocks[3].Stop
	if s == nil || s.Reason != "User asked to pause automated drafts" {
		t.Errorf("Stop wrong: %+v", s)
	}
}

func TestParseBlocksStopReasonFallsBackToBody(t *testing.T) {
	blocks, errs := ParseBlocks("```stop\nsomething went sideways\n```")
	if len(errs) != 0 || len(blocks) != 1 {
		t.Fatalf("Expected 1 block, got %d, errs=%v", len(blocks), errs)
	}
	if blocks[0].Stop.Reason != "something went sideways" {
		t.Errorf("Expected body as reason, got %q", blocks[0].Stop.Reason)
	}
}

func TestParseBlocksIgnoresPlainFences(t *testing.T) {
	text := "Look at this:\n" +
		"```json\n{\"file\": \"not-a-proposal.md\"}\n```\n" +
		"```\nplain code\n```\n" +
		"```go\nfunc main() {}\n```\n"

	blocks, errs := ParseBlocks(text)
	if len(blocks) != 0 || len(errs) != 0 {
		t.Errorf("Expected plain fences ignored, got %d blocks, %d errors", len(blocks), len(errs))
	}
}

func TestParseBlocksDropsUnterminated(t *testing.T) {
	text := "```kb-update\nfile: a.md\naction: create\nmode: full\n---\ntruncated mid-"
	blocks, errs := ParseBlocks(text)
	if len(blocks) != 0 || len(errs) != 0 {
		t.Errorf("Expected unterminated block dropped silently, got %d blocks, %d errors", len(blocks), len(errs))
	}
}

func TestParseBlocksProseColonsSkipped(t *testing.T) {
	// A header line whose "key" contains spaces is prose, not a field.
	text := "```advisory\n" +
		"title: Check the invoice\n" +
		"note: Total looks off: 1,200 vs 1,020 in the KB\n" +
		"The reason is simple: transposed digits.\n" +
		"```\n"

	blocks, errs := ParseBlocks(text)
	if len(errs) != 0 || len(blocks) != 1 {
		t.Fatalf("Expected 1 block, got %d, errs=%v", len(blocks), errs)
	}
	a := blocks[0].Advisory
	if a.Note != "Total looks off: 1,200 vs 1,020 in the KB" {
		t.Errorf("Expected note to keep its inner colon, got %q", a.Note)
	}
}

func TestParseBlocksMixedWithProse(t *testing.T) {
	text := "I checked the calendar.\n\n" +
		"```advisory\ntitle: Two deadlines collide next week\n```\n\n" +
		"Also recording the decision:\n\n" +
		"```decision\ntitle: Defer the blog post\ndecision: Ship the release first\n```\n"

	blocks, errs := ParseBlocks(text)
	if len(errs) != 0 {
		t.Fatalf("Expected no errors, got %v", errs)
	}
	if len(blocks) != 2 {
		t.Fatalf("Expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Kind != BlockAdvisory || blocks[1].Kind != BlockDecision {
		t.Errorf("Expected advisory then decision, got %s then %s", blocks[0].Kind, blocks[1].Kind)
	}
}
