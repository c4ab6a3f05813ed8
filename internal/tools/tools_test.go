package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/retrieval"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// --- fakes ---

// fakeGmail implements GmailClient with per-test overridable behavior.
type fakeGmail struct {
	searchFunc func(ctx context.Context, query string, maxResults int) ([]GmailMessage, error)
	readFunc   func(ctx context.Context, id string) (*GmailMessage, error)
	draftFunc  func(ctx context.Context, to, subject, body string) (string, error)
}

func (f *fakeGmail) Search(ctx context.Context, query string, maxResults int) ([]GmailMessage, error) {
	if f.searchFunc != nil {
		return f.searchFunc(ctx, query, maxResults)
	}
	return nil, nil
}

func (f *fakeGmail) Read(ctx context.Context, id string) (*GmailMessage, error) {
	if f.readFunc != nil {
		return f.readFunc(ctx, id)
	}
	return nil, &IntegrationError{Reason: ReasonNotFound, Message: "no such message"}
}

func (f *fakeGmail) CreateDraft(ctx context.Context, to, subject, body string) (string, error) {
	if f.draftFunc != nil {
		return f.draftFunc(ctx, to, subject, body)
	}
	return "draft-1", nil
}

// fakeTasks implements GTasksClient.
type fakeTasks struct {
	listFunc   func(ctx context.Context, includeCompleted bool) ([]GTask, error)
	createFunc func(ctx context.Context, title, notes string, due time.Time) (*GTask, error)
}

func (f *fakeTasks) List(ctx context.Context, includeCompleted bool) ([]GTask, error) {
	if f.listFunc != nil {
		return f.listFunc(ctx, includeCompleted)
	}
	return nil, nil
}

func (f *fakeTasks) Create(ctx context.Context, title, notes string, due time.Time) (*GTask, error) {
	if f.createFunc != nil {
		return f.createFunc(ctx, title, notes, due)
	}
	return &GTask{ID: "t-1", Title: title, Notes: notes, Due: due}, nil
}

// fakeRecorder captures advisory and brainstorm records in memory.
type fakeRecorder struct {
	err         error
	advisories  []string
	brainstorms []string
}

func (f *fakeRecorder) RecordAdvisory(ctx context.Context, domainID, title, body, severity string) error {
	if f.err != nil {
		return f.err
	}
	f.advisories = append(f.advisories, domainID+"|"+severity+"|"+title)
	return nil
}

func (f *fakeRecorder) RecordBrainstorm(ctx context.Context, domainID, topic, body string) error {
	if f.err != nil {
		return f.err
	}
	f.brainstorms = append(f.brainstorms, domainID+"|"+topic)
	return nil
}

// fakeBuilder implements ContextBuilder with a canned result.
type fakeBuilder struct {
	result *retrieval.Result
	err    error
}

func (f *fakeBuilder) BuildContext(ctx context.Context, domainID, query string, tokenBudget int) (*retrieval.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir()+"/test.db", 0)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its input",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "minLength": 1},
			},
			"required":             []any{"query"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			q, _ := args["query"].(string)
			return "echo: " + q, nil
		},
	}
}

// --- registry ---

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if !r.Has("echo") {
		t.Error("expected Has(echo) to be true")
	}
	if r.Get("echo") == nil {
		t.Error("expected Get(echo) to return the tool")
	}
	if r.Count() != 1 {
		t.Errorf("expected count 1, got %d", r.Count())
	}
	names := r.Names()
	if len(names) != 1 || names[0] != "echo" {
		t.Errorf("unexpected names: %v", names)
	}
}

func TestRegisterRejectsInvalidTool(t *testing.T) {
	valid := echoTool("x")

	tests := []struct {
		name    string
		mutate  func(*Tool)
		wantErr error
	}{
		{"empty name", func(tl *Tool) { tl.Name = "" }, ErrToolNameEmpty},
		{"nil execute", func(tl *Tool) { tl.Execute = nil }, ErrToolExecuteNil},
		{"nil schema", func(tl *Tool) { tl.InputSchema = nil }, ErrToolSchemaNil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := *valid
			tt.mutate(&tool)
			err := NewRegistry().Register(&tool)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.Register(echoTool("echo"))
	if !errors.Is(err, ErrToolAlreadyRegistered) {
		t.Errorf("expected ErrToolAlreadyRegistered, got %v", err)
	}
}

func TestRegisterBadSchema(t *testing.T) {
	tool := echoTool("broken")
	tool.InputSchema = map[string]any{"$ref": "urn:does-not-exist"}
	if err := NewRegistry().Register(tool); err == nil {
		t.Error("expected schema compile error for unresolvable $ref")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	_, err := NewRegistry().Execute(context.Background(), "ghost", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}
}

func TestExecuteValidatesArgs(t *testing.T) {
	r := NewRegistry()
	ran := false
	tool := echoTool("echo")
	inner := tool.Execute
	tool.Execute = func(ctx context.Context, args map[string]any) (string, error) {
		ran = true
		return inner(ctx, args)
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"query": 42}},
		{"stray property", map[string]any{"query": "ok", "bogus": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Execute(context.Background(), "echo", tt.args)
			if !errors.Is(err, ErrInvalidArgs) {
				t.Errorf("expected ErrInvalidArgs, got %v", err)
			}
			if res == nil || res.Error == nil {
				t.Error("expected result carrying the validation error")
			}
			if ran {
				t.Error("executor must not run on invalid args")
			}
		})
	}

	res, err := r.Execute(context.Background(), "echo", map[string]any{"query": "hi"})
	if err != nil {
		t.Fatalf("valid args failed: %v", err)
	}
	if res.Result != "echo: hi" {
		t.Errorf("unexpected result: %q", res.Result)
	}
	if !res.IsSuccess() {
		t.Error("expected success")
	}
	t.Logf("✓ validation gates execution, valid args pass through")
}

func TestExecuteNormalizesNumericArgs(t *testing.T) {
	r := NewRegistry()
	var got any
	tool := &Tool{
		Name:        "limits",
		Description: "records its argument",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"max": map[string]any{"type": "integer", "minimum": 1},
			},
			"required": []any{"max"},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			got = args["max"]
			return "ok", nil
		},
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Hand-built maps carry Go ints; executors must still see float64.
	if _, err := r.Execute(context.Background(), "limits", map[string]any{"max": 5}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if v, ok := got.(float64); !ok || v != 5 {
		t.Errorf("expected float64(5), got %T(%v)", got, got)
	}
}

func TestDefinitionsWithholdsExternalTools(t *testing.T) {
	r := NewRegistry()
	internal := echoTool("kb_echo")
	external := echoTool("gmail_echo")
	external.RequiresExternal = true
	if err := r.Register(internal); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(external); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	defs := r.Definitions(false)
	if len(defs) != 1 || defs[0].Name != "kb_echo" {
		t.Fatalf("expected only kb_echo without external access, got %+v", defs)
	}
	defs = r.Definitions(true)
	if len(defs) != 2 {
		t.Fatalf("expected both tools with external access, got %d", len(defs))
	}
	if defs[0].Name != "gmail_echo" || defs[1].Name != "kb_echo" {
		t.Errorf("expected sorted names, got %s, %s", defs[0].Name, defs[1].Name)
	}
}

// --- error strings ---

func TestErrorStringFormat(t *testing.T) {
	got := ErrorString(PrefixGmail, ReasonInvalidGrant, "token expired, reconnect Google")
	want := "GMAIL_ERROR: invalid_grant — token expired, reconnect Google"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// --- gmail tools ---

func TestGmailSearchOutputsMessageIDs(t *testing.T) {
	client := &fakeGmail{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]GmailMessage, error) {
			if query != "from:billing" {
				t.Errorf("unexpected query: %q", query)
			}
			if maxResults != 10 {
				t.Errorf("expected default max 10, got %d", maxResults)
			}
			return []GmailMessage{
				{ID: "m1", From: "billing@initech.com", Subject: "Invoice overdue", Date: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC), Snippet: "10 days overdue"},
				{ID: "m2", From: "noreply@initech.com", Subject: "Receipt", Date: time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)},
			}, nil
		},
	}
	tool := NewGmailSearchTool(client)

	out, err := tool.Execute(context.Background(), map[string]any{"query": "from:billing"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	for _, want := range []string{"Message ID: m1", "Message ID: m2", "Invoice overdue", "Snippet: 10 days overdue"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	ids := ExtractMessageIDs(out)
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Errorf("extracted IDs wrong: %v", ids)
	}
	t.Logf("✓ search output carries harvestable message IDs")
}

func TestGmailSearchIntegrationError(t *testing.T) {
	client := &fakeGmail{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]GmailMessage, error) {
			return nil, &IntegrationError{Reason: ReasonInvalidGrant, Message: "token expired, reconnect Google"}
		},
	}
	out, err := NewGmailSearchTool(client).Execute(context.Background(), map[string]any{"query": "x"})
	if err != nil {
		t.Fatalf("integration errors must not surface as Go errors: %v", err)
	}
	if out != "GMAIL_ERROR: invalid_grant — token expired, reconnect Google" {
		t.Errorf("unexpected result: %q", out)
	}
}

func TestGmailSearchUnexpectedError(t *testing.T) {
	client := &fakeGmail{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]GmailMessage, error) {
			return nil, errors.New("socket hangup")
		},
	}
	_, err := NewGmailSearchTool(client).Execute(context.Background(), map[string]any{"query": "x"})
	if err == nil || !strings.Contains(err.Error(), "socket hangup") {
		t.Errorf("expected passthrough error, got %v", err)
	}
}

func TestGmailToolsDisconnected(t *testing.T) {
	tests := []struct {
		name string
		tool *Tool
		args map[string]any
	}{
		{"search", NewGmailSearchTool(nil), map[string]any{"query": "x"}},
		{"read", NewGmailReadTool(nil), map[string]any{"message_id": "m1"}},
		{"draft", NewGmailDraftTool(nil), map[string]any{"to": "a@b.c", "subject": "s", "body": "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.tool.Execute(context.Background(), tt.args)
			if err != nil {
				t.Fatalf("disconnected client must not error: %v", err)
			}
			if !strings.HasPrefix(out, "GMAIL_ERROR: access") {
				t.Errorf("expected access error, got %q", out)
			}
		})
	}
}

func TestGmailReadFormatsMessage(t *testing.T) {
	client := &fakeGmail{
		readFunc: func(ctx context.Context, id string) (*GmailMessage, error) {
			return &GmailMessage{
				ID: id, From: "ada@example.com", To: "me@example.com",
				Subject: "Notes", Date: time.Date(2026, 8, 19, 14, 30, 0, 0, time.UTC),
				Body: "Full body here.",
			}, nil
		},
	}
	out, err := NewGmailReadTool(client).Execute(context.Background(), map[string]any{"message_id": "m9"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	for _, want := range []string{"Message ID: m9", "From: ada@example.com", "To: me@example.com", "Full body here."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestGmailDraftNeverSends(t *testing.T) {
	var gotTo string
	client := &fakeGmail{
		draftFunc: func(ctx context.Context, to, subject, body string) (string, error) {
			gotTo = to
			return "d-42", nil
		},
	}
	out, err := NewGmailDraftTool(client).Execute(context.Background(),
		map[string]any{"to": "boss@initech.com", "subject": "Status", "body": "All green."})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if gotTo != "boss@initech.com" {
		t.Errorf("client got wrong recipient: %q", gotTo)
	}
	if !strings.Contains(out, "d-42") || !strings.Contains(out, "Nothing was sent") {
		t.Errorf("unexpected result: %q", out)
	}
}

func TestExtractMessageIDs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"two ids", "Found 2:\n\nMessage ID: abc\nFrom: x\n\nMessage ID: def\n", []string{"abc", "def"}},
		{"inline mention not matched", "the Message ID: abc appears mid-line", nil},
		{"empty", "No messages matched.", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractMessageIDs(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("id[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// --- gtasks tools ---

func TestGTasksListRendersTasks(t *testing.T) {
	client := &fakeTasks{
		listFunc: func(ctx context.Context, includeCompleted bool) ([]GTask, error) {
			if includeCompleted {
				t.Error("include_completed should default to false")
			}
			return []GTask{
				{ID: "t1", Title: "Submit application", Due: time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC), Notes: "include portfolio link"},
				{ID: "t2", Title: "Renew passport", Done: true},
			}, nil
		},
	}
	out, err := NewGTasksListTool(client).Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	for _, want := range []string{"[ ] Submit application (due 2026-08-28) [ID t1]", "Notes: include portfolio link", "[x] Renew passport [ID t2]"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestGTasksListTruncatesAtMax(t *testing.T) {
	client := &fakeTasks{
		listFunc: func(ctx context.Context, includeCompleted bool) ([]GTask, error) {
			return []GTask{{ID: "t1", Title: "a"}, {ID: "t2", Title: "b"}, {ID: "t3", Title: "c"}}, nil
		},
	}
	out, err := NewGTasksListTool(client).Execute(context.Background(), map[string]any{"max_results": float64(2)})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !strings.Contains(out, "2 task(s)") || strings.Contains(out, "[ID t3]") {
		t.Errorf("expected truncation to 2 tasks:\n%s", out)
	}
}

func TestGTasksCreateParsesDue(t *testing.T) {
	var gotDue time.Time
	client := &fakeTasks{
		createFunc: func(ctx context.Context, title, notes string, due time.Time) (*GTask, error) {
			gotDue = due
			return &GTask{ID: "t-9", Title: title, Due: due}, nil
		},
	}
	out, err := NewGTasksCreateTool(client).Execute(context.Background(),
		map[string]any{"title": "File taxes", "due": "2026-09-01"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if gotDue.Format("2006-01-02") != "2026-09-01" {
		t.Errorf("client got due %v", gotDue)
	}
	if !strings.Contains(out, "t-9") || !strings.Contains(out, "2026-09-01") {
		t.Errorf("unexpected result: %q", out)
	}
}

func TestGTasksCreateRejectsBadDue(t *testing.T) {
	called := false
	client := &fakeTasks{
		createFunc: func(ctx context.Context, title, notes string, due time.Time) (*GTask, error) {
			called = true
			return nil, nil
		},
	}
	out, err := NewGTasksCreateTool(client).Execute(context.Background(),
		map[string]any{"title": "x", "due": "sometime soon"})
	if err != nil {
		t.Fatalf("bad date must not be a Go error: %v", err)
	}
	if !strings.HasPrefix(out, "GTASKS_ERROR: validation") {
		t.Errorf("expected validation error string, got %q", out)
	}
	if called {
		t.Error("client must not be called with an unparseable date")
	}
}

func TestGTasksDisconnected(t *testing.T) {
	out, err := NewGTasksListTool(nil).Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("disconnected client must not error: %v", err)
	}
	if !strings.HasPrefix(out, "GTASKS_ERROR: access") {
		t.Errorf("expected access error, got %q", out)
	}
}

// --- advisory tools ---

func TestAdvisoryRecord(t *testing.T) {
	rec := &fakeRecorder{}
	tool := NewAdvisoryRecordTool("dom-1", rec)

	out, err := tool.Execute(context.Background(), map[string]any{"title": "Deadline risk", "note": "Application closes Friday."})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !strings.Contains(out, "Deadline risk") {
		t.Errorf("unexpected result: %q", out)
	}
	if len(rec.advisories) != 1 || rec.advisories[0] != "dom-1|info|Deadline risk" {
		t.Errorf("recorder state wrong: %v", rec.advisories)
	}

	// Explicit severity carries through.
	if _, err := tool.Execute(context.Background(), map[string]any{"title": "x", "note": "y", "severity": "critical"}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if rec.advisories[1] != "dom-1|critical|x" {
		t.Errorf("severity not recorded: %v", rec.advisories[1])
	}
}

func TestBrainstormCapture(t *testing.T) {
	rec := &fakeRecorder{}
	out, err := NewBrainstormCaptureTool("dom-1", rec).Execute(context.Background(),
		map[string]any{"topic": "side projects", "ideas": "cli tool\nnewsletter"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !strings.Contains(out, "side projects") {
		t.Errorf("unexpected result: %q", out)
	}
	if len(rec.brainstorms) != 1 || rec.brainstorms[0] != "dom-1|side projects" {
		t.Errorf("recorder state wrong: %v", rec.brainstorms)
	}
}

func TestAdvisoryRecordIntegrationError(t *testing.T) {
	rec := &fakeRecorder{err: &IntegrationError{Reason: ReasonAccess, Message: "knowledge base is read only"}}
	out, err := NewAdvisoryRecordTool("dom-1", rec).Execute(context.Background(),
		map[string]any{"title": "x", "note": "y"})
	if err != nil {
		t.Fatalf("integration errors must not surface as Go errors: %v", err)
	}
	if out != "ADVISORY_ERROR: access — knowledge base is read only" {
		t.Errorf("unexpected result: %q", out)
	}
}

// --- kb tools ---

func seedKBFile(t *testing.T, st *store.Store, domainID, path string, chunks []*types.KBChunk) {
	t.Helper()
	f := &types.KBFile{
		DomainID:     domainID,
		RelativePath: path,
		Tier:         types.TierGeneral,
		ContentHash:  "hash-" + path,
		SizeBytes:    100,
		LastSyncedAt: time.Now().UTC(),
	}
	if err := st.UpsertKBFile(f); err != nil {
		t.Fatalf("failed to upsert kb file: %v", err)
	}
	if _, err := st.SyncChunks(f.ID, chunks); err != nil {
		t.Fatalf("failed to sync chunks: %v", err)
	}
}

func TestKBReadReturnsFileContent(t *testing.T) {
	st := newTestStore(t)
	d := &types.Domain{Name: "career", KBPath: t.TempDir()}
	if err := st.CreateDomain(d); err != nil {
		t.Fatalf("failed to create domain: %v", err)
	}
	seedKBFile(t, st, d.ID, "career.md", []*types.KBChunk{
		{ChunkKey: "goals-0", Ordinal: 0, HeadingPath: "Career > Goals", Content: "Land a staff role.", ContentHash: "h1", CharCount: 18, TokenEstimate: 5},
		{ChunkKey: "deadlines-0", Ordinal: 1, HeadingPath: "Career > Deadlines", Content: "Initech closes Friday.", ContentHash: "h2", CharCount: 22, TokenEstimate: 6},
	})

	out, err := NewKBReadTool(d.ID, st).Execute(context.Background(), map[string]any{"path": "career.md"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	for _, want := range []string{"career.md (general tier", "## Career > Goals", "Land a staff role.", "## Career > Deadlines", "Initech closes Friday."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	t.Logf("✓ kb_read reassembles the synced file")
}

func TestKBReadStripsDotSlash(t *testing.T) {
	st := newTestStore(t)
	d := &types.Domain{Name: "career", KBPath: t.TempDir()}
	if err := st.CreateDomain(d); err != nil {
		t.Fatalf("failed to create domain: %v", err)
	}
	seedKBFile(t, st, d.ID, "notes.md", []*types.KBChunk{
		{ChunkKey: "preamble", Ordinal: 0, Content: "Plain notes.", ContentHash: "h1", CharCount: 12, TokenEstimate: 3},
	})

	out, err := NewKBReadTool(d.ID, st).Execute(context.Background(), map[string]any{"path": "./notes.md"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !strings.Contains(out, "Plain notes.") {
		t.Errorf("dot-slash path did not resolve:\n%s", out)
	}
}

func TestKBReadMissListsAvailableFiles(t *testing.T) {
	st := newTestStore(t)
	d := &types.Domain{Name: "career", KBPath: t.TempDir()}
	if err := st.CreateDomain(d); err != nil {
		t.Fatalf("failed to create domain: %v", err)
	}
	seedKBFile(t, st, d.ID, "career.md", []*types.KBChunk{
		{ChunkKey: "preamble", Ordinal: 0, Content: "x", ContentHash: "h1", CharCount: 1, TokenEstimate: 1},
	})

	out, err := NewKBReadTool(d.ID, st).Execute(context.Background(), map[string]any{"path": "../../etc/passwd"})
	if err != nil {
		t.Fatalf("a miss must not be a Go error: %v", err)
	}
	if !strings.Contains(out, "KB file not found") || !strings.Contains(out, "career.md") {
		t.Errorf("expected miss message listing available files, got %q", out)
	}
}

func TestKBSearchRendersScoredHits(t *testing.T) {
	builder := &fakeBuilder{result: &retrieval.Result{
		Strategy: retrieval.StrategyVector,
		Sections: []retrieval.Section{
			{
				FilePath:  "career.md",
				Staleness: "fresh",
				Snippets: []retrieval.Snippet{
					{HeadingPath: "Career > DEADLINE", Content: "Initech closes Friday.", Score: 0.9},
					{HeadingPath: "Career > Goals", Content: "Land a staff role.", Score: 0.5},
				},
			},
		},
	}}
	tool := NewKBSearchTool("dom-1", builder)

	out, err := tool.Execute(context.Background(), map[string]any{"query": "deadline"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !strings.Contains(out, "[1] career.md [fresh] Career > DEADLINE (score 0.90)") {
		t.Errorf("missing formatted top hit:\n%s", out)
	}
	if !strings.Contains(out, "vector retrieval") {
		t.Errorf("missing strategy note:\n%s", out)
	}

	out, err = tool.Execute(context.Background(), map[string]any{"query": "deadline", "max_results": float64(1)})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if strings.Contains(out, "Land a staff role.") {
		t.Errorf("max_results=1 should drop the second hit:\n%s", out)
	}
}

func TestKBSearchEmptyResult(t *testing.T) {
	builder := &fakeBuilder{result: &retrieval.Result{Strategy: retrieval.StrategyVector}}
	out, err := NewKBSearchTool("dom-1", builder).Execute(context.Background(), map[string]any{"query": "nothing"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if out != "No KB sections matched the query." {
		t.Errorf("unexpected result: %q", out)
	}
}

// --- standard set ---

func TestNewStandardRegistry(t *testing.T) {
	st := newTestStore(t)
	r, err := NewStandardRegistry(Binding{
		DomainID: "dom-1",
		Store:    st,
		Context:  &fakeBuilder{result: &retrieval.Result{}},
		Gmail:    &fakeGmail{},
		GTasks:   &fakeTasks{},
		Recorder: &fakeRecorder{},
	})
	if err != nil {
		t.Fatalf("failed to build standard registry: %v", err)
	}

	if r.Count() != 9 {
		t.Errorf("expected 9 tools, got %d: %v", r.Count(), r.Names())
	}

	internalOnly := r.Definitions(false)
	if len(internalOnly) != 4 {
		t.Errorf("expected 4 internal tools, got %d", len(internalOnly))
	}
	for _, def := range internalOnly {
		if strings.HasPrefix(def.Name, "gmail_") || strings.HasPrefix(def.Name, "gtasks_") {
			t.Errorf("external tool %s offered without external access", def.Name)
		}
	}
	if got := len(r.Definitions(true)); got != 9 {
		t.Errorf("expected 9 definitions with external access, got %d", got)
	}
	t.Logf("✓ standard set registers and gates external tools")
}
