package types

import (
	"testing"
)

func TestAutomationValidate(t *testing.T) {
	base := func() *Automation {
		return &Automation{
			ID:          "auto-1",
			DomainID:    "dom-1",
			Name:        "morning digest",
			TriggerKind: TriggerSchedule,
			TriggerCron: "0 9 * * *",
			ActionKind:  ActionNotification,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Automation)
		wantErr bool
	}{
		{"valid schedule", func(a *Automation) {}, false},
		{"valid event", func(a *Automation) {
			a.TriggerKind = TriggerEvent
			a.TriggerCron = ""
			a.TriggerEvent = EventIntakeCreated
		}, false},
		{"valid manual", func(a *Automation) {
			a.TriggerKind = TriggerManual
			a.TriggerCron = ""
		}, false},
		{"missing name", func(a *Automation) { a.Name = "" }, true},
		{"unknown trigger kind", func(a *Automation) { a.TriggerKind = "webhook" }, true},
		{"unknown action kind", func(a *Automation) { a.ActionKind = "launch_rocket" }, true},
		{"schedule without cron", func(a *Automation) { a.TriggerCron = "" }, true},
		{"schedule with event field", func(a *Automation) { a.TriggerEvent = EventIntakeCreated }, true},
		{"event without event field", func(a *Automation) {
			a.TriggerKind = TriggerEvent
			a.TriggerCron = ""
		}, true},
		{"event with unknown event", func(a *Automation) {
			a.TriggerKind = TriggerEvent
			a.TriggerCron = ""
			a.TriggerEvent = "comet_sighted"
		}, true},
		{"event with cron field", func(a *Automation) {
			a.TriggerKind = TriggerEvent
			a.TriggerEvent = EventIntakeCreated
		}, true},
		{"manual with cron", func(a *Automation) { a.TriggerKind = TriggerManual }, true},
		{"catch-up on event trigger", func(a *Automation) {
			a.TriggerKind = TriggerEvent
			a.TriggerCron = ""
			a.TriggerEvent = EventIntakeCreated
			a.CatchUpEnabled = true
		}, true},
		{"catch-up on schedule is fine", func(a *Automation) { a.CatchUpEnabled = true }, false},
		{"deadline window on wrong event", func(a *Automation) {
			a.TriggerKind = TriggerEvent
			a.TriggerCron = ""
			a.TriggerEvent = EventIntakeCreated
			a.DeadlineWindowDays = 7
		}, true},
		{"deadline window on deadline event", func(a *Automation) {
			a.TriggerKind = TriggerEvent
			a.TriggerCron = ""
			a.TriggerEvent = EventDeadlineApproaching
			a.DeadlineWindowDays = 7
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := base()
			tt.mutate(a)
			err := a.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteModeAllowedForTier(t *testing.T) {
	tests := []struct {
		mode WriteMode
		tier KBTier
		want bool
	}{
		{WritePatch, TierStructural, true},
		{WriteFull, TierStructural, false},
		{WriteAppend, TierStructural, false},
		{WriteFull, TierStatus, true},
		{WriteAppend, TierStatus, true},
		{WritePatch, TierStatus, false},
		{WriteFull, TierIntelligence, true},
		{WritePatch, TierGeneral, false},
		{WriteAppend, TierGeneral, true},
	}

	for _, tt := range tests {
		if got := tt.mode.AllowedForTier(tt.tier); got != tt.want {
			t.Errorf("%s on %s tier: got %v, want %v", tt.mode, tt.tier, got, tt.want)
		}
	}
}

func TestChunkEmbeddingStale(t *testing.T) {
	e := &ChunkEmbedding{ContentHash: "abc", ProviderFingerprint: "ollama|nomic-embed-text"}

	if e.Stale("abc", "ollama|nomic-embed-text") {
		t.Error("matching hash and fingerprint should not be stale")
	}
	if !e.Stale("def", "ollama|nomic-embed-text") {
		t.Error("content drift should be stale")
	}
	if !e.Stale("abc", "gemini|text-embedding-004") {
		t.Error("fingerprint drift should be stale")
	}
}

func TestCloneSchemaIsolatesMutation(t *testing.T) {
	def := ToolDefinition{
		Name: "kb_search",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []any{"query"},
		},
	}

	clone := def.CloneSchema()
	clone["type"] = "mutated"
	clone["properties"].(map[string]any)["query"].(map[string]any)["type"] = "number"
	clone["required"].([]any)[0] = "other"

	if def.InputSchema["type"] != "object" {
		t.Error("top-level mutation leaked into the original schema")
	}
	q := def.InputSchema["properties"].(map[string]any)["query"].(map[string]any)
	if q["type"] != "string" {
		t.Error("nested map mutation leaked into the original schema")
	}
	if def.InputSchema["required"].([]any)[0] != "query" {
		t.Error("slice mutation leaked into the original schema")
	}
}

func TestMissionRunStatusTerminal(t *testing.T) {
	terminal := []MissionRunStatus{MissionSuccess, MissionFailed, MissionCancelled}
	live := []MissionRunStatus{MissionPending, MissionRunning, MissionGated}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestMissionAllowsDomain(t *testing.T) {
	m := &Mission{DomainIDs: []string{"dom-1", "dom-2"}}

	if !m.AllowsDomain("dom-1") {
		t.Error("dom-1 should be allowed")
	}
	if m.AllowsDomain("dom-3") {
		t.Error("dom-3 should not be allowed")
	}
	if (&Mission{}).AllowsDomain("dom-1") {
		t.Error("empty permission list allows nothing")
	}
}
