package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestDomain(t *testing.T, s *Store, name string) *types.Domain {
	t.Helper()
	d := &types.Domain{Name: name, KBPath: "/tmp/kb/" + name}
	if err := s.CreateDomain(d); err != nil {
		t.Fatalf("CreateDomain failed: %v", err)
	}
	return d
}

func createTestAutomation(t *testing.T, s *Store, domainID string) *types.Automation {
	t.Helper()
	a := &types.Automation{
		DomainID:    domainID,
		Name:        "daily digest",
		TriggerKind: types.TriggerSchedule,
		TriggerCron: "0 9 * * *",
		ActionKind:  types.ActionNotification,
		Enabled:     true,
	}
	if err := s.CreateAutomation(a); err != nil {
		t.Fatalf("CreateAutomation failed: %v", err)
	}
	return a
}

func TestDomainLifecycle(t *testing.T) {
	s := newTestStore(t)

	d := createTestDomain(t, s, "research")
	if d.ID == "" {
		t.Fatal("CreateDomain should assign an id")
	}

	got, err := s.GetDomain(d.ID)
	if err != nil {
		t.Fatalf("GetDomain failed: %v", err)
	}
	if got.Name != "research" {
		t.Errorf("Expected name 'research', got %q", got.Name)
	}

	got.Model = "claude-sonnet-4-20250514"
	got.AllowExternal = true
	if err := s.UpdateDomain(got); err != nil {
		t.Fatalf("UpdateDomain failed: %v", err)
	}

	byName, err := s.GetDomainByName("research")
	if err != nil {
		t.Fatalf("GetDomainByName failed: %v", err)
	}
	if byName.Model != "claude-sonnet-4-20250514" || !byName.AllowExternal {
		t.Errorf("Update not persisted: %+v", byName)
	}

	if err := s.DeleteDomain(d.ID); err != nil {
		t.Fatalf("DeleteDomain failed: %v", err)
	}
	if _, err := s.GetDomain(d.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestRunDedupeBurst(t *testing.T) {
	s := newTestStore(t)
	d := createTestDomain(t, s, "ops")
	a := createTestAutomation(t, s, d.ID)

	key := a.ID + "|2025-06-15T10:00"
	winners, duplicates := 0, 0
	winnerID := ""

	for i := 0; i < 5; i++ {
		run := &types.AutomationRun{
			AutomationID: a.ID,
			DomainID:     d.ID,
			TriggerKind:  types.TriggerSchedule,
			DedupeKey:    key,
		}
		err := s.InsertRun(run)
		switch {
		case err == nil:
			winners++
			winnerID = run.ID
		case errors.Is(err, ErrDuplicate):
			duplicates++
			if err := s.RecordDuplicateSkip(a.ID, time.Now()); err != nil {
				t.Fatalf("RecordDuplicateSkip failed: %v", err)
			}
		default:
			t.Fatalf("InsertRun failed unexpectedly: %v", err)
		}
	}

	if winners != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", winners)
	}
	if duplicates != 4 {
		t.Errorf("Expected 4 duplicates, got %d", duplicates)
	}

	got, err := s.GetAutomation(a.ID)
	if err != nil {
		t.Fatalf("GetAutomation failed: %v", err)
	}
	if got.DuplicateSkipCount != 4 {
		t.Errorf("Expected duplicate_skip_count 4, got %d", got.DuplicateSkipCount)
	}
	if got.LastDuplicateAt == nil {
		t.Error("Expected last_duplicate_at to be set")
	}

	byKey, err := s.GetRunByDedupeKey(key)
	if err != nil {
		t.Fatalf("GetRunByDedupeKey failed: %v", err)
	}
	if byKey.ID != winnerID {
		t.Errorf("Expected dedupe key to resolve to run %s, got %s", winnerID, byKey.ID)
	}

	t.Logf("✓ dedupe burst: 1 winner, %d silent losers", duplicates)
}

func TestChunkSyncReconciliation(t *testing.T) {
	s := newTestStore(t)
	d := createTestDomain(t, s, "notes")

	f := &types.KBFile{DomainID: d.ID, RelativePath: "status.md", Tier: types.TierStatus, ContentHash: "v1", LastSyncedAt: time.Now()}
	if err := s.UpsertKBFile(f); err != nil {
		t.Fatalf("UpsertKBFile failed: %v", err)
	}

	initial := []*types.KBChunk{
		{ChunkKey: "h0-0", Ordinal: 0, Content: "alpha", ContentHash: "ha", CharCount: 5},
		{ChunkKey: "h1-0", Ordinal: 1, Content: "beta", ContentHash: "hb", CharCount: 4},
		{ChunkKey: "h2-0", Ordinal: 2, Content: "gamma", ContentHash: "hc", CharCount: 5},
	}
	res, err := s.SyncChunks(f.ID, initial)
	if err != nil {
		t.Fatalf("SyncChunks failed: %v", err)
	}
	if res.Inserted != 3 || res.Updated != 0 || res.Deleted != 0 {
		t.Errorf("Initial sync: expected 3 inserts, got %+v", res)
	}

	// Embed the first chunk so we can watch the delete cascade.
	emb := &types.ChunkEmbedding{ChunkID: initial[0].ID, ModelName: "m1", Dimensions: 2, Vector: []byte{0, 0, 128, 63, 0, 0, 0, 0}, ContentHash: "ha"}
	if err := s.UpsertChunkEmbedding(emb); err != nil {
		t.Fatalf("UpsertChunkEmbedding failed: %v", err)
	}

	// Re-sync: h0-0 unchanged, h1-0 edited, h2-0 gone, h3-0 new.
	resync := []*types.KBChunk{
		{ChunkKey: "h0-0", Ordinal: 0, Content: "alpha", ContentHash: "ha", CharCount: 5},
		{ChunkKey: "h1-0", Ordinal: 1, Content: "beta2", ContentHash: "hb2", CharCount: 5},
		{ChunkKey: "h3-0", Ordinal: 2, Content: "delta", ContentHash: "hd", CharCount: 5},
	}
	res, err = s.SyncChunks(f.ID, resync)
	if err != nil {
		t.Fatalf("Re-sync failed: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 1 || res.Preserved != 1 || res.Deleted != 1 {
		t.Errorf("Re-sync: expected +1 ~1 =1 -1, got %+v", res)
	}

	// Preserved chunk keeps its id (and therefore its embedding).
	if resync[0].ID != initial[0].ID {
		t.Error("Unchanged chunk should keep its row id")
	}
	count, err := s.CountEmbeddings(d.ID, "m1")
	if err != nil {
		t.Fatalf("CountEmbeddings failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Embedding of preserved chunk should survive, count=%d", count)
	}

	chunks, err := s.ListChunksByFile(f.ID)
	if err != nil {
		t.Fatalf("ListChunksByFile failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks after re-sync, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.ChunkKey == "h2-0" {
			t.Error("Orphan chunk h2-0 should be deleted")
		}
	}
}

func TestEmbeddingStaleness(t *testing.T) {
	s := newTestStore(t)
	d := createTestDomain(t, s, "vault")

	f := &types.KBFile{DomainID: d.ID, RelativePath: "doc.md", Tier: types.TierGeneral, LastSyncedAt: time.Now()}
	if err := s.UpsertKBFile(f); err != nil {
		t.Fatalf("UpsertKBFile failed: %v", err)
	}

	chunks := []*types.KBChunk{
		{ChunkKey: "a", Ordinal: 0, Content: "first chunk", ContentHash: "h-a"},
		{ChunkKey: "b", Ordinal: 1, Content: "second chunk", ContentHash: "h-b"},
		{ChunkKey: "c", Ordinal: 2, Content: "third chunk", ContentHash: "h-c"},
	}
	if _, err := s.SyncChunks(f.ID, chunks); err != nil {
		t.Fatalf("SyncChunks failed: %v", err)
	}

	fp := "ollama|nomic-embed-text|http://localhost:11434"
	vec := []byte{0, 0, 128, 63}

	// a: current. b: embedded under an old fingerprint. c: never embedded.
	if err := s.UpsertChunkEmbedding(&types.ChunkEmbedding{ChunkID: chunks[0].ID, ModelName: "m", Dimensions: 1, Vector: vec, ContentHash: "h-a", ProviderFingerprint: fp}); err != nil {
		t.Fatalf("UpsertChunkEmbedding failed: %v", err)
	}
	if err := s.UpsertChunkEmbedding(&types.ChunkEmbedding{ChunkID: chunks[1].ID, ModelName: "m", Dimensions: 1, Vector: vec, ContentHash: "h-b", ProviderFingerprint: "old-fp"}); err != nil {
		t.Fatalf("UpsertChunkEmbedding failed: %v", err)
	}

	needing, err := s.ListChunksNeedingEmbedding(d.ID, "m", fp)
	if err != nil {
		t.Fatalf("ListChunksNeedingEmbedding failed: %v", err)
	}
	if len(needing) != 2 {
		t.Fatalf("Expected 2 chunks needing embedding, got %d", len(needing))
	}
	keys := map[string]bool{}
	for _, c := range needing {
		keys[c.ChunkKey] = true
	}
	if !keys["b"] || !keys["c"] {
		t.Errorf("Expected chunks b (fingerprint drift) and c (absent), got %v", keys)
	}

	// Re-embedding b replaces, never duplicates.
	if err := s.UpsertChunkEmbedding(&types.ChunkEmbedding{ChunkID: chunks[1].ID, ModelName: "m", Dimensions: 1, Vector: vec, ContentHash: "h-b", ProviderFingerprint: fp}); err != nil {
		t.Fatalf("Re-upsert failed: %v", err)
	}
	count, _ := s.CountEmbeddings(d.ID, "m")
	if count != 2 {
		t.Errorf("Expected 2 embeddings after re-upsert, got %d", count)
	}
}

func TestCrashRecovery(t *testing.T) {
	s := newTestStore(t)
	d := createTestDomain(t, s, "ops")
	a := createTestAutomation(t, s, d.ID)

	now := time.Now().UTC()
	stalePending := &types.AutomationRun{AutomationID: a.ID, DomainID: d.ID, DedupeKey: "k1", CreatedAt: now.Add(-15 * time.Minute)}
	freshPending := &types.AutomationRun{AutomationID: a.ID, DomainID: d.ID, DedupeKey: "k2", CreatedAt: now.Add(-5 * time.Minute)}
	staleRunning := &types.AutomationRun{AutomationID: a.ID, DomainID: d.ID, DedupeKey: "k3", CreatedAt: now.Add(-30 * time.Minute)}

	for _, r := range []*types.AutomationRun{stalePending, freshPending, staleRunning} {
		if err := s.InsertRun(r); err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
	}
	if err := s.MarkRunRunning(staleRunning.ID, now.Add(-25*time.Minute)); err != nil {
		t.Fatalf("MarkRunRunning failed: %v", err)
	}

	recovered, err := s.RecoverStaleRuns(now.Add(-10*time.Minute), now.Add(-20*time.Minute))
	if err != nil {
		t.Fatalf("RecoverStaleRuns failed: %v", err)
	}
	if recovered != 2 {
		t.Errorf("Expected 2 recovered runs, got %d", recovered)
	}

	for _, id := range []string{stalePending.ID, staleRunning.ID} {
		got, err := s.GetRun(id)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if got.Status != types.RunFailed || got.ErrorCode != types.ErrCodeCrashRecovery {
			t.Errorf("Run %s: expected failed/crash_recovery, got %s/%s", id, got.Status, got.ErrorCode)
		}
	}

	fresh, _ := s.GetRun(freshPending.ID)
	if fresh.Status != types.RunPending {
		t.Errorf("Fresh pending run should be untouched, got %s", fresh.Status)
	}

	// Second pass finds nothing new.
	recovered, _ = s.RecoverStaleRuns(now.Add(-10*time.Minute), now.Add(-20*time.Minute))
	if recovered != 0 {
		t.Errorf("Recovery should be idempotent, got %d", recovered)
	}
}

func TestRetentionPrune(t *testing.T) {
	s := newTestStore(t)
	d := createTestDomain(t, s, "ops")
	a := createTestAutomation(t, s, d.ID)

	now := time.Now().UTC()
	ages := []time.Duration{-100 * 24 * time.Hour, -99 * 24 * time.Hour, -98 * 24 * time.Hour, -time.Hour}
	for i, age := range ages {
		r := &types.AutomationRun{
			AutomationID: a.ID,
			DomainID:     d.ID,
			DedupeKey:    string(rune('a' + i)),
			CreatedAt:    now.Add(age),
		}
		if err := s.InsertRun(r); err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
	}

	cutoff := now.Add(-90 * 24 * time.Hour)
	deleted, err := s.PruneRuns(cutoff, 2)
	if err != nil {
		t.Fatalf("PruneRuns failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 pruned runs, got %d", deleted)
	}

	remaining, err := s.ListRuns(a.ID, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("Expected 2 remaining runs, got %d", len(remaining))
	}

	// Idempotent.
	deleted, _ = s.PruneRuns(cutoff, 2)
	if deleted != 0 {
		t.Errorf("Second prune should delete nothing, got %d", deleted)
	}
}

func TestGateSinglePending(t *testing.T) {
	s := newTestStore(t)
	d := createTestDomain(t, s, "planning")

	m := &types.Mission{Name: "weekly review", Definition: json.RawMessage(`{"type":"review"}`), DefinitionHash: "h", Enabled: true, DomainIDs: []string{d.ID}}
	if err := s.UpsertMission(m); err != nil {
		t.Fatalf("UpsertMission failed: %v", err)
	}

	run := &types.MissionRun{MissionID: m.ID, DomainID: d.ID, DefinitionHash: "h"}
	if err := s.CreateMissionRun(run); err != nil {
		t.Fatalf("CreateMissionRun failed: %v", err)
	}

	g := &types.MissionGate{MissionRunID: run.ID, Message: "2 deadlines queued"}
	if err := s.CreateGate(g); err != nil {
		t.Fatalf("CreateGate failed: %v", err)
	}

	// A second pending gate is refused.
	err := s.CreateGate(&types.MissionGate{MissionRunID: run.ID, Message: "another"})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for second pending gate, got %v", err)
	}

	pending, err := s.GetPendingGate(run.ID)
	if err != nil {
		t.Fatalf("GetPendingGate failed: %v", err)
	}
	if pending.ID != g.ID {
		t.Errorf("Wrong pending gate returned")
	}

	if err := s.DecideGate(g.ID, true); err != nil {
		t.Fatalf("DecideGate failed: %v", err)
	}
	if _, err := s.GetPendingGate(run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected no pending gate after decision, got %v", err)
	}

	// Deciding twice fails: the gate is no longer pending.
	if err := s.DecideGate(g.ID, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on double decide, got %v", err)
	}
}

func TestMissionOutputsAndRequestLookup(t *testing.T) {
	s := newTestStore(t)
	d := createTestDomain(t, s, "planning")

	m := &types.Mission{Name: "audit", Definition: json.RawMessage(`{}`), Enabled: true, DomainIDs: []string{d.ID}}
	if err := s.UpsertMission(m); err != nil {
		t.Fatalf("UpsertMission failed: %v", err)
	}

	first := &types.MissionRun{MissionID: m.ID, DomainID: d.ID, RequestID: "req-7"}
	if err := s.CreateMissionRun(first); err != nil {
		t.Fatalf("CreateMissionRun failed: %v", err)
	}

	raw, err := s.AppendMissionOutput(first.ID, types.OutputKindRaw, json.RawMessage(`{"text":"full response"}`))
	if err != nil {
		t.Fatalf("AppendMissionOutput failed: %v", err)
	}
	if raw.Ordinal != 0 {
		t.Errorf("First output should have ordinal 0, got %d", raw.Ordinal)
	}
	parsed, _ := s.AppendMissionOutput(first.ID, "deadline", json.RawMessage(`{"title":"file taxes"}`))
	if parsed.Ordinal != 1 {
		t.Errorf("Second output should have ordinal 1, got %d", parsed.Ordinal)
	}

	outputs, err := s.ListMissionOutputs(first.ID)
	if err != nil {
		t.Fatalf("ListMissionOutputs failed: %v", err)
	}
	if len(outputs) != 2 || outputs[0].Kind != types.OutputKindRaw {
		t.Errorf("Outputs out of order or missing: %+v", outputs)
	}

	// The newest run for a request id wins lookups.
	second := &types.MissionRun{MissionID: m.ID, DomainID: d.ID, RequestID: "req-7", CreatedAt: time.Now().Add(time.Minute)}
	if err := s.CreateMissionRun(second); err != nil {
		t.Fatalf("CreateMissionRun failed: %v", err)
	}
	latest, err := s.LatestRunByRequest("req-7")
	if err != nil {
		t.Fatalf("LatestRunByRequest failed: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("Expected newest run %s, got %s", second.ID, latest.ID)
	}
}

func TestIntakeDedupe(t *testing.T) {
	s := newTestStore(t)

	item := &types.IntakeItem{SourceType: types.SourceWeb, ExternalID: "https://example.com/a", Title: "A", Content: "body"}
	if err := s.CreateIntakeItem(item); err != nil {
		t.Fatalf("CreateIntakeItem failed: %v", err)
	}

	dup := &types.IntakeItem{SourceType: types.SourceWeb, ExternalID: "https://example.com/a", Title: "A again", Content: "other"}
	if err := s.CreateIntakeItem(dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}

	// Same external id under a different source is a different artifact.
	other := &types.IntakeItem{SourceType: types.SourceGmail, ExternalID: "https://example.com/a", Content: "mail"}
	if err := s.CreateIntakeItem(other); err != nil {
		t.Fatalf("Different source should insert: %v", err)
	}

	exists, err := s.IntakeExists(types.SourceWeb, "https://example.com/a")
	if err != nil || !exists {
		t.Errorf("IntakeExists = %v, %v; want true, nil", exists, err)
	}
	exists, _ = s.IntakeExists(types.SourceWeb, "https://example.com/missing")
	if exists {
		t.Error("IntakeExists should be false for unknown id")
	}
}

func TestDomainCascadeDelete(t *testing.T) {
	s := newTestStore(t)
	d := createTestDomain(t, s, "doomed")
	a := createTestAutomation(t, s, d.ID)

	f := &types.KBFile{DomainID: d.ID, RelativePath: "x.md", Tier: types.TierGeneral, LastSyncedAt: time.Now()}
	if err := s.UpsertKBFile(f); err != nil {
		t.Fatalf("UpsertKBFile failed: %v", err)
	}
	chunks := []*types.KBChunk{{ChunkKey: "c", Ordinal: 0, Content: "text", ContentHash: "h"}}
	if _, err := s.SyncChunks(f.ID, chunks); err != nil {
		t.Fatalf("SyncChunks failed: %v", err)
	}
	if err := s.UpsertChunkEmbedding(&types.ChunkEmbedding{ChunkID: chunks[0].ID, ModelName: "m", Dimensions: 1, Vector: []byte{0, 0, 128, 63}, ContentHash: "h"}); err != nil {
		t.Fatalf("UpsertChunkEmbedding failed: %v", err)
	}

	run := &types.AutomationRun{AutomationID: a.ID, DomainID: d.ID, DedupeKey: "cascade-k"}
	if err := s.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	sess := &types.Session{DomainID: d.ID, Title: "chat"}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	msg := types.UserMessage("hello")
	msg.SessionID = sess.ID
	if err := s.AppendMessage(&msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	if err := s.DeleteDomain(d.ID); err != nil {
		t.Fatalf("DeleteDomain failed: %v", err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	for _, table := range []string{"kb_files", "kb_chunks", "chunk_embeddings", "automations", "automation_runs", "sessions", "chat_messages"} {
		if stats[table] != 0 {
			t.Errorf("Table %s should be empty after cascade, has %d rows", table, stats[table])
		}
	}

	t.Logf("✓ cascade delete cleared all owned rows")
}

func TestSummaryUpsert(t *testing.T) {
	s := newTestStore(t)
	d := createTestDomain(t, s, "talk")
	sess := &types.Session{DomainID: d.ID}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sum := &types.ConversationSummary{SessionID: sess.ID, Content: "PROFILE:\n- likes brevity", MessageCount: 2}
	if err := s.UpsertSummary(sum); err != nil {
		t.Fatalf("UpsertSummary failed: %v", err)
	}

	sum2 := &types.ConversationSummary{SessionID: sess.ID, Content: "PROFILE:\n- likes brevity\nRECENT:\n- asked about taxes", MessageCount: 4}
	if err := s.UpsertSummary(sum2); err != nil {
		t.Fatalf("Second UpsertSummary failed: %v", err)
	}
	if sum2.ID != sum.ID {
		t.Error("Upsert should keep the summary row identity")
	}

	got, err := s.GetSummary(sess.ID)
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if got.MessageCount != 4 {
		t.Errorf("Expected message count 4, got %d", got.MessageCount)
	}
}

func TestProtocolScoping(t *testing.T) {
	s := newTestStore(t)
	d := createTestDomain(t, s, "scoped")

	global := &types.Protocol{Name: "kb-hygiene", Content: "keep files tidy", BuiltIn: true}
	if err := s.UpsertProtocol(global); err != nil {
		t.Fatalf("UpsertProtocol (global) failed: %v", err)
	}
	scoped := &types.Protocol{DomainID: d.ID, Name: "weekly-report", Content: "report template"}
	if err := s.UpsertProtocol(scoped); err != nil {
		t.Fatalf("UpsertProtocol (scoped) failed: %v", err)
	}

	list, err := s.ListProtocols(d.ID)
	if err != nil {
		t.Fatalf("ListProtocols failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 protocols, got %d", len(list))
	}
	if list[0].Name != "kb-hygiene" {
		t.Errorf("Globals should sort first, got %q", list[0].Name)
	}

	// Upsert of an existing name updates in place.
	global.Content = "keep files very tidy"
	if err := s.UpsertProtocol(global); err != nil {
		t.Fatalf("Re-upsert failed: %v", err)
	}
	got, _ := s.GetProtocol("", "kb-hygiene")
	if got.Content != "keep files very tidy" {
		t.Errorf("Upsert did not update content: %q", got.Content)
	}
}

func TestTranscriptBytes(t *testing.T) {
	s := newTestStore(t)
	d := createTestDomain(t, s, "talk")
	sess := &types.Session{DomainID: d.ID}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	u := types.UserMessage("hello")
	u.SessionID = sess.ID
	asst := types.AssistantMessage(json.RawMessage(`{"role":"assistant"}`), "hi")
	asst.SessionID = sess.ID
	for _, m := range []*types.ChatMessage{&u, &asst} {
		if err := s.AppendMessage(m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	total, err := s.TranscriptBytes(sess.ID)
	if err != nil {
		t.Fatalf("TranscriptBytes failed: %v", err)
	}
	want := int64(len("hello") + len("hi") + len(`{"role":"assistant"}`))
	if total != want {
		t.Errorf("Expected %d transcript bytes, got %d", want, total)
	}
}
