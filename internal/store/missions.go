package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

const missionColumns = "id, name, description, definition, definition_hash, enabled, domain_ids, param_schema, created_at, updated_at"
const missionRunColumns = "id, mission_id, domain_id, request_id, params, definition_hash, prompt_hash, provider, model, context_snapshot, status, error_message, created_at, started_at, completed_at"

// UpsertMission inserts the mission or updates the existing row with the
// same name, preserving its identity. Seeded default missions go through
// this on every startup.
func (s *Store) UpsertMission(m *types.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	domainIDs, err := json.Marshal(m.DomainIDs)
	if err != nil {
		return fmt.Errorf("failed to encode domain ids: %w", err)
	}

	var existingID string
	err = s.db.QueryRow(`SELECT id FROM missions WHERE name = ?`, m.Name).Scan(&existingID)

	switch {
	case err == nil:
		m.ID = existingID
		m.UpdatedAt = now
		_, err = s.db.Exec(
			`UPDATE missions SET description = ?, definition = ?, definition_hash = ?, enabled = ?, domain_ids = ?, param_schema = ?, updated_at = ?
			 WHERE id = ?`,
			m.Description, rawString(m.Definition), m.DefinitionHash, boolInt(m.Enabled),
			string(domainIDs), rawString(m.ParamSchema), m.UpdatedAt, m.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update mission %q: %w", m.Name, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.CreatedAt = now
		m.UpdatedAt = now
		_, err = s.db.Exec(
			`INSERT INTO missions (`+missionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Name, m.Description, rawString(m.Definition), m.DefinitionHash, boolInt(m.Enabled),
			string(domainIDs), rawString(m.ParamSchema), m.CreatedAt, m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert mission %q: %w", m.Name, err)
		}
		logging.Mission("Created mission %s (%s)", m.Name, m.ID)
	default:
		return fmt.Errorf("failed to look up mission %q: %w", m.Name, err)
	}

	return nil
}

// GetMission returns the mission with the given id.
func (s *Store) GetMission(id string) (*types.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	return m, err
}

// GetMissionByName returns the mission with the given name.
func (s *Store) GetMissionByName(name string) (*types.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+missionColumns+` FROM missions WHERE name = ?`, name)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %q: %w", name, ErrNotFound)
	}
	return m, err
}

// ListMissions returns all missions by name.
func (s *Store) ListMissions() ([]*types.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + missionColumns + ` FROM missions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	defer rows.Close()

	var missions []*types.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable mission row: %v", err)
			continue
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

// SetMissionEnabled flips the enabled flag.
func (s *Store) SetMissionEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE missions SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set mission enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	return nil
}

// =============================================================================
// MISSION RUNS
// =============================================================================

// CreateMissionRun inserts a new run in pending state.
func (s *Store) CreateMissionRun(r *types.MissionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = types.MissionPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO mission_runs (`+missionRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MissionID, r.DomainID, r.RequestID, rawString(r.Params), r.DefinitionHash, r.PromptHash,
		r.Provider, r.Model, rawString(r.ContextSnapshot), r.Status, r.ErrorMessage,
		r.CreatedAt, nullTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create mission run: %w", err)
	}
	return nil
}

// GetMissionRun returns the run with the given id.
func (s *Store) GetMissionRun(id string) (*types.MissionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+missionRunColumns+` FROM mission_runs WHERE id = ?`, id)
	r, err := scanMissionRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// LatestRunByRequest returns the newest run carrying the given request id.
// Cancel-by-request resolves through this, so the last run wins.
func (s *Store) LatestRunByRequest(requestID string) (*types.MissionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+missionRunColumns+` FROM mission_runs WHERE request_id = ? ORDER BY created_at DESC LIMIT 1`,
		requestID,
	)
	r, err := scanMissionRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission run for request %q: %w", requestID, ErrNotFound)
	}
	return r, err
}

// ListMissionRuns returns a mission's runs, newest first. limit <= 0 returns all.
func (s *Store) ListMissionRuns(missionID string, limit int) ([]*types.MissionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + missionRunColumns + ` FROM mission_runs WHERE mission_id = ? ORDER BY created_at DESC`
	args := []interface{}{missionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mission runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.MissionRun
	for rows.Next() {
		r, err := scanMissionRun(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable mission run row: %v", err)
			continue
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// MarkMissionRunRunning transitions a run to running, stamping started_at
// only on the first transition so resume-after-gate keeps the original.
func (s *Store) MarkMissionRunRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE mission_runs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
		types.MissionRunning, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark mission run running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mission run %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetMissionRunStatus writes the run status (and error message, which may be
// empty). Terminal statuses stamp completed_at.
func (s *Store) SetMissionRunStatus(id string, status types.MissionRunStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	var err error
	if status.Terminal() {
		res, err = s.db.Exec(
			`UPDATE mission_runs SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
			status, errorMessage, time.Now().UTC(), id,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE mission_runs SET status = ?, error_message = ? WHERE id = ?`,
			status, errorMessage, id,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to set mission run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mission run %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateMissionRunContext writes the prompt hash, provider/model, and
// context snapshot recorded at context-assembly time.
func (s *Store) UpdateMissionRunContext(id, promptHash, provider, model string, snapshot json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE mission_runs SET prompt_hash = ?, provider = ?, model = ?, context_snapshot = ? WHERE id = ?`,
		promptHash, provider, model, rawString(snapshot), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update mission run context: %w", err)
	}
	return nil
}

// =============================================================================
// OUTPUTS, GATES, ACTIONS
// =============================================================================

// AppendMissionOutput appends one artifact row, assigning the next ordinal.
func (s *Store) AppendMissionOutput(runID, kind string, content json.RawMessage) (*types.MissionOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin output append: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(ordinal), -1) + 1 FROM mission_run_outputs WHERE mission_run_id = ?`, runID,
	).Scan(&next); err != nil {
		return nil, fmt.Errorf("failed to compute output ordinal: %w", err)
	}

	out := &types.MissionOutput{
		ID:           uuid.NewString(),
		MissionRunID: runID,
		Ordinal:      next,
		Kind:         kind,
		Content:      content,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = tx.Exec(
		`INSERT INTO mission_run_outputs (id, mission_run_id, ordinal, kind, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		out.ID, out.MissionRunID, out.Ordinal, out.Kind, rawString(out.Content), out.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append output: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit output append: %w", err)
	}
	return out, nil
}

// ListMissionOutputs returns a run's outputs in append order.
func (s *Store) ListMissionOutputs(runID string) ([]*types.MissionOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, mission_run_id, ordinal, kind, content, created_at FROM mission_run_outputs WHERE mission_run_id = ? ORDER BY ordinal`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	defer rows.Close()

	var outputs []*types.MissionOutput
	for rows.Next() {
		var o types.MissionOutput
		var content string
		if err := rows.Scan(&o.ID, &o.MissionRunID, &o.Ordinal, &o.Kind, &content, &o.CreatedAt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable output row: %v", err)
			continue
		}
		o.Content = stringRaw(content)
		outputs = append(outputs, &o)
	}
	return outputs, rows.Err()
}

// CreateGate inserts a pending approval gate. A run may hold at most one
// pending gate; a second create fails with ErrDuplicate.
func (s *Store) CreateGate(g *types.MissionGate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM mission_run_gates WHERE mission_run_id = ? AND status = ?`,
		g.MissionRunID, types.GatePending,
	).Scan(&pending); err != nil {
		return fmt.Errorf("failed to check pending gates: %w", err)
	}
	if pending > 0 {
		return fmt.Errorf("run %s already has a pending gate: %w", g.MissionRunID, ErrDuplicate)
	}

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.Status = types.GatePending
	g.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(
		`INSERT INTO mission_run_gates (id, mission_run_id, message, status, created_at, decided_at) VALUES (?, ?, ?, ?, ?, NULL)`,
		g.ID, g.MissionRunID, g.Message, g.Status, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create gate: %w", err)
	}
	return nil
}

// GetPendingGate returns the run's pending gate.
func (s *Store) GetPendingGate(runID string) (*types.MissionGate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var g types.MissionGate
	var decided sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, mission_run_id, message, status, created_at, decided_at FROM mission_run_gates
		 WHERE mission_run_id = ? AND status = ?`,
		runID, types.GatePending,
	).Scan(&g.ID, &g.MissionRunID, &g.Message, &g.Status, &g.CreatedAt, &decided)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending gate for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending gate: %w", err)
	}
	g.DecidedAt = timePtr(decided)
	return &g, nil
}

// DecideGate records the operator's decision on a pending gate.
func (s *Store) DecideGate(gateID string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := types.GateApproved
	if !approved {
		status = types.GateRejected
	}

	res, err := s.db.Exec(
		`UPDATE mission_run_gates SET status = ?, decided_at = ? WHERE id = ? AND status = ?`,
		status, time.Now().UTC(), gateID, types.GatePending,
	)
	if err != nil {
		return fmt.Errorf("failed to decide gate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending gate %s: %w", gateID, ErrNotFound)
	}
	return nil
}

// CreateMissionActions inserts the pre-created pending action rows for a
// gated run, preserving their given order.
func (s *Store) CreateMissionActions(actions []*types.MissionAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin action insert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, a := range actions {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.Status == "" {
			a.Status = types.ActionPending
		}
		a.Ordinal = i
		a.CreatedAt = now

		_, err := tx.Exec(
			`INSERT INTO mission_run_actions (id, mission_run_id, ordinal, kind, payload, status, result, error_message, created_at, executed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			a.ID, a.MissionRunID, a.Ordinal, a.Kind, rawString(a.Payload), a.Status,
			rawString(a.Result), a.ErrorMessage, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert action %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// ListMissionActions returns a run's actions in insertion order.
func (s *Store) ListMissionActions(runID string) ([]*types.MissionAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, mission_run_id, ordinal, kind, payload, status, result, error_message, created_at, executed_at
		 FROM mission_run_actions WHERE mission_run_id = ? ORDER BY ordinal`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*types.MissionAction
	for rows.Next() {
		var a types.MissionAction
		var payload, result string
		var executed sql.NullTime
		if err := rows.Scan(&a.ID, &a.MissionRunID, &a.Ordinal, &a.Kind, &payload, &a.Status, &result, &a.ErrorMessage, &a.CreatedAt, &executed); err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable action row: %v", err)
			continue
		}
		a.Payload = stringRaw(payload)
		a.Result = stringRaw(result)
		a.ExecutedAt = timePtr(executed)
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

// UpdateMissionAction writes an action's terminal state.
func (s *Store) UpdateMissionAction(a *types.MissionAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE mission_run_actions SET status = ?, result = ?, error_message = ?, executed_at = ? WHERE id = ?`,
		a.Status, rawString(a.Result), a.ErrorMessage, nullTime(a.ExecutedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update action %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func scanMission(r rowScanner) (*types.Mission, error) {
	var m types.Mission
	var enabled int
	var definition, domainIDs, paramSchema string

	err := r.Scan(&m.ID, &m.Name, &m.Description, &definition, &m.DefinitionHash, &enabled, &domainIDs, &paramSchema, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.Definition = stringRaw(definition)
	m.ParamSchema = stringRaw(paramSchema)
	m.Enabled = enabled != 0
	if domainIDs != "" {
		if err := json.Unmarshal([]byte(domainIDs), &m.DomainIDs); err != nil {
			return nil, fmt.Errorf("corrupt domain_ids for mission %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func scanMissionRun(r rowScanner) (*types.MissionRun, error) {
	var run types.MissionRun
	var params, snapshot string
	var started, completed sql.NullTime

	err := r.Scan(&run.ID, &run.MissionID, &run.DomainID, &run.RequestID, &params, &run.DefinitionHash,
		&run.PromptHash, &run.Provider, &run.Model, &snapshot, &run.Status, &run.ErrorMessage,
		&run.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}

	run.Params = stringRaw(params)
	run.ContextSnapshot = stringRaw(snapshot)
	run.StartedAt = timePtr(started)
	run.CompletedAt = timePtr(completed)
	return &run, nil
}
