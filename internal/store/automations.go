package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

const automationColumns = "id, domain_id, name, prompt_template, trigger_kind, trigger_cron, trigger_event, action_kind, action_config, enabled, failure_streak, cooldown_until, run_count, last_run_at, store_payloads, catch_up_enabled, deadline_window_days, duplicate_skip_count, last_duplicate_at, created_at, updated_at"

// CreateAutomation validates and inserts a new automation.
func (s *Store) CreateAutomation(a *types.Automation) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid automation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO automations (`+automationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DomainID, a.Name, a.PromptTemplate, a.TriggerKind, a.TriggerCron, a.TriggerEvent,
		a.ActionKind, rawString(a.ActionConfig), boolInt(a.Enabled), a.FailureStreak, nullTime(a.CooldownUntil),
		a.RunCount, nullTime(a.LastRunAt), boolInt(a.StorePayloads), boolInt(a.CatchUpEnabled),
		a.DeadlineWindowDays, a.DuplicateSkipCount, nullTime(a.LastDuplicateAt), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create automation %q: %w", a.Name, err)
	}

	logging.Store("Created automation %s (%s, trigger=%s)", a.Name, a.ID, a.TriggerKind)
	return nil
}

// GetAutomation returns the automation with the given id.
func (s *Store) GetAutomation(id string) (*types.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+automationColumns+` FROM automations WHERE id = ?`, id)
	a, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("automation %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAutomations returns a domain's automations; pass an empty domain id
// for all domains.
func (s *Store) ListAutomations(domainID string) ([]*types.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + automationColumns + ` FROM automations ORDER BY name`
	args := []interface{}{}
	if domainID != "" {
		query = `SELECT ` + automationColumns + ` FROM automations WHERE domain_id = ? ORDER BY name`
		args = append(args, domainID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}
	defer rows.Close()

	return collectAutomations(rows)
}

// ListEnabledSchedules returns every enabled schedule automation.
func (s *Store) ListEnabledSchedules() ([]*types.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+automationColumns+` FROM automations WHERE enabled = 1 AND trigger_kind = ?`,
		types.TriggerSchedule,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule automations: %w", err)
	}
	defer rows.Close()

	return collectAutomations(rows)
}

// ListEnabledByEvent returns every enabled automation subscribed to the
// given event type.
func (s *Store) ListEnabledByEvent(event types.EventType) ([]*types.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+automationColumns+` FROM automations WHERE enabled = 1 AND trigger_kind = ? AND trigger_event = ?`,
		types.TriggerEvent, event,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list event automations: %w", err)
	}
	defer rows.Close()

	return collectAutomations(rows)
}

// UpdateAutomation validates and persists all mutable fields.
func (s *Store) UpdateAutomation(a *types.Automation) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid automation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE automations SET name = ?, prompt_template = ?, trigger_kind = ?, trigger_cron = ?, trigger_event = ?,
		 action_kind = ?, action_config = ?, enabled = ?, store_payloads = ?, catch_up_enabled = ?,
		 deadline_window_days = ?, updated_at = ? WHERE id = ?`,
		a.Name, a.PromptTemplate, a.TriggerKind, a.TriggerCron, a.TriggerEvent, a.ActionKind,
		rawString(a.ActionConfig), boolInt(a.Enabled), boolInt(a.StorePayloads), boolInt(a.CatchUpEnabled),
		a.DeadlineWindowDays, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update automation %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("automation %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// SetAutomationEnabled flips the enabled flag.
func (s *Store) SetAutomationEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE automations SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set automation enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("automation %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateFailureState writes the failure streak and cooldown horizon after a
// run finalizes.
func (s *Store) UpdateFailureState(id string, streak int, cooldownUntil *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE automations SET failure_streak = ?, cooldown_until = ?, updated_at = ? WHERE id = ?`,
		streak, nullTime(cooldownUntil), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update failure state: %w", err)
	}
	return nil
}

// MarkAutomationRan bumps run_count and records the dispatch time.
func (s *Store) MarkAutomationRan(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE automations SET run_count = run_count + 1, last_run_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark automation ran: %w", err)
	}
	return nil
}

// RecordDuplicateSkip notes that a run insert lost a dedupe race.
func (s *Store) RecordDuplicateSkip(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE automations SET duplicate_skip_count = duplicate_skip_count + 1, last_duplicate_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record duplicate skip: %w", err)
	}
	return nil
}

// DeleteAutomation removes an automation and its runs.
func (s *Store) DeleteAutomation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM automations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete automation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("automation %s: %w", id, ErrNotFound)
	}
	return nil
}

func collectAutomations(rows *sql.Rows) ([]*types.Automation, error) {
	var automations []*types.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable automation row: %v", err)
			continue
		}
		automations = append(automations, a)
	}
	return automations, rows.Err()
}

func scanAutomation(r rowScanner) (*types.Automation, error) {
	var a types.Automation
	var enabled, storePayloads, catchUp int
	var actionConfig string
	var cooldown, lastRun, lastDup sql.NullTime

	err := r.Scan(&a.ID, &a.DomainID, &a.Name, &a.PromptTemplate, &a.TriggerKind, &a.TriggerCron, &a.TriggerEvent,
		&a.ActionKind, &actionConfig, &enabled, &a.FailureStreak, &cooldown, &a.RunCount, &lastRun,
		&storePayloads, &catchUp, &a.DeadlineWindowDays, &a.DuplicateSkipCount, &lastDup, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.ActionConfig = stringRaw(actionConfig)
	a.Enabled = enabled != 0
	a.StorePayloads = storePayloads != 0
	a.CatchUpEnabled = catchUp != 0
	a.CooldownUntil = timePtr(cooldown)
	a.LastRunAt = timePtr(lastRun)
	a.LastDuplicateAt = timePtr(lastDup)
	return &a, nil
}
