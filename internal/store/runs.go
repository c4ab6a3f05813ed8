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

const runColumns = "id, automation_id, domain_id, trigger_kind, trigger_data, dedupe_key, status, error_code, error_message, prompt_hash, response_hash, action_result, action_external_id, created_at, started_at, completed_at, duration_ms"

// InsertRun inserts a run row keyed by its dedupe key. When another run
// already holds the key the insert is a no-op and ErrDuplicate is returned;
// the caller records the skip and exits silently. Duplicate detection is
// INSERT OR IGNORE + RowsAffected, never driver error matching.
func (s *Store) InsertRun(r *types.AutomationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = types.RunPending
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO automation_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AutomationID, r.DomainID, r.TriggerKind, rawString(r.TriggerData), r.DedupeKey,
		r.Status, r.ErrorCode, r.ErrorMessage, r.PromptHash, r.ResponseHash, r.ActionResult,
		r.ActionExternalID, r.CreatedAt, nullTime(r.StartedAt), nullTime(r.CompletedAt), r.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run with dedupe key %q: %w", r.DedupeKey, ErrDuplicate)
	}
	return nil
}

// MarkRunRunning transitions a run to running and records its start time.
func (s *Store) MarkRunRunning(id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE automation_runs SET status = ?, started_at = ? WHERE id = ?`,
		types.RunRunning, startedAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinalizeRun writes the terminal fields of a run: status, error info,
// action results, hashes, completion time, and duration.
func (s *Store) FinalizeRun(r *types.AutomationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE automation_runs SET status = ?, error_code = ?, error_message = ?, prompt_hash = ?, response_hash = ?,
		 action_result = ?, action_external_id = ?, completed_at = ?, duration_ms = ? WHERE id = ?`,
		r.Status, r.ErrorCode, r.ErrorMessage, r.PromptHash, r.ResponseHash,
		r.ActionResult, r.ActionExternalID, nullTime(r.CompletedAt), r.DurationMs, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(id string) (*types.AutomationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+runColumns+` FROM automation_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// GetRunByDedupeKey returns the run holding the given dedupe key.
func (s *Store) GetRunByDedupeKey(key string) (*types.AutomationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+runColumns+` FROM automation_runs WHERE dedupe_key = ?`, key)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run with dedupe key %q: %w", key, ErrNotFound)
	}
	return r, err
}

// ListRuns returns an automation's runs, newest first. limit <= 0 returns all.
func (s *Store) ListRuns(automationID string, limit int) ([]*types.AutomationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + runColumns + ` FROM automation_runs WHERE automation_id = ? ORDER BY created_at DESC`
	args := []interface{}{automationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.AutomationRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable run row: %v", err)
			continue
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecoverStaleRuns marks runs abandoned by a crash as failed with the
// crash_recovery code: pending runs created before pendingBefore and
// running runs started before runningBefore. Returns how many were marked.
func (s *Store) RecoverStaleRuns(pendingBefore, runningBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	total := 0

	res, err := s.db.Exec(
		`UPDATE automation_runs SET status = ?, error_code = ?, error_message = 'recovered after restart', completed_at = ?
		 WHERE status = ? AND created_at < ?`,
		types.RunFailed, types.ErrCodeCrashRecovery, now, types.RunPending, pendingBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover pending runs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += int(n)
	}

	res, err = s.db.Exec(
		`UPDATE automation_runs SET status = ?, error_code = ?, error_message = 'recovered after restart', completed_at = ?
		 WHERE status = ? AND started_at < ?`,
		types.RunFailed, types.ErrCodeCrashRecovery, now, types.RunRunning, runningBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover running runs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += int(n)
	}

	if total > 0 {
		logging.Store("Crash recovery marked %d stale runs failed", total)
	}
	return total, nil
}

// PruneRuns deletes runs that are both older than the cutoff and beyond the
// most recent keepPerAutomation rows of their automation. Returns how many
// were deleted; safe to repeat.
func (s *Store) PruneRuns(olderThan time.Time, keepPerAutomation int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM automation_runs
		 WHERE created_at < ?
		   AND id NOT IN (
		     SELECT r2.id FROM automation_runs r2
		     WHERE r2.automation_id = automation_runs.automation_id
		     ORDER BY r2.created_at DESC
		     LIMIT ?
		   )`,
		olderThan.UTC(), keepPerAutomation,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Retention pruned %d automation runs", n)
	}
	return int(n), nil
}

func scanRun(r rowScanner) (*types.AutomationRun, error) {
	var run types.AutomationRun
	var triggerData string
	var started, completed sql.NullTime

	err := r.Scan(&run.ID, &run.AutomationID, &run.DomainID, &run.TriggerKind, &triggerData, &run.DedupeKey,
		&run.Status, &run.ErrorCode, &run.ErrorMessage, &run.PromptHash, &run.ResponseHash,
		&run.ActionResult, &run.ActionExternalID, &run.CreatedAt, &started, &completed, &run.DurationMs)
	if err != nil {
		return nil, err
	}

	run.TriggerData = stringRaw(triggerData)
	run.StartedAt = timePtr(started)
	run.CompletedAt = timePtr(completed)
	return &run, nil
}
