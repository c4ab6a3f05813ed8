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

const intakeColumns = "id, source_type, external_id, source_url, title, content, extraction_mode, classification, domain_id, status, metadata, created_at"

// CreateIntakeItem inserts a captured item. A second capture of the same
// (source_type, external_id) returns ErrDuplicate without touching the
// existing row.
func (s *Store) CreateIntakeItem(item *types.IntakeItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = types.IntakePending
	}
	item.CreatedAt = time.Now().UTC()

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO intake_items (`+intakeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.SourceType, item.ExternalID, item.SourceURL, item.Title, item.Content,
		item.ExtractionMode, item.Classification, item.DomainID, item.Status, rawString(item.Metadata), item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create intake item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("intake item %s/%s: %w", item.SourceType, item.ExternalID, ErrDuplicate)
	}

	logging.Intake("Captured %s item %s (%s)", item.SourceType, item.ExternalID, item.ID)
	return nil
}

// IntakeExists reports whether an item with the given source identity is
// already stored.
func (s *Store) IntakeExists(sourceType types.IntakeSource, externalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM intake_items WHERE source_type = ? AND external_id = ?`,
		sourceType, externalID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check intake existence: %w", err)
	}
	return count > 0, nil
}

// GetIntakeItem returns the item with the given id.
func (s *Store) GetIntakeItem(id string) (*types.IntakeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+intakeColumns+` FROM intake_items WHERE id = ?`, id)
	item, err := scanIntakeItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("intake item %s: %w", id, ErrNotFound)
	}
	return item, err
}

// ListIntakeItems returns items with the given status, newest first;
// an empty status returns everything.
func (s *Store) ListIntakeItems(status types.IntakeStatus, limit int) ([]*types.IntakeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + intakeColumns + ` FROM intake_items`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list intake items: %w", err)
	}
	defer rows.Close()

	var items []*types.IntakeItem
	for rows.Next() {
		item, err := scanIntakeItem(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable intake row: %v", err)
			continue
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClassifyIntakeItem assigns an item to a domain.
func (s *Store) ClassifyIntakeItem(id, domainID, classification string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE intake_items SET domain_id = ?, classification = ?, status = ? WHERE id = ?`,
		domainID, classification, types.IntakeClassified, id,
	)
	if err != nil {
		return fmt.Errorf("failed to classify intake item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("intake item %s: %w", id, ErrNotFound)
	}
	return nil
}

// DismissIntakeItem marks an item as not worth routing.
func (s *Store) DismissIntakeItem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE intake_items SET status = ? WHERE id = ?`,
		types.IntakeDismissed, id,
	)
	if err != nil {
		return fmt.Errorf("failed to dismiss intake item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("intake item %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanIntakeItem(r rowScanner) (*types.IntakeItem, error) {
	var item types.IntakeItem
	var metadata string
	err := r.Scan(&item.ID, &item.SourceType, &item.ExternalID, &item.SourceURL, &item.Title, &item.Content,
		&item.ExtractionMode, &item.Classification, &item.DomainID, &item.Status, &metadata, &item.CreatedAt)
	if err != nil {
		return nil, err
	}
	item.Metadata = stringRaw(metadata)
	return &item, nil
}
