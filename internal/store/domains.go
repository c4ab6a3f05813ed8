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

const domainColumns = "id, name, kb_path, provider, model, allow_external, sort_order, created_at, updated_at"

// CreateDomain inserts a new domain. An empty ID is filled with a new UUID;
// timestamps are stamped here.
func (s *Store) CreateDomain(d *types.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO domains (`+domainColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.KBPath, d.Provider, d.Model, boolInt(d.AllowExternal), d.SortOrder, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create domain %q: %w", d.Name, err)
	}

	logging.Store("Created domain %s (%s)", d.Name, d.ID)
	return nil
}

// GetDomain returns the domain with the given id.
func (s *Store) GetDomain(id string) (*types.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+domainColumns+` FROM domains WHERE id = ?`, id)
	d, err := scanDomain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("domain %s: %w", id, ErrNotFound)
	}
	return d, err
}

// GetDomainByName returns the domain with the given name.
func (s *Store) GetDomainByName(name string) (*types.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+domainColumns+` FROM domains WHERE name = ?`, name)
	d, err := scanDomain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("domain %q: %w", name, ErrNotFound)
	}
	return d, err
}

// ListDomains returns all domains ordered by sort position, then name.
func (s *Store) ListDomains() ([]*types.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + domainColumns + ` FROM domains ORDER BY sort_order, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	var domains []*types.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable domain row: %v", err)
			continue
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// UpdateDomain persists mutable domain fields.
func (s *Store) UpdateDomain(d *types.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE domains SET name = ?, kb_path = ?, provider = ?, model = ?, allow_external = ?, sort_order = ?, updated_at = ?
		 WHERE id = ?`,
		d.Name, d.KBPath, d.Provider, d.Model, boolInt(d.AllowExternal), d.SortOrder, d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update domain %s: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("domain %s: %w", d.ID, ErrNotFound)
	}
	return nil
}

// DeleteDomain removes a domain and everything it owns. KB files, chunks,
// embeddings, automations, runs, and sessions cascade through foreign keys;
// protocols and mission runs are domain-tagged without an FK and are cleared
// here.
func (s *Store) DeleteDomain(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM protocols WHERE domain_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete domain protocols: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM mission_runs WHERE domain_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete domain mission runs: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM domains WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete domain %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("domain %s: %w", id, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	logging.Store("Deleted domain %s", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDomain(r rowScanner) (*types.Domain, error) {
	var d types.Domain
	var allowExternal int
	err := r.Scan(&d.ID, &d.Name, &d.KBPath, &d.Provider, &d.Model, &allowExternal, &d.SortOrder, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.AllowExternal = allowExternal != 0
	return &d, nil
}
