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

// UpsertProtocol inserts the protocol or updates the existing row with the
// same (domain_id, name), preserving its identity.
func (s *Store) UpsertProtocol(p *types.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var existingID string
	err := s.db.QueryRow(
		`SELECT id FROM protocols WHERE domain_id = ? AND name = ?`,
		p.DomainID, p.Name,
	).Scan(&existingID)

	switch {
	case err == nil:
		p.ID = existingID
		p.UpdatedAt = now
		_, err = s.db.Exec(
			`UPDATE protocols SET content = ?, built_in = ?, updated_at = ? WHERE id = ?`,
			p.Content, boolInt(p.BuiltIn), p.UpdatedAt, p.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update protocol %q: %w", p.Name, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.CreatedAt = now
		p.UpdatedAt = now
		_, err = s.db.Exec(
			`INSERT INTO protocols (id, domain_id, name, content, built_in, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.DomainID, p.Name, p.Content, boolInt(p.BuiltIn), p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert protocol %q: %w", p.Name, err)
		}
		logging.KB("Created protocol %s (domain=%q)", p.Name, p.DomainID)
	default:
		return fmt.Errorf("failed to look up protocol %q: %w", p.Name, err)
	}

	return nil
}

// GetProtocol returns a protocol by domain and name. Pass an empty domain
// id for global protocols.
func (s *Store) GetProtocol(domainID, name string) (*types.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, domain_id, name, content, built_in, created_at, updated_at FROM protocols WHERE domain_id = ? AND name = ?`,
		domainID, name,
	)
	p, err := scanProtocol(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("protocol %q: %w", name, ErrNotFound)
	}
	return p, err
}

// ListProtocols returns a domain's protocols together with the globals,
// globals first, each group sorted by name.
func (s *Store) ListProtocols(domainID string) ([]*types.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, domain_id, name, content, built_in, created_at, updated_at FROM protocols
		 WHERE domain_id = '' OR domain_id = ?
		 ORDER BY CASE WHEN domain_id = '' THEN 0 ELSE 1 END, name`,
		domainID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list protocols: %w", err)
	}
	defer rows.Close()

	var protocols []*types.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable protocol row: %v", err)
			continue
		}
		protocols = append(protocols, p)
	}
	return protocols, rows.Err()
}

// DeleteProtocol removes a protocol by domain and name.
func (s *Store) DeleteProtocol(domainID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM protocols WHERE domain_id = ? AND name = ?`, domainID, name)
	if err != nil {
		return fmt.Errorf("failed to delete protocol %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("protocol %q: %w", name, ErrNotFound)
	}
	return nil
}

func scanProtocol(r rowScanner) (*types.Protocol, error) {
	var p types.Protocol
	var builtIn int
	err := r.Scan(&p.ID, &p.DomainID, &p.Name, &p.Content, &builtIn, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.BuiltIn = builtIn != 0
	return &p, nil
}
