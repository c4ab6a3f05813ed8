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

const kbFileColumns = "id, domain_id, relative_path, tier, content_hash, size_bytes, last_synced_at, created_at, updated_at"
const kbChunkColumns = "id, kb_file_id, chunk_key, ordinal, heading_path, content, content_hash, file_content_hash, char_count, token_estimate, start_line, end_line, created_at, updated_at"

// UpsertKBFile inserts the file or, when a row already exists for
// (domain_id, relative_path), updates it in place. On update the stored ID
// is written back into f so callers always hold the canonical identity.
func (s *Store) UpsertKBFile(f *types.KBFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var existingID string
	err := s.db.QueryRow(
		`SELECT id FROM kb_files WHERE domain_id = ? AND relative_path = ?`,
		f.DomainID, f.RelativePath,
	).Scan(&existingID)

	switch {
	case err == nil:
		f.ID = existingID
		f.UpdatedAt = now
		_, err = s.db.Exec(
			`UPDATE kb_files SET tier = ?, content_hash = ?, size_bytes = ?, last_synced_at = ?, updated_at = ? WHERE id = ?`,
			f.Tier, f.ContentHash, f.SizeBytes, f.LastSyncedAt.UTC(), f.UpdatedAt, f.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update kb file %s: %w", f.RelativePath, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.CreatedAt = now
		f.UpdatedAt = now
		_, err = s.db.Exec(
			`INSERT INTO kb_files (`+kbFileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.DomainID, f.RelativePath, f.Tier, f.ContentHash, f.SizeBytes, f.LastSyncedAt.UTC(), f.CreatedAt, f.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert kb file %s: %w", f.RelativePath, err)
		}
	default:
		return fmt.Errorf("failed to look up kb file %s: %w", f.RelativePath, err)
	}

	return nil
}

// GetKBFileByPath returns a file by its domain and relative path.
func (s *Store) GetKBFileByPath(domainID, relativePath string) (*types.KBFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+kbFileColumns+` FROM kb_files WHERE domain_id = ? AND relative_path = ?`,
		domainID, relativePath,
	)
	f, err := scanKBFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("kb file %s: %w", relativePath, ErrNotFound)
	}
	return f, err
}

// ListKBFiles returns all files in a domain ordered by path.
func (s *Store) ListKBFiles(domainID string) ([]*types.KBFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+kbFileColumns+` FROM kb_files WHERE domain_id = ? ORDER BY relative_path`,
		domainID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list kb files: %w", err)
	}
	defer rows.Close()

	var files []*types.KBFile
	for rows.Next() {
		f, err := scanKBFile(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable kb file row: %v", err)
			continue
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteKBFile removes a file and its chunks (embeddings cascade).
func (s *Store) DeleteKBFile(domainID, relativePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM kb_files WHERE domain_id = ? AND relative_path = ?`,
		domainID, relativePath,
	)
	if err != nil {
		return fmt.Errorf("failed to delete kb file %s: %w", relativePath, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("kb file %s: %w", relativePath, ErrNotFound)
	}
	return nil
}

// ChunkSyncResult reports what SyncChunks changed.
type ChunkSyncResult struct {
	Inserted  int
	Updated   int
	Preserved int
	Deleted   int
}

// SyncChunks reconciles the stored chunks of one file against the freshly
// chunked content. Chunks are matched by chunk_key: new keys are inserted,
// changed-hash chunks are updated in place (their embeddings go stale by
// hash drift), equal-hash chunks keep their row and embeddings, and keys
// absent from the incoming set are deleted with their embeddings.
func (s *Store) SyncChunks(fileID string, chunks []*types.KBChunk) (ChunkSyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result ChunkSyncResult

	tx, err := s.db.Begin()
	if err != nil {
		return result, fmt.Errorf("failed to begin chunk sync: %w", err)
	}
	defer tx.Rollback()

	type existing struct {
		id   string
		hash string
	}
	current := make(map[string]existing)

	rows, err := tx.Query(`SELECT chunk_key, id, content_hash FROM kb_chunks WHERE kb_file_id = ?`, fileID)
	if err != nil {
		return result, fmt.Errorf("failed to load existing chunks: %w", err)
	}
	for rows.Next() {
		var key string
		var e existing
		if err := rows.Scan(&key, &e.id, &e.hash); err != nil {
			continue
		}
		current[key] = e
	}
	rows.Close()

	now := time.Now().UTC()
	seen := make(map[string]bool, len(chunks))

	for _, c := range chunks {
		seen[c.ChunkKey] = true
		prev, exists := current[c.ChunkKey]

		switch {
		case !exists:
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			c.KBFileID = fileID
			c.CreatedAt = now
			c.UpdatedAt = now
			_, err = tx.Exec(
				`INSERT INTO kb_chunks (`+kbChunkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.KBFileID, c.ChunkKey, c.Ordinal, c.HeadingPath, c.Content, c.ContentHash,
				c.FileContentHash, c.CharCount, c.TokenEstimate, c.StartLine, c.EndLine, c.CreatedAt, c.UpdatedAt,
			)
			if err != nil {
				return result, fmt.Errorf("failed to insert chunk %s: %w", c.ChunkKey, err)
			}
			result.Inserted++

		case prev.hash != c.ContentHash:
			c.ID = prev.id
			c.KBFileID = fileID
			c.UpdatedAt = now
			_, err = tx.Exec(
				`UPDATE kb_chunks SET ordinal = ?, heading_path = ?, content = ?, content_hash = ?, file_content_hash = ?,
				 char_count = ?, token_estimate = ?, start_line = ?, end_line = ?, updated_at = ? WHERE id = ?`,
				c.Ordinal, c.HeadingPath, c.Content, c.ContentHash, c.FileContentHash,
				c.CharCount, c.TokenEstimate, c.StartLine, c.EndLine, c.UpdatedAt, c.ID,
			)
			if err != nil {
				return result, fmt.Errorf("failed to update chunk %s: %w", c.ChunkKey, err)
			}
			result.Updated++

		default:
			// Content unchanged; refresh position metadata only so the
			// stored embedding stays valid.
			c.ID = prev.id
			c.KBFileID = fileID
			_, err = tx.Exec(
				`UPDATE kb_chunks SET ordinal = ?, heading_path = ?, file_content_hash = ?, start_line = ?, end_line = ?, updated_at = ? WHERE id = ?`,
				c.Ordinal, c.HeadingPath, c.FileContentHash, c.StartLine, c.EndLine, now, c.ID,
			)
			if err != nil {
				return result, fmt.Errorf("failed to refresh chunk %s: %w", c.ChunkKey, err)
			}
			result.Preserved++
		}
	}

	for key, prev := range current {
		if seen[key] {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM kb_chunks WHERE id = ?`, prev.id); err != nil {
			return result, fmt.Errorf("failed to delete orphan chunk %s: %w", key, err)
		}
		result.Deleted++
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit chunk sync: %w", err)
	}

	logging.StoreDebug("Synced chunks for file %s: +%d ~%d =%d -%d",
		fileID, result.Inserted, result.Updated, result.Preserved, result.Deleted)
	return result, nil
}

// ListChunksByFile returns a file's chunks in ordinal order.
func (s *Store) ListChunksByFile(fileID string) ([]*types.KBChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+kbChunkColumns+` FROM kb_chunks WHERE kb_file_id = ? ORDER BY ordinal`,
		fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*types.KBChunk
	for rows.Next() {
		c, err := scanKBChunk(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable chunk row: %v", err)
			continue
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunksByDomain returns the number of chunks across all of a domain's files.
func (s *Store) CountChunksByDomain(domainID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM kb_chunks c JOIN kb_files f ON c.kb_file_id = f.id WHERE f.domain_id = ?`,
		domainID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

func scanKBFile(r rowScanner) (*types.KBFile, error) {
	var f types.KBFile
	var synced sql.NullTime
	err := r.Scan(&f.ID, &f.DomainID, &f.RelativePath, &f.Tier, &f.ContentHash, &f.SizeBytes, &synced, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if synced.Valid {
		f.LastSyncedAt = synced.Time
	}
	return &f, nil
}

func scanKBChunk(r rowScanner) (*types.KBChunk, error) {
	var c types.KBChunk
	err := r.Scan(&c.ID, &c.KBFileID, &c.ChunkKey, &c.Ordinal, &c.HeadingPath, &c.Content, &c.ContentHash,
		&c.FileContentHash, &c.CharCount, &c.TokenEstimate, &c.StartLine, &c.EndLine, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
