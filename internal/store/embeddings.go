package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// UpsertChunkEmbedding replaces the stored vector for (chunk_id, model_name).
// The upsert is DELETE+INSERT so a re-embed always gets a fresh row and
// created_at reflects the actual embed time.
func (s *Store) UpsertChunkEmbedding(e *types.ChunkEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin embedding upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM chunk_embeddings WHERE chunk_id = ? AND model_name = ?`,
		e.ChunkID, e.ModelName,
	); err != nil {
		return fmt.Errorf("failed to clear old embedding: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO chunk_embeddings (id, chunk_id, model_name, dimensions, vector, content_hash, provider_fingerprint, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ChunkID, e.ModelName, e.Dimensions, e.Vector, e.ContentHash, e.ProviderFingerprint, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert embedding: %w", err)
	}

	return tx.Commit()
}

// ListChunksNeedingEmbedding returns the chunks in a domain whose embedding
// under the given model is absent, has a drifted content hash, or was made
// by a different client fingerprint.
func (s *Store) ListChunksNeedingEmbedding(domainID, modelName, fingerprint string) ([]*types.KBChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+prefixColumns("c", kbChunkColumns)+`
		 FROM kb_chunks c
		 JOIN kb_files f ON c.kb_file_id = f.id
		 LEFT JOIN chunk_embeddings e ON e.chunk_id = c.id AND e.model_name = ?
		 WHERE f.domain_id = ?
		   AND (e.id IS NULL OR e.content_hash != c.content_hash OR e.provider_fingerprint != ?)
		 ORDER BY f.relative_path, c.ordinal`,
		modelName, domainID, fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks needing embedding: %w", err)
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

// EmbeddedChunk is a chunk joined with its stored vector and file metadata,
// as consumed by the retrieval scorer.
type EmbeddedChunk struct {
	Chunk        types.KBChunk
	Vector       []byte
	Dimensions   int
	FilePath     string
	FileSyncedAt time.Time
}

// ListEmbeddedChunks returns every chunk in the domain that has a stored
// embedding under the given model.
func (s *Store) ListEmbeddedChunks(domainID, modelName string) ([]*EmbeddedChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+prefixColumns("c", kbChunkColumns)+`, e.vector, e.dimensions, f.relative_path, f.last_synced_at
		 FROM chunk_embeddings e
		 JOIN kb_chunks c ON e.chunk_id = c.id
		 JOIN kb_files f ON c.kb_file_id = f.id
		 WHERE f.domain_id = ? AND e.model_name = ?
		 ORDER BY f.relative_path, c.ordinal`,
		domainID, modelName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list embedded chunks: %w", err)
	}
	defer rows.Close()

	var out []*EmbeddedChunk
	for rows.Next() {
		var ec EmbeddedChunk
		var synced sql.NullTime
		c := &ec.Chunk
		err := rows.Scan(&c.ID, &c.KBFileID, &c.ChunkKey, &c.Ordinal, &c.HeadingPath, &c.Content, &c.ContentHash,
			&c.FileContentHash, &c.CharCount, &c.TokenEstimate, &c.StartLine, &c.EndLine, &c.CreatedAt, &c.UpdatedAt,
			&ec.Vector, &ec.Dimensions, &ec.FilePath, &synced)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable embedded chunk row: %v", err)
			continue
		}
		if synced.Valid {
			ec.FileSyncedAt = synced.Time
		}
		out = append(out, &ec)
	}
	return out, rows.Err()
}

// CountEmbeddings returns how many vectors exist for a domain and model.
func (s *Store) CountEmbeddings(domainID, modelName string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*)
		 FROM chunk_embeddings e
		 JOIN kb_chunks c ON e.chunk_id = c.id
		 JOIN kb_files f ON c.kb_file_id = f.id
		 WHERE f.domain_id = ? AND e.model_name = ?`,
		domainID, modelName,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return count, nil
}

// SaveEmbeddingJob writes the full job row for (domain_id, model_name).
func (s *Store) SaveEmbeddingJob(j *types.EmbeddingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO embedding_jobs
		 (domain_id, model_name, status, total_files, processed_files, total_chunks, embedded_chunks, last_error, fingerprint, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.DomainID, j.ModelName, j.Status, j.TotalFiles, j.ProcessedFiles, j.TotalChunks, j.EmbeddedChunks,
		j.LastError, j.Fingerprint, nullTime(j.StartedAt), j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save embedding job: %w", err)
	}
	return nil
}

// GetEmbeddingJob returns the job row for (domain_id, model_name).
func (s *Store) GetEmbeddingJob(domainID, modelName string) (*types.EmbeddingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var j types.EmbeddingJob
	var started sql.NullTime
	err := s.db.QueryRow(
		`SELECT domain_id, model_name, status, total_files, processed_files, total_chunks, embedded_chunks, last_error, fingerprint, started_at, updated_at
		 FROM embedding_jobs WHERE domain_id = ? AND model_name = ?`,
		domainID, modelName,
	).Scan(&j.DomainID, &j.ModelName, &j.Status, &j.TotalFiles, &j.ProcessedFiles, &j.TotalChunks,
		&j.EmbeddedChunks, &j.LastError, &j.Fingerprint, &started, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("embedding job %s/%s: %w", domainID, modelName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding job: %w", err)
	}
	j.StartedAt = timePtr(started)
	return &j, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
