// Package types provides shared type definitions used across DomainOS packages.
// This package exists to break import cycles between store, engine, chat, and
// mission. Types in this package should be foundational data structures with
// no complex dependencies.
package types

import (
	"time"
)

// =============================================================================
// DOMAIN
// =============================================================================

// Domain is the top-level unit of organization. Every KB file, automation,
// mission run, and chat session belongs to exactly one domain. Deleting a
// domain cascades to everything it owns.
type Domain struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	KBPath        string    `json:"kb_path"`        // absolute root of this domain's knowledge base
	Provider      string    `json:"provider"`       // optional per-domain provider override
	Model         string    `json:"model"`          // optional per-domain model override
	AllowExternal bool      `json:"allow_external"` // permits gmail/gtasks integrations
	SortOrder     int       `json:"sort_order"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// =============================================================================
// KNOWLEDGE BASE FILES AND CHUNKS
// =============================================================================

// KBTier classifies a KB file by how it may be rewritten.
type KBTier string

const (
	TierStructural   KBTier = "structural"   // load-bearing docs; patch-mode edits only
	TierStatus       KBTier = "status"       // current-state docs, rewritten freely
	TierIntelligence KBTier = "intelligence" // accumulated analysis
	TierGeneral      KBTier = "general"
)

// Valid reports whether t is a recognized tier.
func (t KBTier) Valid() bool {
	switch t {
	case TierStructural, TierStatus, TierIntelligence, TierGeneral:
		return true
	}
	return false
}

// WriteMode is how a KB update applies its content to the target file.
type WriteMode string

const (
	WriteFull   WriteMode = "full"   // replace the whole file
	WriteAppend WriteMode = "append" // append to the end
	WritePatch  WriteMode = "patch"  // targeted search/replace edit
)

// Valid reports whether m is a recognized write mode.
func (m WriteMode) Valid() bool {
	switch m {
	case WriteFull, WriteAppend, WritePatch:
		return true
	}
	return false
}

// AllowedForTier reports whether mode m may be applied to a file of tier t.
// Structural files accept only patch edits; all other tiers accept full or
// append but not patch.
func (m WriteMode) AllowedForTier(t KBTier) bool {
	if t == TierStructural {
		return m == WritePatch
	}
	return m == WriteFull || m == WriteAppend
}

// KBFile is one tracked file under a domain's KB root.
// Unique within its domain by RelativePath.
type KBFile struct {
	ID           string    `json:"id"`
	DomainID     string    `json:"domain_id"`
	RelativePath string    `json:"relative_path"`
	Tier         KBTier    `json:"tier"`
	ContentHash  string    `json:"content_hash"` // sha256 of the file at last sync
	SizeBytes    int64     `json:"size_bytes"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// KBChunk is one retrievable slice of a KB file. Chunks are keyed by a
// ChunkKey that is stable across re-syncs of the same file so unchanged
// chunks keep their embeddings. UNIQUE(kb_file_id, chunk_key).
type KBChunk struct {
	ID              string    `json:"id"`
	KBFileID        string    `json:"kb_file_id"`
	ChunkKey        string    `json:"chunk_key"`
	Ordinal         int       `json:"ordinal"`
	HeadingPath     string    `json:"heading_path"` // "H1 > H2 > H3" breadcrumb
	Content         string    `json:"content"`
	ContentHash     string    `json:"content_hash"`
	FileContentHash string    `json:"file_content_hash"` // hash of the whole file this chunk came from
	CharCount       int       `json:"char_count"`
	TokenEstimate   int       `json:"token_estimate"`
	StartLine       int       `json:"start_line,omitempty"` // 0 when unknown
	EndLine         int       `json:"end_line,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// =============================================================================
// EMBEDDINGS
// =============================================================================

// ChunkEmbedding is a stored vector for one chunk under one model.
// UNIQUE(chunk_id, model_name); upsert is DELETE+INSERT.
//
// Vector holds Dimensions little-endian float32 values (Dimensions*4 bytes),
// L2-normalized at embed time so retrieval can score with a plain dot product.
type ChunkEmbedding struct {
	ID                  string    `json:"id"`
	ChunkID             string    `json:"chunk_id"`
	ModelName           string    `json:"model_name"`
	Dimensions          int       `json:"dimensions"`
	Vector              []byte    `json:"-"`
	ContentHash         string    `json:"content_hash"`         // chunk hash snapshotted at embed time
	ProviderFingerprint string    `json:"provider_fingerprint"` // identifies the client config that produced it
	CreatedAt           time.Time `json:"created_at"`
}

// Stale reports whether this embedding no longer matches the chunk content
// or the active embedding client.
func (e *ChunkEmbedding) Stale(chunkHash, fingerprint string) bool {
	return e.ContentHash != chunkHash || e.ProviderFingerprint != fingerprint
}

// EmbeddingJobStatus is the lifecycle state of a per-domain indexing job.
type EmbeddingJobStatus string

const (
	JobIdle    EmbeddingJobStatus = "idle"
	JobRunning EmbeddingJobStatus = "running"
	JobError   EmbeddingJobStatus = "error"
)

// EmbeddingJob tracks indexing progress for one (domain, model) pair.
type EmbeddingJob struct {
	DomainID       string             `json:"domain_id"`
	ModelName      string             `json:"model_name"`
	Status         EmbeddingJobStatus `json:"status"`
	TotalFiles     int                `json:"total_files"`
	ProcessedFiles int                `json:"processed_files"`
	TotalChunks    int                `json:"total_chunks"`
	EmbeddedChunks int                `json:"embedded_chunks"`
	LastError      string             `json:"last_error,omitempty"`
	Fingerprint    string             `json:"fingerprint"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// =============================================================================
// PROTOCOLS
// =============================================================================

// Protocol is a named instruction document injected into prompts.
// DomainID is empty for global protocols. BuiltIn marks seeded defaults
// that are restored on startup if missing.
type Protocol struct {
	ID        string    `json:"id"`
	DomainID  string    `json:"domain_id,omitempty"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	BuiltIn   bool      `json:"built_in"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
