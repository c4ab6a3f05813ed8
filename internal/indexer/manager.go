// Package indexer keeps each domain's knowledge base synced into the store
// and embedded for retrieval. One job runs per domain at a time; requests
// arriving while a job runs set a dirty flag and the loop reruns, so a burst
// of file saves collapses into at most one extra pass.
package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/embedding"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// indexableExtensions are the file types the indexer will chunk and embed.
var indexableExtensions = map[string]bool{
	".md":   true,
	".mdx":  true,
	".txt":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
}

// minEmbedChars skips fragments too short to carry retrievable meaning.
const minEmbedChars = 10

// Invalidator is notified after every indexing pass so cached retrieval
// candidates for the domain are dropped.
type Invalidator interface {
	Invalidate(domainID, modelName string)
}

// Progress is a snapshot of one indexing pass.
type Progress struct {
	DomainID       string
	ProcessedFiles int
	TotalFiles     int
	EmbeddedChunks int
	TotalChunks    int
}

// ProgressFunc receives progress snapshots during a pass.
type ProgressFunc func(Progress)

// activeJob tracks one running per-domain indexing loop.
type activeJob struct {
	cancel  context.CancelFunc
	done    chan struct{}
	dirty   bool
	aborted bool
	kbPath  string
	files   []string
}

// Manager owns the per-domain indexing jobs.
type Manager struct {
	mu   sync.Mutex
	jobs map[string]*activeJob

	store         *store.Store
	client        embedding.Client // nil when embedding is disabled
	batchSize     int
	maxBatchChars int
	cache         Invalidator
	progress      ProgressFunc
}

// NewManager creates an indexing manager. client may be nil, in which case
// passes sync files and chunks but skip the embedding phase.
func NewManager(st *store.Store, client embedding.Client, cfg config.EmbeddingConfig) *Manager {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	maxBatchChars := cfg.MaxBatchChars
	if maxBatchChars <= 0 {
		maxBatchChars = 60000
	}
	return &Manager{
		jobs:          make(map[string]*activeJob),
		store:         st,
		client:        client,
		batchSize:     batchSize,
		maxBatchChars: maxBatchChars,
	}
}

// SetCache wires the retrieval cache invalidated after every pass.
func (m *Manager) SetCache(inv Invalidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = inv
}

// SetProgress wires the progress callback.
func (m *Manager) SetProgress(fn ProgressFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = fn
}

// IndexDomain requests an indexing pass for the domain. If a job is already
// running the request coalesces into its dirty flag; the running loop picks
// it up after the current pass. files is a list of relative paths to sync;
// nil means scan the whole KB directory (and prune rows for deleted files).
func (m *Manager) IndexDomain(domainID, kbPath string, files []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, ok := m.jobs[domainID]; ok {
		job.dirty = true
		job.kbPath = kbPath
		// A full-scan request subsumes any narrower pending one.
		if files == nil {
			job.files = nil
		} else if job.files != nil {
			job.files = append(job.files, files...)
		}
		logging.IndexerDebug("Index request for domain %s coalesced into running job", domainID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &activeJob{
		cancel: cancel,
		done:   make(chan struct{}),
		kbPath: kbPath,
		files:  files,
	}
	m.jobs[domainID] = job
	go m.run(ctx, domainID, job)
}

// Cancel aborts the domain's running job, if any, and waits for it to exit.
func (m *Manager) Cancel(domainID string) {
	m.mu.Lock()
	job, ok := m.jobs[domainID]
	if ok {
		job.aborted = true
		job.cancel()
		delete(m.jobs, domainID)
	}
	m.mu.Unlock()

	if ok {
		<-job.done
		logging.Indexer("Cancelled indexing job for domain %s", domainID)
	}
}

// CancelAll aborts every running job and waits for them to exit.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	jobs := m.jobs
	m.jobs = make(map[string]*activeJob)
	for _, job := range jobs {
		job.aborted = true
		job.cancel()
	}
	m.mu.Unlock()

	for id, job := range jobs {
		<-job.done
		logging.IndexerDebug("Indexing job for domain %s stopped", id)
	}
}

// Wait returns a channel closed when the domain's current job exits.
// Already-closed when no job is running.
func (m *Manager) Wait(domainID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[domainID]; ok {
		return job.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// domainExists reports whether the domain row is still present. Watches
// can outlive a deletion made from another process.
func (m *Manager) domainExists(domainID string) bool {
	_, err := m.store.GetDomain(domainID)
	return err == nil
}

// run is the per-domain job loop: clear dirty, index, and rerun while more
// requests arrived during the pass.
func (m *Manager) run(ctx context.Context, domainID string, job *activeJob) {
	defer close(job.done)

	for {
		m.mu.Lock()
		job.dirty = false
		kbPath := job.kbPath
		files := job.files
		job.files = nil
		cache := m.cache
		m.mu.Unlock()

		timer := logging.StartTimer(logging.CategoryIndexer, fmt.Sprintf("index domain %s", domainID))
		err := m.indexDomainKB(ctx, domainID, kbPath, files)
		timer.StopWithInfo()

		if err != nil && ctx.Err() == nil {
			logging.IndexerError("Indexing pass for domain %s failed: %v", domainID, err)
		}

		// Cached retrieval candidates are stale after any pass, even a
		// failed one that synced some files before erroring.
		if cache != nil && m.client != nil {
			cache.Invalidate(domainID, m.client.Name())
		}

		m.mu.Lock()
		rerun := job.dirty && !job.aborted
		if !rerun {
			if m.jobs[domainID] == job {
				delete(m.jobs, domainID)
			}
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}
}

// indexDomainKB performs one pass: sync files and chunks into the store,
// then embed every chunk whose vector is missing or stale.
func (m *Manager) indexDomainKB(ctx context.Context, domainID, kbPath string, files []string) error {
	fullScan := files == nil
	if fullScan {
		discovered, err := DiscoverKBFiles(kbPath)
		if err != nil {
			return fmt.Errorf("failed to scan KB directory: %w", err)
		}
		files = discovered
	}

	modelName, fingerprint := "", ""
	if m.client != nil {
		modelName = m.client.Name()
		fingerprint = m.client.Fingerprint()
	}

	now := time.Now().UTC()
	jobRow := &types.EmbeddingJob{
		DomainID:    domainID,
		ModelName:   modelName,
		Status:      types.JobRunning,
		TotalFiles:  len(files),
		Fingerprint: fingerprint,
		StartedAt:   &now,
	}
	m.saveJob(jobRow)

	m.report(Progress{DomainID: domainID, TotalFiles: len(files)})

	seen := make(map[string]bool, len(files))
	processed := 0
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.syncFile(domainID, kbPath, rel); err != nil {
			if os.IsNotExist(err) {
				// File vanished between discovery and read; drop its rows.
				if derr := m.store.DeleteKBFile(domainID, rel); derr != nil {
					logging.IndexerWarn("Failed to remove deleted file %s: %v", rel, derr)
				}
			} else {
				logging.IndexerWarn("Skipping unreadable file %s: %v", rel, err)
			}
		} else {
			seen[rel] = true
		}
		processed++
		jobRow.ProcessedFiles = processed
		m.saveJob(jobRow)
		m.report(Progress{DomainID: domainID, ProcessedFiles: processed, TotalFiles: len(files)})
	}

	if fullScan {
		if err := m.pruneMissing(domainID, seen); err != nil {
			logging.IndexerWarn("Failed to prune deleted files for domain %s: %v", domainID, err)
		}
	}

	if m.client == nil {
		logging.IndexerDebug("Embedding disabled; synced %d files for domain %s", processed, domainID)
		return nil
	}

	if err := m.embedPending(ctx, domainID, jobRow); err != nil {
		jobRow.Status = types.JobError
		jobRow.LastError = err.Error()
		m.saveJob(jobRow)
		return err
	}

	jobRow.Status = types.JobIdle
	jobRow.LastError = ""
	m.saveJob(jobRow)
	return nil
}

// syncFile reads one KB file, chunks it, and reconciles chunks in the store.
func (m *Manager) syncFile(domainID, kbPath, rel string) error {
	full := filepath.Join(kbPath, rel)
	data, err := os.ReadFile(full)
	if err != nil {
		return err
	}

	info, err := os.Stat(full)
	if err != nil {
		return err
	}

	content := string(data)
	tier := inferTier(rel)
	if existing, err := m.store.GetKBFileByPath(domainID, rel); err == nil && existing.Tier.Valid() {
		tier = existing.Tier // explicit tier assignments outlive re-indexing
	}

	file := &types.KBFile{
		DomainID:     domainID,
		RelativePath: rel,
		Tier:         tier,
		ContentHash:  hashText(content),
		SizeBytes:    int64(len(data)),
		LastSyncedAt: info.ModTime().UTC(),
	}
	if err := m.store.UpsertKBFile(file); err != nil {
		return err
	}

	chunks := ChunkFile(content)
	result, err := m.store.SyncChunks(file.ID, chunks)
	if err != nil {
		return err
	}
	if result.Inserted+result.Updated+result.Deleted > 0 {
		logging.IndexerDebug("Synced %s: %d new, %d changed, %d kept, %d removed",
			rel, result.Inserted, result.Updated, result.Preserved, result.Deleted)
	}
	return nil
}

// pruneMissing deletes store rows for files no longer present on disk.
func (m *Manager) pruneMissing(domainID string, seen map[string]bool) error {
	stored, err := m.store.ListKBFiles(domainID)
	if err != nil {
		return err
	}
	for _, f := range stored {
		if seen[f.RelativePath] {
			continue
		}
		if err := m.store.DeleteKBFile(domainID, f.RelativePath); err != nil {
			return err
		}
		logging.Indexer("Removed deleted KB file %s from index", f.RelativePath)
	}
	return nil
}

// embedPending embeds every chunk whose vector is absent or stale, in
// batches capped by both count and character volume.
func (m *Manager) embedPending(ctx context.Context, domainID string, jobRow *types.EmbeddingJob) error {
	pending, err := m.store.ListChunksNeedingEmbedding(domainID, m.client.Name(), m.client.Fingerprint())
	if err != nil {
		return fmt.Errorf("failed to list chunks needing embedding: %w", err)
	}

	eligible := pending[:0]
	for _, c := range pending {
		if len(c.Content) < minEmbedChars {
			continue
		}
		eligible = append(eligible, c)
	}

	jobRow.TotalChunks = len(eligible)
	m.saveJob(jobRow)
	if len(eligible) == 0 {
		return nil
	}

	batchSize := m.batchSize
	if max := m.client.MaxBatch(); max > 0 && max < batchSize {
		batchSize = max
	}

	fingerprint := m.client.Fingerprint()
	embedded := 0
	for start := 0; start < len(eligible); {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Fill a batch up to the count cap and the character cap.
		end := start
		chars := 0
		for end < len(eligible) && end-start < batchSize {
			chars += len(eligible[end].Content)
			if chars > m.maxBatchChars && end > start {
				break
			}
			end++
		}

		batch := eligible[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		vectors, err := m.client.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding batch failed: %w", err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedding batch returned %d vectors for %d chunks", len(vectors), len(batch))
		}

		for i, c := range batch {
			vec := vectors[i]
			embedding.Normalize(vec)
			e := &types.ChunkEmbedding{
				ChunkID:             c.ID,
				ModelName:           m.client.Name(),
				Dimensions:          len(vec),
				Vector:              embedding.EncodeVector(vec),
				ContentHash:         c.ContentHash,
				ProviderFingerprint: fingerprint,
			}
			if err := m.store.UpsertChunkEmbedding(e); err != nil {
				return fmt.Errorf("failed to store embedding for chunk %s: %w", c.ChunkKey, err)
			}
		}

		embedded += len(batch)
		jobRow.EmbeddedChunks = embedded
		m.saveJob(jobRow)
		m.report(Progress{
			DomainID:       domainID,
			ProcessedFiles: jobRow.ProcessedFiles,
			TotalFiles:     jobRow.TotalFiles,
			EmbeddedChunks: embedded,
			TotalChunks:    len(eligible),
		})
		start = end
	}

	logging.Indexer("Embedded %d chunks for domain %s (%s)", embedded, domainID, m.client.Name())
	return nil
}

func (m *Manager) saveJob(j *types.EmbeddingJob) {
	if j.ModelName == "" {
		return
	}
	if err := m.store.SaveEmbeddingJob(j); err != nil {
		logging.IndexerWarn("Failed to save embedding job state: %v", err)
	}
}

func (m *Manager) report(p Progress) {
	m.mu.Lock()
	fn := m.progress
	m.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// DiscoverKBFiles walks the KB directory and returns relative paths of
// indexable files, sorted for deterministic pass order. Hidden directories
// are skipped.
func DiscoverKBFiles(kbPath string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(kbPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == kbPath {
				return err
			}
			return nil // unreadable subtree; keep walking
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != kbPath {
				return filepath.SkipDir
			}
			return nil
		}
		if !indexableExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(kbPath, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// inferTier guesses a file's tier from its path. Explicit assignments made
// through KB updates take precedence and are preserved on re-sync.
func inferTier(rel string) types.KBTier {
	lower := strings.ToLower(filepath.ToSlash(rel))
	dir := ""
	if i := strings.IndexByte(lower, '/'); i > 0 {
		dir = lower[:i]
	}
	base := strings.TrimSuffix(filepath.Base(lower), filepath.Ext(lower))

	switch {
	case dir == "structural" || base == "charter" || base == "scope":
		return types.TierStructural
	case dir == "status" || base == "status" || base == "digest":
		return types.TierStatus
	case dir == "intelligence" || base == "analysis":
		return types.TierIntelligence
	default:
		return types.TierGeneral
	}
}
