package retrieval

import (
	"sync"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/embedding"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
)

// Candidate is a stored chunk with its decoded vector, ready for scoring.
type Candidate struct {
	Chunk  *store.EmbeddedChunk
	Vector []float32
}

// Cache holds decoded retrieval candidates per (domain, model). The indexer
// invalidates an entry after every indexing pass, so a hit is always
// consistent with the store.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]Candidate
}

// NewCache creates an empty candidate cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string][]Candidate)}
}

func cacheKey(domainID, modelName string) string {
	return domainID + "|" + modelName
}

// Get returns the cached candidates for a domain and model.
func (c *Cache) Get(domainID, modelName string) ([]Candidate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cands, ok := c.entries[cacheKey(domainID, modelName)]
	return cands, ok
}

// Put stores candidates for a domain and model.
func (c *Cache) Put(domainID, modelName string, cands []Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(domainID, modelName)] = cands
}

// Invalidate drops the entry for a domain and model.
func (c *Cache) Invalidate(domainID, modelName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(domainID, modelName))
	logging.RetrievalDebug("Dropped candidate cache for domain %s (%s)", domainID, modelName)
}

// loadCandidates returns scoring candidates for the domain, from cache when
// possible. Vectors that fail to decode are skipped.
func loadCandidates(st *store.Store, cache *Cache, domainID, modelName string) ([]Candidate, error) {
	if cache != nil {
		if cands, ok := cache.Get(domainID, modelName); ok {
			return cands, nil
		}
	}

	rows, err := st.ListEmbeddedChunks(domainID, modelName)
	if err != nil {
		return nil, err
	}

	cands := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		vec, err := embedding.DecodeVector(row.Vector)
		if err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("Skipping undecodable vector for chunk %s: %v", row.Chunk.ChunkKey, err)
			continue
		}
		cands = append(cands, Candidate{Chunk: row, Vector: vec})
	}

	if cache != nil {
		cache.Put(domainID, modelName, cands)
	}
	return cands, nil
}
