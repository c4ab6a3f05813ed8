package indexer

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// debounceSettle is how long a file must stay quiet before its domain is
// re-indexed. Editors fire several events per save; 2 seconds collapses a
// save burst into one pass.
const debounceSettle = 2 * time.Second

// Watcher watches domain KB directories and requests a re-index after
// changes settle.
type Watcher struct {
	mu      sync.Mutex
	fs      *fsnotify.Watcher
	manager *Manager
	roots   map[string]string // kbPath -> domainID
	pending map[string]time.Time
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	closed  bool
}

// NewWatcher creates a KB watcher feeding the given manager.
func NewWatcher(manager *Manager) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fs:      fs,
		manager: manager,
		roots:   make(map[string]string),
		pending: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// AddDomain registers a domain's KB root, including existing subdirectories.
// fsnotify watches are not recursive, so each directory is added separately;
// directories created later are picked up from their create events.
func (w *Watcher) AddDomain(domainID, kbPath string) error {
	abs, err := filepath.Abs(kbPath)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.roots[abs] = domainID
	w.mu.Unlock()

	return filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == abs {
				logging.IndexerWarn("KB watch root missing for domain %s: %v", domainID, err)
				return nil
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != abs {
			return filepath.SkipDir
		}
		if werr := w.fs.Add(path); werr != nil {
			logging.IndexerWarn("Failed to watch %s: %v", path, werr)
		}
		return nil
	})
}

// RemoveDomain stops watching a domain's KB root and drops any change
// still debouncing for it.
func (w *Watcher) RemoveDomain(kbPath string) {
	abs, err := filepath.Abs(kbPath)
	if err != nil {
		return
	}
	w.mu.Lock()
	delete(w.roots, abs)
	delete(w.pending, abs)
	w.mu.Unlock()
	if w.fs != nil {
		w.fs.Remove(abs)
	}
}

// Start begins the watch loop. Non-blocking; idempotent.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.running || w.closed {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.run()
	logging.Indexer("KB watcher started (%d roots)", len(w.roots))
}

// Stop stops the watch loop and closes the underlying watcher. Safe to
// call whether or not Start ran, but only once effective.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}

	if err := w.fs.Close(); err != nil {
		logging.IndexerWarn("Error closing KB watcher: %v", err)
	}
	logging.Indexer("KB watcher stopped")
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.IndexerWarn("KB watcher error: %v", err)

		case <-ticker.C:
			w.settle(time.Now())
		}
	}
}

// handleEvent records a relevant filesystem event for debounced processing.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New subdirectories need their own watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !strings.HasPrefix(filepath.Base(event.Name), ".") {
				w.fs.Add(event.Name)
			}
			return
		}
	}

	if !indexableExtensions[strings.ToLower(filepath.Ext(event.Name))] {
		return
	}

	root, domainID := w.rootFor(event.Name)
	if root == "" {
		return
	}

	logging.IndexerDebug("KB change in domain %s: %s %s", domainID, event.Op, event.Name)
	w.noteChange(root, time.Now())
}

// noteChange marks a KB root dirty at the given time.
func (w *Watcher) noteChange(root string, at time.Time) {
	w.mu.Lock()
	w.pending[root] = at
	w.mu.Unlock()
}

// settle triggers a re-index for every root whose last change is older than
// the debounce window.
func (w *Watcher) settle(now time.Time) {
	w.mu.Lock()
	var ready []string
	for root, last := range w.pending {
		if now.Sub(last) >= debounceSettle {
			ready = append(ready, root)
			delete(w.pending, root)
		}
	}
	domains := make(map[string]string, len(ready))
	for _, root := range ready {
		domains[root] = w.roots[root]
	}
	w.mu.Unlock()

	for root, domainID := range domains {
		if domainID == "" {
			continue // root was removed while debouncing
		}
		// Domains deleted through the CLI leave their watch behind.
		if !w.manager.domainExists(domainID) {
			logging.Indexer("Domain %s no longer exists; dropping watch on %s", domainID, root)
			w.RemoveDomain(root)
			continue
		}
		logging.Indexer("KB changes settled for domain %s; re-indexing", domainID)
		w.manager.IndexDomain(domainID, root, nil)
	}
}

// rootFor maps an event path to its registered KB root and domain.
func (w *Watcher) rootFor(path string) (string, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for root, domainID := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root, domainID
		}
	}
	return "", ""
}
