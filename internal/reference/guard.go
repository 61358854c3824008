package reference

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/logging"
)

// Guard watches the reference source file while a session runs and trips
// permanently if the content changes underneath the loop. It watches the
// parent directory rather than the file itself so editor save strategies
// that replace the file (write to temp, rename over) are still seen.
type Guard struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	path        string
	hash        string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	tripped     bool

	stats GuardStats
}

// GuardStats tracks guard activity for debugging.
type GuardStats struct {
	Events        int
	Rechecks      int
	Errors        int
	LastEventTime time.Time
	LastEventOp   string
}

// NewGuard creates a guard for a loaded artifact. The artifact must come
// from a local file; remote references cannot be watched and run unguarded.
func NewGuard(art *convergence.ReferenceArtifact) (*Guard, error) {
	if !IsLocal(art.Source) {
		return nil, &convergence.ConfigurationError{Field: "reference", Reason: "guard requires a local file source"}
	}

	abs, err := filepath.Abs(art.Source)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Guard{
		watcher:     watcher,
		path:        abs,
		hash:        art.ContentHash,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine
// until Stop is called or the context is cancelled.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = true
	g.mu.Unlock()

	if err := g.watcher.Add(filepath.Dir(g.path)); err != nil {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
		return err
	}
	logging.Reference("guard watching %s", g.path)

	go g.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
func (g *Guard) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.mu.Unlock()

	close(g.stopCh)
	<-g.doneCh

	if err := g.watcher.Close(); err != nil {
		logging.Get(logging.CategoryReference).Error("guard: close watcher: %v", err)
	}
}

// Tripped reports whether the reference has mutated since the guard was
// created. Once tripped the guard never resets.
func (g *Guard) Tripped() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tripped
}

// Stats returns a copy of the guard counters.
func (g *Guard) Stats() GuardStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stats
}

func (g *Guard) run(ctx context.Context) {
	defer close(g.doneCh)

	recheckTicker := time.NewTicker(100 * time.Millisecond)
	defer recheckTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-g.stopCh:
			return

		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			g.handleEvent(event)

		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryReference).Error("guard: watch error: %v", err)
			g.mu.Lock()
			g.stats.Errors++
			g.mu.Unlock()

		case <-recheckTicker.C:
			g.processDebounced()
		}
	}
}

func (g *Guard) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != g.path {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.stats.Events++
	g.stats.LastEventTime = time.Now()
	g.stats.LastEventOp = event.Op.String()

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// The original inode is gone. A rename-over save puts new bytes
		// at the path; the debounced recheck decides whether they match.
		g.debounceMap[g.path] = time.Now()
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		g.debounceMap[g.path] = time.Now()
	}
}

// processDebounced rehashes the file once events have settled. Hash
// comparison rather than event presence decides the trip: a touch or an
// identical rewrite keeps the session alive.
func (g *Guard) processDebounced() {
	g.mu.Lock()
	now := time.Now()
	due := false
	for path, at := range g.debounceMap {
		if now.Sub(at) >= g.debounceDur {
			delete(g.debounceMap, path)
			due = true
		}
	}
	if !due || g.tripped {
		g.mu.Unlock()
		return
	}
	g.stats.Rechecks++
	g.mu.Unlock()

	raw, err := os.ReadFile(g.path)
	if err != nil {
		logging.Get(logging.CategoryReference).Warn("guard: reference unreadable, tripping: %v", err)
		g.trip()
		return
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != g.hash {
		logging.Get(logging.CategoryReference).Warn("guard: reference content changed: %s", g.path)
		g.trip()
	}
}

func (g *Guard) trip() {
	g.mu.Lock()
	g.tripped = true
	g.mu.Unlock()
}
