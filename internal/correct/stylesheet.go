package correct

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/logging"
)

// StylesheetCorrector serves prepared CSS patches from a directory tree:
//
//	<root>/layout/010_header-offset.css
//	<root>/styling/010_palette.css
//	...
//
// Patches are proposed in lexical filename order within the item's category
// and each patch is served at most once per session. Payloads are parsed
// with the CSS grammar before they leave; a patch that fails to parse is
// skipped with a warning rather than handed to the page.
type StylesheetCorrector struct {
	root string

	mu     sync.Mutex
	queues map[convergence.Category][]string // loaded lazily, full paths
	served map[string]bool
}

// NewStylesheetCorrector creates a corrector over the patch directory.
func NewStylesheetCorrector(root string) *StylesheetCorrector {
	return &StylesheetCorrector{
		root:   root,
		queues: make(map[convergence.Category][]string),
		served: make(map[string]bool),
	}
}

// Propose implements convergence.Corrector.
func (s *StylesheetCorrector) Propose(ctx context.Context, item convergence.DiscrepancyItem, view convergence.SessionView) (convergence.CorrectionRef, error) {
	queue, err := s.queue(item.Category)
	if err != nil {
		return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: err}
	}

	for _, path := range queue {
		s.mu.Lock()
		if s.served[path] {
			s.mu.Unlock()
			continue
		}
		s.served[path] = true
		s.mu.Unlock()

		payload, err := os.ReadFile(path)
		if err != nil {
			logging.Get(logging.CategoryCorrect).Warn("patch %s unreadable, skipping: %v", path, err)
			continue
		}
		if err := ValidateCSS(ctx, string(payload)); err != nil {
			logging.Get(logging.CategoryCorrect).Warn("patch %s rejected: %v", path, err)
			continue
		}

		name := filepath.Base(path)
		desc := fmt.Sprintf("stylesheet patch %s", name)
		if props, perr := ExtractProperties(ctx, string(payload)); perr == nil && len(props) > 0 {
			desc = fmt.Sprintf("stylesheet patch %s (adjusts %s)", name, strings.Join(props, ", "))
		}

		logging.CorrectDebug("proposing patch %s for item %s", name, item.ID)
		return convergence.CorrectionRef{
			ItemID:      item.ID,
			Category:    item.Category,
			Kind:        convergence.KindStylesheet,
			Payload:     string(payload),
			Description: desc,
		}, nil
	}

	return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: ErrNoProposal}
}

// queue returns the patch paths for a category, loading the directory on
// first use. A missing category directory is an empty queue, not an error.
func (s *StylesheetCorrector) queue(category convergence.Category) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[category]; ok {
		return q, nil
	}

	dir := filepath.Join(s.root, strings.TrimPrefix(string(category), "/"))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.queues[category] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("read patch directory %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".css") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	s.queues[category] = paths
	return paths, nil
}

// Remaining reports how many patches are still unserved for a category.
func (s *StylesheetCorrector) Remaining(category convergence.Category) int {
	queue, err := s.queue(category)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range queue {
		if !s.served[p] {
			n++
		}
	}
	return n
}
