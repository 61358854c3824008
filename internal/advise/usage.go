package advise

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pixeldrift/internal/logging"
)

// Counts holds prompt/response token sums.
type Counts struct {
	Prompt   int64 `json:"prompt"`
	Response int64 `json:"response"`
	Total    int64 `json:"total"`
	Calls    int64 `json:"calls"`
}

func (c *Counts) add(prompt, response int) {
	c.Prompt += int64(prompt)
	c.Response += int64(response)
	c.Total += int64(prompt + response)
	c.Calls++
}

type usageData struct {
	Version   string            `json:"version"`
	Total     Counts            `json:"total"`
	ByModel   map[string]Counts `json:"by_model"`
	BySession map[string]Counts `json:"by_session"`
}

// UsageTracker accumulates advisor token usage and persists it as JSON in
// the workspace. Tracking is an accounting aid: a tracker that cannot load
// or save never fails a session.
type UsageTracker struct {
	mu       sync.Mutex
	filePath string
	data     usageData
	dirty    bool
}

// NewUsageTracker opens (or starts) the usage file at path. Existing totals
// are carried forward; a missing or unreadable file starts fresh.
func NewUsageTracker(path string) (*UsageTracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create usage directory: %w", err)
	}
	t := &UsageTracker{
		filePath: path,
		data: usageData{
			Version:   "1",
			ByModel:   make(map[string]Counts),
			BySession: make(map[string]Counts),
		},
	}
	if err := t.load(); err != nil {
		logging.AdvisorDebug("starting fresh usage file at %s: %v", path, err)
	}
	return t, nil
}

func (t *UsageTracker) load() error {
	raw, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &t.data); err != nil {
		return err
	}
	if t.data.ByModel == nil {
		t.data.ByModel = make(map[string]Counts)
	}
	if t.data.BySession == nil {
		t.data.BySession = make(map[string]Counts)
	}
	return nil
}

// Track records one advisor call.
func (t *UsageTracker) Track(model, sessionID string, prompt, response int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Total.add(prompt, response)

	m := t.data.ByModel[model]
	m.add(prompt, response)
	t.data.ByModel[model] = m

	if sessionID != "" {
		s := t.data.BySession[sessionID]
		s.add(prompt, response)
		t.data.BySession[sessionID] = s
	}
	t.dirty = true
}

// Totals returns the accumulated counts across all sessions.
func (t *UsageTracker) Totals() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.Total
}

// SessionTotals returns the counts recorded for one session.
func (t *UsageTracker) SessionTotals(sessionID string) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.BySession[sessionID]
}

// Save writes the usage file if anything changed since the last save.
func (t *UsageTracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.dirty {
		return nil
	}
	raw, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal usage data: %w", err)
	}
	if err := os.WriteFile(t.filePath, raw, 0644); err != nil {
		return fmt.Errorf("write usage file: %w", err)
	}
	t.dirty = false
	return nil
}
