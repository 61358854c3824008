package advise

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUsageTrackerAggregatesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".drift", "usage.json")

	tr, err := NewUsageTracker(path)
	if err != nil {
		t.Fatalf("NewUsageTracker failed: %v", err)
	}
	tr.Track("gemini-3-flash-preview", "sess-1", 1200, 300)
	tr.Track("gemini-3-flash-preview", "sess-1", 800, 250)
	tr.Track("gemini-3-flash-preview", "sess-2", 500, 100)
	if err := tr.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	total := tr.Totals()
	if total.Prompt != 2500 || total.Response != 650 || total.Calls != 3 {
		t.Errorf("totals = %+v", total)
	}
	s1 := tr.SessionTotals("sess-1")
	if s1.Prompt != 2000 || s1.Calls != 2 {
		t.Errorf("session totals = %+v", s1)
	}

	// A second tracker on the same file carries the totals forward
	tr2, err := NewUsageTracker(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	tr2.Track("gemini-3-flash-preview", "sess-3", 100, 50)
	got := tr2.Totals()
	if got.Total != 3300 || got.Calls != 4 {
		t.Errorf("carried totals = %+v", got)
	}
}

func TestUsageTrackerSkipsCleanSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	tr, err := NewUsageTracker(path)
	if err != nil {
		t.Fatalf("NewUsageTracker failed: %v", err)
	}
	if err := tr.Save(); err != nil {
		t.Fatalf("clean Save failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("clean save should not create the file")
	}
}

func TestUsageTrackerToleratesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	tr, err := NewUsageTracker(path)
	if err != nil {
		t.Fatalf("NewUsageTracker failed on corrupt file: %v", err)
	}
	tr.Track("gemini-3-flash-preview", "sess-1", 10, 5)
	if err := tr.Save(); err != nil {
		t.Fatalf("Save after corrupt load failed: %v", err)
	}
	if got := tr.Totals(); got.Total != 15 {
		t.Errorf("fresh totals = %+v", got)
	}
}
