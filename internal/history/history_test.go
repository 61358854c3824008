package history

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"pixeldrift/internal/convergence"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRef() *convergence.ReferenceArtifact {
	return &convergence.ReferenceArtifact{
		ID:          "ref-abc123def456",
		Source:      "design/checkout.png",
		ContentHash: "abc123def456",
		Width:       1280,
		Height:      800,
		Format:      "png",
	}
}

func testCfg() convergence.Config {
	cfg := convergence.DefaultConfig()
	cfg.Threshold = 0.98
	cfg.MaxIterations = 12
	return cfg
}

func TestSessionLifecycleRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.BeginSession(ctx, "sess-1", testRef(), testCfg()); err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}

	sessions, err := s.Sessions(ctx, 0)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Sessions returned %d rows, want 1", len(sessions))
	}
	if sessions[0].State != convergence.StateRunning {
		t.Errorf("running session state = %s, want %s", sessions[0].State, convergence.StateRunning)
	}
	if !sessions[0].FinishedAt.IsZero() {
		t.Errorf("running session has FinishedAt = %v", sessions[0].FinishedAt)
	}
	if sessions[0].Threshold != 0.98 || sessions[0].MaxIterations != 12 {
		t.Errorf("stored tunables = %.2f/%d, want 0.98/12",
			sessions[0].Threshold, sessions[0].MaxIterations)
	}

	res := convergence.Result{
		SessionID:  "sess-1",
		State:      convergence.StateConverged,
		Reason:     "similarity threshold reached",
		FinalScore: 0.9912,
		Iterations: 7,
	}
	if err := s.FinishSession(ctx, "sess-1", res); err != nil {
		t.Fatalf("FinishSession failed: %v", err)
	}

	sessions, err = s.Sessions(ctx, 0)
	if err != nil {
		t.Fatalf("Sessions after finish failed: %v", err)
	}
	got := sessions[0]
	if got.State != convergence.StateConverged {
		t.Errorf("State = %s, want %s", got.State, convergence.StateConverged)
	}
	if got.FinalScore != 0.9912 || got.Iterations != 7 {
		t.Errorf("FinalScore/Iterations = %.4f/%d, want 0.9912/7", got.FinalScore, got.Iterations)
	}
	if got.FinishedAt.IsZero() {
		t.Error("FinishedAt still zero after FinishSession")
	}

	id, err := s.LatestSessionID(ctx)
	if err != nil || id != "sess-1" {
		t.Errorf("LatestSessionID = %q, %v", id, err)
	}
}

func TestAppendIterationEnforcesGaplessOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.BeginSession(ctx, "sess-gap", testRef(), testCfg()); err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}

	rec := func(seq int) convergence.IterationRecord {
		return convergence.IterationRecord{
			Seq: seq, StartedAt: time.Now(), PreScore: 0.9, Score: 0.91,
		}
	}

	if err := s.AppendIteration(ctx, "sess-gap", rec(1)); err != nil {
		t.Fatalf("seq 1 append failed: %v", err)
	}
	if err := s.AppendIteration(ctx, "sess-gap", rec(3)); err == nil {
		t.Fatal("seq 3 after seq 1 did not fail")
	} else if !strings.Contains(err.Error(), "append-only") {
		t.Errorf("gap error = %v, want append-only message", err)
	}
	if err := s.AppendIteration(ctx, "sess-gap", rec(1)); err == nil {
		t.Fatal("duplicate seq 1 did not fail")
	}
	if err := s.AppendIteration(ctx, "sess-gap", rec(2)); err != nil {
		t.Fatalf("seq 2 append failed: %v", err)
	}

	detail, err := s.Session(ctx, "sess-gap")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if len(detail.Records) != 2 {
		t.Fatalf("reloaded %d records, want 2", len(detail.Records))
	}
	for i, r := range detail.Records {
		if r.Seq != i+1 {
			t.Errorf("record %d has seq %d", i, r.Seq)
		}
	}
}

func TestIterationRecordRoundTripsFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.BeginSession(ctx, "sess-rt", testRef(), testCfg()); err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}

	in := convergence.IterationRecord{
		Seq:            1,
		StartedAt:      time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC),
		DurationMs:     1843,
		SnapshotID:     "snap-pre",
		PostSnapshotID: "snap-post",
		Category:       convergence.CategoryLayout,
		Corrections: []convergence.CorrectionRef{{
			ID: "c-1", ItemID: "d-1", Category: convergence.CategoryLayout,
			Kind: convergence.KindStylesheet, Payload: ".hero { margin-top: 24px; }",
			Description: "stylesheet patch 010_margin.css",
		}},
		NewItems:      []string{"d-1", "d-2"},
		ResolvedItems: []string{"d-0"},
		PreScore:      0.9012,
		Score:         0.9345,
		Warnings:      []string{"correction failed for d-9 (consecutive failures: 1): no correction available"},
	}
	if err := s.AppendIteration(ctx, "sess-rt", in); err != nil {
		t.Fatalf("AppendIteration failed: %v", err)
	}

	detail, err := s.Session(ctx, "sess-rt")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if len(detail.Records) != 1 {
		t.Fatalf("reloaded %d records, want 1", len(detail.Records))
	}
	out := detail.Records[0]

	if out.Category != in.Category || out.SnapshotID != in.SnapshotID || out.PostSnapshotID != in.PostSnapshotID {
		t.Errorf("identity fields differ: %+v", out)
	}
	if out.PreScore != in.PreScore || out.Score != in.Score || out.DurationMs != in.DurationMs {
		t.Errorf("measurements differ: %+v", out)
	}
	if !out.StartedAt.Equal(in.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", out.StartedAt, in.StartedAt)
	}
	if len(out.Corrections) != 1 || out.Corrections[0] != in.Corrections[0] {
		t.Errorf("Corrections = %+v, want %+v", out.Corrections, in.Corrections)
	}
	if len(out.NewItems) != 2 || out.NewItems[0] != "d-1" {
		t.Errorf("NewItems = %v", out.NewItems)
	}
	if len(out.ResolvedItems) != 1 || out.ResolvedItems[0] != "d-0" {
		t.Errorf("ResolvedItems = %v", out.ResolvedItems)
	}
	if len(out.Warnings) != 1 {
		t.Errorf("Warnings = %v", out.Warnings)
	}
}

func TestRecordDiscrepanciesKeepsResolvedRows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.BeginSession(ctx, "sess-disc", testRef(), testCfg()); err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}

	item := convergence.DiscrepancyItem{
		ID:          "d-0011223344556677",
		Category:    convergence.CategoryStyling,
		Description: "uniform color deviation across region",
		Region:      convergence.Region{X: 32, Y: 64, Width: 128, Height: 96},
		Severity:    0.04,
		FirstSeen:   1,
	}
	if err := s.RecordDiscrepancies(ctx, "sess-disc", []convergence.DiscrepancyItem{item}); err != nil {
		t.Fatalf("first RecordDiscrepancies failed: %v", err)
	}

	item.Resolved = true
	item.ResolvedSeq = 3
	if err := s.RecordDiscrepancies(ctx, "sess-disc", []convergence.DiscrepancyItem{item}); err != nil {
		t.Fatalf("second RecordDiscrepancies failed: %v", err)
	}

	detail, err := s.Session(ctx, "sess-disc")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if len(detail.Items) != 1 {
		t.Fatalf("reloaded %d items, want 1 (resolution must not duplicate or delete)", len(detail.Items))
	}
	got := detail.Items[0]
	if !got.Resolved || got.ResolvedSeq != 3 || got.FirstSeen != 1 {
		t.Errorf("resolved item = %+v", got)
	}
	if got.Region != item.Region || got.Category != item.Category {
		t.Errorf("item fields differ: %+v", got)
	}
}

func TestPersistSnapshotWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	snap := &convergence.RenderedSnapshot{
		ID:  "snap-1",
		Seq: 4,
		PNG: []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a},
	}
	if err := s.PersistSnapshot(ctx, "sess-art", snap, convergence.SnapshotRolePre); err != nil {
		t.Fatalf("PersistSnapshot failed: %v", err)
	}

	want := s.ArtifactPath("sess-art", 4, "pre")
	if snap.ArtifactPath != want {
		t.Errorf("ArtifactPath = %q, want %q", snap.ArtifactPath, want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if len(data) != len(snap.PNG) {
		t.Errorf("artifact has %d bytes, want %d", len(data), len(snap.PNG))
	}

	empty := &convergence.RenderedSnapshot{ID: "snap-2", Seq: 5}
	if err := s.PersistSnapshot(ctx, "sess-art", empty, convergence.SnapshotRolePost); err == nil {
		t.Error("PersistSnapshot accepted a snapshot with no image data")
	}
}

func TestSessionOutlineDiffs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.BeginSession(ctx, "sess-out", testRef(), testCfg()); err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}

	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	pre := &convergence.RenderedSnapshot{
		ID: "snap-pre", Seq: 1, PNG: png,
		DOMOutline: "div.header (0,0 1280x60)\ndiv.hero (0,60 1280x400)\n",
	}
	post := &convergence.RenderedSnapshot{
		ID: "snap-post", Seq: 1, PNG: png,
		DOMOutline: "div.header (0,0 1280x72)\ndiv.hero (0,72 1280x400)\n",
	}
	if err := s.PersistSnapshot(ctx, "sess-out", pre, convergence.SnapshotRolePre); err != nil {
		t.Fatalf("pre PersistSnapshot failed: %v", err)
	}
	if err := s.PersistSnapshot(ctx, "sess-out", post, convergence.SnapshotRolePost); err != nil {
		t.Fatalf("post PersistSnapshot failed: %v", err)
	}
	if _, err := os.Stat(s.OutlinePath("sess-out", 1, "pre")); err != nil {
		t.Fatalf("outline sidecar not written: %v", err)
	}

	rec := convergence.IterationRecord{
		Seq: 1, StartedAt: time.Now(), PreScore: 0.9, Score: 0.92,
		SnapshotID: "snap-pre", PostSnapshotID: "snap-post",
	}
	if err := s.AppendIteration(ctx, "sess-out", rec); err != nil {
		t.Fatalf("AppendIteration failed: %v", err)
	}

	detail, err := s.Session(ctx, "sess-out")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	diff, ok := detail.OutlineDiffs[1]
	if !ok {
		t.Fatal("no outline diff for iteration 1")
	}
	for _, want := range []string{"-div.header (0,0 1280x60)", "+div.header (0,0 1280x72)"} {
		if !strings.Contains(diff, want) {
			t.Errorf("diff missing %q:\n%s", want, diff)
		}
	}

	// Identical outlines produce no entry
	same := &convergence.RenderedSnapshot{ID: "snap-3", Seq: 2, PNG: png, DOMOutline: pre.DOMOutline}
	if err := s.PersistSnapshot(ctx, "sess-out", same, convergence.SnapshotRolePre); err != nil {
		t.Fatalf("seq 2 pre PersistSnapshot failed: %v", err)
	}
	same2 := &convergence.RenderedSnapshot{ID: "snap-4", Seq: 2, PNG: png, DOMOutline: pre.DOMOutline}
	if err := s.PersistSnapshot(ctx, "sess-out", same2, convergence.SnapshotRolePost); err != nil {
		t.Fatalf("seq 2 post PersistSnapshot failed: %v", err)
	}
	rec2 := convergence.IterationRecord{Seq: 2, StartedAt: time.Now(), PreScore: 0.92, Score: 0.92}
	if err := s.AppendIteration(ctx, "sess-out", rec2); err != nil {
		t.Fatalf("seq 2 AppendIteration failed: %v", err)
	}
	detail, err = s.Session(ctx, "sess-out")
	if err != nil {
		t.Fatalf("Session reload failed: %v", err)
	}
	if _, ok := detail.OutlineDiffs[2]; ok {
		t.Error("identical outlines produced a diff entry")
	}
}

func TestRecordVerificationsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.BeginSession(ctx, "sess-ver", testRef(), testCfg()); err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}

	results := []VerificationRecord{
		{Name: "lint styles", Type: "shell", Passed: true, DurationMs: 420},
		{Name: "hold the line", Type: "score", Passed: false, Detail: "score 0.9811 below minimum 0.99", DurationMs: 1800},
	}
	if err := s.RecordVerifications(ctx, "sess-ver", results); err != nil {
		t.Fatalf("RecordVerifications failed: %v", err)
	}

	detail, err := s.Session(ctx, "sess-ver")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if len(detail.Verifications) != 2 {
		t.Fatalf("reloaded %d verifications, want 2", len(detail.Verifications))
	}
	if detail.Verifications[0].Name != "lint styles" || !detail.Verifications[0].Passed {
		t.Errorf("first verification = %+v", detail.Verifications[0])
	}
	if detail.Verifications[1].Passed || !strings.Contains(detail.Verifications[1].Detail, "0.9811") {
		t.Errorf("second verification = %+v", detail.Verifications[1])
	}
}

func TestSessionNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.Session(context.Background(), "missing"); err == nil {
		t.Error("expected an error for an unknown session")
	}
	if _, err := s.LatestSessionID(context.Background()); err == nil {
		t.Error("expected an error with no sessions recorded")
	}
}

func TestSessionsOrderAndLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"sess-a", "sess-b", "sess-c"} {
		if err := s.BeginSession(ctx, id, testRef(), testCfg()); err != nil {
			t.Fatalf("BeginSession %s failed: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	sessions, err := s.Sessions(ctx, 2)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("limit 2 returned %d rows", len(sessions))
	}
	if sessions[0].ID != "sess-c" || sessions[1].ID != "sess-b" {
		t.Errorf("order = %s, %s; want sess-c, sess-b", sessions[0].ID, sessions[1].ID)
	}
}
