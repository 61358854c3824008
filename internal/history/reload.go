package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/textdiff"
)

// SessionSummary is the list-view row for a stored session.
type SessionSummary struct {
	ID              string
	StartedAt       time.Time
	FinishedAt      time.Time // Zero while the session is still running
	State           convergence.SessionState
	Reason          string
	FinalScore      float64
	Iterations      int
	Threshold       float64
	MaxIterations   int
	ReferenceSource string
}

// SessionDetail is a full reload of one session.
type SessionDetail struct {
	Summary       SessionSummary
	Reference     convergence.ReferenceArtifact
	Records       []convergence.IterationRecord
	Items         []convergence.DiscrepancyItem
	Verifications []VerificationRecord
	OutlineDiffs  map[int]string // seq -> unified diff of the pre/post DOM outlines
}

// Sessions returns stored sessions, newest first. limit <= 0 means all.
func (s *Store) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT id, started_at, finished_at, state, reason, final_score,
			iterations, threshold, max_iterations, reference_source
		FROM sessions ORDER BY started_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// LatestSessionID returns the most recently started session.
func (s *Store) LatestSessionID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM sessions ORDER BY started_at DESC LIMIT 1").Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no sessions recorded yet")
	}
	if err != nil {
		return "", fmt.Errorf("failed to find latest session: %w", err)
	}
	return id, nil
}

// Session reloads one session in full.
func (s *Store) Session(ctx context.Context, sessionID string) (*SessionDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, state, reason, final_score,
			iterations, threshold, max_iterations, reference_source
		FROM sessions WHERE id = ?`, sessionID)
	sum, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, err
	}

	detail := &SessionDetail{Summary: sum}

	err = s.db.QueryRowContext(ctx, `
		SELECT reference_id, reference_source, reference_hash, reference_width, reference_height
		FROM sessions WHERE id = ?`, sessionID).Scan(
		&detail.Reference.ID, &detail.Reference.Source, &detail.Reference.ContentHash,
		&detail.Reference.Width, &detail.Reference.Height)
	if err != nil {
		return nil, fmt.Errorf("failed to reload reference: %w", err)
	}

	if detail.Records, err = s.loadRecords(ctx, sessionID); err != nil {
		return nil, err
	}
	if detail.Items, err = s.loadItems(ctx, sessionID); err != nil {
		return nil, err
	}
	if detail.Verifications, err = s.loadVerifications(ctx, sessionID); err != nil {
		return nil, err
	}
	detail.OutlineDiffs = s.loadOutlineDiffs(sessionID, detail.Records)
	return detail, nil
}

// loadOutlineDiffs diffs the persisted pre/post DOM outlines for each
// iteration that has both. Missing sidecars are skipped, not errors; older
// sessions and directory targets never wrote them.
func (s *Store) loadOutlineDiffs(sessionID string, records []convergence.IterationRecord) map[int]string {
	engine := textdiff.NewEngine()
	diffs := make(map[int]string)
	for _, rec := range records {
		pre, err := os.ReadFile(s.OutlinePath(sessionID, rec.Seq, convergence.SnapshotRolePre))
		if err != nil {
			continue
		}
		post, err := os.ReadFile(s.OutlinePath(sessionID, rec.Seq, convergence.SnapshotRolePost))
		if err != nil {
			continue
		}
		patch := engine.Compute(
			fmt.Sprintf("iter_%03d_pre.outline", rec.Seq),
			fmt.Sprintf("iter_%03d_post.outline", rec.Seq),
			string(pre), string(post))
		if !patch.Empty() {
			diffs[rec.Seq] = patch.Unified()
		}
	}
	if len(diffs) == 0 {
		return nil
	}
	return diffs
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(row rowScanner) (SessionSummary, error) {
	var (
		sum      SessionSummary
		finished sql.NullTime
		reason   sql.NullString
		state    string
	)
	err := row.Scan(&sum.ID, &sum.StartedAt, &finished, &state, &reason,
		&sum.FinalScore, &sum.Iterations, &sum.Threshold, &sum.MaxIterations,
		&sum.ReferenceSource)
	if err != nil {
		return SessionSummary{}, err
	}
	sum.State = convergence.SessionState(state)
	if finished.Valid {
		sum.FinishedAt = finished.Time
	}
	if reason.Valid {
		sum.Reason = reason.String
	}
	return sum, nil
}

func (s *Store) loadRecords(ctx context.Context, sessionID string) ([]convergence.IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, started_at, duration_ms, category, pre_score, score,
			snapshot_id, post_snapshot_id,
			corrections_json, new_items_json, resolved_items_json, warnings_json
		FROM iterations WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload iterations: %w", err)
	}
	defer rows.Close()

	var records []convergence.IterationRecord
	for rows.Next() {
		var (
			rec                                convergence.IterationRecord
			category                           sql.NullString
			snapID, postSnapID                 sql.NullString
			corrections, newItems, resolvedIts sql.NullString
			warnings                           sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &rec.StartedAt, &rec.DurationMs, &category,
			&rec.PreScore, &rec.Score, &snapID, &postSnapID,
			&corrections, &newItems, &resolvedIts, &warnings); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		rec.Category = convergence.Category(category.String)
		rec.SnapshotID = snapID.String
		rec.PostSnapshotID = postSnapID.String
		unmarshalList(corrections, &rec.Corrections)
		unmarshalList(newItems, &rec.NewItems)
		unmarshalList(resolvedIts, &rec.ResolvedItems)
		unmarshalList(warnings, &rec.Warnings)
		rec.StartedAt = rec.StartedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) loadItems(ctx context.Context, sessionID string) ([]convergence.DiscrepancyItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, description, region_x, region_y, region_width, region_height,
			severity, resolved, first_seen, resolved_seq
		FROM discrepancies WHERE session_id = ? ORDER BY category, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload discrepancies: %w", err)
	}
	defer rows.Close()

	var items []convergence.DiscrepancyItem
	for rows.Next() {
		var (
			item     convergence.DiscrepancyItem
			category string
			resolved int
		)
		if err := rows.Scan(&item.ID, &category, &item.Description,
			&item.Region.X, &item.Region.Y, &item.Region.Width, &item.Region.Height,
			&item.Severity, &resolved, &item.FirstSeen, &item.ResolvedSeq); err != nil {
			return nil, fmt.Errorf("failed to scan discrepancy: %w", err)
		}
		item.Category = convergence.Category(category)
		item.Resolved = resolved != 0
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) loadVerifications(ctx context.Context, sessionID string) ([]VerificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ran_at, name, check_type, passed, detail, duration_ms
		FROM verifications WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload verifications: %w", err)
	}
	defer rows.Close()

	var out []VerificationRecord
	for rows.Next() {
		var (
			rec    VerificationRecord
			passed int
			detail sql.NullString
		)
		if err := rows.Scan(&rec.RanAt, &rec.Name, &rec.Type, &passed, &detail, &rec.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan verification: %w", err)
		}
		rec.Passed = passed != 0
		rec.Detail = detail.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func unmarshalList(col sql.NullString, dst interface{}) {
	if !col.Valid || col.String == "" || col.String == "null" {
		return
	}
	_ = json.Unmarshal([]byte(col.String), dst)
}
