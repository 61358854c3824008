// Package history persists convergence sessions to SQLite. The store is the
// production convergence.Recorder: sessions, their append-only iteration
// log, the discrepancy ledger and post-convergence verification results all
// land here, and the report and history commands reload them later.
// Snapshot PNGs and DOM outline sidecars go to the filesystem next to the
// database, keyed by session and iteration sequence.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/logging"
)

// Store implements convergence.Recorder on a single SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
	artDir string
}

// New opens (or creates) the history database under workdir.
func New(workdir string) (*Store, error) {
	dbPath := filepath.Join(workdir, "history.db")
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.HistoryDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.HistoryDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.HistoryDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{
		db:     db,
		dbPath: dbPath,
		artDir: filepath.Join(workdir, "artifacts"),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	logging.HistoryDebug("history store ready at %s", dbPath)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	sessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		state TEXT NOT NULL DEFAULT '/running',
		reason TEXT,
		final_score REAL NOT NULL DEFAULT 0,
		iterations INTEGER NOT NULL DEFAULT 0,
		threshold REAL NOT NULL,
		max_iterations INTEGER NOT NULL,
		reference_id TEXT NOT NULL,
		reference_source TEXT NOT NULL,
		reference_hash TEXT NOT NULL,
		reference_width INTEGER NOT NULL,
		reference_height INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`

	iterationsTable := `
	CREATE TABLE IF NOT EXISTS iterations (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		seq INTEGER NOT NULL CHECK (seq >= 1),
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		category TEXT,
		pre_score REAL NOT NULL,
		score REAL NOT NULL,
		snapshot_id TEXT,
		post_snapshot_id TEXT,
		corrections_json TEXT,
		new_items_json TEXT,
		resolved_items_json TEXT,
		warnings_json TEXT,
		PRIMARY KEY (session_id, seq)
	);
	`

	discrepanciesTable := `
	CREATE TABLE IF NOT EXISTS discrepancies (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		id TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL,
		region_x INTEGER NOT NULL,
		region_y INTEGER NOT NULL,
		region_width INTEGER NOT NULL,
		region_height INTEGER NOT NULL,
		severity REAL NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		resolved_seq INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_discrepancies_category ON discrepancies(session_id, category);
	`

	verificationsTable := `
	CREATE TABLE IF NOT EXISTS verifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		ran_at DATETIME NOT NULL,
		name TEXT NOT NULL,
		check_type TEXT NOT NULL,
		passed INTEGER NOT NULL,
		detail TEXT,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_verifications_session ON verifications(session_id);
	`

	for _, table := range []string{sessionsTable, iterationsTable, discrepanciesTable, verificationsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// BeginSession implements convergence.Recorder.
func (s *Store) BeginSession(ctx context.Context, sessionID string, ref *convergence.ReferenceArtifact, cfg convergence.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, state, threshold, max_iterations,
			reference_id, reference_source, reference_hash, reference_width, reference_height)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, time.Now().UTC(), string(convergence.StateRunning),
		cfg.Threshold, cfg.MaxIterations,
		ref.ID, ref.Source, ref.ContentHash, ref.Width, ref.Height,
	)
	if err != nil {
		return fmt.Errorf("failed to begin session %s: %w", sessionID, err)
	}
	logging.History("session %s recording to %s", sessionID, s.dbPath)
	return nil
}

// PersistSnapshot implements convergence.Recorder. The PNG lands at
// artifacts/<session>/iter_NNN_<role>.png and the path is written back into
// the snapshot.
func (s *Store) PersistSnapshot(ctx context.Context, sessionID string, snap *convergence.RenderedSnapshot, role string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(snap.PNG) == 0 {
		return fmt.Errorf("snapshot %s has no image data", snap.ID)
	}

	dir := filepath.Join(s.artDir, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("iter_%03d_%s.png", snap.Seq, role))
	if err := os.WriteFile(path, snap.PNG, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot artifact: %w", err)
	}
	if snap.DOMOutline != "" {
		outlinePath := filepath.Join(dir, fmt.Sprintf("iter_%03d_%s.outline.txt", snap.Seq, role))
		if err := os.WriteFile(outlinePath, []byte(snap.DOMOutline), 0644); err != nil {
			logging.Get(logging.CategoryHistory).Warn("failed to write outline for iteration %d: %v", snap.Seq, err)
		}
	}
	snap.ArtifactPath = path
	logging.HistoryDebug("persisted %s snapshot for iteration %d at %s", role, snap.Seq, path)
	return nil
}

// AppendIteration implements convergence.Recorder. The iteration log is
// append-only and gapless: the record's seq must be exactly one past the
// last stored seq for the session.
func (s *Store) AppendIteration(ctx context.Context, sessionID string, rec convergence.IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM iterations WHERE session_id = ?", sessionID).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to read last iteration seq: %w", err)
	}
	if rec.Seq != last+1 {
		return fmt.Errorf("iteration seq %d breaks the append-only order (last stored is %d)", rec.Seq, last)
	}

	corrections, _ := json.Marshal(rec.Corrections)
	newItems, _ := json.Marshal(rec.NewItems)
	resolvedItems, _ := json.Marshal(rec.ResolvedItems)
	warnings, _ := json.Marshal(rec.Warnings)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO iterations (session_id, seq, started_at, duration_ms, category,
			pre_score, score, snapshot_id, post_snapshot_id,
			corrections_json, new_items_json, resolved_items_json, warnings_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, rec.Seq, rec.StartedAt.UTC(), rec.DurationMs, string(rec.Category),
		rec.PreScore, rec.Score, rec.SnapshotID, rec.PostSnapshotID,
		string(corrections), string(newItems), string(resolvedItems), string(warnings),
	)
	if err != nil {
		return fmt.Errorf("failed to append iteration %d: %w", rec.Seq, err)
	}
	return nil
}

// RecordDiscrepancies implements convergence.Recorder. Items are replaced
// wholesale by ID so resolution flips are reflected while the row itself is
// never deleted.
func (s *Store) RecordDiscrepancies(ctx context.Context, sessionID string, items []convergence.DiscrepancyItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin discrepancy transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO discrepancies (session_id, id, category, description,
			region_x, region_y, region_width, region_height,
			severity, resolved, first_seen, resolved_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare discrepancy statement: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		resolved := 0
		if item.Resolved {
			resolved = 1
		}
		if _, err := stmt.ExecContext(ctx,
			sessionID, item.ID, string(item.Category), item.Description,
			item.Region.X, item.Region.Y, item.Region.Width, item.Region.Height,
			item.Severity, resolved, item.FirstSeen, item.ResolvedSeq,
		); err != nil {
			return fmt.Errorf("failed to record discrepancy %s: %w", item.ID, err)
		}
	}
	return tx.Commit()
}

// FinishSession implements convergence.Recorder.
func (s *Store) FinishSession(ctx context.Context, sessionID string, res convergence.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET finished_at = ?, state = ?, reason = ?, final_score = ?, iterations = ?
		WHERE id = ?`,
		time.Now().UTC(), string(res.State), res.Reason, res.FinalScore, res.Iterations, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session %s: %w", sessionID, err)
	}
	logging.History("session %s finished %s (score %.4f after %d iterations)",
		sessionID, res.State, res.FinalScore, res.Iterations)
	return nil
}

// VerificationRecord is one stored battery check result.
type VerificationRecord struct {
	Name       string
	Type       string
	Passed     bool
	Detail     string
	DurationMs int64
	RanAt      time.Time
}

// RecordVerifications appends battery results for a session.
func (s *Store) RecordVerifications(ctx context.Context, sessionID string, results []VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin verification transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		passed := 0
		if r.Passed {
			passed = 1
		}
		ranAt := r.RanAt
		if ranAt.IsZero() {
			ranAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO verifications (session_id, ran_at, name, check_type, passed, detail, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, ranAt.UTC(), r.Name, r.Type, passed, r.Detail, r.DurationMs,
		); err != nil {
			return fmt.Errorf("failed to record verification %s: %w", r.Name, err)
		}
	}
	return tx.Commit()
}

// ArtifactPath returns where a snapshot for the given iteration and role
// would have been persisted.
func (s *Store) ArtifactPath(sessionID string, seq int, role string) string {
	return filepath.Join(s.artDir, sessionID, fmt.Sprintf("iter_%03d_%s.png", seq, role))
}

// OutlinePath returns where the DOM outline sidecar for the given iteration
// and role would have been persisted.
func (s *Store) OutlinePath(sessionID string, seq int, role string) string {
	return filepath.Join(s.artDir, sessionID, fmt.Sprintf("iter_%03d_%s.outline.txt", seq, role))
}
