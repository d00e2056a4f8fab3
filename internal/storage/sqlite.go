// Package storage persists interpretation records and the background job
// queue in a single SQLite database.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for interpretation records,
// the analyses back-reference, and the job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "labdesk.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for advanced queries and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies embedded SQL migration files that haven't run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// --- Interpretations ---

const interpretationColumns = `id, patient_id, analysis_id,
	original_filename, original_name, original_path, original_size, content_type,
	extracted_text, structured_json, analysis_json, interpretation_json, findings_json, risk_level,
	status, error_message, error_at, processing_ms, metadata_json, notes,
	created_at, updated_at, completed_at`

// CreateInterpretation inserts a new record. CreatedAt/UpdatedAt default to
// now when unset; Status defaults to pending; RiskLevel to unknown.
func (s *Store) CreateInterpretation(rec Interpretation) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.RiskLevel == "" {
		rec.RiskLevel = "unknown"
	}

	_, err := s.db.Exec(`
		INSERT INTO interpretations (`+interpretationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PatientID, rec.AnalysisID,
		rec.OriginalFilename, rec.OriginalName, rec.OriginalPath, rec.OriginalSize, rec.ContentType,
		rec.ExtractedText, rec.StructuredJSON, rec.AnalysisJSON, rec.InterpretationJSON, rec.FindingsJSON, rec.RiskLevel,
		rec.Status, rec.ErrorMessage, formatTime(rec.ErrorAt), rec.ProcessingMS, rec.MetadataJSON, rec.Notes,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatTime(rec.CompletedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInterpretation(row rowScanner) (Interpretation, error) {
	var rec Interpretation
	var errorAt, createdAt, updatedAt, completedAt string
	err := row.Scan(
		&rec.ID, &rec.PatientID, &rec.AnalysisID,
		&rec.OriginalFilename, &rec.OriginalName, &rec.OriginalPath, &rec.OriginalSize, &rec.ContentType,
		&rec.ExtractedText, &rec.StructuredJSON, &rec.AnalysisJSON, &rec.InterpretationJSON, &rec.FindingsJSON, &rec.RiskLevel,
		&rec.Status, &rec.ErrorMessage, &errorAt, &rec.ProcessingMS, &rec.MetadataJSON, &rec.Notes,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return Interpretation{}, err
	}
	if rec.ErrorAt, err = parseTime(errorAt); err != nil {
		return Interpretation{}, fmt.Errorf("parsing error_at: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return Interpretation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Interpretation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if rec.CompletedAt, err = parseTime(completedAt); err != nil {
		return Interpretation{}, fmt.Errorf("parsing completed_at: %w", err)
	}
	return rec, nil
}

// GetInterpretation loads one record by id.
func (s *Store) GetInterpretation(id string) (Interpretation, error) {
	row := s.db.QueryRow(`SELECT `+interpretationColumns+` FROM interpretations WHERE id = ?`, id)
	rec, err := scanInterpretation(row)
	if err == sql.ErrNoRows {
		return Interpretation{}, ErrNotFound
	}
	return rec, err
}

// UpdateInterpretation replaces every mutable column of the record. The
// orchestrator uses it to apply one stage's delta at a time; updated_at is
// bumped here so callers never manage it.
func (s *Store) UpdateInterpretation(rec Interpretation) error {
	res, err := s.db.Exec(`
		UPDATE interpretations SET
			patient_id = ?, analysis_id = ?,
			original_filename = ?, original_name = ?, original_path = ?, original_size = ?, content_type = ?,
			extracted_text = ?, structured_json = ?, analysis_json = ?, interpretation_json = ?, findings_json = ?, risk_level = ?,
			status = ?, error_message = ?, error_at = ?, processing_ms = ?, metadata_json = ?, notes = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?`,
		rec.PatientID, rec.AnalysisID,
		rec.OriginalFilename, rec.OriginalName, rec.OriginalPath, rec.OriginalSize, rec.ContentType,
		rec.ExtractedText, rec.StructuredJSON, rec.AnalysisJSON, rec.InterpretationJSON, rec.FindingsJSON, rec.RiskLevel,
		rec.Status, rec.ErrorMessage, formatTime(rec.ErrorAt), rec.ProcessingMS, rec.MetadataJSON, rec.Notes,
		formatTime(time.Now().UTC()), formatTime(rec.CompletedAt),
		rec.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInterpretation removes one record by id.
func (s *Store) DeleteInterpretation(id string) error {
	res, err := s.db.Exec(`DELETE FROM interpretations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// sortColumns whitelists sortable fields; anything else falls back to
// created_at.
var sortColumns = map[string]string{
	"created_at":    "created_at",
	"updated_at":    "updated_at",
	"completed_at":  "completed_at",
	"status":        "status",
	"risk_level":    "risk_level",
	"processing_ms": "processing_ms",
	"patient_id":    "patient_id",
	"analysis_id":   "analysis_id",
}

// ListInterpretations returns the filtered page of records plus the total
// count matching the filter (for pagination metadata).
func (s *Store) ListInterpretations(f ListFilter) ([]Interpretation, int, error) {
	var conds []string
	var args []any
	if f.PatientID != "" {
		conds = append(conds, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if f.AnalysisID != "" {
		conds = append(conds, "analysis_id = ?")
		args = append(args, f.AnalysisID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.RiskLevel != "" {
		conds = append(conds, "risk_level = ?")
		args = append(args, f.RiskLevel)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM interpretations`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting interpretations: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		dir = "ASC"
	}

	query := `SELECT ` + interpretationColumns + ` FROM interpretations` + where +
		` ORDER BY ` + col + ` ` + dir + ` LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing interpretations: %w", err)
	}
	defer rows.Close()

	var results []Interpretation
	for rows.Next() {
		rec, err := scanInterpretation(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, rec)
	}
	return results, total, rows.Err()
}

// Statistics runs the three aggregate queries concurrently and assembles the
// statistics payload.
func (s *Store) Statistics(ctx context.Context) (Stats, error) {
	var stats Stats
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		counts, err := s.groupCount(gCtx, "status")
		if err != nil {
			return fmt.Errorf("counting by status: %w", err)
		}
		stats.ByStatus = counts
		return nil
	})
	g.Go(func() error {
		counts, err := s.groupCount(gCtx, "risk_level")
		if err != nil {
			return fmt.Errorf("counting by risk level: %w", err)
		}
		stats.ByRiskLevel = counts
		return nil
	})
	g.Go(func() error {
		var avg sql.NullFloat64
		err := s.db.QueryRowContext(gCtx,
			`SELECT AVG(processing_ms) FROM interpretations WHERE status = ?`, StatusCompleted,
		).Scan(&avg)
		if err != nil {
			return fmt.Errorf("averaging processing time: %w", err)
		}
		stats.AvgProcessingMS = avg.Float64
		return nil
	})

	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (s *Store) groupCount(ctx context.Context, column string) ([]GroupCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM interpretations GROUP BY `+column+` ORDER BY `+column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []GroupCount
	for rows.Next() {
		var c GroupCount
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// --- Analyses back-reference ---

// MarkAnalysisInterpreted records the latest interpretation for an owning
// analysis/order, upserting so repeated pipeline runs overwrite the pointer.
func (s *Store) MarkAnalysisInterpreted(analysisID, interpretationID string) error {
	_, err := s.db.Exec(`
		INSERT INTO analyses (analysis_id, last_interpretation_id, interpreted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(analysis_id) DO UPDATE SET
			last_interpretation_id = excluded.last_interpretation_id,
			interpreted_at = excluded.interpreted_at`,
		analysisID, interpretationID, formatTime(time.Now().UTC()),
	)
	return err
}

// LastInterpretationFor returns the latest interpretation id recorded for an
// analysis, or ErrNotFound.
func (s *Store) LastInterpretationFor(analysisID string) (string, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT last_interpretation_id FROM analyses WHERE analysis_id = ?`, analysisID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// --- Jobs ---

// EnqueueJob inserts a pending job. RunAfter defaults to now and MaxAttempts
// to 1: pipeline jobs record their own terminal failure state, so queue-level
// redelivery is opt-in.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob atomically claims the oldest runnable pending job of one of
// the given types, marking it running. Returns nil when nothing is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt string
	var lastError sql.NullString
	var updatedAt string
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt, re-queueing with exponential backoff
// until max_attempts is exhausted.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}
