/**
 * SQLite Archive for single-node deployments
 *
 * Same audit trail as the PostgreSQL + Qdrant pair, in one local file.
 * Signatures are stored as JSON and similarity search is a linear scan,
 * which is fine for the archive sizes a single worker produces.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS analysis_jobs (
		id            TEXT PRIMARY KEY,
		filename      TEXT NOT NULL DEFAULT 'unknown',
		status        TEXT NOT NULL,
		message       TEXT,
		error_message TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS analyses (
		job_id         TEXT PRIMARY KEY REFERENCES analysis_jobs(id) ON DELETE CASCADE,
		filename       TEXT NOT NULL,
		final_score    REAL NOT NULL,
		classification TEXT NOT NULL,
		ela_score      REAL NOT NULL,
		layout_score   REAL NOT NULL,
		dl_score       REAL NOT NULL,
		is_fraud       INTEGER NOT NULL,
		entities       TEXT NOT NULL DEFAULT '{}',
		pdf_metadata   TEXT,
		signature      TEXT,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_classification ON analyses(classification);`

// SQLiteArchive stores analyses in a local SQLite database
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive opens (creating if needed) the database at path
func NewSQLiteArchive(ctx context.Context, path string) (*SQLiteArchive, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite archive: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure sqlite schema: %w", err)
	}

	return &SQLiteArchive{db: db}, nil
}

// UpdateJobStatus upserts the job row
func (s *SQLiteArchive) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	filename := update.Filename
	if filename == "" {
		filename = "unknown"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_jobs (id, filename, status, message, error_message, created_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			error_message = excluded.error_message,
			filename = CASE WHEN excluded.filename = 'unknown' THEN analysis_jobs.filename ELSE excluded.filename END,
			updated_at = excluded.updated_at`,
		update.JobID, filename, update.Status, update.Message, update.ErrorMessage, now, now)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w", update.JobID, update.Status, err)
	}
	return nil
}

// StoreAnalysis archives rec
func (s *SQLiteArchive) StoreAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	if rec == nil || rec.JobID == "" {
		return fmt.Errorf("record with job ID is required")
	}

	if err := s.UpdateJobStatus(ctx, &JobUpdate{JobID: rec.JobID, Filename: rec.Filename, Status: "SUCCESS"}); err != nil {
		return err
	}

	entitiesJSON, err := json.Marshal(rec.Entities)
	if err != nil {
		return fmt.Errorf("failed to marshal entities: %w", err)
	}
	var metadataJSON, signatureJSON []byte
	if rec.PDFMetadata != nil {
		if metadataJSON, err = json.Marshal(rec.PDFMetadata); err != nil {
			return fmt.Errorf("failed to marshal pdf metadata: %w", err)
		}
	}
	if len(rec.Signature) > 0 {
		if signatureJSON, err = json.Marshal(rec.Signature); err != nil {
			return fmt.Errorf("failed to marshal signature: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO analyses (
			job_id, filename, final_score, classification,
			ela_score, layout_score, dl_score, is_fraud,
			entities, pdf_metadata, signature, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Filename, rec.FinalScore, rec.Classification,
		sanitizeScore(rec.ELAScore), sanitizeScore(rec.LayoutScore), sanitizeScore(rec.DLScore), rec.IsFraud,
		string(entitiesJSON), nullableText(metadataJSON), nullableText(signatureJSON),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store analysis (job=%s): %w", rec.JobID, err)
	}
	return nil
}

// GetAnalysis retrieves an archived analysis
func (s *SQLiteArchive) GetAnalysis(ctx context.Context, jobID string) (*StoredAnalysis, error) {
	var (
		a         StoredAnalysis
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, filename, final_score, classification,
		       ela_score, layout_score, dl_score, is_fraud, created_at
		FROM analyses WHERE job_id = ?`, jobID).Scan(
		&a.JobID, &a.Filename, &a.FinalScore, &a.Classification,
		&a.ELAScore, &a.LayoutScore, &a.DLScore, &a.IsFraud, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &a, nil
}

// FindSimilarTo returns the analyses whose signatures are closest to the
// one stored for jobID, nearest first, excluding jobID itself.
func (s *SQLiteArchive) FindSimilarTo(ctx context.Context, jobID string, limit int) ([]*SimilarAnalysis, error) {
	if limit <= 0 {
		limit = 10
	}

	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT signature FROM analyses WHERE job_id = ?`, jobID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signature: %w", err)
	}
	if !raw.Valid {
		return nil, fmt.Errorf("%w: %s", ErrNoSignature, jobID)
	}
	var query []float32
	if err := json.Unmarshal([]byte(raw.String), &query); err != nil {
		return nil, fmt.Errorf("corrupt signature for %s: %w", jobID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, filename, classification, signature
		FROM analyses WHERE signature IS NOT NULL AND job_id <> ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan signatures: %w", err)
	}
	defer rows.Close()

	var hits []*SimilarAnalysis
	for rows.Next() {
		var (
			hit SimilarAnalysis
			sig string
		)
		if err := rows.Scan(&hit.JobID, &hit.Filename, &hit.Classification, &sig); err != nil {
			return nil, err
		}
		var vec []float32
		if json.Unmarshal([]byte(sig), &vec) != nil || len(vec) != len(query) {
			continue
		}
		hit.Distance = euclidean(query, vec)
		hits = append(hits, &hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// HealthCheck checks the database is usable
func (s *SQLiteArchive) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteArchive) Close() error {
	return s.db.Close()
}

func euclidean(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

func nullableText(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
