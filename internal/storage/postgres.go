/**
 * PostgreSQL Client for the Forensics Worker
 *
 * Keeps an audit trail of job states and finished analyses.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID        string
	Filename     string
	Status       string
	Message      string
	ErrorMessage string
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS forensics;

	CREATE TABLE IF NOT EXISTS forensics.analysis_jobs (
		id            UUID PRIMARY KEY,
		filename      TEXT NOT NULL DEFAULT 'unknown',
		status        TEXT NOT NULL,
		message       TEXT,
		error_message TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS forensics.analyses (
		job_id             UUID PRIMARY KEY REFERENCES forensics.analysis_jobs(id) ON DELETE CASCADE,
		filename           TEXT NOT NULL,
		final_score        NUMERIC(5,2) NOT NULL,
		classification     TEXT NOT NULL,
		ela_score          NUMERIC(5,4) NOT NULL,
		layout_score       NUMERIC(5,4) NOT NULL,
		dl_score           NUMERIC(5,4) NOT NULL,
		is_fraud           BOOLEAN NOT NULL,
		entities           JSONB NOT NULL DEFAULT '{}'::jsonb,
		pdf_metadata       JSONB,
		signature_point_id UUID,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
`

// sanitizeScore clamps a unit score and rounds it to 4 decimal places so it
// fits NUMERIC(5,4).
func sanitizeScore(score float64) float64 {
	if score < 0.0 || math.IsNaN(score) {
		return 0.0
	}
	if score > 1.0 {
		return 1.0
	}
	return math.Round(score*10000) / 10000
}

// NewPostgresClient creates a new PostgreSQL client and ensures the schema
func NewPostgresClient(ctx context.Context, databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// UpdateJobStatus upserts the job row so the worker can record jobs the
// submitter never wrote.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	query := `
		INSERT INTO forensics.analysis_jobs (
			id, filename, status, message, error_message, created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($2, ''), 'unknown'), $3, NULLIF($4, ''), NULLIF($5, ''), NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			error_message = EXCLUDED.error_message,
			filename = CASE
				WHEN EXCLUDED.filename = 'unknown' THEN forensics.analysis_jobs.filename
				ELSE EXCLUDED.filename
			END,
			updated_at = NOW()
	`

	_, err := p.db.ExecContext(ctx, query,
		update.JobID,        // $1
		update.Filename,     // $2
		update.Status,       // $3
		update.Message,      // $4
		update.ErrorMessage, // $5
	)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w", update.JobID, update.Status, err)
	}

	return nil
}

// InsertAnalysis writes the analysis row for a finished job
func (p *PostgresClient) InsertAnalysis(ctx context.Context, rec *AnalysisRecord, signaturePointID string) error {
	entitiesJSON, err := json.Marshal(rec.Entities)
	if err != nil {
		return fmt.Errorf("failed to marshal entities: %w", err)
	}
	entitiesJSON = sanitizeJSONForPostgres(entitiesJSON)

	var metadataJSON []byte
	if rec.PDFMetadata != nil {
		metadataJSON, err = json.Marshal(rec.PDFMetadata)
		if err != nil {
			return fmt.Errorf("failed to marshal pdf metadata: %w", err)
		}
		metadataJSON = sanitizeJSONForPostgres(metadataJSON)
	}

	query := `
		INSERT INTO forensics.analyses (
			job_id, filename, final_score, classification,
			ela_score, layout_score, dl_score, is_fraud,
			entities, pdf_metadata, signature_point_id, created_at
		) VALUES (
			$1::uuid, $2, $3::NUMERIC(5,2), $4,
			$5::NUMERIC(5,4), $6::NUMERIC(5,4), $7::NUMERIC(5,4), $8,
			$9::jsonb, $10::jsonb,
			CASE WHEN $11 = '' THEN NULL ELSE $11::uuid END,
			NOW()
		)
		ON CONFLICT (job_id) DO UPDATE SET
			final_score = EXCLUDED.final_score,
			classification = EXCLUDED.classification,
			ela_score = EXCLUDED.ela_score,
			layout_score = EXCLUDED.layout_score,
			dl_score = EXCLUDED.dl_score,
			is_fraud = EXCLUDED.is_fraud,
			entities = EXCLUDED.entities,
			pdf_metadata = EXCLUDED.pdf_metadata,
			signature_point_id = EXCLUDED.signature_point_id
	`

	_, err = p.db.ExecContext(ctx, query,
		rec.JobID,
		rec.Filename,
		rec.FinalScore,
		rec.Classification,
		sanitizeScore(rec.ELAScore),
		sanitizeScore(rec.LayoutScore),
		sanitizeScore(rec.DLScore),
		rec.IsFraud,
		entitiesJSON,
		nullableJSON(metadataJSON),
		signaturePointID,
	)
	if err != nil {
		return fmt.Errorf("failed to store analysis (job=%s): %w", rec.JobID, err)
	}

	return nil
}

// GetAnalysis retrieves the stored analysis summary for a job
func (p *PostgresClient) GetAnalysis(ctx context.Context, jobID string) (*StoredAnalysis, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT job_id, filename, final_score, classification,
		       ela_score, layout_score, dl_score, is_fraud,
		       COALESCE(signature_point_id::text, ''), created_at
		FROM forensics.analyses
		WHERE job_id = $1::uuid
	`

	var a StoredAnalysis
	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&a.JobID, &a.Filename, &a.FinalScore, &a.Classification,
		&a.ELAScore, &a.LayoutScore, &a.DLScore, &a.IsFraud,
		&a.SignaturePointID, &a.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	return &a, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
