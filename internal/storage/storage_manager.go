/**
 * Storage Manager for the Forensics Worker
 *
 * Coordinates the PostgreSQL audit trail and the Qdrant signature index.
 * A signature is written to Qdrant first and removed again if the
 * PostgreSQL write fails, so the index never points at a missing analysis.
 */

package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/forensics-worker/internal/entities"
	"github.com/adverant/nexus/forensics-worker/internal/pdfmeta"
)

var (
	// ErrAnalysisNotFound is returned for job IDs with no archived analysis
	ErrAnalysisNotFound = errors.New("analysis not found")
	// ErrNoSignature is returned when an analysis was stored without a
	// forgery signature
	ErrNoSignature = errors.New("analysis has no forgery signature")
)

// AnalysisRecord is what gets archived for a finished analysis
type AnalysisRecord struct {
	JobID          string
	Filename       string
	FinalScore     float64
	Classification string
	ELAScore       float64
	LayoutScore    float64
	DLScore        float64
	IsFraud        bool
	Entities       entities.Record
	PDFMetadata    *pdfmeta.Record
	// Signature is nil when the probability grid was not localized
	Signature []float32
}

// StoredAnalysis is the summary row read back from PostgreSQL
type StoredAnalysis struct {
	JobID            string
	Filename         string
	FinalScore       float64
	Classification   string
	ELAScore         float64
	LayoutScore      float64
	DLScore          float64
	IsFraud          bool
	SignaturePointID string
	CreatedAt        time.Time
}

// SimilarAnalysis is a search hit from the signature index
type SimilarAnalysis struct {
	JobID          string
	Filename       string
	Classification string
	Distance       float32
}

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	qdrant   *QdrantClient
}

// NewStorageManager connects to PostgreSQL and, when qdrantAddress is set,
// to Qdrant.
func NewStorageManager(ctx context.Context, postgresURL, qdrantAddress, qdrantCollection string, signatureDims int) (*StorageManager, error) {
	postgres, err := NewPostgresClient(ctx, postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	sm := &StorageManager{postgres: postgres}
	if qdrantAddress == "" {
		return sm, nil
	}

	qdrant, err := NewQdrantClient(ctx, qdrantAddress, qdrantCollection, signatureDims)
	if err != nil {
		postgres.Close() // Cleanup on failure
		return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
	}
	sm.qdrant = qdrant

	return sm, nil
}

// StoreAnalysis archives rec across both systems
func (sm *StorageManager) StoreAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	if rec.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	// Step 1: make sure the job row exists for the foreign key
	if err := sm.postgres.UpdateJobStatus(ctx, &JobUpdate{
		JobID:    rec.JobID,
		Filename: rec.Filename,
		Status:   "SUCCESS",
	}); err != nil {
		return err
	}

	// Step 2: index the signature
	var pointID string
	if sm.qdrant != nil && len(rec.Signature) > 0 {
		pointID = uuid.New().String()
		if err := sm.qdrant.UpsertVector(ctx, &VectorPoint{
			ID:     pointID,
			Vector: rec.Signature,
			Metadata: map[string]interface{}{
				"job_id":         rec.JobID,
				"filename":       rec.Filename,
				"classification": rec.Classification,
				"final_score":    rec.FinalScore,
				"created_at":     time.Now().Unix(),
			},
		}); err != nil {
			return fmt.Errorf("failed to store signature in Qdrant: %w", err)
		}
	}

	// Step 3: analysis row
	if err := sm.postgres.InsertAnalysis(ctx, rec, pointID); err != nil {
		if pointID != "" {
			// Rollback: Delete Qdrant point
			sm.qdrant.DeleteVector(ctx, pointID)
		}
		return err
	}

	return nil
}

// FindSimilar returns analyses whose signatures are closest to signature
func (sm *StorageManager) FindSimilar(ctx context.Context, signature []float32, limit int) ([]*SimilarAnalysis, error) {
	if sm.qdrant == nil {
		return nil, fmt.Errorf("signature index not configured")
	}

	points, err := sm.qdrant.SearchVectors(ctx, signature, limit)
	if err != nil {
		return nil, err
	}

	results := make([]*SimilarAnalysis, 0, len(points))
	for _, point := range points {
		jobID, ok := point.Metadata["job_id"].(string)
		if !ok {
			continue
		}
		hit := &SimilarAnalysis{JobID: jobID, Distance: point.Score}
		if fn, ok := point.Metadata["filename"].(string); ok {
			hit.Filename = fn
		}
		if cl, ok := point.Metadata["classification"].(string); ok {
			hit.Classification = cl
		}
		results = append(results, hit)
	}

	return results, nil
}

// FindSimilarTo searches with the signature archived for jobID and drops
// jobID itself from the hits.
func (sm *StorageManager) FindSimilarTo(ctx context.Context, jobID string, limit int) ([]*SimilarAnalysis, error) {
	if sm.qdrant == nil {
		return nil, fmt.Errorf("signature index not configured")
	}

	stored, err := sm.postgres.GetAnalysis(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if stored.SignaturePointID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSignature, jobID)
	}

	signature, err := sm.qdrant.GetVector(ctx, stored.SignaturePointID)
	if err != nil {
		return nil, err
	}

	hits, err := sm.FindSimilar(ctx, signature, limit+1)
	if err != nil {
		return nil, err
	}

	out := make([]*SimilarAnalysis, 0, len(hits))
	for _, h := range hits {
		if h.JobID != jobID && len(out) < limit {
			out = append(out, h)
		}
	}
	return out, nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetAnalysis retrieves an archived analysis
func (sm *StorageManager) GetAnalysis(ctx context.Context, jobID string) (*StoredAnalysis, error) {
	return sm.postgres.GetAnalysis(ctx, jobID)
}

// HealthCheck pings every configured backend concurrently
func (sm *StorageManager) HealthCheck(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sm.postgres.Ping(gctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		return nil
	})

	if sm.qdrant != nil {
		g.Go(func() error {
			return sm.qdrant.Ping(gctx)
		})
	}

	return g.Wait()
}

// GetStats returns PostgreSQL pool statistics
func (sm *StorageManager) GetStats() map[string]interface{} {
	pgStats := sm.postgres.GetStats()
	return map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
		"signature_index": sm.qdrant != nil,
	}
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres strips escapes JSONB rejects. OCR output can
// contain NUL and other control characters.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
