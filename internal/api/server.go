// Package api is the HTTP surface for submitting documents and polling
// job state. It never runs analyses itself; work goes through the queue.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/adverant/nexus/forensics-worker/internal/jobs"
	"github.com/adverant/nexus/forensics-worker/internal/logging"
	"github.com/adverant/nexus/forensics-worker/internal/processor"
	"github.com/adverant/nexus/forensics-worker/internal/queue"
	"github.com/adverant/nexus/forensics-worker/internal/storage"
)

// JobSubmitter enqueues work
type JobSubmitter interface {
	Submit(ctx context.Context, path, filename string) (string, error)
	SubmitValidation(ctx context.Context, documentA, documentB string) (string, error)
}

// JobReader loads job snapshots
type JobReader interface {
	Get(ctx context.Context, id string) (*jobs.Snapshot, error)
}

// AnalysisArchive serves archived analyses and signature search
type AnalysisArchive interface {
	GetAnalysis(ctx context.Context, jobID string) (*storage.StoredAnalysis, error)
	FindSimilarTo(ctx context.Context, jobID string, limit int) ([]*storage.SimilarAnalysis, error)
	HealthCheck(ctx context.Context) error
}

// Pinger reports backend health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires the server. Archive is optional.
type Config struct {
	Submitter      JobSubmitter
	Jobs           JobReader
	JobsHealth     Pinger
	Archive        AnalysisArchive
	UploadDir      string
	MaxUploadBytes int64
}

// Server handles HTTP requests
type Server struct {
	cfg    Config
	logger *logging.Logger
}

var extensions = map[string]string{
	"application/pdf": ".pdf",
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/tiff":      ".tiff",
	"image/bmp":       ".bmp",
}

// NewServer validates cfg
func NewServer(cfg Config) (*Server, error) {
	if cfg.Submitter == nil || cfg.Jobs == nil {
		return nil, fmt.Errorf("submitter and job reader are required")
	}
	if cfg.UploadDir == "" {
		return nil, fmt.Errorf("upload directory is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 << 20
	}
	return &Server{cfg: cfg, logger: logging.NewLogger("api")}, nil
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)

	v1 := r.Group("/api/v1")
	v1.POST("/analyses", s.submitAnalysis)
	v1.POST("/validations", s.submitValidation)
	v1.GET("/jobs/:id", s.getJob)
	v1.GET("/analyses/:id", s.getAnalysis)
	v1.GET("/analyses/:id/similar", s.findSimilar)

	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) submitAnalysis(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes+1<<20)

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	if header.Size > s.cfg.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxUploadBytes)})
		return
	}

	src, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read upload"})
		return
	}
	defer src.Close()

	head := make([]byte, 16)
	n, _ := io.ReadFull(src, head)
	mime := processor.DetectMimeType(head[:n])
	if !processor.SupportedMimeTypes[mime] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported file type"})
		return
	}

	// the extension follows the detected content so PDF routing is reliable
	path := filepath.Join(s.cfg.UploadDir, uuid.New().String()+extensions[mime])
	if err := saveUpload(path, head[:n], src); err != nil {
		s.logger.Error("Failed to save upload", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store upload"})
		return
	}

	jobID, err := s.cfg.Submitter.Submit(c.Request.Context(), path, filepath.Base(header.Filename))
	if err != nil {
		os.Remove(path)
		s.logger.Error("Failed to submit analysis", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not enqueue analysis"})
		return
	}

	s.logger.Info("Analysis submitted", "job_id", jobID, "filename", header.Filename, "mime", mime)
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "state": jobs.StatePending})
}

func saveUpload(path string, head []byte, rest io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(head); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if _, err := io.Copy(f, rest); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

type validationRequest struct {
	DocumentA string `json:"document_a" binding:"required"`
	DocumentB string `json:"document_b" binding:"required"`
}

func (s *Server) submitValidation(c *gin.Context) {
	var req validationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document_a and document_b are required"})
		return
	}

	jobID, err := s.cfg.Submitter.SubmitValidation(c.Request.Context(), req.DocumentA, req.DocumentB)
	if err != nil {
		s.logger.Error("Failed to submit validation", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not enqueue validation"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "state": jobs.StatePending})
}

func (s *Server) getJob(c *gin.Context) {
	snap, err := s.cfg.Jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to read job", "job_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read job"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getAnalysis(c *gin.Context) {
	if s.cfg.Archive == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "analysis archive not configured"})
		return
	}
	a, err := s.cfg.Archive.GetAnalysis(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrAnalysisNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to read analysis", "job_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read analysis"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":         a.JobID,
		"filename":       a.Filename,
		"final_score":    a.FinalScore,
		"classification": a.Classification,
		"ela_score":      a.ELAScore,
		"layout_score":   a.LayoutScore,
		"dl_score":       a.DLScore,
		"is_fraud":       a.IsFraud,
		"created_at":     a.CreatedAt,
	})
}

func (s *Server) findSimilar(c *gin.Context) {
	if s.cfg.Archive == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "analysis archive not configured"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "5"))
	if err != nil || limit < 1 || limit > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
		return
	}

	hits, err := s.cfg.Archive.FindSimilarTo(c.Request.Context(), c.Param("id"), limit)
	switch {
	case errors.Is(err, storage.ErrAnalysisNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	case errors.Is(err, storage.ErrNoSignature):
		c.JSON(http.StatusConflict, gin.H{"error": "analysis has no localized forgery signature"})
		return
	case err != nil:
		s.logger.Error("Similarity search failed", "job_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "similarity search failed"})
		return
	}

	out := make([]gin.H, 0, len(hits))
	for _, h := range hits {
		out = append(out, gin.H{
			"job_id":         h.JobID,
			"filename":       h.Filename,
			"classification": h.Classification,
			"distance":       h.Distance,
		})
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("id"), "similar": out})
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := gin.H{"jobs": "ok"}
	code := http.StatusOK
	if s.cfg.JobsHealth != nil {
		if err := s.cfg.JobsHealth.Ping(ctx); err != nil {
			status["jobs"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if s.cfg.Archive != nil {
		status["archive"] = "ok"
		if err := s.cfg.Archive.HealthCheck(ctx); err != nil {
			status["archive"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, status)
}
