/**
 * Document Processor for the Forensics Worker
 *
 * Runs one forgery analysis end to end:
 * - PDF metadata inspection and first-page rasterization
 * - OCR and layout consistency scoring
 * - Error level analysis and sliding-window deep-model inference
 * - Score fusion, entity extraction and an optional saliency explanation
 *
 * Every stage reports progress on the job; any failure moves the job to
 * FAILURE. Derived page images are removed on every exit path.
 */

package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	apperrors "github.com/adverant/nexus/forensics-worker/internal/errors"
	"github.com/adverant/nexus/forensics-worker/internal/heatmap"
	"github.com/adverant/nexus/forensics-worker/internal/inference"
	"github.com/adverant/nexus/forensics-worker/internal/jobs"
	"github.com/adverant/nexus/forensics-worker/internal/logging"
	"github.com/adverant/nexus/forensics-worker/internal/pdfmeta"
	"github.com/adverant/nexus/forensics-worker/internal/scoring"
	"github.com/adverant/nexus/forensics-worker/internal/storage"
)

// Progress messages reported while a job runs
const (
	MsgInitializing = "Initializing analysis..."
	MsgPDFMetadata  = "Extracting PDF metadata..."
	MsgOCRLayout    = "Running OCR and Layout Analysis..."
	MsgVision       = "Running Forensic Vision Models..."
	MsgEntities     = "Extracting intelligent entities..."
	MsgExplanation  = "Generating AI Explainability Map..."
)

// SignatureSize is the side of the resampled probability grid stored for
// similarity search.
const SignatureSize = 8

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	// dl scores above this trigger an explanation
	ExplainThreshold float64
	// when false a failed explanation is logged and omitted
	ExplanationFailureFatal bool
}

// ProcessRequest represents a document analysis request
type ProcessRequest struct {
	JobID    string
	FilePath string
	Filename string
}

// DocumentProcessor handles document analysis
type DocumentProcessor struct {
	config ProcessorConfig
	deps   Dependencies
	logger *logging.Logger
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg ProcessorConfig, deps Dependencies) (*DocumentProcessor, error) {
	switch {
	case deps.OCR == nil:
		return nil, fmt.Errorf("OCR service is required")
	case deps.Layout == nil:
		return nil, fmt.Errorf("layout scorer is required")
	case deps.ELA == nil:
		return nil, fmt.Errorf("ELA provider is required")
	case deps.Rasterizer == nil:
		return nil, fmt.Errorf("rasterizer is required")
	case deps.Metadata == nil:
		return nil, fmt.Errorf("metadata analyzer is required")
	case deps.Detector == nil:
		return nil, fmt.Errorf("forgery detector is required")
	case deps.Explainer == nil:
		return nil, fmt.Errorf("explainer is required")
	case deps.Entities == nil:
		return nil, fmt.Errorf("entity extractor is required")
	}

	if deps.Archive == nil {
		logging.NewLogger("processor").Warn("WARNING: analysis archive not configured. Results will only live in the job store.")
	}

	return &DocumentProcessor{
		config: cfg,
		deps:   deps,
		logger: logging.NewLogger("processor"),
	}, nil
}

// ProcessDocument analyzes one document and drives job through its states.
// On failure the job ends in FAILURE and the error is returned so the queue
// can apply its retry policy.
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, job *jobs.Job, req *ProcessRequest) (result *AnalysisResult, err error) {
	startTime := time.Now()
	logger := p.logger.With("job_id", req.JobID, "filename", req.Filename)

	var derivedPath string
	defer func() {
		if derivedPath == "" {
			return
		}
		if rmErr := os.Remove(derivedPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn("Failed to remove derived page image", "path", derivedPath, "error", rmErr)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis panicked: %v", r)
			result = nil
		}
		if err != nil {
			logger.Error("Analysis failed", "error", err, "duration_ms", time.Since(startTime).Milliseconds())
			if failErr := job.Fail(ctx, err); failErr != nil {
				logger.Warn("Could not mark job failed", "error", failErr)
			}
		}
	}()

	if err := job.Start(ctx, MsgInitializing); err != nil {
		return nil, err
	}
	logger.Info("Starting document analysis pipeline", "path", req.FilePath)

	if _, statErr := os.Stat(req.FilePath); statErr != nil {
		return nil, apperrors.NewInvalidInputError(req.JobID, fmt.Sprintf("file not readable: %v", statErr))
	}

	// Step 1: PDF handling
	processingPath := req.FilePath
	var pdfMetadata *pdfmeta.Record
	if isPDF(req.FilePath) {
		p.progress(ctx, job, MsgPDFMetadata)
		logger.Info("Step 1: Extracting PDF metadata and rasterizing first page")

		meta := p.deps.Metadata.Analyze(req.FilePath)
		pdfMetadata = &meta

		pages := p.deps.Rasterizer.ConvertToImages(ctx, req.FilePath)
		if len(pages) == 0 {
			return nil, apperrors.NewConversionFailedError(req.JobID, req.FilePath)
		}

		pagePath := DerivedPagePath(req.FilePath)
		if err := imaging.Save(pages[0], pagePath); err != nil {
			return nil, apperrors.NewStageError(req.JobID, apperrors.ErrorConversionFailed, "failed to save first page", err)
		}
		derivedPath = pagePath
		processingPath = pagePath
	} else if mime := sniffMimeType(req.FilePath); mime == "application/pdf" {
		logger.Warn("File content looks like PDF but extension does not; treating as image", "mime", mime)
	}

	// Step 2: OCR and layout
	p.progress(ctx, job, MsgOCRLayout)
	logger.Info("Step 2: Running OCR and layout analysis")
	tokens, err := p.deps.OCR.ExtractText(ctx, processingPath)
	if err != nil {
		return nil, apperrors.NewStageError(req.JobID, apperrors.ErrorOCRFailed, "OCR failed", err)
	}
	layoutScore, err := p.deps.Layout.AnalyzeSpatialConsistency(tokens)
	if err != nil {
		return nil, apperrors.NewStageError(req.JobID, apperrors.ErrorLayoutFailed, "layout analysis failed", err)
	}

	// Step 3: ELA and deep model
	p.progress(ctx, job, MsgVision)
	logger.Info("Step 3: Running forensic vision models", "tokens", len(tokens))
	elaImage, elaScore, err := p.deps.ELA.CalculateELA(ctx, processingPath)
	if err != nil {
		return nil, apperrors.NewStageError(req.JobID, apperrors.ErrorELAFailed, "ELA failed", err)
	}
	elaBase64, err := heatmap.EncodeBase64PNG(elaImage)
	if err != nil {
		return nil, apperrors.NewStageError(req.JobID, apperrors.ErrorELAFailed, "failed to encode ELA image", err)
	}

	detection, err := p.deps.Detector.InferFile(ctx, processingPath)
	if err != nil {
		return nil, apperrors.NewStageError(req.JobID, apperrors.ErrorInferenceFailed, "deep-model inference failed", err)
	}
	// below one patch the whole-image probability is not localized, so
	// fusion uses the neutral score
	dlScore := detection.LocalizedScore(scoring.NeutralDLScore)
	dlBase64, err := heatmap.EncodeBase64PNG(detection.Heatmap)
	if err != nil {
		return nil, apperrors.NewStageError(req.JobID, apperrors.ErrorInferenceFailed, "failed to encode heatmap", err)
	}

	// Step 4: fusion
	finalScore, classification := scoring.Fuse(elaScore, layoutScore, dlScore)
	logger.Info("Step 4: Scores fused",
		"ela", elaScore, "layout", layoutScore, "dl", dlScore,
		"final_score", finalScore, "classification", classification)

	// Step 5: entities
	p.progress(ctx, job, MsgEntities)
	extracted := p.deps.Entities.Extract(tokens)

	// Step 6: explanation
	var explanation *string
	if dlScore > p.config.ExplainThreshold {
		p.progress(ctx, job, MsgExplanation)
		logger.Info("Step 6: Generating explanation", "dl_score", dlScore)
		explanation, err = p.explain(ctx, processingPath)
		if err != nil {
			if p.config.ExplanationFailureFatal {
				return nil, apperrors.NewStageError(req.JobID, apperrors.ErrorExplanationFailed, "explanation failed", err)
			}
			logger.Warn("Explanation failed, omitting", "error", err)
			explanation = nil
		}
	}

	result = &AnalysisResult{
		Filename:          req.Filename,
		FinalScore:        finalScore,
		Classification:    classification,
		ELAScore:          scoring.Round(elaScore, 4),
		LayoutScore:       scoring.Round(layoutScore, 4),
		DLScore:           scoring.Round(dlScore, 4),
		IsFraud:           classification != scoring.Authentic || (pdfMetadata != nil && pdfMetadata.IsSuspicious),
		OCRData:           tokens,
		HeatmapBase64:     elaBase64,
		DLHeatmapBase64:   dlBase64,
		ExtractedEntities: extracted,
		PDFMetadata:       pdfMetadata,
		AIExplanation64:   explanation,
	}

	p.archive(ctx, logger, req, result, detection)

	if err := job.Succeed(ctx, result); err != nil {
		return nil, err
	}

	logger.Info("Analysis complete",
		"classification", classification,
		"final_score", finalScore,
		"is_fraud", result.IsFraud,
		"duration_ms", time.Since(startTime).Milliseconds())

	return result, nil
}

// DerivedPagePath is where the first rasterized page of a PDF is written:
// next to the upload, named "<fileID>_page1.jpg".
func DerivedPagePath(pdfPath string) string {
	fileID := strings.SplitN(filepath.Base(pdfPath), ".", 2)[0]
	return filepath.Join(filepath.Dir(pdfPath), fileID+"_page1.jpg")
}

func (p *DocumentProcessor) explain(ctx context.Context, path string) (*string, error) {
	overlay, err := p.deps.Explainer.ExplainFile(ctx, path)
	if err != nil {
		return nil, err
	}
	encoded, err := heatmap.EncodeBase64PNG(overlay)
	if err != nil {
		return nil, err
	}
	return &encoded, nil
}

// progress reports a stage message. A rejected transition only means the
// job was already terminal, which the caller will discover on Succeed.
func (p *DocumentProcessor) progress(ctx context.Context, job *jobs.Job, message string) {
	if err := job.Progress(ctx, message); err != nil {
		p.logger.Warn("Progress update rejected", "job_id", job.ID(), "error", err)
	}
}

// archive stores the analysis for audit. Failures are logged and do not
// affect the job outcome.
func (p *DocumentProcessor) archive(ctx context.Context, logger *logging.Logger, req *ProcessRequest, result *AnalysisResult, detection *inference.Result) {
	if p.deps.Archive == nil {
		return
	}

	rec := &storage.AnalysisRecord{
		JobID:          req.JobID,
		Filename:       result.Filename,
		FinalScore:     result.FinalScore,
		Classification: string(result.Classification),
		ELAScore:       result.ELAScore,
		LayoutScore:    result.LayoutScore,
		DLScore:        result.DLScore,
		IsFraud:        result.IsFraud,
		Entities:       result.ExtractedEntities,
		PDFMetadata:    result.PDFMetadata,
	}

	// unlocalized grids carry no spatial pattern worth indexing
	if detection.Localized {
		sig, err := detection.Grid.Signature(SignatureSize)
		if err != nil {
			logger.Warn("Failed to build forgery signature", "error", err)
		} else {
			rec.Signature = sig
		}
	}

	if err := p.deps.Archive.StoreAnalysis(ctx, rec); err != nil {
		logger.Warn("Failed to archive analysis", "error", apperrors.NewStorageFailedError(req.JobID, err))
	}
}
