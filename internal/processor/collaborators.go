package processor

import (
	"context"
	"image"

	"github.com/adverant/nexus/forensics-worker/internal/entities"
	"github.com/adverant/nexus/forensics-worker/internal/inference"
	"github.com/adverant/nexus/forensics-worker/internal/models"
	"github.com/adverant/nexus/forensics-worker/internal/pdfmeta"
	"github.com/adverant/nexus/forensics-worker/internal/storage"
)

// OCRService recognizes text in an image file
type OCRService interface {
	ExtractText(ctx context.Context, path string) ([]models.OCRToken, error)
}

// LayoutScorer rates spatial inconsistency of OCR tokens in [0,1]
type LayoutScorer interface {
	AnalyzeSpatialConsistency(tokens []models.OCRToken) (float64, error)
}

// ELAProvider computes error level analysis for an image file
type ELAProvider interface {
	CalculateELA(ctx context.Context, path string) (image.Image, float64, error)
}

// Rasterizer renders PDF pages; an empty slice means conversion failed
type Rasterizer interface {
	ConvertToImages(ctx context.Context, pdfPath string) []image.Image
}

// MetadataAnalyzer inspects PDF authoring metadata
type MetadataAnalyzer interface {
	Analyze(path string) pdfmeta.Record
}

// ForgeryDetector runs sliding-window inference on an image file
type ForgeryDetector interface {
	InferFile(ctx context.Context, path string) (*inference.Result, error)
}

// Explainer renders a saliency overlay for the forgery class
type Explainer interface {
	ExplainFile(ctx context.Context, path string) (*image.NRGBA, error)
}

// EntityExtractor pulls identity fields from OCR tokens
type EntityExtractor interface {
	Extract(tokens []models.OCRToken) entities.Record
}

// Archive persists finished analyses for audit and similarity search
type Archive interface {
	StoreAnalysis(ctx context.Context, rec *storage.AnalysisRecord) error
}

// Dependencies are the collaborators the processor drives. Archive is optional.
type Dependencies struct {
	OCR        OCRService
	Layout     LayoutScorer
	ELA        ELAProvider
	Rasterizer Rasterizer
	Metadata   MetadataAnalyzer
	Detector   ForgeryDetector
	Explainer  Explainer
	Entities   EntityExtractor
	Archive    Archive
}
