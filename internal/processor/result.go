package processor

import (
	"github.com/adverant/nexus/forensics-worker/internal/entities"
	"github.com/adverant/nexus/forensics-worker/internal/models"
	"github.com/adverant/nexus/forensics-worker/internal/pdfmeta"
	"github.com/adverant/nexus/forensics-worker/internal/scoring"
)

// AnalysisResult is the payload stored on a successful job
type AnalysisResult struct {
	Filename          string                 `json:"filename"`
	FinalScore        float64                `json:"final_score"`
	Classification    scoring.Classification `json:"classification"`
	ELAScore          float64                `json:"ela_score"`
	LayoutScore       float64                `json:"layout_score"`
	DLScore           float64                `json:"dl_score"`
	IsFraud           bool                   `json:"is_fraud"`
	OCRData           []models.OCRToken      `json:"ocr_data"`
	HeatmapBase64     string                 `json:"heatmap_base64"`
	DLHeatmapBase64   string                 `json:"dl_heatmap_base64"`
	ExtractedEntities entities.Record        `json:"extracted_entities"`
	PDFMetadata       *pdfmeta.Record        `json:"pdf_metadata"`
	AIExplanation64   *string                `json:"ai_explanation_64"`
}

// ValidationTaskResult is the payload of a cross-document validation job
type ValidationTaskResult struct {
	DocumentA string                    `json:"document_a"`
	DocumentB string                    `json:"document_b"`
	EntitiesA entities.Record           `json:"entities_a"`
	EntitiesB entities.Record           `json:"entities_b"`
	Result    entities.ValidationResult `json:"validation"`
}
