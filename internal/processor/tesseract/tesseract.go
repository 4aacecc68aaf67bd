/**
 * Tesseract OCR - word-level text recognition
 *
 * Wraps gosseract so the pipeline receives one token per recognized word
 * with its bounding box and confidence.
 */

package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/forensics-worker/internal/logging"
	"github.com/adverant/nexus/forensics-worker/internal/models"
)

// Config holds Tesseract configuration
type Config struct {
	Language string
}

// OCR extracts word tokens with Tesseract
type OCR struct {
	language string
	logger   *logging.Logger
}

// New creates a new Tesseract OCR instance
func New(cfg Config) *OCR {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	return &OCR{
		language: cfg.Language,
		logger:   logging.NewLogger("tesseract"),
	}
}

// ExtractText runs OCR on the image at path. A fresh client is created per
// call because gosseract clients are not safe for concurrent use.
func (t *OCR) ExtractText(ctx context.Context, path string) ([]models.OCRToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.language); err != nil {
		return nil, fmt.Errorf("failed to set language %s: %w", t.language, err)
	}
	if err := client.SetImage(path); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	tokens := make([]models.OCRToken, 0, len(boxes))
	for _, b := range boxes {
		word := strings.TrimSpace(b.Word)
		if word == "" {
			continue
		}
		conf := b.Confidence / 100
		tokens = append(tokens, models.OCRToken{
			Text: word,
			BoundingBox: &models.BoundingBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
			Confidence: &conf,
		})
	}

	t.logger.Debug("OCR complete", "path", path, "tokens", len(tokens))
	return tokens, nil
}
