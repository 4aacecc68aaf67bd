/**
 * Layout Analyzer - spatial consistency of recognized text
 *
 * Pasted or retyped fields rarely share the baseline and glyph height of
 * the surrounding print. The analyzer groups OCR word boxes into text lines
 * and measures how far each word strays from its line.
 */

package processor

import (
	"math"
	"sort"

	"github.com/adverant/nexus/forensics-worker/internal/models"
)

const (
	// fraction of median height a word may deviate before it counts as an outlier
	heightTolerance = 0.35
	// fraction of median height the baseline may drift within a line
	baselineTolerance = 0.25
	// minimum boxed words needed for a meaningful score
	minLayoutWords = 3
)

// LayoutAnalyzer scores spatial consistency of OCR tokens
type LayoutAnalyzer struct{}

// NewLayoutAnalyzer creates a new layout analyzer
func NewLayoutAnalyzer() *LayoutAnalyzer {
	return &LayoutAnalyzer{}
}

// textLine is a run of boxes sharing a vertical band
type textLine struct {
	boxes []models.BoundingBox
}

// AnalyzeSpatialConsistency returns an inconsistency score in [0,1]: 0 for
// uniform print, approaching 1 when word heights and baselines disagree
// with their lines. Tokens without boxes are ignored.
func (l *LayoutAnalyzer) AnalyzeSpatialConsistency(tokens []models.OCRToken) (float64, error) {
	boxes := make([]models.BoundingBox, 0, len(tokens))
	for _, t := range tokens {
		if t.BoundingBox != nil && t.BoundingBox.Height > 0 {
			boxes = append(boxes, *t.BoundingBox)
		}
	}
	if len(boxes) < minLayoutWords {
		return 0, nil
	}

	lines := groupIntoLines(boxes)

	var outliers, checked int
	var drift float64
	var driftLines int
	for _, line := range lines {
		if len(line.boxes) < 2 {
			continue
		}
		heights := make([]float64, len(line.boxes))
		bottoms := make([]float64, len(line.boxes))
		for i, b := range line.boxes {
			heights[i] = float64(b.Height)
			bottoms[i] = float64(b.Bottom())
		}
		medH := median(heights)
		if medH == 0 {
			continue
		}
		medB := median(bottoms)

		var lineDrift float64
		for i := range line.boxes {
			checked++
			if math.Abs(heights[i]-medH)/medH > heightTolerance {
				outliers++
			}
			lineDrift = math.Max(lineDrift, math.Abs(bottoms[i]-medB)/medH)
		}
		drift += math.Min(lineDrift/baselineTolerance, 1)
		driftLines++
	}

	if checked == 0 || driftLines == 0 {
		return 0, nil
	}

	outlierRatio := float64(outliers) / float64(checked)
	driftRatio := drift / float64(driftLines)
	score := 0.5*outlierRatio + 0.5*driftRatio
	return math.Max(0, math.Min(1, score)), nil
}

// groupIntoLines orders boxes top to bottom and starts a new line whenever
// a box's vertical center leaves the current line's band.
func groupIntoLines(boxes []models.BoundingBox) []textLine {
	sorted := append([]models.BoundingBox(nil), boxes...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CenterY() == sorted[j].CenterY() {
			return sorted[i].X < sorted[j].X
		}
		return sorted[i].CenterY() < sorted[j].CenterY()
	})

	var lines []textLine
	var current textLine
	var bandCenter, bandHeight float64
	for _, b := range sorted {
		if len(current.boxes) > 0 && math.Abs(b.CenterY()-bandCenter) <= bandHeight/2 {
			current.boxes = append(current.boxes, b)
			continue
		}
		if len(current.boxes) > 0 {
			lines = append(lines, current)
		}
		current = textLine{boxes: []models.BoundingBox{b}}
		bandCenter, bandHeight = b.CenterY(), float64(b.Height)
	}
	if len(current.boxes) > 0 {
		lines = append(lines, current)
	}

	for i := range lines {
		sort.Slice(lines[i].boxes, func(a, b int) bool { return lines[i].boxes[a].X < lines[i].boxes[b].X })
	}
	return lines
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}
