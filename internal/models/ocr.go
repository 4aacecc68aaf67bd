/**
 * OCR Types - Shared data structures for recognized text
 *
 * Produced by the OCR collaborator and consumed by layout scoring and
 * entity extraction.
 */

package models

// OCRToken is one recognized word or line. Bounding box and confidence are
// optional because not every OCR backend reports them.
type OCRToken struct {
	Text        string       `json:"text"`
	BoundingBox *BoundingBox `json:"bbox,omitempty"`
	Confidence  *float64     `json:"confidence,omitempty"`
}

// BoundingBox represents coordinates of a region in pixels
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CenterY returns the vertical midpoint of the box
func (b BoundingBox) CenterY() float64 {
	return float64(b.Y) + float64(b.Height)/2
}

// Bottom returns the baseline row of the box
func (b BoundingBox) Bottom() int {
	return b.Y + b.Height
}

// Texts returns the token texts in order
func Texts(tokens []OCRToken) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.Text)
	}
	return out
}
