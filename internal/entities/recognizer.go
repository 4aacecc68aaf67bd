package entities

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/jdkato/prose/v2"
)

// Entity labels understood by the extractor
const (
	LabelPerson   = "PERSON"
	LabelGPE      = "GPE"
	LabelLocation = "LOC"
	LabelFacility = "FAC"
	LabelDate     = "DATE"
)

// Span is one labeled entity found in text.
type Span struct {
	Text  string
	Label string
	// Start is the byte offset of the span in the source text, -1 if unknown
	Start int
}

// Recognizer finds labeled entities in free text.
type Recognizer interface {
	Recognize(text string) ([]Span, error)
}

// ProseRecognizer uses prose's averaged-perceptron NER model. prose emits
// PERSON and GPE spans; other labels pass through unchanged.
type ProseRecognizer struct{}

// NewProseRecognizer checks that the embedded model loads by tagging a
// short sentence.
func NewProseRecognizer() (*ProseRecognizer, error) {
	if _, err := prose.NewDocument("Jane Smith lives in Boston."); err != nil {
		return nil, fmt.Errorf("failed to load prose model: %w", err)
	}
	return &ProseRecognizer{}, nil
}

func (p *ProseRecognizer) Recognize(text string) ([]Span, error) {
	doc, err := prose.NewDocument(text, prose.WithSegmentation(false))
	if err != nil {
		return nil, fmt.Errorf("prose: %w", err)
	}

	var spans []Span
	offset := 0
	for _, ent := range doc.Entities() {
		start := -1
		if i := strings.Index(text[offset:], ent.Text); i >= 0 {
			start = offset + i
			offset = start + len(ent.Text)
		}
		spans = append(spans, Span{Text: ent.Text, Label: ent.Label, Start: start})
	}
	return spans, nil
}

var (
	monthNames = `(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|Jun(?:e)?|Jul(?:y)?|Aug(?:ust)?|Sep(?:t(?:ember)?)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)`

	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
		regexp.MustCompile(`\b\d{1,2}[/.\-]\d{1,2}[/.\-]\d{2,4}\b`),
		regexp.MustCompile(`(?i)\b\d{1,2}(?:st|nd|rd|th)?\s+` + monthNames + `\.?,?\s+\d{4}\b`),
		regexp.MustCompile(`(?i)\b` + monthNames + `\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b`),
	}
)

// DateRecognizer finds calendar dates in common numeric and written forms.
type DateRecognizer struct{}

func (DateRecognizer) Recognize(text string) ([]Span, error) {
	var spans []Span
	taken := make([][2]int, 0)

	overlaps := func(a, b int) bool {
		for _, t := range taken {
			if a < t[1] && b > t[0] {
				return true
			}
		}
		return false
	}

	for _, re := range datePatterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			if overlaps(loc[0], loc[1]) {
				continue
			}
			taken = append(taken, [2]int{loc[0], loc[1]})
			spans = append(spans, Span{Text: text[loc[0]:loc[1]], Label: LabelDate, Start: loc[0]})
		}
	}

	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans, nil
}

// Composite merges the spans of several recognizers. Spans keep document
// order within each label.
type Composite []Recognizer

func (c Composite) Recognize(text string) ([]Span, error) {
	var all []Span
	for _, r := range c {
		spans, err := r.Recognize(text)
		if err != nil {
			return nil, err
		}
		all = append(all, spans...)
	}
	sort.SliceStable(all, func(i, j int) bool { return position(all[i]) < position(all[j]) })
	return all, nil
}

// unplaced spans sort after placed ones
func position(s Span) int {
	if s.Start < 0 {
		return math.MaxInt
	}
	return s.Start
}
