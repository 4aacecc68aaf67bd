// Package entities pulls identity fields out of OCR text and checks that
// two documents describe the same person.
package entities

import (
	"strings"

	"github.com/adverant/nexus/forensics-worker/internal/logging"
	"github.com/adverant/nexus/forensics-worker/internal/models"
)

const (
	unknownValue  = "Unknown"
	modelLoading  = "Model Loading"
	notApplicable = "N/A"
	// addressParts caps how many place spans make up an address
	addressParts = 3
)

// Record is the identity information found in one document.
type Record struct {
	PersonName string `json:"person_name"`
	Address    string `json:"address"`
	Date       string `json:"date"`
}

// Provider hands out the recognizer, loading it on first use. A failed load
// is retried on the next call.
type Provider interface {
	Recognizer() (Recognizer, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func() (Recognizer, error)

func (f ProviderFunc) Recognizer() (Recognizer, error) { return f() }

// Extractor turns OCR tokens into a Record.
type Extractor struct {
	provider Provider
	logger   *logging.Logger
}

// NewExtractor creates an extractor backed by provider
func NewExtractor(provider Provider) *Extractor {
	return &Extractor{
		provider: provider,
		logger:   logging.NewLogger("entities"),
	}
}

// Extract never fails. Without a recognizer the record reads
// "Model Loading" / "N/A" / "N/A".
func (e *Extractor) Extract(tokens []models.OCRToken) Record {
	rec, err := e.provider.Recognizer()
	if err != nil || rec == nil {
		e.logger.Warn("Entity recognizer unavailable", "error", err)
		return Record{PersonName: modelLoading, Address: notApplicable, Date: notApplicable}
	}

	text := strings.Join(models.Texts(tokens), " ")
	spans, err := rec.Recognize(text)
	if err != nil {
		e.logger.Warn("Entity recognition failed", "error", err)
		return Record{PersonName: unknownValue, Address: unknownValue, Date: unknownValue}
	}

	return FromSpans(spans)
}

// FromSpans picks the first person, the first date and up to three place
// spans (GPE, then LOC, then FAC) joined with ", ".
func FromSpans(spans []Span) Record {
	out := Record{PersonName: unknownValue, Address: unknownValue, Date: unknownValue}

	var gpe, loc, fac []string
	for _, s := range spans {
		switch s.Label {
		case LabelPerson:
			if out.PersonName == unknownValue {
				out.PersonName = s.Text
			}
		case LabelDate:
			if out.Date == unknownValue {
				out.Date = s.Text
			}
		case LabelGPE:
			gpe = append(gpe, s.Text)
		case LabelLocation:
			loc = append(loc, s.Text)
		case LabelFacility:
			fac = append(fac, s.Text)
		}
	}

	places := append(append(gpe, loc...), fac...)
	if len(places) > addressParts {
		places = places[:addressParts]
	}
	if len(places) > 0 {
		out.Address = strings.Join(places, ", ")
	}
	return out
}
