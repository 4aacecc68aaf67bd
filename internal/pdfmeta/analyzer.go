// Package pdfmeta inspects PDF authoring metadata for traces of editing
// software and suspicious modification timelines.
package pdfmeta

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/adverant/nexus/forensics-worker/internal/logging"
)

const (
	// Unknown marks a field the document does not carry
	Unknown = "Unknown"
	// ErrorValue marks every field when the file could not be read
	ErrorValue = "Error"
)

// EditingSoftware lists producer/creator substrings (lowercase) that
// indicate a document passed through an image or layout editor.
var EditingSoftware = []string{
	"photoshop",
	"illustrator",
	"gimp",
	"canva",
	"inkscape",
	"quartz pdfcontext",
	"acrobat distill",
	"nitro pdf",
	"foxit",
}

// modificationGap is how long after creation a modification becomes suspicious
const modificationGap = time.Hour

// Record is the forensic summary of a PDF's Info dictionary.
type Record struct {
	Author            string   `json:"author"`
	Creator           string   `json:"creator"`
	Producer          string   `json:"producer"`
	Created           string   `json:"created"`
	Modified          string   `json:"modified"`
	IsSuspicious      bool     `json:"is_suspicious"`
	SuspiciousReasons []string `json:"suspicious_reasons"`
}

// Fields are the raw Info dictionary values before inspection.
type Fields struct {
	Author   string
	Creator  string
	Producer string
	Created  string
	Modified string
}

// Analyzer reads PDF metadata from disk.
type Analyzer struct {
	logger *logging.Logger
}

// NewAnalyzer creates a metadata analyzer
func NewAnalyzer() *Analyzer {
	return &Analyzer{logger: logging.NewLogger("pdfmeta")}
}

// Analyze never fails: unreadable files produce a record with every field
// set to "Error" and no suspicion flags.
func (a *Analyzer) Analyze(path string) Record {
	fields, err := ReadFields(path)
	if err != nil {
		a.logger.Error("Metadata extraction failed", "path", path, "error", err)
		return Record{
			Author:            ErrorValue,
			Creator:           ErrorValue,
			Producer:          ErrorValue,
			Created:           ErrorValue,
			Modified:          ErrorValue,
			SuspiciousReasons: []string{},
		}
	}

	rec := Inspect(fields)
	if rec.IsSuspicious {
		a.logger.Warn("Suspicious PDF metadata", "path", path, "reasons", rec.SuspiciousReasons)
	}
	return rec
}

// ReadFields extracts the Info dictionary entries of the PDF at path.
// Absent entries come back as "Unknown".
func ReadFields(path string) (fields Fields, err error) {
	fields = Fields{Author: Unknown, Creator: Unknown, Producer: Unknown, Created: Unknown, Modified: Unknown}

	// malformed cross-reference tables can panic inside the parser
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to parse %s: %v", path, r)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return fields, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadContext(f, conf)
	if err != nil {
		return fields, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if ctx.Info == nil {
		return fields, nil
	}

	info, err := ctx.DereferenceDict(*ctx.Info)
	if err != nil {
		return fields, fmt.Errorf("failed to read info dictionary: %w", err)
	}
	if info == nil {
		return fields, nil
	}

	lookup := func(key string) string {
		obj, found := info.Find(key)
		if !found || obj == nil {
			return Unknown
		}
		obj, err := ctx.Dereference(obj)
		if err != nil || obj == nil {
			return Unknown
		}
		var s string
		switch v := obj.(type) {
		case types.StringLiteral:
			s, err = types.StringLiteralToString(v)
		case types.HexLiteral:
			s, err = types.HexLiteralToString(v)
		case types.Name:
			s = string(v)
		default:
			s = obj.String()
		}
		if err != nil || strings.TrimSpace(s) == "" {
			return Unknown
		}
		return s
	}

	fields.Author = lookup("Author")
	fields.Creator = lookup("Creator")
	fields.Producer = lookup("Producer")
	fields.Created = lookup("CreationDate")
	fields.Modified = lookup("ModDate")
	return fields, nil
}

// Inspect applies the editing-software and timeline heuristics to raw
// fields.
func Inspect(fields Fields) Record {
	rec := Record{
		Author:            orUnknown(fields.Author),
		Creator:           orUnknown(fields.Creator),
		Producer:          orUnknown(fields.Producer),
		Created:           orUnknown(fields.Created),
		Modified:          orUnknown(fields.Modified),
		SuspiciousReasons: []string{},
	}

	creator := strings.ToLower(rec.Creator)
	producer := strings.ToLower(rec.Producer)
	for _, tool := range EditingSoftware {
		if strings.Contains(creator, tool) || strings.Contains(producer, tool) {
			rec.SuspiciousReasons = append(rec.SuspiciousReasons,
				fmt.Sprintf("Suspicious editing software detected: %s", tool))
		}
	}

	created, okCreated := ParseDate(rec.Created)
	modified, okModified := ParseDate(rec.Modified)
	if okCreated && okModified {
		if gap := modified.Sub(created); gap > modificationGap {
			hours := math.Round(gap.Hours()*10) / 10
			rec.SuspiciousReasons = append(rec.SuspiciousReasons,
				fmt.Sprintf("Document modified significantly after creation (%s hours later)", strconv.FormatFloat(hours, 'f', 1, 64)))
		}
	}

	rec.IsSuspicious = len(rec.SuspiciousReasons) > 0
	return rec
}

// ParseDate parses a PDF date string such as "D:20230115103000+05'00'".
// The timezone suffix is ignored. ok is false for short or malformed input.
func ParseDate(s string) (time.Time, bool) {
	if len(s) < 10 {
		return time.Time{}, false
	}

	clean := strings.ReplaceAll(s, "D:", "")
	if i := strings.IndexAny(clean, "+-Z"); i >= 0 {
		clean = clean[:i]
	}
	if len(clean) < 14 {
		return time.Time{}, false
	}

	t, err := time.Parse("20060102150405", clean[:14])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return Unknown
	}
	return s
}
