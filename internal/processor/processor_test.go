package processor

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/adverant/nexus/forensics-worker/internal/entities"
	apperrors "github.com/adverant/nexus/forensics-worker/internal/errors"
	"github.com/adverant/nexus/forensics-worker/internal/inference"
	"github.com/adverant/nexus/forensics-worker/internal/jobs"
	"github.com/adverant/nexus/forensics-worker/internal/models"
	"github.com/adverant/nexus/forensics-worker/internal/pdfmeta"
	"github.com/adverant/nexus/forensics-worker/internal/scoring"
	"github.com/adverant/nexus/forensics-worker/internal/storage"
)

type recordingSink struct {
	mu    sync.Mutex
	snaps []jobs.Snapshot
}

func (r *recordingSink) Publish(_ context.Context, s jobs.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *recordingSink) messages() []string {
	var out []string
	for _, s := range r.snaps {
		if s.Message != "" {
			out = append(out, s.Message)
		}
	}
	return out
}

type fakeOCR struct {
	tokens []models.OCRToken
	err    error
	// called with the path being processed
	observe func(path string)
}

func (f *fakeOCR) ExtractText(_ context.Context, path string) ([]models.OCRToken, error) {
	if f.observe != nil {
		f.observe(path)
	}
	return f.tokens, f.err
}

type fakeLayout float64

func (f fakeLayout) AnalyzeSpatialConsistency([]models.OCRToken) (float64, error) {
	return float64(f), nil
}

type fakeELA struct {
	score float64
	err   error
}

func (f fakeELA) CalculateELA(context.Context, string) (image.Image, float64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return imaging.New(4, 4, color.Black), f.score, nil
}

type fakeRasterizer struct{ pages int }

func (f fakeRasterizer) ConvertToImages(context.Context, string) []image.Image {
	var out []image.Image
	for i := 0; i < f.pages; i++ {
		out = append(out, imaging.New(32, 32, color.White))
	}
	return out
}

type fakeMeta struct{ rec pdfmeta.Record }

func (f fakeMeta) Analyze(string) pdfmeta.Record { return f.rec }

type fakeDetector struct {
	score     float64
	localized bool
	err       error
	panics    bool
}

func (f fakeDetector) InferFile(context.Context, string) (*inference.Result, error) {
	if f.panics {
		panic("tensor shape mismatch")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &inference.Result{
		Grid:      inference.Grid{Rows: 2, Cols: 2, Cells: []float64{f.score, f.score, f.score, f.score}},
		Score:     f.score,
		Heatmap:   imaging.New(8, 8, color.NRGBA{R: 255, A: 255}),
		Localized: f.localized,
	}, nil
}

// blockingDetector waits for the job deadline like a stalled model server
type blockingDetector struct{}

func (blockingDetector) InferFile(ctx context.Context, _ string) (*inference.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// deadlineSink refuses writes on a done context, as the Redis client does
type deadlineSink struct {
	recordingSink
}

func (d *deadlineSink) Publish(ctx context.Context, s jobs.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.recordingSink.Publish(ctx, s)
}

type fakeExplainer struct {
	calls int
	err   error
}

func (f *fakeExplainer) ExplainFile(context.Context, string) (*image.NRGBA, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return imaging.New(8, 8, color.White), nil
}

type fakeEntities struct{}

func (fakeEntities) Extract(tokens []models.OCRToken) entities.Record {
	return entities.Record{PersonName: "Jane Smith", Address: "Boston", Date: "01/02/2020"}
}

type fakeArchive struct {
	recs []*storage.AnalysisRecord
	err  error
}

func (f *fakeArchive) StoreAnalysis(_ context.Context, rec *storage.AnalysisRecord) error {
	f.recs = append(f.recs, rec)
	return f.err
}

type fixture struct {
	deps      Dependencies
	explainer *fakeExplainer
	archive   *fakeArchive
	ocr       *fakeOCR
}

func newFixture(score float64) *fixture {
	f := &fixture{
		explainer: &fakeExplainer{},
		archive:   &fakeArchive{},
		ocr:       &fakeOCR{tokens: []models.OCRToken{{Text: "Jane"}, {Text: "Smith"}}},
	}
	f.deps = Dependencies{
		OCR:        f.ocr,
		Layout:     fakeLayout(score),
		ELA:        fakeELA{score: score},
		Rasterizer: fakeRasterizer{pages: 1},
		Metadata:   fakeMeta{},
		Detector:   fakeDetector{score: score, localized: true},
		Explainer:  f.explainer,
		Entities:   fakeEntities{},
		Archive:    f.archive,
	}
	return f
}

func (f *fixture) processor(t *testing.T, fatal bool) *DocumentProcessor {
	t.Helper()
	p, err := NewDocumentProcessor(ProcessorConfig{ExplainThreshold: 0.2, ExplanationFailureFatal: fatal}, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func writeImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := imaging.Save(imaging.New(16, 16, color.White), path); err != nil {
		t.Fatal(err)
	}
	return path
}

func writePDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "3f2a.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4\n%%EOF\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewDocumentProcessorRequiresCollaborators(t *testing.T) {
	deps := newFixture(0.1).deps
	deps.OCR = nil
	if _, err := NewDocumentProcessor(ProcessorConfig{}, deps); err == nil {
		t.Error("expected error for missing OCR service")
	}

	deps = newFixture(0.1).deps
	deps.Archive = nil
	if _, err := NewDocumentProcessor(ProcessorConfig{}, deps); err != nil {
		t.Errorf("archive should be optional: %v", err)
	}
}

func TestProcessImageAuthentic(t *testing.T) {
	f := newFixture(0.1)
	sink := &recordingSink{}
	job := jobs.New("job-1", sink)

	res, err := f.processor(t, true).ProcessDocument(context.Background(), job, &ProcessRequest{
		JobID: "job-1", FilePath: writeImage(t, "doc.png"), Filename: "doc.png",
	})
	if err != nil {
		t.Fatalf("ProcessDocument() error = %v", err)
	}

	if res.FinalScore != 10 || res.Classification != scoring.Authentic || res.IsFraud {
		t.Errorf("score=%v class=%s fraud=%v", res.FinalScore, res.Classification, res.IsFraud)
	}
	if res.PDFMetadata != nil || res.AIExplanation64 != nil {
		t.Error("image without high dl score should have no metadata or explanation")
	}
	if f.explainer.calls != 0 {
		t.Errorf("explainer called %d times", f.explainer.calls)
	}
	if res.HeatmapBase64 == "" || res.DLHeatmapBase64 == "" {
		t.Error("heatmaps should be encoded")
	}
	if job.State() != jobs.StateSuccess {
		t.Errorf("state = %s", job.State())
	}

	want := []string{MsgInitializing, MsgOCRLayout, MsgVision, MsgEntities}
	got := sink.messages()
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}

	raw, _ := json.Marshal(res)
	var generic map[string]interface{}
	json.Unmarshal(raw, &generic)
	for _, key := range []string{"pdf_metadata", "ai_explanation_64"} {
		if v, ok := generic[key]; !ok || v != nil {
			t.Errorf("%s should be present and null, got %v (present=%v)", key, v, ok)
		}
	}

	if len(f.archive.recs) != 1 || len(f.archive.recs[0].Signature) != SignatureSize*SignatureSize {
		t.Errorf("archive should receive one record with a signature")
	}
}

func TestProcessExplanation(t *testing.T) {
	f := newFixture(0.9)
	job := jobs.New("job-2", nil)

	res, err := f.processor(t, true).ProcessDocument(context.Background(), job, &ProcessRequest{
		JobID: "job-2", FilePath: writeImage(t, "doc.jpg"), Filename: "doc.jpg",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Classification != scoring.HighlyForged || !res.IsFraud {
		t.Errorf("class = %s, fraud = %v", res.Classification, res.IsFraud)
	}
	if res.AIExplanation64 == nil || *res.AIExplanation64 == "" {
		t.Error("explanation expected above threshold")
	}
}

func TestExplanationFailure(t *testing.T) {
	tests := []struct {
		name      string
		fatal     bool
		wantErr   bool
		wantState jobs.State
	}{
		{"fatal", true, true, jobs.StateFailure},
		{"tolerated", false, false, jobs.StateSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(0.9)
			f.explainer.err = errors.New("gradient hook failed")
			job := jobs.New("job-3", nil)

			res, err := f.processor(t, tt.fatal).ProcessDocument(context.Background(), job, &ProcessRequest{
				JobID: "job-3", FilePath: writeImage(t, "doc.png"),
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if job.State() != tt.wantState {
				t.Errorf("state = %s, want %s", job.State(), tt.wantState)
			}
			if !tt.wantErr && res.AIExplanation64 != nil {
				t.Error("failed explanation should be omitted")
			}
			var perr *apperrors.ProcessingError
			if tt.wantErr && (!errors.As(err, &perr) || perr.Code != apperrors.ErrorExplanationFailed) {
				t.Errorf("error code = %v", err)
			}
		})
	}
}

func TestProcessPDFCleansUpDerivedPage(t *testing.T) {
	pdfPath := writePDF(t)
	derived := DerivedPagePath(pdfPath)

	f := newFixture(0.1)
	f.deps.Metadata = fakeMeta{rec: pdfmeta.Record{IsSuspicious: true, SuspiciousReasons: []string{"Edited with Photoshop"}}}
	var seen string
	f.ocr.observe = func(path string) {
		seen = path
		if _, err := os.Stat(path); err != nil {
			t.Errorf("derived page missing during run: %v", err)
		}
	}
	sink := &recordingSink{}
	job := jobs.New("job-4", sink)

	res, err := f.processor(t, true).ProcessDocument(context.Background(), job, &ProcessRequest{
		JobID: "job-4", FilePath: pdfPath, Filename: "statement.pdf",
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen != derived {
		t.Errorf("processed %s, want %s", seen, derived)
	}
	if _, err := os.Stat(derived); !os.IsNotExist(err) {
		t.Errorf("derived page should be removed after success, stat err = %v", err)
	}
	if res.PDFMetadata == nil || !res.IsFraud || res.Classification != scoring.Authentic {
		t.Errorf("suspicious metadata should flag fraud: %+v", res)
	}
	if msgs := sink.messages(); len(msgs) < 2 || msgs[1] != MsgPDFMetadata {
		t.Errorf("messages = %v", msgs)
	}
}

func TestProcessPDFCleansUpAfterFailure(t *testing.T) {
	pdfPath := writePDF(t)
	f := newFixture(0.1)
	f.deps.ELA = fakeELA{err: errors.New("decoder exploded")}
	job := jobs.New("job-5", nil)

	_, err := f.processor(t, true).ProcessDocument(context.Background(), job, &ProcessRequest{JobID: "job-5", FilePath: pdfPath})
	if err == nil {
		t.Fatal("expected ELA failure")
	}
	if _, statErr := os.Stat(DerivedPagePath(pdfPath)); !os.IsNotExist(statErr) {
		t.Errorf("derived page should be removed after failure, stat err = %v", statErr)
	}
	snap := job.Snapshot()
	if snap.State != jobs.StateFailure || snap.Error == "" || snap.Result != nil {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(f.archive.recs) != 0 {
		t.Error("failed job must not be archived")
	}
}

func TestProcessPDFWithoutPages(t *testing.T) {
	f := newFixture(0.1)
	f.deps.Rasterizer = fakeRasterizer{pages: 0}
	job := jobs.New("job-6", nil)

	_, err := f.processor(t, true).ProcessDocument(context.Background(), job, &ProcessRequest{JobID: "job-6", FilePath: writePDF(t)})
	var perr *apperrors.ProcessingError
	if !errors.As(err, &perr) || perr.Code != apperrors.ErrorConversionFailed {
		t.Fatalf("error = %v, want conversion failure", err)
	}
	if job.State() != jobs.StateFailure {
		t.Errorf("state = %s", job.State())
	}
}

func TestProcessRecoversPanics(t *testing.T) {
	pdfPath := writePDF(t)
	f := newFixture(0.1)
	f.deps.Detector = fakeDetector{panics: true}
	job := jobs.New("job-7", nil)

	_, err := f.processor(t, true).ProcessDocument(context.Background(), job, &ProcessRequest{JobID: "job-7", FilePath: pdfPath})
	if err == nil {
		t.Fatal("panic should surface as an error")
	}
	if job.State() != jobs.StateFailure {
		t.Errorf("state = %s", job.State())
	}
	if _, statErr := os.Stat(DerivedPagePath(pdfPath)); !os.IsNotExist(statErr) {
		t.Error("derived page should be removed after a panic")
	}
}

func TestProcessMissingFile(t *testing.T) {
	job := jobs.New("job-8", nil)
	_, err := newFixture(0.1).processor(t, true).ProcessDocument(context.Background(), job, &ProcessRequest{
		JobID: "job-8", FilePath: filepath.Join(t.TempDir(), "gone.png"),
	})
	var perr *apperrors.ProcessingError
	if !errors.As(err, &perr) || perr.Code != apperrors.ErrorInvalidInput {
		t.Errorf("error = %v, want invalid input", err)
	}
}

func TestArchiveSkipsSignatureWhenUnlocalized(t *testing.T) {
	f := newFixture(0.1)
	f.deps.Detector = fakeDetector{score: 0.1, localized: false}
	f.archive.err = errors.New("db down")
	job := jobs.New("job-9", nil)

	if _, err := f.processor(t, true).ProcessDocument(context.Background(), job, &ProcessRequest{
		JobID: "job-9", FilePath: writeImage(t, "small.png"),
	}); err != nil {
		t.Fatalf("archive failure must not fail the job: %v", err)
	}
	if len(f.archive.recs) != 1 || f.archive.recs[0].Signature != nil {
		t.Error("unlocalized result should be archived without a signature")
	}
}

func TestDerivedPagePath(t *testing.T) {
	tests := map[string]string{
		"/uploads/abc123.pdf":  "/uploads/abc123_page1.jpg",
		"/uploads/abc.v2.PDF":  "/uploads/abc_page1.jpg",
		"relative/file-id.pdf": "relative/file-id_page1.jpg",
	}
	for in, want := range tests {
		if got := DerivedPagePath(in); got != want {
			t.Errorf("DerivedPagePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTimeoutPublishesFailure(t *testing.T) {
	f := newFixture(0.1)
	f.deps.Detector = blockingDetector{}
	sink := &deadlineSink{}
	job := jobs.New("job-10", sink)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.processor(t, true).ProcessDocument(ctx, job, &ProcessRequest{
		JobID: "job-10", FilePath: writeImage(t, "slow.png"),
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	last := sink.snaps[len(sink.snaps)-1]
	if last.State != jobs.StateFailure || last.Error == "" {
		t.Errorf("last published snapshot = %s %q, want FAILURE with error", last.State, last.Error)
	}
}

func TestUnlocalizedDetectionUsesNeutralScore(t *testing.T) {
	f := newFixture(0.1)
	f.deps.Detector = fakeDetector{score: 0.9, localized: false}
	job := jobs.New("job-11", nil)

	res, err := f.processor(t, true).ProcessDocument(context.Background(), job, &ProcessRequest{
		JobID: "job-11", FilePath: writeImage(t, "tiny.png"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.DLScore != scoring.NeutralDLScore {
		t.Errorf("DLScore = %v, want %v", res.DLScore, scoring.NeutralDLScore)
	}
	wantFinal, wantClass := scoring.Fuse(0.1, 0.1, scoring.NeutralDLScore)
	if res.FinalScore != wantFinal || res.Classification != wantClass {
		t.Errorf("final = %v (%s), want %v (%s)", res.FinalScore, res.Classification, wantFinal, wantClass)
	}
	// 0.5 is above the explanation threshold
	if f.explainer.calls != 1 {
		t.Errorf("explainer calls = %d, want 1", f.explainer.calls)
	}
}
