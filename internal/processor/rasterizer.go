package processor

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/adverant/nexus/forensics-worker/internal/logging"
)

// PdftoppmRasterizer renders PDF pages to images with poppler's pdftoppm.
type PdftoppmRasterizer struct {
	binary string
	dpi    int
	logger *logging.Logger
}

// NewPdftoppmRasterizer creates a rasterizer. binary defaults to "pdftoppm"
// on PATH and dpi to 200.
func NewPdftoppmRasterizer(binary string, dpi int) *PdftoppmRasterizer {
	if binary == "" {
		binary = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 200
	}
	return &PdftoppmRasterizer{
		binary: binary,
		dpi:    dpi,
		logger: logging.NewLogger("rasterizer"),
	}
}

// ConvertToImages renders every page in order. Failures are logged and
// yield an empty slice.
func (r *PdftoppmRasterizer) ConvertToImages(ctx context.Context, pdfPath string) []image.Image {
	pages, err := r.render(ctx, pdfPath)
	if err != nil {
		r.logger.Error("Error converting PDF to image", "path", pdfPath, "error", err)
		return nil
	}
	return pages
}

func (r *PdftoppmRasterizer) render(ctx context.Context, pdfPath string) ([]image.Image, error) {
	pageCount, err := api.PageCountFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read page count: %w", err)
	}
	if pageCount == 0 {
		return nil, nil
	}

	outDir, err := os.MkdirTemp("", "raster-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	prefix := filepath.Join(outDir, "page")
	cmd := exec.CommandContext(ctx, r.binary, "-r", strconv.Itoa(r.dpi), "-png", pdfPath, prefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", r.binary, err, strings.TrimSpace(string(out)))
	}

	files, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return pageNumber(files[i]) < pageNumber(files[j]) })

	pages := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := imaging.Open(f)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(f), err)
		}
		pages = append(pages, img)
	}

	r.logger.Debug("PDF rasterized", "path", pdfPath, "pages", len(pages), "page_count", pageCount)
	return pages, nil
}

// pageNumber parses N from "page-N.png"; pdftoppm zero-pads N by page count.
func pageNumber(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".png")
	i := strings.LastIndex(base, "-")
	n, err := strconv.Atoi(base[i+1:])
	if err != nil {
		return 0
	}
	return n
}
