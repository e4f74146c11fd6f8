// Package pdf renders PDF pages to compressed JPEG data URLs for vision input.
package pdf

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	maxDimension   = 1024
	maxEncodedSize = 128 << 10
	startQuality   = 90
	minQuality     = 30
	qualityStep    = 30
	minDimension   = 64
	renderDPI      = 150
)

// Rasterizer shells out to poppler's pdftoppm.
type Rasterizer struct {
	bin string
	dpi int
}

func New(bin string) *Rasterizer {
	if strings.TrimSpace(bin) == "" {
		bin = "pdftoppm"
	}
	return &Rasterizer{bin: bin, dpi: renderDPI}
}

// Pages renders every page of doc and returns one data URL per page, in order.
func (r *Rasterizer) Pages(ctx context.Context, doc []byte) ([]string, error) {
	if len(doc) == 0 {
		return nil, errors.New("pdf: empty document")
	}
	dir, err := os.MkdirTemp("", "wpp-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("pdf: temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	in := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(in, doc, 0o600); err != nil {
		return nil, fmt.Errorf("pdf: write input: %w", err)
	}
	prefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, r.bin, "-png", "-r", fmt.Sprint(r.dpi), in, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdf: %s: %w: %s", r.bin, err, strings.TrimSpace(stderr.String()))
	}

	files, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("pdf: list pages: %w", err)
	}
	// pdftoppm zero-pads page numbers to a common width, so names sort in page order.
	sort.Strings(files)

	urls := make([]string, 0, len(files))
	for _, f := range files {
		img, err := imaging.Open(f)
		if err != nil {
			return nil, fmt.Errorf("pdf: open %s: %w", filepath.Base(f), err)
		}
		jpg, err := Compress(img)
		if err != nil {
			return nil, err
		}
		urls = append(urls, DataURL(jpg))
	}
	return urls, nil
}

// Compress fits img into 1024x1024 and encodes it as JPEG under 128 KiB,
// first lowering quality and then shrinking the image.
func Compress(img image.Image) ([]byte, error) {
	size := maxDimension
	quality := startQuality

	out, err := encode(img, size, quality)
	if err != nil {
		return nil, err
	}
	for len(out) > maxEncodedSize && quality > minQuality {
		quality -= qualityStep
		if out, err = encode(img, size, quality); err != nil {
			return nil, err
		}
	}
	for len(out) > maxEncodedSize && size > minDimension {
		size = size * 3 / 4
		if out, err = encode(img, size, quality); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encode(img image.Image, size, quality int) ([]byte, error) {
	fitted := imaging.Fit(img, size, size, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("pdf: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func DataURL(jpg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpg)
}
