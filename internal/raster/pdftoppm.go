package raster

import (
	"bytes"
	"context"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sunshineplan/imgconv"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
)

// Pdftoppm renders pages with poppler's pdftoppm binary.
type Pdftoppm struct {
	binaryPath string
}

func NewPdftoppm(binaryPath string) *Pdftoppm {
	if binaryPath == "" {
		binaryPath = "pdftoppm"
	}
	return &Pdftoppm{binaryPath: binaryPath}
}

func (p *Pdftoppm) Name() string { return "pdftoppm" }

// Available checks if pdftoppm is installed
func (p *Pdftoppm) Available() bool {
	_, err := exec.LookPath(p.binaryPath)
	return err == nil
}

func (p *Pdftoppm) Rasterize(ctx context.Context, pdf []byte, page, dpi int) (image.Image, error) {
	if page < 1 {
		return nil, apperrors.Wrapf(apperrors.ErrNoSuchPage, nil, "page %d", page)
	}
	if dpi <= 0 {
		dpi = DefaultDPI
	}

	dir, err := os.MkdirTemp("", "donorscan-raster-*")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternal.Code, "create temp dir")
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(input, pdf, 0o600); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternal.Code, "write temp pdf")
	}
	prefix := filepath.Join(dir, "page")

	n := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, p.binaryPath,
		"-f", n, "-l", n,
		"-r", strconv.Itoa(dpi),
		"-png", "-singlefile",
		input, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "Wrong page range") || strings.Contains(msg, "first page") {
			return nil, apperrors.Wrapf(apperrors.ErrNoSuchPage, err, "page %d", page)
		}
		return nil, apperrors.Wrapf(apperrors.ErrInvalidDocument, err, "pdftoppm failed: %s", msg)
	}

	f, err := os.Open(prefix + ".png")
	if err != nil {
		// pdftoppm exits cleanly without output for pages past the end
		return nil, apperrors.Wrapf(apperrors.ErrNoSuchPage, err, "page %d", page)
	}
	defer f.Close()

	img, err := imgconv.Decode(f)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidDocument, err, "decode rendered page %d", page)
	}
	return img, nil
}
