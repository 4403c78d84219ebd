// Package preprocess turns raw uploads into enhanced page images.
package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/sunshineplan/imgconv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/metrics"
	"github.com/gmsas95/donorscan/internal/raster"
)

const (
	// CanonicalWidth and CanonicalHeight are A4 at 300 DPI.
	CanonicalWidth  = 2480
	CanonicalHeight = 3508

	mimePDF = "application/pdf"
)

// Config holds preprocessing settings.
type Config struct {
	DPI             int
	CanonicalWidth  int
	CanonicalHeight int
	Workers         int
}

func DefaultConfig() Config {
	return Config{
		DPI:             raster.DefaultDPI,
		CanonicalWidth:  CanonicalWidth,
		CanonicalHeight: CanonicalHeight,
		Workers:         4,
	}
}

type step struct {
	name string
	fn   func(image.Image) (image.Image, error)
}

// Preprocessor loads documents and enhances their pages.
type Preprocessor struct {
	cfg     Config
	raster  raster.Rasterizer
	logger  *zap.Logger
	metrics *metrics.Metrics
	steps   []step
}

// New creates a preprocessor. A nil metrics collects into a private instance.
func New(cfg Config, r raster.Rasterizer, logger *zap.Logger, m *metrics.Metrics) *Preprocessor {
	if cfg.DPI <= 0 {
		cfg.DPI = raster.DefaultDPI
	}
	if cfg.CanonicalWidth <= 0 || cfg.CanonicalHeight <= 0 {
		cfg.CanonicalWidth, cfg.CanonicalHeight = CanonicalWidth, CanonicalHeight
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if m == nil {
		m = metrics.New()
	}
	p := &Preprocessor{
		cfg:     cfg,
		raster:  r,
		logger:  logger,
		metrics: m,
	}
	p.steps = []step{
		{name: "deskew", fn: deskew},
		{name: "normalize", fn: normalizeContrast},
		{name: "denoise", fn: denoise},
		{name: "resize", fn: p.standardize},
	}
	return p
}

// Supported reports whether a MIME type can be preprocessed.
func Supported(mimeType string) bool {
	mt := baseType(mimeType)
	return mt == mimePDF || strings.HasPrefix(mt, "image/")
}

// uploadTypes are the media types accepted at the intake boundaries.
var uploadTypes = map[string]bool{
	mimePDF:      true,
	"image/png":  true,
	"image/jpeg": true,
}

// AllowedUpload reports whether an upload of mimeType may enter the
// pipeline. It is narrower than Supported.
func AllowedUpload(mimeType string) bool {
	return uploadTypes[baseType(mimeType)]
}

// DetectMIME names the media type of an upload from its extension, falling
// back to content sniffing.
func DetectMIME(fileName string, content []byte) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return mimePDF
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return baseType(http.DetectContentType(content))
}

func baseType(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// Process loads every page of doc and enhances it. Unsupported types fail
// with ErrUnsupportedFormat; an undecodable single image fails with
// ErrInvalidDocument.
func (p *Preprocessor) Process(ctx context.Context, doc forms.RawDocument) ([]forms.PageImage, error) {
	start := time.Now()
	if !Supported(doc.MimeType) {
		p.metrics.RecordStageError(metrics.StagePreprocess)
		return nil, apperrors.Wrapf(apperrors.ErrUnsupportedFormat, nil, "%s (%s)", doc.MimeType, doc.FileName)
	}

	var (
		pages []forms.PageImage
		err   error
	)
	if baseType(doc.MimeType) == mimePDF {
		pages, err = p.loadPDF(ctx, doc)
	} else {
		pages, err = p.loadImage(doc)
	}
	if err != nil {
		p.metrics.RecordStageError(metrics.StagePreprocess)
		return nil, err
	}

	enhanced := make([]forms.PageImage, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, page := range pages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			enhanced[i] = p.Enhance(page)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.metrics.ObserveStage(metrics.StagePreprocess, len(enhanced), time.Since(start))
	p.logger.Debug("Document preprocessed",
		zap.String("file", doc.FileName),
		zap.Int("pages", len(enhanced)),
		zap.Duration("elapsed", time.Since(start)))
	return enhanced, nil
}

// loadPDF rasterizes pages in order until one fails. The first failure is
// read as the end of the document.
func (p *Preprocessor) loadPDF(ctx context.Context, doc forms.RawDocument) ([]forms.PageImage, error) {
	var pages []forms.PageImage
	for n := 1; ; n++ {
		img, err := p.raster.Rasterize(ctx, doc.Content, n, p.cfg.DPI)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil || img == nil || img.Bounds().Empty() {
			if n == 1 {
				p.logger.Warn("No pages could be rasterized",
					zap.String("file", doc.FileName),
					zap.Error(err))
			} else {
				p.logger.Debug("Stopped rasterizing",
					zap.String("file", doc.FileName),
					zap.Int("page", n),
					zap.Error(err))
			}
			return pages, nil
		}
		pages = append(pages, forms.NewPageImage(img, n))
	}
}

func (p *Preprocessor) loadImage(doc forms.RawDocument) ([]forms.PageImage, error) {
	img, err := imgconv.Decode(bytes.NewReader(doc.Content))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidDocument, err, "decode %s", doc.FileName)
	}
	return []forms.PageImage{forms.NewPageImage(img, 1)}, nil
}

// Enhance applies deskew, contrast normalization, denoise and resize in that
// order. A failing step leaves the image as it was before that step.
func (p *Preprocessor) Enhance(page forms.PageImage) forms.PageImage {
	img := page.Image
	ops := 0
	for _, s := range p.steps {
		out, err := runStep(s, img)
		if err != nil {
			p.metrics.RecordStageError(metrics.StagePreprocess)
			p.logger.Warn("Enhancement step failed",
				zap.Int("page", page.PageNumber),
				zap.String("step", s.name),
				zap.Error(err))
			continue
		}
		if out != img {
			ops++
		}
		img = out
	}
	p.metrics.RecordStageOps(metrics.StagePreprocess, ops)
	return forms.NewPageImage(img, page.PageNumber)
}

func runStep(s step, img image.Image) (out image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic in %s: %v", s.name, r)
		}
	}()
	out, err = s.fn(img)
	if err == nil && (out == nil || out.Bounds().Empty()) {
		err = fmt.Errorf("%s produced an empty image", s.name)
	}
	return out, err
}

func (p *Preprocessor) standardize(img image.Image) (image.Image, error) {
	b := img.Bounds()
	if b.Dx() == p.cfg.CanonicalWidth && b.Dy() == p.cfg.CanonicalHeight {
		return img, nil
	}
	return imgconv.Resize(img, &imgconv.ResizeOption{
		Width:  p.cfg.CanonicalWidth,
		Height: p.cfg.CanonicalHeight,
	}), nil
}

// Validate reports whether the preprocessor can accept documents.
func (p *Preprocessor) Validate() bool {
	return p.raster != nil
}

// Stats returns the running preprocessing totals.
func (p *Preprocessor) Stats() metrics.StageSnapshot {
	return p.metrics.Snapshot().Stages[string(metrics.StagePreprocess)]
}
