package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/sunshineplan/imgconv"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
)

// recentDocuments is how many parsed PDFs Embedded keeps.
const recentDocuments = 4

// Embedded pulls the scan image embedded in a page instead of rendering
// vector content. Scanner-produced PDFs carry one full-page image per page,
// so the largest image on the page is the page. The dpi argument is ignored.
//
// A document is parsed once and reused while its pages are requested with
// the same byte slice. The slice must not be modified in between.
type Embedded struct {
	conf *model.Configuration

	mu     sync.Mutex
	recent []*parsedPDF
	parses atomic.Int64
}

type pdfKey struct {
	first *byte
	size  int
}

type parsedPDF struct {
	key pdfKey
	mu  sync.Mutex
	ctx *model.Context
}

func (d *parsedPDF) pageImages(page int) (map[int]model.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return pdfcpu.ExtractPageImages(d.ctx, page, false)
}

func NewEmbedded() *Embedded {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Embedded{conf: conf}
}

func (e *Embedded) open(pdf []byte) (*parsedPDF, error) {
	key := pdfKey{first: &pdf[0], size: len(pdf)}
	e.mu.Lock()
	for _, doc := range e.recent {
		if doc.key == key {
			e.mu.Unlock()
			return doc, nil
		}
	}
	e.mu.Unlock()

	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(pdf), e.conf)
	e.parses.Add(1)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidDocument, err, "read pdf")
	}
	doc := &parsedPDF{key: key, ctx: pdfCtx}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent = append(e.recent, doc)
	if len(e.recent) > recentDocuments {
		e.recent = e.recent[len(e.recent)-recentDocuments:]
	}
	return doc, nil
}

func (e *Embedded) Name() string { return "embedded" }

func (e *Embedded) Rasterize(ctx context.Context, pdf []byte, page, dpi int) (img image.Image, err error) {
	// pdfcpu panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = apperrors.Wrapf(apperrors.ErrInvalidDocument, fmt.Errorf("%v", r), "panic reading page %d", page)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(pdf) == 0 {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidDocument, nil, "empty pdf")
	}
	doc, err := e.open(pdf)
	if err != nil {
		return nil, err
	}
	if page < 1 || page > doc.ctx.PageCount {
		return nil, apperrors.Wrapf(apperrors.ErrNoSuchPage, nil, "page %d of %d", page, doc.ctx.PageCount)
	}

	images, err := doc.pageImages(page)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidDocument, err, "extract images from page %d", page)
	}

	var largest *model.Image
	for objNr := range images {
		candidate := images[objNr]
		if largest == nil || candidate.Width*candidate.Height > largest.Width*largest.Height {
			largest = &candidate
		}
	}
	if largest == nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidDocument, nil, "page %d has no embedded image", page)
	}

	decoded, err := imgconv.Decode(largest)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidDocument, err, "decode %s image on page %d", largest.FileType, page)
	}
	return decoded, nil
}
