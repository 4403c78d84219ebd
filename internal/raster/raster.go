// Package raster turns individual PDF pages into images.
package raster

import (
	"context"
	"image"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
)

// DefaultDPI is the rendering resolution used for scanned forms.
const DefaultDPI = 300

// Rasterizer renders one 1-based page of a PDF. Asking for a page past the
// end of the document returns ErrNoSuchPage.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, page, dpi int) (image.Image, error)
	Name() string
}

// New returns the rasterizer registered under name.
func New(name, pdftoppmPath string) (Rasterizer, error) {
	switch name {
	case "", "embedded":
		return NewEmbedded(), nil
	case "pdftoppm":
		return NewPdftoppm(pdftoppmPath), nil
	}
	return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "unknown rasterizer %q", name)
}
