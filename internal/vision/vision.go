// Package vision exposes the computer-vision primitives the detector relies
// on. Binary images use 255 for ink and 0 for background.
package vision

import (
	"fmt"
	"image"
	"image/draw"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
	"github.com/gmsas95/donorscan/internal/forms"
)

// ContourMode selects which contours Contours returns.
type ContourMode int

const (
	// External returns only outermost contours.
	External ContourMode = iota
	// List returns every contour regardless of nesting.
	List
)

// Contour is a measured connected shape.
type Contour struct {
	Box  forms.BoundingBox
	Area float64
}

// Backend implements the CV primitives. Implementations must be safe for
// concurrent use and must release any native memory before returning.
type Backend interface {
	Name() string
	Init() error
	Grayscale(img image.Image) (*image.Gray, error)
	GaussianBlur(src *image.Gray, sigma float64) (*image.Gray, error)
	AdaptiveThreshold(src *image.Gray, blockSize int, c float64) (*image.Gray, error)
	OtsuThreshold(src *image.Gray) (*image.Gray, error)
	MorphOpen(src *image.Gray, kernelW, kernelH int) (*image.Gray, error)
	Contours(src *image.Gray, mode ContourMode) ([]Contour, error)
	Close() error
}

// New returns the backend registered under name.
func New(name string) (Backend, error) {
	switch name {
	case "", "native":
		return NewNative(), nil
	case "opencv", "gocv":
		return newOpenCV()
	}
	return nil, apperrors.Wrapf(apperrors.ErrEngineInit, nil, "unknown vision backend %q", name)
}

// Crop copies r out of img into a new image whose bounds start at (0,0).
func Crop(img image.Image, r image.Rectangle) (image.Image, error) {
	b := img.Bounds()
	r = r.Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil, fmt.Errorf("crop rectangle %v outside image bounds %v", r, b)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, nil
}

// CountNonZero counts ink pixels inside r.
func CountNonZero(bin *image.Gray, r image.Rectangle) int {
	r = r.Intersect(bin.Bounds())
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := bin.Pix[(y-bin.Rect.Min.Y)*bin.Stride:]
		for x := r.Min.X; x < r.Max.X; x++ {
			if row[x-bin.Rect.Min.X] != 0 {
				n++
			}
		}
	}
	return n
}
