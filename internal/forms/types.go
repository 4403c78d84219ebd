// Package forms holds the value records passed between pipeline stages.
// Every record is created by exactly one stage and read by the next; none
// is mutated after it leaves the stage that built it.
package forms

import (
	"fmt"
	"image"
	"math"
)

// RawDocument is an uploaded scan as received at the input boundary.
type RawDocument struct {
	FileName string `json:"file_name"`
	Content  []byte `json:"-"`
	MimeType string `json:"mime_type"`
}

// PageImage is one page ready for layout analysis. Width and Height always
// match Image.Bounds().
type PageImage struct {
	Image      image.Image `json:"-"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	PageNumber int         `json:"page_number"`
}

// NewPageImage wraps img, taking the dimensions from its bounds.
func NewPageImage(img image.Image, pageNumber int) PageImage {
	b := img.Bounds()
	return PageImage{
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		PageNumber: pageNumber,
	}
}

// BoundingBox is an axis-aligned box in pixels, relative to the image it was
// detected in.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// BoxFromRect converts an image.Rectangle.
func BoxFromRect(r image.Rectangle) BoundingBox {
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Rect returns the box as an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Valid reports whether the box satisfies width > 0, height > 0, x >= 0, y >= 0.
func (b BoundingBox) Valid() bool {
	return b.Width > 0 && b.Height > 0 && b.X >= 0 && b.Y >= 0
}

func (b BoundingBox) Area() int {
	return b.Width * b.Height
}

// AspectRatio is width over height; 0 for degenerate boxes.
func (b BoundingBox) AspectRatio() float64 {
	if b.Height == 0 {
		return 0
	}
	return float64(b.Width) / float64(b.Height)
}

// Center returns the box center in floating point pixels.
func (b BoundingBox) Center() (float64, float64) {
	return float64(b.X) + float64(b.Width)/2, float64(b.Y) + float64(b.Height)/2
}

// CenterDistance is the euclidean distance between two box centers.
func (b BoundingBox) CenterDistance(o BoundingBox) float64 {
	x1, y1 := b.Center()
	x2, y2 := o.Center()
	return math.Hypot(x1-x2, y1-y2)
}

// Pad grows the box by p pixels on every side.
func (b BoundingBox) Pad(p int) BoundingBox {
	return BoundingBox{X: b.X - p, Y: b.Y - p, Width: b.Width + 2*p, Height: b.Height + 2*p}
}

// ClampTo intersects the box with bounds, shifting it into bounds' coordinate space.
func (b BoundingBox) ClampTo(bounds image.Rectangle) BoundingBox {
	r := b.Rect().Add(bounds.Min).Intersect(bounds)
	return BoundingBox{X: r.Min.X - bounds.Min.X, Y: r.Min.Y - bounds.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Contains reports whether o lies entirely inside b.
func (b BoundingBox) Contains(o BoundingBox) bool {
	return o.Rect().In(b.Rect())
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", b.X, b.Y, b.Width, b.Height)
}

// ElementType classifies a detected form element.
type ElementType string

const (
	TextField     ElementType = "text_field"
	Checkbox      ElementType = "checkbox"
	SignatureArea ElementType = "signature_area"
	AmountField   ElementType = "amount_field"
	DateField     ElementType = "date_field"
)

// Valid reports whether t is one of the known element types.
func (t ElementType) Valid() bool {
	switch t {
	case TextField, Checkbox, SignatureArea, AmountField, DateField:
		return true
	}
	return false
}

// DetectedElement is a candidate field inside a detected form.
type DetectedElement struct {
	Type        ElementType `json:"type"`
	BoundingBox BoundingBox `json:"bounding_box"`
	Confidence  float64     `json:"confidence"`
	Label       string      `json:"label,omitempty"`
	Text        string      `json:"text,omitempty"`
	// Reclassified is set once the OCR-context pass changed Type.
	Reclassified bool `json:"reclassified,omitempty"`
}

// DetectedForm is one form-shaped region found on a page.
type DetectedForm struct {
	FormID      string            `json:"form_id"`
	PageNumber  int               `json:"page_number"`
	BoundingBox BoundingBox       `json:"bounding_box"`
	Confidence  float64           `json:"confidence"`
	Image       image.Image       `json:"-"`
	Elements    []DetectedElement `json:"elements"`
}

// FormID derives the reproducible id of the n-th (1-based) form on a page.
func FormID(page, ordinal int) string {
	return fmt.Sprintf("form_%d_%d", page, ordinal)
}

// FieldSegment is an isolated, conditioned crop of one element.
type FieldSegment struct {
	FieldID      string      `json:"field_id"`
	FieldType    ElementType `json:"field_type"`
	Label        string      `json:"label"`
	BoundingBox  BoundingBox `json:"bounding_box"`
	Image        image.Image `json:"-"`
	Confidence   float64     `json:"confidence"`
	Preprocessed bool        `json:"preprocessed"`
}

// FieldID builds `<formId>_<label-or-type>`.
func FieldID(formID, label string, t ElementType) string {
	if label == "" {
		label = string(t)
	}
	return formID + "_" + label
}

// SegmentedForm mirrors a DetectedForm one to one. Image keeps the form crop
// so a form without segments can still be read as a whole.
type SegmentedForm struct {
	FormID     string         `json:"form_id"`
	PageNumber int            `json:"page_number"`
	Confidence float64        `json:"confidence"`
	Segments   []FieldSegment `json:"segments"`
	Image      image.Image    `json:"-"`
}

// PaymentDetails holds card data read from a form. All values are optional.
type PaymentDetails struct {
	CardType       string `json:"card_type,omitempty"`
	CardNumber     string `json:"card_number,omitempty"`
	ExpiryDate     string `json:"expiry_date,omitempty"`
	CVV            string `json:"cvv,omitempty"`
	CardholderName string `json:"cardholder_name,omitempty"`
}

// Fields is the typed donation field set.
type Fields struct {
	DonorName      string         `json:"donor_name"`
	Email          string         `json:"email"`
	Phone          string         `json:"phone"`
	Address        string         `json:"address"`
	Amount         float64        `json:"amount"`
	PaymentMethod  string         `json:"payment_method"`
	PaymentDetails PaymentDetails `json:"payment_details"`
	// Date is ISO YYYY-MM-DD or empty.
	Date      string `json:"date"`
	Recurring bool   `json:"recurring"`
	Anonymous bool   `json:"anonymous"`
}

// ExtractedFormData is the terminal record handed to the caller.
type ExtractedFormData struct {
	// FormNumber is the 1-based position across the whole document.
	FormNumber int      `json:"form_number"`
	Confidence float64  `json:"confidence"`
	Fields     Fields   `json:"fields"`
	Issues     []string `json:"issues"`
}

// NeedsReview reports whether a human should look at the record.
func (e ExtractedFormData) NeedsReview() bool {
	return len(e.Issues) > 0
}
