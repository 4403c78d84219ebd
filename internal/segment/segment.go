// Package segment crops detected elements into conditioned field images.
package segment

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/metrics"
	"github.com/gmsas95/donorscan/internal/vision"
)

// Padding is added on every side of an element before cropping.
const Padding = 5

// Conditioner prepares a cropped field for recognition.
type Conditioner func(image.Image) (image.Image, error)

// Segmenter turns DetectedForms into SegmentedForms one to one.
type Segmenter struct {
	logger       *zap.Logger
	metrics      *metrics.Metrics
	conditioners map[forms.ElementType]Conditioner
	generic      Conditioner
}

func New(logger *zap.Logger, m *metrics.Metrics) *Segmenter {
	if m == nil {
		m = metrics.New()
	}
	return &Segmenter{
		logger:  logger,
		metrics: m,
		conditioners: map[forms.ElementType]Conditioner{
			forms.TextField:     conditionText,
			forms.AmountField:   conditionNumeric,
			forms.DateField:     conditionNumeric,
			forms.Checkbox:      conditionGray,
			forms.SignatureArea: conditionGray,
		},
		generic: func(img image.Image) (image.Image, error) { return img, nil },
	}
}

// SetConditioner replaces the conditioner for one element type.
func (s *Segmenter) SetConditioner(t forms.ElementType, c Conditioner) {
	s.conditioners[t] = c
}

// Validate reports whether every element type has a conditioner.
func (s *Segmenter) Validate() bool {
	for _, t := range []forms.ElementType{forms.TextField, forms.AmountField, forms.DateField, forms.Checkbox, forms.SignatureArea} {
		if s.conditioners[t] == nil {
			return false
		}
	}
	return s.generic != nil
}

// Segment crops and conditions the elements of every form. A failing
// element is dropped; a failing form comes back with no segments and zero
// confidence.
func (s *Segmenter) Segment(ctx context.Context, detected []forms.DetectedForm) ([]forms.SegmentedForm, error) {
	start := time.Now()
	out := make([]forms.SegmentedForm, 0, len(detected))
	segments := 0
	for _, f := range detected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sf, err := s.safeSegmentForm(f)
		if err != nil {
			s.metrics.RecordStageError(metrics.StageSegment)
			s.logger.Warn("Form segmentation failed",
				zap.String("form_id", f.FormID),
				zap.Error(err))
			sf = forms.SegmentedForm{
				FormID:     f.FormID,
				PageNumber: f.PageNumber,
				Image:      f.Image,
			}
		}
		segments += len(sf.Segments)
		out = append(out, sf)
	}
	s.metrics.ObserveStage(metrics.StageSegment, segments, time.Since(start))
	return out, nil
}

func (s *Segmenter) safeSegmentForm(f forms.DetectedForm) (sf forms.SegmentedForm, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if f.Image == nil {
		return sf, fmt.Errorf("form has no image")
	}

	sf = forms.SegmentedForm{
		FormID:     f.FormID,
		PageNumber: f.PageNumber,
		Confidence: f.Confidence,
		Image:      f.Image,
	}
	for _, el := range f.Elements {
		seg, err := s.safeSegmentElement(f.FormID, f.Image, el)
		if err != nil {
			s.metrics.RecordStageError(metrics.StageSegment)
			s.logger.Warn("Element dropped",
				zap.String("form_id", f.FormID),
				zap.String("field_id", forms.FieldID(f.FormID, el.Label, el.Type)),
				zap.Error(err))
			continue
		}
		sf.Segments = append(sf.Segments, seg)
	}
	return sf, nil
}

func (s *Segmenter) safeSegmentElement(formID string, img image.Image, el forms.DetectedElement) (seg forms.FieldSegment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	b := img.Bounds()
	box := el.BoundingBox.Pad(Padding).ClampTo(image.Rect(0, 0, b.Dx(), b.Dy()))
	if !box.Valid() {
		return seg, fmt.Errorf("box %s outside form", el.BoundingBox)
	}
	crop, err := vision.Crop(img, box.Rect())
	if err != nil {
		return seg, err
	}

	condition := s.conditioners[el.Type]
	preprocessed := condition != nil
	if !preprocessed {
		condition = s.generic
	}
	conditioned, err := condition(crop)
	if err != nil {
		return seg, fmt.Errorf("condition %s: %w", el.Type, err)
	}
	s.metrics.RecordStageOps(metrics.StageSegment, 1)

	return forms.FieldSegment{
		FieldID:      forms.FieldID(formID, el.Label, el.Type),
		FieldType:    el.Type,
		Label:        el.Label,
		BoundingBox:  box,
		Image:        conditioned,
		Confidence:   el.Confidence,
		Preprocessed: preprocessed,
	}, nil
}

func conditionText(img image.Image) (image.Image, error) {
	return imaging.AdjustContrast(imaging.Grayscale(img), 20), nil
}

func conditionNumeric(img image.Image) (image.Image, error) {
	return imaging.Sharpen(imaging.Grayscale(img), 1), nil
}

func conditionGray(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}
