// Package detect finds form regions on page images and the field elements
// inside them.
package detect

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/metrics"
	"github.com/gmsas95/donorscan/internal/ocr"
	"github.com/gmsas95/donorscan/internal/vision"
)

// Config holds the detection thresholds.
type Config struct {
	MinFormArea      float64
	MaxFormAreaRatio float64
	MinFormAspect    float64
	MaxFormAspect    float64
	MinLikelihood    float64
	// LineDensityFull is the ruled-line pixel density that scores a
	// likelihood of 1.
	LineDensityFull float64
	WordDistance    float64
	Workers         int
}

func DefaultConfig() Config {
	return Config{
		MinFormArea:      50000,
		MaxFormAreaRatio: 0.8,
		MinFormAspect:    0.3,
		MaxFormAspect:    3.0,
		MinLikelihood:    0.5,
		LineDensityFull:  0.01,
		WordDistance:     50,
		Workers:          2,
	}
}

const (
	checkboxConfidence  = 0.80
	textFieldConfidence = 0.75
	signatureConfidence = 0.70

	reclassifyPenalty = 0.9
	textBoostMax      = 0.1
	keyFieldBoost     = 0.15
	diversityBoost    = 0.10

	blurSigma      = 1.0
	adaptiveBlock  = 11
	adaptiveC      = 2
	lineKernel     = 40
	labelLift      = 25
	textFieldH     = 35
	frameWidthFrac = 0.9
)

// Detector locates forms and their elements.
type Detector struct {
	cfg     Config
	vision  vision.Backend
	ocr     ocr.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	initialized bool
}

func New(cfg Config, backend vision.Backend, engine ocr.Engine, logger *zap.Logger, m *metrics.Metrics) *Detector {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if m == nil {
		m = metrics.New()
	}
	return &Detector{
		cfg:     cfg,
		vision:  backend,
		ocr:     engine,
		logger:  logger,
		metrics: m,
	}
}

// Init prepares the vision backend and checks the OCR engine. A failure is
// not remembered; the next call tries again.
func (d *Detector) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	if d.vision == nil {
		return apperrors.Wrapf(apperrors.ErrEngineInit, nil, "no vision backend")
	}
	if err := d.vision.Init(); err != nil {
		return apperrors.Wrapf(apperrors.ErrEngineInit, err, "vision backend %s", d.vision.Name())
	}
	if d.ocr == nil || !d.ocr.Available() {
		return apperrors.Wrapf(apperrors.ErrEngineInit, nil, "ocr engine unavailable")
	}
	d.initialized = true
	return nil
}

// Validate reports whether Init succeeds.
func (d *Detector) Validate() bool {
	return d.Init() == nil
}

// Detect returns the forms found on pages, in page order. A page that fails
// contributes no forms.
func (d *Detector) Detect(ctx context.Context, pages []forms.PageImage) ([]forms.DetectedForm, error) {
	if err := d.Init(); err != nil {
		return nil, err
	}
	start := time.Now()

	perPage := make([][]forms.DetectedForm, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for i, page := range pages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found, err := d.safeDetectPage(gctx, page)
			if err != nil {
				d.metrics.RecordStageError(metrics.StageDetect)
				d.logger.Warn("Page detection failed",
					zap.Int("page", page.PageNumber),
					zap.Error(err))
				return nil
			}
			perPage[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var detected []forms.DetectedForm
	for _, found := range perPage {
		detected = append(detected, found...)
	}
	d.metrics.ObserveStage(metrics.StageDetect, len(detected), time.Since(start))
	for _, f := range detected {
		d.metrics.RecordConfidence(metrics.StageDetect, f.Confidence)
	}
	return detected, nil
}

func (d *Detector) safeDetectPage(ctx context.Context, page forms.PageImage) (found []forms.DetectedForm, err error) {
	defer func() {
		if r := recover(); r != nil {
			found, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return d.DetectPage(ctx, page)
}

// DetectPage runs region finding, element finding and OCR-context
// refinement on one page.
func (d *Detector) DetectPage(ctx context.Context, page forms.PageImage) ([]forms.DetectedForm, error) {
	gray, err := d.vision.Grayscale(page.Image)
	if err != nil {
		return nil, fmt.Errorf("grayscale: %w", err)
	}
	regions, err := d.findRegions(gray)
	if err != nil {
		return nil, err
	}

	var detected []forms.DetectedForm
	for _, region := range regions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		crop, err := vision.Crop(page.Image, region.Rect())
		if err != nil {
			return nil, err
		}
		formGray := cropGray(gray, region.Rect())
		elements, err := d.findElements(formGray)
		if err != nil {
			return nil, err
		}
		formID := forms.FormID(page.PageNumber, len(detected)+1)
		elements = d.refine(ctx, formID, crop, elements)
		d.logger.Debug("Form detected",
			zap.String("form_id", formID),
			zap.Int("elements", len(elements)),
			zap.String("labels", Labels(elements)))

		detected = append(detected, forms.DetectedForm{
			FormID:      formID,
			PageNumber:  page.PageNumber,
			BoundingBox: region,
			Confidence:  formConfidence(elements),
			Image:       crop,
			Elements:    elements,
		})
	}
	return detected, nil
}

// findRegions returns form-shaped regions ordered top to bottom, left to
// right.
func (d *Detector) findRegions(gray *image.Gray) ([]forms.BoundingBox, error) {
	blurred, err := d.vision.GaussianBlur(gray, blurSigma)
	if err != nil {
		return nil, fmt.Errorf("blur: %w", err)
	}
	bin, err := d.vision.AdaptiveThreshold(blurred, adaptiveBlock, adaptiveC)
	if err != nil {
		return nil, fmt.Errorf("adaptive threshold: %w", err)
	}
	contours, err := d.vision.Contours(bin, vision.External)
	if err != nil {
		return nil, fmt.Errorf("contours: %w", err)
	}

	pageArea := float64(gray.Rect.Dx() * gray.Rect.Dy())
	var regions []forms.BoundingBox
	for _, c := range contours {
		if c.Area < d.cfg.MinFormArea || c.Area > d.cfg.MaxFormAreaRatio*pageArea {
			continue
		}
		aspect := c.Box.AspectRatio()
		if aspect < d.cfg.MinFormAspect || aspect > d.cfg.MaxFormAspect {
			continue
		}
		likelihood, err := d.formLikelihood(cropGray(bin, c.Box.Rect()))
		if err != nil {
			return nil, err
		}
		if likelihood <= d.cfg.MinLikelihood {
			continue
		}
		regions = append(regions, c.Box)
	}
	sortBoxes(regions)
	return regions, nil
}

// formLikelihood scores a binary region by the density of its ruled lines.
func (d *Detector) formLikelihood(bin *image.Gray) (float64, error) {
	area := bin.Rect.Dx() * bin.Rect.Dy()
	if area == 0 {
		return 0, nil
	}
	horizontal, err := d.vision.MorphOpen(bin, lineKernel, 1)
	if err != nil {
		return 0, fmt.Errorf("horizontal lines: %w", err)
	}
	vertical, err := d.vision.MorphOpen(bin, 1, lineKernel)
	if err != nil {
		return 0, fmt.Errorf("vertical lines: %w", err)
	}
	linePixels := vision.CountNonZero(horizontal, horizontal.Bounds()) + vision.CountNonZero(vertical, vertical.Bounds())
	density := float64(linePixels) / float64(area)
	return math.Min(1, density/d.cfg.LineDensityFull), nil
}

func (d *Detector) findElements(formGray *image.Gray) ([]forms.DetectedElement, error) {
	bin, err := d.vision.OtsuThreshold(formGray)
	if err != nil {
		return nil, fmt.Errorf("otsu threshold: %w", err)
	}
	formW := formGray.Rect.Dx()
	bounds := image.Rect(0, 0, formW, formGray.Rect.Dy())

	shapes, err := d.vision.Contours(bin, vision.List)
	if err != nil {
		return nil, fmt.Errorf("element contours: %w", err)
	}

	var checkboxes, signatures []forms.BoundingBox
	for _, c := range shapes {
		if spansFrame(c.Box, formW) {
			continue
		}
		aspect := c.Box.AspectRatio()
		switch {
		case c.Area >= 100 && c.Area <= 2000 && aspect >= 0.7 && aspect <= 1.4:
			checkboxes = append(checkboxes, c.Box)
		case c.Area > 5000 && aspect >= 2 && aspect <= 5:
			signatures = append(signatures, c.Box)
		}
	}
	checkboxes = dropNested(checkboxes)
	signatures = dropNested(signatures)

	lines, err := d.vision.MorphOpen(bin, lineKernel, 1)
	if err != nil {
		return nil, fmt.Errorf("underline open: %w", err)
	}
	underlines, err := d.vision.Contours(lines, vision.External)
	if err != nil {
		return nil, fmt.Errorf("underline contours: %w", err)
	}

	var elements []forms.DetectedElement
	for _, b := range checkboxes {
		elements = append(elements, forms.DetectedElement{Type: forms.Checkbox, BoundingBox: b, Confidence: checkboxConfidence})
	}
	for _, c := range underlines {
		b := c.Box
		if b.Width <= 80 || b.Height >= 20 || spansFrame(b, formW) || insideAny(b, signatures) {
			continue
		}
		field := forms.BoundingBox{X: b.X, Y: b.Y - labelLift, Width: b.Width, Height: textFieldH}.ClampTo(bounds)
		if !field.Valid() {
			continue
		}
		elements = append(elements, forms.DetectedElement{Type: forms.TextField, BoundingBox: field, Confidence: textFieldConfidence})
	}
	for _, b := range signatures {
		elements = append(elements, forms.DetectedElement{Type: forms.SignatureArea, BoundingBox: b, Confidence: signatureConfidence})
	}

	sort.SliceStable(elements, func(i, j int) bool {
		return less(elements[i].BoundingBox, elements[j].BoundingBox)
	})
	return elements, nil
}

// refine runs a sparse OCR pass over the form, labels elements from the
// words near them and reclassifies elements whose text implies another
// type. OCR failure leaves the elements as they were.
func (d *Detector) refine(ctx context.Context, formID string, formImg image.Image, elements []forms.DetectedElement) []forms.DetectedElement {
	if len(elements) == 0 {
		return elements
	}
	res, err := d.ocr.Recognize(ctx, formImg, ocr.Options{PSM: ocr.PSMSparseText})
	d.metrics.RecordOCR(err == nil)
	if err != nil {
		d.logger.Warn("Context OCR failed",
			zap.String("form_id", formID),
			zap.Error(err))
		return elements
	}

	nearby := make([][]ocr.Word, len(elements))
	for _, w := range res.Words {
		best, bestDist := -1, math.MaxFloat64
		for i, el := range elements {
			if dist := el.BoundingBox.CenterDistance(w.Box); dist < bestDist {
				best, bestDist = i, dist
			}
		}
		if best >= 0 && bestDist <= d.cfg.WordDistance {
			nearby[best] = append(nearby[best], w)
		}
	}

	out := make([]forms.DetectedElement, len(elements))
	for i, el := range elements {
		words := nearby[i]
		if len(words) == 0 {
			out[i] = el
			continue
		}
		text := ocr.ResultFromWords(words)
		el.Text = text.Text
		el.Label = labelFor(el.Text)

		if el.Type != forms.Checkbox {
			if t := impliedType(el.Text, el.Label); t != "" && t != el.Type {
				el.Type = t
				el.Reclassified = true
				el.Confidence *= reclassifyPenalty
			}
		}
		el.Confidence = math.Min(1, el.Confidence+textBoostMax*text.Confidence/100)
		out[i] = el
	}
	return out
}

// formConfidence averages element confidences and rewards forms that carry
// the key fields and a mix of element types.
func formConfidence(elements []forms.DetectedElement) float64 {
	if len(elements) == 0 {
		return 0
	}
	var sum float64
	types := make(map[forms.ElementType]bool)
	var hasName, hasAmount bool
	for _, el := range elements {
		sum += el.Confidence
		types[el.Type] = true
		switch el.Label {
		case LabelName:
			hasName = true
		case LabelAmount:
			hasAmount = true
		}
	}
	conf := sum / float64(len(elements))
	if hasName && hasAmount {
		conf += keyFieldBoost
	}
	if len(types) >= 3 {
		conf += diversityBoost
	}
	return math.Min(1, conf)
}

func spansFrame(b forms.BoundingBox, formWidth int) bool {
	return float64(b.Width) >= frameWidthFrac*float64(formWidth)
}

func insideAny(b forms.BoundingBox, boxes []forms.BoundingBox) bool {
	for _, o := range boxes {
		if o.Pad(2).Contains(b) {
			return true
		}
	}
	return false
}

// dropNested removes boxes lying inside another box of the same list, which
// collapses the inner and outer outline of one hollow shape.
func dropNested(boxes []forms.BoundingBox) []forms.BoundingBox {
	var kept []forms.BoundingBox
	for i, b := range boxes {
		nested := false
		for j, o := range boxes {
			if i != j && o != b && o.Contains(b) {
				nested = true
				break
			}
		}
		if !nested {
			kept = append(kept, b)
		}
	}
	return kept
}

func less(a, b forms.BoundingBox) bool {
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}

func sortBoxes(boxes []forms.BoundingBox) {
	sort.SliceStable(boxes, func(i, j int) bool { return less(boxes[i], boxes[j]) })
}

// cropGray copies r out of g into a new image whose bounds start at (0,0).
func cropGray(g *image.Gray, r image.Rectangle) *image.Gray {
	r = r.Add(g.Rect.Min).Intersect(g.Rect)
	dst := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), g, r.Min, draw.Src)
	return dst
}

// Labels returns the distinct labels of elements, for logging.
func Labels(elements []forms.DetectedElement) string {
	var labels []string
	seen := make(map[string]bool)
	for _, el := range elements {
		if el.Label != "" && !seen[el.Label] {
			seen[el.Label] = true
			labels = append(labels, el.Label)
		}
	}
	return strings.Join(labels, ",")
}
