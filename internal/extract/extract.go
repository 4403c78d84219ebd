// Package extract reads donation fields out of segmented forms.
package extract

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/metrics"
	"github.com/gmsas95/donorscan/internal/ocr"
)

// Extractor runs recognition over field segments and parses the results.
type Extractor struct {
	engine  ocr.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(engine ocr.Engine, logger *zap.Logger, m *metrics.Metrics) *Extractor {
	if m == nil {
		m = metrics.New()
	}
	return &Extractor{
		engine:  engine,
		logger:  logger,
		metrics: m,
	}
}

// Validate reports whether the recognition engine is usable.
func (e *Extractor) Validate() bool {
	return e.engine != nil && e.engine.Available()
}

// Extract returns one record per segmented form, numbered by position.
func (e *Extractor) Extract(ctx context.Context, segmented []forms.SegmentedForm) ([]forms.ExtractedFormData, error) {
	start := time.Now()
	out := make([]forms.ExtractedFormData, 0, len(segmented))
	for i, sf := range segmented {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data := e.safeExtractForm(ctx, sf)
		data.FormNumber = i + 1
		e.metrics.RecordForm(data.Confidence, data.NeedsReview())
		out = append(out, data)
	}
	e.metrics.ObserveStage(metrics.StageExtract, len(out), time.Since(start))
	return out, nil
}

func (e *Extractor) safeExtractForm(ctx context.Context, sf forms.SegmentedForm) (data forms.ExtractedFormData) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordStageError(metrics.StageExtract)
			e.logger.Warn("Form extraction failed",
				zap.String("form_id", sf.FormID),
				zap.Any("panic", r))
			data = failed(fmt.Sprintf("%v", r))
		}
	}()
	return e.ExtractForm(ctx, sf)
}

func failed(reason string) forms.ExtractedFormData {
	return forms.ExtractedFormData{Issues: []string{IssueFormFailed(reason)}}
}

// ExtractForm reads one form. Without segments the whole form image is read
// instead.
func (e *Extractor) ExtractForm(ctx context.Context, sf forms.SegmentedForm) forms.ExtractedFormData {
	if len(sf.Segments) == 0 {
		if sf.Image == nil {
			return failed("no segments or image")
		}
		return e.ExtractFromRealImage(ctx, sf.Image)
	}

	var (
		fields  forms.Fields
		issues  []string
		texts   []string
		confSum float64
		okCount int
	)
	for _, seg := range sf.Segments {
		res, err := e.engine.Recognize(ctx, seg.Image, optionsFor(seg.FieldType))
		e.metrics.RecordOCR(err == nil)
		if err != nil {
			e.metrics.RecordStageError(metrics.StageExtract)
			e.logger.Warn("Field recognition failed",
				zap.String("form_id", sf.FormID),
				zap.String("field_id", seg.FieldID),
				zap.Error(err))
			issues = append(issues, IssueFieldFailed(seg.FieldType, seg.FieldID))
			continue
		}
		confSum += res.Confidence / 100
		okCount++

		text := strings.TrimSpace(res.Text)
		if text != "" {
			texts = append(texts, text)
		}
		issues = append(issues, route(seg, text, &fields)...)
	}

	var confidence float64
	if okCount > 0 {
		confidence = confSum / float64(okCount)
	}

	method, details := DetectPayment(strings.Join(texts, "\n"))
	if details.CardType != "" && fields.PaymentDetails.CardholderName != "" {
		details.CardholderName = fields.PaymentDetails.CardholderName
	}
	fields.PaymentMethod = method
	fields.PaymentDetails = details

	issues = append(issues, Validate(fields, confidence)...)
	return forms.ExtractedFormData{
		Confidence: confidence,
		Fields:     fields,
		Issues:     dedupe(issues),
	}
}

// ExtractFromRealImage reads a whole form or page image in one recognition
// pass and parses the text with the fallback rules.
func (e *Extractor) ExtractFromRealImage(ctx context.Context, img image.Image) forms.ExtractedFormData {
	res, err := e.engine.Recognize(ctx, img, ocr.Options{PSM: ocr.PSMAuto})
	e.metrics.RecordOCR(err == nil)
	if err != nil {
		e.metrics.RecordStageError(metrics.StageExtract)
		e.logger.Warn("Whole-image recognition failed", zap.Error(err))
		return failed(err.Error())
	}

	fields := ParseFormText(res.Text)
	fields.PaymentMethod, fields.PaymentDetails = DetectPayment(res.Text)
	confidence := res.Confidence / 100
	return forms.ExtractedFormData{
		Confidence: confidence,
		Fields:     fields,
		Issues:     dedupe(Validate(fields, confidence)),
	}
}

func optionsFor(t forms.ElementType) ocr.Options {
	opts := ocr.Options{PSM: ocr.PSMSingleLine}
	switch t {
	case forms.AmountField:
		opts.Whitelist = ocr.WhitelistAmount
	case forms.DateField:
		opts.Whitelist = ocr.WhitelistDate
	}
	return opts
}

// route stores recognized text in the field its segment stands for and
// returns any issue found on the way.
func route(seg forms.FieldSegment, text string, f *forms.Fields) []string {
	switch seg.FieldType {
	case forms.TextField:
		value := stripLabel(text)
		if value == "" {
			return nil
		}
		id := strings.ToLower(seg.FieldID)
		switch {
		case strings.Contains(id, "name"):
			if f.DonorName == "" {
				f.DonorName = value
			}
		case strings.Contains(id, "email"):
			if f.Email == "" {
				f.Email = value
			}
			if !ValidEmail(value) {
				return []string{IssueEmail}
			}
		case strings.Contains(id, "phone"):
			if f.Phone == "" {
				f.Phone = value
			}
		case strings.Contains(id, "address"):
			if f.Address == "" {
				f.Address = value
			}
		}
	case forms.AmountField:
		if v := ExtractAmount(text); v > 0 && f.Amount == 0 {
			f.Amount = v
		}
	case forms.DateField:
		if d := ParseSegmentDate(text); d != "" && f.Date == "" {
			f.Date = d
		}
	case forms.Checkbox:
		lower := strings.ToLower(text)
		if strings.Contains(lower, "monthly") || strings.Contains(lower, "recurring") {
			f.Recurring = true
		}
	case forms.SignatureArea:
		if text != "" {
			f.PaymentDetails.CardholderName = text
		}
	}
	return nil
}
