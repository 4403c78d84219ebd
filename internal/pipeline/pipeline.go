// Package pipeline sequences the four stages over one document.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/donorscan/internal/detect"
	"github.com/gmsas95/donorscan/internal/extract"
	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/metrics"
	"github.com/gmsas95/donorscan/internal/preprocess"
	"github.com/gmsas95/donorscan/internal/segment"
)

// Pipeline runs Preprocess, Detect, Segment and Extract in that order.
type Pipeline struct {
	preprocessor *preprocess.Preprocessor
	detector     *detect.Detector
	segmenter    *segment.Segmenter
	extractor    *extract.Extractor
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

func New(p *preprocess.Preprocessor, d *detect.Detector, s *segment.Segmenter, e *extract.Extractor, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		preprocessor: p,
		detector:     d,
		segmenter:    s,
		extractor:    e,
		logger:       logger,
		metrics:      m,
	}
}

// Process returns one record per form found in doc. Only an unsupported or
// undecodable input and an engine that cannot start are returned as errors;
// everything downstream is reported as issues on the records.
func (p *Pipeline) Process(ctx context.Context, doc forms.RawDocument) (results []forms.ExtractedFormData, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordDocument(err == nil)
	}()

	pages, err := p.preprocessor.Process(ctx, doc)
	if err != nil {
		p.logger.Error("Preprocessing failed", zap.String("file", doc.FileName), zap.Error(err))
		return nil, err
	}

	detected, err := p.detector.Detect(ctx, pages)
	if err != nil {
		p.logger.Error("Detection failed", zap.String("file", doc.FileName), zap.Error(err))
		return nil, err
	}

	segmented, err := p.segmenter.Segment(ctx, detected)
	if err != nil {
		return nil, err
	}

	results, err = p.extractor.Extract(ctx, segmented)
	if err != nil {
		return nil, err
	}

	review := 0
	for _, r := range results {
		if r.NeedsReview() {
			review++
		}
	}
	p.logger.Info("Document processed",
		zap.String("file", doc.FileName),
		zap.Int("pages", len(pages)),
		zap.Int("forms", len(results)),
		zap.Int("needs_review", review),
		zap.Duration("elapsed", time.Since(start)))
	return results, nil
}

// Validate is the startup health probe: every stage must pass its own
// check.
func (p *Pipeline) Validate() bool {
	checks := map[string]bool{
		"preprocess": p.preprocessor.Validate(),
		"detect":     p.detector.Validate(),
		"segment":    p.segmenter.Validate(),
		"extract":    p.extractor.Validate(),
	}
	ok := true
	for stage, passed := range checks {
		if !passed {
			p.logger.Warn("Stage self-check failed", zap.String("stage", stage))
			ok = false
		}
	}
	return ok
}

// Metrics exposes the counters shared by the stages.
func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.metrics
}
