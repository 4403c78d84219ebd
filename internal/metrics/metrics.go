package metrics

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names a pipeline component.
type Stage string

const (
	StagePreprocess Stage = "preprocess"
	StageDetect     Stage = "detect"
	StageSegment    Stage = "segment"
	StageExtract    Stage = "extract"
)

var stages = []Stage{StagePreprocess, StageDetect, StageSegment, StageExtract}

const latencyWindow = 1000

type stageCounters struct {
	mu            sync.Mutex
	calls         int64
	processed     int64
	errors        int64
	ops           int64
	totalLatency  time.Duration
	latencies     []time.Duration
	confidenceSum float64
	confidenceN   int64
}

type Metrics struct {
	startTime time.Time

	documentsTotal     atomic.Int64
	documentsFailed    atomic.Int64
	formsExtracted     atomic.Int64
	formsNeedingReview atomic.Int64
	ocrCalls           atomic.Int64
	ocrFailures        atomic.Int64

	stages map[Stage]*stageCounters

	registry       *prometheus.Registry
	stageDuration  *prometheus.HistogramVec
	stageItems     *prometheus.CounterVec
	stageErrors    *prometheus.CounterVec
	stageOps       *prometheus.CounterVec
	documents      *prometheus.CounterVec
	formConfidence prometheus.Histogram
	formsReview    prometheus.Counter
	ocrRequests    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		stages:    make(map[Stage]*stageCounters, len(stages)),
		registry:  prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "donorscan",
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage call",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stage"}),
		stageItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "donorscan",
			Name:      "stage_items_total",
			Help:      "Items produced per pipeline stage",
		}, []string{"stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "donorscan",
			Name:      "stage_errors_total",
			Help:      "Recovered errors per pipeline stage",
		}, []string{"stage"}),
		stageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "donorscan",
			Name:      "stage_operations_total",
			Help:      "Image operations applied per pipeline stage",
		}, []string{"stage"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "donorscan",
			Name:      "documents_total",
			Help:      "Documents processed by result",
		}, []string{"result"}),
		formConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "donorscan",
			Name:      "form_confidence",
			Help:      "Confidence of extracted forms",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		formsReview: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "donorscan",
			Name:      "forms_needing_review_total",
			Help:      "Extracted forms flagged for human review",
		}),
		ocrRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "donorscan",
			Name:      "ocr_requests_total",
			Help:      "Text recognition calls by result",
		}, []string{"result"}),
	}
	for _, s := range stages {
		m.stages[s] = &stageCounters{latencies: make([]time.Duration, 0, 64)}
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stageDuration, m.stageItems, m.stageErrors, m.stageOps,
		m.documents, m.formConfidence, m.formsReview, m.ocrRequests,
	)
	return m
}

func (m *Metrics) stage(s Stage) *stageCounters {
	return m.stages[s]
}

// ObserveStage records one call of a stage that produced processed items.
func (m *Metrics) ObserveStage(s Stage, processed int, d time.Duration) {
	if m == nil {
		return
	}
	if c := m.stage(s); c != nil {
		c.mu.Lock()
		c.calls++
		c.processed += int64(processed)
		c.totalLatency += d
		c.latencies = append(c.latencies, d)
		if len(c.latencies) > latencyWindow {
			c.latencies = c.latencies[1:]
		}
		c.mu.Unlock()
	}
	m.stageDuration.WithLabelValues(string(s)).Observe(d.Seconds())
	m.stageItems.WithLabelValues(string(s)).Add(float64(processed))
}

func (m *Metrics) RecordStageError(s Stage) {
	if m == nil {
		return
	}
	if c := m.stage(s); c != nil {
		c.mu.Lock()
		c.errors++
		c.mu.Unlock()
	}
	m.stageErrors.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) RecordStageOps(s Stage, n int) {
	if m == nil || n <= 0 {
		return
	}
	if c := m.stage(s); c != nil {
		c.mu.Lock()
		c.ops += int64(n)
		c.mu.Unlock()
	}
	m.stageOps.WithLabelValues(string(s)).Add(float64(n))
}

func (m *Metrics) RecordConfidence(s Stage, confidence float64) {
	if m == nil {
		return
	}
	if c := m.stage(s); c != nil {
		c.mu.Lock()
		c.confidenceSum += confidence
		c.confidenceN++
		c.mu.Unlock()
	}
}

// RecordForm records one extracted form.
func (m *Metrics) RecordForm(confidence float64, needsReview bool) {
	if m == nil {
		return
	}
	m.formsExtracted.Add(1)
	m.formConfidence.Observe(confidence)
	m.RecordConfidence(StageExtract, confidence)
	if needsReview {
		m.formsNeedingReview.Add(1)
		m.formsReview.Inc()
	}
}

func (m *Metrics) RecordDocument(success bool) {
	if m == nil {
		return
	}
	m.documentsTotal.Add(1)
	if success {
		m.documents.WithLabelValues("success").Inc()
		return
	}
	m.documentsFailed.Add(1)
	m.documents.WithLabelValues("failed").Inc()
}

func (m *Metrics) RecordOCR(success bool) {
	if m == nil {
		return
	}
	m.ocrCalls.Add(1)
	if success {
		m.ocrRequests.WithLabelValues("success").Inc()
		return
	}
	m.ocrFailures.Add(1)
	m.ocrRequests.WithLabelValues("failed").Inc()
}

// Registry exposes the Prometheus registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type StageSnapshot struct {
	Calls         int64         `json:"calls"`
	Processed     int64         `json:"processed"`
	Errors        int64         `json:"errors"`
	Ops           int64         `json:"ops"`
	AvgLatency    time.Duration `json:"avg_latency"`
	P99Latency    time.Duration `json:"p99_latency"`
	AvgConfidence float64       `json:"avg_confidence"`
}

type Snapshot struct {
	Uptime             time.Duration            `json:"uptime"`
	DocumentsTotal     int64                    `json:"documents_total"`
	DocumentsFailed    int64                    `json:"documents_failed"`
	FormsExtracted     int64                    `json:"forms_extracted"`
	FormsNeedingReview int64                    `json:"forms_needing_review"`
	OCRCalls           int64                    `json:"ocr_calls"`
	OCRFailures        int64                    `json:"ocr_failures"`
	SuccessRate        float64                  `json:"success_rate"`
	Stages             map[string]StageSnapshot `json:"stages"`
}

func (m *Metrics) Snapshot() *Snapshot {
	s := &Snapshot{
		Uptime:             time.Since(m.startTime),
		DocumentsTotal:     m.documentsTotal.Load(),
		DocumentsFailed:    m.documentsFailed.Load(),
		FormsExtracted:     m.formsExtracted.Load(),
		FormsNeedingReview: m.formsNeedingReview.Load(),
		OCRCalls:           m.ocrCalls.Load(),
		OCRFailures:        m.ocrFailures.Load(),
		Stages:             make(map[string]StageSnapshot, len(m.stages)),
	}

	if s.DocumentsTotal > 0 {
		s.SuccessRate = float64(s.DocumentsTotal-s.DocumentsFailed) / float64(s.DocumentsTotal) * 100
	}

	for name, c := range m.stages {
		s.Stages[string(name)] = c.snapshot()
	}
	return s
}

func (c *stageCounters) snapshot() StageSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	ss := StageSnapshot{
		Calls:     c.calls,
		Processed: c.processed,
		Errors:    c.errors,
		Ops:       c.ops,
	}
	if c.calls > 0 {
		ss.AvgLatency = c.totalLatency / time.Duration(c.calls)
	}
	if c.confidenceN > 0 {
		ss.AvgConfidence = c.confidenceSum / float64(c.confidenceN)
	}
	if len(c.latencies) > 0 {
		sorted := make([]time.Duration, len(c.latencies))
		copy(sorted, c.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		p99Index := int(float64(len(sorted)) * 0.99)
		if p99Index >= len(sorted) {
			p99Index = len(sorted) - 1
		}
		ss.P99Latency = sorted[p99Index]
	}
	return ss
}
