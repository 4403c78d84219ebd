package api

import (
	"context"
	"time"

	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/metrics"
	"github.com/gmsas95/donorscan/internal/store"
)

// Jobs runs uploaded documents through the pipeline and records them.
type Jobs interface {
	Run(ctx context.Context, doc forms.RawDocument, source string) (*store.Document, []forms.ExtractedFormData, error)
	Submit(ctx context.Context, doc forms.RawDocument, source string) (*store.Document, error)
}

// Health reports whether every pipeline stage is usable and exposes its
// counters.
type Health interface {
	Validate() bool
	Metrics() *metrics.Metrics
}

type DocumentResponse struct {
	Document *store.Document          `json:"document"`
	Results  []forms.ExtractedFormData `json:"results,omitempty"`
}

type RecordsResponse struct {
	Records []store.DonationRecord `json:"records"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func newHealthResponse(ok bool, version string) HealthResponse {
	status := "healthy"
	if !ok {
		status = "degraded"
	}
	return HealthResponse{Status: status, Version: version, Timestamp: time.Now().Unix()}
}
