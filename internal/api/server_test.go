package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gmsas95/donorscan/internal/config"
	apperrors "github.com/gmsas95/donorscan/internal/errors"
	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/metrics"
	"github.com/gmsas95/donorscan/internal/store"
)

type fakeJobs struct {
	store   *store.Store
	results []forms.ExtractedFormData
	err     error
	docs    []forms.RawDocument
}

func (f *fakeJobs) Run(ctx context.Context, doc forms.RawDocument, source string) (*store.Document, []forms.ExtractedFormData, error) {
	f.docs = append(f.docs, doc)
	if f.err != nil {
		return nil, nil, f.err
	}
	record := &store.Document{FileName: doc.FileName, MimeType: doc.MimeType, Source: source}
	if err := f.store.CreateDocument(ctx, record); err != nil {
		return nil, nil, err
	}
	if err := f.store.SaveResults(ctx, record.ID, f.results); err != nil {
		return nil, nil, err
	}
	return record, f.results, nil
}

func (f *fakeJobs) Submit(ctx context.Context, doc forms.RawDocument, source string) (*store.Document, error) {
	f.docs = append(f.docs, doc)
	record := &store.Document{FileName: doc.FileName, MimeType: doc.MimeType, Source: source}
	return record, f.store.CreateDocument(ctx, record)
}

type fakeHealth struct {
	ok bool
	m  *metrics.Metrics
}

func (h fakeHealth) Validate() bool            { return h.ok }
func (h fakeHealth) Metrics() *metrics.Metrics { return h.m }

func results() []forms.ExtractedFormData {
	return []forms.ExtractedFormData{
		{
			FormNumber: 1,
			Confidence: 0.9,
			Fields: forms.Fields{
				DonorName: "Jane Doe",
				Amount:    100,
				PaymentDetails: forms.PaymentDetails{
					CardType:   "Visa",
					CardNumber: "4111111111111111",
					CVV:        "123",
				},
			},
		},
		{FormNumber: 2, Confidence: 0.3, Issues: []string{"Donation amount could not be determined"}},
	}
}

func newServer(t *testing.T, healthy bool) (*Server, *fakeJobs) {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Server.MaxUploadMB = 1
	st, err := store.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	jobs := &fakeJobs{store: st, results: results()}
	return New(cfg, jobs, st, fakeHealth{ok: healthy, m: metrics.New()}, zap.NewNop()), jobs
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, target, name string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestUpload_Async(t *testing.T) {
	s, jobs := newServer(t, true)

	resp, err := s.App().Test(uploadRequest(t, "/api/documents", "scan.png", pngBytes(t)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body DocumentResponse
	decode(t, resp, &body)
	require.NotNil(t, body.Document)
	assert.NotEmpty(t, body.Document.ID)
	assert.Equal(t, store.StatusPending, body.Document.Status)
	require.Len(t, jobs.docs, 1)
	assert.Equal(t, "image/png", jobs.docs[0].MimeType)
}

func TestUpload_SyncRedactsCard(t *testing.T) {
	s, _ := newServer(t, true)

	resp, err := s.App().Test(uploadRequest(t, "/api/documents?sync=true", "scan.png", pngBytes(t)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body DocumentResponse
	decode(t, resp, &body)
	require.Len(t, body.Results, 2)
	assert.Equal(t, "**** **** **** 1111", body.Results[0].Fields.PaymentDetails.CardNumber)
	assert.Empty(t, body.Results[0].Fields.PaymentDetails.CVV)
}

func TestUpload_Rejections(t *testing.T) {
	s, jobs := newServer(t, true)

	resp, err := s.App().Test(uploadRequest(t, "/api/documents", "notes.txt", []byte("just some words")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	var errBody ErrorResponse
	decode(t, resp, &errBody)
	assert.Equal(t, "DOC_001", errBody.Code)

	gif := append([]byte("GIF89a"), bytes.Repeat([]byte{0}, 32)...)
	resp, err = s.App().Test(uploadRequest(t, "/api/documents", "scan.gif", gif))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	resp.Body.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/documents", strings.NewReader("x"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err = s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	big := bytes.Repeat([]byte{0}, 2*1024*1024)
	resp, err = s.App().Test(uploadRequest(t, "/api/documents", "huge.png", big))
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	assert.Empty(t, jobs.docs)
}

func TestUpload_PipelineError(t *testing.T) {
	s, jobs := newServer(t, true)
	jobs.err = apperrors.Wrapf(apperrors.ErrEngineInit, nil, "tesseract not found")

	resp, err := s.App().Test(uploadRequest(t, "/api/documents?sync=1", "scan.png", pngBytes(t)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetDocument(t *testing.T) {
	s, _ := newServer(t, true)

	resp, err := s.App().Test(uploadRequest(t, "/api/documents?sync=true", "scan.png", pngBytes(t)))
	require.NoError(t, err)
	var created DocumentResponse
	decode(t, resp, &created)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/api/documents/"+created.Document.ID, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got DocumentResponse
	decode(t, resp, &got)
	assert.Equal(t, store.StatusCompleted, got.Document.Status)
	assert.Equal(t, 2, got.Document.FormCount)
	require.Len(t, got.Results, 2)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/api/documents/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	require.NoError(t, err)
	var list []store.Document
	decode(t, resp, &list)
	assert.Len(t, list, 1)
}

func TestListRecords(t *testing.T) {
	s, _ := newServer(t, true)
	_, err := s.App().Test(uploadRequest(t, "/api/documents?sync=true", "scan.png", pngBytes(t)))
	require.NoError(t, err)

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/api/records?review=true", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Records []struct {
			FormNumber int      `json:"form_number"`
			Issues     []string `json:"issues"`
		} `json:"records"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Records, 1)
	assert.Equal(t, 2, body.Records[0].FormNumber)
	assert.Equal(t, []string{"Donation amount could not be determined"}, body.Records[0].Issues)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/api/records", nil))
	require.NoError(t, err)
	var all RecordsResponse
	decode(t, resp, &all)
	assert.Len(t, all.Records, 2)
}

func TestHealth(t *testing.T) {
	s, _ := newServer(t, true)
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body HealthResponse
	decode(t, resp, &body)
	assert.Equal(t, "healthy", body.Status)

	s, _ = newServer(t, false)
	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoints(t *testing.T) {
	s, _ := newServer(t, true)
	s.health.Metrics().RecordDocument(true)

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	require.NoError(t, err)
	var snap metrics.Snapshot
	decode(t, resp, &snap)
	assert.Equal(t, int64(1), snap.DocumentsTotal)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "donorscan_")
}

func TestUpload_CleansFileName(t *testing.T) {
	s, jobs := newServer(t, true)

	resp, err := s.App().Test(uploadRequest(t, "/api/documents", "../../incoming/scan.png", pngBytes(t)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body DocumentResponse
	decode(t, resp, &body)
	require.Len(t, jobs.docs, 1)
	assert.Equal(t, "scan.png", jobs.docs[0].FileName)
	assert.Equal(t, "scan.png", body.Document.FileName)
}
