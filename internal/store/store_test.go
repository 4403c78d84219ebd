package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmsas95/donorscan/internal/config"
	apperrors "github.com/gmsas95/donorscan/internal/errors"
	"github.com/gmsas95/donorscan/internal/forms"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.Default(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResults() []forms.ExtractedFormData {
	return []forms.ExtractedFormData{
		{
			FormNumber: 1,
			Confidence: 0.92,
			Fields: forms.Fields{
				DonorName:     "Jane Doe",
				Phone:         "(555) 123-4567",
				Amount:        100,
				PaymentMethod: "Credit Card (Visa)",
				PaymentDetails: forms.PaymentDetails{
					CardType:   "Visa",
					CardNumber: "4111111111111111",
					ExpiryDate: "07/27",
					CVV:        "123",
				},
			},
		},
		{
			FormNumber: 2,
			Confidence: 0.4,
			Issues:     []string{"Donation amount could not be determined", "Low confidence score: 40%"},
		},
	}
}

func TestDocumentLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	doc := &Document{FileName: "scan.pdf", MimeType: "application/pdf", Source: "api"}
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NotEmpty(t, doc.ID)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	require.NoError(t, s.MarkProcessing(ctx, doc.ID))
	require.NoError(t, s.SaveResults(ctx, doc.ID, sampleResults()))

	got, err = s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.FormCount)
	assert.Equal(t, 1, got.ReviewCount)

	results, err := s.GetResults(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "**** **** **** 1111", results[0].Fields.PaymentDetails.CardNumber)
	assert.Empty(t, results[0].Fields.PaymentDetails.CVV)
	assert.Equal(t, "Jane Doe", results[0].Fields.DonorName)
}

func TestSaveResults_DoesNotMutateInput(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	doc := &Document{FileName: "scan.png"}
	require.NoError(t, s.CreateDocument(ctx, doc))

	results := sampleResults()
	require.NoError(t, s.SaveResults(ctx, doc.ID, results))
	assert.Equal(t, "4111111111111111", results[0].Fields.PaymentDetails.CardNumber)
	assert.Equal(t, "123", results[0].Fields.PaymentDetails.CVV)
}

func TestListRecords(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	doc := &Document{FileName: "scan.png"}
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.SaveResults(ctx, doc.ID, sampleResults()))
	// saving twice replaces the rows
	require.NoError(t, s.SaveResults(ctx, doc.ID, sampleResults()))

	all, err := s.ListRecords(ctx, RecordFilter{DocumentID: doc.ID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "**** **** **** 1111", all[0].MaskedCard)

	review := true
	flagged, err := s.ListRecords(ctx, RecordFilter{NeedsReview: &review})
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, 2, flagged[0].FormNumber)
	assert.Equal(t, []string{"Donation amount could not be determined", "Low confidence score: 40%"}, flagged[0].IssueList())

	raw, err := json.Marshal(flagged[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"issues":["Donation amount could not be determined"`)
	assert.NotContains(t, string(raw), "cvv")
}

func TestNotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.GetDocument(ctx, "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = s.GetResults(ctx, "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	err = s.MarkProcessing(ctx, "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestMarkFailed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	doc := &Document{FileName: "notes.txt"}
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.MarkFailed(ctx, doc.ID, errors.New("unsupported document format")))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "unsupported document format", got.Error)
}

func TestClaimFile(t *testing.T) {
	s := newStore(t)
	mod := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

	ok, err := s.ClaimFile("/inbox/a.pdf", mod)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimFile("/inbox/a.pdf", mod)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ClaimFile("/inbox/a.pdf", mod.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedact(t *testing.T) {
	in := sampleResults()
	out := Redact(in)
	assert.Equal(t, "**** **** **** 1111", out[0].Fields.PaymentDetails.CardNumber)
	assert.Empty(t, out[0].Fields.PaymentDetails.CVV)
	assert.Equal(t, "07/27", out[0].Fields.PaymentDetails.ExpiryDate)
	assert.Equal(t, in[1].Issues, out[1].Issues)
}
