package extract

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/metrics"
	"github.com/gmsas95/donorscan/internal/ocr"
)

// byWidth answers each call with the text registered for the image width.
func byWidth(texts map[int]string, conf float64) ocr.Responder {
	return func(img image.Image, _ ocr.Options) (*ocr.Result, error) {
		text, ok := texts[img.Bounds().Dx()]
		if !ok {
			return nil, errors.New("unexpected segment")
		}
		return &ocr.Result{Text: text, Confidence: conf}, nil
	}
}

func seg(id string, t forms.ElementType, width int) forms.FieldSegment {
	return forms.FieldSegment{
		FieldID:   id,
		FieldType: t,
		Image:     image.NewGray(image.Rect(0, 0, width, 30)),
	}
}

func TestExtractForm_RoutesFields(t *testing.T) {
	engine := ocr.NewScriptedEngine(byWidth(map[int]string{
		101: "Name: Jane Doe",
		102: "jane@example.org",
		103: "(555) 123-4567",
		104: "$100.00",
		105: "01/15/2024",
		106: "monthly",
		107: "Jane Q Doe",
		108: "4111 1111 1111 1111",
	}, 90))
	e := New(engine, zap.NewNop(), nil)

	sf := forms.SegmentedForm{
		FormID: "form_1_1",
		Segments: []forms.FieldSegment{
			seg("form_1_1_name", forms.TextField, 101),
			seg("form_1_1_email", forms.TextField, 102),
			seg("form_1_1_phone", forms.TextField, 103),
			seg("form_1_1_amount", forms.AmountField, 104),
			seg("form_1_1_date", forms.DateField, 105),
			seg("form_1_1_recurring", forms.Checkbox, 106),
			seg("form_1_1_signature", forms.SignatureArea, 107),
			seg("form_1_1_credit_card", forms.TextField, 108),
		},
	}

	data := e.ExtractForm(context.Background(), sf)
	assert.InDelta(t, 0.9, data.Confidence, 1e-9)
	assert.Equal(t, "Jane Doe", data.Fields.DonorName)
	assert.Equal(t, "jane@example.org", data.Fields.Email)
	assert.Equal(t, "(555) 123-4567", data.Fields.Phone)
	assert.Equal(t, 100.0, data.Fields.Amount)
	assert.Equal(t, "2024-01-15", data.Fields.Date)
	assert.True(t, data.Fields.Recurring)
	assert.Equal(t, "Credit Card (Visa)", data.Fields.PaymentMethod)
	assert.Equal(t, "4111111111111111", data.Fields.PaymentDetails.CardNumber)
	assert.Equal(t, "Jane Q Doe", data.Fields.PaymentDetails.CardholderName)
	assert.Empty(t, data.Issues)
	assert.False(t, data.NeedsReview())

	calls := engine.Calls()
	require.Len(t, calls, 8)
	for _, c := range calls {
		assert.Equal(t, ocr.PSMSingleLine, c.PSM)
	}
	assert.Equal(t, ocr.WhitelistAmount, calls[3].Whitelist)
	assert.Equal(t, ocr.WhitelistDate, calls[4].Whitelist)
	assert.Empty(t, calls[0].Whitelist)
}

func TestExtractForm_CardholderOnlyWithCard(t *testing.T) {
	engine := ocr.NewScriptedEngine(byWidth(map[int]string{
		101: "Name: Jane Doe",
		104: "$50.00",
		107: "Jane Q Doe",
		108: "Paid by check",
	}, 90))
	e := New(engine, zap.NewNop(), nil)

	data := e.ExtractForm(context.Background(), forms.SegmentedForm{
		FormID: "form_1_1",
		Segments: []forms.FieldSegment{
			seg("form_1_1_name", forms.TextField, 101),
			seg("form_1_1_amount", forms.AmountField, 104),
			seg("form_1_1_signature", forms.SignatureArea, 107),
			seg("form_1_1_check", forms.TextField, 108),
		},
	})
	assert.Equal(t, MethodCheck, data.Fields.PaymentMethod)
	assert.Equal(t, forms.PaymentDetails{}, data.Fields.PaymentDetails)
}

func TestExtractForm_FirstValueWins(t *testing.T) {
	engine := ocr.NewScriptedEngine(byWidth(map[int]string{
		101: "Jane Doe",
		102: "John Smith",
	}, 95))
	e := New(engine, zap.NewNop(), nil)

	data := e.ExtractForm(context.Background(), forms.SegmentedForm{
		FormID: "form_1_1",
		Segments: []forms.FieldSegment{
			seg("form_1_1_name", forms.TextField, 101),
			seg("form_1_1_name", forms.TextField, 102),
		},
	})
	assert.Equal(t, "Jane Doe", data.Fields.DonorName)
}

func TestExtractForm_FieldFailure(t *testing.T) {
	engine := ocr.NewScriptedEngine(func(img image.Image, _ ocr.Options) (*ocr.Result, error) {
		if img.Bounds().Dx() == 102 {
			return nil, errors.New("tesseract crashed")
		}
		return &ocr.Result{Text: "Jane Doe", Confidence: 80}, nil
	})
	m := metrics.New()
	e := New(engine, zap.NewNop(), m)

	data := e.ExtractForm(context.Background(), forms.SegmentedForm{
		FormID: "form_1_1",
		Segments: []forms.FieldSegment{
			seg("form_1_1_name", forms.TextField, 101),
			seg("form_1_1_amount", forms.AmountField, 102),
		},
	})
	assert.Equal(t, "Jane Doe", data.Fields.DonorName)
	assert.InDelta(t, 0.8, data.Confidence, 1e-9)
	assert.Contains(t, data.Issues, "Failed to process amount_field field: form_1_1_amount")
	assert.Contains(t, data.Issues, IssueAmount)
	assert.Equal(t, MethodUnknown, data.Fields.PaymentMethod)
	assert.Equal(t, int64(1), m.Snapshot().Stages[string(metrics.StageExtract)].Errors)
}

func TestExtractForm_SmallAmountIsNoise(t *testing.T) {
	engine := ocr.NewScriptedEngine(ocr.StaticText("$5", 90))
	e := New(engine, zap.NewNop(), nil)

	data := e.ExtractForm(context.Background(), forms.SegmentedForm{
		FormID:   "form_1_1",
		Segments: []forms.FieldSegment{seg("form_1_1_amount", forms.AmountField, 100)},
	})
	assert.Equal(t, 0.0, data.Fields.Amount)
	assert.Contains(t, data.Issues, IssueAmount)
	assert.True(t, data.NeedsReview())
}

func TestExtractForm_InvalidEmailReportedOnce(t *testing.T) {
	engine := ocr.NewScriptedEngine(ocr.StaticText("Email: not-an-email", 90))
	e := New(engine, zap.NewNop(), nil)

	data := e.ExtractForm(context.Background(), forms.SegmentedForm{
		FormID:   "form_1_1",
		Segments: []forms.FieldSegment{seg("form_1_1_email", forms.TextField, 100)},
	})
	assert.Equal(t, "not-an-email", data.Fields.Email)
	count := 0
	for _, issue := range data.Issues {
		if issue == IssueEmail {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestExtractForm_WholeImageFallback(t *testing.T) {
	engine := ocr.NewScriptedEngine(ocr.StaticText(sampleForm, 85))
	e := New(engine, zap.NewNop(), nil)

	data := e.ExtractForm(context.Background(), forms.SegmentedForm{
		FormID: "form_1_1",
		Image:  image.NewGray(image.Rect(0, 0, 800, 600)),
	})
	assert.Equal(t, "Jane Doe", data.Fields.DonorName)
	assert.Equal(t, 150.0, data.Fields.Amount)
	assert.Equal(t, "2024-01-15", data.Fields.Date)
	assert.InDelta(t, 0.85, data.Confidence, 1e-9)
	assert.Empty(t, data.Issues)

	calls := engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ocr.PSMAuto, calls[0].PSM)
}

func TestExtractForm_NothingToRead(t *testing.T) {
	e := New(ocr.NewScriptedEngine(nil), zap.NewNop(), nil)
	data := e.ExtractForm(context.Background(), forms.SegmentedForm{FormID: "form_1_1"})
	assert.Equal(t, 0.0, data.Confidence)
	assert.Equal(t, []string{"Form extraction failed: no segments or image"}, data.Issues)
}

func TestExtract_NumbersFormsAndRecoversPanics(t *testing.T) {
	engine := ocr.NewScriptedEngine(func(img image.Image, _ ocr.Options) (*ocr.Result, error) {
		if img.Bounds().Dx() == 13 {
			panic("corrupt image")
		}
		return &ocr.Result{Text: "Jane Doe", Confidence: 90}, nil
	})
	m := metrics.New()
	e := New(engine, zap.NewNop(), m)

	out, err := e.Extract(context.Background(), []forms.SegmentedForm{
		{FormID: "form_1_1", Segments: []forms.FieldSegment{seg("form_1_1_name", forms.TextField, 100)}},
		{FormID: "form_1_2", Segments: []forms.FieldSegment{seg("form_1_2_name", forms.TextField, 13)}},
		{FormID: "form_2_1", Segments: []forms.FieldSegment{seg("form_2_1_name", forms.TextField, 100)}},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, d := range out {
		assert.Equal(t, i+1, d.FormNumber)
	}
	assert.Equal(t, "Jane Doe", out[0].Fields.DonorName)
	assert.Equal(t, 0.0, out[1].Confidence)
	assert.Equal(t, []string{"Form extraction failed: corrupt image"}, out[1].Issues)
	assert.Equal(t, "Jane Doe", out[2].Fields.DonorName)

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.Stages[string(metrics.StageExtract)].Processed)
	assert.Equal(t, int64(3), snap.FormsExtracted)
}

func TestExtract_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(ocr.NewScriptedEngine(nil), zap.NewNop(), nil)
	_, err := e.Extract(ctx, []forms.SegmentedForm{{FormID: "form_1_1"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidateEngine(t *testing.T) {
	engine := ocr.NewScriptedEngine(nil)
	assert.True(t, New(engine, zap.NewNop(), nil).Validate())
	engine.SetUnavailable()
	assert.False(t, New(engine, zap.NewNop(), nil).Validate())
	assert.False(t, New(nil, zap.NewNop(), nil).Validate())
}
