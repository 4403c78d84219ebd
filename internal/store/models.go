package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/payment"
)

// Document statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Document is one uploaded or watched scan and its processing state
type Document struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	FileName    string    `json:"file_name"`
	MimeType    string    `json:"mime_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Source      string    `json:"source"` // api, batch, watch, cli
	Status      string    `gorm:"index" json:"status"`
	Error       string    `json:"error,omitempty"`
	FormCount   int       `json:"form_count"`
	ReviewCount int       `json:"review_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Records []DonationRecord `json:"records,omitempty" gorm:"foreignKey:DocumentID"`
}

// BeforeCreate assigns an id when none was given
func (d *Document) BeforeCreate(*gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	return nil
}

// DonationRecord is one extracted form as kept at rest. Card numbers are
// stored masked and the CVV is never stored.
type DonationRecord struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	DocumentID     string    `gorm:"index:idx_doc_form" json:"document_id"`
	FormNumber     int       `gorm:"index:idx_doc_form" json:"form_number"`
	DonorName      string    `json:"donor_name"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	Address        string    `json:"address"`
	Amount         float64   `json:"amount"`
	PaymentMethod  string    `json:"payment_method"`
	CardType       string    `json:"card_type,omitempty"`
	MaskedCard     string    `json:"masked_card,omitempty"`
	ExpiryDate     string    `json:"expiry_date,omitempty"`
	CardholderName string    `json:"cardholder_name,omitempty"`
	Date           string    `json:"date"`
	Recurring      bool      `json:"recurring"`
	Anonymous      bool      `json:"anonymous"`
	Confidence     float64   `json:"confidence"`
	NeedsReview    bool      `gorm:"index" json:"needs_review"`
	Issues         string    `gorm:"type:text" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// IssueList decodes the stored issues.
func (r DonationRecord) IssueList() []string {
	var issues []string
	if r.Issues == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(r.Issues), &issues)
	return issues
}

// MarshalJSON adds the decoded issues to the record.
func (r DonationRecord) MarshalJSON() ([]byte, error) {
	type alias DonationRecord
	return json.Marshal(struct {
		alias
		Issues []string `json:"issues"`
	}{alias(r), r.IssueList()})
}

// NewDonationRecord converts an extracted form for storage.
func NewDonationRecord(documentID string, data forms.ExtractedFormData) DonationRecord {
	issues, _ := json.Marshal(data.Issues)
	f := data.Fields
	rec := DonationRecord{
		ID:             uuid.NewString(),
		DocumentID:     documentID,
		FormNumber:     data.FormNumber,
		DonorName:      f.DonorName,
		Email:          f.Email,
		Phone:          f.Phone,
		Address:        f.Address,
		Amount:         f.Amount,
		PaymentMethod:  f.PaymentMethod,
		CardType:       f.PaymentDetails.CardType,
		ExpiryDate:     f.PaymentDetails.ExpiryDate,
		CardholderName: f.PaymentDetails.CardholderName,
		Date:           f.Date,
		Recurring:      f.Recurring,
		Anonymous:      f.Anonymous,
		Confidence:     data.Confidence,
		NeedsReview:    data.NeedsReview(),
		Issues:         string(issues),
	}
	if f.PaymentDetails.CardNumber != "" {
		rec.MaskedCard = payment.MaskCardNumber(f.PaymentDetails.CardNumber)
	}
	return rec
}

// Redact returns a copy of results safe to keep at rest: masked card
// numbers and no CVV.
func Redact(results []forms.ExtractedFormData) []forms.ExtractedFormData {
	out := make([]forms.ExtractedFormData, len(results))
	for i, r := range results {
		if r.Fields.PaymentDetails.CardNumber != "" {
			r.Fields.PaymentDetails.CardNumber = payment.MaskCardNumber(r.Fields.PaymentDetails.CardNumber)
		}
		r.Fields.PaymentDetails.CVV = ""
		r.Issues = append([]string(nil), r.Issues...)
		out[i] = r
	}
	return out
}
