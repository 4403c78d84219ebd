package detect

import (
	"regexp"
	"strings"

	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/payment"
)

// Semantic labels assigned from nearby text.
const (
	LabelName       = "name"
	LabelEmail      = "email"
	LabelPhone      = "phone"
	LabelAddress    = "address"
	LabelAmount     = "amount"
	LabelDate       = "date"
	LabelSignature  = "signature"
	LabelRecurring  = "recurring"
	LabelAnonymous  = "anonymous"
	LabelCreditCard = "credit_card"
	LabelCheck      = "check"
)

type labelRule struct {
	label    string
	keywords []string
}

// Evaluated in order; the first rule with a matching keyword wins.
var labelRules = []labelRule{
	{LabelName, []string{"name"}},
	{LabelEmail, []string{"email", "e-mail"}},
	{LabelPhone, []string{"phone"}},
	{LabelAddress, []string{"address", "street", "city", "zip"}},
	{LabelAmount, []string{"amount", "donation", "gift", "$"}},
	{LabelDate, []string{"date"}},
	{LabelSignature, []string{"signature", "sign here"}},
	{LabelRecurring, []string{"monthly", "recurring"}},
	{LabelAnonymous, []string{"anonymous"}},
	{LabelCreditCard, []string{"credit card", "card number", "account no", "visa", "mastercard", "amex", "discover"}},
	{LabelCheck, []string{"check", "cheque"}},
}

var (
	signatureKeywords = []string{"signature", "sign here"}
	datePattern       = regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`)
	currencyPattern   = regexp.MustCompile(`\$\s*\d|\b\d+\.\d{2}\b`)
)

// labelFor picks the semantic label implied by text near an element. A card
// number matching the shared BIN table labels the element as a card field
// before any keyword is considered.
func labelFor(text string) string {
	if text == "" {
		return ""
	}
	if number := payment.FindCardNumber(text); number != "" {
		if _, ok := payment.BrandForNumber(number); ok {
			return LabelCreditCard
		}
	}
	lower := strings.ToLower(text)
	for _, rule := range labelRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.label
			}
		}
	}
	return ""
}

// impliedType returns the element type the nearby text implies, or "" when
// the text says nothing about the type.
func impliedType(text, label string) forms.ElementType {
	lower := strings.ToLower(text)
	for _, kw := range signatureKeywords {
		if strings.Contains(lower, kw) {
			return forms.SignatureArea
		}
	}
	if datePattern.MatchString(text) || label == LabelDate {
		return forms.DateField
	}
	if currencyPattern.MatchString(text) || label == LabelAmount {
		return forms.AmountField
	}
	return ""
}
