package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/payment"
)

// Payment methods.
const (
	MethodCash    = "Cash"
	MethodCheck   = "Check"
	MethodUnknown = "Unknown"
)

// CreditCardMethod names the card payment method for a brand.
func CreditCardMethod(cardType string) string {
	return fmt.Sprintf("Credit Card (%s)", cardType)
}

var (
	markPattern       = regexp.MustCompile(`(?:^|[^A-Za-z0-9])X(?:$|[^A-Za-z0-9])`)
	cardNumberLabel   = regexp.MustCompile(`(?i)(?:account[ \t]*no\.?|credit[ \t]*card[ \t]*number)[ \t]*[:#]?[ \t]*(\d(?:[ -]?\d){12,18})`)
	expiryPattern     = regexp.MustCompile(`(?i)(?:expires[ \t]*on|exp\.?[ \t]*date)[ \t]*:?[ \t]*(\d{1,2})[ \t]*/[ \t]*(\d{4}|\d{2})\b`)
	cvvPattern        = regexp.MustCompile(`(?i)(?:cvv|cvn|cvc|security[ \t]*code|verification[ \t]*code)[^\d\n]{0,10}(\d{3,4})\b`)
	cardholderPattern = regexp.MustCompile(`(?i)signature[ \t]*:?[ \t]*([A-Za-z][A-Za-z .'-]*[A-Za-z])`)
)

// DetectPayment works out how a donation was paid from form text. Cash needs
// a mark next to it; otherwise a mention of a check wins over card details.
func DetectPayment(text string) (string, forms.PaymentDetails) {
	var details forms.PaymentDetails
	lower := strings.ToLower(text)

	if strings.Contains(lower, "cash") && (strings.Contains(text, "✓") || markPattern.MatchString(text)) {
		return MethodCash, details
	}
	if strings.Contains(lower, "check") {
		return MethodCheck, details
	}

	cardType, _ := payment.DetectCardType(text)
	if cardType == "" {
		return MethodUnknown, details
	}

	details.CardType = cardType
	if m := cardNumberLabel.FindStringSubmatch(text); m != nil {
		details.CardNumber = payment.CleanNumber(m[1])
	} else {
		details.CardNumber = payment.FindCardNumber(text)
	}
	if m := expiryPattern.FindStringSubmatch(text); m != nil {
		details.ExpiryDate = normalizeExpiry(m[1], m[2])
	}
	if m := cvvPattern.FindStringSubmatch(text); m != nil {
		details.CVV = m[1]
	}
	if m := cardholderPattern.FindStringSubmatch(text); m != nil {
		details.CardholderName = strings.TrimSpace(m[1])
	}
	return CreditCardMethod(cardType), details
}

func normalizeExpiry(month, year string) string {
	if len(month) == 1 {
		month = "0" + month
	}
	if len(year) == 4 {
		year = year[2:]
	}
	return month + "/" + year
}
