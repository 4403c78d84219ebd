// Package payment holds the card rules shared by the detector's OCR hinting
// and the extractor's payment parsing. Both sides must agree on a brand for
// the same digits, so the rule table lives here and nowhere else.
package payment

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	Visa            = "Visa"
	Mastercard      = "Mastercard"
	AmericanExpress = "American Express"
	Discover        = "Discover"
)

const (
	// KeywordConfidence is assigned when the brand name is printed or written on the form.
	KeywordConfidence = 0.9
	// PrefixConfidence is assigned when the brand is inferred from the card number.
	PrefixConfidence = 0.8
)

type binRule struct {
	brand  string
	digits int
	lo, hi int
}

// binRules is evaluated in order; the first match wins. The 1-digit 5 and 6
// rules cover the narrower Mastercard 51-55 and Discover 6011/622/644-649/65
// ranges.
var binRules = []binRule{
	{Visa, 1, 4, 4},
	{Mastercard, 1, 5, 5},
	{Mastercard, 4, 2221, 2720},
	{AmericanExpress, 2, 34, 34},
	{AmericanExpress, 2, 37, 37},
	{Discover, 1, 6, 6},
}

type keywordRule struct {
	brand    string
	keywords []string
	exclude  []string
}

// Visa excludes "discover" so that "Visa / Discover" check-one lists on
// blank forms don't read as Visa.
var keywordRules = []keywordRule{
	{brand: Visa, keywords: []string{"visa"}, exclude: []string{"discover"}},
	{brand: Mastercard, keywords: []string{"mastercard", "master", "m/c"}},
	{brand: AmericanExpress, keywords: []string{"american express", "amex", "am exp"}},
	{brand: Discover, keywords: []string{"discover"}},
}

var (
	nonDigit        = regexp.MustCompile(`\D`)
	cardNumberRegex = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)
)

// CleanNumber strips everything but digits.
func CleanNumber(s string) string {
	return nonDigit.ReplaceAllString(s, "")
}

// BrandForNumber maps a card number prefix to a network brand.
func BrandForNumber(number string) (string, bool) {
	digits := CleanNumber(number)
	for _, r := range binRules {
		if len(digits) < r.digits {
			continue
		}
		prefix, err := strconv.Atoi(digits[:r.digits])
		if err != nil {
			continue
		}
		if prefix >= r.lo && prefix <= r.hi {
			return r.brand, true
		}
	}
	return "", false
}

// BrandForKeywords looks for a printed brand name.
func BrandForKeywords(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, r := range keywordRules {
		if !containsAny(lower, r.keywords) || containsAny(lower, r.exclude) {
			continue
		}
		return r.brand, true
	}
	return "", false
}

// FindCardNumber returns the first run of 13 to 19 digits, separators allowed,
// with the separators removed.
func FindCardNumber(text string) string {
	m := cardNumberRegex.FindString(text)
	if m == "" {
		return ""
	}
	return CleanNumber(m)
}

// DetectCardType applies the keyword rules first, then falls back to the
// prefix of any card number found in text.
func DetectCardType(text string) (string, float64) {
	if brand, ok := BrandForKeywords(text); ok {
		return brand, KeywordConfidence
	}
	if number := FindCardNumber(text); number != "" {
		if brand, ok := BrandForNumber(number); ok {
			return brand, PrefixConfidence
		}
	}
	return "", 0
}

// ValidateCardNumber runs the Luhn checksum over a 13-19 digit number.
// Spaces and dashes are ignored; any other character fails validation.
func ValidateCardNumber(number string) bool {
	cleaned := strings.NewReplacer(" ", "", "-", "").Replace(number)
	if len(cleaned) < 13 || len(cleaned) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(cleaned) - 1; i >= 0; i-- {
		c := cleaned[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// FormatCardNumber groups digits for display: 4-6-5 for 15-digit American
// Express numbers, blocks of four otherwise.
func FormatCardNumber(number string) string {
	digits := CleanNumber(number)
	if len(digits) == 15 {
		if brand, _ := BrandForNumber(digits); brand == AmericanExpress {
			return digits[:4] + " " + digits[4:10] + " " + digits[10:]
		}
	}
	var groups []string
	for i := 0; i < len(digits); i += 4 {
		end := i + 4
		if end > len(digits) {
			end = len(digits)
		}
		groups = append(groups, digits[i:end])
	}
	return strings.Join(groups, " ")
}

// MaskCardNumber hides all but the last four digits. Groups are counted from
// the right so the visible suffix is never split.
func MaskCardNumber(number string) string {
	digits := CleanNumber(number)
	if len(digits) <= 4 {
		return digits
	}
	masked := strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]

	var groups []string
	for end := len(masked); end > 0; end -= 4 {
		start := end - 4
		if start < 0 {
			start = 0
		}
		groups = append([]string{masked[start:end]}, groups...)
	}
	return strings.Join(groups, " ")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
