package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gmsas95/donorscan/internal/forms"
)

// Donations outside this band are read as noise such as page numbers or
// phone fragments.
const (
	MinAmount = 25
	MaxAmount = 25000
)

var (
	amountPattern       = regexp.MustCompile(`\$\s*(\d{1,3}(?:,\d{3})+(?:\.\d{2})?|\d+(?:\.\d{2})?)`)
	segmentDatePattern  = regexp.MustCompile(`(\d{1,2})[/-](\d{1,2})[/-](\d{4})`)
	fallbackDatePattern = regexp.MustCompile(`(?i)date[ \t]*:[ \t]*(\d{1,2})/(\d{1,2})/(\d{4})`)
	emailShape          = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	emailPattern        = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern        = regexp.MustCompile(`\(\d{3}\)\s*\d{3}-\d{4}`)
	firstNamePattern    = regexp.MustCompile(`(?i)first[ \t]*name[ \t]*:?[ \t]*([A-Za-z][A-Za-z'-]*)`)
	lastNamePattern     = regexp.MustCompile(`(?i)last[ \t]*name[ \t]*:?[ \t]*([A-Za-z][A-Za-z'-]*)`)
	titledNamePattern   = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Miss|Dr)\.?[ \t]+[A-Z][a-zA-Z'-]+(?:[ \t]+[A-Z][a-zA-Z'-]+)+`)
	addressPattern      = regexp.MustCompile(`(?im)^[ \t]*(?:street[ \t]+)?address[ \t]*:?[ \t]*([^\n]+)`)
	cityPattern         = regexp.MustCompile(`(?im)^[ \t]*city(?:[ \t]*[,/]?[ \t]*state)?(?:[ \t]*[,/]?[ \t]*zip)?[ \t]*:[ \t]*([^\n]+)`)
	fieldLabelPattern   = regexp.MustCompile(`(?i)^[a-z][a-z \t-]{0,24}:[ \t]*`)
)

// ExtractAmount returns the first $-prefixed amount inside the accepted band,
// or 0 when there is none. An amount whose digits run on past the match,
// such as "$1,0000" or "$100.5", is malformed and skipped.
func ExtractAmount(text string) float64 {
	for _, m := range amountPattern.FindAllStringSubmatchIndex(text, -1) {
		if runsOn(text, m[1]) {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(text[m[2]:m[3]], ",", ""), 64)
		if err != nil {
			continue
		}
		if v >= MinAmount && v <= MaxAmount {
			return v
		}
	}
	return 0
}

// runsOn reports whether the number ending at end continues with a digit,
// directly or after a separator.
func runsOn(text string, end int) bool {
	isDigit := func(i int) bool { return i < len(text) && text[i] >= '0' && text[i] <= '9' }
	if isDigit(end) {
		return true
	}
	return end < len(text) && (text[end] == ',' || text[end] == '.') && isDigit(end+1)
}

// ParseSegmentDate reads MM/DD/YYYY or MM-DD-YYYY as YYYY-MM-DD.
func ParseSegmentDate(text string) string {
	m := segmentDatePattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return isoDate(m[3], m[1], m[2])
}

// ParseFallbackDate reads "Date: DD/MM/YYYY" as YYYY-MM-DD. The day comes
// first here, unlike ParseSegmentDate.
func ParseFallbackDate(text string) string {
	m := fallbackDatePattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return isoDate(m[3], m[2], m[1])
}

func isoDate(year, month, day string) string {
	mm, err1 := strconv.Atoi(month)
	dd, err2 := strconv.Atoi(day)
	if err1 != nil || err2 != nil || mm < 1 || mm > 12 || dd < 1 || dd > 31 {
		return ""
	}
	return fmt.Sprintf("%s-%02d-%02d", year, mm, dd)
}

// ValidEmail reports whether s has the local@domain.tld shape.
func ValidEmail(s string) bool {
	return emailShape.MatchString(s)
}

// stripLabel drops a leading "Label:" picked up with the field content.
func stripLabel(text string) string {
	return strings.TrimSpace(fieldLabelPattern.ReplaceAllString(strings.TrimSpace(text), ""))
}

// ParseFormText reads donation fields from the text of a whole form.
func ParseFormText(text string) forms.Fields {
	var f forms.Fields

	first := firstNamePattern.FindStringSubmatch(text)
	last := lastNamePattern.FindStringSubmatch(text)
	switch {
	case first != nil && last != nil:
		f.DonorName = first[1] + " " + last[1]
	case titledNamePattern.MatchString(text):
		f.DonorName = titledNamePattern.FindString(text)
	case first != nil:
		f.DonorName = first[1]
	}

	f.Email = emailPattern.FindString(text)
	f.Phone = phonePattern.FindString(text)

	if m := addressPattern.FindStringSubmatch(text); m != nil {
		f.Address = strings.TrimSpace(m[1])
		if c := cityPattern.FindStringSubmatch(text); c != nil {
			if city := strings.TrimSpace(c[1]); city != "" {
				f.Address += ", " + city
			}
		}
	}

	f.Amount = ExtractAmount(text)

	lower := strings.ToLower(text)
	f.Recurring = strings.Contains(lower, "monthly") && !strings.Contains(lower, "one time")
	f.Date = ParseFallbackDate(text)
	return f
}
