package extract

import (
	"fmt"
	"math"
	"strings"

	"github.com/gmsas95/donorscan/internal/forms"
)

// ReviewThreshold is the confidence below which a form is flagged.
const ReviewThreshold = 0.8

const (
	IssueDonorName = "Donor name is missing or too short"
	IssueEmail     = "Invalid email format"
	IssuePhone     = "Phone number is missing"
	IssueAmount    = "Donation amount could not be determined"
)

// IssueLowConfidence formats the low-confidence issue.
func IssueLowConfidence(confidence float64) string {
	return fmt.Sprintf("Low confidence score: %d%%", int(math.Round(confidence*100)))
}

// IssueFieldFailed formats the issue for a field whose recognition failed.
func IssueFieldFailed(t forms.ElementType, fieldID string) string {
	return fmt.Sprintf("Failed to process %s field: %s", t, fieldID)
}

// IssueFormFailed formats the issue for a form that could not be extracted.
func IssueFormFailed(reason string) string {
	return "Form extraction failed: " + reason
}

// Validate lists the data-quality issues of an extracted field set.
func Validate(f forms.Fields, confidence float64) []string {
	var issues []string
	if len(strings.TrimSpace(f.DonorName)) < 2 {
		issues = append(issues, IssueDonorName)
	}
	if f.Email != "" && !ValidEmail(f.Email) {
		issues = append(issues, IssueEmail)
	}
	if strings.TrimSpace(f.Phone) == "" {
		issues = append(issues, IssuePhone)
	}
	if f.Amount <= 0 {
		issues = append(issues, IssueAmount)
	}
	if confidence < ReviewThreshold {
		issues = append(issues, IssueLowConfidence(confidence))
	}
	return issues
}

func dedupe(issues []string) []string {
	seen := make(map[string]bool, len(issues))
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		if seen[issue] {
			continue
		}
		seen[issue] = true
		out = append(out, issue)
	}
	return out
}
