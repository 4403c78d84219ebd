package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/gmsas95/donorscan/internal/batch"
	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/store"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(16)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	reviewStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	issueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Renderer prints reports as styled text on a terminal and as JSON
// anywhere else. Card numbers are always masked.
type Renderer struct {
	out    io.Writer
	styled bool
}

// NewRenderer styles output only when out is a terminal.
func NewRenderer(out io.Writer) *Renderer {
	styled := false
	if f, ok := out.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &Renderer{out: out, styled: styled}
}

type documentReport struct {
	File    string                    `json:"file"`
	ID      string                    `json:"id,omitempty"`
	Results []forms.ExtractedFormData `json:"results"`
}

// Document renders the forms extracted from one file.
func (r *Renderer) Document(file, id string, results []forms.ExtractedFormData) error {
	results = store.Redact(results)
	if !r.styled {
		return r.json(documentReport{File: file, ID: id, Results: results})
	}

	fmt.Fprintln(r.out, titleStyle.Render(fmt.Sprintf("%s: %d form(s)", file, len(results))))
	if len(results) == 0 {
		fmt.Fprintln(r.out, labelStyle.Render("no forms detected"))
		return nil
	}
	for _, res := range results {
		fmt.Fprintln(r.out, boxStyle.Render(formCard(res)))
	}
	return nil
}

func formCard(res forms.ExtractedFormData) string {
	var sb strings.Builder
	status := okStyle.Render("ok")
	if res.NeedsReview() {
		status = reviewStyle.Render("needs review")
	}
	sb.WriteString(fmt.Sprintf("Form %d  %s  %.0f%%\n", res.FormNumber, status, res.Confidence*100))

	f := res.Fields
	rows := [][2]string{
		{"Donor", f.DonorName},
		{"Email", f.Email},
		{"Phone", f.Phone},
		{"Address", f.Address},
		{"Amount", formatAmount(f.Amount)},
		{"Payment", f.PaymentMethod},
		{"Card", strings.TrimSpace(f.PaymentDetails.CardType + " " + f.PaymentDetails.CardNumber)},
		{"Expiry", f.PaymentDetails.ExpiryDate},
		{"Date", f.Date},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		sb.WriteString(labelStyle.Render(row[0]) + row[1] + "\n")
	}
	if f.Recurring {
		sb.WriteString(labelStyle.Render("Recurring") + "yes\n")
	}
	if f.Anonymous {
		sb.WriteString(labelStyle.Render("Anonymous") + "yes\n")
	}
	for _, issue := range res.Issues {
		sb.WriteString(issueStyle.Render("! "+issue) + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatAmount(amount float64) string {
	if amount <= 0 {
		return ""
	}
	return fmt.Sprintf("$%.2f", amount)
}

// Batch renders a batch summary. Per-document results are left out of the
// styled view.
func (r *Renderer) Batch(result *batch.Result) error {
	if !r.styled {
		redacted := *result
		redacted.Items = make([]batch.OutputItem, len(result.Items))
		for i, item := range result.Items {
			item.Results = store.Redact(item.Results)
			redacted.Items[i] = item
		}
		return r.json(redacted)
	}

	fmt.Fprintln(r.out, boxStyle.Render(strings.TrimRight(result.Summary(), "\n")))
	for _, item := range result.Items {
		switch {
		case item.Success && item.NeedsReview > 0:
			fmt.Fprintf(r.out, "%s %s (%d/%d forms need review)\n", reviewStyle.Render("~"), item.Path, item.NeedsReview, item.Forms)
		case item.Success:
			fmt.Fprintf(r.out, "%s %s (%d forms)\n", okStyle.Render("✓"), item.Path, item.Forms)
		default:
			fmt.Fprintf(r.out, "%s %s: %s\n", issueStyle.Render("✗"), item.Path, item.Error)
		}
	}
	return nil
}

func (r *Renderer) json(v interface{}) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
