// Package ocr provides text recognition over in-memory images.
package ocr

import (
	"context"
	"image"
	"strings"

	"github.com/gmsas95/donorscan/internal/forms"
)

// Page segmentation modes understood by tesseract.
const (
	PSMAuto       = 3
	PSMSingleLine = 7
	PSMSparseText = 11
)

// Character whitelists for constrained fields.
const (
	WhitelistAmount = "$0123456789.,"
	WhitelistDate   = "0123456789/-"
)

// Options configures a single recognition call.
type Options struct {
	PSM       int
	Whitelist string
	Language  string
}

// Word is one recognized word and where it was found.
type Word struct {
	Text       string
	Confidence float64 // 0-100
	Box        forms.BoundingBox
}

// Result is the output of a recognition call.
type Result struct {
	Text       string
	Confidence float64 // 0-100, mean of word confidences
	Words      []Word
}

// Engine recognizes text in images.
type Engine interface {
	Recognize(ctx context.Context, img image.Image, opts Options) (*Result, error)
	Available() bool
	Close() error
}

// ResultFromWords builds a Result whose text joins the words with spaces and
// whose confidence is their mean.
func ResultFromWords(words []Word) *Result {
	res := &Result{Words: words}
	if len(words) == 0 {
		return res
	}
	parts := make([]string, 0, len(words))
	var sum float64
	for _, w := range words {
		parts = append(parts, w.Text)
		sum += w.Confidence
	}
	res.Text = strings.Join(parts, " ")
	res.Confidence = sum / float64(len(words))
	return res
}
