package ocr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sunshineplan/imgconv"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
	"github.com/gmsas95/donorscan/internal/forms"
)

// Tesseract runs the tesseract binary, streaming a PNG on stdin and reading
// TSV from stdout.
type Tesseract struct {
	binaryPath string
	language   string
	timeout    time.Duration
}

// NewTesseract creates a tesseract engine. Empty values fall back to
// "tesseract" and "eng".
func NewTesseract(binaryPath, language string, timeout time.Duration) *Tesseract {
	if binaryPath == "" {
		binaryPath = "tesseract"
	}
	if language == "" {
		language = "eng"
	}
	return &Tesseract{
		binaryPath: binaryPath,
		language:   language,
		timeout:    timeout,
	}
}

// Available checks if tesseract is installed
func (t *Tesseract) Available() bool {
	_, err := exec.LookPath(t.binaryPath)
	return err == nil
}

func (t *Tesseract) Close() error { return nil }

// Recognize runs tesseract once. When the call outlives the engine's own
// timeout while the caller is still waiting, the result is ErrRecognition;
// the caller's own cancellation is returned unchanged.
func (t *Tesseract) Recognize(parent context.Context, img image.Image, opts Options) (*Result, error) {
	ctx := parent
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, t.timeout)
		defer cancel()
	}

	var input bytes.Buffer
	if err := imgconv.Write(&input, img, &imgconv.FormatOption{Format: imgconv.PNG}); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrRecognition, err, "encode image")
	}

	cmd := exec.CommandContext(ctx, t.binaryPath, t.args(opts)...)
	cmd.Stdin = &input
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		if err := parent.Err(); err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, apperrors.Wrapf(apperrors.ErrRecognition, ctx.Err(), "tesseract timed out after %s", t.timeout)
		}
		return nil, apperrors.Wrapf(apperrors.ErrRecognition, err, "tesseract failed: %s", strings.TrimSpace(stderr.String()))
	}

	return ParseTSV(stdout.Bytes())
}

func (t *Tesseract) args(opts Options) []string {
	lang := opts.Language
	if lang == "" {
		lang = t.language
	}
	psm := opts.PSM
	if psm == 0 {
		psm = PSMAuto
	}
	args := []string{"stdin", "stdout", "-l", lang, "--psm", strconv.Itoa(psm)}
	if opts.Whitelist != "" {
		args = append(args, "-c", "tessedit_char_whitelist="+opts.Whitelist)
	}
	return append(args, "tsv")
}

type lineKey struct {
	block, par, line int
}

// ParseTSV converts tesseract TSV output into a Result. Words keep their
// reading order; lines are rebuilt from block, paragraph and line numbers.
func ParseTSV(data []byte) (*Result, error) {
	res := &Result{}
	var (
		lines   []string
		current lineKey
		parts   []string
		sum     float64
		started bool
	)
	flush := func() {
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, " "))
		}
		parts = parts[:0]
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		cols := strings.Split(scanner.Text(), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}
		nums, err := atoiAll(cols[2], cols[3], cols[4], cols[6], cols[7], cols[8], cols[9])
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrRecognition, err, "malformed tsv row")
		}

		key := lineKey{block: nums[0], par: nums[1], line: nums[2]}
		if !started || key != current {
			flush()
			current = key
			started = true
		}
		parts = append(parts, text)
		sum += conf
		res.Words = append(res.Words, Word{
			Text:       text,
			Confidence: conf,
			Box:        forms.BoundingBox{X: nums[3], Y: nums[4], Width: nums[5], Height: nums[6]},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrRecognition, err, "read tsv")
	}
	flush()

	res.Text = strings.Join(lines, "\n")
	if len(res.Words) > 0 {
		res.Confidence = sum / float64(len(res.Words))
	}
	return res, nil
}

func atoiAll(values ...string) ([]int, error) {
	out := make([]int, len(values))
	for i, v := range values {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}
