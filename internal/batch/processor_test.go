package batch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
	"github.com/gmsas95/donorscan/internal/forms"
)

type fakeDocs struct {
	mu       sync.Mutex
	seen     []forms.RawDocument
	inFlight atomic.Int32
	peak     atomic.Int32
	onCall   func(n int)
}

func (f *fakeDocs) Process(ctx context.Context, doc forms.RawDocument) ([]forms.ExtractedFormData, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}

	f.mu.Lock()
	f.seen = append(f.seen, doc)
	n := len(f.seen)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(n)
	}
	time.Sleep(5 * time.Millisecond)

	if doc.MimeType == "text/plain" {
		return nil, apperrors.Wrapf(apperrors.ErrUnsupportedFormat, nil, "%s", doc.MimeType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []forms.ExtractedFormData{
		{FormNumber: 1, Confidence: 0.9},
		{FormNumber: 2, Confidence: 0.5, Issues: []string{"Phone number is missing"}},
	}, nil
}

func writeFiles(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	var paths []string
	for _, name := range names {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("%PDF-1.7 "+name), 0644))
		paths = append(paths, p)
	}
	return paths
}

func unlimited(concurrency int) Config {
	return Config{MaxConcurrency: concurrency}
}

func TestProcessFiles(t *testing.T) {
	dir := t.TempDir()
	paths := writeFiles(t, dir, "a.pdf", "b.png", "c.jpg")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt.bin"), []byte("plain words"), 0644))
	paths = append(paths, filepath.Join(dir, "notes.txt.bin"), filepath.Join(dir, "missing.pdf"))

	items := make([]InputItem, len(paths))
	for i, p := range paths {
		items[i] = InputItem{ID: filepath.Base(p), Path: p}
	}

	docs := &fakeDocs{}
	result := NewProcessor(docs, unlimited(2), zap.NewNop()).ProcessFiles(context.Background(), items)

	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 3, result.Success)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, 6, result.Forms)
	assert.Equal(t, 3, result.NeedsReview)

	require.Len(t, result.Items, 5)
	for i, item := range result.Items {
		assert.Equal(t, items[i].ID, item.ID, "items keep input order")
	}
	assert.Contains(t, result.Items[3].Error, "unsupported")
	assert.NotEmpty(t, result.Items[4].Error)

	mimes := map[string]string{}
	for _, d := range docs.seen {
		mimes[d.FileName] = d.MimeType
	}
	assert.Equal(t, "application/pdf", mimes["a.pdf"])
	assert.Equal(t, "image/png", mimes["b.png"])
	assert.Equal(t, "image/jpeg", mimes["c.jpg"])
}

func TestProcessFiles_BoundedConcurrency(t *testing.T) {
	dir := t.TempDir()
	var items []InputItem
	for i, p := range writeFiles(t, dir, "1.pdf", "2.pdf", "3.pdf", "4.pdf", "5.pdf", "6.pdf") {
		items = append(items, InputItem{ID: string(rune('a' + i)), Path: p})
	}
	docs := &fakeDocs{}
	result := NewProcessor(docs, unlimited(2), zap.NewNop()).ProcessFiles(context.Background(), items)
	assert.Equal(t, 6, result.Success)
	assert.LessOrEqual(t, docs.peak.Load(), int32(2))
}

func TestProcessFiles_CancelStopsSubmitting(t *testing.T) {
	dir := t.TempDir()
	var items []InputItem
	for _, p := range writeFiles(t, dir, "1.pdf", "2.pdf", "3.pdf", "4.pdf", "5.pdf") {
		items = append(items, InputItem{ID: filepath.Base(p), Path: p})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	docs := &fakeDocs{onCall: func(n int) {
		if n == 1 {
			cancel()
			time.Sleep(20 * time.Millisecond)
		}
	}}

	result := NewProcessor(docs, unlimited(1), zap.NewNop()).ProcessFiles(ctx, items)
	assert.Equal(t, 1, result.Success, "the in-flight document finishes")
	assert.Equal(t, 4, result.Skipped)
	assert.Len(t, docs.seen, 1)
	assert.Equal(t, skipped, result.Items[4].Error)
}

func TestProcessFiles_RateLimited(t *testing.T) {
	dir := t.TempDir()
	var items []InputItem
	for _, p := range writeFiles(t, dir, "1.pdf", "2.pdf", "3.pdf") {
		items = append(items, InputItem{ID: filepath.Base(p), Path: p})
	}
	// 1200 rpm is one submission every 50ms after the first
	cfg := Config{MaxConcurrency: 3, RequestsPerMinute: 1200, Burst: 1}

	start := time.Now()
	result := NewProcessor(&fakeDocs{}, cfg, zap.NewNop()).ProcessFiles(context.Background(), items)
	assert.Equal(t, 3, result.Success)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestCollectInputs(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "b.pdf", "a.PNG", "skip.docx")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.pdf"), 0755))

	other := t.TempDir()
	extra := writeFiles(t, other, "x.jpeg")
	list := filepath.Join(other, "list.txt")
	require.NoError(t, os.WriteFile(list, []byte("# scans\nx.jpeg\n\n"+extra[0]+"\n"), 0644))

	items, err := CollectInputs([]string{dir, list})
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, filepath.Join(dir, "a.PNG"), items[0].Path)
	assert.Equal(t, filepath.Join(dir, "b.pdf"), items[1].Path)
	assert.Equal(t, extra[0], items[2].Path)
	assert.Equal(t, extra[0], items[3].Path)
	assert.Equal(t, "doc-1", items[0].ID)
	assert.Equal(t, "doc-4", items[3].ID)

	_, err = CollectInputs([]string{filepath.Join(dir, "nope")})
	assert.Error(t, err)
}

func TestSaveOutputFile(t *testing.T) {
	result := &Result{
		Total:   2,
		Success: 1,
		Failed:  1,
		Items: []OutputItem{
			{ID: "doc-1", Path: "a.pdf", Forms: 2, NeedsReview: 1, Success: true},
			{ID: "doc-2", Path: "b.txt", Error: "unsupported document format"},
		},
	}
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "out.json")
	require.NoError(t, SaveOutputFile(jsonPath, result))
	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var decoded Result
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 2, decoded.Total)
	assert.Equal(t, "doc-2", decoded.Items[1].ID)

	textPath := filepath.Join(dir, "out.log")
	require.NoError(t, SaveOutputFile(textPath, result))
	data, err = os.ReadFile(textPath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "=== doc-1 ==="))
	assert.Contains(t, string(data), "Error: unsupported document format")
}

func TestResultSummary(t *testing.T) {
	r := &Result{Total: 4, Success: 2, Failed: 1, Skipped: 1, Forms: 5, NeedsReview: 2}
	summary := r.Summary()
	assert.Contains(t, summary, "Total:        4")
	assert.Contains(t, summary, "Skipped:      1")
	assert.Contains(t, summary, "Needs review: 2")
}

func TestProgressTracker(t *testing.T) {
	p := &ProgressTracker{Total: 4, StartTime: time.Now().Add(-2 * time.Second)}
	assert.Equal(t, time.Duration(0), p.ETA())
	p.Increment()
	p.Increment()
	assert.Equal(t, 2, p.Completed())
	assert.InDelta(t, 50.0, p.Percent(), 1e-9)
	assert.InDelta(t, float64(2*time.Second), float64(p.ETA()), float64(200*time.Millisecond))
}

func TestLimiter_Unlimited(t *testing.T) {
	l := newLimiter(0, 0)
	assert.NoError(t, l.Wait(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(l.Wait(ctx), context.Canceled))
}
