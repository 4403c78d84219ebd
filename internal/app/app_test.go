package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gmsas95/donorscan/internal/batch"
	"github.com/gmsas95/donorscan/internal/config"
	apperrors "github.com/gmsas95/donorscan/internal/errors"
	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/ocr"
	"github.com/gmsas95/donorscan/internal/store"
)

func blankPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 600, 800))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Pipeline.CanonicalWidth = 600
	cfg.Pipeline.CanonicalHeight = 800
	return cfg
}

func newApp(t *testing.T, engine ocr.Engine, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithEngine(engine)}, opts...)
	a, err := New(testConfig(t), zap.NewNop(), "test", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = NewLogger(config.LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	_, err = NewLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestNew_RejectsUnknownRasterizer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Rasterizer = "ghostscript"
	_, err := New(cfg, zap.NewNop(), "test", WithEngine(ocr.NewScriptedEngine(nil)), WithoutStore())
	assert.True(t, errors.Is(err, apperrors.ErrConfigInvalid))
}

func TestRun_StoresBlankPage(t *testing.T) {
	a := newApp(t, ocr.NewScriptedEngine(nil))
	ctx := context.Background()

	record, results, err := a.Run(ctx, forms.RawDocument{
		FileName: "blank.png", MimeType: "image/png", Content: blankPNG(t),
	}, "cli")
	require.NoError(t, err)
	assert.Empty(t, results)
	require.NotNil(t, record)

	got, err := a.Store.GetDocument(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, "cli", got.Source)
	assert.Equal(t, 0, got.FormCount)
	assert.True(t, a.Pipeline.Validate())
}

func TestRun_FailureIsRecorded(t *testing.T) {
	a := newApp(t, ocr.NewScriptedEngine(nil))
	ctx := context.Background()

	record, _, err := a.Run(ctx, forms.RawDocument{FileName: "notes.txt", MimeType: "text/plain"}, "cli")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUnsupportedFormat))

	got, err := a.Store.GetDocument(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "unsupported document format")
	assert.Equal(t, int64(1), a.Metrics.Snapshot().DocumentsFailed)
}

func TestRun_WithoutStore(t *testing.T) {
	a := newApp(t, ocr.NewScriptedEngine(nil), WithoutStore())
	record, results, err := a.Run(context.Background(), forms.RawDocument{
		FileName: "blank.png", MimeType: "image/png", Content: blankPNG(t),
	}, "cli")
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.Empty(t, results)

	_, err = a.Submit(context.Background(), forms.RawDocument{}, "api")
	assert.Error(t, err)
}

func TestRun_EngineUnavailable(t *testing.T) {
	engine := ocr.NewScriptedEngine(nil)
	engine.SetUnavailable()
	a := newApp(t, engine)

	record, _, err := a.Run(context.Background(), forms.RawDocument{
		FileName: "blank.png", MimeType: "image/png", Content: blankPNG(t),
	}, "api")
	assert.True(t, errors.Is(err, apperrors.ErrEngineInit))
	got, getErr := a.Store.GetDocument(context.Background(), record.ID)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.False(t, a.Pipeline.Validate())
}

func TestSubmit(t *testing.T) {
	a := newApp(t, ocr.NewScriptedEngine(nil))
	ctx, cancel := context.WithCancel(context.Background())

	record, err := a.Submit(ctx, forms.RawDocument{
		FileName: "blank.png", MimeType: "image/png", Content: blankPNG(t),
	}, "api")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, record.Status)
	// the request ending does not stop background processing
	cancel()
	a.Wait()

	got, err := a.Store.GetDocument(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

func TestBatch(t *testing.T) {
	a := newApp(t, ocr.NewScriptedEngine(nil))
	a.Config.Batch.RequestsPerMinute = 0

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), blankPNG(t), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), blankPNG(t), 0644))
	items, err := batch.CollectInputs([]string{dir})
	require.NoError(t, err)

	result := a.Batch(context.Background(), items)
	assert.Equal(t, 2, result.Success)

	docs, err := a.Store.ListDocuments(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, "batch", d.Source)
		assert.Equal(t, store.StatusCompleted, d.Status)
	}
}
