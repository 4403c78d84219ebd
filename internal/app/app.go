// Package app wires configuration, the pipeline stages, the OCR engine pool
// and storage into one runnable application.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gmsas95/donorscan/internal/api"
	"github.com/gmsas95/donorscan/internal/batch"
	"github.com/gmsas95/donorscan/internal/config"
	"github.com/gmsas95/donorscan/internal/detect"
	"github.com/gmsas95/donorscan/internal/extract"
	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/metrics"
	"github.com/gmsas95/donorscan/internal/ocr"
	"github.com/gmsas95/donorscan/internal/pipeline"
	"github.com/gmsas95/donorscan/internal/preprocess"
	"github.com/gmsas95/donorscan/internal/raster"
	"github.com/gmsas95/donorscan/internal/segment"
	"github.com/gmsas95/donorscan/internal/store"
	"github.com/gmsas95/donorscan/internal/vision"
	"github.com/gmsas95/donorscan/internal/watch"
)

type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Engine   ocr.Engine
	Pipeline *pipeline.Pipeline
	Store    *store.Store
	Version  string

	rasterizer raster.Rasterizer
	backend    vision.Backend
	withStore  bool
	jobs       sync.WaitGroup
}

// Option overrides a collaborator New would otherwise build from config.
type Option func(*App)

// WithEngine uses e instead of a tesseract pool.
func WithEngine(e ocr.Engine) Option {
	return func(a *App) { a.Engine = e }
}

// WithRasterizer uses r instead of the configured rasterizer.
func WithRasterizer(r raster.Rasterizer) Option {
	return func(a *App) { a.rasterizer = r }
}

// WithoutStore skips opening the databases; documents are processed but
// not persisted.
func WithoutStore() Option {
	return func(a *App) { a.withStore = false }
}

// NewLogger builds the zap logger described by cfg.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func New(cfg *config.Config, logger *zap.Logger, version string, opts ...Option) (*App, error) {
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics.New(),
		Version:   version,
		withStore: true,
	}
	for _, opt := range opts {
		opt(a)
	}

	var err error
	if a.rasterizer == nil {
		a.rasterizer, err = raster.New(cfg.Pipeline.Rasterizer, cfg.Pipeline.PdftoppmPath)
		if err != nil {
			return nil, err
		}
	}
	a.backend, err = vision.New(cfg.Vision.Backend)
	if err != nil {
		return nil, err
	}
	if a.Engine == nil {
		a.Engine, err = NewEngine(cfg.OCR, logger)
		if err != nil {
			return nil, err
		}
	}

	a.Pipeline = a.buildPipeline()

	if a.withStore {
		a.Store, err = store.New(cfg)
		if err != nil {
			a.Engine.Close()
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}

	logger.Info("Application initialized",
		zap.String("version", version),
		zap.String("rasterizer", a.rasterizer.Name()),
		zap.String("vision", a.backend.Name()),
		zap.Bool("storage", a.Store != nil))
	return a, nil
}

// NewEngine builds a pool of tesseract engines behind a circuit breaker.
func NewEngine(cfg config.OCRConfig, logger *zap.Logger) (ocr.Engine, error) {
	pool, err := ocr.NewPool(cfg.PoolSize, func() (ocr.Engine, error) {
		return ocr.NewTesseract(cfg.Binary, cfg.Language, cfg.Timeout), nil
	})
	if err != nil {
		return nil, err
	}
	return ocr.WithBreaker(pool, cfg.Breaker, logger), nil
}

func (a *App) buildPipeline() *pipeline.Pipeline {
	cfg := a.Config.Pipeline

	pre := preprocess.New(preprocess.Config{
		DPI:             cfg.DPI,
		CanonicalWidth:  cfg.CanonicalWidth,
		CanonicalHeight: cfg.CanonicalHeight,
		Workers:         cfg.Workers,
	}, a.rasterizer, a.Logger, a.Metrics)

	detectCfg := detect.DefaultConfig()
	detectCfg.Workers = cfg.Workers

	return pipeline.New(
		pre,
		detect.New(detectCfg, a.backend, a.Engine, a.Logger, a.Metrics),
		segment.New(a.Logger, a.Metrics),
		extract.New(a.Engine, a.Logger, a.Metrics),
		a.Logger,
		a.Metrics,
	)
}

// Close waits for background documents and releases the engine and store.
func (a *App) Close() error {
	a.jobs.Wait()
	var errs []error
	if a.Engine != nil {
		errs = append(errs, a.Engine.Close())
	}
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// Run processes doc and, when storage is open, records it under source.
// The returned document is nil without storage.
func (a *App) Run(ctx context.Context, doc forms.RawDocument, source string) (*store.Document, []forms.ExtractedFormData, error) {
	if a.Store == nil {
		results, err := a.Pipeline.Process(ctx, doc)
		return nil, results, err
	}

	record := &store.Document{
		FileName:  doc.FileName,
		MimeType:  doc.MimeType,
		SizeBytes: int64(len(doc.Content)),
		Source:    source,
	}
	if err := a.Store.CreateDocument(ctx, record); err != nil {
		return nil, nil, err
	}
	results, err := a.process(ctx, record.ID, doc)
	return record, results, err
}

// Submit records doc and processes it in the background. The returned
// document is pending; poll the store for its outcome.
func (a *App) Submit(ctx context.Context, doc forms.RawDocument, source string) (*store.Document, error) {
	if a.Store == nil {
		return nil, errors.New("storage is not configured")
	}
	record := &store.Document{
		FileName:  doc.FileName,
		MimeType:  doc.MimeType,
		SizeBytes: int64(len(doc.Content)),
		Source:    source,
	}
	if err := a.Store.CreateDocument(ctx, record); err != nil {
		return nil, err
	}

	a.jobs.Add(1)
	go func() {
		defer a.jobs.Done()
		a.process(context.WithoutCancel(ctx), record.ID, doc)
	}()
	return record, nil
}

// Wait blocks until every submitted document has finished.
func (a *App) Wait() {
	a.jobs.Wait()
}

func (a *App) process(ctx context.Context, id string, doc forms.RawDocument) ([]forms.ExtractedFormData, error) {
	if err := a.Store.MarkProcessing(ctx, id); err != nil {
		return nil, err
	}

	results, err := a.Pipeline.Process(ctx, doc)
	if err != nil {
		if markErr := a.Store.MarkFailed(ctx, id, err); markErr != nil {
			a.Logger.Error("Failed to record document failure", zap.String("document", id), zap.Error(markErr))
		}
		return nil, err
	}
	if err := a.Store.SaveResults(ctx, id, results); err != nil {
		a.Logger.Error("Failed to save results", zap.String("document", id), zap.Error(err))
		return results, err
	}
	return results, nil
}

// Processor adapts Run to the batch runner, tagging documents with source.
func (a *App) Processor(source string) batch.DocumentProcessor {
	return sourceProcessor{app: a, source: source}
}

type sourceProcessor struct {
	app    *App
	source string
}

func (p sourceProcessor) Process(ctx context.Context, doc forms.RawDocument) ([]forms.ExtractedFormData, error) {
	_, results, err := p.app.Run(ctx, doc, p.source)
	return results, err
}

// Batch runs the given inputs with the configured concurrency and rate.
func (a *App) Batch(ctx context.Context, items []batch.InputItem) *batch.Result {
	cfg := batch.DefaultConfig()
	cfg.MaxConcurrency = a.Config.Batch.Concurrency
	cfg.RequestsPerMinute = a.Config.Batch.RequestsPerMinute
	cfg.Burst = a.Config.Batch.Burst
	return batch.NewProcessor(a.Processor("batch"), cfg, a.Logger).ProcessFiles(ctx, items)
}

// RunServer serves the HTTP API until SIGINT or SIGTERM.
func (a *App) RunServer() error {
	server := api.New(a.Config, a, a.Store, a.Pipeline, a.Logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	a.Logger.Info("Server started",
		zap.String("address", a.Config.ListenAddr()),
		zap.String("url", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	a.Logger.Info("Shutting down...")
	if err := server.Shutdown(); err != nil {
		a.Logger.Error("Server shutdown error", zap.Error(err))
		return err
	}
	return nil
}

// RunWatch processes new scans dropped into the inbox until ctx ends.
func (a *App) RunWatch(ctx context.Context) error {
	if a.Store == nil {
		return errors.New("storage is not configured")
	}
	w := watch.New(watch.DefaultConfig(a.Config.Watch.Inbox), a.Processor("watch"), a.Store, a.Logger)
	return w.Run(ctx)
}
