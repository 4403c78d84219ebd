// Package watch feeds scans dropped into an inbox directory through the
// pipeline.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gmsas95/donorscan/internal/batch"
	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/preprocess"
	"github.com/gmsas95/donorscan/internal/security"
)

// Claimer records which file versions have been taken. ClaimFile returns
// false when path at modTime was already claimed.
type Claimer interface {
	ClaimFile(path string, modTime time.Time) (bool, error)
}

// Config holds watcher settings
type Config struct {
	Inbox string
	// Settle is how long a file must go without events before it is read.
	Settle        time.Duration
	MaxConcurrent int
	Timeout       time.Duration
}

func DefaultConfig(inbox string) Config {
	return Config{
		Inbox:         inbox,
		Settle:        time.Second,
		MaxConcurrent: 2,
		Timeout:       5 * time.Minute,
	}
}

// Watcher processes each new scan in the inbox once.
type Watcher struct {
	config Config
	docs   batch.DocumentProcessor
	claims Claimer
	logger *zap.Logger

	ready   chan struct{}
	pending map[string]time.Time
	sem     chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, docs batch.DocumentProcessor, claims Claimer, logger *zap.Logger) *Watcher {
	if cfg.Settle <= 0 {
		cfg.Settle = time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if abs, err := filepath.Abs(cfg.Inbox); err == nil {
		cfg.Inbox = abs
	}
	return &Watcher{
		config:  cfg,
		docs:    docs,
		claims:  claims,
		logger:  logger,
		ready:   make(chan struct{}),
		pending: make(map[string]time.Time),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Ready is closed once the inbox is watched and the files already in it
// have been dispatched.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches the inbox until ctx ends, then waits for documents in flight.
// Files already present when Run starts are picked up too.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.config.Inbox, 0755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.config.Inbox); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.config.Inbox, err)
	}

	w.logger.Info("Watching inbox", zap.String("inbox", w.config.Inbox))
	w.scanExisting(ctx)
	close(w.ready)

	ticker := time.NewTicker(w.config.Settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("Inbox watcher stopped")
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				w.wg.Wait()
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				if batch.Supported(event.Name) {
					w.pending[event.Name] = time.Now()
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				w.wg.Wait()
				return nil
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.config.Inbox)
	if err != nil {
		w.logger.Warn("Failed to list inbox", zap.Error(err))
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && batch.Supported(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.dispatch(ctx, filepath.Join(w.config.Inbox, name))
	}
}

// flush dispatches every pending file that has been quiet for Settle.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.config.Settle {
			ready = append(ready, path)
		}
	}
	sort.Strings(ready)
	for _, path := range ready {
		delete(w.pending, path)
		w.dispatch(ctx, path)
	}
}

func (w *Watcher) dispatch(ctx context.Context, path string) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.handle(context.WithoutCancel(ctx), path)
	}()
}

func (w *Watcher) handle(ctx context.Context, path string) {
	if _, err := security.ResolveInside(w.config.Inbox, path); err != nil {
		w.logger.Warn("Refusing scan outside inbox", zap.String("path", path), zap.Error(err))
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	claimed, err := w.claims.ClaimFile(path, info.ModTime())
	if err != nil {
		w.logger.Error("Failed to claim file", zap.String("path", path), zap.Error(err))
		return
	}
	if !claimed {
		w.logger.Debug("Already processed", zap.String("path", path))
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("Failed to read scan", zap.String("path", path), zap.Error(err))
		return
	}
	doc := forms.RawDocument{
		FileName: filepath.Base(path),
		Content:  content,
		MimeType: preprocess.DetectMIME(path, content),
	}

	if w.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	results, err := w.docs.Process(ctx, doc)
	if err != nil {
		w.logger.Error("Scan failed", zap.String("path", path), zap.Error(err))
		return
	}

	review := 0
	for _, r := range results {
		if r.NeedsReview() {
			review++
		}
	}
	w.logger.Info("Scan processed",
		zap.String("path", path),
		zap.Int("forms", len(results)),
		zap.Int("needs_review", review),
		zap.Duration("elapsed", time.Since(start)))
}
