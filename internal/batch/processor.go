// Package batch runs many documents through the pipeline with bounded
// concurrency and a submission rate limit.
package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/preprocess"
)

// DocumentProcessor turns one document into extracted forms.
type DocumentProcessor interface {
	Process(ctx context.Context, doc forms.RawDocument) ([]forms.ExtractedFormData, error)
}

// Processor runs documents through a DocumentProcessor.
type Processor struct {
	docs    DocumentProcessor
	config  Config
	limiter *limiter
	logger  *zap.Logger
}

type Config struct {
	MaxConcurrency int
	// RequestsPerMinute caps document submissions; 0 is unlimited.
	RequestsPerMinute int
	Burst             int
	Timeout           time.Duration
}

type InputItem struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type OutputItem struct {
	ID           string                    `json:"id"`
	Path         string                    `json:"path"`
	Forms        int                       `json:"forms"`
	NeedsReview  int                       `json:"needs_review"`
	Results      []forms.ExtractedFormData `json:"results,omitempty"`
	ResponseTime time.Duration             `json:"response_time"`
	Success      bool                      `json:"success"`
	Error        string                    `json:"error,omitempty"`
	Timestamp    time.Time                 `json:"timestamp"`
}

// skipped marks items that were never submitted.
const skipped = "skipped"

type Result struct {
	Total       int
	Success     int
	Failed      int
	Skipped     int
	Forms       int
	NeedsReview int
	Duration    time.Duration
	Items       []OutputItem
	StartTime   time.Time
	EndTime     time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency:    2,
		RequestsPerMinute: 60,
		Burst:             5,
		Timeout:           5 * time.Minute,
	}
}

func NewProcessor(docs DocumentProcessor, cfg Config, logger *zap.Logger) *Processor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Processor{
		docs:    docs,
		config:  cfg,
		limiter: newLimiter(cfg.RequestsPerMinute, cfg.Burst),
		logger:  logger,
	}
}

// ProcessFiles runs every input through the pipeline. Once ctx is done no
// further document is submitted; documents already running finish and keep
// their results.
func (p *Processor) ProcessFiles(ctx context.Context, items []InputItem) *Result {
	startTime := time.Now()
	result := &Result{
		Total:     len(items),
		StartTime: startTime,
		Items:     make([]OutputItem, len(items)),
	}

	concurrency := p.config.MaxConcurrency
	if concurrency > len(items) {
		concurrency = len(items)
	}

	p.logger.Info("Starting batch",
		zap.Int("total_items", len(items)),
		zap.Int("concurrency", concurrency),
		zap.Int("rpm_limit", p.config.RequestsPerMinute))

	progress := &ProgressTracker{Total: len(items), StartTime: startTime}
	indexes := make(chan int)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexes {
				result.Items[idx] = p.processItem(context.WithoutCancel(ctx), items[idx])
				progress.Increment()
				if n := progress.Completed(); n%25 == 0 {
					p.logger.Info("Batch progress",
						zap.Int("completed", n),
						zap.Int("total", progress.Total),
						zap.Float64("percent", progress.Percent()),
						zap.Duration("eta", progress.ETA()))
				}
			}
		}()
	}

	submitted := 0
feed:
	for ; submitted < len(items); submitted++ {
		if ctx.Err() != nil {
			break
		}
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}
		select {
		case indexes <- submitted:
		case <-ctx.Done():
			break feed
		}
	}
	close(indexes)
	wg.Wait()

	for i := submitted; i < len(items); i++ {
		result.Items[i] = OutputItem{
			ID:        items[i].ID,
			Path:      items[i].Path,
			Error:     skipped,
			Timestamp: time.Now(),
		}
	}
	if submitted < len(items) {
		p.logger.Warn("Batch cancelled, remaining documents not submitted",
			zap.Int("submitted", submitted),
			zap.Int("remaining", len(items)-submitted))
	}

	for _, out := range result.Items {
		switch {
		case out.Success:
			result.Success++
			result.Forms += out.Forms
			result.NeedsReview += out.NeedsReview
		case out.Error == skipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	p.logger.Info("Batch complete",
		zap.Int("total", result.Total),
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int("forms", result.Forms),
		zap.Duration("duration", result.Duration))
	return result
}

func (p *Processor) processItem(ctx context.Context, item InputItem) OutputItem {
	output := OutputItem{
		ID:        item.ID,
		Path:      item.Path,
		Timestamp: time.Now(),
	}

	content, err := os.ReadFile(item.Path)
	if err != nil {
		output.Error = err.Error()
		return output
	}
	doc := forms.RawDocument{
		FileName: filepath.Base(item.Path),
		Content:  content,
		MimeType: preprocess.DetectMIME(item.Path, content),
	}

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	results, err := p.docs.Process(ctx, doc)
	output.ResponseTime = time.Since(start)
	if err != nil {
		p.logger.Warn("Document failed", zap.String("path", item.Path), zap.Error(err))
		output.Error = err.Error()
		return output
	}

	output.Results = results
	output.Forms = len(results)
	for _, r := range results {
		if r.NeedsReview() {
			output.NeedsReview++
		}
	}
	output.Success = true
	return output
}

var supportedExt = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// Supported reports whether a path has a scan extension.
func Supported(path string) bool {
	return supportedExt[strings.ToLower(filepath.Ext(path))]
}

// CollectInputs expands the given paths into input items. Directories
// contribute their scans in name order; a .txt file lists one path per line.
func CollectInputs(paths []string) ([]InputItem, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		switch {
		case info.IsDir():
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, err
			}
			var found []string
			for _, e := range entries {
				if !e.IsDir() && Supported(e.Name()) {
					found = append(found, filepath.Join(path, e.Name()))
				}
			}
			sort.Strings(found)
			files = append(files, found...)
		case strings.EqualFold(filepath.Ext(path), ".txt"):
			listed, err := loadListFile(path)
			if err != nil {
				return nil, err
			}
			files = append(files, listed...)
		default:
			files = append(files, path)
		}
	}

	items := make([]InputItem, len(files))
	for i, f := range files {
		items[i] = InputItem{ID: fmt.Sprintf("doc-%d", i+1), Path: f}
	}
	return items, nil
}

func loadListFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	base := filepath.Dir(path)
	var paths []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(base, line)
		}
		paths = append(paths, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return paths, nil
}

// SaveOutputFile writes the result as JSON for .json paths and as a plain
// report otherwise.
func SaveOutputFile(path string, result *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		encoder := json.NewEncoder(file)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	for _, item := range result.Items {
		fmt.Fprintf(file, "=== %s ===\n", item.ID)
		fmt.Fprintf(file, "File: %s\n", item.Path)
		if item.Error != "" {
			fmt.Fprintf(file, "Error: %s\n", item.Error)
		}
		fmt.Fprintf(file, "Forms: %d | Needs review: %d | Time: %v\n\n", item.Forms, item.NeedsReview, item.ResponseTime)
	}
	return nil
}

func (r *Result) Summary() string {
	var sb strings.Builder
	sb.WriteString("=== Batch Processing Summary ===\n")
	sb.WriteString(fmt.Sprintf("Total:        %d\n", r.Total))
	sb.WriteString(fmt.Sprintf("Success:      %d\n", r.Success))
	sb.WriteString(fmt.Sprintf("Failed:       %d\n", r.Failed))
	sb.WriteString(fmt.Sprintf("Skipped:      %d\n", r.Skipped))
	sb.WriteString(fmt.Sprintf("Forms:        %d\n", r.Forms))
	sb.WriteString(fmt.Sprintf("Needs review: %d\n", r.NeedsReview))
	sb.WriteString(fmt.Sprintf("Duration:     %v\n", r.Duration))
	return sb.String()
}

func (r *Result) ToJSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
