// Package cli implements the donorscan subcommands.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gmsas95/donorscan/internal/api"
	"github.com/gmsas95/donorscan/internal/app"
	"github.com/gmsas95/donorscan/internal/batch"
	"github.com/gmsas95/donorscan/internal/config"
	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/ocr"
	"github.com/gmsas95/donorscan/internal/preprocess"
	"github.com/gmsas95/donorscan/internal/raster"
	"github.com/gmsas95/donorscan/internal/store"
	"github.com/gmsas95/donorscan/internal/vision"
)

var Version = "dev"

// Globals are the flags shared by every subcommand.
type Globals struct {
	ConfigPath string
	DataDir    string
}

func (g Globals) load() (*config.Config, error) {
	return config.Load(g.ConfigPath, g.DataDir)
}

func (g Globals) app(cfg *config.Config, opts ...app.Option) (*app.App, error) {
	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, logger, Version, opts...)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// RunProcess extracts the forms from each file and prints them.
func RunProcess(g Globals, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	noStore := fs.Bool("no-store", false, "Do not record documents in the database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: donorscan process [-no-store] <file>...")
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	var opts []app.Option
	if *noStore {
		opts = append(opts, app.WithoutStore())
	}
	a, err := g.app(cfg, opts...)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.Logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	renderer := NewRenderer(stdout)
	var errs []error
	for _, path := range fs.Args() {
		content, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		doc := forms.RawDocument{
			FileName: filepath.Base(path),
			Content:  content,
			MimeType: preprocess.DetectMIME(path, content),
		}
		record, results, err := a.Run(ctx, doc, "cli")
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		id := ""
		if record != nil {
			id = record.ID
		}
		if err := renderer.Document(path, id, results); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

// RunBatch processes every scan named by args, which may be files,
// directories or .txt lists of paths.
func RunBatch(g Globals, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	output := fs.String("o", "", "Write results to this file (.json for JSON)")
	concurrency := fs.Int("c", 0, "Documents processed at once")
	rpm := fs.Int("rpm", -1, "Document submissions per minute (0 for unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: donorscan batch [-o out.json] [-c n] [-rpm n] <path>...")
	}

	items, err := batch.CollectInputs(fs.Args())
	if err != nil {
		return err
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	if *concurrency > 0 {
		cfg.Batch.Concurrency = *concurrency
	}
	if *rpm >= 0 {
		cfg.Batch.RequestsPerMinute = *rpm
	}
	a, err := g.app(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.Logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	result := a.Batch(ctx, items)
	if *output != "" {
		if err := batch.SaveOutputFile(*output, result); err != nil {
			return fmt.Errorf("failed to save results: %w", err)
		}
		a.Logger.Info("Results saved", zap.String("path", *output))
	}
	if err := NewRenderer(stdout).Batch(result); err != nil {
		return err
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d document(s) failed", result.Failed, result.Total)
	}
	return nil
}

// RunServe serves the HTTP API until interrupted.
func RunServe(g Globals, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	port := fs.Int("port", 0, "Listen port")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	a, err := g.app(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.Logger.Sync()

	api.Version = Version
	if !a.Pipeline.Validate() {
		a.Logger.Warn("Pipeline self-check failed, health endpoint will report degraded")
	}
	return a.RunServer()
}

// RunWatch processes scans dropped into the inbox until interrupted.
func RunWatch(g Globals, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	inbox := fs.String("inbox", "", "Directory to watch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	if *inbox != "" {
		cfg.Watch.Inbox = *inbox
	}
	a, err := g.app(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.Logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()
	return a.RunWatch(ctx)
}

// RunConfig prints the effective configuration as YAML.
func RunConfig(g Globals, stdout io.Writer) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = stdout.Write(data)
	return err
}

// RunDoctor checks the configuration and external tools and returns the
// number of problems found.
func RunDoctor(g Globals, stdout io.Writer) int {
	fmt.Fprintln(stdout, "donorscan diagnostics")
	fmt.Fprintln(stdout, "=====================")
	fmt.Fprintln(stdout)

	issues := 0
	check := func(ok bool, name, detail string) {
		if ok {
			fmt.Fprintf(stdout, "✅ %s: %s\n", name, detail)
			return
		}
		fmt.Fprintf(stdout, "❌ %s: %s\n", name, detail)
		issues++
	}

	cfg, err := g.load()
	if err != nil {
		check(false, "Config", err.Error())
		return issues
	}
	check(true, "Config", "loaded")

	if _, err := os.Stat(cfg.DataDir); err != nil {
		check(false, "Data directory", err.Error())
	} else {
		check(true, "Data directory", cfg.DataDir)
	}

	tess := ocr.NewTesseract(cfg.OCR.Binary, cfg.OCR.Language, cfg.OCR.Timeout)
	check(tess.Available(), "Tesseract", cfg.OCR.Binary)

	if cfg.Pipeline.Rasterizer == "pdftoppm" {
		check(raster.NewPdftoppm(cfg.Pipeline.PdftoppmPath).Available(), "pdftoppm", cfg.Pipeline.PdftoppmPath)
	} else {
		check(true, "Rasterizer", cfg.Pipeline.Rasterizer)
	}

	backend, err := vision.New(cfg.Vision.Backend)
	if err == nil {
		err = backend.Init()
		backend.Close()
	}
	if err != nil {
		check(false, "Vision backend", err.Error())
	} else {
		check(true, "Vision backend", cfg.Vision.Backend)
	}

	st, err := store.New(cfg)
	if err != nil {
		check(false, "Storage", err.Error())
	} else {
		st.Close()
		check(true, "Storage", cfg.Storage.SQLitePath)
	}

	fmt.Fprintln(stdout)
	if issues == 0 {
		fmt.Fprintln(stdout, "✅ All checks passed!")
	} else {
		fmt.Fprintf(stdout, "⚠️  Found %d issue(s).\n", issues)
	}
	return issues
}

func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, `donorscan - extract donation records from scanned forms

Usage:
  donorscan [-config file] [-data dir] <command> [flags] [args]

Commands:
  process <file>...   Extract forms from PDFs or images and print them
  batch <path>...     Process files, directories or .txt lists concurrently
  serve               Run the HTTP upload API
  watch               Process scans dropped into the inbox directory
  doctor              Check configuration and external tools
  config              Print the effective configuration as YAML
  version             Print the version`)
}
