package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/sync/semaphore"
)

// ErrExportFailed wraps every PDF conversion failure.
var ErrExportFailed = errors.New("pdf export failed")

// PageOptions is the page geometry handed to the converter.
type PageOptions struct {
	WidthIn     float64
	HeightIn    float64
	MarginIn    float64
	Landscape   bool
	RasterScale float64 // device pixel ratio used while laying out
}

// DefaultPageOptions returns A4 portrait with half-inch margins at 2x scale.
func DefaultPageOptions() PageOptions {
	return PageOptions{
		WidthIn:     8.27,
		HeightIn:    11.69,
		MarginIn:    0.5,
		RasterScale: 2,
	}
}

// Exporter converts a printable HTML page into PDF bytes.
type Exporter interface {
	Export(ctx context.Context, page string, opts PageOptions) ([]byte, error)
}

// RodConfig configures the headless Chrome exporter.
type RodConfig struct {
	ChromeBin     string
	MaxConcurrent int64
}

// RodExporter renders PDFs in a shared headless Chrome. The browser is
// launched on first use; a failed launch is retried on the next export.
type RodExporter struct {
	cfg    RodConfig
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewRodExporter creates an exporter without starting Chrome.
func NewRodExporter(cfg RodConfig, logger *slog.Logger) *RodExporter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RodExporter{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: logger,
	}
}

var _ Exporter = (*RodExporter)(nil)

func (e *RodExporter) connect() (*rod.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browser != nil {
		return e.browser, nil
	}

	l := launcher.New().Headless(true).Leakless(false)
	if e.cfg.ChromeBin != "" {
		l = l.Bin(e.cfg.ChromeBin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	e.logger.Info("Headless Chrome started for PDF export", "control_url", controlURL)
	e.launcher = l
	e.browser = browser
	return browser, nil
}

// Export renders page with the given geometry.
func (e *RodExporter) Export(ctx context.Context, page string, opts PageOptions) ([]byte, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExportFailed, err)
	}
	defer e.sem.Release(1)

	browser, err := e.connect()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExportFailed, err)
	}

	p, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("%w: open page: %w", ErrExportFailed, err)
	}
	defer func() {
		if closeErr := p.Close(); closeErr != nil {
			e.logger.Debug("failed to close export page", "error", closeErr)
		}
	}()
	p = p.Context(ctx)

	if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             int(opts.WidthIn * 96),
		Height:            int(opts.HeightIn * 96),
		DeviceScaleFactor: opts.RasterScale,
	}); err != nil {
		return nil, fmt.Errorf("%w: set viewport: %w", ErrExportFailed, err)
	}
	if err := p.SetDocumentContent(page); err != nil {
		return nil, fmt.Errorf("%w: load document: %w", ErrExportFailed, err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("%w: wait for load: %w", ErrExportFailed, err)
	}

	width, height, margin := opts.WidthIn, opts.HeightIn, opts.MarginIn
	stream, err := p.PDF(&proto.PagePrintToPDF{
		Landscape:       opts.Landscape,
		PrintBackground: true,
		PaperWidth:      &width,
		PaperHeight:     &height,
		MarginTop:       &margin,
		MarginBottom:    &margin,
		MarginLeft:      &margin,
		MarginRight:     &margin,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: print: %w", ErrExportFailed, err)
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: read pdf stream: %w", ErrExportFailed, err)
	}
	return data, nil
}

// Close shuts the browser down.
func (e *RodExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browser == nil {
		return nil
	}
	err := e.browser.Close()
	e.launcher.Kill()
	e.browser = nil
	e.launcher = nil
	if err != nil {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}
