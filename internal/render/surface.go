package render

import (
	"context"
	"errors"
	"fmt"
)

// Surface is the preview/export stage of the pipeline.
type Surface struct {
	sanitize bool
	exporter Exporter
}

// NewSurface creates a surface. exporter may be nil when PDF export is disabled.
func NewSurface(sanitize bool, exporter Exporter) *Surface {
	return &Surface{sanitize: sanitize, exporter: exporter}
}

// Sanitizing reports whether previews are passed through the allowlist.
func (s *Surface) Sanitizing() bool {
	return s.sanitize
}

// CanExport reports whether a PDF exporter is configured.
func (s *Surface) CanExport() bool {
	return s.exporter != nil
}

// Preview returns the markup that is shown to the user.
func (s *Surface) Preview(doc string) string {
	if !s.sanitize {
		return doc
	}
	return Sanitize(doc)
}

// ExportPDF converts a document into PDF bytes using the default page geometry.
// On failure the caller's copy of doc is untouched and nothing is retried.
func (s *Surface) ExportPDF(ctx context.Context, doc, title string) ([]byte, error) {
	if s.exporter == nil {
		return nil, fmt.Errorf("%w: export disabled", ErrExportFailed)
	}
	page, err := PrintDocument(s.Preview(doc), title)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExportFailed, err)
	}
	data, err := s.exporter.Export(ctx, page, DefaultPageOptions())
	if err != nil {
		if errors.Is(err, ErrExportFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrExportFailed, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: converter returned no data", ErrExportFailed)
	}
	return data, nil
}
