// Package pipeline runs a request through prompt assembly, generation,
// normalization and preview, and keeps the result for its owner.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/lexigen/internal/category"
	"github.com/ashureev/lexigen/internal/domain"
	"github.com/ashureev/lexigen/internal/generation"
	"github.com/ashureev/lexigen/internal/normalize"
	"github.com/ashureev/lexigen/internal/prompt"
	"github.com/ashureev/lexigen/internal/render"
	"github.com/ashureev/lexigen/internal/session"
	"github.com/google/uuid"
)

var (
	// ErrUnknownCategory is returned for a category key the registry does not know.
	ErrUnknownCategory = errors.New("unknown document category")
	// ErrEmptyMessage is returned for a blank chat message.
	ErrEmptyMessage = errors.New("message is empty")
)

// DocumentStore is the subset of the repository the pipeline needs.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *domain.Document) error
	GetDocument(ctx context.Context, userID, documentID string) (*domain.Document, error)
	SetDocumentPDF(ctx context.Context, userID, documentID string, pdf []byte) error
}

// Categories resolves category keys.
type Categories interface {
	Lookup(key string) (domain.Category, bool)
}

// Result is the outcome of one generation.
type Result struct {
	// Document carries the preview markup. Its ID is empty when it was not saved.
	Document *domain.Document
	Filename string
	// Failed is set when the reply is an error fragment.
	Failed bool
}

// Export is a rendered PDF.
type Export struct {
	Data     []byte
	Filename string
	Cached   bool
}

// Service wires the pipeline stages together.
type Service struct {
	gen        generation.Generator
	surface    *render.Surface
	docs       DocumentStore
	categories Categories
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a pipeline. docs may be nil, in which case nothing is saved.
func NewService(gen generation.Generator, surface *render.Surface, docs DocumentStore, categories Categories, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gen:        gen,
		surface:    surface,
		docs:       docs,
		categories: categories,
		logger:     logger,
		now:        time.Now,
	}
}

// Surface returns the preview/export stage.
func (s *Service) Surface() *render.Surface {
	return s.surface
}

// Generate builds a document of the given category from rec. The document is
// saved for ownerID unless ownerID is empty or generation failed.
func (s *Service) Generate(ctx context.Context, ownerID, categoryKey string, rec prompt.FieldRecord) (*Result, error) {
	cat, ok := s.categories.Lookup(categoryKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, categoryKey)
	}
	return s.run(ctx, ownerID, cat, prompt.Assemble(cat.Title, rec)), nil
}

// GenerateInSession is Generate behind the session's admission gate. The
// session's latest document is replaced only on success.
func (s *Service) GenerateInSession(ctx context.Context, sess *session.Session, categoryKey string, rec prompt.FieldRecord) (*Result, error) {
	if _, ok := s.categories.Lookup(categoryKey); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, categoryKey)
	}
	if err := sess.TryBegin(); err != nil {
		return nil, err
	}
	defer sess.End()

	res, err := s.Generate(ctx, sess.UserID(), categoryKey, rec)
	if err != nil {
		return nil, err
	}
	if !res.Failed {
		sess.SetLatest(res.Document)
	}
	return res, nil
}

// Chat sends free-form text as the prompt and records both sides in the
// session's history.
func (s *Service) Chat(ctx context.Context, sess *session.Session, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if err := sess.TryBegin(); err != nil {
		return nil, err
	}
	defer sess.End()

	cat, _ := s.categories.Lookup(category.FreeForm)
	sess.AppendChat(domain.SpeakerUser, text)
	res := s.run(ctx, sess.UserID(), cat, text)
	sess.AppendChat(domain.SpeakerAssistant, res.Document.HTML)
	if !res.Failed {
		sess.SetLatest(res.Document)
	}
	return res, nil
}

func (s *Service) run(ctx context.Context, ownerID string, cat domain.Category, promptText string) *Result {
	start := s.now()
	raw := s.gen.Generate(ctx, promptText)

	doc := &domain.Document{
		UserID:    ownerID,
		Title:     cat.Title,
		Category:  cat.Key,
		CreatedAt: s.now(),
	}
	res := &Result{Document: doc, Filename: cat.Filename()}

	if generation.IsErrorFragment(raw) {
		doc.HTML = raw
		res.Failed = true
		return res
	}

	normalized := normalize.Document(raw)
	if !normalize.StartsWithHeading(normalized) {
		s.logger.Warn("Generated document does not start with a heading", "category", cat.Key, "user_id", ownerID)
	}
	doc.HTML = s.surface.Preview(normalized)

	s.logger.Info("Document generated",
		"category", cat.Key,
		"user_id", ownerID,
		"bytes", len(doc.HTML),
		"elapsed", s.now().Sub(start))

	if ownerID == "" || s.docs == nil {
		return res
	}
	doc.ID = uuid.NewString()
	if err := s.docs.CreateDocument(ctx, doc); err != nil {
		s.logger.Error("Failed to save generated document", "user_id", ownerID, "error", err)
		doc.ID = ""
	}
	return res
}

// ExportPDF renders a saved document to PDF, caching the bytes in the store.
// On failure the stored document is untouched and the error wraps
// render.ErrExportFailed.
func (s *Service) ExportPDF(ctx context.Context, ownerID, documentID string) (*Export, error) {
	if s.docs == nil {
		return nil, fmt.Errorf("no document store configured")
	}
	doc, err := s.docs.GetDocument(ctx, ownerID, documentID)
	if err != nil {
		return nil, err
	}

	filename := s.filename(doc.Category)
	if doc.HasPDF() {
		return &Export{Data: doc.PDF, Filename: filename, Cached: true}, nil
	}

	data, err := s.surface.ExportPDF(ctx, doc.HTML, filename)
	if err != nil {
		s.logger.Error("PDF export failed", "document_id", documentID, "error", err)
		return nil, err
	}

	if err := s.docs.SetDocumentPDF(ctx, ownerID, documentID, data); err != nil {
		s.logger.Warn("Failed to cache rendered PDF", "document_id", documentID, "error", err)
	}
	return &Export{Data: data, Filename: filename}, nil
}

func (s *Service) filename(key string) string {
	if cat, ok := s.categories.Lookup(key); ok {
		return cat.Filename()
	}
	c := domain.Category{Key: key}
	return c.Filename()
}
