package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/lexigen/internal/category"
	"github.com/ashureev/lexigen/internal/domain"
	"github.com/ashureev/lexigen/internal/generation"
	"github.com/ashureev/lexigen/internal/prompt"
	"github.com/ashureev/lexigen/internal/render"
	"github.com/ashureev/lexigen/internal/session"
	"github.com/ashureev/lexigen/internal/store"
)

type fakeGenerator struct {
	mu      sync.Mutex
	reply   string
	prompts []string
	block   chan struct{}
}

func (g *fakeGenerator) Generate(_ context.Context, p string) string {
	g.mu.Lock()
	g.prompts = append(g.prompts, p)
	block := g.block
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	return g.reply
}

type fakeDocs struct {
	mu     sync.Mutex
	docs   map[string]*domain.Document
	pdfSet int
	fail   error
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: make(map[string]*domain.Document)}
}

func (f *fakeDocs) CreateDocument(_ context.Context, d *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	cp := *d
	f.docs[d.ID] = &cp
	return nil
}

func (f *fakeDocs) GetDocument(_ context.Context, userID, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDocs) SetDocumentPDF(_ context.Context, userID, id string, pdf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.UserID != userID {
		return store.ErrNotFound
	}
	d.PDF = pdf
	f.pdfSet++
	return nil
}

type fakeExporter struct {
	calls int
	err   error
}

func (e *fakeExporter) Export(context.Context, string, render.PageOptions) ([]byte, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []byte("%PDF-1.7"), nil
}

type staticSource struct{}

func (staticSource) Watch(context.Context, string) (<-chan *domain.Identity, func()) {
	ch := make(chan *domain.Identity, 1)
	ch <- &domain.Identity{UserID: "u1"}
	return ch, func() {}
}

func newService(t *testing.T, gen generation.Generator, docs DocumentStore, exp render.Exporter) *Service {
	t.Helper()
	reg, err := category.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	return NewService(gen, render.NewSurface(true, exp), docs, reg, nil)
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	s := session.New("u1:tab", "u1", "auth-1")
	if err := s.Init(context.Background(), staticSource{}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestGenerateRentalAgreement(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{reply: "```html\n<h1>Rental Agreement</h1><p>Terms</p><script>x()</script>\n```\n<!-- END_OF_DOCUMENT -->\ntrailing"}
	docs := newFakeDocs()
	svc := newService(t, gen, docs, &fakeExporter{})

	rec := prompt.NewFieldRecord("landlordName", "Jane Doe", "tenantName", "John Roe", "additionalTerms", "")
	res, err := svc.Generate(context.Background(), "u1", "rental", rec)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(gen.prompts) != 1 {
		t.Fatalf("expected exactly one generation call, got %d", len(gen.prompts))
	}
	p := gen.prompts[0]
	if !strings.Contains(p, "Rental Agreement") || !strings.Contains(p, "- Landlord Name: Jane Doe") {
		t.Errorf("prompt missing title or field:\n%s", p)
	}
	if strings.Contains(p, "Additional Terms") {
		t.Error("empty field must be omitted from the prompt")
	}

	if res.Failed {
		t.Fatal("unexpected failure")
	}
	if res.Document.HTML != "<h1>Rental Agreement</h1><p>Terms</p>" {
		t.Errorf("unexpected preview %q", res.Document.HTML)
	}
	if res.Filename != "rental_document.pdf" {
		t.Errorf("unexpected filename %q", res.Filename)
	}
	if res.Document.ID == "" {
		t.Fatal("expected document to be saved")
	}
	if _, err := docs.GetDocument(context.Background(), "u1", res.Document.ID); err != nil {
		t.Fatalf("saved document missing: %v", err)
	}
}

func TestGenerateUnknownCategory(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{reply: "<h1>x</h1>"}
	svc := newService(t, gen, newFakeDocs(), nil)

	_, err := svc.Generate(context.Background(), "u1", "will", prompt.NewFieldRecord())
	if !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
	if len(gen.prompts) != 0 {
		t.Fatal("generator must not be called for an unknown category")
	}
}

func TestGenerateErrorFragmentIsNotSaved(t *testing.T) {
	t.Parallel()
	fragment := generation.ErrorFragment(errors.New("API error: Bad Gateway"))
	docs := newFakeDocs()
	svc := newService(t, &fakeGenerator{reply: fragment}, docs, nil)
	sess := newSession(t)

	previous := &domain.Document{ID: "prev", HTML: "<h1>Old</h1>"}
	sess.SetLatest(previous)

	res, err := svc.GenerateInSession(context.Background(), sess, "nda", prompt.NewFieldRecord("disclosingParty", "Acme"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Failed || res.Document.HTML != fragment {
		t.Fatalf("expected error fragment result, got %+v", res)
	}
	if len(docs.docs) != 0 {
		t.Fatal("error fragments must not be saved")
	}
	if sess.Latest() != previous {
		t.Fatal("failed generation must not replace the latest document")
	}
	if sess.State() != session.Idle {
		t.Fatalf("session should be idle after the request, got %s", sess.State())
	}
}

func TestSaveFailureStillReturnsPreview(t *testing.T) {
	t.Parallel()
	docs := newFakeDocs()
	docs.fail = errors.New("disk full")
	svc := newService(t, &fakeGenerator{reply: "<h1>NDA</h1>"}, docs, nil)

	res, err := svc.Generate(context.Background(), "u1", "nda", prompt.NewFieldRecord())
	if err != nil {
		t.Fatal(err)
	}
	if res.Document.ID != "" || res.Document.HTML != "<h1>NDA</h1>" {
		t.Fatalf("expected unsaved preview, got %+v", res.Document)
	}
}

func TestChatRecordsHistoryAndGates(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{reply: "<h1>Legal Document</h1>", block: make(chan struct{})}
	svc := newService(t, gen, newFakeDocs(), nil)
	sess := newSession(t)

	done := make(chan *Result, 1)
	go func() {
		res, err := svc.Chat(context.Background(), sess, "Draft a simple will")
		if err != nil {
			t.Errorf("Chat failed: %v", err)
		}
		done <- res
	}()

	for sess.State() != session.AwaitingResponse {
		time.Sleep(time.Millisecond)
	}
	if _, err := svc.Chat(context.Background(), sess, "second"); !errors.Is(err, session.ErrBusy) {
		t.Fatalf("expected ErrBusy while awaiting, got %v", err)
	}
	close(gen.block)

	res := <-done
	if res == nil || res.Filename != "document.pdf" {
		t.Fatalf("unexpected chat result %+v", res)
	}
	if gen.prompts[0] != "Draft a simple will" {
		t.Errorf("chat text must be sent verbatim, got %q", gen.prompts[0])
	}

	h := sess.History()
	if len(h) != 2 || h[0].Speaker != domain.SpeakerUser || h[1].Speaker != domain.SpeakerAssistant {
		t.Fatalf("unexpected history %+v", h)
	}
	if sess.Latest() == nil || sess.Latest().Title != category.FreeFormTitle {
		t.Fatalf("unexpected latest document %+v", sess.Latest())
	}

	if _, err := svc.Chat(context.Background(), sess, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestExportPDFCachesAndFails(t *testing.T) {
	t.Parallel()
	docs := newFakeDocs()
	exp := &fakeExporter{}
	svc := newService(t, &fakeGenerator{reply: "<h1>NDA</h1>"}, docs, exp)
	ctx := context.Background()

	res, err := svc.Generate(ctx, "u1", "nda", prompt.NewFieldRecord())
	if err != nil {
		t.Fatal(err)
	}

	out, err := svc.ExportPDF(ctx, "u1", res.Document.ID)
	if err != nil {
		t.Fatalf("ExportPDF failed: %v", err)
	}
	if out.Filename != "nda_document.pdf" || out.Cached {
		t.Fatalf("unexpected export %+v", out)
	}

	out, err = svc.ExportPDF(ctx, "u1", res.Document.ID)
	if err != nil || !out.Cached || exp.calls != 1 {
		t.Fatalf("expected cached export, got %+v calls=%d err=%v", out, exp.calls, err)
	}

	if _, err := svc.ExportPDF(ctx, "u2", res.Document.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user, got %v", err)
	}

	failing := newService(t, &fakeGenerator{reply: "<h1>NDA</h1>"}, docs, &fakeExporter{err: errors.New("chrome crashed")})
	res2, err := failing.Generate(ctx, "u1", "nda", prompt.NewFieldRecord())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := failing.ExportPDF(ctx, "u1", res2.Document.ID); !errors.Is(err, render.ErrExportFailed) {
		t.Fatalf("expected ErrExportFailed, got %v", err)
	}
	stored, err := docs.GetDocument(ctx, "u1", res2.Document.ID)
	if err != nil || stored.HTML != "<h1>NDA</h1>" || stored.HasPDF() {
		t.Fatalf("stored document must be intact after export failure: %+v %v", stored, err)
	}
}
