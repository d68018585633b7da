//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/lexigen/internal/category"
	"github.com/ashureev/lexigen/internal/identity"
	"github.com/ashureev/lexigen/internal/middleware"
	"github.com/ashureev/lexigen/internal/pipeline"
	"github.com/ashureev/lexigen/internal/render"
	"github.com/ashureev/lexigen/internal/session"
	"github.com/ashureev/lexigen/internal/store"
	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
)

type fakeGenerator struct {
	mu    sync.Mutex
	reply string
	block chan struct{}
	calls int
}

func (g *fakeGenerator) Generate(context.Context, string) string {
	g.mu.Lock()
	g.calls++
	block := g.block
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	return g.reply
}

type fakeExporter struct {
	mu  sync.Mutex
	err error
}

func (e *fakeExporter) Export(context.Context, string, render.PageOptions) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return []byte("%PDF-1.7 test"), nil
}

type testEnv struct {
	router   http.Handler
	repo     store.Repository
	sessions *session.Manager
	gen      *fakeGenerator
	exp      *fakeExporter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	auth := identity.NewProvider(repo, "test-secret", time.Hour, nil, identity.WithHashCost(bcrypt.MinCost))
	sessions := session.NewManager(auth, time.Hour, nil)
	t.Cleanup(sessions.CloseAll)
	reg, err := category.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}

	gen := &fakeGenerator{reply: "```html\n<h1>Rental Agreement</h1><p>Between Jane and John.</p>\n```"}
	exp := &fakeExporter{}
	svc := pipeline.NewService(gen, render.NewSurface(true, exp), repo, reg, nil)

	h := NewHandler(Deps{
		Repo:       repo,
		Auth:       auth,
		Sessions:   sessions,
		Pipeline:   svc,
		Categories: reg,
		Limiter:    middleware.NewRateLimiter(ctx, 100, time.Minute),
		IsDev:      true,
	})

	r := chi.NewRouter()
	r.Use(identity.Middleware(auth))
	NewHealthHandler(repo).RegisterHealth(r)
	h.RegisterRoutes(r)

	return &testEnv{router: r, repo: repo, sessions: sessions, gen: gen, exp: exp}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) signUp(t *testing.T, email string) credentialResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": email, "password": "hunter22", "display_name": "Jane",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var cred credentialResponse
	if err := json.NewDecoder(rec.Body).Decode(&cred); err != nil {
		t.Fatal(err)
	}
	return cred
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cred := env.signUp(t, "jane@example.com")
	if cred.Token == "" || cred.User.Email != "jane@example.com" {
		t.Fatalf("unexpected sign-up response: %+v", cred)
	}

	rec := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"email": "JANE@example.com", "password": "hunter22"})
	if rec.Code != http.StatusConflict || errorMessage(t, rec) != msgSignUpFailed {
		t.Fatalf("duplicate sign-up: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "jane@example.com", "password": "wrong-pass"})
	if rec.Code != http.StatusUnauthorized || errorMessage(t, rec) != msgInvalidCredential {
		t.Fatalf("bad sign-in: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "jane@example.com", "password": "hunter22"})
	if rec.Code != http.StatusOK {
		t.Fatalf("sign-in: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), identity.CookieName+"=") {
		t.Error("sign-in should set the session cookie")
	}

	rec = env.do(t, http.MethodGet, "/api/auth/me", cred.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/signout", cred.Token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("signout: expected 204, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/auth/me", cred.Token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("me after signout: expected 401, got %d", rec.Code)
	}
}

func TestDocumentsRequireSignIn(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for _, path := range []string{"/api/documents", "/api/documents/x", "/api/documents/x/pdf"} {
		if rec := env.do(t, http.MethodGet, path, "", nil); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/api/documents/generate", "", map[string]interface{}{"category": "rental"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("generate: expected 401, got %d", rec.Code)
	}
}

func TestGenerateListAndDownload(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cred := env.signUp(t, "jane@example.com")

	rec := env.do(t, http.MethodPost, "/api/documents/generate", cred.Token, map[string]interface{}{
		"category": "rental",
		"fields":   map[string]string{"landlordName": "Jane", "tenantName": "John"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("generate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var gen documentResponse
	if err := json.NewDecoder(rec.Body).Decode(&gen); err != nil {
		t.Fatal(err)
	}
	if gen.HTML != "<h1>Rental Agreement</h1><p>Between Jane and John.</p>" {
		t.Errorf("unexpected html %q", gen.HTML)
	}
	if gen.ID == "" || gen.Filename != "rental_document.pdf" || gen.DownloadURL != "/api/documents/"+gen.ID+"/pdf" {
		t.Fatalf("unexpected generate response %+v", gen)
	}

	rec = env.do(t, http.MethodGet, "/api/documents", cred.Token, nil)
	var list struct {
		Documents []documentResponse `json:"documents"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Documents) != 1 || list.Documents[0].ID != gen.ID || list.Documents[0].Title != "Rental Agreement" {
		t.Fatalf("unexpected document list %+v", list.Documents)
	}

	rec = env.do(t, http.MethodGet, "/api/documents/"+gen.ID+"/pdf", cred.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pdf: expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/pdf" {
		t.Errorf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") || !strings.Contains(cd, "rental_document.pdf") {
		t.Errorf("unexpected content disposition %q", cd)
	}

	other := env.signUp(t, "john@example.com")
	if rec := env.do(t, http.MethodGet, "/api/documents/"+gen.ID, other.Token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("other user: expected 404, got %d", rec.Code)
	}
}

func TestDownloadFailureKeepsDocument(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cred := env.signUp(t, "jane@example.com")

	rec := env.do(t, http.MethodPost, "/api/documents/generate", cred.Token, map[string]interface{}{"category": "nda"})
	var gen documentResponse
	if err := json.NewDecoder(rec.Body).Decode(&gen); err != nil {
		t.Fatal(err)
	}

	env.exp.mu.Lock()
	env.exp.err = errors.New("browser crashed")
	env.exp.mu.Unlock()

	rec = env.do(t, http.MethodGet, "/api/documents/"+gen.ID+"/pdf", cred.Token, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/documents/"+gen.ID, cred.Token, nil)
	var stored documentResponse
	if err := json.NewDecoder(rec.Body).Decode(&stored); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || stored.HTML != gen.HTML {
		t.Fatalf("document changed after failed export: %d %+v", rec.Code, stored)
	}
}

func TestGenerateUnknownCategory(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cred := env.signUp(t, "jane@example.com")

	rec := env.do(t, http.MethodPost, "/api/documents/generate", cred.Token, map[string]interface{}{"category": "will"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env.gen.calls != 0 {
		t.Fatal("generator must not be called")
	}
}

func TestGenerateWhileAwaitingIsRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cred := env.signUp(t, "jane@example.com")

	env.gen.mu.Lock()
	env.gen.block = make(chan struct{})
	env.gen.mu.Unlock()

	body := map[string]interface{}{"category": "nda", "fields": map[string]string{"disclosingParty": "Acme"}}
	first := make(chan int, 1)
	go func() {
		first <- env.do(t, http.MethodPost, "/api/documents/generate", cred.Token, body).Code
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if s, ok := env.sessions.Get(cred.User.UserID, "tab-1"); ok && s.State() == session.AwaitingResponse {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first request never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := env.do(t, http.MethodPost, "/api/documents/generate", cred.Token, body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while awaiting, got %d", rec.Code)
	}

	close(env.gen.block)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", code)
	}
	env.gen.mu.Lock()
	calls := env.gen.calls
	env.gen.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one outstanding generation, got %d calls", calls)
	}
}

func TestIdentityStream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cred := env.signUp(t, "jane@example.com")

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/auth/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	reader := bufio.NewReader(resp.Body)
	nextData := func() string {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				return strings.TrimSpace(data)
			}
		}
	}

	if first := nextData(); !strings.Contains(first, `"email":"jane@example.com"`) {
		t.Fatalf("expected current identity, got %s", first)
	}

	if rec := env.do(t, http.MethodPost, "/api/auth/signout", cred.Token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("signout: expected 204, got %d", rec.Code)
	}
	if next := nextData(); next != "null" {
		t.Fatalf("expected null identity after sign-out, got %s", next)
	}
}
