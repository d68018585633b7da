package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/lexigen/internal/domain"
)

type fakeSource struct {
	mu      sync.Mutex
	current map[string]*domain.Identity
	subs    map[string][]chan *domain.Identity
	cancels int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		current: make(map[string]*domain.Identity),
		subs:    make(map[string][]chan *domain.Identity),
	}
}

func (f *fakeSource) Watch(_ context.Context, id string) (<-chan *domain.Identity, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan *domain.Identity, 1)
	ch <- f.current[id]
	f.subs[id] = append(f.subs[id], ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.cancels++
			subs := f.subs[id]
			for i, c := range subs {
				if c == ch {
					f.subs[id] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

func (f *fakeSource) push(id string, ident *domain.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[id] = ident
	for _, ch := range f.subs[id] {
		select {
		case <-ch:
		default:
		}
		ch <- ident
	}
}

func (f *fakeSource) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func jane() *domain.Identity {
	return &domain.Identity{UserID: "u1", Email: "jane@example.com", DisplayName: "Jane"}
}

func TestAdmissionGate(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.push("auth-1", jane())

	s := New("u1:tab", "u1", "auth-1")
	if err := s.Init(context.Background(), src); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Close()

	if s.State() != Idle {
		t.Fatalf("expected Idle, got %s", s.State())
	}
	if err := s.TryBegin(); err != nil {
		t.Fatalf("first TryBegin failed: %v", err)
	}
	if s.State() != AwaitingResponse {
		t.Fatalf("expected AwaitingResponse, got %s", s.State())
	}
	if err := s.TryBegin(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	s.End()
	if err := s.TryBegin(); err != nil {
		t.Fatalf("TryBegin after End failed: %v", err)
	}
	s.End()
}

func TestConcurrentSubmitAdmitsOne(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.push("auth-1", jane())

	s := New("u1:tab", "u1", "auth-1")
	if err := s.Init(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var admitted, busy atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch err := s.TryBegin(); {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrBusy):
				busy.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if admitted.Load() != 1 || busy.Load() != 31 {
		t.Fatalf("expected 1 admitted and 31 busy, got %d and %d", admitted.Load(), busy.Load())
	}
}

func TestInitWithInactiveAuthSession(t *testing.T) {
	t.Parallel()
	src := newFakeSource()

	s := New("u1:tab", "u1", "gone")
	if err := s.Init(context.Background(), src); !errors.Is(err, ErrSignedOut) {
		t.Fatalf("expected ErrSignedOut, got %v", err)
	}
	s.Close()
	if src.cancelCount() != 1 {
		t.Fatalf("expected subscription released, cancels=%d", src.cancelCount())
	}
}

func TestSignOutClosesGate(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.push("auth-1", jane())

	s := New("u1:tab", "u1", "auth-1")
	if err := s.Init(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	src.push("auth-1", nil)

	select {
	case <-s.SignedOut():
	case <-time.After(time.Second):
		t.Fatal("SignedOut not closed after sign-out")
	}
	if err := s.TryBegin(); !errors.Is(err, ErrSignedOut) {
		t.Fatalf("expected ErrSignedOut, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.push("auth-1", jane())

	s := New("u1:tab", "u1", "auth-1")
	if err := s.Init(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	s.Close()
	s.Close()

	if src.cancelCount() != 1 {
		t.Fatalf("expected exactly one unsubscribe, got %d", src.cancelCount())
	}
	if err := s.TryBegin(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestHistoryAndLatest(t *testing.T) {
	t.Parallel()
	s := New("k", "u1", "auth-1")

	s.AppendChat(domain.SpeakerUser, "Draft an NDA")
	s.AppendChat(domain.SpeakerAssistant, "<h1>NDA</h1>")

	h := s.History()
	if len(h) != 2 || h[0].Speaker != domain.SpeakerUser || h[1].Text != "<h1>NDA</h1>" {
		t.Fatalf("unexpected history: %+v", h)
	}

	first := &domain.Document{ID: "d1"}
	second := &domain.Document{ID: "d2"}
	s.SetLatest(first)
	s.SetLatest(second)
	if s.Latest() != second {
		t.Fatal("latest document not replaced")
	}
}

func TestManagerAcquireAndSweep(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.push("auth-1", jane())
	src.push("auth-2", jane())

	now := time.Unix(1_700_000_000, 0)
	m := NewManager(src, time.Hour, nil)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	a, err := m.Acquire(ctx, "u1", "auth-1", "tab")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	again, err := m.Acquire(ctx, "u1", "auth-1", "tab")
	if err != nil || again != a {
		t.Fatalf("expected same session, got %p vs %p (%v)", again, a, err)
	}

	b, err := m.Acquire(ctx, "u1", "auth-2", "tab")
	if err != nil {
		t.Fatal(err)
	}
	if b == a {
		t.Fatal("expected new session for a new auth session")
	}
	if err := a.TryBegin(); !errors.Is(err, ErrClosed) {
		t.Fatalf("replaced session should be closed, got %v", err)
	}

	if _, err := m.Acquire(ctx, "u1", "missing", "tab2"); !errors.Is(err, ErrSignedOut) {
		t.Fatalf("expected ErrSignedOut, got %v", err)
	}

	if err := b.TryBegin(); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Hour)
	if n := m.Sweep(); n != 0 {
		t.Fatalf("sessions awaiting a response must survive the sweep, swept %d", n)
	}
	b.End()
	now = now.Add(2 * time.Hour)
	if n := m.Sweep(); n != 1 {
		t.Fatalf("expected 1 idle session swept, got %d", n)
	}
	if m.Len() != 0 {
		t.Fatalf("expected no sessions left, got %d", m.Len())
	}
}
