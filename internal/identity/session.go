package identity

import (
	"sync"

	"civicsense/internal/domain"
)

type AuthEventKind string

const (
	SignedIn  AuthEventKind = "SIGNED_IN"
	SignedOut AuthEventKind = "SIGNED_OUT"
)

type AuthEvent struct {
	Kind     AuthEventKind
	Identity domain.Identity
}

// Session is a client's view of who is signed in. Listeners see every change
// exactly once, in order, before SignIn or SignOut returns.
type Session struct {
	deliver sync.Mutex

	mu        sync.Mutex
	current   *domain.Identity
	token     string
	listeners map[int]func(AuthEvent)
	nextID    int
}

func NewSession() *Session {
	return &Session{listeners: map[int]func(AuthEvent){}}
}

// Current returns the signed-in identity, if any.
func (s *Session) Current() (domain.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.Identity{}, false
	}
	return *s.current, true
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SignIn records id. Signing in again as the same identity is not a change.
func (s *Session) SignIn(token string, id domain.Identity) {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	s.mu.Lock()
	same := s.current != nil && *s.current == id
	s.token = token
	if same {
		s.mu.Unlock()
		return
	}
	s.current = &id
	fns := s.snapshot()
	s.mu.Unlock()
	for _, fn := range fns {
		fn(AuthEvent{Kind: SignedIn, Identity: id})
	}
}

func (s *Session) SignOut() {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return
	}
	prev := *s.current
	s.current, s.token = nil, ""
	fns := s.snapshot()
	s.mu.Unlock()
	for _, fn := range fns {
		fn(AuthEvent{Kind: SignedOut, Identity: prev})
	}
}

// OnAuthStateChange registers fn and returns a function that removes it.
// Listeners must not call SignIn or SignOut.
func (s *Session) OnAuthStateChange(fn func(AuthEvent)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// snapshot returns listeners in registration order. Callers hold s.mu.
func (s *Session) snapshot() []func(AuthEvent) {
	fns := make([]func(AuthEvent), 0, len(s.listeners))
	for i := 0; i < s.nextID; i++ {
		if fn, ok := s.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}
