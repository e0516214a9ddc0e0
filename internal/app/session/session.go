/*
Package session tracks the authenticated identity of the chat client.

The Store is populated once at startup from the backend's session lookup and afterwards follows the
backend's auth state notifications. Listeners are notified asynchronously, in order, from a single
dispatch goroutine that stops on Close.
*/
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"foliochat/internal/app/user"
	"foliochat/internal/pkg/logx"
)

const dispatchQueueSize = 16

// EventType names a session transition reported by the auth backend.
type EventType string

const (
	SignedIn       EventType = "SIGNED_IN"
	SignedOut      EventType = "SIGNED_OUT"
	TokenRefreshed EventType = "TOKEN_REFRESHED"
	UserUpdated    EventType = "USER_UPDATED"
)

// Event is one auth state transition. Identity is nil after SignedOut.
type Event struct {
	Type     EventType
	Identity *user.Identity
}

// Session is a valid login as reported by the backend.
type Session struct {
	AccessToken string         `json:"access_token"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Identity    *user.Identity `json:"user"`
}

// Backend is the part of the auth backend the Store depends on.
type Backend interface {
	// Session returns the current session, or nil when signed out.
	Session(ctx context.Context) (*Session, error)

	// OnAuthStateChange registers fn for auth transitions and returns its unsubscribe function.
	OnAuthStateChange(fn func(Event)) (unsubscribe func())
}

// Store exposes the current identity and fans auth transitions out to listeners.
type Store struct {
	// backend is the auth backend.
	backend Backend

	// mu protects every field below.
	mu sync.RWMutex

	// current is the last known identity; nil when signed out.
	current *user.Identity

	// seenEvent records that a transition arrived, so a slower Load cannot overwrite it.
	seenEvent bool

	// listeners are keyed by registration id.
	listeners map[uint64]func(Event)
	nextID    uint64

	// detach cancels the backend registration.
	detach func()

	started bool
	closed  bool

	// queue feeds the dispatch goroutine.
	queue chan Event

	// done stops the dispatch goroutine.
	done chan struct{}

	wg sync.WaitGroup

	// structured logger with Store context.
	logger zerolog.Logger
}

// NewStore constructs a Store. Call Start to follow backend transitions.
func NewStore(backend Backend) *Store {
	return &Store{
		backend:   backend,
		listeners: make(map[uint64]func(Event)),
		queue:     make(chan Event, dispatchQueueSize),
		done:      make(chan struct{}),
		logger:    logx.Component("SessionStore"),
	}
}

// Load queries the backend session once. It fails soft: any error yields a nil identity.
func (s *Store) Load(ctx context.Context) *user.Identity {
	sess, err := s.backend.Session(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Session lookup failed. Continuing signed out.")
		sess = nil
	}

	var id *user.Identity
	if sess != nil {
		id = sess.Identity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seenEvent {
		return s.current
	}
	s.current = id
	return id
}

// Current returns the last known identity.
func (s *Store) Current() *user.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// IsAuthenticated reports whether an identity is present.
func (s *Store) IsAuthenticated() bool {
	return s.Current() != nil
}

// Start attaches the Store to the backend's auth notifications. It is a no-op after the first call
// or after Close.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatchLoop()

	detach := s.backend.OnAuthStateChange(s.handle)

	s.mu.Lock()
	s.detach = detach
	s.mu.Unlock()
}

// handle records a transition and queues it for listeners.
func (s *Store) handle(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.current = ev.Identity
	s.seenEvent = true
	s.mu.Unlock()

	s.logger.Debug().Str("event", string(ev.Type)).Bool("authenticated", ev.Identity != nil).Msg("Auth state changed.")

	select {
	case s.queue <- ev:
	case <-s.done:
	}
}

// dispatchLoop delivers queued transitions to the listeners registered at delivery time.
func (s *Store) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case ev := <-s.queue:
			s.mu.RLock()
			fns := make([]func(Event), 0, len(s.listeners))
			for _, fn := range s.listeners {
				fns = append(fns, fn)
			}
			s.mu.RUnlock()

			for _, fn := range fns {
				fn(ev)
			}

		case <-s.done:
			return
		}
	}
}

// OnIdentityChange registers fn for every later transition. fn is never called for the state at
// registration time; callers read Current or Load once themselves. The returned function
// unregisters fn and may be called any number of times.
func (s *Store) OnIdentityChange(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return func() {}
	}

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Close detaches from the backend, drops every listener and stops dispatching. It is idempotent.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	detach := s.detach
	s.detach = nil
	s.listeners = make(map[uint64]func(Event))
	s.mu.Unlock()

	if detach != nil {
		detach()
	}

	close(s.done)
	s.wg.Wait()
}
