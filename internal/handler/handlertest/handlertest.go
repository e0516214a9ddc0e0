/*
Package handlertest runs a complete chatd server on an in-memory store for tests of the handlers
and of the clients that talk to them.
*/
package handlertest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"foliochat/internal/app/broker"
	"foliochat/internal/app/chat"
	"foliochat/internal/app/db/memdb"
	"foliochat/internal/app/mailer"
	"foliochat/internal/app/message"
	"foliochat/internal/app/oauth"
	"foliochat/internal/configs"
	"foliochat/internal/handler"
	"foliochat/internal/pkg/pow"
)

const (
	AnonKey   = "test-anon-key"
	JWTSecret = "test-secret"
)

// Env is a running test server and the services behind it.
type Env struct {
	URL     string
	Deps    *handler.AppDeps
	Store   *memdb.Store
	Outbox  *Outbox
	Objects *MemStorage
}

// Option adjusts the server before it starts.
type Option func(*setup)

type setup struct {
	deps    *handler.AppDeps
	hubOpts []chat.Option
}

// WithConfirmSignup requires sign-ups to be confirmed by email.
func WithConfirmSignup() Option {
	return func(s *setup) { s.deps.Config.ConfirmSignup = true }
}

// WithProvider enables an OAuth provider.
func WithProvider(p *oauth.Provider) Option {
	return func(s *setup) { s.deps.OAuth[p.Name] = p }
}

// WithSessionTTL sets the access token lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *setup) { s.deps.Config.SessionTTL = ttl }
}

// WithoutStorage disables avatar storage.
func WithoutStorage() Option {
	return func(s *setup) { s.deps.Storage = nil }
}

// WithHubOptions configures the realtime hub.
func WithHubOptions(opts ...chat.Option) Option {
	return func(s *setup) { s.hubOpts = append(s.hubOpts, opts...) }
}

// New starts a server. Everything is torn down when the test ends.
func New(t testing.TB, opts ...Option) *Env {
	t.Helper()

	store := memdb.New()
	env := &Env{Store: store, Outbox: &Outbox{}, Objects: NewMemStorage()}

	deps := &handler.AppDeps{
		Config: &configs.AppConfig{
			Environment:   "development",
			PublicURL:     "http://chat.test",
			JWTSecret:     JWTSecret,
			AnonKey:       AnonKey,
			SessionTTL:    time.Hour,
			MagicLinkTTL:  15 * time.Minute,
			PowDifficulty: 1,
		},
		Store:   store,
		Storage: env.Objects,
		Mailer:  env.Outbox,
		PoW:     pow.NewManager(1),
		OAuth:   map[string]*oauth.Provider{},
	}
	st := &setup{deps: deps}
	for _, opt := range opts {
		opt(st)
	}

	refresher := &handler.SessionRefresher{Store: store, Secret: JWTSecret, TTL: deps.Config.SessionTTL}
	hubOpts := append([]chat.Option{chat.WithTokenRefresher(refresher, chat.TokenRefreshWindow)}, st.hubOpts...)
	hub := chat.NewManager(store.LatestMessageID, hubOpts...)
	deps.Hub = hub
	deps.Broker = broker.NewLocal(hub.Broadcast)

	router, stop := handler.Router(deps)
	srv := httptest.NewServer(router)

	env.URL = srv.URL
	env.Deps = deps

	t.Cleanup(func() {
		stop()
		deps.PoW.Stop()
		_ = deps.Broker.Close()
		srv.Close()
	})
	t.Cleanup(hub.Shutdown)

	return env
}

// WebSocketURL returns the realtime endpoint for room with the anonymous key.
func (e *Env) WebSocketURL(room string) string {
	return "ws" + strings.TrimPrefix(e.URL, "http") + "/realtime/v1/websocket?apikey=" + AnonKey + "&room=" + room
}

// VerifyPath converts a mailed link to a path on the test server.
func (e *Env) VerifyPath(link string) string {
	return strings.TrimPrefix(link, e.Deps.Config.PublicURL)
}

// Seed stores messages directly.
func (e *Env) Seed(t testing.TB, msgs ...message.Message) {
	t.Helper()
	for _, m := range msgs {
		if _, err := e.Store.InsertMessage(context.Background(), m); err != nil {
			t.Fatalf("seed message %s: %v", m.ID, err)
		}
	}
}

// Mail is one captured email.
type Mail struct {
	To      string
	Link    string
	Purpose mailer.Purpose
}

// Outbox captures magic links instead of sending them.
type Outbox struct {
	mu   sync.Mutex
	sent []Mail
}

func (o *Outbox) SendMagicLink(_ context.Context, to, link string, purpose mailer.Purpose) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, Mail{To: to, Link: link, Purpose: purpose})
	return nil
}

// Last returns the newest mail sent to to.
func (o *Outbox) Last(to string) (Mail, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.sent) - 1; i >= 0; i-- {
		if o.sent[i].To == to {
			return o.sent[i], true
		}
	}
	return Mail{}, false
}

// Len returns the number of captured mails.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

// MemStorage is an in-memory object store.
type MemStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemStorage() *MemStorage {
	return &MemStorage{objects: make(map[string][]byte)}
}

func (s *MemStorage) Upload(_ context.Context, key, _ string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *MemStorage) PresignDownload(_ context.Context, key string, duration time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return "", fmt.Errorf("no such key %q", key)
	}
	return fmt.Sprintf("https://objects.test/%s?expires=%d", key, int(duration.Seconds())), nil
}

func (s *MemStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Has reports whether key is stored.
func (s *MemStorage) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

// FakeGoogle returns a provider backed by a local token and userinfo server. Exchanges succeed for
// the code "good-code" and report userinfo.
func FakeGoogle(t testing.TB, userinfo string) *oauth.Provider {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"provider-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer provider-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(userinfo))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return oauth.NewGoogle("client-id", "client-secret", "http://chat.test/auth/v1/callback",
		oauth.WithEndpoint(oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}, srv.URL+"/userinfo"))
}
