/*
Package rest is the chatd backend adapter of the chat client.

Auth and message calls go over HTTP with the anonymous key in the apikey header and the access
token as a bearer token. Realtime subscriptions are WebSocket connections. Every failure is returned
as a classified *backend.Error.
*/
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"foliochat/internal/app/message"
	"foliochat/internal/app/session"
	"foliochat/internal/app/user"
	"foliochat/internal/backend"
	"foliochat/internal/configs"
	"foliochat/internal/pkg/auth/jwt"
	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/pow"
)

// apiKeyHeader carries the anonymous key on every request.
const apiKeyHeader = "apikey"

// maxResponseSize bounds a decoded response body.
const maxResponseSize = 4 << 20

// Client talks to a chatd server. It implements backend.Client.
type Client struct {
	baseURL *url.URL
	anonKey string
	timeout time.Duration

	httpClient *http.Client
	dialer     *websocket.Dialer
	tokens     TokenStore
	redirectTo string

	// mu protects current, loaded and the handler registry.
	mu          sync.Mutex
	current     *session.Session
	loaded      bool
	handlers    map[uint64]func(session.Event)
	nextHandler uint64

	logger zerolog.Logger
}

var _ backend.Client = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithTokenStore persists the session between runs.
func WithTokenStore(s TokenStore) Option {
	return func(c *Client) { c.tokens = s }
}

// WithRedirectTo sets where magic links and OAuth callbacks send the browser. Empty makes the
// server answer with the session as JSON.
func WithRedirectTo(target string) Option {
	return func(c *Client) { c.redirectTo = target }
}

// New returns a Client for the configured server. It fails with a KindConfigurationMissing error
// when the configuration is incomplete.
func New(cfg *configs.ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &backend.Error{Kind: backend.KindConfigurationMissing, Op: backend.OpSession, Err: err}
	}

	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.URL), "/"))
	if err != nil {
		return nil, &backend.Error{Kind: backend.KindConfigurationMissing, Op: backend.OpSession, Err: err}
	}

	c := &Client{
		baseURL:    base,
		anonKey:    strings.TrimSpace(cfg.AnonKey),
		timeout:    cfg.RequestTimeout,
		httpClient: &http.Client{},
		dialer:     websocket.DefaultDialer,
		tokens:     &MemoryTokenStore{},
		handlers:   make(map[uint64]func(session.Event)),
		logger:     logx.Component("RestBackend"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// request describes one HTTP call.
type request struct {
	op     backend.Op
	method string
	path   string
	query  url.Values
	body   any
	token  string
	header http.Header
}

// envelope is the response wrapper of every chatd endpoint.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do performs req and decodes the data of a successful response into out.
func (c *Client) do(ctx context.Context, req request, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := c.baseURL.JoinPath(req.path)
	if len(req.query) > 0 {
		target.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return backend.Classify(req.op, 0, 0, "", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target.String(), body)
	if err != nil {
		return backend.Classify(req.op, 0, 0, "", err)
	}

	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set(apiKeyHeader, c.anonKey)
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return backend.Classify(req.op, 0, 0, "", err)
	}
	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseSize)).Decode(&env); err != nil {
		if res.StatusCode >= http.StatusBadRequest {
			return backend.Classify(req.op, res.StatusCode, 0, http.StatusText(res.StatusCode), nil)
		}
		return backend.Classify(req.op, res.StatusCode, 0, "", fmt.Errorf("decode response: %w", err))
	}

	if res.StatusCode >= http.StatusBadRequest || env.Code != 0 {
		return backend.Classify(req.op, res.StatusCode, env.Code, env.Message, nil)
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return backend.Classify(req.op, res.StatusCode, 0, "", fmt.Errorf("decode data: %w", err))
		}
	}

	return nil
}

// token returns the current access token, or "".
func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return ""
	}
	return c.current.AccessToken
}

// Session returns the current session. The first call restores a stored session and revalidates
// it with the server; a session the server no longer accepts is discarded.
func (c *Client) Session(ctx context.Context) (*session.Session, error) {
	c.mu.Lock()
	if c.loaded {
		defer c.mu.Unlock()
		if c.current == nil || !c.current.ExpiresAt.After(time.Now()) {
			return nil, nil
		}
		s := *c.current
		return &s, nil
	}
	c.mu.Unlock()

	stored, err := c.tokens.Load()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to load stored session, starting signed out.")
		stored = nil
	}

	if stored != nil && stored.ExpiresAt.After(time.Now()) {
		var id user.Identity
		err := c.do(ctx, request{op: backend.OpSession, method: http.MethodGet, path: "/auth/v1/user", token: stored.AccessToken}, &id)
		switch {
		case err == nil:
			stored.Identity = &id
		case unauthorized(err):
			stored = nil
		default:
			return nil, err
		}
	} else {
		stored = nil
	}

	c.mu.Lock()
	if c.loaded {
		// a sign-in or sign-out finished while the stored session was being checked.
		defer c.mu.Unlock()
		if c.current == nil {
			return nil, nil
		}
		s := *c.current
		return &s, nil
	}
	c.loaded = true
	c.current = stored
	c.mu.Unlock()

	if stored == nil {
		c.persist(nil)
		return nil, nil
	}

	s := *stored
	return &s, nil
}

// unauthorized reports whether the server rejected the access token.
func unauthorized(err error) bool {
	var be *backend.Error
	if !errors.As(err, &be) {
		return false
	}
	return be.Code == errs.ErrUnauthorized || be.Status == http.StatusUnauthorized
}

// OnAuthStateChange registers fn. Events are delivered synchronously from the call that caused
// them.
func (c *Client) OnAuthStateChange(fn func(session.Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Client) emit(ev session.Event) {
	c.mu.Lock()
	fns := make([]func(session.Event), 0, len(c.handlers))
	for _, fn := range c.handlers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Client) persist(s *session.Session) {
	if err := c.tokens.Save(s); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist session.")
	}
}

// setSession makes s current, stores it and announces evType.
func (c *Client) setSession(s *session.Session, evType session.EventType) {
	c.mu.Lock()
	c.loaded = true
	c.current = s
	c.mu.Unlock()

	c.persist(s)

	var identity *user.Identity
	if s != nil {
		identity = s.Identity
	}
	c.emit(session.Event{Type: evType, Identity: identity})
}

// SignInWithPassword logs in with email and password.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error) {
	var s session.Session
	err := c.do(ctx, request{
		op:     backend.OpSignIn,
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   map[string]string{"email": email, "password": password},
	}, &s)
	if err != nil {
		return nil, err
	}

	c.setSession(&s, session.SignedIn)
	out := s
	return &out, nil
}

type signUpResult struct {
	Session          *session.Session `json:"session"`
	ConfirmationSent bool             `json:"confirmation_sent"`
}

// SignUp registers an account. The session is nil while the server waits for email confirmation.
func (c *Client) SignUp(ctx context.Context, email, password string, profile user.Metadata) (*session.Session, error) {
	var query url.Values
	if c.redirectTo != "" {
		query = url.Values{"redirect_to": {c.redirectTo}}
	}

	var result signUpResult
	err := c.do(ctx, request{
		op:     backend.OpSignUp,
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		query:  query,
		body: map[string]any{
			"email":    email,
			"password": password,
			"data":     profile,
		},
	}, &result)
	if err != nil {
		return nil, err
	}

	if result.Session == nil {
		return nil, nil
	}

	c.setSession(result.Session, session.SignedIn)
	out := *result.Session
	return &out, nil
}

type challenge struct {
	Nonce      string `json:"nonce"`
	Difficulty int    `json:"difficulty"`
}

// SignInWithOTP solves the server's proof-of-work challenge and asks for a magic link.
func (c *Client) SignInWithOTP(ctx context.Context, email string) error {
	var ch challenge
	if err := c.do(ctx, request{op: backend.OpOTP, method: http.MethodGet, path: "/auth/v1/challenge"}, &ch); err != nil {
		return err
	}

	var proof struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, request{
		op:     backend.OpOTP,
		method: http.MethodPost,
		path:   "/auth/v1/challenge",
		body:   map[string]string{"nonce": ch.Nonce, "counter": pow.Solve(ch.Nonce, ch.Difficulty)},
	}, &proof)
	if err != nil {
		return err
	}

	body := map[string]string{"email": email}
	if c.redirectTo != "" {
		body["redirect_to"] = c.redirectTo
	}

	return c.do(ctx, request{
		op:     backend.OpOTP,
		method: http.MethodPost,
		path:   "/auth/v1/otp",
		body:   body,
		header: http.Header{pow.TokenHeaderKey: {proof.Token}},
	}, nil)
}

// SignInWithOAuth returns the provider URL the user must open.
func (c *Client) SignInWithOAuth(ctx context.Context, provider backend.Provider) (string, error) {
	query := url.Values{
		"provider":           {string(provider)},
		"skip_http_redirect": {"true"},
	}
	if c.redirectTo != "" {
		query.Set("redirect_to", c.redirectTo)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, request{op: backend.OpOAuth, method: http.MethodGet, path: "/auth/v1/authorize", query: query}, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// SignOut ends the session on the server and forgets it locally. A session the server already
// dropped still counts as signed out.
func (c *Client) SignOut(ctx context.Context) error {
	token := c.token()
	if token != "" {
		err := c.do(ctx, request{op: backend.OpSignOut, method: http.MethodPost, path: "/auth/v1/logout", token: token}, nil)
		if err != nil && !unauthorized(err) {
			return err
		}
	}

	c.setSession(nil, session.SignedOut)
	return nil
}

// AdoptToken signs in with an access token obtained out of band, such as from a magic link opened
// in a browser.
func (c *Client) AdoptToken(ctx context.Context, accessToken string) (*session.Session, error) {
	accessToken = strings.TrimSpace(accessToken)

	claims, err := jwt.PeekToken(accessToken)
	if err != nil {
		return nil, backend.Classify(backend.OpSession, 0, 0, "access token is malformed", err)
	}

	var id user.Identity
	if err := c.do(ctx, request{op: backend.OpSession, method: http.MethodGet, path: "/auth/v1/user", token: accessToken}, &id); err != nil {
		return nil, err
	}

	s := &session.Session{AccessToken: accessToken, ExpiresAt: claims.ExpiresAtTime(), Identity: &id}
	c.setSession(s, session.SignedIn)

	out := *s
	return &out, nil
}

// refreshed records a token pushed by the realtime channel.
func (c *Client) refreshed(token string, expiresAt time.Time) {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return
	}
	next := *c.current
	next.AccessToken = token
	next.ExpiresAt = expiresAt
	c.current = &next
	c.mu.Unlock()

	c.persist(&next)
	c.emit(session.Event{Type: session.TokenRefreshed, Identity: next.Identity})
}

// Insert persists a draft as the signed-in user.
func (c *Client) Insert(ctx context.Context, draft message.Draft) (message.Message, error) {
	var m message.Message
	err := c.do(ctx, request{
		op:     backend.OpInsert,
		method: http.MethodPost,
		path:   "/rest/v1/messages",
		body:   draft,
		token:  c.token(),
	}, &m)
	return m, err
}

// History returns the messages selected by q in creation order.
func (c *Client) History(ctx context.Context, q message.HistoryQuery) ([]message.Message, error) {
	query := url.Values{"room": {q.Room}}
	if q.After != "" {
		query.Set("after", q.After)
	}
	if q.UpTo != "" {
		query.Set("up_to", q.UpTo)
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}

	var msgs []message.Message
	err := c.do(ctx, request{
		op:     backend.OpHistory,
		method: http.MethodGet,
		path:   "/rest/v1/messages",
		query:  query,
		token:  c.token(),
	}, &msgs)
	return msgs, err
}
