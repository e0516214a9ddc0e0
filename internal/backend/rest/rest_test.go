package rest_test

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"foliochat/internal/app/chat"
	"foliochat/internal/app/feed"
	"foliochat/internal/app/message"
	"foliochat/internal/app/session"
	"foliochat/internal/app/user"
	"foliochat/internal/backend"
	"foliochat/internal/backend/rest"
	"foliochat/internal/configs"
	"foliochat/internal/handler/handlertest"
	"foliochat/internal/pkg/auth/jwt"
	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/randx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func newClient(t *testing.T, env *handlertest.Env, opts ...rest.Option) *rest.Client {
	t.Helper()

	c, err := rest.New(&configs.ClientConfig{
		URL:            env.URL,
		AnonKey:        handlertest.AnonKey,
		Room:           configs.DefaultRoom,
		RequestTimeout: 5 * time.Second,
	}, opts...)
	require.NoError(t, err)
	return c
}

func requireKind(t *testing.T, err error, kind backend.Kind) *backend.Error {
	t.Helper()

	var be *backend.Error
	require.True(t, errors.As(err, &be), "expected *backend.Error, got %v", err)
	require.Equal(t, kind, be.Kind, be.Error())
	return be
}

// recorder collects auth events.
type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) record(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []session.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func next(t *testing.T, sub feed.Subscription) feed.Event {
	t.Helper()

	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription ended: %v", sub.Err())
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no realtime event")
	}
	return feed.Event{}
}

func TestNewRejectsMissingConfiguration(t *testing.T) {
	for _, cfg := range []*configs.ClientConfig{
		nil,
		{URL: "", AnonKey: "key"},
		{URL: "your_project_url_here", AnonKey: "key"},
		{URL: "http://chat.test", AnonKey: "your_anon_key_here"},
	} {
		_, err := rest.New(cfg)
		requireKind(t, err, backend.KindConfigurationMissing)
	}
}

func TestWrongAPIKeyIsConfigurationMissing(t *testing.T) {
	env := handlertest.New(t)

	c, err := rest.New(&configs.ClientConfig{URL: env.URL, AnonKey: "not-the-key", RequestTimeout: time.Second})
	require.NoError(t, err)

	_, err = c.History(context.Background(), message.HistoryQuery{Room: configs.DefaultRoom})
	be := requireKind(t, err, backend.KindConfigurationMissing)
	assert.Equal(t, errs.ErrInvalidAPIKey, be.Code)

	_, err = c.Subscribe(context.Background(), configs.DefaultRoom)
	requireKind(t, err, backend.KindConfigurationMissing)
}

func TestSignUpInsertAndHistory(t *testing.T) {
	env := handlertest.New(t)
	ctx := context.Background()

	c := newClient(t, env)
	rec := &recorder{}
	defer c.OnAuthStateChange(rec.record)()

	s, err := c.SignUp(ctx, "ada@example.com", "secret123", user.Metadata{DisplayName: "Ada"})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "ada@example.com", s.Identity.Email)
	assert.Equal(t, []session.EventType{session.SignedIn}, rec.types())

	current, err := c.Session(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, s.AccessToken, current.AccessToken)

	m, err := c.Insert(ctx, message.Draft{Room: configs.DefaultRoom, Text: "  hello  ", DisplayName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Text)
	assert.Equal(t, s.Identity.ID, m.UserID)

	msgs, err := c.History(ctx, message.HistoryQuery{Room: configs.DefaultRoom, Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)

	_, err = c.Insert(ctx, message.Draft{Room: configs.DefaultRoom, Text: "   "})
	be := requireKind(t, err, backend.KindSendFailure)
	assert.Equal(t, errs.ErrMessageEmpty, be.Code)
}

func TestInsertSignedOutIsSendFailure(t *testing.T) {
	env := handlertest.New(t)

	_, err := newClient(t, env).Insert(context.Background(), message.Draft{Room: configs.DefaultRoom, Text: "hi"})
	requireKind(t, err, backend.KindSendFailure)
}

func TestPasswordFailures(t *testing.T) {
	env := handlertest.New(t, handlertest.WithConfirmSignup())
	ctx := context.Background()

	c := newClient(t, env)

	s, err := c.SignUp(ctx, "grace@example.com", "secret123", user.Metadata{})
	require.NoError(t, err)
	assert.Nil(t, s, "confirmation pending")
	_, ok := env.Outbox.Last("grace@example.com")
	assert.True(t, ok)

	_, err = c.SignInWithPassword(ctx, "grace@example.com", "secret123")
	be := requireKind(t, err, backend.KindAuthFailure)
	assert.Equal(t, errs.ErrEmailNotConfirmed, be.Code)

	_, err = c.SignInWithPassword(ctx, "grace@example.com", "wrong")
	requireKind(t, err, backend.KindAuthFailure)

	current, err := c.Session(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestMagicLinkAndAdoptToken(t *testing.T) {
	env := handlertest.New(t)
	ctx := context.Background()

	c := newClient(t, env)
	require.NoError(t, c.SignInWithOTP(ctx, "linus@example.com"))

	mail, ok := env.Outbox.Last("linus@example.com")
	require.True(t, ok)

	res, err := http.Get(env.URL + env.VerifyPath(mail.Link))
	require.NoError(t, err)
	defer res.Body.Close()

	var out struct {
		Code int             `json:"code"`
		Data session.Session `json:"data"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	require.Equal(t, 0, out.Code)

	rec := &recorder{}
	defer c.OnAuthStateChange(rec.record)()

	s, err := c.AdoptToken(ctx, " "+out.Data.AccessToken+"\n")
	require.NoError(t, err)
	assert.Equal(t, "linus@example.com", s.Identity.Email)
	assert.WithinDuration(t, out.Data.ExpiresAt, s.ExpiresAt, time.Second)
	assert.Equal(t, []session.EventType{session.SignedIn}, rec.types())

	_, err = c.AdoptToken(ctx, "not-a-token")
	requireKind(t, err, backend.KindAuthFailure)
}

func TestSessionRestoredFromFile(t *testing.T) {
	env := handlertest.New(t)
	ctx := context.Background()
	store := &rest.FileTokenStore{Path: filepath.Join(t.TempDir(), "session.json")}

	first := newClient(t, env, rest.WithTokenStore(store))
	s, err := first.SignUp(ctx, "ken@example.com", "secret123", user.Metadata{Name: "Ken"})
	require.NoError(t, err)

	second := newClient(t, env, rest.WithTokenStore(store))
	restored, err := second.Session(ctx)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, s.AccessToken, restored.AccessToken)
	assert.Equal(t, "Ken", restored.Identity.Metadata.Name)

	require.NoError(t, second.SignOut(ctx))
	stored, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored)

	// the first client's token was revoked with the session.
	third := newClient(t, env, rest.WithTokenStore(store))
	restored, err = third.Session(ctx)
	require.NoError(t, err)
	assert.Nil(t, restored)

	require.NoError(t, first.SignOut(ctx), "a revoked session still signs out")
}

func TestRejectedStoredSessionIsDiscarded(t *testing.T) {
	env := handlertest.New(t)

	token, expiresAt, err := jwt.GenerateToken(randx.UserID(), randx.SessionID(), "eve@example.com", "other-secret", time.Hour)
	require.NoError(t, err)

	store := &rest.MemoryTokenStore{}
	require.NoError(t, store.Save(&session.Session{AccessToken: token, ExpiresAt: expiresAt}))

	c := newClient(t, env, rest.WithTokenStore(store))
	s, err := c.Session(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestOAuth(t *testing.T) {
	ctx := context.Background()

	env := handlertest.New(t)
	_, err := newClient(t, env).SignInWithOAuth(ctx, backend.ProviderGoogle)
	be := requireKind(t, err, backend.KindProviderUnavailable)
	assert.Equal(t, errs.ErrProviderNotEnabled, be.Code)

	google := handlertest.FakeGoogle(t, `{"sub":"g-1","email":"oauth@example.com","name":"O Auth"}`)
	env = handlertest.New(t, handlertest.WithProvider(google))
	target, err := newClient(t, env).SignInWithOAuth(ctx, backend.ProviderGoogle)
	require.NoError(t, err)
	assert.Contains(t, target, "/auth?")
	assert.Contains(t, target, "client_id=client-id")
}

func TestSubscribeReadyAndInsert(t *testing.T) {
	env := handlertest.New(t)
	ctx := context.Background()

	seeded, err := randx.MessageID()
	require.NoError(t, err)
	env.Seed(t, message.Message{ID: seeded, Room: configs.DefaultRoom, Text: "earlier", UserID: "u", DisplayName: "U", CreatedAt: time.Now()})

	reader := newClient(t, env)
	sub, err := reader.Subscribe(ctx, configs.DefaultRoom)
	require.NoError(t, err)

	ev := next(t, sub)
	assert.Equal(t, feed.KindReady, ev.Kind)
	assert.Equal(t, seeded, ev.Cursor)

	writer := newClient(t, env)
	_, err = writer.SignUp(ctx, "writer@example.com", "secret123", user.Metadata{DisplayName: "Writer"})
	require.NoError(t, err)
	sent, err := writer.Insert(ctx, message.Draft{Room: configs.DefaultRoom, Text: "live"})
	require.NoError(t, err)

	ev = next(t, sub)
	assert.Equal(t, feed.KindInsert, ev.Kind)
	assert.Equal(t, sent.ID, ev.Message.ID)
	assert.Equal(t, "live", ev.Message.Text)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	for range sub.Events() {
	}
	assert.NoError(t, sub.Err())
}

func TestSubscribeReceivesTokenRefresh(t *testing.T) {
	env := handlertest.New(t,
		handlertest.WithSessionTTL(90*time.Second),
		handlertest.WithHubOptions(chat.WithPingPeriod(50*time.Millisecond)),
	)
	ctx := context.Background()

	c := newClient(t, env)
	s, err := c.SignUp(ctx, "refresh@example.com", "secret123", user.Metadata{})
	require.NoError(t, err)

	rec := &recorder{}
	defer c.OnAuthStateChange(rec.record)()

	sub, err := c.Subscribe(ctx, configs.DefaultRoom)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, feed.KindReady, next(t, sub).Kind)

	require.Eventually(t, func() bool {
		for _, typ := range rec.types() {
			if typ == session.TokenRefreshed {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	current, err := c.Session(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.False(t, current.ExpiresAt.Before(s.ExpiresAt))
}

func TestSubscribeClosedOnSignOut(t *testing.T) {
	env := handlertest.New(t)
	ctx := context.Background()

	c := newClient(t, env)
	_, err := c.SignUp(ctx, "bye@example.com", "secret123", user.Metadata{})
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, configs.DefaultRoom)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, feed.KindReady, next(t, sub).Kind)

	require.NoError(t, c.SignOut(ctx))

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription still open after sign-out")
	}

	be := requireKind(t, sub.Err(), backend.KindSubscriptionFailure)
	assert.Equal(t, errs.ErrSessionKicked, be.Code)
}

func TestSubscribeRejectsInvalidRoom(t *testing.T) {
	env := handlertest.New(t)

	_, err := newClient(t, env).Subscribe(context.Background(), strings.Repeat("x", 200))
	be := requireKind(t, err, backend.KindSubscriptionFailure)
	assert.Equal(t, http.StatusBadRequest, be.Status)
}
