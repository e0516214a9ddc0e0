package handler_test

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foliochat/internal/app/message"
	"foliochat/internal/app/realtime"
	"foliochat/internal/app/session"
	"foliochat/internal/app/user"
	"foliochat/internal/handler"
	"foliochat/internal/handler/handlertest"
	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/pow"
	"foliochat/internal/pkg/randx"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

var noRedirect = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

type call struct {
	method  string
	path    string
	body    any
	token   string
	noKey   bool
	headers map[string]string
}

func do(t *testing.T, env *handlertest.Env, c call) (*http.Response, envelope) {
	t.Helper()

	var body *bytes.Reader
	switch b := c.body.(type) {
	case nil:
		body = bytes.NewReader(nil)
	case []byte:
		body = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}

	r, err := http.NewRequest(c.method, env.URL+c.path, body)
	require.NoError(t, err)
	if _, raw := c.body.([]byte); !raw && c.body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if !c.noKey {
		r.Header.Set(handler.APIKeyHeader, handlertest.AnonKey)
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.headers {
		r.Header.Set(k, v)
	}

	res, err := noRedirect.Do(r)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })

	var out envelope
	if strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	}
	return res, out
}

func decode[T any](t *testing.T, e envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(e.Data, &v))
	return v
}

func signUp(t *testing.T, env *handlertest.Env, email, name string) *session.Session {
	t.Helper()

	_, e := do(t, env, call{method: http.MethodPost, path: "/auth/v1/signup", body: map[string]any{
		"email":    email,
		"password": "secret123",
		"data":     map[string]string{"display_name": name},
	}})
	require.Equal(t, 0, e.Code, e.Message)

	result := decode[handler.SignUpResult](t, e)
	require.NotNil(t, result.Session)
	return result.Session
}

func TestHealthAndAPIKey(t *testing.T) {
	env := handlertest.New(t)

	res, e := do(t, env, call{method: http.MethodGet, path: "/health", noKey: true})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 0, e.Code)

	res, e = do(t, env, call{method: http.MethodGet, path: "/rest/v1/messages?room=lobby", noKey: true})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, errs.ErrInvalidAPIKey, e.Code)

	res, e = do(t, env, call{method: http.MethodGet, path: "/rest/v1/messages?room=lobby"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, decode[[]message.Message](t, e))
}

func TestSignUpWithoutConfirmationReturnsSession(t *testing.T) {
	env := handlertest.New(t)

	sess := signUp(t, env, "Ada@Example.com", "Ada")
	assert.NotEmpty(t, sess.AccessToken)
	assert.True(t, sess.ExpiresAt.After(time.Now()))
	assert.Equal(t, "ada@example.com", sess.Identity.Email)

	_, e := do(t, env, call{method: http.MethodGet, path: "/auth/v1/user", token: sess.AccessToken})
	require.Equal(t, 0, e.Code)
	id := decode[user.Identity](t, e)
	assert.Equal(t, sess.Identity.ID, id.ID)
	assert.Equal(t, "Ada", user.DisplayName(&id))

	_, e = do(t, env, call{method: http.MethodPost, path: "/auth/v1/signup", body: map[string]any{
		"email": "ada@example.com", "password": "secret123",
	}})
	assert.Equal(t, errs.ErrUserAlreadyExists, e.Code)
}

func TestSignUpConfirmationFlow(t *testing.T) {
	env := handlertest.New(t, handlertest.WithConfirmSignup())

	_, e := do(t, env, call{method: http.MethodPost, path: "/auth/v1/signup", body: map[string]any{
		"email": "grace@example.com", "password": "secret123",
	}})
	require.Equal(t, 0, e.Code, e.Message)
	result := decode[handler.SignUpResult](t, e)
	assert.Nil(t, result.Session)
	assert.True(t, result.ConfirmationSent)

	login := call{method: http.MethodPost, path: "/auth/v1/token?grant_type=password", body: map[string]string{
		"email": "grace@example.com", "password": "secret123",
	}}
	_, e = do(t, env, login)
	assert.Equal(t, errs.ErrEmailNotConfirmed, e.Code)

	mail, ok := env.Outbox.Last("grace@example.com")
	require.True(t, ok)
	assert.EqualValues(t, "signup", mail.Purpose)

	_, e = do(t, env, call{method: http.MethodGet, path: env.VerifyPath(mail.Link), noKey: true})
	require.Equal(t, 0, e.Code, e.Message)
	assert.NotEmpty(t, decode[session.Session](t, e).AccessToken)

	_, e = do(t, env, call{method: http.MethodGet, path: env.VerifyPath(mail.Link), noKey: true})
	assert.Equal(t, errs.ErrMagicLinkInvalid, e.Code)

	_, e = do(t, env, login)
	assert.Equal(t, 0, e.Code)
}

func TestPasswordLoginFailures(t *testing.T) {
	env := handlertest.New(t)
	signUp(t, env, "ada@example.com", "Ada")

	_, e := do(t, env, call{method: http.MethodPost, path: "/auth/v1/token?grant_type=password", body: map[string]string{
		"email": "ada@example.com", "password": "wrong123",
	}})
	assert.Equal(t, errs.ErrInvalidCredentials, e.Code)

	_, e = do(t, env, call{method: http.MethodPost, path: "/auth/v1/token?grant_type=password", body: map[string]string{
		"email": "nobody@example.com", "password": "secret123",
	}})
	assert.Equal(t, errs.ErrInvalidCredentials, e.Code)

	_, e = do(t, env, call{method: http.MethodPost, path: "/auth/v1/token?grant_type=refresh_token", body: map[string]string{}})
	assert.Equal(t, errs.ErrInvalidParams, e.Code)
}

func TestOTPRequiresProofOfWork(t *testing.T) {
	env := handlertest.New(t)
	body := map[string]string{"email": "linus@example.com", "redirect_to": "http://localhost:5173/"}

	res, e := do(t, env, call{method: http.MethodPost, path: "/auth/v1/otp", body: body})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, errs.ErrPowChallengeRequired, e.Code)

	_, e = do(t, env, call{method: http.MethodGet, path: "/auth/v1/challenge"})
	challenge := decode[handler.Challenge](t, e)

	_, e = do(t, env, call{method: http.MethodPost, path: "/auth/v1/challenge", body: handler.SolveInput{
		Nonce:   challenge.Nonce,
		Counter: pow.Solve(challenge.Nonce, challenge.Difficulty),
	}})
	require.Equal(t, 0, e.Code, e.Message)
	proof := decode[map[string]string](t, e)["token"]

	_, e = do(t, env, call{method: http.MethodPost, path: "/auth/v1/otp", body: body, headers: map[string]string{pow.TokenHeaderKey: proof}})
	require.Equal(t, 0, e.Code, e.Message)

	mail, ok := env.Outbox.Last("linus@example.com")
	require.True(t, ok)

	res, _ = do(t, env, call{method: http.MethodGet, path: env.VerifyPath(mail.Link), noKey: true})
	require.Equal(t, http.StatusFound, res.StatusCode)

	location, err := url.Parse(res.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:5173", location.Host)

	fragment, err := url.ParseQuery(location.Fragment)
	require.NoError(t, err)
	assert.NotEmpty(t, fragment.Get("access_token"))
	assert.Equal(t, "magiclink", fragment.Get("type"))
}

func TestInsertAndListMessages(t *testing.T) {
	env := handlertest.New(t)
	sess := signUp(t, env, "ada@example.com", "Ada")

	res, e := do(t, env, call{method: http.MethodPost, path: "/rest/v1/messages", body: message.Draft{Room: "lobby", Text: "hi"}})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, errs.ErrUnauthorized, e.Code)

	_, e = do(t, env, call{method: http.MethodPost, path: "/rest/v1/messages", token: sess.AccessToken, body: message.Draft{Room: "lobby", Text: "   "}})
	assert.Equal(t, errs.ErrMessageEmpty, e.Code)

	_, e = do(t, env, call{method: http.MethodPost, path: "/rest/v1/messages", token: sess.AccessToken, body: message.Draft{
		Room: "lobby", Text: "  hello  ", DisplayName: "Mallory", UserID: "someone-else",
	}})
	require.Equal(t, 0, e.Code, e.Message)
	stored := decode[message.Message](t, e)
	assert.Equal(t, "hello", stored.Text)
	assert.Equal(t, "Ada", stored.DisplayName)
	assert.Equal(t, sess.Identity.ID, stored.UserID)
	assert.True(t, randx.IsValidMessageID(stored.ID))

	_, e = do(t, env, call{method: http.MethodGet, path: "/rest/v1/messages?room=lobby"})
	msgs := decode[[]message.Message](t, e)
	require.Len(t, msgs, 1)
	assert.Equal(t, stored.ID, msgs[0].ID)

	_, e = do(t, env, call{method: http.MethodGet, path: "/rest/v1/messages?room=lobby&after=" + stored.ID})
	assert.Empty(t, decode[[]message.Message](t, e))

	_, e = do(t, env, call{method: http.MethodGet, path: "/rest/v1/messages?room=lobby&limit=0"})
	assert.Equal(t, errs.ErrInvalidParams, e.Code)

	_, e = do(t, env, call{method: http.MethodGet, path: "/rest/v1/messages?room=no%20spaces"})
	assert.Equal(t, errs.ErrRoomInvalid, e.Code)
}

func dialRealtime(t *testing.T, env *handlertest.Env, room, token string) *websocket.Conn {
	t.Helper()

	target := env.WebSocketURL(room)
	if token != "" {
		target += "&access_token=" + url.QueryEscape(token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) realtime.Frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	f, err := realtime.Decode(data)
	require.NoError(t, err)
	return f
}

func TestRealtimeDeliversInserts(t *testing.T) {
	env := handlertest.New(t)
	sess := signUp(t, env, "ada@example.com", "Ada")

	conn := dialRealtime(t, env, "lobby", "")
	ready := readFrame(t, conn)
	require.Equal(t, realtime.TypeReady, ready.Type)

	_, e := do(t, env, call{method: http.MethodPost, path: "/rest/v1/messages", token: sess.AccessToken, body: message.Draft{Room: "lobby", Text: "live"}})
	require.Equal(t, 0, e.Code)

	f := readFrame(t, conn)
	require.Equal(t, realtime.TypeInsert, f.Type)
	var p realtime.InsertPayload
	require.NoError(t, f.DecodePayload(&p))
	assert.Equal(t, "live", p.Message.Text)
}

func TestRealtimeRejectsStaleToken(t *testing.T) {
	env := handlertest.New(t)

	_, res, err := websocket.DefaultDialer.Dial(env.WebSocketURL("lobby")+"&access_token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestLogoutRevokesSessionAndClosesRealtime(t *testing.T) {
	env := handlertest.New(t)
	sess := signUp(t, env, "ada@example.com", "Ada")

	conn := dialRealtime(t, env, "lobby", sess.AccessToken)
	readFrame(t, conn)

	_, e := do(t, env, call{method: http.MethodPost, path: "/auth/v1/logout", token: sess.AccessToken})
	require.Equal(t, 0, e.Code)

	f := readFrame(t, conn)
	require.Equal(t, realtime.TypeError, f.Type)
	var ep realtime.ErrorPayload
	require.NoError(t, f.DecodePayload(&ep))
	assert.Equal(t, errs.ErrSessionKicked, ep.Code)

	_, e = do(t, env, call{method: http.MethodGet, path: "/auth/v1/user", token: sess.AccessToken})
	assert.Equal(t, errs.ErrUnauthorized, e.Code)
}

func TestOAuthAuthorizeAndCallback(t *testing.T) {
	env := handlertest.New(t, handlertest.WithProvider(
		handlertest.FakeGoogle(t, `{"email":"Ada@Example.com","email_verified":true,"name":"Ada Lovelace","picture":"https://img/ada.png"}`),
	))

	_, e := do(t, env, call{method: http.MethodGet, path: "/auth/v1/authorize?provider=github&skip_http_redirect=true"})
	assert.Equal(t, errs.ErrProviderNotEnabled, e.Code)

	_, e = do(t, env, call{method: http.MethodGet, path: "/auth/v1/authorize?provider=google&skip_http_redirect=true"})
	require.Equal(t, 0, e.Code, e.Message)
	authURL, err := url.Parse(decode[map[string]string](t, e)["url"])
	require.NoError(t, err)
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)

	_, e = do(t, env, call{method: http.MethodGet, path: "/auth/v1/callback?state=" + state + "&code=good-code", noKey: true})
	require.Equal(t, 0, e.Code, e.Message)
	sess := decode[session.Session](t, e)
	assert.Equal(t, "ada@example.com", sess.Identity.Email)
	assert.Equal(t, "Ada Lovelace", user.DisplayName(sess.Identity))
	assert.Equal(t, "https://img/ada.png", user.AvatarURL(sess.Identity))

	_, e = do(t, env, call{method: http.MethodGet, path: "/auth/v1/callback?state=" + state + "&code=good-code", noKey: true})
	assert.Equal(t, errs.ErrProviderExchangeFailed, e.Code)
}

var pngImage = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

func TestAvatarUploadAndDownload(t *testing.T) {
	env := handlertest.New(t)
	sess := signUp(t, env, "ada@example.com", "Ada")

	_, e := do(t, env, call{method: http.MethodPut, path: "/auth/v1/user/avatar", token: sess.AccessToken, body: []byte("not an image")})
	assert.Equal(t, errs.ErrAvatarTypeInvalid, e.Code)

	_, e = do(t, env, call{method: http.MethodPut, path: "/auth/v1/user/avatar", token: sess.AccessToken, body: pngImage,
		headers: map[string]string{"Content-Type": "image/png"}})
	require.Equal(t, 0, e.Code, e.Message)
	id := decode[user.Identity](t, e)
	require.True(t, strings.HasPrefix(id.AvatarURL, "http://chat.test/auth/v1/avatar/avatars/"+id.ID+"/"))
	assert.Equal(t, id.AvatarURL, user.AvatarURL(&id))

	key := strings.TrimPrefix(id.AvatarURL, "http://chat.test/auth/v1/avatar/")
	assert.True(t, env.Objects.Has(key))

	res, _ := do(t, env, call{method: http.MethodGet, path: "/auth/v1/avatar/" + key, noKey: true})
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.True(t, strings.HasPrefix(res.Header.Get("Location"), "https://objects.test/"+key))

	_, e = do(t, env, call{method: http.MethodPut, path: "/auth/v1/user/avatar", token: sess.AccessToken, body: pngImage})
	require.Equal(t, 0, e.Code)
	assert.Eventually(t, func() bool { return !env.Objects.Has(key) }, time.Second, 10*time.Millisecond)
}

func TestAvatarUploadWithoutStorage(t *testing.T) {
	env := handlertest.New(t, handlertest.WithoutStorage())
	sess := signUp(t, env, "ada@example.com", "Ada")

	res, e := do(t, env, call{method: http.MethodPut, path: "/auth/v1/user/avatar", token: sess.AccessToken, body: pngImage})
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, errs.ErrStorageNotConfigured, e.Code)
}
