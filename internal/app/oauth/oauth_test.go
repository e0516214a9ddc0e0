package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func fakeProvider(t *testing.T, userinfo string) (*Provider, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
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

	p := NewGoogle("client-id", "client-secret", "http://localhost/auth/v1/callback",
		WithEndpoint(oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}, srv.URL+"/userinfo"))

	return p, srv
}

func stateOf(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestAuthorizationCodeFlow(t *testing.T) {
	p, srv := fakeProvider(t, `{"email":"Ada@Example.com","email_verified":true,"name":"Ada Lovelace","picture":"https://img/ada.png"}`)

	authURL, err := p.AuthCodeURL("http://localhost:5173/chat")
	require.NoError(t, err)
	assert.Contains(t, authURL, srv.URL+"/auth?")
	assert.Contains(t, authURL, "client_id=client-id")

	profile, redirectTo, err := p.Exchange(context.Background(), stateOf(t, authURL), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", profile.Email)
	assert.Equal(t, "Ada Lovelace", profile.Name)
	assert.Equal(t, "https://img/ada.png", profile.Picture)
	assert.Equal(t, "http://localhost:5173/chat", redirectTo)
}

func TestStateIsSingleUse(t *testing.T) {
	p, _ := fakeProvider(t, `{"email":"ada@example.com"}`)

	authURL, err := p.AuthCodeURL("")
	require.NoError(t, err)
	state := stateOf(t, authURL)

	_, _, err = p.Exchange(context.Background(), state, "bad-code")
	assert.Error(t, err)

	_, _, err = p.Exchange(context.Background(), state, "good-code")
	assert.ErrorIs(t, err, ErrStateInvalid)

	_, _, err = p.Exchange(context.Background(), "forged", "good-code")
	assert.ErrorIs(t, err, ErrStateInvalid)
}

func TestUnverifiedEmailIsRejected(t *testing.T) {
	p, _ := fakeProvider(t, `{"email":"ada@example.com","email_verified":false}`)

	authURL, err := p.AuthCodeURL("")
	require.NoError(t, err)

	_, _, err = p.Exchange(context.Background(), stateOf(t, authURL), "good-code")
	assert.ErrorIs(t, err, ErrEmailMissing)
}
