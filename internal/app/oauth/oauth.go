/*
Package oauth implements the provider login flow of chatd on top of golang.org/x/oauth2.

The server keeps the state parameter of every authorization request it hands out, so a callback is
only accepted for a flow it started. After the code exchange the provider's userinfo endpoint supplies
the email and profile that become the chat identity.
*/
package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"foliochat/internal/pkg/randx"
)

const (
	// GoogleUserInfoURL is Google's OpenID Connect userinfo endpoint.
	GoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

	// StateTTL bounds how long an authorization request may take.
	StateTTL = 10 * time.Minute
)

var (
	// ErrStateInvalid is returned for callbacks whose state is unknown, used or expired.
	ErrStateInvalid = errors.New("oauth state is invalid or expired")

	// ErrEmailMissing is returned when the provider does not disclose a verified email.
	ErrEmailMissing = errors.New("provider did not return a verified email")
)

// Profile is what the provider tells us about the user.
type Profile struct {
	Email   string
	Name    string
	Picture string
}

type pendingState struct {
	redirectTo string
	expires    time.Time
}

// Provider runs the authorization code flow against one provider.
type Provider struct {
	// Name is the provider name used in URLs ("google").
	Name string

	conf        *oauth2.Config
	userInfoURL string

	mu     sync.Mutex
	states map[string]pendingState
	now    func() time.Time
}

// Option customizes a Provider.
type Option func(*Provider)

// WithEndpoint points the provider at other authorization, token and userinfo URLs.
func WithEndpoint(endpoint oauth2.Endpoint, userInfoURL string) Option {
	return func(p *Provider) {
		p.conf.Endpoint = endpoint
		p.userInfoURL = userInfoURL
	}
}

// NewGoogle returns a Google provider. redirectURL must be the public /auth/v1/callback URL.
func NewGoogle(clientID, clientSecret, redirectURL string, opts ...Option) *Provider {
	p := &Provider{
		Name: "google",
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     endpoints.Google,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfoURL: GoogleUserInfoURL,
		states:      make(map[string]pendingState),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// AuthCodeURL starts a flow and returns the URL the browser must visit. redirectTo is where the
// callback sends the browser afterwards; empty means the callback answers with JSON.
func (p *Provider) AuthCodeURL(redirectTo string) (string, error) {
	state, err := randx.Token()
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	now := p.now()
	for s, pending := range p.states {
		if now.After(pending.expires) {
			delete(p.states, s)
		}
	}
	p.states[state] = pendingState{redirectTo: redirectTo, expires: now.Add(StateTTL)}
	p.mu.Unlock()

	return p.conf.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

// Exchange completes a flow: it consumes state, trades code for a token and fetches the profile.
// It returns the profile and the redirect target recorded by AuthCodeURL.
func (p *Provider) Exchange(ctx context.Context, state, code string) (Profile, string, error) {
	p.mu.Lock()
	pending, ok := p.states[state]
	delete(p.states, state)
	p.mu.Unlock()

	if !ok || p.now().After(pending.expires) {
		return Profile{}, "", ErrStateInvalid
	}

	token, err := p.conf.Exchange(ctx, code)
	if err != nil {
		return Profile{}, "", fmt.Errorf("exchange code: %w", err)
	}

	profile, err := p.fetchProfile(ctx, p.conf.Client(ctx, token))
	if err != nil {
		return Profile{}, "", err
	}

	return profile, pending.redirectTo, nil
}

type userInfo struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func (p *Provider) fetchProfile(ctx context.Context, client *http.Client) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return Profile{}, err
	}

	res, err := client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, res.Body)
		return Profile{}, fmt.Errorf("fetch userinfo: unexpected status %d", res.StatusCode)
	}

	var info userInfo
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&info); err != nil {
		return Profile{}, fmt.Errorf("decode userinfo: %w", err)
	}

	email := strings.ToLower(strings.TrimSpace(info.Email))
	if email == "" || (info.EmailVerified != nil && !*info.EmailVerified) {
		return Profile{}, ErrEmailMissing
	}

	return Profile{Email: email, Name: strings.TrimSpace(info.Name), Picture: info.Picture}, nil
}
