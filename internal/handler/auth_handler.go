/*
Package handler provides HTTP handler functions for authentication.

Sign-up, password login, email magic links and OAuth all end in issueSession, which stores a
session row and signs an access token carrying its id. Logging out deletes the row and closes the
session's realtime connections.
*/
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"foliochat/internal/app/db"
	"foliochat/internal/app/mailer"
	"foliochat/internal/app/oauth"
	"foliochat/internal/app/session"
	"foliochat/internal/app/user"
	"foliochat/internal/pkg/auth/jwt"
	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/metrics"
	"foliochat/internal/pkg/randx"
	"foliochat/internal/pkg/req"
	"foliochat/internal/pkg/resp"
)

type SignUpInput struct {
	Email    string        `json:"email"`
	Password string        `json:"password"`
	Data     user.Metadata `json:"data"`
}

// SignUpResult is the data of a sign-up response. Session is nil until the email is confirmed.
type SignUpResult struct {
	Session          *session.Session `json:"session"`
	ConfirmationSent bool             `json:"confirmation_sent"`
}

// HandleSignUp registers an email/password account.
func HandleSignUp(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input SignUpInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		email := user.NormalizeEmail(input.Email)
		if err := user.ValidateEmail(email); err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidEmail))
			return
		}
		if err := user.ValidatePassword(input.Password); err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidPassword))
			return
		}
		redirectTo := r.URL.Query().Get("redirect_to")
		if !deps.allowedRedirect(redirectTo) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}
		if input.Data.DisplayName != "" {
			if err := user.ValidateDisplayName(input.Data.DisplayName); err != nil {
				resp.RespondError(w, r, errs.NewError(errs.ErrInvalidDisplayName))
				return
			}
		}

		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown, err))
			return
		}

		row := db.User{
			ID:           randx.UserID(),
			Email:        email,
			PasswordHash: string(hashedPassword),
			Metadata:     input.Data,
		}
		if !deps.Config.ConfirmSignup {
			now := deps.now()
			row.ConfirmedAt = &now
		}

		created, err := deps.Store.CreateUser(r.Context(), row)
		if err != nil {
			if db.IsUniqueViolation(err) {
				logx.Warn("signup conflict: email already registered", "email", email)
				resp.RespondError(w, r, errs.NewError(errs.ErrUserAlreadyExists))
				return
			}

			logx.Error(err, "failed to create user in database")
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		if deps.Config.ConfirmSignup {
			if err := sendMagicLink(r.Context(), deps, created, db.PurposeSignup, redirectTo); err != nil {
				logx.Error(err, "signup: failed to send confirmation link", "user_id", created.ID)
				resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
				return
			}

			metrics.AuthAttempts.WithLabelValues("signup", "pending").Inc()
			resp.RespondSuccess(w, r, SignUpResult{ConfirmationSent: true})
			return
		}

		sess, customErr := issueSession(r.Context(), deps, created)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		metrics.AuthAttempts.WithLabelValues("signup", "success").Inc()
		resp.RespondSuccess(w, r, SignUpResult{Session: sess})
	}
}

type PasswordInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleToken performs a password login (grant_type=password).
func HandleToken(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "password" {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		var input PasswordInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		email := user.NormalizeEmail(input.Email)
		row, err := deps.Store.GetUserByEmail(r.Context(), email)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				logx.Error(err, "login: user fetch failed", "email", email)
				resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
				return
			}
			loginFailed(w, r, "unknown email", email)
			return
		}

		// accounts created by a magic link or OAuth have no password.
		if row.PasswordHash == "" {
			loginFailed(w, r, "no password set", email)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(input.Password)); err != nil {
			loginFailed(w, r, "password mismatch", email)
			return
		}

		if !row.Confirmed() {
			metrics.AuthAttempts.WithLabelValues("password", "unconfirmed").Inc()
			resp.RespondError(w, r, errs.NewError(errs.ErrEmailNotConfirmed))
			return
		}

		sess, customErr := issueSession(r.Context(), deps, row)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		metrics.AuthAttempts.WithLabelValues("password", "success").Inc()
		resp.RespondSuccess(w, r, sess)
	}
}

func loginFailed(w http.ResponseWriter, r *http.Request, reason, email string) {
	logx.Warn("login: "+reason, "email", email)
	metrics.AuthAttempts.WithLabelValues("password", "failure").Inc()
	resp.RespondError(w, r, errs.NewError(errs.ErrInvalidCredentials))
}

type OTPInput struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirect_to,omitempty"`
}

// HandleOTP emails a login link, creating the account on first use. The request must carry a
// proof-of-work token from the challenge endpoints.
func HandleOTP(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.PoW != nil && !deps.PoW.ConsumeProofToken(r) {
			resp.RespondError(w, r, errs.NewError(errs.ErrPowChallengeRequired))
			return
		}

		var input OTPInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		email := user.NormalizeEmail(input.Email)
		if err := user.ValidateEmail(email); err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidEmail))
			return
		}
		if !deps.allowedRedirect(input.RedirectTo) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		row, err := deps.Store.GetUserByEmail(r.Context(), email)
		if errors.Is(err, db.ErrNotFound) {
			row, err = deps.Store.CreateUser(r.Context(), db.User{ID: randx.UserID(), Email: email})
			if db.IsUniqueViolation(err) {
				row, err = deps.Store.GetUserByEmail(r.Context(), email)
			}
		}
		if err != nil {
			logx.Error(err, "otp: failed to load or create user", "email", email)
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		if err := sendMagicLink(r.Context(), deps, row, db.PurposeLogin, input.RedirectTo); err != nil {
			logx.Error(err, "otp: failed to send magic link", "user_id", row.ID)
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		metrics.AuthAttempts.WithLabelValues("otp", "sent").Inc()
		resp.RespondSuccess(w, r, nil)
	}
}

// HandleVerify consumes a magic link. With a redirect target recorded on the link the browser is
// sent there with the session in the URL fragment; otherwise the session is returned as JSON.
func HandleVerify(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			resp.RespondError(w, r, errs.NewError(errs.ErrMagicLinkInvalid))
			return
		}

		link, err := deps.Store.ConsumeMagicLink(r.Context(), token)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				logx.Error(err, "verify: failed to consume magic link")
			}
			metrics.AuthAttempts.WithLabelValues("magic_link", "failure").Inc()
			resp.RespondError(w, r, errs.NewError(errs.ErrMagicLinkInvalid))
			return
		}

		if err := deps.Store.ConfirmUser(r.Context(), link.UserID); err != nil {
			logx.Error(err, "verify: failed to confirm user", "user_id", link.UserID)
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		row, err := deps.Store.GetUserByID(r.Context(), link.UserID)
		if err != nil {
			logx.Error(err, "verify: failed to load user", "user_id", link.UserID)
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		sess, customErr := issueSession(r.Context(), deps, row)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		metrics.AuthAttempts.WithLabelValues("magic_link", "success").Inc()

		linkType := "magiclink"
		if link.Purpose == db.PurposeSignup {
			linkType = "signup"
		}
		respondSession(w, r, sess, link.RedirectTo, linkType)
	}
}

// HandleAuthorize starts an OAuth flow. With skip_http_redirect=true the provider URL is
// returned as JSON instead of a redirect.
func HandleAuthorize(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		provider, ok := deps.OAuth[query.Get("provider")]
		if !ok {
			logx.Warn("authorize: provider not enabled", "provider", query.Get("provider"))
			resp.RespondError(w, r, errs.NewError(errs.ErrProviderNotEnabled))
			return
		}

		redirectTo := query.Get("redirect_to")
		if !deps.allowedRedirect(redirectTo) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		authURL, err := provider.AuthCodeURL(redirectTo)
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown, err))
			return
		}

		if query.Get("skip_http_redirect") == "true" {
			resp.RespondSuccess(w, r, map[string]string{"url": authURL})
			return
		}

		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// HandleOAuthCallback completes an OAuth flow started by HandleAuthorize.
func HandleOAuthCallback(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if providerErr := query.Get("error"); providerErr != "" {
			logx.Warn("oauth callback: provider returned an error", "error", providerErr, "description", query.Get("error_description"))
			metrics.AuthAttempts.WithLabelValues("oauth", "failure").Inc()
			resp.RespondError(w, r, errs.NewError(errs.ErrProviderExchangeFailed))
			return
		}

		state, code := query.Get("state"), query.Get("code")
		if state == "" || code == "" {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		// states are random and only the provider that issued one knows it.
		var (
			profile    oauth.Profile
			redirectTo string
			err        = oauth.ErrStateInvalid
			name       string
		)
		for providerName, provider := range deps.OAuth {
			profile, redirectTo, err = provider.Exchange(r.Context(), state, code)
			if !errors.Is(err, oauth.ErrStateInvalid) {
				name = providerName
				break
			}
		}

		if err != nil {
			logx.Warn("oauth callback: exchange failed", "provider", name, "error", err.Error())
			metrics.AuthAttempts.WithLabelValues("oauth", "failure").Inc()
			resp.RespondError(w, r, errs.NewError(errs.ErrProviderExchangeFailed))
			return
		}

		row, err := deps.Store.UpsertOAuthUser(r.Context(), user.NormalizeEmail(profile.Email), user.Metadata{
			FullName:  profile.Name,
			Name:      profile.Name,
			AvatarURL: profile.Picture,
			Picture:   profile.Picture,
		})
		if err != nil {
			logx.Error(err, "oauth callback: failed to upsert user", "provider", name)
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		sess, customErr := issueSession(r.Context(), deps, row)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		metrics.AuthAttempts.WithLabelValues("oauth", "success").Inc()
		respondSession(w, r, sess, redirectTo, "oauth")
	}
}

// HandleLogout ends the caller's session and disconnects its realtime subscriptions.
func HandleLogout(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, customErr := requireSession(r, deps)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if err := deps.Store.DeleteSession(r.Context(), payload.SessionID()); err != nil {
			logx.Error(err, "logout: failed to delete session", "session_id", payload.SessionID())
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		if deps.Hub != nil {
			deps.Hub.KickSession(payload.SessionID())
		}

		resp.RespondSuccess(w, r, nil)
	}
}

// requireSession returns the caller's token payload when the session behind it is still live.
func requireSession(r *http.Request, deps *AppDeps) (*jwt.Payload, *errs.CustomError) {
	payload := jwt.GetPayloadFromContext(r)
	if payload == nil {
		return nil, errs.NewError(errs.ErrUnauthorized)
	}

	sess, err := deps.Store.GetSession(r.Context(), payload.SessionID())
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			logx.Error(err, "failed to load session", "session_id", payload.SessionID())
		}
		return nil, errs.NewError(errs.ErrUnauthorized)
	}
	if sess.UserID != payload.UserID() {
		return nil, errs.NewError(errs.ErrUnauthorized)
	}

	return payload, nil
}

// issueSession stores a new session for u and signs its access token.
func issueSession(ctx context.Context, deps *AppDeps, u db.User) (*session.Session, *errs.CustomError) {
	ttl := deps.Config.SessionTTL
	if ttl <= 0 {
		ttl = jwt.DefaultSessionExpiration
	}

	sessionID := randx.SessionID()
	token, expiresAt, err := jwt.GenerateToken(u.ID, sessionID, u.Email, deps.Config.JWTSecret, ttl)
	if err != nil {
		logx.Error(err, "failed to generate access token", "user_id", u.ID)
		return nil, errs.NewError(errs.ErrUnknown)
	}

	if err := deps.Store.CreateSession(ctx, db.Session{ID: sessionID, UserID: u.ID, ExpiresAt: expiresAt}); err != nil {
		logx.Error(err, "failed to store session", "user_id", u.ID)
		return nil, errs.NewError(errs.ErrUnknown)
	}

	return &session.Session{
		AccessToken: token,
		ExpiresAt:   expiresAt,
		Identity:    deps.identityOf(u),
	}, nil
}

// respondSession redirects to redirectTo with the session in the fragment, or writes it as JSON
// when there is no redirect target.
func respondSession(w http.ResponseWriter, r *http.Request, sess *session.Session, redirectTo, linkType string) {
	if redirectTo == "" {
		resp.RespondSuccess(w, r, sess)
		return
	}

	fragment := url.Values{}
	fragment.Set("access_token", sess.AccessToken)
	fragment.Set("expires_at", strconv.FormatInt(sess.ExpiresAt.Unix(), 10))
	fragment.Set("token_type", "bearer")
	fragment.Set("type", linkType)

	http.Redirect(w, r, redirectTo+"#"+fragment.Encode(), http.StatusFound)
}

// sendMagicLink stores a single-use link for u and mails it.
func sendMagicLink(ctx context.Context, deps *AppDeps, u db.User, purpose, redirectTo string) error {
	token, err := randx.Token()
	if err != nil {
		return err
	}

	err = deps.Store.CreateMagicLink(ctx, db.MagicLink{
		Token:      token,
		UserID:     u.ID,
		Purpose:    purpose,
		RedirectTo: redirectTo,
		ExpiresAt:  deps.now().Add(deps.Config.MagicLinkTTL),
	})
	if err != nil {
		return fmt.Errorf("store magic link: %w", err)
	}

	link := deps.Config.PublicURL + "/auth/v1/verify?token=" + url.QueryEscape(token)
	return deps.Mailer.SendMagicLink(ctx, u.Email, link, mailer.Purpose(purpose))
}

// allowedRedirect reports whether target may receive a session. Development accepts any http(s)
// URL; otherwise the origin must be the public URL or one of the allowed origins.
func (d *AppDeps) allowedRedirect(target string) bool {
	if target == "" {
		return true
	}

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}

	if d.Config.IsDevelopment() {
		return true
	}

	origin := u.Scheme + "://" + u.Host
	if public, err := url.Parse(d.Config.PublicURL); err == nil && origin == public.Scheme+"://"+public.Host {
		return true
	}
	for _, allowed := range d.Config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
