package handler

import (
	"context"
	"strings"
	"time"

	"foliochat/internal/app/broker"
	"foliochat/internal/app/chat"
	"foliochat/internal/app/db"
	"foliochat/internal/app/mailer"
	"foliochat/internal/app/oauth"
	"foliochat/internal/app/storage"
	"foliochat/internal/app/user"
	"foliochat/internal/configs"
	"foliochat/internal/pkg/auth/jwt"
	"foliochat/internal/pkg/pow"
)

// AppDeps carries the services the HTTP handlers use.
type AppDeps struct {
	Config *configs.AppConfig
	Store  db.Store
	Hub    *chat.Manager
	Broker broker.Broker

	// Storage is nil when avatar storage is not configured.
	Storage storage.StorageService

	Mailer mailer.Mailer
	PoW    *pow.Manager

	// OAuth holds the enabled providers keyed by name.
	OAuth map[string]*oauth.Provider

	// Now defaults to time.Now.
	Now func() time.Time
}

func (d *AppDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// avatarURL returns the public URL serving an uploaded avatar.
func (d *AppDeps) avatarURL(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimRight(d.Config.PublicURL, "/") + "/auth/v1/avatar/" + key
}

// identityOf builds the identity clients see for a user row.
func (d *AppDeps) identityOf(u db.User) *user.Identity {
	return &user.Identity{
		ID:        u.ID,
		Email:     u.Email,
		Metadata:  u.Metadata,
		AvatarURL: d.avatarURL(u.AvatarKey),
	}
}

// SessionRefresher extends a session and signs a new access token for it. The realtime hub uses
// it to push TOKEN_UPDATE frames.
type SessionRefresher struct {
	Store  db.Store
	Secret string
	TTL    time.Duration
}

// RefreshToken implements chat.TokenRefresher.
func (s *SessionRefresher) RefreshToken(ctx context.Context, g chat.Grant) (string, time.Time, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = jwt.DefaultSessionExpiration
	}

	if err := s.Store.ExtendSession(ctx, g.SessionID, time.Now().Add(ttl)); err != nil {
		return "", time.Time{}, err
	}

	return jwt.GenerateToken(g.UserID, g.SessionID, g.Email, s.Secret, ttl)
}
