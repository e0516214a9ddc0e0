/*
Package backend defines the ports the chat core consumes and the tagged errors its adapters return.

Adapters live in subpackages: rest talks to a chatd server over HTTP and WebSocket, memory keeps
everything in process. Every adapter error is a *Error so callers switch on Kind instead of
matching vendor text.
*/
package backend

import (
	"context"

	"foliochat/internal/app/feed"
	"foliochat/internal/app/message"
	"foliochat/internal/app/session"
	"foliochat/internal/app/user"
)

// Provider names an OAuth identity provider.
type Provider string

const ProviderGoogle Provider = "google"

// Auth is the authentication port.
type Auth interface {
	session.Backend

	// SignInWithPassword logs in with email and password.
	SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error)

	// SignUp registers an account. The returned session is nil when the account needs email
	// confirmation first.
	SignUp(ctx context.Context, email, password string, profile user.Metadata) (*session.Session, error)

	// SignInWithOTP emails a magic link.
	SignInWithOTP(ctx context.Context, email string) error

	// SignInWithOAuth returns the provider authorization URL the user has to open.
	SignInWithOAuth(ctx context.Context, provider Provider) (string, error)

	// SignOut ends the current session.
	SignOut(ctx context.Context) error
}

// Client is everything the chat controller needs from a backend.
type Client interface {
	Auth
	message.Backend
	feed.Source
}
