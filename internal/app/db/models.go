package db

import (
	"context"
	"time"

	"foliochat/internal/app/message"
	"foliochat/internal/app/user"
)

// Magic link purposes.
const (
	PurposeLogin  = "login"
	PurposeSignup = "signup"
)

// MaxHistoryLimit caps a single history query.
const MaxHistoryLimit = 500

// User is a row of the users table.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Metadata     user.Metadata
	AvatarKey    string
	ConfirmedAt  *time.Time
	CreatedAt    time.Time
}

// Confirmed reports whether the email address was verified.
func (u User) Confirmed() bool {
	return u.ConfirmedAt != nil
}

// Session is a row of the sessions table. Access tokens carry its id.
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// MagicLink is a single-use email login or sign-up confirmation token.
type MagicLink struct {
	Token      string
	UserID     string
	Purpose    string
	RedirectTo string
	ExpiresAt  time.Time
	UsedAt     *time.Time
}

// Store is the persistence surface of the chat server. *Queries implements it on PostgreSQL.
type Store interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	ConfirmUser(ctx context.Context, id string) error
	UpsertOAuthUser(ctx context.Context, email string, metadata user.Metadata) (User, error)
	UpdateUserAvatar(ctx context.Context, id, avatarKey string) (previous string, err error)

	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ExtendSession(ctx context.Context, id string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, id string) error

	CreateMagicLink(ctx context.Context, l MagicLink) error
	ConsumeMagicLink(ctx context.Context, token string) (MagicLink, error)

	InsertMessage(ctx context.Context, m message.Message) (message.Message, error)
	ListMessages(ctx context.Context, q message.HistoryQuery) ([]message.Message, error)
	LatestMessageID(ctx context.Context, room string) (string, error)
}
