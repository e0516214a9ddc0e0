package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"foliochat/internal/app/message"
	"foliochat/internal/app/user"
	"foliochat/internal/pkg/randx"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries runs the server's SQL against a DBTX.
type Queries struct {
	db DBTX
}

// New returns Queries bound to db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

const userColumns = `id::text, email, password_hash, metadata, avatar_key, confirmed_at, created_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Metadata, &u.AvatarKey, &u.ConfirmedAt, &u.CreatedAt)
	return u, notFound(err)
}

const createUser = `
INSERT INTO users (id, email, password_hash, metadata, confirmed_at)
VALUES ($1::uuid, $2, $3, $4, $5)
RETURNING ` + userColumns

// CreateUser inserts a user. A taken email yields a unique violation (see IsUniqueViolation).
func (q *Queries) CreateUser(ctx context.Context, u User) (User, error) {
	return scanUser(q.db.QueryRow(ctx, createUser, u.ID, u.Email, u.PasswordHash, u.Metadata, u.ConfirmedAt))
}

const getUserByEmail = `SELECT ` + userColumns + ` FROM users WHERE email = $1`

func (q *Queries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(q.db.QueryRow(ctx, getUserByEmail, email))
}

const getUserByID = `SELECT ` + userColumns + ` FROM users WHERE id = $1::uuid`

func (q *Queries) GetUserByID(ctx context.Context, id string) (User, error) {
	return scanUser(q.db.QueryRow(ctx, getUserByID, id))
}

const confirmUser = `
UPDATE users SET confirmed_at = COALESCE(confirmed_at, now()), updated_at = now()
WHERE id = $1::uuid`

func (q *Queries) ConfirmUser(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, confirmUser, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const upsertOAuthUser = `
INSERT INTO users (id, email, metadata, confirmed_at)
VALUES ($1::uuid, $2, $3, now())
ON CONFLICT (email) DO UPDATE
SET metadata = users.metadata || EXCLUDED.metadata,
    confirmed_at = COALESCE(users.confirmed_at, now()),
    updated_at = now()
RETURNING ` + userColumns

// UpsertOAuthUser creates the user of a provider login or merges the provider profile into the
// existing account with the same email. Provider logins count as confirmed.
func (q *Queries) UpsertOAuthUser(ctx context.Context, email string, metadata user.Metadata) (User, error) {
	return scanUser(q.db.QueryRow(ctx, upsertOAuthUser, randx.UserID(), email, metadata))
}

const updateUserAvatar = `
UPDATE users u SET avatar_key = $2, updated_at = now()
FROM (SELECT avatar_key FROM users WHERE id = $1::uuid FOR UPDATE) old
WHERE u.id = $1::uuid
RETURNING old.avatar_key`

// UpdateUserAvatar stores the new avatar object key and returns the previous one.
func (q *Queries) UpdateUserAvatar(ctx context.Context, id, avatarKey string) (string, error) {
	var previous string
	err := q.db.QueryRow(ctx, updateUserAvatar, id, avatarKey).Scan(&previous)
	return previous, notFound(err)
}

const createSession = `
INSERT INTO sessions (id, user_id, expires_at) VALUES ($1::uuid, $2::uuid, $3)`

func (q *Queries) CreateSession(ctx context.Context, s Session) error {
	_, err := q.db.Exec(ctx, createSession, s.ID, s.UserID, s.ExpiresAt)
	return err
}

const getSession = `
SELECT id::text, user_id::text, expires_at, created_at FROM sessions
WHERE id = $1::uuid AND expires_at > now()`

// GetSession returns a live session. Expired sessions are reported as ErrNotFound.
func (q *Queries) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	err := q.db.QueryRow(ctx, getSession, id).Scan(&s.ID, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	return s, notFound(err)
}

const extendSession = `UPDATE sessions SET expires_at = $2 WHERE id = $1::uuid AND expires_at > now()`

func (q *Queries) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	tag, err := q.db.Exec(ctx, extendSession, id, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const deleteSession = `DELETE FROM sessions WHERE id = $1::uuid`

// DeleteSession removes the session. Deleting a missing session is not an error.
func (q *Queries) DeleteSession(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, deleteSession, id)
	return err
}

const createMagicLink = `
INSERT INTO magic_links (token, user_id, purpose, redirect_to, expires_at)
VALUES ($1, $2::uuid, $3, $4, $5)`

func (q *Queries) CreateMagicLink(ctx context.Context, l MagicLink) error {
	_, err := q.db.Exec(ctx, createMagicLink, l.Token, l.UserID, l.Purpose, l.RedirectTo, l.ExpiresAt)
	return err
}

const consumeMagicLink = `
UPDATE magic_links SET used_at = now()
WHERE token = $1 AND used_at IS NULL AND expires_at > now()
RETURNING token, user_id::text, purpose, redirect_to, expires_at, used_at`

// ConsumeMagicLink marks the link used and returns it. Unknown, used and expired links are
// reported as ErrNotFound.
func (q *Queries) ConsumeMagicLink(ctx context.Context, token string) (MagicLink, error) {
	var l MagicLink
	err := q.db.QueryRow(ctx, consumeMagicLink, token).
		Scan(&l.Token, &l.UserID, &l.Purpose, &l.RedirectTo, &l.ExpiresAt, &l.UsedAt)
	return l, notFound(err)
}

const insertMessage = `
INSERT INTO messages (id, room, text, user_id, display_name, photo_url)
VALUES ($1, $2, $3, $4::uuid, $5, $6)
RETURNING created_at`

// InsertMessage persists m and returns it with the database timestamp.
func (q *Queries) InsertMessage(ctx context.Context, m message.Message) (message.Message, error) {
	err := q.db.QueryRow(ctx, insertMessage, m.ID, m.Room, m.Text, m.UserID, m.DisplayName, m.PhotoURL).
		Scan(&m.CreatedAt)
	return m, err
}

const listMessages = `
SELECT id, room, text, user_id::text, display_name, photo_url, created_at FROM messages
WHERE room = $1
  AND ($2 = '' OR id > $2)
  AND ($3 = '' OR id <= $3)
ORDER BY id DESC
LIMIT $4`

// ListMessages returns the newest q.Limit messages of the range (q.After, q.UpTo] in ascending
// id order.
func (q *Queries) ListMessages(ctx context.Context, hq message.HistoryQuery) ([]message.Message, error) {
	limit := hq.Limit
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	rows, err := q.db.Query(ctx, listMessages, hq.Room, hq.After, hq.UpTo, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.Room, &m.Text, &m.UserID, &m.DisplayName, &m.PhotoURL, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, nil
}

const latestMessageID = `SELECT COALESCE(MAX(id), '') FROM messages WHERE room = $1`

// LatestMessageID returns the newest message id of room, or "" for an empty room.
func (q *Queries) LatestMessageID(ctx context.Context, room string) (string, error) {
	var id string
	err := q.db.QueryRow(ctx, latestMessageID, room).Scan(&id)
	return id, err
}
