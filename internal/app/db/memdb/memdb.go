/*
Package memdb is an in-memory implementation of db.Store.

chatd uses it when DATABASE_URL is "memory" (local demos without PostgreSQL), and the handler tests
use it as their store. Data lives for the lifetime of the process.
*/
package memdb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"foliochat/internal/app/db"
	"foliochat/internal/app/message"
	"foliochat/internal/app/user"
	"foliochat/internal/pkg/randx"
)

// DSN is the DATABASE_URL value that selects this store.
const DSN = "memory"

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu       sync.RWMutex
	users    map[string]db.User
	byEmail  map[string]string
	sessions map[string]db.Session
	links    map[string]db.MagicLink
	messages map[string][]message.Message
	now      func() time.Time
}

var _ db.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]db.User),
		byEmail:  make(map[string]string),
		sessions: make(map[string]db.Session),
		links:    make(map[string]db.MagicLink),
		messages: make(map[string][]message.Message),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for expiry checks and timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) CreateUser(_ context.Context, u db.User) (db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[u.Email]; taken {
		return db.User{}, db.ErrDuplicate
	}

	u.CreatedAt = s.now()
	s.users[u.ID] = u
	s.byEmail[u.Email] = u.ID
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (db.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return db.User{}, db.ErrNotFound
	}
	return s.users[id], nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (db.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return db.User{}, db.ErrNotFound
	}
	return u, nil
}

func (s *Store) ConfirmUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return db.ErrNotFound
	}
	if u.ConfirmedAt == nil {
		now := s.now()
		u.ConfirmedAt = &now
		s.users[id] = u
	}
	return nil
}

func (s *Store) UpsertOAuthUser(_ context.Context, email string, metadata user.Metadata) (db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if id, ok := s.byEmail[email]; ok {
		u := s.users[id]
		u.Metadata = mergeMetadata(u.Metadata, metadata)
		if u.ConfirmedAt == nil {
			u.ConfirmedAt = &now
		}
		s.users[id] = u
		return u, nil
	}

	u := db.User{
		ID:          randx.UserID(),
		Email:       email,
		Metadata:    metadata,
		ConfirmedAt: &now,
		CreatedAt:   now,
	}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return u, nil
}

// mergeMetadata overlays the non-empty fields of next on prev, like jsonb concatenation.
func mergeMetadata(prev, next user.Metadata) user.Metadata {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&prev.FullName, next.FullName)
	set(&prev.Name, next.Name)
	set(&prev.DisplayName, next.DisplayName)
	set(&prev.AvatarURL, next.AvatarURL)
	set(&prev.Picture, next.Picture)
	set(&prev.PhotoURL, next.PhotoURL)
	return prev
}

func (s *Store) UpdateUserAvatar(_ context.Context, id, avatarKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return "", db.ErrNotFound
	}

	previous := u.AvatarKey
	u.AvatarKey = avatarKey
	s.users[id] = u
	return previous, nil
}

func (s *Store) CreateSession(_ context.Context, sess db.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.sessions[sess.ID]; taken {
		return db.ErrDuplicate
	}
	sess.CreatedAt = s.now()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (db.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || !sess.ExpiresAt.After(s.now()) {
		return db.Session{}, db.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ExtendSession(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || !sess.ExpiresAt.After(s.now()) {
		return db.ErrNotFound
	}
	sess.ExpiresAt = expiresAt
	s.sessions[id] = sess
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

func (s *Store) CreateMagicLink(_ context.Context, l db.MagicLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.links[l.Token]; taken {
		return db.ErrDuplicate
	}
	s.links[l.Token] = l
	return nil
}

func (s *Store) ConsumeMagicLink(_ context.Context, token string) (db.MagicLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[token]
	now := s.now()
	if !ok || l.UsedAt != nil || !l.ExpiresAt.After(now) {
		return db.MagicLink{}, db.ErrNotFound
	}

	l.UsedAt = &now
	s.links[token] = l
	return l, nil
}

func (s *Store) InsertMessage(_ context.Context, m message.Message) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.messages[m.Room]
	for _, existing := range rows {
		if existing.ID == m.ID {
			return message.Message{}, db.ErrDuplicate
		}
	}

	m.CreatedAt = s.now()

	// ids normally arrive in order; insert sorted anyway so range queries stay correct.
	i := sort.Search(len(rows), func(i int) bool { return rows[i].ID > m.ID })
	rows = append(rows, message.Message{})
	copy(rows[i+1:], rows[i:])
	rows[i] = m
	s.messages[m.Room] = rows

	return m, nil
}

func (s *Store) ListMessages(_ context.Context, q message.HistoryQuery) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 || limit > db.MaxHistoryLimit {
		limit = db.MaxHistoryLimit
	}

	var out []message.Message
	for _, m := range s.messages[q.Room] {
		if q.After != "" && strings.Compare(m.ID, q.After) <= 0 {
			continue
		}
		if q.UpTo != "" && strings.Compare(m.ID, q.UpTo) > 0 {
			continue
		}
		out = append(out, m)
	}

	if len(out) > limit {
		out = out[len(out)-limit:]
	}

	return append([]message.Message(nil), out...), nil
}

func (s *Store) LatestMessageID(_ context.Context, room string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.messages[room]
	if len(rows) == 0 {
		return "", nil
	}
	return rows[len(rows)-1].ID, nil
}
