/*
Package fallback is the local demo chat shown when no backend is configured.

Messages live only in memory for the lifetime of the Room. Nothing is sent over the network.
*/
package fallback

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// MaxTextLength is the maximum number of characters of a demo message.
	MaxTextLength = 200

	// MaxGuestNameLength is the maximum number of characters of a guest name.
	MaxGuestNameLength = 20

	SystemName     = "System"
	WelcomeMessage = "Selamat datang di demo chat room!"
)

var (
	ErrGuestNameRequired = errors.New("enter a guest name first")
	ErrGuestNameTooLong  = errors.New("guest name must be at most 20 characters")
	ErrEmptyMessage      = errors.New("message cannot be empty")
	ErrMessageTooLong    = errors.New("message must be at most 200 characters")
)

// Message is one demo chat entry.
type Message struct {
	ID        int64     `json:"id"`
	UserName  string    `json:"user_name"`
	Text      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	IsSystem  bool      `json:"is_system,omitempty"`
	IsGuest   bool      `json:"is_guest,omitempty"`
}

// Room is an in-memory demo chat. Ids are strictly increasing.
type Room struct {
	mu        sync.RWMutex
	guestName string
	messages  []Message
	lastID    int64
	now       func() time.Time
}

// NewRoom returns a Room seeded with the welcome message.
func NewRoom() *Room {
	r := &Room{now: time.Now}
	r.append(Message{UserName: SystemName, Text: WelcomeMessage, IsSystem: true})
	return r
}

// SetGuestName sets the name used for later messages.
func (r *Room) SetGuestName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrGuestNameRequired
	}
	if utf8.RuneCountInString(name) > MaxGuestNameLength {
		return ErrGuestNameTooLong
	}

	r.mu.Lock()
	r.guestName = name
	r.mu.Unlock()
	return nil
}

// GuestName returns the current guest name, or "".
func (r *Room) GuestName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.guestName
}

// Send appends a guest message.
func (r *Room) Send(text string) (Message, error) {
	text = strings.TrimSpace(text)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.guestName == "" {
		return Message{}, ErrGuestNameRequired
	}
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return Message{}, ErrMessageTooLong
	}

	return r.append(Message{UserName: r.guestName, Text: text, IsGuest: true}), nil
}

// append stamps m with the next id and the current time. Callers hold mu or own r exclusively.
func (r *Room) append(m Message) Message {
	m.CreatedAt = r.now()

	id := m.CreatedAt.UnixMilli()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	r.lastID = id
	m.ID = id

	r.messages = append(r.messages, m)
	return m
}

// Messages returns a copy of the demo history.
func (r *Room) Messages() []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Len returns the number of messages including the welcome message.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.messages)
}
