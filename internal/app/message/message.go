/*
Package message holds the chat message model and the client-side Message Store.

A Message is immutable once the backend has persisted it. The Store keeps the ordered,
duplicate-free sequence of messages of one room as seen by the client.
*/
package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"foliochat/internal/app/user"
)

// MaxTextLength is the maximum number of characters of a message text, after trimming.
const MaxTextLength = 1000

var (
	// ErrEmptyMessage is returned when the trimmed text is empty. Sending is a no-op.
	ErrEmptyMessage = errors.New("message cannot be empty")

	// ErrMessageTooLong is returned when the trimmed text exceeds MaxTextLength.
	ErrMessageTooLong = errors.New("message must be at most 1000 characters")

	// ErrNotAuthenticated is returned when sending without an identity.
	ErrNotAuthenticated = errors.New("sign in to send messages")
)

// Message is a persisted chat message.
type Message struct {
	// ID is the backend-assigned identifier. IDs sort in creation order.
	ID string `json:"id"`

	// Room is the chat room the message belongs to.
	Room string `json:"room"`

	// Text is the trimmed message body.
	Text string `json:"text"`

	// UserID identifies the author.
	UserID string `json:"user_id"`

	// DisplayName is the author's name at the time of sending.
	DisplayName string `json:"display_name"`

	// PhotoURL is the author's avatar at the time of sending. Empty renders initials.
	PhotoURL string `json:"photo_url,omitempty"`

	// CreatedAt is the persistence time.
	CreatedAt time.Time `json:"created_at"`
}

// Draft is a message that has not been persisted yet.
type Draft struct {
	Room        string `json:"room"`
	Text        string `json:"text"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// HistoryQuery selects a slice of a room's history. After and UpTo are message ids (cursors);
// empty means unbounded. Results are ordered by creation ascending and hold at most Limit rows,
// keeping the newest ones when the range is larger.
type HistoryQuery struct {
	Room  string
	After string
	UpTo  string
	Limit int
}

// Backend persists and queries messages.
type Backend interface {
	// Insert persists a draft and returns the stored message.
	Insert(ctx context.Context, draft Draft) (Message, error)

	// History returns messages matching the query in creation order.
	History(ctx context.Context, q HistoryQuery) ([]Message, error)
}

// NormalizeText trims the text and validates its length.
func NormalizeText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(trimmed) > MaxTextLength {
		return "", ErrMessageTooLong
	}
	return trimmed, nil
}

// NewDraft builds a draft stamped with the sender's identity.
func NewDraft(room, text string, id *user.Identity) (Draft, error) {
	trimmed, err := NormalizeText(text)
	if err != nil {
		return Draft{}, err
	}
	if id == nil {
		return Draft{}, ErrNotAuthenticated
	}

	return Draft{
		Room:        room,
		Text:        trimmed,
		UserID:      id.ID,
		DisplayName: user.DisplayName(id),
		PhotoURL:    user.AvatarURL(id),
	}, nil
}
