/*
Package randx provides functions for generating cryptographically secure random tokens and unique identifiers.

Message ids are ULIDs: they sort lexically in creation order, so a message id doubles as a cursor
into a room's history. Users and sessions get standard UUIDs.
*/
package randx

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	// Base62Chars defines the character set used for Base62 encoding (0-9, A-Z, a-z).
	Base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// Base62Len is the total number of characters in the Base62 character set (62).
	Base62Len = int64(len(Base62Chars))

	// TokenLength is the length of magic link and OAuth state tokens.
	TokenLength = 32

	// MaxRoomLength is the maximum length of a room name.
	MaxRoomLength = 32

	roomChars = "abcdefghijklmnopqrstuvwxyz0123456789-_"
)

// IDGenerator issues ULIDs that are strictly increasing within one process, even inside the same
// millisecond. It is safe for concurrent use.
type IDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewIDGenerator creates a generator reading time from now. A nil now uses time.Now.
func NewIDGenerator(now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}

	return &IDGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     now,
	}
}

// New returns the next id.
func (g *IDGenerator) New() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(g.now()), g.entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %v", err)
	}

	return id.String(), nil
}

var defaultIDs = NewIDGenerator(nil)

// MessageID generates a ULID string to serve as a unique, time-ordered message identifier.
func MessageID() (string, error) {
	return defaultIDs.New()
}

// CursorAt returns the smallest id that could have been issued at t. Every message created at or
// after t sorts after it.
func CursorAt(t time.Time) string {
	var id ulid.ULID
	if err := id.SetTime(ulid.Timestamp(t)); err != nil {
		return ""
	}
	return id.String()
}

// CursorTime extracts the creation time encoded in a message id.
func CursorTime(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

// LookbackCursor returns a cursor window earlier than id. Fetching after it re-reads messages
// created shortly before id, which covers ids issued out of order by concurrent writers.
// An unparsable id yields "" (no lower bound).
func LookbackCursor(id string, window time.Duration) string {
	t, ok := CursorTime(id)
	if !ok {
		return ""
	}
	return CursorAt(t.Add(-window))
}

// IsValidMessageID reports whether id is a well-formed ULID.
func IsValidMessageID(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}

// UserID generates a standard UUID v4 string for a new account.
func UserID() string {
	return uuid.New().String()
}

// SessionID generates a standard UUID v4 string used as the jti of an access token.
func SessionID() string {
	return uuid.New().String()
}

// Token generates a Base62 token of TokenLength characters using crypto/rand.
func Token() (string, error) {
	result := make([]byte, TokenLength)

	for i := range TokenLength {
		num, err := rand.Int(rand.Reader, big.NewInt(Base62Len))
		if err != nil {
			return "", fmt.Errorf("failed to generate random number for token: %v", err)
		}

		result[i] = Base62Chars[num.Int64()]
	}

	return string(result), nil
}

// IsValidRoom checks if the given string is a valid room name.
// Validity criteria include: 1..MaxRoomLength characters from lower-case letters, digits, '-' and '_'.
func IsValidRoom(room string) bool {
	if room == "" || len(room) > MaxRoomLength {
		return false
	}

	for _, char := range room {
		if !strings.ContainsRune(roomChars, char) {
			return false
		}
	}

	return true
}
