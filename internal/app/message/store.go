package message

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"foliochat/internal/app/user"
	"foliochat/internal/pkg/logx"
)

// DefaultHistoryLimit caps history loads when the caller does not set a limit.
const DefaultHistoryLimit = 100

// Store holds the ordered message sequence of one room.
// Order is append order; a message whose id is already present is never added twice.
type Store struct {
	// backend persists and loads messages.
	backend Backend

	// room scopes every backend call.
	room string

	// historyLimit caps LoadHistory.
	historyLimit int

	// mu protects messages, index and newestID.
	mu sync.RWMutex

	// messages is the visible sequence.
	messages []Message

	// index is the set of ids in messages.
	index map[string]struct{}

	// newestID is the greatest id seen so far.
	newestID string

	// structured logger with room context.
	logger zerolog.Logger
}

// NewStore constructs an empty Store for room.
func NewStore(backend Backend, room string, historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	return &Store{
		backend:      backend,
		room:         room,
		historyLimit: historyLimit,
		index:        make(map[string]struct{}),
		logger:       logx.Logger().With().Str("component", "MessageStore").Str("room", room).Logger(),
	}
}

// Room returns the room this store is scoped to.
func (s *Store) Room() string {
	return s.room
}

// LoadHistory fetches the newest persisted messages in creation order and replaces the sequence.
// On error the sequence is left untouched.
func (s *Store) LoadHistory(ctx context.Context) ([]Message, error) {
	return s.LoadHistoryUpTo(ctx, "")
}

// LoadHistoryUpTo is LoadHistory bounded by a cursor; messages newer than upTo are left to the
// realtime feed.
func (s *Store) LoadHistoryUpTo(ctx context.Context, upTo string) ([]Message, error) {
	msgs, err := s.Fetch(ctx, "", upTo)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	s.Replace(msgs)
	s.logger.Debug().Int("count", len(msgs)).Str("up_to", upTo).Msg("History loaded.")

	return s.Messages(), nil
}

// LoadRange fetches (after, upTo] and merges the messages not yet present.
// It returns how many were added.
func (s *Store) LoadRange(ctx context.Context, after, upTo string) (int, error) {
	msgs, err := s.Fetch(ctx, after, upTo)
	if err != nil {
		return 0, fmt.Errorf("load range: %w", err)
	}

	added := s.Merge(msgs)
	s.logger.Debug().Int("fetched", len(msgs)).Int("added", added).Str("after", after).Msg("History range merged.")
	return added, nil
}

// Fetch reads up to the history limit of (after, upTo] from the backend without touching the
// sequence. Empty bounds are open.
func (s *Store) Fetch(ctx context.Context, after, upTo string) ([]Message, error) {
	return s.backend.History(ctx, HistoryQuery{
		Room:  s.room,
		After: after,
		UpTo:  upTo,
		Limit: s.historyLimit,
	})
}

// Merge adds the messages whose id is not present yet. Each one is placed after the last present
// message with a smaller id, so existing messages keep their order. It returns how many were added.
func (s *Store) Merge(msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, m := range msgs {
		if _, dup := s.index[m.ID]; dup {
			continue
		}

		at := len(s.messages)
		for at > 0 && s.messages[at-1].ID > m.ID {
			at--
		}
		s.messages = append(s.messages, Message{})
		copy(s.messages[at+1:], s.messages[at:])
		s.messages[at] = m

		s.index[m.ID] = struct{}{}
		if m.ID > s.newestID {
			s.newestID = m.ID
		}
		added++
	}
	return added
}

// Append adds m at the tail. It returns false when a message with the same id is already present.
func (s *Store) Append(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(m)
}

func (s *Store) appendLocked(m Message) bool {
	if _, dup := s.index[m.ID]; dup {
		return false
	}

	s.messages = append(s.messages, m)
	s.index[m.ID] = struct{}{}
	if m.ID > s.newestID {
		s.newestID = m.ID
	}
	return true
}

// Replace swaps the whole sequence, keeping the first occurrence of each id.
func (s *Store) Replace(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = make([]Message, 0, len(msgs))
	s.index = make(map[string]struct{}, len(msgs))
	s.newestID = ""

	for _, m := range msgs {
		s.appendLocked(m)
	}
}

// Reset empties the sequence.
func (s *Store) Reset() {
	s.Replace(nil)
}

// Messages returns a copy of the visible sequence.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.messages)
}

// Contains reports whether a message with id is present.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.index[id]
	return ok
}

// NewestID returns the greatest id present, or "".
func (s *Store) NewestID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.newestID
}

// Send validates draftText, stamps it with identity and submits it to the backend.
// Empty text is a no-op returning ErrEmptyMessage without any backend call.
// The persisted message is returned but not appended; the caller decides whether to echo it.
func (s *Store) Send(ctx context.Context, draftText string, identity *user.Identity) (Message, error) {
	draft, err := NewDraft(s.room, draftText, identity)
	if err != nil {
		return Message{}, err
	}

	msg, err := s.backend.Insert(ctx, draft)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", draft.UserID).Msg("Message insert failed.")
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	return msg, nil
}
