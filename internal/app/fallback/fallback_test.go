package fallback

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoomIsSeeded(t *testing.T) {
	r := NewRoom()

	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsSystem)
	assert.Equal(t, SystemName, msgs[0].UserName)
	assert.Equal(t, WelcomeMessage, msgs[0].Text)
}

func TestGuestSendAppends(t *testing.T) {
	r := NewRoom()
	require.NoError(t, r.SetGuestName("Alice"))

	sent, err := r.Send("hello")
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	last := r.Messages()[1]
	assert.Equal(t, sent, last)
	assert.Equal(t, "Alice", last.UserName)
	assert.Equal(t, "hello", last.Text)
	assert.True(t, last.IsGuest)
}

func TestSendRequiresGuestName(t *testing.T) {
	r := NewRoom()

	_, err := r.Send("hello")
	assert.ErrorIs(t, err, ErrGuestNameRequired)
	assert.ErrorIs(t, r.SetGuestName("   "), ErrGuestNameRequired)
	assert.ErrorIs(t, r.SetGuestName(strings.Repeat("n", MaxGuestNameLength+1)), ErrGuestNameTooLong)
	assert.Equal(t, 1, r.Len())
}

func TestSendValidatesText(t *testing.T) {
	r := NewRoom()
	require.NoError(t, r.SetGuestName("Bob"))

	_, err := r.Send("  \t ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = r.Send(strings.Repeat("x", MaxTextLength+1))
	assert.ErrorIs(t, err, ErrMessageTooLong)

	sent, err := r.Send("  " + strings.Repeat("x", MaxTextLength) + "  ")
	require.NoError(t, err)
	assert.Len(t, sent.Text, MaxTextLength)
}

func TestIDsStrictlyIncreaseWithFrozenClock(t *testing.T) {
	r := NewRoom()
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return frozen }
	require.NoError(t, r.SetGuestName("Carol"))

	var prev int64
	for _, m := range r.Messages() {
		prev = m.ID
	}
	for i := 0; i < 5; i++ {
		m, err := r.Send("tick")
		require.NoError(t, err)
		assert.Greater(t, m.ID, prev)
		prev = m.ID
	}
}
