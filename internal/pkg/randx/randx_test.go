package randx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDGeneratorIsMonotonicWithinMillisecond(t *testing.T) {
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewIDGenerator(func() time.Time { return frozen })

	prev := ""
	for i := 0; i < 100; i++ {
		id, err := g.New()
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestCursorBoundsIDsByTime(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewIDGenerator(func() time.Time { return at })

	id, err := g.New()
	require.NoError(t, err)

	assert.LessOrEqual(t, CursorAt(at), id)
	assert.Greater(t, CursorAt(at.Add(time.Millisecond)), id)

	got, ok := CursorTime(id)
	require.True(t, ok)
	assert.True(t, got.Equal(at))
}

func TestLookbackCursor(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := NewIDGenerator(func() time.Time { return at }).New()
	require.NoError(t, err)

	assert.Equal(t, CursorAt(at.Add(-5*time.Second)), LookbackCursor(id, 5*time.Second))
	assert.Equal(t, "", LookbackCursor("not-a-ulid", time.Second))
}

func TestMessageIDIsValid(t *testing.T) {
	id, err := MessageID()
	require.NoError(t, err)
	assert.True(t, IsValidMessageID(id))
	assert.False(t, IsValidMessageID("m1"))
}

func TestToken(t *testing.T) {
	a, err := Token()
	require.NoError(t, err)
	b, err := Token()
	require.NoError(t, err)

	assert.Len(t, a, TokenLength)
	assert.NotEqual(t, a, b)
}

func TestIsValidRoom(t *testing.T) {
	assert.True(t, IsValidRoom("lobby"))
	assert.True(t, IsValidRoom("room_2-b"))
	assert.False(t, IsValidRoom(""))
	assert.False(t, IsValidRoom("Lobby"))
	assert.False(t, IsValidRoom("a b"))
	assert.False(t, IsValidRoom("abcdefghijklmnopqrstuvwxyz0123456"))
}
