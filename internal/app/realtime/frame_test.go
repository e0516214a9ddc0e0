package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foliochat/internal/app/message"
)

func TestInsertFrame(t *testing.T) {
	data, err := Encode(TypeInsert, "lobby", InsertPayload{Message: message.Message{ID: "01A", Room: "lobby", Text: "hi"}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"INSERT"`)

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeInsert, f.Type)
	assert.Equal(t, "lobby", f.Room)

	var p InsertPayload
	require.NoError(t, f.DecodePayload(&p))
	assert.Equal(t, "hi", p.Message.Text)
}

func TestReadyFrameWithEmptyCursor(t *testing.T) {
	data, err := Encode(TypeReady, "lobby", ReadyPayload{})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cursor":""`)

	f, err := Decode(data)
	require.NoError(t, err)

	var p ReadyPayload
	require.NoError(t, f.DecodePayload(&p))
	assert.Empty(t, p.Cursor)
}
