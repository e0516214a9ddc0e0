/*
Package realtime defines the frames exchanged on the realtime WebSocket.

The server sends every frame; clients only answer pings. A connection starts with READY carrying the
cursor (the newest message id of the room when the subscription became active) and then receives an
INSERT for every later message of the room. TOKEN_UPDATE hands out a refreshed access token and ERROR
precedes a server-side close.
*/
package realtime

import (
	"github.com/goccy/go-json"

	"foliochat/internal/app/message"
)

// FrameType names a frame.
type FrameType string

const (
	TypeReady       FrameType = "READY"
	TypeInsert      FrameType = "INSERT"
	TypeTokenUpdate FrameType = "TOKEN_UPDATE"
	TypeError       FrameType = "ERROR"
)

// Frame is the envelope of every realtime message.
type Frame struct {
	Type    FrameType       `json:"type"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReadyPayload opens the stream.
type ReadyPayload struct {
	// Cursor is the newest message id at subscription time; empty for an empty room.
	Cursor string `json:"cursor"`
}

// InsertPayload carries a newly persisted message.
type InsertPayload struct {
	Message message.Message `json:"message"`
}

// TokenUpdatePayload carries a refreshed access token.
type TokenUpdatePayload struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// ErrorPayload describes why the server is closing the stream.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Encode builds and serializes a frame.
func Encode(t FrameType, room string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: t, Room: room, Payload: raw})
}

// Decode parses a serialized frame. The payload stays raw until DecodePayload.
func Decode(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// DecodePayload unmarshals the frame payload into dst.
func (f Frame) DecodePayload(dst any) error {
	return json.Unmarshal(f.Payload, dst)
}
