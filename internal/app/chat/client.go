/*
Package chat contains the realtime hub of the chat server: one Room per chat room with a running
event loop, and one Client per WebSocket subscriber.

This file defines the Client struct, representing an active WebSocket connection. It manages the
write and read pumps, holds back inserts until the READY frame is out, and refreshes the access
token of signed-in subscribers before it expires.
*/
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"foliochat/internal/app/realtime"
	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/logx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum allowed size (in bytes) of a frame sent by the client. Clients only answer pings.
	maxMessageSize = 512

	// capacity of the outbound queue, and of the pending queue held before READY.
	sendBufferSize = 256

	// WsCloseCodeSessionKicked is a custom WebSocket close code (4000-4999 range) telling the
	// client its session ended on the server.
	WsCloseCodeSessionKicked = 4001
)

// ErrQueueFull is returned when a subscriber cannot keep up with the room.
var ErrQueueFull = errors.New("client send queue full")

// Grant identifies the session behind a signed-in subscriber.
type Grant struct {
	UserID    string
	SessionID string
	Email     string
	ExpiresAt time.Time
}

// TokenRefresher issues a fresh access token for a grant and returns the new expiry.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, g Grant) (token string, expiresAt time.Time, err error)
}

// Client struct represents an active WebSocket connection and its associated session.
type Client struct {
	// room code the client is subscribed to.
	room string

	// underlying WebSocket connection object.
	conn *websocket.Conn

	// grant is nil for anonymous subscribers.
	grant *Grant

	// hub timing and refresh settings.
	opts *options

	// a buffered channel used to queue frames waiting to be written.
	send chan []byte

	// mu guards ready, pending, closed and every send on the send channel.
	mu      sync.Mutex
	ready   bool
	pending [][]byte
	closed  bool
	kicked  bool

	// structured logger with client and room context.
	logger zerolog.Logger
}

// NewClient constructs a Client for a subscriber of room. grant may be nil.
func (m *Manager) NewClient(room string, conn *websocket.Conn, grant *Grant) *Client {
	ctx := logx.Logger().With().Str("component", "realtime").Str("room", room)
	if grant != nil {
		ctx = ctx.Str("user_id", grant.UserID)
	}

	return &Client{
		room:   room,
		conn:   conn,
		grant:  grant,
		opts:   m.opts,
		send:   make(chan []byte, sendBufferSize),
		logger: ctx.Logger(),
	}
}

// Room returns the room code of the subscription.
func (c *Client) Room() string {
	return c.room
}

// deliver queues an encoded frame from the room loop. Before READY frames are held back.
// It returns false when the client is closed or cannot keep up.
func (c *Client) deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	if !c.ready {
		if len(c.pending) >= sendBufferSize {
			return false
		}
		c.pending = append(c.pending, frame)
		return true
	}

	return c.enqueueLocked(frame) == nil
}

// enqueueLocked attempts to add frame to the send channel without blocking.
func (c *Client) enqueueLocked(frame []byte) error {
	if c.closed {
		return ErrQueueFull
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Msg("Client send channel full, dropping frame")
		return ErrQueueFull
	}
}

// Ready sends the READY frame with cursor and releases the inserts that arrived since the client
// was registered, in arrival order.
func (c *Client) Ready(cursor string) error {
	frame, err := realtime.Encode(realtime.TypeReady, c.room, realtime.ReadyPayload{Cursor: cursor})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enqueueLocked(frame); err != nil {
		return err
	}

	for _, p := range c.pending {
		if err := c.enqueueLocked(p); err != nil {
			return err
		}
	}

	c.pending = nil
	c.ready = true
	return nil
}

// SendError queues an ERROR frame built from err.
func (c *Client) SendError(err error) {
	var customErr *errs.CustomError
	if !errors.As(err, &customErr) {
		customErr = errs.NewError(errs.ErrUnknown, err)
	}

	frame, encErr := realtime.Encode(realtime.TypeError, c.room, realtime.ErrorPayload{
		Code:    customErr.Code,
		Message: customErr.Message,
	})
	if encErr != nil {
		c.logger.Error().Err(encErr).Msg("Failed to build ERROR frame")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enqueueLocked(frame); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to queue ERROR frame")
	}
}

// closeSend closes the send channel, which makes WritePump send a close frame and exit.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		c.pending = nil
		close(c.send)
	}
}

// Close ends the subscription from the server side.
func (c *Client) Close() {
	c.closeSend()
}

// ReadPump reads from the connection until it fails, answering pings and extending the read
// deadline on pongs. unregister is called once the connection is gone.
func (c *Client) ReadPump(unregister func(*Client)) {
	defer func() {
		unregister(c)

		if err := c.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug().Err(err).Msg("Client connection close error")
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Realtime connection closed unexpectedly")
			}
			return
		}
		// inbound frames carry no meaning; the connection is server-push only.
	}
}

// WritePump writes queued frames and periodic pings until the send channel is closed or a write
// fails. It also refreshes the access token of signed-in subscribers.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !c.writeQueuedMessage(frame, ok) {
				return
			}

		case <-ticker.C:
			if !c.writePingMessage() {
				return
			}

			c.checkAndRefreshToken()
		}
	}
}

// writeQueuedMessage writes one frame, or the close frame when the channel was closed.
// It returns false when the pump should stop.
func (c *Client) writeQueuedMessage(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if c.isKicked() {
			closeMessage = websocket.FormatCloseMessage(WsCloseCodeSessionKicked, "session ended")
		}
		if err := c.conn.WriteMessage(websocket.CloseMessage, closeMessage); err != nil {
			c.logger.Debug().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn().Err(err).Msg("Error writing frame")
		return false
	}

	return true
}

// writePingMessage sends a ping to keep the connection alive.
func (c *Client) writePingMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}

// checkAndRefreshToken issues a TOKEN_UPDATE when the grant is inside the refresh window.
func (c *Client) checkAndRefreshToken() {
	c.mu.Lock()
	grant := c.grant
	c.mu.Unlock()

	if grant == nil || c.opts.refresher == nil {
		return
	}

	if time.Now().Before(grant.ExpiresAt.Add(-c.opts.refreshWindow)) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	token, expiresAt, err := c.opts.refresher.RefreshToken(ctx, *grant)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to refresh token; keeping the connection anonymous")
		c.mu.Lock()
		c.grant = nil
		c.mu.Unlock()
		return
	}

	frame, err := realtime.Encode(realtime.TypeTokenUpdate, c.room, realtime.TokenUpdatePayload{
		Token:     token,
		ExpiresAt: expiresAt.Unix(),
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to build TOKEN_UPDATE frame")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enqueueLocked(frame); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to queue TOKEN_UPDATE frame")
		return
	}

	updated := *grant
	updated.ExpiresAt = expiresAt
	c.grant = &updated
}

// sessionID returns the session of the subscriber, or "" for anonymous subscribers.
func (c *Client) sessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.grant == nil {
		return ""
	}
	return c.grant.SessionID
}

// Kick closes the connection with WsCloseCodeSessionKicked after an ERROR frame.
func (c *Client) Kick(reason string) {
	c.logger.Info().Str("reason", reason).Msg("Kicking realtime client")

	c.SendError(errs.NewError(errs.ErrSessionKicked))

	c.mu.Lock()
	c.kicked = true
	c.mu.Unlock()

	c.closeSend()
}

func (c *Client) isKicked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kicked
}
