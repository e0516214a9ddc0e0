/*
Package chat contains the realtime hub of the chat server.

This file defines the Manager struct, the entry point of the hub. It creates rooms on demand,
attaches WebSocket subscribers to them, routes inserted messages to the right room and cleans up
rooms whose loop has exited.
*/
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"foliochat/internal/app/message"
	"foliochat/internal/app/realtime"
	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/metrics"
)

const (
	// RoomInactivityTimeout is how long a room without subscribers keeps its loop running.
	RoomInactivityTimeout = 5 * time.Minute

	// MaxSubscribersPerRoom caps the subscribers of a single room.
	MaxSubscribersPerRoom = 512

	// maximum time allowed between pongs from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends pings. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// TokenRefreshWindow is how long before expiry a subscriber's token is refreshed.
	TokenRefreshWindow = 2 * time.Minute

	cursorTimeout = 5 * time.Second
)

// CursorFunc returns the newest message id of a room.
type CursorFunc func(ctx context.Context, room string) (string, error)

type options struct {
	idleTimeout    time.Duration
	pingPeriod     time.Duration
	pongWait       time.Duration
	refreshWindow  time.Duration
	maxSubscribers int
	refresher      TokenRefresher
}

// Option customizes the hub.
type Option func(*options)

// WithIdleTimeout sets how long an empty room stays alive.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithPingPeriod sets the ping interval; the pong deadline follows it.
func WithPingPeriod(d time.Duration) Option {
	return func(o *options) {
		o.pingPeriod = d
		o.pongWait = d * 10 / 9
	}
}

// WithTokenRefresher enables TOKEN_UPDATE frames for signed-in subscribers whose token expires
// within window.
func WithTokenRefresher(r TokenRefresher, window time.Duration) Option {
	return func(o *options) {
		o.refresher = r
		o.refreshWindow = window
	}
}

// WithMaxSubscribers caps the subscribers per room. Zero means unlimited.
func WithMaxSubscribers(n int) Option {
	return func(o *options) { o.maxSubscribers = n }
}

// Manager struct coordinates all active rooms.
type Manager struct {
	// rooms stores the running rooms keyed by room code.
	rooms map[string]*Room

	// mu protects the rooms map.
	mu sync.Mutex

	// cursor reads the newest message id of a room for READY frames.
	cursor CursorFunc

	// opts are shared with every room and client.
	opts *options

	// the channel used by rooms to notify the Manager that their loop exited.
	cleanup chan RoomCleanupMsg

	// wg tracks the cleanup loop, room loops and write pumps.
	wg sync.WaitGroup

	closed bool

	// structured logger with Manager context.
	logger zerolog.Logger
}

// NewManager constructs a Manager and starts its cleanup loop.
func NewManager(cursor CursorFunc, opts ...Option) *Manager {
	o := &options{
		idleTimeout:    RoomInactivityTimeout,
		pingPeriod:     pingPeriod,
		pongWait:       pongWait,
		refreshWindow:  TokenRefreshWindow,
		maxSubscribers: MaxSubscribersPerRoom,
	}
	for _, opt := range opts {
		opt(o)
	}

	m := &Manager{
		rooms:   make(map[string]*Room),
		cursor:  cursor,
		opts:    o,
		cleanup: make(chan RoomCleanupMsg, 64),
		logger:  logx.Component("Manager"),
	}

	m.wg.Add(1)
	go m.runCleanupLoop()

	return m
}

// runCleanupLoop removes rooms whose loop has exited.
func (m *Manager) runCleanupLoop() {
	defer m.wg.Done()

	for msg := range m.cleanup {
		m.deleteRoom(msg.Room)
	}
}

// deleteRoom removes room from the map unless it has already been replaced.
func (m *Manager) deleteRoom(room *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.rooms[room.Code]; ok && current == room {
		delete(m.rooms, room.Code)
		metrics.RealtimeRooms.Dec()
		m.logger.Debug().Str("room", room.Code).Msg("Room removed.")
	}
}

// room returns the running room for code, creating and starting it when create is set.
func (m *Manager) room(code string, create bool) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	if r, ok := m.rooms[code]; ok {
		select {
		case <-r.done:
			delete(m.rooms, code)
			metrics.RealtimeRooms.Dec()
		default:
			return r
		}
	}

	if !create {
		return nil
	}

	r := newRoom(code, m.opts, m.cleanup)
	m.rooms[code] = r
	metrics.RealtimeRooms.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		r.Run()
	}()

	m.logger.Debug().Str("room", code).Msg("Room started.")
	return r
}

// Serve runs a subscription on an upgraded connection until it ends. grant is nil for anonymous
// subscribers. The client is registered before the cursor is read, so every insert committed after
// the cursor reaches it; inserts arriving before READY is written are held back and follow it.
func (m *Manager) Serve(conn *websocket.Conn, roomCode string, grant *Grant) {
	client := m.NewClient(roomCode, conn, grant)

	if !m.track(client.WritePump) {
		_ = conn.Close()
		return
	}

	var room *Room
	for {
		room = m.room(roomCode, true)
		if room == nil {
			client.closeSend()
			client.ReadPump(func(*Client) {})
			return
		}
		if room.Register(client) {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cursorTimeout)
	cursor, err := m.cursor(ctx, roomCode)
	cancel()

	if err != nil {
		m.logger.Error().Err(err).Str("room", roomCode).Msg("Failed to read room cursor")
		client.SendError(errs.NewError(errs.ErrUnknown, err))
		room.Unregister(client)
	} else if err := client.Ready(cursor); err != nil {
		room.Unregister(client)
	}

	client.ReadPump(room.Unregister)
}

// track runs fn in a goroutine the Manager waits for on Shutdown. It returns false once the
// Manager is shut down.
func (m *Manager) track(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()

	return true
}

// Broadcast sends an INSERT for m to the subscribers of its room on this instance.
func (m *Manager) Broadcast(msg message.Message) {
	room := m.room(msg.Room, false)
	if room == nil {
		return
	}

	frame, err := realtime.Encode(realtime.TypeInsert, msg.Room, realtime.InsertPayload{Message: msg})
	if err != nil {
		m.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to build INSERT frame")
		return
	}

	room.Broadcast(frame)
}

// KickSession disconnects the subscribers of a session in every room.
func (m *Manager) KickSession(sessionID string) {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		r.KickSession(sessionID)
	}
}

// Subscribers returns the number of subscribers of room on this instance.
func (m *Manager) Subscribers(roomCode string) int {
	room := m.room(roomCode, false)
	if room == nil {
		return 0
	}
	return room.Len()
}

// Shutdown stops every room, which closes all subscriber connections, and waits for the hub's
// goroutines to exit. It is idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	for _, room := range m.rooms {
		room.Stop()
	}
	m.mu.Unlock()

	for {
		m.mu.Lock()
		pending := make([]*Room, 0, len(m.rooms))
		for _, r := range m.rooms {
			pending = append(pending, r)
		}
		m.mu.Unlock()

		if len(pending) == 0 {
			break
		}
		for _, r := range pending {
			<-r.Done()
			m.deleteRoom(r)
		}
	}

	close(m.cleanup)
	m.wg.Wait()

	m.logger.Info().Msg("Manager shutdown complete.")
}
