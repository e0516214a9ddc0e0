/*
Package chat contains the realtime hub of the chat server.

This file defines the Room struct, the event loop of a single chat room. It registers and
unregisters subscribers, fans inserted messages out to all of them and shuts itself down after a
period without subscribers.
*/
package chat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/metrics"
)

const broadcastChannelBuffer = 1024

// RoomCleanupMsg tells the Manager that a room loop has exited.
type RoomCleanupMsg struct {
	Room *Room
}

// Room struct represents a single, active chat room.
type Room struct {
	// unique identifier for the room.
	Code string

	// a set of currently connected clients.
	clients map[*Client]struct{}

	// a buffered channel of encoded frames to be sent to all clients.
	broadcast chan []byte

	// a channel for clients requesting to join the room.
	register chan *Client

	// a channel for clients leaving the room.
	unregister chan *Client

	// a channel of session ids whose subscribers must be disconnected.
	kick chan string

	// a write-only channel used to notify the Manager to clean up this room.
	cleanupChan chan<- RoomCleanupMsg

	// closed when the Run loop has exited.
	done chan struct{}

	// used to signal the Room to stop its Run loop immediately.
	stopChan chan struct{}
	stopOnce sync.Once

	// hub settings.
	opts *options

	// mu protects access to the clients map.
	mu sync.RWMutex

	// structured logger with room context.
	logger zerolog.Logger
}

// newRoom creates and initializes a new Room instance.
func newRoom(code string, opts *options, cleanupChan chan<- RoomCleanupMsg) *Room {
	return &Room{
		Code:        code,
		clients:     make(map[*Client]struct{}),
		broadcast:   make(chan []byte, broadcastChannelBuffer),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		kick:        make(chan string),
		cleanupChan: cleanupChan,
		done:        make(chan struct{}),
		stopChan:    make(chan struct{}),
		opts:        opts,
		logger:      logx.Logger().With().Str("component", "room").Str("room", code).Logger(),
	}
}

// Stop signals the Run loop to terminate immediately. It is idempotent.
func (r *Room) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Debug().Msg("Received stop signal. Stopping room.")
		close(r.stopChan)
	})
}

// Done is closed once the Run loop has exited.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// Run is the event loop of the room. It owns client membership and broadcast fan-out.
func (r *Room) Run() {
	idleTimer := time.NewTimer(r.opts.idleTimeout)

	defer func() {
		idleTimer.Stop()

		r.mu.Lock()
		for client := range r.clients {
			client.closeSend()
			delete(r.clients, client)
			metrics.RealtimeSubscribers.Dec()
		}
		r.mu.Unlock()

		select {
		case r.cleanupChan <- RoomCleanupMsg{Room: r}:
		default:
			r.logger.Warn().Msg("Manager cleanup channel full. Skipping cleanup notification.")
		}

		close(r.done)

		r.logger.Info().Msg("Room loop finished.")
	}()

	for {
		select {
		case client := <-r.register:
			r.addClient(client, idleTimer)

		case client := <-r.unregister:
			if r.removeClient(client) == 0 {
				resetTimer(idleTimer, r.opts.idleTimeout)
			}

		case frame := <-r.broadcast:
			if remaining, dropped := r.fanOut(frame); remaining == 0 && dropped > 0 {
				resetTimer(idleTimer, r.opts.idleTimeout)
			}

		case sessionID := <-r.kick:
			if remaining, dropped := r.kickSession(sessionID); remaining == 0 && dropped > 0 {
				resetTimer(idleTimer, r.opts.idleTimeout)
			}

		case <-idleTimer.C:
			if r.Len() == 0 {
				r.logger.Info().Dur("timeout", r.opts.idleTimeout).Msg("Room idle timeout reached.")
				return
			}

		case <-r.stopChan:
			return
		}
	}
}

func (r *Room) addClient(client *Client, idleTimer *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.maxSubscribers > 0 && len(r.clients) >= r.opts.maxSubscribers {
		r.logger.Warn().Int("max_subscribers", r.opts.maxSubscribers).Msg("Room is full. Subscriber rejected.")
		client.SendError(errs.NewError(errs.ErrRateLimitExceeded))
		client.closeSend()
		return
	}

	idleTimer.Stop()

	r.clients[client] = struct{}{}
	metrics.RealtimeSubscribers.Inc()

	r.logger.Debug().Int("subscribers", len(r.clients)).Msg("Client joined room.")
}

// removeClient drops client and returns the remaining number of clients.
func (r *Room) removeClient(client *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[client]; ok {
		delete(r.clients, client)
		client.closeSend()
		metrics.RealtimeSubscribers.Dec()
		r.logger.Debug().Int("subscribers", len(r.clients)).Msg("Client left room.")
	}

	return len(r.clients)
}

// fanOut delivers frame to every client, dropping the ones that cannot keep up.
// It returns the remaining and the dropped number of clients.
func (r *Room) fanOut(frame []byte) (remaining, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for client := range r.clients {
		if !client.deliver(frame) {
			r.logger.Warn().Msg("Client cannot keep up, disconnecting.")
			delete(r.clients, client)
			client.closeSend()
			metrics.RealtimeSubscribers.Dec()
			dropped++
		}
	}

	return len(r.clients), dropped
}

func (r *Room) kickSession(sessionID string) (remaining, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for client := range r.clients {
		if client.sessionID() == sessionID {
			delete(r.clients, client)
			client.Kick("session ended")
			metrics.RealtimeSubscribers.Dec()
			dropped++
		}
	}

	return len(r.clients), dropped
}

// Register hands client to the loop. It returns false when the room has already stopped.
func (r *Room) Register(client *Client) bool {
	select {
	case r.register <- client:
		return true
	case <-r.done:
		return false
	}
}

// Unregister removes client from the room. It never blocks on a stopped room.
func (r *Room) Unregister(client *Client) {
	select {
	case r.unregister <- client:
	case <-r.done:
	}
}

// Broadcast queues an encoded frame for every client.
func (r *Room) Broadcast(frame []byte) bool {
	select {
	case r.broadcast <- frame:
		return true
	case <-r.done:
		return false
	default:
		r.logger.Warn().Msg("Broadcast channel full, dropping frame.")
		return false
	}
}

// KickSession disconnects every subscriber of the session.
func (r *Room) KickSession(sessionID string) {
	select {
	case r.kick <- sessionID:
	case <-r.done:
	}
}

// Len returns the number of connected clients.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
