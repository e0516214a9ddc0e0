package rest

import (
	"context"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"foliochat/internal/app/feed"
	"foliochat/internal/app/realtime"
	"foliochat/internal/backend"
)

const (
	subscriptionBuffer = 64

	// maxFrameSize bounds a single realtime frame.
	maxFrameSize = 64 << 10

	// serverSilence is how long the channel may stay quiet, pings included, before it counts as dropped.
	serverSilence = 2 * time.Minute

	closeWait = time.Second
)

// Subscribe opens the realtime channel of room. Signed-in clients pass their access token so the
// server can push token refreshes and close the channel on logout.
func (c *Client) Subscribe(ctx context.Context, room string) (feed.Subscription, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, res, err := c.dialer.DialContext(ctx, c.realtimeURL(room), nil)
	if err != nil {
		if res != nil {
			defer res.Body.Close()

			var env envelope
			if data, readErr := io.ReadAll(io.LimitReader(res.Body, maxFrameSize)); readErr == nil && json.Unmarshal(data, &env) == nil {
				return nil, backend.Classify(backend.OpSubscribe, res.StatusCode, env.Code, env.Message, err)
			}
			return nil, backend.Classify(backend.OpSubscribe, res.StatusCode, 0, "", err)
		}
		return nil, backend.Classify(backend.OpSubscribe, 0, 0, "", err)
	}

	sub := &subscription{
		client: c,
		conn:   conn,
		room:   room,
		events: make(chan feed.Event, subscriptionBuffer),
		done:   make(chan struct{}),
		logger: c.logger.With().Str("room", room).Logger(),
	}

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(serverSilence))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(serverSilence))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(closeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	go sub.readLoop()

	return sub, nil
}

func (c *Client) realtimeURL(room string) string {
	u := c.baseURL.JoinPath("/realtime/v1/websocket")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	query := url.Values{
		apiKeyHeader: {c.anonKey},
		"room":       {room},
	}
	if token := c.token(); token != "" {
		query.Set("access_token", token)
	}
	u.RawQuery = query.Encode()

	return u.String()
}

// subscription is one realtime WebSocket. readLoop owns the read side and closes events on exit.
type subscription struct {
	client *Client
	conn   *websocket.Conn
	room   string
	events chan feed.Event
	done   chan struct{}

	// mu protects err and closed.
	mu     sync.Mutex
	err    error
	closed bool
	once   sync.Once

	logger zerolog.Logger
}

func (s *subscription) Events() <-chan feed.Event {
	return s.events
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	return s.err
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWait))
		_ = s.conn.Close()
	})
	return nil
}

// fail records the first cause of the channel ending.
func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.err = err
	}
}

func (s *subscription) send(ev feed.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *subscription) readLoop() {
	defer close(s.events)
	defer s.conn.Close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(backend.Classify(backend.OpSubscribe, 0, 0, "", err))
			return
		}

		frame, err := realtime.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed realtime frame.")
			continue
		}

		var ok bool
		switch frame.Type {
		case realtime.TypeReady:
			var p realtime.ReadyPayload
			if err := frame.DecodePayload(&p); err != nil {
				s.fail(backend.Classify(backend.OpSubscribe, 0, 0, "", err))
				return
			}
			ok = s.send(feed.Event{Kind: feed.KindReady, Cursor: p.Cursor})

		case realtime.TypeInsert:
			var p realtime.InsertPayload
			if err := frame.DecodePayload(&p); err != nil {
				s.logger.Warn().Err(err).Msg("Dropping malformed INSERT frame.")
				continue
			}
			ok = s.send(feed.Event{Kind: feed.KindInsert, Message: p.Message})

		case realtime.TypeTokenUpdate:
			var p realtime.TokenUpdatePayload
			if err := frame.DecodePayload(&p); err == nil && p.Token != "" {
				s.client.refreshed(p.Token, time.Unix(p.ExpiresAt, 0))
			}
			ok = true

		case realtime.TypeError:
			var p realtime.ErrorPayload
			_ = frame.DecodePayload(&p)
			s.logger.Warn().Int("code", p.Code).Str("message", p.Message).Msg("Realtime channel closed by server.")
			s.fail(backend.Classify(backend.OpSubscribe, 0, p.Code, p.Message, nil))
			ok = true

		default:
			ok = true
		}

		if !ok {
			return
		}
	}
}
