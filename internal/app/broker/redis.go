package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"foliochat/internal/app/message"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/metrics"
)

const (
	// channelPrefix namespaces the per-room pub/sub channels.
	channelPrefix = "foliochat:room:"

	publishTimeout = 2 * time.Second
)

// envelope is the pub/sub payload.
type envelope struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	Message message.Message `json:"message"`
	SentAt  int64           `json:"sent_at"`
}

const typeInsert = "INSERT"

// ChannelName returns the pub/sub channel of room.
func ChannelName(room string) string {
	return channelPrefix + room
}

// encode serializes an insert for publishing.
func encode(m message.Message) ([]byte, error) {
	return json.Marshal(envelope{Type: typeInsert, Room: m.Room, Message: m, SentAt: time.Now().UnixMilli()})
}

// decode parses a payload received on channel. Payloads whose room disagrees with the channel
// are rejected.
func decode(channel, payload string) (message.Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return message.Message{}, err
	}
	if env.Type != typeInsert {
		return message.Message{}, fmt.Errorf("unexpected event type %q", env.Type)
	}
	if room := strings.TrimPrefix(channel, channelPrefix); room != env.Room || env.Message.Room != env.Room {
		return message.Message{}, fmt.Errorf("room mismatch on channel %q", channel)
	}
	return env.Message, nil
}

// Redis fans out through Redis pub/sub.
type Redis struct {
	rdb     *redis.Client
	pubsub  *redis.PubSub
	handler Handler
	logger  zerolog.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRedis connects to redisURL, subscribes to every room channel and starts delivering received
// messages to handler.
func NewRedis(ctx context.Context, redisURL string, handler Handler) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	pubsub := rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("subscribe to redis: %w", err)
	}

	b := &Redis{
		rdb:     rdb,
		pubsub:  pubsub,
		handler: handler,
		logger:  logx.Component("broker"),
	}

	b.wg.Add(1)
	go b.listen()

	b.logger.Info().Str("pattern", channelPrefix+"*").Msg("Subscribed to Redis pub/sub")
	return b, nil
}

func (b *Redis) listen() {
	defer b.wg.Done()

	for msg := range b.pubsub.Channel() {
		m, err := decode(msg.Channel, msg.Payload)
		if err != nil {
			b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed broker payload")
			continue
		}
		b.handler(m)
	}
}

func (b *Redis) Publish(ctx context.Context, m message.Message) error {
	payload, err := encode(m)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.rdb.Publish(ctx, ChannelName(m.Room), payload).Err(); err != nil {
		metrics.BrokerPublishErrors.Inc()
		b.logger.Error().Err(err).Str("room", m.Room).Str("message_id", m.ID).Msg("Failed to publish message")
		return err
	}

	return nil
}

// Close unsubscribes, waits for the listener and closes the connection. It is idempotent.
func (b *Redis) Close() error {
	var err error
	b.once.Do(func() {
		err = b.pubsub.Close()
		b.wg.Wait()
		if cerr := b.rdb.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
