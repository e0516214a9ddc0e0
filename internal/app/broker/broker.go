/*
Package broker fans inserted messages out to the realtime hub of every chatd instance.

With a single instance the Local broker hands messages straight to the hub. When REDIS_URL is set,
the Redis broker publishes each message on a per-room channel and every instance (the publisher
included) delivers what it receives to its own hub, so subscribers connected to any instance see
every insert exactly once.
*/
package broker

import (
	"context"

	"foliochat/internal/app/message"
)

// Handler receives every published message on this instance.
type Handler func(message.Message)

// Broker publishes persisted messages for realtime delivery.
type Broker interface {
	Publish(ctx context.Context, m message.Message) error
	Close() error
}

// Local delivers in process.
type Local struct {
	handler Handler
}

// NewLocal returns a broker that calls handler synchronously on Publish.
func NewLocal(handler Handler) *Local {
	return &Local{handler: handler}
}

func (l *Local) Publish(_ context.Context, m message.Message) error {
	l.handler(m)
	return nil
}

func (l *Local) Close() error {
	return nil
}
