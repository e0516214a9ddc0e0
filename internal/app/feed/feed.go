/*
Package feed delivers the realtime insert stream of one chat room.

A subscription starts with a ready event carrying the cursor (the newest message id at subscription
time) and continues with one insert event per newly persisted message, in delivery order. History
is never replayed; callers reconcile the gap themselves using the cursor. When an open channel
drops, the Feed reconnects with exponential backoff and every successful reconnect starts again
with a ready event.
*/
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"foliochat/internal/app/message"
	"foliochat/internal/pkg/logx"
)

const (
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 10 * time.Second
	defaultMaxRetries = 5
)

var (
	// ErrAlreadySubscribed is returned by Subscribe while a subscription is running.
	ErrAlreadySubscribed = errors.New("feed already subscribed")

	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("feed closed")
)

// Kind is the type of a feed event.
type Kind string

const (
	// KindReady marks the start of a (re)connected channel. Cursor holds the newest id at that time.
	KindReady Kind = "ready"

	// KindInsert carries one newly persisted message.
	KindInsert Kind = "insert"

	// KindDegraded reports that the channel is gone for good. Err holds the cause.
	KindDegraded Kind = "degraded"
)

// Event is one item of the realtime stream.
type Event struct {
	Kind    Kind
	Cursor  string
	Message message.Message
	Err     error
}

// Subscription is one open realtime channel.
type Subscription interface {
	// Events is closed when the channel drops or is closed.
	Events() <-chan Event

	// Err returns why Events was closed, if it was not closed by Close.
	Err() error

	// Close releases the channel. It is idempotent.
	Close() error
}

// Source opens realtime channels.
type Source interface {
	Subscribe(ctx context.Context, room string) (Subscription, error)
}

// State describes the Feed lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
)

// Option customizes a Feed.
type Option func(*Feed)

// WithBackoff sets the reconnection schedule: exponential from base, capped at max per wait,
// at most retries attempts.
func WithBackoff(base, max time.Duration, retries uint64) Option {
	return func(f *Feed) {
		f.baseDelay = base
		f.maxDelay = max
		f.maxRetries = retries
	}
}

// Feed manages the realtime channel of one room.
type Feed struct {
	source Source
	room   string

	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries uint64

	// mu protects state, cancel and done.
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	logger zerolog.Logger
}

// New constructs an idle Feed for room.
func New(source Source, room string, opts ...Option) *Feed {
	f := &Feed{
		source:     source,
		room:       room,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		maxRetries: defaultMaxRetries,
		state:      StateIdle,
		logger:     logx.Logger().With().Str("component", "RealtimeFeed").Str("room", room).Logger(),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// State returns the current lifecycle state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

// Subscribe opens the channel and delivers its events to onEvent from a single goroutine.
// ctx bounds the initial open only; the running subscription lives until Unsubscribe or Close.
// onEvent must not call Unsubscribe or Close.
func (f *Feed) Subscribe(ctx context.Context, onEvent func(Event)) error {
	f.mu.Lock()
	if f.state == StateClosed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.running() {
		f.mu.Unlock()
		return ErrAlreadySubscribed
	}
	f.state = StateConnecting
	f.mu.Unlock()

	sub, err := f.source.Subscribe(ctx, f.room)
	if err != nil {
		f.mu.Lock()
		if f.state == StateConnecting {
			f.state = StateDegraded
		}
		f.mu.Unlock()

		f.logger.Warn().Err(err).Msg("Realtime channel could not be opened.")
		return fmt.Errorf("subscribe %s: %w", f.room, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	f.mu.Lock()
	if f.state != StateConnecting {
		// Closed while opening.
		f.mu.Unlock()
		cancel()
		_ = sub.Close()
		return ErrClosed
	}
	f.state = StateLive
	f.cancel = cancel
	f.done = done
	f.mu.Unlock()

	f.logger.Info().Msg("Realtime channel open.")

	go f.run(runCtx, sub, onEvent, done)
	return nil
}

// running reports whether a run goroutine is still active. Callers hold mu.
func (f *Feed) running() bool {
	if f.done == nil {
		return false
	}

	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// Unsubscribe stops the running subscription and waits for its goroutine. It is idempotent and
// safe before Subscribe or after a failure.
func (f *Feed) Unsubscribe() {
	f.stop(StateIdle)
}

// Close stops the feed for good.
func (f *Feed) Close() {
	f.stop(StateClosed)
}

func (f *Feed) stop(next State) {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	if cancel != nil {
		cancel()
	}
	if f.state != StateClosed {
		f.state = next
	}
	f.mu.Unlock()

	if done != nil {
		<-done
	}
}

// setState moves to st unless ctx was cancelled by stop.
func (f *Feed) setState(ctx context.Context, st State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ctx.Err() == nil {
		f.state = st
	}
}

func (f *Feed) run(ctx context.Context, sub Subscription, onEvent func(Event), done chan struct{}) {
	defer close(done)

	for {
		f.pump(ctx, sub, onEvent)
		cause := sub.Err()
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}

		f.logger.Warn().Err(cause).Msg("Realtime channel dropped. Reconnecting.")
		f.setState(ctx, StateConnecting)

		next, err := f.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			f.logger.Error().Err(err).Msg("Realtime channel degraded. Giving up reconnecting.")
			f.setState(ctx, StateDegraded)
			onEvent(Event{Kind: KindDegraded, Err: err})
			return
		}

		f.logger.Info().Msg("Realtime channel reconnected.")
		f.setState(ctx, StateLive)
		sub = next
	}
}

// pump forwards events until the channel closes or ctx is cancelled.
func (f *Feed) pump(ctx context.Context, sub Subscription, onEvent func(Event)) {
	events := sub.Events()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			onEvent(ev)

		case <-ctx.Done():
			return
		}
	}
}

func (f *Feed) reconnect(ctx context.Context) (Subscription, error) {
	b := retry.NewExponential(f.baseDelay)
	b = retry.WithCappedDuration(f.maxDelay, b)
	b = retry.WithMaxRetries(f.maxRetries, b)

	var sub Subscription
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++

		s, err := f.source.Subscribe(ctx, f.room)
		if err != nil {
			f.logger.Debug().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed.")
			return retry.RetryableError(err)
		}

		sub = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconnect %s after %d attempts: %w", f.room, attempt, err)
	}

	return sub, nil
}
