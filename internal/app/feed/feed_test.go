package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"foliochat/internal/app/message"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSub struct {
	events    chan Event
	closeOnce sync.Once
	err       error
}

func newFakeSub(cursor string) *fakeSub {
	s := &fakeSub{events: make(chan Event, 8)}
	s.events <- Event{Kind: KindReady, Cursor: cursor}
	return s
}

func (s *fakeSub) Events() <-chan Event { return s.events }
func (s *fakeSub) Err() error           { return s.err }

func (s *fakeSub) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// drop simulates the server going away.
func (s *fakeSub) drop() {
	s.err = errors.New("connection reset")
	s.Close()
}

type fakeSource struct {
	mu       sync.Mutex
	subs     []*fakeSub
	failures int
	calls    int
}

func (f *fakeSource) Subscribe(context.Context, string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("dial refused")
	}

	sub := newFakeSub(string(rune('a' + len(f.subs))))
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSource) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func collect() (func(Event), <-chan Event) {
	ch := make(chan Event, 16)
	return func(ev Event) { ch <- ev }, ch
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func fastBackoff(retries uint64) Option {
	return WithBackoff(time.Millisecond, 5*time.Millisecond, retries)
}

func TestSubscribeDeliversReadyThenInserts(t *testing.T) {
	source := &fakeSource{}
	f := New(source, "lobby", fastBackoff(3))
	defer f.Close()

	onEvent, got := collect()
	require.NoError(t, f.Subscribe(context.Background(), onEvent))
	assert.Equal(t, StateLive, f.State())

	source.sub(0).events <- Event{Kind: KindInsert, Message: message.Message{ID: "m1"}}

	ready := next(t, got)
	assert.Equal(t, KindReady, ready.Kind)
	assert.Equal(t, "a", ready.Cursor)

	insert := next(t, got)
	assert.Equal(t, KindInsert, insert.Kind)
	assert.Equal(t, "m1", insert.Message.ID)
}

func TestSubscribeFailureDegrades(t *testing.T) {
	f := New(&fakeSource{failures: 1}, "lobby", fastBackoff(3))
	defer f.Close()

	onEvent, _ := collect()
	err := f.Subscribe(context.Background(), onEvent)

	require.Error(t, err)
	assert.Equal(t, StateDegraded, f.State())
}

func TestSubscribeTwiceIsRejected(t *testing.T) {
	f := New(&fakeSource{}, "lobby")
	defer f.Close()

	onEvent, _ := collect()
	require.NoError(t, f.Subscribe(context.Background(), onEvent))
	assert.ErrorIs(t, f.Subscribe(context.Background(), onEvent), ErrAlreadySubscribed)
}

func TestDropReconnectsWithFreshReady(t *testing.T) {
	source := &fakeSource{}
	f := New(source, "lobby", fastBackoff(3))
	defer f.Close()

	onEvent, got := collect()
	require.NoError(t, f.Subscribe(context.Background(), onEvent))
	assert.Equal(t, "a", next(t, got).Cursor)

	source.mu.Lock()
	source.failures = 1
	source.mu.Unlock()
	source.sub(0).drop()

	ready := next(t, got)
	assert.Equal(t, KindReady, ready.Kind)
	assert.Equal(t, "b", ready.Cursor)
	assert.Eventually(t, func() bool { return f.State() == StateLive }, time.Second, 5*time.Millisecond)
}

func TestExhaustedRetriesReportDegraded(t *testing.T) {
	source := &fakeSource{}
	f := New(source, "lobby", fastBackoff(2))
	defer f.Close()

	onEvent, got := collect()
	require.NoError(t, f.Subscribe(context.Background(), onEvent))
	next(t, got)

	source.mu.Lock()
	source.failures = 100
	source.mu.Unlock()
	source.sub(0).drop()

	ev := next(t, got)
	assert.Equal(t, KindDegraded, ev.Kind)
	assert.Error(t, ev.Err)
	assert.Equal(t, StateDegraded, f.State())

	source.mu.Lock()
	assert.Equal(t, 1+3, source.calls)
	source.mu.Unlock()
}

func TestUnsubscribeIsIdempotentAndAllowsResubscribe(t *testing.T) {
	source := &fakeSource{}
	f := New(source, "lobby")

	f.Unsubscribe()

	onEvent, got := collect()
	require.NoError(t, f.Subscribe(context.Background(), onEvent))
	next(t, got)

	f.Unsubscribe()
	f.Unsubscribe()
	assert.Equal(t, StateIdle, f.State())

	require.NoError(t, f.Subscribe(context.Background(), onEvent))
	assert.Equal(t, "b", next(t, got).Cursor)

	f.Close()
	f.Close()
	assert.Equal(t, StateClosed, f.State())
	assert.ErrorIs(t, f.Subscribe(context.Background(), onEvent), ErrClosed)
}
