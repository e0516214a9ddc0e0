package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foliochat/internal/app/controller"
	"foliochat/internal/backend"
	"foliochat/internal/backend/memory"
	"foliochat/internal/configs"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startREPL(t *testing.T, cfg *configs.ClientConfig, mem *memory.Backend, input string) (*repl, *syncBuffer) {
	t.Helper()

	var client backend.Client
	if mem != nil {
		client = mem
	}
	ctrl := controller.New(cfg, client)
	t.Cleanup(ctrl.Close)

	out := &syncBuffer{}
	r := newREPL(ctrl, client, strings.NewReader(input), out)
	t.Cleanup(r.close)

	require.NoError(t, ctrl.Start(context.Background()))
	return r, out
}

func memoryConfig() *configs.ClientConfig {
	return &configs.ClientConfig{
		URL:            "http://memory.local",
		AnonKey:        "memory",
		Room:           configs.DefaultRoom,
		RequestTimeout: time.Second,
		HistoryLimit:   50,
	}
}

func waitOutput(t *testing.T, out *syncBuffer, cond func(string) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(out.String()) }, 2*time.Second, 5*time.Millisecond, out.String())
}

func TestMagicLinkChatAndLogout(t *testing.T) {
	ctx := context.Background()
	r, out := startREPL(t, memoryConfig(), memory.New(), "/quit\nignored after quit\n")

	r.handle(ctx, "/login ada@example.com")
	assert.Contains(t, out.String(), "Check the inbox of ada@example.com")

	r.handle(ctx, "/confirm ada@example.com")
	waitOutput(t, out, func(s string) bool { return strings.Contains(s, "* Signed in as ada.") })

	r.handle(ctx, "hello there")
	waitOutput(t, out, func(s string) bool { return strings.Contains(s, "ada: hello there") })

	r.handle(ctx, "/whoami")
	assert.Contains(t, out.String(), "ada <ada@example.com>")

	r.handle(ctx, "/logout")
	waitOutput(t, out, func(s string) bool { return strings.Count(s, "* Signed out.") == 2 })

	require.NoError(t, r.run(ctx))
	assert.NotContains(t, out.String(), "ignored after quit")
}

func TestSignUpConfirmThenPassword(t *testing.T) {
	ctx := context.Background()
	r, out := startREPL(t, memoryConfig(), memory.New(), "")

	r.handle(ctx, "/signup grace@example.com secret123 Grace Hopper")
	assert.Contains(t, out.String(), "Check the inbox of grace@example.com")

	r.handle(ctx, "/confirm grace@example.com")
	assert.Contains(t, out.String(), "grace@example.com is confirmed")

	r.handle(ctx, "/password grace@example.com secret123")
	waitOutput(t, out, func(s string) bool { return strings.Contains(s, "* Signed in as Grace Hopper.") })
}

func TestDemoChatWithoutBackend(t *testing.T) {
	r, out := startREPL(t, &configs.ClientConfig{}, nil, strings.Join([]string{
		"too early",
		"/name Guest",
		"hi demo",
		"/token abc",
		"/nope",
	}, "\n"))

	require.NoError(t, r.run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "No chat server configured")
	assert.Contains(t, text, "error: enter a guest name first")
	assert.Contains(t, text, "] Guest: hi demo")
	assert.Contains(t, text, "error: this backend does not accept access tokens")
	assert.Contains(t, text, "error: unknown command /nope")
}
