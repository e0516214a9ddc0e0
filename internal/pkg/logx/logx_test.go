package logx

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestAnonymizeIP(t *testing.T) {
	assert.Equal(t, "203.0.113.0", AnonymizeIP("203.0.113.77:5123"))
	assert.Equal(t, "127.0.0.1", AnonymizeIP("[::1]:80"))
	assert.Equal(t, "2001:db8:1:2::", AnonymizeIP("2001:db8:1:2:3:4:5:6"))
	assert.Equal(t, "unknown_ip", AnonymizeIP("not an ip"))
}

func TestRedactQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/realtime/v1/websocket?room=lobby&access_token=secret", nil)
	assert.Equal(t, "/realtime/v1/websocket?access_token=REDACTED&room=lobby", redactQuery(r))

	r = httptest.NewRequest(http.MethodGet, "/auth/v1/callback?code=abc&state=xyz", nil)
	assert.Equal(t, "/auth/v1/callback?code=REDACTED&state=REDACTED", redactQuery(r))

	r = httptest.NewRequest(http.MethodGet, "/rest/v1/messages?room=lobby&limit=5", nil)
	assert.Equal(t, "/rest/v1/messages?room=lobby&limit=5", redactQuery(r))
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	InitGlobalLogger(Options{Level: "info", Out: &buf})
	t.Cleanup(func() { InitGlobalLogger(Options{Development: true, Level: "warn"}) })

	handler := middleware.RequestID(RequestLogger()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/auth/v1/verify?token=magic", nil))
	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, "token=REDACTED")
	assert.NotContains(t, out, "magic")

	buf.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, buf.String(), "probes log at debug")
}

func TestCtxFallsBackToGlobalLogger(t *testing.T) {
	assert.Same(t, Logger(), Ctx(context.Background()))

	scoped := zerolog.New(&bytes.Buffer{})
	ctx := scoped.WithContext(context.Background())
	assert.NotSame(t, Logger(), Ctx(ctx))
}
