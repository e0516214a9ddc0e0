package limiter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAllowIsPerKey(t *testing.T) {
	l := NewRateLimiter("test", rate.Every(time.Hour), 2)
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())
}

func TestSweepDropsIdleKeys(t *testing.T) {
	l := NewRateLimiter("test", rate.Limit(1000), 1)
	defer l.Stop()

	l.Allow("idle")
	assert.Equal(t, 1, l.sweep(time.Now().Add(time.Second)))
	assert.Zero(t, l.Len())
}

func TestMiddlewareAnswersTooManyRequests(t *testing.T) {
	l := NewRateLimiter("test", rate.Every(time.Hour), 1)
	defer l.Stop()

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), `"code":1007`)
}

func TestStopIsIdempotent(t *testing.T) {
	l := NewRateLimiter("test", rate.Limit(1), 1)
	l.Stop()
	l.Stop()
}
