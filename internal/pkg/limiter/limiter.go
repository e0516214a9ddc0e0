/*
Package limiter provides rate limiting keyed by client IP address or user id.

It uses the token bucket algorithm (rate.Limiter) per key and runs a cleanup goroutine that
periodically removes idle limiters, so the key map does not grow without bound.
*/
package limiter

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/metrics"
	"foliochat/internal/pkg/resp"
)

// cleanupInterval is how often idle limiters are dropped.
const cleanupInterval = 3 * time.Minute

// RateLimiter holds one token bucket per key.
type RateLimiter struct {
	// name labels rate limit metrics and logs.
	name string

	// mu protects concurrent access to the limits map.
	mu sync.RWMutex

	// limits maps a key (IP address or user id) to its limiter.
	limits map[string]*rate.Limiter

	// r is the refill rate in events per second.
	r rate.Limit

	// b is the burst size (token bucket capacity).
	b int

	// stop ends the cleanup goroutine.
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewRateLimiter creates a limiter allowing r events per second with burst b per key and starts
// its cleanup goroutine. Call Stop to release it.
func NewRateLimiter(name string, r rate.Limit, b int) *RateLimiter {
	l := &RateLimiter{
		name:   name,
		limits: make(map[string]*rate.Limiter),
		r:      r,
		b:      b,
		stop:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.cleanUpVisitors()

	return l
}

// GetLimiter returns the limiter of key, creating it on first use.
func (l *RateLimiter) GetLimiter(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limits[key]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		limiter, exists = l.limits[key]
		if !exists {
			limiter = rate.NewLimiter(l.r, l.b)
			l.limits[key] = limiter
		}
		l.mu.Unlock()
	}

	return limiter
}

// Allow reports whether one more event for key fits the budget. Rejections are counted.
func (l *RateLimiter) Allow(key string) bool {
	if l.GetLimiter(key).Allow() {
		return true
	}

	metrics.RateLimitHits.WithLabelValues(l.name).Inc()
	return false
}

// Len returns the number of tracked keys.
func (l *RateLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limits)
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (l *RateLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
	l.wg.Wait()
}

// cleanUpVisitors drops limiters whose bucket is full again, which means the key has been idle
// long enough to have no effect on its next request.
func (l *RateLimiter) cleanUpVisitors() {
	defer l.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *RateLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for key, limiter := range l.limits {
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(l.limits, key)
			count++
		}
	}

	logx.Debug("Rate limiter cleanup finished.", "limiter", l.name, "removed", count, "active", len(l.limits))
	return count
}

// ClientIP returns the remote IP of r without the port. chi's RealIP middleware has already
// rewritten RemoteAddr from proxy headers when it runs first.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	if ip == "" {
		ip = "unknown_ip"
	}

	return ip
}

// Middleware rate limits requests by client IP and answers 429 when the budget is exhausted.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r)) {
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		next.ServeHTTP(w, r)
	})
}
