/*
Package handler provides the HTTP handlers and routing setup for the chatd server.

This file defines the main Router, applying the global middleware (CORS, request ids, logging,
metrics, panic recovery), the anonymous API key check and the per-route rate limiters before
delegating to the auth, message and realtime handlers.
*/
package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"foliochat/internal/pkg/auth/jwt"
	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/limiter"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/metrics"
	"foliochat/internal/pkg/resp"
)

const (
	AuthRate     = 0.2
	AuthBurst    = 5
	ConnectRate  = 1
	ConnectBurst = 10
	SendRate     = 1
	SendBurst    = 5

	// APIKeyHeader carries the anonymous key. Browsers opening a WebSocket pass it as a query
	// parameter of the same name.
	APIKeyHeader = "apikey"

	healthTimeout = 2 * time.Second
)

// Router sets up the HTTP routing table. The returned stop function releases the rate limiters.
func Router(deps *AppDeps) (http.Handler, func()) {
	authLimiter := limiter.NewRateLimiter("auth", rate.Limit(AuthRate), AuthBurst)
	connectLimiter := limiter.NewRateLimiter("connect", rate.Limit(ConnectRate), ConnectBurst)
	sendLimiter := limiter.NewRateLimiter("send", rate.Limit(SendRate), SendBurst)

	stop := func() {
		authLimiter.Stop()
		connectLimiter.Stop()
		sendLimiter.Stop()
	}

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	wsUpgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.IsDevelopment() {
				return true
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients such as the terminal chat.
				return true
			}
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", APIKeyHeader, "X-PoW-Token"},
		ExposedHeaders:   []string{},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", HandleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	apiKey := RequireAPIKey(deps.Config.AnonKey)
	identity := jwt.IdentityExtractorMiddleware(deps.Config.JWTSecret)

	r.Route("/auth/v1", func(auth chi.Router) {
		// opened from emails, provider redirects and <img> tags, which cannot add the key.
		auth.Get("/verify", HandleVerify(deps))
		auth.Get("/callback", HandleOAuthCallback(deps))
		auth.Get("/avatar/*", HandleAvatar(deps))

		auth.Group(func(g chi.Router) {
			g.Use(apiKey)
			g.Use(identity)

			g.With(authLimiter.Middleware).Get("/challenge", HandleGetChallenge(deps))
			g.With(authLimiter.Middleware).Post("/challenge", HandleSolveChallenge(deps))
			g.With(authLimiter.Middleware).Post("/signup", HandleSignUp(deps))
			g.With(authLimiter.Middleware).Post("/token", HandleToken(deps))
			g.With(authLimiter.Middleware).Post("/otp", HandleOTP(deps))
			g.Get("/authorize", HandleAuthorize(deps))
			g.Post("/logout", HandleLogout(deps))
			g.Get("/user", HandleGetUser(deps))
			g.Put("/user/avatar", HandleUploadAvatar(deps))
		})
	})

	r.Route("/rest/v1", func(rest chi.Router) {
		rest.Use(apiKey)
		rest.Use(identity)

		rest.Get("/messages", HandleListMessages(deps))
		rest.Post("/messages", HandleInsertMessage(deps, sendLimiter))
	})

	r.Route("/realtime/v1", func(rt chi.Router) {
		rt.Use(apiKey)
		rt.Use(identity)

		rt.With(connectLimiter.Middleware).Get("/websocket", HandleWebSocket(deps, wsUpgrader))
	})

	return r, stop
}

// pinger is implemented by stores backed by a database server.
type pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealth reports liveness and, for database-backed stores, whether the database answers.
func HandleHealth(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p, ok := deps.Store.(pinger); ok {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()

			if err := p.Ping(ctx); err != nil {
				logx.Error(err, "Health check failed: database unreachable")
				resp.RespondError(w, r, errs.NewError(errs.ErrDatabaseUnavailable))
				return
			}
		}

		resp.RespondSuccess(w, r, map[string]string{
			"status":  "ok",
			"service": "foliochat",
		})
	}
}

// RequireAPIKey rejects requests that do not carry the anonymous key in the apikey header or
// query parameter.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(APIKeyHeader)
			if provided == "" {
				provided = r.URL.Query().Get(APIKeyHeader)
			}

			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				resp.RespondError(w, r, errs.NewError(errs.ErrInvalidAPIKey))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
