package jwt

import (
	"context"
	"net/http"
	"strings"

	"foliochat/internal/pkg/logx"
)

// contextKey isolates the payload stored in the request context.
type contextKey string

const (
	// ContextAuthPayloadKey is the key used to store the parsed Payload in the request context.
	ContextAuthPayloadKey contextKey = "auth_payload"

	// AccessTokenQueryKey is the query parameter carrying the token for WebSocket upgrades,
	// where browsers cannot set headers.
	AccessTokenQueryKey = "access_token"
)

// ExtractToken returns the bearer token from the Authorization header, or from the access_token
// query parameter when the header is absent.
func ExtractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}

	return r.URL.Query().Get(AccessTokenQueryKey)
}

// IdentityExtractorMiddleware attempts to extract and validate a token from the request.
// It injects the Payload into the context on success. It does NOT interrupt the request on failure
// or missing token; the caller is treated as anonymous and handlers decide whether that is enough.
func IdentityExtractorMiddleware(secretKey string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := ExtractToken(r)
			if tokenString == "" {
				next.ServeHTTP(w, r)
				return
			}

			payload, err := ParseToken(tokenString, secretKey)
			if err != nil {
				logx.Debug("Invalid or expired token provided, treating as anonymous", "error", err.Error())
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPayload(r.Context(), payload)))
		})
	}
}

// WithPayload returns a copy of ctx carrying payload.
func WithPayload(ctx context.Context, payload *Payload) context.Context {
	return context.WithValue(ctx, ContextAuthPayloadKey, payload)
}

// GetPayloadFromContext extracts the authenticated Payload from the request context.
// A nil return means the caller is anonymous.
func GetPayloadFromContext(r *http.Request) *Payload {
	payload, ok := r.Context().Value(ContextAuthPayloadKey).(*Payload)
	if !ok {
		return nil
	}
	return payload
}
