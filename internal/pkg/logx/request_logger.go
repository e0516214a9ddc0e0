/*
Package logx provides a structured logging wrapper based on zerolog.

This file contains the HTTP middleware that logs the request lifecycle with an anonymized client
address and credentials stripped from the query string.
*/
package logx

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// AnonymizeIP zeroes the last IPv4 octet or keeps only the /64 prefix of an IPv6 address.
func AnonymizeIP(ipStr string) string {
	host, _, err := net.SplitHostPort(ipStr)
	if err == nil {
		ipStr = host
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "unknown_ip"
	}

	if ip.IsLoopback() {
		return "127.0.0.1"
	}

	if v4 := ip.To4(); v4 != nil {
		return v4[:3].String() + ".0"
	}

	if v6 := ip.To16(); v6 != nil {
		return v6.Mask(net.CIDRMask(64, 128)).String()
	}

	return ipStr
}

// sensitiveParams are query parameters that carry credentials: the realtime access token, magic
// link tokens and the OAuth code and state.
var sensitiveParams = []string{"access_token", "token", "code", "state"}

// redactQuery replaces the values of sensitive query parameters.
func redactQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}

	query := r.URL.Query()
	redacted := false
	for _, name := range sensitiveParams {
		if query.Has(name) {
			query.Set(name, "REDACTED")
			redacted = true
		}
	}
	if !redacted {
		return r.URL.Path + "?" + r.URL.RawQuery
	}

	return r.URL.Path + "?" + query.Encode()
}

// probePaths are polled by load balancers and scrapers; they log at Debug.
var probePaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// RequestLogger returns an HTTP middleware that logs every request and injects a request-scoped
// logger into the request context.
func RequestLogger() func(next http.Handler) http.Handler {
	baseLogger := Logger()

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			logger := baseLogger.With().
				Str("component", "http").
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_ip", AnonymizeIP(r.RemoteAddr)).
				Str("request_method", r.Method).
				Str("request_uri", redactQuery(r)).
				Logger()

			r = r.WithContext(logger.WithContext(r.Context()))

			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()

			var event *zerolog.Event
			switch _, probe := probePaths[r.URL.Path]; {
			case status >= 500:
				event = logger.Error()
			case status >= 400:
				event = logger.Warn()
			case probe:
				event = logger.Debug()
			case status == http.StatusSwitchingProtocols || r.Header.Get("Upgrade") != "":
				// realtime connections log once they close; the duration is the session length.
				event = logger.Info().Bool("websocket", true)
			default:
				event = logger.Info()
			}

			event.
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Msg("Request completed")
		}

		return http.HandlerFunc(fn)
	}
}
