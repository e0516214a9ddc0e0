package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"foliochat/internal/pkg/errs"
)

// Kind is the category of a backend failure.
type Kind string

const (
	KindConfigurationMissing Kind = "configuration_missing"
	KindAuthFailure          Kind = "auth_failure"
	KindProviderUnavailable  Kind = "provider_unavailable"
	KindSendFailure          Kind = "send_failure"
	KindFetchFailure         Kind = "fetch_failure"
	KindSubscriptionFailure  Kind = "subscription_failure"
	KindTimeout              Kind = "timeout"
	KindRateLimited          Kind = "rate_limited"
	KindUnknown              Kind = "unknown"
)

// Op names the backend call that failed.
type Op string

const (
	OpSession   Op = "session"
	OpSignIn    Op = "sign_in"
	OpSignUp    Op = "sign_up"
	OpOTP       Op = "otp"
	OpOAuth     Op = "oauth"
	OpSignOut   Op = "sign_out"
	OpInsert    Op = "insert"
	OpHistory   Op = "history"
	OpSubscribe Op = "subscribe"
)

// providerMisconfigured lists the vendor texts that mean the OAuth client itself is broken.
var providerMisconfigured = []string{
	"provider is not enabled",
	"Unsupported provider",
	"deleted_client",
}

// Error is a classified backend failure.
type Error struct {
	Kind Kind
	Op   Op

	// Status is the HTTP status, or 0 when no response was received.
	Status int

	// Code is the server business code, or 0.
	Code int

	// Message is the server's user-facing text, if any.
	Message string

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d): %s", e.Op, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or KindUnknown when err is not a backend error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err is a backend error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// Classify builds the tagged error for a failed call. status and code come from the response
// when there was one; message is its text; cause is the transport or decoding error.
func Classify(op Op, status, code int, message string, cause error) *Error {
	e := &Error{Op: op, Status: status, Code: code, Message: message, Err: cause}
	e.Kind = classify(e)
	return e
}

func classify(e *Error) Kind {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return KindTimeout
	}

	switch e.Code {
	case errs.ErrRateLimitExceeded:
		return KindRateLimited
	case errs.ErrInvalidAPIKey:
		return KindConfigurationMissing
	case errs.ErrProviderNotEnabled, errs.ErrProviderExchangeFailed:
		return KindProviderUnavailable
	}

	if e.Status == http.StatusTooManyRequests {
		return KindRateLimited
	}

	if e.Op == OpOAuth && providerBroken(e) {
		return KindProviderUnavailable
	}

	switch e.Op {
	case OpSession, OpSignIn, OpSignUp, OpOTP, OpOAuth, OpSignOut:
		return KindAuthFailure
	case OpInsert:
		return KindSendFailure
	case OpHistory:
		return KindFetchFailure
	case OpSubscribe:
		return KindSubscriptionFailure
	}

	return KindUnknown
}

func providerBroken(e *Error) bool {
	if e.Status == http.StatusUnauthorized {
		return true
	}

	text := e.Message
	if e.Err != nil {
		text += " " + e.Err.Error()
	}
	for _, s := range providerMisconfigured {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}
