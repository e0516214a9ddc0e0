package controller

import (
	"errors"

	"foliochat/internal/backend"
)

// StatusType is the severity of a Status.
type StatusType string

const (
	StatusLoading StatusType = "loading"
	StatusSuccess StatusType = "success"
	StatusWarning StatusType = "warning"
	StatusError   StatusType = "error"
)

// Action is what TriggerAction does for the current Status.
type Action string

const (
	ActionNone        Action = "none"
	ActionDismiss     Action = "dismiss"
	ActionUseFallback Action = "use_fallback"
)

// Status is the notice shown above the chat.
type Status struct {
	Type       StatusType   `json:"type"`
	Title      string       `json:"title"`
	Message    string       `json:"message"`
	Details    []string     `json:"details,omitempty"`
	ActionText string       `json:"action_text,omitempty"`
	Action     Action       `json:"action"`
	AutoClose  bool         `json:"auto_close,omitempty"`
	Kind       backend.Kind `json:"kind,omitempty"`
}

// ConfirmationType names the "check your inbox" view.
type ConfirmationType string

const (
	ConfirmMagicLink ConfirmationType = "magic-link"
	ConfirmSignUp    ConfirmationType = "signup"
)

// Confirmation replaces the login form after an email was sent.
type Confirmation struct {
	Type  ConfirmationType `json:"type"`
	Email string           `json:"email"`
}

const retryText = "Coba Lagi"

func loading(title, msg string) *Status {
	return &Status{Type: StatusLoading, Title: title, Message: msg, Action: ActionNone}
}

func success(title, msg string) *Status {
	return &Status{Type: StatusSuccess, Title: title, Message: msg, Action: ActionNone, AutoClose: true}
}

func incomplete(msg string) *Status {
	return &Status{
		Type:       StatusWarning,
		Title:      "Data Tidak Lengkap",
		Message:    msg,
		ActionText: "OK",
		Action:     ActionDismiss,
	}
}

// serverText returns the server's message for err, or def.
func serverText(err error, def string) string {
	var be *backend.Error
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	return def
}

// failure builds an error status for err. Timeouts and rate limits get their own wording; other
// kinds use title, msg and details.
func failure(err error, title, msg string, details ...string) *Status {
	kind := backend.KindOf(err)

	switch kind {
	case backend.KindTimeout:
		return &Status{
			Type:       StatusError,
			Title:      "Waktu Habis",
			Message:    "Server tidak merespons. Periksa koneksi internet Anda dan coba lagi.",
			ActionText: retryText,
			Action:     ActionDismiss,
			Kind:       kind,
		}
	case backend.KindRateLimited:
		return &Status{
			Type:       StatusWarning,
			Title:      "Terlalu Banyak Percobaan",
			Message:    "Tunggu sebentar sebelum mencoba lagi.",
			ActionText: "OK",
			Action:     ActionDismiss,
			Kind:       kind,
		}
	}

	return &Status{
		Type:       StatusError,
		Title:      title,
		Message:    msg,
		Details:    details,
		ActionText: retryText,
		Action:     ActionDismiss,
		Kind:       kind,
	}
}

func providerUnavailable() *Status {
	return &Status{
		Type:    StatusError,
		Title:   "Google OAuth Tidak Tersedia",
		Message: "Google OAuth client perlu dikonfigurasi ulang di server chat.",
		Details: []string{
			"Periksa GOOGLE_CLIENT_ID dan GOOGLE_CLIENT_SECRET di konfigurasi server",
			"Pastikan redirect URL terdaftar di Google Cloud Console",
			"Sementara itu gunakan Magic Link atau mode demo",
		},
		ActionText: "Gunakan Mode Demo",
		Action:     ActionUseFallback,
		Kind:       backend.KindProviderUnavailable,
	}
}

func realtimeDegraded() *Status {
	return &Status{
		Type:       StatusWarning,
		Title:      "Koneksi Realtime Terputus",
		Message:    "Pesan baru tidak muncul otomatis. Gunakan Refresh untuk memuat ulang.",
		ActionText: "OK",
		Action:     ActionDismiss,
		Kind:       backend.KindSubscriptionFailure,
	}
}
