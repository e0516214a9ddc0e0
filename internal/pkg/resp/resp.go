/*
Package resp writes the response envelope every chatd endpoint answers with: a business code (0 on
success), a message and an optional data payload. Clients decode the envelope and map non-zero codes
to their own error kinds.
*/
package resp

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/logx"
)

// retryAfterSeconds is advertised on rate-limited responses.
const retryAfterSeconds = 5

// Envelope is the body of every JSON response.
type Envelope struct {
	// Code is 0 on success, otherwise one of the errs codes.
	Code int `json:"code"`

	Message string `json:"message"`

	// Data is the optional response payload.
	Data any `json:"data,omitempty"`
}

// RespondJSON writes payload with the given HTTP status. Responses may carry access tokens, so
// none of them are cacheable.
func RespondJSON(w http.ResponseWriter, r *http.Request, httpStatus int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logx.Error(err, "Error encoding JSON response", "http_status", httpStatus, "path", r.URL.Path)
		http.Error(w, "Error encoding JSON response", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store")

	w.WriteHeader(httpStatus)
	_, _ = w.Write(body)
}

// RespondSuccess sends data with HTTP 200.
func RespondSuccess(w http.ResponseWriter, r *http.Request, data any) {
	RespondJSON(w, r, http.StatusOK, Envelope{Code: 0, Message: "success", Data: data})
}

// RespondError sends the code and message of customErr with its HTTP status.
func RespondError(w http.ResponseWriter, r *http.Request, customErr *errs.CustomError) {
	if customErr == nil {
		customErr = errs.NewError(errs.ErrUnknown)
	}

	if customErr.Code == errs.ErrRateLimitExceeded {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	RespondJSON(w, r, customErr.Status, Envelope{Code: customErr.Code, Message: customErr.Message})
}
