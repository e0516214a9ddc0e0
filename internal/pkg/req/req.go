/*
Package req provides helper functions for HTTP request parsing and data binding.

It wraps JSON binding and raw body reads with the size limits and error codes the handlers report,
so every endpoint rejects malformed input the same way.
*/
package req

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"foliochat/internal/pkg/errs"
)

const (
	// MaxJSONBodySize is the largest JSON request body accepted (64 KB).
	MaxJSONBodySize int64 = 64 << 10

	// MaxUploadSize is the largest raw upload accepted before the handler's own checks (4 MB).
	MaxUploadSize int64 = 4 << 20
)

// BindJSON decodes the JSON body of r into dst, rejecting unknown fields, trailing content and
// bodies larger than MaxJSONBodySize.
func BindJSON(w http.ResponseWriter, r *http.Request, dst any) *errs.CustomError {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return errs.NewError(errs.ErrUnsupportedMediaType)
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBodySize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if isTooLarge(err) {
			return errs.NewError(errs.ErrRequestEntityTooLarge)
		}
		return errs.NewError(errs.ErrInvalidJSONFormat)
	}

	if decoder.More() {
		return errs.NewError(errs.ErrExtraContentInBody)
	}

	return nil
}

// ReadBody reads the whole body of r, up to limit bytes.
func ReadBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, *errs.CustomError) {
	if limit <= 0 || limit > MaxUploadSize {
		limit = MaxUploadSize
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isTooLarge(err) {
			return nil, errs.NewError(errs.ErrRequestEntityTooLarge)
		}
		return nil, errs.NewError(errs.ErrInvalidParams)
	}

	return body, nil
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
