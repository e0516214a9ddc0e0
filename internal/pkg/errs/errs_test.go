package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewErrorFormatsTemplate(t *testing.T) {
	err := NewError(ErrMessageContentTooLong, 1000)

	assert.Equal(t, ErrMessageContentTooLong, err.Code)
	assert.Equal(t, "Message must be at most 1000 characters.", err.Message)
	assert.Equal(t, http.StatusBadRequest, err.Status)
}

func TestNewErrorUnknownCodeDegrades(t *testing.T) {
	err := NewError(424242)

	assert.Equal(t, ErrUnknown, err.Code)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
}

func TestNewErrorIgnoresDetailsWithoutVerbs(t *testing.T) {
	err := NewError(ErrRoomInvalid, "lobby")

	assert.Equal(t, "Invalid room.", err.Message)
}

func TestRealtimeOnlyCodeHasOKStatus(t *testing.T) {
	tmpl, ok := Lookup(ErrSessionKicked)

	assert.True(t, ok)
	assert.Equal(t, http.StatusOK, tmpl.Status)
}

func TestEveryCodeHasTemplate(t *testing.T) {
	for code, tmpl := range errorMap {
		assert.Equal(t, code, tmpl.Code, "template registered under the wrong code")
		assert.NotEmpty(t, tmpl.Message, "code %d", code)
	}
}

func TestMatchingByCode(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", NewError(ErrUnauthorized))

	assert.True(t, HasCode(wrapped, ErrUnauthorized))
	assert.False(t, HasCode(wrapped, ErrInvalidAPIKey))
	assert.True(t, errors.Is(wrapped, NewError(ErrUnauthorized)))
	assert.False(t, errors.Is(wrapped, NewError(ErrUnknown)))
	assert.False(t, HasCode(errors.New("plain"), ErrUnknown))
}
