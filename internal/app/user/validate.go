package user

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmailRequired is returned for a blank email.
	ErrEmailRequired = errors.New("email is required")

	// ErrEmailInvalid is returned for a malformed email.
	ErrEmailInvalid = errors.New("please enter a valid email address")

	// ErrPasswordInvalid is returned for a password outside the accepted rules.
	ErrPasswordInvalid = errors.New("password must be 6-128 characters and contain a letter and a number")

	// ErrDisplayNameInvalid is returned for a display name outside the accepted rules.
	ErrDisplayNameInvalid = errors.New("display name must be 2-50 letters, numbers, spaces or basic punctuation")
)

var (
	emailRegex       = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	letterRegex      = regexp.MustCompile(`[a-zA-Z]`)
	digitRegex       = regexp.MustCompile(`\d`)
	displayNameRegex = regexp.MustCompile(`^[a-zA-Z0-9\s\-_.]+$`)
)

// ValidateEmail checks the address shape.
func ValidateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return ErrEmailRequired
	}
	if !emailRegex.MatchString(email) {
		return ErrEmailInvalid
	}
	return nil
}

// ValidatePassword requires 6 to 128 characters with at least one letter and one digit.
func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < 6 || n > 128 {
		return ErrPasswordInvalid
	}
	if !letterRegex.MatchString(password) || !digitRegex.MatchString(password) {
		return ErrPasswordInvalid
	}
	return nil
}

// ValidateDisplayName requires 2 to 50 characters from a conservative set.
func ValidateDisplayName(name string) error {
	if utf8.RuneCountInString(strings.TrimSpace(name)) < 2 || utf8.RuneCountInString(name) > 50 {
		return ErrDisplayNameInvalid
	}
	if !displayNameRegex.MatchString(name) {
		return ErrDisplayNameInvalid
	}
	return nil
}

// NormalizeEmail lower-cases and trims an address for storage and lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
