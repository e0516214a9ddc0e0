/*
Package user contains the identity of a chat participant and the rules derived from it.

An Identity is the authenticated user's profile as reported by the auth backend. A nil *Identity
means the visitor is not signed in. The helpers in this package derive the display name, avatar
and initials the chat shows for a participant.
*/
package user

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf16"
)

const (
	// AnonymousName is shown for a fully absent identity.
	AnonymousName = "Anonymous"

	// FallbackName is the last entry of the display name chain.
	FallbackName = "User"

	// FallbackInitials is rendered when no name is available.
	FallbackInitials = "U"
)

// Metadata is the provider-supplied profile attached to an identity.
// OAuth providers fill different subsets of these fields.
type Metadata struct {
	FullName    string `json:"full_name,omitempty"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Picture     string `json:"picture,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// Identity represents the authenticated user.
type Identity struct {
	// ID is the stable user identifier assigned by the auth backend.
	ID string `json:"id"`

	// Email is the address the user signed in with.
	Email string `json:"email"`

	// Metadata holds provider-supplied profile fields.
	Metadata Metadata `json:"user_metadata"`

	// AvatarURL is the profile avatar stored by the backend itself.
	AvatarURL string `json:"avatar_url,omitempty"`

	// Picture is a top-level picture URL some providers return.
	Picture string `json:"picture,omitempty"`
}

// firstNonBlank returns the first candidate that is not blank, trimmed.
func firstNonBlank(candidates ...string) string {
	for _, c := range candidates {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// emailLocalPart returns the part of the address before '@'.
func emailLocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

// DisplayName returns the name shown for the identity. It is total: a nil identity yields
// AnonymousName and an identity without any usable name yields FallbackName.
func DisplayName(id *Identity) string {
	if id == nil {
		return AnonymousName
	}

	name := firstNonBlank(
		id.Metadata.FullName,
		id.Metadata.Name,
		id.Metadata.DisplayName,
		emailLocalPart(id.Email),
	)
	if name == "" {
		return FallbackName
	}
	return name
}

// AvatarURL returns the first usable avatar URL of the identity, or "" when the UI should fall
// back to initials.
func AvatarURL(id *Identity) string {
	if id == nil {
		return ""
	}

	return firstNonBlank(
		id.Metadata.AvatarURL,
		id.Metadata.Picture,
		id.Metadata.PhotoURL,
		id.AvatarURL,
		id.Picture,
	)
}

// Initials returns up to two upper-cased initials of the space-separated words of name.
func Initials(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return FallbackInitials
	}

	var b strings.Builder
	count := 0
	for _, word := range strings.Split(name, " ") {
		if word == "" {
			continue
		}
		for _, r := range word {
			b.WriteRune(unicode.ToUpper(r))
			break
		}
		count++
		if count == 2 {
			break
		}
	}

	if b.Len() == 0 {
		return FallbackInitials
	}
	return b.String()
}

// avatarPalette is the set of background colours used for initials avatars.
var avatarPalette = [...]string{
	"red", "blue", "green", "yellow", "purple",
	"pink", "indigo", "teal", "orange", "cyan",
}

// AvatarColor returns a stable palette colour for name, or "gray" for a blank name.
// The hash follows the web widget's number semantics: the accumulator is a float64 and only the
// shifted term wraps to 32 bits.
func AvatarColor(name string) string {
	if name == "" {
		return "gray"
	}

	var hash float64
	for _, unit := range utf16.Encode([]rune(name)) {
		hash = float64(unit) + (float64(toInt32(hash)<<5) - hash)
	}

	idx := int(math.Mod(math.Abs(hash), float64(len(avatarPalette))))
	return avatarPalette[idx]
}

// toInt32 truncates x to a signed 32-bit integer with wrap-around.
func toInt32(x float64) int32 {
	return int32(uint32(int64(math.Mod(math.Trunc(x), 1<<32))))
}
