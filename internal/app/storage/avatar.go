package storage

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/randx"
)

const (
	// MaxAvatarSizeMB is the maximum avatar size in megabytes.
	MaxAvatarSizeMB = 2

	// MaxAvatarSize is the maximum avatar size in bytes.
	MaxAvatarSize = MaxAvatarSizeMB * 1024 * 1024

	// AvatarURLDuration is how long a presigned avatar URL stays valid.
	AvatarURLDuration = time.Hour

	avatarPrefix = "avatars/"
)

// AllowedAvatarTypes maps permitted image MIME types to the file extension used in object keys.
var AllowedAvatarTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// ValidateAvatar checks size and type of an uploaded image and returns its MIME type. The type is
// sniffed from the content; a declared Content-Type must agree with it.
func ValidateAvatar(body []byte, declared string) (string, *errs.CustomError) {
	if len(body) == 0 {
		return "", errs.NewError(errs.ErrInvalidParams)
	}
	if len(body) > MaxAvatarSize {
		return "", errs.NewError(errs.ErrAvatarTooLarge, MaxAvatarSizeMB)
	}

	sniffed := strings.ToLower(strings.TrimSpace(strings.SplitN(http.DetectContentType(body), ";", 2)[0]))
	if _, ok := AllowedAvatarTypes[sniffed]; !ok {
		return "", errs.NewError(errs.ErrAvatarTypeInvalid)
	}

	if declared != "" {
		declaredType := strings.ToLower(strings.TrimSpace(strings.SplitN(declared, ";", 2)[0]))
		if declaredType != sniffed {
			return "", errs.NewError(errs.ErrAvatarTypeInvalid)
		}
	}

	return sniffed, nil
}

// AvatarKey builds a fresh object key for the user's avatar of the given type.
func AvatarKey(userID, contentType string) (string, error) {
	ext, ok := AllowedAvatarTypes[contentType]
	if !ok {
		return "", fmt.Errorf("unsupported avatar type %q", contentType)
	}

	name, err := randx.Token()
	if err != nil {
		return "", err
	}

	return avatarPrefix + userID + "/" + name + ext, nil
}

// IsAvatarKey reports whether key names an avatar object (and not an arbitrary bucket path).
func IsAvatarKey(key string) bool {
	if !strings.HasPrefix(key, avatarPrefix) || strings.Contains(key, "..") {
		return false
	}

	rest := strings.TrimPrefix(key, avatarPrefix)
	owner, file, ok := strings.Cut(rest, "/")
	return ok && owner != "" && file != "" && !strings.Contains(file, "/")
}
