package storage

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foliochat/internal/pkg/errs"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestValidateAvatar(t *testing.T) {
	contentType, err := ValidateAvatar(pngHeader, "image/png")
	require.Nil(t, err)
	assert.Equal(t, "image/png", contentType)

	contentType, err = ValidateAvatar(pngHeader, "")
	require.Nil(t, err)
	assert.Equal(t, "image/png", contentType)

	_, err = ValidateAvatar(pngHeader, "image/jpeg")
	require.NotNil(t, err)
	assert.Equal(t, errs.ErrAvatarTypeInvalid, err.Code)

	_, err = ValidateAvatar([]byte("<html></html>"), "image/png")
	require.NotNil(t, err)
	assert.Equal(t, errs.ErrAvatarTypeInvalid, err.Code)

	_, err = ValidateAvatar(nil, "image/png")
	require.NotNil(t, err)
	assert.Equal(t, errs.ErrInvalidParams, err.Code)

	big := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0}, MaxAvatarSize)...)
	_, err = ValidateAvatar(big, "image/png")
	require.NotNil(t, err)
	assert.Equal(t, errs.ErrAvatarTooLarge, err.Code)
	assert.Contains(t, err.Message, "2 MB")
}

func TestAvatarKey(t *testing.T) {
	key, err := AvatarKey("user-1", "image/webp")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "avatars/user-1/"))
	assert.True(t, strings.HasSuffix(key, ".webp"))
	assert.True(t, IsAvatarKey(key))

	_, err = AvatarKey("user-1", "text/html")
	assert.Error(t, err)
}

func TestIsAvatarKey(t *testing.T) {
	assert.False(t, IsAvatarKey("secrets/config"))
	assert.False(t, IsAvatarKey("avatars/../secrets"))
	assert.False(t, IsAvatarKey("avatars/user-1/"))
	assert.False(t, IsAvatarKey("avatars/user-1/a/b.png"))
	assert.True(t, IsAvatarKey("avatars/user-1/a.png"))
}
