package jwt

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestGenerateAndParseToken(t *testing.T) {
	token, expiresAt, err := GenerateToken("user-1", "session-1", "ada@example.com", secret, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 2*time.Second)

	payload, err := ParseToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "user-1", payload.UserID())
	assert.Equal(t, "session-1", payload.SessionID())
	assert.Equal(t, "ada@example.com", payload.Email)
	assert.Equal(t, expiresAt, payload.ExpiresAtTime())

	_, err = ParseToken(token, "other-secret")
	assert.Error(t, err)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	token, _, err := GenerateToken("user-1", "session-1", "", secret, -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken(token, secret)
	assert.Error(t, err)
}

func TestPeekTokenReadsExpiryWithoutSecret(t *testing.T) {
	token, expiresAt, err := GenerateToken("user-1", "session-1", "", secret, time.Hour)
	require.NoError(t, err)

	payload, err := PeekToken(token)
	require.NoError(t, err)
	assert.Equal(t, expiresAt, payload.ExpiresAtTime())

	_, err = PeekToken("not-a-token")
	assert.Error(t, err)
}

func TestIdentityExtractorMiddleware(t *testing.T) {
	token, _, err := GenerateToken("user-1", "session-1", "", secret, time.Hour)
	require.NoError(t, err)

	var seen *Payload
	handler := IdentityExtractorMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetPayloadFromContext(r)
	}))

	cases := []struct {
		name   string
		header string
		query  string
		want   bool
	}{
		{name: "bearer header", header: "Bearer " + token, want: true},
		{name: "query parameter", query: "?access_token=" + token, want: true},
		{name: "malformed header", header: "Token " + token, want: false},
		{name: "garbage token", header: "Bearer nope", want: false},
		{name: "anonymous", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			r := httptest.NewRequest(http.MethodGet, "/"+tc.query, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}

			handler.ServeHTTP(httptest.NewRecorder(), r)

			if tc.want {
				require.NotNil(t, seen)
				assert.Equal(t, "user-1", seen.UserID())
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}
