package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	// DefaultSessionExpiration is the access token lifetime when the server configures none.
	DefaultSessionExpiration = 24 * time.Hour

	// TokenIssuer identifies the issuer of the token.
	TokenIssuer = "foliochat"
)

// ErrInvalidToken is returned for tokens that fail signature or validity checks.
var ErrInvalidToken = errors.New("invalid or expired token")

// GenerateToken signs a token for the given user and session that expires after duration.
// It returns the signed string and the expiry it encoded.
func GenerateToken(userID, sessionID, email, secretKey string, duration time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(duration)

	payload := &Payload{
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			Id:        sessionID,
			ExpiresAt: expiresAt.Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    TokenIssuer,
		},
		Email: email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)

	signed, err := token.SignedString([]byte(secretKey))
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, time.Unix(expiresAt.Unix(), 0), nil
}

// ParseToken parses and validates the token string using secretKey.
func ParseToken(tokenString string, secretKey string) (*Payload, error) {
	claims := &Payload{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secretKey), nil
	})

	if err != nil {
		return nil, err
	}

	if !token.Valid || claims.Subject == "" || claims.Id == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// ExpiresAtTime returns the expiry encoded in the payload.
func (p *Payload) ExpiresAtTime() time.Time {
	return time.Unix(p.ExpiresAt, 0)
}

// PeekToken decodes the claims of a token without verifying its signature. Clients use it to learn
// the expiry of a token they were handed; servers must use ParseToken.
func PeekToken(tokenString string) (*Payload, error) {
	claims := &Payload{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.ExpiresAt == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
