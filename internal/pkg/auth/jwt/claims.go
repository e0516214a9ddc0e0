package jwt

import "github.com/golang-jwt/jwt"

// Payload defines the claims of a chatd access token.
//
// The standard Subject carries the user id and the standard Id (jti) carries the server-side session
// id, so a token stops working as soon as its session row is deleted on logout.
type Payload struct {
	jwt.StandardClaims

	// Email is the address the session was opened with. It is informational only; the user row
	// stays authoritative.
	Email string `json:"email,omitempty"`
}

// UserID returns the token subject.
func (p *Payload) UserID() string {
	return p.Subject
}

// SessionID returns the session the token belongs to.
func (p *Payload) SessionID() string {
	return p.Id
}
