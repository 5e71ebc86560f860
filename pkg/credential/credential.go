// Package credential models the credential material a browsing context can
// hold for the identity provider: a legacy bearer token, an access/refresh
// pair, or a cookie session whose secrets live in HttpOnly cookies.
package credential

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Mode names the credential scheme a session is running under.
type Mode int

const (
	ModeAnonymous Mode = iota
	ModeLegacy
	ModePair
	ModeCookie
)

func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "legacy"
	case ModePair:
		return "pair"
	case ModeCookie:
		return "cookie"
	default:
		return "anonymous"
	}
}

// Credential is one of Legacy, Pair or Cookie.
type Credential interface {
	Mode() Mode
	credential()
}

// Legacy is a single opaque bearer token with no refresh capability.
type Legacy struct {
	Token string
}

// Pair is a short-lived access token plus the refresh token that renews it.
type Pair struct {
	Access  string
	Refresh string
}

// Cookie marks a session carried entirely by cookies. It has no payload;
// its existence is inferred from the CSRF cookie.
type Cookie struct{}

func (Legacy) Mode() Mode { return ModeLegacy }
func (Pair) Mode() Mode   { return ModePair }
func (Cookie) Mode() Mode { return ModeCookie }

func (Legacy) credential() {}
func (Pair) credential()   {}
func (Cookie) credential() {}

// ModeOf returns the mode of c, treating nil as anonymous.
func ModeOf(c Credential) Mode {
	if c == nil {
		return ModeAnonymous
	}
	return c.Mode()
}

// Bearer returns the value to present in an Authorization header. Cookie
// sessions and nil credentials have none.
func Bearer(c Credential) (string, bool) {
	switch v := c.(type) {
	case Legacy:
		return v.Token, v.Token != ""
	case Pair:
		return v.Access, v.Access != ""
	default:
		return "", false
	}
}

// CanRefresh reports whether c carries what a refresh call needs.
func CanRefresh(c Credential) bool {
	switch v := c.(type) {
	case Pair:
		return v.Refresh != ""
	case Cookie:
		return true
	default:
		return false
	}
}

// PeekExpiry reads the exp claim of a JWT-shaped token without verifying
// its signature. It is informational only; opaque tokens report false.
func PeekExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
