// Package csrf detects cookie-mode sessions and echoes the CSRF cookie on
// state-changing requests.
//
// In cookie mode the session secrets are HttpOnly cookies the client never
// sees; the server also sets a readable CSRF cookie whose presence is the
// only client-side signal that such a session exists.
package csrf

import (
	"net/http"
	"net/url"

	"git.sr.ht/~jakintosh/atlantark/pkg/api"
)

type Guard struct {
	jar    *Jar
	base   *url.URL
	cookie string
	header string
}

type Option func(*Guard)

// WithCookieName overrides the CSRF cookie name.
func WithCookieName(name string) Option {
	return func(g *Guard) {
		if name != "" {
			g.cookie = name
		}
	}
}

// WithHeaderName overrides the header the token is echoed in.
func WithHeaderName(name string) Option {
	return func(g *Guard) {
		if name != "" {
			g.header = name
		}
	}
}

// New creates a guard reading cookies for base from jar. A nil jar gets a
// fresh one.
func New(jar *Jar, base *url.URL, opts ...Option) *Guard {
	if jar == nil {
		jar = NewJar()
	}
	g := &Guard{
		jar:    jar,
		base:   base,
		cookie: api.DefaultCSRFCookie,
		header: api.HeaderCSRF,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Jar is the jar HTTP clients must use so cookies travel with requests.
func (g *Guard) Jar() *Jar {
	return g.jar
}

// CookieJar is Jar typed for http.Client.
func (g *Guard) CookieJar() http.CookieJar {
	return g.jar
}

func (g *Guard) CurrentToken() (string, bool) {
	for _, c := range g.jar.Cookies(g.base) {
		if c.Name == g.cookie && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

func (g *Guard) IsCookieMode() bool {
	_, ok := g.CurrentToken()
	return ok
}

// Decorate sets the CSRF header on req when a cookie session is active and
// the method changes state.
func (g *Guard) Decorate(req *http.Request) {
	if !Mutating(req.Method) {
		return
	}
	if token, ok := g.CurrentToken(); ok {
		req.Header.Set(g.header, token)
	}
}

// Reset forgets the cookie session.
func (g *Guard) Reset() {
	g.jar.Reset()
}

// Mutating reports whether method changes server state.
func Mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
