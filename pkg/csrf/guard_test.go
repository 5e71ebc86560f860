package csrf_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"git.sr.ht/~jakintosh/atlantark/pkg/csrf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func base(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("http://api.atlantark.test")
	require.NoError(t, err)
	return u
}

func TestGuard_NoCookieIsNotCookieMode(t *testing.T) {
	t.Parallel()

	g := csrf.New(nil, base(t))
	_, ok := g.CurrentToken()
	assert.False(t, ok)
	assert.False(t, g.IsCookieMode())

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	g.Decorate(req)
	assert.Empty(t, req.Header.Get("X-CSRF-Token"))
}

func TestGuard_DecoratesMutatingRequestsOnly(t *testing.T) {
	t.Parallel()

	u := base(t)
	g := csrf.New(nil, u)
	g.Jar().SetCookies(u, []*http.Cookie{
		{Name: "csrf_token", Value: "c1", Path: "/"},
		{Name: "session", Value: "s", Path: "/", HttpOnly: true},
	})

	token, ok := g.CurrentToken()
	require.True(t, ok)
	assert.Equal(t, "c1", token)
	assert.True(t, g.IsCookieMode())

	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		req := httptest.NewRequest(m, "/x", nil)
		g.Decorate(req)
		assert.Equal(t, "c1", req.Header.Get("X-CSRF-Token"), m)
	}
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		req := httptest.NewRequest(m, "/x", nil)
		g.Decorate(req)
		assert.Empty(t, req.Header.Get("X-CSRF-Token"), m)
	}
}

func TestGuard_CustomNames(t *testing.T) {
	t.Parallel()

	u := base(t)
	g := csrf.New(nil, u, csrf.WithCookieName("xsrf"), csrf.WithHeaderName("X-XSRF"))
	g.Jar().SetCookies(u, []*http.Cookie{{Name: "csrf_token", Value: "ignored", Path: "/"}})
	assert.False(t, g.IsCookieMode())

	g.Jar().SetCookies(u, []*http.Cookie{{Name: "xsrf", Value: "v", Path: "/"}})
	req := httptest.NewRequest(http.MethodDelete, "/x", nil)
	g.Decorate(req)
	assert.Equal(t, "v", req.Header.Get("X-XSRF"))
}

func TestJar_ResetExpiresEverything(t *testing.T) {
	t.Parallel()

	u := base(t)
	sub, err := url.Parse("http://api.atlantark.test/auth/verify")
	require.NoError(t, err)

	jar := csrf.NewJar()
	jar.SetCookies(u, []*http.Cookie{{Name: "csrf_token", Value: "c", Path: "/"}})
	// no Path: the jar scopes it to /auth
	jar.SetCookies(sub, []*http.Cookie{{Name: "refresh", Value: "r"}})
	require.Len(t, jar.Cookies(sub), 2)

	g := csrf.New(jar, u)
	g.Reset()

	assert.Empty(t, jar.Cookies(sub))
	assert.False(t, g.IsCookieMode())
}

func TestJar_CookiesTravelWithClient(t *testing.T) {
	t.Parallel()

	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "csrf_token", Value: "abc", Path: "/"})
			return
		}
		if c, err := r.Cookie("csrf_token"); err == nil {
			seen = c.Value
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	g := csrf.New(nil, u)
	client := &http.Client{Jar: g.Jar()}

	res, err := client.Get(srv.URL + "/set")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.True(t, g.IsCookieMode())

	res, err = client.Get(srv.URL + "/echo")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, "abc", seen)
}
