package csrf

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
)

// Jar is an http.CookieJar that remembers which cookies it was given so
// that Reset can expire all of them. net/http/cookiejar offers no way to
// enumerate or clear its entries.
type Jar struct {
	inner *cookiejar.Jar

	mu   sync.Mutex
	seen map[seenKey]*url.URL
}

type seenKey struct {
	host   string
	name   string
	domain string
	path   string
}

func NewJar() *Jar {
	// cookiejar.New only fails on a bad PublicSuffixList
	inner, _ := cookiejar.New(nil)
	return &Jar{
		inner: inner,
		seen:  make(map[seenKey]*url.URL),
	}
}

func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		k := seenKey{host: u.Host, name: c.Name, domain: c.Domain, path: c.Path}
		if c.MaxAge < 0 {
			delete(j.seen, k)
			continue
		}
		cu := *u
		j.seen[k] = &cu
	}
}

func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

// Reset expires every cookie the jar has been given.
func (j *Jar) Reset() {
	j.mu.Lock()
	seen := j.seen
	j.seen = make(map[seenKey]*url.URL)
	j.mu.Unlock()

	for k, u := range seen {
		j.inner.SetCookies(u, []*http.Cookie{{
			Name:   k.name,
			Domain: k.domain,
			Path:   k.path,
			MaxAge: -1,
		}})
	}
}
