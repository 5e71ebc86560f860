package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"git.sr.ht/~jakintosh/atlantark/pkg/api"
)

// Result is a response recorded from a handler.
type Result struct {
	Code    int
	Header  http.Header
	Body    []byte
	Cookies []*http.Cookie
	// DecodeErr is set when the body could not be decoded into out.
	DecodeErr error
}

// RequestOption mutates a request before it is served.
type RequestOption func(*http.Request)

func WithBearer(token string) RequestOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

// WithCookies adds cookies and, when withCSRF is set, mirrors the CSRF
// cookie into the CSRF header the way a browser client would.
func WithCookies(cookies []*http.Cookie, withCSRF bool) RequestOption {
	return func(r *http.Request) {
		for _, c := range cookies {
			r.AddCookie(c)
			if withCSRF && c.Name == api.DefaultCSRFCookie {
				r.Header.Set(api.HeaderCSRF, c.Value)
			}
		}
	}
}

// Serve runs one request against h and decodes a non-empty body into out
// when out is non-nil.
func Serve(
	h http.Handler,
	method string,
	target string,
	body string,
	out any,
	opts ...RequestOption,
) Result {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	res := rec.Result()
	defer res.Body.Close()

	result := Result{
		Code:    rec.Code,
		Header:  rec.Header(),
		Body:    rec.Body.Bytes(),
		Cookies: res.Cookies(),
	}
	if out != nil && len(result.Body) > 0 {
		if err := json.Unmarshal(result.Body, out); err != nil {
			result.DecodeErr = fmt.Errorf("decode JSON: %w\n%s", err, result.Body)
		}
	}
	return result
}

func Get(h http.Handler, target string, out any, opts ...RequestOption) Result {
	return Serve(h, http.MethodGet, target, "", out, opts...)
}

func PostJSON(h http.Handler, target string, body string, out any, opts ...RequestOption) Result {
	return Serve(h, http.MethodPost, target, body, out, opts...)
}

// ExpectStatus fails the test unless r has status want and decoded cleanly.
func ExpectStatus(
	t *testing.T,
	want int,
	r Result,
) {
	t.Helper()
	if r.DecodeErr != nil {
		t.Fatalf("status %d: %v", r.Code, r.DecodeErr)
	}
	if r.Code != want {
		t.Fatalf("expected status %d, got %d. Body: %s", want, r.Code, r.Body)
	}
}

// ExpectFound fails the test unless r is a 302 and returns its Location.
func ExpectFound(
	t *testing.T,
	r Result,
) *url.URL {
	t.Helper()
	if r.Code != http.StatusFound {
		t.Fatalf("expected redirect (302), got %d. Body: %s", r.Code, r.Body)
	}
	loc, err := url.Parse(r.Header.Get("Location"))
	if err != nil || loc.String() == "" {
		t.Fatalf("expected a valid Location header, got %q", r.Header.Get("Location"))
	}
	return loc
}
