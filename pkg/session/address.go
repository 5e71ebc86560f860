package session

import (
	"net/url"
	"sync"

	"git.sr.ht/~jakintosh/atlantark/pkg/api"
)

// Address is the visible location of the app. Replace swaps it in place
// without creating a history entry.
type Address interface {
	Current() *url.URL
	Replace(u *url.URL)
}

// StaticAddress is an Address held in memory.
type StaticAddress struct {
	mu sync.Mutex
	u  *url.URL
}

func NewAddress(raw string) (*StaticAddress, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &StaticAddress{u: u}, nil
}

func (a *StaticAddress) Current() *url.URL {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *a.u
	return &cp
}

func (a *StaticAddress) Replace(u *url.URL) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *u
	a.u = &cp
}

func (a *StaticAddress) String() string {
	return a.Current().String()
}

// callbackParams are consumed from the address exactly once.
var callbackParams = []string{
	api.ParamToken,
	api.ParamAccessToken,
	api.ParamRefreshToken,
	api.ParamAuth,
	api.ParamError,
}

// Callback is what a provider redirect carried.
type Callback struct {
	Token        string
	AccessToken  string
	RefreshToken string
	CookieLogin  bool
	Error        string
}

// ParseCallback reads the callback parameters from u and returns u with
// them removed. Unrelated parameters and the fragment are kept. found
// reports whether any callback parameter was present, even an empty or
// unrecognised one.
func ParseCallback(u *url.URL) (cb Callback, stripped *url.URL, found bool) {
	q := u.Query()
	cb = Callback{
		Token:        q.Get(api.ParamToken),
		AccessToken:  q.Get(api.ParamAccessToken),
		RefreshToken: q.Get(api.ParamRefreshToken),
		CookieLogin:  q.Get(api.ParamAuth) == api.AuthSuccess,
		Error:        q.Get(api.ParamError),
	}

	for _, p := range callbackParams {
		if q.Has(p) {
			q.Del(p)
			found = true
		}
	}
	if !found {
		return cb, u, false
	}

	cp := *u
	cp.RawQuery = q.Encode()
	cp.ForceQuery = false
	return cb, &cp, true
}
