// Package testutil wires a complete client stack against the fake identity
// provider for package tests.
package testutil

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"

	"git.sr.ht/~jakintosh/atlantark/pkg/client"
	"git.sr.ht/~jakintosh/atlantark/pkg/credential"
	"git.sr.ht/~jakintosh/atlantark/pkg/csrf"
	"git.sr.ht/~jakintosh/atlantark/pkg/idptest"
	"git.sr.ht/~jakintosh/atlantark/pkg/store"
)

// Stack is a fake provider plus every client component pointed at it.
type Stack struct {
	IDP       *idptest.Server
	Server    *httptest.Server
	BaseURL   *url.URL
	Guard     *csrf.Guard
	Backend   *store.Memory
	Store     *store.Store
	Client    *client.Client
	Verifier  *client.Verifier
	Refresher *client.Refresher
	Requester *client.Requester
}

// NewStack starts a fake provider for the duration of the test.
func NewStack(
	t *testing.T,
	cfg idptest.Config,
) *Stack {
	t.Helper()

	idp, srv := idptest.Start(t, cfg)
	base := idptest.BaseURL(t, srv)

	guard := csrf.New(nil, base)
	backend := store.NewMemory()
	st := store.New(backend, guard)

	c := client.New(base, client.WithCSRF(guard))
	refresher := client.NewRefresher(c, st)

	return &Stack{
		IDP:       idp,
		Server:    srv,
		BaseURL:   base,
		Guard:     guard,
		Backend:   backend,
		Store:     st,
		Client:    c,
		Verifier:  client.NewVerifier(c),
		Refresher: refresher,
		Requester: client.NewRequester(c, st, refresher),
	}
}

// LoginLegacy stores a freshly issued legacy token and returns it.
func (s *Stack) LoginLegacy(
	t *testing.T,
) string {
	t.Helper()
	token, err := s.IDP.IssueLegacy(idptest.DefaultUser.ID)
	if err != nil {
		t.Fatalf("failed to issue legacy token: %v", err)
	}
	s.write(t, credential.Legacy{Token: token})
	return token
}

// LoginPair stores a freshly issued token pair and returns it.
func (s *Stack) LoginPair(
	t *testing.T,
) credential.Pair {
	t.Helper()
	access, refresh, err := s.IDP.IssuePair(idptest.DefaultUser.ID)
	if err != nil {
		t.Fatalf("failed to issue token pair: %v", err)
	}
	pair := credential.Pair{Access: access, Refresh: refresh}
	s.write(t, pair)
	return pair
}

// LoginCookie puts a cookie session in the guard's jar.
func (s *Stack) LoginCookie(
	t *testing.T,
) {
	t.Helper()
	cookies, err := s.IDP.IssueCookies(idptest.DefaultUser.ID)
	if err != nil {
		t.Fatalf("failed to issue cookies: %v", err)
	}
	s.Guard.Jar().SetCookies(s.BaseURL, cookies)
	s.write(t, credential.Cookie{})
}

// Stored reads the current credential.
func (s *Stack) Stored(
	t *testing.T,
) credential.Credential {
	t.Helper()
	cred, err := s.Store.Read(context.Background())
	if err != nil {
		t.Fatalf("failed to read store: %v", err)
	}
	return cred
}

func (s *Stack) write(
	t *testing.T,
	cred credential.Credential,
) {
	t.Helper()
	if err := s.Store.Write(context.Background(), cred); err != nil {
		t.Fatalf("failed to write credential: %v", err)
	}
}
