// Package client talks to the Atlant-Ark identity provider and API on
// behalf of a browsing context.
//
// It supports the three credential schemes the backend has shipped: a
// single legacy bearer token, an access/refresh token pair, and a cookie
// session where the secrets live in HttpOnly cookies and the client only
// sees a CSRF cookie.
//
// # Quick Start
//
// Build a Client around the base URL, then the three workers on top of it:
//
//	base, _ := url.Parse("https://api.atlantark.example")
//	guard := csrf.New(nil, base)
//	st := store.New(store.NewMemory(), guard)
//
//	c := client.New(base, client.WithCSRF(guard))
//	verifier := client.NewVerifier(c)
//	refresher := client.NewRefresher(c, st)
//	requester := client.NewRequester(c, st, refresher)
//
// The default HTTP client uses the guard's cookie jar, so cookie-mode
// sessions travel with every request.
//
// # Verifying
//
// Verify sends the stored credential to /auth/verify and returns the user:
//
//	user, err := verifier.Verify(ctx, cred)
//	switch {
//	case errors.Is(err, client.ErrExpired):
//	    // refresh and verify once more
//	case errors.Is(err, client.ErrForbidden):
//	    // terminal: clear and show the login affordance
//	case errors.Is(err, client.ErrTransient):
//	    // keep the credential; try again later
//	}
//
// # Refreshing
//
// Refresh renews the stored credential. Concurrent callers share one HTTP
// request:
//
//	if err := refresher.Refresh(ctx); err != nil {
//	    // ErrNoRefresh, ErrRefreshRejected or ErrTransient
//	}
//
// A rotated pair is persisted whole; the old refresh token is never kept.
//
// # Authenticated Calls
//
// Call attaches the credential, retries once after a refresh on 401, and
// reports an unrecoverable session as ErrSessionExpired after running the
// OnSessionExpired hook:
//
//	var profile api.UserProfile
//	err := requester.Call(ctx, http.MethodGet, api.PathProfile, nil, &profile)
//
// Other non-2xx statuses come back as *HTTPError.
package client
