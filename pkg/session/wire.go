package session

import (
	"git.sr.ht/~jakintosh/atlantark/pkg/client"
	"git.sr.ht/~jakintosh/atlantark/pkg/store"
)

// FromClient builds a Controller over the real verifier, refresher and
// requester for c and st. Fields already set in cfg are kept. A
// *client.Requester caller gets its expiry hook bound to the controller.
func FromClient(c *client.Client, st *store.Store, cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		cfg.Store = st
	}
	if cfg.Verifier == nil {
		cfg.Verifier = client.NewVerifier(c)
	}
	var refresher client.TokenRefresher
	if r, ok := cfg.Refresher.(client.TokenRefresher); ok {
		refresher = r
	} else if cfg.Refresher == nil {
		refresher = client.NewRefresher(c, st)
		cfg.Refresher = refresher
	}
	if cfg.Caller == nil && refresher != nil {
		cfg.Caller = client.NewRequester(c, st, refresher)
	}
	if cfg.Revoker == nil {
		cfg.Revoker = c
	}
	if cfg.Stats == nil {
		cfg.Stats = c
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = c.LoginURL()
	}

	ctrl, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if requester, ok := cfg.Caller.(*client.Requester); ok {
		requester.SetOnSessionExpired(ctrl.sessionExpired)
	}
	return ctrl, nil
}
