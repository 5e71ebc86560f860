// Package store persists the client's credential material and applies the
// read precedence between representations: an access/refresh pair wins
// over a legacy token, which wins over an inferred cookie session.
package store

import (
	"context"
	"errors"
	"fmt"

	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"git.sr.ht/~jakintosh/atlantark/pkg/credential"
	"go.uber.org/zap"
)

// ErrNoCredential is returned when writing a nil credential or one whose
// token is empty, which Read could not tell apart from no credential.
var ErrNoCredential = errors.New("store: no credential")

// Keys are every client-visible key the store manages.
var Keys = []string{api.KeyLegacyToken, api.KeyAccessToken, api.KeyRefreshToken}

// Backend is a flat string key/value store. Put must apply every set and
// every removal as one operation: a concurrent Get observes all of it or
// none of it.
type Backend interface {
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	Put(ctx context.Context, set map[string]string, remove ...string) error
	Close() error
}

// CookieSession is the view of the cookie jar the store needs: whether a
// cookie session is present and how to forget it.
type CookieSession interface {
	IsCookieMode() bool
	Reset()
}

type Store struct {
	backend Backend
	cookies CookieSession
	log     *zap.Logger
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New wraps backend. cookies may be nil, in which case the store never
// infers a cookie session.
func New(backend Backend, cookies CookieSession, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		cookies: cookies,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read returns the active credential, or nil when there is none.
func (s *Store) Read(ctx context.Context) (credential.Credential, error) {
	vals, err := s.backend.Get(ctx, Keys...)
	if err != nil {
		return nil, fmt.Errorf("store: read: %w", err)
	}

	if access := vals[api.KeyAccessToken]; access != "" {
		return credential.Pair{Access: access, Refresh: vals[api.KeyRefreshToken]}, nil
	}
	if token := vals[api.KeyLegacyToken]; token != "" {
		return credential.Legacy{Token: token}, nil
	}
	if s.cookies != nil && s.cookies.IsCookieMode() {
		return credential.Cookie{}, nil
	}
	return nil, nil
}

// Write persists c and removes every other representation in the same
// backend operation.
func (s *Store) Write(ctx context.Context, c credential.Credential) error {
	var set map[string]string
	var remove []string

	switch v := c.(type) {
	case credential.Legacy:
		if v.Token == "" {
			return ErrNoCredential
		}
		set = map[string]string{api.KeyLegacyToken: v.Token}
		remove = []string{api.KeyAccessToken, api.KeyRefreshToken}
	case credential.Pair:
		if v.Access == "" {
			return ErrNoCredential
		}
		set = map[string]string{api.KeyAccessToken: v.Access}
		remove = []string{api.KeyLegacyToken}
		if v.Refresh != "" {
			set[api.KeyRefreshToken] = v.Refresh
		} else {
			remove = append(remove, api.KeyRefreshToken)
		}
	case credential.Cookie:
		// cookie secrets never touch client storage
		remove = Keys
	default:
		return ErrNoCredential
	}

	if err := s.backend.Put(ctx, set, remove...); err != nil {
		return fmt.Errorf("store: write %s: %w", c.Mode(), err)
	}
	s.log.Debug("credential written", zap.String("mode", c.Mode().String()))
	return nil
}

// Clear removes all three keys in one backend operation and forgets any
// cookie session. The cookie reset happens even when the backend fails.
func (s *Store) Clear(ctx context.Context) error {
	err := s.backend.Put(ctx, nil, Keys...)
	if s.cookies != nil {
		s.cookies.Reset()
	}
	if err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	s.log.Debug("credentials cleared")
	return nil
}

func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) Close() error {
	return s.backend.Close()
}
