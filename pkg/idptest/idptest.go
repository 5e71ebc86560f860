// Package idptest provides an in-process fake of the Atlant-Ark identity
// provider and API for tests and local development.
//
// The fake issues all three credential schemes, rotates refresh tokens on
// use, enforces CSRF on cookie-mode mutations, and counts every call so
// tests can assert on how many round trips a client made.
package idptest

import (
	"crypto/rand"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Cookie names the fake sets in cookie mode.
const (
	CookieSession = "ark_session"
	CookieRefresh = "ark_refresh"
)

const Issuer = "idptest.atlantark.local"

// Scheme selects what /auth/discord hands back to the redirect URL.
type Scheme string

const (
	SchemeLegacy Scheme = "legacy"
	SchemePair   Scheme = "pair"
	SchemeCookie Scheme = "cookie"
	SchemeError  Scheme = "error"
)

var ErrUnknownUser = errors.New("idptest: unknown user")

type Config struct {
	Users          []api.UserProfile
	Stats          api.Stats
	AccessLifetime time.Duration
	// SigningKey signs access tokens (HS256); random when empty.
	SigningKey []byte
	// RedirectURL receives the /auth/discord callback.
	RedirectURL string
	Scheme      Scheme
}

// Counters is a snapshot of how often each route was hit.
type Counters struct {
	Verify  int64
	Refresh int64
	Logout  int64
	Profile int64
	Balance int64
	Stats   int64
}

type refreshEntry struct {
	user   api.ExternalID
	cookie bool
}

type Server struct {
	key      []byte
	lifetime time.Duration

	mu          sync.Mutex
	users       map[api.ExternalID]*api.UserProfile
	defaultUser api.ExternalID
	stats       api.Stats
	redirect    string
	scheme      Scheme
	legacy      map[string]api.ExternalID
	access      map[string]api.ExternalID // jti -> user
	refresh     map[string]refreshEntry
	csrf        map[string]bool
	bearers     []string
	verifyBody  []api.VerifyRequest

	verifyStatus  int
	refreshStatus int
	logoutStatus  int
	refreshDelay  time.Duration

	verifyN  atomic.Int64
	refreshN atomic.Int64
	logoutN  atomic.Int64
	profileN atomic.Int64
	balanceN atomic.Int64
	statsN   atomic.Int64
}

// DefaultUser is seeded when Config.Users is empty.
var DefaultUser = api.UserProfile{
	ID:            123456789012345678,
	Username:      "ark-tester",
	Avatar:        "https://cdn.example/avatar.png",
	Balance:       1500,
	Rank:          "#7",
	AuctionWins:   3,
	TotalAuctions: 11,
}

func New(cfg Config) *Server {
	key := cfg.SigningKey
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	lifetime := cfg.AccessLifetime
	if lifetime == 0 {
		lifetime = 15 * time.Minute
	}
	users := cfg.Users
	if len(users) == 0 {
		users = []api.UserProfile{DefaultUser}
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = SchemePair
	}
	stats := cfg.Stats
	if stats == (api.Stats{}) {
		stats = api.Stats{PlayersOnline: 12, Uptime: "3d 4h", ActiveAuctions: 5, RegisteredPlayers: 240}
	}

	s := &Server{
		key:         key,
		lifetime:    lifetime,
		users:       make(map[api.ExternalID]*api.UserProfile, len(users)),
		defaultUser: users[0].ID,
		stats:       stats,
		redirect:    cfg.RedirectURL,
		scheme:      scheme,
		legacy:      make(map[string]api.ExternalID),
		access:      make(map[string]api.ExternalID),
		refresh:     make(map[string]refreshEntry),
		csrf:        make(map[string]bool),
	}
	for i := range users {
		u := users[i]
		s.users[u.ID] = &u
	}
	return s
}

// IssueLegacy mints an opaque bearer token for user.
func (s *Server) IssueLegacy(user api.ExternalID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user]; !ok {
		return "", ErrUnknownUser
	}
	token := uuid.NewString()
	s.legacy[token] = user
	return token, nil
}

// IssuePair mints a JWT access token and an opaque refresh token.
func (s *Server) IssuePair(user api.ExternalID) (access, refresh string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issuePairLocked(user, false)
}

// IssueCookies returns the cookies a cookie-mode login sets: the HttpOnly
// session and refresh cookies plus the readable CSRF cookie.
func (s *Server) IssueCookies(user api.ExternalID) ([]*http.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueCookiesLocked(user)
}

func (s *Server) issueCookiesLocked(user api.ExternalID) ([]*http.Cookie, error) {
	access, refresh, err := s.issuePairLocked(user, true)
	if err != nil {
		return nil, err
	}
	csrf := uuid.NewString()
	s.csrf[csrf] = true
	return []*http.Cookie{
		{Name: CookieSession, Value: access, Path: "/", HttpOnly: true},
		{Name: CookieRefresh, Value: refresh, Path: "/", HttpOnly: true},
		{Name: api.DefaultCSRFCookie, Value: csrf, Path: "/"},
	}, nil
}

func (s *Server) issuePairLocked(user api.ExternalID, cookie bool) (string, string, error) {
	if _, ok := s.users[user]; !ok {
		return "", "", ErrUnknownUser
	}
	now := time.Now()
	jti := uuid.NewString()
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   user.String(),
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
	}).SignedString(s.key)
	if err != nil {
		return "", "", err
	}
	refresh := uuid.NewString()
	s.access[jti] = user
	s.refresh[refresh] = refreshEntry{user: user, cookie: cookie}
	return access, refresh, nil
}

// ExpireAccess invalidates every outstanding access and legacy token, as if
// their lifetimes had elapsed. Refresh tokens stay valid.
func (s *Server) ExpireAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]api.ExternalID)
	s.legacy = make(map[string]api.ExternalID)
}

// RevokeRefresh invalidates every outstanding refresh token.
func (s *Server) RevokeRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]refreshEntry)
}

// ForceVerifyStatus makes /auth/verify answer with status. Zero restores
// normal behavior.
func (s *Server) ForceVerifyStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyStatus = status
}

func (s *Server) ForceRefreshStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

func (s *Server) ForceLogoutStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutStatus = status
}

// SetRefreshDelay holds every refresh response for d, so concurrent callers
// are guaranteed to overlap.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

func (s *Server) SetScheme(scheme Scheme) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheme = scheme
}

func (s *Server) SetRedirectURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirect = u
}

// SetBalance changes a user's balance, as an auction would.
func (s *Server) SetBalance(user api.ExternalID, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[user]; ok {
		u.Balance = balance
	}
}

func (s *Server) Counters() Counters {
	return Counters{
		Verify:  s.verifyN.Load(),
		Refresh: s.refreshN.Load(),
		Logout:  s.logoutN.Load(),
		Profile: s.profileN.Load(),
		Balance: s.balanceN.Load(),
		Stats:   s.statsN.Load(),
	}
}

// Bearers lists every client-held token presented, as an Authorization
// header or a verify body, in order.
func (s *Server) Bearers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bearers...)
}

// VerifyBodies lists every decoded /auth/verify body, in order. Cookie-mode
// calls appear as zero values.
func (s *Server) VerifyBodies() []api.VerifyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.VerifyRequest(nil), s.verifyBody...)
}

// RefreshTokenValid reports whether refresh would still be accepted.
func (s *Server) RefreshTokenValid(refresh string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refresh[refresh]
	return ok
}

// user must be called with mu held.
func (s *Server) user(id api.ExternalID) (api.UserProfile, bool) {
	u, ok := s.users[id]
	if !ok {
		return api.UserProfile{}, false
	}
	return *u, true
}

// resolveAccessLocked maps a bearer or cookie value to its user.
func (s *Server) resolveAccessLocked(token string) (api.ExternalID, bool) {
	if id, ok := s.legacy[token]; ok {
		return id, true
	}
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(Issuer))
	if err != nil {
		return 0, false
	}
	id, ok := s.access[claims.ID]
	return id, ok
}
