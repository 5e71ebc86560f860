package idptest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Router serves the provider's HTTP contract.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(api.PathLogin, s.handleLogin).Methods(http.MethodGet)
	r.HandleFunc(api.PathVerify, s.handleVerify).Methods(http.MethodPost)
	r.HandleFunc(api.PathRefresh, s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc(api.PathLogout, s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc(api.PathProfile, s.handleProfile).Methods(http.MethodGet)
	r.HandleFunc(api.PathBalance, s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc(api.PathStats, s.handleStats).Methods(http.MethodGet)
	return r
}

// Start serves a new fake on a loopback port until the test ends.
func Start(t testing.TB, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

// BaseURL parses srv.URL.
func BaseURL(t testing.TB, srv *httptest.Server) *url.URL {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	return u
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := url.Parse(s.redirect)
	if err != nil || s.redirect == "" {
		api.WriteError(w, http.StatusInternalServerError, "no redirect configured")
		return
	}
	q := target.Query()

	switch s.scheme {
	case SchemeLegacy:
		token := uuid.NewString()
		s.legacy[token] = s.defaultUser
		q.Set(api.ParamToken, token)
	case SchemePair:
		access, refresh, err := s.issuePairLocked(s.defaultUser, false)
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		q.Set(api.ParamAccessToken, access)
		q.Set(api.ParamRefreshToken, refresh)
	case SchemeCookie:
		cookies, err := s.issueCookiesLocked(s.defaultUser)
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, c := range cookies {
			http.SetCookie(w, c)
		}
		q.Set(api.ParamAuth, api.AuthSuccess)
	default:
		q.Set(api.ParamError, "access_denied")
	}

	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.verifyN.Add(1)

	var req api.VerifyRequest
	if err := api.DecodeRequest(&req, r); err != nil {
		api.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyBody = append(s.verifyBody, req)

	if s.verifyStatus != 0 {
		api.WriteError(w, s.verifyStatus, http.StatusText(s.verifyStatus))
		return
	}

	token := req.AccessToken
	if token == "" {
		token = req.Token
	}
	if token != "" {
		s.recordBearerLocked(token)
	} else {
		token = cookieValue(r, CookieSession)
	}
	if token == "" {
		api.WriteError(w, http.StatusUnauthorized, "missing credential")
		return
	}

	id, ok := s.resolveAccessLocked(token)
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	u, ok := s.user(id)
	if !ok {
		api.WriteError(w, http.StatusForbidden, "account disabled")
		return
	}

	valid := true
	identity := api.UserProfile{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
	api.WriteJSON(w, http.StatusOK, api.VerifyResponse{User: &identity, Valid: &valid})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshN.Add(1)

	var req api.RefreshRequest
	if err := api.DecodeRequest(&req, r); err != nil {
		api.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}

	s.mu.Lock()
	delay := s.refreshDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshStatus != 0 {
		api.WriteError(w, s.refreshStatus, http.StatusText(s.refreshStatus))
		return
	}

	cookieMode := req.RefreshToken == ""
	token := req.RefreshToken
	if cookieMode {
		if !s.checkCSRFLocked(r) {
			api.WriteError(w, http.StatusForbidden, "csrf check failed")
			return
		}
		token = cookieValue(r, CookieRefresh)
	}

	entry, ok := s.refresh[token]
	if !ok || entry.cookie != cookieMode {
		api.WriteError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	// rotation: a refresh token is good for exactly one exchange
	delete(s.refresh, token)

	if cookieMode {
		cookies, err := s.issueCookiesLocked(entry.user)
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, c := range cookies {
			http.SetCookie(w, c)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	access, refresh, err := s.issuePairLocked(entry.user, false)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, api.RefreshResponse{AccessToken: access, RefreshToken: refresh})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutN.Add(1)

	var req api.LogoutRequest
	if err := api.DecodeRequest(&req, r); err != nil {
		api.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.logoutStatus != 0 {
		api.WriteError(w, s.logoutStatus, http.StatusText(s.logoutStatus))
		return
	}

	if req.RefreshToken != "" {
		delete(s.refresh, req.RefreshToken)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !s.checkCSRFLocked(r) {
		api.WriteError(w, http.StatusForbidden, "csrf check failed")
		return
	}
	delete(s.refresh, cookieValue(r, CookieRefresh))
	for _, name := range []string{CookieSession, CookieRefresh, api.DefaultCSRFCookie} {
		http.SetCookie(w, &http.Cookie{Name: name, Path: "/", MaxAge: -1})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.profileN.Add(1)
	u, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, u)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	s.balanceN.Add(1)
	u, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, api.Balance{Balance: u.Balance})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.statsN.Add(1)
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()
	api.WriteJSON(w, http.StatusOK, stats)
}

// authenticate resolves the caller from a bearer header or the session
// cookie and writes 401 when neither is valid.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (api.UserProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
		s.recordBearerLocked(token)
	} else {
		token = cookieValue(r, CookieSession)
	}

	id, ok := s.resolveAccessLocked(token)
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
		return api.UserProfile{}, false
	}
	u, ok := s.user(id)
	if !ok {
		api.WriteError(w, http.StatusForbidden, "account disabled")
		return api.UserProfile{}, false
	}
	return u, true
}

func (s *Server) checkCSRFLocked(r *http.Request) bool {
	header := r.Header.Get(api.HeaderCSRF)
	return header != "" && header == cookieValue(r, api.DefaultCSRFCookie) && s.csrf[header]
}

func (s *Server) recordBearerLocked(token string) {
	s.bearers = append(s.bearers, token)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
