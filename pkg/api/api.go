// Package api defines the HTTP contract between the session client and the
// identity/API backend: endpoint paths, callback parameters, and the JSON
// bodies exchanged on each route.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Endpoint paths, relative to the configured base URL.
const (
	PathLogin   = "/auth/discord"
	PathVerify  = "/auth/verify"
	PathRefresh = "/auth/refresh"
	PathLogout  = "/auth/logout"
	PathProfile = "/user/profile"
	PathBalance = "/api/user/aqualis"
	PathStats   = "/stats"
)

// Query parameters the provider appends when redirecting back to the app.
const (
	ParamToken        = "token"
	ParamAccessToken  = "access_token"
	ParamRefreshToken = "refresh_token"
	ParamAuth         = "auth"
	ParamError        = "error"

	AuthSuccess = "success"
)

// Storage keys for client-visible credential material.
const (
	KeyLegacyToken  = "auth_token"
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// Cookie and header names for the cookie+CSRF scheme.
const (
	DefaultCSRFCookie = "csrf_token"
	HeaderCSRF        = "X-CSRF-Token"
	HeaderRequestID   = "X-Request-Id"
)

// ErrorResponse is the body the backend returns alongside non-2xx statuses.
// Both spellings have been observed.
type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Text returns whichever of the two fields is populated.
func (e ErrorResponse) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// DecodeRequest reads a JSON request body into req. An empty body leaves req
// zero-valued, which cookie-mode calls rely on.
func DecodeRequest[T any](req *T, r *http.Request) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(req)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// WriteJSON encodes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes an ErrorResponse with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}
