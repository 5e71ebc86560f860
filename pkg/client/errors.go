package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Verification failures.
var (
	ErrExpired   = errors.New("credential expired")
	ErrForbidden = errors.New("credential forbidden")
	ErrTransient = errors.New("identity provider unreachable")
)

// Refresh failures.
var (
	ErrNoRefresh       = errors.New("no refresh capability")
	ErrRefreshRejected = errors.New("refresh rejected")
)

// API call failures. Non-2xx responses other than 401 are *HTTPError.
var (
	ErrSessionExpired   = errors.New("session expired")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNetwork          = errors.New("network error")
)

type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, msg)
}

// IsAuthFailure reports whether err is one of the verification failures.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrTransient)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}
