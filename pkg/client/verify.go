package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"git.sr.ht/~jakintosh/atlantark/internal/logger"
	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"git.sr.ht/~jakintosh/atlantark/pkg/credential"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Verifier exchanges a credential for the identity it belongs to. It never
// touches stored credentials.
type Verifier struct {
	c *Client
}

func NewVerifier(c *Client) *Verifier {
	return &Verifier{c: c}
}

// Verify returns the profile for cred or one of ErrExpired, ErrForbidden,
// ErrTransient.
//
// 401 means the credential may be refreshed. 403 and any other 4xx are
// terminal. Network failures, 5xx and unreadable 200 bodies are transient:
// the credential may still be good once the provider recovers.
func (v *Verifier) Verify(ctx context.Context, cred credential.Credential) (*api.UserProfile, error) {
	ctx, span := v.c.tracer.Start(ctx, "client.Verify")
	defer span.End()

	mode := credential.ModeOf(cred)
	span.SetAttributes(attribute.String("auth.mode", mode.String()))
	log := v.c.log.With(logger.Op("verify"), logger.Mode(mode.String()))

	profile, err := v.verify(ctx, cred, log)
	outcome := outcomeOf(err)
	v.c.metrics.Verify(outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return profile, err
}

func (v *Verifier) verify(ctx context.Context, cred credential.Credential, log *zap.Logger) (*api.UserProfile, error) {
	var body any
	switch c := cred.(type) {
	case credential.Pair:
		body = api.VerifyRequest{AccessToken: c.Access}
	case credential.Legacy:
		body = api.VerifyRequest{Token: c.Token}
	case credential.Cookie:
		// cookies carry the session
	default:
		return nil, ErrNotAuthenticated
	}

	req, err := v.c.newRequest(ctx, http.MethodPost, api.PathVerify, body)
	if err != nil {
		return nil, err
	}
	res, err := v.c.do(req, "verify")
	if err != nil {
		log.Warn("verify request failed", logger.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer drain(res)

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusUnauthorized:
		return nil, ErrExpired
	case res.StatusCode == http.StatusForbidden:
		return nil, ErrForbidden
	case res.StatusCode >= 500:
		log.Warn("verify server error", logger.Status(res.StatusCode))
		return nil, fmt.Errorf("%w: %w", ErrTransient, httpError(res))
	default:
		log.Info("verify rejected", logger.Status(res.StatusCode))
		return nil, fmt.Errorf("%w: %w", ErrForbidden, httpError(res))
	}

	var vr api.VerifyResponse
	if err := json.NewDecoder(res.Body).Decode(&vr); err != nil {
		log.Warn("verify response unreadable", logger.Err(err))
		return nil, fmt.Errorf("%w: decode verify response: %v", ErrTransient, err)
	}
	if vr.Valid != nil && !*vr.Valid {
		return nil, ErrExpired
	}
	if vr.User == nil {
		return nil, fmt.Errorf("%w: verify response has no user", ErrTransient)
	}
	log.Debug("verified", zap.String("user_id", vr.User.ID.String()))
	return vr.User, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrNoRefresh):
		return "no_refresh"
	case errors.Is(err, ErrRefreshRejected):
		return "rejected"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrNotAuthenticated):
		return "anonymous"
	case errors.Is(err, ErrNetwork):
		return "network"
	case StatusOf(err) != 0:
		return "http_error"
	default:
		return "error"
	}
}
