package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"git.sr.ht/~jakintosh/atlantark/internal/logger"
	"git.sr.ht/~jakintosh/atlantark/pkg/credential"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// TokenRefresher is what the requester needs from a Refresher.
type TokenRefresher interface {
	Refresh(ctx context.Context) error
	Generation() uint64
}

// Requester performs authenticated API calls. A 401 triggers one refresh
// and one retry; if that does not recover the session, the expiry hook
// runs and the call fails with ErrSessionExpired.
type Requester struct {
	c         *Client
	store     CredentialStore
	refresher TokenRefresher
	onExpired func(ctx context.Context)
}

type RequesterOption func(*Requester)

// OnSessionExpired sets the hook run when a session cannot be recovered,
// typically the session controller's logout.
func OnSessionExpired(fn func(ctx context.Context)) RequesterOption {
	return func(r *Requester) { r.onExpired = fn }
}

func NewRequester(c *Client, store CredentialStore, refresher TokenRefresher, opts ...RequesterOption) *Requester {
	r := &Requester{c: c, store: store, refresher: refresher}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetOnSessionExpired replaces the expiry hook after construction, for
// owners that are built after the requester.
func (r *Requester) SetOnSessionExpired(fn func(ctx context.Context)) {
	r.onExpired = fn
}

// Call sends body as JSON to endpoint and decodes a 2xx response into out.
// Either may be nil.
func (r *Requester) Call(ctx context.Context, method, endpoint string, body, out any) error {
	ctx, span := r.c.tracer.Start(ctx, "client.Call")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", endpoint),
	)

	log := r.c.log.With(logger.Op("call"), logger.Method(method), logger.Endpoint(endpoint))
	err := r.call(ctx, method, endpoint, body, out, log)
	outcome := outcomeOf(err)
	r.c.metrics.Call(method, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return err
}

func (r *Requester) call(ctx context.Context, method, endpoint string, body, out any, log *zap.Logger) error {
	// captured before the read: a refresh that lands in between is then
	// either visible in cred or detected after a 401
	gen := r.refresher.Generation()
	cred, err := r.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}
	if cred == nil {
		return ErrNotAuthenticated
	}

	res, err := r.send(ctx, cred, method, endpoint, body)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusUnauthorized {
		return finish(res, out)
	}
	drain(res)

	// a refresh that completed after this request was sent already covers it
	if r.refresher.Generation() == gen {
		if err := r.refresher.Refresh(ctx); err != nil {
			if errors.Is(err, ErrTransient) {
				log.Warn("refresh unavailable, keeping session", logger.Err(err))
				return fmt.Errorf("%w: %v", ErrNetwork, err)
			}
			log.Info("refresh failed, ending session", logger.Err(err))
			return r.expire(ctx)
		}
	}

	cred, err = r.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}
	if cred == nil {
		return r.expire(ctx)
	}
	res, err = r.send(ctx, cred, method, endpoint, body)
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusUnauthorized {
		drain(res)
		log.Info("retry still unauthorized, ending session")
		return r.expire(ctx)
	}
	return finish(res, out)
}

func (r *Requester) send(
	ctx context.Context,
	cred credential.Credential,
	method string,
	endpoint string,
	body any,
) (*http.Response, error) {
	req, err := r.c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if bearer, ok := credential.Bearer(cred); ok {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := r.c.do(req, "call")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return res, nil
}

func (r *Requester) expire(ctx context.Context) error {
	if r.onExpired != nil {
		r.onExpired(ctx)
	}
	return ErrSessionExpired
}

func finish(res *http.Response, out any) error {
	defer drain(res)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return httpError(res)
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
