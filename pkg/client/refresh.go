package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"git.sr.ht/~jakintosh/atlantark/internal/logger"
	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"git.sr.ht/~jakintosh/atlantark/pkg/credential"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// CredentialStore is the part of the token store the client packages use.
type CredentialStore interface {
	Read(ctx context.Context) (credential.Credential, error)
	Write(ctx context.Context, c credential.Credential) error
}

// Refresher renews the stored credential. Concurrent callers share a single
// in-flight attempt, so a provider that rotates refresh tokens on use never
// sees the same refresh token twice.
type Refresher struct {
	c     *Client
	store CredentialStore
	group singleflight.Group
	gen   atomic.Uint64
}

func NewRefresher(c *Client, store CredentialStore) *Refresher {
	return &Refresher{c: c, store: store}
}

// Generation counts successful refreshes. A caller that captured the value
// before a request can tell whether someone else has refreshed since.
func (r *Refresher) Generation() uint64 {
	return r.gen.Load()
}

// Refresh returns nil once the stored credential has been renewed, or one
// of ErrNoRefresh, ErrRefreshRejected, ErrTransient. It never clears the
// store.
func (r *Refresher) Refresh(ctx context.Context) error {
	// the shared attempt must outlive any one caller's cancellation
	detached := context.WithoutCancel(ctx)
	_, err, shared := r.group.Do("refresh", func() (any, error) {
		return nil, r.refresh(detached)
	})
	if shared {
		r.c.metrics.Refresh("shared")
	}
	return err
}

func (r *Refresher) refresh(ctx context.Context) error {
	ctx, span := r.c.tracer.Start(ctx, "client.Refresh")
	defer span.End()

	err := r.exchange(ctx)
	outcome := outcomeOf(err)
	r.c.metrics.Refresh(outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return err
	}
	r.gen.Add(1)
	return nil
}

func (r *Refresher) exchange(ctx context.Context) error {
	cred, err := r.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	mode := credential.ModeOf(cred)
	log := r.c.log.With(logger.Op("refresh"), logger.Mode(mode.String()))
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("auth.mode", mode.String()))

	var body any
	switch c := cred.(type) {
	case credential.Cookie:
	case credential.Pair:
		if c.Refresh == "" {
			return ErrNoRefresh
		}
		body = api.RefreshRequest{RefreshToken: c.Refresh}
	default:
		return ErrNoRefresh
	}

	req, err := r.c.newRequest(ctx, http.MethodPost, api.PathRefresh, body)
	if err != nil {
		return err
	}
	res, err := r.c.do(req, "refresh")
	if err != nil {
		log.Warn("refresh request failed", logger.Err(err))
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer drain(res)

	if res.StatusCode >= 500 {
		log.Warn("refresh server error", logger.Status(res.StatusCode))
		return fmt.Errorf("%w: %w", ErrTransient, httpError(res))
	}
	if res.StatusCode != http.StatusOK {
		log.Info("refresh rejected", logger.Status(res.StatusCode))
		return fmt.Errorf("%w: %w", ErrRefreshRejected, httpError(res))
	}

	if mode == credential.ModeCookie {
		// cookies were rotated by the response; drop any stale client keys
		if err := r.store.Write(ctx, credential.Cookie{}); err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		log.Debug("cookie session refreshed")
		return nil
	}

	var rr api.RefreshResponse
	if err := json.NewDecoder(res.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%w: decode refresh response: %v", ErrRefreshRejected, err)
	}
	if rr.AccessToken == "" || rr.RefreshToken == "" {
		// persisting half a pair would reuse the old refresh token later
		return fmt.Errorf("%w: response missing rotated pair", ErrRefreshRejected)
	}
	if err := r.store.Write(ctx, credential.Pair{Access: rr.AccessToken, Refresh: rr.RefreshToken}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	log.Debug("token pair rotated")
	return nil
}
