package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"git.sr.ht/~jakintosh/atlantark/internal/testutil"
	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"git.sr.ht/~jakintosh/atlantark/pkg/client"
	"git.sr.ht/~jakintosh/atlantark/pkg/credential"
	"git.sr.ht/~jakintosh/atlantark/pkg/idptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_BodyMatchesMode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testutil.NewStack(t, idptest.Config{})

	pair := s.LoginPair(t)
	user, err := s.Verifier.Verify(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, idptest.DefaultUser.ID, user.ID)

	legacy := s.LoginLegacy(t)
	_, err = s.Verifier.Verify(ctx, credential.Legacy{Token: legacy})
	require.NoError(t, err)

	s.LoginCookie(t)
	_, err = s.Verifier.Verify(ctx, credential.Cookie{})
	require.NoError(t, err)

	bodies := s.IDP.VerifyBodies()
	require.Len(t, bodies, 3)
	assert.Equal(t, api.VerifyRequest{AccessToken: pair.Access}, bodies[0])
	assert.Equal(t, api.VerifyRequest{Token: legacy}, bodies[1])
	assert.Equal(t, api.VerifyRequest{}, bodies[2])
}

func TestVerify_Classification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"forbidden", http.StatusForbidden, client.ErrForbidden},
		{"bad request is terminal", http.StatusBadRequest, client.ErrForbidden},
		{"server error is transient", http.StatusBadGateway, client.ErrTransient},
		{"unauthorized", http.StatusUnauthorized, client.ErrExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := testutil.NewStack(t, idptest.Config{})
			pair := s.LoginPair(t)
			s.IDP.ForceVerifyStatus(tc.status)

			_, err := s.Verifier.Verify(ctx, pair)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, client.IsAuthFailure(err))
		})
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})

	pair := s.LoginPair(t)
	s.IDP.ExpireAccess()

	_, err := s.Verifier.Verify(context.Background(), pair)
	assert.ErrorIs(t, err, client.ErrExpired)
	// verification never touches storage
	assert.Equal(t, pair, s.Stored(t))
}

func TestVerify_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	pair := s.LoginPair(t)
	s.Server.Close()

	_, err := s.Verifier.Verify(context.Background(), pair)
	assert.ErrorIs(t, err, client.ErrTransient)
	assert.Equal(t, pair, s.Stored(t))
}

func TestVerify_ResponseShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want error
	}{
		{"valid false", `{"valid": false, "user": {"id": 1}}`, client.ErrExpired},
		{"no user", `{"valid": true}`, client.ErrTransient},
		{"garbage", `<html>`, client.ErrTransient},
		{"string id", `{"user": {"id": "42", "username": "x"}}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)

			v := client.NewVerifier(client.New(idptest.BaseURL(t, srv)))
			user, err := v.Verify(context.Background(), credential.Legacy{Token: "T"})
			if tc.want == nil {
				require.NoError(t, err)
				assert.Equal(t, api.ExternalID(42), user.ID)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestVerify_NilCredential(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})

	_, err := s.Verifier.Verify(context.Background(), nil)
	assert.ErrorIs(t, err, client.ErrNotAuthenticated)
	assert.Zero(t, s.IDP.Counters().Verify)
}
