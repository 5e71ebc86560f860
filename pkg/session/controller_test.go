package session_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/atlantark/internal/testutil"
	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"git.sr.ht/~jakintosh/atlantark/pkg/client"
	"git.sr.ht/~jakintosh/atlantark/pkg/credential"
	"git.sr.ht/~jakintosh/atlantark/pkg/idptest"
	"git.sr.ht/~jakintosh/atlantark/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_LegacyCallbackStoredAndStripped(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})

	token, err := s.IDP.IssueLegacy(idptest.DefaultUser.ID)
	require.NoError(t, err)
	addr := mustAddress(t, appURL+"?tab=bids&token="+token+"#top")

	require.NoError(t, ctrl.Init(context.Background(), addr))

	assert.Equal(t, credential.Legacy{Token: token}, s.Stored(t))
	assert.Equal(t, appURL+"?tab=bids#top", addr.String())
	assert.Equal(t, session.StateAuthenticated, ctrl.State())
	assert.True(t, ctrl.IsLoggedIn())
	assert.Equal(t, "ark-tester", ctrl.Snapshot().User.Username)

	bearer, ok := ctrl.AuthToken()
	assert.True(t, ok)
	assert.Equal(t, token, bearer)
	assert.Equal(t, []api.VerifyRequest{{Token: token}}, s.IDP.VerifyBodies())
}

func TestInit_PairCallback(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})

	access, refresh, err := s.IDP.IssuePair(idptest.DefaultUser.ID)
	require.NoError(t, err)
	addr := mustAddress(t, appURL+"?access_token="+access+"&refresh_token="+refresh)

	require.NoError(t, ctrl.Init(context.Background(), addr))

	assert.Equal(t, credential.Pair{Access: access, Refresh: refresh}, s.Stored(t))
	assert.Empty(t, addr.Current().RawQuery)
	assert.Equal(t, []api.VerifyRequest{{AccessToken: access}}, s.IDP.VerifyBodies())
	assert.Equal(t, credential.ModePair, ctrl.Snapshot().Mode)
}

func TestInit_CookieCallback(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})

	cookies, err := s.IDP.IssueCookies(idptest.DefaultUser.ID)
	require.NoError(t, err)
	s.Guard.Jar().SetCookies(s.BaseURL, cookies)
	addr := mustAddress(t, appURL+"?auth=success")

	require.NoError(t, ctrl.Init(context.Background(), addr))

	assert.Equal(t, credential.Cookie{}, s.Stored(t))
	assert.Equal(t, appURL, addr.String())
	assert.True(t, ctrl.IsLoggedIn())
	_, ok := ctrl.AuthToken()
	assert.False(t, ok, "cookie sessions expose no bearer")
}

func TestInit_ErrorCallbackKeepsStoredCredential(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	rec := record(ctrl)
	s.LoginLegacy(t)

	addr := mustAddress(t, appURL+"?error=access_denied")
	require.NoError(t, ctrl.Init(context.Background(), addr))

	ev, ok := rec.last(session.EventLoginFailed)
	require.True(t, ok)
	assert.Equal(t, "access_denied", ev.Reason)
	assert.Equal(t, appURL, addr.String())
	assert.True(t, ctrl.IsLoggedIn())
}

func TestInit_NoCredential(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})

	require.NoError(t, ctrl.Init(context.Background(), mustAddress(t, appURL)))

	assert.Equal(t, session.StateAnonymous, ctrl.State())
	assert.False(t, ctrl.IsLoggedIn())
	assert.Zero(t, s.IDP.Counters().Verify)
}

func TestInit_Twice(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})

	require.NoError(t, ctrl.Init(context.Background(), nil))
	assert.ErrorIs(t, ctrl.Init(context.Background(), nil), session.ErrAlreadyInitialized)

	require.NoError(t, ctrl.Close())
	assert.ErrorIs(t, ctrl.Reload(context.Background()), session.ErrClosed)
}

func TestInit_ExpiredPairRefreshesOnce(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	rec := record(ctrl)
	old := s.LoginPair(t)
	s.IDP.ExpireAccess()

	require.NoError(t, ctrl.Init(context.Background(), nil))

	assert.Equal(t, []session.State{
		session.StateVerifying,
		session.StateRefreshingAfterExpiry,
		session.StateVerifying,
		session.StateAuthenticated,
	}, rec.states())
	assert.EqualValues(t, 1, s.IDP.Counters().Refresh)

	stored, ok := s.Stored(t).(credential.Pair)
	require.True(t, ok)
	assert.NotEqual(t, old.Access, stored.Access)
	assert.NotEqual(t, old.Refresh, stored.Refresh)

	bodies := s.IDP.VerifyBodies()
	require.Len(t, bodies, 2)
	assert.Equal(t, old.Access, bodies[0].AccessToken)
	assert.Equal(t, stored.Access, bodies[1].AccessToken)
}

func TestInit_RefreshRejectedEndsSession(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	rec := record(ctrl)
	s.LoginPair(t)
	s.IDP.ExpireAccess()
	s.IDP.RevokeRefresh()

	err := ctrl.Init(context.Background(), nil)
	assert.ErrorIs(t, err, client.ErrRefreshRejected)

	assert.Nil(t, s.Stored(t))
	assert.Equal(t, session.StateAnonymous, ctrl.State())
	states := rec.states()
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, []session.State{session.StateLoggedOut, session.StateAnonymous}, states[len(states)-2:])
}

func TestInit_ForbiddenSkipsRefresh(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	rec := record(ctrl)
	s.LoginPair(t)
	s.IDP.ForceVerifyStatus(http.StatusForbidden)

	err := ctrl.Init(context.Background(), nil)
	assert.ErrorIs(t, err, client.ErrForbidden)

	assert.Nil(t, s.Stored(t))
	assert.Zero(t, s.IDP.Counters().Refresh)
	assert.NotContains(t, rec.states(), session.StateRefreshingAfterExpiry)
	assert.Contains(t, rec.states(), session.StateLoggedOut)
}

func TestInit_ExpiredLegacyIsTerminal(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	s.LoginLegacy(t)
	s.IDP.ExpireAccess()

	err := ctrl.Init(context.Background(), nil)
	assert.ErrorIs(t, err, client.ErrExpired)
	assert.Nil(t, s.Stored(t))
	assert.Zero(t, s.IDP.Counters().Refresh)
}

func TestInit_TransientKeepsCredential(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	pair := s.LoginPair(t)
	s.IDP.ForceVerifyStatus(http.StatusServiceUnavailable)

	err := ctrl.Init(context.Background(), nil)
	assert.ErrorIs(t, err, client.ErrTransient)

	assert.Equal(t, pair, s.Stored(t))
	snap := ctrl.Snapshot()
	assert.Equal(t, session.StateAnonymous, snap.State)
	assert.True(t, snap.Pending)
	assert.Nil(t, snap.User)

	s.IDP.ForceVerifyStatus(0)
	require.NoError(t, ctrl.Reload(context.Background()))
	assert.True(t, ctrl.IsLoggedIn())
	assert.False(t, ctrl.Snapshot().Pending)
}

func TestTransientRecheckedByProfileTask(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{ProfileInterval: 20 * time.Millisecond})
	s.LoginPair(t)
	s.IDP.ForceVerifyStatus(http.StatusBadGateway)

	assert.ErrorIs(t, ctrl.Init(context.Background(), nil), client.ErrTransient)
	s.IDP.ForceVerifyStatus(0)

	assert.Eventually(t, ctrl.IsLoggedIn, 2*time.Second, 10*time.Millisecond)
}

func TestLogout_RevokesPair(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	rec := record(ctrl)
	pair := s.LoginPair(t)
	require.NoError(t, ctrl.Init(context.Background(), nil))
	waitLoaded(t, rec)
	before := ctrl.Epoch()

	require.NoError(t, ctrl.Logout(context.Background()))

	assert.EqualValues(t, 1, s.IDP.Counters().Logout)
	assert.False(t, s.IDP.RefreshTokenValid(pair.Refresh))
	assert.Nil(t, s.Stored(t))
	assert.Equal(t, session.StateAnonymous, ctrl.State())
	assert.Greater(t, ctrl.Epoch(), before)
}

func TestLogout_ClearsWhenRevokeFails(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	rec := record(ctrl)
	s.LoginPair(t)
	require.NoError(t, ctrl.Init(context.Background(), nil))
	waitLoaded(t, rec)
	s.IDP.ForceLogoutStatus(http.StatusInternalServerError)

	require.NoError(t, ctrl.Logout(context.Background()))

	assert.Nil(t, s.Stored(t))
	assert.False(t, ctrl.IsLoggedIn())
	assert.Nil(t, ctrl.Snapshot().User)
	states := rec.states()
	assert.Equal(t, []session.State{session.StateLoggedOut, session.StateAnonymous}, states[len(states)-2:])
}

func TestLogout_ClearsWhenProviderDown(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	rec := record(ctrl)
	s.LoginPair(t)
	require.NoError(t, ctrl.Init(context.Background(), nil))
	waitLoaded(t, rec)
	s.Server.Close()

	require.NoError(t, ctrl.Logout(context.Background()))
	assert.Nil(t, s.Stored(t))
}

func TestLogout_Cookie(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	rec := record(ctrl)
	s.LoginCookie(t)
	require.NoError(t, ctrl.Init(context.Background(), nil))
	waitLoaded(t, rec)
	require.True(t, ctrl.IsLoggedIn())

	require.NoError(t, ctrl.Logout(context.Background()))

	assert.EqualValues(t, 1, s.IDP.Counters().Logout)
	assert.False(t, s.Guard.IsCookieMode())
	assert.Nil(t, s.Stored(t))
}

func TestLogout_LegacyMakesNoRemoteCall(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	rec := record(ctrl)
	s.LoginLegacy(t)
	require.NoError(t, ctrl.Init(context.Background(), nil))
	waitLoaded(t, rec)

	require.NoError(t, ctrl.Logout(context.Background()))

	assert.Zero(t, s.IDP.Counters().Logout)
	assert.Nil(t, s.Stored(t))
}

func TestCall_UnrecoverableEndsSession(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	rec := record(ctrl)
	s.LoginPair(t)
	require.NoError(t, ctrl.Init(context.Background(), nil))
	waitLoaded(t, rec)
	s.IDP.ExpireAccess()
	s.IDP.RevokeRefresh()

	var profile api.UserProfile
	err := ctrl.Call(context.Background(), http.MethodGet, api.PathProfile, nil, &profile)
	assert.ErrorIs(t, err, client.ErrSessionExpired)

	assert.Equal(t, session.StateAnonymous, ctrl.State())
	assert.Nil(t, s.Stored(t))
}

func TestRefreshProfile_MergesBalance(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	rec := record(ctrl)
	s.LoginPair(t)
	require.NoError(t, ctrl.Init(context.Background(), nil))

	waitLoaded(t, rec)
	assert.EqualValues(t, 1500, ctrl.Snapshot().User.Balance)

	s.IDP.SetBalance(idptest.DefaultUser.ID, 9000)
	require.NoError(t, ctrl.RefreshProfile(context.Background()))

	user := ctrl.Snapshot().User
	require.NotNil(t, user)
	assert.EqualValues(t, 9000, user.Balance)
	assert.Equal(t, "#7", user.Rank)
	assert.Equal(t, "ark-tester", user.Username)
}

func TestRefreshProfile_Anonymous(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	require.NoError(t, ctrl.Init(context.Background(), nil))

	assert.ErrorIs(t, ctrl.RefreshProfile(context.Background()), client.ErrNotAuthenticated)
}

func TestProfileTaskStopsOnLogout(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{ProfileInterval: 20 * time.Millisecond})
	s.LoginPair(t)
	require.NoError(t, ctrl.Init(context.Background(), nil))

	s.IDP.SetBalance(idptest.DefaultUser.ID, 42)
	require.Eventually(t, func() bool {
		u := ctrl.Snapshot().User
		return u != nil && u.Balance == 42
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ctrl.Logout(context.Background()))
	// a tick already in flight may still land
	time.Sleep(50 * time.Millisecond)
	after := s.IDP.Counters().Profile
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, s.IDP.Counters().Profile)
}

func TestStaleProfileDiscardedAfterLogout(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	gate := newGatedCaller()
	ctrl := newController(t, s, session.Config{Caller: gate})
	rec := record(ctrl)
	s.LoginLegacy(t)
	require.NoError(t, ctrl.Init(context.Background(), nil))

	<-gate.entered
	require.NoError(t, ctrl.Logout(context.Background()))

	// a new session begins before the old fetch lands
	s.LoginLegacy(t)
	require.NoError(t, ctrl.Reload(context.Background()))
	require.True(t, ctrl.IsLoggedIn())

	close(gate.release)
	require.NoError(t, ctrl.Close())

	assert.Equal(t, "ark-tester", ctrl.Snapshot().User.Username)
	assert.Zero(t, rec.count(session.EventProfileUpdated))
}

func TestStaleVerificationDiscardedAfterLogout(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	gate := newGatedVerifier()
	ctrl := newController(t, s, session.Config{Verifier: gate})
	s.LoginLegacy(t)

	done := make(chan error, 1)
	go func() { done <- ctrl.Init(context.Background(), nil) }()

	<-gate.entered
	require.NoError(t, ctrl.Logout(context.Background()))
	close(gate.release)
	require.NoError(t, <-done)

	assert.Equal(t, session.StateAnonymous, ctrl.State())
	assert.Nil(t, ctrl.Snapshot().User)
}

func TestReloadDuringLogoutDoesNotRestoreSession(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	revoker := newGatedRevoker()
	verifier := &holdingVerifier{next: s.Verifier, gate: newGatedVerifier()}
	ctrl := newController(t, s, session.Config{Verifier: verifier, Revoker: revoker})
	rec := record(ctrl)
	s.LoginLegacy(t)
	require.NoError(t, ctrl.Init(context.Background(), nil))
	waitLoaded(t, rec)
	require.True(t, ctrl.IsLoggedIn())

	verifier.hold.Store(true)
	loggedOut := make(chan error, 1)
	go func() { loggedOut <- ctrl.Logout(context.Background()) }()
	<-revoker.entered

	// the credential is still stored while the revoke is in flight
	reloaded := make(chan error, 1)
	go func() { reloaded <- ctrl.Reload(context.Background()) }()
	returned := false
	select {
	case <-verifier.gate.entered:
	case err := <-reloaded:
		require.NoError(t, err)
		returned = true
	case <-time.After(2 * time.Second):
		t.Fatal("reload neither verified nor returned")
	}

	close(revoker.release)
	require.NoError(t, <-loggedOut)
	close(verifier.gate.release)
	if !returned {
		<-reloaded
	}

	assert.Equal(t, session.StateAnonymous, ctrl.State())
	assert.False(t, ctrl.IsLoggedIn())
	assert.Nil(t, ctrl.Snapshot().User)
	assert.Nil(t, s.Stored(t))
}

func TestInit_UnusableCallbackStillStripped(t *testing.T) {
	t.Parallel()

	for _, query := range []string{"?auth=denied", "?token=", "?access_token=&refresh_token=R"} {
		t.Run(query, func(t *testing.T) {
			s := testutil.NewStack(t, idptest.Config{})
			ctrl := newController(t, s, session.Config{})
			addr := mustAddress(t, appURL+query)

			require.NoError(t, ctrl.Init(context.Background(), addr))

			assert.Equal(t, appURL, addr.String())
			assert.Nil(t, s.Stored(t))
			assert.Equal(t, session.StateAnonymous, ctrl.State())
		})
	}
}

func TestReload_ExternalLogout(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	s.LoginPair(t)
	require.NoError(t, ctrl.Init(context.Background(), nil))
	require.True(t, ctrl.IsLoggedIn())

	require.NoError(t, s.Store.Clear(context.Background()))
	require.NoError(t, ctrl.Reload(context.Background()))

	assert.Equal(t, session.StateAnonymous, ctrl.State())
	assert.Nil(t, ctrl.Snapshot().User)
}

func TestStats_CachedAndPublished(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	rec := record(ctrl)
	require.NoError(t, ctrl.Init(context.Background(), nil))

	require.NoError(t, ctrl.RefreshStats(context.Background()))
	require.NoError(t, ctrl.RefreshStats(context.Background()))
	require.NoError(t, ctrl.Close())

	assert.EqualValues(t, 1, s.IDP.Counters().Stats)
	assert.GreaterOrEqual(t, rec.count(session.EventStatsUpdated), 2)
	stats := ctrl.Snapshot().Stats
	require.NotNil(t, stats)
	assert.Equal(t, 12, stats.PlayersOnline)
}

func TestStats_SurviveLogout(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})
	s.LoginLegacy(t)
	require.NoError(t, ctrl.Init(context.Background(), nil))
	require.NoError(t, ctrl.RefreshStats(context.Background()))

	require.NoError(t, ctrl.Logout(context.Background()))
	assert.NotNil(t, ctrl.Snapshot().Stats)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})

	n := 0
	unsubscribe := ctrl.Subscribe(func(session.Event) { n++ })
	require.NoError(t, ctrl.Logout(context.Background()))
	seen := n
	assert.Positive(t, seen)

	unsubscribe()
	unsubscribe()
	require.NoError(t, ctrl.Logout(context.Background()))
	assert.Equal(t, seen, n)
}

func TestLoginURL(t *testing.T) {
	t.Parallel()
	s := testutil.NewStack(t, idptest.Config{})
	ctrl := newController(t, s, session.Config{})

	assert.Equal(t, s.BaseURL.String()+api.PathLogin, ctrl.LoginURL())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := session.New(session.Config{})
	assert.Error(t, err)
}
