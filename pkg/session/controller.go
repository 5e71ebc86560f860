// Package session owns the lifecycle of a signed-in user: it ingests the
// provider's redirect, verifies and refreshes the stored credential, keeps
// the user profile current, and tells observers when any of that changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/atlantark/internal/logger"
	"git.sr.ht/~jakintosh/atlantark/internal/metrics"
	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"git.sr.ht/~jakintosh/atlantark/pkg/client"
	"git.sr.ht/~jakintosh/atlantark/pkg/credential"
	"go.uber.org/zap"
)

const (
	DefaultProfileInterval = 120 * time.Second
	DefaultStatsInterval   = 30 * time.Second
)

var (
	ErrClosed             = errors.New("session: controller closed")
	ErrAlreadyInitialized = errors.New("session: already initialized")
)

// Logout reasons reported to metrics.
const (
	reasonUser     = "user"
	reasonRejected = "rejected"
	reasonExpired  = "expired"
)

type TokenStore interface {
	Read(ctx context.Context) (credential.Credential, error)
	Write(ctx context.Context, c credential.Credential) error
	Clear(ctx context.Context) error
}

type Verifier interface {
	Verify(ctx context.Context, cred credential.Credential) (*api.UserProfile, error)
}

type Refresher interface {
	Refresh(ctx context.Context) error
}

type Caller interface {
	Call(ctx context.Context, method, endpoint string, body, out any) error
}

type Revoker interface {
	Revoke(ctx context.Context, cred credential.Credential) error
}

type StatsSource interface {
	Stats(ctx context.Context) (*api.Stats, error)
}

// Config wires a Controller. Store, Verifier and Caller are required.
// A zero interval selects the default; a negative one disables the task.
type Config struct {
	Store     TokenStore
	Verifier  Verifier
	Refresher Refresher
	Caller    Caller
	Revoker   Revoker
	Stats     StatsSource

	LoginURL        string
	ProfileInterval time.Duration
	StatsInterval   time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Controller struct {
	store     TokenStore
	verifier  Verifier
	refresher Refresher
	caller    Caller
	revoker   Revoker
	stats     *statsLoader
	loginURL  string

	profileEvery time.Duration
	statsEvery   time.Duration

	log     *zap.Logger
	metrics *metrics.Metrics

	base   context.Context
	cancel context.CancelFunc
	sched  *scheduler
	bg     sync.WaitGroup
	obs    observers

	mu          sync.Mutex
	state       State
	cred        credential.Credential
	user        *api.UserProfile
	lastStats   *api.Stats
	epoch       uint64
	ending      int
	pending     bool
	initialized bool
	closed      bool
}

func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("session: store is required")
	case cfg.Verifier == nil:
		return nil, errors.New("session: verifier is required")
	case cfg.Caller == nil:
		return nil, errors.New("session: caller is required")
	}

	base, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:        cfg.Store,
		verifier:     cfg.Verifier,
		refresher:    cfg.Refresher,
		caller:       cfg.Caller,
		revoker:      cfg.Revoker,
		loginURL:     cfg.LoginURL,
		profileEvery: interval(cfg.ProfileInterval, DefaultProfileInterval),
		statsEvery:   interval(cfg.StatsInterval, DefaultStatsInterval),
		log:          logger.OrNop(cfg.Logger).Named("session"),
		metrics:      cfg.Metrics,
		base:         base,
		cancel:       cancel,
		sched:        newScheduler(base),
	}
	if cfg.Stats != nil {
		c.stats = newStatsLoader(cfg.Stats, c.statsEvery)
	}
	c.metrics.SetState(StateAnonymous.String(), stateNames)
	return c, nil
}

func interval(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

// Init consumes any callback parameters in addr, establishes the session
// from the stored credential and starts the background tasks. addr may be
// nil. The returned error describes why no session was established; the
// controller is usable either way.
func (c *Controller) Init(ctx context.Context, addr Address) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.initialized:
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.initialized = true
	c.mu.Unlock()

	if addr != nil {
		if err := c.ingest(ctx, addr); err != nil {
			return err
		}
	}

	err := c.establish(ctx)

	c.sched.start(taskStats, c.statsEvery, func(ctx context.Context) {
		_ = c.RefreshStats(ctx)
	})
	c.background(func(ctx context.Context) {
		_ = c.RefreshStats(ctx)
		if c.IsLoggedIn() {
			_ = c.RefreshProfile(ctx)
		}
	})
	return err
}

// Ingest stores the credential carried by a callback URL without touching
// any address. It is for redirects captured outside the app's own location.
func (c *Controller) Ingest(ctx context.Context, raw string) error {
	addr, err := NewAddress(raw)
	if err != nil {
		return fmt.Errorf("session: parse callback: %w", err)
	}
	return c.ingest(ctx, addr)
}

func (c *Controller) ingest(ctx context.Context, addr Address) error {
	current := addr.Current()
	cb, stripped, found := ParseCallback(current)
	if !found {
		return nil
	}
	addr.Replace(stripped)

	if cb.Error != "" {
		c.log.Info("provider reported login failure", zap.String("reason", cb.Error))
		c.obs.notify(Event{Kind: EventLoginFailed, Snapshot: c.Snapshot(), Reason: cb.Error})
	}

	var cred credential.Credential
	switch {
	case cb.AccessToken != "":
		cred = credential.Pair{Access: cb.AccessToken, Refresh: cb.RefreshToken}
	case cb.Token != "":
		cred = credential.Legacy{Token: cb.Token}
	case cb.CookieLogin:
		cred = credential.Cookie{}
	default:
		return nil
	}

	if err := c.store.Write(ctx, cred); err != nil {
		return fmt.Errorf("session: store callback credential: %w", err)
	}
	c.log.Info("callback credential stored", logger.Mode(cred.Mode().String()))
	return nil
}

// Reload re-reads the store and re-establishes the session. It is called
// when another process may have changed the stored credential.
func (c *Controller) Reload(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.establish(ctx)
}

func (c *Controller) establish(ctx context.Context) error {
	epoch := c.Epoch()
	log := c.log.With(logger.Op("establish"), logger.Epoch(epoch))

	cred, err := c.store.Read(ctx)
	if err != nil {
		log.Warn("credential unreadable", logger.Err(err))
		c.transitionAt(epoch, StateAnonymous, c.resetLocked)
		return fmt.Errorf("session: %w", err)
	}
	if cred == nil {
		c.sched.stop(taskProfile)
		c.transitionAt(epoch, StateAnonymous, c.resetLocked)
		return nil
	}

	if !c.transitionAt(epoch, StateVerifying, func() { c.cred = cred }) {
		return nil
	}
	user, err := c.verifier.Verify(ctx, cred)

	if errors.Is(err, client.ErrExpired) && credential.CanRefresh(cred) && c.refresher != nil {
		if !c.transitionAt(epoch, StateRefreshingAfterExpiry, nil) {
			return nil
		}
		if err = c.refresher.Refresh(ctx); err == nil {
			cred, err = c.store.Read(ctx)
			if err == nil && cred == nil {
				err = client.ErrRefreshRejected
			}
		}
		if err == nil {
			if !c.transitionAt(epoch, StateVerifying, func() { c.cred = cred }) {
				return nil
			}
			user, err = c.verifier.Verify(ctx, cred)
		}
	}

	return c.settle(ctx, epoch, user, err, log)
}

func (c *Controller) settle(ctx context.Context, epoch uint64, user *api.UserProfile, err error, log *zap.Logger) error {
	switch {
	case err == nil:
		ok := c.transitionAt(epoch, StateAuthenticated, func() {
			u := *user
			c.user = &u
			c.pending = false
		})
		if ok {
			log.Info("session established", zap.String("user", user.ID.String()))
			c.sched.start(taskProfile, c.profileEvery, c.profileTick)
		}
		return nil

	case errors.Is(err, client.ErrTransient):
		// the credential stays; the profile task retries verification
		ok := c.transitionAt(epoch, StateAnonymous, func() {
			c.user = nil
			c.pending = true
		})
		if ok {
			log.Warn("verification unavailable, will retry", logger.Err(err))
			c.sched.start(taskProfile, c.profileEvery, c.profileTick)
		}
		return fmt.Errorf("session: %w", err)

	default:
		log.Info("credential rejected", logger.Err(err))
		c.end(ctx, epoch, reasonRejected, false)
		return fmt.Errorf("session: %w", err)
	}
}

func (c *Controller) profileTick(ctx context.Context) {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()

	if pending {
		_ = c.establish(ctx)
		return
	}
	if c.IsLoggedIn() {
		_ = c.RefreshProfile(ctx)
	}
}

// Logout revokes the session remotely when it can and always clears it
// locally. A failed revoke is logged, not returned.
func (c *Controller) Logout(ctx context.Context) error {
	return c.end(ctx, c.Epoch(), reasonUser, true)
}

// sessionExpired is the requester's hook for calls that could not recover.
func (c *Controller) sessionExpired(ctx context.Context) {
	_ = c.end(ctx, c.Epoch(), reasonExpired, true)
}

// end tears the session down if epoch is still current. Bumping the epoch
// first makes every in-flight result captured before it stale; it is bumped
// again with the reset so work begun during the revoke is stale as well.
func (c *Controller) end(ctx context.Context, epoch uint64, reason string, revoke bool) error {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil
	}
	c.epoch++
	c.ending++
	held := c.cred
	c.mu.Unlock()

	log := c.log.With(logger.Op("logout"), zap.String("reason", reason))

	if revoke && c.revoker != nil {
		cred, err := c.store.Read(ctx)
		if err != nil || cred == nil {
			cred = held
		}
		if cred != nil {
			if err := c.revoker.Revoke(ctx, cred); err != nil {
				log.Warn("remote logout failed", logger.Err(err))
			}
		}
	}

	clearErr := c.store.Clear(context.WithoutCancel(ctx))
	if clearErr != nil {
		log.Error("clear credential", logger.Err(clearErr))
	}
	c.metrics.Logout(reason)
	// stopped last: end may be running inside the profile task's context
	c.sched.stop(taskProfile)

	c.mu.Lock()
	c.ending--
	c.epoch++
	snap := c.applyLocked(StateLoggedOut, c.resetLocked)
	c.mu.Unlock()
	c.emit(snap)
	c.transition(StateAnonymous, nil)
	log.Info("session ended")

	if clearErr != nil {
		return fmt.Errorf("session: %w", clearErr)
	}
	return nil
}

// RefreshProfile loads the profile and balance and merges them into the
// current user. Results that arrive after a logout are dropped.
func (c *Controller) RefreshProfile(ctx context.Context) error {
	epoch := c.Epoch()
	if !c.IsLoggedIn() {
		return client.ErrNotAuthenticated
	}
	log := c.log.With(logger.Op("profile"), logger.Epoch(epoch))

	var profile api.UserProfile
	profileErr := c.caller.Call(ctx, http.MethodGet, api.PathProfile, nil, &profile)
	if profileErr != nil {
		log.Warn("profile load failed", logger.Err(profileErr))
	}

	var balance api.Balance
	balanceErr := c.caller.Call(ctx, http.MethodGet, api.PathBalance, nil, &balance)
	if balanceErr != nil {
		log.Debug("balance load failed", logger.Err(balanceErr))
	}

	if profileErr != nil && balanceErr != nil {
		return errors.Join(profileErr, balanceErr)
	}

	var snap Snapshot
	c.mu.Lock()
	applied := c.epoch == epoch && c.state == StateAuthenticated && c.user != nil
	if applied {
		if profileErr == nil {
			c.user.Merge(&profile)
		}
		if balanceErr == nil {
			c.user.Balance = balance.Balance
		}
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()

	if !applied {
		log.Debug("discarding stale profile")
		return nil
	}
	c.obs.notify(Event{Kind: EventProfileUpdated, Snapshot: snap})
	return errors.Join(profileErr, balanceErr)
}

// RefreshStats loads the public server stats. The last good value is kept
// on failure.
func (c *Controller) RefreshStats(ctx context.Context) error {
	if c.stats == nil {
		return nil
	}
	s, err := c.stats.load(ctx)
	if err != nil {
		c.log.Debug("stats load failed", logger.Err(err))
		return err
	}

	c.mu.Lock()
	c.lastStats = s
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.obs.notify(Event{Kind: EventStatsUpdated, Snapshot: snap})
	return nil
}

// Call performs an authenticated API call on behalf of the session.
func (c *Controller) Call(ctx context.Context, method, endpoint string, body, out any) error {
	return c.caller.Call(ctx, method, endpoint, body, out)
}

func (c *Controller) LoginURL() string {
	return c.loginURL
}

// Subscribe registers fn for every event until the returned func is called.
func (c *Controller) Subscribe(fn Observer) func() {
	return c.obs.add(fn)
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) IsLoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateAuthenticated && c.user != nil
}

// AuthToken returns the bearer of an authenticated session. Cookie sessions
// have none.
func (c *Controller) AuthToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated {
		return "", false
	}
	return credential.Bearer(c.cred)
}

func (c *Controller) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Close stops every background task and waits for them. The stored
// credential is left alone.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.sched.stopAll()
	c.bg.Wait()
	return nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) background(fn func(ctx context.Context)) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn(c.base)
	}()
}

// transitionAt applies mutate and moves to s only if epoch is current and
// no logout is in progress.
func (c *Controller) transitionAt(epoch uint64, s State, mutate func()) bool {
	c.mu.Lock()
	if c.epoch != epoch || c.ending > 0 {
		c.mu.Unlock()
		return false
	}
	snap := c.applyLocked(s, mutate)
	c.mu.Unlock()
	c.emit(snap)
	return true
}

func (c *Controller) transition(s State, mutate func()) {
	c.mu.Lock()
	snap := c.applyLocked(s, mutate)
	c.mu.Unlock()
	c.emit(snap)
}

func (c *Controller) applyLocked(s State, mutate func()) Snapshot {
	if mutate != nil {
		mutate()
	}
	c.state = s
	return c.snapshotLocked()
}

func (c *Controller) emit(snap Snapshot) {
	c.metrics.SetState(snap.State.String(), stateNames)
	c.log.Debug("state changed", logger.State(snap.State.String()), logger.Epoch(snap.Epoch))
	c.obs.notify(Event{Kind: EventStateChanged, Snapshot: snap})
}

// resetLocked forgets the user and credential. Stats are not per user and
// survive.
func (c *Controller) resetLocked() {
	c.cred = nil
	c.user = nil
	c.pending = false
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:   c.state,
		Mode:    credential.ModeOf(c.cred),
		Epoch:   c.epoch,
		Pending: c.pending,
	}
	if c.user != nil {
		u := *c.user
		snap.User = &u
	}
	if c.lastStats != nil {
		s := *c.lastStats
		snap.Stats = &s
	}
	return snap
}
