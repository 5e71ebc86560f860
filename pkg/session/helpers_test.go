package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/atlantark/internal/testutil"
	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"git.sr.ht/~jakintosh/atlantark/pkg/client"
	"git.sr.ht/~jakintosh/atlantark/pkg/credential"
	"git.sr.ht/~jakintosh/atlantark/pkg/idptest"
	"git.sr.ht/~jakintosh/atlantark/pkg/session"
	"github.com/stretchr/testify/require"
)

const appURL = "https://app.example/market"

// newController wires a controller over the stack with the periodic tasks
// disabled unless cfg enables them.
func newController(t *testing.T, s *testutil.Stack, cfg session.Config) *session.Controller {
	t.Helper()
	if cfg.Verifier == nil {
		cfg.Verifier = s.Verifier
	}
	if cfg.Refresher == nil {
		cfg.Refresher = s.Refresher
	}
	if cfg.Caller == nil {
		cfg.Caller = s.Requester
	}
	if cfg.ProfileInterval == 0 {
		cfg.ProfileInterval = -1
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = -1
	}
	ctrl, err := session.FromClient(s.Client, s.Store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl
}

func mustAddress(t *testing.T, raw string) *session.StaticAddress {
	t.Helper()
	addr, err := session.NewAddress(raw)
	require.NoError(t, err)
	return addr
}

type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func record(ctrl *session.Controller) *recorder {
	r := &recorder{}
	ctrl.Subscribe(func(ev session.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

func (r *recorder) states() []session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.State
	for _, ev := range r.events {
		if ev.Kind == session.EventStateChanged {
			out = append(out, ev.Snapshot.State)
		}
	}
	return out
}

func (r *recorder) count(kind session.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind session.EventKind) (session.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return session.Event{}, false
}

// waitLoaded blocks until the background profile load from Init has
// been applied.
func waitLoaded(t *testing.T, rec *recorder) {
	t.Helper()
	require.Eventually(t, func() bool {
		return rec.count(session.EventProfileUpdated) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

// gatedCaller holds the first profile call until release is closed, then
// answers every profile call with a stale user.
type gatedCaller struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedCaller() *gatedCaller {
	return &gatedCaller{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedCaller) Call(ctx context.Context, method, endpoint string, body, out any) error {
	if endpoint != api.PathProfile {
		return client.ErrNotAuthenticated
	}
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p, ok := out.(*api.UserProfile); ok {
		p.Username = "stale"
		p.Balance = 1
	}
	return nil
}

// gatedVerifier holds every verification until release is closed.
type gatedVerifier struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedVerifier() *gatedVerifier {
	return &gatedVerifier{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedVerifier) Verify(ctx context.Context, cred credential.Credential) (*api.UserProfile, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	u := idptest.DefaultUser
	return &u, nil
}

// gatedRevoker holds every revoke until release is closed.
type gatedRevoker struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedRevoker() *gatedRevoker {
	return &gatedRevoker{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedRevoker) Revoke(ctx context.Context, cred credential.Credential) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return nil
}

// holdingVerifier delegates to next until hold is set, then behaves like
// a gatedVerifier.
type holdingVerifier struct {
	next session.Verifier
	hold atomic.Bool
	gate *gatedVerifier
}

func (h *holdingVerifier) Verify(ctx context.Context, cred credential.Credential) (*api.UserProfile, error) {
	if h.hold.Load() {
		return h.gate.Verify(ctx, cred)
	}
	return h.next.Verify(ctx, cred)
}
