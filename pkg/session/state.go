package session

import (
	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"git.sr.ht/~jakintosh/atlantark/pkg/credential"
)

type State int

const (
	StateAnonymous State = iota
	StateVerifying
	StateAuthenticated
	StateRefreshingAfterExpiry
	// StateLoggedOut is passed through on the way back to StateAnonymous.
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateVerifying:
		return "verifying"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshingAfterExpiry:
		return "refreshing_after_expiry"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "anonymous"
	}
}

var stateNames = []string{
	StateAnonymous.String(),
	StateVerifying.String(),
	StateAuthenticated.String(),
	StateRefreshingAfterExpiry.String(),
	StateLoggedOut.String(),
}

// Snapshot is a copy of the session safe to hand to observers.
type Snapshot struct {
	State State
	Mode  credential.Mode
	User  *api.UserProfile
	Stats *api.Stats
	Epoch uint64
	// Pending is set when a credential is held but could not be checked
	// because the provider was unreachable.
	Pending bool
}

func (s Snapshot) LoggedIn() bool {
	return s.State == StateAuthenticated && s.User != nil
}
