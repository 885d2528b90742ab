// Package authstate holds the single session state of the process. It is only
// changed through the transition methods of Container.
package authstate

import (
	"github.com/dgellow/contentdesk/internal/account"
)

// Kind enumerates the session states
type Kind int

const (
	Unauthenticated Kind = iota
	Authenticating
	Authenticated
	Failed
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Failure reasons
const (
	ReasonInvalidCredential = "invalid_credential"
	ReasonUnreachable       = "backend_unreachable"
)

// State is an immutable view of the session. Profile is set only when
// Kind is Authenticated and Reason only when Kind is Failed.
type State struct {
	Kind       Kind
	Profile    *account.UserProfile
	Reason     string
	Generation uint64
}

func (s State) IsAuthenticated() bool {
	return s.Kind == Authenticated && s.Profile != nil
}

// Subscription returns the held snapshot, or none when not authenticated
func (s State) Subscription() account.SubscriptionSnapshot {
	if !s.IsAuthenticated() {
		return account.SubscriptionSnapshot{Status: account.StatusNone}
	}
	return s.Profile.Subscription
}

// Snapshot is the JSON view served to local clients
type Snapshot struct {
	State        string                        `json:"state"`
	Reason       string                        `json:"reason,omitempty"`
	Generation   uint64                        `json:"generation"`
	User         *account.UserProfile          `json:"user,omitempty"`
	Subscription *account.SubscriptionSnapshot `json:"subscription,omitempty"`
}

func (s State) Snapshot() Snapshot {
	out := Snapshot{
		State:      s.Kind.String(),
		Reason:     s.Reason,
		Generation: s.Generation,
	}
	if s.IsAuthenticated() {
		profile := *s.Profile
		sub := profile.Subscription
		out.User = &profile
		out.Subscription = &sub
	}
	return out
}
