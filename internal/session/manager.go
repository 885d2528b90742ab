// Package session orchestrates the credential store, the identity verifier
// and the auth state container. Every change to the session goes through a
// Manager so that the stored credential and the state never disagree.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/authstate"
	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/credential"
	"github.com/dgellow/contentdesk/internal/identity"
	"github.com/dgellow/contentdesk/internal/log"
)

// ErrStorage wraps failures of the credential store
var ErrStorage = errors.New("credential storage failed")

// ErrNoSession is returned by operations that need an authenticated session
var ErrNoSession = errors.New("no authenticated session")

// Manager owns the session lifecycle
type Manager struct {
	store    credential.Store
	verifier identity.Verifier
	state    *authstate.Container
	retry    config.RetryConfig
	now      func() time.Time

	// mu makes each credential store write and the transition that belongs
	// to it a single step. Verification runs outside of it.
	mu    sync.Mutex
	bound binding
}

// binding ties the authenticated session to the credential it was verified with
type binding struct {
	gen         uint64
	fingerprint string
}

type Option func(*Manager)

// WithRetry bounds retries of transient verification failures
func WithRetry(cfg config.RetryConfig) Option {
	return func(m *Manager) {
		if cfg.MaxAttempts > 0 {
			m.retry.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.InitialInterval > 0 {
			m.retry.InitialInterval = cfg.InitialInterval
		}
		if cfg.MaxInterval > 0 {
			m.retry.MaxInterval = cfg.MaxInterval
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store credential.Store, verifier identity.Verifier, state *authstate.Container, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		verifier: verifier,
		state:    state,
		retry: config.RetryConfig{
			MaxAttempts:     config.DefaultRetryAttempts,
			InitialInterval: config.DefaultRetryInitial,
			MaxInterval:     config.DefaultRetryMax,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current auth state
func (m *Manager) State() authstate.State {
	return m.state.Current()
}

// Container exposes the state container for read-only consumers such as the gate
func (m *Manager) Container() *authstate.Container {
	return m.state
}

// Credential returns the stored credential for a single outbound call
func (m *Manager) Credential(ctx context.Context) (account.Credential, error) {
	return m.store.Get(ctx)
}

// Authenticate accepts a freshly issued token. The token replaces any stored
// credential before it is verified. An invalid token is removed again; a
// transient failure leaves it in place so a later retry can succeed.
func (m *Manager) Authenticate(ctx context.Context, token string) (authstate.State, error) {
	cred, err := account.NewCredential(token, m.now())
	if err != nil {
		return m.state.Current(), err
	}

	m.mu.Lock()
	if err := m.store.Put(ctx, cred); err != nil {
		m.mu.Unlock()
		log.LogErrorWithFields("session", "Failed to store credential", map[string]any{
			"error": err.Error(),
		})
		return m.state.Current(), fmt.Errorf("%w: %v", ErrStorage, err)
	}
	begun := m.begin()
	m.mu.Unlock()

	return m.resolve(ctx, cred, begun.Generation)
}

// Restore verifies the stored credential, if any. Called once at startup;
// it does nothing when a sign-in has already started.
func (m *Manager) Restore(ctx context.Context) (authstate.State, error) {
	m.mu.Lock()
	if current := m.state.Current(); current.Kind != authstate.Unauthenticated {
		m.mu.Unlock()
		log.LogDebugWithFields("session", "Session already started, skipping restore", map[string]any{
			"state": current.Kind.String(),
		})
		return current, nil
	}
	cred, err := m.store.Get(ctx)
	if errors.Is(err, credential.ErrNotFound) {
		m.mu.Unlock()
		log.LogDebugWithFields("session", "No stored credential", nil)
		return m.state.Current(), nil
	}
	if err != nil {
		m.mu.Unlock()
		return m.state.Current(), fmt.Errorf("%w: %v", ErrStorage, err)
	}
	begun := m.begin()
	m.mu.Unlock()

	return m.resolve(ctx, cred, begun.Generation)
}

// Refresh re-fetches the profile of the current session and replaces it.
// Transient failures keep the session as it is.
func (m *Manager) Refresh(ctx context.Context) (authstate.State, error) {
	current := m.state.Current()
	if !current.IsAuthenticated() {
		return current, ErrNoSession
	}

	cred, err := m.store.Get(ctx)
	if errors.Is(err, credential.ErrNotFound) {
		// The credential went away underneath the session
		log.LogWarnWithFields("session", "Credential missing for authenticated session", nil)
		m.mu.Lock()
		next, ok := m.state.End(current.Generation)
		if ok {
			m.bound = binding{}
		}
		m.mu.Unlock()
		return next, ErrNoSession
	}
	if err != nil {
		return current, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	profile, err := m.verify(ctx, cred)
	switch {
	case err == nil:
		next, ok := m.state.Refresh(current.Generation, *profile)
		if !ok {
			return next, nil
		}
		log.LogDebugWithFields("session", "Profile refreshed", map[string]any{
			"user_id":      profile.ID,
			"subscription": string(next.Subscription().Status),
		})
		return next, nil
	case errors.Is(err, identity.ErrInvalid):
		next, ok := m.invalidate(ctx, current.Generation, err)
		if !ok {
			// A newer sign-in replaced the session being refreshed
			return next, nil
		}
		return next, err
	default:
		log.LogWarnWithFields("session", "Profile refresh failed", map[string]any{
			"error": err.Error(),
		})
		return m.state.Current(), err
	}
}

// Logout removes the credential and tears the session down
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	err := m.store.Clear(ctx)
	m.state.Reset()
	m.bound = binding{}
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	log.LogInfoWithFields("session", "Logged out", nil)
	return nil
}

// ApplySubscription publishes a snapshot fetched with cred. It is dropped
// unless cred is the credential the current session was verified with.
func (m *Manager) ApplySubscription(cred account.Credential, snap account.SubscriptionSnapshot) {
	m.mu.Lock()
	bound := m.bound
	m.mu.Unlock()

	if bound.fingerprint == "" || bound.fingerprint != cred.Fingerprint() {
		log.LogDebugWithFields("session", "Dropping subscription snapshot of another credential", map[string]any{
			"fingerprint": cred.Fingerprint(),
			"status":      string(snap.Status),
		})
		return
	}
	m.state.ApplySubscription(bound.gen, snap)
}

// begin must be called with mu held, right after the credential it is
// about to verify was read or written
func (m *Manager) begin() authstate.State {
	m.bound = binding{}
	return m.state.Begin()
}

func (m *Manager) resolve(ctx context.Context, cred account.Credential, gen uint64) (authstate.State, error) {
	profile, err := m.verify(ctx, cred)
	switch {
	case err == nil:
		m.mu.Lock()
		next, ok := m.state.Authenticate(gen, *profile)
		if ok {
			m.bound = binding{gen: next.Generation, fingerprint: cred.Fingerprint()}
		}
		m.mu.Unlock()
		if ok {
			log.LogInfoWithFields("session", "Authenticated", map[string]any{
				"user_id":     profile.ID,
				"fingerprint": cred.Fingerprint(),
			})
		}
		return next, nil
	case errors.Is(err, identity.ErrInvalid):
		next, _ := m.invalidate(ctx, gen, err)
		return next, err
	case errors.Is(ctx.Err(), context.Canceled):
		next, _ := m.state.Abort(gen)
		return next, ctx.Err()
	default:
		next, _ := m.state.Fail(gen, authstate.ReasonUnreachable)
		return next, err
	}
}

// invalidate fails the attempt or session of gen and removes its credential.
// When gen is stale the store already holds a newer credential and is left alone.
func (m *Manager) invalidate(ctx context.Context, gen uint64, cause error) (authstate.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := m.state.Fail(gen, authstate.ReasonInvalidCredential)
	if !ok {
		log.LogDebugWithFields("session", "Ignoring rejection of a superseded credential", map[string]any{
			"error": cause.Error(),
		})
		return next, false
	}
	m.bound = binding{}
	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		log.LogErrorWithFields("session", "Failed to clear rejected credential", map[string]any{
			"error": err.Error(),
		})
	}
	log.LogWarnWithFields("session", "Credential rejected", map[string]any{
		"error": cause.Error(),
	})
	return next, true
}

// verify calls the verifier, retrying transient failures with exponential backoff
func (m *Manager) verify(ctx context.Context, cred account.Credential) (*account.UserProfile, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retry.InitialInterval
	b.MaxInterval = m.retry.MaxInterval

	attempt := 0
	op := func() (*account.UserProfile, error) {
		attempt++
		profile, err := m.verifier.Verify(ctx, cred)
		if err == nil {
			return profile, nil
		}
		if errors.Is(err, identity.ErrInvalid) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		log.LogDebugWithFields("session", "Transient verification failure", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		return nil, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.retry.MaxAttempts)),
	)
}
