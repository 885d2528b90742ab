package authstate

import (
	"sync"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/metrics"
)

// Container owns the process-wide State. The generation advances on every
// session-level transition; asynchronous results carry the generation they
// were issued under and are dropped when it no longer matches.
type Container struct {
	mu      sync.RWMutex
	state   State
	subs    map[int]chan State
	nextSub int
	metrics *metrics.Metrics
}

func NewContainer(m *metrics.Metrics) *Container {
	return &Container{
		state:   State{Kind: Unauthenticated},
		subs:    make(map[int]chan State),
		metrics: m,
	}
}

// Current returns the state at the time of the call
func (c *Container) Current() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribe delivers the latest state after every change. Slow readers only
// see the most recent value. The returned func unsubscribes.
func (c *Container) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan State, 1)
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Begin moves to Authenticating and returns the generation the caller must
// present to complete or fail the attempt.
func (c *Container) Begin() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set(State{Kind: Authenticating})
}

// Authenticate completes the attempt started under gen
func (c *Container) Authenticate(gen uint64, profile account.UserProfile) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen, "authenticate") {
		return c.state, false
	}
	return c.set(State{Kind: Authenticated, Profile: &profile}), true
}

// Fail ends the attempt started under gen, or the session of gen, with reason
func (c *Container) Fail(gen uint64, reason string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen, "fail") {
		return c.state, false
	}
	return c.set(State{Kind: Failed, Reason: reason}), true
}

// Abort returns an attempt that was given up to Unauthenticated
func (c *Container) Abort(gen uint64) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen, "abort") || c.state.Kind != Authenticating {
		return c.state, false
	}
	return c.set(State{Kind: Unauthenticated}), true
}

// Reset tears the session down unconditionally, as on logout
func (c *Container) Reset() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set(State{Kind: Unauthenticated})
}

// End tears down the session of gen, if it is still the current one
func (c *Container) End(gen uint64) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen, "end") {
		return c.state, false
	}
	return c.set(State{Kind: Unauthenticated}), true
}

// Refresh replaces the profile of the session of gen wholesale. The newer of
// the held and the incoming subscription snapshot is kept.
func (c *Container) Refresh(gen uint64, profile account.UserProfile) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen, "refresh") || !c.state.IsAuthenticated() {
		return c.state, false
	}
	if held := c.state.Profile.Subscription; profile.Subscription.OlderThan(held) {
		profile = profile.WithSubscription(held)
	}
	c.state = State{Kind: Authenticated, Profile: &profile, Generation: c.state.Generation}
	c.notify()
	return c.state, true
}

// ApplySubscription installs a snapshot into the session of gen unless it is
// older than the held one
func (c *Container) ApplySubscription(gen uint64, snap account.SubscriptionSnapshot) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen, "apply_subscription") || !c.state.IsAuthenticated() {
		return c.state, false
	}
	held := c.state.Profile.Subscription
	if snap.OlderThan(held) {
		return c.state, false
	}
	if snap == held {
		return c.state, true
	}
	profile := c.state.Profile.WithSubscription(snap)
	c.state = State{Kind: Authenticated, Profile: &profile, Generation: c.state.Generation}
	log.LogDebugWithFields("authstate", "Subscription updated", map[string]any{
		"status":      string(snap.Status),
		"observed_at": snap.ObservedAt,
	})
	c.notify()
	return c.state, true
}

func (c *Container) current(gen uint64, op string) bool {
	if c.state.Generation == gen {
		return true
	}
	log.LogDebugWithFields("authstate", "Dropping stale transition", map[string]any{
		"op":         op,
		"generation": gen,
		"current":    c.state.Generation,
	})
	return false
}

// set must be called with mu held
func (c *Container) set(next State) State {
	from := c.state.Kind
	next.Generation = c.state.Generation + 1
	c.state = next

	log.LogDebugWithFields("authstate", "Transition", map[string]any{
		"from":       from.String(),
		"to":         next.Kind.String(),
		"reason":     next.Reason,
		"generation": next.Generation,
	})
	c.metrics.ObserveTransition(next.Kind.String())
	c.notify()
	return next
}

// notify must be called with mu held
func (c *Container) notify() {
	for _, ch := range c.subs {
		select {
		case ch <- c.state:
		default:
			// Replace the unread value with the latest one
			select {
			case <-ch:
			default:
			}
			ch <- c.state
		}
	}
}
