package billing

import (
	"context"
	"time"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/metrics"
)

const (
	DefaultInterval     = time.Second
	DefaultFetchTimeout = 5 * time.Second
)

// Observer receives every snapshot the poller accepts, with the credential
// it was fetched for
type Observer func(account.Credential, account.SubscriptionSnapshot)

// Poller waits for the billing backend to report an active subscription
type Poller struct {
	source       StatusSource
	interval     time.Duration
	fetchTimeout time.Duration
	observer     Observer
	metrics      *metrics.Metrics
}

// PollerOption configures a Poller
type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithFetchTimeout(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.fetchTimeout = d
		}
	}
}

func WithObserver(o Observer) PollerOption {
	return func(p *Poller) {
		p.observer = o
	}
}

func WithMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) {
		p.metrics = m
	}
}

func NewPoller(source StatusSource, opts ...PollerOption) *Poller {
	p := &Poller{
		source:       source,
		interval:     DefaultInterval,
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AwaitTerminal fetches until the status is active or budget elapses and
// returns the newest snapshot it holds. Running out of budget is not an error.
// Each fetch is bounded by the remaining budget, so the call returns within
// budget plus scheduling slack. Snapshots observed before the held one are
// dropped. If ctx is canceled the held snapshot is returned with ctx.Err().
func (p *Poller) AwaitTerminal(ctx context.Context, cred account.Credential, initial account.SubscriptionSnapshot, budget time.Duration) (account.SubscriptionSnapshot, error) {
	held := initial
	if held.Active() {
		return held, nil
	}

	start := time.Now()
	budgetCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	defer func() {
		p.metrics.ObservePollWait(string(held.Status), time.Since(start))
	}()

	for {
		held = p.fetchOnce(budgetCtx, cred, held)
		if held.Active() {
			log.LogInfoWithFields("billing", "Subscription confirmed active", map[string]any{
				"waited": time.Since(start).String(),
			})
			return held, nil
		}

		select {
		case <-ticker.C:
		case <-budgetCtx.Done():
			if err := ctx.Err(); err != nil {
				return held, err
			}
			log.LogInfoWithFields("billing", "Subscription wait budget exhausted", map[string]any{
				"budget": budget.String(),
				"status": string(held.Status),
			})
			return held, nil
		}
	}
}

func (p *Poller) fetchOnce(ctx context.Context, cred account.Credential, held account.SubscriptionSnapshot) account.SubscriptionSnapshot {
	if ctx.Err() != nil {
		return held
	}
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	snap, err := p.source.Fetch(fetchCtx, cred)
	if err != nil {
		p.metrics.ObservePollFetch("error")
		log.LogWarnWithFields("billing", "Subscription status fetch failed", map[string]any{
			"error": err.Error(),
		})
		return held
	}
	if snap.OlderThan(held) {
		p.metrics.ObservePollFetch("stale")
		log.LogDebugWithFields("billing", "Discarding stale subscription snapshot", map[string]any{
			"observed_at": snap.ObservedAt,
			"held_at":     held.ObservedAt,
		})
		return held
	}

	p.metrics.ObservePollFetch("ok")
	if p.observer != nil {
		p.observer(cred, snap)
	}
	return snap
}
