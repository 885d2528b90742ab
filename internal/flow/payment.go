package flow

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/authstate"
	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/metrics"
)

// DefaultBudget bounds how long a payment return waits for confirmation
const DefaultBudget = 8 * time.Second

// PaymentState enumerates the payment return states
type PaymentState int

const (
	PaymentStart PaymentState = iota
	PaymentConfirming
	PaymentConfirmed
	PaymentUnconfirmed
)

func (s PaymentState) String() string {
	switch s {
	case PaymentStart:
		return "start"
	case PaymentConfirming:
		return "confirming"
	case PaymentConfirmed:
		return "confirmed"
	case PaymentUnconfirmed:
		return "unconfirmed"
	default:
		return "unknown"
	}
}

// PaymentRedirect is the parsed query of a payment return
type PaymentRedirect struct {
	Success bool
}

// ParsePaymentRedirect reads paddle_success. Anything not parseable as true counts as false.
func ParsePaymentRedirect(q url.Values) PaymentRedirect {
	ok, err := strconv.ParseBool(q.Get("paddle_success"))
	return PaymentRedirect{Success: err == nil && ok}
}

// PaymentSession is the part of the session the payment flow depends on
type PaymentSession interface {
	State() authstate.State
	Container() *authstate.Container
	Credential(ctx context.Context) (account.Credential, error)
	Refresh(ctx context.Context) (authstate.State, error)
}

// SubscriptionWaiter waits for an active subscription within a budget
type SubscriptionWaiter interface {
	AwaitTerminal(ctx context.Context, cred account.Credential, initial account.SubscriptionSnapshot, budget time.Duration) (account.SubscriptionSnapshot, error)
}

// PaymentStatus consumes the redirect back from the payment provider
type PaymentStatus struct {
	sessions PaymentSession
	waiter   SubscriptionWaiter
	budget   time.Duration
	routes   config.RoutesConfig
	metrics  *metrics.Metrics
}

type PaymentOption func(*PaymentStatus)

func WithBudget(d time.Duration) PaymentOption {
	return func(p *PaymentStatus) {
		if d > 0 {
			p.budget = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) PaymentOption {
	return func(p *PaymentStatus) {
		p.metrics = m
	}
}

func NewPaymentStatus(sessions PaymentSession, waiter SubscriptionWaiter, routes config.RoutesConfig, opts ...PaymentOption) *PaymentStatus {
	p := &PaymentStatus{
		sessions: sessions,
		waiter:   waiter,
		budget:   DefaultBudget,
		routes:   routes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run handles a payment return. A successful payment triggers a profile
// refresh alongside the subscription poll; whichever sees the subscription
// active first ends the wait.
func (p *PaymentStatus) Run(ctx context.Context, redirect PaymentRedirect) Outcome {
	if !p.sessions.State().IsAuthenticated() {
		return p.noSession()
	}
	if !redirect.Success {
		return p.unconfirmed(PaymentStart, ReasonNotCompleted, "The payment was not completed. You can try again at any time.")
	}
	return p.confirm(ctx, true)
}

// Recheck runs the confirmation wait again without the refresh trigger
func (p *PaymentStatus) Recheck(ctx context.Context) Outcome {
	if !p.sessions.State().IsAuthenticated() {
		return p.noSession()
	}
	return p.confirm(ctx, false)
}

func (p *PaymentStatus) confirm(ctx context.Context, refresh bool) Outcome {
	p.transition(PaymentStart, PaymentConfirming)

	current := p.sessions.State()
	if current.Subscription().Active() {
		return p.confirmed("session")
	}

	cred, err := p.sessions.Credential(ctx)
	if err != nil {
		log.LogWarnWithFields("flow", "No credential for payment confirmation", map[string]any{
			"error": err.Error(),
		})
		return p.noSession()
	}

	updates, unsubscribe := p.sessions.Container().Subscribe()
	defer unsubscribe()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(waitCtx)

	var (
		once      sync.Once
		winner    string
		confirmed bool
	)
	settle := func(source string, snap account.SubscriptionSnapshot) {
		if !snap.Active() {
			return
		}
		once.Do(func() {
			winner = source
			confirmed = true
			cancel()
		})
	}

	if refresh {
		g.Go(func() error {
			s, err := p.sessions.Refresh(gctx)
			if err != nil {
				log.LogDebugWithFields("flow", "Profile refresh during payment confirmation failed", map[string]any{
					"error": err.Error(),
				})
				return nil
			}
			settle("refresh", s.Subscription())
			return nil
		})
	}

	g.Go(func() error {
		// The poll bounds the whole wait
		defer cancel()
		snap, _ := p.waiter.AwaitTerminal(gctx, cred, current.Subscription(), p.budget)
		settle("poll", snap)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case s := <-updates:
				settle("session", s.Subscription())
			case <-gctx.Done():
				return nil
			}
		}
	})

	_ = g.Wait()

	if confirmed {
		return p.confirmed(winner)
	}
	if ctx.Err() != nil {
		return p.unconfirmed(PaymentConfirming, ReasonCanceled, "Payment confirmation was interrupted.")
	}
	return p.unconfirmed(PaymentConfirming, ReasonBudgetExhausted,
		"Your payment is still being processed. This can take a moment; check again shortly.")
}

func (p *PaymentStatus) confirmed(source string) Outcome {
	p.transition(PaymentConfirming, PaymentConfirmed)
	log.LogInfoWithFields("flow", "Subscription confirmed", map[string]any{
		"source": source,
	})
	p.metrics.ObserveFlow("payment", PaymentConfirmed.String(), "")
	return Outcome{State: PaymentConfirmed.String(), Target: p.routes.Landing}
}

func (p *PaymentStatus) unconfirmed(from PaymentState, reason Reason, message string) Outcome {
	p.transition(from, PaymentUnconfirmed)
	p.metrics.ObserveFlow("payment", PaymentUnconfirmed.String(), string(reason))
	return Outcome{
		State:   PaymentUnconfirmed.String(),
		Reason:  reason,
		Target:  withMessage(p.routes.Upsell, reason, message),
		Message: message,
	}
}

func (p *PaymentStatus) noSession() Outcome {
	const message = "Please sign in to finish setting up your subscription."
	p.metrics.ObserveFlow("payment", PaymentUnconfirmed.String(), string(ReasonNoSession))
	return Outcome{
		State:   PaymentUnconfirmed.String(),
		Reason:  ReasonNoSession,
		Target:  withMessage(p.routes.Login, ReasonNoSession, message),
		Message: message,
	}
}

func (p *PaymentStatus) transition(from, to PaymentState) {
	log.LogDebugWithFields("flow", "Payment flow transition", map[string]any{
		"from": from.String(),
		"to":   to.String(),
	})
}
