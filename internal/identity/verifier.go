// Package identity verifies bearer credentials against the identity backend.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/ioutil"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/metrics"
	"github.com/dgellow/contentdesk/internal/urlutil"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInvalid means the backend definitively rejected the credential
	ErrInvalid = errors.New("credential rejected by identity backend")

	// ErrUnreachable covers transport failures and every error status but 401 and 403
	ErrUnreachable = errors.New("identity backend unreachable")

	// ErrTimeout means verification did not complete in time
	ErrTimeout = errors.New("identity verification timed out")
)

// DefaultTimeout bounds a single verification request
const DefaultTimeout = 10 * time.Second

// Verifier resolves a credential to the profile it belongs to.
// It never mutates any state; callers decide what a failure means.
type Verifier interface {
	Verify(ctx context.Context, cred account.Credential) (*account.UserProfile, error)
}

// profileResponse is the body of a successful GET /auth/verify
type profileResponse struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	Capabilities map[string]bool `json:"capabilities"`
	Subscription struct {
		Status     string    `json:"status"`
		ObservedAt time.Time `json:"observedAt"`
	} `json:"subscription"`
}

// HTTPVerifier calls the identity backend's verify endpoint
type HTTPVerifier struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time

	// Concurrent verifications of the same credential share one request
	group singleflight.Group
}

var _ Verifier = (*HTTPVerifier)(nil)

// Option configures an HTTPVerifier
type Option func(*HTTPVerifier)

func WithTimeout(d time.Duration) Option {
	return func(v *HTTPVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *HTTPVerifier) {
		v.metrics = m
	}
}

// WithClock overrides time.Now, used for credential expiry checks
func WithClock(now func() time.Time) Option {
	return func(v *HTTPVerifier) {
		v.now = now
	}
}

// NewHTTPVerifier creates a verifier for the backend at baseURL
func NewHTTPVerifier(baseURL string, opts ...Option) (*HTTPVerifier, error) {
	endpoint, err := urlutil.JoinPath(baseURL, "auth", "verify")
	if err != nil {
		return nil, fmt.Errorf("invalid identity base URL: %w", err)
	}

	v := &HTTPVerifier{
		endpoint:   endpoint,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks cred with the backend, which alone decides whether the
// credential is invalid. The shared request is detached from ctx so one caller giving up does not
// fail the others; each caller still returns as soon as its own ctx is done.
func (v *HTTPVerifier) Verify(ctx context.Context, cred account.Credential) (*account.UserProfile, error) {
	if cred.Token == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrInvalid)
	}
	if cred.Expired(v.now()) {
		// The local clock may be wrong, so this is only a hint
		log.LogDebugWithFields("identity", "Credential looks expired, asking backend", map[string]any{
			"fingerprint": cred.Fingerprint(),
		})
	}

	ch := v.group.DoChan(cred.Token, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.timeout)
		defer cancel()
		return v.verify(callCtx, cred)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// Hand every caller its own copy
		profile := *res.Val.(*account.UserProfile)
		return &profile, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (v *HTTPVerifier) verify(ctx context.Context, cred account.Credential) (*account.UserProfile, error) {
	start := time.Now()
	requestID := uuid.NewString()

	profile, err := v.fetchProfile(ctx, cred, requestID)
	outcome := outcomeOf(err)
	v.metrics.ObserveVerification(outcome, time.Since(start))

	fields := map[string]any{
		"request_id":  requestID,
		"fingerprint": cred.Fingerprint(),
		"outcome":     outcome,
		"duration":    time.Since(start).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		log.LogWarnWithFields("identity", "Credential verification failed", fields)
		return nil, err
	}
	fields["user_id"] = profile.ID
	log.LogDebugWithFields("identity", "Credential verified", fields)
	return profile, nil
}

func (v *HTTPVerifier) fetchProfile(ctx context.Context, cred account.Credential, requestID string) (*account.UserProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := BearerClient(ctx, v.httpClient, cred).Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d: %s", ErrInvalid, resp.StatusCode, ioutil.ReadLimited(resp.Body, ioutil.ErrorBodyLimit))
	case resp.StatusCode >= 400:
		// Any other error status says nothing about the credential
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnreachable, resp.StatusCode, ioutil.ReadLimited(resp.Body, ioutil.ErrorBodyLimit))
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnreachable, resp.StatusCode)
	}

	var body profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, classifyTransportError(ctx, fmt.Errorf("failed to decode profile: %w", err))
	}
	if body.ID == "" {
		return nil, fmt.Errorf("%w: profile without id", ErrUnreachable)
	}

	status, err := account.ParseSubscriptionStatus(body.Subscription.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	observedAt := body.Subscription.ObservedAt
	if observedAt.IsZero() {
		observedAt = v.now()
	}

	return &account.UserProfile{
		ID:           body.ID,
		Username:     body.Username,
		Capabilities: body.Capabilities,
		Subscription: account.SubscriptionSnapshot{Status: status, ObservedAt: observedAt},
	}, nil
}

// BearerClient returns an HTTP client that attaches cred to every request
func BearerClient(ctx context.Context, base *http.Client, cred account.Credential) *http.Client {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cred.Token,
		TokenType:   "Bearer",
	}))
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, urlErr.Op, urlErr.URL, urlErr.Err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "unreachable"
	}
}
