// Package billing observes the subscription state kept by the billing backend.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/identity"
	"github.com/dgellow/contentdesk/internal/ioutil"
	"github.com/dgellow/contentdesk/internal/urlutil"
	"github.com/google/uuid"
)

// ErrUnauthorized is returned when the billing backend rejects the credential
var ErrUnauthorized = errors.New("billing backend rejected credential")

// StatusSource fetches one subscription snapshot
type StatusSource interface {
	Fetch(ctx context.Context, cred account.Credential) (account.SubscriptionSnapshot, error)
}

// SourceFunc adapts a function to StatusSource
type SourceFunc func(ctx context.Context, cred account.Credential) (account.SubscriptionSnapshot, error)

func (f SourceFunc) Fetch(ctx context.Context, cred account.Credential) (account.SubscriptionSnapshot, error) {
	return f(ctx, cred)
}

type statusResponse struct {
	Status     string    `json:"status"`
	ObservedAt time.Time `json:"observedAt"`
}

// HTTPClient reads GET /billing/subscription-status
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	now        func() time.Time
}

var _ StatusSource = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, httpClient *http.Client) (*HTTPClient, error) {
	endpoint, err := urlutil.JoinPath(baseURL, "billing", "subscription-status")
	if err != nil {
		return nil, fmt.Errorf("invalid billing base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{endpoint: endpoint, httpClient: httpClient, now: time.Now}, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, cred account.Credential) (account.SubscriptionSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return account.SubscriptionSnapshot{}, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := identity.BearerClient(ctx, c.httpClient, cred).Do(req)
	if err != nil {
		return account.SubscriptionSnapshot{}, fmt.Errorf("failed to get subscription status: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return account.SubscriptionSnapshot{}, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	default:
		return account.SubscriptionSnapshot{}, fmt.Errorf("failed to get subscription status: status %d: %s",
			resp.StatusCode, ioutil.ReadLimited(resp.Body, ioutil.ErrorBodyLimit))
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return account.SubscriptionSnapshot{}, fmt.Errorf("failed to decode subscription status: %w", err)
	}
	status, err := account.ParseSubscriptionStatus(body.Status)
	if err != nil {
		return account.SubscriptionSnapshot{}, err
	}
	if body.ObservedAt.IsZero() {
		body.ObservedAt = c.now()
	}
	return account.SubscriptionSnapshot{Status: status, ObservedAt: body.ObservedAt}, nil
}

// ProfileSource reads the subscription from a fresh identity verification,
// for backends that expose no status endpoint.
type ProfileSource struct {
	verifier identity.Verifier
}

var _ StatusSource = (*ProfileSource)(nil)

func NewProfileSource(verifier identity.Verifier) *ProfileSource {
	return &ProfileSource{verifier: verifier}
}

func (s *ProfileSource) Fetch(ctx context.Context, cred account.Credential) (account.SubscriptionSnapshot, error) {
	profile, err := s.verifier.Verify(ctx, cred)
	if err != nil {
		return account.SubscriptionSnapshot{}, err
	}
	return profile.Subscription, nil
}
