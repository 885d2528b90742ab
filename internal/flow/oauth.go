package flow

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/ory/fosite"

	"github.com/dgellow/contentdesk/internal/authstate"
	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/identity"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/metrics"
	"github.com/dgellow/contentdesk/internal/session"
)

// OAuthState enumerates the callback states
type OAuthState int

const (
	OAuthStart OAuthState = iota
	OAuthResolving
	OAuthSuccess
	OAuthFailure
)

func (s OAuthState) String() string {
	switch s {
	case OAuthStart:
		return "start"
	case OAuthResolving:
		return "resolving"
	case OAuthSuccess:
		return "success"
	case OAuthFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// OAuthRedirect is the parsed query of an OAuth callback
type OAuthRedirect struct {
	Token   string
	Error   string
	Message string
}

func ParseOAuthRedirect(q url.Values) OAuthRedirect {
	return OAuthRedirect{
		Token:   q.Get("token"),
		Error:   q.Get("oauth_error"),
		Message: q.Get("message"),
	}
}

// Authenticator accepts a token and drives the session to its verified state
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (authstate.State, error)
}

var providerErrors = map[string]*fosite.RFC6749Error{}

func init() {
	for _, e := range []*fosite.RFC6749Error{
		fosite.ErrInvalidRequest,
		fosite.ErrUnauthorizedClient,
		fosite.ErrAccessDenied,
		fosite.ErrUnsupportedResponseType,
		fosite.ErrInvalidScope,
		fosite.ErrServerError,
		fosite.ErrTemporarilyUnavailable,
		fosite.ErrLoginRequired,
		fosite.ErrConsentRequired,
		fosite.ErrInteractionRequired,
		fosite.ErrRequestForbidden,
	} {
		providerErrors[e.ErrorField] = e
	}
}

// describeProviderError uses the RFC 6749 description of a known code and
// keeps whatever the provider said alongside it
func describeProviderError(code, message string) string {
	if e, ok := providerErrors[code]; ok {
		if message == "" || message == e.DescriptionField {
			return e.DescriptionField
		}
		return fmt.Sprintf("%s Provider said: %s", e.DescriptionField, message)
	}
	if message != "" {
		return message
	}
	return "The sign-in provider reported an error."
}

// OAuthCallback consumes the redirect that ends the sign-in flow
type OAuthCallback struct {
	sessions Authenticator
	routes   config.RoutesConfig
	metrics  *metrics.Metrics
}

func NewOAuthCallback(sessions Authenticator, routes config.RoutesConfig, m *metrics.Metrics) *OAuthCallback {
	return &OAuthCallback{sessions: sessions, routes: routes, metrics: m}
}

// Run drives the callback to a terminal state. A provider error or a missing
// token fails without touching the session or the credential store.
func (f *OAuthCallback) Run(ctx context.Context, redirect OAuthRedirect) Outcome {
	state := OAuthStart

	if redirect.Error != "" {
		log.LogWarnWithFields("flow", "OAuth provider returned an error", map[string]any{
			"oauth_error": redirect.Error,
			"message":     redirect.Message,
		})
		return f.fail(state, ReasonProviderError, describeProviderError(redirect.Error, redirect.Message), nil)
	}
	if redirect.Token == "" {
		return f.fail(state, ReasonMissingToken, "The sign-in response did not include a session token.", ErrMissingRedirectData)
	}

	f.transition(state, OAuthResolving)
	state = OAuthResolving

	_, err := f.sessions.Authenticate(ctx, redirect.Token)
	switch {
	case err == nil:
		f.transition(state, OAuthSuccess)
		f.metrics.ObserveFlow("oauth", OAuthSuccess.String(), "")
		return Outcome{State: OAuthSuccess.String(), Target: f.routes.Landing}
	case errors.Is(err, identity.ErrInvalid):
		return f.fail(state, ReasonVerificationFailed, "Your sign-in could not be verified. Please sign in again.", nil)
	case errors.Is(err, session.ErrStorage):
		return f.fail(state, ReasonStorageUnavailable, "Your session could not be saved on this device.", nil)
	case errors.Is(err, context.Canceled):
		return f.fail(state, ReasonCanceled, "Sign-in was interrupted.", nil)
	default:
		return f.fail(state, ReasonVerificationUnreachable, "We could not reach the sign-in service. Please try again.", nil)
	}
}

func (f *OAuthCallback) fail(from OAuthState, reason Reason, message string, err error) Outcome {
	f.transition(from, OAuthFailure)
	f.metrics.ObserveFlow("oauth", OAuthFailure.String(), string(reason))
	return Outcome{
		State:   OAuthFailure.String(),
		Reason:  reason,
		Target:  withMessage(f.routes.Login, reason, message),
		Message: message,
		Err:     err,
	}
}

func (f *OAuthCallback) transition(from, to OAuthState) {
	log.LogDebugWithFields("flow", "OAuth callback transition", map[string]any{
		"from": from.String(),
		"to":   to.String(),
	})
}
