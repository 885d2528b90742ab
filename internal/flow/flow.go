// Package flow implements the redirect state machines: the OAuth callback
// that turns an issued token into a session, and the payment return that
// waits for the billing backend to confirm a subscription.
package flow

import (
	"errors"
	"net/url"

	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/urlutil"
)

// ErrMissingRedirectData marks a redirect that carries neither a result nor an error
var ErrMissingRedirectData = errors.New("redirect carries no usable data")

// Reason explains a non-successful outcome
type Reason string

const (
	ReasonNone                    Reason = ""
	ReasonProviderError           Reason = "provider_error"
	ReasonMissingToken            Reason = "missing_token"
	ReasonVerificationFailed      Reason = "verification_failed"
	ReasonVerificationUnreachable Reason = "verification_unreachable"
	ReasonStorageUnavailable      Reason = "storage_unavailable"
	ReasonCanceled                Reason = "canceled"

	ReasonNotCompleted    Reason = "payment_not_completed"
	ReasonBudgetExhausted Reason = "confirmation_pending"
	ReasonNoSession       Reason = "no_session"
)

// Outcome is the terminal result of a flow: where to navigate next and what
// to tell the user. Err is set only for malformed input.
type Outcome struct {
	State   string
	Reason  Reason
	Target  string
	Message string
	Err     error
}

// withMessage appends the reason and message to target so the next view can show them
func withMessage(target string, reason Reason, message string) string {
	out, err := urlutil.WithQuery(target, url.Values{
		"reason":  {string(reason)},
		"message": {message},
	})
	if err != nil {
		log.LogWarnWithFields("flow", "Failed to build redirect target", map[string]any{
			"target": target,
			"error":  err.Error(),
		})
		return target
	}
	return out
}
