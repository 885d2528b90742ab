package flow

import (
	"context"
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/authstate"
	"github.com/dgellow/contentdesk/internal/credential"
	"github.com/dgellow/contentdesk/internal/identity"
	"github.com/dgellow/contentdesk/internal/testutil"
)

func TestOAuthCallbackAcceptsToken(t *testing.T) {
	h := newHarness(t)
	h.verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).
		Return(testProfile(account.StatusNone, time.Now()), nil).Once()

	out := NewOAuthCallback(h.sessions, testRoutes, nil).Run(context.Background(), OAuthRedirect{Token: "abc123"})

	assert.Equal(t, OAuthSuccess.String(), out.State)
	assert.Equal(t, "/app/dashboard", out.Target)
	assert.Equal(t, ReasonNone, out.Reason)
	assert.NoError(t, out.Err)

	s := h.state.Current()
	require.True(t, s.IsAuthenticated())
	assert.Equal(t, "u-1", s.Profile.ID)
}

func TestOAuthCallbackProviderErrorLeavesStateAlone(t *testing.T) {
	store := &testutil.MockStore{}
	verifier := &testutil.MockVerifier{}
	state := authstate.NewContainer(nil)
	before := state.Current()

	callback := NewOAuthCallback(sessionFor(store, verifier, state), testRoutes, nil)
	out := callback.Run(context.Background(), OAuthRedirect{Error: "access_denied", Token: "ignored"})

	assert.Equal(t, OAuthFailure.String(), out.State)
	assert.Equal(t, ReasonProviderError, out.Reason)
	assert.Equal(t, fosite.ErrAccessDenied.DescriptionField, out.Message)

	path, q := targetPath(t, out.Target)
	assert.Equal(t, "/login", path)
	assert.Equal(t, "provider_error", q.Get("reason"))

	assert.Equal(t, before, state.Current())
	store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)
	verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
}

func TestOAuthCallbackUnknownProviderErrorUsesMessage(t *testing.T) {
	h := newHarness(t)
	out := NewOAuthCallback(h.sessions, testRoutes, nil).Run(context.Background(), OAuthRedirect{
		Error:   "github_suspended",
		Message: "Your GitHub account is suspended",
	})
	assert.Equal(t, "Your GitHub account is suspended", out.Message)
}

func TestOAuthCallbackKnownProviderErrorKeepsMessage(t *testing.T) {
	h := newHarness(t)
	out := NewOAuthCallback(h.sessions, testRoutes, nil).Run(context.Background(), OAuthRedirect{
		Error:   "access_denied",
		Message: "You declined to share your email address",
	})

	assert.Equal(t, ReasonProviderError, out.Reason)
	assert.Contains(t, out.Message, fosite.ErrAccessDenied.DescriptionField)
	assert.Contains(t, out.Message, "You declined to share your email address")

	_, q := targetPath(t, out.Target)
	assert.Contains(t, q.Get("message"), "You declined to share your email address")
}

func TestOAuthCallbackMissingToken(t *testing.T) {
	h := newHarness(t)
	out := NewOAuthCallback(h.sessions, testRoutes, nil).Run(context.Background(), OAuthRedirect{})

	assert.Equal(t, OAuthFailure.String(), out.State)
	assert.Equal(t, ReasonMissingToken, out.Reason)
	assert.ErrorIs(t, out.Err, ErrMissingRedirectData)
	assert.Equal(t, authstate.Unauthenticated, h.state.Current().Kind)

	_, err := h.store.Get(context.Background())
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestOAuthCallbackVerificationFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		calls      int
		wantReason Reason
		wantStored bool
	}{
		{"invalid", identity.ErrInvalid, 1, ReasonVerificationFailed, false},
		{"unreachable", identity.ErrUnreachable, fastRetry.MaxAttempts, ReasonVerificationUnreachable, true},
		{"timeout", identity.ErrTimeout, fastRetry.MaxAttempts, ReasonVerificationUnreachable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).Return(nil, tt.err).Times(tt.calls)

			out := NewOAuthCallback(h.sessions, testRoutes, nil).Run(context.Background(), OAuthRedirect{Token: "abc123"})

			assert.Equal(t, OAuthFailure.String(), out.State)
			assert.Equal(t, tt.wantReason, out.Reason)
			path, _ := targetPath(t, out.Target)
			assert.Equal(t, "/login", path)
			assert.Equal(t, authstate.Failed, h.state.Current().Kind)

			_, err := h.store.Get(context.Background())
			if tt.wantStored {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, credential.ErrNotFound)
			}
		})
	}
}

func TestOAuthCallbackIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).
		Return(testProfile(account.StatusNone, time.Now()), nil).Twice()

	callback := NewOAuthCallback(h.sessions, testRoutes, nil)
	first := callback.Run(context.Background(), OAuthRedirect{Token: "abc123"})
	second := callback.Run(context.Background(), OAuthRedirect{Token: "abc123"})

	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.Target, second.Target)
	assert.True(t, h.state.Current().IsAuthenticated())

	stored, err := h.store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", stored.Token)
}
