package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/authstate"
	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/credential"
	"github.com/dgellow/contentdesk/internal/identity"
	"github.com/dgellow/contentdesk/internal/testutil"
)

var fastRetry = config.RetryConfig{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

func profile(id string, status account.SubscriptionStatus) *account.UserProfile {
	return &account.UserProfile{
		ID:       id,
		Username: "ada",
		Subscription: account.SubscriptionSnapshot{
			Status:     status,
			ObservedAt: time.Now(),
		},
	}
}

func newManager(t *testing.T) (*Manager, *credential.MemoryStore, *testutil.MockVerifier) {
	t.Helper()
	store := credential.NewMemoryStore()
	verifier := &testutil.MockVerifier{}
	t.Cleanup(func() { verifier.AssertExpectations(t) })
	return NewManager(store, verifier, authstate.NewContainer(nil), WithRetry(fastRetry)), store, verifier
}

func TestAuthenticateSuccess(t *testing.T) {
	m, store, verifier := newManager(t)
	verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).Return(profile("u-1", account.StatusNone), nil).Once()

	s, err := m.Authenticate(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, authstate.Authenticated, s.Kind)
	assert.Equal(t, "u-1", s.Profile.ID)

	stored, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", stored.Token)
}

func TestAuthenticateEmptyToken(t *testing.T) {
	m, store, _ := newManager(t)

	_, err := m.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, account.ErrEmptyCredential)
	assert.Equal(t, authstate.Unauthenticated, m.State().Kind)

	_, err = store.Get(context.Background())
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestAuthenticateInvalidClearsCredential(t *testing.T) {
	m, store, verifier := newManager(t)
	verifier.On("Verify", mock.Anything, testutil.TokenIs("bad")).
		Return(nil, fmt.Errorf("%w: status 401", identity.ErrInvalid)).Once()

	s, err := m.Authenticate(context.Background(), "bad")
	assert.ErrorIs(t, err, identity.ErrInvalid)
	assert.Equal(t, authstate.Failed, s.Kind)
	assert.Equal(t, authstate.ReasonInvalidCredential, s.Reason)

	_, err = store.Get(context.Background())
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestAuthenticateTransientKeepsCredential(t *testing.T) {
	m, store, verifier := newManager(t)
	verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).
		Return(nil, fmt.Errorf("%w: status 503", identity.ErrUnreachable)).Times(fastRetry.MaxAttempts)

	s, err := m.Authenticate(context.Background(), "abc123")
	assert.ErrorIs(t, err, identity.ErrUnreachable)
	assert.Equal(t, authstate.Failed, s.Kind)
	assert.Equal(t, authstate.ReasonUnreachable, s.Reason)

	stored, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", stored.Token)
}

func TestAuthenticateRetryRecovers(t *testing.T) {
	m, _, verifier := newManager(t)
	verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).
		Return(nil, identity.ErrTimeout).Once()
	verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).
		Return(profile("u-1", account.StatusActive), nil).Once()

	s, err := m.Authenticate(context.Background(), "abc123")
	require.NoError(t, err)
	assert.True(t, s.IsAuthenticated())
	assert.Equal(t, account.StatusActive, s.Subscription().Status)
}

func TestAuthenticateCanceledAborts(t *testing.T) {
	m, store, verifier := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).Once()

	s, err := m.Authenticate(ctx, "abc123")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, authstate.Unauthenticated, s.Kind)

	// The credential stays for a later attempt
	_, err = store.Get(context.Background())
	assert.NoError(t, err)
}

func TestAuthenticateStorageFailure(t *testing.T) {
	store := &testutil.MockStore{}
	store.On("Put", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
	verifier := &testutil.MockVerifier{}
	m := NewManager(store, verifier, authstate.NewContainer(nil), WithRetry(fastRetry))

	s, err := m.Authenticate(context.Background(), "abc123")
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, authstate.Unauthenticated, s.Kind)
	verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestAuthenticatedOnlyForLatestCredential(t *testing.T) {
	m, store, verifier := newManager(t)
	verifier.On("Verify", mock.Anything, testutil.TokenIs("first")).Return(profile("u-1", account.StatusNone), nil).Once()
	verifier.On("Verify", mock.Anything, testutil.TokenIs("second")).Return(nil, identity.ErrInvalid).Once()

	s, err := m.Authenticate(context.Background(), "first")
	require.NoError(t, err)
	require.True(t, s.IsAuthenticated())

	// Accepting a new token replaces the old one; if it is rejected nothing is left
	s, err = m.Authenticate(context.Background(), "second")
	assert.ErrorIs(t, err, identity.ErrInvalid)
	assert.False(t, s.IsAuthenticated())

	_, err = store.Get(context.Background())
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestRestore(t *testing.T) {
	t.Run("no credential", func(t *testing.T) {
		m, _, _ := newManager(t)
		s, err := m.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, authstate.Unauthenticated, s.Kind)
	})

	t.Run("stored credential", func(t *testing.T) {
		m, store, verifier := newManager(t)
		cred, err := account.NewCredential("kept", time.Now())
		require.NoError(t, err)
		require.NoError(t, store.Put(context.Background(), cred))
		verifier.On("Verify", mock.Anything, testutil.TokenIs("kept")).Return(profile("u-1", account.StatusActive), nil).Once()

		s, err := m.Restore(context.Background())
		require.NoError(t, err)
		assert.True(t, s.IsAuthenticated())
	})
}

func TestRefresh(t *testing.T) {
	t.Run("requires session", func(t *testing.T) {
		m, _, _ := newManager(t)
		_, err := m.Refresh(context.Background())
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("replaces profile", func(t *testing.T) {
		m, _, verifier := newManager(t)
		verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).Return(profile("u-1", account.StatusPending), nil).Once()
		_, err := m.Authenticate(context.Background(), "abc123")
		require.NoError(t, err)

		refreshed := profile("u-1", account.StatusActive)
		refreshed.Subscription.ObservedAt = time.Now().Add(time.Second)
		verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).Return(refreshed, nil).Once()

		s, err := m.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, account.StatusActive, s.Subscription().Status)
	})

	t.Run("transient failure keeps session", func(t *testing.T) {
		m, _, verifier := newManager(t)
		verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).Return(profile("u-1", account.StatusNone), nil).Once()
		_, err := m.Authenticate(context.Background(), "abc123")
		require.NoError(t, err)

		verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).Return(nil, identity.ErrUnreachable).Times(fastRetry.MaxAttempts)
		s, err := m.Refresh(context.Background())
		assert.ErrorIs(t, err, identity.ErrUnreachable)
		assert.True(t, s.IsAuthenticated())
	})

	t.Run("invalid credential ends session", func(t *testing.T) {
		m, store, verifier := newManager(t)
		verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).Return(profile("u-1", account.StatusNone), nil).Once()
		_, err := m.Authenticate(context.Background(), "abc123")
		require.NoError(t, err)

		verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).Return(nil, identity.ErrInvalid).Once()
		s, err := m.Refresh(context.Background())
		assert.ErrorIs(t, err, identity.ErrInvalid)
		assert.Equal(t, authstate.Failed, s.Kind)

		_, err = store.Get(context.Background())
		assert.ErrorIs(t, err, credential.ErrNotFound)
	})
}

func TestLogout(t *testing.T) {
	m, store, verifier := newManager(t)
	verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).Return(profile("u-1", account.StatusNone), nil).Once()
	_, err := m.Authenticate(context.Background(), "abc123")
	require.NoError(t, err)

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, authstate.Unauthenticated, m.State().Kind)

	_, err = store.Get(context.Background())
	assert.ErrorIs(t, err, credential.ErrNotFound)

	// Idempotent
	assert.NoError(t, m.Logout(context.Background()))
}

func TestApplySubscription(t *testing.T) {
	m, _, verifier := newManager(t)
	verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).Return(profile("u-1", account.StatusPending), nil).Once()
	_, err := m.Authenticate(context.Background(), "abc123")
	require.NoError(t, err)

	cred, err := m.Credential(context.Background())
	require.NoError(t, err)
	m.ApplySubscription(cred, account.SubscriptionSnapshot{Status: account.StatusActive, ObservedAt: time.Now().Add(time.Minute)})
	assert.Equal(t, account.StatusActive, m.State().Subscription().Status)
}

func TestApplySubscriptionDropsOtherCredentials(t *testing.T) {
	m, _, verifier := newManager(t)
	verifier.On("Verify", mock.Anything, testutil.TokenIs("first")).Return(profile("u-1", account.StatusPending), nil).Once()
	verifier.On("Verify", mock.Anything, testutil.TokenIs("second")).Return(profile("u-2", account.StatusPending), nil).Once()

	_, err := m.Authenticate(context.Background(), "first")
	require.NoError(t, err)
	first, err := m.Credential(context.Background())
	require.NoError(t, err)

	active := account.SubscriptionSnapshot{Status: account.StatusActive, ObservedAt: time.Now().Add(time.Minute)}

	t.Run("unknown credential", func(t *testing.T) {
		other, err := account.NewCredential("other", time.Now())
		require.NoError(t, err)
		m.ApplySubscription(other, active)
		assert.Equal(t, account.StatusPending, m.State().Subscription().Status)
	})

	t.Run("snapshot of an ended session", func(t *testing.T) {
		require.NoError(t, m.Logout(context.Background()))
		_, err := m.Authenticate(context.Background(), "second")
		require.NoError(t, err)

		// A poll started for the first session lands after the second sign-in
		m.ApplySubscription(first, active)
		s := m.State()
		assert.Equal(t, "u-2", s.Profile.ID)
		assert.Equal(t, account.StatusPending, s.Subscription().Status)

		second, err := m.Credential(context.Background())
		require.NoError(t, err)
		m.ApplySubscription(second, active)
		assert.Equal(t, account.StatusActive, m.State().Subscription().Status)
	})

	t.Run("no session", func(t *testing.T) {
		require.NoError(t, m.Logout(context.Background()))
		m.ApplySubscription(first, active)
		assert.Equal(t, authstate.Unauthenticated, m.State().Kind)
	})
}

// blockVerify makes the verification of token wait for release and then fail with err
func blockVerify(verifier *testutil.MockVerifier, token string, err error) (started <-chan struct{}, release chan<- struct{}) {
	startedCh := make(chan struct{})
	releaseCh := make(chan struct{})
	verifier.On("Verify", mock.Anything, testutil.TokenIs(token)).
		Run(func(mock.Arguments) {
			close(startedCh)
			<-releaseCh
		}).
		Return(nil, err).Once()
	return startedCh, releaseCh
}

func TestRejectionOfSupersededCredentialKeepsNewer(t *testing.T) {
	t.Run("restore", func(t *testing.T) {
		m, store, verifier := newManager(t)
		old, err := account.NewCredential("old", time.Now())
		require.NoError(t, err)
		require.NoError(t, store.Put(context.Background(), old))

		started, release := blockVerify(verifier, "old", fmt.Errorf("%w: status 401", identity.ErrInvalid))
		verifier.On("Verify", mock.Anything, testutil.TokenIs("new")).Return(profile("u-1", account.StatusActive), nil).Once()

		type result struct {
			s   authstate.State
			err error
		}
		restored := make(chan result, 1)
		go func() {
			s, err := m.Restore(context.Background())
			restored <- result{s, err}
		}()
		<-started

		s, err := m.Authenticate(context.Background(), "new")
		require.NoError(t, err)
		require.True(t, s.IsAuthenticated())

		close(release)
		r := <-restored
		assert.ErrorIs(t, r.err, identity.ErrInvalid)

		assert.Equal(t, authstate.Authenticated, m.State().Kind)
		stored, err := store.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "new", stored.Token)
	})

	t.Run("refresh", func(t *testing.T) {
		m, store, verifier := newManager(t)
		verifier.On("Verify", mock.Anything, testutil.TokenIs("old")).Return(profile("u-1", account.StatusNone), nil).Once()
		_, err := m.Authenticate(context.Background(), "old")
		require.NoError(t, err)

		started, release := blockVerify(verifier, "old", identity.ErrInvalid)
		verifier.On("Verify", mock.Anything, testutil.TokenIs("new")).Return(profile("u-2", account.StatusActive), nil).Once()

		type result struct {
			s   authstate.State
			err error
		}
		refreshed := make(chan result, 1)
		go func() {
			s, err := m.Refresh(context.Background())
			refreshed <- result{s, err}
		}()
		<-started

		_, err = m.Authenticate(context.Background(), "new")
		require.NoError(t, err)

		close(release)
		r := <-refreshed
		assert.NoError(t, r.err)
		assert.Equal(t, "u-2", r.s.Profile.ID)

		s := m.State()
		assert.Equal(t, authstate.Authenticated, s.Kind)
		assert.Equal(t, "u-2", s.Profile.ID)
		stored, err := store.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "new", stored.Token)
	})
}

func TestRestoreSkipsStartedSession(t *testing.T) {
	m, store, verifier := newManager(t)
	verifier.On("Verify", mock.Anything, testutil.TokenIs("abc123")).Return(profile("u-1", account.StatusNone), nil).Once()
	_, err := m.Authenticate(context.Background(), "abc123")
	require.NoError(t, err)

	s, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, s.IsAuthenticated())

	stored, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", stored.Token)
	verifier.AssertNumberOfCalls(t, "Verify", 1)
}
