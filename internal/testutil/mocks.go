package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dgellow/contentdesk/internal/account"
)

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, cred account.Credential) (*account.UserProfile, error) {
	args := m.Called(ctx, cred)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*account.UserProfile), args.Error(1)
}

type MockStatusSource struct {
	mock.Mock
}

func (m *MockStatusSource) Fetch(ctx context.Context, cred account.Credential) (account.SubscriptionSnapshot, error) {
	args := m.Called(ctx, cred)
	return args.Get(0).(account.SubscriptionSnapshot), args.Error(1)
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Put(ctx context.Context, cred account.Credential) error {
	args := m.Called(ctx, cred)
	return args.Error(0)
}

func (m *MockStore) Get(ctx context.Context) (account.Credential, error) {
	args := m.Called(ctx)
	return args.Get(0).(account.Credential), args.Error(1)
}

func (m *MockStore) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// TokenIs matches a credential argument by its token
func TokenIs(token string) any {
	return mock.MatchedBy(func(c account.Credential) bool {
		return c.Token == token
	})
}
