package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profileJSON = `{
	"id": "u-42",
	"username": "ada",
	"capabilities": {"has-openai-key": true},
	"subscription": {"status": "active", "observedAt": "2026-03-01T12:00:00Z"}
}`

func cred(token string) account.Credential {
	return account.Credential{Token: token, AcquiredAt: time.Now()}
}

func TestHTTPVerifier_Verify(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    error
		wantStatus account.SubscriptionStatus
	}{
		{
			name:       "valid",
			status:     http.StatusOK,
			body:       profileJSON,
			wantStatus: account.StatusActive,
		},
		{
			name:    "unauthorized",
			status:  http.StatusUnauthorized,
			body:    `{"error":"invalid_token"}`,
			wantErr: ErrInvalid,
		},
		{
			name:    "forbidden",
			status:  http.StatusForbidden,
			wantErr: ErrInvalid,
		},
		{
			name:    "not found",
			status:  http.StatusNotFound,
			wantErr: ErrUnreachable,
		},
		{
			name:    "bad request",
			status:  http.StatusBadRequest,
			wantErr: ErrUnreachable,
		},
		{
			name:    "method not allowed",
			status:  http.StatusMethodNotAllowed,
			wantErr: ErrUnreachable,
		},
		{
			name:    "server error",
			status:  http.StatusBadGateway,
			wantErr: ErrUnreachable,
		},
		{
			name:    "rate limited",
			status:  http.StatusTooManyRequests,
			wantErr: ErrUnreachable,
		},
		{
			name:    "garbage body",
			status:  http.StatusOK,
			body:    `<html>`,
			wantErr: ErrUnreachable,
		},
		{
			name:    "unknown subscription status",
			status:  http.StatusOK,
			body:    `{"id": "u-1", "subscription": {"status": "trialing"}}`,
			wantErr: ErrUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/auth/verify", r.URL.Path)
				assert.Equal(t, "Bearer session-token", r.Header.Get("Authorization"))
				assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			v, err := NewHTTPVerifier(server.URL)
			require.NoError(t, err)

			profile, err := v.Verify(context.Background(), cred("session-token"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, profile)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "u-42", profile.ID)
			assert.Equal(t, "ada", profile.Username)
			assert.True(t, profile.Has("has-openai-key"))
			assert.Equal(t, tt.wantStatus, profile.Subscription.Status)
			assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), profile.Subscription.ObservedAt.UTC())
		})
	}
}

func TestHTTPVerifier_MissingObservedAtUsesClock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "u-1", "subscription": {"status": "pending"}}`))
	}))
	defer server.Close()

	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	v, err := NewHTTPVerifier(server.URL, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	profile, err := v.Verify(context.Background(), cred("t"))
	require.NoError(t, err)
	assert.Equal(t, account.StatusPending, profile.Subscription.Status)
	assert.Equal(t, fixed, profile.Subscription.ObservedAt)
}

func TestHTTPVerifier_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	v, err := NewHTTPVerifier(server.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), cred("t"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHTTPVerifier_CallerDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	v, err := NewHTTPVerifier(server.URL, WithTimeout(time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = v.Verify(ctx, cred("t"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestHTTPVerifier_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	v, err := NewHTTPVerifier(url)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), cred("t"))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestHTTPVerifier_ExpiredJWTIsCheckedByBackend(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u-42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	t.Run("backend accepts", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			_, _ = w.Write([]byte(profileJSON))
		}))
		defer server.Close()

		v, err := NewHTTPVerifier(server.URL)
		require.NoError(t, err)

		profile, err := v.Verify(context.Background(), cred(token))
		require.NoError(t, err)
		assert.Equal(t, "u-42", profile.ID)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("backend rejects", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		v, err := NewHTTPVerifier(server.URL)
		require.NoError(t, err)

		_, err = v.Verify(context.Background(), cred(token))
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestHTTPVerifier_EmptyCredential(t *testing.T) {
	v, err := NewHTTPVerifier("https://id.example.com")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), account.Credential{})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestHTTPVerifier_CollapsesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(profileJSON))
	}))
	defer server.Close()

	v, err := NewHTTPVerifier(server.URL)
	require.NoError(t, err)

	const callers = 5
	var wg sync.WaitGroup
	profiles := make([]*account.UserProfile, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := v.Verify(context.Background(), cred("same-token"))
			assert.NoError(t, err)
			profiles[i] = p
		}(i)
	}

	// Give every caller time to join the in-flight request
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, p := range profiles {
		require.NotNil(t, p)
		assert.Equal(t, "u-42", p.ID)
	}
	assert.NotSame(t, profiles[0], profiles[1])
}

func TestLoginURL(t *testing.T) {
	got, err := LoginURL("https://id.example.com/login", "http://127.0.0.1:8765/oauth/callback")
	require.NoError(t, err)
	assert.Equal(t, "https://id.example.com/login?redirect_uri=http%3A%2F%2F127.0.0.1%3A8765%2Foauth%2Fcallback", got)
}
