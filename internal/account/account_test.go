package account

import (
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return token
}

func TestParseSubscriptionStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    SubscriptionStatus
		wantErr bool
	}{
		{"active", StatusActive, false},
		{"past_due", StatusPastDue, false},
		{"canceled", StatusCanceled, false},
		{"", StatusNone, false},
		{"trialing", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSubscriptionStatus(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCredential_StringRedacts(t *testing.T) {
	c, err := NewCredential("very-secret-token", time.Now())
	require.NoError(t, err)

	assert.NotContains(t, c.String(), "very-secret-token")
	assert.NotContains(t, fmt.Sprintf("%v", c), "very-secret-token")
	assert.Len(t, c.Fingerprint(), 12)
}

func TestNewCredential_Empty(t *testing.T) {
	_, err := NewCredential("", time.Now())
	assert.ErrorIs(t, err, ErrEmptyCredential)
}

func TestCredential_Expiry(t *testing.T) {
	now := time.Now()

	t.Run("opaque token has no expiry", func(t *testing.T) {
		c := Credential{Token: "opaque-session-token"}
		_, ok := c.Expiry()
		assert.False(t, ok)
		assert.False(t, c.Expired(now))
	})

	t.Run("jwt in the future", func(t *testing.T) {
		c := Credential{Token: signedToken(t, jwt.MapClaims{"sub": "u-1", "exp": now.Add(time.Hour).Unix()})}
		exp, ok := c.Expiry()
		require.True(t, ok)
		assert.WithinDuration(t, now.Add(time.Hour), exp, time.Second)
		assert.False(t, c.Expired(now))
	})

	t.Run("expired jwt", func(t *testing.T) {
		c := Credential{Token: signedToken(t, jwt.MapClaims{"sub": "u-1", "exp": now.Add(-time.Minute).Unix()})}
		assert.True(t, c.Expired(now))
	})

	t.Run("jwt without exp", func(t *testing.T) {
		c := Credential{Token: signedToken(t, jwt.MapClaims{"sub": "u-1"})}
		_, ok := c.Expiry()
		assert.False(t, ok)
	})
}

func TestSubscriptionSnapshot_OlderThan(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := SubscriptionSnapshot{Status: StatusPending, ObservedAt: t0}
	b := SubscriptionSnapshot{Status: StatusActive, ObservedAt: t0.Add(time.Second)}

	assert.True(t, a.OlderThan(b))
	assert.False(t, b.OlderThan(a))
	assert.False(t, a.OlderThan(a))
	assert.True(t, b.Active())
}

func TestUserProfile_WithSubscriptionCopies(t *testing.T) {
	p := UserProfile{ID: "u-1", Capabilities: map[string]bool{"has-openai-key": true}}
	q := p.WithSubscription(SubscriptionSnapshot{Status: StatusActive})
	q.Capabilities["has-openai-key"] = false

	assert.True(t, p.Has("has-openai-key"))
	assert.Equal(t, SubscriptionStatus(""), p.Subscription.Status)
	assert.Equal(t, StatusActive, q.Subscription.Status)
}
