// Package account holds the values shared by the auth and billing layers:
// the bearer credential, the verified user profile and its subscription snapshot.
package account

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SubscriptionStatus is the billing state reported for a user
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = "none"
	StatusPending  SubscriptionStatus = "pending"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// ParseSubscriptionStatus rejects anything outside the known set. An empty
// string is read as none.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	switch status := SubscriptionStatus(s); status {
	case StatusNone, StatusPending, StatusActive, StatusPastDue, StatusCanceled:
		return status, nil
	case "":
		return StatusNone, nil
	default:
		return "", fmt.Errorf("unknown subscription status %q", s)
	}
}

// SubscriptionSnapshot is an immutable observation of the billing state
type SubscriptionSnapshot struct {
	Status     SubscriptionStatus `json:"status"`
	ObservedAt time.Time          `json:"observedAt"`
}

func (s SubscriptionSnapshot) Active() bool {
	return s.Status == StatusActive
}

// OlderThan reports whether s was observed strictly before other
func (s SubscriptionSnapshot) OlderThan(other SubscriptionSnapshot) bool {
	return s.ObservedAt.Before(other.ObservedAt)
}

// UserProfile is what the identity backend returns for a valid credential.
// It is replaced wholesale on refresh, never mutated in place.
type UserProfile struct {
	ID           string               `json:"id"`
	Username     string               `json:"username"`
	Capabilities map[string]bool      `json:"capabilities,omitempty"`
	Subscription SubscriptionSnapshot `json:"subscription"`
}

// Has reports whether a capability flag such as "has-openai-key" is set
func (p UserProfile) Has(capability string) bool {
	return p.Capabilities[capability]
}

// WithSubscription returns a copy of p carrying the given snapshot
func (p UserProfile) WithSubscription(s SubscriptionSnapshot) UserProfile {
	caps := make(map[string]bool, len(p.Capabilities))
	for k, v := range p.Capabilities {
		caps[k] = v
	}
	p.Capabilities = caps
	p.Subscription = s
	return p
}

// ErrEmptyCredential is returned for a blank token
var ErrEmptyCredential = errors.New("credential is empty")

// Credential is an opaque bearer token plus the time it was acquired
type Credential struct {
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

func NewCredential(token string, acquiredAt time.Time) (Credential, error) {
	if token == "" {
		return Credential{}, ErrEmptyCredential
	}
	return Credential{Token: token, AcquiredAt: acquiredAt}, nil
}

// String never prints the token
func (c Credential) String() string {
	if c.Token == "" {
		return "Credential(empty)"
	}
	return "Credential(" + c.Fingerprint() + ")"
}

// Fingerprint is a short stable digest of the token, safe for logs and map keys
func (c Credential) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.Token))
	return hex.EncodeToString(sum[:6])
}

// Expiry peeks at the exp claim when the token happens to be a JWT.
// The signature is not checked; the identity backend stays authoritative.
func (c Credential) Expiry() (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Expired is true only for tokens with a known expiry in the past
func (c Credential) Expired(now time.Time) bool {
	exp, ok := c.Expiry()
	return ok && !now.Before(exp)
}
