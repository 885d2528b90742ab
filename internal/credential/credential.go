// Package credential persists the single bearer credential of the signed-in user.
// Stores only hold data; validity is decided by the identity verifier.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/crypto"
)

// ErrNotFound is returned by Get when no credential is stored
var ErrNotFound = errors.New("credential not found")

// Store holds at most one credential. Put replaces whatever was there and
// Clear is idempotent.
type Store interface {
	Put(ctx context.Context, cred account.Credential) error
	Get(ctx context.Context) (account.Credential, error)
	Clear(ctx context.Context) error
	Close() error
}

// record is the at-rest form shared by the durable backends
type record struct {
	Value      string    `json:"value"`
	AcquiredAt time.Time `json:"acquiredAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func seal(encryptor crypto.Encryptor, cred account.Credential) (record, error) {
	encrypted, err := encryptor.Encrypt(cred.Token)
	if err != nil {
		return record{}, fmt.Errorf("failed to encrypt credential: %w", err)
	}
	return record{
		Value:      encrypted,
		AcquiredAt: cred.AcquiredAt,
		UpdatedAt:  time.Now(),
	}, nil
}

func open(encryptor crypto.Encryptor, rec record) (account.Credential, error) {
	token, err := encryptor.Decrypt(rec.Value)
	if err != nil {
		return account.Credential{}, fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return account.NewCredential(token, rec.AcquiredAt)
}
