package credential

import (
	"context"
	"sync"

	"github.com/dgellow/contentdesk/internal/account"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the credential for the lifetime of the process
type MemoryStore struct {
	mu   sync.RWMutex
	cred *account.Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Put(_ context.Context, cred account.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &cred
	return nil
}

func (s *MemoryStore) Get(_ context.Context) (account.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return account.Credential{}, ErrNotFound
	}
	return *s.cred, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
