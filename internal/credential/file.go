package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/crypto"
	"github.com/dgellow/contentdesk/internal/log"
)

var _ Store = (*FileStore)(nil)

// FileStore keeps the encrypted credential in a single file readable only by the user.
// Writes go through a temp file and a rename so a crash never leaves a torn record.
type FileStore struct {
	path      string
	encryptor crypto.Encryptor
	mu        sync.Mutex
}

func NewFileStore(path string, encryptor crypto.Encryptor) (*FileStore, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	return &FileStore{path: path, encryptor: encryptor}, nil
}

func (s *FileStore) Put(_ context.Context, cred account.Credential) error {
	rec, err := seal(s.encryptor, cred)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credential dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}

	log.LogDebugWithFields("credential", "Stored credential", map[string]any{
		"path":        s.path,
		"fingerprint": cred.Fingerprint(),
	})
	return nil
}

func (s *FileStore) Get(_ context.Context) (account.Credential, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return account.Credential{}, ErrNotFound
		}
		return account.Credential{}, fmt.Errorf("failed to read credential file: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return account.Credential{}, fmt.Errorf("failed to parse credential file: %w", err)
	}
	return open(s.encryptor, rec)
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
