package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/crypto"
	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps the encrypted credential under one key. Credentials that
// carry an expiry get a matching TTL so redis drops them on its own.
type RedisStore struct {
	client    redis.UniversalClient
	key       string
	encryptor crypto.Encryptor
	now       func() time.Time
}

func NewRedisStore(client redis.UniversalClient, key string, encryptor crypto.Encryptor) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	return &RedisStore{client: client, key: key, encryptor: encryptor, now: time.Now}, nil
}

func (s *RedisStore) Put(ctx context.Context, cred account.Credential) error {
	rec, err := seal(s.encryptor, cred)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	// 0 keeps the key without expiry. A token that already looks expired is
	// stored the same way and left to the identity backend.
	var ttl time.Duration
	if exp, ok := cred.Expiry(); ok {
		if remaining := exp.Sub(s.now()); remaining > 0 {
			ttl = remaining
		}
	}

	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store credential in redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context) (account.Credential, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return account.Credential{}, ErrNotFound
		}
		return account.Credential{}, fmt.Errorf("failed to get credential from redis: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return account.Credential{}, fmt.Errorf("failed to parse credential: %w", err)
	}
	return open(s.encryptor, rec)
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to delete credential from redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
