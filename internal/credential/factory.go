package credential

import (
	"context"
	"fmt"

	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/crypto"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/redis/go-redis/v9"
)

// NewStore builds the store selected by the credentials config
func NewStore(ctx context.Context, cfg config.CredentialsConfig) (Store, error) {
	if cfg.Storage == config.StorageMemory {
		log.LogInfoWithFields("credential", "Using in-memory credential store, sign-in will not survive restart", nil)
		return NewMemoryStore(), nil
	}

	key, err := crypto.DecodeEncryptionKey(string(cfg.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	encryptor, err := crypto.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	switch cfg.Storage {
	case config.StorageFile:
		log.LogInfoWithFields("credential", "Using file credential store", map[string]any{
			"path": cfg.Path,
		})
		return NewFileStore(cfg.Path, encryptor)

	case config.StorageFirestore:
		if cfg.Firestore == nil {
			return nil, fmt.Errorf("firestore config is required")
		}
		log.LogInfoWithFields("credential", "Using Firestore credential store", map[string]any{
			"project":    cfg.Firestore.Project,
			"database":   cfg.Firestore.Database,
			"collection": cfg.Firestore.Collection,
		})
		return NewFirestoreStore(ctx, FirestoreOptions{
			ProjectID:       cfg.Firestore.Project,
			Database:        cfg.Firestore.Database,
			Collection:      cfg.Firestore.Collection,
			CredentialsFile: cfg.Firestore.CredentialsFile,
		}, encryptor)

	case config.StorageRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis config is required")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: string(cfg.Redis.Password),
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		log.LogInfoWithFields("credential", "Using redis credential store", map[string]any{
			"addr": cfg.Redis.Addr,
			"key":  cfg.Redis.Key,
		})
		return NewRedisStore(client, cfg.Redis.Key, encryptor)

	default:
		return nil, fmt.Errorf("unsupported credential storage: %s", cfg.Storage)
	}
}
