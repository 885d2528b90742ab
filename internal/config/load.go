package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgellow/contentdesk/internal/crypto"
	"github.com/dgellow/contentdesk/internal/envutil"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/urlutil"
)

// SupportedVersion is the config schema version this build understands
const SupportedVersion = "v1"

// Defaults applied when a field is omitted
const (
	DefaultListenAddr          = "127.0.0.1:8765"
	DefaultIdentityTimeout     = 10 * time.Second
	DefaultPollInterval        = time.Second
	DefaultPaymentBudget       = 8 * time.Second
	DefaultBillingTimeout      = 5 * time.Second
	DefaultContentTimeout      = 10 * time.Second
	DefaultRetryAttempts       = 3
	DefaultRetryInitial        = 250 * time.Millisecond
	DefaultRetryMax            = 2 * time.Second
	DefaultFirestoreDatabase   = "(default)"
	DefaultFirestoreCollection = "contentdesk_credentials"
	DefaultRedisKey            = "contentdesk:credential"
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if version != SupportedVersion {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods will resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := ApplyDefaults(&config); err != nil {
		return Config{}, err
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	credentials, ok := rawConfig["credentials"].(map[string]any)
	if !ok {
		return nil
	}

	secrets := map[string]any{}
	if v, exists := credentials["encryptionKey"]; exists {
		secrets["encryptionKey"] = v
	}
	if redis, ok := credentials["redis"].(map[string]any); ok {
		if v, exists := redis["password"]; exists {
			secrets["redis.password"] = v
		}
	}

	for name, value := range secrets {
		if _, isString := value.(string); isString {
			return fmt.Errorf("credentials.%s must use environment variable reference for security", name)
		}
		if refMap, isMap := value.(map[string]any); isMap {
			if _, hasEnv := refMap["$env"]; !hasEnv {
				return fmt.Errorf("credentials.%s must use {\"$env\": \"VAR_NAME\"} format", name)
			}
		}
	}
	return nil
}

// ApplyDefaults fills every omitted field. Backend URLs default to the identity backend.
func ApplyDefaults(config *Config) error {
	if config.Listen.Addr == "" {
		config.Listen.Addr = DefaultListenAddr
	}
	if config.Listen.BaseURL == "" {
		config.Listen.BaseURL = "http://" + config.Listen.Addr
	}

	if config.Identity.Timeout == 0 {
		config.Identity.Timeout = DefaultIdentityTimeout
	}
	if config.Identity.LoginURL == "" && config.Identity.BaseURL != "" {
		loginURL, err := urlutil.JoinPath(config.Identity.BaseURL, "login")
		if err != nil {
			return fmt.Errorf("deriving identity.loginURL: %w", err)
		}
		config.Identity.LoginURL = loginURL
	}

	if config.Billing.Source == "" {
		config.Billing.Source = BillingSourceHTTP
	}
	if config.Billing.BaseURL == "" {
		config.Billing.BaseURL = config.Identity.BaseURL
	}
	if config.Billing.PollInterval == 0 {
		config.Billing.PollInterval = DefaultPollInterval
	}
	if config.Billing.Budget == 0 {
		config.Billing.Budget = DefaultPaymentBudget
	}
	if config.Billing.Timeout == 0 {
		config.Billing.Timeout = DefaultBillingTimeout
	}

	if config.Content.BaseURL == "" {
		config.Content.BaseURL = config.Identity.BaseURL
	}
	if config.Content.Timeout == 0 {
		config.Content.Timeout = DefaultContentTimeout
	}

	if config.Credentials.Storage == "" {
		config.Credentials.Storage = StorageFile
	}
	if config.Credentials.Storage == StorageFile && config.Credentials.Path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			log.LogWarnWithFields("config", "No user config dir, credentials.path must be set", map[string]any{
				"error": err.Error(),
			})
		} else {
			config.Credentials.Path = filepath.Join(dir, "contentdesk", "credential.json")
		}
	}
	if fs := config.Credentials.Firestore; fs != nil {
		if fs.Database == "" {
			fs.Database = DefaultFirestoreDatabase
		}
		if fs.Collection == "" {
			fs.Collection = DefaultFirestoreCollection
		}
	}
	if r := config.Credentials.Redis; r != nil && r.Key == "" {
		r.Key = DefaultRedisKey
	}

	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if config.Retry.InitialInterval == 0 {
		config.Retry.InitialInterval = DefaultRetryInitial
	}
	if config.Retry.MaxInterval == 0 {
		config.Retry.MaxInterval = DefaultRetryMax
	}

	if config.Routes.Landing == "" {
		config.Routes.Landing = "/app/dashboard"
	}
	if config.Routes.Login == "" {
		config.Routes.Login = "/login"
	}
	if config.Routes.Upsell == "" {
		config.Routes.Upsell = "/billing/upsell"
	}
	if config.Routes.Recheck == "" {
		config.Routes.Recheck = "/billing/recheck"
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}
	if config.Identity.BaseURL == "" {
		return fmt.Errorf("identity.baseURL is required")
	}

	urls := []struct {
		field string
		value string
	}{
		{"identity.baseURL", config.Identity.BaseURL},
		{"identity.loginURL", config.Identity.LoginURL},
		{"content.baseURL", config.Content.BaseURL},
	}
	if config.Billing.Source == BillingSourceHTTP {
		urls = append(urls, struct {
			field string
			value string
		}{"billing.baseURL", config.Billing.BaseURL})
	}
	if config.Billing.PortalURL != "" {
		urls = append(urls, struct {
			field string
			value string
		}{"billing.portalURL", config.Billing.PortalURL})
	}
	for _, u := range urls {
		if err := validateBackendURL(u.field, u.value); err != nil {
			return err
		}
	}

	switch config.Billing.Source {
	case BillingSourceHTTP, BillingSourceProfile:
	default:
		return fmt.Errorf("billing.source must be %q or %q, got %q", BillingSourceHTTP, BillingSourceProfile, config.Billing.Source)
	}
	if config.Billing.PollInterval < 0 || config.Billing.Budget < 0 || config.Billing.Timeout < 0 {
		return fmt.Errorf("billing durations cannot be negative")
	}
	if config.Billing.PollInterval > config.Billing.Budget {
		log.LogWarn("billing.pollInterval is longer than billing.budget, only one fetch will run per payment")
	}

	if err := validateCredentials(&config.Credentials); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	if config.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1")
	}
	if config.Retry.InitialInterval > config.Retry.MaxInterval {
		return fmt.Errorf("retry.initialInterval cannot exceed retry.maxInterval")
	}

	for name, route := range map[string]string{
		"routes.landing": config.Routes.Landing,
		"routes.login":   config.Routes.Login,
		"routes.upsell":  config.Routes.Upsell,
		"routes.recheck": config.Routes.Recheck,
	} {
		if !strings.HasPrefix(route, "/") {
			return fmt.Errorf("%s must be a local path starting with /", name)
		}
	}

	return nil
}

func validateCredentials(c *CredentialsConfig) error {
	switch c.Storage {
	case StorageMemory:
		return nil
	case StorageFile:
		if c.Path == "" {
			return fmt.Errorf("path is required when using file storage")
		}
	case StorageFirestore:
		if c.Firestore == nil || c.Firestore.Project == "" {
			return fmt.Errorf("firestore.project is required when using firestore storage")
		}
	case StorageRedis:
		if c.Redis == nil || c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when using redis storage")
		}
	default:
		return fmt.Errorf("unknown storage %q (memory, file, firestore or redis)", c.Storage)
	}

	if c.EncryptionKey == "" {
		return fmt.Errorf("encryptionKey is required when using %s storage", c.Storage)
	}
	if _, err := crypto.DecodeEncryptionKey(string(c.EncryptionKey)); err != nil {
		return fmt.Errorf("encryptionKey: %w. Generate with: openssl rand -base64 32", err)
	}
	return nil
}

// validateBackendURL requires https outside dev mode, except for loopback hosts
func validateBackendURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", field)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if envutil.IsDev() || isLoopback(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("%s must use https (set %s=dev to allow http)", field, envutil.EnvVar)
	default:
		return fmt.Errorf("%s has unsupported scheme %q", field, u.Scheme)
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
