package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StorageKind selects the credential backend
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageFile      StorageKind = "file"
	StorageFirestore StorageKind = "firestore"
	StorageRedis     StorageKind = "redis"
)

// BillingSource selects where subscription snapshots are fetched from
type BillingSource string

const (
	// BillingSourceHTTP polls the billing backend's subscription-status endpoint
	BillingSourceHTTP BillingSource = "http"

	// BillingSourceProfile derives the snapshot from a fresh identity verification,
	// for deployments whose billing backend has no pull endpoint
	BillingSourceProfile BillingSource = "profile"
)

// ListenConfig is the loopback listener receiving browser redirects
type ListenConfig struct {
	Addr           string   `json:"addr"`
	BaseURL        string   `json:"baseURL"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// IdentityConfig points at the backend that issues and verifies session tokens
type IdentityConfig struct {
	BaseURL  string        `json:"baseURL"`
	LoginURL string        `json:"loginURL"`
	Timeout  time.Duration `json:"timeout"`
}

// BillingConfig configures subscription polling
type BillingConfig struct {
	BaseURL      string        `json:"baseURL"`
	Source       BillingSource `json:"source"`
	PollInterval time.Duration `json:"pollInterval"`
	Budget       time.Duration `json:"budget"`
	Timeout      time.Duration `json:"timeout"`
	// PortalURL is where users manage or complete their subscription. Optional.
	PortalURL    string        `json:"portalURL,omitempty"`
}

// ContentConfig configures the content and community API client
type ContentConfig struct {
	BaseURL string            `json:"baseURL"`
	Timeout time.Duration     `json:"timeout"`
	Headers map[string]string `json:"headers,omitempty"`
}

// FirestoreConfig holds the firestore credential backend settings
type FirestoreConfig struct {
	Project         string `json:"project"`
	Database        string `json:"database,omitempty"`
	Collection      string `json:"collection,omitempty"`
	CredentialsFile string `json:"credentialsFile,omitempty"`
}

// RedisConfig holds the redis credential backend settings
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password Secret `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"`
}

// CredentialsConfig selects and configures the durable credential store
type CredentialsConfig struct {
	Storage       StorageKind      `json:"storage"`
	Path          string           `json:"path,omitempty"`
	EncryptionKey Secret           `json:"encryptionKey"`
	Firestore     *FirestoreConfig `json:"firestore,omitempty"`
	Redis         *RedisConfig     `json:"redis,omitempty"`
}

// RetryConfig bounds retries of transient verification failures
type RetryConfig struct {
	MaxAttempts     int           `json:"maxAttempts"`
	InitialInterval time.Duration `json:"initialInterval"`
	MaxInterval     time.Duration `json:"maxInterval"`
}

// RoutesConfig names the local pages flows redirect to
type RoutesConfig struct {
	Landing string `json:"landing"`
	Login   string `json:"login"`
	Upsell  string `json:"upsell"`
	Recheck string `json:"recheck"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version     string            `json:"version"`
	Listen      ListenConfig      `json:"listen"`
	Identity    IdentityConfig    `json:"identity"`
	Billing     BillingConfig     `json:"billing"`
	Content     ContentConfig     `json:"content"`
	Credentials CredentialsConfig `json:"credentials"`
	Retry       RetryConfig       `json:"retry"`
	Routes      RoutesConfig      `json:"routes"`
}

// RawConfigValue represents a value that could be a string or env ref
// This is only used during parsing, not in the final config
type RawConfigValue struct {
	value string
}

// Value returns the resolved string
func (r *RawConfigValue) Value() string {
	return r.value
}

// ParseConfigValue parses a JSON value that could be a string or reference object
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	// Try reference object
	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	if envVar, ok := ref["$env"]; ok {
		value := os.Getenv(envVar)
		if value == "" {
			return nil, fmt.Errorf("environment variable %s not set", envVar)
		}
		// Strip surrounding quotes if present (only matching pairs)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		return &RawConfigValue{value: value}, nil
	}

	return nil, fmt.Errorf("unknown reference type in config value")
}

// ParseConfigValueMap parses a map that may contain references
func ParseConfigValueMap(raw map[string]json.RawMessage) (map[string]string, error) {
	values := make(map[string]string, len(raw))
	for key, item := range raw {
		parsed, err := ParseConfigValue(item)
		if err != nil {
			return nil, fmt.Errorf("parsing key %s: %w", key, err)
		}
		values[key] = parsed.value
	}
	return values, nil
}
