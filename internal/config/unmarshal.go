package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// parseString resolves an optional string-or-reference field
func parseString(raw json.RawMessage, field string) (string, error) {
	if raw == nil {
		return "", nil
	}
	parsed, err := ParseConfigValue(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", field, err)
	}
	return parsed.value, nil
}

func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}

// UnmarshalJSON implements custom unmarshaling for ListenConfig
func (l *ListenConfig) UnmarshalJSON(data []byte) error {
	type rawListen struct {
		Addr           json.RawMessage `json:"addr"`
		BaseURL        json.RawMessage `json:"baseURL"`
		AllowedOrigins []string        `json:"allowedOrigins"`
	}

	var raw rawListen
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if l.Addr, err = parseString(raw.Addr, "addr"); err != nil {
		return err
	}
	if l.BaseURL, err = parseString(raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	l.AllowedOrigins = raw.AllowedOrigins
	return nil
}

// UnmarshalJSON implements custom unmarshaling for IdentityConfig
func (i *IdentityConfig) UnmarshalJSON(data []byte) error {
	type rawIdentity struct {
		BaseURL  json.RawMessage `json:"baseURL"`
		LoginURL json.RawMessage `json:"loginURL"`
		Timeout  string          `json:"timeout"`
	}

	var raw rawIdentity
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if i.BaseURL, err = parseString(raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	if i.LoginURL, err = parseString(raw.LoginURL, "loginURL"); err != nil {
		return err
	}
	if i.Timeout, err = parseDuration(raw.Timeout, "timeout"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for BillingConfig
func (b *BillingConfig) UnmarshalJSON(data []byte) error {
	type rawBilling struct {
		BaseURL      json.RawMessage `json:"baseURL"`
		Source       BillingSource   `json:"source"`
		PollInterval string          `json:"pollInterval"`
		Budget       string          `json:"budget"`
		Timeout      string          `json:"timeout"`
		PortalURL    json.RawMessage `json:"portalURL"`
	}

	var raw rawBilling
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	b.Source = raw.Source

	var err error
	if b.BaseURL, err = parseString(raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	if b.PollInterval, err = parseDuration(raw.PollInterval, "pollInterval"); err != nil {
		return err
	}
	if b.Budget, err = parseDuration(raw.Budget, "budget"); err != nil {
		return err
	}
	if b.Timeout, err = parseDuration(raw.Timeout, "timeout"); err != nil {
		return err
	}
	if b.PortalURL, err = parseString(raw.PortalURL, "portalURL"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ContentConfig
func (c *ContentConfig) UnmarshalJSON(data []byte) error {
	type rawContent struct {
		BaseURL json.RawMessage            `json:"baseURL"`
		Timeout string                     `json:"timeout"`
		Headers map[string]json.RawMessage `json:"headers,omitempty"`
	}

	var raw rawContent
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if c.BaseURL, err = parseString(raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	if c.Timeout, err = parseDuration(raw.Timeout, "timeout"); err != nil {
		return err
	}
	if len(raw.Headers) > 0 {
		c.Headers, err = ParseConfigValueMap(raw.Headers)
		if err != nil {
			return fmt.Errorf("parsing headers: %w", err)
		}
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for CredentialsConfig
func (c *CredentialsConfig) UnmarshalJSON(data []byte) error {
	type rawCredentials struct {
		Storage       StorageKind      `json:"storage"`
		Path          json.RawMessage  `json:"path"`
		EncryptionKey json.RawMessage  `json:"encryptionKey"`
		Firestore     *FirestoreConfig `json:"firestore"`
		Redis         json.RawMessage  `json:"redis"`
	}

	var raw rawCredentials
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Storage = raw.Storage
	c.Firestore = raw.Firestore

	var err error
	if c.Path, err = parseString(raw.Path, "path"); err != nil {
		return err
	}
	key, err := parseString(raw.EncryptionKey, "encryptionKey")
	if err != nil {
		return err
	}
	c.EncryptionKey = Secret(key)

	if raw.Redis != nil {
		var redis RedisConfig
		if err := json.Unmarshal(raw.Redis, &redis); err != nil {
			return fmt.Errorf("parsing redis: %w", err)
		}
		c.Redis = &redis
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for RedisConfig
func (r *RedisConfig) UnmarshalJSON(data []byte) error {
	type rawRedis struct {
		Addr     json.RawMessage `json:"addr"`
		Password json.RawMessage `json:"password"`
		DB       int             `json:"db"`
		Key      string          `json:"key"`
	}

	var raw rawRedis
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.DB = raw.DB
	r.Key = raw.Key

	var err error
	if r.Addr, err = parseString(raw.Addr, "addr"); err != nil {
		return err
	}
	password, err := parseString(raw.Password, "password")
	if err != nil {
		return err
	}
	r.Password = Secret(password)
	return nil
}

// UnmarshalJSON implements custom unmarshaling for RetryConfig
func (r *RetryConfig) UnmarshalJSON(data []byte) error {
	type rawRetry struct {
		MaxAttempts     int    `json:"maxAttempts"`
		InitialInterval string `json:"initialInterval"`
		MaxInterval     string `json:"maxInterval"`
	}

	var raw rawRetry
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.MaxAttempts = raw.MaxAttempts

	var err error
	if r.InitialInterval, err = parseDuration(raw.InitialInterval, "initialInterval"); err != nil {
		return err
	}
	if r.MaxInterval, err = parseDuration(raw.MaxInterval, "maxInterval"); err != nil {
		return err
	}
	return nil
}
