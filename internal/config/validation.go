package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result, nil
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", SupportedVersion)
	} else if version != SupportedVersion {
		result.addError("version", "unsupported version '%s' - use '%s'", version, SupportedVersion)
	}

	identity, ok := rawConfig["identity"].(map[string]any)
	if !ok {
		result.addError("identity", "identity field is required and must be an object")
	} else if _, ok := identity["baseURL"]; !ok {
		result.addError("identity.baseURL", "baseURL is required")
	}

	validateDurations(rawConfig, result)
	validateBillingStructure(rawConfig, result)
	validateCredentialsStructure(rawConfig, result)

	return result, nil
}

func validateDurations(rawConfig map[string]any, result *ValidationResult) {
	fields := map[string][]string{
		"identity": {"timeout"},
		"billing":  {"pollInterval", "budget", "timeout"},
		"content":  {"timeout"},
		"retry":    {"initialInterval", "maxInterval"},
	}
	for section, names := range fields {
		obj, ok := rawConfig[section].(map[string]any)
		if !ok {
			continue
		}
		for _, name := range names {
			v, exists := obj[name]
			if !exists {
				continue
			}
			s, ok := v.(string)
			if !ok {
				result.addError(section+"."+name, "must be a duration string like \"5s\"")
				continue
			}
			if _, err := time.ParseDuration(s); err != nil {
				result.addError(section+"."+name, "invalid duration %q: %v", s, err)
			}
		}
	}
}

func validateBillingStructure(rawConfig map[string]any, result *ValidationResult) {
	billing, ok := rawConfig["billing"].(map[string]any)
	if !ok {
		return
	}
	if source, ok := billing["source"].(string); ok {
		switch BillingSource(source) {
		case BillingSourceHTTP, BillingSourceProfile:
		default:
			result.addError("billing.source", "unknown source '%s' - use 'http' or 'profile'", source)
		}
	}

	interval, _ := billing["pollInterval"].(string)
	budget, _ := billing["budget"].(string)
	if interval != "" && budget != "" {
		i, err1 := time.ParseDuration(interval)
		b, err2 := time.ParseDuration(budget)
		if err1 == nil && err2 == nil && i > b {
			result.addWarning("billing", "pollInterval (%s) is longer than budget (%s). Only one fetch will run per payment.", interval, budget)
		}
	}
}

func validateCredentialsStructure(rawConfig map[string]any, result *ValidationResult) {
	credentials, ok := rawConfig["credentials"].(map[string]any)
	if !ok {
		return
	}

	storage, _ := credentials["storage"].(string)
	switch StorageKind(storage) {
	case "", StorageFile, StorageMemory, StorageFirestore, StorageRedis:
	default:
		result.addError("credentials.storage", "unknown storage '%s' - use memory, file, firestore or redis", storage)
		return
	}

	if StorageKind(storage) != StorageMemory {
		key, exists := credentials["encryptionKey"]
		if !exists {
			result.addError("credentials.encryptionKey", "encryptionKey is required unless storage is memory")
		} else if verr := validateEnvVarReference(key, "encryptionKey", "credentials.encryptionKey"); verr != nil {
			result.Errors = append(result.Errors, *verr)
		}
	}

	switch StorageKind(storage) {
	case StorageFirestore:
		fs, ok := credentials["firestore"].(map[string]any)
		if !ok || fs["project"] == nil {
			result.addError("credentials.firestore.project", "project is required when using firestore storage")
		}
	case StorageRedis:
		redis, ok := credentials["redis"].(map[string]any)
		if !ok || redis["addr"] == nil {
			result.addError("credentials.redis.addr", "addr is required when using redis storage")
			return
		}
		if password, exists := redis["password"]; exists {
			if verr := validateEnvVarReference(password, "password", "credentials.redis.password"); verr != nil {
				result.Errors = append(result.Errors, *verr)
			}
		}
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
