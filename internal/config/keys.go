package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when the direct API path has no key.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// CredentialSource names where model credentials come from.
type CredentialSource string

const (
	SourceEnv     CredentialSource = "environment"
	SourceConfig  CredentialSource = "config_file"
	SourceBedrock CredentialSource = "aws"
)

// Credentials are the resolved model backend credentials. Bedrock calls
// authenticate through the AWS default chain and carry no key.
type Credentials struct {
	APIKey string
	Source CredentialSource
}

// ResolveCredentials picks the credentials for cfg: AWS when Bedrock is
// enabled, otherwise ANTHROPIC_API_KEY, then anthropic.api_key with
// environment references expanded.
func ResolveCredentials(cfg *Config) (Credentials, error) {
	if cfg != nil && cfg.Anthropic.UseBedrock {
		return Credentials{Source: SourceBedrock}, nil
	}
	key, err := GetAPIKey(cfg)
	if err != nil {
		return Credentials{}, err
	}
	source := SourceConfig
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		source = SourceEnv
	}
	return Credentials{APIKey: key, Source: source}, nil
}

// GetAPIKey returns the direct API key.
func GetAPIKey(cfg *Config) (string, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}
	if cfg == nil || cfg.Anthropic.APIKey == "" {
		return "", ErrNoAPIKey
	}
	key := os.ExpandEnv(cfg.Anthropic.APIKey)
	if key == "" || strings.HasPrefix(key, "${") {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// MaskAPIKey hides all but the key prefix and the last four characters.
func MaskAPIKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) < 12:
		return "***"
	default:
		return key[:7] + "..." + key[len(key)-4:]
	}
}
