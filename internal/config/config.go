package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for renvo-agent.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys are read from
//     the environment via api_key_env.
//   - Field names are snake_case across the whole config surface.
type Config struct {
	// Provider is one of: "openai" | "anthropic" | "openai_compatible".
	Provider string `json:"provider"`

	// Model is the default model name used when a request does not pick one.
	Model string `json:"model"`

	// BaseURL overrides the provider endpoint (example: "https://api.openai.com/v1").
	// When empty, provider defaults apply (except openai_compatible where base_url is required).
	BaseURL string `json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the provider api key.
	// Defaults to OPENAI_API_KEY or ANTHROPIC_API_KEY depending on provider.
	APIKeyEnv string `json:"api_key_env,omitempty"`

	// DBPath is the SQLite file for turns and workspaces.
	// If empty, the agent picks a default next to the config file.
	DBPath string `json:"db_path,omitempty"`

	// CatalogPath points at the YAML action/tool catalog.
	CatalogPath string `json:"catalog_path"`

	// PushURL is the WebSocket endpoint for live-chat delivery. Empty disables push.
	PushURL string `json:"push_url,omitempty"`

	// RecentToolMessages is how many trailing tool responses keep their content
	// when building model context. Defaults to 1.
	RecentToolMessages *int `json:"recent_tool_messages,omitempty"`

	// CycleTimeoutSeconds bounds one interpret or act cycle. Defaults to 120.
	CycleTimeoutSeconds *int `json:"cycle_timeout_seconds,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

const (
	ProviderOpenAI           = "openai"
	ProviderAnthropic        = "anthropic"
	ProviderOpenAICompatible = "openai_compatible"
)

const (
	defaultRecentToolMessages  = 1
	defaultCycleTimeoutSeconds = 120
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}

	provider := strings.TrimSpace(strings.ToLower(c.Provider))
	switch provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderOpenAICompatible:
	default:
		return fmt.Errorf("invalid provider %q", c.Provider)
	}

	if strings.TrimSpace(c.Model) == "" {
		return errors.New("missing model")
	}
	if strings.Contains(c.Model, "/") {
		return fmt.Errorf("invalid model %q (must not contain /)", c.Model)
	}

	baseURL := strings.TrimSpace(c.BaseURL)
	if provider == ProviderOpenAICompatible && baseURL == "" {
		return errors.New("base_url is required for openai_compatible")
	}
	if baseURL != "" {
		if err := validateHTTPURL(baseURL); err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
	}

	if strings.TrimSpace(c.CatalogPath) == "" {
		return errors.New("missing catalog_path")
	}

	if pu := strings.TrimSpace(c.PushURL); pu != "" {
		u, err := url.Parse(pu)
		if err != nil {
			return fmt.Errorf("invalid push_url: %w", err)
		}
		scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
		if scheme != "ws" && scheme != "wss" {
			return fmt.Errorf("invalid push_url scheme %q", u.Scheme)
		}
	}

	if c.RecentToolMessages != nil && *c.RecentToolMessages < 0 {
		return fmt.Errorf("invalid recent_tool_messages %d", *c.RecentToolMessages)
	}
	if c.CycleTimeoutSeconds != nil && *c.CycleTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid cycle_timeout_seconds %d", *c.CycleTimeoutSeconds)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("invalid scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func (c *Config) EffectiveProvider() string {
	if c == nil {
		return ProviderOpenAI
	}
	return strings.TrimSpace(strings.ToLower(c.Provider))
}

// EffectiveAPIKeyEnv resolves the env var name holding the provider key.
func (c *Config) EffectiveAPIKeyEnv() string {
	if c != nil {
		if v := strings.TrimSpace(c.APIKeyEnv); v != "" {
			return v
		}
	}
	if c.EffectiveProvider() == ProviderAnthropic {
		return "ANTHROPIC_API_KEY"
	}
	return "OPENAI_API_KEY"
}

func (c *Config) EffectiveRecentToolMessages() int {
	if c == nil || c.RecentToolMessages == nil {
		return defaultRecentToolMessages
	}
	if *c.RecentToolMessages < 0 {
		return defaultRecentToolMessages
	}
	return *c.RecentToolMessages
}

func (c *Config) EffectiveCycleTimeoutSeconds() int {
	if c == nil || c.CycleTimeoutSeconds == nil || *c.CycleTimeoutSeconds <= 0 {
		return defaultCycleTimeoutSeconds
	}
	return *c.CycleTimeoutSeconds
}

// EffectiveDBPath returns db_path, defaulting to a file next to the config.
func (c *Config) EffectiveDBPath(configPath string) string {
	if c != nil {
		if v := strings.TrimSpace(c.DBPath); v != "" {
			return v
		}
	}
	dir := filepath.Dir(configPath)
	return filepath.Join(dir, "agent.db")
}

// DefaultConfigPath returns the default config path:
//
//	~/.renvo-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "renvo-agent.config.json"
	}
	return filepath.Join(home, ".renvo-agent", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
