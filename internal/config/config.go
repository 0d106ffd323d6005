// Package config loads topaibot configuration from topaibot.json, built-in
// defaults and environment variables, in increasing order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"

	"github.com/roelfdiedericks/topaibot/internal/paths"
)

// Completion gateway exhaustion strategies.
const (
	StrategyForEachCredential      = "for_each_credential"
	StrategyRotateModelOnRateLimit = "rotate_model_on_rate_limit"
)

// Supported interaction store drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// maxEnvKeys bounds the OPENROUTER_API_KEY_<n> scan.
const maxEnvKeys = 32

// Config represents the merged topaibot configuration
type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Store     StoreConfig     `json:"store"`
	Admission AdmissionConfig `json:"admission"`
	Bot       BotConfig       `json:"bot"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Logging   LoggingConfig   `json:"logging"`

	// Source is the file the config was read from ("" when none).
	Source string `json:"-"`
}

// ProviderConfig describes the OpenAI-compatible completion provider.
type ProviderConfig struct {
	BaseURL           string   `json:"baseUrl"`
	APIKeys           []string `json:"apiKeys"`
	PrimaryModel      string   `json:"primaryModel"`
	FallbackModel     string   `json:"fallbackModel"`
	Models            []string `json:"models"`   // rotation candidates
	Strategy          string   `json:"strategy"` // for_each_credential | rotate_model_on_rate_limit
	TimeoutSeconds    int      `json:"timeoutSeconds"`
	Temperature       *float32 `json:"temperature,omitempty"` // nil = provider default; 0 is sent as the smallest positive float
	Referer           string   `json:"referer"` // HTTP-Referer attribution header
	Title             string   `json:"title"`   // X-Title attribution header
	RequestsPerMinute int      `json:"requestsPerMinute"` // 0 = unpaced
}

// StoreConfig selects and sizes the interaction store.
type StoreConfig struct {
	Driver       string `json:"driver"` // sqlite3 | pgx
	DSN          string `json:"dsn"`    // file path for sqlite3, URL for pgx
	MaxOpenConns int    `json:"maxOpenConns"`
}

// AdmissionConfig holds the rate and repetition limits.
type AdmissionConfig struct {
	MaxPerWindow           int `json:"maxPerWindow"`
	WindowMinutes          int `json:"windowMinutes"`
	DuplicateWindowSeconds int `json:"duplicateWindowSeconds"`
	RecentLimit            int `json:"recentLimit"`
}

// BotConfig holds reply behaviour.
type BotConfig struct {
	SystemPrompt   string `json:"systemPrompt"` // empty = built-in persona
	TypingDelayMs  *int   `json:"typingDelayMs,omitempty"`
	AdvanceOnServe bool   `json:"advanceOnServe"`
	MaxConcurrent  int    `json:"maxConcurrent"`
	CountryCode    string `json:"countryCode"` // replaces a national trunk 0
}

// WhatsAppConfig holds transport settings. Pairing happens outside topaibot;
// the session database must already hold a linked device.
type WhatsAppConfig struct {
	SessionDB               string `json:"sessionDb"`
	ReconnectBackoffSeconds int    `json:"reconnectBackoffSeconds"`
}

// LoggingConfig holds the log level name.
type LoggingConfig struct {
	Level string `json:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	temperature := float32(0.7)
	typingDelay := 3000
	return &Config{
		Provider: ProviderConfig{
			BaseURL:       "https://openrouter.ai/api/v1",
			PrimaryModel:  "deepseek/deepseek-chat:free",
			FallbackModel: "deepseek/deepseek-chat:free",
			Models: []string{
				"deepseek/deepseek-chat:free",
				"mistralai/mistral-7b-instruct-v0.2",
				"google/gemma-7b-it",
			},
			Strategy:       StrategyForEachCredential,
			TimeoutSeconds: 15,
			Temperature:    &temperature,
			Referer:        "http://localhost:3000",
			Title:          "TOPAI NET_GIGAS",
		},
		Store: StoreConfig{
			Driver:       DriverSQLite,
			MaxOpenConns: 10,
		},
		Admission: AdmissionConfig{
			MaxPerWindow:           50,
			WindowMinutes:          60,
			DuplicateWindowSeconds: 1800,
			RecentLimit:            5,
		},
		Bot: BotConfig{
			TypingDelayMs: &typingDelay,
			MaxConcurrent: 16,
		},
		WhatsApp: WhatsAppConfig{
			ReconnectBackoffSeconds: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path (or the discovered topaibot.json when
// path is empty), fills unset fields from Default and applies environment
// overrides. It does not validate; call Validate.
func Load(path string) (*Config, error) {
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to locate config: %w", err)
		}
		path = found
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg.Source = path
	}

	// WithoutDereference keeps explicit zero values behind pointers (typingDelayMs: 0).
	if err := mergo.Merge(cfg, Default(), mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

// applyEnv overlays the deployment environment (the .env surface).
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("MODEL_PROVIDER_URL", &c.Provider.BaseURL)
	str("PRIMARY_MODEL", &c.Provider.PrimaryModel)
	str("FALLBACK_MODEL", &c.Provider.FallbackModel)
	str("HTTP_REFERER", &c.Provider.Referer)
	str("X_TITLE", &c.Provider.Title)
	str("PROVIDER_STRATEGY", &c.Provider.Strategy)
	str("DB_DRIVER", &c.Store.Driver)
	str("DB_DSN", &c.Store.DSN)
	str("TOPAIBOT_LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("PROVIDER_MODELS"); ok && strings.TrimSpace(v) != "" {
		c.Provider.Models = splitList(v)
	}

	var keys []string
	if v, ok := lookup("OPENROUTER_API_KEY"); ok && strings.TrimSpace(v) != "" {
		keys = append(keys, strings.TrimSpace(v))
	}
	for i := 1; i <= maxEnvKeys; i++ {
		if v, ok := lookup("OPENROUTER_API_KEY_" + strconv.Itoa(i)); ok && strings.TrimSpace(v) != "" {
			keys = append(keys, strings.TrimSpace(v))
		}
	}
	if len(keys) > 0 {
		c.Provider.APIKeys = dedupe(keys)
	}
}

// Validate reports every configuration problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	p := c.Provider
	if len(nonEmpty(p.APIKeys)) == 0 {
		errs = append(errs, errors.New("provider: no API key configured (set OPENROUTER_API_KEY or provider.apiKeys)"))
	}
	if strings.TrimSpace(p.BaseURL) == "" {
		errs = append(errs, errors.New("provider: baseUrl is empty"))
	}
	switch p.Strategy {
	case StrategyForEachCredential:
		if p.PrimaryModel == "" || p.FallbackModel == "" {
			errs = append(errs, errors.New("provider: primaryModel and fallbackModel are required for for_each_credential"))
		}
	case StrategyRotateModelOnRateLimit:
		if len(nonEmpty(p.Models)) == 0 {
			errs = append(errs, errors.New("provider: models list is empty for rotate_model_on_rate_limit"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider: unknown strategy %q", p.Strategy))
	}
	if p.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("provider: timeoutSeconds must be positive, got %d", p.TimeoutSeconds))
	}
	if p.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("provider: requestsPerMinute must not be negative, got %d", p.RequestsPerMinute))
	}

	switch c.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store: dsn is required for pgx"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}
	if c.Store.MaxOpenConns <= 0 {
		errs = append(errs, fmt.Errorf("store: maxOpenConns must be positive, got %d", c.Store.MaxOpenConns))
	}

	a := c.Admission
	if a.MaxPerWindow <= 0 || a.WindowMinutes <= 0 || a.DuplicateWindowSeconds <= 0 || a.RecentLimit <= 0 {
		errs = append(errs, errors.New("admission: all limits must be positive"))
	}

	if c.Bot.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("bot: maxConcurrent must be positive, got %d", c.Bot.MaxConcurrent))
	}
	if c.Bot.TypingDelayMs != nil && *c.Bot.TypingDelayMs < 0 {
		errs = append(errs, errors.New("bot: typingDelayMs must not be negative"))
	}
	if strings.Trim(c.Bot.CountryCode, "0123456789") != "" || strings.HasPrefix(c.Bot.CountryCode, "0") {
		errs = append(errs, fmt.Errorf("bot: countryCode must be digits without a leading 0, got %q", c.Bot.CountryCode))
	}
	if c.WhatsApp.ReconnectBackoffSeconds < 0 {
		errs = append(errs, errors.New("whatsapp: reconnectBackoffSeconds must not be negative"))
	}

	return errors.Join(errs...)
}

// Keys returns the configured API keys with blanks removed, in order.
func (p ProviderConfig) Keys() []string {
	return nonEmpty(p.APIKeys)
}

// KeyHint shortens a secret for logs, as "sk-or-v1-a...".
func KeyHint(key string) string {
	if len(key) <= 10 {
		return key[:len(key)/2] + "..."
	}
	return key[:10] + "..."
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
