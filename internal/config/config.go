// Package config provides configuration management for the pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"rsassistant/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Database      DatabaseConfig     `mapstructure:"database"`
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	Policy        PolicyConfig       `mapstructure:"policy"`
	Market        MarketConfig       `mapstructure:"market"`
	Agent         AgentConfig        `mapstructure:"agent"`
	Accounts      []AccountConfig    `mapstructure:"accounts"`
	UI            UIConfig           `mapstructure:"ui"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// DatabaseConfig holds persistence configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig holds order-queue configuration.
type SchedulerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	ConfirmWindow  time.Duration `mapstructure:"confirm_window"`
	BuyQuantity    float64       `mapstructure:"buy_quantity"`
}

// PolicyConfig holds fractional-share policy resolution configuration.
type PolicyConfig struct {
	MaxResolveAttempts int           `mapstructure:"max_resolve_attempts"`
	LLMEnabled         bool          `mapstructure:"llm_enabled"`
	LLMModel           string        `mapstructure:"llm_model"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
}

// MarketConfig holds trading-calendar configuration.
type MarketConfig struct {
	// Holidays lists non-trading weekdays as YYYY-MM-DD dates.
	Holidays []string `mapstructure:"holidays"`
}

// AgentConfig holds execution-agent bridge configuration.
type AgentConfig struct {
	// BridgeURL is the endpoint commands are posted to. Empty means
	// commands are written to stdout for the bridge to read.
	BridgeURL string `mapstructure:"bridge_url"`
}

// AccountConfig identifies one brokerage account targeted by buys.
type AccountConfig struct {
	Broker  string `mapstructure:"broker"`
	Account string `mapstructure:"account"`
}

// UIConfig holds output-related configuration.
type UIConfig struct {
	ColorEnabled bool   `mapstructure:"color_enabled"`
	DateFormat   string `mapstructure:"date_format"`
	TimeFormat   string `mapstructure:"time_format"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, actions_only, errors_only
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Email    EmailConfig    `mapstructure:"email"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// EmailConfig holds email notification configuration.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// Credentials holds API credentials.
type Credentials struct {
	OpenAI OpenAICredentials `mapstructure:"openai"`
}

// OpenAICredentials holds OpenAI API credentials.
type OpenAICredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/rsassistant"
	}
	return filepath.Join(home, ".config", "rsassistant")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateConfig(configDir, name)
		}
		return err
	}
	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}
	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Credentials.OpenAI.APIKey = v
	}
	if v := os.Getenv("RSASSISTANT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(DefaultConfigDir(), "rsassistant.db")
	}
	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = 60 * time.Second
	}
	if cfg.Scheduler.MaxAttempts == 0 {
		cfg.Scheduler.MaxAttempts = 3
	}
	if cfg.Scheduler.InitialBackoff == 0 {
		cfg.Scheduler.InitialBackoff = time.Minute
	}
	if cfg.Scheduler.MaxBackoff == 0 {
		cfg.Scheduler.MaxBackoff = 30 * time.Minute
	}
	if cfg.Scheduler.BackoffFactor == 0 {
		cfg.Scheduler.BackoffFactor = 2.0
	}
	if cfg.Scheduler.ConfirmWindow == 0 {
		cfg.Scheduler.ConfirmWindow = 24 * time.Hour
	}
	if cfg.Scheduler.BuyQuantity == 0 {
		cfg.Scheduler.BuyQuantity = 1
	}
	if cfg.Policy.MaxResolveAttempts == 0 {
		cfg.Policy.MaxResolveAttempts = 3
	}
	if cfg.Policy.LLMModel == "" {
		cfg.Policy.LLMModel = "gpt-4o-mini"
	}
	if cfg.Policy.FetchTimeout == 0 {
		cfg.Policy.FetchTimeout = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler max_attempts must be at least 1")
	}
	if c.Scheduler.BackoffFactor < 1 {
		return fmt.Errorf("scheduler backoff_factor must be at least 1")
	}
	if c.Scheduler.BuyQuantity <= 0 {
		return fmt.Errorf("scheduler buy_quantity must be positive")
	}
	if c.Policy.LLMEnabled && c.Credentials.OpenAI.APIKey == "" {
		return fmt.Errorf("policy llm_enabled requires an OpenAI API key")
	}
	for _, a := range c.Accounts {
		if a.Broker == "" || a.Account == "" {
			return fmt.Errorf("every account entry needs both broker and account")
		}
	}
	return nil
}

// AccountKeys converts configured accounts into model keys.
func (c *Config) AccountKeys() []models.AccountKey {
	keys := make([]models.AccountKey, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		keys = append(keys, models.AccountKey{Broker: a.Broker, Account: a.Account})
	}
	return keys
}
