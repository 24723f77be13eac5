package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"solana-buy-bot/internal/retry"
)

// Config holds all bot configuration
type Config struct {
	RPC      RPCConfig      `mapstructure:"rpc"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`

	// Mints are added to the tracked set on startup
	Mints []string `mapstructure:"mints"`
}

type RPCConfig struct {
	PrimaryURL        string  `mapstructure:"primary_url"`
	APIKeyEnv         string  `mapstructure:"api_key_env"`
	FallbackURL       string  `mapstructure:"fallback_url"`
	FallbackAPIKeyEnv string  `mapstructure:"fallback_api_key_env"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
	RetryBaseMs       int     `mapstructure:"retry_base_ms"`
	RetryMaxMs        int     `mapstructure:"retry_max_ms"`
	RatePerSecond     float64 `mapstructure:"rate_per_second"` // 0 = unlimited
	Burst             int     `mapstructure:"burst"`
}

type TrackerConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	SignatureLimit      int `mapstructure:"signature_limit"`
	Workers             int `mapstructure:"workers"`
	TxTimeoutSeconds    int `mapstructure:"tx_timeout_seconds"`
}

type DedupConfig struct {
	RetentionHours int  `mapstructure:"retention_hours"`
	Durable        bool `mapstructure:"durable"`
}

type MetadataConfig struct {
	FallbackURL       string `mapstructure:"fallback_url"`
	FallbackAPIKeyEnv string `mapstructure:"fallback_api_key_env"`
	CacheSize         int    `mapstructure:"cache_size"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
}

type TelegramConfig struct {
	TokenEnv        string `mapstructure:"token_env"`
	ChatID          int64  `mapstructure:"chat_id"`
	AdminID         int64  `mapstructure:"admin_id"` // 0 = chat_id
	ExplorerURL     string `mapstructure:"explorer_url"`
	ChartURL        string `mapstructure:"chart_url"`
	CommandsEnabled bool   `mapstructure:"commands_enabled"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type ServerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
	APIKeyEnv  string `mapstructure:"api_key_env"`
	RateLimit  int    `mapstructure:"rate_limit"`
}

// PollInterval returns the sleep between cycles
func (t TrackerConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSeconds) * time.Second
}

// TxTimeout bounds the processing of one transaction
func (t TrackerConfig) TxTimeout() time.Duration {
	return time.Duration(t.TxTimeoutSeconds) * time.Second
}

// Retention is how long delivered keys are remembered
func (d DedupConfig) Retention() time.Duration {
	return time.Duration(d.RetentionHours) * time.Hour
}

// Timeout bounds one RPC attempt
func (r RPCConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// RetryPolicy builds the backoff used by the RPC client
func (r RPCConfig) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	if r.MaxAttempts > 0 {
		p.Attempts = r.MaxAttempts
	}
	if r.RetryBaseMs > 0 {
		p.Base = time.Duration(r.RetryBaseMs) * time.Millisecond
	}
	if r.RetryMaxMs > 0 {
		p.Max = time.Duration(r.RetryMaxMs) * time.Millisecond
	}
	return p
}

// Timeout bounds one fallback token API request
func (m MetadataConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// Admin returns the user allowed to run commands
func (t TelegramConfig) Admin() int64 {
	if t.AdminID != 0 {
		return t.AdminID
	}
	return t.ChatID
}

// Timeout bounds one Bot API request
func (t TelegramConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Validate reports settings the bot cannot start without
func (c *Config) Validate() error {
	var errs []error
	if c.RPC.PrimaryURL == "" {
		errs = append(errs, errors.New("rpc.primary_url is required"))
	}
	if c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required"))
	}
	if c.Tracker.PollIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("tracker.poll_interval_seconds must be positive, got %d", c.Tracker.PollIntervalSeconds))
	}
	if c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.sqlite_path is required"))
	}
	return errors.Join(errs...)
}

// Manager handles config loading and hot-reload
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.primary_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.api_key_env", "RPC_API_KEY")
	v.SetDefault("rpc.fallback_api_key_env", "FALLBACK_RPC_API_KEY")
	v.SetDefault("rpc.timeout_seconds", 10)
	v.SetDefault("rpc.max_attempts", 3)
	v.SetDefault("rpc.retry_base_ms", 500)
	v.SetDefault("rpc.retry_max_ms", 5000)
	v.SetDefault("rpc.rate_per_second", 10)
	v.SetDefault("rpc.burst", 5)
	v.SetDefault("tracker.poll_interval_seconds", 20)
	v.SetDefault("tracker.signature_limit", 25)
	v.SetDefault("tracker.workers", 4)
	v.SetDefault("tracker.tx_timeout_seconds", 30)
	v.SetDefault("dedup.retention_hours", 24)
	v.SetDefault("dedup.durable", true)
	v.SetDefault("metadata.fallback_url", "https://lite-api.jup.ag/tokens/v1/token")
	v.SetDefault("metadata.fallback_api_key_env", "JUPITER_API_KEY")
	v.SetDefault("metadata.cache_size", 1024)
	v.SetDefault("metadata.timeout_seconds", 10)
	v.SetDefault("telegram.token_env", "TELEGRAM_BOT_TOKEN")
	v.SetDefault("telegram.explorer_url", "https://solscan.io")
	v.SetDefault("telegram.chart_url", "https://dexscreener.com/solana")
	v.SetDefault("telegram.commands_enabled", true)
	v.SetDefault("telegram.timeout_seconds", 15)
	v.SetDefault("storage.sqlite_path", "./data/bot.db")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen_host", "127.0.0.1")
	v.SetDefault("server.listen_port", 8080)
	v.SetDefault("server.api_key_env", "ADMIN_API_KEY")
	v.SetDefault("server.rate_limit", 20)

	// ids are commonly kept next to the token in .env
	_ = v.BindEnv("telegram.chat_id", "TELEGRAM_CHAT_ID")
	_ = v.BindEnv("telegram.admin_id", "TELEGRAM_ADMIN_ID")
}

// NewManager creates a new config manager
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Set Defaults (Hardening)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	// Watch for config changes
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})
	v.WatchConfig()

	return m, nil
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetTracker returns tracker config (read every cycle)
func (m *Manager) GetTracker() TrackerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Tracker
}

// SetOnChange registers a callback for config changes
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("ignoring invalid config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetTelegramToken loads the bot token from environment
func (m *Manager) GetTelegramToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Telegram.TokenEnv)
}

// GetRPCAPIKey loads the primary RPC API key from environment
func (m *Manager) GetRPCAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.RPC.APIKeyEnv)
}

// GetMetadataAPIKey loads the token API key from environment
func (m *Manager) GetMetadataAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Metadata.FallbackAPIKeyEnv)
}

// GetServerAPIKey loads the admin API key from environment
func (m *Manager) GetServerAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Server.APIKeyEnv)
}

// GetRPCURL returns the primary RPC URL with API key injected
func (m *Manager) GetRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return injectAPIKey(m.config.RPC.PrimaryURL, os.Getenv(m.config.RPC.APIKeyEnv))
}

// GetFallbackRPCURL returns the fallback RPC URL with API key injected
func (m *Manager) GetFallbackRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return injectAPIKey(m.config.RPC.FallbackURL, os.Getenv(m.config.RPC.FallbackAPIKeyEnv))
}

func injectAPIKey(url, key string) string {
	if url == "" || key == "" {
		return url
	}
	if strings.Contains(url, "api_key=") || strings.Contains(url, "api-key=") {
		return url
	}

	// Detect provider param style
	param := "api_key"
	if strings.Contains(url, "helius") {
		param = "api-key"
	}

	if strings.Contains(url, "?") {
		return url + "&" + param + "=" + key
	}
	return url + "?" + param + "=" + key
}
