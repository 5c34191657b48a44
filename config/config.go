package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research pipeline
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Search    SearchConfig    `mapstructure:"search"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Stages    StagesConfig    `mapstructure:"stages"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultDomain  string        `mapstructure:"default_domain"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig describes the OpenAI-compatible completion endpoint.
type LLMConfig struct {
	Provider        string        `mapstructure:"provider"`
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Temperature     float64       `mapstructure:"temperature"`
	CostPer1K       float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
	MaxRetries      int           `mapstructure:"max_retries"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model required")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0,2]")
	}
	if l.CostPer1K < 0 || l.CostPer1KOutput < 0 {
		return fmt.Errorf("llm cost rates cannot be negative")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	ServiceName string `mapstructure:"service_name"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && !strings.HasPrefix(t.MetricsPath, "/") {
		return fmt.Errorf("telemetry.metrics_path must start with / when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	// Ledger selects the record store: postgres or memory.
	Ledger   string         `mapstructure:"ledger"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

func (s StorageConfig) Validate() error {
	switch s.Ledger {
	case "postgres":
		return s.Postgres.Validate()
	case "memory":
		return nil
	default:
		return fmt.Errorf("storage.ledger must be postgres or memory, got %q", s.Ledger)
	}
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr joins host and port.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DSN returns URL when set, otherwise a key/value connection string.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, ssl)
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// BudgetConfig sets the monthly spend guardrails and where spend is recorded.
type BudgetConfig struct {
	Monthly        float64 `mapstructure:"monthly"`
	AlertThreshold float64 `mapstructure:"alert_threshold"`
	// Backend is file or redis.
	Backend  string `mapstructure:"backend"`
	File     string `mapstructure:"file"`
	RedisKey string `mapstructure:"redis_key"`
	Enforce  bool   `mapstructure:"enforce"`
	// USD per million tokens.
	InputRate  float64 `mapstructure:"input_rate"`
	OutputRate float64 `mapstructure:"output_rate"`
}

func (b BudgetConfig) Validate() error {
	if b.Monthly < 0 {
		return fmt.Errorf("budget.monthly cannot be negative")
	}
	if b.AlertThreshold < 0 || b.AlertThreshold > 1 {
		return fmt.Errorf("budget.alert_threshold must be within [0,1]")
	}
	switch b.Backend {
	case "file":
		if strings.TrimSpace(b.File) == "" {
			return fmt.Errorf("budget.file required for the file backend")
		}
	case "redis":
	default:
		return fmt.Errorf("budget.backend must be file or redis, got %q", b.Backend)
	}
	return nil
}

// SearchConfig configures the paper search client.
type SearchConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Delay   time.Duration `mapstructure:"delay"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

func (s SearchConfig) Validate() error {
	if s.Delay < 0 || s.Timeout < 0 || s.Retries < 0 {
		return fmt.Errorf("search delay, timeout and retries cannot be negative")
	}
	return nil
}

// VaultConfig controls the Markdown note sink.
type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Root    string `mapstructure:"root"`
}

func (v VaultConfig) Validate() error {
	if v.Enabled && strings.TrimSpace(v.Root) == "" {
		return fmt.Errorf("vault.root required when the vault is enabled")
	}
	return nil
}

// StagesConfig tunes stage execution.
type StagesConfig struct {
	Parallelism int `mapstructure:"parallelism"`
}

// Normalize applies defaults for unset stage values.
func (s StagesConfig) Normalize() StagesConfig {
	if s.Parallelism <= 0 {
		s.Parallelism = 4
	}
	return s
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_domain", "machine_learning")
	v.SetDefault("general.default_timeout", 10*time.Minute)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.cost_per_1k_input", 0.003)
	v.SetDefault("llm.cost_per_1k_output", 0.015)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("telemetry.metrics_path", "/metrics")
	v.SetDefault("telemetry.service_name", "researcher")
	v.SetDefault("storage.ledger", "postgres")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.dbname", "researcher")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("budget.monthly", 50.0)
	v.SetDefault("budget.alert_threshold", 0.8)
	v.SetDefault("budget.backend", "file")
	v.SetDefault("budget.file", "data/costs.json")
	v.SetDefault("budget.redis_key", "researcher:costs")
	v.SetDefault("budget.input_rate", 3.0)
	v.SetDefault("budget.output_rate", 15.0)
	v.SetDefault("search.base_url", "https://api.semanticscholar.org/graph/v1")
	v.SetDefault("search.delay", 500*time.Millisecond)
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("search.retries", 3)
	v.SetDefault("vault.enabled", true)
	v.SetDefault("vault.root", "vault")
	v.SetDefault("stages.parallelism", 4)
}

// Load reads configuration from path, or searches the usual locations when
// path is empty. A missing file is not an error when searching: defaults and
// RESEARCHER_* environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("RESEARCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without defaults are invisible to Unmarshal unless bound.
	for _, key := range []string{
		"llm.api_key", "llm.base_url", "server.jwt_secret", "search.api_key",
		"storage.postgres.url", "storage.postgres.user", "storage.postgres.password",
		"storage.redis.password",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Stages = cfg.Stages.Normalize()

	for _, check := range []interface{ Validate() error }{
		cfg.LLM, cfg.Telemetry, cfg.Storage, cfg.Budget, cfg.Search, cfg.Vault,
	} {
		if err := check.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.Budget.Backend == "redis" {
		if err := cfg.Storage.Redis.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
