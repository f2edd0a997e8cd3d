package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research engine
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Reasoning ReasoningConfig `mapstructure:"reasoning"`
	Search    SearchConfig    `mapstructure:"search"`
	Research  ResearchConfig  `mapstructure:"research"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address     string   `mapstructure:"address"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// AuthConfig contains JWT auth settings
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

func (a AuthConfig) Validate() error {
	if strings.TrimSpace(a.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

// ReasoningConfig configures the external reasoning capability
// (an OpenAI-compatible chat-completions endpoint).
type ReasoningConfig struct {
	Provider    string        `mapstructure:"provider"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

func (r ReasoningConfig) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("reasoning.model is required")
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("reasoning.timeout must be positive")
	}
	return nil
}

// SearchConfig configures the external research capability.
type SearchConfig struct {
	Provider      string        `mapstructure:"provider"` // tavily, brave or serper
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	MaxResults    int           `mapstructure:"max_results"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	Backoff       time.Duration `mapstructure:"backoff"`
	FetchPages    bool          `mapstructure:"fetch_pages"`
	FetchMaxChars int           `mapstructure:"fetch_max_chars"`
}

func (s SearchConfig) Validate() error {
	switch s.Provider {
	case "tavily", "brave", "serper":
	default:
		return fmt.Errorf("search.provider must be one of tavily, brave, serper (got %q)", s.Provider)
	}
	if s.MaxResults <= 0 {
		return fmt.Errorf("search.max_results must be positive")
	}
	return nil
}

// ResearchConfig bounds the supervisor/worker pipeline.
type ResearchConfig struct {
	MaxTasks          int           `mapstructure:"max_tasks"`      // supervisor plan cap
	MaxConcurrent     int           `mapstructure:"max_concurrent"` // worker fan-out cap
	MaxIterations     int           `mapstructure:"max_iterations"` // worker loop cap
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	OverallTimeout    time.Duration `mapstructure:"overall_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ComposeRetries    int           `mapstructure:"compose_retries"`
}

func (r ResearchConfig) Validate() error {
	if r.MaxTasks <= 0 {
		return fmt.Errorf("research.max_tasks must be positive")
	}
	if r.MaxConcurrent <= 0 {
		return fmt.Errorf("research.max_concurrent must be positive")
	}
	if r.MaxIterations <= 0 {
		return fmt.Errorf("research.max_iterations must be positive")
	}
	if r.HeartbeatInterval <= 0 {
		return fmt.Errorf("research.heartbeat_interval must be positive")
	}
	if r.OverallTimeout <= 0 {
		return fmt.Errorf("research.overall_timeout must be positive")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // postgres or memory
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

func (s StorageConfig) Validate() error {
	switch s.Driver {
	case "postgres", "memory":
		return nil
	default:
		return fmt.Errorf("storage.driver must be postgres or memory (got %q)", s.Driver)
	}
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

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN resolves the connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings. Redis is optional: it adds
// cross-replica session locking and the retention sweep lock when configured.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether Redis is configured at all.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

// RetentionConfig controls the sweep of old terminal sessions.
type RetentionConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Cron    string        `mapstructure:"cron"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file and environment (FAIRY_* overrides).
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Every key gets a default, even an empty one: viper only surfaces
	// FAIRY_* environment overrides for keys it already knows about.
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.cors_origins", []string{"*"})
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.token_ttl", 24*time.Hour)
	viper.SetDefault("reasoning.provider", "openai")
	viper.SetDefault("reasoning.base_url", "https://api.openai.com/v1")
	viper.SetDefault("reasoning.api_key", "")
	viper.SetDefault("reasoning.model", "gpt-4o-mini")
	viper.SetDefault("reasoning.temperature", 0.2)
	viper.SetDefault("reasoning.max_tokens", 2000)
	viper.SetDefault("reasoning.timeout", time.Minute)
	viper.SetDefault("reasoning.max_retries", 2)
	viper.SetDefault("reasoning.backoff", 500*time.Millisecond)
	viper.SetDefault("search.provider", "tavily")
	viper.SetDefault("search.base_url", "")
	viper.SetDefault("search.api_key", "")
	viper.SetDefault("search.max_results", 5)
	viper.SetDefault("search.timeout", 20*time.Second)
	viper.SetDefault("search.max_retries", 2)
	viper.SetDefault("search.backoff", 300*time.Millisecond)
	viper.SetDefault("search.fetch_pages", false)
	viper.SetDefault("search.fetch_max_chars", 6000)
	viper.SetDefault("research.max_tasks", 3)
	viper.SetDefault("research.max_concurrent", 3)
	viper.SetDefault("research.max_iterations", 3)
	viper.SetDefault("research.task_timeout", 3*time.Minute)
	viper.SetDefault("research.overall_timeout", 15*time.Minute)
	viper.SetDefault("research.heartbeat_interval", 2*time.Second)
	viper.SetDefault("research.compose_retries", 2)
	viper.SetDefault("storage.driver", "postgres")
	viper.SetDefault("storage.postgres.url", "")
	viper.SetDefault("storage.postgres.host", "")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.user", "")
	viper.SetDefault("storage.postgres.password", "")
	viper.SetDefault("storage.postgres.dbname", "")
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.postgres.timeout", 5*time.Second)
	viper.SetDefault("storage.redis.addr", "")
	viper.SetDefault("storage.redis.password", "")
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("retention.enabled", false)
	viper.SetDefault("retention.cron", "0 * * * *")
	viper.SetDefault("retention.max_age", 7*24*time.Hour)
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.metrics_port", 9090)
	viper.SetDefault("telemetry.otlp_endpoint", "")
	viper.SetDefault("telemetry.periodic_logs", false)

	if path == "" {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/fairy")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("FAIRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match (FAIRY_*)

	if err := viper.ReadInConfig(); err != nil {
		// A file is optional when no explicit path was given: the whole
		// surface is reachable through FAIRY_* environment variables.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Reasoning.Validate(); err != nil {
		panic(err)
	}
	if err := config.Search.Validate(); err != nil {
		panic(err)
	}
	if err := config.Research.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
