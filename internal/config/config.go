// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/jobcrawl/internal/orchestrator"
	"github.com/JakeFAU/jobcrawl/internal/platform"
	"github.com/JakeFAU/jobcrawl/internal/platform/listing"
	"github.com/JakeFAU/jobcrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/jobcrawl/internal/stealth"
	"github.com/JakeFAU/jobcrawl/internal/telemetry"
)

// Storage backends for cookie snapshots.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig              `mapstructure:"server"`
	Logging      LoggingConfig             `mapstructure:"logging"`
	Orchestrator OrchestratorConfig        `mapstructure:"orchestrator"`
	Pool         PoolConfig                `mapstructure:"pool"`
	Browser      BrowserConfig             `mapstructure:"browser"`
	RateLimit    RateLimitConfig           `mapstructure:"ratelimit"`
	Stealth      StealthConfig             `mapstructure:"stealth"`
	Storage      StorageConfig             `mapstructure:"storage"`
	DB           DBConfig                  `mapstructure:"db"`
	PubSub       PubSubConfig              `mapstructure:"pubsub"`
	Telemetry    telemetry.Config          `mapstructure:"telemetry"`
	Platforms    map[string]listing.Config `mapstructure:"platforms"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// OrchestratorConfig holds batch defaults.
type OrchestratorConfig struct {
	orchestrator.Config `mapstructure:",squash"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
}

// PoolConfig sizes the browser session pool.
type PoolConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxSize             int           `mapstructure:"max_size"`
	MinSize             int           `mapstructure:"min_size"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	MaxAge              time.Duration `mapstructure:"max_age"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// BrowserConfig configures pooled headless sessions.
type BrowserConfig struct {
	ExecPath          string        `mapstructure:"exec_path"`
	ShowWindow        bool          `mapstructure:"show_window"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// RateLimitConfig overrides limiter profiles per platform.
type RateLimitConfig struct {
	Profiles map[string]ratelimit.Profile `mapstructure:"profiles"`
}

// CaptchaConfig tunes the challenge circuit breaker.
type CaptchaConfig struct {
	Threshold     int           `mapstructure:"threshold"`
	Window        time.Duration `mapstructure:"window"`
	PauseDuration time.Duration `mapstructure:"pause_duration"`
}

// StealthConfig groups the anti-detection knobs.
type StealthConfig struct {
	UserAgents     []string            `mapstructure:"user_agents"`
	AcceptLanguage string              `mapstructure:"accept_language"`
	FetchTimeout   time.Duration       `mapstructure:"fetch_timeout"`
	ProxyRegion    string              `mapstructure:"proxy_region"`
	Proxies        []stealth.Proxy     `mapstructure:"proxies"`
	Timer          stealth.TimerConfig `mapstructure:"timer"`
	Captcha        CaptchaConfig       `mapstructure:"captcha"`
}

// StorageConfig selects where cookie snapshots live.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	// GCSEndpoint points the client at an emulator and disables auth.
	GCSEndpoint string `mapstructure:"gcs_endpoint"`
	Prefix      string `mapstructure:"prefix"`
	Session     string `mapstructure:"session"`
}

// DBConfig controls access to the task table. An empty DSN disables it.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	for name, pc := range cfg.Platforms {
		pc.Platform = platform.Platform(strings.ToLower(strings.TrimSpace(name)))
		cfg.Platforms[name] = pc
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("orchestrator.concurrency", orchestrator.DefaultConfig.Concurrency)
	v.SetDefault("orchestrator.deduplicate", orchestrator.DefaultConfig.Deduplicate)
	v.SetDefault("orchestrator.shutdown_timeout", 30*time.Second)
	v.SetDefault("pool.enabled", false)
	v.SetDefault("pool.max_size", 3)
	v.SetDefault("pool.min_size", 0)
	v.SetDefault("pool.acquire_timeout", 60*time.Second)
	v.SetDefault("pool.idle_timeout", 120*time.Second)
	v.SetDefault("pool.max_age", 300*time.Second)
	v.SetDefault("pool.health_check_interval", time.Minute)
	v.SetDefault("browser.navigation_timeout", 45*time.Second)
	v.SetDefault("stealth.accept_language", "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7")
	v.SetDefault("stealth.fetch_timeout", 15*time.Second)
	v.SetDefault("stealth.timer.min_delay", stealth.DefaultTimerConfig.MinDelay)
	v.SetDefault("stealth.timer.max_delay", stealth.DefaultTimerConfig.MaxDelay)
	v.SetDefault("stealth.captcha.threshold", 3)
	v.SetDefault("stealth.captcha.window", 5*time.Minute)
	v.SetDefault("stealth.captcha.pause_duration", 60*time.Second)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "sessions")
	v.SetDefault("storage.session", "default")
	v.SetDefault("db.table", "crawl_tasks")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "jobcrawl")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Orchestrator.Concurrency <= 0 {
		return fmt.Errorf("orchestrator.concurrency must be > 0")
	}
	if c.Pool.Enabled {
		if c.Pool.MaxSize <= 0 {
			return fmt.Errorf("pool.max_size must be > 0 when the pool is enabled")
		}
		if c.Pool.MinSize < 0 || c.Pool.MinSize > c.Pool.MaxSize {
			return fmt.Errorf("pool.min_size must be between 0 and pool.max_size")
		}
	}
	for key := range c.RateLimit.Profiles {
		if _, ok := platform.Parse(key); !ok {
			return fmt.Errorf("ratelimit.profiles: unknown platform %q", key)
		}
	}
	if c.Stealth.Captcha.Threshold <= 0 {
		return fmt.Errorf("stealth.captcha.threshold must be > 0")
	}
	for i, p := range c.Stealth.Proxies {
		if strings.TrimSpace(p.URL) == "" {
			return fmt.Errorf("stealth.proxies[%d].url is required", i)
		}
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is")
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	for name, pc := range c.Platforms {
		if err := pc.Validate(); err != nil {
			return fmt.Errorf("platforms.%s: %w", name, err)
		}
	}
	return nil
}
