package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/jobcrawl/internal/platform"
	"github.com/JakeFAU/jobcrawl/internal/platform/listing"
	"github.com/JakeFAU/jobcrawl/internal/policy/ratelimit"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
  level: debug
orchestrator:
  concurrency: 5
  deduplicate: false
  shutdown_timeout: 10s
pool:
  enabled: true
  max_size: 2
  acquire_timeout: 30s
ratelimit:
  profiles:
    linkedin:
      requests_per_minute: 6
      burst_size: 1
      cooldown: 15s
      default_pause: 2m
stealth:
  proxies:
    - url: http://proxy-a:8080
      region: kr
      weight: 2
  timer:
    min_delay: 1s
    max_delay: 4s
  captcha:
    threshold: 5
storage:
  backend: local
  local_dir: /tmp/sessions
telemetry:
  enabled: true
  sample_ratio: 0.5
platforms:
  Wanted:
    search_url: https://www.wanted.co.kr/search?query={keywords}
    item_selector: div.job-card
    max_pages: 2
    render: auto
    fields:
      position: strong.title
      company: span.company
      link: a@href
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || !cfg.Server.Enabled {
		t.Fatalf("expected enabled server on 9090, got %+v", cfg.Server)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Orchestrator.Concurrency != 5 || cfg.Orchestrator.Deduplicate {
		t.Fatalf("expected orchestrator overrides, got %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.ShutdownTimeout != 10*time.Second {
		t.Fatalf("expected 10s shutdown timeout, got %v", cfg.Orchestrator.ShutdownTimeout)
	}
	if !cfg.Pool.Enabled || cfg.Pool.MaxSize != 2 || cfg.Pool.AcquireTimeout != 30*time.Second {
		t.Fatalf("expected pool overrides, got %+v", cfg.Pool)
	}
	if cfg.Pool.MaxAge != 300*time.Second {
		t.Fatalf("expected default max age, got %v", cfg.Pool.MaxAge)
	}
	li := cfg.RateLimit.Profiles["linkedin"]
	if li.RequestsPerMinute != 6 || li.Cooldown != 15*time.Second || li.DefaultPause != 2*time.Minute {
		t.Fatalf("expected linkedin profile, got %+v", li)
	}
	if len(cfg.Stealth.Proxies) != 1 || cfg.Stealth.Proxies[0].Region != "kr" || cfg.Stealth.Proxies[0].Weight != 2 {
		t.Fatalf("expected one kr proxy, got %+v", cfg.Stealth.Proxies)
	}
	if cfg.Stealth.Timer.MinDelay != time.Second || cfg.Stealth.Captcha.Threshold != 5 {
		t.Fatalf("expected stealth overrides, got %+v", cfg.Stealth)
	}
	if cfg.Stealth.Captcha.Window != 5*time.Minute {
		t.Fatalf("expected default captcha window, got %v", cfg.Stealth.Captcha.Window)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.SampleRatio != 0.5 || cfg.Telemetry.ServiceName != "jobcrawl" {
		t.Fatalf("expected telemetry overrides, got %+v", cfg.Telemetry)
	}
	wanted, ok := cfg.Platforms["wanted"]
	if !ok {
		t.Fatalf("expected wanted platform, got %+v", cfg.Platforms)
	}
	if wanted.Platform != platform.Wanted || wanted.Render != listing.RenderAuto || wanted.Fields.Link != "a@href" {
		t.Fatalf("unexpected platform config %+v", wanted)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Orchestrator.Concurrency != 3 || !cfg.Orchestrator.Deduplicate {
		t.Fatalf("expected orchestrator defaults, got %+v", cfg.Orchestrator)
	}
	if cfg.Pool.Enabled || cfg.Pool.MaxSize != 3 || cfg.Pool.IdleTimeout != 120*time.Second {
		t.Fatalf("expected pool defaults, got %+v", cfg.Pool)
	}
	if cfg.Storage.Backend != BackendMemory || cfg.Storage.Prefix != "sessions" {
		t.Fatalf("expected memory storage defaults, got %+v", cfg.Storage)
	}
	if cfg.Stealth.FetchTimeout != 15*time.Second {
		t.Fatalf("expected fetch timeout default, got %v", cfg.Stealth.FetchTimeout)
	}
	if cfg.Telemetry.Enabled || cfg.Telemetry.SampleRatio != 1 {
		t.Fatalf("expected tracing off by default, got %+v", cfg.Telemetry)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:       ServerConfig{Enabled: true, Port: 8080},
		Orchestrator: OrchestratorConfig{},
		Stealth:      StealthConfig{Captcha: CaptchaConfig{Threshold: 3}},
		Storage:      StorageConfig{Backend: BackendMemory},
	}
	base.Orchestrator.Concurrency = 3

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Orchestrator.Concurrency = 0 }, want: "orchestrator.concurrency"},
		{name: "pool without size", mutate: func(c *Config) { c.Pool.Enabled = true }, want: "pool.max_size"},
		{
			name: "pool min above max",
			mutate: func(c *Config) {
				c.Pool = PoolConfig{Enabled: true, MaxSize: 1, MinSize: 2}
			},
			want: "pool.min_size",
		},
		{name: "captcha threshold", mutate: func(c *Config) { c.Stealth.Captcha.Threshold = 0 }, want: "stealth.captcha.threshold"},
		{
			name: "unknown ratelimit key",
			mutate: func(c *Config) {
				c.RateLimit.Profiles = map[string]ratelimit.Profile{"monster": {}}
			},
			want: "ratelimit.profiles",
		},
		{name: "local without dir", mutate: func(c *Config) { c.Storage.Backend = BackendLocal }, want: "storage.local_dir"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "storage.gcs_bucket"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "sample ratio", mutate: func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, want: "telemetry.sample_ratio"},
		{name: "pubsub without topic", mutate: func(c *Config) { c.PubSub.ProjectID = "proj" }, want: "pubsub.topic_name"},
		{
			name: "bad platform template",
			mutate: func(c *Config) {
				c.Platforms = map[string]listing.Config{"wanted": {Platform: platform.Wanted, SearchURL: "https://x"}}
			},
			want: "platforms.wanted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
