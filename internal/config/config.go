// Package config loads gateway configuration from a YAML file overridden by
// environment variables, and watches the file for hot-reloadable changes.
//
// A struct is loaded by yaml.v3, environment overrides applied on top, and
// an fsnotify watcher re-reads the file on change. Credential secrets are
// intentionally absent here — key lifecycle is administrative-API-driven
// (see internal/keypool), not file-driven. A reload swaps the Manager's
// snapshot and notifies OnReload subscribers; the key pool, gate, upstream
// client and orchestrator copy their timeouts and thresholds once at startup
// and do not pick up reloaded values.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the full set of recognized gateway options.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gate     GateConfig     `yaml:"gate"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Pool     PoolConfig     `yaml:"pool"`
	Security SecurityConfig `yaml:"security"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Debug      bool   `yaml:"debug"`
	LogFile    string `yaml:"log_file"`
	BasePath   string `yaml:"base_path"`
	DBPath     string `yaml:"db_path"`
}

type GateConfig struct {
	MaxConcurrentUpstream int           `yaml:"max_concurrent_upstream"`
	AcquireTimeout        time.Duration `yaml:"acquire_timeout"`
}

type UpstreamConfig struct {
	BaseURL               string        `yaml:"base_url"`
	ProxyURL              string        `yaml:"proxy_url"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	StreamIdleTimeout     time.Duration `yaml:"stream_idle_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	RebuildAfterFailures  int           `yaml:"rebuild_after_failures"`
}

type PoolConfig struct {
	BaseCooldown         time.Duration `yaml:"base_cooldown"`
	MaxCooldown          time.Duration `yaml:"max_cooldown"`
	FailureThreshold     int           `yaml:"failure_threshold"`
	RateLimitDefaultWait time.Duration `yaml:"rate_limit_default_wait"`
	StuckTimeout         time.Duration `yaml:"stuck_timeout"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
}

type SecurityConfig struct {
	SecretKey string `yaml:"secret_key"`
	Password  string `yaml:"password"`
}

// Defaults returns the baseline configuration before file/env overlays.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			DBPath:     "gateway.db",
		},
		Gate: GateConfig{
			MaxConcurrentUpstream: 32,
			AcquireTimeout:        30 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:               "https://generativelanguage.googleapis.com",
			RequestTimeout:        120 * time.Second,
			StreamIdleTimeout:     30 * time.Second,
			DialTimeout:           10 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			RebuildAfterFailures:  5,
		},
		Pool: PoolConfig{
			BaseCooldown:         10 * time.Second,
			MaxCooldown:          10 * time.Minute,
			FailureThreshold:     3,
			RateLimitDefaultWait: 30 * time.Second,
			StuckTimeout:         5 * time.Minute,
			SweepInterval:        30 * time.Second,
		},
	}
}

// Load reads a YAML file (if present) over the defaults, then applies
// environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	boolean("DEBUG", &cfg.Server.Debug)
	str("LOG_FILE", &cfg.Server.LogFile)
	str("DB_PATH", &cfg.Server.DBPath)

	num("MAX_CONCURRENT_UPSTREAM", &cfg.Gate.MaxConcurrentUpstream)
	dur("ACQUIRE_TIMEOUT", &cfg.Gate.AcquireTimeout)

	str("UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL)
	str("UPSTREAM_PROXY_URL", &cfg.Upstream.ProxyURL)
	dur("REQUEST_TIMEOUT", &cfg.Upstream.RequestTimeout)
	dur("STREAM_IDLE_TIMEOUT", &cfg.Upstream.StreamIdleTimeout)

	dur("BASE_COOLDOWN", &cfg.Pool.BaseCooldown)
	dur("MAX_COOLDOWN", &cfg.Pool.MaxCooldown)
	num("FAILURE_THRESHOLD", &cfg.Pool.FailureThreshold)
	dur("RATE_LIMIT_DEFAULT_WAIT", &cfg.Pool.RateLimitDefaultWait)
	dur("STUCK_TIMEOUT", &cfg.Pool.StuckTimeout)
	dur("SWEEP_INTERVAL", &cfg.Pool.SweepInterval)

	str("SECRET_KEY", &cfg.Security.SecretKey)
	str("PASSWORD", &cfg.Security.Password)
}

// Manager holds the live configuration and notifies subscribers on reload.
type Manager struct {
	mu   sync.RWMutex
	cfg  *Config
	subs []func(*Config)
}

// NewManager wraps an already-loaded configuration.
func NewManager(cfg *Config) *Manager {
	return &Manager{cfg: cfg}
}

// Current returns the live configuration snapshot.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// OnReload registers a callback invoked after each successful reload.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Reload re-reads the file at path and swaps the live configuration.
func (m *Manager) Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		log.WithError(err).Warn("config: reload failed, keeping previous configuration")
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	subs := append([]func(*Config){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}
