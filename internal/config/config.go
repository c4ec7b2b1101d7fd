package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvAdminPassword = "ADMIN_PASSWORD"
	EnvStorageDSN    = "TASKGATE_STORAGE_DSN"

	DefaultAdminPassword = "admin123"
)

type Config struct {
	LogLevel  string        `json:"log_level" yaml:"log_level"`
	LogFormat string        `json:"log_format" yaml:"log_format"`
	API       APIConfig     `json:"api" yaml:"api"`
	Gate      GateConfig    `json:"gate" yaml:"gate"`
	Auth      AuthConfig    `json:"auth" yaml:"auth"`
	Events    EventsConfig  `json:"events" yaml:"events"`
	Storage   StorageConfig `json:"storage" yaml:"storage"`
	Forward   ForwardConfig `json:"forward" yaml:"forward"`
}

type APIConfig struct {
	Addr               string        `json:"addr" yaml:"addr"`
	TrustProxy         bool          `json:"trust_proxy" yaml:"trust_proxy"`
	TrustedProxyCount  int           `json:"trusted_proxy_count" yaml:"trusted_proxy_count"`
	CORSAllowedOrigins []string      `json:"cors_allowed_origins" yaml:"cors_allowed_origins"`
	ShutdownTimeout    time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type GateConfig struct {
	Window                 time.Duration `json:"window" yaml:"window"`
	MaxRequestsPerWindow   int           `json:"max_requests_per_window" yaml:"max_requests_per_window"`
	MaxSuspiciousPerWindow int           `json:"max_suspicious_per_window" yaml:"max_suspicious_per_window"`
	BlockDuration          time.Duration `json:"block_duration" yaml:"block_duration"`
	SuspiciousPrefixes     []string      `json:"suspicious_prefixes" yaml:"suspicious_prefixes"`
	SweepInterval          time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	LogCooldown            time.Duration `json:"log_cooldown" yaml:"log_cooldown"`
}

type AuthConfig struct {
	AdminPassword     string `json:"admin_password" yaml:"admin_password"`
	AdminPasswordHash string `json:"admin_password_hash" yaml:"admin_password_hash"`
}

type EventsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type ForwardConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	Buffer  int      `json:"buffer" yaml:"buffer"`
}

func DefaultGate() GateConfig {
	return GateConfig{
		Window:                 60 * time.Second,
		MaxRequestsPerWindow:   120,
		MaxSuspiciousPerWindow: 5,
		BlockDuration:          5 * time.Minute,
		SuspiciousPrefixes:     []string{"/api/admin", "/api/auth/login"},
		SweepInterval:          time.Minute,
		LogCooldown:            10 * time.Second,
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		API: APIConfig{
			Addr:               ":4000",
			CORSAllowedOrigins: []string{"*"},
			ShutdownTimeout:    5 * time.Second,
		},
		Gate:    DefaultGate(),
		Events:  EventsConfig{StoreLimit: 10000},
		Storage: StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:taskgate.db?_pragma=busy_timeout(5000)"},
		Forward: ForwardConfig{Kafka: KafkaConfig{Enabled: false, Topic: "taskgate.security-events", Buffer: 1024}},
	}
}

// Load reads a YAML or JSON file. An empty path yields the defaults with
// environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return errors.New("config file is empty")
	}
	// JSON is a subset of YAML, so one decoder accepts both and duration
	// strings such as "30s" work in either format.
	if err := yaml.Unmarshal([]byte(trimmed), cfg); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAdminPassword); v != "" {
		cfg.Auth.AdminPassword = v
	}
	if v := os.Getenv(EnvStorageDSN); v != "" {
		cfg.Storage.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultGate()
	if cfg.Gate.Window <= 0 {
		cfg.Gate.Window = def.Window
	}
	if cfg.Gate.MaxRequestsPerWindow <= 0 {
		cfg.Gate.MaxRequestsPerWindow = def.MaxRequestsPerWindow
	}
	if cfg.Gate.MaxSuspiciousPerWindow <= 0 {
		cfg.Gate.MaxSuspiciousPerWindow = def.MaxSuspiciousPerWindow
	}
	if cfg.Gate.BlockDuration <= 0 {
		cfg.Gate.BlockDuration = def.BlockDuration
	}
	if cfg.Gate.SuspiciousPrefixes == nil {
		cfg.Gate.SuspiciousPrefixes = def.SuspiciousPrefixes
	}
	if cfg.Gate.SweepInterval <= 0 {
		cfg.Gate.SweepInterval = def.SweepInterval
	}
	if cfg.Events.StoreLimit <= 0 {
		cfg.Events.StoreLimit = 10000
	}
	if cfg.API.ShutdownTimeout <= 0 {
		cfg.API.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Forward.Kafka.Buffer <= 0 {
		cfg.Forward.Kafka.Buffer = 1024
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Auth.AdminPassword == "" && cfg.Auth.AdminPasswordHash == "" {
		cfg.Auth.AdminPassword = DefaultAdminPassword
	}
}

// UsesDefaultPassword reports whether the built-in fallback secret is active.
func (c *Config) UsesDefaultPassword() bool {
	return c.Auth.AdminPasswordHash == "" && c.Auth.AdminPassword == DefaultAdminPassword
}

func Validate(cfg *Config) error {
	if cfg.API.Addr == "" {
		return errors.New("api.addr is required")
	}
	if cfg.API.TrustedProxyCount < 0 {
		return errors.New("api.trusted_proxy_count must be >= 0")
	}
	if cfg.Gate.Window <= 0 || cfg.Gate.BlockDuration <= 0 {
		return errors.New("gate.window and gate.block_duration must be > 0")
	}
	if cfg.Gate.MaxRequestsPerWindow <= 0 || cfg.Gate.MaxSuspiciousPerWindow <= 0 {
		return errors.New("gate limits must be > 0")
	}
	for _, p := range cfg.Gate.SuspiciousPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("gate.suspicious_prefixes entry must start with '/': %q", p)
		}
	}
	if cfg.Auth.AdminPasswordHash != "" && !strings.HasPrefix(cfg.Auth.AdminPasswordHash, "$2") {
		return errors.New("auth.admin_password_hash must be a bcrypt hash")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("unsupported storage driver: %q", cfg.Storage.Driver)
		}
	}
	if cfg.Forward.Kafka.Enabled {
		if len(cfg.Forward.Kafka.Brokers) == 0 || cfg.Forward.Kafka.Topic == "" {
			return errors.New("forward.kafka requires brokers and topic")
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the file until stop is closed and calls onReload with each
// successfully reloaded config.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
