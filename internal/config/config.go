package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/loykin/staffsync/internal/auth"
	"github.com/loykin/staffsync/internal/logger"
	"github.com/loykin/staffsync/internal/syncer"
	itls "github.com/loykin/staffsync/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: external.password is read
// from STAFFSYNC_EXTERNAL_PASSWORD.
const EnvPrefix = "STAFFSYNC"

// Config represents the top-level TOML structure.
type Config struct {
	EnvFiles   []string         `mapstructure:"env_files"`
	External   ExternalConfig   `mapstructure:"external"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Staging    StagingConfig    `mapstructure:"staging"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	Resource   ResourceConfig   `mapstructure:"resource"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        logger.Config    `mapstructure:"log"`
	History    HistoryConfig    `mapstructure:"history"`
}

// ExternalConfig locates and authenticates against the counterparty API.
type ExternalConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	AuthPath    string `mapstructure:"auth_path"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TokenScheme string `mapstructure:"token_scheme"`
}

type SyncConfig struct {
	// Schedule is the default "@every <d>" schedule of each collection.
	Schedule    string             `mapstructure:"schedule"`
	RunOnStart  bool               `mapstructure:"run_on_start"`
	MaxRetries  int                `mapstructure:"max_retries"`
	BaseDelay   time.Duration      `mapstructure:"base_delay"`
	MaxDelay    time.Duration      `mapstructure:"max_delay"`
	Collections []CollectionConfig `mapstructure:"collections"`
}

// CollectionConfig overrides a built-in collection by name or defines a new one.
// Zero fields keep the built-in value.
type CollectionConfig struct {
	Name          string        `mapstructure:"name"`
	Path          string        `mapstructure:"path"`
	PageSize      int           `mapstructure:"page_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
	KeyFields     []string      `mapstructure:"key_fields"`
	ExcludeField  string        `mapstructure:"exclude_field"`
	ExcludeValues []string      `mapstructure:"exclude_values"`
	Window        time.Duration `mapstructure:"window"`
	StartParam    string        `mapstructure:"start_param"`
	EndParam      string        `mapstructure:"end_param"`
	TimeLayout    string        `mapstructure:"time_layout"`
	Schedule      string        `mapstructure:"schedule"`
	// Critical makes a failure to start this collection's scheduler abort boot.
	Critical bool `mapstructure:"critical"`
	Disabled bool `mapstructure:"disabled"`
}

type StagingConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SupervisorConfig struct {
	MaxRestartAttempts    int           `mapstructure:"max_restart_attempts"`
	StartTimeout          time.Duration `mapstructure:"start_timeout"`
	StopTimeout           time.Duration `mapstructure:"stop_timeout"`
	EmergencyTimeout      time.Duration `mapstructure:"emergency_timeout"`
	PressureCooldown      time.Duration `mapstructure:"pressure_cooldown"`
	RestartDelay          time.Duration `mapstructure:"restart_delay"`
	ExitOnCriticalFailure bool          `mapstructure:"exit_on_critical_failure"`
	CommandQueue          int           `mapstructure:"command_queue"`
}

type WatchdogConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	CheckTimeout     time.Duration `mapstructure:"check_timeout"`
}

type ResourceConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	MemoryHighMB     int           `mapstructure:"memory_high_mb"`
	MemoryCriticalMB int           `mapstructure:"memory_critical_mb"`
	CPUHigh          float64       `mapstructure:"cpu_high"`
	CPUCritical      float64       `mapstructure:"cpu_critical"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// Operators enables HTTP Basic auth on admin routes. Empty means the
	// X-Operator header is trusted.
	Operators []auth.Operator `mapstructure:"operators"`
	TLS       itls.Config     `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// HistoryConfig lists lifecycle event sinks by DSN
// (clickhouse://, opensearch://, postgres://, sqlite:// or a bare path).
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// setDefaults registers every key so AutomaticEnv can override it even when
// the file omits it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env_files", []string{})

	v.SetDefault("external.base_url", "")
	v.SetDefault("external.auth_path", syncer.DefaultAuthPath)
	v.SetDefault("external.username", "")
	v.SetDefault("external.password", "")
	v.SetDefault("external.token_scheme", syncer.DefaultTokenScheme)

	v.SetDefault("sync.schedule", "@every 1h")
	v.SetDefault("sync.run_on_start", true)
	v.SetDefault("sync.max_retries", syncer.DefaultMaxRetries)
	v.SetDefault("sync.base_delay", syncer.DefaultBaseDelay)
	v.SetDefault("sync.max_delay", syncer.DefaultMaxDelay)

	v.SetDefault("staging.dsn", "staffsync.db")

	v.SetDefault("supervisor.max_restart_attempts", 3)
	v.SetDefault("supervisor.start_timeout", 30*time.Second)
	v.SetDefault("supervisor.stop_timeout", 15*time.Second)
	v.SetDefault("supervisor.emergency_timeout", 2*time.Second)
	v.SetDefault("supervisor.pressure_cooldown", 2*time.Minute)
	v.SetDefault("supervisor.restart_delay", 5*time.Second)
	v.SetDefault("supervisor.exit_on_critical_failure", false)
	v.SetDefault("supervisor.command_queue", 64)

	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.interval", 30*time.Second)
	v.SetDefault("watchdog.heartbeat_timeout", 2*time.Minute)
	v.SetDefault("watchdog.check_timeout", 5*time.Second)

	v.SetDefault("resource.enabled", true)
	v.SetDefault("resource.interval", 15*time.Second)
	v.SetDefault("resource.memory_high_mb", 512)
	v.SetDefault("resource.memory_critical_mb", 1024)
	v.SetDefault("resource.cpu_high", 80.0)
	v.SetDefault("resource.cpu_critical", 95.0)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")

	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("history.sinks", []string{})
}

// Load reads path (TOML; empty path means defaults only), loads the .env
// files it lists plus ./.env when present, and applies STAFFSYNC_*
// overrides. Variables already set in the environment win over .env files.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := loadEnvFiles(envFileList(v.GetStringSlice("env_files"), path)); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envFileList resolves relative entries against the config file's directory
// and appends ./.env when it exists.
func envFileList(files []string, cfgPath string) []string {
	base := "."
	if cfgPath != "" {
		base = filepath.Dir(cfgPath)
	}
	out := make([]string, 0, len(files)+1)
	for _, f := range files {
		if f == "" {
			continue
		}
		if !filepath.IsAbs(f) {
			f = filepath.Join(base, f)
		}
		out = append(out, filepath.Clean(f))
	}
	if _, err := os.Stat(".env"); err == nil {
		out = append(out, ".env")
	}
	return out
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.External.BaseURL == "" {
		return errors.New("external.base_url is required")
	}
	u, err := url.Parse(c.External.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("external.base_url must be an http(s) URL: %q", c.External.BaseURL)
	}
	if c.External.Username == "" {
		return errors.New("external.username is required")
	}
	if c.External.Password == "" {
		return errors.New("external.password is required")
	}
	if c.Sync.MaxRetries <= 0 {
		return errors.New("sync.max_retries must be > 0")
	}
	if c.Sync.BaseDelay < 0 || c.Sync.MaxDelay < 0 {
		return errors.New("sync delays must be >= 0")
	}
	if c.Sync.MaxDelay < c.Sync.BaseDelay {
		return errors.New("sync.max_delay must be >= sync.base_delay")
	}
	seen := map[string]bool{}
	for i, cc := range c.Sync.Collections {
		if strings.TrimSpace(cc.Name) == "" {
			return fmt.Errorf("sync.collections[%d].name is required", i)
		}
		if seen[cc.Name] {
			return fmt.Errorf("sync.collections[%d]: duplicate collection %q", i, cc.Name)
		}
		seen[cc.Name] = true
		if cc.PageSize < 0 {
			return fmt.Errorf("sync.collections[%d].page_size must be >= 0", i)
		}
	}
	for _, col := range c.Collections() {
		if err := col.Validate(); err != nil {
			return fmt.Errorf("sync.collections: %w", err)
		}
	}
	if strings.TrimSpace(c.Staging.DSN) == "" {
		return errors.New("staging.dsn is required")
	}
	if c.Supervisor.MaxRestartAttempts <= 0 {
		return errors.New("supervisor.max_restart_attempts must be > 0")
	}
	if c.Resource.MemoryCriticalMB < c.Resource.MemoryHighMB {
		return errors.New("resource.memory_critical_mb must be >= resource.memory_high_mb")
	}
	if c.Resource.CPUCritical < c.Resource.CPUHigh {
		return errors.New("resource.cpu_critical must be >= resource.cpu_high")
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		return errors.New("server.listen is required when the server is enabled")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return errors.New("server.base_path must start with '/'")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("server.%w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen is required when metrics are enabled")
	}
	return c.Log.Validate()
}

// RetryPolicy returns the sync retry policy.
func (c *Config) RetryPolicy() syncer.RetryPolicy {
	return syncer.RetryPolicy{
		MaxRetries: c.Sync.MaxRetries,
		BaseDelay:  c.Sync.BaseDelay,
		MaxDelay:   c.Sync.MaxDelay,
	}
}

// Collections returns the enabled collections: the built-ins overlaid with
// same-named entries, followed by entries that define new collections.
func (c *Config) Collections() []syncer.Collection {
	builtins := []syncer.Collection{syncer.Employees(), syncer.Attendance()}
	byName := make(map[string]CollectionConfig, len(c.Sync.Collections))
	for _, cc := range c.Sync.Collections {
		byName[cc.Name] = cc
	}
	out := make([]syncer.Collection, 0, len(builtins)+len(c.Sync.Collections))
	known := map[string]bool{}
	for _, b := range builtins {
		known[b.Name] = true
		cc, ok := byName[b.Name]
		if ok && cc.Disabled {
			continue
		}
		if ok {
			b = cc.overlay(b)
		}
		out = append(out, b)
	}
	for _, cc := range c.Sync.Collections {
		if known[cc.Name] || cc.Disabled {
			continue
		}
		out = append(out, cc.overlay(syncer.Collection{Name: cc.Name}))
	}
	return out
}

// Schedule returns the schedule of the named collection.
func (c *Config) Schedule(name string) string {
	for _, cc := range c.Sync.Collections {
		if cc.Name == name && cc.Schedule != "" {
			return cc.Schedule
		}
	}
	return c.Sync.Schedule
}

// Critical reports whether the named collection is marked critical.
func (c *Config) Critical(name string) bool {
	for _, cc := range c.Sync.Collections {
		if cc.Name == name {
			return cc.Critical
		}
	}
	return false
}

func (cc CollectionConfig) overlay(b syncer.Collection) syncer.Collection {
	if cc.Path != "" {
		b.Path = cc.Path
	}
	if cc.PageSize > 0 {
		b.PageSize = cc.PageSize
	}
	if cc.Timeout > 0 {
		b.Timeout = cc.Timeout
	}
	if len(cc.KeyFields) > 0 {
		b.KeyFields = cc.KeyFields
	}
	if cc.ExcludeField != "" {
		b.ExcludeField = cc.ExcludeField
	}
	if len(cc.ExcludeValues) > 0 {
		b.ExcludeValues = cc.ExcludeValues
	}
	if cc.Window > 0 {
		b.Window = cc.Window
	}
	if cc.StartParam != "" {
		b.StartParam = cc.StartParam
	}
	if cc.EndParam != "" {
		b.EndParam = cc.EndParam
	}
	if cc.TimeLayout != "" {
		b.TimeLayout = cc.TimeLayout
	}
	return b
}
