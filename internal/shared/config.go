package shared

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Storage   StorageConfig   `toml:"storage"`
	Quota     QuotaConfig     `toml:"quota"`
	Cache     CacheConfig     `toml:"cache"`
	Providers ProvidersConfig `toml:"providers"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig contains HTTP server and gateway settings.
type ServerConfig struct {
	Host            string        `toml:"host"`
	Port            int           `toml:"port"`
	RequestTimeout  time.Duration `toml:"request_timeout"`
	PersistTimeout  time.Duration `toml:"persist_timeout"`
	RedirectOnReady bool          `toml:"redirect_on_ready"`
	FailureCooldown time.Duration `toml:"failure_cooldown"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// StorageConfig selects and configures the durable object store.
type StorageConfig struct {
	Backend          string             `toml:"backend"` // local, sftp or ftp
	PublicBaseURL    string             `toml:"public_base_url"`
	MaxDownloadBytes int64              `toml:"max_download_bytes"`
	Local            LocalStorageConfig `toml:"local"`
	SFTP             SFTPStorageConfig  `toml:"sftp"`
	FTP              FTPStorageConfig   `toml:"ftp"`
}

// LocalStorageConfig stores artifacts on the local filesystem.
type LocalStorageConfig struct {
	Dir string `toml:"dir"`
}

// SFTPStorageConfig stores artifacts on a remote host over SFTP.
type SFTPStorageConfig struct {
	Host           string        `toml:"host"`
	Port           int           `toml:"port"`
	User           string        `toml:"user"`
	Password       string        `toml:"password"`
	KeyPath        string        `toml:"key_path"`
	KnownHostsPath string        `toml:"known_hosts_path"`
	Dir            string        `toml:"dir"`
	Timeout        time.Duration `toml:"timeout"`
}

// FTPStorageConfig stores artifacts on an FTP server.
type FTPStorageConfig struct {
	Host     string        `toml:"host"`
	Port     int           `toml:"port"`
	User     string        `toml:"user"`
	Password string        `toml:"password"`
	Dir      string        `toml:"dir"`
	Timeout  time.Duration `toml:"timeout"`
}

// QuotaConfig selects the durable counter backend for pool and daily usage.
type QuotaConfig struct {
	Backend       string `toml:"backend"` // sqlite or redis
	RedisURL      string `toml:"redis_url"`
	RedisPassword string `toml:"redis_password"`
	KeyPrefix     string `toml:"key_prefix"`
}

// CacheConfig contains in-memory cache settings.
type CacheConfig struct {
	LookupTTL time.Duration `toml:"lookup_ttl"`
}

// ProvidersConfig contains one section per conversion provider.
type ProvidersConfig struct {
	RapidAPI     RapidAPIConfig     `toml:"rapidapi"`
	CloudConvert CloudConvertConfig `toml:"cloudconvert"`
	Proxy        ProxyConfig        `toml:"proxy"`
}

// RapidAPIConfig configures the pool-backed provider: every key is paired with every endpoint.
type RapidAPIConfig struct {
	Enabled   bool             `toml:"enabled"`
	Keys      []string         `toml:"keys"`
	RateLimit float64          `toml:"rate_limit"`
	Timeout   time.Duration    `toml:"timeout"`
	Endpoints []EndpointConfig `toml:"endpoints"`
}

// EndpointConfig describes one RapidAPI host. Declaration order is preference order.
type EndpointConfig struct {
	Host          string   `toml:"host"`
	Path          string   `toml:"path"`
	Method        string   `toml:"method"`
	IDParam       string   `toml:"id_param"`
	MaxRequests   int      `toml:"max_requests"` // 0 means unlimited
	LinkFields    []string `toml:"link_fields"`
	TitleFields   []string `toml:"title_fields"`
	ProxyRequired bool     `toml:"proxy_required"`
}

// CloudConvertConfig configures the job-based provider in production and sandbox environments.
type CloudConvertConfig struct {
	Enabled           bool          `toml:"enabled"`
	ProductionKey     string        `toml:"production_key"`
	SandboxKey        string        `toml:"sandbox_key"`
	ProductionURL     string        `toml:"production_url"`
	SandboxURL        string        `toml:"sandbox_url"`
	ProductionDaily   int           `toml:"production_daily_limit"`
	SandboxDaily      int           `toml:"sandbox_daily_limit"`
	SourceURLTemplate string        `toml:"source_url_template"`
	OutputFormat      string        `toml:"output_format"`
	PollInterval      time.Duration `toml:"poll_interval"`
	JobTimeout        time.Duration `toml:"job_timeout"`
	Timeout           time.Duration `toml:"timeout"`
	RateLimit         float64       `toml:"rate_limit"`
}

// ProxyConfig configures the unrestricted last-resort extraction proxy.
type ProxyConfig struct {
	Enabled   bool          `toml:"enabled"`
	BaseURL   string        `toml:"base_url"`
	Timeout   time.Duration `toml:"timeout"`
	RateLimit float64       `toml:"rate_limit"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Values missing from the file keep the embedded defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	defaults := config.Providers.RapidAPI.Endpoints

	// Arrays of tables decode element-wise into existing slices, so the
	// embedded endpoints are dropped before decoding to avoid merging.
	config.Providers.RapidAPI.Endpoints = nil

	md, err := toml.Decode(string(data), config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if !md.IsDefined("providers", "rapidapi", "endpoints") {
		config.Providers.RapidAPI.Endpoints = defaults
	}

	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports the first structural problem in the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}

	if !slices.Contains([]string{"local", "sftp", "ftp"}, c.Storage.Backend) {
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	switch c.Quota.Backend {
	case "sqlite":
	case "redis":
		if c.Quota.RedisURL == "" {
			return fmt.Errorf("%w: quota.redis_url is required for the redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown quota backend %q", ErrInvalidConfig, c.Quota.Backend)
	}

	p := c.Providers
	if !p.RapidAPI.Enabled && !p.CloudConvert.Enabled && !p.Proxy.Enabled {
		return fmt.Errorf("%w: no conversion provider enabled", ErrInvalidConfig)
	}

	if p.RapidAPI.Enabled {
		for i, ep := range p.RapidAPI.Endpoints {
			if ep.Host == "" || ep.Path == "" {
				return fmt.Errorf("%w: rapidapi endpoint %d needs host and path", ErrInvalidConfig, i)
			}
			if ep.MaxRequests < 0 {
				return fmt.Errorf("%w: rapidapi endpoint %s has negative max_requests", ErrInvalidConfig, ep.Host)
			}
		}
	}

	if p.Proxy.Enabled && p.Proxy.BaseURL == "" {
		return fmt.Errorf("%w: providers.proxy.base_url is required", ErrInvalidConfig)
	}

	return nil
}
