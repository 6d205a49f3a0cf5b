// Package config provides configuration management for the engine
// (spec.md §6): a YAML file plus named profile overlays, covering
// downloads, chunked transfer, network timeouts, scheduler ordering,
// and buffer pool sizing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	Downloads DownloadsConfig `yaml:"downloads"`
	Chunked   ChunkedConfig   `yaml:"chunked"`
	Network   NetworkConfig   `yaml:"network"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Buffer    BufferConfig    `yaml:"buffer_pool"`

	General   GeneralConfig      `yaml:"general"`
	Bandwidth BandwidthConfig    `yaml:"bandwidth"`
	Proxy     ProxyConfig        `yaml:"proxy"`
	TLS       TLSConfig          `yaml:"tls"`
	Output    OutputConfig       `yaml:"output"`
	Logging   LoggingConfig      `yaml:"logging"`
	Protocol  ProtocolConfig     `yaml:"protocol"`
	Hooks     HooksConfig        `yaml:"hooks"`
	Mirrors   MirrorsConfig      `yaml:"mirrors"`
	Profiles  map[string]Profile `yaml:"profiles,omitempty"`
}

// DownloadsConfig holds per-engine download scheduling limits (spec.md §6).
type DownloadsConfig struct {
	MaxConcurrent            int `yaml:"max_concurrent"`
	MaxConcurrentPerHost     int `yaml:"max_concurrent_per_host"`
	MaxRetries               int `yaml:"max_retries"`
	ProgressUpdateIntervalMS int `yaml:"progress_update_interval_ms"`
	MaxQueueBatchSize        int `yaml:"max_queue_batch_size"`
	MaxQueueSize             int `yaml:"max_queue_size"`
	QueueProcessDelayMS      int `yaml:"queue_process_delay_ms"`
	MaxFilesPerFolder        int `yaml:"max_files_per_folder"`
}

// ChunkedConfig holds the chunked-transfer plan and retry surface.
type ChunkedConfig struct {
	Enabled             bool  `yaml:"enabled"`
	ForceSimpleDownload bool  `yaml:"force_simple_download"`
	SizeThresholdBytes  int64 `yaml:"size_threshold_bytes"`
	MaxChunks           int   `yaml:"max_chunks"`

	MediumRangeMaxBytes int64 `yaml:"medium_range_max_bytes"`
	CountMediumMin      int   `yaml:"count_medium_min"`
	CountMediumMax      int   `yaml:"count_medium_max"`
	SizeMediumTarget    int64 `yaml:"size_medium_target_bytes"`
	CountLargeMin       int   `yaml:"count_large_min"`
	CountLargeMax       int   `yaml:"count_large_max"`
	SizeLargeBase       int64 `yaml:"size_large_base_bytes"`

	MaxConcurrentChunks          int  `yaml:"max_concurrent_chunks"`
	MaxChunkRetries              int  `yaml:"max_chunk_retries"`
	ChunkOperationTimeoutMinutes int  `yaml:"chunk_operation_timeout_minutes"`
	CheckRangeSupport            bool `yaml:"check_range_support"`
	RangeSupportTimeoutMS        int  `yaml:"range_support_timeout_ms"`

	AdaptiveConcurrency       bool             `yaml:"adaptive_concurrency"`
	AdaptiveConcurrencyConfig AdaptiveSettings `yaml:"adaptive_concurrency_config"`
}

// AdaptiveSettings mirrors adaptive.Config's tunables for YAML loading.
type AdaptiveSettings struct {
	WindowSeconds            int     `yaml:"window_seconds"`
	EvalIntervalSeconds      int     `yaml:"eval_interval_seconds"`
	CooldownSeconds          int     `yaml:"cooldown_seconds"`
	ScaleDownErrorRateMin    float64 `yaml:"scale_down_error_rate_min"`
	ScaleDownTransientMax    int     `yaml:"scale_down_transient_retry_threshold"`
	ThroughputDropThreshold  float64 `yaml:"throughput_drop_threshold"`
	ScaleUpMinSamples        int     `yaml:"scale_up_min_samples"`
	ScaleUpErrorRateMax      float64 `yaml:"scale_up_error_rate_max"`
	ScaleUpMinThroughputBPS  float64 `yaml:"scale_up_min_throughput_bps"`
}

// NetworkConfig holds connection/response/idle timeouts and the
// 429 fallback delay.
type NetworkConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	ResponseTimeout       time.Duration `yaml:"response_timeout"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	RetryDelay            time.Duration `yaml:"retry_delay"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryAfter429DefaultMS int          `yaml:"retry_after_429_default_ms"`
}

// SchedulerConfig mirrors scheduler.Config's tunables for YAML loading.
type SchedulerConfig struct {
	AgingIntervalSeconds  int     `yaml:"aging_interval_seconds"`
	MaxAgingBonus         float64 `yaml:"max_aging_bonus"`
	LowPriorityMultiplier float64 `yaml:"low_priority_multiplier"`

	SJFEnabled          bool    `yaml:"sjf_enabled"`
	SJFWeight           float64 `yaml:"sjf_weight"`
	SJFTolerancePercent float64 `yaml:"sjf_tolerance_percent"`
	SJFDefaultSizeBytes int64   `yaml:"sjf_default_size_bytes"`

	RetryPenaltyEnabled bool    `yaml:"retry_penalty_enabled"`
	PenaltyPerRetry     float64 `yaml:"penalty_per_retry"`
	MaxRetryPenalty     float64 `yaml:"max_retry_penalty"`
	FreeRetries         int     `yaml:"free_retries"`
}

// BufferConfig holds the assemble.BufferPool's tunables.
type BufferConfig struct {
	BufferSize   int  `yaml:"buffer_size"`
	MaxPooled    int  `yaml:"max_pooled"`
	PreAllocate  bool `yaml:"pre_allocate"`
}

// ProtocolConfig holds per-transport settings for non-HTTP adapters.
type ProtocolConfig struct {
	FTP     FTPProtocolConfig     `yaml:"ftp"`
	SFTP    SFTPProtocolConfig    `yaml:"sftp"`
	Torrent TorrentProtocolConfig `yaml:"torrent"`
	HTTP3   HTTP3ProtocolConfig   `yaml:"http3"`
}

type FTPProtocolConfig struct {
	Passive bool `yaml:"passive"`
}

type SFTPProtocolConfig struct {
	KnownHostsPath string `yaml:"known_hosts_path"`
}

type TorrentProtocolConfig struct {
	DataDir string `yaml:"data_dir"`
}

// HTTP3ProtocolConfig gates the opt-in QUIC transport. Disabled by
// default: HTTP3Adapter would otherwise claim every https:// URL ahead
// of the battle-tested HTTPAdapter.
type HTTP3ProtocolConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HooksConfig holds lifecycle-hook shell/webhook wiring.
type HooksConfig struct {
	OnComplete string `yaml:"on_complete"`
	OnError    string `yaml:"on_error"`
	WebhookURL string `yaml:"webhook_url"`
}

// MirrorsConfig holds the default mirror-selection strategy. Per-download
// mirror URLs travel with the download, not the engine config.
type MirrorsConfig struct {
	Strategy string `yaml:"mirror_strategy"` // failover | random | fastest | round_robin
}

// GeneralConfig holds general download settings
type GeneralConfig struct {
	Connections int           `yaml:"connections"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	UserAgent   string        `yaml:"user_agent"`
	Continue    bool          `yaml:"continue"`
}

// BandwidthConfig holds bandwidth control settings
type BandwidthConfig struct {
	GlobalLimit  string            `yaml:"global_limit"`          // e.g., "10M", "500K"
	PerHostLimit string            `yaml:"per_host_limit"`        // Default per-host limit
	HostLimits   []HostLimitConfig `yaml:"host_limits,omitempty"` // Specific host limits
	Adaptive     bool              `yaml:"adaptive"`
}

// HostLimitConfig holds rate limit for a specific host
type HostLimitConfig struct {
	Host  string `yaml:"host"`  // Host pattern (e.g., "slow-server.com", "*.cdn.example.com")
	Limit string `yaml:"limit"` // Speed limit (e.g., "5M", "500K")
}

// ProxyConfig holds proxy settings
type ProxyConfig struct {
	HTTP    string `yaml:"http"`
	HTTPS   string `yaml:"https"`
	NoProxy string `yaml:"no_proxy"`
}

// TLSConfig holds TLS/SSL settings
type TLSConfig struct {
	Verify     bool   `yaml:"verify"`
	MinVersion string `yaml:"min_version"`
	CABundle   string `yaml:"ca_bundle"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// OutputConfig holds output settings
type OutputConfig struct {
	Directory     string `yaml:"directory"`
	ProgressStyle string `yaml:"progress_style"` // bar, minimal, json
	Colors        bool   `yaml:"colors"`
	Theme         string `yaml:"theme"` // auto, dark, light, mono
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"` // debug, info, warn, error
	File   string `yaml:"file"`
	Format string `yaml:"format"` // text, json
}

// Profile represents a named configuration profile
type Profile struct {
	Connections int              `yaml:"connections,omitempty"`
	Timeout     time.Duration    `yaml:"timeout,omitempty"`
	Bandwidth   *BandwidthConfig `yaml:"bandwidth,omitempty"`
	Proxy       *ProxyConfig     `yaml:"proxy,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Downloads: DownloadsConfig{
			MaxConcurrent:            3,
			MaxConcurrentPerHost:     2,
			MaxRetries:               5,
			ProgressUpdateIntervalMS: 500,
			MaxQueueBatchSize:        10,
			MaxQueueSize:             1000,
			QueueProcessDelayMS:      2000,
			MaxFilesPerFolder:        10000,
		},
		Chunked: ChunkedConfig{
			Enabled:                      true,
			ForceSimpleDownload:          false,
			SizeThresholdBytes:           50 * 1024 * 1024,
			MaxChunks:                    16,
			MediumRangeMaxBytes:          500 * 1024 * 1024,
			CountMediumMin:               4,
			CountMediumMax:               8,
			SizeMediumTarget:             8 * 1024 * 1024,
			CountLargeMin:                8,
			CountLargeMax:                16,
			SizeLargeBase:                32 * 1024 * 1024,
			MaxConcurrentChunks:          8,
			MaxChunkRetries:              5,
			ChunkOperationTimeoutMinutes: 30,
			CheckRangeSupport:            true,
			RangeSupportTimeoutMS:        15000,
			AdaptiveConcurrency:          true,
			AdaptiveConcurrencyConfig: AdaptiveSettings{
				WindowSeconds:           90,
				EvalIntervalSeconds:     15,
				CooldownSeconds:         30,
				ScaleDownErrorRateMin:   0.2,
				ScaleDownTransientMax:   4,
				ThroughputDropThreshold: 0.4,
				ScaleUpMinSamples:       2,
				ScaleUpErrorRateMax:     0.05,
				ScaleUpMinThroughputBPS: 256 * 1024,
			},
		},
		Network: NetworkConfig{
			Timeout:                30 * time.Second,
			ResponseTimeout:        30 * time.Second,
			IdleTimeout:            60 * time.Second,
			RetryDelay:             5 * time.Second,
			MaxRetries:             5,
			RetryAfter429DefaultMS: 60000,
		},
		Scheduler: SchedulerConfig{
			AgingIntervalSeconds:  30,
			MaxAgingBonus:         2.0,
			LowPriorityMultiplier: 0.5,
			SJFEnabled:            true,
			SJFWeight:             0.3,
			SJFTolerancePercent:   0.1,
			SJFDefaultSizeBytes:   100 * 1024 * 1024,
			RetryPenaltyEnabled:   true,
			PenaltyPerRetry:       0.1,
			MaxRetryPenalty:       0.5,
			FreeRetries:           1,
		},
		Buffer: BufferConfig{
			BufferSize:  4 * 1024 * 1024,
			MaxPooled:   32,
			PreAllocate: false,
		},
		General: GeneralConfig{
			Connections: 4,
			Timeout:     30 * time.Second,
			Retries:     3,
			RetryDelay:  5 * time.Second,
			UserAgent:   "dlforge/0.1",
			Continue:    true,
		},
		Bandwidth: BandwidthConfig{
			GlobalLimit:  "",
			PerHostLimit: "",
			HostLimits:   nil,
			Adaptive:     false,
		},
		Proxy: ProxyConfig{
			HTTP:    "",
			HTTPS:   "",
			NoProxy: "localhost,127.0.0.1",
		},
		TLS: TLSConfig{
			Verify:     true,
			MinVersion: "1.2",
		},
		Output: OutputConfig{
			Directory:     "",
			ProgressStyle: "bar",
			Colors:        true,
			Theme:         "auto",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Protocol: ProtocolConfig{
			FTP:  FTPProtocolConfig{Passive: true},
			SFTP: SFTPProtocolConfig{},
			Torrent: TorrentProtocolConfig{
				DataDir: "",
			},
			HTTP3: HTTP3ProtocolConfig{Enabled: false},
		},
		Hooks:    HooksConfig{},
		Mirrors:  MirrorsConfig{Strategy: "failover"},
		Profiles: make(map[string]Profile),
	}
}

// Validate clamps out-of-range values to the bounds spec.md names,
// rather than erroring, mirroring the Scheduler's own clamping.
func (c *Config) Validate() {
	if c.Downloads.MaxConcurrent < 1 {
		c.Downloads.MaxConcurrent = 1
	}
	if c.Downloads.MaxConcurrent > 3 {
		c.Downloads.MaxConcurrent = 3
	}
	if c.Downloads.MaxConcurrentPerHost < 1 {
		c.Downloads.MaxConcurrentPerHost = 1
	}
	if c.Downloads.MaxConcurrentPerHost > c.Downloads.MaxConcurrent {
		c.Downloads.MaxConcurrentPerHost = c.Downloads.MaxConcurrent
	}
	if c.Chunked.MaxChunks < 1 {
		c.Chunked.MaxChunks = 1
	}
	if c.Chunked.MaxChunks > 16 {
		c.Chunked.MaxChunks = 16
	}
	if c.Chunked.MaxConcurrentChunks < 1 {
		c.Chunked.MaxConcurrentChunks = 1
	}
	if c.Chunked.MaxConcurrentChunks > 16 {
		c.Chunked.MaxConcurrentChunks = 16
	}
	if c.Buffer.BufferSize <= 0 {
		c.Buffer.BufferSize = 4 * 1024 * 1024
	}
	if c.Buffer.MaxPooled < 0 {
		c.Buffer.MaxPooled = 0
	}
}

// LoadConfig loads a YAML file into a Config, applying defaults first
// and validating afterward. An empty path returns DefaultConfig()
// unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if err := cfg.LoadFile(path); err != nil {
		return nil, err
	}
	cfg.Validate()
	return cfg, nil
}

// ConfigPaths returns the list of config file paths in priority order
func ConfigPaths() []string {
	paths := make([]string, 0, 6)

	// 1. Environment variable
	if envPath := os.Getenv("DLFORGE_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	// 2. Current directory
	paths = append(paths, ".dlforge.yaml")
	paths = append(paths, ".dlforge.yml")

	// 3. User config directory (XDG on Linux, AppData on Windows)
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "dlforge", "config.yaml"))
		paths = append(paths, filepath.Join(configDir, "dlforge", "config.yml"))
	}

	// 4. Home directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".dlforgerc"))
		paths = append(paths, filepath.Join(homeDir, ".dlforge.yaml"))
	}

	// 5. System-wide (Unix only)
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/dlforge/config.yaml")
	}

	return paths
}

// Load loads configuration from the first available config file
func Load() (*Config, error) {
	config := DefaultConfig()

	// Try each config path
	for _, path := range ConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			if err := config.LoadFile(path); err != nil {
				return nil, fmt.Errorf("loading config from %s: %w", path, err)
			}
			config.Validate()
			return config, nil
		}
	}

	// No config file found, return defaults
	return config, nil
}

// LoadFile loads configuration from a specific file
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyProfile applies a named profile to the config
func (c *Config) ApplyProfile(name string) error {
	profile, ok := c.Profiles[name]
	if !ok {
		return fmt.Errorf("profile not found: %s", name)
	}

	if profile.Connections > 0 {
		c.General.Connections = profile.Connections
	}
	if profile.Timeout > 0 {
		c.General.Timeout = profile.Timeout
	}
	if profile.Bandwidth != nil {
		if profile.Bandwidth.GlobalLimit != "" {
			c.Bandwidth.GlobalLimit = profile.Bandwidth.GlobalLimit
		}
		if profile.Bandwidth.PerHostLimit != "" {
			c.Bandwidth.PerHostLimit = profile.Bandwidth.PerHostLimit
		}
	}
	if profile.Proxy != nil {
		if profile.Proxy.HTTP != "" {
			c.Proxy.HTTP = profile.Proxy.HTTP
		}
		if profile.Proxy.HTTPS != "" {
			c.Proxy.HTTPS = profile.Proxy.HTTPS
		}
	}

	return nil
}

// GetDefaultConfigPath returns the default path for saving user config
func GetDefaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "dlforge", "config.yaml"), nil
}

// ParseBandwidth parses a bandwidth string (e.g., "10M", "500K") to bytes per second
func ParseBandwidth(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	var value float64
	var unit string

	_, err := fmt.Sscanf(s, "%f%s", &value, &unit)
	if err != nil {
		// Try without unit suffix
		_, err = fmt.Sscanf(s, "%f", &value)
		if err != nil {
			return 0, fmt.Errorf("invalid bandwidth format: %s", s)
		}
		return int64(value), nil
	}

	multiplier := int64(1)
	switch unit {
	case "K", "k", "KB", "kb":
		multiplier = 1024
	case "M", "m", "MB", "mb":
		multiplier = 1024 * 1024
	case "G", "g", "GB", "gb":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown bandwidth unit: %s", unit)
	}

	return int64(value * float64(multiplier)), nil
}

// GenerateDefaultConfig generates a default config file content
func GenerateDefaultConfig() string {
	return `# dlforge configuration file

# Download scheduling limits
downloads:
  max_concurrent: 3             # 1..3
  max_concurrent_per_host: 2     # 1..max_concurrent
  max_retries: 5
  progress_update_interval_ms: 500
  max_queue_batch_size: 10
  max_queue_size: 1000
  queue_process_delay_ms: 2000
  max_files_per_folder: 10000

# Chunked transfer plan
chunked:
  enabled: true
  force_simple_download: false
  size_threshold_bytes: 52428800   # 50 MiB
  max_chunks: 16
  max_concurrent_chunks: 8
  max_chunk_retries: 5
  check_range_support: true
  adaptive_concurrency: true

# Network timeouts
network:
  timeout: 30s
  response_timeout: 30s
  idle_timeout: 60s
  retry_delay: 5s
  max_retries: 5

# Scheduler ordering (aging, shortest-job-first, retry penalty)
scheduler:
  aging_interval_seconds: 30
  max_aging_bonus: 2.0
  sjf_enabled: true
  sjf_weight: 0.3
  retry_penalty_enabled: true

# Buffer pool used by the file assembler
buffer_pool:
  buffer_size: 4194304   # 4 MiB
  max_pooled: 32
  pre_allocate: false

# General settings
general:
  connections: 4          # Number of parallel connections
  timeout: 30s            # Connection timeout
  retries: 3              # Number of retries on failure
  retry_delay: 5s         # Delay between retries
  user_agent: "dlforge/0.1"
  continue: true          # Always try to resume downloads

# Bandwidth control
bandwidth:
  global_limit: ""        # Global speed limit (e.g., "10M", "500K")
  per_host_limit: ""      # Default per-host speed limit
  # host_limits:
  #   - host: "slow-server.com"
  #     limit: "5M"
  adaptive: false         # Enable adaptive rate limiting

# Proxy settings
proxy:
  http: ""                # HTTP proxy URL
  https: ""               # HTTPS proxy URL
  no_proxy: "localhost,127.0.0.1"

# TLS/SSL settings
tls:
  verify: true
  min_version: "1.2"
  ca_bundle: ""
  client_cert: ""
  client_key: ""

# Output settings
output:
  directory: ""
  progress_style: "bar"   # bar, minimal, json
  colors: true
  theme: "auto"           # auto, dark, light, mono

# Logging settings
logging:
  level: "info"           # debug, info, warn, error
  file: ""
  format: "text"          # text, json

# Non-HTTP protocol adapters
protocol:
  ftp:
    passive: true
  sftp:
    known_hosts_path: ""
  torrent:
    data_dir: ""
  http3:
    enabled: false   # serve https:// over QUIC/HTTP3 instead of HTTP/1.1/2 (no fallback on failure)

# Lifecycle hooks (best-effort, never block the engine)
hooks:
  on_complete: ""
  on_error: ""
  webhook_url: ""

# Mirror resolution strategy for downloads with alternate URLs
mirrors:
  mirror_strategy: "failover"  # failover | random | fastest | round_robin

# Named profiles (applied with Config.ApplyProfile)
profiles:
  fast:
    connections: 16
    timeout: 10s

  slow:
    connections: 2
    bandwidth:
      global_limit: "1M"

  tor:
    proxy:
      http: "socks5://127.0.0.1:9050"
      https: "socks5://127.0.0.1:9050"
`
}
