package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds understood by the endpoint registry.
const (
	KindLDAP = "ldap"
	KindSQL  = "sql"
	KindS3   = "s3"
	KindFile = "file"
)

// Directory server variants, selecting the change-notification control.
const (
	ServerTypeSyncRepl         = "openldap_syncrepl"
	ServerTypePersistentSearch = "persistent_search"
	ServerTypeActiveDirectory  = "active_directory"
)

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ListenAddress   string `yaml:"listen_address"`
	PProfEnabled    bool   `yaml:"pprof_enabled"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	StatsvizEnabled bool   `yaml:"statsviz_enabled"`
	// UserFile enables basic authentication on every endpoint but /healthz.
	UserFile string `yaml:"user_file"`
}

type SelfMonitoringConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
	DiskPath string `yaml:"disk_path"`
}

// SecretsConfig configures resolution of "aws-sm:" password references.
type SecretsConfig struct {
	AWSRegion string `yaml:"aws_region"`
}

// HooksConfig enables the built-in hook listeners.
type HooksConfig struct {
	// JournalFile receives one JSON line per partially committed write.
	// Empty disables the journal.
	JournalFile string `yaml:"journal_file"`
	// BreakerMaxFailures trips a participant after that many failed phase
	// calls within BreakerWindow. Zero disables the breaker.
	BreakerMaxFailures int    `yaml:"breaker_max_failures"`
	BreakerWindow      string `yaml:"breaker_window"`
	BreakerCooldown    string `yaml:"breaker_cooldown"`
	// ApplyStats publishes expvar counters of coordinated writes.
	ApplyStats bool `yaml:"apply_stats"`
}

// SyncConfig holds settings shared by every task.
type SyncConfig struct {
	// PollWait bounds each change-feed poll; it should stay close to the
	// platform sleep granularity so one idle source never stalls the loop.
	PollWait string `yaml:"poll_wait"`
	// IdleSleep is how long the async loop sleeps after a "nothing yet".
	IdleSleep     string `yaml:"idle_sleep"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	// StopOnBackendUnavailable halts a pass on connectivity loss.
	StopOnBackendUnavailable bool `yaml:"stop_on_backend_unavailable"`
}

// ConnectionConfig describes one physical backend. Only the fields
// relevant to Kind are read.
type ConnectionConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// ldap
	URL        string `yaml:"url"`
	BindDN     string `yaml:"bind_dn"`
	Password   string `yaml:"password"` // literal, "env:NAME", "file:/path" or "aws-sm:secret-id"
	StartTLS   bool   `yaml:"start_tls"`
	ServerType string `yaml:"server_type"`

	// sql
	Driver   string            `yaml:"driver"`
	DSN      string            `yaml:"dsn"`
	Requests map[string]string `yaml:"requests"`
	// StatementCache is how many read statements stay prepared; negative
	// disables caching.
	StatementCache int `yaml:"statement_cache"`

	// s3; Password holds the secret access key when AccessKeyID is set
	AccessKeyID    string `yaml:"access_key_id"`
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	Prefix         string `yaml:"prefix"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	// file
	Root string `yaml:"root"`
}

// ServiceConfig declares an endpoint on top of a connection.
type ServiceConfig struct {
	Name               string   `yaml:"name"`
	Kind               string   `yaml:"kind"`
	Connection         string   `yaml:"connection"`
	PivotAttributes    []string `yaml:"pivot_attributes"`
	FetchedAttributes  []string `yaml:"fetched_attributes"`
	WritableAttributes []string `yaml:"writable_attributes"`

	// ldap
	BaseDN       string `yaml:"base_dn"`
	Scope        string `yaml:"scope"` // "base", "one" or "sub"
	GetAllFilter string `yaml:"get_all_filter"`
	GetOneFilter string `yaml:"get_one_filter"`
	CleanFilter  string `yaml:"clean_filter"`

	// sql
	ListRequest      string   `yaml:"list_request"`
	GetRequest       string   `yaml:"get_request"`
	InsertRequests   []string `yaml:"insert_requests"`
	UpdateRequests   []string `yaml:"update_requests"`
	DeleteRequests   []string `yaml:"delete_requests"`
	ChangeIDRequests []string `yaml:"change_id_requests"`

	// s3 and file
	Collection string `yaml:"collection"`
}

// TaskConfig wires a source to one or more destinations.
type TaskConfig struct {
	Name         string   `yaml:"name"`
	Source       string   `yaml:"source"`
	Destinations []string `yaml:"destinations"`
	// MainIdentifier is a "{attr}" template resolved against the source
	// record to obtain the destination identifier. Empty means the source
	// identifier is reused.
	MainIdentifier string `yaml:"main_identifier"`
	Async          bool   `yaml:"async"`
}

// Config is the top-level configuration struct.
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Debug          DebugConfig          `yaml:"debug"`
	SelfMonitoring SelfMonitoringConfig `yaml:"self_monitoring"`
	Secrets        SecretsConfig        `yaml:"secrets"`
	Hooks          HooksConfig          `yaml:"hooks"`
	Sync           SyncConfig           `yaml:"sync"`
	Connections    []ConnectionConfig   `yaml:"connections"`
	Services       []ServiceConfig      `yaml:"services"`
	Tasks          []TaskConfig         `yaml:"tasks"`
}

// Connection returns the connection declared under name.
func (c *Config) Connection(name string) (ConnectionConfig, bool) {
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, true
		}
	}
	return ConnectionConfig{}, false
}

// Service returns the service declared under name.
func (c *Config) Service(name string) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// Task returns the task declared under name.
func (c *Config) Task(name string) (TaskConfig, bool) {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskConfig{}, false
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexussync.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:         false,
			ListenAddress:   "127.0.0.1:6060",
			PProfEnabled:    true,
			MetricsEnabled:  true,
			StatsvizEnabled: false,
		},
		SelfMonitoring: SelfMonitoringConfig{
			Enabled:  false,
			Interval: "15s",
			DiskPath: ".",
		},
		Hooks: HooksConfig{
			BreakerWindow:   "1m",
			BreakerCooldown: "5m",
		},
		Sync: SyncConfig{
			PollWait:                 "1ms",
			IdleSleep:                "100ms",
			CheckpointDir:            "./checkpoints",
			StopOnBackendUnavailable: true,
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
