package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the buildorch configuration file.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Limits     LimitsConfig     `yaml:"limits"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Store      StoreConfig      `yaml:"store"`
	Repository RepositoryConfig `yaml:"repository"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Reporting  ReportingConfig  `yaml:"reporting"`
	Logging    LoggingConfig    `yaml:"logging"`
	Admin      AdminConfig      `yaml:"admin"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServiceConfig identifies this orchestrator instance.
type ServiceConfig struct {
	Name          string   `yaml:"name"`
	InstanceID    string   `yaml:"instance_id"` // generated when empty
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// LimitsConfig holds the admission ceiling and build time bounds.
type LimitsConfig struct {
	MaxConcurrentBuilds int      `yaml:"max_concurrent_builds"`
	BuildTimeout        Duration `yaml:"build_timeout"`
	FillInterval        Duration `yaml:"fill_interval"`
}

// EventBusConfig configures the NATS JetStream transport.
type EventBusConfig struct {
	URL              string   `yaml:"url"`
	Stream           string   `yaml:"stream"`
	Consumer         string   `yaml:"consumer"`
	StartedSubject   string   `yaml:"started_subject"`
	CompletedSubject string   `yaml:"completed_subject"`
	FailedSubject    string   `yaml:"failed_subject"`
	AckWait          Duration `yaml:"ack_wait"`
	MaxDeliver       int      `yaml:"max_deliver"`
}

// StoreConfig selects and configures the durable queue store.
type StoreConfig struct {
	Driver      StoreDriver `yaml:"driver"`
	RedisURL    string      `yaml:"redis_url"`
	SQLitePath  string      `yaml:"sqlite_path"`
	Namespace   string      `yaml:"namespace"`
	TerminalTTL Duration    `yaml:"terminal_ttl"`
}

// RepositoryConfig configures the Source Repository Service client.
type RepositoryConfig struct {
	BaseURL    string   `yaml:"base_url"`
	Token      string   `yaml:"token"`
	AuthHeader string   `yaml:"auth_header"`
	AuthPrefix string   `yaml:"auth_prefix"`
	Timeout    Duration `yaml:"timeout"`
}

// SandboxConfig configures the execution sandbox client.
type SandboxConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

// ArtifactsConfig configures artifact retention.
type ArtifactsConfig struct {
	Retention      Duration        `yaml:"retention"`
	CleanupRetries int             `yaml:"cleanup_retries"`
	Backend        ArtifactBackend `yaml:"backend"`
	S3             S3Config        `yaml:"s3"`
}

// S3Config points the object-store artifact remover at a bucket.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ReportingConfig tunes status-report retries.
type ReportingConfig struct {
	RetryBackoff      RetryBackoffMode `yaml:"retry_backoff"`
	RetryInitialDelay Duration         `yaml:"retry_initial_delay"`
	RetryMaxDelay     Duration         `yaml:"retry_max_delay"`
	MaxRetries        *int             `yaml:"max_retries"`
}

// LoggingConfig selects slog level and format.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// AdminConfig configures the admin HTTP listener. Empty Listen disables it.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// TracingConfig toggles OpenTelemetry tracing. Output is "stderr", "stdout"
// or a file path that spans are appended to.
type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"`
}

// Duration is a time.Duration written as a Go duration string ("15m", "24h").
type Duration time.Duration

// Std returns the value as time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts duration strings and plain integers (seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration %q", raw)
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Load reads, expands, defaults and validates the configuration at path.
// Variables from .env / .env.local are loaded first without overriding the process environment.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Note: .env file not found or couldn't be loaded: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML content (after ${VAR} expansion), applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := ApplyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
