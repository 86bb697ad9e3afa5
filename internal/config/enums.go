package config

import (
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/buildorch/internal/foundation/normalization"
)

// StoreDriver selects the durable queue store backend.
type StoreDriver string

const (
	StoreRedis  StoreDriver = "redis"
	StoreSQLite StoreDriver = "sqlite"
	StoreMemory StoreDriver = "memory"
)

var storeDriverNormalizer = normalization.NewNormalizer(map[string]StoreDriver{
	"redis":  StoreRedis,
	"sqlite": StoreSQLite,
	"memory": StoreMemory,
}, StoreRedis)

// ArtifactBackend selects where artifact cleanup requests go.
type ArtifactBackend string

const (
	ArtifactsSandbox ArtifactBackend = "sandbox"
	ArtifactsS3      ArtifactBackend = "s3"
)

var artifactBackendNormalizer = normalization.NewNormalizer(map[string]ArtifactBackend{
	"sandbox": ArtifactsSandbox,
	"s3":      ArtifactsS3,
	"minio":   ArtifactsS3,
}, ArtifactsSandbox)

// RetryBackoffMode enumerates supported backoff strategies for retries.
type RetryBackoffMode string

const (
	RetryBackoffFixed       RetryBackoffMode = "fixed"
	RetryBackoffLinear      RetryBackoffMode = "linear"
	RetryBackoffExponential RetryBackoffMode = "exponential"
)

var retryBackoffNormalizer = normalization.NewNormalizer(map[string]RetryBackoffMode{
	"fixed":       RetryBackoffFixed,
	"linear":      RetryBackoffLinear,
	"exponential": RetryBackoffExponential,
}, RetryBackoffExponential)

// NormalizeRetryBackoff converts user input (case-insensitive) into a typed mode.
func NormalizeRetryBackoff(raw string) RetryBackoffMode {
	return retryBackoffNormalizer.Normalize(raw)
}

// LogLevel enumerates supported logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var logLevelNormalizer = normalization.NewNormalizer(map[string]LogLevel{
	"debug":   LogLevelDebug,
	"info":    LogLevelInfo,
	"warn":    LogLevelWarn,
	"warning": LogLevelWarn,
	"error":   LogLevelError,
}, LogLevelInfo)

// LogFormat enumerates supported log output formats.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

var logFormatNormalizer = normalization.NewNormalizer(map[string]LogFormat{
	"json": LogFormatJSON,
	"text": LogFormatText,
}, LogFormatText)

// The enum types reject unknown spellings at decode time so typos fail loudly.

func (d *StoreDriver) UnmarshalYAML(value *yaml.Node) error {
	return decodeEnum(value, storeDriverNormalizer, d)
}

func (b *ArtifactBackend) UnmarshalYAML(value *yaml.Node) error {
	return decodeEnum(value, artifactBackendNormalizer, b)
}

func (m *RetryBackoffMode) UnmarshalYAML(value *yaml.Node) error {
	return decodeEnum(value, retryBackoffNormalizer, m)
}

func (l *LogLevel) UnmarshalYAML(value *yaml.Node) error {
	return decodeEnum(value, logLevelNormalizer, l)
}

func (f *LogFormat) UnmarshalYAML(value *yaml.Node) error {
	return decodeEnum(value, logFormatNormalizer, f)
}

func decodeEnum[T comparable](value *yaml.Node, n *normalization.Normalizer[T], out *T) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	v, err := n.Parse(raw)
	if err != nil {
		return err
	}
	*out = v
	return nil
}
