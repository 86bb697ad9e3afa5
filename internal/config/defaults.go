package config

import (
	"time"

	"github.com/google/uuid"
)

// DefaultApplier applies defaults for one configuration section.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

var defaultAppliers = []DefaultApplier{
	serviceDefaults{},
	limitsDefaults{},
	eventBusDefaults{},
	storeDefaults{},
	collaboratorDefaults{},
	artifactDefaults{},
	reportingDefaults{},
	loggingDefaults{},
	tracingDefaults{},
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) error {
	for _, applier := range defaultAppliers {
		if err := applier.ApplyDefaults(cfg); err != nil {
			return err
		}
	}
	return nil
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

func setString(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

type serviceDefaults struct{}

func (serviceDefaults) Domain() string { return "service" }

func (serviceDefaults) ApplyDefaults(cfg *Config) error {
	setString(&cfg.Service.Name, "buildorch")
	setString(&cfg.Service.InstanceID, uuid.NewString())
	setDuration(&cfg.Service.ShutdownGrace, 30*time.Second)
	return nil
}

type limitsDefaults struct{}

func (limitsDefaults) Domain() string { return "limits" }

func (limitsDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Limits.MaxConcurrentBuilds == 0 {
		cfg.Limits.MaxConcurrentBuilds = 4
	}
	setDuration(&cfg.Limits.BuildTimeout, 15*time.Minute)
	setDuration(&cfg.Limits.FillInterval, 10*time.Second)
	return nil
}

type eventBusDefaults struct{}

func (eventBusDefaults) Domain() string { return "event_bus" }

func (eventBusDefaults) ApplyDefaults(cfg *Config) error {
	eb := &cfg.EventBus
	setString(&eb.URL, "nats://127.0.0.1:4222")
	setString(&eb.Stream, "PROJECT_BUILDS")
	setString(&eb.Consumer, "buildorch")
	setString(&eb.StartedSubject, "project.build.started")
	setString(&eb.CompletedSubject, "project.build.completed")
	setString(&eb.FailedSubject, "project.build.failed")
	setDuration(&eb.AckWait, 30*time.Second)
	if eb.MaxDeliver == 0 {
		eb.MaxDeliver = 10
	}
	return nil
}

type storeDefaults struct{}

func (storeDefaults) Domain() string { return "store" }

func (storeDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreRedis
	}
	setString(&cfg.Store.RedisURL, "redis://127.0.0.1:6379/0")
	setString(&cfg.Store.SQLitePath, "./buildorch.db")
	setString(&cfg.Store.Namespace, "buildorch")
	setDuration(&cfg.Store.TerminalTTL, 7*24*time.Hour)
	return nil
}

type collaboratorDefaults struct{}

func (collaboratorDefaults) Domain() string { return "collaborators" }

func (collaboratorDefaults) ApplyDefaults(cfg *Config) error {
	setString(&cfg.Repository.AuthHeader, "Authorization")
	if cfg.Repository.AuthPrefix == "" && cfg.Repository.AuthHeader == "Authorization" {
		cfg.Repository.AuthPrefix = "Bearer "
	}
	setDuration(&cfg.Repository.Timeout, 30*time.Second)
	setDuration(&cfg.Sandbox.Timeout, 30*time.Second)
	return nil
}

type artifactDefaults struct{}

func (artifactDefaults) Domain() string { return "artifacts" }

func (artifactDefaults) ApplyDefaults(cfg *Config) error {
	setDuration(&cfg.Artifacts.Retention, 24*time.Hour)
	if cfg.Artifacts.CleanupRetries < 0 {
		cfg.Artifacts.CleanupRetries = 0
	}
	if cfg.Artifacts.CleanupRetries == 0 {
		cfg.Artifacts.CleanupRetries = 2
	}
	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = ArtifactsSandbox
	}
	setString(&cfg.Artifacts.S3.Prefix, "builds")
	return nil
}

type reportingDefaults struct{}

func (reportingDefaults) Domain() string { return "reporting" }

func (reportingDefaults) ApplyDefaults(cfg *Config) error {
	r := &cfg.Reporting
	if r.RetryBackoff == "" {
		r.RetryBackoff = RetryBackoffExponential
	}
	setDuration(&r.RetryInitialDelay, 500*time.Millisecond)
	setDuration(&r.RetryMaxDelay, 10*time.Second)
	if r.MaxRetries == nil {
		def := 3
		r.MaxRetries = &def
	}
	return nil
}

type loggingDefaults struct{}

func (loggingDefaults) Domain() string { return "logging" }

func (loggingDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogLevelInfo
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogFormatText
	}
	return nil
}

type tracingDefaults struct{}

func (tracingDefaults) Domain() string { return "tracing" }

func (tracingDefaults) ApplyDefaults(cfg *Config) error {
	setString(&cfg.Tracing.Output, "stderr")
	return nil
}
