package config

import (
	"net/url"

	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
)

// Validate checks a defaulted configuration. It returns the first problem found.
func Validate(cfg *Config) error {
	checks := []func(*Config) error{
		validateLimits,
		validateEventBus,
		validateStore,
		validateCollaborators,
		validateArtifacts,
		validateReporting,
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateLimits(cfg *Config) error {
	if cfg.Limits.MaxConcurrentBuilds < 1 {
		return ferrors.ConfigError("limits.max_concurrent_builds must be at least 1").
			WithContext("value", cfg.Limits.MaxConcurrentBuilds).
			Build()
	}
	return nil
}

func validateEventBus(cfg *Config) error {
	eb := cfg.EventBus
	if eb.MaxDeliver < -1 || eb.MaxDeliver == 0 {
		return ferrors.ConfigError("event_bus.max_deliver must be positive or -1 for unlimited").
			WithContext("value", eb.MaxDeliver).
			Build()
	}
	if eb.StartedSubject == eb.CompletedSubject || eb.StartedSubject == eb.FailedSubject {
		return ferrors.ConfigError("event_bus.started_subject must differ from the published subjects").Build()
	}
	return nil
}

func validateStore(cfg *Config) error {
	switch cfg.Store.Driver {
	case StoreRedis:
		if _, err := url.Parse(cfg.Store.RedisURL); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryConfig, "store.redis_url is not a URL").Fatal().Build()
		}
	case StoreSQLite, StoreMemory:
	default:
		return ferrors.ConfigError("unknown store.driver").WithContext("value", string(cfg.Store.Driver)).Build()
	}
	return nil
}

func validateCollaborators(cfg *Config) error {
	if err := requireURL("repository.base_url", cfg.Repository.BaseURL); err != nil {
		return err
	}
	return requireURL("sandbox.base_url", cfg.Sandbox.BaseURL)
}

func validateArtifacts(cfg *Config) error {
	if cfg.Artifacts.Backend != ArtifactsS3 {
		return nil
	}
	s3 := cfg.Artifacts.S3
	if s3.Endpoint == "" || s3.Bucket == "" {
		return ferrors.ConfigError("artifacts.s3.endpoint and artifacts.s3.bucket are required for the s3 backend").Build()
	}
	return nil
}

func validateReporting(cfg *Config) error {
	if cfg.Reporting.MaxRetries != nil && *cfg.Reporting.MaxRetries < 0 {
		return ferrors.ConfigError("reporting.max_retries cannot be negative").Build()
	}
	if cfg.Reporting.RetryInitialDelay > cfg.Reporting.RetryMaxDelay {
		return ferrors.ConfigError("reporting.retry_initial_delay exceeds retry_max_delay").Build()
	}
	return nil
}

func requireURL(field, raw string) error {
	if raw == "" {
		return ferrors.ConfigError(field + " is required").Build()
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ferrors.ConfigError(field+" must be an absolute URL").WithContext("value", raw).Build()
	}
	return nil
}
