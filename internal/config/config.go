// Package config is the Configuration Store (C1): the authoritative list
// of backends and tunable parameters, reloaded on file change. See
// SPEC_FULL.md §4.1 and §6 for the TOML schema.
package config

// AppConfig holds the tunable parameters from the TOML file's [config]
// section. Field names mirror SPEC_FULL.md §6 verbatim.
type AppConfig struct {
	HealthCheckInterval            int     `toml:"health_check_interval"`
	ConfigReloadInterval           int     `toml:"config_reload_interval"`
	RequestTimeout                 int     `toml:"request_timeout"`
	HealthCheckTimeout              int     `toml:"health_check_timeout"`
	MaxRetries                     int     `toml:"max_retries"`
	FailureThreshold                int     `toml:"failure_threshold"`
	AutoRecoveryThreshold            int     `toml:"auto_recovery_threshold"`
	EnableActiveHealthCheck          bool    `toml:"enable_active_health_check"`
	HealthCheckMaxResponseTime       float64 `toml:"health_check_max_response_time"`
	HealthCheckMinSuccessRate        float64 `toml:"health_check_min_success_rate"`
	HealthCheckWindowSize            int     `toml:"health_check_window_size"`
	HealthCheckConsecutiveFailures   int     `toml:"health_check_consecutive_failures"`
}

// BackendConfig is one entry from [[servers.servers]].
type BackendConfig struct {
	URL                   string `toml:"url"`
	MaxConcurrentRequests int    `toml:"max_concurrent_requests"`
}

// rawServers mirrors the TOML table layout: [[servers.servers]] entries
// live under a "servers" table's "servers" array.
type rawServers struct {
	Servers []BackendConfig `toml:"servers"`
}

// rawAppConfig mirrors AppConfig but keeps EnableActiveHealthCheck,
// MaxRetries and HealthCheckMinSuccessRate as pointers so the decoder can
// distinguish "absent from file" (apply the documented default) from an
// operator's explicit zero value (max_retries = 0 means no retries,
// health_check_min_success_rate = 0 means accept any success rate — both
// are valid per SPEC_FULL.md §6 and must not be overwritten by defaulting).
type rawAppConfig struct {
	HealthCheckInterval            int      `toml:"health_check_interval"`
	ConfigReloadInterval           int      `toml:"config_reload_interval"`
	RequestTimeout                 int      `toml:"request_timeout"`
	HealthCheckTimeout              int      `toml:"health_check_timeout"`
	MaxRetries                     *int     `toml:"max_retries"`
	FailureThreshold                int      `toml:"failure_threshold"`
	AutoRecoveryThreshold            int      `toml:"auto_recovery_threshold"`
	EnableActiveHealthCheck          *bool    `toml:"enable_active_health_check"`
	HealthCheckMaxResponseTime       float64  `toml:"health_check_max_response_time"`
	HealthCheckMinSuccessRate        *float64 `toml:"health_check_min_success_rate"`
	HealthCheckWindowSize            int      `toml:"health_check_window_size"`
	HealthCheckConsecutiveFailures   int      `toml:"health_check_consecutive_failures"`
}

// toAppConfig converts the raw decode target into the public AppConfig,
// applying defaults for every field (including the true-by-default active
// health check flag).
func (r rawAppConfig) toAppConfig() AppConfig {
	cfg := AppConfig{
		HealthCheckInterval:            r.HealthCheckInterval,
		ConfigReloadInterval:           r.ConfigReloadInterval,
		RequestTimeout:                 r.RequestTimeout,
		HealthCheckTimeout:             r.HealthCheckTimeout,
		FailureThreshold:               r.FailureThreshold,
		AutoRecoveryThreshold:          r.AutoRecoveryThreshold,
		HealthCheckMaxResponseTime:     r.HealthCheckMaxResponseTime,
		HealthCheckWindowSize:          r.HealthCheckWindowSize,
		HealthCheckConsecutiveFailures: r.HealthCheckConsecutiveFailures,
	}
	if r.EnableActiveHealthCheck == nil {
		cfg.EnableActiveHealthCheck = true
	} else {
		cfg.EnableActiveHealthCheck = *r.EnableActiveHealthCheck
	}
	if r.MaxRetries == nil {
		cfg.MaxRetries = 3
	} else {
		cfg.MaxRetries = *r.MaxRetries
	}
	if r.HealthCheckMinSuccessRate == nil {
		cfg.HealthCheckMinSuccessRate = 0.8
	} else {
		cfg.HealthCheckMinSuccessRate = *r.HealthCheckMinSuccessRate
	}
	cfg.applyDefaults()
	return cfg
}

// rawFile is the top-level TOML document shape.
type rawFile struct {
	Servers rawServers   `toml:"servers"`
	Config  rawAppConfig `toml:"config"`
}

// applyDefaults fills in zero-valued fields with SPEC_FULL.md §6's
// documented defaults, matching original_source's AppConfig field
// defaults (config.py) and the teacher's loader.go defaulting pass.
//
// MaxRetries and HealthCheckMinSuccessRate are resolved earlier, in
// toAppConfig, from the pointer-typed raw fields: both have a
// legitimate explicit zero value (no retries; accept any success rate)
// that a blanket zero-check here would silently overwrite.
func (c *AppConfig) applyDefaults() {
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30
	}
	if c.ConfigReloadInterval == 0 {
		c.ConfigReloadInterval = 60
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = 5
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 2
	}
	if c.AutoRecoveryThreshold == 0 {
		c.AutoRecoveryThreshold = 60
	}
	if c.HealthCheckMaxResponseTime == 0 {
		c.HealthCheckMaxResponseTime = 10.0
	}
	if c.HealthCheckWindowSize == 0 {
		c.HealthCheckWindowSize = 10
	}
	if c.HealthCheckConsecutiveFailures == 0 {
		c.HealthCheckConsecutiveFailures = 3
	}
}
