// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

// Config is the unmarshalled config.toml, overlaid with BORROWARR__ env vars.
type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	SessionSecret string `toml:"sessionSecret" mapstructure:"sessionSecret"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`
	PprofEnabled  bool   `toml:"pprofEnabled" mapstructure:"pprofEnabled"`

	MetricsEnabled bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost    string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort    int    `toml:"metricsPort" mapstructure:"metricsPort"`

	// ClientTimeout is the default per-request timeout in seconds for
	// clients that do not set their own.
	ClientTimeout int `toml:"clientTimeout" mapstructure:"clientTimeout"`
	// ClientIdleTimeout is in minutes.
	ClientIdleTimeout int `toml:"clientIdleTimeout" mapstructure:"clientIdleTimeout"`
	// HealthCheckInterval is in seconds.
	HealthCheckInterval int `toml:"healthCheckInterval" mapstructure:"healthCheckInterval"`
}

func (c *Config) ClientTimeoutDuration() time.Duration {
	return time.Duration(c.ClientTimeout) * time.Second
}

func (c *Config) ClientIdleTimeoutDuration() time.Duration {
	return time.Duration(c.ClientIdleTimeout) * time.Minute
}

func (c *Config) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}
