// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/borrowarr/borrowarr/internal/domain"
)

var envPrefix = "BORROWARR__"

const encryptionKeySize = 32

// setting ties a config key to its environment variable and default value.
// A nil default leaves the key unset so viper falls back to the zero value.
type setting struct {
	key    string
	env    string
	def    any
	secret bool
}

// settings is the full set of keys read from config.toml and the environment.
// Env vars are bound one by one; AutomaticEnv would also pick up unrelated
// variables such as the SERVICE_PORT ones Kubernetes injects.
var settings = []setting{
	{key: "host", env: "HOST"},
	{key: "port", env: "PORT", def: 3013},
	{key: "baseUrl", env: "BASE_URL", def: "/"},
	{key: "sessionSecret", env: "SESSION_SECRET", secret: true},
	{key: "logLevel", env: "LOG_LEVEL", def: "INFO"},
	{key: "logPath", env: "LOG_PATH", def: ""},
	{key: "logMaxSize", env: "LOG_MAX_SIZE", def: 50},
	{key: "logMaxBackups", env: "LOG_MAX_BACKUPS", def: 3},
	{key: "dataDir", env: "DATA_DIR", def: ""},
	{key: "pprofEnabled", env: "PPROF_ENABLED", def: false},
	{key: "metricsEnabled", env: "METRICS_ENABLED", def: false},
	{key: "metricsHost", env: "METRICS_HOST", def: "127.0.0.1"},
	{key: "metricsPort", env: "METRICS_PORT", def: 9075},
	{key: "clientTimeout", env: "CLIENT_TIMEOUT", def: 30},
	{key: "clientIdleTimeout", env: "CLIENT_IDLE_TIMEOUT", def: 30},
	{key: "healthCheckInterval", env: "HEALTH_CHECK_INTERVAL", def: 30},
}

// AppConfig owns the viper instance behind domain.Config and keeps it in sync
// with config.toml while the process runs.
type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	mu        sync.RWMutex
	listeners []func(*domain.Config)
}

// New loads configDirOrPath (a directory or a .toml file), writing a
// commented default file first when none exists. Environment variables take
// precedence over the file.
func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	c := newAppConfig(versions...)

	if err := c.read(configDirOrPath); err != nil {
		return nil, err
	}
	if err := c.bindEnv(); err != nil {
		return nil, err
	}
	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.Config.Version = c.version
	c.resolveDataDir()

	c.viper.OnConfigChange(c.reload)
	c.viper.WatchConfig()

	return c, nil
}

func newAppConfig(versions ...string) *AppConfig {
	c := &AppConfig{
		Config:  &domain.Config{},
		viper:   viper.New(),
		version: "dev",
	}
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		c.version = versions[0]
	}

	for _, s := range settings {
		if s.def != nil {
			c.viper.SetDefault(s.key, s.def)
		}
	}

	host := "localhost"
	if inContainer() {
		host = "0.0.0.0"
	}
	c.viper.SetDefault("host", host)

	secret, err := generateSecureToken(encryptionKeySize)
	if err != nil {
		log.Error().Err(err).Msg("Could not generate a session secret, using a process-bound fallback")
		secret = fmt.Sprintf("change-me-%d", os.Getpid())
	}
	c.viper.SetDefault("sessionSecret", secret)

	return c
}

func (c *AppConfig) read(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	path := resolveConfigPath(configDirOrPath)
	c.viper.SetConfigFile(path)

	err := c.viper.ReadInConfig()
	if err == nil {
		return nil
	}

	// viper reports a missing explicit file as a plain fs error
	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := c.writeTemplate(path); err != nil {
		return err
	}
	if err := c.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read generated config %s: %w", path, err)
	}
	return nil
}

func (c *AppConfig) bindEnv() error {
	for _, s := range settings {
		name := envPrefix + s.env
		if s.secret {
			if file := os.Getenv(name + "_FILE"); file != "" {
				content, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read %s_FILE: %w", name, err)
				}
				c.viper.Set(s.key, strings.TrimSpace(string(content)))
				continue
			}
		}
		if err := c.viper.BindEnv(s.key, name); err != nil {
			return fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}
	return nil
}

func (c *AppConfig) reload(e fsnotify.Event) {
	log.Info().Str("file", e.Name).Msg("Configuration changed on disk")

	if err := c.viper.Unmarshal(c.Config); err != nil {
		log.Error().Err(err).Msg("Ignoring configuration change")
		return
	}
	c.Config.Version = c.version

	c.ApplyLogConfig()
	c.notifyListeners()
}

// RegisterReloadListener adds fn to the callbacks run after config.toml is
// reloaded. Each callback receives its own copy of the new config.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *AppConfig) notifyListeners() {
	c.mu.RLock()
	listeners := make([]func(*domain.Config), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, fn := range listeners {
		snapshot := *c.Config
		fn(&snapshot)
	}
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir overrides the data directory, e.g. from a --data-dir flag.
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

func (c *AppConfig) GetDatabasePath() string {
	return databasePath(c.dataDir)
}

// GetEncryptionKey derives the AES key for stored client credentials from the
// session secret.
func (c *AppConfig) GetEncryptionKey() []byte {
	return DeriveEncryptionKey(c.Config.SessionSecret)
}

// DeriveEncryptionKey hashes secret into an AES-256 key.
func DeriveEncryptionKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:encryptionKeySize]
}

func generateSecureToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
