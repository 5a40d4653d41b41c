// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/rs/zerolog/log"
)

//go:embed config.toml.tmpl
var configTemplate string

var defaultConfig = template.Must(template.New("config").Parse(configTemplate))

// WriteDefaultConfig writes a commented config.toml with fresh defaults to
// path. An existing file is left untouched.
func WriteDefaultConfig(path string) error {
	return newAppConfig().writeTemplate(path)
}

func (c *AppConfig) writeTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Str("path", path).Msg("Config file exists, not overwriting")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	values := make(map[string]any, len(settings))
	for _, s := range settings {
		values[s.key] = c.viper.Get(s.key)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := defaultConfig.Execute(f, values); err != nil {
		f.Close()
		return fmt.Errorf("failed to render config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Str("path", path).Msg("Wrote default config")
	return nil
}
