// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	configFileName   = "config.toml"
	databaseFileName = "borrowarr.db"
)

// GetDefaultConfigDir returns the per-user config directory. Containers that
// set XDG_CONFIG_HOME=/config get /config itself.
func GetDefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		if xdg == "/config" {
			return xdg
		}
		return filepath.Join(xdg, "borrowarr")
	}

	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "borrowarr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "borrowarr")
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "borrowarr")
}

// resolveConfigPath maps a --config argument to a file. Anything ending in
// .toml or naming an existing regular file is used as is; everything else is
// a directory holding config.toml.
func resolveConfigPath(configDirOrPath string) string {
	if configDirOrPath == "" {
		return filepath.Join(GetDefaultConfigDir(), configFileName)
	}
	if strings.EqualFold(filepath.Ext(configDirOrPath), ".toml") {
		return configDirOrPath
	}
	if info, err := os.Stat(configDirOrPath); err == nil && info.Mode().IsRegular() {
		return configDirOrPath
	}
	return filepath.Join(configDirOrPath, configFileName)
}

// resolveDataDir picks dataDir from config, then the config file's directory.
func (c *AppConfig) resolveDataDir() {
	c.dataDir = "."
	if c.Config.DataDir != "" {
		c.dataDir = c.Config.DataDir
	} else if used := c.viper.ConfigFileUsed(); used != "" {
		c.dataDir = filepath.Dir(used)
	}
}

func databasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseFileName)
}

func inContainer() bool {
	for _, marker := range []string{"/.dockerenv", "/dev/.lxc-boot-id"} {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	return os.Getpid() == 1
}
