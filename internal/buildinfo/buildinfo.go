// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package buildinfo carries values injected at link time.
package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// UserAgent is sent on every outbound request to a download client.
var UserAgent = fmt.Sprintf("borrowarr/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)

// String renders version, commit and build date for the version command.
func String() string {
	s := "Version: " + Version
	if Commit != "" {
		s += "\nCommit: " + Commit
	}
	if Date != "" {
		s += "\nBuild date: " + Date
	}
	return s
}
